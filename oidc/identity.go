package oidc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrMalformedPayload is returned when the userinfo payload is not a JSON object
	ErrMalformedPayload = errors.New("malformed userinfo payload")

	// ErrMissingSubject is returned when a successful payload carries no sub
	ErrMissingSubject = errors.New("successful userinfo payload without sub")
)

// Identity is the outcome of resolving a bearer token. It is one of
// *Authenticated, *Rejected or *Ambiguous.
type Identity interface {
	isIdentity()
}

// Authenticated is a token the provider vouched for
type Authenticated struct {
	Subject string
	Claims  map[string]any
}

// Rejected is a token the provider explicitly refused. Payload is the decoded
// userinfo document, relayed to the caller verbatim.
type Rejected struct {
	Payload json.RawMessage
}

// Ambiguous is a response carrying no usable success indicator
type Ambiguous struct{}

func (*Authenticated) isIdentity() {}
func (*Rejected) isIdentity()      {}
func (*Ambiguous) isIdentity()     {}

// classify maps a decoded userinfo document onto an Identity using its
// success member.
func classify(payload []byte) (Identity, error) {
	var claims map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrMalformedPayload)
	}
	if claims == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}

	success, ok := claims["success"].(bool)
	if !ok {
		return &Ambiguous{}, nil
	}
	if !success {
		return &Rejected{Payload: json.RawMessage(bytes.Clone(payload))}, nil
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrMissingSubject
	}
	return &Authenticated{Subject: sub, Claims: claims}, nil
}
