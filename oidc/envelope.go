package oidc

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrEnvelopeDecrypt is returned when an encrypted userinfo response cannot be decrypted
	ErrEnvelopeDecrypt = errors.New("userinfo decryption failed")

	// ErrEnvelopeSignature is returned when a signed userinfo response fails verification
	ErrEnvelopeSignature = errors.New("userinfo signature verification failed")

	// ErrInvalidResponseOptions is returned for unsupported response algorithms
	ErrInvalidResponseOptions = errors.New("invalid userinfo response options")
)

// DefaultEncryptionEnc is the content encryption used when only an
// encryption algorithm is configured.
const DefaultEncryptionEnc = string(jose.A128CBC_HS256)

var (
	signingAlgs = []string{
		jwt.SigningMethodHS256.Alg(),
		jwt.SigningMethodHS384.Alg(),
		jwt.SigningMethodHS512.Alg(),
	}
	encryptionAlgs = []string{
		string(jose.RSA1_5),
		string(jose.RSA_OAEP),
		string(jose.RSA_OAEP_256),
	}
	encryptionEncs = []string{
		string(jose.A128CBC_HS256),
		string(jose.A192CBC_HS384),
		string(jose.A256CBC_HS512),
		string(jose.A128GCM),
		string(jose.A192GCM),
		string(jose.A256GCM),
	}
)

// ResponseOptions describe how the provider protects userinfo responses.
// Empty fields mean the corresponding layer is absent. Signing uses the
// client secret as HMAC key. Encryption uses the keystore.
type ResponseOptions struct {
	SigningAlg    string
	EncryptionAlg string
	EncryptionEnc string
}

// DefaultResponseOptions are signed with HS256 then encrypted with RSA1_5 / A128CBC-HS256
func DefaultResponseOptions() ResponseOptions {
	return ResponseOptions{
		SigningAlg:    jwt.SigningMethodHS256.Alg(),
		EncryptionAlg: string(jose.RSA1_5),
		EncryptionEnc: DefaultEncryptionEnc,
	}
}

// Signed reports whether responses carry a JWS layer
func (o ResponseOptions) Signed() bool {
	return o.SigningAlg != ""
}

// Encrypted reports whether responses carry a JWE layer
func (o ResponseOptions) Encrypted() bool {
	return o.EncryptionAlg != ""
}

// ExpectsJWT reports whether responses are served as application/jwt
func (o ResponseOptions) ExpectsJWT() bool {
	return o.Signed() || o.Encrypted()
}

func (o ResponseOptions) withDefaults() ResponseOptions {
	if o.Encrypted() && o.EncryptionEnc == "" {
		o.EncryptionEnc = DefaultEncryptionEnc
	}
	return o
}

// Validate checks that the configured algorithms are supported
func (o ResponseOptions) Validate() error {
	if o.Signed() && !slices.Contains(signingAlgs, o.SigningAlg) {
		return fmt.Errorf("%w: signing alg %q", ErrInvalidResponseOptions, o.SigningAlg)
	}
	if !o.Encrypted() {
		if o.EncryptionEnc != "" {
			return fmt.Errorf("%w: enc %q set without an encryption alg", ErrInvalidResponseOptions, o.EncryptionEnc)
		}
		return nil
	}
	if !slices.Contains(encryptionAlgs, o.EncryptionAlg) {
		return fmt.Errorf("%w: encryption alg %q", ErrInvalidResponseOptions, o.EncryptionAlg)
	}
	if o.EncryptionEnc != "" && !slices.Contains(encryptionEncs, o.EncryptionEnc) {
		return fmt.Errorf("%w: encryption enc %q", ErrInvalidResponseOptions, o.EncryptionEnc)
	}
	return nil
}

// openEnvelope unwraps a userinfo response body into its JSON payload.
// A nested response is decrypted first, then its inner JWS is verified.
func (c *Client) openEnvelope(body []byte) ([]byte, error) {
	data := strings.TrimSpace(string(body))

	if c.response.Encrypted() {
		plain, err := c.decrypt(data)
		if err != nil {
			return nil, err
		}
		data = strings.TrimSpace(string(plain))
	}

	if c.response.Signed() {
		return c.verify(data)
	}
	return []byte(data), nil
}

func (c *Client) decrypt(data string) ([]byte, error) {
	obj, err := jose.ParseEncryptedCompact(
		data,
		[]jose.KeyAlgorithm{jose.KeyAlgorithm(c.response.EncryptionAlg)},
		[]jose.ContentEncryption{jose.ContentEncryption(c.response.EncryptionEnc)},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeDecrypt, err)
	}

	kid := obj.Header.KeyID
	candidates := c.keys.DecryptionKeys(c.response.EncryptionAlg, kid)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no decryption key for kid %q", ErrEnvelopeDecrypt, kid)
	}

	var lastErr error
	for _, k := range candidates {
		plain, err := obj.Decrypt(k.Key)
		if err == nil {
			return plain, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrEnvelopeDecrypt, lastErr)
}

func (c *Client) verify(data string) ([]byte, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.response.SigningAlg}),
		jwt.WithLeeway(c.clockTolerance),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(data, claims, func(*jwt.Token) (any, error) {
		return []byte(c.clientSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeSignature, err)
	}

	if iss, _ := claims.GetIssuer(); iss != "" && iss != c.metadata.Issuer {
		return nil, fmt.Errorf("%w: unexpected iss %q", ErrEnvelopeSignature, iss)
	}
	if aud, _ := claims.GetAudience(); len(aud) > 0 && !slices.Contains(aud, c.clientID) {
		return nil, fmt.Errorf("%w: audience does not include client", ErrEnvelopeSignature)
	}

	// payload bytes come from the token, not from the parsed claims
	parts := strings.Split(data, ".")
	payload, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeSignature, err)
	}
	return payload, nil
}
