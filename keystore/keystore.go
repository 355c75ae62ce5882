// Package keystore loads the relying party's private JSON Web Key Set.
//
// The key set is supplied as configuration text (not a file path) and holds
// the RSA key pair the identity provider encrypts userinfo responses to. A
// KeyStore is immutable once loaded and safe for concurrent readers.
package keystore

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

var (
	// ErrEmptyKeyStore is returned when the key set text or its key list is empty
	ErrEmptyKeyStore = errors.New("keystore contains no keys")

	// ErrMalformedKeyStore is returned when the key set is not valid JWKS JSON
	ErrMalformedKeyStore = errors.New("malformed JSON web key set")

	// ErrUnsupportedKeyType is returned for keys whose kty is not RSA
	ErrUnsupportedKeyType = errors.New("unsupported key type")

	// ErrMissingKeyID is returned when a key has no kid
	ErrMissingKeyID = errors.New("key has no kid")

	// ErrMissingPrivateKey is returned when an RSA key carries only public parameters
	ErrMissingPrivateKey = errors.New("RSA key has no private parameters")

	// ErrDuplicateKeyID is returned when two keys share a kid
	ErrDuplicateKeyID = errors.New("duplicate kid")
)

// Key uses as defined by RFC 7517 section 4.2
const (
	UseSignature  = "sig"
	UseEncryption = "enc"
)

// rsaKeyAlgorithms are the key management algorithms an RSA private key can decrypt.
var rsaKeyAlgorithms = map[string]bool{
	string(jose.RSA1_5):       true,
	string(jose.RSA_OAEP):     true,
	string(jose.RSA_OAEP_256): true,
}

// KeyStore is a read-only set of private JSON web keys indexed by key id
type KeyStore struct {
	keys []jose.JSONWebKey
	byID map[string]int
}

// keyHeader is the subset of a JWK inspected before full parsing, so that an
// unsupported kty is reported as such instead of as a decode failure.
type keyHeader struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
}

// Load parses a JSON Web Key Set into a KeyStore.
// Error messages never include key material.
func Load(raw string) (*KeyStore, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyKeyStore
	}

	var headers struct {
		Keys []keyHeader `json:"keys"`
	}
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKeyStore, err)
	}
	if len(headers.Keys) == 0 {
		return nil, ErrEmptyKeyStore
	}
	for i, h := range headers.Keys {
		if h.Kty != "RSA" {
			return nil, fmt.Errorf("%w: key %d has kty %q", ErrUnsupportedKeyType, i, h.Kty)
		}
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKeyStore, err)
	}

	ks := &KeyStore{
		keys: make([]jose.JSONWebKey, 0, len(set.Keys)),
		byID: make(map[string]int, len(set.Keys)),
	}
	for i, key := range set.Keys {
		if key.KeyID == "" {
			return nil, fmt.Errorf("%w: key %d", ErrMissingKeyID, i)
		}
		if _, ok := key.Key.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("%w: kid %q", ErrMissingPrivateKey, key.KeyID)
		}
		if _, exists := ks.byID[key.KeyID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKeyID, key.KeyID)
		}
		ks.byID[key.KeyID] = len(ks.keys)
		ks.keys = append(ks.keys, key)
	}

	return ks, nil
}

// Len returns the number of keys in the store
func (ks *KeyStore) Len() int {
	return len(ks.keys)
}

// KeyIDs returns the sorted key ids in the store
func (ks *KeyStore) KeyIDs() []string {
	ids := make([]string, 0, len(ks.keys))
	for _, k := range ks.keys {
		ids = append(ids, k.KeyID)
	}
	sort.Strings(ids)
	return ids
}

// Key looks up a key by its kid
func (ks *KeyStore) Key(kid string) (jose.JSONWebKey, bool) {
	i, ok := ks.byID[kid]
	if !ok {
		return jose.JSONWebKey{}, false
	}
	return ks.keys[i], true
}

// ByUse returns the keys intended for the given use. Keys without a use
// parameter are usable for both signatures and encryption.
func (ks *KeyStore) ByUse(use string) []jose.JSONWebKey {
	var out []jose.JSONWebKey
	for _, k := range ks.keys {
		if k.Use == "" || k.Use == use {
			out = append(out, k)
		}
	}
	return out
}

// DecryptionKeys returns the keys able to unwrap a content key encrypted with
// alg. When kid is set only that key is considered.
func (ks *KeyStore) DecryptionKeys(alg, kid string) []jose.JSONWebKey {
	if !rsaKeyAlgorithms[alg] {
		return nil
	}

	var out []jose.JSONWebKey
	for _, k := range ks.ByUse(UseEncryption) {
		if kid != "" && k.KeyID != kid {
			continue
		}
		if k.Algorithm != "" && k.Algorithm != alg {
			continue
		}
		out = append(out, k)
	}
	return out
}

// String describes the store without exposing key material
func (ks *KeyStore) String() string {
	return fmt.Sprintf("KeyStore{kids: [%s]}", strings.Join(ks.KeyIDs(), ", "))
}
