// Package sigverify wraps canonical-JSON encoding, verify-key decoding and
// signed-JSON verification for key objects. Every verification site strips
// and canonicalizes through the same helpers so the verified payload and the
// persisted payload are always computed by one code path.
package sigverify

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
)

var ErrInvalidKeyInfo = errors.New("key info must contain exactly one verify key")

// StripSigned returns the object with its "signatures" and "unsigned" fields
// removed. The input is not modified.
func StripSigned(raw []byte) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("strip signed object: %w", err)
	}
	delete(obj, "signatures")
	delete(obj, "unsigned")
	return json.Marshal(obj)
}

// CanonicalStripped is the canonical-JSON form of the stripped object, the
// exact byte sequence signatures are computed over and payloads compared by.
func CanonicalStripped(raw []byte) ([]byte, error) {
	stripped, err := StripSigned(raw)
	if err != nil {
		return nil, err
	}
	return gomatrixserverlib.CanonicalJSON(stripped)
}

// Equal reports whether two key objects are byte-identical once stripped and
// canonicalized.
func Equal(a, b []byte) (bool, error) {
	ca, err := CanonicalStripped(a)
	if err != nil {
		return false, err
	}
	cb, err := CanonicalStripped(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// VerifyKeyFromKeyInfo extracts the single verify key a signing-key object
// must carry. Records with zero or multiple keys are rejected.
func VerifyKeyFromKeyInfo(raw []byte) (gomatrixserverlib.KeyID, ed25519.PublicKey, error) {
	var info struct {
		Keys map[gomatrixserverlib.KeyID]gomatrixserverlib.Base64Bytes `json:"keys"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return "", nil, fmt.Errorf("decode key info: %w", err)
	}
	if len(info.Keys) != 1 {
		return "", nil, ErrInvalidKeyInfo
	}
	for keyID, keyData := range info.Keys {
		if len(keyData) != ed25519.PublicKeySize {
			return "", nil, fmt.Errorf("verify key %s: expected %d bytes, got %d", keyID, ed25519.PublicKeySize, len(keyData))
		}
		return keyID, ed25519.PublicKey(keyData), nil
	}
	return "", nil, ErrInvalidKeyInfo
}

// VerifySignedJSON checks the signature placed under (signingUser, keyID) in
// the object's signatures block against the stripped canonical payload.
func VerifySignedJSON(signed []byte, signingUser string, keyID gomatrixserverlib.KeyID, key ed25519.PublicKey) error {
	return gomatrixserverlib.VerifyJSON(signingUser, keyID, key, signed)
}

// SignatureValue extracts signatures[user][keyID] from a signed object.
func SignatureValue(raw []byte, user string, keyID gomatrixserverlib.KeyID) (string, bool) {
	var obj struct {
		Signatures map[string]map[gomatrixserverlib.KeyID]string `json:"signatures"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", false
	}
	sig, ok := obj.Signatures[user][keyID]
	return sig, ok
}

// BareKeyID strips the algorithm prefix from an "algorithm:identifier" key
// id; ids without a prefix are returned unchanged.
func BareKeyID(keyID string) string {
	if i := strings.Index(keyID, ":"); i >= 0 {
		return keyID[i+1:]
	}
	return keyID
}

// OneTimeKeysMatch applies the one-time-key conflict rule: plain strings
// must match exactly, objects are compared with signatures stripped from
// both sides, and a string never matches an object.
func OneTimeKeysMatch(stored, uploaded []byte) bool {
	var oldVal, newVal any
	if err := json.Unmarshal(stored, &oldVal); err != nil {
		return false
	}
	if err := json.Unmarshal(uploaded, &newVal); err != nil {
		return false
	}
	oldObj, oldIsObj := oldVal.(map[string]any)
	newObj, newIsObj := newVal.(map[string]any)
	if !oldIsObj || !newIsObj {
		return reflect.DeepEqual(oldVal, newVal)
	}
	delete(oldObj, "signatures")
	delete(newObj, "signatures")
	return reflect.DeepEqual(oldObj, newObj)
}
