package dto

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib"
)

// UploadSigningKeysRequest carries a new self-signing and/or user-signing
// key. The raw bytes are kept because signature verification must run over
// exactly what the client signed.
type UploadSigningKeysRequest struct {
	SelfSigningKey json.RawMessage `json:"self_signing_key,omitempty"`
	UserSigningKey json.RawMessage `json:"user_signing_key,omitempty"`
}

// SigningKey is the parsed form of a cross-signing key upload. Keys maps the
// key's own id to its unpadded-base64 verify key; Replaces names the bare id
// of the key this one supersedes.
type SigningKey struct {
	UserID     string                                                          `json:"user_id"`
	Usage      []string                                                        `json:"usage"`
	Keys       map[gomatrixserverlib.KeyID]gomatrixserverlib.Base64Bytes       `json:"keys"`
	Replaces   string                                                          `json:"replaces,omitempty"`
	Signatures map[string]map[gomatrixserverlib.KeyID]gomatrixserverlib.Base64Bytes `json:"signatures,omitempty"`
}

// HasUsage reports whether the declared usage list contains want.
func (k SigningKey) HasUsage(want string) bool {
	for _, u := range k.Usage {
		if u == want {
			return true
		}
	}
	return false
}

// UploadSignaturesRequest maps target user -> target device -> the signed
// copy of that device's key object.
type UploadSignaturesRequest map[string]map[string]json.RawMessage

// UploadSignaturesResponse collects per-entry failures keyed
// "user_id/device_id"; valid entries in the same batch still persist.
type UploadSignaturesResponse struct {
	Failures map[string]Failure `json:"failures"`
}
