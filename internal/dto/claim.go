package dto

import "encoding/json"

// ClaimRequest maps user -> device -> wanted algorithm.
type ClaimRequest struct {
	OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
	TimeoutMS   int64                        `json:"timeout,omitempty"`
}

// ClaimResponse maps user -> device -> "algorithm:key_id" -> key value.
// A claimed key is consumed: it never appears in a later claim.
type ClaimResponse struct {
	OneTimeKeys map[string]map[string]map[string]json.RawMessage `json:"one_time_keys"`
	Failures    map[string]Failure                               `json:"failures"`
}

// FederationClaimResponse is the body returned by a remote server for a
// one-time-key claim; its per-user results are authoritative once received.
type FederationClaimResponse struct {
	OneTimeKeys map[string]map[string]map[string]json.RawMessage `json:"one_time_keys"`
}
