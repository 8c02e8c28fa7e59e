package dto

import "encoding/json"

// UploadRequest carries new device keys and/or one-time keys for the device
// identified by the access token. One-time keys are keyed "algorithm:key_id"
// and each value is either a bare string or a small signed object.
type UploadRequest struct {
	DeviceKeys  json.RawMessage            `json:"device_keys,omitempty"`
	OneTimeKeys map[string]json.RawMessage `json:"one_time_keys,omitempty"`
}

// UploadResponse reports the unclaimed one-time keys now held per algorithm.
type UploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}
