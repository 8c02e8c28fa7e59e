package dto

import "encoding/json"

// QueryRequest asks for device keys per user. An empty or absent device list
// means all devices of that user.
type QueryRequest struct {
	DeviceKeys map[string][]string `json:"device_keys"`
	TimeoutMS  int64               `json:"timeout,omitempty"`
}

// QueryResponse maps user -> device -> key object. Failures are keyed by the
// remote domain that could not be reached.
type QueryResponse struct {
	DeviceKeys      map[string]map[string]json.RawMessage `json:"device_keys"`
	Failures        map[string]Failure                    `json:"failures"`
	SelfSigningKeys map[string]json.RawMessage            `json:"self_signing_keys"`
}

// FederationQueryResponse is the body returned by a remote server for an
// inbound or outbound federation device-key query.
type FederationQueryResponse struct {
	DeviceKeys map[string]map[string]json.RawMessage `json:"device_keys"`
}
