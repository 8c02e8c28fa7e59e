package dto

// Failure is the per-destination failure record surfaced to callers when a
// federated portion of a request could not be served.
type Failure struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}
