package api

import "encoding/json"

// SubmitRequestsRequest carries one homogeneous batch. Each payload is the
// JSON form of the kind's payload.
type SubmitRequestsRequest struct {
	Kind         string            `json:"kind"`
	Tenant       string            `json:"tenant"`
	SessionOwner string            `json:"session_owner"`
	Session      string            `json:"session"`
	Payloads     []json.RawMessage `json:"payloads"`
}

type AbortRequest struct {
	Tenant string `json:"tenant"`
}

type IDsRequest struct {
	IDs []int64 `json:"ids"`
}

type DecideRequest struct {
	IDs            []int64 `json:"ids"`
	VersioningMode string  `json:"versioning_mode"`
}
