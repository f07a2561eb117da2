package messages

import (
	"encoding/json"
	"fmt"
)

// ClientRequest is the single structured request a client submits
type ClientRequest struct {
	Action string `json:"action"`
	Data   string `json:"data"`
}

// ClientResponse is sent once when the upstream reports success
type ClientResponse struct {
	Message string `json:"message"`
}

// FailureResponse is sent once when a request ends without success
type FailureResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// wireRequest distinguishes absent fields from empty strings
type wireRequest struct {
	Action *string `json:"action"`
	Data   *string `json:"data"`
}

// ParseClientRequest decodes one inbound text message. Both fields must be
// present and be JSON strings; unknown fields are ignored.
func ParseClientRequest(payload []byte) (ClientRequest, error) {
	var raw wireRequest
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ClientRequest{}, fmt.Errorf("invalid request format: %w", err)
	}
	if raw.Action == nil {
		return ClientRequest{}, fmt.Errorf("invalid request format: missing field `action`")
	}
	if raw.Data == nil {
		return ClientRequest{}, fmt.Errorf("invalid request format: missing field `data`")
	}
	return ClientRequest{Action: *raw.Action, Data: *raw.Data}, nil
}
