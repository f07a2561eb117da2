package errors

import (
	"pollbridge/messages"
)

// Error codes reported to clients
const (
	CodeTimeout        = "TIMEOUT"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeShuttingDown   = "SHUTTING_DOWN"
)

var defaultMessages = map[string]string{
	CodeTimeout:        "Request timed out without success",
	CodeInvalidRequest: "Invalid request format",
	CodeShuttingDown:   "Bridge is shutting down",
}

// Format creates a standardized failure message for the client. An empty
// message falls back to the code's default text.
func Format(code, message string) messages.FailureResponse {
	if message == "" {
		message = defaultMessages[code]
	}
	return messages.FailureResponse{Error: code, Message: message}
}
