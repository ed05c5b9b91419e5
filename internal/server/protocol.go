// Package server exposes the governance monitor as a tool surface:
// newline-delimited JSON requests over stdio, dispatched through a
// per-tool table with authentication, timeouts, and a uniform error
// envelope.
package server

import (
	"encoding/json"

	"govmon/internal/types"
)

// Request is one tool invocation on the wire.
type Request struct {
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	APIKey    string          `json:"api_key,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Response is the uniform reply envelope. Exactly one of Data or Error
// is populated.
type Response struct {
	Success   bool        `json:"success"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`

	Error            string          `json:"error,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	Recovery         *types.Recovery `json:"recovery,omitempty"`
	RemainingSeconds float64         `json:"remaining_seconds,omitempty"`
	ResetAt          types.Timestamp `json:"reset_at,omitempty"`
}

func okResponse(requestID string, data interface{}) *Response {
	return &Response{Success: true, RequestID: requestID, Data: data}
}

func errResponse(requestID string, terr *types.ToolError) *Response {
	return &Response{
		Success:          false,
		RequestID:        requestID,
		Error:            terr.Message,
		ErrorCode:        terr.Code,
		Recovery:         terr.Recovery,
		RemainingSeconds: terr.RemainingSeconds,
		ResetAt:          terr.ResetAt,
	}
}
