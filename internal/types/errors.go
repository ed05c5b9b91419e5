package types

import "fmt"

// Error codes returned in the tool response envelope. Codes are part of
// the wire contract; clients key retry behavior off them.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeAuthFailed     = "AUTH_FAILED"
	CodeNotFound       = "NOT_FOUND"
	CodeLoopCooldown   = "LOOP_COOLDOWN"
	CodeRateLimited    = "RATE_LIMITED"
	CodeLockTimeout    = "LOCK_TIMEOUT"
	CodeStateViolation = "STATE_VIOLATION"
	CodeTimeout        = "TIMEOUT"
	CodeInternal       = "INTERNAL_ERROR"
)

// Recovery suggests how a client can get unstuck after an error.
type Recovery struct {
	Action       string   `json:"action,omitempty"`
	RelatedTools []string `json:"related_tools,omitempty"`
	Workflow     string   `json:"workflow,omitempty"`
}

// ToolError is the structured error surfaced through the tool envelope.
// Message must already be sanitized: no paths, no wrapped system errors.
type ToolError struct {
	Code             string    `json:"error_code"`
	Message          string    `json:"error"`
	Recovery         *Recovery `json:"recovery,omitempty"`
	Retryable        bool      `json:"-"`
	RemainingSeconds float64   `json:"remaining_seconds,omitempty"`
	ResetAt          Timestamp `json:"reset_at,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validation builds a VALIDATION_ERROR.
func Validation(format string, args ...interface{}) *ToolError {
	return &ToolError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// AuthFailed builds an AUTH_FAILED error.
func AuthFailed(message string) *ToolError {
	return &ToolError{
		Code:    CodeAuthFailed,
		Message: message,
		Recovery: &Recovery{
			Action:       "Verify the api_key matches the one issued for this agent_id",
			RelatedTools: []string{"get_agent_api_key"},
		},
	}
}

// NotFound builds a NOT_FOUND error for the named resource.
func NotFound(kind, id string) *ToolError {
	return &ToolError{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// LockTimeout builds a retryable LOCK_TIMEOUT error.
func LockTimeout(resource string) *ToolError {
	return &ToolError{
		Code:      CodeLockTimeout,
		Message:   fmt.Sprintf("could not acquire %s lock; try again shortly", resource),
		Retryable: true,
	}
}

// StateViolation builds a STATE_VIOLATION error carrying the current state.
func StateViolation(format string, args ...interface{}) *ToolError {
	return &ToolError{Code: CodeStateViolation, Message: fmt.Sprintf(format, args...)}
}

// Internal builds a sanitized INTERNAL_ERROR. The underlying cause is
// expected to be logged by the caller before the error leaves the server.
func Internal() *ToolError {
	return &ToolError{Code: CodeInternal, Message: "internal error; see server logs"}
}

// LoopCooldown builds a LOOP_COOLDOWN rejection disclosing remaining time.
func LoopCooldown(pattern string, remaining float64) *ToolError {
	return &ToolError{
		Code:             CodeLoopCooldown,
		Message:          fmt.Sprintf("update loop detected (%s); cooldown in effect", pattern),
		Retryable:        true,
		RemainingSeconds: remaining,
		Recovery: &Recovery{
			Action: "Wait for the cooldown to expire, then resume normal update pacing",
		},
	}
}

// RateLimited builds a RATE_LIMITED rejection with a reset hint.
func RateLimited(what string, resetAt Timestamp) *ToolError {
	return &ToolError{
		Code:      CodeRateLimited,
		Message:   fmt.Sprintf("%s rate limit exceeded", what),
		Retryable: true,
		ResetAt:   resetAt,
		Recovery: &Recovery{
			Action: "Back off until reset_at before retrying",
		},
	}
}
