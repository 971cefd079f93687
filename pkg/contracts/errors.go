package contracts

import "fmt"

// ErrorCode is the closed taxonomy of pipeline rejection codes.
// Every rejected request maps to exactly one code.
type ErrorCode string

const (
	ErrInvalidEnvelope     ErrorCode = "INVALID_ENVELOPE"
	ErrAuth                ErrorCode = "AUTH_ERROR"
	ErrExpired             ErrorCode = "EXPIRED"
	ErrNoRouteMatch        ErrorCode = "NO_ROUTE_MATCH"
	ErrSafetyBlock         ErrorCode = "SAFETY_BLOCK"
	ErrServiceDegraded     ErrorCode = "SERVICE_DEGRADED"
	ErrTrustChainInvalid   ErrorCode = "TRUST_CHAIN_INVALID"
	ErrAlgorithmNotAllowed ErrorCode = "ALGORITHM_NOT_ALLOWED"
	ErrCanonicalization    ErrorCode = "CANONICALIZATION_ERROR"
	ErrSkillExecution      ErrorCode = "SKILL_EXECUTION_ERROR"
)

// PipelineError is the structured error object returned to callers.
type PipelineError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPipelineError builds a PipelineError with a formatted message.
func NewPipelineError(code ErrorCode, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}
