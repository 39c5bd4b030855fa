package generation

import (
	"fmt"
	"net/http"
	"time"
)

// Stable error codes returned to clients.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeNoCredits         = "NO_CREDITS"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeTriggerError      = "TRIGGER_ERROR"
	CodeInternalError     = "INTERNAL_ERROR"
)

// GateError is the closed set of synchronous rejections from Submit:
// *ValidationError, *InsufficientCreditsError, *RateLimitExceededError and
// *InternalError.
type GateError interface {
	error
	Code() string
	HTTPStatus() int
	// Payload is the body of the {"error": ...} envelope.
	Payload() map[string]any
	gateError()
}

// ValidationError rejects a malformed request before any side effect.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input data: %v", e.Fields)
}
func (e *ValidationError) Code() string    { return CodeValidation }
func (e *ValidationError) HTTPStatus() int { return http.StatusBadRequest }
func (e *ValidationError) Payload() map[string]any {
	return map[string]any{"message": "Invalid input data", "code": e.Code(), "fields": e.Fields}
}
func (*ValidationError) gateError() {}

// InsufficientCreditsError rejects a user whose balance cannot pay.
type InsufficientCreditsError struct {
	CurrentCredits  int64
	RequiredCredits int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", e.CurrentCredits, e.RequiredCredits)
}
func (e *InsufficientCreditsError) Code() string    { return CodeNoCredits }
func (e *InsufficientCreditsError) HTTPStatus() int { return http.StatusPaymentRequired }
func (e *InsufficientCreditsError) Payload() map[string]any {
	return map[string]any{
		"message":         "Insufficient credits to generate image",
		"code":            e.Code(),
		"currentCredits":  e.CurrentCredits,
		"requiredCredits": e.RequiredCredits,
	}
}
func (*InsufficientCreditsError) gateError() {}

// RateLimitExceededError rejects a user over the window threshold.
type RateLimitExceededError struct {
	Limit     int
	ResetTime time.Time
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded until %s", e.ResetTime.Format(time.RFC3339))
}
func (e *RateLimitExceededError) Code() string    { return CodeRateLimitExceeded }
func (e *RateLimitExceededError) HTTPStatus() int { return http.StatusTooManyRequests }
func (e *RateLimitExceededError) Payload() map[string]any {
	return map[string]any{
		"message":   "Rate limit exceeded. Please try again later.",
		"code":      e.Code(),
		"resetTime": e.ResetTime.UTC().Format(time.RFC3339),
	}
}
func (*RateLimitExceededError) gateError() {}

// InternalError is an unexpected failure before or during the trigger.
type InternalError struct {
	ErrCode string
	Message string
	Err     error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}
func (e *InternalError) Unwrap() error { return e.Err }
func (e *InternalError) Code() string {
	if e.ErrCode == "" {
		return CodeInternalError
	}
	return e.ErrCode
}
func (e *InternalError) HTTPStatus() int { return http.StatusInternalServerError }
func (e *InternalError) Payload() map[string]any {
	return map[string]any{"message": e.Message, "code": e.Code()}
}
func (*InternalError) gateError() {}
