package domain

import "errors"

var (
	ErrTransport           = errors.New("transport error")
	ErrProviderApplication = errors.New("provider application error")
	ErrHTTPStatus          = errors.New("http status error")
	ErrTimeoutExceeded     = errors.New("timeout exceeded")

	ErrProviderNotFound   = errors.New("provider not found")
	ErrNotFound           = errors.New("not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrDuplicate          = errors.New("duplicate entry")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrBudgetExceeded     = errors.New("budget exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrContentFlagged     = errors.New("content flagged by moderation")
	ErrGenerationFailed   = errors.New("generation failed")
)
