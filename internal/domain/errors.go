package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("invalid input")
	ErrUnknownJobType     = errors.New("unsupported job type")
	ErrProviderTransient  = errors.New("provider transient failure")
	ErrProviderTerminal   = errors.New("provider rejected request")
	ErrServiceUnavailable = errors.New("service not configured")
	ErrStorage            = errors.New("storage failure")
	ErrStreamUnavailable  = errors.New("status stream unavailable")
	ErrTimeout            = errors.New("job deadline exceeded")
)
