package voice

import (
	"errors"
	"strconv"
)

var (
	ErrInvalidVoice    = errors.New("invalid or unsupported voice")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrUnauthenticated = errors.New("invalid api key")
	ErrEmptyAudio      = errors.New("voice service returned no audio")
)

// SynthesisError carries voice service failure detail for logs and metrics.
type SynthesisError struct {
	Provider  string
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

func (e *SynthesisError) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.Code != "" {
		msg = e.Provider + " [" + e.Code + "]: " + e.Message
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *SynthesisError) Unwrap() error {
	return e.Cause
}

func NewSynthesisError(provider, code, message string, cause error, retryable bool) *SynthesisError {
	return &SynthesisError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: retryable,
	}
}

// errorCode returns a metric label for err.
func errorCode(err error) string {
	var se *SynthesisError
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return strconv.Itoa(429)
	case errors.Is(err, ErrEmptyAudio):
		return "empty"
	default:
		return "transport"
	}
}
