package oauth

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrUnsupportedFlow     = errors.New("provider does not support OAuth")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrMissingParams       = errors.New("missing code or state")
	ErrInvalidState        = errors.New("invalid state")
	ErrStateExpired        = errors.New("state expired")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrSaveFailed          = errors.New("failed to save connection")
)

// ProviderError carries the error query parameter a provider sent back to
// the callback (for example access_denied).
type ProviderError struct {
	Code string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned error: %s", e.Code)
}

// Reason maps a callback failure to the code carried in the dashboard
// redirect. Unrecognized errors read as token_exchange_failed.
func Reason(err error) string {
	var pe *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return pe.Code
	case errors.Is(err, ErrMissingParams):
		return "missing_params"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrStateExpired):
		return "state_expired"
	case errors.Is(err, ErrUnknownProvider):
		return "unknown_provider"
	case errors.Is(err, ErrSaveFailed):
		return "save_failed"
	default:
		return "token_exchange_failed"
	}
}
