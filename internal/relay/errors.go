package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrTransport wraps network-level failures reaching the relay.
	ErrTransport = errors.New("relay transport error")

	// ErrRateLimited matches HTTP errors the relay reports as rate limiting.
	ErrRateLimited = errors.New("relay rate limited")

	// ErrAuthRequired matches HTTP 401 responses.
	ErrAuthRequired = errors.New("relay authentication required")

	// ErrMalformedPayload is returned when the relay body is not JSON.
	ErrMalformedPayload = errors.New("relay returned malformed payload")
)

// tooManyRequests is matched in error bodies of relays that do not use 429.
const tooManyRequests = "Too Many Requests"

// HTTPError is a non-2xx relay response.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("relay returned %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// Is lets errors.Is match the rate-limit and auth sentinels.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests || strings.Contains(e.Message, tooManyRequests)
	case ErrAuthRequired:
		return e.Status == http.StatusUnauthorized
	}
	return false
}

// StatusLabel maps a fetch error to a short label for metrics and logs.
func StatusLabel(err error) string {
	var he *HTTPError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrAuthRequired):
		return "auth_required"
	case errors.As(err, &he):
		return fmt.Sprintf("http_%d", he.Status)
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "error"
	}
}
