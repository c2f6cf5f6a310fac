package mailapi

import "errors"

// Provider errors fall into four categories the engines react to
// differently: network errors are retryable by the caller, auth errors
// trigger re-authentication and are never auto-retried, not-found means the
// resource vanished (often benign, e.g. a draft deleted elsewhere), and
// everything else is surfaced as-is.
var (
	ErrNetwork  = errors.New("network error")
	ErrAuth     = errors.New("authorization error")
	ErrNotFound = errors.New("not found")
)

type Category int

const (
	CategoryOther Category = iota
	CategoryNetwork
	CategoryAuth
	CategoryNotFound
)

// CategoryOf classifies err by the sentinel it wraps.
func CategoryOf(err error) Category {
	switch {
	case errors.Is(err, ErrNetwork):
		return CategoryNetwork
	case errors.Is(err, ErrAuth):
		return CategoryAuth
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	default:
		return CategoryOther
	}
}
