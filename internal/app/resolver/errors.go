package resolver

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/osa030/djbox/internal/infra/fetchgate"
	"github.com/osa030/djbox/internal/infra/spotify"
	"github.com/osa030/djbox/internal/infra/youtube"
)

// ErrorKind classifies a ResolutionError.
type ErrorKind int

const (
	NotFound ErrorKind = iota
	TooLong
	ProviderUnavailable
	RateLimited
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case TooLong:
		return "too_long"
	case ProviderUnavailable:
		return "provider_unavailable"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// ResolutionError is returned when a request cannot be turned into tracks.
type ResolutionError struct {
	Kind  ErrorKind
	Query string
	Err   error
}

func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resolve %q: %s", e.Query, e.Kind)
	}
	return fmt.Sprintf("resolve %q: %s: %v", e.Query, e.Kind, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func newError(kind ErrorKind, query string, err error) *ResolutionError {
	return &ResolutionError{Kind: kind, Query: query, Err: err}
}

// KindOf returns the kind of a ResolutionError anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var rerr *ResolutionError
	if errors.As(err, &rerr) {
		return rerr.Kind, true
	}
	return 0, false
}

// wrapError maps a provider or gate error to a ResolutionError. Context
// errors pass through unchanged.
func wrapError(query string, err error) error {
	if err == nil {
		return nil
	}
	var rerr *ResolutionError
	if errors.As(err, &rerr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if _, ok := fetchgate.KindOf(err); !ok {
			return err
		}
	}

	switch {
	case errors.Is(err, fetchgate.ErrCircuitOpen):
		return newError(ProviderUnavailable, query, err)
	case errors.Is(err, fetchgate.ErrRateLimited):
		return newError(RateLimited, query, err)
	case errors.Is(err, youtube.ErrUnavailable),
		errors.Is(err, youtube.ErrNoResults),
		errors.Is(err, spotify.ErrNotFound),
		fetchgate.IsPermanent(err):
		return newError(NotFound, query, err)
	}
	if kind, ok := fetchgate.KindOf(err); ok && kind == fetchgate.KindRateLimited {
		return newError(RateLimited, query, err)
	}
	return newError(ProviderUnavailable, query, err)
}
