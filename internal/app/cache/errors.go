package cache

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/osa030/djbox/internal/infra/fetchgate"
	"github.com/osa030/djbox/internal/infra/youtube"
)

// FetchErrorKind classifies a FetchError.
type FetchErrorKind int

const (
	FetchNetwork FetchErrorKind = iota
	FetchRateLimited
	FetchUnavailable
)

// String returns the string representation of the kind.
func (k FetchErrorKind) String() string {
	switch k {
	case FetchNetwork:
		return "network"
	case FetchRateLimited:
		return "rate_limited"
	case FetchUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// FetchError is returned when audio could not be fetched.
type FetchError struct {
	Kind FetchErrorKind
	ID   string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.ID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// wrapFetchError maps a gate or downloader error to a FetchError. Context
// errors of abandoned fetches pass through unchanged.
func wrapFetchError(id string, err error) error {
	if err == nil {
		return nil
	}
	if _, classified := fetchgate.KindOf(err); !classified &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}

	kind := FetchNetwork
	switch {
	case errors.Is(err, fetchgate.ErrRateLimited):
		kind = FetchRateLimited
	case errors.Is(err, youtube.ErrUnavailable), fetchgate.IsPermanent(err):
		kind = FetchUnavailable
	default:
		if k, ok := fetchgate.KindOf(err); ok && k == fetchgate.KindRateLimited {
			kind = FetchRateLimited
		}
	}
	return &FetchError{Kind: kind, ID: id, Err: err}
}
