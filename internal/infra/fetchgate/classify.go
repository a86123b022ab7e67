package fetchgate

import (
	"context"
	"net"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
)

// Kind classifies an outbound call failure.
type Kind string

const (
	KindDNS            Kind = "dns"
	KindTimeout        Kind = "timeout"
	KindRateLimited    Kind = "rate_limited"
	KindTransportReset Kind = "transport_reset"
	KindOther          Kind = "other"
)

var dnsIndicators = []string{
	"dns",
	"nodename nor servname",
	"name or service not known",
	"temporary failure in name resolution",
	"getaddrinfo",
	"no such host",
}

var transportIndicators = []string{
	"gateway",
	"websocket",
	"session",
	"invalidat",
	"can't keep up",
	"heartbeat",
	"connectionclosed",
	"connection reset",
	"broken pipe",
	"eof",
}

var rateLimitIndicators = []string{
	"429",
	"rate limit",
	"ratelimit",
	"too many requests",
}

var timeoutIndicators = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
}

// Classify infers the failure kind from err. Typed network errors are
// inspected first, then the message is matched against known indicators.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	if errors.Is(err, ErrRateLimited) {
		return KindRateLimited
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return KindTransportReset
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rateLimitIndicators):
		return KindRateLimited
	case containsAny(msg, dnsIndicators):
		return KindDNS
	case containsAny(msg, timeoutIndicators):
		return KindTimeout
	case containsAny(msg, transportIndicators):
		return KindTransportReset
	default:
		return KindOther
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// ErrRateLimited may be wrapped by providers that detect a throttling
// response themselves.
var ErrRateLimited = errors.New("rate limited")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-transient. The gate returns it unchanged,
// does not retry it and does not count it as a network failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Failure is the classified error returned by the gate for a failed call.
type Failure struct {
	Provider string
	Kind     Kind
	Err      error
}

func (f *Failure) Error() string {
	return f.Provider + ": " + string(f.Kind) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf returns the classification of a gate failure, or false when err
// did not come from a failed gated call.
func KindOf(err error) (Kind, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}
