package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Class is the failure taxonomy surfaced by venue adapters.
type Class int

const (
	// ClassTransientOther covers any failure that is not known to be permanent.
	ClassTransientOther Class = iota
	// ClassTransientNetwork covers transport-level failures (dial, reset, timeout).
	ClassTransientNetwork
	// ClassRateLimited is an explicit throttling signal from the venue.
	ClassRateLimited
	// ClassAntiAbuse is venue-level defensive throttling (WAF, DDoS shields).
	ClassAntiAbuse
	// ClassNotFoundOrInvalid means the symbol or timeframe is unsupported for this run.
	ClassNotFoundOrInvalid
	// ClassCanceled means the caller's context ended; never retried.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassTransientOther:
		return "transient_other"
	case ClassTransientNetwork:
		return "transient_network"
	case ClassRateLimited:
		return "rate_limited"
	case ClassAntiAbuse:
		return "anti_abuse"
	case ClassNotFoundOrInvalid:
		return "not_found_or_invalid"
	case ClassCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Retryable reports whether the fetch loop should retry after this class.
func (c Class) Retryable() bool {
	switch c {
	case ClassTransientOther, ClassTransientNetwork, ClassRateLimited, ClassAntiAbuse:
		return true
	default:
		return false
	}
}

var (
	// ErrUnsupported marks an optional capability the venue does not offer.
	ErrUnsupported = errors.New("venue: capability unsupported")
	// ErrNotFound marks an unknown symbol or timeframe.
	ErrNotFound = errors.New("venue: instrument or timeframe not found")
)

// Error is a classified venue failure.
type Error struct {
	Venue  string
	Op     string
	Class  Class
	Status int // HTTP status when the failure came from a response
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Venue)
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Class.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (http %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with an explicit classification.
func NewError(venueName, op string, class Class, err error) *Error {
	return &Error{Venue: venueName, Op: op, Class: class, Err: err}
}

// StatusError classifies an unsuccessful HTTP response.
func StatusError(venueName, op string, status int, body string) *Error {
	body = strings.TrimSpace(body)
	if len(body) > 256 {
		body = body[:256]
	}
	return &Error{
		Venue:  venueName,
		Op:     op,
		Class:  ClassifyStatus(status, body),
		Status: status,
		Err:    errors.New(body),
	}
}

// ClassifyStatus maps an HTTP status (and body hints) onto the taxonomy.
func ClassifyStatus(status int, body string) Class {
	switch {
	case status == http.StatusTooManyRequests, status == 418:
		// 418 is what several venues answer once an IP ignored repeated 429s.
		return ClassRateLimited
	case status == http.StatusForbidden, status == 520, status == 521, status == 522, status == 525:
		return ClassAntiAbuse
	case status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		return ClassNotFoundOrInvalid
	case status == http.StatusBadRequest:
		if c, ok := classifyMessage(body); ok {
			return c
		}
		return ClassNotFoundOrInvalid
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return ClassTransientNetwork
	default:
		if c, ok := classifyMessage(body); ok {
			return c
		}
		return ClassTransientOther
	}
}

// Classify maps any error returned by a Source onto the taxonomy. Typed
// errors win; message matching is only the fallback translation layer for
// untyped errors coming from third-party clients.
func Classify(err error) Class {
	if err == nil {
		return ClassTransientOther
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Class
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnsupported) {
		return ClassNotFoundOrInvalid
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransientNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransientNetwork
	}
	if c, ok := classifyMessage(err.Error()); ok {
		return c
	}
	return ClassTransientOther
}

func classifyMessage(msg string) (Class, bool) {
	msg = strings.ToLower(msg)
	switch {
	case msg == "":
		return 0, false
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "ratelimit"),
		strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return ClassRateLimited, true
	case strings.Contains(msg, "ddos"), strings.Contains(msg, "cloudflare"),
		strings.Contains(msg, "access denied"):
		return ClassAntiAbuse, true
	case strings.Contains(msg, "not found"), strings.Contains(msg, "invalid"),
		strings.Contains(msg, "unsupported"), strings.Contains(msg, "delisted"):
		return ClassNotFoundOrInvalid, true
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "eof"):
		return ClassTransientNetwork, true
	default:
		return 0, false
	}
}
