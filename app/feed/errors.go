package feed

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies pipeline failures by how they should be handled.
type Kind string

const (
	KindTransientNetwork  Kind = "transient_network"
	KindRateLimited       Kind = "rate_limited"
	KindPermanentFormat   Kind = "permanent_format"
	KindStoreUnavailable  Kind = "store_unavailable"
	KindBrokerUnavailable Kind = "broker_unavailable"
	KindStaleJob          Kind = "stale_job"
)

// Retryable reports whether a job failing with this kind should be redelivered.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientNetwork, KindRateLimited, KindStoreUnavailable, KindBrokerUnavailable:
		return true
	default:
		return false
	}
}

// Terminal reports whether a failure of this kind ends the job immediately.
func (k Kind) Terminal() bool {
	return k == KindPermanentFormat || k == KindStaleJob
}

type Error struct {
	Kind       Kind
	Op         string
	StatusCode int           // HTTP status, 0 when the request never completed
	RetryAfter time.Duration // Server supplied delay for rate limited responses
	Err        error
}

func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain. Unclassified errors
// are treated as transient so the job gets another chance.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransientNetwork
}

func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

func StatusCodeOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}
