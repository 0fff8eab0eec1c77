package health

import (
	"math"
	"strings"
	"time"

	"github.com/lysyi3m/feed-depot/app/database"
	"github.com/lysyi3m/feed-depot/app/feed"
)

const (
	maxErrorLength = 512
	maxBackoff     = time.Duration(math.MaxInt64)
)

// Policy controls how failing feeds are delayed. A feed with n consecutive
// failures waits BaseDelay * 2^min(n-1, CapExponent) before its next fetch.
// Feeds reaching SuspendAfter failures are marked suspended but keep being
// retried at the capped delay.
type Policy struct {
	BaseDelay    time.Duration
	CapExponent  int
	SuspendAfter int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:    10 * time.Second,
		CapExponent:  4,
		SuspendAfter: 5,
	}
}

func (p Policy) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}

	exp := failures - 1
	if exp > p.CapExponent {
		exp = p.CapExponent
	}
	if exp < 0 {
		exp = 0
	}

	// Doubling saturates instead of wrapping negative
	delay := p.BaseDelay
	for i := 0; i < exp; i++ {
		if delay > maxBackoff/2 {
			return maxBackoff
		}
		delay *= 2
	}
	return delay
}

// MaxDelay is the saturated delay applied to suspended feeds.
func (p Policy) MaxDelay() time.Duration {
	return p.Delay(p.CapExponent + 1)
}

type Outcome struct {
	Success    bool
	Kind       feed.Kind
	RetryAfter time.Duration
	Err        error
}

func Success() Outcome {
	return Outcome{Success: true}
}

// Failure derives kind and server requested delay from err.
func Failure(err error) Outcome {
	return Outcome{
		Kind:       feed.KindOf(err),
		RetryAfter: feed.RetryAfterOf(err),
		Err:        err,
	}
}

// Apply computes the next health record from prev after an outcome observed at now.
func Apply(p Policy, prev database.FeedHealth, outcome Outcome, now time.Time) database.FeedHealth {
	next := prev

	if outcome.Success {
		next.State = database.HealthHealthy
		next.ConsecutiveFailures = 0
		next.NextEligibleAt = nil
		next.LastErrorKind = ""
		next.LastError = ""
		next.NeedsReview = false
		return next
	}

	next.ConsecutiveFailures++
	next.State = database.HealthDegraded
	if p.SuspendAfter > 0 && next.ConsecutiveFailures >= p.SuspendAfter {
		next.State = database.HealthSuspended
	}

	delay := p.Delay(next.ConsecutiveFailures)
	if outcome.RetryAfter > delay {
		delay = outcome.RetryAfter
	}
	eligible := now.UTC().Add(delay)
	next.NextEligibleAt = &eligible

	next.LastErrorKind = string(outcome.Kind)
	next.LastError = ""
	if outcome.Err != nil {
		next.LastError = truncate(outcome.Err.Error(), maxErrorLength)
	}
	if outcome.Kind == feed.KindPermanentFormat {
		next.NeedsReview = true
	}

	return next
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
