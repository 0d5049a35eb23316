package generate

import (
	"errors"
	"fmt"
	"time"

	"github.com/gengate/gengate/internal/ratelimit"
)

// ErrStoreUnavailable reports that the shared store could not serve the
// request and no degraded path applied. Callers translate it to 503.
var ErrStoreUnavailable = errors.New("shared store unavailable")

// RateLimitError is returned when a rate tier rejects the request.
type RateLimitError struct {
	Scope      ratelimit.Scope
	Limit      int64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s tier, limit %d, retry in %s)",
		e.Scope, e.Limit, e.RetryAfter)
}

// BudgetError is returned when the daily spend ceiling blocks generation.
type BudgetError struct {
	Used  float64
	Limit float64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("daily budget exhausted (%.2f of %.2f USD used)", e.Used, e.Limit)
}

// LockBusyError is returned when another process holds the generation lock
// and the retry budget ran out without the cache filling in.
type LockBusyError struct {
	Key string
}

func (e *LockBusyError) Error() string {
	return fmt.Sprintf("generation already in progress for %s", e.Key)
}
