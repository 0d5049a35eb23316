// Package period converts a caller's timezone and the current instant into
// stable calendar bucket identifiers, and composes the cache/lock key
// strings built from them. Everything here is a pure function of its inputs:
// two calls with the same (timezone, now) always produce identical strings,
// regardless of the server's own wall clock zone.
package period

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Timeframe names the calendar granularity of a piece of periodic content.
type Timeframe string

const (
	TimeframeDaily   Timeframe = "daily"
	TimeframeWeekly  Timeframe = "weekly"
	TimeframeMonthly Timeframe = "monthly"
	TimeframeYearly  Timeframe = "yearly"
)

func (tf Timeframe) Valid() bool {
	switch tf {
	case TimeframeDaily, TimeframeWeekly, TimeframeMonthly, TimeframeYearly:
		return true
	}
	return false
}

// Keys is the set of bucket identifiers for one (timezone, now) pair.
// Weekly follows ISO-8601: weeks start on Monday, and the year component is
// the ISO week-year, which can differ from the calendar year around January 1.
type Keys struct {
	Daily   string // "2026-08-26"
	Weekly  string // "2026-W35"
	Monthly string // "2026-08"
	Yearly  string // "2026"
}

// For returns the bucket value matching the given timeframe.
func (k Keys) For(tf Timeframe) string {
	switch tf {
	case TimeframeWeekly:
		return k.Weekly
	case TimeframeMonthly:
		return k.Monthly
	case TimeframeYearly:
		return k.Yearly
	default:
		return k.Daily
	}
}

// Deriver computes period keys. It only carries a logger, for reporting the
// UTC fallback on bad timezones.
type Deriver struct {
	logger *slog.Logger
}

// NewDeriver creates a period key deriver.
func NewDeriver(logger *slog.Logger) *Deriver {
	return &Deriver{logger: logger}
}

// UserPeriodKeys converts now to the caller's local wall-clock calendar
// using the IANA timezone name. A missing or unknown timezone falls back to
// UTC; the fallback is logged but is not an error.
func (d *Deriver) UserPeriodKeys(timezone string, now time.Time) Keys {
	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			d.logger.Warn("unknown timezone, falling back to UTC", "timezone", timezone)
		} else {
			loc = parsed
		}
	} else {
		d.logger.Debug("no timezone provided, using UTC")
	}

	local := now.In(loc)
	isoYear, isoWeek := local.ISOWeek()

	return Keys{
		Daily:   local.Format("2006-01-02"),
		Weekly:  fmt.Sprintf("%04d-W%02d", isoYear, isoWeek),
		Monthly: local.Format("2006-01"),
		Yearly:  local.Format("2006"),
	}
}

// ContentKey composes the cache key for one cached generation result:
// "<kind>:<identity>:<timeframe>:<period-value>:<variant>". The variant tag
// distinguishes parallel renderings of the same content (language, style);
// an empty variant is normalized to "default" so key shapes stay uniform.
func ContentKey(kind, identity string, tf Timeframe, keys Keys, variant string) string {
	if variant == "" {
		variant = "default"
	}
	return strings.Join([]string{kind, identity, string(tf), keys.For(tf), variant}, ":")
}

// LockKey composes the lock key guarding a generation, mirroring ContentKey
// so exactly the writers of one content key contend with each other.
func LockKey(kind, identity string, tf Timeframe, keys Keys, variant string) string {
	return "generate:" + ContentKey(kind, identity, tf, keys, variant)
}

// SyncLockKey composes the lock key guarding a background profile sync,
// which is per identity rather than per content key.
func SyncLockKey(identity string) string {
	return "sync:" + identity
}
