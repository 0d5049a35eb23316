package ratelimit

import (
	"time"

	"github.com/gengate/gengate/internal/config"
)

// Scope names a rate-limit tier. Carried on denial responses so callers can
// tell a 30-second cooldown apart from an exhausted daily allowance.
type Scope string

const (
	ScopeCooldown Scope = "cooldown"
	ScopeHourly   Scope = "hourly"
	ScopeDaily    Scope = "daily"
)

// Tier is one enforced window for an identity. Key material is the scope
// plus the identity, so each tier counts independently.
type Tier struct {
	Scope  Scope
	Limit  int64
	Window time.Duration
}

// Key returns the counter key for this tier and identity, e.g.
// "cooldown:user-42". The limiter prepends its own namespace prefix.
func (t Tier) Key(identity string) string {
	return string(t.Scope) + ":" + identity
}

// TiersFromConfig builds the enforced tier list, cheapest window first so a
// cooldown denial is reported before an hourly or daily one. Tiers with a
// zero limit (or empty cooldown) are omitted entirely.
func TiersFromConfig(cfg config.RateLimitConfig) []Tier {
	var tiers []Tier

	if cooldown := config.MustParseDuration(cfg.Cooldown, 0); cooldown > 0 {
		tiers = append(tiers, Tier{Scope: ScopeCooldown, Limit: 1, Window: cooldown})
	}
	if cfg.Hourly > 0 {
		tiers = append(tiers, Tier{Scope: ScopeHourly, Limit: cfg.Hourly, Window: time.Hour})
	}
	if cfg.Daily > 0 {
		tiers = append(tiers, Tier{Scope: ScopeDaily, Limit: cfg.Daily, Window: 24 * time.Hour})
	}

	return tiers
}
