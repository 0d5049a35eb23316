// Package refresh decides whether an identity's periodic content is stale
// relative to its own local calendar day, and fires lock-guarded background
// refreshes without blocking the request that noticed the staleness.
package refresh

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gengate/gengate/internal/lock"
	"github.com/gengate/gengate/internal/period"
	"github.com/gengate/gengate/internal/redis"
)

// Syncer performs the actual upstream refresh for one identity. Implemented
// by the profile-sync layer; this package only supervises it.
type Syncer interface {
	Sync(ctx context.Context, identity string) error
}

// SyncStatus records how the last background refresh ended.
type SyncStatus string

const (
	SyncStatusOK     SyncStatus = "ok"
	SyncStatusFailed SyncStatus = "failed"
)

// Marker is the per-identity record of the last background refresh. It is
// written only by this package's supervised goroutine and read to decide
// whether another refresh is due.
type Marker struct {
	LastSyncedLocalDate string     `json:"last_synced_local_date"`
	LastSyncStatus      SyncStatus `json:"last_sync_status"`
	SyncedAt            time.Time  `json:"synced_at"`
}

// markerTTL bounds marker lifetime; one missed refresh after expiry is
// cheaper than unbounded marker keys for departed identities.
const markerTTL = 14 * 24 * time.Hour

// Trigger owns staleness checks and fire-and-forget refresh supervision.
type Trigger struct {
	client  redis.Client
	locks   *lock.Manager
	deriver *period.Deriver
	syncer  Syncer
	logger  *slog.Logger

	keyPrefix string
	syncTTL   time.Duration // lock lease, deliberately longer than a sync
	timeout   time.Duration // bound on one refresh run

	wg sync.WaitGroup
}

// NewTrigger creates a refresh trigger.
func NewTrigger(client redis.Client, locks *lock.Manager, deriver *period.Deriver, syncer Syncer, prefix string, syncTTL, timeout time.Duration, logger *slog.Logger) *Trigger {
	return &Trigger{
		client:    client,
		locks:     locks,
		deriver:   deriver,
		syncer:    syncer,
		logger:    logger,
		keyPrefix: prefix,
		syncTTL:   syncTTL,
		timeout:   timeout,
	}
}

func (t *Trigger) markerKey(identity string) string {
	return t.keyPrefix + ":sync:" + identity
}

// LoadMarker reads the identity's staleness marker. A missing or unreadable
// marker reports false; the caller treats that the same as "never synced".
func (t *Trigger) LoadMarker(ctx context.Context, identity string) (*Marker, bool) {
	data, err := t.client.Get(ctx, t.markerKey(identity)).Bytes()
	if err != nil {
		return nil, false
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		t.logger.Debug("unreadable sync marker", "identity", identity, "error", err)
		return nil, false
	}
	return &m, true
}

// IsStale reports whether the identity's content is stale for its own local
// calendar day. An identity with no upstream data worth refreshing is never
// stale. lastSyncedLocalDate comes from the identity's Marker; an empty
// value ("never synced") is stale.
func (t *Trigger) IsStale(timezone, lastSyncedLocalDate string, hasUpstreamData bool) bool {
	if !hasUpstreamData {
		return false
	}
	today := t.deriver.UserPeriodKeys(timezone, time.Now()).Daily
	return lastSyncedLocalDate != today
}

// TriggerRefresh attempts to start a background refresh for the identity.
// If another process already holds the sync lock it returns false without
// doing any work. On acquisition it launches the refresh asynchronously and
// returns true immediately — the caller's request is never delayed by the
// sync, and the lock is released on every exit path.
//
// The lock lease intentionally outlives t.timeout: a crashed process leaves
// a lease that expires on its own, and a live one always releases earlier.
func (t *Trigger) TriggerRefresh(identity, timezone string) bool {
	acquireCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lease, acquired, err := t.locks.Acquire(acquireCtx, period.SyncLockKey(identity), t.syncTTL)
	if err != nil {
		t.logger.Warn("refresh lock acquire failed", "identity", identity, "error", err)
		return false
	}
	if !acquired {
		t.logger.Debug("refresh already in flight elsewhere", "identity", identity)
		return false
	}

	t.wg.Add(1)
	go t.runRefresh(lease, identity, timezone)
	return true
}

// runRefresh supervises one background refresh: it bounds the sync with a
// timeout, records the outcome marker, and guarantees the lock release. Its
// own failures are logged and swallowed — nothing on this path may escalate
// into the request-handling process.
func (t *Trigger) runRefresh(lease *lock.Lease, identity, timezone string) {
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	defer lease.Release(context.WithoutCancel(ctx))
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("background refresh panicked", "identity", identity, "panic", r)
			t.writeMarker(ctx, identity, timezone, SyncStatusFailed)
		}
	}()

	status := SyncStatusOK
	if err := t.syncer.Sync(ctx, identity); err != nil {
		status = SyncStatusFailed
		t.logger.Warn("background refresh failed", "identity", identity, "error", err)
	} else {
		t.logger.Info("background refresh completed", "identity", identity)
	}

	t.writeMarker(ctx, identity, timezone, status)
}

// writeMarker records the refresh outcome under the identity's local date.
// A failed sync is recorded too, so the next request can retry, and a
// failed write is only a lost optimization.
func (t *Trigger) writeMarker(ctx context.Context, identity, timezone string, status SyncStatus) {
	marker := Marker{
		LastSyncedLocalDate: t.deriver.UserPeriodKeys(timezone, time.Now()).Daily,
		LastSyncStatus:      status,
		SyncedAt:            time.Now().UTC(),
	}
	if status == SyncStatusFailed {
		// Keep the previous synced date so staleness still reports true
		// and the next request retries the refresh.
		marker.LastSyncedLocalDate = ""
		if prev, ok := t.LoadMarker(ctx, identity); ok {
			marker.LastSyncedLocalDate = prev.LastSyncedLocalDate
		}
	}

	data, err := json.Marshal(marker)
	if err != nil {
		t.logger.Error("marshal sync marker", "identity", identity, "error", err)
		return
	}
	if err := t.client.Set(context.WithoutCancel(ctx), t.markerKey(identity), data, markerTTL).Err(); err != nil {
		t.logger.Warn("write sync marker failed", "identity", identity, "error", err)
	}
}

// Drain blocks until all in-flight refreshes have finished. Called during
// graceful shutdown.
func (t *Trigger) Drain() {
	t.wg.Wait()
}
