// Package lock provides advisory distributed mutual exclusion over Redis.
// A lock is a key written with SET NX and a TTL-bounded lease: if the holder
// crashes, the lease expires and the key becomes acquirable again, so
// callers must choose a TTL at least as long as their worst-case hold time.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gengate/gengate/internal/redis"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseLua deletes the lock only if it still carries the caller's token.
// A slow holder whose lease already expired cannot clear a newer holder's
// lock this way; its release is silently a no-op.
//
// Keys: KEYS[1] = lock key.
// Args: ARGV[1] = holder token.
const releaseLua = `
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
end
return 0
`

var releaseScript = goredis.NewScript(releaseLua)

// Manager acquires and releases TTL-bounded lock leases.
type Manager struct {
	client    redis.Client
	logger    *slog.Logger
	keyPrefix string
}

// NewManager creates a lock manager using the given namespace prefix.
func NewManager(client redis.Client, prefix string, logger *slog.Logger) *Manager {
	return &Manager{client: client, logger: logger, keyPrefix: prefix}
}

// Lease is a held lock. It is released by the holder that acquired it;
// release by any other party is a no-op.
type Lease struct {
	mgr   *Manager
	key   string // full Redis key
	token string
}

// Token returns the lease's holder token, mostly useful in logs.
func (l *Lease) Token() string { return l.token }

func (m *Manager) fullKey(key string) string {
	return m.keyPrefix + ":lock:" + key
}

// Acquire attempts a single conditional write of a fresh holder token with
// the TTL applied atomically. acquired is false when another holder has the
// key; that is a normal outcome, not an error. Errors are reserved for
// malformed keys and store failure.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, fmt.Errorf("lock: empty key")
	}
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock: non-positive ttl %s for key %q", ttl, key)
	}

	fullKey := m.fullKey(key)
	token := uuid.NewString()

	ok, err := m.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: acquire %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	return &Lease{mgr: m, key: fullKey, token: token}, true, nil
}

// AcquireWithRetry makes the initial attempt plus up to retries more, pausing
// backoff between attempts. Used on the request path where a short wait is
// preferable to an immediate busy response.
func (m *Manager) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, retries int, backoff time.Duration) (*Lease, bool, error) {
	for attempt := 0; ; attempt++ {
		lease, acquired, err := m.Acquire(ctx, key, ttl)
		if err != nil || acquired {
			return lease, acquired, err
		}
		if attempt >= retries {
			return nil, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// Release deletes the lock if this lease still holds it. Failure is logged
// and swallowed: the lease expires on its own, so an unreleased lock is a
// latency cost, never a stuck state.
func (l *Lease) Release(ctx context.Context) {
	cmd := l.mgr.client.EvalSha(ctx, releaseScript.Hash(), []string{l.key}, l.token)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		cmd = l.mgr.client.Eval(ctx, releaseLua, []string{l.key}, l.token)
	}
	if cmd.Err() != nil {
		l.mgr.logger.Warn("lock release failed, lease will expire on its own",
			"key", l.key, "error", cmd.Err())
		return
	}

	if deleted, err := cmd.Int64(); err == nil && deleted == 0 {
		l.mgr.logger.Debug("lock already expired or reacquired by another holder", "key", l.key)
	}
}
