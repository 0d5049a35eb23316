// Package events implements an async, buffered event emitter that reports
// generation outcomes to an external HTTP collector (webhook pattern).
// Events are batched and flushed at configurable intervals. The emitter is
// entirely optional and fire-and-forget — it never blocks the request hot path.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gengate/gengate/internal/config"
	"github.com/gengate/gengate/internal/observability"
)

// Outcome classifies how a generation request ended.
type Outcome string

const (
	OutcomeHit           Outcome = "hit"
	OutcomeGenerated     Outcome = "generated"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeBudgetBlocked Outcome = "budget_blocked"
	OutcomeLockBusy      Outcome = "lock_busy"
	OutcomeError         Outcome = "error"
)

// GenerationEvent records one pass through the generation gate.
type GenerationEvent struct {
	Identity   string  `json:"identity"`
	Kind       string  `json:"kind"`
	Timeframe  string  `json:"timeframe"`
	Variant    string  `json:"variant,omitempty"`
	Outcome    Outcome `json:"outcome"`
	Backend    string  `json:"backend,omitempty"` // rate-limit backend that made the call
	Model      string  `json:"model,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms"`
	Timestamp  string  `json:"timestamp"` // RFC 3339
	RequestID  string  `json:"request_id,omitempty"`
	Reason     string  `json:"reason,omitempty"` // non-empty for error outcomes
}

// Emitter is an async, buffered event emitter that batches generation events
// and flushes them to an external HTTP collector.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	httpURL     string
	httpHeaders map[string]config.RedactedString
	httpClient  *http.Client

	maxRetries   int
	retryBackoff time.Duration

	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ring     []GenerationEvent
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEmitter creates a new generation event emitter. Returns nil if events
// are not enabled in the config.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	flushInterval := 5 * time.Second
	if cfg.FlushInterval != "" {
		if d, err := time.ParseDuration(cfg.FlushInterval); err == nil && d > 0 {
			flushInterval = d
		}
	}

	retryBackoff := 250 * time.Millisecond
	if cfg.RetryBackoff != "" {
		if d, err := time.ParseDuration(cfg.RetryBackoff); err == nil && d > 0 {
			retryBackoff = d
		}
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		httpURL:       cfg.HTTP.URL,
		httpHeaders:   cfg.HTTP.Headers,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		maxRetries:    cfg.MaxRetries,
		retryBackoff:  retryBackoff,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		ring:          make([]GenerationEvent, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues a generation event into the ring buffer. This is
// fire-and-forget and never blocks. When the buffer is full, the oldest
// event is dropped. Safe to call on a nil Emitter.
func (e *Emitter) Emit(ev GenerationEvent) {
	if e == nil {
		return
	}

	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		// Buffer full — drop oldest by advancing head.
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		e.metrics.IncEventsDropped()
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close flushes remaining events and stops the flush loop. Safe on nil.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}

	close(e.done)
	e.wg.Wait()

	// Final drain.
	e.flush()
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []GenerationEvent {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := e.ringLen
	if n > e.batchSize {
		n = e.batchSize
	}

	batch := make([]GenerationEvent, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []GenerationEvent) {
	if e.httpURL != "" {
		e.sendHTTP(batch)
		return
	}
	e.logger.Warn("no events destination configured, dropping batch", "count", len(batch))
}

func (e *Emitter) sendHTTP(batch []GenerationEvent) {
	payload := struct {
		Events []GenerationEvent `json:"events"`
	}{Events: batch}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		return
	}

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(e.retryBackoff)
		}
		if e.postBatch(body, len(batch)) {
			return
		}
	}

	e.metrics.IncEventsSendFailures()
	e.logger.Warn("dropping events batch after exhausted retries",
		"count", len(batch), "retries", e.maxRetries)
}

// postBatch performs one delivery attempt. Client errors and 4xx responses
// are not retried; the collector has rejected the payload and resending the
// same bytes cannot help.
func (e *Emitter) postBatch(body []byte, count int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.httpURL, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to create events HTTP request", "error", err)
		return true
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range e.httpHeaders {
		req.Header.Set(name, value.Value())
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("failed to send events batch", "error", err, "count", count)
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		e.logger.Warn("events collector returned server error",
			"status", resp.StatusCode, "count", count)
		return false
	case resp.StatusCode >= 400:
		e.logger.Warn("events collector rejected batch",
			"status", resp.StatusCode, "count", count)
		return true
	default:
		return true
	}
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(http=%s, batch=%d, flush=%s, buf=%d)",
		e.httpURL, e.batchSize, e.flushInterval, e.bufferSize)
}
