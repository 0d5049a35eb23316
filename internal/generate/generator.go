package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gengate/gengate/internal/config"
	"golang.org/x/sync/semaphore"
)

// maxResponseBodyBytes limits the size of generator response bodies to
// prevent unbounded memory consumption from a misbehaving provider.
const maxResponseBodyBytes = 1 << 20 // 1 MiB

// GeneratorRequest is sent to the upstream generation provider.
type GeneratorRequest struct {
	Identity  string            `json:"identity"`
	Kind      string            `json:"kind"`
	Timeframe string            `json:"timeframe"`
	PeriodKey string            `json:"period_key"`
	Variant   string            `json:"variant,omitempty"`
	Inputs    map[string]string `json:"inputs,omitempty"`
	Model     string            `json:"model,omitempty"`
}

// GeneratorResponse is the provider's answer: the payload to cache plus the
// billing units consumed producing it.
type GeneratorResponse struct {
	Payload     json.RawMessage `json:"payload"`
	Model       string          `json:"model"`
	InputUnits  int64           `json:"input_units"`
	OutputUnits int64           `json:"output_units"`
}

// Generator produces content for a cache miss. Implementations must respect
// ctx cancellation; the orchestrator bounds every call with a timeout.
type Generator interface {
	Generate(ctx context.Context, req *GeneratorRequest) (*GeneratorResponse, error)
}

// HTTPGenerator calls a JSON-over-HTTP generation provider. A weighted
// semaphore caps in-flight generations process-wide, so a slow provider
// cannot absorb every worker goroutine.
type HTTPGenerator struct {
	url        string
	model      string
	httpClient *http.Client
	sem        *semaphore.Weighted
}

// NewHTTPGenerator creates a provider client from config.
func NewHTTPGenerator(cfg config.GeneratorConfig) (*HTTPGenerator, error) {
	if cfg.HTTP.URL == "" {
		return nil, fmt.Errorf("generator.http.url is required")
	}

	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		timeout = 60 * time.Second
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}

	return &HTTPGenerator{
		url:        cfg.HTTP.URL,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		sem:        semaphore.NewWeighted(maxConcurrent),
	}, nil
}

// Generate posts the request to the provider and decodes the payload.
// Blocks while the concurrency cap is saturated; gives up when ctx expires
// first, which surfaces as the caller's deadline rather than a provider error.
func (g *HTTPGenerator) Generate(ctx context.Context, req *GeneratorRequest) (*GeneratorResponse, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("generation slot: %w", err)
	}
	defer g.sem.Release(1)

	if req.Model == "" {
		req.Model = g.model
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var out GeneratorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodyBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Payload) == 0 {
		return nil, fmt.Errorf("provider returned empty payload")
	}
	if out.Model == "" {
		out.Model = req.Model
	}

	return &out, nil
}
