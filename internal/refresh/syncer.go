package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPSyncer asks an external profile-sync service to refresh one identity's
// upstream data. The service owns what a refresh entails; this client only
// reports whether it succeeded. The caller's context bounds the call.
type HTTPSyncer struct {
	url        string
	httpClient *http.Client
}

// NewHTTPSyncer creates a syncer posting to the given endpoint.
func NewHTTPSyncer(url string) *HTTPSyncer {
	return &HTTPSyncer{
		url:        url,
		httpClient: &http.Client{},
	}
}

type syncRequest struct {
	Identity string `json:"identity"`
}

// Sync requests a refresh for one identity and waits for the service to
// acknowledge it.
func (s *HTTPSyncer) Sync(ctx context.Context, identity string) error {
	body, err := json.Marshal(syncRequest{Identity: identity})
	if err != nil {
		return fmt.Errorf("encode sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call sync service: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sync service returned status %d", resp.StatusCode)
	}
	return nil
}
