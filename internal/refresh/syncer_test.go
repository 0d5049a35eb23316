package refresh

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSyncer(t *testing.T) {
	t.Run("posts the identity and accepts 2xx", func(t *testing.T) {
		var got syncRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		s := NewHTTPSyncer(srv.URL)
		require.NoError(t, s.Sync(context.Background(), "user-9"))
		assert.Equal(t, "user-9", got.Identity)
	})

	t.Run("reports non-2xx as an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		err := NewHTTPSyncer(srv.URL).Sync(context.Background(), "user-9")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 502")
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Drain the body so the server starts its background connection
			// read; otherwise the client abort never cancels r.Context().
			_, _ = io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := NewHTTPSyncer(srv.URL).Sync(ctx, "user-9")
		require.Error(t, err)
	})
}
