package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeAddr returns a "host:port" string with a port the OS has confirmed is
// available. The listener is closed immediately so the port can be reused.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func waitForAdmin(t *testing.T, adminAddr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, httpErr := http.Get("http://" + adminAddr + "/healthz")
		if httpErr != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "admin server did not become ready")
}

func TestServerRunAndShutdown(t *testing.T) {
	t.Run("starts and stops gracefully", func(t *testing.T) {
		mr := miniredis.RunT(t)
		provider := newProviderServer(t, `{}`)
		cfg := testConfig(t, mr, provider.URL)
		cfg.Server.Address = ":0"
		cfg.Admin.Address = ":0"

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		// Give server time to start.
		time.Sleep(200 * time.Millisecond)

		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("server did not shut down within timeout")
		}
	})
}

func TestServerHealthEndpoints(t *testing.T) {
	t.Run("health, readiness, and metrics are accessible", func(t *testing.T) {
		mr := miniredis.RunT(t)
		provider := newProviderServer(t, `{}`)
		cfg := testConfig(t, mr, provider.URL)
		cfg.Server.Address = freeAddr(t)
		adminAddr := freeAddr(t)
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		waitForAdmin(t, adminAddr)

		client := &http.Client{Timeout: 2 * time.Second}

		respS, err := client.Get("http://" + adminAddr + "/startz")
		require.NoError(t, err)
		defer respS.Body.Close()
		assert.Equal(t, http.StatusOK, respS.StatusCode)

		var startBody map[string]string
		require.NoError(t, json.NewDecoder(respS.Body).Decode(&startBody))
		assert.Equal(t, "started", startBody["status"])

		resp, err := client.Get("http://" + adminAddr + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "alive", body["status"])

		resp2, err := client.Get("http://" + adminAddr + "/readyz?deep=true")
		require.NoError(t, err)
		defer resp2.Body.Close()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)

		resp3, err := client.Get("http://" + adminAddr + "/metrics")
		require.NoError(t, err)
		defer resp3.Body.Close()
		assert.Equal(t, http.StatusOK, resp3.StatusCode)
		metricsBody, _ := io.ReadAll(resp3.Body)
		assert.Contains(t, string(metricsBody), "gengate_generations_total")

		cancel()
		<-done
	})
}

func TestServerServesGeneration(t *testing.T) {
	t.Run("generates over a real listener", func(t *testing.T) {
		mr := miniredis.RunT(t)
		provider := newProviderServer(t, `{"text":"live"}`)
		cfg := testConfig(t, mr, provider.URL)
		apiAddr := freeAddr(t)
		adminAddr := freeAddr(t)
		cfg.Server.Address = apiAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		waitForAdmin(t, adminAddr)

		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(genBody("u1", []string{"u1", "leo"})))

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post("http://"+apiAddr+"/v1/generate", "application/json", &buf)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var res generateResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
		assert.False(t, res.FromCache)
		assert.JSONEq(t, `{"text":"live"}`, string(res.Payload))

		cancel()
		<-done
	})
}
