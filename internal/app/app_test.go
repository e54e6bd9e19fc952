package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HMasataka/relay/internal/auth"
	"github.com/HMasataka/relay/internal/config"
	"github.com/HMasataka/relay/internal/logging"
	"github.com/HMasataka/relay/pkg/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "app-secret"
	cfg.Blob.Dir = t.TempDir()
	cfg.Server.AllowedOrigins = []string{"*"}
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) (*App, *httptest.Server) {
	t.Helper()

	a, err := New(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)
	return a, ts
}

func TestHealthz(t *testing.T) {
	_, ts := newApp(t, testConfig(t))

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatsCountsConnections(t *testing.T) {
	cfg := testConfig(t)
	_, ts := newApp(t, cfg)

	token, err := auth.Sign([]byte(cfg.Auth.JWTSecret), domain.Identity{UserID: "u1", Username: "alice"}, time.Hour)
	require.NoError(t, err)
	header := http.Header{}
	header.Add("Cookie", (&http.Cookie{Name: "token", Value: token}).String())

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, float64(1), stats["connected_clients"])
	assert.Equal(t, float64(1), stats["online_users"])
	assert.Equal(t, float64(1), stats["connections_accepted"])
	assert.Equal(t, float64(1), stats["connections_rejected"])
}

func TestRedisMirrorWiring(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	a, ts := newApp(t, cfg)

	token, err := auth.Sign([]byte(cfg.Auth.JWTSecret), domain.Identity{UserID: "u1", Username: "alice"}, time.Hour)
	require.NoError(t, err)
	header := http.Header{}
	header.Add("Cookie", (&http.Cookie{Name: "token", Value: token}).String())

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	assert.Eventually(t, func() bool {
		return mr.Exists(a.mirror.Key()) && mr.HGet(a.mirror.Key(), "u1") == "alice"
	}, 2*time.Second, 20*time.Millisecond)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewFailsWithoutRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := New(context.Background(), cfg, logging.NewNop())
	assert.Error(t, err)
}
