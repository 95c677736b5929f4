package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/studyhive/studyhive/backend/go/internal/v1/bus"
	"github.com/studyhive/studyhive/backend/go/internal/v1/config"
	"github.com/studyhive/studyhive/backend/go/internal/v1/governor"
	"github.com/studyhive/studyhive/backend/go/internal/v1/health"
	"github.com/studyhive/studyhive/backend/go/internal/v1/identity"
	"github.com/studyhive/studyhive/backend/go/internal/v1/journal"
	"github.com/studyhive/studyhive/backend/go/internal/v1/ratelimit"
	"github.com/studyhive/studyhive/backend/go/internal/v1/registry"
	"github.com/studyhive/studyhive/backend/go/internal/v1/store"
	"github.com/studyhive/studyhive/backend/go/internal/v1/transport"
)

func TestNewRouter_MountsAllSurfaces(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "router_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := testingclock.NewFakeClock(time.Now())
	b := bus.New()
	t.Cleanup(b.Close)

	reg := registry.New(st, b, clk)
	require.NoError(t, reg.Bootstrap(context.Background(), 2, 4))
	ids := identity.New(st, 30*time.Minute, clk)
	jr := journal.New(st, 50, clk)

	cfg := &config.Config{
		Environment:       "development",
		AllowedOrigins:    []string{"http://localhost:3000"},
		AddressHashSecret: testHashSecret,
		PingInterval:      time.Minute,
		PingMaxMissed:     3,
		ChatHistoryLimit:  50,
		RateLimitAPI:      "100-S",
		RateBlockAPI:      time.Minute,
		RateLimitIdentity: "100-S",
		RateBlockIdentity: time.Minute,
		RateLimitJoin:     "100-S",
		RateBlockJoin:     time.Minute,
		RateLimitChat:     "100-S",
		RateBlockChat:     30 * time.Second,
	}
	engine, err := ratelimit.NewEngine(cfg, nil, clk)
	require.NoError(t, err)
	gov := governor.New(100, 2, clk)
	hub := transport.NewHub(ids, reg, jr, b, engine, gov, transport.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		HashSecret:       cfg.AddressHashSecret,
		PingInterval:     cfg.PingInterval,
		PingMaxMissed:    cfg.PingMaxMissed,
		ChatHistoryLimit: cfg.ChatHistoryLimit,
	}, clk)

	router := NewRouter(Deps{
		Config:   cfg,
		Identity: ids,
		Rooms:    reg,
		Engine:   engine,
		Governor: gov,
		Hub:      hub,
		Health:   health.NewHandler(st, nil),
		Clock:    clk,
	})

	for path, want := range map[string]int{
		"/health/live":   http.StatusOK,
		"/health/ready":  http.StatusOK,
		"/metrics":       http.StatusOK,
		"/api/v1/rooms":  http.StatusOK,
		"/api/v1/nothin": http.StatusNotFound,
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.0.2.1:40000"
		router.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code, "path %s", path)
	}
}
