package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/yieldvault/internal/adapter/llama"
	"github.com/R3E-Network/yieldvault/internal/config"
	"github.com/R3E-Network/yieldvault/internal/domain"
	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/internal/middleware"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

func newApp(t *testing.T, mutate func(*config.Config)) *Application {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	a, err := New(context.Background(), cfg, logger.NewDiscard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewWiresConfiguredBackends(t *testing.T) {
	a := newApp(t, nil)

	st, err := a.Vault.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Asset("USDC"), st.Asset)
	assert.Equal(t, []domain.ProtocolID{1, 2}, st.Active)
	require.Len(t, st.Protocols, 3)
	for _, p := range st.Protocols {
		assert.True(t, p.Bound, p.Name)
	}
	assert.Len(t, a.Backends, 3)
	assert.NotNil(t, a.Scheduler)
	assert.Equal(t, []string{"ratelimit-cleanup", "scheduler"}, a.Services())
	assert.NotEmpty(t, a.Audit.RecentByType(events.EventProtocolAdded, 10))
}

func TestNewWithoutScheduler(t *testing.T) {
	a := newApp(t, func(c *config.Config) { c.Scheduler.Enabled = false })
	assert.Nil(t, a.Scheduler)
	assert.Equal(t, []string{"ratelimit-cleanup"}, a.Services())
}

func TestNewRejectsBadVaultConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Vault.Treasury = ""
	_, err := New(context.Background(), cfg, logger.NewDiscard())
	assert.Error(t, err)
}

func TestPoolBackendsReportPublishedAPY(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"pool":"morpho-usdc","apy":7.5}]}`))
	}))
	defer srv.Close()

	a := newApp(t, func(c *config.Config) {
		c.Backends[2].Pool = "morpho-usdc"
		c.Llama.URL = srv.URL
	})

	bound, err := a.Vault.Registry().Adapter(3, "USDC")
	require.NoError(t, err)
	wrapped, ok := bound.(*llama.Adapter)
	require.True(t, ok, "pool backends are wrapped")
	apy, err := wrapped.GetAPY(context.Background(), "USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(750), apy)
}

func TestStartStop(t *testing.T) {
	a := newApp(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Stop(ctx))
}

func TestHandlerServesVault(t *testing.T) {
	a := newApp(t, func(c *config.Config) { c.HTTP.JWTSecret = "secret" })
	h := a.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/vault", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active_protocols":[1,2]`)

	token, err := middleware.IssueToken([]byte("secret"), "keeper", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/ops/flush", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/schedule", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"harvest"`)
}

func TestScenarioRun(t *testing.T) {
	a := newApp(t, func(c *config.Config) { c.Optimizer.Cooldown = 0 })

	var out bytes.Buffer
	require.NoError(t, DefaultScenario().Run(context.Background(), a, &out))

	text := out.String()
	assert.Contains(t, text, "flush     processed=2 failed=0 amount=1500000")
	assert.Contains(t, text, "harvest   rate")
	assert.Contains(t, text, "optimize  replaced protocol=3 replaced=2 apy=610")
	assert.Contains(t, text, "redeem    alice")

	assert.True(t, a.Vault.ShareBalance("alice").IsZero())
	assert.False(t, a.Vault.ShareBalance("treasury").IsZero(), "performance fee minted")
	st, err := a.Vault.State(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.ProtocolID{1, 3}, st.Active)
	assert.Greater(t, a.Bank.Supply("USDC").Uint64(), uint64(0))
}
