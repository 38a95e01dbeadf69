package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/yieldvault/internal/adapter/simulated"
	"github.com/R3E-Network/yieldvault/internal/asset"
	"github.com/R3E-Network/yieldvault/internal/authz"
	"github.com/R3E-Network/yieldvault/internal/domain"
	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/internal/httputil"
	"github.com/R3E-Network/yieldvault/internal/metrics"
	"github.com/R3E-Network/yieldvault/internal/middleware"
	"github.com/R3E-Network/yieldvault/internal/scheduler"
	"github.com/R3E-Network/yieldvault/internal/storage/memory"
	"github.com/R3E-Network/yieldvault/internal/vault"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

var testSecret = []byte("test-secret")

const usdc domain.Asset = "USDC"

type fakeSchedule struct{}

func (fakeSchedule) Status() []scheduler.Status {
	return []scheduler.Status{{Job: scheduler.JobFlush, Spec: "@every 5m", Runs: 2}}
}

type server struct {
	t       *testing.T
	bank    *asset.Memory
	vault   *vault.Vault
	handler http.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	bank := asset.NewMemory()
	store := memory.New()
	audit := events.NewLog(100, logger.NewDiscard())
	audit.SetSink(store)

	v, err := vault.New(vault.Options{
		Asset:        usdc,
		Address:      "vault",
		QueueAddress: "vault-queue",
		BatchSize:    10,
		Bank:         bank,
		Executor:     bank,
		Authorizer:   authz.NewStatic("owner", "keeper"),
		Recorder:     audit,
		Logger:       logger.NewDiscard(),
	})
	require.NoError(t, err)

	ctx := authz.WithCaller(context.Background(), "owner")
	for i := 1; i <= 3; i++ {
		id := domain.ProtocolID(i)
		b := simulated.New(simulated.Config{Name: fmt.Sprintf("p%d", i), Asset: usdc, Vault: "vault"}, bank)
		require.NoError(t, v.RegisterProtocol(ctx, id, b.Name()))
		require.NoError(t, v.RegisterAdapter(ctx, id, usdc, b))
	}
	require.NoError(t, v.AddProtocol(ctx, 1))
	require.NoError(t, v.AddProtocol(ctx, 2))

	h := NewHandler(Options{
		Vault:     v,
		Audit:     store,
		Scheduler: fakeSchedule{},
		Metrics:   metrics.NewCollector("httpapi_test"),
		JWTSecret: testSecret,
		Logger:    logger.NewDiscard(),
	})
	return &server{t: t, bank: bank, vault: v, handler: h}
}

func (s *server) do(method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != "" {
		token, err := middleware.IssueToken(testSecret, caller, time.Hour)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `path="/healthz"`)
}

func TestDepositFlushWithdrawOverHTTP(t *testing.T) {
	s := newServer(t)
	s.bank.Mint(usdc, "alice", uint256.NewInt(1000))

	rec := s.do(http.MethodPost, "/v1/deposits", "alice", amountRequest{Amount: "1000"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	acct := decode[accountResponse](t, rec)
	assert.Equal(t, "1000", acct.Queued)
	assert.Equal(t, "0", acct.Shares)

	rec = s.do(http.MethodPost, "/v1/ops/flush", "keeper", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	flushed := decode[flushResponse](t, rec)
	assert.Equal(t, []domain.Address{"alice"}, flushed.Processed)
	assert.Equal(t, "1000", flushed.Amount)
	assert.True(t, flushed.EpochCompleted)

	rec = s.do(http.MethodGet, "/v1/accounts/alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	acct = decode[accountResponse](t, rec)
	assert.Equal(t, "1000", acct.Shares)
	assert.Equal(t, "1000", acct.Assets)

	rec = s.do(http.MethodGet, "/v1/vault", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[stateResponse](t, rec)
	assert.Equal(t, "1000", st.TotalSupply)
	assert.Equal(t, []domain.ProtocolID{1, 2}, st.Active)
	require.Len(t, st.Protocols, 3)
	assert.Equal(t, "500", st.Protocols[0].Position)

	rec = s.do(http.MethodPost, "/v1/withdrawals", "alice", amountRequest{Amount: "400", Recipient: "bob"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decode[receiptResponse](t, rec)
	assert.Equal(t, "400", receipt.Withdrawn)
	assert.Equal(t, "400", receipt.SharesBurned)
	assert.Equal(t, "600", receipt.ShareBalance)
	assert.Equal(t, domain.Address("bob"), receipt.Recipient)

	rec = s.do(http.MethodPost, "/v1/redemptions", "alice", redeemRequest{Shares: "600"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt = decode[receiptResponse](t, rec)
	assert.Equal(t, "600", receipt.Withdrawn)
	assert.Equal(t, "0", receipt.ShareBalance)
}

func TestMutationsRequireCaller(t *testing.T) {
	s := newServer(t)
	for _, path := range []string{"/v1/deposits", "/v1/withdrawals", "/v1/ops/harvest", "/v1/active"} {
		rec := s.do(http.MethodPost, path, "", amountRequest{Amount: "1"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/v1/withdrawals", "alice", amountRequest{Amount: "10"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errResp := decode[httputil.ErrorResponse](t, rec)
	assert.Equal(t, "insufficient_shares", errResp.Code)
	assert.NotEmpty(t, errResp.RequestID)

	rec = s.do(http.MethodPost, "/v1/deposits", "alice", amountRequest{Amount: "-5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decode[httputil.ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodPost, "/v1/deposits", "alice", map[string]string{"amount": "1", "extra": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/v1/ops/harvest", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unauthorized", decode[httputil.ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodDelete, "/v1/active/abc", "owner", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_protocol_id", decode[httputil.ErrorResponse](t, rec).Code)
}

func TestActiveSetManagement(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/v1/active", "owner", activateRequest{ID: 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []domain.ProtocolID{1, 2, 3}, decode[stateResponse](t, rec).Active)

	rec = s.do(http.MethodPost, "/v1/active", "owner", activateRequest{ID: 3})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodDelete, "/v1/active/3", "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []domain.ProtocolID{1, 2}, decode[stateResponse](t, rec).Active)

	rec = s.do(http.MethodPut, "/v1/active/2", "owner", replaceRequest{Replacement: 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.ElementsMatch(t, []domain.ProtocolID{1, 3}, decode[stateResponse](t, rec).Active)

	rec = s.do(http.MethodPost, "/v1/protocols", "owner", protocolRequest{ID: 9, Name: "spark"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/v1/protocols", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	protocols := decode[[]protocolResponse](t, rec)
	require.Len(t, protocols, 4)
	assert.False(t, protocols[3].Bound)

	rec = s.do(http.MethodDelete, "/v1/protocols/2/adapter", "owner", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodDelete, "/v1/protocols/1/adapter", "owner", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "adapter of an active protocol stays bound")
}

func TestOperatorEndpoints(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/v1/ops/harvest", "keeper", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[harvestResponse](t, rec)
	assert.Equal(t, report.PreviousRate, report.NewRate)
	assert.True(t, report.Flushed)

	rec = s.do(http.MethodPost, "/v1/ops/optimize", "keeper", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/v1/ops/retry", "keeper", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]int{"retried": 0, "max_retries": DefaultMaxRetries}, decode[map[string]int](t, rec))

	rec = s.do(http.MethodGet, "/v1/schedule", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"flush"`)
}

func TestListEvents(t *testing.T) {
	s := newServer(t)
	s.bank.Mint(usdc, "alice", uint256.NewInt(50))
	require.Equal(t, http.StatusAccepted, s.do(http.MethodPost, "/v1/deposits", "alice", amountRequest{Amount: "50"}).Code)

	rec := s.do(http.MethodGet, "/v1/events?account=alice&type=deposit.queued", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]events.Event](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, domain.Address("alice"), list[0].Account)
	assert.NotEmpty(t, list[0].RequestID)

	rec = s.do(http.MethodGet, "/v1/events?type=protocol.added&limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[[]events.Event](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, domain.ProtocolID(2), list[0].ProtocolID, "newest first")

	rec = s.do(http.MethodGet, "/v1/events?since=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "since"))
}
