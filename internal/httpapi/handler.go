// Package httpapi exposes the vault over a JSON REST API.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/yieldvault/internal/authz"
	"github.com/R3E-Network/yieldvault/internal/domain"
	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/internal/httputil"
	"github.com/R3E-Network/yieldvault/internal/metrics"
	"github.com/R3E-Network/yieldvault/internal/middleware"
	"github.com/R3E-Network/yieldvault/internal/scheduler"
	"github.com/R3E-Network/yieldvault/internal/storage"
	"github.com/R3E-Network/yieldvault/internal/vault"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

// DefaultMaxRetries bounds POST /v1/ops/retry when the body sets none.
const DefaultMaxRetries = 3

// ScheduleReporter reports maintenance job status.
type ScheduleReporter interface {
	Status() []scheduler.Status
}

// Options configures the handler.
type Options struct {
	Vault     *vault.Vault
	Audit     storage.AuditStore
	Scheduler ScheduleReporter
	Metrics   *metrics.Collector
	JWTSecret []byte
	RateLimit float64
	Burst     int
	// Limiter overrides RateLimit and Burst when set.
	Limiter    *middleware.RateLimiter
	MaxRetries int
	Logger     *logger.Logger
}

type handler struct {
	vault      *vault.Vault
	audit      storage.AuditStore
	schedule   ScheduleReporter
	maxRetries int
	log        *logger.Logger
}

// NewHandler returns the API router.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("httpapi")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	h := &handler{
		vault:      opts.Vault,
		audit:      opts.Audit,
		schedule:   opts.Scheduler,
		maxRetries: opts.MaxRetries,
		log:        opts.Logger,
	}

	router := mux.NewRouter()
	router.Use(middleware.NewTracingMiddleware(opts.Logger).Handler)
	router.Use(middleware.NewAuthMiddleware(opts.JWTSecret, opts.Logger).Handler)
	if opts.Limiter == nil {
		opts.Limiter = middleware.NewRateLimiter(opts.RateLimit, opts.Burst, opts.Logger)
	}
	router.Use(opts.Limiter.Handler)
	if opts.Metrics != nil {
		router.Use(middleware.MetricsMiddleware(opts.Metrics))
	}

	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/vault", h.state).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{address}", h.account).Methods(http.MethodGet)
	v1.HandleFunc("/protocols", h.listProtocols).Methods(http.MethodGet)
	v1.HandleFunc("/events", h.listEvents).Methods(http.MethodGet)
	v1.HandleFunc("/schedule", h.scheduleStatus).Methods(http.MethodGet)

	v1.Handle("/deposits", authed(h.deposit)).Methods(http.MethodPost)
	v1.Handle("/withdrawals", authed(h.withdraw)).Methods(http.MethodPost)
	v1.Handle("/redemptions", authed(h.redeem)).Methods(http.MethodPost)
	v1.Handle("/protocols", authed(h.registerProtocol)).Methods(http.MethodPost)
	v1.Handle("/protocols/{id}/adapter", authed(h.removeAdapter)).Methods(http.MethodDelete)
	v1.Handle("/active", authed(h.addProtocol)).Methods(http.MethodPost)
	v1.Handle("/active/{id}", authed(h.removeProtocol)).Methods(http.MethodDelete)
	v1.Handle("/active/{id}", authed(h.replaceProtocol)).Methods(http.MethodPut)
	v1.Handle("/ops/harvest", authed(h.harvest)).Methods(http.MethodPost)
	v1.Handle("/ops/flush", authed(h.flush)).Methods(http.MethodPost)
	v1.Handle("/ops/optimize", authed(h.optimize)).Methods(http.MethodPost)
	v1.Handle("/ops/retry", authed(h.retry)).Methods(http.MethodPost)
	return router
}

func authed(fn http.HandlerFunc) http.Handler {
	return middleware.RequireCaller(fn)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"asset":     h.vault.Asset(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	st, err := h.vault.State(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stateDTO(st))
}

func (h *handler) account(w http.ResponseWriter, r *http.Request) {
	addr := domain.Address(mux.Vars(r)["address"]).Normalize()
	acct, err := h.vault.Account(r.Context(), addr)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, accountDTO(acct))
}

func (h *handler) listProtocols(w http.ResponseWriter, r *http.Request) {
	st, err := h.vault.State(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, protocolsDTO(st.Protocols))
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := httputil.DecodeJSON(r.Body, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if err := h.vault.Deposit(r.Context(), amount); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	caller := authz.CallerFrom(r.Context())
	acct, err := h.vault.Account(r.Context(), caller)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, accountDTO(acct))
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := httputil.DecodeJSON(r.Body, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	receipt, err := h.vault.Withdraw(r.Context(), amount, domain.Address(req.Recipient).Normalize())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, receiptDTO(receipt))
}

func (h *handler) redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := httputil.DecodeJSON(r.Body, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	receipt, err := h.vault.Redeem(r.Context(), shares, domain.Address(req.Recipient).Normalize())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, receiptDTO(receipt))
}

// registerProtocol records a descriptor. Adapters are bound when the service is wired.
func (h *handler) registerProtocol(w http.ResponseWriter, r *http.Request) {
	var req protocolRequest
	if err := httputil.DecodeJSON(r.Body, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if err := h.vault.RegisterProtocol(r.Context(), req.ID, strings.TrimSpace(req.Name)); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, protocolResponse{ID: req.ID, Name: strings.TrimSpace(req.Name), Position: "0"})
}

func (h *handler) removeAdapter(w http.ResponseWriter, r *http.Request) {
	id, err := protocolID(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if err := h.vault.RemoveAdapter(r.Context(), id, h.vault.Asset()); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) addProtocol(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := httputil.DecodeJSON(r.Body, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.mutateActive(w, r, func(ctx context.Context) error { return h.vault.AddProtocol(ctx, req.ID) })
}

func (h *handler) removeProtocol(w http.ResponseWriter, r *http.Request) {
	id, err := protocolID(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.mutateActive(w, r, func(ctx context.Context) error { return h.vault.RemoveProtocol(ctx, id) })
}

func (h *handler) replaceProtocol(w http.ResponseWriter, r *http.Request) {
	id, err := protocolID(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	var req replaceRequest
	if err := httputil.DecodeJSON(r.Body, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.mutateActive(w, r, func(ctx context.Context) error { return h.vault.ReplaceProtocol(ctx, id, req.Replacement) })
}

// mutateActive runs fn and answers with the resulting vault state.
func (h *handler) mutateActive(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.state(w, r)
}

func (h *handler) harvest(w http.ResponseWriter, r *http.Request) {
	report, err := h.vault.Harvest(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, harvestDTO(report))
}

func (h *handler) flush(w http.ResponseWriter, r *http.Request) {
	res, err := h.vault.Flush(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, flushDTO(res))
}

func (h *handler) optimize(w http.ResponseWriter, r *http.Request) {
	res, err := h.vault.Optimize(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *handler) retry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r.Body, &req); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
	}
	limit := h.maxRetries
	if req.MaxRetries != nil {
		limit = *req.MaxRetries
	}
	n, err := h.vault.RetryFailedDeposits(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"retried": n, "max_retries": limit})
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		httputil.WriteJSON(w, http.StatusOK, []events.Event{})
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	list, err := h.audit.List(r.Context(), q)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *handler) scheduleStatus(w http.ResponseWriter, r *http.Request) {
	if h.schedule == nil {
		httputil.WriteJSON(w, http.StatusOK, []scheduler.Status{})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.schedule.Status())
}

func protocolID(r *http.Request) (domain.ProtocolID, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, svcerrors.ErrInvalidProtocolID.WithDetails("id", raw)
	}
	return domain.ProtocolID(id), nil
}

func parseQuery(r *http.Request) (storage.Query, error) {
	values := r.URL.Query()
	q := storage.Query{
		Type:    events.EventType(values.Get("type")),
		Account: domain.Address(values.Get("account")).Normalize(),
	}
	if raw := values.Get("protocol_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return q, svcerrors.ErrInvalidRequest.WithDetails("field", "protocol_id").Wrap(err)
		}
		q.ProtocolID = domain.ProtocolID(id)
	}
	if raw := values.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, svcerrors.ErrInvalidRequest.WithDetails("field", "since").Wrap(err)
		}
		q.Since = since
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return q, svcerrors.ErrInvalidRequest.WithDetails("field", "limit")
		}
		q.Limit = limit
	}
	return q, nil
}
