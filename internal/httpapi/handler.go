// Package httpapi exposes the pricing service over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"priceresolver/internal/fetcher"
	"priceresolver/internal/price"
	"priceresolver/internal/pricing"
	"priceresolver/internal/resolver"
	"priceresolver/internal/scheduler"
)

// maxBulkTickers bounds the tickers accepted by one bulk request.
const maxBulkTickers = 500

// Service is the subset of *pricing.Service the handlers use.
type Service interface {
	GetPrice(ctx context.Context, ticker string) (price.Record, error)
	GetPrices(ctx context.Context, tickers []string) map[price.Ticker]resolver.Outcome
	GetHistoricalPrice(ctx context.Context, ticker string, date time.Time) (price.Record, error)
	ForceRefresh(ctx context.Context, ticker string) (price.Record, error)
	Reactivate(ticker string) (bool, error)
	Status() pricing.Status
}

// Refresher triggers a refresh cycle; *scheduler.Scheduler satisfies it.
type Refresher interface {
	RunOnce(ctx context.Context) (scheduler.Run, bool)
}

// Pinger checks a dependency for /healthz; *store.PostgresSink satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// healthTimeout bounds the dependency check behind /healthz.
const healthTimeout = 2 * time.Second

// Handler serves the price API.
type Handler struct {
	svc       Service
	refresher Refresher
	pinger    Pinger
	logger    *slog.Logger
	mux       *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithPinger makes /healthz report unavailable while p fails.
func WithPinger(p Pinger) Option {
	return func(h *Handler) {
		h.pinger = p
	}
}

// New builds the route table. refresher may be nil, which disables POST /api/refresh.
func New(svc Service, refresher Refresher, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		svc:       svc,
		refresher: refresher,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("GET /healthz", h.health)
	h.mux.HandleFunc("GET /api/prices", h.getPrices)
	h.mux.HandleFunc("GET /api/prices/{ticker}", h.getPrice)
	h.mux.HandleFunc("GET /api/prices/{ticker}/history", h.getHistory)
	h.mux.HandleFunc("POST /api/prices/{ticker}/refresh", h.forceRefresh)
	h.mux.HandleFunc("POST /api/tickers/{ticker}/reactivate", h.reactivate)
	h.mux.HandleFunc("GET /api/status", h.status)
	h.mux.HandleFunc("POST /api/refresh", h.refresh)
	return h
}

// ServeHTTP implements http.Handler with request logging and panic recovery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("handler panic", "path", r.URL.Path, "panic", p)
			writeError(rec, http.StatusInternalServerError, "internal error")
		}
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	}()
	h.mux.ServeHTTP(rec, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// priceResponse is the wire form of one ticker's result.
type priceResponse struct {
	*price.Record
	Ticker price.Ticker `json:"ticker"`
	Error  string       `json:"error,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) getPrice(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetPrice(r.Context(), r.PathValue("ticker"))
	h.writeRecord(w, rec, err)
}

func (h *Handler) getPrices(w http.ResponseWriter, r *http.Request) {
	tickers := pricing.ParseTickers(r.URL.Query().Get("tickers"))
	if len(tickers) == 0 {
		writeError(w, http.StatusBadRequest, "tickers query parameter is required")
		return
	}
	if len(tickers) > maxBulkTickers {
		writeError(w, http.StatusBadRequest, "too many tickers")
		return
	}

	outcomes := h.svc.GetPrices(r.Context(), tickers)
	resp := make(map[price.Ticker]priceResponse, len(outcomes))
	for t, o := range outcomes {
		item := priceResponse{Ticker: t}
		if o.Err != nil {
			item.Error = o.Err.Error()
		} else {
			rec := o.Record
			item.Record = &rec
		}
		resp[t] = item
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": resp})
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	date, err := time.Parse(price.DateLayout, r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	rec, err := h.svc.GetHistoricalPrice(r.Context(), r.PathValue("ticker"), date)
	h.writeRecord(w, rec, err)
}

func (h *Handler) forceRefresh(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.ForceRefresh(r.Context(), r.PathValue("ticker"))
	h.writeRecord(w, rec, err)
}

func (h *Handler) reactivate(w http.ResponseWriter, r *http.Request) {
	ticker := r.PathValue("ticker")
	was, err := h.svc.Reactivate(ticker)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticker":      price.NormalizeTicker(ticker),
		"reactivated": was,
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		writeError(w, http.StatusNotImplemented, "refresh scheduler is not configured")
		return
	}
	run, ok := h.refresher.RunOnce(r.Context())
	if !ok {
		writeError(w, http.StatusConflict, "refresh already running")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) writeRecord(w http.ResponseWriter, rec price.Record, err error) {
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// statusFor maps resolution errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pricing.ErrInvalidTicker):
		return http.StatusBadRequest
	case errors.Is(err, resolver.ErrTickerDeactivated):
		return http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch fetcher.KindOf(err) {
	case fetcher.KindNotFound:
		return http.StatusNotFound
	case fetcher.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
