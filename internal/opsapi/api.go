// Package opsapi is the operator facing HTTP and gRPC surface of walletd:
// health and readiness checks, prometheus metrics, read-only entry and
// wallet lookups and the live entry feed.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"qazna.org/wallet/internal/ledger"
	"qazna.org/wallet/internal/obs"
	"qazna.org/wallet/internal/stream"
)

const serviceName = "walletd"

// Pinger is anything the readiness check can ping, usually the pg store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyCheck checks the storage backend.
type ReadyCheck struct {
	DB Pinger
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Ledger is the read side of the engine exposed to operators.
type Ledger interface {
	Entry(ctx context.Context, transactionID string) (ledger.Entry, error)
	Wallet(ctx context.Context, walletID int64) (ledger.Wallet, error)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readiness  readinessChecker
	ledger     Ledger
	stream     *stream.Hub
	log        *zap.Logger
	version    string
	ratePerSec int
	rateBurst  int
}

// Option configures the API.
type Option func(*API)

// WithRateLimit sets the per client token bucket.
func WithRateLimit(perSecond, burst int) Option {
	return func(a *API) { a.ratePerSec, a.rateBurst = perSecond, burst }
}

// WithLogger replaces obs.Logger() for request logs.
func WithLogger(l *zap.Logger) Option { return func(a *API) { a.log = l } }

func New(rp readinessChecker, version string, l Ledger, hub *stream.Hub, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readiness:  rp,
		ledger:     l,
		stream:     hub,
		log:        obs.Logger(),
		version:    version,
		ratePerSec: 50,
		rateBurst:  100,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.HandleFunc("GET /v1/entries/{id}", a.GetEntry)
	a.mux.HandleFunc("GET /v1/wallets/{id}", a.GetWallet)
	a.mux.HandleFunc("GET /v1/stream", a.Stream)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return a
}

// Handler wraps the mux with the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = Logging(a.log, h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	subscribers := 0
	if a.stream != nil {
		subscribers = a.stream.Subscribers()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        serviceName,
		"time":        time.Now().UTC().Format(time.RFC3339),
		"version":     a.version,
		"subscribers": subscribers,
	})
}

func (a *API) GetEntry(w http.ResponseWriter, r *http.Request) {
	if a.ledger == nil {
		writeError(w, r, http.StatusServiceUnavailable, "ledger disabled")
		return
	}
	entry, err := a.ledger.Entry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) GetWallet(w http.ResponseWriter, r *http.Request) {
	if a.ledger == nil {
		writeError(w, r, http.StatusServiceUnavailable, "ledger disabled")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "wallet id must be a positive integer")
		return
	}
	wallet, err := a.ledger.Wallet(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":      msg,
		"request_id": requestID(r.Context()),
	})
}

func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var le *ledger.Error
	if !errors.As(err, &le) {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	code := http.StatusBadRequest
	switch {
	case errors.Is(err, ledger.ErrEntryNotFound), errors.Is(err, ledger.ErrWalletNotFound):
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]any{
		"error":      le.Msg,
		"code":       le.Code,
		"request_id": requestID(r.Context()),
	})
}
