package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"attendly.org/internal/auth"
	"attendly.org/internal/checkin"
	"attendly.org/internal/config"
	"attendly.org/internal/event"
	"attendly.org/internal/obs"
	"attendly.org/internal/stream"
)

const serviceName = "attendly-api"

// Pinger is implemented by the stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe is a readiness check backed by the store.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Auth    *auth.Service
	Events  *event.Service
	Checkin *checkin.Service
	Ready   readinessChecker
	Version string

	// Feed enables the live check-in stream when set.
	Feed *stream.Stream
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	auth    *auth.Service
	events  *event.Service
	checkin *checkin.Service
	ready   readinessChecker
	feed    *stream.Stream
	version string

	corsOrigins []string
	rateBurst   int
	ratePerSec  int
	now         func() time.Time
}

// New wires routes. cfg supplies CORS and rate limit settings.
func New(d Deps, cfg config.Config) (*API, error) {
	if d.Auth == nil || d.Events == nil || d.Checkin == nil {
		return nil, errors.New("httpapi: auth, event and checkin services are required")
	}
	if d.Ready == nil {
		d.Ready = ReadyProbe{}
	}
	a := &API{
		mux:         http.NewServeMux(),
		auth:        d.Auth,
		events:      d.Events,
		checkin:     d.Checkin,
		ready:       d.Ready,
		feed:        d.Feed,
		version:     d.Version,
		corsOrigins: cfg.CORSOrigins,
		rateBurst:   cfg.RateBurst,
		ratePerSec:  cfg.RatePerSec,
		now:         time.Now,
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.Handle("GET /v1/auth/me", a.requireUser(a.handleMe))

	a.mux.Handle("GET /v1/events", a.requireAdmin(a.handleListEvents))
	a.mux.Handle("POST /v1/events", a.requireAdmin(a.handleCreateEvent))
	a.mux.HandleFunc("GET /v1/events/{id}", a.handleGetEvent)
	a.mux.Handle("PATCH /v1/events/{id}", a.requireAdmin(a.handleUpdateEvent))
	a.mux.Handle("DELETE /v1/events/{id}", a.requireAdmin(a.handleDeleteEvent))

	a.mux.Handle("GET /v1/events/{id}/status", a.requireUser(a.handleStatus))
	a.mux.Handle("GET /v1/events/{id}/badge", a.requireUser(a.handleBadge))
	a.mux.Handle("GET /v1/events/{id}/participants", a.requireAdmin(a.handleRoster))
	a.mux.Handle("POST /v1/events/{id}/participants", a.requireAdmin(a.handleAddParticipant))
	a.mux.HandleFunc("GET /v1/participants/verify/{token}", a.handleVerifyLink)
	a.mux.Handle("GET /v1/events/{id}/checkins/stream", a.requireAdmin(a.handleCheckinStream))

	a.mux.Handle("POST /v1/admin/checkin", a.requireAdmin(a.handleCheckin))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
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
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleServiceError maps domain errors to responses. Anything unmapped is
// logged and reported as an internal error.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, event.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "event not found")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, event.ErrInvalidInput),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, checkin.ErrInvalidParticipant):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, checkin.ErrEventExpired):
		writeError(w, r, http.StatusBadRequest, "event has ended")
	case errors.Is(err, checkin.ErrEventDisabled):
		writeError(w, r, http.StatusBadRequest, "event is disabled")
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "username or email already registered")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid username or password")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "admin privileges required")
	default:
		obs.LogEvent("error", "request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"error":      err,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
