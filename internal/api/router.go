// Package api exposes the metric catalog over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Synthetixio/snx-api/internal/config"
	"github.com/Synthetixio/snx-api/internal/metrics"
	"github.com/Synthetixio/snx-api/internal/observ"
)

// Service is the part of metrics.Service the router needs.
type Service interface {
	Metrics() []*metrics.Metric
	Handle(ctx context.Context, name string, raw metrics.Params) ([]byte, error)
	CheckHealth(ctx context.Context) error
}

type Options struct {
	Health         config.Health
	RateLimitRPS   float64
	RateLimitBurst int
}

type router struct {
	svc  Service
	opts Options
}

// NewRouter registers one GET route per metric plus the operational routes.
func NewRouter(svc Service, opts Options) http.Handler {
	rt := &router{svc: svc, opts: opts}
	r := mux.NewRouter()
	r.Use(requestID, logRequests, instrument)
	if opts.RateLimitRPS > 0 {
		r.Use(NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst).Handler)
	}

	r.Handle("/", http.RedirectHandler("/status", http.StatusFound)).Methods(http.MethodGet)
	r.HandleFunc("/status", status).Methods(http.MethodGet)
	r.HandleFunc("/health", rt.health).Methods(http.MethodGet)
	r.Handle("/metrics", observ.Handler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(noStore)
	for _, m := range svc.Metrics() {
		api.Handle(m.Path, rt.metric(m)).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	return r
}

func (rt *router) metric(m *metrics.Metric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := metrics.Params{}
		q := r.URL.Query()
		for _, name := range m.Query {
			if v := q.Get(name); v != "" {
				raw[name] = v
			}
		}
		b, err := rt.svc.Handle(r.Context(), m.Name, raw)
		if err != nil {
			fail(w, r, err)
			return
		}
		writeRaw(w, http.StatusOK, b)
	}
}

func status(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (rt *router) health(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || !rt.authorized(user, pass) {
		w.Header().Set("WWW-Authenticate", `Basic realm="health"`)
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := rt.svc.CheckHealth(r.Context()); err != nil {
		observ.Error("health_failed", err, map[string]any{"request_id": RequestID(r.Context())})
		writeError(w, http.StatusInternalServerError, "Health check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// authorized rejects everything when no password is configured.
func (rt *router) authorized(user, pass string) bool {
	want := rt.opts.Health
	if want.Password == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(want.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(want.Password)) == 1
	return userOK && passOK
}

// fail maps validation errors to 400 and everything else to 500.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *metrics.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, metrics.ErrUnknownMetric):
		writeError(w, http.StatusNotFound, "Not found")
	default:
		observ.Error("request_failed", err, map[string]any{
			"path":       r.URL.Path,
			"request_id": RequestID(r.Context()),
		})
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeRaw(w http.ResponseWriter, status int, b []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeRaw(w, http.StatusInternalServerError, []byte(`{"error":"Internal server error"}`))
		return
	}
	writeRaw(w, status, b)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
