package httpproxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/taichili/httpproxy/cache"

	"github.com/go-chi/chi/v5"
	"github.com/pascaldekloe/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// NewAdminHandler returns the admin console: a health check, the fill
// records of index and the proxy counters. index may be nil.
func NewAdminHandler(index cache.Index, logger *zerolog.Logger) http.Handler {
	if logger == nil {
		logger = &log.Logger
	}
	if index == nil {
		index = cache.NewMemIndex()
	}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger.With().Str("component", "admin").Logger()))
	r.Use(hlog.RequestIDHandler("req", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Admin request")
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	r.Get("/cache", func(w http.ResponseWriter, r *http.Request) {
		entries, err := index.All(r.URL.Query().Get("prefix"))
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not list fills")
			http.Error(w, "could not list fills", http.StatusInternalServerError)
			return
		}
		writeJSON(w, r, entries)
	})
	r.Get("/cache/*", func(w http.ResponseWriter, r *http.Request) {
		key := "/" + chi.URLParam(r, "*")
		entry, ok, err := index.Get(key)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("key", key).Msg("Could not get fill")
			http.Error(w, "could not get fill", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, r, entry)
	})
	r.Get("/metrics", metrics.ServeHTTP)
	return r
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write JSON")
	}
}
