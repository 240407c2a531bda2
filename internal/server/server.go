// Package server exposes the visitid identity engine over HTTP: hit
// recording, relation queries, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/koltyakov/visitid/internal/config"
	"github.com/koltyakov/visitid/internal/correlate"
	"github.com/koltyakov/visitid/internal/domain"
	"github.com/koltyakov/visitid/internal/fingerprint"
	"github.com/koltyakov/visitid/internal/geo"
	"github.com/koltyakov/visitid/internal/ipaddr"
	"github.com/koltyakov/visitid/internal/metrics"
	"github.com/koltyakov/visitid/internal/store/sqlite"
)

const maxLinkIDLen = 128

type Server struct {
	cfg       config.ServerConfig
	store     *sqlite.Store
	log       *slog.Logger
	metrics   *metrics.Metrics
	cache     *geo.Cache
	resolver  *geo.Resolver
	generator *fingerprint.Generator
	engine    *correlate.Engine
	maxmind   *geo.MaxMindProvider
}

// New wires the full request pipeline over the given store. A configured
// but unreadable MaxMind database is a warning, not a startup failure; the
// remote provider chain covers for it.
func New(cfg config.ServerConfig, store *sqlite.Store, logger *slog.Logger) *Server {
	m := metrics.New()

	var maxmind *geo.MaxMindProvider
	var providers []geo.Provider
	if cfg.MaxMindDBPath != "" {
		mm, err := geo.OpenMaxMind(cfg.MaxMindDBPath)
		if err != nil {
			logger.Warn("maxmind database unavailable, using remote providers only", "path", cfg.MaxMindDBPath, "err", err)
		} else {
			maxmind = mm
			providers = append(providers, mm)
		}
	}
	providers = append(providers, geo.DefaultProviders(nil)...)

	cache := geo.NewCache(cfg.GeoCacheMaxEntries, m)
	resolver := geo.NewResolver(cache, providers, cfg.ProviderTimeout, logger, m)
	engine := correlate.NewEngine(store, logger, m, correlate.MatchPolicy{
		Window:        cfg.MatchWindow,
		MinConfidence: correlate.DefaultMatchPolicy.MinConfidence,
	})

	return &Server{
		cfg:       cfg,
		store:     store,
		log:       logger,
		metrics:   m,
		cache:     cache,
		resolver:  resolver,
		generator: fingerprint.NewGenerator(fingerprint.DefaultWeights, cfg.SessionWindow),
		engine:    engine,
		maxmind:   maxmind,
	}
}

// Run starts the HTTP server and the maintenance janitor and blocks until
// the context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	go s.runJanitor(ctx)

	httpServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", "addr", s.cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		err := shutdownServer(httpServer, 5*time.Second)
		s.closeMaxMind()
		return err
	case err := <-errCh:
		_ = shutdownServer(httpServer, 5*time.Second)
		s.closeMaxMind()
		return err
	}
}

// Handler returns the route table. Split out from Run so tests can drive
// the server through httptest without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/hits", s.handleHit)
	mux.HandleFunc("GET /v1/fingerprints/{hash}/related", s.handleRelated)
	mux.HandleFunc("GET /v1/clusters/{deviceHash}", s.handleCluster)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

func (s *Server) handleHit(w http.ResponseWriter, r *http.Request) {
	linkID, ok := linkIDFromRequest(r)
	if !ok {
		http.Error(w, "missing or invalid link parameter", http.StatusBadRequest)
		return
	}

	ip := ipaddr.Resolve(r.Header)
	geoRes := s.resolver.Resolve(r.Context(), ip, r.Header)

	fp := s.generator.Generate(fingerprint.Signals{
		IP:             ip,
		Geo:            geoRes,
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
		Accept:         r.Header.Get("Accept"),
		ClientHints:    clientHints(r.Header),
		Timezone:       timezoneFromRequest(r),
	})

	result := s.engine.RecordHit(r.Context(), linkID, fp)
	s.log.Debug("hit recorded",
		"link", linkID,
		"browser_hash", result.BrowserHash,
		"classification", result.Classification,
		"unique", result.IsUnique,
		"geo_source", geoRes.Source)
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	linkID, ok := linkIDFromRequest(r)
	if !ok {
		http.Error(w, "missing or invalid link parameter", http.StatusBadRequest)
		return
	}
	browserHash := r.PathValue("hash")

	related, err := s.engine.Related(r.Context(), linkID, browserHash)
	if errors.Is(err, domain.ErrFingerprintNotFound) {
		http.Error(w, "fingerprint not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("related lookup failed", "link", linkID, "browser_hash", browserHash, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"browser_hash": browserHash,
		"related":      related,
	})
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	deviceHash := r.PathValue("deviceHash")

	entries, err := s.engine.Cluster(r.Context(), deviceHash)
	if err != nil {
		s.log.Error("cluster lookup failed", "device_hash", deviceHash, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"device_cluster_id": correlate.ClusterID(deviceHash),
		"entries":           entries,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response encode failed", "err", err)
	}
}

// runJanitor periodically sweeps the geo cache and purges fingerprint
// records past the retention period.
func (s *Server) runJanitor(ctx context.Context) {
	sweepTicker := time.NewTicker(s.cfg.GeoCacheSweepInterval)
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer sweepTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			if purged := s.cache.Sweep(); purged > 0 {
				s.log.Debug("geo cache swept", "purged", purged)
			}
		case <-cleanupTicker.C:
			cutoff := time.Now().Add(-s.cfg.RetentionPeriod)
			purged, err := s.store.PurgeStaleFingerprints(ctx, cutoff, 0)
			if err != nil {
				s.log.Error("fingerprint retention purge failed", "err", err)
				continue
			}
			if purged > 0 {
				s.log.Info("purged stale fingerprints", "count", purged)
			}
		}
	}
}

func (s *Server) closeMaxMind() {
	if s.maxmind != nil {
		if err := s.maxmind.Close(); err != nil {
			s.log.Debug("maxmind close failed", "err", err)
		}
	}
}

func linkIDFromRequest(r *http.Request) (string, bool) {
	linkID := strings.TrimSpace(r.URL.Query().Get("link"))
	if linkID == "" || len(linkID) > maxLinkIDLen {
		return "", false
	}
	return linkID, true
}

// timezoneFromRequest prefers the explicit query parameter a tracking
// pixel can attach; the custom header covers server-to-server callers.
func timezoneFromRequest(r *http.Request) string {
	if tz := strings.TrimSpace(r.URL.Query().Get("tz")); tz != "" {
		return tz
	}
	return strings.TrimSpace(r.Header.Get("X-Timezone"))
}

// clientHints folds the low-entropy UA client hint headers into one
// stable string for the browser component.
func clientHints(h http.Header) string {
	parts := []string{
		h.Get("Sec-CH-UA"),
		h.Get("Sec-CH-UA-Platform"),
		h.Get("Sec-CH-UA-Mobile"),
	}
	return strings.Join(parts, ";")
}

func shutdownServer(srv *http.Server, timeout time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
