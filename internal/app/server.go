package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mirrorbot/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Server exposes the read/query surface over HTTP: health, per-wallet
// ledgers, detected signals, manual strategy processing, and runner stats.
type Server struct {
	logger   *zap.Logger
	detector *Detector
	runner   *Runner
	db       store.Store
	httpSrv  *http.Server
}

func NewServer(logger *zap.Logger, port int, detector *Detector, runner *Runner, db store.Store) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger:   logger.Named("server"),
		detector: detector,
		runner:   runner,
		db:       db,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/wallets/{address}/ledger", s.handleLedger)
		r.Get("/signals", s.handleSignals)
		r.Post("/strategies/{id}/process", s.handleProcess)
		r.Get("/stats", s.handleStats)
	})

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	address := strings.ToLower(chi.URLParam(r, "address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	result, err := s.detector.Analyze(r.Context(), address)
	if err != nil {
		s.logger.Warn("ledger analysis failed", zap.String("wallet", shortAddr(address)), zap.Error(err))
		writeError(w, http.StatusBadGateway, "wallet analysis failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	wallet := strings.ToLower(r.URL.Query().Get("wallet"))

	signals, err := s.db.ListSignalsSince(r.Context(), wallet, since)
	if err != nil {
		s.logger.Warn("signal query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "signal query failed")
		return
	}
	if signals == nil {
		signals = []store.SignalRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"since":   since,
		"signals": signals,
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "id")
	start := time.Now().UTC()

	if err := s.runner.ProcessStrategy(r.Context(), strategyID); err != nil {
		if strings.Contains(err.Error(), "unknown strategy") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Warn("manual strategy run failed", zap.String("strategy", strategyID), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	results, err := s.db.ListOrderResults(r.Context(), strategyID, start)
	if err != nil {
		s.logger.Warn("result query failed", zap.Error(err))
		results = nil
	}
	if results == nil {
		results = []store.OrderRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"strategy": strategyID,
		"results":  results,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"runner":   s.runner.Stats(),
		"monitors": s.runner.MonitorStates(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
