// Package server exposes the gate's RPC surface over HTTP for server
// mode: status, journal, intercept, complete, lock, unlock, plus a
// Prometheus /metrics endpoint and a websocket status stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callosum-dev/callosum/internal/decision"
	"github.com/callosum-dev/callosum/internal/store"
	"github.com/callosum-dev/callosum/internal/template"
	"github.com/callosum-dev/callosum/internal/tier"
)

// Config configures the HTTP listener.
type Config struct {
	Host        string
	Port        int
	MetricsPort int
}

// Server is the shared, multi-instance backend for server-mode
// deployments: one coordination store and one compiled rule set serve
// intercept/complete/lock/unlock requests carrying their own instance
// identifier per call.
type Server struct {
	store      store.Store
	classifier atomic.Pointer[tier.Classifier]
	procCfg    decision.Config
	logger     *slog.Logger
	metrics    *Metrics

	procMu sync.Mutex
	procs  map[string]*decision.Procedure

	httpServer   *http.Server
	httpListener net.Listener

	subscriber *statusHub
}

// New builds a Server over an already-open store and a compiled
// classifier. procCfg supplies the LockTTL/ContextWindow/duplicate-
// detection defaults every per-instance decision.Procedure is built
// with; its Instance field is overwritten per request.
func New(st store.Store, classifier *tier.Classifier, procCfg decision.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:      st,
		procCfg:    procCfg,
		logger:     logger,
		metrics:    NewMetrics(),
		procs:      make(map[string]*decision.Procedure),
		subscriber: newStatusHub(),
	}
	s.classifier.Store(classifier)
	return s
}

// reloadDrainTimeout bounds how long Reload waits for each instance's
// in-flight calls to settle before swapping its classifier anyway.
const reloadDrainTimeout = 2 * time.Second

// Reload swaps the compiled rule set for every live per-instance
// procedure. Per SPEC_FULL.md's drain-barrier design, each procedure is
// given up to reloadDrainTimeout to finish any in-flight before/after
// pair first, so a reload never lands mid-call; a procedure that
// doesn't drain in time still gets the new rules, since the swap
// itself is always lock-free and safe to apply.
func (s *Server) Reload(classifier *tier.Classifier) {
	s.classifier.Store(classifier)
	s.procMu.Lock()
	procs := make([]*decision.Procedure, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.procMu.Unlock()

	for _, p := range procs {
		ctx, cancel := context.WithTimeout(context.Background(), reloadDrainTimeout)
		if !p.Drain(ctx) {
			s.logger.Warn("rule reload proceeding before in-flight calls drained")
		}
		cancel()
		p.Reload(classifier)
	}
}

// RecordSweep reports a completed maintenance sweep to the /metrics
// endpoint: the sweeper's pruning counts go straight onto
// callosum_sweep_results_total, and the active lock count is
// refreshed by re-reading the store's current snapshot, since Sweep's
// result only reports what changed, not what remains. Wired as the
// sweeper's WithOnResult callback by cmd/callosum.
func (s *Server) RecordSweep(result store.SweepResult) {
	s.metrics.RecordSweep(result.LocksExpired, result.ContextsPruned, result.JournalRotated)
	if snap, err := s.store.Status(context.Background(), ""); err == nil {
		s.metrics.ActiveLocks.Set(float64(len(snap.Locks)))
	}
}

func (s *Server) procedureFor(instance string) *decision.Procedure {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	if p, ok := s.procs[instance]; ok {
		return p
	}
	cfg := s.procCfg
	cfg.Instance = instance
	p := decision.New(s.classifier.Load(), s.store, cfg, s.logger)
	s.procs[instance] = p
	return p
}

// Start begins serving the RPC/metrics/websocket HTTP surface on
// Host:Port and, if MetricsPort differs, a second listener dedicated
// to /metrics.
func (s *Server) Start(cfg Config) error {
	mux := http.NewServeMux()
	s.mount(mux, cfg.MetricsPort == 0 || cfg.MetricsPort == cfg.Port)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer = httpServer
	s.httpListener = listener

	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting gate server", "addr", addr)

	if cfg.MetricsPort != 0 && cfg.MetricsPort != cfg.Port {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort)
		metricsListener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		go func() {
			srv := &http.Server{Addr: metricsAddr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			if err := srv.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server error", "error", err)
			}
		}()
		s.logger.Info("starting metrics server", "addr", metricsAddr)
	}

	return nil
}

func (s *Server) mount(mux *http.ServeMux, includeMetrics bool) {
	if includeMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/journal", s.handleJournal)
	mux.HandleFunc("/intercept", s.handleIntercept)
	mux.HandleFunc("/complete", s.handleComplete)
	mux.HandleFunc("/lock", s.handleLock)
	mux.HandleFunc("/unlock", s.handleUnlock)
	mux.Handle("/ws/status", s.newStatusWebSocket())
}

// Stop gracefully shuts down the main HTTP listener. A separate metrics
// listener started on MetricsPort is not shut down.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.httpListener = nil
}

// --- RPC request/response envelopes, per spec.md §6's RPC surface table ---

type statusRequest struct {
	ContextKey string `json:"contextKey,omitempty"`
}

type statusResponse struct {
	Locks          []store.Lock          `json:"locks"`
	RecentContexts []store.ContextRecord `json:"recentContexts"`
}

type journalRequest struct {
	Limit int `json:"limit,omitempty"`
}

type journalResponse struct {
	Entries []store.JournalEntry `json:"entries"`
}

type interceptRequest struct {
	Instance string         `json:"instance"`
	Tool     string         `json:"tool"`
	Action   string         `json:"action,omitempty"`
	Params   map[string]any `json:"params"`
}

type interceptResponse struct {
	Proceed    bool   `json:"proceed"`
	Tier       int    `json:"tier"`
	ContextKey string `json:"contextKey,omitempty"`
	Warning    string `json:"warning,omitempty"`
	Conflicts  string `json:"conflicts,omitempty"`
	ID         string `json:"id"`
}

type completeRequest struct {
	Instance   string `json:"instance"`
	ContextKey string `json:"contextKey"`
	Result     string `json:"result"`
}

type completeResponse struct {
	OK bool `json:"ok"`
}

type lockRequest struct {
	Instance   string `json:"instance"`
	ContextKey string `json:"contextKey"`
	Tier       int    `json:"tier"`
}

type lockResponse struct {
	Acquired bool   `json:"acquired"`
	Conflict string `json:"conflict,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	snap, err := s.store.Status(r.Context(), req.ContextKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, statusResponse{Locks: snap.Locks, RecentContexts: snap.RecentContexts})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	var req journalRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.store.JournalTail(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, journalResponse{Entries: entries})
}

func (s *Server) handleIntercept(w http.ResponseWriter, r *http.Request) {
	var req interceptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Instance == "" || req.Tool == "" {
		writeError(w, http.StatusBadRequest, errors.New("instance and tool are required"))
		return
	}

	proc := s.procedureFor(req.Instance)
	verdict, err := proc.BeforeToolCall(r.Context(), req.Tool, template.Params(req.Params))
	s.metrics.RecordVerdict(int(verdict.Tier), string(verdict.Kind))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, interceptResponse{
		Proceed:    !verdict.Blocked(),
		Tier:       int(verdict.Tier),
		ContextKey: verdict.ContextKey,
		Warning:    verdict.Warning,
		Conflicts:  verdict.Reason,
		ID:         uuid.NewString(),
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Instance == "" || req.ContextKey == "" {
		writeError(w, http.StatusBadRequest, errors.New("instance and contextKey are required"))
		return
	}

	action := store.ActionComplete
	if req.Result == "error" || req.Result == "failed" {
		action = store.ActionFailed
	}

	start := time.Now()
	err := s.store.AppendJournal(r.Context(), store.JournalEntry{
		Timestamp:  time.Now(),
		Instance:   req.Instance,
		ContextKey: req.ContextKey,
		Action:     action,
	})
	s.metrics.ObserveJournalAppend(string(action), time.Since(start).Seconds())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := s.store.ReleaseLock(r.Context(), req.Instance, req.ContextKey); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, completeResponse{OK: true})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Instance == "" || req.ContextKey == "" {
		writeError(w, http.StatusBadRequest, errors.New("instance and contextKey are required"))
		return
	}
	level := tier.Level(req.Tier)
	ttl := s.procCfg.LockTTL

	ok, err := s.store.AcquireLock(r.Context(), req.Instance, req.ContextKey, level, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := lockResponse{Acquired: ok}
	if !ok {
		conflict, err := s.store.CheckConflict(r.Context(), req.Instance, req.ContextKey, level, s.procCfg.ContextWindow)
		if err == nil && conflict.HasConflict {
			resp.Conflict = conflict.ConflictWith
		}
		s.metrics.RecordLockOutcome("conflict")
	} else {
		s.metrics.RecordLockOutcome("acquired")
	}
	writeJSON(w, resp)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Instance == "" || req.ContextKey == "" {
		writeError(w, http.StatusBadRequest, errors.New("instance and contextKey are required"))
		return
	}
	if err := s.store.ReleaseLock(r.Context(), req.Instance, req.ContextKey); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, lockResponse{Acquired: false})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// decodeOptionalBody tolerates an empty body for GET-style RPCs that
// may carry an optional filter.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeBody(w, r, dst)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
