// Copyright 2025 James Ross

// Package adminapi exposes a small read-mostly HTTP surface for operators:
// queue and outbox stats, a peek into pending work, and a dead-letter purge.
// It is deliberately scoped down from a full admin console: no RBAC, no
// OpenAPI document, no rate limiting, just the handful of operations the
// reconciliation runbook actually calls for.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flowforge/mediaqueue/internal/auditlog"
	"github.com/flowforge/mediaqueue/internal/config"
	"github.com/flowforge/mediaqueue/internal/outbox"
	"github.com/flowforge/mediaqueue/internal/queue"
)

// Server is the admin HTTP surface: a thin read/purge layer over the queue
// adapter and outbox store, with every mutation recorded to an audit trail.
type Server struct {
	cfg    config.AdminAPI
	queue  *queue.Adapter
	outbox *outbox.Store
	audit  *auditlog.Logger
	log    *zap.Logger
	server *http.Server
}

func New(cfg config.AdminAPI, q *queue.Adapter, ob *outbox.Store, audit *auditlog.Logger, log *zap.Logger) *Server {
	s := &Server{cfg: cfg, queue: q, outbox: ob, audit: audit, log: log}
	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/queues/{priority}/peek", s.handlePeek).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/dead-letter/purge", s.handlePurgeDeadLetter).Methods(http.MethodPost)
	return r
}

func (s *Server) Start() error {
	s.log.Info("admin api listening", zap.String("addr", s.cfg.ListenAddr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type statsResponse struct {
	Queues        map[string]int64 `json:"queues"`
	OutboxPending int              `json:"outbox_pending"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	qstats, err := s.queue.Stats(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	pending, err := s.outbox.PendingCount(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, statsResponse{Queues: qstats, OutboxPending: pending})
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	priority := mux.Vars(r)["priority"]
	n := int64(10)
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			n = parsed
		}
	}
	items, err := s.queue.Peek(r.Context(), priority, n)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, map[string]any{"priority": priority, "items": items})
}

func (s *Server) handlePurgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.PurgeDeadLetter(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if logErr := s.audit.Log(auditlog.Entry{
		Actor:  r.Header.Get("X-Operator"),
		Action: "purge_dead_letter",
		Target: "dead_letter_list",
		Detail: strconv.FormatInt(n, 10) + " jobs purged",
	}); logErr != nil {
		s.log.Warn("audit log write failed", zap.Error(logErr))
	}
	s.writeJSON(w, map[string]any{"purged": n})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
