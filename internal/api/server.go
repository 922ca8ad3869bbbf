package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tender-pipeline/internal/logx"
	"tender-pipeline/internal/models"
	"tender-pipeline/internal/queue"
	"tender-pipeline/internal/store"
	"tender-pipeline/internal/telemetry"
)

// QueueInspector is the read side of the queue router.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	DLQPeek(ctx context.Context, count int64) ([]queue.DeadLetter, error)
}

// Limiter throttles API clients.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the read-only operator API.
type Server struct {
	store   store.Store
	queue   QueueInspector
	limiter Limiter
	log     logx.Logger
}

// New constructs the API server. limiter may be nil.
func New(st store.Store, q QueueInspector, limiter Limiter, log logx.Logger) *Server {
	return &Server{
		store:   st,
		queue:   q,
		limiter: limiter,
		log:     log.With(logx.String("component", "api")),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/tenders", s.handleListTenders)
		r.Get("/tenders/stats", s.handleStageCounts)
		r.Get("/tenders/{fingerprint}", s.handleGetTender)
		r.Get("/queues", s.handleQueues)
		r.Get("/dlq", s.handleDLQ)
		r.Get("/schedule", s.handleSchedule)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTenders(w http.ResponseWriter, r *http.Request) {
	stage, ok := models.ParseStage(r.URL.Query().Get("stage"))
	if !ok {
		http.Error(w, "stage is required and must be a known stage", http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.store.ListByStage(r.Context(), stage, limit)
	if err != nil {
		s.log.Error("list tenders failed", logx.Err(err))
		http.Error(w, "failed to list tenders", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStageCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStage(r.Context())
	if err != nil {
		s.log.Error("count tenders failed", logx.Err(err))
		http.Error(w, "failed to count tenders", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

type tenderResponse struct {
	models.TenderItem
	Audit []models.AuditLog `json:"audit"`
}

func (s *Server) handleGetTender(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	item, err := s.store.Get(r.Context(), fp)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "tender not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("get tender failed", logx.Err(err), logx.String("fingerprint", fp))
		http.Error(w, "failed to load tender", http.StatusInternalServerError)
		return
	}
	audit, err := s.store.ListAudit(r.Context(), fp, 100)
	if err != nil {
		s.log.Warn("list audit failed", logx.Err(err), logx.String("fingerprint", fp))
	}
	writeJSON(w, http.StatusOK, tenderResponse{TenderItem: item, Audit: audit})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to read queues", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDLQ returns dead-lettered sweep jobs.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.LoadScheduleState(r.Context())
	if err != nil {
		http.Error(w, "failed to load schedule state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:api:"+clientFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
