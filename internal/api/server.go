// Package api exposes the operational HTTP surface: health, queue
// statistics, email job status/retry, and the public unsubscribe
// endpoint.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/emberline/dripflow/internal/dispatch"
	"github.com/emberline/dripflow/internal/emailqueue"
	"github.com/emberline/dripflow/internal/pkg/logger"
	"github.com/emberline/dripflow/internal/queue"
	"github.com/emberline/dripflow/internal/sequence"
)

// Server bundles the handlers' dependencies.
type Server struct {
	queues *queue.Manager
	emails *emailqueue.Service
	db     sequence.DatabaseService
	signer *dispatch.UnsubSigner
	log    *logger.Logger
}

// NewServer builds the API server.
func NewServer(queues *queue.Manager, emails *emailqueue.Service, db sequence.DatabaseService, signer *dispatch.UnsubSigner) *Server {
	return &Server{
		queues: queues,
		emails: emails,
		db:     db,
		signer: signer,
		log:    logger.With("api"),
	}
}

// Routes builds the router.
func (s *Server) Routes(allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/unsubscribe", s.handleUnsubscribe)

	r.Route("/api", func(r chi.Router) {
		r.Get("/queues/stats", s.handleQueueStats)
		r.Get("/queues/{queue}/jobs/{jobID}", s.handleJobStatus)
		r.Post("/queues/{queue}/jobs/{jobID}/retry", s.handleJobRetry)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleQueueStats reports per-queue counters plus totals.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queues.AllStats(r.Context())
	if err != nil {
		s.log.Error("queue stats failed", "error", err)
		writeJSONError(w, "queue stats unavailable", http.StatusServiceUnavailable)
		return
	}

	var totals queue.Stats
	for _, qs := range stats {
		totals.Waiting += qs.Waiting
		totals.Active += qs.Active
		totals.Completed += qs.Completed
		totals.Failed += qs.Failed
		totals.Delayed += qs.Delayed
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queues": stats,
		"totals": totals,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	jobID := chi.URLParam(r, "jobID")

	status, err := s.emails.GetEmailJobStatus(r.Context(), queueName, jobID)
	if err != nil {
		writeJSONError(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleJobRetry(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	jobID := chi.URLParam(r, "jobID")

	if err := s.emails.RetryEmailJob(r.Context(), queueName, jobID); err != nil {
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// handleUnsubscribe verifies the signed token and unsubscribes the
// subscriber globally, then removes them from every active sequence.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	email := r.URL.Query().Get("email")
	token := r.URL.Query().Get("token")

	if sid == "" || email == "" || token == "" {
		writeJSONError(w, "missing parameters", http.StatusBadRequest)
		return
	}
	if !s.signer.Verify(sid, email, token) {
		writeJSONError(w, "invalid token", http.StatusForbidden)
		return
	}

	ctx := r.Context()
	if err := s.db.UnsubscribeSubscriber(ctx, sid, "link_click"); err != nil {
		s.log.Error("unsubscribe failed", "subscriber_id", sid, "error", err)
		writeJSONError(w, "unsubscribe failed", http.StatusInternalServerError)
		return
	}
	if err := s.db.ExitSubscriberFromAllSequences(ctx, sid, "unsubscribed"); err != nil {
		s.log.Error("sequence exit failed", "subscriber_id", sid, "error", err)
	}

	s.log.Info("subscriber unsubscribed via link", "subscriber_id", sid, "email", email)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
