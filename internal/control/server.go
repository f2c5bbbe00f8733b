package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tenderops/classipipe/internal/core/domain"
	"github.com/tenderops/classipipe/internal/infra/enrich"
	"github.com/tenderops/classipipe/internal/infra/storage"
	"github.com/tenderops/classipipe/internal/pipeline/migrate"
)

// Server provides the HTTP control API.
type Server struct {
	app    *App
	server *http.Server
}

// NewServer creates the control API server.
func NewServer(app *App, port int, apiKey string) *Server {
	mux := http.NewServeMux()
	s := &Server{
		app: app,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: withAPIKey(apiKey, mux),
		},
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/migration/start", s.handleMigrationStart)
	mux.HandleFunc("POST /api/migration/{id}/pause", s.handleMigrationPause)
	mux.HandleFunc("POST /api/migration/{id}/resume", s.handleMigrationResume)
	mux.HandleFunc("GET /api/migration/{id}", s.handleMigrationGet)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/workers", s.handleWorkers)
	mux.HandleFunc("POST /api/records/reset-failed", s.handleResetFailed)
	mux.HandleFunc("POST /api/classify", s.handleClassify)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// withAPIKey rejects requests without the configured key. Health and metrics
// stay open for probes and scrapers.
func withAPIKey(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key == "" || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != key {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.app.Health(r.Context()); err != nil {
		status = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) handleMigrationStart(w http.ResponseWriter, r *http.Request) {
	job, err := s.app.Migrator().Start(r.Context())
	if errors.Is(err, storage.ErrJobAlreadyRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Drive the job in the background; the API call only creates it.
	go func() {
		if err := s.app.Migrator().Run(context.Background(), job.JobID); err != nil &&
			!errors.Is(err, migrate.ErrLockHeld) {
			s.app.log.Error("migration run failed", "job_id", job.JobID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, jobResponse(job))
}

func (s *Server) handleMigrationPause(w http.ResponseWriter, r *http.Request) {
	s.transitionJob(w, r, s.app.Migrator().Pause)
}

func (s *Server) handleMigrationResume(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.app.Migrator().Resume(r.Context(), jobID); err != nil {
		s.writeJobError(w, err)
		return
	}

	go func() {
		if err := s.app.Migrator().Run(context.Background(), jobID); err != nil &&
			!errors.Is(err, migrate.ErrLockHeld) {
			s.app.log.Error("migration run failed", "job_id", jobID, "error", err)
		}
	}()

	s.respondJob(w, r, jobID)
}

func (s *Server) transitionJob(
	w http.ResponseWriter,
	r *http.Request,
	fn func(context.Context, string) error,
) {
	jobID := r.PathValue("id")
	if err := fn(r.Context(), jobID); err != nil {
		s.writeJobError(w, err)
		return
	}
	s.respondJob(w, r, jobID)
}

func (s *Server) respondJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.app.Migrator().Job(r.Context(), jobID)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

func (s *Server) handleMigrationGet(w http.ResponseWriter, r *http.Request) {
	s.respondJob(w, r, r.PathValue("id"))
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleStats reports record counts per status with percentages, per-collection
// counts, and the shared coordination counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.app.Records().CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	collections, err := s.app.Records().CollectionCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var total int64
	for _, n := range counts {
		total += n
	}

	statuses := make(map[string]map[string]any, len(counts))
	for status, n := range counts {
		pct := 0.0
		if total > 0 {
			pct = float64(n) / float64(total) * 100
		}
		statuses[string(status)] = map[string]any{
			"count":      n,
			"percentage": fmt.Sprintf("%.2f", pct),
		}
	}

	resp := map[string]any{
		"total":       total,
		"statuses":    statuses,
		"collections": collections,
	}

	if counters, err := s.app.Coord().Stats(r.Context()); err == nil {
		resp["counters"] = counters
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleWorkers reports workers currently holding processing records. A worker
// counts as active while it touched a record within the last five minutes.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.app.Records().ActiveWorkers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	cutoff := time.Now().Add(-5 * time.Minute)
	out := make([]map[string]any, 0, len(workers))
	for _, wk := range workers {
		out = append(out, map[string]any{
			"worker_id":  wk.WorkerID,
			"processing": wk.Processing,
			"last_seen":  wk.LastSeen,
			"active":     wk.LastSeen.After(cutoff),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": out})
}

// handleClassify classifies the submitted items synchronously through both
// stages, without touching the record store. Meant for ad-hoc requests over
// items that have no final code yet.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []enrich.Item `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "no items to classify")
		return
	}

	results, err := s.app.ClassifyAdHoc(r.Context(), req.Items)
	if err != nil {
		switch {
		case enrich.IsPermanent(err):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleResetFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.app.Records().ResetFailed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}

func jobResponse(job *domain.MigrationJob) map[string]any {
	return map[string]any{
		"job_id":            job.JobID,
		"state":             string(job.State),
		"source_collection": job.SourceCollection,
		"total_records":     job.TotalRecords,
		"migrated_records":  job.MigratedRecords,
		"cursor":            job.Cursor,
		"created_at":        job.CreatedAt,
		"completed_at":      job.CompletedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
