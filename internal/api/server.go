// Package api serves the operational HTTP surface: health, idea status,
// active configurations, run history, run triggering, breaker states and
// pipeline metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/monitoring"
	"github.com/sells-group/idea-eval/internal/pipeline"
	"github.com/sells-group/idea-eval/internal/store"
)

// Store is the read side the API needs.
type Store interface {
	LoadIdea(ctx context.Context, id string) (*model.Idea, error)
	ListIdeas(ctx context.Context, filter store.IdeaFilter) ([]model.Idea, error)
	GetActiveModelConfig(ctx context.Context, purpose model.Purpose) (*model.ModelConfig, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Runner starts a batch run.
type Runner interface {
	Run(ctx context.Context, opts pipeline.RunOptions) (*model.Run, error)
}

// BreakerReporter exposes circuit breaker states keyed by configuration.
type BreakerReporter interface {
	BreakerStates() map[string]string
}

// HealthCollector summarizes recent pipeline health.
type HealthCollector interface {
	Collect(ctx context.Context, lookback int) (*monitoring.Snapshot, error)
}

// Options configures a Server. Health may be nil, in which case /metrics
// is not served.
type Options struct {
	Store          Store
	Runner         Runner
	Breakers       BreakerReporter
	Health         HealthCollector
	LookbackRuns   int
	RunDefaults    pipeline.RunOptions
	AllowedOrigins []string
}

// Server handles API requests. Runs triggered over HTTP execute on the
// context passed to New, not the request context.
type Server struct {
	opts    Options
	baseCtx context.Context
	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Server. ctx bounds runs started through the API.
func New(ctx context.Context, opts Options) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{opts: opts, baseCtx: ctx}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/ideas", func(r chi.Router) {
		r.Get("/", s.handleListIdeas)
		r.Get("/{id}", s.handleGetIdea)
	})
	r.Get("/configs/active", s.handleActiveConfigs)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleStartRun)
	})
	r.Get("/breakers", s.handleBreakers)
	if s.opts.Health != nil {
		r.Get("/metrics", s.handleMetrics)
	}
	return r
}

// Wait blocks until runs started through the API have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListIdeas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.IdeaFilter{
		Limit:  queryInt(q.Get("limit")),
		Offset: queryInt(q.Get("offset")),
	}
	if v := q.Get("stage"); v != "" {
		stage, ok := model.ParseStage(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown stage "+strconv.Quote(v))
			return
		}
		filter.Stages = []model.Stage{stage}
	}
	if v := q.Get("status"); v != "" {
		filter.Statuses = []model.StageStatus{model.StageStatus(v)}
		if len(filter.Stages) == 0 {
			filter.Stages = model.Stages
		}
	}

	ideas, err := s.opts.Store.ListIdeas(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list ideas", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list ideas")
		return
	}
	out := make([]IdeaStatus, 0, len(ideas))
	for i := range ideas {
		out = append(out, NewIdeaStatus(&ideas[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetIdea(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	idea, err := s.opts.Store.LoadIdea(r.Context(), id)
	switch {
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, "idea "+id+" not found")
		return
	case err != nil:
		zap.L().Error("api: load idea", zap.String("idea_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load idea")
		return
	}
	writeJSON(w, http.StatusOK, NewIdeaStatus(idea))
}

func (s *Server) handleActiveConfigs(w http.ResponseWriter, r *http.Request) {
	out := make(map[model.Purpose]*ConfigView, 2)
	for _, purpose := range []model.Purpose{model.PurposeEvaluation, model.PurposeVerification} {
		cfg, err := s.opts.Store.GetActiveModelConfig(r.Context(), purpose)
		if err != nil {
			zap.L().Error("api: active config", zap.String("purpose", string(purpose)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load active configs")
			return
		}
		out[purpose] = NewConfigView(cfg)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := s.opts.Store.ListRuns(r.Context(), store.RunFilter{
		Status: model.RunStatus(q.Get("status")),
		Limit:  queryInt(q.Get("limit")),
		Offset: queryInt(q.Get("offset")),
	})
	if err != nil {
		zap.L().Error("api: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// RunRequest overrides the configured run defaults. Nil fields keep the
// default.
type RunRequest struct {
	Limit       *int  `json:"limit,omitempty"`
	Workers     *int  `json:"workers,omitempty"`
	Verify      *bool `json:"verify,omitempty"`
	RetryFailed *bool `json:"retry_failed,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	opts := s.opts.RunDefaults
	if req.Limit != nil {
		opts.Limit = *req.Limit
	}
	if req.Workers != nil {
		opts.Workers = *req.Workers
	}
	if req.Verify != nil {
		opts.Verify = *req.Verify
	}
	if req.RetryFailed != nil {
		opts.RetryFailed = *req.RetryFailed
	}

	if !s.running.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)

		run, err := s.opts.Runner.Run(s.baseCtx, opts)
		if err != nil {
			zap.L().Error("api: triggered run failed", zap.Error(err))
			return
		}
		zap.L().Info("api: triggered run complete",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"options": opts,
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	states := map[string]string{}
	if s.opts.Breakers != nil {
		states = s.opts.Breakers.BreakerStates()
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	lookback := s.opts.LookbackRuns
	if n := queryInt(r.URL.Query().Get("runs")); n > 0 {
		lookback = n
	}
	snap, err := s.opts.Health.Collect(r.Context(), lookback)
	if err != nil {
		zap.L().Error("api: collect metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to collect metrics")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
