// Package api provides the segment gateway's JSON/HTTP handlers.
//
// The gateway owns saved segments and filter configuration documents,
// forwards filter execution to the upstream contact query service, and
// fronts the generative model. Every filter crossing the boundary is
// sanitized on decode and checked with segment.Validate before use.
package api

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/client"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/core/auth"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/generate"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// Repository is the persistence the gateway needs. *db.Repository satisfies it.
type Repository interface {
	GetFilterConfig(ctx context.Context, eventID types.EventID) (types.FilterConfig, error)
	PutFilterConfig(ctx context.Context, eventID types.EventID, patch types.FilterConfigPatch) (types.FilterConfig, error)
	ListSavedSegments(ctx context.Context, eventID types.EventID) ([]types.SavedSegment, error)
	GetSavedSegment(ctx context.Context, eventID types.EventID, id types.SegmentID) (types.SavedSegment, error)
	CreateSavedSegment(ctx context.Context, eventID types.EventID, in types.NewSavedSegment) (types.SavedSegment, error)
	UpdateSavedSegment(ctx context.Context, eventID types.EventID, id types.SegmentID, patch types.SavedSegmentPatch) (types.SavedSegment, error)
}

// Executor evaluates a filter against contact records. *client.Client
// pointed at the upstream query service satisfies it.
type Executor interface {
	RunSegment(ctx context.Context, eventID types.EventID, root segment.Root, opts client.RunOptions) (types.SegmentResults, error)
}

// Generator turns prompts into filters. *generate.Generator satisfies it.
type Generator interface {
	Generate(ctx context.Context, req generate.Request) (segment.Root, error)
	SuggestTitle(ctx context.Context, prompt string, root segment.Root) (string, error)
}

// Options configures a Service.
type Options struct {
	// Upstream executes filters. Nil disables run and generate.
	Upstream Executor

	// Generator backs generate and suggest-title. Nil disables generate;
	// suggest-title falls back to a described title.
	Generator Generator

	// Auth gates the /events routes. Nil disables authentication.
	Auth *auth.Authenticator

	Logger         *zap.Logger
	Registry       *prometheus.Registry
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	Now            func() time.Time
}

// Service implements the gateway routes.
// Thin orchestration layer delegating to the repository, upstream and generator.
type Service struct {
	repo     Repository
	upstream Executor
	gen      Generator
	auth     *auth.Authenticator
	logger   *zap.Logger
	validate *validator.Validate
	metrics  *metrics
	registry *prometheus.Registry
	maxBody  int64
	timeout  time.Duration
	now      func() time.Time
}

// NewService creates service instance with dependencies.
func NewService(repo Repository, opts Options) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("repo cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	return &Service{
		repo:     repo,
		upstream: opts.Upstream,
		gen:      opts.Generator,
		auth:     opts.Auth,
		logger:   opts.Logger,
		validate: validate,
		metrics:  newMetrics(opts.Registry),
		registry: opts.Registry,
		maxBody:  opts.MaxBodyBytes,
		timeout:  opts.RequestTimeout,
		now:      opts.Now,
	}, nil
}

// Routes returns the gateway router.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	if s.timeout > 0 {
		r.Use(middleware.Timeout(s.timeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/events/{eventID}/crm", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Get("/filter-config", s.getFilterConfig)
		r.Put("/filter-config", s.putFilterConfig)

		r.Post("/segments", s.runSegment)
		r.Post("/segments/generate", s.generateSegment)

		r.Get("/segments/saved", s.listSavedSegments)
		r.Post("/segments/saved", s.createSavedSegment)
		r.Post("/segments/saved/suggest-title", s.suggestTitle)
		r.Patch("/segments/saved/{segmentID}", s.updateSavedSegment)
	})
	return r
}

func eventIDParam(r *http.Request) types.EventID {
	return types.EventID(chi.URLParam(r, "eventID"))
}
