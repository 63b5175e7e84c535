// Package app wires configuration into a running research service. Both the
// HTTP server and the CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/deep-research/internal/api"
	"github.com/ashureev/deep-research/internal/config"
	"github.com/ashureev/deep-research/internal/graph"
	"github.com/ashureev/deep-research/internal/llm"
	"github.com/ashureev/deep-research/internal/middleware"
	"github.com/ashureev/deep-research/internal/research"
	"github.com/ashureev/deep-research/internal/runlog"
	"github.com/ashureev/deep-research/internal/search"
	"github.com/ashureev/deep-research/internal/store"
)

// App holds the long-lived components of a research deployment.
type App struct {
	Config  *config.Config
	Store   store.Repository
	RunLog  runlog.Logger
	Service *research.Service

	logger  *slog.Logger
	closers []func() error
}

type providers struct {
	model  llm.TextCompletion
	writer llm.TextCompletion
	search search.WebSearch
}

// Option overrides a component New would otherwise build from configuration.
type Option func(*providers)

// WithTextCompletion supplies the planning model and the report writer.
// A nil writer reuses model.
func WithTextCompletion(model, writer llm.TextCompletion) Option {
	return func(p *providers) {
		p.model = model
		p.writer = writer
		if writer == nil {
			p.writer = model
		}
	}
}

// WithWebSearch supplies the search provider.
func WithWebSearch(ws search.WebSearch) Option {
	return func(p *providers) { p.search = ws }
}

// New builds the store, providers, prompts, workflow, run log and service.
// Call Close to release them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}

	var p providers
	for _, opt := range opts {
		opt(&p)
	}

	repo, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a.Store = repo
	a.closers = append(a.closers, repo.Close)
	if err := repo.Ping(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("checkpoint store health check: %w", err)
	}

	if err := a.buildProviders(&p); err != nil {
		_ = a.Close()
		return nil, err
	}

	prompts, err := research.LoadPrompts(cfg.Research.PromptsFile)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	nodes, err := research.NewNodes(research.Deps{
		Model:   p.model,
		Writer:  p.writer,
		Search:  p.search,
		Prompts: prompts,
		Logger:  logger,
	}, research.Options{
		MaxResults:   cfg.Search.MaxResults,
		Parallelism:  cfg.Research.SearchParallelism,
		PlanPolicy:   research.PlanPolicy(cfg.Research.PlanPolicy),
		DedupQueries: cfg.Research.DedupQueries,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	workflow, err := research.NewWorkflow(nodes, repo,
		graph.WithLogger(logger),
		graph.WithMaxSteps(cfg.Research.MaxSteps),
		graph.WithNodeTimeout(cfg.Research.NodeTimeout),
	)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("compile workflow: %w", err)
	}

	rl, err := runlog.New(cfg.RunLog, logger)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("initialize run log: %w", err)
	}
	a.RunLog = rl
	// The run log must drain before the store closes.
	a.closers = append(a.closers, rl.Close)

	a.Service = research.NewService(workflow, repo, rl, logger)
	logger.Info("Research service ready",
		"store", cfg.Store.Backend,
		"llm_provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"search_provider", cfg.Search.Provider,
		"plan_policy", cfg.Research.PlanPolicy,
	)
	return a, nil
}

func openStore(cfg config.StoreConfig) (store.Repository, error) {
	switch cfg.Backend {
	case "file":
		repo, err := store.NewFile(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("initialize file store: %w", err)
		}
		return repo, nil
	case "sqlite", "":
		repo, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("initialize database: %w", err)
		}
		return repo, nil
	default:
		return nil, &config.ConfigurationError{Err: fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)}
	}
}

func (a *App) buildProviders(p *providers) error {
	cfg := a.Config
	if p.model == nil {
		model, writer, err := a.buildTextCompletion()
		if err != nil {
			return err
		}
		p.model, p.writer = model, writer
	}
	if p.search == nil {
		ws, err := buildSearch(cfg.Search)
		if err != nil {
			return err
		}
		p.search = ws
	}

	retry := llm.RetryConfig{MaxRetries: cfg.LLM.MaxRetries}
	p.model = llm.WithRetry(llm.WithRateLimit(p.model, cfg.LLM.RequestsPerSecond, 1), retry, a.logger)
	p.writer = llm.WithRetry(llm.WithRateLimit(p.writer, cfg.LLM.RequestsPerSecond, 1), retry, a.logger)
	p.search = search.WithRetry(
		search.WithRateLimit(p.search, cfg.Search.RequestsPerSecond, max(1, cfg.Research.SearchParallelism)),
		cfg.Search.MaxRetries, 500*time.Millisecond, a.logger)
	return nil
}

func (a *App) buildTextCompletion() (llm.TextCompletion, llm.TextCompletion, error) {
	cfg := a.Config.LLM
	reportModel := cfg.ReportModel
	if reportModel == "" {
		reportModel = cfg.Model
	}

	switch cfg.Provider {
	case "grpc":
		model, err := llm.NewGRPCClient(llm.GRPCConfig{Address: cfg.SidecarAddr, Model: cfg.Model, Temperature: cfg.Temperature}, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect model sidecar: %w", err)
		}
		a.closers = append(a.closers, closeFunc(model.Close))
		writer, err := llm.NewGRPCClient(llm.GRPCConfig{Address: cfg.SidecarAddr, Model: reportModel, Temperature: cfg.ReportTemperature}, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect report sidecar: %w", err)
		}
		a.closers = append(a.closers, closeFunc(writer.Close))
		return model, writer, nil
	case "openai", "":
		model, err := llm.NewOpenAI(llm.OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, Temperature: cfg.Temperature})
		if err != nil {
			return nil, nil, &config.ConfigurationError{Err: err}
		}
		writer, err := llm.NewOpenAI(llm.OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: reportModel, Temperature: cfg.ReportTemperature})
		if err != nil {
			return nil, nil, &config.ConfigurationError{Err: err}
		}
		return model, writer, nil
	default:
		return nil, nil, &config.ConfigurationError{Err: fmt.Errorf("unknown LLM provider %q", cfg.Provider)}
	}
}

func buildSearch(cfg config.SearchConfig) (search.WebSearch, error) {
	switch cfg.Provider {
	case "tavily", "":
		ws, err := search.NewTavily(search.TavilyConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Depth: cfg.Depth})
		if err != nil {
			return nil, &config.ConfigurationError{Missing: []string{"TAVILY_API_KEY"}, Err: err}
		}
		return ws, nil
	default:
		return nil, &config.ConfigurationError{Err: fmt.Errorf("unknown search provider %q", cfg.Provider)}
	}
}

func closeFunc(fn func()) func() error {
	return func() error {
		fn()
		return nil
	}
}

// StartBackground launches the retention sweeper. It stops with ctx.
func (a *App) StartBackground(ctx context.Context) {
	store.StartTTLWorker(ctx, a.Store, a.Config.Store.RunTTL, a.Config.Store.SweepInterval, func(deleted int64) {
		a.logger.Info("Expired runs removed", "count", deleted)
	})
}

// Router builds the HTTP surface. The per-owner rate limiter evicts idle
// keys until ctx ends.
func (a *App) Router(ctx context.Context) http.Handler {
	srv := a.Config.Server
	h := api.NewHandler(a.Service, api.Options{
		KeepAlive:          srv.SSEKeepalive,
		MaxRequestBodySize: srv.MaxRequestBodySize,
		AllowedOrigins:     srv.CORSAllowedOrigins,
		Logger:             a.logger,
	})
	health := api.NewHealthHandler(a.Store, 2*time.Second)

	var limiter *middleware.RateLimiter
	if srv.RateLimitRequests > 0 && srv.RateLimitWindow > 0 {
		limiter = middleware.NewRateLimiter(srv.RateLimitRequests, srv.RateLimitWindow)
		go limiter.RunEviction(ctx)
	}
	return api.NewRouter(h, health, api.RouterOptions{
		CORSAllowedOrigins: srv.CORSAllowedOrigins,
		IsDevelopment:      a.Config.IsDevelopment(),
		RateLimiter:        limiter,
	})
}

// Close releases everything New opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewLogger returns a JSON slog logger writing to w at the named level
// (debug, info, warn or error).
func NewLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}
