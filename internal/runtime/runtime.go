// Package runtime assembles the benchmark from configuration: provider,
// tools, topology registry, stores and writers. The CLI and the HTTP control
// surface both drive runs through a Runtime.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/matchbench/internal/agent"
	"github.com/tjfontaine/matchbench/internal/artifact"
	"github.com/tjfontaine/matchbench/internal/capacity"
	"github.com/tjfontaine/matchbench/internal/config"
	"github.com/tjfontaine/matchbench/internal/conversation"
	"github.com/tjfontaine/matchbench/internal/dataset"
	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/phase"
	"github.com/tjfontaine/matchbench/internal/provider"
	"github.com/tjfontaine/matchbench/internal/runs"
	"github.com/tjfontaine/matchbench/internal/server"
	"github.com/tjfontaine/matchbench/internal/storage"
	"github.com/tjfontaine/matchbench/internal/storage/memory"
	"github.com/tjfontaine/matchbench/internal/storage/sqldb"
	"github.com/tjfontaine/matchbench/internal/timing"
	"github.com/tjfontaine/matchbench/internal/tokens"
	"github.com/tjfontaine/matchbench/internal/tools/incentives"
	"github.com/tjfontaine/matchbench/internal/topology"
	"github.com/tjfontaine/matchbench/internal/workflow"
)

// Runtime owns every long-lived component of the benchmark. It can be
// embedded in a larger program or driven by cmd/matchbench.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	provider    domain.ChatProvider
	httpClient  *http.Client
	extraTools  []agent.Tool
	tools       *agent.Toolbox
	counter     *tokens.Registry
	topologies  *topology.Registry
	artifacts   *artifact.Store
	transcripts storage.TranscriptStore
	sql         *sqldb.Store

	mu            sync.Mutex
	capacity      capacity.Store
	capacityPath  string
	capacityFixed bool

	runs   *runs.Manager
	server *server.Server
	cancel context.CancelFunc
}

// New assembles a Runtime from cfg. Nothing talks to the network until the
// first run.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, domain.ErrConfiguration("runtime: configuration is required")
	}
	r := &Runtime{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	r.counter = tokens.NewDefaultRegistry()
	r.artifacts = artifact.NewStore(r.logger)
	r.topologies = topology.NewRegistry(cfg.Run.ConstellationDir, r.logger)

	if err := r.initTools(); err != nil {
		return nil, err
	}
	if err := r.initStorage(); err != nil {
		return nil, err
	}

	r.runs = runs.NewManager(r.Run, runs.WithLogger(r.logger))
	return r, nil
}

func (r *Runtime) initTools() error {
	inc := r.cfg.Tools.Incentives
	opts := []incentives.Option{
		incentives.WithBaseURL(inc.BaseURL),
		incentives.WithTimeout(inc.Timeout),
		incentives.WithCacheSize(inc.CacheSize),
		incentives.WithLogger(r.logger),
	}
	switch {
	case r.httpClient != nil:
		opts = append(opts, incentives.WithHTTPClient(r.httpClient))
	case inc.AllowPrivate:
		opts = append(opts, incentives.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}))
	}
	tool, err := incentives.New(inc.APIKey, opts...)
	if err != nil {
		return fmt.Errorf("create %s tool: %w", incentives.Name, err)
	}

	r.tools = agent.NewToolbox(tool)
	for _, t := range r.extraTools {
		r.tools.Register(t)
	}
	return nil
}

func (r *Runtime) initStorage() error {
	st := r.cfg.Storage
	switch st.Type {
	case "sqlite", "postgres":
		store, err := sqldb.New(sqldb.Config{Driver: st.Type, DSN: st.DSN})
		if err != nil {
			return fmt.Errorf("open %s storage: %w", st.Type, err)
		}
		r.sql = store
		if r.transcripts == nil {
			r.transcripts = store
		}
		if r.capacity == nil {
			r.capacity = store.Capacity()
			r.capacityFixed = true
		}
		r.logger.Info("using SQL storage", slog.String("type", st.Type))
	default:
		if r.transcripts == nil {
			r.transcripts = memory.New()
		}
		r.logger.Debug("using local storage", slog.String("type", st.Type))
	}
	return nil
}

// Config returns the configuration the runtime was built with.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Runs returns the background run manager used by the control surface.
func (r *Runtime) Runs() *runs.Manager { return r.runs }

// Transcripts returns the conversation archive.
func (r *Runtime) Transcripts() storage.TranscriptStore { return r.transcripts }

// Tools returns the registered agent tools.
func (r *Runtime) Tools() *agent.Toolbox { return r.tools }

// Constellations lists the constellation documents available to runs.
func (r *Runtime) Constellations() ([]string, error) {
	return r.topologies.Names()
}

// Constellation loads and validates the named constellation and resolves
// its prompts. Every problem is reported in one error.
func (r *Runtime) Constellation(name string) (*topology.Constellation, map[string]string, error) {
	c, err := r.topologies.Get(name)
	if err != nil {
		return nil, nil, err
	}
	src := topology.NewDirSource(r.cfg.Run.PromptsDir, r.cfg.Run.BusinessLine, c.PromptVariant)
	if err := c.Validate(src, r.tools.Names()); err != nil {
		return nil, nil, err
	}
	prompts, err := topology.LoadPrompts(c, src)
	if err != nil {
		return nil, nil, err
	}
	return c, prompts, nil
}

func (r *Runtime) chatProvider() (domain.ChatProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.provider != nil {
		return r.provider, nil
	}
	opts := []provider.Option{provider.WithLogger(r.logger)}
	if r.httpClient != nil {
		opts = append(opts, provider.WithHTTPClient(r.httpClient))
	}
	p, err := provider.New(r.cfg.Provider, opts...)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	r.provider = p
	return p, nil
}

// plan is a run request resolved against configuration.
type plan struct {
	constellation string
	inputs        dataset.Paths
	capacity      string
	matches       string
	orders        string
	stats         string
	maxItems      int
}

func (r *Runtime) resolve(req runs.Request) (*plan, error) {
	run := r.cfg.Run
	p := &plan{
		constellation: firstNonEmpty(req.Constellation, run.Constellation),
		inputs: dataset.Paths{
			Registrations: run.Registrations,
			Offers:        run.Offers,
			Incentives:    run.Incentives,
		},
		capacity: run.Capacity,
		maxItems: run.MaxItems,
	}
	if p.constellation == "" {
		return nil, domain.ErrConfiguration("no constellation selected")
	}

	model := r.cfg.Provider.Model
	p.matches = dataset.OutputPath(run.OutputDir, run.BusinessLine, p.constellation, model, "matches.json")
	p.orders = dataset.OutputPath(run.OutputDir, run.BusinessLine, p.constellation, model, "pos.json")
	p.stats = dataset.OutputPath(run.OutputDir, run.BusinessLine, p.constellation, model, "stats.csv")

	if path := firstNonEmpty(req.Scenario, run.Scenario); path != "" {
		sc, err := dataset.LoadScenario(path)
		if err != nil {
			return nil, domain.ErrConfiguration(fmt.Sprintf("scenario %s: %v", path, err)).WithCause(err)
		}
		p.inputs = sc.Paths()
		if sc.Capacity != "" {
			p.capacity = sc.Capacity
		}
		p.matches = firstNonEmpty(sc.Output.Matches, p.matches)
		p.orders = firstNonEmpty(sc.Output.POs, p.orders)
		p.stats = firstNonEmpty(sc.Output.Stats, p.stats)
	}

	p.inputs.Registrations = firstNonEmpty(req.Registrations, p.inputs.Registrations)
	p.inputs.Offers = firstNonEmpty(req.Offers, p.inputs.Offers)
	p.inputs.Incentives = firstNonEmpty(req.Incentives, p.inputs.Incentives)
	if req.MaxItems > 0 {
		p.maxItems = req.MaxItems
	}
	if p.capacity == "" {
		p.capacity = r.defaultCapacityPath()
	}
	return p, nil
}

// Run executes one benchmark run. It has the runs.Executor signature so the
// control surface can start runs in the background.
func (r *Runtime) Run(ctx context.Context, runID string, req runs.Request) (*workflow.Summary, error) {
	p, err := r.resolve(req)
	if err != nil {
		return nil, err
	}
	c, prompts, err := r.Constellation(p.constellation)
	if err != nil {
		return nil, err
	}
	chat, err := r.chatProvider()
	if err != nil {
		return nil, err
	}

	in, err := dataset.Load(ctx, p.inputs)
	if err != nil {
		var derr *domain.Error
		if errors.As(err, &derr) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domain.ErrConfiguration(fmt.Sprintf("load inputs: %v", err)).WithCause(err)
	}

	store, err := r.capacityStore(ctx, p.capacity, in.Catalog.Offers)
	if err != nil {
		return nil, err
	}
	if r.cfg.Run.ResetCapacity {
		if err := store.Reset(ctx, in.Catalog.Offers); err != nil {
			return nil, fmt.Errorf("reset capacity: %w", err)
		}
		r.logger.Info("capacity reset from offers", slog.Int("suppliers", len(in.Catalog.Offers)))
	}

	model := r.cfg.Provider.Model
	writer := artifact.NewBatchWriter(r.artifacts, r.cfg.Run.BatchSize)
	runner, err := phase.New(phase.Config{
		Capacity:  store,
		Catalog:   in.Catalog,
		Artifacts: writer,
		Outputs:   phase.Outputs{Matches: p.matches, Orders: p.orders},
		Cast: &phase.Cast{
			Provider: chat,
			Model:    model,
			Prompts:  prompts,
			Tools:    r.tools,
			Logger:   r.logger,
		},
		Transcripts: r.transcripts,
		Conversation: []conversation.Option{
			conversation.WithMaxMessages(r.cfg.Run.MaxMessages),
			conversation.WithTokenLimit(r.counter, model, r.cfg.Run.TokenLimit),
			conversation.WithLogger(r.logger),
		},
		Logger: r.logger,
	})
	if err != nil {
		return nil, err
	}

	engine, err := workflow.New(workflow.Config{
		Constellation:           c,
		Runner:                  runner,
		Artifacts:               writer,
		Report:                  timing.NewReport(p.stats, c.TimingColumns),
		MaxItems:                p.maxItems,
		Concurrency:             r.cfg.Run.Concurrency,
		RollbackOnPhase2Failure: r.cfg.Run.RollbackOnPhase2Failure,
		Logger:                  r.logger,
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("starting run",
		slog.String("run_id", runID),
		slog.String("constellation", c.Name),
		slog.String("model", model),
		slog.Int("registrations", len(in.Registrations)),
		slog.String("matches", p.matches),
		slog.String("orders", p.orders),
		slog.String("stats", p.stats))

	return engine.Run(ctx, runID, in.Registrations, in.Incentives)
}

// Start serves the HTTP control surface and, when configured, reloads
// edited constellation files for later runs.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if r.cfg.Server.WatchTopology {
		if err := r.topologies.Watch(ctx); err != nil {
			r.logger.Warn("constellation watch disabled", slog.String("error", err.Error()))
		}
	}

	r.server = server.New(server.Config{
		Port:           r.cfg.Server.Port,
		RequestTimeout: r.cfg.Server.RequestTimeout,
		Backend:        r,
		Runs:           r.runs,
		Transcripts:    r.transcripts,
		Logger:         r.logger,
	})
	if err := r.server.Start(); err != nil {
		cancel()
		return fmt.Errorf("start server: %w", err)
	}
	r.logger.Info("matchbench serving", slog.Int("port", r.cfg.Server.Port))
	return nil
}

// Shutdown stops the server, cancels active runs and releases every store.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down")
	var errs []error
	if r.server != nil {
		if err := r.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
	}
	if err := r.runs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop runs: %w", err))
	}
	if r.cancel != nil {
		r.cancel()
	}
	if err := r.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases the stores and the topology watcher.
func (r *Runtime) Close() error {
	var errs []error
	if err := r.topologies.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close topology watcher: %w", err))
	}

	r.mu.Lock()
	if r.capacity != nil && !r.capacityFixed {
		if err := r.capacity.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close capacity store: %w", err))
		}
		r.capacity = nil
	}
	r.mu.Unlock()

	if r.transcripts != nil {
		if err := r.transcripts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transcripts: %w", err))
		}
	}
	// The SQL store doubles as the transcript archive unless one was injected.
	if r.sql != nil && r.transcripts != storage.TranscriptStore(r.sql) {
		if err := r.sql.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close SQL storage: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) defaultCapacityPath() string {
	return filepath.Join(r.cfg.Run.OutputDir, r.cfg.Run.BusinessLine+"_capacity.json")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
