package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/fireflydesk/flydesk/internal/agent"
	"github.com/fireflydesk/flydesk/internal/agent/prompt"
	"github.com/fireflydesk/flydesk/internal/agent/routing"
	"github.com/fireflydesk/flydesk/internal/audit"
	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/callbacks"
	"github.com/fireflydesk/flydesk/internal/catalog"
	"github.com/fireflydesk/flydesk/internal/channels"
	"github.com/fireflydesk/flydesk/internal/channels/email"
	"github.com/fireflydesk/flydesk/internal/config"
	"github.com/fireflydesk/flydesk/internal/gateway"
	"github.com/fireflydesk/flydesk/internal/jobs"
	"github.com/fireflydesk/flydesk/internal/knowledge"
	"github.com/fireflydesk/flydesk/internal/knowledge/vector"
	"github.com/fireflydesk/flydesk/internal/llm"
	"github.com/fireflydesk/flydesk/internal/observability"
	"github.com/fireflydesk/flydesk/internal/ratelimit"
	"github.com/fireflydesk/flydesk/internal/storage"
	"github.com/fireflydesk/flydesk/internal/tools"
	"github.com/fireflydesk/flydesk/internal/tools/sandbox"
	"github.com/fireflydesk/flydesk/internal/workflows"
)

// serveOptions carries the serve command's flag values.
type serveOptions struct {
	configPath string
	port       int
	debug      bool
	reload     bool
}

// loadConfig reads the config file, or assembles one from FLYDESK_*
// environment variables when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

// runServe implements the serve command: load configuration, assemble
// the application, run until a shutdown signal, then drain.
func runServe(ctx context.Context, opts serveOptions) error {
	slog.Info("starting Firefly Desk gateway",
		"version", version,
		"commit", commit,
		"config", opts.configPath,
	)

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}

	level := cfg.Logging.Level
	if opts.debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"http_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"llm_provider", cfg.LLM.DefaultProvider,
		"dev_mode", cfg.DevMode,
	)

	app, err := buildApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.start(ctx); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = app.shutdown(shutdownCtx)
		return err
	}

	providers := make([]string, 0, 2)
	for _, st := range app.llms.Statuses() {
		providers = append(providers, st.Name)
	}
	logger.Info("Firefly Desk gateway started",
		"addr", app.server.Addr(),
		"providers", providers,
	)

	if opts.reload && opts.configPath != "" {
		watcher, err := watchConfig(opts.configPath, app, logger)
		if err != nil {
			logger.Warn("config reload unavailable", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	// Create a timeout context for graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("Firefly Desk gateway stopped gracefully")
	return nil
}

// app holds the assembled application. Background loops (scheduler,
// audit purger) stop when the serve context is cancelled; everything
// with buffered state is drained explicitly in shutdown.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	stores      storage.StoreSet
	redis       *redis.Client
	llms        *llm.Registry
	recorder    *audit.Recorder
	purger      *audit.Purger
	runner      *jobs.Runner
	scheduler   *workflows.Scheduler
	dispatcher  *callbacks.Dispatcher
	prompts     *prompt.Registry
	routing     *routing.Store
	server      *gateway.Server
	stopTracing func(context.Context) error
}

// buildApp wires every component from configuration. Optional pieces
// (embeddings, Redis, email) degrade to warnings; anything else that
// fails aborts startup.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	var stores storage.StoreSet
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, using in-memory stores; state is lost on restart")
		stores = storage.NewMemoryStores()
	} else {
		pgCfg := storage.DefaultPostgresConfig()
		if cfg.Database.MaxOpenConns > 0 {
			pgCfg.MaxOpenConns = cfg.Database.MaxOpenConns
		}
		if cfg.Database.MaxIdleConns > 0 {
			pgCfg.MaxIdleConns = cfg.Database.MaxIdleConns
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			pgCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		var err error
		stores, err = storage.NewPostgresStores(cfg.Database.URL, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
	}

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	env := "production"
	if cfg.DevMode {
		env = "dev"
	}
	tracer, stopTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    env,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.DevMode,
	})

	recorder := audit.NewRecorder(stores.Audit, audit.WithLogger(logger))
	purger := audit.NewPurger(stores.Audit, cfg.Audit.RetentionDays, audit.WithPurgerLogger(logger))

	llms, err := llm.NewRegistryFromConfig(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("configure llm providers: %w", err)
	}

	key := cfg.Credentials.EncryptionKey
	if key == "" {
		// Validate only allows an empty key in dev mode. Credentials
		// sealed with an ephemeral key are unreadable after restart.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate dev encryption key: %w", err)
		}
		key = hex.EncodeToString(buf)
		logger.Warn("no credential encryption key configured, using an ephemeral dev key")
	}
	cipher, err := catalog.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential cipher: %w", err)
	}
	resolver := catalog.NewAuthResolver(stores.Catalog, cipher)
	manifest := catalog.NewManifest(stores.Catalog, resolver, catalog.WithManifestLogger(logger))

	sandboxOpts := []sandbox.Option{sandbox.WithLogger(logger)}
	if cfg.Files.StoragePath != "" {
		if err := os.MkdirAll(cfg.Files.StoragePath, 0o755); err != nil {
			return nil, fmt.Errorf("create file storage dir: %w", err)
		}
		sandboxOpts = append(sandboxOpts, sandbox.WithBaseDir(cfg.Files.StoragePath))
	}
	sandboxRunner := sandbox.NewRunner(sandboxOpts...)

	var indexer *knowledge.Indexer
	var retriever *knowledge.Retriever
	embedder, err := knowledge.NewEmbedder(cfg.Embedding)
	if err != nil {
		logger.Warn("embeddings unavailable, knowledge indexing and search are disabled", "error", err)
	} else {
		vectors, err := vector.New(cfg.VectorStore, cfg.Embedding.Dimensions, stores.DB())
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
		indexer = knowledge.NewIndexer(stores.Knowledge, vectors, embedder,
			knowledge.WithIndexerLogger(logger),
			knowledge.WithIndexerMetrics(metrics),
		)
		retriever = knowledge.NewRetriever(stores.Knowledge, vectors, embedder,
			knowledge.WithRetrieverLogger(logger),
			knowledge.WithRetrieverMetrics(metrics),
			knowledge.WithRetrieverTracer(tracer),
		)
	}

	deps := tools.BuiltinDeps{
		Memories:  stores.Memories,
		Catalog:   stores.Catalog,
		Version:   version,
		StartedAt: time.Now(),
	}
	if retriever != nil {
		deps.Knowledge = retriever
	}
	builtinSrc := tools.BuiltinSource{Deps: deps}
	customSrc := tools.CustomSource{Store: stores.Catalog, Runner: sandboxRunner}

	prompts := prompt.NewRegistry()
	prompts.Apply(cfg.Prompts)
	enrichOpts := []prompt.EnricherOption{
		prompt.WithMemories(stores.Memories),
		prompt.WithKnowledgeBudget(cfg.Agent.KnowledgeMaxTokens),
		prompt.WithEnricherLogger(logger),
	}
	if retriever != nil {
		enrichOpts = append(enrichOpts, prompt.WithKnowledge(retriever))
	}
	enricher := prompt.NewEnricher(prompts,
		[]prompt.ToolSource{builtinSrc, customSrc, manifest},
		enrichOpts...,
	)

	routingStore := routing.NewStore(stores.Routing, routing.WithStoreLogger(logger))
	classifier := routing.NewLLMClassifier(llms)
	router := routing.NewRouter(routingStore, classifier,
		routing.WithRouterLogger(logger),
		routing.WithRouterMetrics(metrics),
		routing.WithRouterTracer(tracer),
	)

	execOpts := []agent.ExecutorOption{
		agent.WithRouter(router),
		agent.WithAudit(recorder),
		agent.WithMetrics(metrics),
		agent.WithTracer(tracer),
		agent.WithMaxToolsPerTurn(cfg.Agent.MaxToolsPerTurn),
		agent.WithHistoryLimit(cfg.Agent.HistoryLimit),
		agent.WithExecutorLogger(logger),
	}
	if p, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; ok && p.DefaultModel != "" {
		execOpts = append(execOpts, agent.WithDefaultModel(cfg.LLM.DefaultProvider+":"+p.DefaultModel))
	}
	executor := agent.NewExecutor(stores.Conversations, llms, enricher, execOpts...)

	runner := jobs.NewRunner(stores.Jobs,
		jobs.WithWorkers(cfg.Jobs.Workers),
		jobs.WithRunnerLogger(logger),
		jobs.WithRunnerMetrics(metrics),
	)
	if indexer != nil {
		jobs.RegisterBuiltinHandlers(runner, jobs.HandlerDeps{
			Docs:    stores.Knowledge,
			Catalog: stores.Catalog,
			Indexer: indexer,
		})
	} else {
		logger.Warn("indexing job handlers disabled, embeddings are not configured")
	}

	dispatcherOpts := []callbacks.DispatcherOption{
		callbacks.WithTimeout(cfg.Callbacks.Timeout),
		callbacks.WithDispatcherLogger(logger),
		callbacks.WithDispatcherMetrics(metrics),
	}
	if !cfg.DevMode {
		// Workflow authors choose notify URLs, so production refuses
		// targets inside the network.
		dispatcherOpts = append(dispatcherOpts, callbacks.WithPublicTargetsOnly())
	}
	dispatcher := callbacks.NewDispatcher(stores.Callbacks, dispatcherOpts...)

	// Workflow steps run under a fixed system session. Access to the
	// tools a workflow names was checked when the workflow was created.
	wfSession := &auth.Session{
		UserID:      "workflow-engine",
		DisplayName: "Workflow Engine",
		Roles:       []string{"system"},
		Permissions: []string{auth.WildcardPermission},
	}
	stepExec := workflows.SourceExecutor{
		Sources: []workflows.ToolLister{builtinSrc, customSrc, manifest},
		Session: wfSession,
	}

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	engine := workflows.NewEngine(stores.Workflows,
		workflows.WithToolExecutor(stepExec),
		workflows.WithCompleter(workflows.RegistryCompleter{Registry: llms}),
		workflows.WithNotifier(dispatcher),
		workflows.WithEngineAudit(recorder),
		workflows.WithEngineLogger(logger),
		workflows.WithEngineMetrics(metrics),
		workflows.WithEngineTracer(tracer),
		workflows.WithWebhookTTL(cfg.Workflows.WebhookTTL),
		workflows.WithCallbackSecret(cfg.Callbacks.Secret),
		workflows.WithBaseURL(fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)),
	)
	scheduler := workflows.NewScheduler(stores.Workflows, engine,
		workflows.WithPollInterval(cfg.Workflows.PollInterval),
		workflows.WithSchedulerLogger(logger),
	)

	channelRouter := channels.NewRouter(channels.WithRouterLogger(logger))
	if cfg.Channels.Email.APIURL != "" {
		channelRouter.Register(email.NewHTTPSender(
			cfg.Channels.Email.APIURL,
			cfg.Channels.Email.APIKey,
			cfg.Channels.Email.From,
			email.WithSenderLogger(logger),
		))
	}

	var limiter ratelimit.Limiter
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opt)
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.PerUser)
	} else {
		limiter = ratelimit.NewFixedWindow(cfg.RateLimit.PerUser)
	}

	verifier := auth.NewVerifier(auth.Config{
		Secret:           cfg.Auth.JWTSecret,
		TokenExpiry:      cfg.Auth.TokenExpiry,
		RolesClaim:       cfg.Auth.OIDC.RolesClaim,
		PermissionsClaim: cfg.Auth.OIDC.PermissionsClaim,
	})

	gateway.Version = version
	gwCfg := gateway.Config{
		Addr:            fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		DevMode:         cfg.DevMode,
		CORSOrigins:     cfg.Server.CORSOrigins,
		MaxAttachmentMB: cfg.Files.MaxSizeMB,
		Stores:          stores,
		Executor:        executor,
		Enricher:        enricher,
		Engine:          engine,
		Runner:          runner,
		LLMs:            llms,
		Routing:         routingStore,
		Cipher:          cipher,
		Verifier:        verifier,
		Limiter:         limiter,
		Channels:        channelRouter,
		Recorder:        recorder,
		Metrics:         metrics,
		Tracer:          tracer,
		PromRegistry:    promReg,
		Logger:          logger,
	}
	if indexer != nil {
		gwCfg.Index = indexer
	}
	server, err := gateway.NewServer(gwCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		stores:      stores,
		redis:       redisClient,
		llms:        llms,
		recorder:    recorder,
		purger:      purger,
		runner:      runner,
		scheduler:   scheduler,
		dispatcher:  dispatcher,
		prompts:     prompts,
		routing:     routingStore,
		server:      server,
		stopTracing: stopTracing,
	}, nil
}

// start launches the background loops and binds the HTTP listener.
func (a *app) start(ctx context.Context) error {
	if err := a.runner.Start(ctx); err != nil {
		return fmt.Errorf("start job runner: %w", err)
	}
	go a.scheduler.Run(ctx)
	go a.purger.Run(ctx)
	return a.server.Start(ctx)
}

// shutdown drains in dependency order: stop accepting requests, finish
// running jobs, flush callbacks and audit buffers, then close the
// stores everything writes to.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.runner.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("job runner: %w", err))
	}
	a.dispatcher.Close()
	if err := a.recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit recorder: %w", err))
	}
	if err := a.stopTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace exporter: %w", err))
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if err := a.stores.Close(); err != nil {
		errs = append(errs, fmt.Errorf("stores: %w", err))
	}
	return errors.Join(errs...)
}

// applyConfig installs the parts of a reloaded configuration that are
// safe to swap at runtime: prompt overrides and the routing rule cache.
// Ports, stores and providers still need a restart.
func (a *app) applyConfig(cfg *config.Config) {
	a.prompts.Apply(cfg.Prompts)
	a.routing.Invalidate()
}

// watchConfig reapplies the configuration when the file changes. The
// watch is on the directory: editors replace files on save, which
// silently drops a watch held on the file itself.
func watchConfig(path string, a *app, logger *slog.Logger) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	var mu sync.Mutex
	var pending *time.Timer
	reload := func() {
		cfg, err := config.Load(path)
		if err != nil {
			logger.Warn("config reload failed, keeping previous configuration", "error", err)
			return
		}
		a.applyConfig(cfg)
		logger.Info("configuration reloaded", "path", path)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				// Editors fire bursts of events per save; debounce them.
				mu.Lock()
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, reload)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return watcher, nil
}
