// Vigild is an on-device clinical decision-support daemon for daily
// mental-health check-ins.
//
// This binary starts the vigild HTTP API with full pipeline
// initialization: SQLite persistence with a write-retry queue, the local
// inference engine, crisis containment with restart-safe watchdogs, the
// background longitudinal updater, and the optional NATS alert bridge.
//
// Configuration is loaded from ~/.config/vigild/config.yaml layered
// under VIGILD_-prefixed environment variables. See internal/config for
// details. Policy-level settings hot-reload on file change.
//
// Usage:
//
//	# Start the daemon with defaults
//	vigild
//
//	# Start with an explicit config file
//	vigild -config /etc/vigild/config.yaml
//
//	# Show version information
//	vigild version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/config"
	"github.com/fyrsmithlabs/vigild/internal/crisis"
	"github.com/fyrsmithlabs/vigild/internal/inference"
	"github.com/fyrsmithlabs/vigild/internal/logging"
	"github.com/fyrsmithlabs/vigild/internal/longitudinal"
	"github.com/fyrsmithlabs/vigild/internal/notify"
	"github.com/fyrsmithlabs/vigild/internal/prompt"
	"github.com/fyrsmithlabs/vigild/internal/safetyplan"
	"github.com/fyrsmithlabs/vigild/internal/store"
	"github.com/fyrsmithlabs/vigild/internal/telemetry"
	"github.com/fyrsmithlabs/vigild/internal/triage"
	"github.com/fyrsmithlabs/vigild/pkg/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file path (default ~/.config/vigild/config.yaml)")
	flag.Parse()
	args := flag.Args()

	// Handle subcommands
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  vigild           Start the vigild daemon\n")
			fmt.Fprintf(os.Stderr, "  vigild version   Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Daemon shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("vigild by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the vigild daemon and blocks until the context is
// cancelled.
//
// This function initializes all dependencies and services:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the redacting logger
//  3. Opens the store, retry queue, alert bridge, and inference engine
//  4. Creates the crisis, safety-plan, and triage services
//  5. Starts the config watcher for policy hot reload
//  6. Starts the HTTP server
//  7. Performs graceful shutdown on context cancellation
//
// Returns http.ErrServerClosed on graceful shutdown.
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to prepare config directory: %w", err)
	}

	if configPath == "" {
		var err error
		configPath, err = config.DefaultPath()
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}
	}

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize telemetry. Export is disabled unless a collector is
	// configured; the pipeline never depends on one being reachable.
	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			cfg.Telemetry.ShutdownTimeout.Duration(),
		)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Printf("Telemetry shutdown: %v", err)
		}
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "starting vigild",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("model", cfg.Inference.Model),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
		zap.Bool("notify", cfg.Notify.Enabled))

	deps, err := initDependencies(ctx, cfg, logger.Underlying())
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close(logger.Underlying())

	logger.Info(ctx, "dependencies initialized",
		zap.String("store", deps.storePath),
		zap.Int("pending_writes", deps.retrier.Pending()),
		zap.Bool("alert_bridge", deps.publisher != nil))

	svcs, err := initServices(ctx, cfg, deps, logger.Underlying())
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer svcs.Close(logger.Underlying())

	// Policy hot reload: an accepted config swap reaches every policy
	// consumer; identity-level changes are logged as requiring restart.
	watcher, err := config.NewWatcher(configPath, cfg, func(_, updated *config.Config) {
		applyPolicy(updated, deps, svcs)
		logger.Info(context.Background(), "clinical policy reapplied")
	}, logger.Underlying())
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Stop()

	srv, err := server.NewServer(cfg.Server, server.Deps{
		Triage: svcs.triage,
		Crisis: svcs.crisis,
		Plans:  svcs.plans,
		Pending: func() int {
			return deps.retrier.Pending() + deps.updater.QueueDepth()
		},
	}, logger.Underlying())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s/healthz", cfg.Server.Addr)),
		zap.String("api_prefix", "/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	// Start server (blocks until context cancellation)
	return srv.Start(ctx)
}

// dependencies holds the infrastructure behind the services.
type dependencies struct {
	storePath    string
	sqlite       *store.SQLite
	retrier      *store.Retrier
	publisher    *notify.Publisher
	notifier     notify.Notifier
	orchestrator *inference.Orchestrator
	compressor   *longitudinal.Compressor
	composer     *prompt.Composer
	updater      *longitudinal.Updater
}

// Close releases infrastructure in dependency order: the generation
// slot first, then the update queue drains against a live store, then
// the retry queue parks leftovers before the store closes.
func (d *dependencies) Close(logger *zap.Logger) {
	if err := d.orchestrator.Close(); err != nil {
		logger.Warn("orchestrator close failed", zap.Error(err))
	}
	if err := d.updater.Close(); err != nil {
		logger.Warn("updater close failed", zap.Error(err))
	}
	if err := d.retrier.Close(); err != nil {
		logger.Warn("retry queue close failed", zap.Error(err))
	}
	if err := d.sqlite.Close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			logger.Warn("alert bridge close failed", zap.Error(err))
		}
	}
}

// services holds the pipeline services.
type services struct {
	crisis *crisis.Manager
	plans  *safetyplan.Service
	triage *triage.Service
}

// Close stops the services front to back: the facade rejects new work
// first, plan refinements finish, then crisis watchdogs stand down.
func (s *services) Close(logger *zap.Logger) {
	if err := s.triage.Close(); err != nil {
		logger.Warn("triage close failed", zap.Error(err))
	}
	if err := s.plans.Close(); err != nil {
		logger.Warn("safety plan close failed", zap.Error(err))
	}
	if err := s.crisis.Close(); err != nil {
		logger.Warn("crisis manager close failed", zap.Error(err))
	}
}

// initLogger builds the redacting logger from the daemon config,
// bridging to OTLP when both telemetry and the OTEL log output are
// enabled.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	lc.Level = cfg.Logging.Level
	lc.Format = cfg.Logging.Format
	lc.Output.OTEL = cfg.Logging.OTEL && tel.IsEnabled()
	lc.Redaction.Fields = append(lc.Redaction.Fields, cfg.Logging.RedactFields...)
	lc.Redaction.Patterns = append(lc.Redaction.Patterns, cfg.Logging.RedactPatterns...)

	if lc.Output.OTEL {
		return logging.NewLogger(lc, tel.LoggerProvider())
	}
	return logging.NewLogger(lc, nil)
}

// initDependencies opens the store and retry queue, connects the alert
// bridge when enabled, and builds the inference stack and the background
// updater.
func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	storePath, err := config.ExpandHome(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store path: %w", err)
	}

	sqlite, err := store.OpenSQLite(storePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	retrier, err := store.NewRetrier(&store.RetryConfig{
		Interval:    cfg.Store.RetryInterval.Duration(),
		MaxInterval: cfg.Store.RetryMaxInterval.Duration(),
	}, sqlite, logger)
	if err != nil {
		sqlite.Close()
		return nil, fmt.Errorf("failed to create retry queue: %w", err)
	}
	if err := retrier.Recover(ctx); err != nil {
		logger.Warn("failed to recover pending writes", zap.Error(err))
	}

	// The alert bridge is optional. Disabled means alerts are dropped,
	// never that the pipeline stalls.
	var publisher *notify.Publisher
	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notify.Enabled {
		publisher, err = notify.NewPublisher(&notify.Config{
			URL:           cfg.Notify.URL,
			SubjectPrefix: cfg.Notify.SubjectPrefix,
		}, logger)
		if err != nil {
			retrier.Close()
			sqlite.Close()
			return nil, fmt.Errorf("failed to connect alert bridge: %w", err)
		}
		notifier = publisher
	}

	engine, err := inference.NewOllamaEngine(&inference.EngineConfig{
		Model:             cfg.Inference.Model,
		ServerURL:         cfg.Inference.ServerURL,
		ContextWindow:     cfg.Inference.ContextWindow,
		Temperature:       cfg.Inference.Temperature,
		TopK:              cfg.Inference.TopK,
		TopP:              cfg.Inference.TopP,
		MaxTokens:         cfg.Inference.MaxTokens,
		RepetitionPenalty: cfg.Inference.RepetitionPenalty,
	}, logger)
	if err != nil {
		closeAll(logger, publisher, retrier, sqlite)
		return nil, fmt.Errorf("failed to create inference engine: %w", err)
	}

	orchestrator, err := inference.NewOrchestrator(&inference.Config{
		FirstFragmentTimeout: cfg.Inference.FirstFragmentTimeout.Duration(),
		MaxOutputChars:       cfg.Inference.MaxOutputChars,
		RecommendationGrace:  cfg.Inference.RecommendationGrace,
	}, engine, logger)
	if err != nil {
		closeAll(logger, publisher, retrier, sqlite)
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	compressor := longitudinal.NewCompressor(longitudinal.CompressorConfig{
		DigestBudget: cfg.Longitudinal.DigestBudget,
		StaleAfter:   cfg.Longitudinal.StaleAfter.Duration(),
		Deviation: clinical.DeviationPolicy{
			ModerateZ: cfg.Health.ModerateZ,
			SevereZ:   cfg.Health.SevereZ,
		},
	})
	composer := prompt.NewComposer(prompt.FieldBudgets(cfg.Prompt))

	updater, err := longitudinal.NewUpdater(&longitudinal.UpdaterConfig{
		Concurrency:    cfg.Longitudinal.Concurrency,
		NarrativeEvery: cfg.Longitudinal.NarrativeEvery,
		NarrativeRate:  rate.Every(cfg.Longitudinal.NarrativeInterval.Duration()),
		NarrativeBurst: cfg.Longitudinal.NarrativeBurst,
		DrainTimeout:   cfg.Longitudinal.DrainTimeout.Duration(),
	}, compressor, retrier, &narrativeGenerator{
		composer:     composer,
		compressor:   compressor,
		orchestrator: orchestrator,
		timeout:      cfg.Inference.ModelTimeout.Duration(),
	}, logger)
	if err != nil {
		orchestrator.Close()
		closeAll(logger, publisher, retrier, sqlite)
		return nil, fmt.Errorf("failed to create updater: %w", err)
	}

	return &dependencies{
		storePath:    storePath,
		sqlite:       sqlite,
		retrier:      retrier,
		publisher:    publisher,
		notifier:     notifier,
		orchestrator: orchestrator,
		compressor:   compressor,
		composer:     composer,
		updater:      updater,
	}, nil
}

// closeAll is the init-failure unwind helper.
func closeAll(logger *zap.Logger, publisher *notify.Publisher, retrier *store.Retrier, sqlite *store.SQLite) {
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn("alert bridge close failed", zap.Error(err))
		}
	}
	if err := retrier.Close(); err != nil {
		logger.Warn("retry queue close failed", zap.Error(err))
	}
	if err := sqlite.Close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
}

// initServices builds the crisis manager, the safety-plan service, and
// the triage facade on top of the initialized dependencies, and re-arms
// crisis watchdogs from persisted sessions.
func initServices(ctx context.Context, cfg *config.Config, deps *dependencies, logger *zap.Logger) (*services, error) {
	crisisMgr, err := crisis.New(&crisis.Config{
		HoldingWindow:    cfg.Crisis.HoldingWindow.Duration(),
		FollowUpDeadline: cfg.Crisis.FollowUpDeadline.Duration(),
	}, deps.sqlite, deps.notifier, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create crisis manager: %w", err)
	}
	if err := crisisMgr.Recover(ctx); err != nil {
		logger.Warn("failed to recover crisis sessions", zap.Error(err))
	}

	plans, err := safetyplan.NewService(&safetyplan.Config{
		ModelTimeout: cfg.Inference.ModelTimeout.Duration(),
	}, deps.compressor, deps.composer, deps.orchestrator, logger)
	if err != nil {
		crisisMgr.Close()
		return nil, fmt.Errorf("failed to create safety plan service: %w", err)
	}

	triageSvc, err := triage.NewService(&triage.Config{
		Floor:          clinical.FloorPolicy{PlanningTier: cfg.Screening.PlanningTier},
		ModelTimeout:   cfg.Inference.ModelTimeout.Duration(),
		PrewarmTTL:     cfg.Inference.PrewarmTTL.Duration(),
		RecentCheckIns: cfg.Longitudinal.RecentCheckIns,
	}, triage.Deps{
		Store:        deps.retrier,
		Orchestrator: deps.orchestrator,
		Composer:     deps.composer,
		Compressor:   deps.compressor,
		Updates:      deps.updater,
		Crisis:       crisisMgr,
		Reranker:     plans,
	}, logger)
	if err != nil {
		plans.Close()
		crisisMgr.Close()
		return nil, fmt.Errorf("failed to create triage service: %w", err)
	}

	return &services{
		crisis: crisisMgr,
		plans:  plans,
		triage: triageSvc,
	}, nil
}

// applyPolicy pushes the policy subset of a freshly accepted config into
// every live consumer. Identity-level fields are ignored here; the
// watcher logs those as requiring a restart.
func applyPolicy(cfg *config.Config, deps *dependencies, svcs *services) {
	deps.compressor.SetPolicy(longitudinal.CompressorConfig{
		DigestBudget: cfg.Longitudinal.DigestBudget,
		StaleAfter:   cfg.Longitudinal.StaleAfter.Duration(),
		Deviation: clinical.DeviationPolicy{
			ModerateZ: cfg.Health.ModerateZ,
			SevereZ:   cfg.Health.SevereZ,
		},
	})
	deps.composer.SetBudgets(prompt.FieldBudgets(cfg.Prompt))
	svcs.crisis.SetTiming(cfg.Crisis.HoldingWindow.Duration(), cfg.Crisis.FollowUpDeadline.Duration())
	svcs.triage.SetPolicy(triage.Config{
		Floor:          clinical.FloorPolicy{PlanningTier: cfg.Screening.PlanningTier},
		ModelTimeout:   cfg.Inference.ModelTimeout.Duration(),
		PrewarmTTL:     cfg.Inference.PrewarmTTL.Duration(),
		RecentCheckIns: cfg.Longitudinal.RecentCheckIns,
	})
}

// narrativeGenerator adapts the composer and orchestrator to the
// updater's model path. A non-model result reports its taxonomy error so
// the updater's deterministic narrative append governs.
type narrativeGenerator struct {
	composer     *prompt.Composer
	compressor   *longitudinal.Compressor
	orchestrator *inference.Orchestrator
	timeout      time.Duration
}

func (g *narrativeGenerator) Narrative(ctx context.Context, st longitudinal.State, outcome longitudinal.CheckInOutcome) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	promptText := g.composer.NarrativeUpdate(prompt.NarrativeUpdateInput{
		Narrative:  st.Narrative,
		Digest:     g.compressor.FormatForPrompt(st),
		Tier:       outcome.Tier,
		Trajectory: string(st.Trajectory),
		Driver:     string(st.PrimaryDriver),
	})

	res := g.orchestrator.Generate(genCtx, promptText, "")
	if res.Source != inference.SourceModel {
		if res.Err != nil {
			return "", res.Err
		}
		return "", clinical.ErrModelUnavailable
	}
	return res.Text, nil
}
