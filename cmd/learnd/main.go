// Learnd is the continuous learning daemon for a locally hosted coding
// assistant.
//
// The daemon captures assistant interactions over HTTP, scores them for
// quality, accumulates the best into training candidates, and runs the
// full improvement loop when a trigger fires: dataset build, rehearsal
// synthesis, parameter-efficient fine-tuning, validation, and staged
// deployment with automatic rollback.
//
// Configuration is loaded from ~/.config/learnd/config.yaml with
// environment overrides. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	learnd
//
//	# Configure via environment
//	SERVER_PORT=9190 MODEL_BASE_URL=http://localhost:8000/v1 learnd
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/learnd/internal/config"
	"github.com/fyrsmithlabs/learnd/internal/dataset"
	"github.com/fyrsmithlabs/learnd/internal/deploy"
	"github.com/fyrsmithlabs/learnd/internal/finetune"
	"github.com/fyrsmithlabs/learnd/internal/logging"
	"github.com/fyrsmithlabs/learnd/internal/model"
	"github.com/fyrsmithlabs/learnd/internal/pipeline"
	"github.com/fyrsmithlabs/learnd/internal/quality"
	"github.com/fyrsmithlabs/learnd/internal/record"
	"github.com/fyrsmithlabs/learnd/internal/rehearsal"
	"github.com/fyrsmithlabs/learnd/internal/server"
	"github.com/fyrsmithlabs/learnd/internal/store"
	"github.com/fyrsmithlabs/learnd/internal/telemetry"
	"github.com/fyrsmithlabs/learnd/internal/trigger"
	"github.com/fyrsmithlabs/learnd/internal/validation"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "learnd",
	Short: "Continuous learning daemon for a local coding assistant",
	Long: `learnd runs the quality-driven learning loop for a locally hosted
coding model: interaction capture, quality scoring, training triggers,
dataset building, fine-tuning, validation, and staged deployment.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("learnd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/learnd/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "learnd: %v\n", err)
		os.Exit(1)
	}
}

// run starts the daemon and blocks until the context is cancelled.
//
// Initialization order matters: storage and queue first, then the
// assessment path, then the training loop, and the HTTP surface last so
// no request arrives before the pipeline behind it exists.
func run(ctx context.Context) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	zl.Info("Starting learnd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("model", cfg.Model.Name),
		zap.Bool("telemetry", cfg.Observability.Enabled))

	deps, err := initDependencies(cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close(zl)

	pipe, err := initPipeline(ctx, cfg, deps, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if err := pipe.worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start assessment worker: %w", err)
	}
	defer pipe.worker.Stop()

	if err := pipe.trigger.Start(); err != nil {
		return fmt.Errorf("failed to start decision engine: %w", err)
	}
	defer func() { _ = pipe.trigger.Stop() }()

	srv, err := initServer(cfg, deps, pipe, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	zl.Info("learnd is running",
		zap.String("records_endpoint", fmt.Sprintf("http://localhost:%d/api/v1/records", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	zl.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// initLogger builds the structured logger from the observability config.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	level, err := zapcore.ParseLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Observability.LogLevel, err)
	}
	logCfg.Level = level
	logCfg.Format = cfg.Observability.LogFormat
	return logging.NewLogger(logCfg)
}

// dependencies holds the infrastructure layer.
type dependencies struct {
	store     *store.Store
	queue     *record.Queue
	recorder  *record.Recorder
	telemetry *telemetry.Telemetry
	metrics   *telemetry.PipelineMetrics
	model     *model.LLM
}

// Close releases infrastructure resources in reverse dependency order.
func (d *dependencies) Close(logger *zap.Logger) {
	if d.queue != nil {
		d.queue.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	}
	if d.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.telemetry.Shutdown(ctx); err != nil {
			logger.Warn("Failed to shut down telemetry", zap.Error(err))
		}
	}
}

// initDependencies opens storage, the ingestion queue, telemetry, and
// the model client.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	tel, err := telemetry.New(&telemetry.Config{
		Enabled:        cfg.Observability.Enabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	metrics, err := telemetry.NewPipelineMetrics(tel.Meter("learnd"))
	if err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}

	st, err := store.Open(store.NewDefaultConfig(cfg.Storage.Dir), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	queue, err := record.NewQueue(record.QueueConfig{
		Embedded:      cfg.Queue.Embedded,
		URL:           cfg.Queue.URL,
		Subject:       cfg.Queue.Subject,
		MaxReconnects: cfg.Queue.MaxReconnects,
		ReconnectWait: cfg.Queue.ReconnectWait,
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to start ingestion queue: %w", err)
	}

	llm, err := model.NewClient(model.Config{
		BaseURL:    cfg.Model.BaseURL,
		Name:       cfg.Model.Name,
		APIKey:     cfg.Model.APIKey,
		Timeout:    cfg.Model.Timeout,
		RateLimit:  cfg.Model.RateLimit,
		Burst:      cfg.Model.Burst,
		MaxRetries: cfg.Model.MaxRetries,
	})
	if err != nil {
		queue.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	logger.Info("Dependencies initialized",
		zap.String("store_dir", cfg.Storage.Dir),
		zap.Bool("queue_embedded", cfg.Queue.Embedded),
		zap.String("model_endpoint", cfg.Model.BaseURL))

	return &dependencies{
		store:     st,
		queue:     queue,
		recorder:  record.NewRecorder(queue, logger, metrics),
		telemetry: tel,
		metrics:   metrics,
		model:     llm,
	}, nil
}

// pipelineComponents holds the assessment and training loop.
type pipelineComponents struct {
	worker  *pipeline.Worker
	trigger *trigger.Engine
	deploy  *deploy.Manager
}

// referenceTrainerGroups sizes the in-process trainer stand-in until a
// real LoRA backend is wired to the serving runtime.
const (
	referenceBaseGroups    = 8
	referenceAdapterGroups = 4
)

// initPipeline wires the full loop: quality engine, candidate store,
// rehearsal, trainer, validator, deployer, runner, and trigger engine.
func initPipeline(ctx context.Context, cfg *config.Config, deps *dependencies, logger *zap.Logger) (*pipelineComponents, error) {
	engine, err := quality.NewEngine(quality.Config{
		Weights: quality.Weights{
			UserSatisfaction:      cfg.Quality.Weights.UserSatisfaction,
			FunctionalCorrectness: cfg.Quality.Weights.FunctionalCorrectness,
			CodeQuality:           cfg.Quality.Weights.CodeQuality,
			ContextRelevance:      cfg.Quality.Weights.ContextRelevance,
			Efficiency:            cfg.Quality.Weights.Efficiency,
		},
		AssessTimeout:   cfg.Quality.AssessTimeout,
		AssessorVersion: cfg.Quality.AssessorVersion,
	}, logger,
		quality.WithCache(quality.NewScoreCache(deps.store)),
		quality.WithMetrics(deps.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create quality engine: %w", err)
	}

	startWeightWatcher(ctx, cfg, engine, logger)

	gate := quality.Gate{
		MinOverall:    cfg.Dataset.MinThreshold,
		MinConfidence: cfg.Quality.MinConfidence,
	}

	candidates := dataset.NewCandidateStore(deps.store, logger)

	builder, err := dataset.NewBuilder(dataset.Config{
		BaseThreshold:   cfg.Dataset.BaseThreshold,
		MinThreshold:    cfg.Dataset.MinThreshold,
		MaxThreshold:    cfg.Dataset.MaxThreshold,
		MaxDomainShare:  cfg.Dataset.MaxDomainShare,
		ReasoningRatio:  cfg.Dataset.ReasoningRatio,
		RatioBand:       cfg.Dataset.RatioBand,
		ValidationSplit: cfg.Dataset.ValidationSplit,
		MinExamples:     cfg.Dataset.MinExamples,
	}, logger, dataset.WithMetrics(deps.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset builder: %w", err)
	}

	trainer, err := finetune.NewService(finetune.Config{
		FreezeQuantile:  cfg.Finetune.FreezeQuantile,
		WallClockBudget: cfg.Finetune.WallClockBudget,
		Epochs:          cfg.Finetune.Epochs,
		LearningRate:    cfg.Finetune.LearningRate,
		HeldOutFraction: cfg.Finetune.HeldOutFraction,
	}, finetune.NewReferenceTrainer(referenceBaseGroups, referenceAdapterGroups), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create fine-tuning service: %w", err)
	}

	// Checkpoint adapters are addressed by model name on the serving
	// endpoint; an empty ID means the unadapted base model.
	checkpointClient := func(checkpointID string) (model.Client, error) {
		if checkpointID == "" {
			return deps.model, nil
		}
		return model.NewClient(model.Config{
			BaseURL:    cfg.Model.BaseURL,
			Name:       checkpointID,
			APIKey:     cfg.Model.APIKey,
			Timeout:    cfg.Model.Timeout,
			RateLimit:  cfg.Model.RateLimit,
			Burst:      cfg.Model.Burst,
			MaxRetries: cfg.Model.MaxRetries,
		})
	}

	harness := validation.NewModelHarness(checkpointClient, logger)

	validator, err := validation.NewRunner(validation.Config{
		MaxAccuracyDrop:    cfg.Validation.MaxAccuracyDrop,
		MaxLatencyIncrease: cfg.Validation.MaxLatencyIncrease,
		MaxMemoryIncrease:  cfg.Validation.MaxMemoryIncrease,
		ForgettingCeiling:  cfg.Validation.ForgettingCeiling,
		SuiteTimeout:       cfg.Validation.SuiteTimeout,
	}, harness, logger, validation.WithMetrics(deps.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create validation runner: %w", err)
	}

	registry := deploy.NewRegistry(deps.store, logger)

	activator, err := deploy.NewFileActivator(cfg.Storage.ServingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create serving activator: %w", err)
	}
	prober, err := deploy.NewCompletionProber(checkpointClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create serving prober: %w", err)
	}

	deployer, err := deploy.NewManager(deploy.Config{
		HealthWindow:      cfg.Deploy.HealthWindow,
		ProbeInterval:     cfg.Deploy.ProbeInterval,
		FailureThreshold:  cfg.Deploy.FailureThreshold,
		RetainCheckpoints: cfg.Deploy.RetainCheckpoints,
	}, registry, activator, prober, logger, deploy.WithMetrics(deps.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment manager: %w", err)
	}

	var runnerOpts []pipeline.RunnerOption
	var workerOpts []pipeline.WorkerOption

	if cfg.Rehearsal.Enabled {
		history, err := rehearsal.NewHistory(cfg.Storage.HistoryDir,
			rehearsal.NewLocalEmbedding(cfg.Model.BaseURL, cfg.Model.APIKey.Value(), cfg.Model.Name),
			logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open rehearsal history: %w", err)
		}

		synth, err := rehearsal.NewSynthesizer(rehearsal.Config{
			MaxSynthetic:    cfg.Rehearsal.MaxSynthetic,
			FewShot:         cfg.Rehearsal.FewShot,
			MinHistoryCount: cfg.Rehearsal.MinHistoryCount,
		}, history, deps.model, engine, gate, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create rehearsal synthesizer: %w", err)
		}

		runnerOpts = append(runnerOpts,
			pipeline.WithSynthesizer(synth),
			pipeline.WithHistory(history))
		workerOpts = append(workerOpts,
			pipeline.WithWorkerHistory(history, cfg.Dataset.MaxThreshold-0.05))
	}

	runner, err := pipeline.NewRunner(pipeline.NewDefaultRunnerConfig(),
		candidates, builder, trainer, validator, deployer, registry, logger, runnerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create run orchestrator: %w", err)
	}

	worker, err := pipeline.NewWorker(deps.queue, engine, gate, candidates, logger, workerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create assessment worker: %w", err)
	}

	resources := pipeline.NewResourceChecker(pipeline.ResourceConfig{
		MaxMemoryMB: uint64(cfg.Resources.MaxMemoryMB),
		DataDir:     cfg.Storage.Dir,
	})

	decisions := trigger.NewEngine(trigger.Config{
		MinCandidates:        cfg.Trigger.MinCandidates,
		TrendThreshold:       cfg.Trigger.TrendThreshold,
		TrendWindow:          cfg.Trigger.TrendWindow,
		MaxInterval:          cfg.Trigger.MaxInterval,
		EvaluateInterval:     cfg.Trigger.EvaluateInterval,
		CooldownBackoff:      cfg.Trigger.CooldownBackoff,
		MaxConsecutiveAborts: cfg.Trigger.MaxConsecutiveAborts,
	}, candidates, resources, runner, logger, trigger.WithMetrics(deps.metrics))

	return &pipelineComponents{
		worker:  worker,
		trigger: decisions,
		deploy:  deployer,
	}, nil
}

// startWeightWatcher hot-reloads quality weights from the config file.
// A watcher failure is logged and skipped; weight reload is a
// convenience, not a dependency.
func startWeightWatcher(ctx context.Context, cfg *config.Config, engine *quality.Engine, logger *zap.Logger) {
	path := configPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		path = home + "/.config/learnd/config.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		return
	}

	watcher, err := config.NewWeightWatcher(path, cfg.Quality.Weights)
	if err != nil {
		logger.Warn("Weight hot-reload disabled", zap.Error(err))
		return
	}
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("Weight hot-reload disabled", zap.Error(err))
		return
	}

	go func() {
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-watcher.Updates():
				if !ok {
					return
				}
				err := engine.SetWeights(quality.Weights{
					UserSatisfaction:      update.Weights.UserSatisfaction,
					FunctionalCorrectness: update.Weights.FunctionalCorrectness,
					CodeQuality:           update.Weights.CodeQuality,
					ContextRelevance:      update.Weights.ContextRelevance,
					Efficiency:            update.Weights.Efficiency,
				})
				if err != nil {
					logger.Warn("Rejected weight update", zap.Error(err))
					continue
				}
				logger.Info("Quality weights reloaded")
			}
		}
	}()
}

// initServer builds the HTTP surface over the running pipeline.
func initServer(cfg *config.Config, deps *dependencies, pipe *pipelineComponents, logger *zap.Logger) (*server.Server, error) {
	statusFn := func(ctx context.Context) (server.StatusResponse, error) {
		status := server.StatusResponse{
			TriggerState:     string(pipe.trigger.State()),
			Escalated:        pipe.trigger.Escalated(),
			PromotionsHalted: pipe.deploy.Halted(),
		}
		if prod, err := pipe.deploy.Production(ctx); err == nil {
			status.ProductionCheckpoint = prod.CheckpointID
		}
		return status, nil
	}

	return server.NewServer(deps.recorder, logger, server.Config{
		Port: cfg.Server.Port,
	},
		server.WithStatus(statusFn),
		server.WithTrigger(pipe.trigger.TriggerManual),
		server.WithMetricsHandler(deps.telemetry.Handler()),
	)
}
