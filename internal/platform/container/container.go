package container

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/jinford/dataset-sync/internal/module/schedule/adapter/workflow"
	scheduleapp "github.com/jinford/dataset-sync/internal/module/schedule/application"
	"github.com/jinford/dataset-sync/internal/module/sync/adapter/archive"
	"github.com/jinford/dataset-sync/internal/module/sync/adapter/history"
	"github.com/jinford/dataset-sync/internal/module/sync/adapter/metadata"
	"github.com/jinford/dataset-sync/internal/module/sync/adapter/source"
	"github.com/jinford/dataset-sync/internal/module/sync/adapter/transport"
	syncapp "github.com/jinford/dataset-sync/internal/module/sync/application"
	"github.com/jinford/dataset-sync/internal/module/sync/domain"
	"github.com/jinford/dataset-sync/internal/platform/config"
	"github.com/jinford/dataset-sync/internal/platform/database"
	"github.com/jinford/dataset-sync/internal/platform/retry"
)

const (
	// JobDatasetUpdate は毎日のデータセット更新ジョブのID
	JobDatasetUpdate = "dataset_update"
	// JobWorkflow は後続ワークフロージョブのID
	JobWorkflow = "workflow"
)

// WorkflowRunner は後続ワークフローの実行を抽象化します
type WorkflowRunner interface {
	Run(ctx context.Context) error
}

// Container はアプリケーションの依存関係を保持します
type Container struct {
	Config       *config.Config
	Logger       *slog.Logger
	Sources      []domain.DatasetSource
	Transport    *transport.Transport
	Store        *metadata.SidecarStore
	History      domain.HistoryStore
	Tracker      *syncapp.StatusTracker
	Orchestrator *syncapp.Orchestrator
	Scheduler    *scheduleapp.Scheduler
	Workflow     WorkflowRunner

	database *database.Database
}

type containerOptions struct {
	logger     *slog.Logger
	httpClient *http.Client
	workflow   WorkflowRunner
	clock      clockwork.Clock
	sources    []domain.DatasetSource
	history    domain.HistoryStore
}

// ContainerOption は Container 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerHTTPClient はHTTPクライアントを差し替える
func WithContainerHTTPClient(client *http.Client) ContainerOption {
	return func(opts *containerOptions) {
		opts.httpClient = client
	}
}

// WithContainerWorkflowRunner は後続ワークフローの実行を差し替える
func WithContainerWorkflowRunner(runner WorkflowRunner) ContainerOption {
	return func(opts *containerOptions) {
		opts.workflow = runner
	}
}

// WithContainerClock は時計を差し替える
func WithContainerClock(clock clockwork.Clock) ContainerOption {
	return func(opts *containerOptions) {
		opts.clock = clock
	}
}

// WithContainerSources はデータセット定義ファイルの代わりに使う定義を設定する
func WithContainerSources(sources []domain.DatasetSource) ContainerOption {
	return func(opts *containerOptions) {
		opts.sources = sources
	}
}

// WithContainerHistoryStore は履歴ストアを差し替える
func WithContainerHistoryStore(store domain.HistoryStore) ContainerOption {
	return func(opts *containerOptions) {
		opts.history = store
	}
}

// New は設定からコンテナを生成します
func New(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*Container, error) {
	options := containerOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.clock == nil {
		options.clock = clockwork.NewRealClock()
	}
	log := options.logger

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	sources := options.sources
	if sources == nil {
		sources, err = config.LoadCatalog(cfg.DatasetsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load datasets: %w", err)
		}
	}

	c := &Container{
		Config:  cfg,
		Logger:  log,
		Sources: sources,
	}

	// 履歴ストア
	c.History = options.history
	if c.History == nil {
		if err := c.openHistory(ctx); err != nil {
			return nil, err
		}
	}

	// 転送層
	policy := retry.Policy{
		MaxAttempts: cfg.Sync.DownloadAttempts,
		Delay:       cfg.Sync.RetryDelay,
		Retryable:   domain.IsTransient,
		Logger:      log,
	}
	httpClient := options.httpClient
	if httpClient == nil {
		httpClient = transport.NewHTTPClient(cfg.Sync.ConnectTimeout)
	}
	c.Transport = transport.New(
		transport.WithHTTPClient(httpClient),
		transport.WithConnectTimeout(cfg.Sync.ConnectTimeout),
		transport.WithUserAgent(cfg.Sync.UserAgent),
		transport.WithRetryPolicy(policy),
		transport.WithFTPWorkers(cfg.Sync.FTPWorkers),
		transport.WithLogger(log),
	)

	registry := source.NewDefaultRegistry(c.Transport, httpClient,
		source.WithClock(options.clock),
		source.WithLogger(log),
		source.WithUserAgent(cfg.Sync.UserAgent),
		source.WithRetryPolicy(policy),
	)

	c.Store = metadata.NewSidecarStore(cfg.DataDir, log)
	c.Tracker = syncapp.NewStatusTracker(c.History, options.clock, log)

	// スケジューラと後続ワークフロー
	c.Scheduler = scheduleapp.New(scheduleapp.Config{
		Location:   loc,
		RetryDelay: cfg.Workflow.RetryDelay,
	}, log, scheduleapp.WithClock(options.clock))

	c.Workflow = options.workflow
	if c.Workflow == nil {
		c.Workflow = workflow.NewRunner(cfg.Workflow.Executable,
			workflow.WithArgs(cfg.Workflow.Args...),
			workflow.WithWorkingDir(cfg.Workflow.Dir),
			workflow.WithEnv(cfg.Workflow.Env),
			workflow.WithLogDir(cfg.Workflow.LogDir),
			workflow.WithClock(options.clock),
			workflow.WithLogger(log),
		)
	}

	c.Orchestrator = syncapp.NewOrchestrator(
		sources,
		registry,
		c.Transport,
		c.Store,
		archive.NewExtractor(log),
		c.Tracker,
		log,
		syncapp.WithConcurrency(cfg.Sync.Concurrency),
		syncapp.WithDownstream(c.Scheduler.Trigger(JobWorkflow)),
	)

	if err := c.registerJobs(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Container) openHistory(ctx context.Context) error {
	switch c.Config.History.Backend {
	case "postgres":
		db, err := database.New(ctx, database.ConnectionParams{
			Host:     c.Config.Database.Host,
			Port:     c.Config.Database.Port,
			User:     c.Config.Database.User,
			Password: c.Config.Database.Password,
			DBName:   c.Config.Database.DBName,
			SSLMode:  c.Config.Database.SSLMode,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		// スキーマ作成はアドバイザリロック下で行う
		_, err = database.Transact(ctx, db, func(tx pgx.Tx) (struct{}, error) {
			if err := database.AcquireXactLock(ctx, tx, database.LockID("dataset-sync", "update_history")); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, history.NewPostgresStore(tx).EnsureSchema(ctx)
		})
		if err != nil {
			db.Close()
			return fmt.Errorf("failed to prepare history schema: %w", err)
		}
		c.database = db
		c.History = history.NewPostgresStore(db.Pool)
	default:
		c.History = history.NewFileStore(c.Config.History.File, c.Config.History.Limit)
	}
	return nil
}

// registerJobs は毎日のデータセット更新と後続ワークフローをスケジューラに登録します
func (c *Container) registerJobs() error {
	if err := c.Scheduler.AddJob(scheduleapp.Job{
		ID:   JobDatasetUpdate,
		Time: c.Config.Schedule.DatasetUpdateTime,
		Run: func(ctx context.Context) error {
			_, err := c.Orchestrator.RunPass(ctx)
			return err
		},
	}); err != nil {
		return err
	}
	return c.Scheduler.AddJob(scheduleapp.Job{
		ID:             JobWorkflow,
		Time:           c.Config.Schedule.WorkflowTime,
		Run:            c.RunWorkflow,
		RetryOnFailure: true,
		MaxRetries:     c.Config.Workflow.MaxRetries,
	})
}

// RunWorkflow は後続ワークフローを実行し、結果を履歴に記録します
func (c *Container) RunWorkflow(ctx context.Context) error {
	runErr := c.Workflow.Run(ctx)

	status := domain.StatusSuccess
	details := map[string]any{}
	if runErr != nil {
		status = domain.StatusFailed
		details["error"] = runErr.Error()
	}
	if _, err := c.Tracker.Log(ctx, JobWorkflow, status, details); err != nil {
		c.Logger.Warn("Failed to record workflow run", "error", err)
	}
	return runErr
}

// Close はコンテナが保持するリソースを解放します
func (c *Container) Close() {
	if c.database != nil {
		c.database.Close()
		c.database = nil
	}
}
