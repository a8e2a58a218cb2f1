package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/placepipe/internal/core/background"
	"github.com/vietddude/placepipe/internal/core/budget"
	"github.com/vietddude/placepipe/internal/core/checkpoint"
	"github.com/vietddude/placepipe/internal/core/config"
	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/infra/notify"
	redisclient "github.com/vietddude/placepipe/internal/infra/redis"
	"github.com/vietddude/placepipe/internal/infra/sitemap"
	"github.com/vietddude/placepipe/internal/infra/source"
	"github.com/vietddude/placepipe/internal/infra/storage"
	"github.com/vietddude/placepipe/internal/infra/storage/memory"
	"github.com/vietddude/placepipe/internal/infra/storage/postgres"
	"github.com/vietddude/placepipe/internal/pipeline/enrich"
	"github.com/vietddude/placepipe/internal/pipeline/fetch"
	"github.com/vietddude/placepipe/internal/pipeline/health"
	"github.com/vietddude/placepipe/internal/pipeline/metrics"
	"github.com/vietddude/placepipe/internal/pipeline/normalize"
	"github.com/vietddude/placepipe/internal/pipeline/publish"
	"github.com/vietddude/placepipe/internal/pipeline/recovery"
)

// Pipeline owns every stage and the stores they share.
type Pipeline struct {
	cfg         config.AppConfig
	stages      map[domain.Stage]Runner
	checkpoints *checkpoint.Store
	failQueue   storage.FailQueue
	deadLetter  storage.FailQueue
	runs        storage.StageRunStore
	tasks       *background.Group
	monitor     *health.Monitor
	db          *postgres.DB
	redisClient *redisclient.Client
	storageMode string
	log         *slog.Logger
}

// Options overrides pieces of the wiring, mostly for tests.
type Options struct {
	// Store replaces both postgres and redis with in-memory storage.
	Store *memory.MemoryStorage
	// LLM replaces the generative client factory.
	LLM enrich.ClientFactory
}

// New wires the pipeline from configuration. Empty database and redis URLs
// fall back to in-memory storage.
func New(ctx context.Context, cfg config.AppConfig, opts Options) (*Pipeline, error) {
	p := &Pipeline{
		cfg: cfg,
		log: slog.Default().With("component", "pipeline"),
	}

	var (
		raw    storage.RawRecordRepository
		places storage.PlaceRepository
		kv     storage.KeyValueStore
		cache  storage.ReadCache
	)

	store := opts.Store
	if store == nil && (cfg.Database.URL == "" || cfg.Redis.URL == "") {
		store = memory.NewMemoryStorage()
	}

	// 1. Relational storage
	if cfg.Database.URL != "" && opts.Store == nil {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		p.db = db
		raw = postgres.NewRawRepo(db)
		places = postgres.NewPlaceRepo(db)
		p.storageMode = "postgres"
		p.log.Info("Using PostgreSQL storage")
	} else {
		raw = memory.NewRawRepo(store)
		places = memory.NewPlaceRepo(store)
		p.storageMode = "memory"
		p.log.Info("Using Memory storage")
	}

	// 2. Durable key-value state
	if cfg.Redis.URL != "" && opts.Store == nil {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		if err := client.Ping(ctx); err != nil {
			_ = client.Close()
			p.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		p.redisClient = client
		kv = client
		cache = redisclient.NewReadCache(client)
		p.failQueue = redisclient.NewFailQueue(client, redisclient.NamespaceFailQueue)
		p.deadLetter = redisclient.NewFailQueue(client, redisclient.NamespaceDeadLetter)
		p.runs = redisclient.NewStageRuns(client)
		p.storageMode += "+redis"
	} else {
		kv = memory.NewKV(store)
		cache = memory.NewReadCache(store)
		p.failQueue = memory.NewFailQueue(store, redisclient.NamespaceFailQueue)
		p.deadLetter = memory.NewFailQueue(store, redisclient.NamespaceDeadLetter)
		p.runs = memory.NewStageRuns(store)
		p.storageMode += "+memory"
	}
	p.checkpoints = checkpoint.NewStore(kv)
	p.tasks = background.NewGroup(cfg.Host.BackgroundTimeout)

	// 3. Upstream source
	client := source.NewClient(cfg.Source)
	var partitions fetch.PartitionSource
	switch {
	case cfg.Source.PartitionsURL != "":
		partitions = source.NewAPIPartitions(client, cfg.Source.PartitionsURL)
	case len(cfg.Source.Partitions) > 0:
		partitions = source.NewStaticPartitions(cfg.Source.Partitions)
	default:
		regions, err := source.DefaultRegions()
		if err != nil {
			p.Close()
			return nil, err
		}
		partitions = source.NewStaticPartitions(regions)
	}
	fetchCfg := cfg.Fetch
	fetchCfg.PageSize = client.PageSize()

	initial := fetch.NewInitial(fetchCfg, client, partitions, raw, p.checkpoints, p.failQueue)
	incremental := fetch.NewIncremental(fetchCfg, client, raw, p.checkpoints, p.failQueue)

	// 4. Publish fan-out
	var objects sitemap.ObjectWriter
	if cfg.Publish.Sitemap.Enabled() {
		minioStore, err := sitemap.NewMinioStore(cfg.Publish.Sitemap)
		if err != nil {
			p.Close()
			return nil, err
		}
		objects = minioStore
	}
	sitemaps := sitemap.NewPublisher(cfg.Publish.SiteURL, cfg.Publish.Sitemap.Prefix, places, objects)

	publishStage := publish.NewStage(
		cfg.Publish.Config,
		places,
		cache,
		notify.NewRevalidator(cfg.Publish.Revalidate),
		notify.NewIndexNow(cfg.Publish.IndexNow),
		sitemaps,
		p.tasks,
	)

	p.stages = map[domain.Stage]Runner{
		domain.StageFetchInitial:     initial,
		domain.StageFetchIncremental: incremental,
		domain.StageNormalize:        normalize.NewStage(cfg.Normalize, raw, places),
		domain.StageEnrich:           enrich.NewStage(cfg.Enrich, places, opts.LLM),
		domain.StagePublish:          publishStage,
		domain.StageRetry: recovery.NewDrainer(cfg.FailQueue, p.failQueue, p.deadLetter, map[domain.Stage]recovery.Replayer{
			domain.StageFetchInitial:     initial,
			domain.StageFetchIncremental: incremental,
		}),
	}

	p.monitor = health.NewMonitor(p.runs, p.failQueue, p.deadLetter, cfg.Health)
	return p, nil
}

// RunStage performs one time-boxed invocation of stage. Failures end up in
// the returned and recorded StageRun, never as an error.
func (p *Pipeline) RunStage(ctx context.Context, stage domain.Stage) domain.StageRun {
	start := time.Now()
	run := domain.StageRun{Stage: stage, StartedAt: start.UTC()}
	log := p.log.With("stage", stage)

	runner, ok := p.stages[stage]
	if !ok {
		run.Error = fmt.Sprintf("unknown stage %q", stage)
		log.Error("Stage run failed", "error", run.Error)
		return run
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Host.Budget)
	defer cancel()
	guard := budget.New(p.cfg.Host.Budget, budget.WithThresholds(p.cfg.Host.WarnRatio, 0))

	report, err := runSafely(ctx, runner, guard)
	run.Duration = time.Since(start)
	run.Items = report.Items

	result := "success"
	if err != nil {
		result = "failure"
		run.Error = err.Error()
		log.Error("Stage run failed", "error", err, "elapsed", run.Duration)
	} else {
		run.Success = true
		log.Info("Stage run finished",
			"items", report.Items,
			"failed", report.Failed,
			"interrupted", report.Interrupted,
			"elapsed", run.Duration,
		)
	}
	if report.Interrupted {
		metrics.StageInterrupted.WithLabelValues(string(stage)).Inc()
	}
	metrics.StageRuns.WithLabelValues(string(stage), result).Inc()
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(run.Duration.Seconds())
	metrics.StageItems.WithLabelValues(string(stage)).Add(float64(report.Items))

	recordCtx, recordCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer recordCancel()
	if err := p.runs.Record(recordCtx, run); err != nil {
		log.Warn("Failed to record stage run", "error", err)
	}
	return run
}

func runSafely(ctx context.Context, runner Runner, guard *budget.Guard) (report domain.StageReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return runner.Run(ctx, guard)
}

// WaitBackground waits for detached tasks, at most the background timeout.
func (p *Pipeline) WaitBackground(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Host.BackgroundTimeout)
	defer cancel()
	return p.tasks.Wait(ctx)
}

// Monitor returns the health monitor.
func (p *Pipeline) Monitor() *health.Monitor {
	return p.monitor
}

// StartMetricsCollector starts the DB pool collector when postgres is used.
func (p *Pipeline) StartMetricsCollector(ctx context.Context) {
	if p.db != nil {
		p.db.StartMetricsCollector(ctx)
	}
}

// Status gathers checkpoints, queue depths and the last run of every stage.
func (p *Pipeline) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Runs:      make(map[domain.Stage]*domain.StageRun, len(domain.Stages)),
		Storage:   p.storageMode,
		CheckedAt: time.Now(),
	}

	var err error
	if st.Initial, err = p.checkpoints.LoadInitial(ctx); err != nil {
		return nil, err
	}
	if st.Incremental, err = p.checkpoints.LoadIncremental(ctx); err != nil {
		return nil, err
	}
	if st.FailQueue, err = p.failQueue.Count(ctx); err != nil {
		return nil, fmt.Errorf("failed to count fail queue: %w", err)
	}
	if st.DeadLetters, err = p.deadLetter.Count(ctx); err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	for _, stage := range domain.Stages {
		run, err := p.runs.Latest(ctx, stage)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s runs: %w", stage, err)
		}
		st.Runs[stage] = run
	}
	return st, nil
}

// ResetCheckpoint clears a fetch stage's checkpoint.
func (p *Pipeline) ResetCheckpoint(ctx context.Context, stage domain.Stage) error {
	return p.checkpoints.Reset(ctx, stage)
}

// DeadLetters lists up to limit dead letters.
func (p *Pipeline) DeadLetters(ctx context.Context, limit int) ([]*domain.FailQueueMessage, error) {
	return p.deadLetter.List(ctx, limit)
}

// RequeueDeadLetters moves up to limit dead letters back to the fail queue.
func (p *Pipeline) RequeueDeadLetters(ctx context.Context, limit int) (int, error) {
	return recovery.Requeue(ctx, p.deadLetter, p.failQueue, limit)
}

// Close releases database and redis connections.
func (p *Pipeline) Close() error {
	var errs []error
	if p.db != nil {
		errs = append(errs, p.db.Close())
	}
	if p.redisClient != nil {
		errs = append(errs, p.redisClient.Close())
	}
	return errors.Join(errs...)
}
