package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tenderops/classipipe/internal/core/config"
	"github.com/tenderops/classipipe/internal/infra/coord"
	"github.com/tenderops/classipipe/internal/infra/enrich"
	redisclient "github.com/tenderops/classipipe/internal/infra/redis"
	"github.com/tenderops/classipipe/internal/infra/storage"
	"github.com/tenderops/classipipe/internal/infra/storage/memory"
	"github.com/tenderops/classipipe/internal/infra/storage/postgres"
	"github.com/tenderops/classipipe/internal/pipeline/claimer"
	"github.com/tenderops/classipipe/internal/pipeline/classify"
	"github.com/tenderops/classipipe/internal/pipeline/executor"
	"github.com/tenderops/classipipe/internal/pipeline/metrics"
	"github.com/tenderops/classipipe/internal/pipeline/migrate"
)

// App wires the pipeline together and manages its lifecycle.
type App struct {
	cfg *config.AppConfig

	records storage.RecordRepository
	jobs    storage.JobRepository
	source  storage.SourceReader
	coord   coord.Store

	db         *postgres.DB
	sourceRepo *postgres.SourceRepo
	classifier enrich.Classifier
	executors  map[int]*executor.Executor
	migrator   *migrate.Coordinator
	server     *Server
	log        *slog.Logger
}

// NewApp creates the application with all dependencies initialized. Without a
// database URL it falls back to in-memory storage; without a Redis URL the
// coordination store is in-memory too, which only coordinates one process.
func NewApp(cfg *config.AppConfig) (*App, error) {
	log := slog.Default()

	app := &App{cfg: cfg, log: log}

	// 1. Record and job storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		app.db = db
		app.records = postgres.NewRecordRepo(db)
		app.jobs = postgres.NewJobRepo(db)
		log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		app.records = memory.NewRecordRepo(store)
		app.jobs = memory.NewJobRepo(store)
		if cfg.Redis.URL == "" {
			app.coord = memory.NewCoordStore(store)
		}
		log.Info("Using Memory storage")
	}

	// 2. Coordination store
	if cfg.Redis.URL != "" {
		cs, err := redisclient.NewStore(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		app.coord = cs
	} else if app.coord == nil {
		app.coord = memory.NewCoordStore(memory.NewMemoryStorage())
		log.Warn("No Redis configured, claims are process-local")
	}

	// 3. Source reader
	if cfg.Source.URL != "" {
		src, err := postgres.NewSourceRepo(context.Background(), cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to init source: %w", err)
		}
		app.sourceRepo = src
		app.source = src
	} else {
		app.source = memory.NewSourceReader(cfg.Source.Table, nil)
		log.Warn("No source configured, migration has nothing to read")
	}

	// 4. Enrichment client. One executor per stage per process, so every
	// worker loop in this process shares the same pacing clock.
	app.classifier = enrich.NewClient(cfg.Enrichment)
	app.executors = map[int]*executor.Executor{
		1: stageExecutor(cfg.Stage1, app.classifier, log),
		2: stageExecutor(cfg.Stage2, app.classifier, log),
	}

	// 5. Migration coordinator
	app.migrator = migrate.New(
		migrate.Config{
			BatchSize:      cfg.Migration.BatchSize,
			MaxReadRetries: cfg.Migration.MaxReadRetries,
			LockTTL:        cfg.Migration.LockTTL,
		},
		app.jobs,
		app.records,
		app.source,
		app.coord,
		log,
	)

	app.server = NewServer(app, cfg.Server.Port, cfg.Server.APIKey)
	return app, nil
}

// Migrator returns the migration coordinator.
func (a *App) Migrator() *migrate.Coordinator {
	return a.migrator
}

// Records returns the record repository.
func (a *App) Records() storage.RecordRepository {
	return a.records
}

// Coord returns the coordination store.
func (a *App) Coord() coord.Store {
	return a.coord
}

func stageExecutor(sc config.StageConfig, classifier enrich.Classifier, log *slog.Logger) *executor.Executor {
	return executor.New(executor.Config{
		MinInterval: sc.RateLimitDelay,
		RetryDelay:  sc.RateLimitDelay,
		MaxRetries:  sc.MaxRetries,
	}, classifier, log)
}

// Stage builds a classification stage worker. Workers for the same stage share
// the process-wide executor.
func (a *App) Stage(stage int, workerID string) (*classify.Stage, error) {
	sc := a.cfg.Stage1
	if stage == 2 {
		sc = a.cfg.Stage2
	}
	exec, ok := a.executors[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage %d", stage)
	}

	cl := claimer.New(a.records, a.coord, a.log)

	return classify.New(classify.StageConfig{
		Stage:     stage,
		BatchSize: sc.BatchSize,
		Lease:     sc.Lease,
		IdleWait:  sc.IdleWait,
		ErrorWait: sc.ErrorWait,
	}, workerID, cl, exec, a.coord, a.log)
}

// ClassifyAdHoc classifies the given items synchronously, outside the record
// pipeline: coarse grouping first, then a final code for every item that
// received groups. Calls run through the stage executors, so they share pacing
// and the retry policy with the batch workers.
func (a *App) ClassifyAdHoc(ctx context.Context, items []enrich.Item) ([]enrich.Result, error) {
	coarse, err := a.executors[1].Execute(ctx, enrich.ModeCoarse, items)
	if err != nil {
		return nil, err
	}

	out := make([]enrich.Result, len(items))
	byID := make(map[string]*enrich.Result, len(items))
	titles := make(map[string]string, len(items))
	for i, item := range items {
		out[i] = enrich.Result{ID: item.ID}
		byID[item.ID] = &out[i]
		titles[item.ID] = item.Title
	}

	var fineItems []enrich.Item
	for _, res := range coarse {
		target, ok := byID[res.ID]
		if !ok {
			continue
		}
		if res.Error != "" {
			target.Error = res.Error
			continue
		}
		target.Groups = res.Groups
		if len(res.Groups) > 0 {
			fineItems = append(fineItems, enrich.Item{
				ID:     res.ID,
				Title:  titles[res.ID],
				Groups: res.Groups,
			})
		}
	}

	if len(fineItems) > 0 {
		fine, err := a.executors[2].Execute(ctx, enrich.ModeFine, fineItems)
		if err != nil {
			return nil, err
		}
		for _, res := range fine {
			target, ok := byID[res.ID]
			if !ok {
				continue
			}
			if res.Error != "" {
				target.Error = res.Error
				continue
			}
			target.Code = res.Code
			target.Name = res.Name
		}
	}

	return out, nil
}

// Start starts the control API and resumes any interrupted migration.
func (a *App) Start(ctx context.Context) error {
	go func() {
		if err := a.server.Start(); err != nil {
			a.log.Error("Control server failed", "error", err)
		}
	}()

	go func() {
		if err := a.migrator.RunActive(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("Migration resume failed", "error", err)
		}
	}()

	go a.runStatusGauges(ctx)
	return nil
}

// Stop stops the app.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping...")

	if err := a.coord.Close(); err != nil {
		a.log.Warn("Failed to close coordination store", "error", err)
	}
	if a.sourceRepo != nil {
		if err := a.sourceRepo.Close(); err != nil {
			a.log.Warn("Failed to close source", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}

	return a.server.Stop(ctx)
}

// Health reports whether the backing stores respond.
func (a *App) Health(ctx context.Context) error {
	if a.db != nil {
		if err := a.db.Health(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

// runStatusGauges refreshes the per-status record gauges.
func (a *App) runStatusGauges(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := a.records.CountByStatus(ctx)
			if err != nil {
				a.log.Debug("status gauge refresh failed", "error", err)
				continue
			}
			for status, n := range counts {
				metrics.RecordsByStatus.WithLabelValues(string(status)).Set(float64(n))
			}
		}
	}
}
