package crank

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

// AdvanceJob asks a worker to run one crank step.
type AdvanceJob struct{}

// Kind returns the job type identifier for River
func (AdvanceJob) Kind() string { return "round_advance" }

// AdvanceWorker runs AdvanceJob.
type AdvanceWorker struct {
	river.WorkerDefaults[AdvanceJob]
	crank *Crank
}

// NewAdvanceWorker wraps c as a River worker.
func NewAdvanceWorker(c *Crank) *AdvanceWorker {
	return &AdvanceWorker{crank: c}
}

func (w *AdvanceWorker) Work(ctx context.Context, _ *river.Job[AdvanceJob]) error {
	action, err := w.crank.Advance(ctx)
	if err != nil {
		slog.Error("crank job failed", "action", action, "err", err)
		// The next periodic run retries from fresh state.
		return river.JobCancel(err)
	}
	if action != ActionNone {
		slog.Info("crank advanced", "action", action, "via", "river")
	}
	return nil
}

// Scheduler runs the crank as a River periodic job, so that only the elected
// leader among several server processes enqueues it.
type Scheduler struct {
	client *river.Client[pgx.Tx]
}

// NewScheduler builds a River client on pool that enqueues AdvanceJob every
// interval, starting immediately.
func NewScheduler(pool *pgxpool.Pool, c *Crank, interval time.Duration) (*Scheduler, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, NewAdvanceWorker(c))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 1},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(interval),
				func() (river.JobArgs, *river.InsertOpts) {
					return AdvanceJob{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}
	return &Scheduler{client: client}, nil
}

// Start starts the River client.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start River client: %w", err)
	}
	return nil
}

// Stop waits for running jobs and stops the client.
func (s *Scheduler) Stop(ctx context.Context) error {
	if err := s.client.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop River client: %w", err)
	}
	return nil
}

// MigrateRiver applies River's own schema migrations.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{}); err != nil {
		return fmt.Errorf("failed to run River migrations: %w", err)
	}
	return nil
}
