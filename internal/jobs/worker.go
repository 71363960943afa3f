package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/lucasdmn/instagram-scraper/internal/database"
)

// Queue claims pending jobs for the worker.
type Queue interface {
	ClaimNextPendingJob(ctx context.Context) (*database.Job, error)
}

// Worker polls for pending jobs and hands them to the manager one at a
// time. Scraping the same site from multiple goroutines at once would
// defeat the rate limiter, so jobs run sequentially.
type Worker struct {
	queue    Queue
	manager  *Manager
	logger   *slog.Logger
	interval time.Duration
}

func NewWorker(queue Queue, manager *Manager, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Worker{
		queue:    queue,
		manager:  manager,
		logger:   logger.With("component", "job_worker"),
		interval: interval,
	}
}

// Start polls until the context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("starting job worker", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("job worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims and runs jobs until the queue is empty.
func (w *Worker) drain(ctx context.Context) {
	for {
		job, err := w.queue.ClaimNextPendingJob(ctx)
		if err != nil {
			w.logger.Error("failed to claim pending job", "error", err)
			return
		}
		if job == nil {
			return
		}
		if err := w.manager.ExecuteClaimed(ctx, job); err != nil {
			w.logger.Error("job execution error", "job_id", job.ID, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
