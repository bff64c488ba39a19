package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/sanjoekurian/sdpip-backend/internal/config"
	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/repos"
	"github.com/sanjoekurian/sdpip-backend/internal/services"
)

// Worker polls for runnable pipeline jobs and drives them through the
// pipeline service. Several workers may run across processes; the SKIP
// LOCKED claim in the repo keeps them from stepping on each other, and the
// stale-heartbeat clause is what makes a crashed worker's jobs runnable
// again.
type Worker struct {
	log      *logger.Logger
	cfg      config.WorkerConfig
	jobRepo  repos.PipelineJobRepo
	pipeline services.PipelineService

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewWorker(log *logger.Logger, cfg config.WorkerConfig, jobRepo repos.PipelineJobRepo, pipeline services.PipelineService) *Worker {
	return &Worker{
		log:      log.With("service", "Worker"),
		cfg:      cfg,
		jobRepo:  jobRepo,
		pipeline: pipeline,
	}
}

// Start launches the polling goroutines. Non-blocking; Stop waits for
// in-flight jobs to reach a stage boundary.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	concurrency := w.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("Worker starting", "concurrency", concurrency, "poll_interval_seconds", w.cfg.PollIntervalSeconds)

	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
}

func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.log.Info("Worker stopped")
}

func (w *Worker) loop(ctx context.Context, slot int) {
	defer w.wg.Done()

	interval := time.Duration(w.cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := w.log.With("slot", slot)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOne(ctx, log)
		}
	}
}

func (w *Worker) runOne(ctx context.Context, log *logger.Logger) {
	stale := time.Duration(w.cfg.StaleMinutes) * time.Minute
	job, err := w.jobRepo.ClaimNextRunnable(ctx, nil, stale)
	if err != nil {
		log.Error("Job claim failed", "error", err.Error())
		return
	}
	if job == nil {
		return
	}

	log.Info("Job claimed", "job_id", job.ID.String(), "status", job.Status)
	if err := w.pipeline.Run(ctx, job.ID); err != nil {
		log.Warn("Job run ended with error", "job_id", job.ID.String(), "error", err.Error())
	}
}
