package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"tender-pipeline/internal/config"
	"tender-pipeline/internal/logx"
	"tender-pipeline/internal/models"
	"tender-pipeline/internal/telemetry"
)

// Pool runs a fixed number of workers that lease jobs from the router and hand them to the
// manager, plus one maintenance loop that promotes due retries and reclaims expired leases.
type Pool struct {
	cfg     config.Config
	router  Router
	manager *Manager
	log     logx.Logger
}

func NewPool(cfg config.Config, router Router, manager *Manager, log logx.Logger) *Pool {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Pool{cfg: cfg, router: router, manager: manager, log: log.With(logx.String("component", "worker_pool"))}
}

// Run blocks until ctx is cancelled. Workers stop leasing new jobs on cancellation but finish the
// job in hand, so Run returns only once in-flight work has settled.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting", logx.Int("workers", p.cfg.WorkerPoolSize))
	var g errgroup.Group
	for i := 0; i < p.cfg.WorkerPoolSize; i++ {
		id := i
		g.Go(func() error {
			p.work(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		p.maintain(ctx)
		return nil
	})
	err := g.Wait()
	p.log.Info("worker pool drained")
	return err
}

func (p *Pool) work(ctx context.Context, id int) {
	log := p.log.With(logx.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := p.router.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("dequeue failed", logx.Err(err))
			}
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return
			}
			continue
		}
		if !ok {
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return
			}
			continue
		}
		telemetry.InFlightGauge.Inc()
		p.manager.Process(ctx, job)
		telemetry.InFlightGauge.Dec()
	}
}

func (p *Pool) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		if n, err := p.router.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
			p.log.Warn("promote scheduled failed", logx.Err(err))
		} else if n > 0 {
			p.log.Debug("promoted scheduled jobs", logx.Int("count", n))
		}
		if reclaimed, err := p.router.RequeueExpired(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
			p.log.Warn("requeue expired failed", logx.Err(err))
		} else if len(reclaimed) > 0 {
			p.log.Warn("reclaimed expired leases", logx.Int("count", len(reclaimed)))
		}
		for _, q := range models.Queues {
			if depth, err := p.router.Depth(ctx, q); err == nil {
				telemetry.QueueDepthGauge.WithLabelValues(string(q)).Set(float64(depth))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
