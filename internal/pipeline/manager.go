package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"tender-pipeline/internal/config"
	"tender-pipeline/internal/logx"
	"tender-pipeline/internal/models"
	"tender-pipeline/internal/store"
	"tender-pipeline/internal/telemetry"
)

// Router is the queue surface the pipeline needs.
type Router interface {
	Enqueue(ctx context.Context, job models.Job) (bool, error)
	Dequeue(ctx context.Context) (models.Job, bool, error)
	Ack(ctx context.Context, job models.Job) error
	Retry(ctx context.Context, job models.Job, notBefore time.Time) error
	ExtendLease(ctx context.Context, job models.Job, extension time.Duration) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context, name models.QueueName) (int64, error)
	DLQPush(ctx context.Context, job models.Job, cause error) error
}

// Handler executes one stage. item is nil for sweep jobs.
type Handler func(ctx context.Context, job models.Job, item *models.TenderItem) Result

// Manager is the retry/backoff manager: it runs handlers and is the only writer of item stages.
// Transitions for one fingerprint are serialized; different fingerprints run concurrently.
type Manager struct {
	cfg      config.Config
	store    store.Store
	router   Router
	handlers map[models.JobKind]Handler
	locks    *keyedMutex
	log      logx.Logger
	now      func() time.Time
}

func NewManager(cfg config.Config, st store.Store, router Router, handlers map[models.JobKind]Handler, log logx.Logger) *Manager {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 2 * time.Minute
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		router:   router,
		handlers: handlers,
		locks:    newKeyedMutex(),
		log:      log.With(logx.String("component", "retry_manager")),
		now:      time.Now,
	}
}

// Process runs a leased job to completion and settles it. The lease is extended while the job is
// held. When the store or router fails the job is left un-acked and the router redelivers it after
// the lease expires. Cancellation of ctx does not interrupt a running handler.
func (m *Manager) Process(ctx context.Context, job models.Job) {
	ctx = context.WithoutCancel(ctx)
	log := m.log.With(logx.String("job_id", job.ID), logx.String("kind", string(job.Kind)), logx.String("fingerprint", job.Fingerprint))
	stop := m.heartbeat(ctx, log, job)
	defer stop()

	if !job.Kind.ItemScoped() {
		res := m.run(ctx, job, nil)
		m.settleSweep(ctx, log, job, res)
		return
	}

	unlock := m.locks.Lock(job.Fingerprint)
	defer unlock()

	item, err := m.store.Get(ctx, job.Fingerprint)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("job references unknown tender; dropping")
		m.ack(ctx, log, job)
		return
	}
	if err != nil {
		log.Error("load tender failed; leaving lease to expire", logx.Err(err))
		return
	}
	if !job.Kind.Accepts(item.Stage) {
		m.resume(ctx, log, job, item)
		return
	}
	if job.Kind == models.KindProcess && item.Stage == models.StageScraped {
		item, err = m.store.Apply(ctx, store.Transition{Fingerprint: item.Fingerprint, From: models.StageScraped, To: models.StageProcessing})
		if err != nil {
			log.Error("begin processing failed; leaving lease to expire", logx.Err(err))
			return
		}
	}

	res := m.run(ctx, job, &item)
	m.settleItem(ctx, log, job, item, res)
}

// heartbeat extends the lease of job every third of the visibility timeout until stop is called.
func (m *Manager) heartbeat(ctx context.Context, log logx.Logger, job models.Job) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.VisibilityTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := m.router.ExtendLease(ctx, job, m.cfg.VisibilityTimeout)
			if errors.Is(err, models.ErrLeaseLost) {
				log.Warn("lease lost while job was running")
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("extend lease failed", logx.Err(err))
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// run invokes the handler with a bounded timeout and converts panics into permanent failures.
func (m *Manager) run(ctx context.Context, job models.Job, item *models.TenderItem) (res Result) {
	h, ok := m.handlers[job.Kind]
	if !ok {
		return failure(models.PermanentInputError(fmt.Errorf("no handler registered for kind %q", job.Kind)))
	}
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("handler panic", logx.String("kind", string(job.Kind)), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = failure(fmt.Errorf("%w: %v", errHandlerPanic, r))
		}
	}()
	return h(hctx, job, item)
}

func (m *Manager) settleItem(ctx context.Context, log logx.Logger, job models.Job, item models.TenderItem, res Result) {
	outcome, class := Classify(job.Queue, res.Err)
	telemetry.StageOutcomes.WithLabelValues(string(job.Queue), outcome.String()).Inc()

	switch outcome {
	case OutcomeSuccess:
		if res.Update == nil {
			log.Error("handler succeeded without a stage update")
			m.fail(ctx, log, job, item, models.ClassPermanentInput, errors.New("handler returned no stage update"), false)
			return
		}
		t := *res.Update
		t.Fingerprint = item.Fingerprint
		t.From = item.Stage
		updated, err := m.store.Apply(ctx, t)
		if errors.Is(err, models.ErrStaleTransition) {
			m.reload(ctx, log, job)
			return
		}
		if err != nil {
			log.Error("apply transition failed; leaving lease to expire", logx.Err(err))
			return
		}
		m.audit(ctx, log, item.Fingerprint, string(updated.Stage), fmt.Sprintf("%s -> %s", item.Stage, updated.Stage))
		if updated.Stage.Terminal() {
			telemetry.TerminalItems.WithLabelValues(string(updated.Stage)).Inc()
		}
		if err := m.enqueueFollowUp(ctx, updated); err != nil {
			log.Error("enqueue follow-up failed; leaving lease to expire", logx.Err(err))
			return
		}
		m.ack(ctx, log, job)

	case OutcomeTransient:
		attempts := item.Attempts.For(job.Queue) + 1
		if attempts >= m.cfg.MaxRetryAttempts {
			m.fail(ctx, log, job, item, class, res.Err, true)
			return
		}
		_, err := m.store.Apply(ctx, store.Transition{
			Fingerprint: item.Fingerprint,
			From:        item.Stage,
			To:          item.Stage,
			FailedQueue: job.Queue,
			LastError:   &models.LastError{Class: class, Message: res.Err.Error()},
		})
		if errors.Is(err, models.ErrStaleTransition) {
			m.reload(ctx, log, job)
			return
		}
		if err != nil {
			log.Error("record attempt failed; leaving lease to expire", logx.Err(err))
			return
		}
		delay := backoffDelay(m.cfg.RetryBackoffBase, m.cfg.RetryBackoffMax, attempts)
		if !m.retry(ctx, log, job, delay) {
			return
		}
		log.Warn("stage failed; retry scheduled", logx.Err(res.Err), logx.Int("attempt", attempts), logx.Duration("delay", delay))
		m.audit(ctx, log, item.Fingerprint, "retry_scheduled", fmt.Sprintf("queue=%s attempt=%d delay=%s: %v", job.Queue, attempts, delay, res.Err))

	default:
		m.fail(ctx, log, job, item, class, res.Err, false)
	}
}

// fail moves the item to Failed exactly once and acks the job. countAttempt records the final
// transient attempt on the stage counter.
func (m *Manager) fail(ctx context.Context, log logx.Logger, job models.Job, item models.TenderItem, class models.ErrorClass, cause error, countAttempt bool) {
	t := store.Transition{
		Fingerprint: item.Fingerprint,
		From:        item.Stage,
		To:          models.StageFailed,
		LastError:   &models.LastError{Class: class, Message: cause.Error()},
	}
	if countAttempt {
		t.FailedQueue = job.Queue
	}
	_, err := m.store.Apply(ctx, t)
	if errors.Is(err, models.ErrStaleTransition) {
		m.reload(ctx, log, job)
		return
	}
	if err != nil {
		log.Error("mark failed failed; leaving lease to expire", logx.Err(err))
		return
	}
	telemetry.TerminalItems.WithLabelValues(string(models.StageFailed)).Inc()
	log.Warn("tender failed", logx.String("class", string(class)), logx.Err(cause))
	m.audit(ctx, log, item.Fingerprint, "failed", fmt.Sprintf("%s: %v", class, cause))
	m.ack(ctx, log, job)
}

// resume handles a job whose item already moved past the job's stage, typically a redelivery
// after a crash between transition and ack.
func (m *Manager) resume(ctx context.Context, log logx.Logger, job models.Job, item models.TenderItem) {
	if q := models.FollowUpQueue(item.Stage); q != "" && q != job.Queue {
		if err := m.enqueueFollowUp(ctx, item); err != nil {
			log.Error("resume enqueue failed; leaving lease to expire", logx.Err(err))
			return
		}
	}
	log.Debug("job no longer matches tender stage; acked", logx.String("stage", string(item.Stage)))
	m.ack(ctx, log, job)
}

func (m *Manager) reload(ctx context.Context, log logx.Logger, job models.Job) {
	item, err := m.store.Get(ctx, job.Fingerprint)
	if err != nil {
		log.Error("reload after concurrent change failed", logx.Err(err))
		return
	}
	m.resume(ctx, log, job, item)
}

func (m *Manager) enqueueFollowUp(ctx context.Context, item models.TenderItem) error {
	q := models.FollowUpQueue(item.Stage)
	if q == "" {
		return nil
	}
	_, err := m.router.Enqueue(ctx, models.Job{
		Kind:        models.KindFor(q),
		Fingerprint: item.Fingerprint,
		Queue:       q,
		PayloadRef:  item.PayloadRef,
	})
	return err
}

func (m *Manager) settleSweep(ctx context.Context, log logx.Logger, job models.Job, res Result) {
	if res.Err == nil && res.Defer > 0 {
		telemetry.StageOutcomes.WithLabelValues(string(job.Queue), "deferred").Inc()
		if m.retry(ctx, log, job, res.Defer) {
			log.Info("sweep deferred", logx.Duration("delay", res.Defer))
		}
		return
	}
	if res.Err == nil {
		res.Err = m.fanOut(ctx, job, res)
	}
	outcome, _ := Classify(job.Queue, res.Err)
	telemetry.StageOutcomes.WithLabelValues(string(job.Queue), outcome.String()).Inc()

	switch outcome {
	case OutcomeSuccess:
		log.Info("sweep completed", logx.Int("discovered", len(res.Discovered)), logx.Int("follow_ups", len(res.FollowUps)))
		m.ack(ctx, log, job)
	case OutcomeTransient:
		job.Attempt++
		if job.Attempt < m.cfg.MaxRetryAttempts {
			delay := backoffDelay(m.cfg.RetryBackoffBase, m.cfg.RetryBackoffMax, job.Attempt)
			if !m.retry(ctx, log, job, delay) {
				return
			}
			log.Warn("sweep failed; retry scheduled", logx.Err(res.Err), logx.Int("attempt", job.Attempt), logx.Duration("delay", delay))
			return
		}
		m.deadLetter(ctx, log, job, res.Err)
	default:
		m.deadLetter(ctx, log, job, res.Err)
	}
}

// fanOut claims discovered items and enqueues their next jobs. Items already known are only
// re-enqueued while still Discovered, which recovers scrape jobs lost before they were queued.
func (m *Manager) fanOut(ctx context.Context, job models.Job, res Result) error {
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	created := 0
	for _, it := range res.Discovered {
		stage, isNew, err := m.store.Claim(ctx, it)
		if err != nil {
			keep(fmt.Errorf("claim %s: %w", it.Fingerprint, err))
			continue
		}
		if isNew {
			created++
			m.audit(ctx, m.log, it.Fingerprint, "discovered", it.Source+"/"+it.ExternalRef)
		}
		if stage != models.StageDiscovered {
			continue
		}
		if _, err := m.router.Enqueue(ctx, models.Job{Kind: models.KindScrape, Fingerprint: it.Fingerprint, Queue: models.QueueScraping}); err != nil {
			keep(fmt.Errorf("enqueue scrape %s: %w", it.Fingerprint, err))
		}
	}
	for _, fp := range res.FollowUps {
		if _, err := m.router.Enqueue(ctx, models.Job{Kind: models.KindAnalyze, Fingerprint: fp, Queue: models.QueueAI}); err != nil {
			keep(fmt.Errorf("enqueue analyze %s: %w", fp, err))
		}
	}
	if len(res.Discovered) > 0 {
		m.log.Info("discovery fan-out", logx.String("sweep", job.Fingerprint), logx.Int("seen", len(res.Discovered)), logx.Int("new", created))
	}
	return firstErr
}

func (m *Manager) deadLetter(ctx context.Context, log logx.Logger, job models.Job, cause error) {
	if err := m.router.DLQPush(ctx, job, cause); err != nil {
		log.Error("dlq push failed", logx.Err(err))
	}
	telemetry.DeadLettered.Inc()
	log.Error("sweep dead-lettered", logx.Err(cause), logx.Int("attempts", job.Attempt))
	m.ack(ctx, log, job)
}

// retry hands job back to the router after delay. It reports false when the job stays leased,
// either because the router failed or because the lease was already lost.
func (m *Manager) retry(ctx context.Context, log logx.Logger, job models.Job, delay time.Duration) bool {
	err := m.router.Retry(ctx, job, m.now().Add(delay))
	if errors.Is(err, models.ErrLeaseLost) {
		log.Warn("lease lost before retry; job was redelivered")
		return false
	}
	if err != nil {
		log.Error("schedule retry failed; leaving lease to expire", logx.Err(err))
		return false
	}
	return true
}

func (m *Manager) ack(ctx context.Context, log logx.Logger, job models.Job) {
	err := m.router.Ack(ctx, job)
	if errors.Is(err, models.ErrLeaseLost) {
		log.Warn("lease lost before ack; job was redelivered")
		return
	}
	if err != nil {
		log.Error("ack failed", logx.Err(err))
	}
}

func (m *Manager) audit(ctx context.Context, log logx.Logger, fingerprint, event, detail string) {
	if err := m.store.AppendAudit(ctx, fingerprint, event, detail); err != nil {
		log.Warn("audit append failed", logx.Err(err))
	}
}
