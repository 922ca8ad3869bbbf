package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tender-pipeline/internal/config"
	"tender-pipeline/internal/models"
	"tender-pipeline/internal/telemetry"
)

// Router routes pipeline jobs to the scraping, processing and ai queues in Redis. It drops an
// enqueue when a job for the same (fingerprint, queue) pair is already pending, where pending
// covers ready, scheduled and leased jobs.
type Router struct {
	client        *redis.Client
	queues        []models.QueueName
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	visibilityTTL time.Duration
	dlqKey        string

	closed atomic.Bool
	now    func() time.Time
}

// Stats is a point-in-time view of the router.
type Stats struct {
	Ready     map[models.QueueName]int64 `json:"ready"`
	Scheduled int64                      `json:"scheduled"`
	InFlight  int64                      `json:"inflight"`
	DLQ       int64                      `json:"dlq"`
}

// DeadLetter is a sweep job that exhausted its retries.
type DeadLetter struct {
	Job      models.Job `json:"job"`
	Error    string     `json:"error"`
	Recorded time.Time  `json:"recorded"`
}

// NewRouter builds a router and its Redis client from config.
func NewRouter(cfg config.Config) *Router {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRouterWithClient(client, cfg.VisibilityTimeout, cfg.DLQName)
}

// NewRouterWithClient builds a router over an existing client.
func NewRouterWithClient(client *redis.Client, visibility time.Duration, dlqKey string) *Router {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	if dlqKey == "" {
		dlqKey = "queue:dlq"
	}
	return &Router{
		client:        client,
		queues:        models.Queues,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		jobMetaPrefix: "queue:jobmeta:",
		visibilityTTL: visibility,
		dlqKey:        dlqKey,
		now:           time.Now,
	}
}

// Client exposes the underlying Redis client for collaborators sharing the connection.
func (q *Router) Client() *redis.Client { return q.client }

const readyPrefix = "queue:ready:"

func (q *Router) readyKey(name models.QueueName) string {
	return readyPrefix + string(name)
}

func (q *Router) pendingKey(name models.QueueName) string {
	return fmt.Sprintf("queue:pending:%s", name)
}

func (q *Router) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// CloseDiscovery makes the router refuse new discovery jobs. Item jobs are still accepted so that
// in-flight items can finish their path while the pool drains.
func (q *Router) CloseDiscovery() { q.closed.Store(true) }

// Enqueue places job on its queue unless an equal job is pending. It reports whether the job was
// queued; a dropped duplicate is not an error.
func (q *Router) Enqueue(ctx context.Context, job models.Job) (bool, error) {
	if job.Fingerprint == "" {
		return false, errors.New("enqueue: job has no fingerprint")
	}
	if job.Kind == models.KindDiscover && q.closed.Load() {
		return false, models.ErrQueueClosed
	}
	if job.Queue == "" {
		job.Queue = job.Kind.Queue()
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := q.now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now.UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}
	score := ""
	if job.NotBefore.After(now) {
		score = strconv.FormatInt(job.NotBefore.UnixMilli(), 10)
	}

	keys := []string{q.pendingKey(job.Queue), q.metaKey(job.ID), q.readyKey(job.Queue), q.scheduledKey}
	res, err := enqueueScript.Run(ctx, q.client, keys, job.Fingerprint, job.ID, string(job.Queue), body, score).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.Queue, err)
	}
	if res == 0 {
		telemetry.JobsDeduplicated.WithLabelValues(string(job.Queue)).Inc()
		return false, nil
	}
	telemetry.JobsEnqueued.WithLabelValues(string(job.Queue)).Inc()
	return true, nil
}

// Dequeue leases the next job, preferring ai over processing over scraping. ok is false when all
// queues are empty.
func (q *Router) Dequeue(ctx context.Context) (models.Job, bool, error) {
	keys := make([]string, 0, len(q.queues)+1)
	for _, name := range q.queues {
		keys = append(keys, q.readyKey(name))
	}
	keys = append(keys, q.inflightKey)

	deadline := q.now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, keys, deadline, q.jobMetaPrefix).Result()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return models.Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	jobID, _ := arr[0].(string)
	body, _ := arr[1].(string)
	lease, _ := arr[2].(int64)
	if body == "" {
		return models.Job{}, false, fmt.Errorf("job %s has no descriptor", jobID)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return models.Job{}, false, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	job.Lease = lease
	return job, true, nil
}

// ExtendLease pushes the visibility deadline of a leased job forward. It returns
// models.ErrLeaseLost when the lease already expired and the job was handed back to the queue.
func (q *Router) ExtendLease(ctx context.Context, job models.Job, extension time.Duration) error {
	deadline := q.now().Add(extension).UnixMilli()
	keys := []string{q.inflightKey, q.metaKey(job.ID)}
	held, err := extendScript.Run(ctx, q.client, keys, job.ID, job.Lease, deadline).Int()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", job.ID, err)
	}
	if held == 0 {
		return models.ErrLeaseLost
	}
	return nil
}

// Ack completes a leased job and clears its pending marker. A caller whose lease expired gets
// models.ErrLeaseLost and nothing changes, so the redelivered copy stays the only descriptor.
func (q *Router) Ack(ctx context.Context, job models.Job) error {
	keys := []string{q.inflightKey, q.metaKey(job.ID), q.pendingKey(job.Queue)}
	held, err := ackScript.Run(ctx, q.client, keys, job.ID, job.Lease, job.Fingerprint).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", job.ID, err)
	}
	if held == 0 {
		return models.ErrLeaseLost
	}
	return nil
}

// Retry moves a leased job back to its queue, not before notBefore. The pending marker is kept,
// so no duplicate can slip in while the job waits. Like Ack it only acts for the current lease.
func (q *Router) Retry(ctx context.Context, job models.Job, notBefore time.Time) error {
	job.NotBefore = notBefore.UTC()
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	score := ""
	if notBefore.After(q.now()) {
		score = strconv.FormatInt(notBefore.UnixMilli(), 10)
	}
	keys := []string{q.inflightKey, q.metaKey(job.ID), q.readyKey(job.Queue), q.scheduledKey}
	held, err := retryScript.Run(ctx, q.client, keys, job.ID, job.Lease, body, score).Int()
	if err != nil {
		return fmt.Errorf("retry %s: %w", job.ID, err)
	}
	if held == 0 {
		return models.ErrLeaseLost
	}
	return nil
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how many were promoted.
func (q *Router) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{q.scheduledKey},
		now.UnixMilli(), limit, q.jobMetaPrefix, readyPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return n, nil
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them. Jobs whose worker died are
// redelivered this way. Each reclaimed job gets a new lease on its next delivery, so the worker
// that lost it can no longer ack or retry it.
func (q *Router) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := requeueScript.Run(ctx, q.client, []string{q.inflightKey},
		now.UnixMilli(), limit, q.jobMetaPrefix, readyPrefix).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return ids, nil
}

// Depth returns the number of ready jobs on one queue.
func (q *Router) Depth(ctx context.Context, name models.QueueName) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(name)).Result()
}

// Stats returns ready depth per queue plus scheduled, leased and dead-lettered counts.
func (q *Router) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := make(map[models.QueueName]*redis.IntCmd, len(q.queues))
	for _, name := range q.queues {
		ready[name] = pipe.LLen(ctx, q.readyKey(name))
	}
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	dlq := pipe.LLen(ctx, q.dlqKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}
	out := Stats{
		Ready:     make(map[models.QueueName]int64, len(ready)),
		Scheduled: scheduled.Val(),
		InFlight:  inflight.Val(),
		DLQ:       dlq.Val(),
	}
	for name, cmd := range ready {
		out.Ready[name] = cmd.Val()
	}
	return out, nil
}

// DLQPush appends a dead letter for operational inspection.
func (q *Router) DLQPush(ctx context.Context, job models.Job, cause error) error {
	entry := DeadLetter{Job: job, Recorded: q.now().UTC()}
	if cause != nil {
		entry.Error = cause.Error()
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return q.client.RPush(ctx, q.dlqKey, body).Err()
}

// DLQPeek reads the oldest count dead letters.
func (q *Router) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		count = 50
	}
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Ping checks connectivity.
func (q *Router) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (q *Router) Close() error {
	return q.client.Close()
}

// KEYS: pending set, job meta, ready list, scheduled zset.
// ARGV: fingerprint, job id, queue, descriptor, not-before score ("" for ready now).
var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'queue', ARGV[3], 'body', ARGV[4])
if ARGV[5] ~= '' then
  redis.call('ZADD', KEYS[4], ARGV[5], ARGV[2])
else
  redis.call('RPUSH', KEYS[3], ARGV[2])
end
return 1
`)

// Each delivery bumps the lease counter on the job meta hash. A descriptor whose meta vanished is
// dropped instead of leased. Returns {id, body, lease}.
var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    local meta = ARGV[2] .. job
    local body = redis.call('HGET', meta, 'body')
    if not body then
      return {job, '', 0}
    end
    redis.call('ZADD', inflight, ARGV[1], job)
    local lease = redis.call('HINCRBY', meta, 'lease', 1)
    return {job, body, lease}
  end
end
return nil
`)

// KEYS: inflight zset, job meta. ARGV: job id, lease, new deadline.
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease') ~= ARGV[2] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// KEYS: inflight zset, job meta, pending set. ARGV: job id, lease, fingerprint.
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease') ~= ARGV[2] then
  return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[3])
return 1
`)

// KEYS: inflight zset, job meta, ready list, scheduled zset.
// ARGV: job id, lease, descriptor, not-before score ("" for ready now).
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease') ~= ARGV[2] then
  return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'body', ARGV[3])
if ARGV[4] ~= '' then
  redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
else
  redis.call('RPUSH', KEYS[3], ARGV[1])
end
return 1
`)

// KEYS: scheduled zset. ARGV: now ms, limit, meta prefix, ready prefix.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local name = redis.call('HGET', ARGV[3] .. id, 'queue')
    if name then
      redis.call('RPUSH', ARGV[4] .. name, id)
      moved = moved + 1
    end
  end
end
return moved
`)

// KEYS: inflight zset. ARGV: now ms, limit, meta prefix, ready prefix. Returns the requeued ids.
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local meta = ARGV[3] .. id
    local name = redis.call('HGET', meta, 'queue')
    if name then
      redis.call('HINCRBY', meta, 'lease', 1)
      redis.call('RPUSH', ARGV[4] .. name, id)
      table.insert(moved, id)
    end
  end
end
return moved
`)
