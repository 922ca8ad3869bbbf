package models

import (
	"strings"
	"time"
)

// QueueName identifies one of the three work queues.
type QueueName string

const (
	QueueScraping   QueueName = "scraping"
	QueueProcessing QueueName = "processing"
	QueueAI         QueueName = "ai"
)

// Queues lists the work queues in the order workers service them.
var Queues = []QueueName{QueueAI, QueueProcessing, QueueScraping}

// JobKind selects the stage handler for a job.
type JobKind string

const (
	KindDiscover      JobKind = "discover"
	KindScrape        JobKind = "scrape"
	KindProcess       JobKind = "process"
	KindAnalyze       JobKind = "analyze"
	KindAnalysisSweep JobKind = "analysis_sweep"
)

// Queue returns the queue that carries jobs of kind k.
func (k JobKind) Queue() QueueName {
	switch k {
	case KindDiscover, KindScrape:
		return QueueScraping
	case KindProcess:
		return QueueProcessing
	default:
		return QueueAI
	}
}

// ItemScoped reports whether the job operates on a single tender item.
func (k JobKind) ItemScoped() bool {
	return k == KindScrape || k == KindProcess || k == KindAnalyze
}

// Accepts reports whether an item in stage s is the input of a job of kind k.
func (k JobKind) Accepts(s Stage) bool {
	switch k {
	case KindScrape:
		return s == StageDiscovered
	case KindProcess:
		return s == StageScraped || s == StageProcessing
	case KindAnalyze:
		return s == StageAwaitingAnalysis
	}
	return false
}

// KindFor returns the item-scoped job kind executed on queue q.
func KindFor(q QueueName) JobKind {
	switch q {
	case QueueScraping:
		return KindScrape
	case QueueProcessing:
		return KindProcess
	default:
		return KindAnalyze
	}
}

// Job is an ephemeral queue entry. It references a tender by fingerprint and never carries the
// tender payload itself.
type Job struct {
	ID          string    `json:"id"`
	Kind        JobKind   `json:"kind"`
	Fingerprint string    `json:"fingerprint"`
	Queue       QueueName `json:"queue"`
	PayloadRef  string    `json:"payload_ref,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	NotBefore   time.Time `json:"not_before,omitempty"`
	// Attempt counts retries of item-less sweep jobs. Item jobs keep counters on the item.
	Attempt int `json:"attempt,omitempty"`
	// Lease identifies the current delivery. It is set by Dequeue and never serialized.
	Lease int64 `json:"-"`
}

const sweepPrefix = "sweep:"

// DiscoverFingerprint is the synthetic fingerprint of the discovery job for source.
func DiscoverFingerprint(source string) string {
	return sweepPrefix + "discover:" + strings.ToLower(strings.TrimSpace(source))
}

// AnalysisSweepFingerprint is the synthetic fingerprint of the analysis safety-net sweep.
const AnalysisSweepFingerprint = sweepPrefix + "analysis"

// FullDiscoverFingerprint is the synthetic fingerprint of the paged full-listing discovery of
// source. It differs from DiscoverFingerprint so a pending incremental discovery never absorbs it.
func FullDiscoverFingerprint(source string) string {
	return sweepPrefix + "discover-full:" + strings.ToLower(strings.TrimSpace(source))
}

// IsFullDiscover reports whether fp belongs to a full-listing discovery.
func IsFullDiscover(fp string) bool {
	return strings.HasPrefix(fp, sweepPrefix+"discover-full:")
}

// SourceFromDiscoverFingerprint recovers the source of a discovery job.
func SourceFromDiscoverFingerprint(fp string) string {
	if IsFullDiscover(fp) {
		return strings.TrimPrefix(fp, sweepPrefix+"discover-full:")
	}
	return strings.TrimPrefix(fp, sweepPrefix+"discover:")
}
