package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Stage enumerates tender lifecycle states persisted in the item store.
type Stage string

const (
	StageDiscovered       Stage = "Discovered"
	StageScraped          Stage = "Scraped"
	StageProcessing       Stage = "Processing"
	StageAwaitingAnalysis Stage = "AwaitingAnalysis"
	StageAnalyzed         Stage = "Analyzed"
	StageSkipped          Stage = "Skipped"
	StageFailed           Stage = "Failed"
)

// transitions lists the forward edges of the stage machine. Failed is reachable from every
// non-terminal stage and is handled in CanTransition.
var transitions = map[Stage][]Stage{
	StageDiscovered:       {StageScraped},
	StageScraped:          {StageProcessing},
	StageProcessing:       {StageAwaitingAnalysis, StageSkipped},
	StageAwaitingAnalysis: {StageAnalyzed},
}

// ParseStage returns the stage matching s (case-insensitive).
func ParseStage(s string) (Stage, bool) {
	for _, st := range []Stage{StageDiscovered, StageScraped, StageProcessing, StageAwaitingAnalysis, StageAnalyzed, StageSkipped, StageFailed} {
		if strings.EqualFold(string(st), strings.TrimSpace(s)) {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no further transition may leave s.
func (s Stage) Terminal() bool {
	return s == StageAnalyzed || s == StageSkipped || s == StageFailed
}

// CanTransition reports whether from -> to is an edge of the stage machine. A same-stage
// transition is allowed for non-terminal stages; it records a retry of that stage.
func CanTransition(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if from == to || to == StageFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FollowUpQueue returns the queue that must receive work once an item reaches s, or "" when
// the stage needs no further job.
func FollowUpQueue(s Stage) QueueName {
	switch s {
	case StageDiscovered:
		return QueueScraping
	case StageScraped:
		return QueueProcessing
	case StageAwaitingAnalysis:
		return QueueAI
	default:
		return ""
	}
}

// ErrorClass labels why a stage failed.
type ErrorClass string

const (
	ClassTransientFetch   ErrorClass = "transient_fetch"
	ClassTransientService ErrorClass = "transient_service"
	ClassPermanentParse   ErrorClass = "permanent_parse"
	ClassPermanentInput   ErrorClass = "permanent_input"
)

// Transient reports whether the class is retryable.
func (c ErrorClass) Transient() bool {
	return c == ClassTransientFetch || c == ClassTransientService
}

// LastError is the most recent failure recorded on an item.
type LastError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
}

// Attempts counts failed attempts of each stage of work, keyed by the queue executing it.
type Attempts struct {
	Scrape  int `json:"scrape"`
	Process int `json:"process"`
	Analyze int `json:"analyze"`
}

// For returns the counter for work executed on queue q.
func (a Attempts) For(q QueueName) int {
	switch q {
	case QueueScraping:
		return a.Scrape
	case QueueProcessing:
		return a.Process
	case QueueAI:
		return a.Analyze
	}
	return 0
}

// TenderItem is a discovered tender and its pipeline state.
type TenderItem struct {
	Fingerprint   string         `json:"fingerprint"`
	Source        string         `json:"source"`
	ExternalRef   string         `json:"external_ref"`
	Title         string         `json:"title,omitempty"`
	Stage         Stage          `json:"stage"`
	DeclaredValue *float64       `json:"declared_value,omitempty"`
	Attempts      Attempts       `json:"attempts"`
	LastError     *LastError     `json:"last_error,omitempty"`
	PayloadRef    string         `json:"payload_ref,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
	Analysis      map[string]any `json:"analysis,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewItem carries what discovery knows about a tender before it is scraped.
type NewItem struct {
	Fingerprint string
	Source      string
	ExternalRef string
	Title       string
}

// Fingerprint derives the stable dedup key of a tender from its source and external reference.
func Fingerprint(source, externalRef string) string {
	key := strings.ToLower(strings.TrimSpace(source)) + "|" + strings.TrimSpace(externalRef)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

// AuditLog is a single recorded pipeline event for an item.
type AuditLog struct {
	Fingerprint string    `json:"fingerprint"`
	Event       string    `json:"event"`
	Detail      string    `json:"detail"`
	Recorded    time.Time `json:"recorded_at"`
}
