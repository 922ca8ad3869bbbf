package pipeline

import (
	"errors"
	"time"

	"tender-pipeline/internal/models"
	"tender-pipeline/internal/store"
)

// Outcome is the retry manager's reading of a handler result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// Result is what a stage handler hands back to the retry manager. Handlers never write the item
// store themselves.
type Result struct {
	// Err is nil on success.
	Err error
	// Update is the stage change to apply on success. Fingerprint and From are filled in by the
	// manager from the item the handler ran against.
	Update *store.Transition
	// Discovered lists items found by a discovery sweep.
	Discovered []models.NewItem
	// FollowUps lists fingerprints that need an analyze job.
	FollowUps []string
	// Defer, when positive, re-offers a sweep job after the delay without counting an attempt.
	Defer time.Duration
}

func success(t store.Transition) Result { return Result{Update: &t} }

func deferred(d time.Duration) Result { return Result{Defer: d} }

func failure(err error) Result { return Result{Err: err} }

var errHandlerPanic = errors.New("handler panic")

// Classify maps a handler error to an outcome and the error class recorded on the item.
// Unclassified errors, including deadline expiry, count as transient. A recovered panic is
// permanent.
func Classify(q models.QueueName, err error) (Outcome, models.ErrorClass) {
	if err == nil {
		return OutcomeSuccess, ""
	}
	if class, ok := models.ClassOf(err); ok {
		if class.Transient() {
			return OutcomeTransient, class
		}
		return OutcomePermanent, class
	}
	if errors.Is(err, errHandlerPanic) {
		return OutcomePermanent, models.ClassPermanentInput
	}
	if q == models.QueueScraping {
		return OutcomeTransient, models.ClassTransientFetch
	}
	return OutcomeTransient, models.ClassTransientService
}

// backoffDelay returns base * 2^attempt capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	wait := base
	for i := 0; i < attempt; i++ {
		wait *= 2
		if max > 0 && wait >= max {
			return max
		}
	}
	if max > 0 && wait > max {
		return max
	}
	return wait
}
