package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tender-pipeline/internal/config"
	"tender-pipeline/internal/models"
)

// Store is the durable item store. The unique fingerprint column doubles as the dedup index.
type Store interface {
	// Claim inserts a Discovered item unless the fingerprint is known. It returns the current
	// stage and whether this call created the row.
	Claim(ctx context.Context, item models.NewItem) (models.Stage, bool, error)
	// Lookup returns the stage recorded for fingerprint, if any.
	Lookup(ctx context.Context, fingerprint string) (models.Stage, bool, error)
	Get(ctx context.Context, fingerprint string) (models.TenderItem, error)
	ListByStage(ctx context.Context, stage models.Stage, limit int) ([]models.TenderItem, error)
	CountByStage(ctx context.Context) (map[models.Stage]int64, error)
	// Apply performs a compare-and-set stage transition and returns the updated item.
	Apply(ctx context.Context, t Transition) (models.TenderItem, error)

	LoadScheduleState(ctx context.Context) (models.ScheduleState, error)
	// AdvanceSweep records now as the last run of sweep only if the stored value still equals
	// prev. It reports whether this caller won.
	AdvanceSweep(ctx context.Context, sweep models.SweepKind, prev, now time.Time) (bool, error)

	AppendAudit(ctx context.Context, fingerprint, event, detail string) error
	ListAudit(ctx context.Context, fingerprint string, limit int) ([]models.AuditLog, error)
	Ping(ctx context.Context) error
	Close() error
}

// Transition describes one stage change plus the data produced by the stage that caused it.
// Zero-valued fields leave the stored column untouched.
type Transition struct {
	Fingerprint string
	From        models.Stage
	To          models.Stage

	Title         string
	DeclaredValue *float64 // written once; later values are ignored
	PayloadRef    string
	Fields        map[string]any
	Analysis      map[string]any

	// FailedQueue increments the attempt counter of the stage executed on that queue.
	FailedQueue models.QueueName
	LastError   *models.LastError
}

// Open initializes the configured store and applies its schema.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	switch driver {
	case "", "postgres", "pgx":
		st, err := New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg.SQLitePath)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}

func attemptColumn(q models.QueueName) string {
	switch q {
	case models.QueueScraping:
		return "scrape_attempts"
	case models.QueueProcessing:
		return "process_attempts"
	case models.QueueAI:
		return "analysis_attempts"
	}
	return ""
}

// applyStatement builds the CAS update shared by both drivers. ph renders the n-th placeholder and
// at is the driver's encoding of the update time.
func applyStatement(t Transition, ph func(int) string, at any) (string, []any, error) {
	args := []any{string(t.To), at}
	sets := []string{"stage = " + ph(1), "updated_at = " + ph(2)}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, ph(len(args))))
	}

	if t.Title != "" {
		add("title = %s", t.Title)
	}
	if t.DeclaredValue != nil {
		add("declared_value = COALESCE(declared_value, %s)", *t.DeclaredValue)
	}
	if t.PayloadRef != "" {
		add("payload_ref = %s", t.PayloadRef)
	}
	if t.Fields != nil {
		b, err := json.Marshal(t.Fields)
		if err != nil {
			return "", nil, fmt.Errorf("marshal fields: %w", err)
		}
		add("fields = %s", string(b))
	}
	if t.Analysis != nil {
		b, err := json.Marshal(t.Analysis)
		if err != nil {
			return "", nil, fmt.Errorf("marshal analysis: %w", err)
		}
		add("analysis = %s", string(b))
	}
	if col := attemptColumn(t.FailedQueue); col != "" {
		sets = append(sets, col+" = "+col+" + 1")
	}
	if t.LastError != nil {
		add("last_error_class = %s", string(t.LastError.Class))
		add("last_error = %s", t.LastError.Message)
	}

	args = append(args, t.Fingerprint)
	where := "fingerprint = " + ph(len(args))
	args = append(args, string(t.From))
	where += " AND stage = " + ph(len(args))

	return "UPDATE tenders SET " + strings.Join(sets, ", ") + " WHERE " + where, args, nil
}

func validate(t Transition) error {
	if t.Fingerprint == "" {
		return errors.New("transition without fingerprint")
	}
	if !models.CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, t.From, t.To)
	}
	return nil
}

func decodeJSONMap(b []byte) (map[string]any, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
