package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"tender-pipeline/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations applies the embedded Postgres schema.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	sql, err := migration("postgres.sql")
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("exec migration postgres.sql: %w", err)
	}
	return nil
}

const pgItemColumns = `fingerprint, source, external_ref, title, stage, declared_value,
	scrape_attempts, process_attempts, analysis_attempts, last_error_class, last_error,
	payload_ref, fields, analysis, created_at, updated_at`

// Claim inserts a Discovered row, relying on the primary key to reject known fingerprints.
func (s *Postgres) Claim(ctx context.Context, item models.NewItem) (models.Stage, bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO tenders (fingerprint, source, external_ref, title, stage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (fingerprint) DO NOTHING
	`, item.Fingerprint, item.Source, item.ExternalRef, item.Title, string(models.StageDiscovered), now)
	if err != nil {
		return "", false, fmt.Errorf("claim tender: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return models.StageDiscovered, true, nil
	}
	stage, found, err := s.Lookup(ctx, item.Fingerprint)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, errors.New("claim conflict but no existing tender found")
	}
	return stage, false, nil
}

func (s *Postgres) Lookup(ctx context.Context, fingerprint string) (models.Stage, bool, error) {
	var stage string
	err := s.pool.QueryRow(ctx, `SELECT stage FROM tenders WHERE fingerprint = $1`, fingerprint).Scan(&stage)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup tender: %w", err)
	}
	return models.Stage(stage), true, nil
}

// Get fetches a tender by fingerprint.
func (s *Postgres) Get(ctx context.Context, fingerprint string) (models.TenderItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgItemColumns+` FROM tenders WHERE fingerprint = $1`, fingerprint)
	item, err := scanPgItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TenderItem{}, models.ErrNotFound
	}
	return item, err
}

func (s *Postgres) ListByStage(ctx context.Context, stage models.Stage, limit int) ([]models.TenderItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgItemColumns+` FROM tenders WHERE stage = $1 ORDER BY updated_at ASC LIMIT $2
	`, string(stage), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list tenders: %w", err)
	}
	defer rows.Close()

	var out []models.TenderItem
	for rows.Next() {
		item, err := scanPgItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Postgres) CountByStage(ctx context.Context) (map[models.Stage]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT stage, COUNT(*) FROM tenders GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("count tenders: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Stage]int64)
	for rows.Next() {
		var stage string
		var n int64
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		out[models.Stage(stage)] = n
	}
	return out, rows.Err()
}

// Apply runs the transition as UPDATE ... WHERE stage = from.
func (s *Postgres) Apply(ctx context.Context, t Transition) (models.TenderItem, error) {
	if err := validate(t); err != nil {
		return models.TenderItem{}, err
	}
	query, args, err := applyStatement(t, func(n int) string { return "$" + strconv.Itoa(n) }, time.Now().UTC())
	if err != nil {
		return models.TenderItem{}, err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return models.TenderItem{}, fmt.Errorf("apply transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.TenderItem{}, s.missedTransition(ctx, t.Fingerprint)
	}
	return s.Get(ctx, t.Fingerprint)
}

func (s *Postgres) missedTransition(ctx context.Context, fingerprint string) error {
	_, found, err := s.Lookup(ctx, fingerprint)
	if err != nil {
		return err
	}
	if !found {
		return models.ErrNotFound
	}
	return models.ErrStaleTransition
}

func (s *Postgres) LoadScheduleState(ctx context.Context) (models.ScheduleState, error) {
	rows, err := s.pool.Query(ctx, `SELECT sweep, last_run FROM schedule_state`)
	if err != nil {
		return models.ScheduleState{}, fmt.Errorf("load schedule state: %w", err)
	}
	defer rows.Close()

	var state models.ScheduleState
	for rows.Next() {
		var sweep string
		var last pgtype.Timestamptz
		if err := rows.Scan(&sweep, &last); err != nil {
			return models.ScheduleState{}, err
		}
		if last.Valid {
			state.Set(models.SweepKind(sweep), last.Time.UTC())
		}
	}
	return state, rows.Err()
}

func (s *Postgres) AdvanceSweep(ctx context.Context, sweep models.SweepKind, prev, now time.Time) (bool, error) {
	var prevArg pgtype.Timestamptz
	if !prev.IsZero() {
		prevArg = pgtype.Timestamptz{Time: prev, Valid: true}
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO schedule_state (sweep, last_run) VALUES ($1, $3)
		ON CONFLICT (sweep) DO UPDATE SET last_run = EXCLUDED.last_run
		WHERE schedule_state.last_run IS NOT DISTINCT FROM $2
	`, string(sweep), prevArg, now.UTC())
	if err != nil {
		return false, fmt.Errorf("advance sweep %s: %w", sweep, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, fingerprint, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (fingerprint, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, fingerprint, event, detail)
	return err
}

func (s *Postgres) ListAudit(ctx context.Context, fingerprint string, limit int) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fingerprint, event, detail, ts FROM audit_logs
		WHERE fingerprint = $1 ORDER BY id ASC LIMIT $2
	`, fingerprint, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		var detail pgtype.Text
		if err := rows.Scan(&a.Fingerprint, &a.Event, &detail, &a.Recorded); err != nil {
			return nil, err
		}
		a.Detail = detail.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanPgItem(row pgx.Row) (models.TenderItem, error) {
	var item models.TenderItem
	var stage string
	var value pgtype.Float8
	var errClass, errMsg pgtype.Text
	var fields, analysis []byte

	if err := row.Scan(&item.Fingerprint, &item.Source, &item.ExternalRef, &item.Title, &stage, &value,
		&item.Attempts.Scrape, &item.Attempts.Process, &item.Attempts.Analyze, &errClass, &errMsg,
		&item.PayloadRef, &fields, &analysis, &item.CreatedAt, &item.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TenderItem{}, err
		}
		return models.TenderItem{}, fmt.Errorf("scan tender: %w", err)
	}
	item.Stage = models.Stage(stage)
	if value.Valid {
		v := value.Float64
		item.DeclaredValue = &v
	}
	if errClass.Valid {
		item.LastError = &models.LastError{Class: models.ErrorClass(errClass.String), Message: errMsg.String}
	}
	var err error
	if item.Fields, err = decodeJSONMap(fields); err != nil {
		return models.TenderItem{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	if item.Analysis, err = decodeJSONMap(analysis); err != nil {
		return models.TenderItem{}, fmt.Errorf("unmarshal analysis: %w", err)
	}
	return item, nil
}
