package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tender-pipeline/internal/models"
)

// SQLite is the single-node item store used for local runs and tests. Times are stored as unix
// milliseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies its schema. The special
// path ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &SQLite{db: db}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	schema, err := migration("sqlite.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("exec migration sqlite.sql: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteItemColumns = `fingerprint, source, external_ref, title, stage, declared_value,
	scrape_attempts, process_attempts, analysis_attempts, last_error_class, last_error,
	payload_ref, fields, analysis, created_at, updated_at`

func (s *SQLite) Claim(ctx context.Context, item models.NewItem) (models.Stage, bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tenders (fingerprint, source, external_ref, title, stage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING`,
		item.Fingerprint, item.Source, item.ExternalRef, item.Title, string(models.StageDiscovered), now, now,
	)
	if err != nil {
		return "", false, fmt.Errorf("claim tender: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
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

func (s *SQLite) Lookup(ctx context.Context, fingerprint string) (models.Stage, bool, error) {
	var stage string
	err := s.db.QueryRowContext(ctx, `SELECT stage FROM tenders WHERE fingerprint = ?`, fingerprint).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup tender: %w", err)
	}
	return models.Stage(stage), true, nil
}

func (s *SQLite) Get(ctx context.Context, fingerprint string) (models.TenderItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteItemColumns+` FROM tenders WHERE fingerprint = ?`, fingerprint)
	item, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TenderItem{}, models.ErrNotFound
	}
	return item, err
}

func (s *SQLite) ListByStage(ctx context.Context, stage models.Stage, limit int) ([]models.TenderItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteItemColumns+` FROM tenders WHERE stage = ? ORDER BY updated_at ASC LIMIT ?`,
		string(stage), clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list tenders: %w", err)
	}
	defer rows.Close()

	var out []models.TenderItem
	for rows.Next() {
		item, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLite) CountByStage(ctx context.Context) (map[models.Stage]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(*) FROM tenders GROUP BY stage`)
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

func (s *SQLite) Apply(ctx context.Context, t Transition) (models.TenderItem, error) {
	if err := validate(t); err != nil {
		return models.TenderItem{}, err
	}
	query, args, err := applyStatement(t, func(int) string { return "?" }, time.Now().UnixMilli())
	if err != nil {
		return models.TenderItem{}, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return models.TenderItem{}, fmt.Errorf("apply transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, found, err := s.Lookup(ctx, t.Fingerprint)
		if err != nil {
			return models.TenderItem{}, err
		}
		if !found {
			return models.TenderItem{}, models.ErrNotFound
		}
		return models.TenderItem{}, models.ErrStaleTransition
	}
	return s.Get(ctx, t.Fingerprint)
}

func (s *SQLite) LoadScheduleState(ctx context.Context) (models.ScheduleState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sweep, last_run FROM schedule_state`)
	if err != nil {
		return models.ScheduleState{}, fmt.Errorf("load schedule state: %w", err)
	}
	defer rows.Close()

	var state models.ScheduleState
	for rows.Next() {
		var sweep string
		var last sql.NullInt64
		if err := rows.Scan(&sweep, &last); err != nil {
			return models.ScheduleState{}, err
		}
		if last.Valid {
			state.Set(models.SweepKind(sweep), time.UnixMilli(last.Int64).UTC())
		}
	}
	return state, rows.Err()
}

func (s *SQLite) AdvanceSweep(ctx context.Context, sweep models.SweepKind, prev, now time.Time) (bool, error) {
	var prevArg any
	if !prev.IsZero() {
		prevArg = prev.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_state (sweep, last_run) VALUES (?, ?)
		ON CONFLICT(sweep) DO UPDATE SET last_run = excluded.last_run
		WHERE schedule_state.last_run IS ?`,
		string(sweep), now.UnixMilli(), prevArg,
	)
	if err != nil {
		return false, fmt.Errorf("advance sweep %s: %w", sweep, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) AppendAudit(ctx context.Context, fingerprint, event, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (fingerprint, event, detail, ts) VALUES (?, ?, ?, ?)`,
		fingerprint, event, nullStr(detail), time.Now().UnixMilli(),
	)
	return err
}

func (s *SQLite) ListAudit(ctx context.Context, fingerprint string, limit int) ([]models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, event, detail, ts FROM audit_logs
		WHERE fingerprint = ? ORDER BY id ASC LIMIT ?`,
		fingerprint, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		var detail sql.NullString
		var ts int64
		if err := rows.Scan(&a.Fingerprint, &a.Event, &detail, &ts); err != nil {
			return nil, err
		}
		a.Detail = detail.String
		a.Recorded = time.UnixMilli(ts).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(row rowScanner) (models.TenderItem, error) {
	var item models.TenderItem
	var stage string
	var value sql.NullFloat64
	var errClass, errMsg, fields, analysis sql.NullString
	var created, updated int64

	if err := row.Scan(&item.Fingerprint, &item.Source, &item.ExternalRef, &item.Title, &stage, &value,
		&item.Attempts.Scrape, &item.Attempts.Process, &item.Attempts.Analyze, &errClass, &errMsg,
		&item.PayloadRef, &fields, &analysis, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	if item.Fields, err = decodeJSONMap([]byte(fields.String)); err != nil {
		return models.TenderItem{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	if item.Analysis, err = decodeJSONMap([]byte(analysis.String)); err != nil {
		return models.TenderItem{}, fmt.Errorf("unmarshal analysis: %w", err)
	}
	item.CreatedAt = time.UnixMilli(created).UTC()
	item.UpdatedAt = time.UnixMilli(updated).UTC()
	return item, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
