package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/stepwise/internal/memory"
	"github.com/mohammad-safakhou/stepwise/internal/runner"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the Postgres persistence layer for users, sessions and their
// step traces.
type Store struct {
	DB *sql.DB
}

// SessionRow is the durable shape of a terminal session.
type SessionRow struct {
	ID        string          `json:"id"`
	Query     string          `json:"query"`
	Status    string          `json:"status"`
	Answer    string          `json:"answer,omitempty"`
	Failure   string          `json:"failure,omitempty"`
	Steps     int             `json:"steps"`
	Report    json.RawMessage `json:"report,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StepRow is the durable shape of one step record. Calls hold the full
// attempt trace as JSON.
type StepRow struct {
	SessionID string          `json:"session_id"`
	StepIndex int             `json:"step_index"`
	Partition string          `json:"partition"`
	Query     string          `json:"query"`
	Strategy  string          `json:"strategy"`
	Outcome   string          `json:"outcome"`
	Failure   string          `json:"failure,omitempty"`
	Payload   string          `json:"payload,omitempty"`
	Attempts  int             `json:"attempts"`
	Calls     json.RawMessage `json:"calls,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// New constructs the Store from DATABASE_URL or POSTGRES_* env variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	return
}

// SaveSession upserts a session row. Later saves of the same session win.
func (s *Store) SaveSession(ctx context.Context, row SessionRow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (id, query, status, answer, failure, steps, report, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			answer = EXCLUDED.answer,
			failure = EXCLUDED.failure,
			steps = EXCLUDED.steps,
			report = EXCLUDED.report,
			updated_at = EXCLUDED.updated_at`,
		row.ID, row.Query, row.Status, row.Answer, row.Failure, row.Steps, row.Report, row.CreatedAt, row.UpdatedAt)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (SessionRow, error) {
	var row SessionRow
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, query, status, answer, failure, steps, report, created_at, updated_at
		FROM sessions WHERE id=$1`, id).
		Scan(&row.ID, &row.Query, &row.Status, &row.Answer, &row.Failure, &row.Steps, &row.Report, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRow{}, ErrNotFound
	}
	return row, err
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, query, status, answer, failure, steps, report, created_at, updated_at
		FROM sessions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		if err := rows.Scan(&row.ID, &row.Query, &row.Status, &row.Answer, &row.Failure, &row.Steps, &row.Report, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// InsertStepRecord appends one step row. Conflicts on (session_id,
// step_index) are ignored, matching the memory store's idempotency.
func (s *Store) InsertStepRecord(ctx context.Context, row StepRow) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO step_records (session_id, step_index, partition, query, strategy, outcome, failure, payload, attempts, calls, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (session_id, step_index) DO NOTHING`,
		row.SessionID, row.StepIndex, row.Partition, row.Query, row.Strategy, row.Outcome, row.Failure, row.Payload, row.Attempts, row.Calls, row.CreatedAt)
	return err
}

func (s *Store) ListStepRecords(ctx context.Context, sessionID string) ([]StepRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT session_id, step_index, partition, query, strategy, outcome, failure, payload, attempts, calls, created_at
		FROM step_records WHERE session_id=$1 ORDER BY step_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StepRow
	for rows.Next() {
		var row StepRow
		if err := rows.Scan(&row.SessionID, &row.StepIndex, &row.Partition, &row.Query, &row.Strategy, &row.Outcome, &row.Failure, &row.Payload, &row.Attempts, &row.Calls, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteSessionsBefore prunes sessions older than the cutoff. Step records
// go with them via the FK cascade.
func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Persist implements runner.Persister: one upserted session row plus its
// step trace, in a single transaction.
func (s *Store) Persist(ctx context.Context, sess *runner.Session, records []memory.StepRecord) error {
	report, err := json.Marshal(sess.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, query, status, answer, failure, steps, report, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			answer = EXCLUDED.answer,
			failure = EXCLUDED.failure,
			steps = EXCLUDED.steps,
			report = EXCLUDED.report,
			updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.Query, sess.Status, sess.Answer, sess.Failure, sess.Steps, report, sess.CreatedAt, sess.UpdatedAt); err != nil {
		return err
	}

	for _, rec := range records {
		calls, err := json.Marshal(rec.Calls)
		if err != nil {
			return fmt.Errorf("marshal calls for step %d: %w", rec.StepIndex, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO step_records (session_id, step_index, partition, query, strategy, outcome, failure, payload, attempts, calls, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (session_id, step_index) DO NOTHING`,
			rec.SessionID, rec.StepIndex, memory.PartitionKey(rec.CreatedAt), rec.Query, rec.Strategy, rec.Outcome, rec.Failure, rec.Payload, rec.Attempts, calls, rec.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}
