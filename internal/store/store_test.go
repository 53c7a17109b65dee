package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mohammad-safakhou/stepwise/internal/memory"
	"github.com/mohammad-safakhou/stepwise/internal/runner"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func TestSaveSessionUpserts(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO sessions .* ON CONFLICT \(id\) DO UPDATE SET`).
		WithArgs("sess-1", "what is go", "done", "the answer", "", 1, nil, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.SaveSession(context.Background(), SessionRow{
		ID: "sess-1", Query: "what is go", Status: "done", Answer: "the answer",
		Steps: 1, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM sessions WHERE id=\$1`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetSession(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertStepRecordIgnoresReplay(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO step_records .* ON CONFLICT \(session_id, step_index\) DO NOTHING`).
		WithArgs("sess-1", 0, "2025-06-01", "q", "conservative", "final_answer", "", "payload", 1, nil, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.InsertStepRecord(context.Background(), StepRow{
		SessionID: "sess-1", StepIndex: 0, Partition: "2025-06-01",
		Query: "q", Strategy: "conservative", Outcome: "final_answer",
		Payload: "payload", Attempts: 1, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("InsertStepRecord: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteSessionsBefore(t *testing.T) {
	st, mock := newMockStore(t)
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	mock.ExpectExec(`DELETE FROM sessions WHERE created_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := st.DeleteSessionsBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteSessionsBefore: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPersistWritesSessionAndSteps(t *testing.T) {
	st, mock := newMockStore(t)
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	sess := &runner.Session{
		ID: "sess-1", Query: "what is go", Status: runner.StatusDone,
		Answer: "the answer", Steps: 2, CreatedAt: created, UpdatedAt: created,
	}
	records := []memory.StepRecord{
		{SessionID: "sess-1", StepIndex: 0, Query: "what is go", Strategy: "conservative", Outcome: "further_processing", Attempts: 1, CreatedAt: created},
		{SessionID: "sess-1", StepIndex: 1, Query: "what is go", Strategy: "conservative", Outcome: "final_answer", Payload: "the answer", Attempts: 1, CreatedAt: created},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions .* ON CONFLICT \(id\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO step_records .* ON CONFLICT \(session_id, step_index\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO step_records .* ON CONFLICT \(session_id, step_index\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.Persist(context.Background(), sess, records); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
