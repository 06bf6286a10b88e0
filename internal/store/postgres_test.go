package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/arborhq/arbor/internal/models"
)

// preparedMock builds a PostgresStore whose db is a sqlmock connection and
// whose single statement has already been prepared against that mock, for
// tests that only exercise one method at a time.
func preparedMock(t *testing.T, query string) (*PostgresStore, sqlmock.Sqlmock, *sql.Stmt) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	mock.ExpectPrepare(query)
	stmt, err := db.PrepareContext(context.Background(), query)
	if err != nil {
		t.Fatalf("PrepareContext: %v", err)
	}
	return &PostgresStore{db: db}, mock, stmt
}

func TestPostgresInsertEventSuccess(t *testing.T) {
	query := `INSERT INTO messages`
	s, mock, stmt := preparedMock(t, query)
	s.stmtInsertEvent = stmt
	defer s.db.Close()

	mock.ExpectQuery(query).
		WithArgs(int64(1), "agent-1", string(models.EventUser), "hello", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := s.Insert(context.Background(), 1, "agent-1", models.EventUser, "hello", nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id != 42 {
		t.Fatalf("expected id 42, got %d", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresInsertEventRejectsUnknownKind(t *testing.T) {
	s := &PostgresStore{}
	_, err := s.Insert(context.Background(), 1, "agent-1", models.EventKind("bogus"), "", nil)
	if err == nil {
		t.Fatal("expected an error for an unknown event kind")
	}
	storeErr, ok := err.(*Error)
	if !ok || storeErr.Kind != KindProtocol {
		t.Fatalf("expected a protocol Error, got %#v", err)
	}
}

func TestPostgresGetActiveSessionNoneIsNotAnError(t *testing.T) {
	query := `SELECT id FROM sessions`
	s, mock, stmt := preparedMock(t, query)
	s.stmtGetActiveSession = stmt
	defer s.db.Close()

	mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	id, err := s.GetActiveSession(context.Background())
	if err != nil {
		t.Fatalf("expected no-active-session to be a nil error, got %v", err)
	}
	if id != 0 {
		t.Fatalf("expected id 0, got %d", id)
	}
}
