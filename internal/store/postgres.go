package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/arborhq/arbor/internal/models"
)

// PostgresConfig tunes the connection pool backing a PostgresStore.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig returns sane pool defaults, matching the sizes the
// reference deployment runs with.
func DefaultPostgresConfig(dsn string) PostgresConfig {
	return PostgresConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// PostgresStore is the reference durable Store, backed by database/sql and
// github.com/lib/pq.
type PostgresStore struct {
	db *sql.DB

	stmtCreateSession      *sql.Stmt
	stmtGetActiveSession   *sql.Stmt
	stmtEndSession         *sql.Stmt
	stmtInsertEvent        *sql.Stmt
	stmtLoadRange          *sql.Stmt
	stmtLoadRangeOpen      *sql.Stmt
	stmtLastID             *sql.Stmt
	stmtCountKind          *sql.Stmt
	stmtInsertAgent        *sql.Stmt
	stmtGetAgent           *sql.Stmt
	stmtMarkAgentDead      *sql.Stmt
	stmtChildrenOf         *sql.Stmt
	stmtListAgents         *sql.Stmt
	stmtInsertMail         *sql.Stmt
	stmtInbox              *sql.Stmt
	stmtInboxFiltered      *sql.Stmt
	stmtMarkMailRead       *sql.Stmt
	stmtDeleteMail         *sql.Stmt
}

// NewPostgresStore opens a connection pool against cfg.DSN, verifies
// liveness with a PingContext, and prepares every statement the store uses.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, IOError("NewPostgresStore", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, IOError("NewPostgresStore", err)
	}

	s := &PostgresStore{db: db}
	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) prepareStatements(ctx context.Context) error {
	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.stmtCreateSession, `INSERT INTO sessions (started_at) VALUES (now()) RETURNING id`},
		{&s.stmtGetActiveSession, `SELECT id FROM sessions WHERE ended_at IS NULL ORDER BY started_at DESC LIMIT 1`},
		{&s.stmtEndSession, `UPDATE sessions SET ended_at = now() WHERE id = $1`},
		{&s.stmtInsertEvent, `INSERT INTO messages (session_id, agent_uuid, kind, content, data) VALUES ($1, NULLIF($2, ''), $3, $4, $5) RETURNING id`},
		{&s.stmtLoadRange, `SELECT id, session_id, agent_uuid, kind, content, data, created_at FROM messages WHERE session_id = $1 AND ($2 = '' OR agent_uuid = $2) AND id > $3 AND id <= $4 ORDER BY id ASC`},
		{&s.stmtLoadRangeOpen, `SELECT id, session_id, agent_uuid, kind, content, data, created_at FROM messages WHERE session_id = $1 AND ($2 = '' OR agent_uuid = $2) AND id > $3 ORDER BY id ASC`},
		{&s.stmtLastID, `SELECT COALESCE(MAX(id), 0) FROM messages WHERE session_id = $1 AND ($2 = '' OR agent_uuid = $2)`},
		{&s.stmtCountKind, `SELECT COUNT(*) FROM messages WHERE session_id = $1 AND kind = $2`},
		{&s.stmtInsertAgent, `INSERT INTO agents (uuid, session_id, parent_uuid, fork_message_id, status, provider, model, thinking_level, pinned_paths, toolset_filter, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`},
		{&s.stmtGetAgent, `SELECT uuid, session_id, parent_uuid, fork_message_id, status, provider, model, thinking_level, pinned_paths, toolset_filter, created_at, ended_at FROM agents WHERE uuid = $1`},
		{&s.stmtMarkAgentDead, `UPDATE agents SET status = 'dead', ended_at = now() WHERE uuid = $1`},
		{&s.stmtChildrenOf, `SELECT uuid, session_id, parent_uuid, fork_message_id, status, provider, model, thinking_level, pinned_paths, toolset_filter, created_at, ended_at FROM agents WHERE parent_uuid = $1 ORDER BY created_at ASC`},
		{&s.stmtListAgents, `SELECT uuid, session_id, parent_uuid, fork_message_id, status, provider, model, thinking_level, pinned_paths, toolset_filter, created_at, ended_at FROM agents WHERE session_id = $1 ORDER BY created_at ASC`},
		{&s.stmtInsertMail, `INSERT INTO mail (session_id, from_uuid, to_uuid, body, timestamp, read) VALUES ($1, $2, $3, $4, now(), false) RETURNING id`},
		{&s.stmtInbox, `SELECT id, session_id, from_uuid, to_uuid, body, timestamp, read FROM mail WHERE session_id = $1 AND to_uuid = $2 ORDER BY read ASC, timestamp DESC`},
		{&s.stmtInboxFiltered, `SELECT id, session_id, from_uuid, to_uuid, body, timestamp, read FROM mail WHERE session_id = $1 AND to_uuid = $2 AND from_uuid = $3 ORDER BY read ASC, timestamp DESC`},
		{&s.stmtMarkMailRead, `UPDATE mail SET read = true WHERE id = $1`},
		{&s.stmtDeleteMail, `DELETE FROM mail WHERE id = $1 AND to_uuid = $2`},
	}
	for _, st := range stmts {
		prepared, err := s.db.PrepareContext(ctx, st.query)
		if err != nil {
			return IOError("prepareStatements", err)
		}
		*st.dst = prepared
	}
	return nil
}

// Close closes every prepared statement and the underlying pool, aggregating
// the first error encountered.
func (s *PostgresStore) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, stmt := range []*sql.Stmt{
		s.stmtCreateSession, s.stmtGetActiveSession, s.stmtEndSession,
		s.stmtInsertEvent, s.stmtLoadRange, s.stmtLoadRangeOpen, s.stmtLastID, s.stmtCountKind,
		s.stmtInsertAgent, s.stmtGetAgent, s.stmtMarkAgentDead, s.stmtChildrenOf, s.stmtListAgents,
		s.stmtInsertMail, s.stmtInbox, s.stmtInboxFiltered, s.stmtMarkMailRead, s.stmtDeleteMail,
	} {
		if stmt != nil {
			note(stmt.Close())
		}
	}
	note(s.db.Close())
	return firstErr
}

// --- SessionStore ---

func (s *PostgresStore) CreateSession(ctx context.Context) (int64, error) {
	var id int64
	if err := s.stmtCreateSession.QueryRowContext(ctx).Scan(&id); err != nil {
		return 0, IOError("CreateSession", err)
	}
	return id, nil
}

func (s *PostgresStore) GetActiveSession(ctx context.Context) (int64, error) {
	var id int64
	err := s.stmtGetActiveSession.QueryRowContext(ctx).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, IOError("GetActiveSession", err)
	}
	return id, nil
}

func (s *PostgresStore) EndSession(ctx context.Context, sessionID int64) error {
	res, err := s.stmtEndSession.ExecContext(ctx, sessionID)
	if err != nil {
		return IOError("EndSession", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ReferentialIntegrityError("EndSession", "unknown session")
	}
	return nil
}

// --- EventStore ---

func (s *PostgresStore) Insert(ctx context.Context, sessionID int64, agentUUID string, kind models.EventKind, content string, data map[string]any) (int64, error) {
	if !kind.Valid() {
		return 0, ProtocolError("Insert", "unknown event kind: "+string(kind))
	}
	var dataJSON []byte
	if data != nil {
		var err error
		dataJSON, err = json.Marshal(data)
		if err != nil {
			return 0, ParseError("Insert", err)
		}
	}
	var id int64
	err := s.stmtInsertEvent.QueryRowContext(ctx, sessionID, agentUUID, string(kind), content, dataJSON).Scan(&id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, ReferentialIntegrityError("Insert", "unknown session")
		}
		return 0, IOError("Insert", err)
	}
	return id, nil
}

func (s *PostgresStore) LoadRange(ctx context.Context, sessionID int64, agentUUID string, startExclusive, endInclusive int64) ([]*models.Event, error) {
	var rows *sql.Rows
	var err error
	if endInclusive == 0 {
		rows, err = s.stmtLoadRangeOpen.QueryContext(ctx, sessionID, agentUUID, startExclusive)
	} else {
		rows, err = s.stmtLoadRange.QueryContext(ctx, sessionID, agentUUID, startExclusive, endInclusive)
	}
	if err != nil {
		return nil, IOError("LoadRange", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		ev := &models.Event{}
		var agentUUIDCol sql.NullString
		var content sql.NullString
		var dataJSON []byte
		if err := rows.Scan(&ev.ID, &ev.SessionID, &agentUUIDCol, &ev.Kind, &content, &dataJSON, &ev.CreatedAt); err != nil {
			return nil, IOError("LoadRange", err)
		}
		ev.AgentUUID = agentUUIDCol.String
		ev.Content = content.String
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &ev.Data); err != nil {
				return nil, ParseError("LoadRange", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, IOError("LoadRange", err)
	}
	return out, nil
}

func (s *PostgresStore) LastID(ctx context.Context, sessionID int64, agentUUID string) (int64, error) {
	var id int64
	if err := s.stmtLastID.QueryRowContext(ctx, sessionID, agentUUID).Scan(&id); err != nil {
		return 0, IOError("LastID", err)
	}
	return id, nil
}

func (s *PostgresStore) Count(ctx context.Context, sessionID int64, kind models.EventKind) (int64, error) {
	var n int64
	if err := s.stmtCountKind.QueryRowContext(ctx, sessionID, string(kind)).Scan(&n); err != nil {
		return 0, IOError("Count", err)
	}
	return n, nil
}

// --- AgentStore ---

func (s *PostgresStore) InsertAgent(ctx context.Context, a *models.Agent) error {
	_, err := s.stmtInsertAgent.ExecContext(ctx, a.UUID, a.SessionID, a.ParentUUID, a.ForkMessageID,
		string(a.Status), a.Provider, a.Model, a.ThinkingLevel, pqStringArray(a.PinnedPaths), pqStringArray(a.ToolsetFilter), a.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ReferentialIntegrityError("InsertAgent", "unknown parent agent")
		}
		if isUniqueViolation(err) {
			return ReferentialIntegrityError("InsertAgent", "agent already exists")
		}
		return IOError("InsertAgent", err)
	}
	return nil
}

func scanAgent(row interface{ Scan(...any) error }) (*models.Agent, error) {
	a := &models.Agent{}
	var parentUUID sql.NullString
	var provider, model, thinkingLevel sql.NullString
	var pinned, toolset []byte
	var endedAt sql.NullTime
	if err := row.Scan(&a.UUID, &a.SessionID, &parentUUID, &a.ForkMessageID, &a.Status,
		&provider, &model, &thinkingLevel, &pinned, &toolset, &a.CreatedAt, &endedAt); err != nil {
		return nil, err
	}
	if parentUUID.Valid {
		a.ParentUUID = &parentUUID.String
	}
	a.Provider = provider.String
	a.Model = model.String
	a.ThinkingLevel = thinkingLevel.String
	if endedAt.Valid {
		a.EndedAt = &endedAt.Time
	}
	return a, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, uuid string) (*models.Agent, error) {
	a, err := scanAgent(s.stmtGetAgent.QueryRowContext(ctx, uuid))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, IOError("GetAgent", err)
	}
	return a, nil
}

func (s *PostgresStore) MarkAgentDead(ctx context.Context, uuid string) error {
	res, err := s.stmtMarkAgentDead.ExecContext(ctx, uuid)
	if err != nil {
		return IOError("MarkAgentDead", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ReferentialIntegrityError("MarkAgentDead", "unknown agent")
	}
	return nil
}

func scanAgentRows(rows *sql.Rows) ([]*models.Agent, error) {
	defer rows.Close()
	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, IOError("scanAgentRows", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ChildrenOf(ctx context.Context, uuid string) ([]*models.Agent, error) {
	rows, err := s.stmtChildrenOf.QueryContext(ctx, uuid)
	if err != nil {
		return nil, IOError("ChildrenOf", err)
	}
	return scanAgentRows(rows)
}

func (s *PostgresStore) ListAgents(ctx context.Context, sessionID int64) ([]*models.Agent, error) {
	rows, err := s.stmtListAgents.QueryContext(ctx, sessionID)
	if err != nil {
		return nil, IOError("ListAgents", err)
	}
	return scanAgentRows(rows)
}

// --- MailStore ---

func (s *PostgresStore) InsertMail(ctx context.Context, m *models.Mail) (int64, error) {
	to, err := s.GetAgent(ctx, m.ToUUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ReferentialIntegrityError("InsertMail", "unknown recipient")
		}
		return 0, err
	}
	if to.Status != models.AgentRunning {
		return 0, ReferentialIntegrityError("InsertMail", "recipient is not running")
	}

	var id int64
	err = s.stmtInsertMail.QueryRowContext(ctx, m.SessionID, m.FromUUID, m.ToUUID, m.Body).Scan(&id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, ReferentialIntegrityError("InsertMail", "unknown sender or recipient")
		}
		return 0, IOError("InsertMail", err)
	}
	return id, nil
}

func scanMailRows(rows *sql.Rows) ([]*models.Mail, error) {
	defer rows.Close()
	var out []*models.Mail
	for rows.Next() {
		m := &models.Mail{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.FromUUID, &m.ToUUID, &m.Body, &m.Timestamp, &m.Read); err != nil {
			return nil, IOError("scanMailRows", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Inbox(ctx context.Context, sessionID int64, to string) ([]*models.Mail, error) {
	rows, err := s.stmtInbox.QueryContext(ctx, sessionID, to)
	if err != nil {
		return nil, IOError("Inbox", err)
	}
	return scanMailRows(rows)
}

func (s *PostgresStore) InboxFiltered(ctx context.Context, sessionID int64, to, from string) ([]*models.Mail, error) {
	rows, err := s.stmtInboxFiltered.QueryContext(ctx, sessionID, to, from)
	if err != nil {
		return nil, IOError("InboxFiltered", err)
	}
	return scanMailRows(rows)
}

func (s *PostgresStore) MarkMailRead(ctx context.Context, mailID int64) error {
	res, err := s.stmtMarkMailRead.ExecContext(ctx, mailID)
	if err != nil {
		return IOError("MarkMailRead", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ReferentialIntegrityError("MarkMailRead", "unknown mail id")
	}
	return nil
}

func (s *PostgresStore) DeleteMail(ctx context.Context, mailID int64, recipient string) error {
	res, err := s.stmtDeleteMail.ExecContext(ctx, mailID, recipient)
	if err != nil {
		return IOError("DeleteMail", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnauthorized
	}
	return nil
}

// Fork atomically inserts a child agent row and its fork audit event inside
// one transaction, grounded on the teacher's pattern of wrapping a message
// insert and a session timestamp bump in a single sql.Tx.
func (s *PostgresStore) Fork(ctx context.Context, child *models.Agent, parentUUID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, IOError("Fork", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.stmtInsertAgent).ExecContext(ctx, child.UUID, child.SessionID, child.ParentUUID,
		child.ForkMessageID, string(child.Status), child.Provider, child.Model, child.ThinkingLevel,
		pqStringArray(child.PinnedPaths), pqStringArray(child.ToolsetFilter), child.CreatedAt); err != nil {
		if isForeignKeyViolation(err) {
			return 0, ReferentialIntegrityError("Fork", "unknown parent agent")
		}
		return 0, IOError("Fork", err)
	}

	data, _ := json.Marshal(map[string]any{"parent_uuid": parentUUID, "child_uuid": child.UUID})
	var eventID int64
	if err := tx.StmtContext(ctx, s.stmtInsertEvent).QueryRowContext(ctx, child.SessionID, parentUUID,
		string(models.EventFork), "", data).Scan(&eventID); err != nil {
		return 0, IOError("Fork", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, IOError("Fork", err)
	}
	return eventID, nil
}

func pqStringArray(ss []string) string {
	if len(ss) == 0 {
		return "{}"
	}
	out := "{"
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%q", s)
	}
	return out + "}"
}

func isForeignKeyViolation(err error) bool {
	return pqErrorCode(err) == "23503"
}

func isUniqueViolation(err error) bool {
	return pqErrorCode(err) == "23505"
}

func pqErrorCode(err error) string {
	if pe, ok := err.(*pq.Error); ok {
		return string(pe.Code)
	}
	return ""
}
