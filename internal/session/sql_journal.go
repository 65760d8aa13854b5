package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"
	"github.com/sagerun/sage/pkg/models"
)

// SQLConfig tunes the pool behind a SQLJournal. Mirrors the pool knobs the
// teacher's CockroachDB job store exposes.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig matches the teacher's DefaultCockroachConfig.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLJournal implements Store against Postgres/CockroachDB, for embedders
// that want a shared durable session backend across multiple machines
// instead of per-machine JSONL files. Every method here satisfies the exact
// same Store contract as FileJournal, so the execution loop (C7) doesn't
// know or care which backend it's talking to.
//
// Schema (created by the embedder's migrations, not by this package):
//
//	CREATE TABLE sessions (
//	    id TEXT PRIMARY KEY,
//	    project_path TEXT NOT NULL,
//	    title TEXT,
//	    model TEXT,
//	    is_sidechain BOOLEAN NOT NULL DEFAULT false,
//	    parent_session_id TEXT,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE session_messages (
//	    uuid TEXT PRIMARY KEY,
//	    parent_uuid TEXT,
//	    session_id TEXT NOT NULL REFERENCES sessions(id),
//	    cwd TEXT,
//	    message JSONB NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE session_snapshots (
//	    id SERIAL PRIMARY KEY,
//	    session_id TEXT NOT NULL REFERENCES sessions(id),
//	    message_uuid TEXT NOT NULL,
//	    files JSONB NOT NULL
//	);
type SQLJournal struct {
	db *sql.DB
}

// NewSQLJournal opens a pooled connection to dsn and verifies it with a
// bounded ping, following the teacher's NewCockroachStoreFromDSN.
func NewSQLJournal(dsn string, cfg SQLConfig) (*SQLJournal, error) {
	if dsn == "" {
		return nil, fmt.Errorf("session: dsn is required")
	}
	if cfg == (SQLConfig{}) {
		cfg = DefaultSQLConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("session: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: ping database: %w", err)
	}

	return &SQLJournal{db: db}, nil
}

// Close releases the pool.
func (s *SQLJournal) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLJournal) CreateSession(projectPath, title, model string) (*models.SessionMetadata, error) {
	now := time.Now().UTC()
	meta := models.SessionMetadata{
		ID:          uuid.NewString(),
		ProjectPath: projectPath,
		Title:       title,
		Model:       model,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, project_path, title, model, is_sidechain, parent_session_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,false,NULL,$5,$6)
	`, meta.ID, meta.ProjectPath, meta.Title, meta.Model, meta.CreatedAt, meta.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("session: create session: %w", err)
	}
	return &meta, nil
}

func (s *SQLJournal) CreateSidechainSession(parentSessionID string) (*models.SessionMetadata, error) {
	parent, err := s.readMeta(parentSessionID)
	if err != nil {
		return nil, fmt.Errorf("session: parent session %q not found: %w", parentSessionID, err)
	}
	now := time.Now().UTC()
	meta := models.SessionMetadata{
		ID:              uuid.NewString(),
		ProjectPath:     parent.ProjectPath,
		Title:           parent.Title,
		Model:           parent.Model,
		IsSidechain:     true,
		ParentSessionID: parentSessionID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, project_path, title, model, is_sidechain, parent_session_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,true,$5,$6,$7)
	`, meta.ID, meta.ProjectPath, meta.Title, meta.Model, meta.ParentSessionID, meta.CreatedAt, meta.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("session: create sidechain session: %w", err)
	}
	return &meta, nil
}

func (s *SQLJournal) AppendMessage(sessionID, cwd string, msg models.LlmMessage) (models.SessionMessage, error) {
	parentUUID, err := s.lastMessageUUID(sessionID)
	if err != nil {
		return models.SessionMessage{}, err
	}

	sm := models.SessionMessage{
		UUID:       uuid.NewString(),
		ParentUUID: parentUUID,
		SessionID:  sessionID,
		Context:    models.SessionContext{CWD: cwd},
		Message:    msg,
		Timestamp:  time.Now().UTC(),
	}

	payload, err := json.Marshal(sm.Message)
	if err != nil {
		return models.SessionMessage{}, fmt.Errorf("session: marshal message: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO session_messages (uuid, parent_uuid, session_id, cwd, message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, sm.UUID, nullableString(sm.ParentUUID), sm.SessionID, cwd, payload, sm.Timestamp)
	if err != nil {
		return models.SessionMessage{}, fmt.Errorf("session: append message: %w", err)
	}

	_, _ = s.db.Exec(`UPDATE sessions SET updated_at = $2 WHERE id = $1`, sessionID, time.Now().UTC())
	return sm, nil
}

func (s *SQLJournal) AppendSnapshot(sessionID, messageUUID string, files []models.FileSnapshot) error {
	payload, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("session: marshal snapshot: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO session_snapshots (session_id, message_uuid, files) VALUES ($1,$2,$3)
	`, sessionID, messageUUID, payload)
	if err != nil {
		return fmt.Errorf("session: append snapshot: %w", err)
	}
	return nil
}

func (s *SQLJournal) LoadMessages(sessionID string) ([]models.SessionMessage, error) {
	rows, err := s.db.Query(`
		SELECT uuid, parent_uuid, session_id, cwd, message, created_at
		FROM session_messages WHERE session_id = $1 ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: load messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]models.SessionMessage, 0)
	for rows.Next() {
		var (
			sm         models.SessionMessage
			parentUUID sql.NullString
			cwd        sql.NullString
			payload    []byte
		)
		if err := rows.Scan(&sm.UUID, &parentUUID, &sm.SessionID, &cwd, &payload, &sm.Timestamp); err != nil {
			return nil, fmt.Errorf("session: scan message: %w", err)
		}
		if parentUUID.Valid {
			sm.ParentUUID = parentUUID.String
		}
		sm.Context = models.SessionContext{CWD: cwd.String}
		if err := json.Unmarshal(payload, &sm.Message); err != nil {
			return nil, fmt.Errorf("session: unmarshal message: %w", err)
		}
		msgs = append(msgs, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: load messages: %w", err)
	}
	return msgs, nil
}

func (s *SQLJournal) GetMessageChain(sessionID string) ([]models.LlmMessage, error) {
	meta, err := s.readMeta(sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: load metadata: %w", err)
	}

	own, err := s.LoadMessages(sessionID)
	if err != nil {
		return nil, err
	}
	if !meta.IsSidechain || meta.ParentSessionID == "" {
		return toLlmMessages(own), nil
	}

	parentMsgs, err := s.LoadMessages(meta.ParentSessionID)
	if err != nil {
		return nil, fmt.Errorf("session: load parent chain: %w", err)
	}

	var branchAt string
	if len(own) > 0 {
		branchAt = own[0].ParentUUID
	}
	prefix := parentMsgs
	if branchAt != "" {
		for i, m := range parentMsgs {
			if m.UUID == branchAt {
				prefix = parentMsgs[:i+1]
				break
			}
		}
	}

	chain := make([]models.LlmMessage, 0, len(prefix)+len(own))
	chain = append(chain, toLlmMessages(prefix)...)
	chain = append(chain, toLlmMessages(own)...)
	return chain, nil
}

func (s *SQLJournal) ListSessions() ([]models.SessionMetadata, error) {
	rows, err := s.db.Query(`
		SELECT id, project_path, title, model, is_sidechain, parent_session_id, created_at, updated_at
		FROM sessions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("session: list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]models.SessionMetadata, 0)
	for rows.Next() {
		meta, err := scanSessionMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("session: scan session: %w", err)
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: list sessions: %w", err)
	}
	return out, nil
}

func (s *SQLJournal) DeleteSession(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM session_snapshots WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("session: delete snapshots: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM session_messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("session: delete messages: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("session: delete session: %w", err)
	}
	return nil
}

func (s *SQLJournal) lastMessageUUID(sessionID string) (string, error) {
	var uuid sql.NullString
	err := s.db.QueryRow(`
		SELECT uuid FROM session_messages WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1
	`, sessionID).Scan(&uuid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: last message uuid: %w", err)
	}
	return uuid.String, nil
}

type metadataScanner interface {
	Scan(dest ...any) error
}

func scanSessionMetadata(scanner metadataScanner) (models.SessionMetadata, error) {
	var (
		meta            models.SessionMetadata
		title           sql.NullString
		model           sql.NullString
		parentSessionID sql.NullString
	)
	if err := scanner.Scan(&meta.ID, &meta.ProjectPath, &title, &model, &meta.IsSidechain, &parentSessionID, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
		return models.SessionMetadata{}, err
	}
	meta.Title = title.String
	meta.Model = model.String
	meta.ParentSessionID = parentSessionID.String
	return meta, nil
}

func (s *SQLJournal) readMeta(sessionID string) (models.SessionMetadata, error) {
	row := s.db.QueryRow(`
		SELECT id, project_path, title, model, is_sidechain, parent_session_id, created_at, updated_at
		FROM sessions WHERE id = $1
	`, sessionID)
	return scanSessionMetadata(row)
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

var _ Store = (*SQLJournal)(nil)
