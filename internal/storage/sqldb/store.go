// Package sqldb is a SQL-backed RequestStore supporting multiple
// database dialects through the dialect package. Event logs are the
// source of truth; a snapshot row per request makes listing cheap.
package sqldb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/lbds137/tzurot-sub005/internal/domain"
	"github.com/lbds137/tzurot-sub005/internal/storage"
	"github.com/lbds137/tzurot-sub005/internal/storage/dialect"
)

// Store is a SQL implementation of RequestStore.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ storage.RequestStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, mysql
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	ts := s.dialect.TimestampType()
	text := s.dialect.TextType()

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			personality_id TEXT NOT NULL,
			conversation_id TEXT,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			state %s NOT NULL,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, text, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS request_events (
			request_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload %s NOT NULL,
			created_at %s NOT NULL,
			PRIMARY KEY (request_id, seq)
		)`, text, ts),
		`CREATE INDEX IF NOT EXISTS idx_requests_user ON requests(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_personality ON requests(personality_id)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_request_events_request ON request_events(request_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Save persists the aggregate's full event log and refreshes its
// snapshot row. Events already stored are left untouched, so saving
// after each transition appends only what is new.
func (s *Store) Save(ctx context.Context, req *domain.Request) error {
	if req == nil || req.ID().IsZero() {
		return fmt.Errorf("cannot save a request without identity")
	}

	state := req.State()
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal request state: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	upsert := s.dialect.UpsertClause("id", []string{
		"status", "attempts", "state", "updated_at",
	})
	query := fmt.Sprintf(`INSERT INTO requests
		(id, user_id, personality_id, conversation_id, status, attempts, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) %s`, upsert)

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(query),
		state.ID.String(), state.UserID, state.PersonalityID, state.ConversationID,
		string(state.Status), state.Attempts, string(stateJSON),
		state.CreatedAt, now); err != nil {
		return fmt.Errorf("failed to upsert request snapshot: %w", err)
	}

	eventUpsert := s.dialect.UpsertClause("request_id, seq", nil)
	eventQuery := fmt.Sprintf(`INSERT INTO request_events
		(request_id, seq, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?) %s`, eventUpsert)
	eventQuery = s.dialect.Rebind(eventQuery)

	for seq, event := range req.Events() {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event %d: %w", seq, err)
		}
		if _, err := tx.ExecContext(ctx, eventQuery,
			state.ID.String(), seq, string(event.Type), string(payload), event.Timestamp); err != nil {
			return fmt.Errorf("failed to insert event %d: %w", seq, err)
		}
	}

	return tx.Commit()
}

// Get replays the stored event log into a live aggregate.
func (s *Store) Get(ctx context.Context, id domain.RequestID) (*domain.Request, error) {
	query := s.dialect.Rebind(`SELECT payload FROM request_events
		WHERE request_id = ? ORDER BY seq ASC`)

	rows, err := s.db.QueryContext(ctx, query, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var event domain.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("request %s: %w", id, storage.ErrNotFound)
	}

	return domain.Replay(events)
}

// List returns folded snapshots matching opts, newest first.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) ([]domain.State, error) {
	query := `SELECT state FROM requests`
	var conds []string
	var args []any

	if opts.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.PersonalityID != "" {
		conds = append(conds, "personality_id = ?")
		args = append(args, opts.PersonalityID)
	}
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(opts.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := opts.Limit
	if limit == 0 {
		limit = 100 // default limit
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var states []domain.State
	for rows.Next() {
		var stateJSON string
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		var state domain.State
		if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request state: %w", err)
		}
		states = append(states, state)
	}

	return states, rows.Err()
}

// Delete removes the request and its event log.
func (s *Store) Delete(ctx context.Context, id domain.RequestID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM request_events WHERE request_id = ?`),
		id.String()); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM requests WHERE id = ?`), id.String())
	if err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("request %s: %w", id, storage.ErrNotFound)
	}

	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}
