// Package store keeps the durable audit log of operator decisions on gated
// commands. Live feed events are never written here.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bakhe8/icgl/internal/gate"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Decision is one resolved command batch.
type Decision struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId,omitempty"`
	Decision   gate.Decision  `json:"decision"`
	Commands   []gate.Command `json:"commands"`
	Failed     int            `json:"failed"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Store wraps the SQL database used for the audit log.
type Store struct {
	db     *sql.DB
	driver string
}

// Open initializes the datastore using the supplied DSN/file path and driver
// ("sqlite" or "postgres").
func Open(dsn string, driver string) (*Store, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("datastore DSN is required")
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create datastore directory: %w", err)
		}
		conn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dsn)
		db, err = sql.Open("sqlite", conn)
	case "postgres":
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported datastore driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s datastore: %w", driver, err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			decision TEXT NOT NULL,
			commands TEXT,
			failed INTEGER DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema apply failed: %w", err)
		}
	}
	return nil
}

// Close shuts down the datastore.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendDecision inserts a resolved batch.
func (s *Store) AppendDecision(ctx context.Context, d *Decision) error {
	if d.ID == "" {
		return errors.New("decision id required")
	}
	d.CreatedAt = time.Now().UTC()
	commands, err := json.Marshal(d.Commands)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO decisions (id, session_id, decision, commands, failed, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.SessionID, string(d.Decision), string(commands), d.Failed, d.StartedAt.UTC(), d.FinishedAt.UTC(), d.CreatedAt,
	)
	return err
}

// ListDecisions returns the newest decisions first.
func (s *Store) ListDecisions(ctx context.Context, limit int) ([]Decision, error) {
	query := `SELECT id, session_id, decision, commands, failed, started_at, finished_at, created_at FROM decisions ORDER BY created_at DESC`
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Decision
	for rows.Next() {
		var (
			d        Decision
			session  sql.NullString
			decision string
			commands sql.NullString
		)
		if err := rows.Scan(&d.ID, &session, &decision, &commands, &d.Failed, &d.StartedAt, &d.FinishedAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.SessionID = session.String
		d.Decision = gate.Decision(decision)
		if commands.Valid {
			_ = json.Unmarshal([]byte(commands.String), &d.Commands)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneDecisions deletes entries created before the cutoff and reports how many were removed.
func (s *Store) PruneDecisions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM decisions WHERE created_at < ?`), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Recorder adapts the store to the gate, stamping each batch with the active session.
func (s *Store) Recorder(session func() string) gate.Recorder {
	return &recorder{store: s, session: session}
}

type recorder struct {
	store   *Store
	session func() string
}

func (r *recorder) RecordBatch(ctx context.Context, report gate.Report) error {
	sessionID := ""
	if r.session != nil {
		sessionID = r.session()
	}
	return r.store.AppendDecision(ctx, &Decision{
		ID:         report.ID,
		SessionID:  sessionID,
		Decision:   report.Decision,
		Commands:   report.Commands,
		Failed:     report.Failed(),
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
	})
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
