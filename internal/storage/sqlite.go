package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/xiy/session-memory/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteBackend stores session snapshots in a single SQLite database and
// records MCP request events next to them.
type SQLiteBackend struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenSQLite opens and initializes the SQLite backend.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteBackend{db: db, logger: logger}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("sqlite backend ready", "path", dbPath)
	return s, nil
}

func (s *SQLiteBackend) init(ctx context.Context) error {
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run schema stmt: %w", err)
		}
	}
	return nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

func (s *SQLiteBackend) Load(ctx context.Context, sessionID string) (*types.Document, error) {
	if err := checkKey(sessionID); err != nil {
		return nil, err
	}
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE session_id = ? LIMIT 1`, sessionID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, &types.StorageError{Op: "load", SessionID: sessionID, Err: err}
	}
	return decodeSnapshot(sessionID, []byte(payload))
}

func (s *SQLiteBackend) Save(ctx context.Context, doc *types.Document) error {
	if err := checkKey(doc.SessionID); err != nil {
		return err
	}
	payload, err := types.EncodeDocument(doc)
	if err != nil {
		return &types.SerializationError{SessionID: doc.SessionID, Err: err}
	}
	st := doc.Stats()

	const q = `INSERT INTO snapshots (
		session_id, version, updated_at, total, short_term, long_term, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		version = excluded.version,
		updated_at = excluded.updated_at,
		total = excluded.total,
		short_term = excluded.short_term,
		long_term = excluded.long_term,
		payload = excluded.payload`
	_, err = s.db.ExecContext(ctx, q,
		doc.SessionID,
		doc.Version,
		doc.UpdatedAt.Time().Format(time.RFC3339Nano),
		st.Total,
		st.ShortTerm,
		st.LongTerm,
		string(payload),
	)
	if err != nil {
		return &types.StorageError{Op: "save", SessionID: doc.SessionID, Err: err}
	}
	return nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE session_id = ?`, sessionID); err != nil {
		return &types.StorageError{Op: "delete", SessionID: sessionID, Err: err}
	}
	return nil
}

func (s *SQLiteBackend) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM snapshots ORDER BY session_id`)
	if err != nil {
		return nil, &types.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &types.StorageError{Op: "list", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Summaries reads the per-term counters stored next to each snapshot.
func (s *SQLiteBackend) Summaries(ctx context.Context) ([]types.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, total, short_term, long_term, updated_at
FROM snapshots
ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list session summaries: %w", err)
	}
	defer rows.Close()

	var out []types.SessionSummary
	for rows.Next() {
		var (
			row       types.SessionSummary
			updatedAt string
		)
		if err := rows.Scan(&row.SessionID, &row.Total, &row.ShortTerm, &row.LongTerm, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			row.UpdatedAt = ts
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// InsertRequestLog stores one request event for admin observability.
func (s *SQLiteBackend) InsertRequestLog(ctx context.Context, rec RequestLog) error {
	ts := rec.CreatedAt.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO request_logs (
		method, tool_name, session_id, success, error_text, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(rec.Method),
		strings.TrimSpace(rec.ToolName),
		strings.TrimSpace(rec.SessionID),
		success,
		strings.TrimSpace(rec.ErrorText),
		rec.DurationMS,
		ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// RecentRequestLogs returns most recent request events in newest-first order.
func (s *SQLiteBackend) RecentRequestLogs(ctx context.Context, limit int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, method, tool_name, session_id, success, error_text, duration_ms, created_at
FROM request_logs
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	items := make([]RequestLog, 0, limit)
	for rows.Next() {
		var (
			row            RequestLog
			successAsInt   int
			createdAtValue string
		)
		if err := rows.Scan(
			&row.ID,
			&row.Method,
			&row.ToolName,
			&row.SessionID,
			&successAsInt,
			&row.ErrorText,
			&row.DurationMS,
			&createdAtValue,
		); err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		row.Success = successAsInt == 1
		if ts, err := time.Parse(time.RFC3339Nano, createdAtValue); err == nil {
			row.CreatedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
