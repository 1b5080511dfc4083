package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"owlmon-agent/internal/model"
)

// Store is a worker's durable buffer: an append-oriented SQLite table
// acting as a write-ahead log. Each worker opens its own database file
// and never shares it, so one worker's fault cannot corrupt another's
// buffer.
//
// Rows enter as pending and are purged only after the owner confirms
// them (delivery ack for outbound, successful application for
// inbound). A crash at any earlier point leaves the row pending and it
// is replayed, giving at-least-once semantics.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

const schema = `
CREATE TABLE IF NOT EXISTS buffer (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	payload BLOB NOT NULL,
	status  TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS buffer_status ON buffer (status);
`

// Open creates or reopens the buffer database at path. The parent
// directory must exist. Pool size is 1: a store has exactly one owner.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    1,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	logger.Debug("durable store opened", "path", path)
	return &Store{pool: pool, logger: logger, path: path}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Close closes the underlying connection pool. Pending rows stay on
// disk and are replayed on the next open.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	return nil
}

// Append inserts one payload as a pending row and returns its
// insertion id.
func (s *Store) Append(ctx context.Context, payload []byte) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO buffer (payload, status) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{payload, string(model.StatusPending)}})
	if err != nil {
		return 0, fmt.Errorf("store: append: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// AppendBatch inserts several payloads in one transaction, preserving
// their order.
func (s *Store) AppendBatch(ctx context.Context, payloads [][]byte) (err error) {
	if len(payloads) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)
	for _, payload := range payloads {
		err = sqlitex.Execute(conn,
			`INSERT INTO buffer (payload, status) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{payload, string(model.StatusPending)}})
		if err != nil {
			return fmt.Errorf("store: append batch: %w", err)
		}
	}
	return nil
}

// Pending returns up to limit pending rows in insertion order. The
// insertion-ordered read is what preserves per-sensor temporal
// ordering across replays.
func (s *Store) Pending(ctx context.Context, limit int) ([]model.DurableRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)

	var records []model.DurableRecord
	err = sqlitex.Execute(conn,
		`SELECT id, payload, status FROM buffer WHERE status = ? ORDER BY id ASC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(model.StatusPending), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, payload)
				records = append(records, model.DurableRecord{
					ID:      stmt.ColumnInt64(0),
					Payload: payload,
					Status:  model.RecordStatus(stmt.ColumnText(2)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: pending: %w", err)
	}
	return records, nil
}

// CountPending reports how many rows still await confirmation.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)

	var n int64
	err = sqlitex.Execute(conn,
		`SELECT COUNT(*) FROM buffer WHERE status = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(model.StatusPending)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: count pending: %w", err)
	}
	return n, nil
}

// Complete marks the given rows with their terminal status and purges
// every confirmed row, all in one transaction. Rows not listed stay
// pending and will be replayed.
func (s *Store) Complete(ctx context.Context, ids []int64, status model.RecordStatus) (err error) {
	if len(ids) == 0 {
		return nil
	}
	if status == model.StatusPending {
		return fmt.Errorf("store: complete with non-terminal status %q", status)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	args := make([]any, 0, len(ids)+1)
	args = append(args, string(status))
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	err = sqlitex.Execute(conn,
		fmt.Sprintf(`UPDATE buffer SET status = ? WHERE id IN (%s)`, strings.Join(placeholders, ",")),
		&sqlitex.ExecOptions{Args: args})
	if err != nil {
		return fmt.Errorf("store: complete: %w", err)
	}
	err = sqlitex.Execute(conn,
		`DELETE FROM buffer WHERE status != ?`,
		&sqlitex.ExecOptions{Args: []any{string(model.StatusPending)}})
	if err != nil {
		return fmt.Errorf("store: purge: %w", err)
	}
	return nil
}
