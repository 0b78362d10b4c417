package history

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects SQL flavour for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore writes events into the islerun_history table and reads them back.
// occurred_at is stored as unix nanoseconds so ordering and scanning behave
// the same on every dialect. The schema is created if missing.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	id := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		id = "id BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS islerun_history(
			` + id + `,
			run_id TEXT NOT NULL,
			occurred_at BIGINT NOT NULL,
			type TEXT NOT NULL,
			subject TEXT NOT NULL,
			target TEXT NOT NULL,
			replica_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			pid INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			error TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_islerun_history_run ON islerun_history(run_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("history schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Send(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO islerun_history(run_id, occurred_at, type, subject, target, replica_id, status, pid, exit_code, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		e.RunID, e.OccurredAt.UnixNano(), string(e.Type), e.Subject, e.Target, e.ReplicaID, e.Status, e.PID, e.ExitCode, e.Error)
	return err
}

// List returns matching events oldest first, or newest first when q.Newest is set.
func (s *SQLStore) List(ctx context.Context, q Query) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := `SELECT run_id, occurred_at, type, subject, target, replica_id, status, pid, exit_code, error FROM islerun_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Newest {
		query += " ORDER BY occurred_at DESC, id DESC"
	} else {
		query += " ORDER BY occurred_at, id"
	}
	query += " LIMIT " + strconv.Itoa(limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var (
			e   Event
			ns  int64
			typ string
		)
		if err := rows.Scan(&e.RunID, &ns, &typ, &e.Subject, &e.Target, &e.ReplicaID, &e.Status, &e.PID, &e.ExitCode, &e.Error); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.OccurredAt = time.Unix(0, ns).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
