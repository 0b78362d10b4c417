package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/islerun/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options configures the connection. Addr is host:port of the native protocol.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func New(ctx context.Context, o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "islerun_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			run_id String,
			occurred_at DateTime64(6),
			type LowCardinality(String),
			subject String,
			target String,
			replica_id Int32,
			status LowCardinality(String),
			pid UInt32,
			exit_code Int32,
			error String
		) ENGINE = MergeTree()
		ORDER BY (run_id, occurred_at)`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (run_id, occurred_at, type, subject, target, replica_id, status, pid, exit_code, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		e.RunID,
		e.OccurredAt,
		string(e.Type),
		e.Subject,
		e.Target,
		int32(e.ReplicaID),
		e.Status,
		uint32(max(e.PID, 0)),
		int32(e.ExitCode),
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// List reads events back ordered by time, newest first when q.Newest is set.
func (s *Sink) List(ctx context.Context, q history.Query) ([]history.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = history.DefaultLimit
	}
	order := "occurred_at"
	if q.Newest {
		order = "occurred_at DESC"
	}
	query := fmt.Sprintf(`SELECT run_id, occurred_at, type, subject, target, replica_id, status, pid, exit_code, error
		FROM %s WHERE (? = '' OR run_id = ?) AND (? = '' OR type = ?) ORDER BY %s LIMIT %d`, s.table, order, limit)
	rows, err := s.conn.Query(ctx, query, q.RunID, q.RunID, string(q.Type), string(q.Type))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e             history.Event
			typ           string
			replica, exit int32
			pid           uint32
		)
		if err := rows.Scan(&e.RunID, &e.OccurredAt, &typ, &e.Subject, &e.Target, &replica, &e.Status, &pid, &exit, &e.Error); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.ReplicaID, e.PID, e.ExitCode = int(replica), int(pid), int(exit)
		out = append(out, e)
	}
	return out, rows.Err()
}
