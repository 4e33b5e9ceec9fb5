package accesslog

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	chBatchSize     = 100
	chFlushInterval = time.Second
	chTable         = "proxy_access_log"

	chSchema = `
CREATE TABLE IF NOT EXISTS ` + chTable + ` (
	time_stamp                   DateTime64(3, 'UTC'),
	event                        LowCardinality(String),
	user_name                    String,
	ip_address                   String,
	access                       LowCardinality(String),
	server                       String,
	nb_queued_requests_on_server Int32,
	error                        String
) ENGINE = MergeTree
ORDER BY time_stamp`
)

// ClickHouseSink mirrors access-log entries into a ClickHouse table for
// analytics. Entries are buffered and inserted in batches; an insert failure
// drops that batch (the CSV file remains the source of truth).
//
// Write and Close are only ever called from the Logger's writer goroutine,
// so the sink needs no locking of its own.
type ClickHouseSink struct {
	conn      driver.Conn
	baseCtx   context.Context
	buf       []Entry
	lastFlush time.Time
}

// NewClickHouseSink connects to addr (host:port), verifies the connection,
// and ensures the access-log table exists.
func NewClickHouseSink(ctx context.Context, addr, database, username, password string) (*ClickHouseSink, error) {
	if ctx == nil {
		return nil, fmt.Errorf("accesslog: context must not be nil")
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr:        []string{addr},
		Auth:        clickhouse.Auth{Database: database, Username: username, Password: password},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("accesslog: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("accesslog: clickhouse ping: %w", err)
	}

	if err := conn.Exec(ctx, chSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("accesslog: create table: %w", err)
	}

	return &ClickHouseSink{
		conn:      conn,
		baseCtx:   ctx,
		buf:       make([]Entry, 0, chBatchSize),
		lastFlush: time.Now(),
	}, nil
}

// Write buffers one entry and flushes when the batch is full or stale.
func (s *ClickHouseSink) Write(e Entry) error {
	s.buf = append(s.buf, e)
	if len(s.buf) >= chBatchSize || time.Since(s.lastFlush) >= chFlushInterval {
		return s.flush()
	}
	return nil
}

// Close flushes any buffered entries and releases the connection.
func (s *ClickHouseSink) Close() error {
	flushErr := s.flush()
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("accesslog: clickhouse close: %w", err)
	}
	return flushErr
}

func (s *ClickHouseSink) flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	defer func() {
		s.buf = s.buf[:0]
		s.lastFlush = time.Now()
	}()

	ctx, cancel := context.WithTimeout(s.baseCtx, 5*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+chTable)
	if err != nil {
		return fmt.Errorf("accesslog: prepare batch: %w", err)
	}
	for _, e := range s.buf {
		if err := batch.Append(
			e.Time.UTC(),
			string(e.Event),
			e.User,
			e.IP,
			string(e.Access),
			e.Server,
			int32(e.Queued),
			e.Err,
		); err != nil {
			return fmt.Errorf("accesslog: batch append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("accesslog: batch send: %w", err)
	}
	return nil
}
