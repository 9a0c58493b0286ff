package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ocx/meshcore/internal/config"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/internal/obs"
	"github.com/ocx/meshcore/internal/wal"
)

// Sink buffers decoded WAL writes keyed by lsn and periodically bulk-inserts
// them. The buffer is cleared on success and on any flush error alike: a
// failed flush simply leaves the rows to be re-delivered by the WAL's own
// reconnect-and-replay, and ON CONFLICT (lsn) DO NOTHING makes that safe.
type Sink struct {
	db              *sql.DB
	flushInterval   time.Duration
	redactedColumns map[string]struct{}
	logger          *slog.Logger
	metrics         *obs.Metrics

	mu     sync.Mutex
	buffer map[int64]Record
}

// NewSink builds a Sink backed by the ordinary SQL connection pool (not the
// replication connection, which cannot run DML).
func NewSink(db *sql.DB, cfg config.AuditLogConfig, logger *slog.Logger, metrics *obs.Metrics) *Sink {
	redacted := make(map[string]struct{}, len(cfg.RedactedColumns))
	for _, c := range cfg.RedactedColumns {
		redacted[c] = struct{}{}
	}
	interval := time.Duration(cfg.FlushIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Sink{
		db:              db,
		flushInterval:   interval,
		redactedColumns: redacted,
		logger:          obs.Component(logger, "auditlog"),
		metrics:         metrics,
		buffer:          make(map[int64]Record),
	}
}

// Run consumes decoded WAL changes until in is closed or ctx is cancelled,
// buffering row mutations and flushing on a fixed interval. A LogicalMessage
// with prefix "subject" attaches the enclosed JSON to every row change in
// the same transaction, for audit attribution.
func (s *Sink) Run(ctx context.Context, in <-chan wal.Change) error {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var txnSubject []byte

	for {
		select {
		case change, ok := <-in:
			if !ok {
				s.flush(context.Background())
				return nil
			}
			switch change.Op {
			case wal.OpBegin:
				txnSubject = nil
			case wal.OpMessage:
				if change.Prefix == "subject" {
					txnSubject = change.Message
				}
			case wal.OpCommit:
				// nothing to do; next Begin clears the subject.
			default:
				s.stage(change, txnSubject)
			}

		case <-ticker.C:
			s.flush(ctx)

		case <-ctx.Done():
			s.flush(context.Background())
			return ctx.Err()
		}
	}
}

func (s *Sink) stage(change wal.Change, subject []byte) {
	row := change.NewRow
	if row == nil {
		row = change.OldRow
	}
	accountIDStr, ok := row["account_id"]
	if !ok || accountIDStr == "" {
		// Tables without account_id (e.g. relay tokens) are out of scope
		// for the audit log by design.
		return
	}
	accountID, err := ids.Parse(accountIDStr)
	if err != nil {
		s.logger.Error("audit stage: malformed account_id", "table", change.Table, "error", err)
		return
	}

	s.redact(change.OldRow)
	s.redact(change.NewRow)

	rec := Record{
		LSN:           int64(change.LSN),
		Op:            string(change.Op),
		Table:         change.Table,
		AccountID:     accountID,
		OldData:       rowToJSON(change.OldRow),
		NewData:       rowToJSON(change.NewRow),
		Subject:       subject,
		SchemaVersion: schemaVersion,
	}

	s.mu.Lock()
	s.buffer[rec.LSN] = rec
	s.mu.Unlock()
}

func (s *Sink) redact(row map[string]string) {
	for col := range row {
		if _, ok := s.redactedColumns[col]; ok {
			row[col] = "[redacted]"
		}
	}
}

// flush bulk-inserts the buffered records and clears the buffer
// unconditionally; a failed insert relies on WAL replay, not a retained
// local buffer, to recover the rows.
func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	records := make([]Record, 0, len(s.buffer))
	for _, rec := range s.buffer {
		records = append(records, rec)
	}
	s.buffer = make(map[int64]Record)
	s.mu.Unlock()

	if err := s.bulkInsert(ctx, records); err != nil {
		s.logger.Error("audit flush failed, rows will be re-derived from WAL replay", "error", err, "count", len(records))
		return
	}
	s.metrics.AuditLogFlushedTotal.Add(float64(len(records)))
	s.metrics.AuditLogBufferSize.Set(0)
}

func (s *Sink) bulkInsert(ctx context.Context, records []Record) error {
	var b strings.Builder
	b.WriteString("INSERT INTO audit_log (lsn, op, table_name, account_id, old_data, data, subject, schema_version) VALUES ")

	args := make([]any, 0, len(records)*8)
	for i, rec := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * 8
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args, rec.LSN, rec.Op, rec.Table, rec.AccountID.String(),
			nullableJSON(rec.OldData), nullableJSON(rec.NewData), nullableJSON(rec.Subject), rec.SchemaVersion)
	}
	b.WriteString(" ON CONFLICT (lsn) DO NOTHING")

	_, err := s.db.ExecContext(ctx, b.String(), args...)
	return err
}

func nullableJSON(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

// BufferSize reports the number of unflushed records.
func (s *Sink) BufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}
