package wal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/ocx/meshcore/internal/config"
	"github.com/ocx/meshcore/internal/obs"
)

const outputPlugin = "pgoutput"
const standbyTimeout = 10 * time.Second

// State is the lifecycle of the consumer's replication connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Consumer maintains a single logical-replication connection, decodes the
// wire protocol, and emits one Change per row mutation to its caller's
// channel in strictly increasing LSN order. It never crashes on a bad
// message or a dropped connection: both log and retry.
type Consumer struct {
	dsn             string // replication DSN; pgconn only, carries no plain SQL
	queryDSN        string // plain DSN for the pgx side-queries pgconn cannot run
	slotName        string
	publicationName string
	maxBackoff      time.Duration

	logger  *slog.Logger
	metrics *obs.Metrics

	mu    sync.RWMutex
	state State
}

// NewConsumer builds a Consumer from the WAL and Database sections of the
// process config. The two DSNs differ because a replication=database
// connection can only carry WAL protocol messages, not SQL queries.
func NewConsumer(wal config.WALConfig, db config.DatabaseConfig, logger *slog.Logger, metrics *obs.Metrics) *Consumer {
	return &Consumer{
		dsn:             wal.DSN,
		queryDSN:        db.DSN,
		slotName:        wal.SlotName,
		publicationName: wal.PublicationName,
		maxBackoff:      time.Duration(wal.MaxBackoffSec) * time.Second,
		logger:          obs.Component(logger, "wal"),
		metrics:         metrics,
	}
}

// State returns the consumer's current connection state.
func (c *Consumer) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run streams changes onto out until ctx is cancelled. On any error it
// reconnects and resumes from the slot's confirmed_flush_lsn, with
// exponential backoff capped at the configured maximum; replays are
// tolerated because every downstream consumer is idempotent on lsn.
func (c *Consumer) Run(ctx context.Context, out chan<- Change) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0

	first := true
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		if !first {
			wait := b.NextBackOff()
			c.logger.Warn("reconnecting after stream error", "backoff", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return ctx.Err()
			}
		}
		first = false

		c.setState(StateConnecting)
		err := c.runOnce(ctx, out, b.Reset)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		c.setState(StateDisconnected)
		c.metrics.WALReconnectsTotal.Inc()
		c.logger.Error("replication stream ended", "error", err)
	}
}

// runOnce opens one replication connection, streams until it errors or ctx
// is cancelled, and returns the terminal error. onStreaming is invoked once
// the stream is confirmed live, resetting the backoff schedule.
func (c *Consumer) runOnce(ctx context.Context, out chan<- Change, onStreaming func()) error {
	conn, err := pgconn.Connect(ctx, c.dsn)
	if err != nil {
		return fmt.Errorf("wal: replication connect: %w", err)
	}
	defer conn.Close(ctx)

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("wal: identify system: %w", err)
	}

	startLSN, err := c.resolveStartLSN(ctx, sysident.XLogPos)
	if err != nil {
		c.logger.Warn("confirmed_flush_lsn lookup failed, starting from current WAL position", "error", err)
		startLSN = sysident.XLogPos
	}

	pluginArgs := []string{
		"proto_version '2'",
		fmt.Sprintf("publication_names '%s'", c.publicationName),
	}
	if err := pglogrepl.StartReplication(ctx, conn, c.slotName, startLSN, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		return fmt.Errorf("wal: start replication: %w", err)
	}
	c.setState(StateStreaming)
	onStreaming()
	c.logger.Info("replication stream started", "slot", c.slotName, "publication", c.publicationName, "lsn", startLSN.String())

	relations := newRelationRegistry()
	clientXLogPos := startLSN
	nextStandbyDeadline := time.Now().Add(standbyTimeout)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Now().After(nextStandbyDeadline) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: clientXLogPos}); err != nil {
				c.logger.Error("standby status update failed", "error", err)
			}
			nextStandbyDeadline = time.Now().Add(standbyTimeout)
		}

		recvCtx, cancel := context.WithTimeout(ctx, standbyTimeout)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("wal: receive message: %w", err)
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("wal: postgres error %s: %s", errResp.Severity, errResp.Message)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				c.logger.Error("parse xlog data failed", "error", err)
				continue
			}
			c.decodeAndEmit(relations, xld, out)
			clientXLogPos = xld.WALStart + pglogrepl.LSN(len(xld.WALData))

		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				c.logger.Error("parse keepalive failed", "error", err)
				continue
			}
			if pkm.ReplyRequested {
				nextStandbyDeadline = time.Time{}
			}

		default:
			c.logger.Warn("unknown copy data type", "type", copyData.Data[0])
		}
	}
}

func (c *Consumer) decodeAndEmit(relations *relationRegistry, xld pglogrepl.XLogData, out chan<- Change) {
	logicalMsg, err := pglogrepl.ParseV2(xld.WALData, false)
	if err != nil {
		c.logger.Error("parse logical message failed", "error", err)
		return
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessageV2:
		relations.register(msg)

	case *pglogrepl.InsertMessageV2:
		table, _ := relations.tableName(msg.RelationID)
		newRow, err := relations.decodeTuple(msg.RelationID, msg.Tuple)
		if err != nil {
			c.logger.Error("decode insert failed", "error", err, "relation", msg.RelationID)
			return
		}
		c.metrics.WALEventsTotal.WithLabelValues(table, string(OpInsert)).Inc()
		out <- Change{LSN: xld.WALStart, Op: OpInsert, Table: table, NewRow: newRow}

	case *pglogrepl.UpdateMessageV2:
		table, _ := relations.tableName(msg.RelationID)
		oldRow, err := relations.decodeTuple(msg.RelationID, msg.OldTuple)
		if err != nil {
			c.logger.Error("decode update old tuple failed", "error", err, "relation", msg.RelationID)
		}
		newRow, err := relations.decodeTuple(msg.RelationID, msg.NewTuple)
		if err != nil {
			c.logger.Error("decode update new tuple failed", "error", err, "relation", msg.RelationID)
			return
		}
		c.metrics.WALEventsTotal.WithLabelValues(table, string(OpUpdate)).Inc()
		out <- Change{LSN: xld.WALStart, Op: OpUpdate, Table: table, OldRow: oldRow, NewRow: newRow}

	case *pglogrepl.DeleteMessageV2:
		table, _ := relations.tableName(msg.RelationID)
		oldRow, err := relations.decodeTuple(msg.RelationID, msg.OldTuple)
		if err != nil {
			c.logger.Error("decode delete old tuple failed", "error", err, "relation", msg.RelationID)
			return
		}
		c.metrics.WALEventsTotal.WithLabelValues(table, string(OpDelete)).Inc()
		out <- Change{LSN: xld.WALStart, Op: OpDelete, Table: table, OldRow: oldRow}

	case *pglogrepl.LogicalDecodingMessageV2:
		out <- Change{LSN: xld.WALStart, Op: OpMessage, Prefix: msg.Prefix, Message: msg.Content}

	case *pglogrepl.BeginMessageV2:
		out <- Change{LSN: xld.WALStart, Op: OpBegin}

	case *pglogrepl.CommitMessageV2:
		out <- Change{LSN: xld.WALStart, Op: OpCommit}

	case *pglogrepl.TruncateMessageV2:
		// truncation carries no per-row payload we act on.
	}
}

// resolveStartLSN queries the slot's confirmed_flush_lsn over a plain pgx
// connection — the replication connection itself can only carry WAL
// protocol messages, not SQL. Falls back to the caller-supplied position
// when the slot is new or the query fails.
func (c *Consumer) resolveStartLSN(ctx context.Context, fallback pglogrepl.LSN) (pglogrepl.LSN, error) {
	queryConn, err := pgx.Connect(ctx, c.queryDSN)
	if err != nil {
		return fallback, err
	}
	defer queryConn.Close(ctx)

	var confirmed *string
	err = queryConn.QueryRow(ctx,
		"SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1",
		c.slotName,
	).Scan(&confirmed)
	if err != nil {
		return fallback, err
	}
	if confirmed == nil || *confirmed == "" {
		return fallback, nil
	}
	return pglogrepl.ParseLSN(*confirmed)
}
