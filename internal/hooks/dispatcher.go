// Package hooks maps raw WAL row changes to typed domain change events,
// publishes them on the pub/sub fabric, and executes the cascade SQL writes
// spec'd per table (deleting dependent tokens, sessions, and flows so those
// deletions themselves flow back through the WAL).
package hooks

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"

	"github.com/ocx/meshcore/internal/obs"
	"github.com/ocx/meshcore/internal/pubsub"
	"github.com/ocx/meshcore/internal/wal"
)

// Dispatcher is the L2 event-hook engine: one per process, fed by the L1
// WAL consumer through a single pub/sub topic so every hook sees changes
// for every account in strict LSN order.
type Dispatcher struct {
	db      *sql.DB
	broker  *pubsub.Broker
	logger  *slog.Logger
	metrics *obs.Metrics

	wg sync.WaitGroup
}

// NewDispatcher builds a Dispatcher. db is used only for the small set of
// cascade deletes §4.3 calls for (token/session/flow cleanup); it never
// issues schema changes.
func NewDispatcher(db *sql.DB, broker *pubsub.Broker, logger *slog.Logger, metrics *obs.Metrics) *Dispatcher {
	return &Dispatcher{db: db, broker: broker, logger: obs.Component(logger, "hooks"), metrics: metrics}
}

// Run consumes changes until in is closed or ctx is cancelled. Because the
// WAL consumer is single-threaded and this loop processes one Change at a
// time, every account sees its hooks fire in LSN order.
func (d *Dispatcher) Run(ctx context.Context, in <-chan wal.Change) error {
	for {
		select {
		case change, ok := <-in:
			if !ok {
				return nil
			}
			if change.Op == wal.OpBegin || change.Op == wal.OpCommit || change.Op == wal.OpMessage {
				continue
			}
			d.dispatch(ctx, change)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, c wal.Change) {
	op := effectiveOp(c)

	accountID, hasAccount := accountIDOf(c)
	if hasAccount {
		d.broker.Publish(pubsub.AccountTopic(accountID), AccountChange{
			LSN: int64(c.LSN), Op: string(op), Table: c.Table,
			OldData: c.OldRow, NewData: c.NewRow,
		})
	}

	switch c.Table {
	case "accounts":
		d.onAccount(c, accountID)
	case "actors":
		d.onActor(ctx, c, op)
	case "actor_group_memberships":
		d.onMembership(ctx, c, op)
	case "policies":
		d.onPolicy(ctx, c, op)
	case "flows":
		d.onFlow(c, op)
	case "resources":
		d.onResource(c, op)
	case "resource_connections":
		d.onResourceConnection(ctx, c, op)
	case "clients":
		d.onClient(ctx, c)
	case "auth_providers":
		d.onAuthProvider(ctx, c, op)
	case "tokens", "gateway_tokens", "portal_sessions":
		d.onSocketDelete(c, op)
	}
}

// effectiveOp applies the soft-delete and disable/enable rewrite patterns:
// an update that sets deleted_at, or disabled_at, from nil is redispatched
// as a delete; one that clears disabled_at is redispatched as an insert.
func effectiveOp(c wal.Change) wal.Op {
	if c.Op != wal.OpUpdate {
		return c.Op
	}
	if set, _ := transitionedCol(c, "deleted_at"); set {
		return wal.OpDelete
	}
	if set, cleared := transitionedCol(c, "disabled_at"); set || cleared {
		if set {
			return wal.OpDelete
		}
		return wal.OpInsert
	}
	return c.Op
}

// execCascade runs a cascade delete on its own goroutine so a slow or
// failing cascade (expiring flows on a policy/membership delete, etc.)
// never blocks dispatch()'s single-threaded, strictly-LSN-ordered call
// path. Each cascade has independent error handling: a failure is logged
// and otherwise swallowed, it never propagates back to the dispatch loop.
func (d *Dispatcher) execCascade(ctx context.Context, query string, args ...any) {
	if d.db == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.db.ExecContext(context.WithoutCancel(ctx), query, args...); err != nil {
			d.logger.Error("cascade delete failed", "query", query, "error", err)
		}
	}()
}

// WaitCascades blocks until every in-flight cascade delete has finished;
// shutdown calls it so pending cascades complete before the process exits.
func (d *Dispatcher) WaitCascades() {
	d.wg.Wait()
}
