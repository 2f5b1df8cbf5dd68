// Package leaderelection provides Postgres advisory lock-based cell
// ownership.
//
// A session-scoped advisory lock per cell determines which replica
// schedules that cell's triggers. The lock is held for the lifetime of a
// dedicated database connection; there is no renewal or TTL. If the
// connection dies, Postgres releases the lock server-side.
//
// The heartbeat ping exists solely to detect local connection death so the
// owner can stop scheduling promptly. It does NOT renew the lock.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/devtari-io/cronback/internal/ids"
)

// Elector manages ownership of one cell via a Postgres advisory lock.
type Elector struct {
	db                *sql.DB
	cell              ids.CellId
	lockKey           int64
	retryInterval     time.Duration // follower: how often to attempt lock acquisition
	heartbeatInterval time.Duration // owner: how often to ping the dedicated connection
	onElected         func(ctx context.Context)
	onDemoted         func(reason string)
}

// New creates an Elector for the given cell. The lock key is derived from
// the base plus the cell id, so replicas sharing a database never contend
// across cells.
//
// onElected is called in a new goroutine when this replica acquires the
// cell. The provided context is cancelled when ownership is lost.
//
// onDemoted is called synchronously when ownership is lost, with the reason
// ("shutdown", "conn_lost"). It must stop cell duties before returning and
// must be idempotent.
func New(
	db *sql.DB,
	cell ids.CellId,
	lockKeyBase int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(reason string),
) *Elector {
	return &Elector{
		db:                db,
		cell:              cell,
		lockKey:           lockKeyBase + int64(cell),
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
	}
}

// Run starts the election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: cell %d election loop started (lock_key=%d, retry=%s, heartbeat=%s)",
		e.cell, e.lockKey, e.retryInterval, e.heartbeatInterval)

	for {
		if ctx.Err() != nil {
			log.Printf("leader: cell %d election loop stopped", e.cell)
			return
		}

		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			log.Printf("leader: cell %d election loop stopped", e.cell)
			return
		}
		if reason != "" {
			log.Printf("leader: cell %d ownership lost (reason=%s), retrying in %s", e.cell, reason, e.retryInterval)
		}

		select {
		case <-ctx.Done():
			log.Printf("leader: cell %d election loop stopped", e.cell)
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce attempts to acquire the advisory lock and hold it.
// Returns the reason ownership was lost ("" if the lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	// Advisory locks are session-scoped: a dedicated connection is required.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		log.Printf("leader: cell %d failed to acquire dedicated connection: %v", e.cell, err)
		return ""
	}
	defer conn.Close()

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.lockKey).Scan(&acquired)
	if err != nil {
		log.Printf("leader: cell %d advisory lock query failed: %v", e.cell, err)
		return ""
	}
	if !acquired {
		return ""
	}

	log.Printf("leader: acquired cell %d (advisory lock %d)", e.cell, e.lockKey)

	ownerCtx, cancelOwner := context.WithCancel(ctx)
	go e.onElected(ownerCtx)

	// Ping detects local connection death; it does NOT renew the lock.
	reason := e.holdLock(ctx, conn)

	cancelOwner()
	e.onDemoted(reason)

	log.Printf("leader: released cell %d (advisory lock %d)", e.cell, e.lockKey)
	return reason
}

// holdLock blocks while pinging the dedicated connection.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				log.Printf("leader: cell %d dedicated connection ping failed: %v", e.cell, err)
				return "conn_lost"
			}
		}
	}
}
