// Package concurrency implements the per-market exclusive lock and the
// transaction lifecycle around one matching call (C7), per spec §4.7's
// state machine: Idle -> LockAcquired -> TxOpen -> Matching -> TxCommitted
// -> CacheReconciled -> EventsPublished -> Idle, with rollback arcs back to
// Idle from every state before TxCommitted.
//
// Grounded on the teacher's internal/server.go, which guards its
// clientSessions map with a single sync.Mutex (clientSessionsLock) around
// short critical sections; cancellation comes from the caller's
// context.Context. No distributed
// lock manager appears anywhere in the reference pack (this is a
// single-process engine), so the per-market mutex is realized in-process
// rather than as a SET NX EX round trip; TryLock's timeout plays the role
// spec §4.7 assigns to the lock's TTL.
package concurrency

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"fenrir/internal/domain"
)

// State names the controller's position in spec §4.7's state machine, used
// only for logging/observability — the machine itself is just the
// control-flow of Execute.
type State string

const (
	StateIdle            State = "idle"
	StateLockAcquired    State = "lock_acquired"
	StateTxOpen          State = "tx_open"
	StateMatching        State = "matching"
	StateTxCommitted     State = "tx_committed"
	StateCacheReconciled State = "cache_reconciled"
	StateEventsPublished State = "events_published"
)

// DefaultLockTimeout bounds how long Execute waits to acquire a market's
// lock before failing with ErrConflict.
const DefaultLockTimeout = 5 * time.Second

// marketLock is a mutex usable with a timeout, built from the teacher's
// plain sync.Mutex plus a buffered channel acting as a try-lock semaphore.
type marketLock chan struct{}

func newMarketLock() marketLock {
	ch := make(marketLock, 1)
	ch <- struct{}{}
	return ch
}

func (l marketLock) tryLock(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: market lock busy after %s", domain.ErrConflict, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l marketLock) unlock() { l <- struct{}{} }

// Controller owns one lock per market and the DB handle used to open each
// matching call's transaction.
type Controller struct {
	db          *sqlx.DB
	lockTimeout time.Duration
	isoLevel    sql.IsolationLevel
	onLockWait  func(time.Duration)

	mu    sync.Mutex
	locks map[string]marketLock
}

func New(db *sqlx.DB) *Controller {
	return &Controller{
		db:          db,
		lockTimeout: DefaultLockTimeout,
		isoLevel:    sql.LevelSerializable,
		locks:       make(map[string]marketLock),
	}
}

func (c *Controller) WithLockTimeout(d time.Duration) *Controller {
	c.lockTimeout = d
	return c
}

func (c *Controller) WithIsolation(level sql.IsolationLevel) *Controller {
	c.isoLevel = level
	return c
}

// WithLockWaitObserver registers fn to be called with how long Execute
// waited to acquire marketID's lock, every time it succeeds. Used to feed
// the market_lock_wait_seconds histogram without this package depending on
// the metrics package directly.
func (c *Controller) WithLockWaitObserver(fn func(time.Duration)) *Controller {
	c.onLockWait = fn
	return c
}

func (c *Controller) lockFor(marketID string) marketLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[marketID]
	if !ok {
		l = newMarketLock()
		c.locks[marketID] = l
	}
	return l
}

// Outcome is what a unit of work run under Execute hands back, so the
// controller can drive the post-commit cache-reconcile and event-publish
// steps without knowing what kind of work produced them.
type Outcome[T any] struct {
	Value T

	// Reconcile is run once the transaction has committed. Its error does
	// not unwind the committed transaction (spec §4.7: cache desync is
	// recovered asynchronously, not treated as a transaction failure) —
	// it is logged and should trigger a cache rebuild by the caller.
	Reconcile func() error

	// Publish is run after Reconcile, regardless of whether Reconcile
	// itself errored; a publish failure is also only logged.
	Publish func()
}

// Execute acquires marketID's exclusive lock, opens one transaction at the
// controller's isolation level, runs fn, commits, then runs the returned
// Outcome's Reconcile and Publish steps. Every early return rolls the
// transaction back and releases the lock. This is the single place in the
// system that opens a matching transaction — matching.Engine and
// settlement.Settler never see *sql.DB, only the sqlx.ExtContext this
// method hands them through fn.
func Execute[T any](ctx context.Context, c *Controller, marketID string, fn func(tx *sqlx.Tx) (Outcome[T], error)) (T, error) {
	var zero T

	lock := c.lockFor(marketID)
	waitStart := time.Now()
	if err := lock.tryLock(ctx, c.lockTimeout); err != nil {
		return zero, err
	}
	defer lock.unlock()
	if c.onLockWait != nil {
		c.onLockWait(time.Since(waitStart))
	}
	log.Debug().Str("marketId", marketID).Str("state", string(StateLockAcquired)).Msg("matching lock acquired")

	tx, err := c.db.BeginTxx(ctx, &sql.TxOptions{Isolation: c.isoLevel})
	if err != nil {
		return zero, fmt.Errorf("%w: begin matching tx: %v", domain.ErrStorageError, err)
	}
	log.Debug().Str("marketId", marketID).Str("state", string(StateTxOpen)).Msg("matching tx open")

	log.Debug().Str("marketId", marketID).Str("state", string(StateMatching)).Msg("matching in progress")
	outcome, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Str("marketId", marketID).Msg("rollback after matching error failed")
		}
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Str("marketId", marketID).Msg("rollback after failed commit failed")
		}
		return zero, fmt.Errorf("%w: commit matching tx: %v", domain.ErrStorageError, err)
	}
	log.Debug().Str("marketId", marketID).Str("state", string(StateTxCommitted)).Msg("matching tx committed")

	if outcome.Reconcile != nil {
		if err := outcome.Reconcile(); err != nil {
			log.Error().Err(err).Str("marketId", marketID).Msg("post-commit cache reconcile failed, cache may be stale until next restore")
		} else {
			log.Debug().Str("marketId", marketID).Str("state", string(StateCacheReconciled)).Msg("cache reconciled")
		}
	}

	if outcome.Publish != nil {
		outcome.Publish()
		log.Debug().Str("marketId", marketID).Str("state", string(StateEventsPublished)).Msg("events published")
	}

	return outcome.Value, nil
}
