package concurrency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/domain"
)

func TestMarketLock_TryLock_TimesOutWithErrConflict(t *testing.T) {
	l := newMarketLock()
	require.NoError(t, l.tryLock(context.Background(), time.Second), "uncontended lock acquires immediately")

	err := l.tryLock(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestMarketLock_TryLock_RespectsContextCancellation(t *testing.T) {
	l := newMarketLock()
	require.NoError(t, l.tryLock(context.Background(), time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.tryLock(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func newMockController(t *testing.T) (*Controller, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestExecute_CommitsThenReconcilesThenPublishes(t *testing.T) {
	c, mock := newMockController(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	var reconciled, published bool
	result, err := Execute(context.Background(), c, "BTC-USDC", func(tx *sqlx.Tx) (Outcome[int], error) {
		return Outcome[int]{
			Value:     42,
			Reconcile: func() error { reconciled = true; return nil },
			Publish:   func() { published = true },
		}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.True(t, reconciled)
	assert.True(t, published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_RollsBackOnFnError(t *testing.T) {
	c, mock := newMockController(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	_, err := Execute(context.Background(), c, "BTC-USDC", func(tx *sqlx.Tx) (Outcome[int], error) {
		return Outcome[int]{}, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_NeverRunsReconcileOrPublishOnRollback(t *testing.T) {
	c, mock := newMockController(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	ran := false
	_, _ = Execute(context.Background(), c, "BTC-USDC", func(tx *sqlx.Tx) (Outcome[int], error) {
		return Outcome[int]{
			Reconcile: func() error { ran = true; return nil },
			Publish:   func() { ran = true },
		}, errors.New("fail before commit")
	})

	assert.False(t, ran, "Reconcile and Publish must never run for a transaction that never committed")
}

func TestExecute_SerializesConcurrentCallsPerMarket(t *testing.T) {
	c, mock := newMockController(t)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectCommit()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_, _ = Execute(context.Background(), c, "BTC-USDC", func(tx *sqlx.Tx) (Outcome[int], error) {
			entered <- struct{}{}
			<-release
			return Outcome[int]{}, nil
		})
		close(done)
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first call never entered")
	}

	// The lock is a buffered channel of size 1: a second tryLock attempted
	// right now must fail once its 10ms timeout expires rather than block
	// indefinitely.
	lock := c.lockFor("BTC-USDC")
	assert.ErrorIs(t, lock.tryLock(context.Background(), 10*time.Millisecond), domain.ErrConflict)

	close(release)
	<-done

	_, err := Execute(context.Background(), c, "BTC-USDC", func(tx *sqlx.Tx) (Outcome[int], error) {
		return Outcome[int]{}, nil
	})
	require.NoError(t, err)
}
