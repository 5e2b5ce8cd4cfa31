package impl

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/relayhub/go-relay/pkg/locker"
	"github.com/relayhub/go-relay/tests"
	"github.com/stretchr/testify/require"
)

func TestMutualExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l1, l2 := setup(t)

	ok, err := l1.TryAcquire(ctx, "nonce:1337:0xdeadbeef", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// a second holder must lose until the first releases
	ok, err = l2.TryAcquire(ctx, "nonce:1337:0xdeadbeef", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = l1.TryAcquire(ctx, "nonce:1337:0xdeadbeef", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l1.Release(ctx, "nonce:1337:0xdeadbeef"))

	ok, err = l2.TryAcquire(ctx, "nonce:1337:0xdeadbeef", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l1, l2 := setup(t)

	ok, err := l1.TryAcquire(ctx, "apply-migrations", time.Millisecond*50)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ok, err := l2.TryAcquire(ctx, "apply-migrations", time.Minute)
		require.NoError(t, err)
		return ok
	}, time.Second*5, time.Millisecond*20)
}

func TestReleaseNotOwned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l1, l2 := setup(t)

	ok, err := l1.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// releasing a lock held by someone else is a no-op
	require.NoError(t, l2.Release(ctx, "k"))

	ok, err = l2.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWaitUntilReleased(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l1, l2 := setup(t)

	ok, err := l1.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released := make(chan struct{})
	go func() {
		require.NoError(t, l2.WaitUntilReleased(ctx, "k"))
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("wait returned while the lock was held")
	case <-time.After(time.Millisecond * 300):
	}

	require.NoError(t, l1.Release(ctx, "k"))
	select {
	case <-released:
	case <-time.After(time.Second * 5):
		t.Fatal("wait didn't return after release")
	}
}

func TestAcquireBoundedWait(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l1, l2 := setup(t)

	ok, err := l1.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = locker.Acquire(ctx, l2, "k", time.Minute, time.Millisecond*300)
	require.ErrorIs(t, err, locker.ErrAcquireTimeout)
}

func setup(t *testing.T) (*SQLiteLocker, *SQLiteLocker) {
	t.Helper()

	db, err := sql.Open("sqlite3", tests.Sqlite3URI())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l1, err := NewSQLiteLocker(db)
	require.NoError(t, err)
	l2, err := NewSQLiteLocker(db)
	require.NoError(t, err)
	return l1, l2
}
