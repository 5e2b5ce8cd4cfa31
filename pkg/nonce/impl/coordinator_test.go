package impl

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/relayhub/go-relay/internal/relay"
	"github.com/relayhub/go-relay/pkg/database"
	lockerimpl "github.com/relayhub/go-relay/pkg/locker/impl"
	"github.com/relayhub/go-relay/pkg/nonce"
	"github.com/relayhub/go-relay/tests"
	"github.com/stretchr/testify/require"
)

const chainID = relay.ChainID(1337)

var wallet = common.HexToAddress("0xB0B0000000000000000000000000000000000001")

func TestAllocateSequence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coord, _ := newCoordinator(t, 10)

	for want := int64(10); want < 13; want++ {
		got, err := coord.Allocate(ctx, chainID, wallet, uuid.NewString(), nonce.Fees{})
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	pending, err := coord.ListPending(ctx, chainID, wallet)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, int64(10), pending[0].Nonce)
	require.Equal(t, int64(12), pending[2].Nonce)
}

func TestAllocateConcurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coord, _ := newCoordinator(t, 0)

	const workers = 16
	results := make([]int64, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			n, err := coord.Allocate(ctx, chainID, wallet, uuid.NewString(), nonce.Fees{})
			require.NoError(t, err)
			results[i] = n
		}(i)
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, n := range results {
		require.False(t, seen[n], "nonce %d allocated twice", n)
		require.GreaterOrEqual(t, n, int64(0))
		require.Less(t, n, int64(workers))
		seen[n] = true
	}
}

func TestReleaseRewindsLatestOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coord, _ := newCoordinator(t, 0)

	n0, err := coord.Allocate(ctx, chainID, wallet, uuid.NewString(), nonce.Fees{})
	require.NoError(t, err)
	n1, err := coord.Allocate(ctx, chainID, wallet, uuid.NewString(), nonce.Fees{})
	require.NoError(t, err)

	// Releasing the latest allocation rewinds the counter so the nonce is
	// handed out again.
	require.NoError(t, coord.Release(ctx, chainID, wallet, n1))
	again, err := coord.Allocate(ctx, chainID, wallet, uuid.NewString(), nonce.Fees{})
	require.NoError(t, err)
	require.Equal(t, n1, again)

	// Releasing an older nonce drops its pending record but can't rewind.
	require.NoError(t, coord.Release(ctx, chainID, wallet, n0))
	next, err := coord.Allocate(ctx, chainID, wallet, uuid.NewString(), nonce.Fees{})
	require.NoError(t, err)
	require.Equal(t, n1+1, next)
}

func TestResync(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coord, client := newCoordinator(t, 0)

	n, err := coord.Allocate(ctx, chainID, wallet, uuid.NewString(), nonce.Fees{})
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
	require.NoError(t, coord.Complete(ctx, chainID, wallet, n))

	// The chain moved ahead of the stored counter (e.g. an external wallet
	// user sent transactions outside the relay).
	client.setNonce(5)
	target, err := coord.Resync(ctx, chainID, wallet, false)
	require.NoError(t, err)
	require.Equal(t, int64(5), target)

	n, err = coord.Allocate(ctx, chainID, wallet, uuid.NewString(), nonce.Fees{})
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestResyncConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coord, client := newCoordinator(t, 0)

	n, err := coord.Allocate(ctx, chainID, wallet, uuid.NewString(), nonce.Fees{})
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	// The pending nonce 0 is below the new chain count, so a plain resync
	// refuses to move.
	client.setNonce(3)
	_, err = coord.Resync(ctx, chainID, wallet, false)
	require.ErrorIs(t, err, nonce.ErrResyncConflict)

	target, err := coord.Resync(ctx, chainID, wallet, true)
	require.NoError(t, err)
	require.Equal(t, int64(3), target)

	pending, err := coord.ListPending(ctx, chainID, wallet)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestReuseRefreshesFees(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coord, _ := newCoordinator(t, 0)

	n, err := coord.Allocate(ctx, chainID, wallet, uuid.NewString(), nonce.Fees{
		MaxFeePerGas:         big.NewInt(1000),
		MaxPriorityFeePerGas: big.NewInt(10),
	})
	require.NoError(t, err)

	require.NoError(t, coord.Reuse(ctx, chainID, wallet, n, nonce.Fees{
		MaxFeePerGas:         big.NewInt(1200),
		MaxPriorityFeePerGas: big.NewInt(12),
	}))

	pending, err := coord.ListPending(ctx, chainID, wallet)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, big.NewInt(1200), pending[0].MaxFeePerGas)
	require.Equal(t, big.NewInt(12), pending[0].MaxPriorityFeePerGas)
}

func TestDeleteOrphanedPendingHonorsHorizon(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := database.Open(tests.Sqlite3URI())
	require.NoError(t, err)
	db.DB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	lk, err := lockerimpl.NewSQLiteLocker(db.DB)
	require.NoError(t, err)
	require.NoError(t, db.ExecuteMigration(ctx, lk, time.Minute))

	store := NewNonceStore(db)

	// Two orphaned records: neither queue ID exists in the transaction table.
	require.NoError(t, store.InsertPending(ctx, nonce.PendingNonce{
		ChainID: chainID, Address: wallet, Nonce: 0, QueueID: uuid.NewString(),
	}))
	require.NoError(t, store.InsertPending(ctx, nonce.PendingNonce{
		ChainID: chainID, Address: wallet, Nonce: 1, QueueID: uuid.NewString(),
	}))

	// Backdate the first record past the retention horizon.
	_, err = db.DB.ExecContext(ctx,
		"UPDATE pending_nonces SET created_at = ? WHERE nonce = 0",
		time.Now().Add(-time.Hour*2).UnixMilli())
	require.NoError(t, err)

	deleted, err := store.DeleteOrphanedPending(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	// The young record is still within the horizon.
	pending, err := store.ListPending(ctx, chainID, wallet)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, int64(1), pending[0].Nonce)
}

func newCoordinator(t *testing.T, chainNonce uint64) (*LockingCoordinator, *stubChainClient) {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(tests.Sqlite3URI())
	require.NoError(t, err)
	db.DB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	lk, err := lockerimpl.NewSQLiteLocker(db.DB)
	require.NoError(t, err)
	require.NoError(t, db.ExecuteMigration(ctx, lk, time.Minute))

	client := &stubChainClient{nonce: chainNonce}
	coord, err := NewLockingCoordinator(
		NewNonceStore(db),
		lk,
		map[relay.ChainID]nonce.ChainClient{chainID: client},
		time.Second*10,
		time.Second*10,
	)
	require.NoError(t, err)
	return coord, client
}

type stubChainClient struct {
	mu    sync.Mutex
	nonce uint64
}

func (c *stubChainClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce, nil
}

func (c *stubChainClient) setNonce(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonce = n
}
