package impl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/relayhub/go-relay/internal/relay"
	"github.com/relayhub/go-relay/pkg/locker"
	"github.com/relayhub/go-relay/pkg/nonce"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// LockingCoordinator hands out nonces under a fleet-wide wallet lock, so any
// number of daemons sharing the store allocate without gaps or duplicates.
type LockingCoordinator struct {
	log     zerolog.Logger
	store   nonce.Store
	locker  locker.Locker
	clients map[relay.ChainID]nonce.ChainClient

	lockTTL        time.Duration
	allocationWait time.Duration

	mBaseLabels []attribute.KeyValue
	metrics     coordinatorMetrics
}

var _ nonce.Coordinator = (*LockingCoordinator)(nil)

// NewLockingCoordinator creates a new coordinator. lockTTL bounds how long a
// crashed holder can stall the wallet; allocationWait bounds how long Allocate
// blocks before failing with ErrAllocationTimeout.
func NewLockingCoordinator(
	store nonce.Store,
	lk locker.Locker,
	clients map[relay.ChainID]nonce.ChainClient,
	lockTTL time.Duration,
	allocationWait time.Duration,
) (*LockingCoordinator, error) {
	log := logger.With().
		Str("component", "noncecoordinator").
		Logger()

	c := &LockingCoordinator{
		log:            log,
		store:          store,
		locker:         lk,
		clients:        clients,
		lockTTL:        lockTTL,
		allocationWait: allocationWait,
	}
	if err := c.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metrics instruments: %s", err)
	}
	return c, nil
}

// Allocate reserves the next nonce for the wallet and records it as pending.
func (c *LockingCoordinator) Allocate(
	ctx context.Context,
	chainID relay.ChainID,
	addr common.Address,
	queueID string,
	fees nonce.Fees,
) (int64, error) {
	unlock, err := c.lockWallet(ctx, chainID, addr)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n, err := c.store.NextNonce(ctx, chainID, addr, func() (int64, error) {
		return c.chainNonce(ctx, chainID, addr)
	})
	if err != nil {
		return 0, err
	}
	if err := c.store.SetNextNonce(ctx, chainID, addr, n+1); err != nil {
		return 0, err
	}
	if err := c.store.InsertPending(ctx, nonce.PendingNonce{
		ChainID:              chainID,
		Address:              addr,
		Nonce:                n,
		QueueID:              queueID,
		MaxFeePerGas:         fees.MaxFeePerGas,
		MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas,
	}); err != nil {
		return 0, err
	}

	c.metrics.allocations.Add(ctx, 1, c.mBaseLabels...)
	c.log.Debug().
		Int64("chainId", int64(chainID)).
		Str("address", addr.Hex()).
		Int64("nonce", n).
		Str("queueId", queueID).
		Msg("nonce allocated")
	return n, nil
}

// Reuse refreshes the recorded fees for an already-allocated nonce.
func (c *LockingCoordinator) Reuse(
	ctx context.Context, chainID relay.ChainID, addr common.Address, n int64, fees nonce.Fees,
) error {
	return c.store.UpdatePendingFees(ctx, chainID, addr, n, fees)
}

// Release returns a nonce that was allocated but never broadcast. The counter
// only rewinds when this was the most recent allocation; otherwise the gap is
// left for a resync to repair.
func (c *LockingCoordinator) Release(
	ctx context.Context, chainID relay.ChainID, addr common.Address, n int64,
) error {
	unlock, err := c.lockWallet(ctx, chainID, addr)
	if err != nil {
		return err
	}
	defer unlock()

	if err := c.store.DeletePending(ctx, chainID, addr, n); err != nil {
		return err
	}
	rewound, err := c.store.CompareAndSetNextNonce(ctx, chainID, addr, n+1, n)
	if err != nil {
		return err
	}

	c.metrics.releases.Add(ctx, 1, c.mBaseLabels...)
	c.log.Debug().
		Int64("chainId", int64(chainID)).
		Str("address", addr.Hex()).
		Int64("nonce", n).
		Bool("rewound", rewound).
		Msg("nonce released")
	return nil
}

// Complete drops the pending record once the owning transaction is terminal.
func (c *LockingCoordinator) Complete(
	ctx context.Context, chainID relay.ChainID, addr common.Address, n int64,
) error {
	return c.store.DeletePending(ctx, chainID, addr, n)
}

// Resync aligns the wallet counter with max(stored, on-chain count).
func (c *LockingCoordinator) Resync(
	ctx context.Context, chainID relay.ChainID, addr common.Address, force bool,
) (int64, error) {
	unlock, err := c.lockWallet(ctx, chainID, addr)
	if err != nil {
		return 0, err
	}
	defer unlock()

	chainNext, err := c.chainNonce(ctx, chainID, addr)
	if err != nil {
		return 0, err
	}
	stored, err := c.store.NextNonce(ctx, chainID, addr, func() (int64, error) {
		return chainNext, nil
	})
	if err != nil {
		return 0, err
	}

	target := stored
	if chainNext > target {
		target = chainNext
	}

	pending, err := c.store.ListPending(ctx, chainID, addr)
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		if p.Nonce >= chainNext {
			continue
		}
		// The chain already consumed this nonce, so the pending record can't
		// be broadcast anymore.
		if !force {
			return 0, fmt.Errorf("nonce %d (queue id %s) below chain count %d: %w",
				p.Nonce, p.QueueID, chainNext, nonce.ErrResyncConflict)
		}
		if err := c.store.DeletePending(ctx, chainID, addr, p.Nonce); err != nil {
			return 0, err
		}
		c.log.Warn().
			Int64("chainId", int64(chainID)).
			Str("address", addr.Hex()).
			Int64("nonce", p.Nonce).
			Str("queueId", p.QueueID).
			Msg("dropped stale pending nonce during forced resync")
	}

	if err := c.store.SetNextNonce(ctx, chainID, addr, target); err != nil {
		return 0, err
	}

	c.metrics.resyncs.Add(ctx, 1, c.mBaseLabels...)
	c.log.Info().
		Int64("chainId", int64(chainID)).
		Str("address", addr.Hex()).
		Int64("storedNext", stored).
		Int64("chainNext", chainNext).
		Int64("target", target).
		Msg("wallet counter resynced")
	return target, nil
}

// ListPending returns the pending nonces for a wallet, lowest first.
func (c *LockingCoordinator) ListPending(
	ctx context.Context, chainID relay.ChainID, addr common.Address,
) ([]nonce.PendingNonce, error) {
	return c.store.ListPending(ctx, chainID, addr)
}

func (c *LockingCoordinator) lockWallet(
	ctx context.Context, chainID relay.ChainID, addr common.Address,
) (func(), error) {
	key := walletLockKey(chainID, addr)
	if err := locker.Acquire(ctx, c.locker, key, c.lockTTL, c.allocationWait); err != nil {
		if errors.Is(err, locker.ErrAcquireTimeout) {
			c.metrics.allocationTimeouts.Add(ctx, 1, c.mBaseLabels...)
			return nil, nonce.ErrAllocationTimeout
		}
		return nil, fmt.Errorf("acquiring wallet lock: %s", err)
	}
	return func() {
		if err := c.locker.Release(ctx, key); err != nil {
			c.log.Error().Err(err).Str("key", key).Msg("releasing wallet lock")
		}
	}, nil
}

func (c *LockingCoordinator) chainNonce(
	ctx context.Context, chainID relay.ChainID, addr common.Address,
) (int64, error) {
	client, ok := c.clients[chainID]
	if !ok {
		return 0, fmt.Errorf("no chain client for chain %d", chainID)
	}
	count, err := client.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("getting on-chain transaction count: %s", err)
	}
	return int64(count), nil
}

func walletLockKey(chainID relay.ChainID, addr common.Address) string {
	return fmt.Sprintf("nonce:%d:%s", chainID, addr.Hex())
}
