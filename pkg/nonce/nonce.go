package nonce

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/relayhub/go-relay/internal/relay"
)

// PendingNonce is a nonce handed out to a queued transaction that hasn't
// reached a terminal state yet.
type PendingNonce struct {
	ChainID              relay.ChainID
	Address              common.Address
	Nonce                int64
	QueueID              string
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	CreatedAt            time.Time
}

// ErrAllocationTimeout indicates the wallet lock couldn't be taken within the
// allocation wait budget.
var ErrAllocationTimeout = errors.New("timed out waiting for the wallet nonce lock")

// ErrResyncConflict indicates a resync target would skip over nonces that are
// still assigned to in-flight transactions.
var ErrResyncConflict = errors.New("resync conflicts with in-flight transactions")

// Coordinator hands out strictly increasing nonces per (chain, wallet) across
// every process sharing the store. All methods are safe for concurrent use.
type Coordinator interface {
	// Allocate reserves the next nonce for the wallet and records it as
	// pending under queueID. Callers that fail to broadcast must call Release
	// or the nonce stays consumed.
	Allocate(ctx context.Context, chainID relay.ChainID, addr common.Address, queueID string, fees Fees) (int64, error)

	// Reuse refreshes the recorded fees for an already-allocated nonce; used
	// when rebroadcasting a replacement transaction with the same nonce.
	Reuse(ctx context.Context, chainID relay.ChainID, addr common.Address, n int64, fees Fees) error

	// Release returns an allocated nonce that was never broadcast. The stored
	// counter is only rewound when no later nonce was handed out since.
	Release(ctx context.Context, chainID relay.ChainID, addr common.Address, n int64) error

	// Complete drops the pending record once the owning transaction reached a
	// terminal state.
	Complete(ctx context.Context, chainID relay.ChainID, addr common.Address, n int64) error

	// Resync aligns the wallet counter with max(stored, on-chain transaction
	// count). When force is false it fails with ErrResyncConflict if pending
	// records would be skipped; when true those records are dropped.
	Resync(ctx context.Context, chainID relay.ChainID, addr common.Address, force bool) (int64, error)

	// ListPending returns the pending nonces for a wallet, lowest first.
	ListPending(ctx context.Context, chainID relay.ChainID, addr common.Address) ([]PendingNonce, error)
}

// Fees is the fee pair recorded alongside a pending nonce so a later bump can
// price its replacement.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// ChainClient is the chain-side view the coordinator needs.
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Store persists wallet counters and pending nonce records.
type Store interface {
	// NextNonce returns the stored counter for the wallet, or initialize if
	// no row exists yet.
	NextNonce(ctx context.Context, chainID relay.ChainID, addr common.Address, initialize func() (int64, error)) (int64, error)

	// SetNextNonce overwrites the stored counter.
	SetNextNonce(ctx context.Context, chainID relay.ChainID, addr common.Address, next int64) error

	// CompareAndSetNextNonce overwrites the counter only when it still holds
	// expected, reporting whether the swap happened.
	CompareAndSetNextNonce(ctx context.Context, chainID relay.ChainID, addr common.Address, expected, next int64) (bool, error)

	InsertPending(ctx context.Context, p PendingNonce) error
	UpdatePendingFees(ctx context.Context, chainID relay.ChainID, addr common.Address, n int64, fees Fees) error
	DeletePending(ctx context.Context, chainID relay.ChainID, addr common.Address, n int64) error
	ListPending(ctx context.Context, chainID relay.ChainID, addr common.Address) ([]PendingNonce, error)

	// DeleteOrphanedPending removes pending records older than olderThan whose
	// owning transaction is terminal or gone, returning how many were removed.
	DeleteOrphanedPending(ctx context.Context, olderThan time.Duration) (int64, error)
}
