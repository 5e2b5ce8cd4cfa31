package txqueue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/relayhub/go-relay/internal/relay"
)

// Status is the lifecycle state of a queued transaction.
type Status string

// Valid statuses. Terminal ones admit no further transitions.
const (
	StatusQueued     Status = "queued"
	StatusSubmitting Status = "submitting"
	StatusSent       Status = "sent"
	StatusRetrying   Status = "retrying"
	StatusMined      Status = "mined"
	StatusErrored    Status = "errored"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions can happen from s.
func (s Status) Terminal() bool {
	return s == StatusMined || s == StatusErrored || s == StatusCancelled
}

// Kind is the execution variant of a queued transaction.
type Kind string

// Supported execution variants.
const (
	KindTransaction   Kind = "transaction"
	KindUserOperation Kind = "user-operation"
)

// ErrNotFound indicates the queue id doesn't exist.
var ErrNotFound = errors.New("queued transaction not found")

// ErrQueueFull indicates the wallet reached its pending ceiling; the caller
// may retry later.
var ErrQueueFull = errors.New("wallet queue is full")

// InvalidTransitionError indicates a state machine transition that isn't
// allowed from the record's current status.
type InvalidTransitionError struct {
	QueueID string
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.QueueID, e.From, e.To)
}

// GasFees groups the fee parameters of a transaction. Either GasPrice
// (legacy) or the EIP-1559 pair is set.
type GasFees struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Tx is one caller submission and its current state.
type Tx struct {
	QueueID        string
	ChainID        relay.ChainID
	Kind           Kind
	Status         Status
	IdempotencyKey string
	From           common.Address
	To             common.Address
	Data           []byte
	Value          *big.Int
	Nonce          *int64
	GasLimit       uint64
	Gas            GasFees
	RetryGasValues bool
	RetryCount     int
	ErrorMessage   string
	Hash           common.Hash
	SentAtBlock    *int64
	MinedAtBlock   *int64
	QueuedAt       time.Time
	SentAt         *time.Time
	MinedAt        *time.Time
	ProcessedAt    *time.Time
	Extension      string
	CustomMetadata string
}

// QueueRequest is the input subset persisted by QueueTx.
type QueueRequest struct {
	ChainID        relay.ChainID
	Kind           Kind
	From           common.Address
	To             common.Address
	Data           []byte
	Value          *big.Int
	GasLimit       uint64
	Gas            GasFees
	RetryGasValues bool
	IdempotencyKey string
	Extension      string
	CustomMetadata string
}

// Store is the durable state machine and idempotency ledger for every
// submission. It is the only mutator of queued transaction rows.
type Store interface {
	// QueueTx persists a new queued row and returns its queue id. If the
	// idempotency key matches an existing record in the wallet's scope, the
	// existing queue id is returned and no row is created.
	QueueTx(context.Context, QueueRequest) (string, error)

	// Get returns the record for a queue id.
	Get(context.Context, string) (Tx, error)

	// ClaimQueued atomically moves up to limit queued rows for a chain to
	// submitting, in queue order, and returns them.
	ClaimQueued(ctx context.Context, chainID relay.ChainID, limit int) ([]Tx, error)

	// Requeue reverts a submitting row back to queued; used when nonce
	// allocation times out so another worker picks it up later.
	Requeue(ctx context.Context, queueID string) error

	// MarkSent records a successful broadcast.
	MarkSent(ctx context.Context, queueID string, nonce int64, hash common.Hash, gas GasFees, blockNumber int64) error

	// MarkMined records inclusion at the given block.
	MarkMined(ctx context.Context, queueID string, blockNumber int64) error

	// MarkErrored transitions to retrying when retryable and attempts
	// remain, otherwise to terminal errored. It returns the resulting status.
	MarkErrored(ctx context.Context, queueID string, msg string, retryable bool) (Status, error)

	// Cancel aborts a record that hasn't been (re)broadcast yet.
	Cancel(ctx context.Context, queueID string) error

	// ListByStatus returns up to limit rows for a chain in the given status,
	// oldest first.
	ListByStatus(ctx context.Context, chainID relay.ChainID, status Status, limit int) ([]Tx, error)

	// PendingCount returns the number of non-terminal rows for a wallet.
	PendingCount(ctx context.Context, chainID relay.ChainID, from common.Address) (int, error)

	// Prune deletes the oldest terminal records beyond the retention count
	// and returns how many were deleted. Non-terminal records are never
	// touched.
	Prune(ctx context.Context, retain int) (int64, error)
}
