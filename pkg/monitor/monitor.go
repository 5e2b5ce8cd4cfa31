package monitor

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Config contains configuration attributes for a confirmation monitor.
type Config struct {
	PollInterval      time.Duration
	ConfirmationDepth int64
	StuckTimeout      time.Duration
	FeeBumpMultiplier float64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:      time.Second * 5,
		ConfirmationDepth: 1,
		StuckTimeout:      time.Minute * 2,
		FeeBumpMultiplier: 1.2,
	}
}

// Option modifies a configuration attribute.
type Option func(*Config) error

// WithPollInterval sets how often sent transactions are re-checked.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval < time.Millisecond*10 {
			return fmt.Errorf("poll interval is too low (<10ms)")
		}
		c.PollInterval = interval
		return nil
	}
}

// WithConfirmationDepth sets how many blocks deep a receipt must be before
// the transaction counts as mined.
func WithConfirmationDepth(depth int64) Option {
	return func(c *Config) error {
		if depth < 1 {
			return fmt.Errorf("confirmation depth cannot be less than 1")
		}
		c.ConfirmationDepth = depth
		return nil
	}
}

// WithStuckTimeout sets how long a sent transaction can sit unmined before
// the monitor considers bumping its fees.
func WithStuckTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout < time.Second {
			return fmt.Errorf("stuck timeout is too low (<1s)")
		}
		c.StuckTimeout = timeout
		return nil
	}
}

// WithFeeBumpMultiplier sets the base fee multiple a replacement's max fee
// must reach.
func WithFeeBumpMultiplier(m float64) Option {
	return func(c *Config) error {
		if m < 1 {
			return fmt.Errorf("fee bump multiplier cannot be less than 1")
		}
		c.FeeBumpMultiplier = m
		return nil
	}
}

// Monitor watches sent transactions until a terminal outcome is known,
// driving fee-bump resubmissions for stuck ones.
type Monitor interface {
	Start() error
	Stop()
}

// ChainClient is the chain-side api a monitor needs.
type ChainClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	HeaderByNumber(ctx context.Context, n *big.Int) (*types.Header, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BlockNumber(ctx context.Context) (uint64, error)
}
