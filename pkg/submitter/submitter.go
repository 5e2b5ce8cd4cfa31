package submitter

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// Config contains configuration attributes for a submitter.
type Config struct {
	PollInterval time.Duration
	NumWorkers   int
	BatchSize    int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: time.Second * 2,
		NumWorkers:   4,
		BatchSize:    20,
	}
}

// Option modifies a configuration attribute.
type Option func(*Config) error

// WithPollInterval sets how often the queue is polled for new work.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval < time.Millisecond*10 {
			return fmt.Errorf("poll interval is too low (<10ms)")
		}
		c.PollInterval = interval
		return nil
	}
}

// WithNumWorkers sets how many transactions are processed concurrently.
func WithNumWorkers(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("workers cannot be less than 1")
		}
		c.NumWorkers = n
		return nil
	}
}

// WithBatchSize sets how many queued rows are claimed per poll.
func WithBatchSize(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("batch size cannot be less than 1")
		}
		c.BatchSize = n
		return nil
	}
}

// Submitter drains the queue for one chain: it claims queued rows, allocates
// nonces, signs, and broadcasts.
type Submitter interface {
	Start() error
	Stop()
}

// ChainClient is the chain-side api a submitter needs.
type ChainClient interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, n *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}
