package retention

import (
	"context"
	"sync"
	"time"

	logger "github.com/rs/zerolog/log"
)

var log = logger.With().Str("component", "retention").Logger()

// TransactionPruner deletes the oldest terminal transaction records beyond a
// retention count.
type TransactionPruner interface {
	Prune(ctx context.Context, retain int) (int64, error)
}

// NonceMapPruner deletes pending nonce records past a retention horizon whose
// owning transaction is terminal or gone.
type NonceMapPruner interface {
	DeleteOrphanedPending(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Scheduler runs retention pruning at a regular interval: finished
// transaction history first, then nonce map entries orphaned by it.
type Scheduler struct {
	Interval time.Duration

	txs     TransactionPruner
	nonces  NonceMapPruner
	retain  int
	horizon time.Duration

	close     chan struct{}
	closeOnce sync.Once
}

// NewScheduler creates a new retention scheduler keeping at most retain
// terminal records and nonce map entries younger than horizon.
func NewScheduler(
	interval time.Duration,
	txs TransactionPruner,
	nonces NonceMapPruner,
	retain int,
	horizon time.Duration,
) *Scheduler {
	return &Scheduler{
		Interval: interval,
		txs:      txs,
		nonces:   nonces,
		retain:   retain,
		horizon:  horizon,
		close:    make(chan struct{}),
	}
}

// Run starts the scheduler and listens for a shutdown call.
func (s *Scheduler) Run() {
	log.Info().Msg("starting retention scheduler")

	period := s.Interval
	for {
		select {
		case <-s.close:
			log.Info().Msg("closing retention scheduler")
			return
		case <-time.After(period):
		}

		startTime := time.Now()
		s.prune()
		period = s.Interval - time.Since(startTime)
		if period < 0 {
			period = 0
		}
	}
}

// Shutdown gracefully shutdowns the scheduler.
func (s *Scheduler) Shutdown() {
	s.closeOnce.Do(func() {
		s.close <- struct{}{}
		close(s.close)
	})
}

func (s *Scheduler) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deletedTxs, err := s.txs.Prune(ctx, s.retain)
	if err != nil {
		log.Error().Err(err).Msg("pruning transaction history")
		return
	}
	deletedNonces, err := s.nonces.DeleteOrphanedPending(ctx, s.horizon)
	if err != nil {
		log.Error().Err(err).Msg("pruning nonce maps")
		return
	}
	log.Info().
		Int64("deleted_txs", deletedTxs).
		Int64("deleted_nonce_entries", deletedNonces).
		Msg("retention pruning done")
}
