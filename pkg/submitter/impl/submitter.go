package impl

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/relayhub/go-relay/internal/relay"
	"github.com/relayhub/go-relay/pkg/nonce"
	"github.com/relayhub/go-relay/pkg/submitter"
	"github.com/relayhub/go-relay/pkg/txqueue"
	"github.com/relayhub/go-relay/pkg/wallet"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// QueueSubmitter drains the queue for one chain with a small worker pool.
type QueueSubmitter struct {
	log     zerolog.Logger
	config  *submitter.Config
	chainID relay.ChainID

	store   txqueue.Store
	coord   nonce.Coordinator
	client  submitter.ChainClient
	signers map[common.Address]wallet.Signer

	lock           sync.Mutex
	daemonCtx      context.Context
	daemonCancel   context.CancelFunc
	daemonCanceled chan struct{}

	mBaseLabels []attribute.KeyValue
	metrics     submitterMetrics
}

var _ submitter.Submitter = (*QueueSubmitter)(nil)

// New returns a new QueueSubmitter.
func New(
	chainID relay.ChainID,
	store txqueue.Store,
	coord nonce.Coordinator,
	client submitter.ChainClient,
	signers map[common.Address]wallet.Signer,
	opts ...submitter.Option,
) (*QueueSubmitter, error) {
	config := submitter.DefaultConfig()
	for _, op := range opts {
		if err := op(config); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}

	log := logger.With().
		Str("component", "submitter").
		Int64("chainID", int64(chainID)).
		Logger()

	s := &QueueSubmitter{
		log:     log,
		config:  config,
		chainID: chainID,
		store:   store,
		coord:   coord,
		client:  client,
		signers: signers,
	}
	if err := s.initMetrics(chainID); err != nil {
		return nil, fmt.Errorf("initializing metric instruments: %s", err)
	}
	return s, nil
}

// Start starts draining the queue.
func (s *QueueSubmitter) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.daemonCtx != nil {
		return fmt.Errorf("already started")
	}

	s.log.Debug().Msg("starting daemon...")
	ctx, cls := context.WithCancel(context.Background())
	s.daemonCtx = ctx
	s.daemonCancel = cls
	s.daemonCanceled = make(chan struct{})
	go s.daemon()
	s.log.Info().Msg("started")

	return nil
}

// Stop stops the submitter gracefully, waiting for in-flight work to finish.
func (s *QueueSubmitter) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.daemonCtx == nil {
		return
	}

	s.log.Debug().Msg("stopping gracefully...")
	s.daemonCancel()
	<-s.daemonCanceled

	s.daemonCtx = nil
	s.daemonCancel = nil
	s.daemonCanceled = nil
	s.log.Info().Msg("stopped")
}

func (s *QueueSubmitter) daemon() {
	defer close(s.daemonCanceled)

	for {
		select {
		case <-s.daemonCtx.Done():
			return
		case <-time.After(s.config.PollInterval):
			if err := s.drainBatch(s.daemonCtx); err != nil {
				s.log.Error().Err(err).Msg("draining batch")
			}
		}
	}
}

func (s *QueueSubmitter) drainBatch(ctx context.Context) error {
	claimed, err := s.store.ClaimQueued(ctx, s.chainID, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("claiming queued transactions: %s", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.NumWorkers)
	for _, tx := range claimed {
		tx := tx
		g.Go(func() error {
			if err := s.processTx(gCtx, tx); err != nil {
				s.log.Error().Err(err).Str("queueId", tx.QueueID).Msg("processing transaction")
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *QueueSubmitter) processTx(ctx context.Context, tx txqueue.Tx) error {
	signer, ok := s.signers[tx.From]
	if !ok {
		_, err := s.store.MarkErrored(ctx, tx.QueueID,
			fmt.Sprintf("no signer for wallet %s", tx.From.Hex()), false)
		return err
	}

	fees, err := s.effectiveFees(ctx, tx)
	if err != nil {
		// Couldn't price the transaction; leave it queued for the next poll.
		return s.requeue(ctx, tx.QueueID, err)
	}

	// A nonce-too-low rejection gets one retry with a fresh allocation after
	// resyncing the wallet counter against the chain.
	for attempt := 0; ; attempt++ {
		retry, err := s.submitOnce(ctx, tx, signer, fees)
		if !retry {
			return err
		}
		if attempt > 0 {
			// Still racing the chain after a resync. The nonce was released,
			// so hand the row back for a fresh allocation on a later poll
			// instead of stranding it in submitting.
			return s.requeue(ctx, tx.QueueID, errors.New("nonce too low after resync"))
		}
	}
}

// submitOnce allocates a nonce, signs and broadcasts. It reports whether the
// failure is worth one more attempt with a fresh nonce.
func (s *QueueSubmitter) submitOnce(
	ctx context.Context,
	tx txqueue.Tx,
	signer wallet.Signer,
	fees txqueue.GasFees,
) (bool, error) {
	n, err := s.coord.Allocate(ctx, s.chainID, tx.From, tx.QueueID, nonce.Fees{
		MaxFeePerGas:         fees.MaxFeePerGas,
		MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas,
	})
	if err != nil {
		// Allocation failures leave no broadcast in flight; hand the row
		// back so a later poll retries instead of stranding it.
		return false, s.requeue(ctx, tx.QueueID, fmt.Errorf("allocating nonce: %s", err))
	}

	signed, err := signer.Sign(ctx, big.NewInt(int64(s.chainID)), tx, n, fees)
	if err != nil {
		if rErr := s.coord.Release(ctx, s.chainID, tx.From, n); rErr != nil {
			s.log.Error().Err(rErr).Str("queueId", tx.QueueID).Msg("releasing nonce after sign failure")
		}
		_, mErr := s.store.MarkErrored(ctx, tx.QueueID, fmt.Sprintf("signing: %s", err), false)
		return false, mErr
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return s.handleSendError(ctx, tx, n, err)
	}

	s.metrics.broadcasts.Add(ctx, 1, s.mBaseLabels...)
	return false, s.markSent(ctx, tx.QueueID, n, signed.Hash(), fees)
}

func (s *QueueSubmitter) handleSendError(
	ctx context.Context,
	tx txqueue.Tx,
	n int64,
	sendErr error,
) (bool, error) {
	kind := classifySendError(sendErr)
	s.log.Warn().
		Err(sendErr).
		Str("queueId", tx.QueueID).
		Int64("nonce", n).
		Int("kind", int(kind)).
		Msg("broadcast failed")

	switch kind {
	case sendErrAlreadyKnown:
		// The pool already holds this payload; the broadcast effectively
		// succeeded but we lost the hash. Resubmission by the monitor will
		// reconstruct it, so record the failure as retryable.
		fallthrough
	case sendErrTransient:
		// The outcome is unknown: the node may have relayed the payload
		// before failing. The nonce stays consumed and pending, so a mined
		// replacement can't double-spend it.
		s.metrics.transientFailures.Add(ctx, 1, s.mBaseLabels...)
		_, err := s.store.MarkErrored(ctx, tx.QueueID, sendErr.Error(), true)
		return false, err

	case sendErrNonceTooLow:
		if err := s.coord.Release(ctx, s.chainID, tx.From, n); err != nil {
			return false, s.requeue(ctx, tx.QueueID, fmt.Errorf("releasing stale nonce: %s", err))
		}
		if _, err := s.coord.Resync(ctx, s.chainID, tx.From, false); err != nil {
			s.log.Warn().Err(err).Str("address", tx.From.Hex()).Msg("resync after nonce-too-low")
		}
		return true, nil

	default: // sendErrRejected
		if err := s.coord.Release(ctx, s.chainID, tx.From, n); err != nil {
			return false, s.requeue(ctx, tx.QueueID, fmt.Errorf("releasing rejected nonce: %s", err))
		}
		_, err := s.store.MarkErrored(ctx, tx.QueueID, sendErr.Error(), false)
		return false, err
	}
}

func (s *QueueSubmitter) markSent(
	ctx context.Context,
	queueID string,
	n int64,
	hash common.Hash,
	fees txqueue.GasFees,
) error {
	blockNumber, err := s.client.BlockNumber(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("getting block number for sent record")
	}
	if err := s.store.MarkSent(ctx, queueID, n, hash, fees, int64(blockNumber)); err != nil {
		return fmt.Errorf("marking sent: %s", err)
	}
	return nil
}

func (s *QueueSubmitter) requeue(ctx context.Context, queueID string, cause error) error {
	s.log.Warn().Err(cause).Str("queueId", queueID).Msg("requeueing")
	if err := s.store.Requeue(ctx, queueID); err != nil {
		return fmt.Errorf("requeueing %s: %s", queueID, err)
	}
	return nil
}

// effectiveFees returns the caller-provided fees, or chain-suggested ones
// when the submission didn't carry any.
func (s *QueueSubmitter) effectiveFees(ctx context.Context, tx txqueue.Tx) (txqueue.GasFees, error) {
	if tx.Gas.MaxFeePerGas != nil || tx.Gas.GasPrice != nil {
		return tx.Gas, nil
	}

	head, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return txqueue.GasFees{}, fmt.Errorf("getting chain head: %s", err)
	}
	if head.BaseFee == nil {
		gasPrice, err := s.client.SuggestGasPrice(ctx)
		if err != nil {
			return txqueue.GasFees{}, fmt.Errorf("suggesting gas price: %s", err)
		}
		return txqueue.GasFees{GasPrice: gasPrice}, nil
	}

	tip, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return txqueue.GasFees{}, fmt.Errorf("suggesting gas tip cap: %s", err)
	}
	// maxFee = 2*baseFee + tip tolerates base fee growth across a few blocks.
	maxFee := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	return txqueue.GasFees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}
