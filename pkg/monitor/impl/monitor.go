package impl

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/relayhub/go-relay/internal/relay"
	"github.com/relayhub/go-relay/pkg/monitor"
	"github.com/relayhub/go-relay/pkg/nonce"
	"github.com/relayhub/go-relay/pkg/txqueue"
	"github.com/relayhub/go-relay/pkg/wallet"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const checkBatchSize = 500

// ConfirmationMonitor polls the chain for the fate of sent transactions:
// confirmed ones are marked mined, stuck ones get a fee-bumped replacement
// with the same nonce, and externally replaced nonces end the transaction.
type ConfirmationMonitor struct {
	log     zerolog.Logger
	config  *monitor.Config
	chainID relay.ChainID

	store   txqueue.Store
	coord   nonce.Coordinator
	bus     txqueue.Bus
	client  monitor.ChainClient
	signers map[common.Address]wallet.Signer

	lock           sync.Mutex
	daemonCtx      context.Context
	daemonCancel   context.CancelFunc
	daemonCanceled chan struct{}

	mBaseLabels []attribute.KeyValue
	metrics     monitorMetrics
}

var _ monitor.Monitor = (*ConfirmationMonitor)(nil)

// New returns a new ConfirmationMonitor.
func New(
	chainID relay.ChainID,
	store txqueue.Store,
	coord nonce.Coordinator,
	bus txqueue.Bus,
	client monitor.ChainClient,
	signers map[common.Address]wallet.Signer,
	opts ...monitor.Option,
) (*ConfirmationMonitor, error) {
	config := monitor.DefaultConfig()
	for _, op := range opts {
		if err := op(config); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}

	log := logger.With().
		Str("component", "monitor").
		Int64("chainID", int64(chainID)).
		Logger()

	m := &ConfirmationMonitor{
		log:     log,
		config:  config,
		chainID: chainID,
		store:   store,
		coord:   coord,
		bus:     bus,
		client:  client,
		signers: signers,
	}
	if err := m.initMetrics(chainID); err != nil {
		return nil, fmt.Errorf("initializing metric instruments: %s", err)
	}
	return m, nil
}

// Start starts watching sent transactions.
func (m *ConfirmationMonitor) Start() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.daemonCtx != nil {
		return fmt.Errorf("already started")
	}

	m.log.Debug().Msg("starting daemon...")
	ctx, cls := context.WithCancel(context.Background())
	m.daemonCtx = ctx
	m.daemonCancel = cls
	m.daemonCanceled = make(chan struct{})
	go m.daemon()
	m.log.Info().Msg("started")

	return nil
}

// Stop stops the monitor gracefully.
func (m *ConfirmationMonitor) Stop() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.daemonCtx == nil {
		return
	}

	m.log.Debug().Msg("stopping gracefully...")
	m.daemonCancel()
	<-m.daemonCanceled

	m.daemonCtx = nil
	m.daemonCancel = nil
	m.daemonCanceled = nil
	m.log.Info().Msg("stopped")
}

func (m *ConfirmationMonitor) daemon() {
	defer close(m.daemonCanceled)

	for {
		select {
		case <-m.daemonCtx.Done():
			return
		case <-time.After(m.config.PollInterval):
			if err := m.checkSent(m.daemonCtx); err != nil {
				m.log.Error().Err(err).Msg("checking sent transactions")
			}
			if err := m.resubmitRetrying(m.daemonCtx); err != nil {
				m.log.Error().Err(err).Msg("resubmitting retrying transactions")
			}
		}
	}
}

func (m *ConfirmationMonitor) checkSent(ctx context.Context) error {
	sent, err := m.store.ListByStatus(ctx, m.chainID, txqueue.StatusSent, checkBatchSize)
	if err != nil {
		return fmt.Errorf("listing sent transactions: %s", err)
	}
	if len(sent) == 0 {
		return nil
	}

	head, err := m.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("getting chain head: %s", err)
	}

	for _, tx := range sent {
		if err := m.checkTx(ctx, tx, head); err != nil {
			m.log.Error().Err(err).Str("queueId", tx.QueueID).Msg("checking transaction")
		}
	}
	return nil
}

func (m *ConfirmationMonitor) checkTx(ctx context.Context, tx txqueue.Tx, head *types.Header) error {
	receipt, err := m.client.TransactionReceipt(ctx, tx.Hash)
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("getting receipt: %s", err)
	}

	if receipt != nil {
		confirmations := new(big.Int).Sub(head.Number, receipt.BlockNumber).Int64() + 1
		if confirmations < m.config.ConfirmationDepth {
			return nil
		}
		if err := m.store.MarkMined(ctx, tx.QueueID, receipt.BlockNumber.Int64()); err != nil {
			return fmt.Errorf("marking mined: %s", err)
		}
		m.metrics.mined.Add(ctx, 1, m.mBaseLabels...)
		return m.completeNonce(ctx, tx)
	}

	// No receipt for our hash. If the chain consumed the nonce anyway, some
	// other transaction took it.
	if tx.Nonce != nil {
		chainCount, err := m.client.NonceAt(ctx, tx.From, nil)
		if err != nil {
			return fmt.Errorf("getting confirmed transaction count: %s", err)
		}
		if int64(chainCount) > *tx.Nonce {
			return m.handleExternalReplacement(ctx, tx)
		}
	}

	if m.isStuck(tx, head) {
		return m.handleStuck(ctx, tx, head)
	}
	return nil
}

func (m *ConfirmationMonitor) isStuck(tx txqueue.Tx, head *types.Header) bool {
	if tx.SentAt == nil || time.Since(*tx.SentAt) < m.config.StuckTimeout {
		return false
	}
	if head.BaseFee == nil || tx.Gas.MaxFeePerGas == nil {
		return false
	}
	return head.BaseFee.Cmp(tx.Gas.MaxFeePerGas) > 0
}

// handleStuck emits one delay event and broadcasts one fee-bumped
// replacement with the same nonce.
func (m *ConfirmationMonitor) handleStuck(ctx context.Context, tx txqueue.Tx, head *types.Header) error {
	m.log.Info().
		Str("queueId", tx.QueueID).
		Int64("nonce", *tx.Nonce).
		Str("maxFeePerGas", tx.Gas.MaxFeePerGas.String()).
		Str("baseFee", head.BaseFee.String()).
		Msg("transaction stuck for gas, bumping")

	m.bus.Publish(txqueue.Event{
		Type: txqueue.EventDelayed,
		Tx:   tx,
		Delay: &txqueue.DelayInfo{
			Reason:                txqueue.DelayReasonMaxFeeTooLow,
			RequestedMaxFeePerGas: tx.Gas.MaxFeePerGas,
			CurrentMaxFeePerGas:   head.BaseFee,
			Timestamp:             time.Now(),
		},
		Timestamp: time.Now(),
	})

	bumped := monitor.BumpGas(tx.Gas, head.BaseFee, tx.RetryCount+1, m.config.FeeBumpMultiplier)
	if err := m.coord.Reuse(ctx, m.chainID, tx.From, *tx.Nonce, nonce.Fees{
		MaxFeePerGas:         bumped.MaxFeePerGas,
		MaxPriorityFeePerGas: bumped.MaxPriorityFeePerGas,
	}); err != nil {
		return fmt.Errorf("reusing nonce with bumped fees: %s", err)
	}

	status, err := m.store.MarkErrored(ctx, tx.QueueID, "max fee per gas below current base fee", true)
	if err != nil {
		return fmt.Errorf("advancing retry counter: %s", err)
	}
	if status != txqueue.StatusRetrying {
		// Retry budget exhausted; the nonce stays consumed until the original
		// payload mines or an operator resyncs.
		m.log.Warn().Str("queueId", tx.QueueID).Msg("max retries exceeded")
		return m.completeNonce(ctx, tx)
	}

	m.metrics.gasBumps.Add(ctx, 1, m.mBaseLabels...)
	return m.broadcastReplacement(ctx, tx, *tx.Nonce, bumped)
}

func (m *ConfirmationMonitor) handleExternalReplacement(ctx context.Context, tx txqueue.Tx) error {
	m.log.Warn().
		Str("queueId", tx.QueueID).
		Int64("nonce", *tx.Nonce).
		Msg("nonce consumed by a foreign transaction")

	if _, err := m.store.MarkErrored(ctx, tx.QueueID,
		"nonce collision: externally replaced", false); err != nil {
		return fmt.Errorf("marking externally replaced: %s", err)
	}
	m.metrics.externalReplacements.Add(ctx, 1, m.mBaseLabels...)

	if err := m.completeNonce(ctx, tx); err != nil {
		return err
	}
	if _, err := m.coord.Resync(ctx, m.chainID, tx.From, false); err != nil {
		// Other in-flight nonces block the resync; the next detection or an
		// operator reset will finish the repair.
		m.log.Warn().Err(err).Str("address", tx.From.Hex()).Msg("resync after external replacement")
	}
	return nil
}

// resubmitRetrying rebroadcasts transactions whose previous broadcast failed
// transiently or was fee-bumped, reusing their allocated nonce.
func (m *ConfirmationMonitor) resubmitRetrying(ctx context.Context) error {
	retrying, err := m.store.ListByStatus(ctx, m.chainID, txqueue.StatusRetrying, checkBatchSize)
	if err != nil {
		return fmt.Errorf("listing retrying transactions: %s", err)
	}

	for _, tx := range retrying {
		n, fees, ok, err := m.pendingAllocation(ctx, tx)
		if err != nil {
			m.log.Error().Err(err).Str("queueId", tx.QueueID).Msg("resolving pending allocation")
			continue
		}
		if !ok {
			// The nonce is gone (e.g. a forced resync dropped it); end the
			// transaction rather than allocate a fresh one behind the
			// caller's back.
			if _, err := m.store.MarkErrored(ctx, tx.QueueID, "pending nonce lost", false); err != nil {
				m.log.Error().Err(err).Str("queueId", tx.QueueID).Msg("marking errored")
			}
			continue
		}
		if err := m.broadcastReplacement(ctx, tx, n, fees); err != nil {
			m.log.Error().Err(err).Str("queueId", tx.QueueID).Msg("rebroadcasting")
		}
	}
	return nil
}

// pendingAllocation finds the nonce and latest fees recorded for a
// transaction, preferring the pending record which carries bumped values.
func (m *ConfirmationMonitor) pendingAllocation(
	ctx context.Context, tx txqueue.Tx,
) (int64, txqueue.GasFees, bool, error) {
	pending, err := m.coord.ListPending(ctx, m.chainID, tx.From)
	if err != nil {
		return 0, txqueue.GasFees{}, false, err
	}
	for _, p := range pending {
		if p.QueueID != tx.QueueID {
			continue
		}
		fees := txqueue.GasFees{
			MaxFeePerGas:         p.MaxFeePerGas,
			MaxPriorityFeePerGas: p.MaxPriorityFeePerGas,
		}
		if fees.MaxFeePerGas == nil {
			fees = tx.Gas
		}
		return p.Nonce, fees, true, nil
	}
	return 0, txqueue.GasFees{}, false, nil
}

func (m *ConfirmationMonitor) broadcastReplacement(
	ctx context.Context, tx txqueue.Tx, n int64, fees txqueue.GasFees,
) error {
	signer, ok := m.signers[tx.From]
	if !ok {
		return fmt.Errorf("no signer for wallet %s", tx.From.Hex())
	}
	signed, err := signer.Sign(ctx, big.NewInt(int64(m.chainID)), tx, n, fees)
	if err != nil {
		return fmt.Errorf("signing replacement: %s", err)
	}

	if err := m.client.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already known") {
			// The pool holds this exact payload already; adopt its hash.
		} else {
			// Leave the row retrying; the next tick tries again.
			return fmt.Errorf("broadcasting replacement: %s", err)
		}
	}

	blockNumber, err := m.client.BlockNumber(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("getting block number for sent record")
	}
	if err := m.store.MarkSent(ctx, tx.QueueID, n, signed.Hash(), fees, int64(blockNumber)); err != nil {
		return fmt.Errorf("marking resent: %s", err)
	}
	return nil
}

func (m *ConfirmationMonitor) completeNonce(ctx context.Context, tx txqueue.Tx) error {
	if tx.Nonce == nil {
		return nil
	}
	if err := m.coord.Complete(ctx, m.chainID, tx.From, *tx.Nonce); err != nil {
		return fmt.Errorf("completing nonce: %s", err)
	}
	return nil
}
