package impl

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/relayhub/go-relay/internal/relay"
	"github.com/relayhub/go-relay/pkg/nonce"
	"github.com/relayhub/go-relay/pkg/txqueue"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
)

// RelayService is the main implementation of the transaction relay service.
type RelayService struct {
	log   zerolog.Logger
	store txqueue.Store
	coord nonce.Coordinator
	// Backend wallets available per chain; submissions must originate from
	// one of them.
	wallets map[relay.ChainID][]common.Address
}

var _ relay.Relay = (*RelayService)(nil)

// NewRelayService creates a new relay service.
func NewRelayService(
	store txqueue.Store,
	coord nonce.Coordinator,
	wallets map[relay.ChainID][]common.Address,
) *RelayService {
	log := logger.With().
		Str("component", "relayservice").
		Logger()

	return &RelayService{
		log:     log,
		store:   store,
		coord:   coord,
		wallets: wallets,
	}
}

// QueueTx validates and persists a submission, returning its queue id.
func (s *RelayService) QueueTx(ctx context.Context, req relay.QueueTxRequest) (relay.QueueTxResponse, error) {
	parsed, err := s.parseRequest(req)
	if err != nil {
		return relay.QueueTxResponse{}, err
	}

	queueID, err := s.store.QueueTx(ctx, parsed)
	if err != nil {
		return relay.QueueTxResponse{}, fmt.Errorf("queueing transaction: %w", err)
	}
	return relay.QueueTxResponse{QueueID: queueID}, nil
}

// GetTx returns the externally visible view of a queued transaction.
func (s *RelayService) GetTx(ctx context.Context, queueID string) (relay.TxInfo, error) {
	tx, err := s.store.Get(ctx, queueID)
	if err != nil {
		return relay.TxInfo{}, fmt.Errorf("getting transaction: %w", err)
	}

	info := relay.TxInfo{
		QueueID:        tx.QueueID,
		ChainID:        tx.ChainID,
		Kind:           string(tx.Kind),
		Status:         string(tx.Status),
		From:           tx.From.Hex(),
		To:             tx.To.Hex(),
		Nonce:          tx.Nonce,
		RetryCount:     tx.RetryCount,
		ErrorMessage:   tx.ErrorMessage,
		QueuedAt:       tx.QueuedAt.UTC().Format(time.RFC3339),
		SentAtBlock:    tx.SentAtBlock,
		MinedAtBlock:   tx.MinedAtBlock,
		Extension:      tx.Extension,
		CustomMetadata: tx.CustomMetadata,
	}
	if tx.Hash != (common.Hash{}) {
		info.TransactionHash = tx.Hash.Hex()
	}
	if tx.SentAt != nil {
		info.SentAt = tx.SentAt.UTC().Format(time.RFC3339)
	}
	if tx.MinedAt != nil {
		info.MinedAt = tx.MinedAt.UTC().Format(time.RFC3339)
	}
	return info, nil
}

// CancelTx aborts a submission that wasn't broadcast yet.
func (s *RelayService) CancelTx(ctx context.Context, queueID string) error {
	if err := s.store.Cancel(ctx, queueID); err != nil {
		return fmt.Errorf("cancelling transaction: %w", err)
	}
	return nil
}

// ResetNonces resyncs wallet counters against the chain. An empty address
// targets every backend wallet of the chain.
func (s *RelayService) ResetNonces(ctx context.Context, req relay.ResetNoncesRequest) error {
	wallets, ok := s.wallets[req.ChainID]
	if !ok {
		return fmt.Errorf("unsupported chain %d: %w", req.ChainID, relay.ErrInvalidRequest)
	}

	targets := wallets
	if req.Address != "" {
		if !common.IsHexAddress(req.Address) {
			return fmt.Errorf("malformed address %q: %w", req.Address, relay.ErrInvalidRequest)
		}
		targets = []common.Address{common.HexToAddress(req.Address)}
	}

	for _, addr := range targets {
		target, err := s.coord.Resync(ctx, req.ChainID, addr, req.SyncOnchainNonce)
		if err != nil {
			return fmt.Errorf("resyncing %s: %w", addr.Hex(), err)
		}
		s.log.Info().
			Int64("chainId", int64(req.ChainID)).
			Str("address", addr.Hex()).
			Int64("nextNonce", target).
			Msg("nonce state reset")
	}
	return nil
}

func (s *RelayService) parseRequest(req relay.QueueTxRequest) (txqueue.QueueRequest, error) {
	wallets, ok := s.wallets[req.ChainID]
	if !ok {
		return txqueue.QueueRequest{}, fmt.Errorf("unsupported chain %d: %w", req.ChainID, relay.ErrInvalidRequest)
	}

	kind := txqueue.KindTransaction
	switch req.Kind {
	case "", string(txqueue.KindTransaction):
	case string(txqueue.KindUserOperation):
		kind = txqueue.KindUserOperation
	default:
		return txqueue.QueueRequest{}, fmt.Errorf("unknown kind %q: %w", req.Kind, relay.ErrInvalidRequest)
	}

	if !common.IsHexAddress(req.From) {
		return txqueue.QueueRequest{}, fmt.Errorf("malformed from address: %w", relay.ErrInvalidRequest)
	}
	from := common.HexToAddress(req.From)
	if !containsAddress(wallets, from) {
		return txqueue.QueueRequest{}, fmt.Errorf("%s is not a backend wallet: %w", from.Hex(), relay.ErrInvalidRequest)
	}
	if !common.IsHexAddress(req.To) {
		return txqueue.QueueRequest{}, fmt.Errorf("malformed to address: %w", relay.ErrInvalidRequest)
	}

	var data []byte
	if req.Data != "" {
		if !strings.HasPrefix(req.Data, "0x") {
			return txqueue.QueueRequest{}, fmt.Errorf("data must be 0x-prefixed hex: %w", relay.ErrInvalidRequest)
		}
		data = common.FromHex(req.Data)
	}

	value := big.NewInt(0)
	if req.Value != "" {
		v, ok := new(big.Int).SetString(req.Value, 10)
		if !ok || v.Sign() < 0 {
			return txqueue.QueueRequest{}, fmt.Errorf("malformed value %q: %w", req.Value, relay.ErrInvalidRequest)
		}
		value = v
	}

	gas, err := parseFees(req.MaxFeePerGas, req.MaxPriorityFee)
	if err != nil {
		return txqueue.QueueRequest{}, err
	}

	return txqueue.QueueRequest{
		ChainID:        req.ChainID,
		Kind:           kind,
		From:           from,
		To:             common.HexToAddress(req.To),
		Data:           data,
		Value:          value,
		GasLimit:       req.GasLimit,
		Gas:            gas,
		RetryGasValues: req.RetryGasValues,
		IdempotencyKey: req.IdempotencyKey,
		Extension:      req.Extension,
		CustomMetadata: req.CustomMetadata,
	}, nil
}

func parseFees(maxFee, maxTip string) (txqueue.GasFees, error) {
	var gas txqueue.GasFees
	if maxFee != "" {
		v, ok := new(big.Int).SetString(maxFee, 10)
		if !ok || v.Sign() <= 0 {
			return txqueue.GasFees{}, fmt.Errorf("malformed maxFeePerGas: %w", relay.ErrInvalidRequest)
		}
		gas.MaxFeePerGas = v
	}
	if maxTip != "" {
		v, ok := new(big.Int).SetString(maxTip, 10)
		if !ok || v.Sign() < 0 {
			return txqueue.GasFees{}, fmt.Errorf("malformed maxPriorityFeePerGas: %w", relay.ErrInvalidRequest)
		}
		gas.MaxPriorityFeePerGas = v
	}
	if gas.MaxPriorityFeePerGas != nil && gas.MaxFeePerGas == nil {
		return txqueue.GasFees{}, fmt.Errorf("maxPriorityFeePerGas without maxFeePerGas: %w", relay.ErrInvalidRequest)
	}
	return gas, nil
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
