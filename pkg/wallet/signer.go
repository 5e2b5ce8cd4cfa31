package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/relayhub/go-relay/pkg/txqueue"
)

// ErrUnsupportedKind indicates the signer can't produce a signature for the
// submission's execution variant.
var ErrUnsupportedKind = errors.New("unsupported transaction kind for this signer")

// Signer turns a queued submission plus its allocated nonce and effective
// fees into a signed chain transaction.
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, chainID *big.Int, tx txqueue.Tx, nonce int64, fees txqueue.GasFees) (*types.Transaction, error)
}

// LocalSigner signs with an in-process private key. It only handles plain
// transactions; account-abstraction user operations need a bundler-backed
// signer.
type LocalSigner struct {
	wallet *Wallet
}

var _ Signer = (*LocalSigner)(nil)

// NewLocalSigner creates a signer around the given wallet.
func NewLocalSigner(w *Wallet) *LocalSigner {
	return &LocalSigner{wallet: w}
}

// Address returns the signing address.
func (s *LocalSigner) Address() common.Address {
	return s.wallet.Address()
}

// Sign produces a signed transaction. EIP-1559 fees take precedence; a legacy
// gas price is only used when no max fee is set.
func (s *LocalSigner) Sign(
	_ context.Context,
	chainID *big.Int,
	tx txqueue.Tx,
	nonce int64,
	fees txqueue.GasFees,
) (*types.Transaction, error) {
	if tx.Kind != txqueue.KindTransaction {
		return nil, fmt.Errorf("kind %q: %w", tx.Kind, ErrUnsupportedKind)
	}

	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}

	var unsigned *types.Transaction
	if fees.MaxFeePerGas != nil {
		unsigned = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     uint64(nonce),
			To:        &tx.To,
			Value:     value,
			Gas:       tx.GasLimit,
			GasFeeCap: fees.MaxFeePerGas,
			GasTipCap: fees.MaxPriorityFeePerGas,
			Data:      tx.Data,
		})
	} else {
		unsigned = types.NewTx(&types.LegacyTx{
			Nonce:    uint64(nonce),
			To:       &tx.To,
			Value:    value,
			Gas:      tx.GasLimit,
			GasPrice: fees.GasPrice,
			Data:     tx.Data,
		})
	}

	signed, err := types.SignTx(unsigned, types.NewLondonSigner(chainID), s.wallet.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %s", err)
	}
	return signed, nil
}
