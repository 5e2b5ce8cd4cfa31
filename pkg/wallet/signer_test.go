package wallet

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/relayhub/go-relay/pkg/txqueue"
	"github.com/stretchr/testify/require"
)

func TestLocalSignerDynamicFee(t *testing.T) {
	t.Parallel()

	signer := newSigner(t)
	chainID := big.NewInt(1337)

	tx := txqueue.Tx{
		Kind:     txqueue.KindTransaction,
		To:       common.HexToAddress("0x9999999999999999999999999999999999999999"),
		Value:    big.NewInt(42),
		GasLimit: 21000,
		Data:     []byte{0x01},
	}
	fees := txqueue.GasFees{
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(100_000_000),
	}

	signed, err := signer.Sign(context.Background(), chainID, tx, 7, fees)
	require.NoError(t, err)
	require.Equal(t, uint8(types.DynamicFeeTxType), signed.Type())
	require.Equal(t, uint64(7), signed.Nonce())
	require.Equal(t, fees.MaxFeePerGas, signed.GasFeeCap())
	require.Equal(t, fees.MaxPriorityFeePerGas, signed.GasTipCap())

	from, err := types.Sender(types.NewLondonSigner(chainID), signed)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), from)
}

func TestLocalSignerLegacy(t *testing.T) {
	t.Parallel()

	signer := newSigner(t)

	tx := txqueue.Tx{
		Kind:     txqueue.KindTransaction,
		To:       common.HexToAddress("0x9999999999999999999999999999999999999999"),
		GasLimit: 21000,
	}
	signed, err := signer.Sign(context.Background(), big.NewInt(1337), tx, 0, txqueue.GasFees{
		GasPrice: big.NewInt(1_000_000_000),
	})
	require.NoError(t, err)
	require.Equal(t, uint8(types.LegacyTxType), signed.Type())
	require.Equal(t, big.NewInt(1_000_000_000), signed.GasPrice())
}

func TestLocalSignerRejectsUserOperations(t *testing.T) {
	t.Parallel()

	signer := newSigner(t)

	tx := txqueue.Tx{Kind: txqueue.KindUserOperation}
	_, err := signer.Sign(context.Background(), big.NewInt(1337), tx, 0, txqueue.GasFees{})
	require.ErrorIs(t, err, ErrUnsupportedKind)
}

func newSigner(t *testing.T) *LocalSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	w, err := NewWallet(common.Bytes2Hex(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return NewLocalSigner(w)
}
