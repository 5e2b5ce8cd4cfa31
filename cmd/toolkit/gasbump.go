package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/relayhub/go-relay/pkg/monitor"
	"github.com/relayhub/go-relay/pkg/txqueue"
	"github.com/spf13/cobra"
)

var gasBumpCmd = &cobra.Command{
	Use:   "gasbump",
	Short: "Bumps gas fees for a stuck transaction",
	Long:  `Replaces a stuck pending transaction with one carrying bumped gas fees`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		privateKey, err := cmd.Flags().GetString("privatekey")
		if err != nil {
			return errors.New("failed to parse privatekey")
		}
		gatewayEndpoint, err := cmd.Flags().GetString("gateway")
		if err != nil {
			return errors.New("failed to parse gateway")
		}
		multiplier, err := cmd.Flags().GetFloat64("multiplier")
		if err != nil {
			return errors.New("failed to parse multiplier")
		}

		stuckTxnHash := common.HexToHash(args[0])
		pk, err := crypto.HexToECDSA(privateKey)
		if err != nil {
			return fmt.Errorf("decoding private key: %s", err)
		}

		conn, err := ethclient.Dial(gatewayEndpoint)
		if err != nil {
			return fmt.Errorf("failed to connect to ethereum endpoint: %s", err)
		}
		defer conn.Close()

		newTxnHash, err := bumpTxnFees(conn, pk, stuckTxnHash, multiplier)
		if err != nil {
			return fmt.Errorf("bumping txn fees: %s", err)
		}
		fmt.Printf("The new transaction hash is: %s\n", newTxnHash)

		return nil
	},
}

func bumpTxnFees(
	conn *ethclient.Client,
	pk *ecdsa.PrivateKey,
	stuckTxnHash common.Hash,
	multiplier float64,
) (common.Hash, error) {
	ctx := context.Background()

	pendingTxn, isPending, err := conn.TransactionByHash(ctx, stuckTxnHash)
	if err != nil {
		return common.Hash{}, fmt.Errorf("get pending txn from the mempool: %s", err)
	}
	if !isPending {
		return common.Hash{}, fmt.Errorf("the transaction hash %s isn't pending", stuckTxnHash)
	}

	head, err := conn.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("get latest header: %s", err)
	}
	chainID, err := conn.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("get chain id: %s", err)
	}

	var bumped txqueue.GasFees
	var inner types.TxData
	if pendingTxn.Type() == types.DynamicFeeTxType {
		bumped = monitor.BumpGas(txqueue.GasFees{
			MaxFeePerGas:         pendingTxn.GasFeeCap(),
			MaxPriorityFeePerGas: pendingTxn.GasTipCap(),
		}, head.BaseFee, 1, multiplier)
		inner = &types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     pendingTxn.Nonce(),
			GasFeeCap: bumped.MaxFeePerGas,
			GasTipCap: bumped.MaxPriorityFeePerGas,
			Gas:       pendingTxn.Gas(),
			To:        pendingTxn.To(),
			Value:     pendingTxn.Value(),
			Data:      pendingTxn.Data(),
		}
	} else {
		bumped = monitor.BumpGas(txqueue.GasFees{
			GasPrice: pendingTxn.GasPrice(),
		}, head.BaseFee, 1, multiplier)
		inner = &types.LegacyTx{
			Nonce:    pendingTxn.Nonce(),
			GasPrice: bumped.GasPrice,
			Gas:      pendingTxn.Gas(),
			To:       pendingTxn.To(),
			Value:    pendingTxn.Value(),
			Data:     pendingTxn.Data(),
		}
	}

	signer := types.NewLondonSigner(chainID)
	txn, err := types.SignTx(types.NewTx(inner), signer, pk)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing txn: %s", err)
	}
	if err := conn.SendTransaction(ctx, txn); err != nil {
		return common.Hash{}, fmt.Errorf("sending txn: %s", err)
	}

	return txn.Hash(), nil
}
