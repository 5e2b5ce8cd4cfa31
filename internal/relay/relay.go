package relay

import (
	"context"
	"errors"
)

// ErrInvalidRequest indicates a request that failed validation; it is the
// only failure class reported synchronously to callers besides not-found.
var ErrInvalidRequest = errors.New("invalid request")

// ChainID is a supported EVM chain identifier.
type ChainID int64

// QueueTxRequest is a user request to queue a transaction for submission
// through a backend wallet.
type QueueTxRequest struct {
	ChainID        ChainID `json:"chainId"`
	Kind           string  `json:"kind"`
	From           string  `json:"from"`
	To             string  `json:"to"`
	Data           string  `json:"data"`
	Value          string  `json:"value"`
	GasLimit       uint64  `json:"gasLimit"`
	MaxFeePerGas   string  `json:"maxFeePerGas"`
	MaxPriorityFee string  `json:"maxPriorityFeePerGas"`
	RetryGasValues bool    `json:"retryGasValues"`
	IdempotencyKey string  `json:"idempotencyKey"`
	Extension      string  `json:"extension"`
	CustomMetadata string  `json:"customMetadata"`
}

// QueueTxResponse is a QueueTx response.
type QueueTxResponse struct {
	QueueID string `json:"queueId"`
}

// TxInfo is the externally visible view of a queued transaction.
type TxInfo struct {
	QueueID         string  `json:"queueId"`
	ChainID         ChainID `json:"chainId"`
	Kind            string  `json:"kind"`
	Status          string  `json:"status"`
	From            string  `json:"fromAddress"`
	To              string  `json:"toAddress"`
	Nonce           *int64  `json:"nonce"`
	TransactionHash string  `json:"transactionHash"`
	RetryCount      int     `json:"retryCount"`
	ErrorMessage    string  `json:"errorMessage"`
	QueuedAt        string  `json:"queuedAt"`
	SentAt          string  `json:"sentAt"`
	MinedAt         string  `json:"minedAt"`
	SentAtBlock     *int64  `json:"sentAtBlockNumber"`
	MinedAtBlock    *int64  `json:"minedAtBlockNumber"`
	Extension       string  `json:"extension"`
	CustomMetadata  string  `json:"customMetadata"`
}

// ResetNoncesRequest is an operator request to resync nonce state with the chain.
type ResetNoncesRequest struct {
	ChainID          ChainID `json:"chainId"`
	Address          string  `json:"address"`
	SyncOnchainNonce bool    `json:"syncOnchainNonces"`
}

// Relay defines the interface of the transaction relay service.
type Relay interface {
	QueueTx(context.Context, QueueTxRequest) (QueueTxResponse, error)
	GetTx(context.Context, string) (TxInfo, error)
	CancelTx(context.Context, string) error
	ResetNonces(context.Context, ResetNoncesRequest) error
}
