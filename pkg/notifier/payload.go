package notifier

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/relayhub/go-relay/pkg/txqueue"
)

// Payload is the JSON body delivered to webhooks and live subscriptions.
type Payload struct {
	Type           string        `json:"type"`
	QueueID        string        `json:"queueId"`
	ChainID        int64         `json:"chainId"`
	Status         string        `json:"status"`
	Kind           string        `json:"kind"`
	FromAddress    string        `json:"fromAddress"`
	ToAddress      string        `json:"toAddress"`
	Nonce          *int64        `json:"nonce,omitempty"`
	Hash           string        `json:"transactionHash,omitempty"`
	RetryCount     int           `json:"retryCount"`
	ErrorMessage   string        `json:"errorMessage,omitempty"`
	SentAtBlock    *int64        `json:"sentAtBlockNumber,omitempty"`
	MinedAtBlock   *int64        `json:"minedAtBlockNumber,omitempty"`
	Extension      string        `json:"extension,omitempty"`
	CustomMetadata string        `json:"customMetadata,omitempty"`
	Delay          *DelayPayload `json:"delay,omitempty"`
	Timestamp      int64         `json:"timestamp"`
}

// DelayPayload describes why a sent transaction can't currently be mined.
type DelayPayload struct {
	Reason                string `json:"reason"`
	RequestedMaxFeePerGas string `json:"requestedMaxFeePerGas"`
	CurrentMaxFeePerGas   string `json:"currentMaxFeePerGas"`
	Timestamp             int64  `json:"timestamp"`
}

// NewPayload flattens a store event into the delivery shape.
func NewPayload(e txqueue.Event) Payload {
	p := Payload{
		Type:           string(e.Type),
		QueueID:        e.Tx.QueueID,
		ChainID:        int64(e.Tx.ChainID),
		Status:         string(e.Tx.Status),
		Kind:           string(e.Tx.Kind),
		FromAddress:    e.Tx.From.Hex(),
		ToAddress:      e.Tx.To.Hex(),
		Nonce:          e.Tx.Nonce,
		RetryCount:     e.Tx.RetryCount,
		ErrorMessage:   e.Tx.ErrorMessage,
		SentAtBlock:    e.Tx.SentAtBlock,
		MinedAtBlock:   e.Tx.MinedAtBlock,
		Extension:      e.Tx.Extension,
		CustomMetadata: e.Tx.CustomMetadata,
		Timestamp:      e.Timestamp.UnixMilli(),
	}
	if e.Tx.Hash != (common.Hash{}) {
		p.Hash = e.Tx.Hash.Hex()
	}
	if e.Delay != nil {
		p.Delay = &DelayPayload{
			Reason:                e.Delay.Reason,
			RequestedMaxFeePerGas: bigOrEmpty(e.Delay.RequestedMaxFeePerGas),
			CurrentMaxFeePerGas:   bigOrEmpty(e.Delay.CurrentMaxFeePerGas),
			Timestamp:             e.Delay.Timestamp.UnixMilli(),
		}
	}
	return p
}

// Terminal reports whether the payload carries a final status, after which a
// live subscription is closed.
func (p Payload) Terminal() bool {
	return txqueue.Status(p.Status).Terminal()
}

func bigOrEmpty(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
