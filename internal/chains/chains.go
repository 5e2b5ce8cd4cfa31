package chains

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/relayhub/go-relay/pkg/monitor"
	"github.com/relayhub/go-relay/pkg/submitter"
	"github.com/relayhub/go-relay/pkg/wallet"
)

// ChainStack contains components running for a specific ChainID.
type ChainStack struct {
	Wallets   []common.Address
	Signers   map[common.Address]wallet.Signer
	Submitter submitter.Submitter
	Monitor   monitor.Monitor
	// close gracefully closes all the chain stack components.
	Close func(ctx context.Context) error
}
