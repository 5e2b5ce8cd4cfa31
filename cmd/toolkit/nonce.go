package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relayhub/go-relay/internal/relay"
	"github.com/spf13/cobra"
)

var nonceCmd = &cobra.Command{
	Use:   "nonce",
	Short: "Offers nonce state utilities",
	Long:  `Offers nonce state utilities`,
	Args:  cobra.ExactArgs(1),
}

var nonceResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Resyncs wallet nonce counters against the chain",
	Long:  `Resyncs wallet nonce counters of a running relay daemon against the chain`,
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiURL, err := cmd.Flags().GetString("api")
		if err != nil {
			return errors.New("failed to parse api")
		}
		chainID, err := cmd.Flags().GetInt64("chain-id")
		if err != nil {
			return errors.New("failed to parse chain-id")
		}
		address, err := cmd.Flags().GetString("address")
		if err != nil {
			return errors.New("failed to parse address")
		}
		sync, err := cmd.Flags().GetBool("sync")
		if err != nil {
			return errors.New("failed to parse sync")
		}

		body, err := json.Marshal(relay.ResetNoncesRequest{
			ChainID:          relay.ChainID(chainID),
			Address:          address,
			SyncOnchainNonce: sync,
		})
		if err != nil {
			return fmt.Errorf("marshaling request: %s", err)
		}

		client := &http.Client{Timeout: time.Second * 30}
		resp, err := client.Post(apiURL+"/api/v1/nonces/reset", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("calling daemon: %s", err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, respBody)
		}
		fmt.Printf("Nonce state reset for chain %d\n", chainID)

		return nil
	},
}
