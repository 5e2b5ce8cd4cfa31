package main

import (
	"github.com/spf13/cobra"
)

var cliName = "toolkit"

var rootCmd = &cobra.Command{
	Use:   cliName,
	Short: "toolkit is a CLI for relay operators",
	Long:  `toolkit is a CLI for relay operators executing mundane tasks`,
	Args:  cobra.ExactArgs(0),
}

func main() {
	rootCmd.Execute() //nolint
}

func init() {
	rootCmd.AddCommand(walletCmd)
	rootCmd.AddCommand(nonceCmd)
	rootCmd.AddCommand(gasBumpCmd)

	walletCreateCmd.Flags().String("filename", "privatekey.hex", "Filename to store hex representation of private key")
	walletCmd.AddCommand(walletCreateCmd)
	walletCmd.AddCommand(walletAddressCmd)

	nonceResetCmd.Flags().String("api", "http://localhost:8080", "base URL of a running relay daemon")
	nonceResetCmd.Flags().Int64("chain-id", 0, "chain id")
	nonceResetCmd.Flags().String("address", "", "backend wallet address; empty targets every wallet of the chain")
	nonceResetCmd.Flags().Bool("sync", false, "force adoption of the on-chain nonce, dropping stale pending records")
	nonceCmd.AddCommand(nonceResetCmd)

	gasBumpCmd.Flags().String("privatekey", "", "the private key of the wallet that sent the stuck transaction")
	gasBumpCmd.Flags().String("gateway", "", "URL of an Ethereum node API (i.e: Alchemy/Infura)")
	gasBumpCmd.Flags().Float64("multiplier", 1.2, "fee bump multiplier over the current base fee")
}
