package main

import (
	"encoding/json"
	"os"

	"github.com/omeid/uconfig"
)

// configFilename is the filename of the config file automatically loaded.
var configFilename = "config.json"

type config struct {
	HTTP struct {
		Port string `default:"8080"` // HTTP port (e.g. 8080)

		MaxRequestPerInterval uint64 `default:"10"`
		RateLimInterval       string `default:"1s"`
	}
	Metrics struct {
		Port string `default:"9090"`
	}
	DB struct {
		Path string `default:"relay.db"`
	}
	Queue struct {
		MaxRetries          int `default:"5"`
		MaxPendingPerWallet int `default:"100"`
	}
	NonceCoordinator struct {
		LockTTL        string `default:"30s"`
		AllocationWait string `default:"10s"`
	}
	Notifier struct {
		DeliveryAttempts int    `default:"5"`
		BackoffBase      string `default:"1s"`
		RequestTimeout   string `default:"5s"`
		DeliveryWorkers  int    `default:"8"`
		Webhooks         []WebhookConfig
	}
	Retention struct {
		RetainTxs    int    `default:"10000"`
		Interval     string `default:"1h"`
		NonceHorizon string `default:"24h"`
	}
	Chains []ChainConfig
	Log    struct {
		Debug bool `default:"false"`
		Human bool `default:"false"`
	}
}

// ChainConfig contains the configuration of a supported EVM chain.
type ChainConfig struct {
	Name        string `default:""`
	ChainID     int64  `default:"0"`
	EthEndpoint string `default:"eth_endpoint"`
	WalletKeys  []string

	Submitter struct {
		PollInterval string `default:"2s"`
		NumWorkers   int    `default:"4"`
		BatchSize    int    `default:"20"`
	}
	Monitor struct {
		PollInterval      string  `default:"5s"`
		ConfirmationDepth int64   `default:"1"`
		StuckTimeout      string  `default:"2m"`
		FeeBumpMultiplier float64 `default:"1.2"`
	}
}

// WebhookConfig is a webhook receiver registered at boot.
type WebhookConfig struct {
	URL       string `default:""`
	Secret    string `default:""`
	EventType string `default:"all"`
}

func setupConfig() *config {
	conf := &config{}
	confFiles := uconfig.Files{
		{configFilename, json.Unmarshal},
	}

	c, err := uconfig.Classic(&conf, confFiles)
	if err != nil {
		c.Usage()
		os.Exit(1)
	}

	return conf
}
