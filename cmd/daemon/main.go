package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/relayhub/go-relay/buildinfo"
	"github.com/relayhub/go-relay/internal/chains"
	"github.com/relayhub/go-relay/internal/relay"
	relayimpl "github.com/relayhub/go-relay/internal/relay/impl"
	"github.com/relayhub/go-relay/internal/router"
	"github.com/relayhub/go-relay/pkg/database"
	lockerimpl "github.com/relayhub/go-relay/pkg/locker/impl"
	"github.com/relayhub/go-relay/pkg/logging"
	"github.com/relayhub/go-relay/pkg/metrics"
	"github.com/relayhub/go-relay/pkg/monitor"
	monitorimpl "github.com/relayhub/go-relay/pkg/monitor/impl"
	"github.com/relayhub/go-relay/pkg/nonce"
	nonceimpl "github.com/relayhub/go-relay/pkg/nonce/impl"
	"github.com/relayhub/go-relay/pkg/notifier"
	notifierimpl "github.com/relayhub/go-relay/pkg/notifier/impl"
	"github.com/relayhub/go-relay/pkg/retention"
	"github.com/relayhub/go-relay/pkg/submitter"
	submitterimpl "github.com/relayhub/go-relay/pkg/submitter/impl"
	txqueueimpl "github.com/relayhub/go-relay/pkg/txqueue/impl"
	"github.com/relayhub/go-relay/pkg/wallet"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const migrationLockTTL = time.Minute * 5

func main() {
	config := setupConfig()
	logging.SetupLogger(buildinfo.GitCommit, config.Log.Debug, config.Log.Human)

	ctx := context.Background()

	if err := metrics.SetupInstrumentation(":"+config.Metrics.Port, "relayhub:daemon"); err != nil {
		log.Fatal().
			Err(err).
			Str("port", config.Metrics.Port).
			Msg("could not setup instrumentation")
	}

	db, err := database.Open(config.DB.Path, attribute.String("database", "relay"))
	if err != nil {
		log.Fatal().Err(err).Str("path", config.DB.Path).Msg("opening database")
	}
	lk, err := lockerimpl.NewSQLiteLocker(db.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("creating locker")
	}
	if err := db.ExecuteMigration(ctx, lk, migrationLockTTL); err != nil {
		log.Fatal().Err(err).Msg("executing migration")
	}

	bus := txqueueimpl.NewEventBus()
	store := txqueueimpl.NewTxStore(db, bus, config.Queue.MaxRetries, config.Queue.MaxPendingPerWallet)
	nonceStore := nonceimpl.NewNonceStore(db)

	// First pass over chains: dial endpoints and load backend wallets, since
	// the nonce coordinator needs every chain client up front.
	conns := map[relay.ChainID]*ethclient.Client{}
	signersByChain := map[relay.ChainID]map[common.Address]wallet.Signer{}
	walletsByChain := map[relay.ChainID][]common.Address{}
	clients := map[relay.ChainID]nonce.ChainClient{}
	for _, chainCfg := range config.Chains {
		chainID := relay.ChainID(chainCfg.ChainID)
		if _, ok := conns[chainID]; ok {
			log.Fatal().Int64("chainId", chainCfg.ChainID).Msg("duplicated chain in configuration")
		}

		conn, err := ethclient.Dial(chainCfg.EthEndpoint)
		if err != nil {
			log.Fatal().
				Err(err).
				Str("ethEndpoint", chainCfg.EthEndpoint).
				Msg("failed to connect to ethereum endpoint")
		}
		conns[chainID] = conn
		clients[chainID] = conn

		signers := map[common.Address]wallet.Signer{}
		for _, sk := range chainCfg.WalletKeys {
			w, err := wallet.NewWallet(sk)
			if err != nil {
				log.Fatal().Err(err).Int64("chainId", chainCfg.ChainID).Msg("loading wallet key")
			}
			signers[w.Address()] = wallet.NewLocalSigner(w)
			walletsByChain[chainID] = append(walletsByChain[chainID], w.Address())
		}
		if len(signers) == 0 {
			log.Fatal().Int64("chainId", chainCfg.ChainID).Msg("chain has no wallet keys")
		}
		signersByChain[chainID] = signers
	}

	coord, err := nonceimpl.NewLockingCoordinator(
		nonceStore,
		lk,
		clients,
		parseDuration(config.NonceCoordinator.LockTTL),
		parseDuration(config.NonceCoordinator.AllocationWait),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("creating nonce coordinator")
	}

	chainStacks := map[relay.ChainID]chains.ChainStack{}
	for _, chainCfg := range config.Chains {
		chainID := relay.ChainID(chainCfg.ChainID)
		stack, err := createChainStack(chainID, chainCfg, store, coord, bus, conns[chainID],
			signersByChain[chainID], walletsByChain[chainID])
		if err != nil {
			log.Fatal().Err(err).Int64("chainId", chainCfg.ChainID).Msg("creating chain stack")
		}
		chainStacks[chainID] = stack
	}

	subs := notifierimpl.NewSubscriptionStore(db)
	if err := registerConfiguredWebhooks(ctx, subs, config.Notifier.Webhooks); err != nil {
		log.Fatal().Err(err).Msg("registering configured webhooks")
	}
	fanout, err := notifierimpl.NewEventFanout(bus, subs,
		notifier.WithDeliveryAttempts(config.Notifier.DeliveryAttempts),
		notifier.WithBackoffBase(parseDuration(config.Notifier.BackoffBase)),
		notifier.WithRequestTimeout(parseDuration(config.Notifier.RequestTimeout)),
		notifier.WithDeliveryWorkers(config.Notifier.DeliveryWorkers),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("creating notification fanout")
	}
	if err := fanout.Start(); err != nil {
		log.Fatal().Err(err).Msg("starting notification fanout")
	}

	relayService, err := relayimpl.NewInstrumentedRelay(
		relayimpl.NewRelayService(store, coord, walletsByChain))
	if err != nil {
		log.Fatal().Err(err).Msg("instrumenting relay service")
	}

	retentionSched := retention.NewScheduler(
		parseDuration(config.Retention.Interval), store, nonceStore,
		config.Retention.RetainTxs, parseDuration(config.Retention.NonceHorizon))
	go retentionSched.Run()

	readiness := func(ctx context.Context) error {
		if err := db.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("pinging database: %s", err)
		}
		for chainID, conn := range conns {
			if _, err := conn.BlockNumber(ctx); err != nil {
				return fmt.Errorf("pinging chain %d: %s", chainID, err)
			}
		}
		return nil
	}

	rtr, err := router.ConfiguredRouter(
		config.HTTP.MaxRequestPerInterval,
		parseDuration(config.HTTP.RateLimInterval),
		relayService,
		fanout.LiveSubs(),
		fanout,
		readiness,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("configuring router")
	}

	server := &http.Server{
		Addr:              ":" + config.HTTP.Port,
		Handler:           rtr.Handler(),
		ReadHeaderTimeout: time.Second * 5,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Str("port", config.HTTP.Port).Msg("could not start server")
		}
	}()
	log.Info().Str("port", config.HTTP.Port).Msg("daemon ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutting down http server")
	}
	retentionSched.Shutdown()
	for chainID, stack := range chainStacks {
		if err := stack.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Int64("chainId", int64(chainID)).Msg("closing chain stack")
		}
	}
	fanout.Stop()
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("closing database")
	}
	log.Info().Msg("bye")
}

func createChainStack(
	chainID relay.ChainID,
	chainCfg ChainConfig,
	store *txqueueimpl.TxStore,
	coord nonce.Coordinator,
	bus *txqueueimpl.EventBus,
	conn *ethclient.Client,
	signers map[common.Address]wallet.Signer,
	wallets []common.Address,
) (chains.ChainStack, error) {
	sub, err := submitterimpl.New(chainID, store, coord, conn, signers,
		submitter.WithPollInterval(parseDuration(chainCfg.Submitter.PollInterval)),
		submitter.WithNumWorkers(chainCfg.Submitter.NumWorkers),
		submitter.WithBatchSize(chainCfg.Submitter.BatchSize),
	)
	if err != nil {
		return chains.ChainStack{}, fmt.Errorf("creating submitter: %s", err)
	}
	mon, err := monitorimpl.New(chainID, store, coord, bus, conn, signers,
		monitor.WithPollInterval(parseDuration(chainCfg.Monitor.PollInterval)),
		monitor.WithConfirmationDepth(chainCfg.Monitor.ConfirmationDepth),
		monitor.WithStuckTimeout(parseDuration(chainCfg.Monitor.StuckTimeout)),
		monitor.WithFeeBumpMultiplier(chainCfg.Monitor.FeeBumpMultiplier),
	)
	if err != nil {
		return chains.ChainStack{}, fmt.Errorf("creating monitor: %s", err)
	}

	if err := sub.Start(); err != nil {
		return chains.ChainStack{}, fmt.Errorf("starting submitter: %s", err)
	}
	if err := mon.Start(); err != nil {
		return chains.ChainStack{}, fmt.Errorf("starting monitor: %s", err)
	}

	return chains.ChainStack{
		Wallets:   wallets,
		Signers:   signers,
		Submitter: sub,
		Monitor:   mon,
		Close: func(_ context.Context) error {
			sub.Stop()
			mon.Stop()
			conn.Close()
			return nil
		},
	}, nil
}

// registerConfiguredWebhooks persists webhook receivers declared in the
// config, skipping URLs that already have an active subscription so restarts
// don't duplicate them.
func registerConfiguredWebhooks(
	ctx context.Context, subs notifier.SubscriptionStore, webhooks []WebhookConfig,
) error {
	active, err := subs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active subscriptions: %s", err)
	}
	known := map[string]struct{}{}
	for _, sub := range active {
		known[sub.URL] = struct{}{}
	}
	for _, wh := range webhooks {
		if wh.URL == "" {
			continue
		}
		if _, ok := known[wh.URL]; ok {
			continue
		}
		if _, err := subs.Create(ctx, wh.URL, wh.Secret, wh.EventType); err != nil {
			return fmt.Errorf("creating subscription for %s: %s", wh.URL, err)
		}
	}
	return nil
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Fatal().Err(err).Str("duration", s).Msg("invalid duration in configuration")
	}
	return d
}
