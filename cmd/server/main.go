package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"payrails/internal/config"
	"payrails/internal/events"
	"payrails/internal/fees"
	"payrails/internal/idempotency"
	"payrails/internal/ledger"
	"payrails/internal/logging"
	"payrails/internal/payment"
	"payrails/internal/persistence"
	"payrails/internal/poll"
	"payrails/internal/ramp"
	"payrails/internal/server"
	"payrails/internal/transaction"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("payrails stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := openStores(ctx, cfg.Persistence, logger)
	if err != nil {
		return err
	}
	defer stores.close()

	checks := map[string]server.HealthCheck{}
	if stores.ping != nil {
		checks["database"] = stores.ping
	}

	var chain ledger.Client = ledger.NewFakeClient()
	var conditions fees.ConditionsSource = fees.NewSimulatedConditions(simulationSeed(cfg.Fees.SimulationSeed))
	if cfg.Chain.PrivateKey != "" {
		ethClient, err := ledger.NewEthClient(ctx, ledger.EthClientConfig{
			RPCURL:         cfg.Chain.RPCURL,
			PrivateKeyHex:  cfg.Chain.PrivateKey,
			TokenAddress:   cfg.Chain.TokenAddress,
			ConnectTimeout: cfg.Chain.ConnectTimeout,
		})
		if err != nil {
			return fmt.Errorf("ledger client: %w", err)
		}
		defer ethClient.Close()
		chain = ethClient
		conditions = fees.EthConditions{Client: ethClient}
		logger.Info("using ethereum ledger", "rpc", cfg.Chain.RPCURL, "token", cfg.Chain.TokenAddress)
	} else {
		logger.Warn("no chain private key configured, using in-memory ledger")
	}
	if hc, ok := chain.(ledger.HealthChecker); ok {
		checks["chain"] = hc.Ping
	}

	manager := transaction.NewManager(ctx, stores.states, transaction.Config{
		MaxRetries:        cfg.Retry.MaxRetries,
		BaseDelay:         cfg.Retry.BaseDelay,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		RetryableStatuses: transaction.DefaultConfig().RetryableStatuses,
		StuckThreshold:    cfg.Retry.StuckThreshold,
	}, transaction.WithLogger(logger))

	payments, err := payment.New(ctx, payment.Dependencies{
		Manager: manager,
		Ramp:    ramp.NewSimulator(3),
		Ledger:  chain,
		Fees:    fees.NewEstimator(conditions, feeRates(cfg.Fees), logger),
		Store:   stores.transactions,
		Logger:  logger,
	}, pipelineConfig(cfg.Pipeline))
	if err != nil {
		return fmt.Errorf("payment service: %w", err)
	}

	idemStore, err := idempotency.NewAdapterStore(ctx, stores.idempotency)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	var bg sync.WaitGroup

	if len(cfg.Events.Brokers) > 0 {
		fwd := events.NewForwarder(events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic), logger, cfg.Events.Buffer)
		manager.OnStatusChange(fwd.Observer())
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := fwd.Run(bgCtx); err != nil {
				logger.Error("event forwarder stopped", "error", err)
			}
		}()
		logger.Info("publishing status events", "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
	}

	apiServer := server.New(cfg.Service, server.Dependencies{
		Payments:    payments,
		Idempotency: idemStore,
		Logger:      logger,
		Checks:      checks,
	})

	bg.Add(1)
	go func() {
		defer bg.Done()
		runJanitor(bgCtx, cfg.Pipeline.CleanupInterval, cfg.Pipeline.Retention, payments, apiServer, logger)
	}()

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err = <-serverErr:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if serr := apiServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", "error", serr)
	}
	payments.Close()
	cancelBg()
	bg.Wait()
	return err
}

type storeSet struct {
	states       persistence.Adapter
	transactions persistence.Adapter
	idempotency  persistence.Adapter
	ping         server.HealthCheck
	close        func()
}

func openStores(ctx context.Context, cfg config.PersistenceConfig, logger *slog.Logger) (*storeSet, error) {
	if cfg.PostgresDSN != "" {
		pg, err := persistence.NewPostgresStore(ctx, cfg.PostgresDSN, cfg.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		logger.Info("persisting to postgres")
		return &storeSet{
			states:       pg.Adapter("transaction_states"),
			transactions: pg.Adapter("payment_transactions"),
			idempotency:  pg.Adapter("idempotency_records"),
			ping:         pg.Ping,
			close:        pg.Close,
		}, nil
	}

	set := &storeSet{close: func() {}}
	for name, dst := range map[string]*persistence.Adapter{
		"states.json":       &set.states,
		"transactions.json": &set.transactions,
		"idempotency.json":  &set.idempotency,
	} {
		fa, err := persistence.NewFileAdapter(filepath.Join(cfg.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("file store %s: %w", name, err)
		}
		*dst = fa
	}
	logger.Info("persisting to files", "dir", cfg.Dir)
	return set, nil
}

func pipelineConfig(cfg config.PipelineConfig) payment.Config {
	return payment.Config{
		OnRampPoll:            poll.Options{Interval: cfg.PollInterval, MaxAttempts: cfg.OnRampAttempts, TimeoutErr: payment.ErrOnRampTimeout},
		TransferPoll:          poll.Options{Interval: cfg.PollInterval, MaxAttempts: cfg.TransferAttempts, TimeoutErr: payment.ErrTransferTimeout},
		OffRampPoll:           poll.Options{Interval: cfg.PollInterval, MaxAttempts: cfg.OffRampAttempts, TimeoutErr: payment.ErrOffRampTimeout},
		SettleDelay:           cfg.SettleDelay,
		RequiredConfirmations: cfg.RequiredConfirmations,
	}
}

func feeRates(cfg config.FeesConfig) fees.Rates {
	rates := fees.DefaultRates()
	rates.OnRampRate = cfg.OnRampRate
	rates.OffRampRate = cfg.OffRampRate
	rates.FXSpread = cfg.FXSpread
	rates.BlockchainBaseFee = cfg.BlockchainBaseFee
	rates.MinimumFee = cfg.MinimumFee
	if cfg.BaseMinutes > 0 {
		rates.BaseMinutes = cfg.BaseMinutes
	}
	return rates
}

func simulationSeed(seed uint64) uint64 {
	if seed != 0 {
		return seed
	}
	return uint64(time.Now().UnixNano())
}

// runJanitor prunes old completed payments and refreshes the status gauges.
func runJanitor(ctx context.Context, interval, retention time.Duration, payments *payment.Service, srv *server.Server, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := payments.CleanupOldTransactions(retention)
			stats := srv.RefreshGauges()
			logger.Info("janitor pass", "removed", removed, "problematic", stats.Problematic, "total", stats.Total)
		}
	}
}
