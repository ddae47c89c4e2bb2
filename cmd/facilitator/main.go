// Command facilitator runs the x402x settlement facilitator HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/accountpool"
	"github.com/x402x/facilitator/config"
	"github.com/x402x/facilitator/extensions/idempotency"
	"github.com/x402x/facilitator/fee"
	"github.com/x402x/facilitator/gasprice"
	"github.com/x402x/facilitator/logging"
	"github.com/x402x/facilitator/mechanisms/evm"
	"github.com/x402x/facilitator/metrics"
	"github.com/x402x/facilitator/prevalidate"
	"github.com/x402x/facilitator/server"
	"github.com/x402x/facilitator/settlement"
	signerevm "github.com/x402x/facilitator/signers/evm"
)

func main() {
	flags := pflag.NewFlagSet("facilitator", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML configuration file")
	envFile := flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	port := flags.Int("port", 0, "HTTP port, overrides PORT")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if err := logging.Setup(cfg.LoggingConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Crit("Facilitator stopped", "err", err)
	}
	log.Info("Facilitator stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	networks, err := cfg.EVMNetworks()
	if err != nil {
		return fmt.Errorf("networks: %w", err)
	}
	keys, err := signerevm.ParsePrivateKeys(strings.Join(cfg.PrivateKeys, ","))
	if err != nil {
		return fmt.Errorf("private keys: %w", err)
	}

	clients, err := signerevm.DialNetworks(ctx, networks, cfg.RPCURLs())
	if err != nil {
		return err
	}
	defer clients.Close()
	for _, n := range networks.All() {
		if _, err := clients.Chains.Get(n.Name); err != nil {
			return fmt.Errorf("network %s has no RPC URL", n.Name)
		}
	}

	registry := metrics.New()

	gasCfg, err := cfg.GasPriceConfig()
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	readers := make(map[x402x.Network]gasprice.PriceReader, len(clients.Chains))
	for name, c := range clients.Chains {
		readers[name] = c
	}
	oracle, err := gasprice.New(gasCfg, readers, gasprice.WithObserver(registry.GasPrice))
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	if hybrid, ok := oracle.(*gasprice.Hybrid); ok {
		if err := hybrid.Start(ctx); err != nil {
			return fmt.Errorf("gas price refresh: %w", err)
		}
		defer hybrid.Stop()
	}

	feed := fee.NewHTTPPriceFeed(cfg.PriceFeedConfig(), nil, cfg.StaticPriceFeed())
	calculator, err := fee.NewCalculator(cfg.FeeConfig(), networks, oracle, feed)
	if err != nil {
		return fmt.Errorf("fee calculator: %w", err)
	}
	gasLimits, err := fee.NewGasLimitPolicy(cfg.GasLimitConfig())
	if err != nil {
		return fmt.Errorf("gas limits: %w", err)
	}
	allowlist := cfg.Whitelist(networks)

	var store idempotency.SettledStore = idempotency.NewMemoryStore(idempotency.DefaultMemoryCapacity)
	if cfg.DatabaseURL != "" {
		pg, err := idempotency.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("settled store: %w", err)
		}
		defer pg.Close()
		store = pg
	}

	execCfg, err := cfg.SettlementConfig()
	if err != nil {
		return fmt.Errorf("settlement: %w", err)
	}
	executor, err := settlement.NewExecutor(execCfg, settlement.Deps{
		Clients:      clients.Chains,
		Whitelist:    allowlist,
		Fees:         calculator,
		PreValidator: prevalidate.New(clients.Chains, prevalidate.WithTimeout(cfg.PreValidationTimeout.Duration)),
		Oracle:       oracle,
		GasLimits:    gasLimits,
		Store:        store,
	}, settlement.WithObserver(registry))
	if err != nil {
		return fmt.Errorf("settlement: %w", err)
	}

	poolCfg, err := cfg.PoolConfig()
	if err != nil {
		return fmt.Errorf("account pool: %w", err)
	}
	signers := make([]accountpool.Signer, 0, len(keys))
	for _, k := range keys {
		signers = append(signers, k)
	}
	pools := make(accountpool.Pools, len(networks.All()))
	for _, n := range networks.All() {
		pool, err := accountpool.New(n.Name, signers, executor, poolCfg, accountpool.WithObserver(registry))
		if err != nil {
			_ = pools.Close(context.Background())
			return fmt.Errorf("account pool: %w", err)
		}
		pools[n.Name] = pool
	}
	engine := settlement.NewEngine(executor, pools)

	verifier := evm.NewVerifier(networks,
		evm.WithChainClients(clients.Chains),
		evm.WithRouterChecker(allowlist),
	)
	facilitator := x402x.NewFacilitator()
	mechanism := evm.NewExactEvmFacilitator(networks, verifier, engine, engine)
	for _, n := range networks.All() {
		facilitator.Register(mechanism, n.Identifiers()...)
		log.Info("Network ready", "network", n.Name, "chainId", n.ChainID, "accounts", len(engine.Addresses(n.Name)))
	}
	registerHooks(facilitator)

	serverCfg := server.DefaultConfig()
	serverCfg.Addr = ":" + strconv.Itoa(cfg.Port)
	srv := server.New(serverCfg, server.Deps{
		Facilitator: facilitator,
		Fees:        calculator,
		Hooks:       allowlist,
		Metrics:     registry,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down", "timeout", cfg.ShutdownTimeout.Duration)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		httpErr := srv.Shutdown(shutdownCtx)
		return errors.Join(httpErr, engine.Close(shutdownCtx))
	})
	return g.Wait()
}

func registerHooks(f *x402x.Facilitator) {
	logger := log.New("component", "facilitator")
	f.OnAfterVerify(func(ctx x402x.FacilitatorVerifyResultContext) error {
		if !ctx.Result.IsValid {
			logger.Debug("Payment rejected", "network", ctx.Requirements.Network, "reason", ctx.Result.InvalidReason)
		}
		return nil
	})
	f.OnVerifyFailure(func(ctx x402x.FacilitatorVerifyFailureContext) error {
		logger.Warn("Verify error", "network", ctx.Requirements.Network, "err", ctx.Error)
		return nil
	})
	f.OnAfterSettle(func(ctx x402x.FacilitatorSettleResultContext) error {
		logger.Info("Payment settled", "network", ctx.Result.Network, "tx", ctx.Result.Transaction,
			"payer", ctx.Result.Payer, "elapsed", ctx.Duration.Round(time.Millisecond))
		return nil
	})
	f.OnSettleFailure(func(ctx x402x.FacilitatorSettleFailureContext) (*x402x.FacilitatorSettleFailureHookResult, error) {
		logger.Info("Settlement failed", "network", ctx.Result.Network, "reason", ctx.Result.ErrorReason,
			"elapsed", ctx.Duration.Round(time.Millisecond))
		return nil, nil
	})
}
