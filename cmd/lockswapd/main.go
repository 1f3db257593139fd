// Package main provides the lockswapd daemon - a cross-chain HTLC swap
// relayer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lockswap-exchange/lockswap/internal/backend"
	"github.com/lockswap-exchange/lockswap/internal/chain"
	"github.com/lockswap-exchange/lockswap/internal/config"
	"github.com/lockswap-exchange/lockswap/internal/rpc"
	"github.com/lockswap-exchange/lockswap/internal/storage"
	"github.com/lockswap-exchange/lockswap/internal/swap"
	"github.com/lockswap-exchange/lockswap/internal/wallet"
	"github.com/lockswap-exchange/lockswap/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "~/.lockswap/config.yaml", "Config file path")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		genMnemonic = flag.Bool("generate-mnemonic", false, "Generate a new relayer mnemonic and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("lockswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	if *genMnemonic {
		mnemonic, err := wallet.GenerateMnemonic()
		if err != nil {
			log.Fatal("Failed to generate mnemonic", "error", err)
		}
		fmt.Println(mnemonic)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over config file
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *apiAddr != "" {
		cfg.RPC.ListenAddr = *apiAddr
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", *configFile, "chains", len(cfg.Chains))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", expandPath(cfg.Storage.DataDir))

	// Relayer wallet
	w, err := wallet.NewFromMnemonicFile(expandPath(cfg.Wallet.MnemonicFile), cfg.Wallet.Passphrase)
	if err != nil {
		log.Fatal("Failed to load relayer wallet", "error", err,
			"hint", "run with -generate-mnemonic and store the output at "+cfg.Wallet.MnemonicFile)
	}

	// Chain backends
	registry, err := buildBackends(ctx, cfg, w)
	if err != nil {
		log.Fatal("Failed to connect chain backends", "error", err)
	}
	defer registry.Close()
	log.Info("Chain backends connected", "chains", registry.ChainIDs())

	// Swap engine
	engine := swap.NewEngine(store, registry, swap.NewGuard(), cfg, w.AddressForChain)

	reconciler := swap.NewReconciler(engine)
	reconciler.Start(ctx)

	monitor := swap.NewMonitor(engine, cfg.Monitor.ScanInterval)
	go monitor.Start(ctx)

	// Re-drive orders interrupted by the previous shutdown.
	go resumeActiveOrders(ctx, engine, store, log)

	// RPC server
	rpcServer := rpc.NewServer(engine, reconciler, monitor)
	if err := rpcServer.Start(cfg.RPC.ListenAddr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg, w)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()
	reconciler.Wait()

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
}

// buildBackends constructs one adapter per configured chain, chosen by
// the chain's family in the registry.
func buildBackends(ctx context.Context, cfg *config.Config, w *wallet.Wallet) (*backend.Registry, error) {
	var backends []backend.Backend
	for chainID, cc := range cfg.Chains {
		params, _ := chain.Get(chainID)

		key, err := w.KeyForChain(chainID)
		if err != nil {
			return nil, err
		}

		evmCfg := backend.EVMConfig{
			ChainID:         chainID,
			RPCURL:          cc.RPCURL,
			WSURL:           cc.WSURL,
			ContractAddress: cc.ContractAddress,
			PrivKey:         key,
		}

		var b backend.Backend
		switch params.Family {
		case chain.FamilyEVM:
			b, err = backend.NewEVM(ctx, evmCfg)
		case chain.FamilyEVMPoll:
			b, err = backend.NewEVMPoll(ctx, evmCfg, params.EventPollInterval)
		default:
			err = fmt.Errorf("no adapter for chain family %s", params.Family)
		}
		if err != nil {
			for _, built := range backends {
				built.Close()
			}
			return nil, fmt.Errorf("chain %s: %w", chainID, err)
		}
		backends = append(backends, b)
	}
	return backend.NewRegistry(backends...)
}

// resumeActiveOrders re-drives escrow orchestration for orders left in
// matched or escrowed state by the previous run. Creation is
// idempotent, so a half-finished order picks up where it stopped.
func resumeActiveOrders(ctx context.Context, engine *swap.Engine, store *storage.Storage, log *logging.Logger) {
	orders, err := store.ListActiveOrders()
	if err != nil {
		log.Error("Failed to list active orders for recovery", "error", err)
		return
	}

	for _, order := range orders {
		if ctx.Err() != nil {
			return
		}
		if order.Status != storage.OrderStatusMatched && order.Status != storage.OrderStatusEscrowed {
			continue
		}
		log.Info("Resuming order", "order", order.ID, "status", order.Status)
		if err := engine.ExecuteSwap(ctx, order.ID); err != nil {
			log.Warn("Order resume failed", "order", order.ID, "error", err)
		}
	}
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, cfg *config.Config, w *wallet.Wallet) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  lockswap relayer")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	for chainID := range cfg.Chains {
		addr, err := w.AddressForChain(chainID)
		if err != nil {
			continue
		}
		log.Infof("  %-10s %s", chainID, addr)
	}
	log.Info("")
	log.Infof("  API: http://%s", cfg.RPC.ListenAddr)
	log.Infof("  WS:  ws://%s/ws", cfg.RPC.ListenAddr)
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
