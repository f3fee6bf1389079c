// Package main provides the fujid daemon - a covenant loan swap node.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/node"
	"github.com/fuji-money/fujiswap/internal/rpc"
	"github.com/fuji-money/fujiswap/pkg/logging"
)

var (
	version = rpc.Version
	commit  = "unknown"
)

// walletPollInterval is how often the wallet session is refreshed.
const walletPollInterval = 15 * time.Second

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.fujiswap", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		network     = flag.String("network", "", "Network (liquid, testnet, regtest), overrides config")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		logFormat   = flag.String("log-format", "", "Log format (text, json, logfmt), overrides config")
		esploraURL  = flag.String("esplora", "", "Esplora URL, overrides config")
		electrumURL = flag.String("electrum", "", "Electrum websocket URL, overrides config")
		boltzURL    = flag.String("boltz", "", "Boltz URL, overrides config")
		covenantURL = flag.String("covenant", "", "Covenant service URL, overrides config")
		walletURL   = flag.String("wallet", "", "Wallet provider URL, overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	initialLevel := *logLevel
	if initialLevel == "" {
		initialLevel = "info"
	}
	log := logging.New(&logging.Config{
		Level:      initialLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("fujid %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	configDir := *dataDir
	if *configFile != "" {
		configDir = filepath.Dir(*configFile)
	}
	cfg, err := node.LoadConfig(configDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	cfg.Storage.DataDir = *dataDir
	if *network != "" {
		n, err := config.ParseNetwork(*network)
		if err != nil {
			log.Fatal("Invalid network", "error", err)
		}
		cfg.Network = n
	}
	if *apiAddr != "" {
		cfg.API.Listen = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	overrides := []struct {
		flag string
		dst  *string
	}{
		{*esploraURL, &cfg.Endpoints.EsploraURL},
		{*electrumURL, &cfg.Endpoints.ElectrumURL},
		{*boltzURL, &cfg.Endpoints.BoltzURL},
		{*covenantURL, &cfg.Endpoints.CovenantURL},
		{*walletURL, &cfg.Endpoints.WalletURL},
	}
	for _, o := range overrides {
		if o.flag != "" {
			*o.dst = o.flag
		}
	}

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", node.ConfigPath(configDir))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to create node", "error", err)
	}
	if err := n.Start(); err != nil {
		log.Fatal("Failed to start node", "error", err)
	}

	server := rpc.NewServer(n)
	hub := server.WSHub()

	stages, unsubscribe := n.Subscribe()
	defer unsubscribe()
	stopWallet := hub.ForwardWallet(n.Session())
	defer stopWallet()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx, cfg.API.Listen) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return hub.ForwardStages(gctx, stages) })
	g.Go(func() error { return n.Monitor().Run(gctx) })
	g.Go(func() error { return n.Session().Run(gctx, walletPollInterval) })
	g.Go(func() error { return statusLoop(gctx, log, n, hub) })

	printBanner(log, cfg)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Service failed", "error", err)
	}

	log.Info("Shutting down...")
	if err := n.Stop(); err != nil {
		log.Error("Error during shutdown", "error", err)
	}

	log.Info("Goodbye!")
}

// statusLoop logs a periodic status line.
func statusLoop(ctx context.Context, log *logging.Logger, n *node.Node, hub *rpc.WSHub) error {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			positions, err := n.Positions()
			if err != nil {
				log.Warn("Failed to list positions", "error", err)
				continue
			}
			log.Info("Status",
				"positions", len(positions),
				"wallet", n.Session().Connected(),
				"ws_clients", hub.ClientCount(),
				"uptime", n.Uptime().Round(time.Second))
		}
	}
}

func printBanner(log *logging.Logger, cfg *node.Config) {
	endpoints := cfg.ResolvedEndpoints()

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Fuji swap node (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", cfg.API.Listen)
	log.Infof("  WS:  ws://%s/ws", cfg.API.Listen)
	log.Info("")
	log.Infof("  Esplora:  %s", endpoints.EsploraURL)
	log.Infof("  Boltz:    %s", endpoints.BoltzURL)
	log.Infof("  Covenant: %s", endpoints.CovenantURL)
	log.Infof("  Wallet:   %s", endpoints.WalletURL)
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
