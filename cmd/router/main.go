// Cross-venue order router for binary prediction markets — pools
// liquidity across Polymarket, Limitless, and Opinion, routes a budget or
// share quantity across whichever venues offer the best price, and drives
// every order through relay, trade, and settlement via a single ticking
// state machine.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires every
//	                            component, starts the gateway and the order
//	                            machine, waits for SIGINT/SIGTERM
//	internal/venue/*         — one adapter per venue behind the uniform
//	                            venue.Adapter interface
//	internal/pool            — cross-venue book pooling and route-finding
//	internal/relay           — router contract calls and LiFi bridge quotes
//	internal/orderstate      — the order progress loop (C4)
//	internal/store           — JSON snapshot order ledger
//	internal/gateway         — HTTP/WS API
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"premarket-router/internal/config"
	"premarket-router/internal/gateway"
	"premarket-router/internal/orderstate"
	"premarket-router/internal/relay"
	"premarket-router/internal/store"
	"premarket-router/internal/venue"
	"premarket-router/internal/venue/limitless"
	"premarket-router/internal/venue/opinion"
	"premarket-router/internal/venue/polymarket"
	"premarket-router/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ROUTER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(*cfg)

	venues, err := buildVenues(*cfg, logger)
	if err != nil {
		logger.Error("failed to build venue adapters", "error", err)
		os.Exit(1)
	}

	relayerSigner, err := venue.NewSigner(cfg.Router.RelayerPrivateKey)
	if err != nil {
		logger.Error("failed to build relayer signer", "error", err)
		os.Exit(1)
	}
	router, err := relay.NewRouter(cfg.Router.RPCURL, common.HexToAddress(cfg.Router.ContractAddress), cfg.Router.HomeChainID, relayerSigner)
	if err != nil {
		logger.Error("failed to build router contract binding", "error", err)
		os.Exit(1)
	}
	bridge := relay.NewLiFiClient(cfg.Bridge.BaseURL, cfg.Bridge.Integrator, cfg.Bridge.Slippage)

	orderStore, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open order store", "error", err)
		os.Exit(1)
	}
	defer orderStore.Close()

	platformFiles := make(map[types.VenueID]string, len(cfg.Gateway.PlatformFiles))
	for name, path := range cfg.Gateway.PlatformFiles {
		platformFiles[types.VenueID(name)] = path
	}
	events, err := gateway.LoadEventRegistry(platformFiles)
	if err != nil {
		logger.Error("failed to load event registry", "error", err)
		os.Exit(1)
	}

	machine := orderstate.New(orderStore, venues, router, bridge, cfg.Machine, cfg.Router.HomeChainID, cfg.Router.StablecoinAddress, logger)
	machineCtx, cancelMachine := context.WithCancel(context.Background())
	go machine.Run(machineCtx)

	gw := gateway.NewServer(*cfg, venues, events, orderStore, logger)
	go func() {
		if err := gw.Start(); err != nil {
			logger.Error("gateway server failed", "error", err)
		}
	}()
	logger.Info("gateway started", "url", fmt.Sprintf("http://localhost:%d", cfg.Gateway.Port))

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real on-chain transactions will be submitted")
	}
	logger.Info("order router started", "venues_enabled", len(venues), "tick_interval", cfg.Machine.TickInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := gw.Stop(); err != nil {
		logger.Error("failed to stop gateway", "error", err)
	}
	cancelMachine()
}

func buildVenues(cfg config.Config, logger *slog.Logger) (map[types.VenueID]venue.Adapter, error) {
	venues := map[types.VenueID]venue.Adapter{}

	if cfg.Venues.Polymarket.Enabled {
		adapter, err := polymarket.New(cfg.Venues.Polymarket, logger)
		if err != nil {
			return nil, fmt.Errorf("polymarket adapter: %w", err)
		}
		venues[types.VenuePolymarket] = adapter
	}
	if cfg.Venues.Limitless.Enabled {
		adapter, err := limitless.New(cfg.Venues.Limitless, logger)
		if err != nil {
			return nil, fmt.Errorf("limitless adapter: %w", err)
		}
		venues[types.VenueLimitless] = adapter
	}
	if cfg.Venues.Opinion.Enabled {
		adapter, err := opinion.New(cfg.Venues.Opinion, logger)
		if err != nil {
			return nil, fmt.Errorf("opinion adapter: %w", err)
		}
		venues[types.VenueOpinion] = adapter
	}

	return venues, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
