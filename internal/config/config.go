// Package config defines all configuration for the order router.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ROUTER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun  bool           `mapstructure:"dry_run"`
	Router  RouterConfig   `mapstructure:"router"`
	Venues  VenuesConfig   `mapstructure:"venues"`
	Bridge  BridgeConfig   `mapstructure:"bridge"`
	Machine MachineConfig  `mapstructure:"machine"`
	Store   StoreConfig    `mapstructure:"store"`
	Logging LoggingConfig  `mapstructure:"logging"`
	Gateway GatewayConfig  `mapstructure:"gateway"`
}

// RouterConfig identifies the on-chain router contract and the relayer key
// used to sign every on-chain write it issues (approvals are never signed
// on the user's behalf, only reported).
type RouterConfig struct {
	ContractAddress   string `mapstructure:"contract_address"`
	RelayerPrivateKey string `mapstructure:"relayer_private_key"`
	HomeChainID       int64  `mapstructure:"home_chain_id"` // chain the router contract lives on
	RPCURL            string `mapstructure:"rpc_url"`
	WalletConnectID   string `mapstructure:"wallet_connect_project_id"`
	// StablecoinAddress is the home-chain stablecoin the relayer approves and
	// bridges out of when a route fill lands on a different chain.
	StablecoinAddress string `mapstructure:"stablecoin_address"`
}

// VenueConfig configures one venue adapter. CustodyModel is 0 (direct EOA),
// 1 (proxy EOA), or 2 (smart-wallet + gas payer) — see pkg/types.CustodyModel.
type VenueConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	APIBaseURL        string `mapstructure:"api_base_url"`
	RPCURL            string `mapstructure:"rpc_url"`
	ChainID           int64  `mapstructure:"chain_id"`
	StablecoinAddress string `mapstructure:"stablecoin_address"`
	StablecoinDecimals int   `mapstructure:"stablecoin_decimals"`
	SharesAddress     string `mapstructure:"shares_address"` // CTF/ERC-1155 contract holding outcome shares
	PrivateKey        string `mapstructure:"private_key"`
	CustodyModel      int    `mapstructure:"custody_model"`
	ProxyAddress      string `mapstructure:"proxy_address"`       // custody model 1
	SmartWalletAddress string `mapstructure:"smart_wallet_address"` // custody model 2
	GasPayerPrivateKey string `mapstructure:"gas_payer_private_key"` // custody model 2
}

// VenuesConfig holds per-venue configuration keyed by venue name.
type VenuesConfig struct {
	Polymarket VenueConfig `mapstructure:"polymarket"`
	Limitless  VenueConfig `mapstructure:"limitless"`
	Opinion    VenueConfig `mapstructure:"opinion"`
}

// BridgeConfig points at the LiFi-shaped bridge quote/status service.
type BridgeConfig struct {
	BaseURL    string  `mapstructure:"base_url"`
	Integrator string  `mapstructure:"integrator"`
	Slippage   float64 `mapstructure:"slippage"`
}

// MachineConfig tunes the order progress loop's cadence and retry bounds.
type MachineConfig struct {
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	MaxTradeAttempts    int           `mapstructure:"max_trade_attempts"`
	MaxSettlementPolls  int           `mapstructure:"max_settlement_polls"`
	MaxBridgeAttempts   int           `mapstructure:"max_bridge_attempts"`
	SameChainThresholdUSD float64     `mapstructure:"same_chain_threshold_usd"`
}

// StoreConfig sets where the order ledger is persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// GatewayConfig controls the HTTP/WS gateway server.
type GatewayConfig struct {
	Port           int               `mapstructure:"port"`
	AllowedOrigins []string          `mapstructure:"allowed_origins"`
	PlatformFiles  map[string]string `mapstructure:"platform_files"` // venue name -> static event-listing file
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ROUTER_RELAYER_PRIVATE_KEY,
// ROUTER_POLYMARKET_PRIVATE_KEY, ROUTER_LIMITLESS_PRIVATE_KEY,
// ROUTER_OPINION_PRIVATE_KEY, ROUTER_OPINION_GAS_PAYER_KEY, ROUTER_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("ROUTER_RELAYER_PRIVATE_KEY"); key != "" {
		cfg.Router.RelayerPrivateKey = key
	}
	if key := os.Getenv("ROUTER_POLYMARKET_PRIVATE_KEY"); key != "" {
		cfg.Venues.Polymarket.PrivateKey = key
	}
	if key := os.Getenv("ROUTER_LIMITLESS_PRIVATE_KEY"); key != "" {
		cfg.Venues.Limitless.PrivateKey = key
	}
	if key := os.Getenv("ROUTER_OPINION_PRIVATE_KEY"); key != "" {
		cfg.Venues.Opinion.PrivateKey = key
	}
	if key := os.Getenv("ROUTER_OPINION_GAS_PAYER_KEY"); key != "" {
		cfg.Venues.Opinion.GasPayerPrivateKey = key
	}
	if os.Getenv("ROUTER_DRY_RUN") == "true" || os.Getenv("ROUTER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Router.ContractAddress == "" {
		return fmt.Errorf("router.contract_address is required")
	}
	if c.Router.RelayerPrivateKey == "" {
		return fmt.Errorf("router.relayer_private_key is required (set ROUTER_RELAYER_PRIVATE_KEY)")
	}
	if c.Router.HomeChainID == 0 {
		return fmt.Errorf("router.home_chain_id is required")
	}
	if c.Router.RPCURL == "" {
		return fmt.Errorf("router.rpc_url is required")
	}
	if c.Router.StablecoinAddress == "" {
		return fmt.Errorf("router.stablecoin_address is required")
	}

	venues := []struct {
		name string
		v    VenueConfig
	}{
		{"polymarket", c.Venues.Polymarket},
		{"limitless", c.Venues.Limitless},
		{"opinion", c.Venues.Opinion},
	}
	enabledCount := 0
	for _, e := range venues {
		if !e.v.Enabled {
			continue
		}
		enabledCount++
		if e.v.APIBaseURL == "" {
			return fmt.Errorf("venues.%s.api_base_url is required when enabled", e.name)
		}
		if e.v.RPCURL == "" {
			return fmt.Errorf("venues.%s.rpc_url is required when enabled", e.name)
		}
		if e.v.ChainID == 0 {
			return fmt.Errorf("venues.%s.chain_id is required when enabled", e.name)
		}
		if e.v.PrivateKey == "" {
			return fmt.Errorf("venues.%s.private_key is required when enabled", e.name)
		}
		if e.v.SharesAddress == "" {
			return fmt.Errorf("venues.%s.shares_address is required when enabled", e.name)
		}
		switch e.v.CustodyModel {
		case 0, 1, 2:
		default:
			return fmt.Errorf("venues.%s.custody_model must be 0 (direct EOA), 1 (proxy EOA), or 2 (smart-wallet+gas payer)", e.name)
		}
		if e.v.CustodyModel == 1 && e.v.ProxyAddress == "" {
			return fmt.Errorf("venues.%s.proxy_address is required for custody_model 1", e.name)
		}
		if e.v.CustodyModel == 2 && (e.v.SmartWalletAddress == "" || e.v.GasPayerPrivateKey == "") {
			return fmt.Errorf("venues.%s.smart_wallet_address and gas_payer_private_key are required for custody_model 2", e.name)
		}
	}
	if enabledCount == 0 {
		return fmt.Errorf("at least one venue must be enabled")
	}

	if c.Bridge.BaseURL == "" {
		return fmt.Errorf("bridge.base_url is required")
	}
	if c.Machine.TickInterval <= 0 {
		return fmt.Errorf("machine.tick_interval must be > 0")
	}
	if c.Machine.MaxTradeAttempts <= 0 {
		return fmt.Errorf("machine.max_trade_attempts must be > 0")
	}
	if c.Machine.MaxSettlementPolls <= 0 {
		return fmt.Errorf("machine.max_settlement_polls must be > 0")
	}
	if c.Machine.MaxBridgeAttempts <= 0 {
		return fmt.Errorf("machine.max_bridge_attempts must be > 0")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	return nil
}
