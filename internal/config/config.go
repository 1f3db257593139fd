// Package config loads the lockswapd daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lockswap-exchange/lockswap/internal/chain"
)

// Config holds all configuration for the daemon.
type Config struct {
	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// RPC is the JSON-RPC / websocket listen configuration.
	RPC RPCConfig `yaml:"rpc"`

	// Wallet holds the relayer signing key configuration.
	Wallet WalletConfig `yaml:"wallet"`

	// Monitor holds expiry-monitor settings.
	Monitor MonitorConfig `yaml:"monitor"`

	// Orchestrator holds escrow-orchestration settings.
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Chains holds per-chain endpoint and contract configuration, keyed by
	// chain id from the chain registry.
	Chains map[string]*ChainConfig `yaml:"chains"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// RPCConfig holds the API listen settings.
type RPCConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// WalletConfig holds the signing key source.
type WalletConfig struct {
	// MnemonicFile is the path to a file containing the BIP39 mnemonic.
	MnemonicFile string `yaml:"mnemonic_file"`
	// Passphrase is the optional BIP39 passphrase.
	Passphrase string `yaml:"passphrase,omitempty"`
}

// MonitorConfig holds expiry-monitor settings.
type MonitorConfig struct {
	// ScanInterval is how often escrowed orders are scanned for expiry.
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// OrchestratorConfig holds escrow-orchestration settings.
type OrchestratorConfig struct {
	// StuckWarnAfter is how long a finality wait may run before the
	// orchestrator starts logging operator-visible warnings. The wait
	// itself is unbounded; re-driving the same order id is safe.
	StuckWarnAfter time.Duration `yaml:"stuck_warn_after"`
}

// ChainConfig holds per-chain endpoints and overrides.
type ChainConfig struct {
	// RPCURL is the HTTP JSON-RPC endpoint.
	RPCURL string `yaml:"rpc_url"`
	// WSURL is the websocket endpoint for push-family chains.
	WSURL string `yaml:"ws_url,omitempty"`
	// ContractAddress is the deployed HTLC escrow contract.
	ContractAddress string `yaml:"contract_address"`
	// RequiredConfirmations overrides the registry default when nonzero.
	RequiredConfirmations uint64 `yaml:"required_confirmations,omitempty"`
	// SafetyDeposit overrides the registry default when set (decimal string).
	SafetyDeposit string `yaml:"safety_deposit,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Logging:      LoggingConfig{Level: "info"},
		Storage:      StorageConfig{DataDir: "~/.lockswap"},
		RPC:          RPCConfig{ListenAddr: "127.0.0.1:8091"},
		Wallet:       WalletConfig{MnemonicFile: "~/.lockswap/mnemonic"},
		Monitor:      MonitorConfig{ScanInterval: 30 * time.Second},
		Orchestrator: OrchestratorConfig{StuckWarnAfter: 30 * time.Minute},
		Chains:       map[string]*ChainConfig{},
	}
}

// Load reads the configuration file at path. Missing optional fields fall
// back to defaults; a missing file is an error (the daemon cannot guess
// contract addresses).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Chains) < 2 {
		return fmt.Errorf("at least two chains must be configured, got %d", len(c.Chains))
	}
	for id, cc := range c.Chains {
		if !chain.IsSupported(id) {
			return fmt.Errorf("unsupported chain in config: %s", id)
		}
		if cc == nil || cc.RPCURL == "" {
			return fmt.Errorf("chain %s: rpc_url is required", id)
		}
		if cc.ContractAddress == "" {
			return fmt.Errorf("chain %s: contract_address is required", id)
		}
		params, _ := chain.Get(id)
		if params.Family == chain.FamilyEVM && cc.WSURL == "" {
			return fmt.Errorf("chain %s: ws_url is required for push event delivery", id)
		}
	}
	if c.Monitor.ScanInterval <= 0 {
		return fmt.Errorf("monitor scan_interval must be positive")
	}
	return nil
}

// RequiredConfirmations returns the confirmation count for a chain,
// applying any config override to the registry default.
func (c *Config) RequiredConfirmations(chainID string) uint64 {
	if cc, ok := c.Chains[chainID]; ok && cc.RequiredConfirmations > 0 {
		return cc.RequiredConfirmations
	}
	params, ok := chain.Get(chainID)
	if !ok {
		return 0
	}
	return params.RequiredConfirmations
}

// SafetyDeposit returns the safety deposit for a chain as a decimal string.
func (c *Config) SafetyDeposit(chainID string) string {
	if cc, ok := c.Chains[chainID]; ok && cc.SafetyDeposit != "" {
		return cc.SafetyDeposit
	}
	params, ok := chain.Get(chainID)
	if !ok {
		return "0"
	}
	return params.DefaultSafetyDeposit
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
