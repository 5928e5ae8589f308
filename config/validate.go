package config

import "fmt"

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("datadir must not be empty")
	}
	if cfg.Mining.Enabled && cfg.Mining.Coinbase == "" {
		return fmt.Errorf("mining.enabled requires mining.coinbase")
	}
	if cfg.Mining.Threads < 0 {
		return fmt.Errorf("mining.threads must be >= 0")
	}
	if cfg.Finality.Enabled && cfg.Finality.ValidatorKey == "" {
		return fmt.Errorf("finality.enabled requires finality.validatorkey")
	}
	if cfg.Mempool.MaxSize < 0 {
		return fmt.Errorf("mempool.max_size must be >= 0")
	}
	if cfg.Mempool.SenderCap < 0 {
		return fmt.Errorf("mempool.sender_cap must be >= 0")
	}
	return nil
}
