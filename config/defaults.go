package config

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Mining: MiningConfig{
			Enabled: false,
			Threads: 1,
		},
		Finality: FinalityConfig{
			Enabled: false,
		},
		Checkpoint: CheckpointConfig{
			Interval:       0, // 0 = protocol default (2016)
			MaxCheckpoints: 0, // 0 = protocol default (10)
		},
		Mempool: MempoolConfig{
			MaxSize:    5000,
			SenderCap:  100,
			TTLSecs:    3 * 60 * 60, // 3 hours
			RBFMinBump: 1000,        // base units
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Mempool.MaxSize = 2000
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
