package config

// Defaults returns the baseline configuration before file and flag
// overrides.
func Defaults() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Bitcoin: ChainConfig{
			Enabled:      true,
			Network:      "mainnet",
			SubscribeURL: "ws://127.0.0.1:28332",
			FetchURL:     "http://127.0.0.1:8332",
		},
		Stacks: ChainConfig{
			Enabled:      true,
			Network:      "mainnet",
			ObserverAddr: "127.0.0.1:20445",
		},
		API: APIConfig{
			Addr: "127.0.0.1:20456",
		},
		Log: LogConfig{
			Level: "info",
		},
		Engine: EngineConfig{
			Workers:              0, // core count
			ForkWindow:           256,
			Handoff:              10,
			ScanBatch:            100,
			StartupGraceSeconds:  30,
			ShutdownGraceSeconds: 5,
		},
	}
}
