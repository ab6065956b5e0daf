package watcher

import "time"

type Config struct {
	Enabled        bool          `json:"enabled"`
	DebounceWindow time.Duration `json:"debounce_window"`
	MaxBatchSize   int           `json:"max_batch_size"`
	IgnorePatterns []string      `json:"ignore_patterns"`
	WatchHidden    bool          `json:"watch_hidden"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		DebounceWindow: 300 * time.Millisecond,
		MaxBatchSize:   100,
		IgnorePatterns: []string{
			"**/.git/**",
			"**/.build/**",
			"**/.index-build/**",
			"**/DerivedData/**",
			"**/node_modules/**",
			"**/*.o",
			"**/*.swiftmodule",
			"**/*.log",
		},
		WatchHidden: false,
	}
}
