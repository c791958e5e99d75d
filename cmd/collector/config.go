package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.yaml.in/yaml/v4"

	configtypes "github.com/daszybak/bookstream/internal/config"
	"github.com/daszybak/bookstream/internal/engine"
)

type streamConfig struct {
	ReconnectInterval     configtypes.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval  configtypes.Duration `yaml:"max_reconnect_interval"`
	MaxReconnectAttempts  int                  `yaml:"max_reconnect_attempts"` // 0 retries forever
	PingInterval          configtypes.Duration `yaml:"ping_interval"`
	PingTimeout           configtypes.Duration `yaml:"ping_timeout"`
	ConnectTimeout        configtypes.Duration `yaml:"connect_timeout"`
	PendingBufferCapacity int                  `yaml:"pending_buffer_capacity"`
	WatcherBufferCapacity int                  `yaml:"watcher_buffer_capacity"`
}

// engineConfig maps the stream section onto a supervisor config for url.
// Unset fields keep the engine defaults.
func (s streamConfig) engineConfig(url string) engine.Config {
	c := engine.DefaultConfig(url)
	c.ReconnectInterval = s.ReconnectInterval.Or(c.ReconnectInterval)
	c.MaxReconnectInterval = s.MaxReconnectInterval.Or(c.MaxReconnectInterval)
	c.MaxReconnectAttempts = s.MaxReconnectAttempts
	c.PingInterval = s.PingInterval.Or(c.PingInterval)
	c.PingTimeout = s.PingTimeout.Or(c.PingTimeout)
	c.ConnectTimeout = s.ConnectTimeout.Or(c.ConnectTimeout)
	if s.PendingBufferCapacity > 0 {
		c.PendingBufferCapacity = s.PendingBufferCapacity
	}
	if s.WatcherBufferCapacity > 0 {
		c.WatcherBufferCapacity = s.WatcherBufferCapacity
	}
	return c
}

type config struct {
	LogLevel    string `yaml:"log_level"` // debug, info, warn, error
	MetricsAddr string `yaml:"metrics_addr"`

	// Trades also streams the executions of every watched instrument.
	Trades bool `yaml:"trades"`

	Sampler struct {
		Interval configtypes.Duration `yaml:"interval"`
		Depth    int                  `yaml:"depth"`
	} `yaml:"sampler"`

	Stream streamConfig `yaml:"stream"`

	// Database is optional. Without a host, samples are logged instead of
	// stored and market sync is off.
	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		PoolSize int    `yaml:"pool_size"`
		SSLMode  string `yaml:"ssl_mode"`
	} `yaml:"database"`

	Platforms struct {
		PolyMarket struct {
			Enabled            bool                 `yaml:"enabled"`
			WSURL              string               `yaml:"ws_url"`
			GammaURL           string               `yaml:"gamma_url"`
			ClobURL            string               `yaml:"clob_url"`
			RESTSnapshots      bool                 `yaml:"rest_snapshots"`
			MarketSyncInterval configtypes.Duration `yaml:"market_sync_interval"`
			WatchCatalogue     bool                 `yaml:"watch_catalogue"`
			TokenIDs           []string             `yaml:"token_ids"`
			Slugs              []string             `yaml:"slugs"`
		} `yaml:"polymarket"`
		Kalshi struct {
			Enabled            bool                      `yaml:"enabled"`
			APIURL             string                    `yaml:"api_url"`
			WSURL              string                    `yaml:"ws_url"`
			APIKeyID           string                    `yaml:"api_key_id"`
			APIPrivateKey      configtypes.RSAPrivateKey `yaml:"api_private_key"`
			RESTSnapshots      bool                      `yaml:"rest_snapshots"`
			MarketSyncInterval configtypes.Duration      `yaml:"market_sync_interval"`
			WatchCatalogue     bool                      `yaml:"watch_catalogue"`
			Tickers            []string                  `yaml:"tickers"`
		} `yaml:"kalshi"`
	} `yaml:"platforms"`
}

func (c *config) databaseEnabled() bool {
	return c.Database.Host != ""
}

func readConfig(configPath *string) (*config, error) {
	rawConfig, err := os.ReadFile(*configPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't read file %s: %w", *configPath, err)
	}
	return parseConfig(rawConfig)
}

func parseConfig(raw []byte) (*config, error) {
	cfg := &config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("couldn't parse config: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("couldn't validate config: %w", err)
	}

	return cfg, nil
}

func validateConfig(cfg *config) error {
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return err
	}

	if cfg.Sampler.Interval.Duration() <= 0 {
		return fmt.Errorf("sampler.interval must be greater than 0")
	}
	if cfg.Sampler.Depth <= 0 {
		return fmt.Errorf("sampler.depth must be greater than 0")
	}

	s := cfg.Stream
	if s.MaxReconnectAttempts < 0 {
		return fmt.Errorf("stream.max_reconnect_attempts must not be negative")
	}
	if s.PendingBufferCapacity < 0 {
		return fmt.Errorf("stream.pending_buffer_capacity must not be negative")
	}
	if s.WatcherBufferCapacity < 0 {
		return fmt.Errorf("stream.watcher_buffer_capacity must not be negative")
	}

	// Database
	if cfg.databaseEnabled() {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			return fmt.Errorf("database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
		if cfg.Database.Database == "" {
			return fmt.Errorf("database.database is required")
		}
		if cfg.Database.PoolSize < 0 {
			return fmt.Errorf("database.pool_size must not be negative")
		}
	}

	pm := cfg.Platforms.PolyMarket
	k := cfg.Platforms.Kalshi
	if !pm.Enabled && !k.Enabled {
		return fmt.Errorf("at least one of platforms.polymarket and platforms.kalshi must be enabled")
	}

	// Polymarket
	if pm.Enabled {
		if len(pm.TokenIDs) == 0 && len(pm.Slugs) == 0 && !pm.WatchCatalogue {
			return fmt.Errorf("platforms.polymarket needs token_ids, slugs or watch_catalogue")
		}
		if (pm.WatchCatalogue || pm.MarketSyncInterval > 0) && !cfg.databaseEnabled() {
			return fmt.Errorf("platforms.polymarket market sync requires database.host")
		}
	}

	// Kalshi
	if k.Enabled {
		if k.APIKeyID == "" {
			return fmt.Errorf("platforms.kalshi.api_key_id is required")
		}
		if k.APIPrivateKey.PrivateKey == nil {
			return fmt.Errorf("platforms.kalshi.api_private_key is required")
		}
		if len(k.Tickers) == 0 && !k.WatchCatalogue {
			return fmt.Errorf("platforms.kalshi needs tickers or watch_catalogue")
		}
		if (k.WatchCatalogue || k.MarketSyncInterval > 0) && !cfg.databaseEnabled() {
			return fmt.Errorf("platforms.kalshi market sync requires database.host")
		}
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log_level must be one of debug, info, warn, error")
}
