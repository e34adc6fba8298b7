// Package config loads the YAML configuration schema of spec.md §6.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrConfig wraps every configuration problem; it is the only error kind
// that is fatal at startup (spec.md §7).
var ErrConfig = errors.New("config")

// ExchangeConfig is one entry under the `exchanges:` map.
type ExchangeConfig struct {
	MinQuoteVolume24h decimal.Decimal `yaml:"min_quote_volume_24h"`
	MaxQuoteVolume24h decimal.Decimal `yaml:"max_quote_volume_24h"`
	ExcludeSymbols    []string        `yaml:"exclude_symbols"`
	// ExcludeIfOnMajor, when set, drops any symbol also listed on the
	// named "major" exchange (spec.md §4.3's cross-exchange exclusion).
	ExcludeIfOnMajor string `yaml:"exclude_if_on_major"`
}

type StreamsConfig struct {
	EnableTrades bool `yaml:"enable_trades"`
	EnableQuotes bool `yaml:"enable_quotes"`
}

type WindowConfig struct {
	Duration          time.Duration `yaml:"duration"`
	TradesPerSymbolCap int          `yaml:"trades_per_symbol_cap"`
	SymbolCap          int          `yaml:"symbol_cap"`
}

type BroadcastConfig struct {
	AggregateInterval   time.Duration `yaml:"aggregate_interval"`
	MetadataEveryNTicks int           `yaml:"metadata_every_n_ticks"`
	TopN                int           `yaml:"top_n"`
	DetailTopK          int           `yaml:"detail_top_k"`
}

type DeviationConfig struct {
	SweepInterval   time.Duration   `yaml:"sweep_interval"`
	MinThresholdPct decimal.Decimal `yaml:"min_threshold_pct"`
}

type SignalsConfig struct {
	Enabled            bool            `yaml:"enabled"`
	EntryThresholdPct  decimal.Decimal `yaml:"entry_threshold_pct"`
	ExitThresholdPct   decimal.Decimal `yaml:"exit_threshold_pct"`
	Cooldown           time.Duration   `yaml:"cooldown"`
	Expiry             time.Duration   `yaml:"expiry"`
}

type ServerConfig struct {
	StreamListen string `yaml:"stream_listen"`
}

// Config is the fully parsed, defaulted configuration tree.
type Config struct {
	Exchanges  map[string]ExchangeConfig `yaml:"exchanges"`
	Streams    StreamsConfig             `yaml:"streams"`
	Window     WindowConfig              `yaml:"window"`
	Broadcast  BroadcastConfig           `yaml:"broadcast"`
	Deviation  DeviationConfig           `yaml:"deviation"`
	Signals    SignalsConfig             `yaml:"signals"`
	Server     ServerConfig              `yaml:"server"`
}

func defaults() Config {
	return Config{
		Streams: StreamsConfig{EnableTrades: true, EnableQuotes: true},
		Window: WindowConfig{
			Duration:           30 * time.Minute,
			TradesPerSymbolCap: 5000,
			SymbolCap:          5000,
		},
		Broadcast: BroadcastConfig{
			AggregateInterval:   200 * time.Millisecond,
			MetadataEveryNTicks: 10,
			TopN:                70,
			DetailTopK:          500,
		},
		Deviation: DeviationConfig{
			SweepInterval:   100 * time.Millisecond,
			MinThresholdPct: decimal.NewFromFloat(0.10),
		},
		Signals: SignalsConfig{
			Enabled:           false,
			EntryThresholdPct: decimal.NewFromFloat(0.35),
			ExitThresholdPct:  decimal.NewFromFloat(0.05),
			Cooldown:          10 * time.Second,
			Expiry:            5 * time.Minute,
		},
	}
}

// Load reads and parses a YAML config file, applying spec.md §6 defaults
// for any field the file leaves at its zero value.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	return Parse(raw)
}

// Parse parses YAML bytes into a defaulted Config. Exported separately
// from Load so tests can exercise parsing without touching the filesystem.
func Parse(raw []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrConfig, err)
	}
	applyZeroDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyZeroDefaults re-fills fields that yaml.Unmarshal left zero because
// the document omitted their section entirely (yaml.Unmarshal overwrites
// the whole sub-struct only when the key is present, but a partially
// specified section can still zero individual duration/int fields).
func applyZeroDefaults(cfg *Config) {
	d := defaults()
	if cfg.Window.Duration == 0 {
		cfg.Window.Duration = d.Window.Duration
	}
	if cfg.Window.TradesPerSymbolCap == 0 {
		cfg.Window.TradesPerSymbolCap = d.Window.TradesPerSymbolCap
	}
	if cfg.Window.SymbolCap == 0 {
		cfg.Window.SymbolCap = d.Window.SymbolCap
	}
	if cfg.Broadcast.AggregateInterval == 0 {
		cfg.Broadcast.AggregateInterval = d.Broadcast.AggregateInterval
	}
	if cfg.Broadcast.MetadataEveryNTicks == 0 {
		cfg.Broadcast.MetadataEveryNTicks = d.Broadcast.MetadataEveryNTicks
	}
	if cfg.Broadcast.TopN == 0 {
		cfg.Broadcast.TopN = d.Broadcast.TopN
	}
	if cfg.Broadcast.DetailTopK == 0 {
		cfg.Broadcast.DetailTopK = d.Broadcast.DetailTopK
	}
	if cfg.Deviation.SweepInterval == 0 {
		cfg.Deviation.SweepInterval = d.Deviation.SweepInterval
	}
	if cfg.Deviation.MinThresholdPct.IsZero() {
		cfg.Deviation.MinThresholdPct = d.Deviation.MinThresholdPct
	}
	if cfg.Signals.Cooldown == 0 {
		cfg.Signals.Cooldown = d.Signals.Cooldown
	}
	if cfg.Signals.Expiry == 0 {
		cfg.Signals.Expiry = d.Signals.Expiry
	}
	if cfg.Signals.EntryThresholdPct.IsZero() {
		cfg.Signals.EntryThresholdPct = d.Signals.EntryThresholdPct
	}
	if cfg.Signals.ExitThresholdPct.IsZero() {
		cfg.Signals.ExitThresholdPct = d.Signals.ExitThresholdPct
	}
}

func validate(cfg *Config) error {
	if cfg.Server.StreamListen == "" {
		return fmt.Errorf("%w: server.stream_listen is required", ErrConfig)
	}
	for name, ex := range cfg.Exchanges {
		if ex.MaxQuoteVolume24h.IsPositive() && ex.MinQuoteVolume24h.GreaterThan(ex.MaxQuoteVolume24h) {
			return fmt.Errorf("%w: exchange %q: min_quote_volume_24h > max_quote_volume_24h", ErrConfig, name)
		}
	}
	return nil
}
