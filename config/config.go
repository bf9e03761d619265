package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fassetd/native/fassets"

	"github.com/BurntSushi/toml"
)

// Config carries everything the daemon needs to start: where to listen,
// where to keep its database, the price feed table and the protocol
// parameter set handed to the accounting engine.
type Config struct {
	RPCAddress  string `toml:"RPCAddress"`
	DataDir     string `toml:"DataDir"`
	Environment string `toml:"Environment"`

	Oracle   OracleConfig     `toml:"Oracle"`
	Protocol fassets.Settings `toml:"Protocol"`
}

// OracleConfig describes the static price table served to the engine when no
// live feed is wired in. Prices are USD quotes in the feed's own decimals.
type OracleConfig struct {
	MaxQuoteAgeSeconds uint64        `toml:"MaxQuoteAgeSeconds"`
	Prices             []StaticPrice `toml:"Prices"`
}

// StaticPrice is one entry of the static feed. Price is a decimal integer
// string so large quotes survive the TOML round trip.
type StaticPrice struct {
	Symbol   string `toml:"Symbol"`
	Price    string `toml:"Price"`
	Decimals uint8  `toml:"Decimals"`
}

// Default returns the configuration a fresh node runs with: local listen
// address, a data directory next to the binary and the stock protocol
// parameters.
func Default() *Config {
	return &Config{
		RPCAddress:  ":8695",
		DataDir:     "./fassetd-data",
		Environment: "local",
		Oracle: OracleConfig{
			MaxQuoteAgeSeconds: 300,
			Prices: []StaticPrice{
				{Symbol: "BTC", Price: "5000000000", Decimals: 5},
				{Symbol: "USDC", Price: "100000", Decimals: 5},
				{Symbol: "NAT", Price: "100000", Decimals: 5},
			},
		},
		Protocol: fassets.DefaultSettings(),
	}
}

// Load reads the configuration from the given path, creating a default file
// on first run. Keys absent from the file keep their default values.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		return nil, fmt.Errorf("config file %s contains unknown key %s", path, undecoded.String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the node-level fields and defers protocol consistency to
// the engine's own settings validation.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	for _, price := range c.Oracle.Prices {
		if strings.TrimSpace(price.Symbol) == "" {
			return fmt.Errorf("config: oracle price entry missing symbol")
		}
		if strings.TrimSpace(price.Price) == "" {
			return fmt.Errorf("config: oracle price for %s missing value", price.Symbol)
		}
	}
	if err := c.Protocol.Validate(); err != nil {
		return err
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
