package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// P2P holds the recognized peer pool options.
type P2P struct {
	Listen               bool     `toml:"Listen"`
	Port                 uint16   `toml:"Port"`
	Addresses            []string `toml:"Addresses"`
	DetectExternalIP     bool     `toml:"DetectExternalIP"`
	Tor                  bool     `toml:"Tor"`
	TorPort              uint16   `toml:"TorPort"`
	Discover             bool     `toml:"Discover"`
	DiscoverMinutes      uint32   `toml:"DiscoverMinutes"`
	MinCompatibleVersion string   `toml:"MinCompatibleVersion"`
	StrictReputation     bool     `toml:"StrictReputation"`
}

// Log holds log sink options.
type Log struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	Level      string `toml:"Level"`
}

// Otel configures OTLP export. Telemetry stays off unless an endpoint is set.
type Otel struct {
	Endpoint string            `toml:"Endpoint"`
	Insecure bool              `toml:"Insecure"`
	Headers  map[string]string `toml:"Headers"`
	Metrics  bool              `toml:"Metrics"`
	Traces   bool              `toml:"Traces"`
}

// Enabled reports whether any telemetry export is configured.
func (o Otel) Enabled() bool {
	return strings.TrimSpace(o.Endpoint) != "" && (o.Metrics || o.Traces)
}

// Config is the daemon's file configuration.
type Config struct {
	DataDir     string `toml:"DataDir"`
	NodeKeyPath string `toml:"NodeKeyPath"`
	MetricsAddr string `toml:"MetricsAddr"`
	P2P         P2P    `toml:"p2p"`
	Log         Log    `toml:"log"`
	Otel        Otel   `toml:"otel"`
}

const defaultPort = 9735

// Load reads the configuration file, creating one with defaults if it does
// not exist.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.normalize(path)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults(path string) *Config {
	dataDir := "./opendex-data"
	if dir := filepath.Dir(path); dir != "." {
		dataDir = filepath.Join(dir, "opendex-data")
	}
	return &Config{
		DataDir: dataDir,
		P2P: P2P{
			Listen:           true,
			Port:             defaultPort,
			Discover:         true,
			DiscoverMinutes:  720,
			StrictReputation: true,
		},
	}
}

func createDefault(path string) (*Config, error) {
	cfg := defaults(path)
	cfg.normalize(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) normalize(path string) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaults(path).DataDir
	}
	if strings.TrimSpace(cfg.NodeKeyPath) == "" {
		cfg.NodeKeyPath = filepath.Join(cfg.DataDir, "node_key.json")
	}
	if cfg.P2P.Port == 0 && cfg.P2P.Listen {
		cfg.P2P.Port = defaultPort
	}
	// An endpoint with no signal toggles means "export everything".
	if strings.TrimSpace(cfg.Otel.Endpoint) != "" && !cfg.Otel.Metrics && !cfg.Otel.Traces {
		cfg.Otel.Metrics = true
		cfg.Otel.Traces = true
	}
}

func (cfg *Config) validate() error {
	if cfg.P2P.Tor && cfg.P2P.TorPort == 0 {
		return fmt.Errorf("p2p: Tor enabled without TorPort")
	}
	if cfg.P2P.MinCompatibleVersion != "" {
		parts := strings.Split(cfg.P2P.MinCompatibleVersion, ".")
		if len(parts) != 3 {
			return fmt.Errorf("p2p: MinCompatibleVersion %q is not a semver triple", cfg.P2P.MinCompatibleVersion)
		}
	}
	return nil
}
