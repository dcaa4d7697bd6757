package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	configPathEnv = "DISPATCH_CONFIG"
	defaultPort   = 8000

	// ExitBadPort and ExitNoToken are the documented startup failure codes.
	ExitBadPort = 128
	ExitNoToken = 129
)

// ErrMissingToken and ErrBadPort classify fatal startup misconfiguration.
var (
	ErrMissingToken = errors.New("config: DISPATCH_SELF_OAUTH_ACCESS_TOKEN is not set")
	ErrBadPort      = errors.New("config: port must be an integer in 1..65535")
)

// Config holds high-level settings required across the application.
type Config struct {
	OAuthToken string `env:"DISPATCH_SELF_OAUTH_ACCESS_TOKEN" yaml:"-"`
	RawLog     bool   `env:"DISPATCH_RAWLOG" yaml:"rawLog"`
	LogLevel   string `env:"DISPATCH_LOG_LEVEL" yaml:"logLevel"`
	LogDir     string `env:"DISPATCH_LOG_DIR" yaml:"logDir"`

	Meta    MetaConfig    `yaml:"meta"`
	Stream  StreamConfig  `yaml:"stream"`
	ToolsDB ToolsDBConfig `yaml:"toolsdb"`

	// Port is resolved from DISPATCH_PORT, then PORT, then the default.
	Port int `env:"-" yaml:"-"`
}

// MetaConfig describes where the site catalogue is fetched from.
type MetaConfig struct {
	APIURL string `env:"DISPATCH_META_API_URL" yaml:"apiUrl"`
}

// StreamConfig points at the live recent-change event feed.
type StreamConfig struct {
	URL string `env:"DISPATCH_STREAM_URL" yaml:"url"`
}

// ToolsDBConfig carries replica credentials discovered from the
// environment; INI fallbacks are handled by the replica pool itself.
type ToolsDBConfig struct {
	User string `env:"DISPATCH_TOOLSDB_USER" yaml:"-"`
	Pass string `env:"DISPATCH_TOOLSDB_PASS" yaml:"-"`
}

// Load reads the optional YAML file, applies environment overrides, and
// validates the startup-fatal settings. Token and port violations come back
// as ErrMissingToken / ErrBadPort so main can pick the right exit code.
func Load() (Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			cfg = defaultConfig()
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	port, err := resolvePort()
	if err != nil {
		return Config{}, err
	}
	cfg.Port = port

	if cfg.OAuthToken == "" {
		return Config{}, ErrMissingToken
	}

	return cfg, nil
}

func resolvePort() (int, error) {
	raw := os.Getenv("DISPATCH_PORT")
	if raw == "" {
		raw = os.Getenv("PORT")
	}
	if raw == "" {
		return defaultPort, nil
	}

	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %q", ErrBadPort, raw)
	}
	return port, nil
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LogDir:   ".logs",
		Meta: MetaConfig{
			APIURL: "https://meta.wikimedia.org/w/api.php",
		},
		Stream: StreamConfig{
			URL: "https://stream.wikimedia.org/v2/stream/mediawiki.revision-visibility-change,mediawiki.revision-tags-change",
		},
	}
}
