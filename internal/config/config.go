// Package config loads the configuration of the beseda server binary.
//
// Configuration comes from a single YAML file, or a TOML file when its name ends in .toml,
// named by the --config flag or, when the flag is absent, by the BESEDA_CONFIG environment
// variable. Values missing from the file keep the defaults returned by Default.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/MegaGrindStone/go-beseda"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "BESEDA_CONFIG"

// Config is the configuration of the beseda server.
type Config struct {
	// Listen is the address the HTTP server binds to.
	Listen string `yaml:"listen" toml:"listen"`

	// StatusPath serves the JSON status snapshot. Empty disables it.
	StatusPath string `yaml:"status_path" toml:"status_path"`

	// PruneInterval is how often channels without subscribers are dropped. Zero disables
	// pruning.
	PruneInterval time.Duration `yaml:"prune_interval" toml:"prune_interval"`

	Log        LogConfig        `yaml:"log" toml:"log"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts" toml:"timeouts"`
	Transports TransportsConfig `yaml:"transports" toml:"transports"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" toml:"level"`
	// Format is text or json.
	Format string `yaml:"format" toml:"format"`
}

// TimeoutsConfig bounds pending requests and deliveries.
type TimeoutsConfig struct {
	Connection     time.Duration `yaml:"connection" toml:"connection"`
	Subscription   time.Duration `yaml:"subscription" toml:"subscription"`
	Unsubscription time.Duration `yaml:"unsubscription" toml:"unsubscription"`
	Publication    time.Duration `yaml:"publication" toml:"publication"`
	Send           time.Duration `yaml:"send" toml:"send"`
}

// TransportsConfig selects the network transports to serve.
type TransportsConfig struct {
	SSE       SSEConfig       `yaml:"sse" toml:"sse"`
	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
}

// SSEConfig configures the Server-Sent Events transport.
type SSEConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// Path is where clients open the event stream.
	Path string `yaml:"path" toml:"path"`
	// MessagePath is where clients post their batches.
	MessagePath string `yaml:"message_path" toml:"message_path"`
	// BaseURL is the externally visible origin announced in endpoint events,
	// e.g. https://push.example.com. Defaults to http://<listen>.
	BaseURL        string `yaml:"base_url" toml:"base_url"`
	MaxPayloadSize int64  `yaml:"max_payload_size" toml:"max_payload_size"`
}

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	Enabled      bool          `yaml:"enabled" toml:"enabled"`
	Path         string        `yaml:"path" toml:"path"`
	ReadLimit    int64         `yaml:"read_limit" toml:"read_limit"`
	PingInterval time.Duration `yaml:"ping_interval" toml:"ping_interval"`
}

// Default returns the configuration used as a base before the file is loaded.
func Default() *Config {
	return &Config{
		Listen:        ":8080",
		StatusPath:    "/status",
		PruneInterval: time.Minute,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Timeouts: TimeoutsConfig{
			Connection:     10 * time.Second,
			Subscription:   10 * time.Second,
			Unsubscription: 10 * time.Second,
			Publication:    10 * time.Second,
			Send:           30 * time.Second,
		},
		Transports: TransportsConfig{
			SSE: SSEConfig{
				Enabled:        true,
				Path:           "/sse",
				MessagePath:    "/sse/message",
				MaxPayloadSize: 1 << 20,
			},
			WebSocket: WebSocketConfig{
				Enabled:      true,
				Path:         "/ws",
				ReadLimit:    1 << 20,
				PingInterval: 54 * time.Second,
			},
		},
	}
}

// Load loads the file named by path, or by BESEDA_CONFIG when path is empty. Without
// either, the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merged over the defaults.
// ${VAR} references in string values are expanded from the environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(expanded, cfg)
	default:
		err = yaml.Unmarshal(expanded, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log.format: %q", c.Log.Format))
	}

	for name, d := range map[string]time.Duration{
		"connection":     c.Timeouts.Connection,
		"subscription":   c.Timeouts.Subscription,
		"unsubscription": c.Timeouts.Unsubscription,
		"publication":    c.Timeouts.Publication,
		"send":           c.Timeouts.Send,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be positive, got %s", name, d))
		}
	}
	if c.PruneInterval < 0 {
		errs = append(errs, fmt.Errorf("prune_interval must not be negative, got %s", c.PruneInterval))
	}

	sse, ws := c.Transports.SSE, c.Transports.WebSocket
	if !sse.Enabled && !ws.Enabled {
		errs = append(errs, errors.New("at least one transport must be enabled"))
	}
	if sse.Enabled {
		if !strings.HasPrefix(sse.Path, "/") || !strings.HasPrefix(sse.MessagePath, "/") {
			errs = append(errs, errors.New("transports.sse paths must start with /"))
		}
		if sse.Path == sse.MessagePath {
			errs = append(errs, errors.New("transports.sse.path and message_path must differ"))
		}
	}
	if ws.Enabled && !strings.HasPrefix(ws.Path, "/") {
		errs = append(errs, errors.New("transports.websocket.path must start with /"))
	}

	return errors.Join(errs...)
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	return level, nil
}

// RouterOptions maps the timeouts to router options.
func (c *Config) RouterOptions() []beseda.RouterOption {
	return []beseda.RouterOption{
		beseda.WithConnectionTimeout(c.Timeouts.Connection),
		beseda.WithSubscriptionTimeout(c.Timeouts.Subscription),
		beseda.WithUnsubscriptionTimeout(c.Timeouts.Unsubscription),
		beseda.WithPublicationTimeout(c.Timeouts.Publication),
		beseda.WithSendTimeout(c.Timeouts.Send),
	}
}

// MessageURL returns the absolute URL announced to SSE clients for posting batches.
func (c *Config) MessageURL() string {
	base := c.Transports.SSE.BaseURL
	if base == "" {
		host := c.Listen
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		base = "http://" + host
	}
	return strings.TrimSuffix(base, "/") + c.Transports.SSE.MessagePath
}
