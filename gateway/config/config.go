package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingServer     = errors.New("SERVER is not set")
	ErrMissingBotConfig  = errors.New("CONFIG is not set")
	ErrInvalidBotConfig  = errors.New("invalid bot configuration")
	ErrInvalidServerURL  = errors.New("invalid SERVER url")
	ErrInvalidTimeouts   = errors.New("invalid session timings")
	ErrConflictingConfig = errors.New("CONFIG and CONFIG_FILE are both set")
)

// Config is the full gateway configuration.
type Config struct {
	// Platform session
	Server     string
	BotConfig  string
	ConfigFile string
	Platform   string
	BotName    string

	// Defaults for HTTP query parameters
	DefaultUserID      string
	DefaultPersonality string
	DefaultChatID      string
	DefaultTarget      string

	// HTTP listener
	Host string
	Port int

	// Session timings
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ReadyTimeout      time.Duration
	ReplyTimeout      time.Duration

	Debug bool

	botConfig json.RawMessage
}

// Default returns a Config with every optional value set.
func Default() *Config {
	return &Config{
		Platform:           "rest",
		BotName:            "restful",
		DefaultPersonality: "polaris",
		DefaultTarget:      "all",
		Host:               "0.0.0.0",
		Port:               3000,
		HeartbeatInterval:  30 * time.Second,
		ReconnectDelay:     3 * time.Second,
		ReadyTimeout:       30 * time.Second,
	}
}

// Validate checks required values and resolves the bot configuration.
// It must succeed before BotConfigJSON is used.
func (c *Config) Validate() error {
	if c.Server == "" {
		return ErrMissingServer
	}
	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidServerURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme must be ws or wss, got %q", ErrInvalidServerURL, u.Scheme)
	}

	if c.HeartbeatInterval <= 0 || c.ReconnectDelay <= 0 || c.ReadyTimeout <= 0 || c.ReplyTimeout < 0 {
		return ErrInvalidTimeouts
	}

	raw, err := c.loadBotConfig()
	if err != nil {
		return err
	}
	c.botConfig = raw
	return nil
}

// BotConfigJSON returns the validated bot configuration.
func (c *Config) BotConfigJSON() json.RawMessage {
	return c.botConfig
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) loadBotConfig() (json.RawMessage, error) {
	switch {
	case c.BotConfig != "" && c.ConfigFile != "":
		return nil, ErrConflictingConfig
	case c.BotConfig != "":
		if !json.Valid([]byte(c.BotConfig)) {
			return nil, fmt.Errorf("%w: CONFIG is not valid JSON", ErrInvalidBotConfig)
		}
		return json.RawMessage(c.BotConfig), nil
	case c.ConfigFile != "":
		return ReadBotConfigFile(c.ConfigFile)
	default:
		return nil, ErrMissingBotConfig
	}
}

// ReadBotConfigFile reads a YAML (or JSON) document and returns it as JSON.
func ReadBotConfigFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bot config file: %w", err)
	}
	return ConvertYAML(data)
}

// ConvertYAML decodes a YAML document into its JSON encoding. JSON input is
// accepted as well since it is valid YAML.
func ConvertYAML(data []byte) (json.RawMessage, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBotConfig, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidBotConfig)
	}

	out, err := json.Marshal(normalize(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBotConfig, err)
	}
	return out, nil
}

// normalize converts map[interface{}]interface{} nodes (non-string YAML
// keys) into JSON-encodable maps.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
