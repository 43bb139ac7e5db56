package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	c := Default()
	c.Server = "ws://localhost:8080/ws"
	c.BotConfig = `{"name":"rest","prefix":"/"}`
	return c
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, "rest", c.Platform)
	assert.Equal(t, "polaris", c.DefaultPersonality)
	assert.Equal(t, "all", c.DefaultTarget)
	assert.Equal(t, 3000, c.Port)
	assert.Equal(t, 30*time.Second, c.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, c.ReconnectDelay)
	assert.Equal(t, 30*time.Second, c.ReadyTimeout)
	assert.Equal(t, time.Duration(0), c.ReplyTimeout)
	assert.Equal(t, "0.0.0.0:3000", c.Addr())
}

func TestValidate(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
	assert.JSONEq(t, `{"name":"rest","prefix":"/"}`, string(c.BotConfigJSON()))
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		err    error
	}{
		{"missing server", func(c *Config) { c.Server = "" }, ErrMissingServer},
		{"http scheme", func(c *Config) { c.Server = "http://localhost" }, ErrInvalidServerURL},
		{"unparsable server", func(c *Config) { c.Server = "ws://[::1" }, ErrInvalidServerURL},
		{"missing config", func(c *Config) { c.BotConfig = "" }, ErrMissingBotConfig},
		{"invalid json", func(c *Config) { c.BotConfig = "{nope" }, ErrInvalidBotConfig},
		{"both sources", func(c *Config) { c.ConfigFile = "bot.yaml" }, ErrConflictingConfig},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, ErrInvalidTimeouts},
		{"negative reply timeout", func(c *Config) { c.ReplyTimeout = -time.Second }, ErrInvalidTimeouts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), tt.err)
		})
	}
}

func TestConfigFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.yaml")
	yamlDoc := `
name: rest
prefix: /
plugins:
  - core
  - admin
owners:
  1: admin
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	c := validConfig()
	c.BotConfig = ""
	c.ConfigFile = path
	require.NoError(t, c.Validate())

	expected := `{"name":"rest","prefix":"/","plugins":["core","admin"],"owners":{"1":"admin"}}`
	assert.JSONEq(t, expected, string(c.BotConfigJSON()))
}

func TestConfigFileMissing(t *testing.T) {
	c := validConfig()
	c.BotConfig = ""
	c.ConfigFile = filepath.Join(t.TempDir(), "absent.yaml")
	assert.Error(t, c.Validate())
}

func TestConvertYAMLAcceptsJSON(t *testing.T) {
	out, err := ConvertYAML([]byte(`{"a": [1, 2], "b": {"c": true}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[1,2],"b":{"c":true}}`, string(out))
}

func TestConvertYAMLEmpty(t *testing.T) {
	_, err := ConvertYAML([]byte(""))
	assert.ErrorIs(t, err, ErrInvalidBotConfig)
}
