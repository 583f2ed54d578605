package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"tls pair", func(c *Config) { c.tlsCert, c.tlsKey = "cert.pem", "key.pem" }, true},
		{"tls cert alone", func(c *Config) { c.tlsCert = "cert.pem" }, false},
		{"tls key alone", func(c *Config) { c.tlsKey = "key.pem" }, false},
		{"port zero", func(c *Config) { c.port = 0 }, false},
		{"port too high", func(c *Config) { c.port = 65536 }, false},
		{"no catalog", func(c *Config) { c.catalog = "" }, false},
		{"zero guess time", func(c *Config) { c.guessTime = 0 }, false},
		{"zero fraction", func(c *Config) { c.revealFraction = 0 }, false},
		{"whole cover", func(c *Config) { c.revealFraction = 1 }, true},
		{"fraction over one", func(c *Config) { c.revealFraction = 1.5 }, false},
		{"zero fetch timeout", func(c *Config) { c.fetchTimeout = 0 }, false},
		{"negative max size", func(c *Config) { c.maxImageSize = -1 }, false},
		{"zero max pixels", func(c *Config) { c.maxImagePixels = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)

			err := cfg.validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestConfigScheme(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "http", cfg.scheme())

	cfg.tlsCert, cfg.tlsKey = "cert.pem", "key.pem"
	assert.Equal(t, "https", cfg.scheme())
}

func TestFlagsFromEnvironment(t *testing.T) {
	t.Setenv("COVERBOX_GUESS_TIME", "45s")
	t.Setenv("COVERBOX_REVEAL_FRACTION", "0.25")
	t.Setenv("COVERBOX_PORT", "9090")

	cfg := &Config{}
	cmd := newCmd(cfg)
	require.NotNil(t, cmd)

	assert.Equal(t, 45*time.Second, cfg.guessTime)
	assert.InDelta(t, 0.25, cfg.revealFraction, 1e-9)
	assert.Equal(t, 9090, cfg.port)
	assert.Equal(t, "full_song_data.json", cfg.catalog)
	assert.Equal(t, int64(8<<20), cfg.maxImageSize)
	assert.Equal(t, int64(40_000_000), cfg.maxImagePixels)
}
