package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 6*time.Second, cfg.Call.OfferTTL())
	assert.Equal(t, 12, cfg.Feed.Limit)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"empty name":     func(c *Config) { c.Profile.Name = " " },
		"bad hub scheme": func(c *Config) { c.Hub.URL = "ftp://hub" },
		"no app key":     func(c *Config) { c.Hub.AppKey = "" },
		"bad addr":       func(c *Config) { c.Server.Addr = "nope" },
		"media mode":     func(c *Config) { c.Media.Mode = "video" },
		"ice server":     func(c *Config) { c.Media.ICEServers = []string{"http://x"} },
		"offer ttl":      func(c *Config) { c.Call.OfferTTLSec = 0 },
		"feed limit":     func(c *Config) { c.Feed.Limit = 0 },
		"log level":      func(c *Config) { c.Log.Level = "loud" },
		"bucket region": func(c *Config) {
			c.Storage.Bucket = "images"
			c.Storage.Region = ""
		},
		"viewer addr": func(c *Config) { c.Viewer.HTTPAddr = "example.com:80" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", FileName)

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default().Hub, cfg.Hub)

	cfg.Profile.Name = "Ann"
	require.NoError(t, Save(path, cfg))

	again, created, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Ann", again.Profile.Name)
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"profile":{"name":"Bob"}}`)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Bob", cfg.Profile.Name)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestLoadValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"media":{"mode":"loud"}}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)

	cfg, err := LoadPartial(path)
	require.NoError(t, err)
	assert.Equal(t, "loud", cfg.Media.Mode)
}
