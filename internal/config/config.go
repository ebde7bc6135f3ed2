package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/huddle/internal/util"
)

// FileName is the config file inside a client or hub directory.
const FileName = "huddle.json"

type Config struct {
	Profile Profile `json:"profile"`
	Hub     Hub     `json:"hub"`
	Server  Server  `json:"server"`
	Storage Storage `json:"storage"`
	Media   Media   `json:"media"`
	Call    Call    `json:"call"`
	Feed    Feed    `json:"feed"`
	Viewer  Viewer  `json:"viewer"`
	Log     Log     `json:"log"`
}

// Profile is how the local user appears to others. Name and photo changes
// are picked up while the client runs.
type Profile struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	PhotoURL string `json:"photo_url"`
}

// Hub is the service a client connects to.
type Hub struct {
	URL string `json:"url"`
	// Shared application key; the broker rejects peers without it.
	AppKey string `json:"app_key"`
}

// Server configures `huddle serve`.
type Server struct {
	Addr   string `json:"addr"`
	DBPath string `json:"db_path"` // relative to the hub directory

	TokenTTLHours int `json:"token_ttl_hours"`

	// Per-connection store write limit (writes/second, burst).
	WriteRate  float64 `json:"write_rate"`
	WriteBurst int     `json:"write_burst"`
}

// Storage is the S3-compatible bucket for shared images. Credentials come
// from HUDDLE_S3_ACCESS_KEY / HUDDLE_S3_SECRET_KEY. An empty bucket disables
// uploads.
type Storage struct {
	Endpoint   string `json:"endpoint"`
	Region     string `json:"region"`
	Bucket     string `json:"bucket"`
	ExpiresSec int    `json:"expires_seconds"`
}

type Media struct {
	Mode       string   `json:"mode"` // auto, microphone, silence
	ICEServers []string `json:"ice_servers"`
}

type Call struct {
	OfferTTLSec int `json:"offer_ttl_seconds"`
	TimeoutSec  int `json:"timeout_seconds"`
	// When set, remote audio of every call is written here as WebM.
	RecordDir string `json:"record_dir"`
}

type Feed struct {
	Limit int `json:"limit"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level string `json:"level"`
}

func (c Call) OfferTTL() time.Duration { return time.Duration(c.OfferTTLSec) * time.Second }
func (c Call) Timeout() time.Duration  { return time.Duration(c.TimeoutSec) * time.Second }

func (s Server) TokenTTL() time.Duration { return time.Duration(s.TokenTTLHours) * time.Hour }

func (s Storage) Expires() time.Duration { return time.Duration(s.ExpiresSec) * time.Second }

func Default() Config {
	return Config{
		Profile: Profile{
			Name: "hello",
		},
		Hub: Hub{
			URL:    "http://127.0.0.1:8787",
			AppKey: "huddle",
		},
		Server: Server{
			Addr:          "127.0.0.1:8787",
			DBPath:        "data/huddle.db",
			TokenTTLHours: 24,
			WriteRate:     10,
			WriteBurst:    20,
		},
		Storage: Storage{
			Region:     "us-east-1",
			ExpiresSec: 900,
		},
		Media: Media{
			Mode: "auto",
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
			},
		},
		Call: Call{
			OfferTTLSec: 6,
			TimeoutSec:  30,
		},
		Feed: Feed{
			Limit: 12,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Profile
	if strings.TrimSpace(c.Profile.Name) == "" {
		return errors.New("profile.name is required")
	}
	if u := strings.TrimSpace(c.Profile.PhotoURL); u != "" {
		if err := validateURL(u); err != nil {
			return fmt.Errorf("profile.photo_url: %w", err)
		}
	}

	// Hub
	if err := validateURL(strings.TrimSpace(c.Hub.URL)); err != nil {
		return fmt.Errorf("hub.url: %w", err)
	}
	if strings.TrimSpace(c.Hub.AppKey) == "" {
		return errors.New("hub.app_key is required")
	}

	// Server
	if err := validateAddr(c.Server.Addr); err != nil {
		return fmt.Errorf("server.addr: %w", err)
	}
	if strings.TrimSpace(c.Server.DBPath) == "" {
		return errors.New("server.db_path is required")
	}
	if c.Server.TokenTTLHours < 1 {
		return errors.New("server.token_ttl_hours must be >= 1")
	}
	if c.Server.WriteRate <= 0 {
		return errors.New("server.write_rate must be > 0")
	}
	if c.Server.WriteBurst < 1 {
		return errors.New("server.write_burst must be >= 1")
	}

	// Storage
	if c.Storage.Bucket != "" {
		if strings.TrimSpace(c.Storage.Region) == "" {
			return errors.New("storage.region is required when storage.bucket is set")
		}
		if c.Storage.Endpoint != "" {
			if err := validateURL(c.Storage.Endpoint); err != nil {
				return fmt.Errorf("storage.endpoint: %w", err)
			}
		}
		if c.Storage.ExpiresSec < 1 || c.Storage.ExpiresSec > 7*24*3600 {
			return errors.New("storage.expires_seconds must be 1..604800")
		}
	}

	// Media
	switch c.Media.Mode {
	case "auto", "microphone", "silence":
	default:
		return fmt.Errorf("media.mode %q must be auto, microphone or silence", c.Media.Mode)
	}
	for _, s := range c.Media.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("media.ice_servers: %q is not a stun/turn url", s)
		}
	}

	// Call
	if c.Call.OfferTTLSec < 1 || c.Call.OfferTTLSec > 120 {
		return errors.New("call.offer_ttl_seconds must be 1..120")
	}
	if c.Call.TimeoutSec < 1 {
		return errors.New("call.timeout_seconds must be >= 1")
	}

	// Feed
	if c.Feed.Limit < 1 || c.Feed.Limit > 500 {
		return errors.New("feed.limit must be 1..500")
	}

	// Viewer
	if c.Viewer.HTTPAddr != "" {
		if err := validateAddr(c.Viewer.HTTPAddr); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if host := u.Hostname(); host == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	if p := u.Port(); p != "" {
		if err := validatePort(p); err != nil {
			return err
		}
	}
	return nil
}

func validateAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host != "" && host != "localhost" && net.ParseIP(host) == nil {
		return errors.New("host must be an IP address or localhost")
	}
	return validatePort(port)
}

func validatePort(p string) error {
	n, err := strconv.Atoi(p)
	if err != nil || n < 0 || n > 65535 {
		return errors.New("invalid port")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
