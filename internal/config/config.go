package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/rtlink/internal/util"
)

// TokenEnv overrides identity.token when set.
const TokenEnv = "RTLINK_TOKEN"

type Config struct {
	Identity Identity `json:"identity"`
	Server   Server   `json:"server"`
	Bus      Bus      `json:"bus"`
	Call     Call     `json:"call"`
	RTC      RTC      `json:"rtc"`
	Viewer   Viewer   `json:"viewer"`
	Storage  Storage  `json:"storage"`
	Log      Log      `json:"log"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	// Bearer token for the server. Prefer the RTLINK_TOKEN environment
	// variable over storing it here.
	Token string `json:"token,omitempty"`
}

type Server struct {
	// Base URL of the REST API, e.g. "https://chat.example.org".
	APIURL string `json:"api_url"`
	// Websocket endpoint of the event bus. Empty derives it from api_url.
	WSURL string `json:"ws_url"`
}

type Bus struct {
	HeartBeatMs      int `json:"heartbeat_ms"`
	PingIntervalSec  int `json:"ping_interval_seconds"`
	InitialBackoffMs int `json:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms"`
}

type Call struct {
	ConnectTimeoutSec int `json:"connect_timeout_seconds"`
	ReconcileAttempts int `json:"reconcile_attempts"`
	StableWaitSec     int `json:"stable_wait_seconds"`
}

type RTC struct {
	ICEServers []string `json:"ice_servers"`
	UDPPortMin int      `json:"udp_port_min"`
	UDPPortMax int      `json:"udp_port_max"`
	// "device" captures real microphone and screen; "null" sends silent
	// placeholder tracks.
	Media string `json:"media"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Storage struct {
	Dir        string `json:"dir"`
	ChatBuffer int    `json:"chat_buffer"`
}

type Log struct {
	Level string `json:"level"`
	// Per-subsystem overrides, e.g. {"transport": "debug"}.
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

func Default() Config {
	return Config{
		Server: Server{
			APIURL: "http://localhost:8080",
		},
		Bus: Bus{
			HeartBeatMs:      10000,
			PingIntervalSec:  20,
			InitialBackoffMs: 1000,
			MaxBackoffMs:     30000,
		},
		Call: Call{
			ConnectTimeoutSec: 30,
			ReconcileAttempts: 5,
			StableWaitSec:     5,
		},
		RTC: RTC{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
			Media:      "device",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Storage: Storage{
			Dir:        "data",
			ChatBuffer: 100,
		},
		Log: Log{
			Level: "info",
		},
	}
}

var logLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
	"dpanic": true, "panic": true, "fatal": true,
}

func (c *Config) Validate() error {
	// Server
	if err := validateURL(c.Server.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("server.api_url: %w", err)
	}
	if ws := strings.TrimSpace(c.Server.WSURL); ws != "" {
		if err := validateURL(ws, "ws", "wss"); err != nil {
			return fmt.Errorf("server.ws_url: %w", err)
		}
	}

	// Bus
	if c.Bus.HeartBeatMs < 0 {
		return errors.New("bus.heartbeat_ms must be >= 0")
	}
	if c.Bus.InitialBackoffMs <= 0 {
		return errors.New("bus.initial_backoff_ms must be > 0")
	}
	if c.Bus.MaxBackoffMs < c.Bus.InitialBackoffMs {
		return errors.New("bus.max_backoff_ms must be >= bus.initial_backoff_ms")
	}

	// Call
	if c.Call.ConnectTimeoutSec <= 0 {
		return errors.New("call.connect_timeout_seconds must be > 0")
	}
	if c.Call.ReconcileAttempts < 1 || c.Call.ReconcileAttempts > 20 {
		return errors.New("call.reconcile_attempts must be 1..20")
	}
	if c.Call.StableWaitSec <= 0 {
		return errors.New("call.stable_wait_seconds must be > 0")
	}

	// RTC
	if c.RTC.UDPPortMin < 0 || c.RTC.UDPPortMax > 65535 || c.RTC.UDPPortMin > c.RTC.UDPPortMax {
		return errors.New("rtc.udp_port_min..udp_port_max must be a valid port range")
	}
	if (c.RTC.UDPPortMin == 0) != (c.RTC.UDPPortMax == 0) {
		return errors.New("rtc.udp_port_min and rtc.udp_port_max must be set together")
	}
	switch c.RTC.Media {
	case "device", "null":
	default:
		return errors.New(`rtc.media must be "device" or "null"`)
	}
	for _, s := range c.RTC.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("rtc.ice_servers: %q is not a stun/turn url", s)
		}
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Storage
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return errors.New("storage.dir is required")
	}
	if c.Storage.ChatBuffer <= 0 {
		return errors.New("storage.chat_buffer must be > 0")
	}

	// Log
	if !logLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	for sys, lvl := range c.Log.Subsystems {
		if !logLevels[strings.ToLower(lvl)] {
			return fmt.Errorf("log.subsystems.%s: unknown level %q", sys, lvl)
		}
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

// BusURL is the websocket endpoint, derived from the API URL when not set.
func (c Config) BusURL() string {
	if ws := strings.TrimSpace(c.Server.WSURL); ws != "" {
		return ws
	}
	api := util.NormalizeURL(c.Server.APIURL)
	switch {
	case strings.HasPrefix(api, "https://"):
		return "wss://" + strings.TrimPrefix(api, "https://") + "/ws"
	default:
		return "ws://" + strings.TrimPrefix(api, "http://") + "/ws"
	}
}

// BearerToken returns the token from the environment, falling back to the
// config file.
func (c Config) BearerToken() string {
	if t := strings.TrimSpace(os.Getenv(TokenEnv)); t != "" {
		return t
	}
	return strings.TrimSpace(c.Identity.Token)
}

// Ready reports what is still missing before the daemon can log in.
func (c Config) Ready() error {
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if c.BearerToken() == "" {
		return fmt.Errorf("no token: set identity.token or %s", TokenEnv)
	}
	return nil
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Call.ConnectTimeoutSec) * time.Second
}

func (c Config) StableWait() time.Duration {
	return time.Duration(c.Call.StableWaitSec) * time.Second
}

func Load(path string) (Config, error) {
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
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
