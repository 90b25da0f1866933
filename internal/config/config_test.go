package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtlink.json")
	cfg, created, err := Ensure(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, created, test.ShouldBeTrue)
	test.That(t, cfg, test.ShouldResemble, Default())

	_, created, err = Ensure(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, created, test.ShouldBeFalse)
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtlink.json")
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"alice"},"call":{"connect_timeout_seconds":10}}`)...)
	test.That(t, os.WriteFile(path, data, 0o644), test.ShouldBeNil)

	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Identity.UserID, test.ShouldEqual, "alice")
	test.That(t, cfg.ConnectTimeout(), test.ShouldEqual, 10*time.Second)
	test.That(t, cfg.Call.ReconcileAttempts, test.ShouldEqual, 5)
	test.That(t, cfg.Bus.HeartBeatMs, test.ShouldEqual, 10000)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"api url scheme":  func(c *Config) { c.Server.APIURL = "ftp://x" },
		"ws url scheme":   func(c *Config) { c.Server.WSURL = "http://x/ws" },
		"backoff order":   func(c *Config) { c.Bus.MaxBackoffMs = 10 },
		"timeout":         func(c *Config) { c.Call.ConnectTimeoutSec = 0 },
		"attempts":        func(c *Config) { c.Call.ReconcileAttempts = 0 },
		"port range":      func(c *Config) { c.RTC.UDPPortMin = 5000 },
		"media":           func(c *Config) { c.RTC.Media = "webcam" },
		"ice server":      func(c *Config) { c.RTC.ICEServers = []string{"example.org"} },
		"http addr":       func(c *Config) { c.Viewer.HTTPAddr = "nope" },
		"log level":       func(c *Config) { c.Log.Level = "loud" },
		"subsystem level": func(c *Config) { c.Log.Subsystems = map[string]string{"bus": "x"} },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			test.That(t, cfg.Validate(), test.ShouldNotBeNil)
		})
	}
	cfg := Default()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
}

func TestBusURL(t *testing.T) {
	cfg := Default()
	cfg.Server.APIURL = "https://chat.example.org/"
	test.That(t, cfg.BusURL(), test.ShouldEqual, "wss://chat.example.org/ws")
	cfg.Server.APIURL = "http://localhost:8080"
	test.That(t, cfg.BusURL(), test.ShouldEqual, "ws://localhost:8080/ws")
	cfg.Server.WSURL = "ws://other/stomp"
	test.That(t, cfg.BusURL(), test.ShouldEqual, "ws://other/stomp")
}

func TestReadyAndToken(t *testing.T) {
	t.Setenv(TokenEnv, "")
	cfg := Default()
	test.That(t, cfg.Ready(), test.ShouldNotBeNil)
	cfg.Identity.UserID = "alice"
	test.That(t, cfg.Ready(), test.ShouldNotBeNil)
	cfg.Identity.Token = "file-token"
	test.That(t, cfg.Ready(), test.ShouldBeNil)
	test.That(t, cfg.BearerToken(), test.ShouldEqual, "file-token")

	t.Setenv(TokenEnv, "env-token")
	test.That(t, cfg.BearerToken(), test.ShouldEqual, "env-token")
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtlink.json")
	_, _, err := Ensure(path)
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	cfg := Default()
	cfg.Log.Level = "debug"
	test.That(t, Save(path, cfg), test.ShouldBeNil)

	select {
	case c := <-got:
		test.That(t, c.Log.Level, test.ShouldEqual, "debug")
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}
	cancel()
	test.That(t, <-done, test.ShouldBeNil)
}
