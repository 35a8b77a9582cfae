package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(viper.New(), "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.ListenAddr != ":8080" {
		t.Errorf("expected listen addr :8080, got %q", c.ListenAddr)
	}
	if c.MatchThreshold != 0.2 {
		t.Errorf("expected threshold 0.2, got %v", c.MatchThreshold)
	}
	if c.LookupTimeout != 5*time.Second {
		t.Errorf("expected lookup timeout 5s, got %s", c.LookupTimeout)
	}
	if c.HeartbeatInterval != 30*time.Second || c.HeartbeatTimeout != 10*time.Second {
		t.Errorf("unexpected heartbeat %s/%s", c.HeartbeatInterval, c.HeartbeatTimeout)
	}
	if c.DatabaseURL != "" {
		t.Errorf("expected no database by default, got %q", c.DatabaseURL)
	}
	if c.ServerName == "" {
		t.Error("expected a server name")
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("WORKER_POOL_SIZE", "32")
	t.Setenv("READ_TIMEOUT", "3s")
	t.Setenv("LOOKUP_TIMEOUT", "750ms")
	t.Setenv("REDIS_ADDR", "")

	c, err := Load(viper.New(), "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.ListenAddr != ":9090" || c.WorkerPoolSize != 32 {
		t.Errorf("unexpected server settings %q/%d", c.ListenAddr, c.WorkerPoolSize)
	}
	if c.ReadTimeout != 3*time.Second || c.LookupTimeout != 750*time.Millisecond {
		t.Errorf("unexpected durations %s/%s", c.ReadTimeout, c.LookupTimeout)
	}
	if c.RedisAddr != "" {
		t.Errorf("expected empty REDIS_ADDR to disable redis, got %q", c.RedisAddr)
	}
}

func TestLoad_FileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nearchat.yaml")
	yaml := strings.Join([]string{
		"listen_addr: \":7000\"",
		"max_connections: 500",
		"server_name: ws-test",
		"geo_cache_ttl: 1h",
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("listen-addr", ":8080", "")
	fs.String("unrelated", "", "")
	if err := fs.Parse([]string{"--listen-addr", ":7001"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	c, err := Load(viper.New(), path, fs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.ListenAddr != ":7001" {
		t.Errorf("expected flag to win, got %q", c.ListenAddr)
	}
	if c.MaxConnections != 500 || c.ServerName != "ws-test" || c.GeoCacheTTL != time.Hour {
		t.Errorf("unexpected file settings %+v", c)
	}
	if sc := c.ServerConfig(); sc.ListenAddr != ":7001" || sc.MaxConnections != 500 {
		t.Errorf("unexpected server config %+v", sc)
	}
	if nc := c.NATSConfig("wsserver"); nc.Name != "wsserver-ws-test" {
		t.Errorf("unexpected nats client name %q", nc.Name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("MATCH_THRESHOLD", "1.5")
	t.Setenv("WORKER_POOL_SIZE", "0")
	t.Setenv("MAX_FRAME_BYTES", "1024")

	_, err := Load(viper.New(), "", nil)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"match_threshold", "worker_pool_size", "max_frame_bytes"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in error, got %v", want, err)
		}
	}
}
