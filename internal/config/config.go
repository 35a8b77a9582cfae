// Package config loads service settings from defaults, an optional YAML file,
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/whisper/nearchat/internal/chat"
	"github.com/whisper/nearchat/internal/location"
	"github.com/whisper/nearchat/internal/matching"
	"github.com/whisper/nearchat/internal/messaging"
	"github.com/whisper/nearchat/internal/relay"
	"github.com/whisper/nearchat/internal/ws"
)

// Config holds every setting used by the nearchat binaries. Keys double as
// upper-cased environment variable names (listen_addr -> LISTEN_ADDR).
type Config struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	WorkerPoolSize    int           `mapstructure:"worker_pool_size"`
	MaxConnections    int           `mapstructure:"max_connections"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	SendQueueSize     int           `mapstructure:"send_queue_size"`
	MaxFrameBytes     int64         `mapstructure:"max_frame_bytes"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`

	ServerName  string `mapstructure:"server_name"`
	RedisAddr   string `mapstructure:"redis_addr"`
	NATSURL     string `mapstructure:"nats_url"`
	DatabaseURL string `mapstructure:"database_url"`

	MatchThreshold    float64       `mapstructure:"match_threshold"`
	EventBuffer       int           `mapstructure:"event_buffer"`
	ReverseGeocodeURL string        `mapstructure:"reverse_geocode_url"`
	IPLookupURL       string        `mapstructure:"ip_lookup_url"`
	LookupTimeout     time.Duration `mapstructure:"lookup_timeout"`
	GeoCacheTTL       time.Duration `mapstructure:"geo_cache_ttl"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	sc := ws.DefaultServerConfig()
	v.SetDefault("listen_addr", sc.ListenAddr)
	v.SetDefault("worker_pool_size", sc.WorkerPoolSize)
	v.SetDefault("max_connections", sc.MaxConnections)
	v.SetDefault("read_timeout", sc.ReadTimeout)
	v.SetDefault("write_timeout", sc.WriteTimeout)
	v.SetDefault("send_queue_size", sc.SendQueueSize)
	v.SetDefault("max_frame_bytes", sc.MaxFrameBytes)
	v.SetDefault("heartbeat_interval", sc.Heartbeat.Interval)
	v.SetDefault("heartbeat_timeout", sc.Heartbeat.Timeout)

	v.SetDefault("server_name", defaultServerName())
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("nats_url", messaging.DefaultNATSConfig().URL)
	v.SetDefault("database_url", "")

	v.SetDefault("match_threshold", matching.DefaultThreshold)
	v.SetDefault("event_buffer", 4096)
	v.SetDefault("reverse_geocode_url", location.DefaultReverseGeocodeURL)
	v.SetDefault("ip_lookup_url", location.DefaultIPLookupURL)
	v.SetDefault("lookup_timeout", relay.DefaultLookupTimeout)
	v.SetDefault("geo_cache_ttl", location.DefaultCacheTTL)
}

// Load builds a Config from v. Flags in fs (may be nil) whose name, with
// dashes turned into underscores, matches a key override every other source
// when set. When file is non-empty it is read as YAML; a missing file is an
// error.
func Load(v *viper.Viper, file string, fs *pflag.FlagSet) (Config, error) {
	SetDefaults(v)
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return Config{}, err
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("worker_pool_size must be positive, got %d", c.WorkerPoolSize))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval))
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("match_threshold must be in (0, 1], got %v", c.MatchThreshold))
	}
	if c.MaxFrameBytes < chat.MaxFrameBytes {
		errs = append(errs, fmt.Errorf("max_frame_bytes must be at least %d to carry a full chat message, got %d", chat.MaxFrameBytes, c.MaxFrameBytes))
	}
	if c.LookupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("lookup_timeout must be positive, got %s", c.LookupTimeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ServerConfig returns the WebSocket server settings.
func (c Config) ServerConfig() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:     c.ListenAddr,
		WorkerPoolSize: c.WorkerPoolSize,
		MaxConnections: c.MaxConnections,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		SendQueueSize:  c.SendQueueSize,
		MaxFrameBytes:  c.MaxFrameBytes,
		Heartbeat: ws.HeartbeatConfig{
			Interval: c.HeartbeatInterval,
			Timeout:  c.HeartbeatTimeout,
		},
	}
}

// NATSConfig returns the NATS client settings, named after the binary.
func (c Config) NATSConfig(name string) messaging.NATSConfig {
	nc := messaging.DefaultNATSConfig()
	nc.URL = c.NATSURL
	nc.Name = name + "-" + c.ServerName
	return nc
}

func defaultServerName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "ws-1"
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	keys := make(map[string]bool)
	for _, k := range v.AllKeys() {
		keys[k] = true
	}

	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !keys[key] {
			return
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = fmt.Errorf("config: bind flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}
