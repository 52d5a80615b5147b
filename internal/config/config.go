// Package config loads gateway configuration from YAML files and
// I3_-prefixed environment variables via viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the gateway.
type Config struct {
	Mud     MudConfig     `mapstructure:"mud"`
	Router  RouterConfig  `mapstructure:"router"`
	API     APIConfig     `mapstructure:"api"`
	Queue   QueueConfig   `mapstructure:"queue"`
	State   StateConfig   `mapstructure:"state"`
	Events  EventsConfig  `mapstructure:"events"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// MudConfig identifies this mud to the intermud network.
type MudConfig struct {
	Name       string         `mapstructure:"name"`
	PlayerPort int            `mapstructure:"player_port"`
	TCPPort    int            `mapstructure:"tcp_port"`
	UDPPort    int            `mapstructure:"udp_port"`
	Mudlib     string         `mapstructure:"mudlib"`
	BaseMudlib string         `mapstructure:"base_mudlib"`
	Driver     string         `mapstructure:"driver"`
	MudType    string         `mapstructure:"mud_type"`
	OpenStatus string         `mapstructure:"open_status"`
	AdminEmail string         `mapstructure:"admin_email"`
	Services   map[string]int `mapstructure:"services"`

	// HideIP elides user IP addresses from finger replies.
	HideIP bool `mapstructure:"hide_ip"`
}

// RouterEndpoint is one router in the failover rotation.
type RouterEndpoint struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
}

// RouterConfig controls the upstream router connection.
type RouterConfig struct {
	Routers           []RouterEndpoint `mapstructure:"routers"`
	KeepaliveInterval time.Duration    `mapstructure:"keepalive_interval"`
	ConnectionTimeout time.Duration    `mapstructure:"connection_timeout"`
	DialTimeout       time.Duration    `mapstructure:"dial_timeout"`
	BackoffBase       time.Duration    `mapstructure:"backoff_base"`
	BackoffCap        time.Duration    `mapstructure:"backoff_cap"`
	MaxFrameSize      int              `mapstructure:"max_frame_size"`
}

// APIKey is one client credential. Hash is the hex SHA-256 of salt+key;
// Key is a plaintext alternative for development setups.
type APIKey struct {
	ID           string   `mapstructure:"id"`
	MudName      string   `mapstructure:"mud_name"`
	Key          string   `mapstructure:"key"`
	Hash         string   `mapstructure:"hash"`
	Salt         string   `mapstructure:"salt"`
	Capabilities []string `mapstructure:"capabilities"`
}

// APIConfig controls the client-facing WebSocket and TCP listeners.
type APIConfig struct {
	WSAddr         string             `mapstructure:"ws_addr"`
	WSPath         string             `mapstructure:"ws_path"`
	TCPAddr        string             `mapstructure:"tcp_addr"`
	Keys           []APIKey           `mapstructure:"keys"`
	AllowedIPs     []string           `mapstructure:"allowed_ips"`
	MaxSessions    int                `mapstructure:"max_sessions"`
	SessionTimeout time.Duration      `mapstructure:"session_timeout"`
	WriteTimeout   time.Duration      `mapstructure:"write_timeout"`
	PingInterval   time.Duration      `mapstructure:"ping_interval"`
	MaxMessageSize int64              `mapstructure:"max_message_size"`
	RatePerSecond  float64            `mapstructure:"rate_per_second"`
	RateBurst      int                `mapstructure:"rate_burst"`
	MethodRates    map[string]float64 `mapstructure:"method_rates"`
}

// QueueConfig sizes the per-session outbound priority queues.
type QueueConfig struct {
	Capacity   int           `mapstructure:"capacity"`
	MessageTTL time.Duration `mapstructure:"message_ttl"`
	SweepEvery time.Duration `mapstructure:"sweep_every"`
}

// StateConfig controls persistence of mudlist/chanlist snapshots.
type StateConfig struct {
	Dir             string        `mapstructure:"dir"`
	PersistInterval time.Duration `mapstructure:"persist_interval"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	HistorySize     int           `mapstructure:"history_size"`
}

// EventsConfig controls the optional NATS event mirror.
type EventsConfig struct {
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// MetricsConfig controls the Prometheus/diagnostics listener.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zerolog level and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration from an optional YAML file and the
// environment. Path may be empty, in which case only search paths and
// env vars apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config read: %w", err)
		}
	} else {
		v.SetConfigName("i3gateway")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/i3gateway")
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("I3")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mud.name", "")
	v.SetDefault("mud.player_port", 4000)
	v.SetDefault("mud.tcp_port", 0)
	v.SetDefault("mud.udp_port", 0)
	v.SetDefault("mud.mudlib", "i3gateway")
	v.SetDefault("mud.base_mudlib", "i3gateway")
	v.SetDefault("mud.driver", "i3gateway")
	v.SetDefault("mud.mud_type", "Other")
	v.SetDefault("mud.open_status", "open for public")
	v.SetDefault("mud.hide_ip", true)
	v.SetDefault("mud.services", map[string]int{
		"tell": 1, "emoteto": 1, "channel": 1,
		"who": 1, "finger": 1, "locate": 1,
	})

	v.SetDefault("router.routers", []map[string]string{
		{"name": "*i3", "address": "204.209.44.3:8080"},
	})
	v.SetDefault("router.keepalive_interval", 60*time.Second)
	v.SetDefault("router.connection_timeout", 300*time.Second)
	v.SetDefault("router.dial_timeout", 10*time.Second)
	v.SetDefault("router.backoff_base", time.Second)
	v.SetDefault("router.backoff_cap", 60*time.Second)
	v.SetDefault("router.max_frame_size", 64<<10)

	v.SetDefault("api.ws_addr", ":8080")
	v.SetDefault("api.ws_path", "/ws")
	v.SetDefault("api.tcp_addr", ":8081")
	v.SetDefault("api.max_sessions", 1000)
	v.SetDefault("api.session_timeout", 5*time.Minute)
	v.SetDefault("api.write_timeout", 10*time.Second)
	v.SetDefault("api.ping_interval", 54*time.Second)
	v.SetDefault("api.max_message_size", int64(64<<10))
	v.SetDefault("api.rate_per_second", 10.0)
	v.SetDefault("api.rate_burst", 20)

	v.SetDefault("queue.capacity", 1000)
	v.SetDefault("queue.message_ttl", 5*time.Minute)
	v.SetDefault("queue.sweep_every", 30*time.Second)

	v.SetDefault("state.dir", "./data")
	v.SetDefault("state.persist_interval", 5*time.Minute)
	v.SetDefault("state.cache_ttl", 60*time.Second)
	v.SetDefault("state.history_size", 100)

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "i3.events")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

func (c *Config) validate() error {
	if c.Mud.Name == "" {
		return fmt.Errorf("config: mud.name is required")
	}
	if len(c.Router.Routers) == 0 {
		return fmt.Errorf("config: at least one router endpoint is required")
	}
	for i, r := range c.Router.Routers {
		if r.Address == "" {
			return fmt.Errorf("config: router %d has no address", i)
		}
	}
	for i, k := range c.API.Keys {
		if k.ID == "" {
			return fmt.Errorf("config: api key %d has no id", i)
		}
		if k.Key == "" && k.Hash == "" {
			return fmt.Errorf("config: api key %q needs key or hash", k.ID)
		}
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("config: queue.capacity must be positive")
	}
	return nil
}
