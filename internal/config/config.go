// Package config loads the control plane configuration. Sources are
// layered: built-in defaults, then the YAML file named by --config, then
// AEROP_* environment variables, then explicitly set flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Store   StoreConfig   `yaml:"store"`
	NATS    NATSConfig    `yaml:"nats"`
	Cloud   CloudConfig   `yaml:"cloud"`
	Auth    AuthConfig    `yaml:"auth"`
	Tracing TracingConfig `yaml:"tracing"`
}

type ServerConfig struct {
	GRPCAddr        string        `yaml:"grpc_addr"`
	HTTPAddr        string        `yaml:"http_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Store drivers.
const (
	DriverBadger = "badger"
	DriverRedis  = "redis"
)

type StoreConfig struct {
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL         string        `yaml:"url"`
	Name        string        `yaml:"name"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// CloudConfig carries every knob the orchestrator reads. It is passed in
// explicitly; nothing reads it from process-wide state.
type CloudConfig struct {
	ComputeTopic    string `yaml:"compute_topic"`
	NetworkTopic    string `yaml:"network_topic"`
	VolumeTopic     string `yaml:"volume_topic"`
	ControllerTopic string `yaml:"controller_topic"`

	DefaultKernel       string `yaml:"default_kernel"`
	DefaultRamdisk      string `yaml:"default_ramdisk"`
	DefaultInstanceType string `yaml:"default_instance_type"`
	VPNImageID          string `yaml:"vpn_image_id"`
	VPNKeySuffix        string `yaml:"vpn_key_suffix"`

	MaxInstanceCount int    `yaml:"max_instance_count"`
	AvailabilityZone string `yaml:"availability_zone"`
	Region           string `yaml:"region"`
	RegionURL        string `yaml:"region_url"`
}

type AuthConfig struct {
	// Admins are user ids treated as administrators regardless of
	// their stored record.
	Admins []string `yaml:"admins"`
	// BootstrapAdmin, when ID is set, is created at startup if missing
	// and added to BootstrapProject.
	BootstrapAdmin   BootstrapUser `yaml:"bootstrap_admin"`
	BootstrapProject string        `yaml:"bootstrap_project"`
}

type BootstrapUser struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr:        ":50051",
			HTTPAddr:        ":8080",
			MetricsAddr:     ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Store: StoreConfig{
			Driver: DriverBadger,
			Path:   "./data/badger",
			Redis:  RedisConfig{Addr: "127.0.0.1:6379"},
		},
		NATS: NATSConfig{
			URL:         "nats://127.0.0.1:4222",
			Name:        "aerophoenix-controlplane",
			CallTimeout: 10 * time.Second,
		},
		Cloud: DefaultCloud(),
	}
}

// DefaultCloud returns the built-in orchestrator settings.
func DefaultCloud() CloudConfig {
	return CloudConfig{
		ComputeTopic:        "compute",
		NetworkTopic:        "network",
		VolumeTopic:         "volume",
		ControllerTopic:     "cloud",
		DefaultKernel:       "aki-11111",
		DefaultRamdisk:      "ari-11111",
		DefaultInstanceType: "m1.small",
		VPNImageID:          "ami-cloudpipe",
		VPNKeySuffix:        "-vpn",
		MaxInstanceCount:    64,
		AvailabilityZone:    "nova",
		Region:              "nova",
		RegionURL:           "http://127.0.0.1:8080/api",
	}
}

// Load builds the configuration from args (without the program name)
// and the process environment.
func Load(args []string) (*Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	var path string

	fs := flagSet(cfg, &path)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	// Flags bind to the current values as defaults, so only the ones
	// given on the command line change anything.
	if err := flagSet(cfg, &path).Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func flagSet(cfg *Config, path *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("aerophoenix-server", pflag.ContinueOnError)
	fs.StringVarP(path, "config", "f", *path, "path to a YAML configuration file")
	fs.StringVar(&cfg.Server.GRPCAddr, "grpc-addr", cfg.Server.GRPCAddr, "gRPC listen address")
	fs.StringVar(&cfg.Server.HTTPAddr, "http-addr", cfg.Server.HTTPAddr, "HTTP API and metadata listen address")
	fs.StringVar(&cfg.Server.MetricsAddr, "metrics-addr", cfg.Server.MetricsAddr, "Prometheus metrics listen address")
	fs.DurationVar(&cfg.Server.ShutdownTimeout, "shutdown-timeout", cfg.Server.ShutdownTimeout, "graceful shutdown bound")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Logging.Development, "log-dev", cfg.Logging.Development, "human readable development logging")
	fs.StringVar(&cfg.Store.Driver, "store", cfg.Store.Driver, "store driver (badger or redis)")
	fs.StringVar(&cfg.Store.Path, "db", cfg.Store.Path, "Badger DB path")
	fs.StringVar(&cfg.Store.Redis.Addr, "redis-addr", cfg.Store.Redis.Addr, "Redis address")
	fs.StringVar(&cfg.NATS.URL, "nats-url", cfg.NATS.URL, "NATS server URL")
	fs.DurationVar(&cfg.NATS.CallTimeout, "call-timeout", cfg.NATS.CallTimeout, "timeout of synchronous bus calls")
	fs.StringSliceVar(&cfg.Auth.Admins, "admin", cfg.Auth.Admins, "user id treated as administrator (repeatable)")
	fs.BoolVar(&cfg.Tracing.Enabled, "tracing", cfg.Tracing.Enabled, "export spans to stdout")
	return fs
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup("AEROP_" + name); ok && v != "" {
			*dst = v
		}
	}
	str("GRPC_ADDR", &c.Server.GRPCAddr)
	str("HTTP_ADDR", &c.Server.HTTPAddr)
	str("METRICS_ADDR", &c.Server.MetricsAddr)
	str("LOG_LEVEL", &c.Logging.Level)
	str("STORE", &c.Store.Driver)
	str("DB", &c.Store.Path)
	str("REDIS_ADDR", &c.Store.Redis.Addr)
	str("REDIS_PASSWORD", &c.Store.Redis.Password)
	str("NATS_URL", &c.NATS.URL)
	str("VPN_IMAGE_ID", &c.Cloud.VPNImageID)
	str("BOOTSTRAP_ADMIN", &c.Auth.BootstrapAdmin.ID)
	str("BOOTSTRAP_SECRET", &c.Auth.BootstrapAdmin.Secret)

	if v, ok := lookup("AEROP_CALL_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AEROP_CALL_TIMEOUT: %w", err)
		}
		c.NATS.CallTimeout = d
	}
	if v, ok := lookup("AEROP_REDIS_DB"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AEROP_REDIS_DB: %w", err)
		}
		c.Store.Redis.DB = n
	}
	if v, ok := lookup("AEROP_ADMINS"); ok && v != "" {
		c.Auth.Admins = strings.Split(v, ",")
	}
	if v, ok := lookup("AEROP_TRACING"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AEROP_TRACING: %w", err)
		}
		c.Tracing.Enabled = b
	}
	return nil
}

// Validate checks the values a running server depends on.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverBadger:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the badger driver")
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.NATS.CallTimeout <= 0 {
		return fmt.Errorf("nats.call_timeout must be positive")
	}
	if c.Cloud.MaxInstanceCount < 1 {
		return fmt.Errorf("cloud.max_instance_count must be at least 1")
	}
	for name, topic := range map[string]string{
		"compute_topic":    c.Cloud.ComputeTopic,
		"network_topic":    c.Cloud.NetworkTopic,
		"volume_topic":     c.Cloud.VolumeTopic,
		"controller_topic": c.Cloud.ControllerTopic,
	} {
		if topic == "" {
			return fmt.Errorf("cloud.%s is required", name)
		}
	}
	return nil
}
