package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// AppConfig holds the daemon configuration parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	Log       LogConfig       `koanf:"log" validate:"required"`
	Server    ServerConfig    `koanf:"server" validate:"required"`
	Blacklist BlacklistConfig `koanf:"blacklist" validate:"required"`
	Policy    PolicyConfig    `koanf:"policy"`
	Executor  ExecutorConfig  `koanf:"executor" validate:"required"`
}

type LogConfig struct {
	// Level controls log verbosity: "debug", "info", "warn", or "error".
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
}

// ServerConfig describes the request/response socket and the HTTP listener
// serving change notifications and metrics.
type ServerConfig struct {
	// Network is "tcp" or "unix". For unix, Address is a socket path.
	Network string `koanf:"network" validate:"required,oneof=tcp unix"`
	Address string `koanf:"address" validate:"required"`

	HTTPAddress string `koanf:"http_address" validate:"required,host_port"`

	// NotifyURL is advertised to mirrors in snapshot replies. When empty it is
	// derived from HTTPAddress.
	NotifyURL string `koanf:"notify_url" validate:"omitempty,url"`

	// MaxConnections caps concurrent socket clients. Zero means unlimited.
	MaxConnections int `koanf:"max_connections" validate:"gte=0"`
}

type BlacklistConfig struct {
	DefaultTTL time.Duration `koanf:"default_ttl" validate:"gt=0"`

	// DB is the bbolt file holding snapshots. Empty disables persistence.
	DB string `koanf:"db"`

	// Names are opened at startup in addition to the ones found in DB.
	Names []string `koanf:"names" validate:"dive,required"`

	// CacheSize is the number of encoded snapshots kept in memory.
	CacheSize int `koanf:"cache_size" validate:"gte=0"`
}

type PolicyConfig struct {
	Enabled bool   `koanf:"enabled"`
	File    string `koanf:"file" validate:"required_if=Enabled true"`
}

type ExecutorConfig struct {
	Workers int `koanf:"workers" validate:"gte=1"`
	Queue   int `koanf:"queue" validate:"gte=1"`
}

// DEFAULT_APP_CONFIG defines the defaults applied before environment overrides.
var DEFAULT_APP_CONFIG = AppConfig{
	Env: "prod",
	Log: LogConfig{Level: "info"},
	Server: ServerConfig{
		Network:     "tcp",
		Address:     "127.0.0.1:7400",
		HTTPAddress: "127.0.0.1:7401",
	},
	Blacklist: BlacklistConfig{
		DefaultTTL: time.Hour,
		DB:         "/var/lib/rr-blacklist/blacklist.db",
		Names:      []string{"default"},
		CacheSize:  64,
	},
	Policy: PolicyConfig{
		Enabled: false,
		File:    "/etc/rr-blacklist/policy.yaml",
	},
	Executor: ExecutorConfig{Workers: 4, Queue: 1024},
}

// envKeys maps environment variable names (without prefix) to config keys.
// Variables not listed here are ignored.
var envKeys = map[string]string{
	"ENV":                    "env",
	"LOG_LEVEL":              "log.level",
	"SERVER_NETWORK":         "server.network",
	"SERVER_ADDRESS":         "server.address",
	"SERVER_HTTP_ADDRESS":    "server.http_address",
	"SERVER_NOTIFY_URL":      "server.notify_url",
	"SERVER_MAX_CONNECTIONS": "server.max_connections",
	"DEFAULT_TTL":            "blacklist.default_ttl",
	"DB":                     "blacklist.db",
	"NAMES":                  "blacklist.names",
	"CACHE_SIZE":             "blacklist.cache_size",
	"POLICY":                 "policy.file",
	"POLICY_ENABLED":         "policy.enabled",
	"WORKERS":                "executor.workers",
	"QUEUE":                  "executor.queue",
}

// listKeys are split on spaces and commas.
var listKeys = map[string]bool{
	"blacklist.names": true,
}

// validHostPort accepts "host:port" and ":port" with a numeric port.
func validHostPort(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || port == "" {
		return false
	}
	n, err := strconv.ParseUint(port, 10, 16)
	return err == nil && n > 0
}

// validServer requires a host:port address for the tcp network.
func validServer(sl validator.StructLevel) {
	s := sl.Current().Interface().(ServerConfig)
	if s.Network != "tcp" {
		return
	}
	if _, port, err := net.SplitHostPort(s.Address); err != nil || port == "" {
		sl.ReportError(s.Address, "Address", "address", "host_port", "")
	}
}

// envLoader loads variables prefixed with "BLACKLIST_" through envKeys.
// It is a variable so tests can replace it.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "BLACKLIST_",
		TransformFunc: func(key, value string) (string, any) {
			mapped, ok := envKeys[strings.TrimPrefix(key, "BLACKLIST_")]
			if !ok {
				return "", nil
			}
			value = strings.TrimSpace(value)
			if listKeys[mapped] {
				return mapped, strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
			}
			return mapped, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers the "host_port" tag and the server struct rule.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("host_port", validHostPort); err != nil {
		return err
	}
	v.RegisterStructValidation(validServer, ServerConfig{})
	return nil
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
