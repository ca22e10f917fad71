package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         string        `yaml:"port" env:"UMLSYNC_SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"UMLSYNC_SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"UMLSYNC_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"UMLSYNC_SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"UMLSYNC_SERVER_IDLE_TIMEOUT"`
}

// WebSocketConfig holds collaboration transport knobs.
type WebSocketConfig struct {
	PingInterval       time.Duration `yaml:"ping_interval" env:"UMLSYNC_WS_PING_INTERVAL"`
	PongWait           time.Duration `yaml:"pong_wait" env:"UMLSYNC_WS_PONG_WAIT"`
	WriteWait          time.Duration `yaml:"write_wait" env:"UMLSYNC_WS_WRITE_WAIT"`
	ReadLimit          int64         `yaml:"read_limit" env:"UMLSYNC_WS_READ_LIMIT"`
	SendBufferSize     int           `yaml:"send_buffer_size" env:"UMLSYNC_WS_SEND_BUFFER_SIZE"`
	InboundRate        float64       `yaml:"inbound_rate" env:"UMLSYNC_WS_INBOUND_RATE"`
	InboundBurst       int           `yaml:"inbound_burst" env:"UMLSYNC_WS_INBOUND_BURST"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" env:"UMLSYNC_WS_SESSION_IDLE_TIMEOUT"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval" env:"UMLSYNC_WS_CLEANUP_INTERVAL"`
}

// RedisConfig holds the optional presence store backend.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled" env:"UMLSYNC_REDIS_ENABLED"`
	Addr        string        `yaml:"addr" env:"UMLSYNC_REDIS_ADDR"`
	Password    string        `yaml:"password" env:"UMLSYNC_REDIS_PASSWORD"`
	DB          int           `yaml:"db" env:"UMLSYNC_REDIS_DB"`
	PresenceTTL time.Duration `yaml:"presence_ttl" env:"UMLSYNC_REDIS_PRESENCE_TTL"`
}

// AuthConfig holds upgrade authentication settings. Token issuance is
// delegated to the backend that owns user accounts; the relay only
// verifies.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"UMLSYNC_JWT_SECRET"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level            string `yaml:"level" env:"UMLSYNC_LOG_LEVEL"`
	Dir              string `yaml:"dir" env:"UMLSYNC_LOG_DIR"`
	IsDev            bool   `yaml:"is_dev" env:"UMLSYNC_LOG_IS_DEV"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"UMLSYNC_LOG_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"UMLSYNC_LOG_MAX_BACKUPS"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"UMLSYNC_LOG_MAX_AGE_DAYS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"UMLSYNC_LOG_ALSO_CONSOLE"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:       30 * time.Second,
			PongWait:           60 * time.Second,
			WriteWait:          10 * time.Second,
			ReadLimit:          256 * 1024,
			SendBufferSize:     256,
			InboundRate:        100,
			InboundBurst:       200,
			SessionIdleTimeout: 15 * time.Minute,
			CleanupInterval:    5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PresenceTTL: 2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:            "info",
			Dir:              "logs",
			AlsoLogToConsole: true,
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment variable overrides declared in env struct tags.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(reflect.ValueOf(&cfg).Elem()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server port must be numeric: %q", c.Server.Port)
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("websocket pong_wait (%s) must exceed ping_interval (%s)",
			c.WebSocket.PongWait, c.WebSocket.PingInterval)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}
	return nil
}

// ListenAddr is the address the HTTP server binds.
func (c *Config) ListenAddr() string {
	return c.Server.Interface + ":" + c.Server.Port
}

// applyEnvOverrides walks the struct and replaces any field whose env-tagged
// variable is set.
func applyEnvOverrides(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct && t.Field(i).Tag.Get("env") == "" {
			if field.Type() != reflect.TypeOf(time.Time{}) {
				if err := applyEnvOverrides(field); err != nil {
					return err
				}
			}
			continue
		}

		envName := t.Field(i).Tag.Get("env")
		if envName == "" {
			continue
		}
		raw, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("invalid value for %s: %w", envName, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported config field kind %s", field.Kind())
	}
	return nil
}
