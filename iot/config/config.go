package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. RELAY_SERVER_PORT.
const EnvPrefix = "RELAY"

// Config holds all configuration for the relay.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Relay  RelayConfig  `mapstructure:"relay"`
	Stream StreamConfig `mapstructure:"stream"`
	Store  StoreConfig  `mapstructure:"store"`
	Log    LogConfig    `mapstructure:"log"`
	Ngrok  NgrokConfig  `mapstructure:"ngrok"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
}

// Addr returns the host:port the server listens on.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// RelayConfig holds the bidirectional channel limits.
type RelayConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	SendBuffer        int           `mapstructure:"send_buffer" validate:"gt=0"`
	MaxMessageSize    int64         `mapstructure:"max_message_size" validate:"gt=0"`
	RateLimit         float64       `mapstructure:"rate_limit" validate:"gt=0"`
	RateBurst         int           `mapstructure:"rate_burst" validate:"gt=0"`
}

// StreamConfig holds the secondary event-stream settings.
type StreamConfig struct {
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval" validate:"gt=0"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
}

// StoreConfig selects where topic snapshots are persisted.
type StoreConfig struct {
	Driver        string        `mapstructure:"driver" validate:"oneof=memory file mongo postgres"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	File          struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"file"`
	Mongo struct {
		URI        string `mapstructure:"uri"`
		Database   string `mapstructure:"database"`
		Collection string `mapstructure:"collection"`
	} `mapstructure:"mongo"`
	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`
}

// LogConfig holds logging settings. An empty File logs to stdout only.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

// NgrokConfig holds the optional public tunnel settings.
type NgrokConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	AuthToken string `mapstructure:"auth_token"`
	Domain    string `mapstructure:"domain"`
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("relay.heartbeat_interval", 25*time.Second)
	v.SetDefault("relay.send_buffer", 256)
	v.SetDefault("relay.max_message_size", 4096)
	v.SetDefault("relay.rate_limit", 20)
	v.SetDefault("relay.rate_burst", 40)

	v.SetDefault("stream.keepalive_interval", 15*time.Second)
	v.SetDefault("stream.write_timeout", 5*time.Second)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.flush_interval", 10*time.Second)
	v.SetDefault("store.file.dir", "./data/topics")
	v.SetDefault("store.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo.database", "sensor-relay")
	v.SetDefault("store.mongo.collection", "topics")
	v.SetDefault("store.postgres.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("ngrok.enabled", false)
	v.SetDefault("ngrok.auth_token", "")
	v.SetDefault("ngrok.domain", "")
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence. An empty path looks for
// relay.yaml in ./configs and is not an error when absent; an explicit path
// must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges and driver specific requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid config %s: failed %s %s", fe.Namespace(), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Store.Driver {
	case "file":
		if c.Store.File.Dir == "" {
			return errors.New("invalid config: store.file.dir is required for the file driver")
		}
	case "mongo":
		if c.Store.Mongo.URI == "" || c.Store.Mongo.Database == "" || c.Store.Mongo.Collection == "" {
			return errors.New("invalid config: store.mongo.uri, database and collection are required for the mongo driver")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return errors.New("invalid config: store.postgres.dsn is required for the postgres driver")
		}
	}
	return nil
}
