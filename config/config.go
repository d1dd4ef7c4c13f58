package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"port" validate:"required"`
	Environment    string        `mapstructure:"environment" validate:"oneof=development production test"`
	AllowedOrigins []string      `mapstructure:"-"`
	JWTSecret      string        `mapstructure:"jwt_secret" validate:"required"`
	RequireToken   bool          `mapstructure:"require_token"`
	LogLevel       string        `mapstructure:"log_level" validate:"required"`
	LogFile        string        `mapstructure:"log_file"`
	MessageTail    int64         `mapstructure:"message_tail" validate:"gte=0"`
	Redis          RedisConfig   `mapstructure:"redis"`
	Database       DBConfig      `mapstructure:"db"`
	Client         ClientConfig  `mapstructure:"client"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     string `mapstructure:"port" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

type DBConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

// ClientConfig is read by participant processes joining a consultation.
type ClientConfig struct {
	SignalingURL       string        `mapstructure:"signaling_url" validate:"required,url"`
	RecordsURL         string        `mapstructure:"records_url" validate:"required,url"`
	Transport          string        `mapstructure:"transport" validate:"oneof=websocket redis"`
	ICEServers         []string      `mapstructure:"-"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay" validate:"gt=0"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	InviteTimeout      time.Duration `mapstructure:"invite_timeout" validate:"gt=0"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout" validate:"gt=0"`
}

// Load reads configuration from the environment and an optional .env file
// (ENV_PATH overrides the location). Nested keys use "__", e.g. REDIS__HOST.
func Load() (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))
	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		v.SetConfigFile(path)
	}
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("JWT_SECRET", "change-me-in-production")
	v.SetDefault("REQUIRE_TOKEN", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("MESSAGE_TAIL", 0)
	v.SetDefault("SHUTDOWN_GRACE", "5s")

	v.SetDefault("REDIS__HOST", "localhost")
	v.SetDefault("REDIS__PORT", "6379")
	v.SetDefault("REDIS__PASSWORD", "")
	v.SetDefault("REDIS__DB", 0)

	v.SetDefault("DB__DRIVER", "postgres")
	v.SetDefault("DB__DSN", "host=localhost user=postgres password=postgres dbname=consult port=5432 sslmode=disable")

	v.SetDefault("CLIENT__SIGNALING_URL", "ws://localhost:8080/ws/signal")
	v.SetDefault("CLIENT__RECORDS_URL", "http://localhost:8080")
	v.SetDefault("CLIENT__TRANSPORT", "websocket")
	v.SetDefault("CLIENT__ICE_SERVERS", "stun:stun.l.google.com:19302")
	v.SetDefault("CLIENT__RECONNECT_DELAY", "5s")
	v.SetDefault("CLIENT__HEARTBEAT_INTERVAL", "30s")
	v.SetDefault("CLIENT__INVITE_TIMEOUT", "30s")
	v.SetDefault("CLIENT__NEGOTIATION_TIMEOUT", "30s")
}

func fromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Comma-separated lists are split by hand; viper only splits real slices.
	cfg.AllowedOrigins = splitList(v.GetString("ALLOWED_ORIGINS"))
	cfg.Client.ICEServers = splitList(v.GetString("CLIENT__ICE_SERVERS"))

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
