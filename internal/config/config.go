package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/npezzotti/go-liveroom/internal/types"
	"gopkg.in/yaml.v3"
)

const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

type Config struct {
	ServerAddr     string   `yaml:"server_addr" env:"LIVEROOM_ADDR"`
	PublicURL      string   `yaml:"public_url" env:"LIVEROOM_PUBLIC_URL"`
	QRCodeURL      string   `yaml:"qr_code_url" env:"LIVEROOM_QR_CODE_URL"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	StoreDriver string `yaml:"store_driver" env:"LIVEROOM_STORE_DRIVER"`
	// BadgerPath is the Badger data directory; empty keeps data in memory.
	BadgerPath  string `yaml:"badger_path" env:"LIVEROOM_BADGER_PATH"`
	DatabaseDSN string `yaml:"database_dsn" env:"LIVEROOM_DATABASE_DSN"`
	// InstanceId tells this process apart from others sharing a postgres
	// store; empty picks a random one at startup.
	InstanceId string `yaml:"instance_id" env:"LIVEROOM_INSTANCE_ID"`

	RoomTTL         time.Duration `yaml:"room_ttl" env:"LIVEROOM_ROOM_TTL"`
	ConnectionTTL   time.Duration `yaml:"connection_ttl" env:"LIVEROOM_CONNECTION_TTL"`
	CommentInterval time.Duration `yaml:"comment_interval" env:"LIVEROOM_COMMENT_INTERVAL"`
	LikeInterval    time.Duration `yaml:"like_interval" env:"LIVEROOM_LIKE_INTERVAL"`

	MaxCommentsPerUser int `yaml:"max_comments_per_user" env:"LIVEROOM_MAX_COMMENTS_PER_USER"`
	MaxLikesPerUser    int `yaml:"max_likes_per_user" env:"LIVEROOM_MAX_LIKES_PER_USER"`
	MaxCommentLength   int `yaml:"max_comment_length" env:"LIVEROOM_MAX_COMMENT_LENGTH"`
}

func Default() *Config {
	return &Config{
		ServerAddr:         "localhost:8000",
		PublicURL:          "http://localhost:3000",
		QRCodeURL:          "https://api.qrserver.com/v1/create-qr-code/",
		StoreDriver:        DriverBadger,
		RoomTTL:            24 * time.Hour,
		ConnectionTTL:      2 * time.Hour,
		CommentInterval:    3 * time.Second,
		MaxCommentsPerUser: 20,
		MaxLikesPerUser:    100,
		MaxCommentLength:   280,
	}
}

// Load layers the defaults, an optional YAML file, an optional dotenv file
// and the process environment, in that order.
func Load(path, dotenvPath string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load dotenv: %w", err)
		}
	}

	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}

	switch c.StoreDriver {
	case DriverBadger:
	case DriverPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database DSN cannot be empty for the postgres store")
		}
	case "":
		return fmt.Errorf("store driver cannot be empty")
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}

	if c.RoomTTL <= 0 || c.ConnectionTTL <= 0 {
		return fmt.Errorf("room and connection TTLs must be positive")
	}
	if c.ConnectionTTL > c.RoomTTL {
		return fmt.Errorf("connection TTL %s exceeds room TTL %s", c.ConnectionTTL, c.RoomTTL)
	}
	if c.CommentInterval < 0 || c.LikeInterval < 0 {
		return fmt.Errorf("rate limit intervals cannot be negative")
	}
	if c.MaxCommentsPerUser <= 0 || c.MaxLikesPerUser <= 0 || c.MaxCommentLength <= 0 {
		return fmt.Errorf("default room settings must be positive")
	}

	return nil
}

// RoomSettings returns the settings applied to rooms created without
// overrides.
func (c *Config) RoomSettings() types.Settings {
	return types.Settings{
		MaxCommentsPerUser: c.MaxCommentsPerUser,
		MaxLikesPerUser:    c.MaxLikesPerUser,
		MaxCommentLength:   c.MaxCommentLength,
	}
}
