package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
)

// Default configuration values
const (
	DefaultHostPort      = "8080"
	DefaultDynamoTable   = "Sketchroom"
	DefaultPurgeQueue    = "PurgeRoomQueue"
	DefaultMaxHistory    = 500
	DefaultMaxSnapshots  = 50
	DefaultChatHistory   = 100
	DefaultServerURL     = "ws://localhost:8080"
	DefaultSTUN          = "stun:stun.l.google.com:19302"
	DefaultLogLevel      = "info"
	DefaultRedisEndpoint = "localhost:6379"
)

// Config holds the gateway and client configuration
type Config struct {
	DevMode        bool
	LogLevel       string
	HostPort       string
	RequiredOrigin string

	DynamoEndpoint string
	DynamoTable    string
	SQSEndpoint    string
	PurgeQueue     string
	RedisEndpoint  string

	JWTSecret []byte

	MaxHistory   int
	MaxSnapshots int
	ChatHistory  int

	ServerURL  string
	STUNServer string
}

// Options carries CLI flag overrides. Zero values fall through to the
// environment and then to the defaults.
type Options struct {
	DevMode        bool
	LogLevel       string
	HostPort       string
	RequiredOrigin string
	RedisEndpoint  string
	ServerURL      string
	STUNServer     string
	JWTSecret      string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		DevMode:        opts.DevMode || os.Getenv("DEV_MODE") == "true",
		LogLevel:       pick(opts.LogLevel, "LOG_LEVEL", DefaultLogLevel),
		HostPort:       pick(opts.HostPort, "HOST_PORT", DefaultHostPort),
		RequiredOrigin: pick(opts.RequiredOrigin, "REQUIRED_ORIGIN", ""),
		DynamoEndpoint: os.Getenv("DYNAMODB_ENDPOINT"),
		DynamoTable:    pick("", "DYNAMODB_TABLE", DefaultDynamoTable),
		SQSEndpoint:    os.Getenv("SQS_ENDPOINT"),
		PurgeQueue:     pick("", "SQS_PURGE_QUEUE", DefaultPurgeQueue),
		RedisEndpoint:  pick(opts.RedisEndpoint, "REDIS_ENDPOINT", DefaultRedisEndpoint),
		ServerURL:      pick(opts.ServerURL, "SERVER_URL", DefaultServerURL),
		STUNServer:     pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
	}

	var err error
	if cfg.MaxHistory, err = pickInt("MAX_HISTORY", DefaultMaxHistory); err != nil {
		return nil, err
	}
	if cfg.MaxSnapshots, err = pickInt("MAX_SNAPSHOTS", DefaultMaxSnapshots); err != nil {
		return nil, err
	}
	if cfg.ChatHistory, err = pickInt("CHAT_HISTORY", DefaultChatHistory); err != nil {
		return nil, err
	}

	// JWT secret: CLI flag > env, base64 encoded
	secret := pick(opts.JWTSecret, "JWT_SECRET", "")
	if secret != "" {
		cfg.JWTSecret, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, fmt.Errorf("decode base64 JWT secret: %w", err)
		}
	}

	return cfg, nil
}

// RequireSecret fails when no signing secret was configured.
func (c *Config) RequireSecret() error {
	if len(c.JWTSecret) == 0 {
		return fmt.Errorf("JWT_SECRET is not set")
	}
	return nil
}

func pick(flag string, env string, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func pickInt(env string, def int) (int, error) {
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", env, v)
	}
	return n, nil
}
