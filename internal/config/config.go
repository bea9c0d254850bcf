package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Store    StoreConfig    `json:"store"`
	Approval ApprovalConfig `json:"approval"`
	Log      LogConfig      `json:"log"`
}

type ServerConfig struct {
	ListenAddr      string   `json:"listen_addr"`
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	InpagePath      string   `json:"inpage_path"`
	WalletPath      string   `json:"wallet_path"`
	WalletAuthToken string   `json:"wallet_auth_token"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
}

type StoreConfig struct {
	RedisAddr          string `json:"redis_addr"`
	Session            string `json:"session"`
	ResolvedTTLSeconds int    `json:"resolved_ttl_seconds"`
	SweepOnStart       bool   `json:"sweep_on_start"`
}

// ApprovalConfig bounds how long a request may wait for a decision. Zero
// disables the limit; requests are still rejected when their page disconnects.
type ApprovalConfig struct {
	PendingExpirySeconds int `json:"pending_expiry_seconds"`
}

type LogConfig struct {
	Level string `json:"level"`
}

func (s StoreConfig) ResolvedTTL() time.Duration {
	return time.Duration(s.ResolvedTTLSeconds) * time.Second
}

func (a ApprovalConfig) PendingExpiry() time.Duration {
	return time.Duration(a.PendingExpirySeconds) * time.Second
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      envOrDefault("BRIDGE_LISTEN_ADDR", ":8545"),
			InpagePath:      "/ws/inpage",
			WalletPath:      "/ws/wallet",
			WalletAuthToken: os.Getenv("WALLET_AUTH_TOKEN"),
		},
		Store: StoreConfig{
			RedisAddr:          os.Getenv("REDIS_ADDR"),
			Session:            os.Getenv("BRIDGE_SESSION"),
			ResolvedTTLSeconds: 24 * 60 * 60,
			SweepOnStart:       true,
		},
		Approval: ApprovalConfig{
			PendingExpirySeconds: 300,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a JSON config that may contain comments and trailing commas.
// Missing fields keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config failed: %w", err)
	}

	standard, err := hujson.Standardize(content)
	if err != nil {
		return Config{}, fmt.Errorf("parse config failed: %w", err)
	}
	if err := json.Unmarshal(standard, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config failed: %w", err)
	}

	if cfg.Server.InpagePath == "" {
		cfg.Server.InpagePath = "/ws/inpage"
	}
	if cfg.Server.WalletPath == "" {
		cfg.Server.WalletPath = "/ws/wallet"
	}
	if cfg.Server.ListenAddr == "" {
		if cfg.Server.Host != "" && cfg.Server.Port > 0 {
			cfg.Server.ListenAddr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		} else {
			cfg.Server.ListenAddr = ":8545"
		}
	}
	if cfg.Store.ResolvedTTLSeconds <= 0 {
		cfg.Store.ResolvedTTLSeconds = 24 * 60 * 60
	}
	if cfg.Approval.PendingExpirySeconds < 0 {
		cfg.Approval.PendingExpirySeconds = 0
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	return cfg, nil
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
