package couponbot

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/nightcoffee/couponbot/couponbot/database"
	"github.com/pelletier/go-toml/v2"
)

func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err = toml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type Config struct {
	Log    LogConfig         `toml:"log"`
	DB     database.DBConfig `toml:"db"`
	Claim  ClaimConfig       `toml:"claim"`
	Cache  CacheConfig       `toml:"cache"`
	Backup BackupConfig      `toml:"backup"`
	Spaces SpacesConfig      `toml:"spaces"`
}

type LogConfig struct {
	Level     slog.Level `toml:"level"`
	AddSource bool       `toml:"add_source"`
}

type ClaimConfig struct {
	// DefaultExpiryDays is applied when coupons are added without an
	// explicit expiry. Zero disables the default (codes never expire).
	DefaultExpiryDays int `toml:"default_expiry_days"`
}

type CacheConfig struct {
	TTLSeconds int `toml:"ttl_seconds"`
}

type BackupConfig struct {
	Dir  string `toml:"dir"`
	Keep int    `toml:"keep"`
}

type SpacesConfig struct {
	Key    string `toml:"key"`
	Secret string `toml:"secret"`
	Region string `toml:"region"`
	Bucket string `toml:"bucket"`
	Root   string `toml:"root"`
}
