package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Local    LocalConfig    `yaml:"local"`
	Database DatabaseConfig `yaml:"database"`
	AWS      AWSConfig      `yaml:"aws"`
	JWT      JWTConfig      `yaml:"jwt"`
	Sync     SyncConfig     `yaml:"sync"`
	APNs     APNsConfig     `yaml:"apns"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds the companion API listener configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// LocalConfig holds device-local storage configuration
type LocalConfig struct {
	DBPath   string `yaml:"db_path"`   // sqlite file for record metadata
	MediaDir string `yaml:"media_dir"` // directory for downloaded blobs
}

// DatabaseConfig holds the remote document store configuration
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// AWSConfig holds the blob store configuration
type AWSConfig struct {
	Region     string `yaml:"region"`
	S3Bucket   string `yaml:"s3_bucket"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Endpoint   string `yaml:"endpoint"` // custom endpoint for S3-compatible stores
	DisableSSL bool   `yaml:"disable_ssl"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// SyncConfig tunes the coordinator's transfer and retry behavior
type SyncConfig struct {
	Parallelism  int           `yaml:"parallelism"`   // concurrent transfers per pass
	MaxAttempts  int           `yaml:"max_attempts"`  // per record per pass
	BackoffBase  time.Duration `yaml:"backoff_base"`  // first retry delay
	BackoffCap   time.Duration `yaml:"backoff_cap"`   // max retry delay
	SyncInterval time.Duration `yaml:"sync_interval"` // periodic background trigger; 0 disables
}

// APNsConfig holds the partner push notifier configuration.
// Empty KeyPath disables push entirely.
type APNsConfig struct {
	KeyPath    string `yaml:"key_path"`
	KeyID      string `yaml:"key_id"`
	TeamID     string `yaml:"team_id"`
	BundleID   string `yaml:"bundle_id"`
	Production bool   `yaml:"production"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.Parallelism <= 0 {
		c.Sync.Parallelism = 3
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = 4
	}
	if c.Sync.BackoffBase <= 0 {
		c.Sync.BackoffBase = 500 * time.Millisecond
	}
	if c.Sync.BackoffCap <= 0 {
		c.Sync.BackoffCap = 30 * time.Second
	}
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
