package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Auth     AuthConfig     `yaml:"auth" json:"auth"`
	Security SecurityConfig `yaml:"security" json:"security"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Backup   BackupConfig   `yaml:"backup" json:"backup"`
	Transfer TransferConfig `yaml:"transfer" json:"transfer"`
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string    `yaml:"host" json:"host"`
	Port int       `yaml:"port" json:"port"`
	TLS  TLSConfig `yaml:"tls" json:"tls"`
}

// TLSConfig contains TLS/HTTPS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path           string `yaml:"path" json:"path"`
	MaxConnections int    `yaml:"max_connections" json:"max_connections"`
}

// AuthConfig contains operator token settings. An empty secret disables
// bearer token checks on the API.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret" json:"-"`
	TokenDuration string `yaml:"token_duration" json:"token_duration"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors" json:"cors"`
	SSH       SSHConfig       `yaml:"ssh" json:"ssh"`
}

// RateLimitConfig contains rate limiting settings
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// CORSConfig contains CORS settings
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
}

// SSHConfig contains host key settings used by the sftp transfer driver
type SSHConfig struct {
	KnownHostsPath  string `yaml:"known_hosts_path" json:"known_hosts_path"`
	TrustOnFirstUse bool   `yaml:"trust_on_first_use" json:"trust_on_first_use"`
}

// StorageConfig contains storage paths
type StorageConfig struct {
	ConfigDir string `yaml:"config_dir" json:"config_dir"`
	DataDir   string `yaml:"data_dir" json:"data_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
}

// BackupConfig controls archive production and job limits
type BackupConfig struct {
	ArtifactPrefix string            `yaml:"artifact_prefix" json:"artifact_prefix"`
	SourceRoot     string            `yaml:"source_root" json:"source_root"` // selection paths resolve under this directory
	Compression    CompressionConfig `yaml:"compression" json:"compression"`
	ChunkSize      int               `yaml:"chunk_size" json:"chunk_size"`       // bytes per stream chunk
	BufferChunks   int               `yaml:"buffer_chunks" json:"buffer_chunks"` // chunks buffered between builder and uploader
	JobTimeout     string            `yaml:"job_timeout" json:"job_timeout"`
	RetentionCount int               `yaml:"retention_count" json:"retention_count"` // successful backups kept; 0 keeps all
	Catalog        []CatalogEntry    `yaml:"catalog" json:"catalog"`
}

// CompressionConfig controls archive compression
// Type values: "gzip", "none"
type CompressionConfig struct {
	Type  string `yaml:"type" json:"type"`
	Level int    `yaml:"level" json:"level,omitempty"`
}

// TransferConfig contains retry and deadline settings for uploads
type TransferConfig struct {
	Retries      int    `yaml:"retries" json:"retries"`
	BackoffBase  string `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax   string `yaml:"backoff_max" json:"backoff_max"`
	DialTimeout  string `yaml:"dial_timeout" json:"dial_timeout"`
	StallTimeout string `yaml:"stall_timeout" json:"stall_timeout"`
}

// ScheduleConfig contains scheduler settings
type ScheduleConfig struct {
	PollInterval string `yaml:"poll_interval" json:"poll_interval"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			TLS: TLSConfig{
				Enabled: false,
			},
		},
		Database: DatabaseConfig{
			Path:           "./data/pvebackup.db",
			MaxConnections: 4,
		},
		Auth: AuthConfig{
			JWTSecret:     os.Getenv("JWT_SECRET"),
			TokenDuration: "720h",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"http://localhost:5173"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			},
			SSH: SSHConfig{
				KnownHostsPath:  "./data/known_hosts",
				TrustOnFirstUse: true,
			},
		},
		Storage: StorageConfig{
			ConfigDir: "./configs",
			DataDir:   "./data",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			File:       "",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Backup: BackupConfig{
			ArtifactPrefix: "proxmox-backup",
			SourceRoot:     "/",
			Compression:    CompressionConfig{Type: "gzip", Level: 6},
			ChunkSize:      256 * 1024,
			BufferChunks:   8,
			JobTimeout:     "6h",
		},
		Transfer: TransferConfig{
			Retries:      3,
			BackoffBase:  "1s",
			BackoffMax:   "30s",
			DialTimeout:  "30s",
			StallTimeout: "2m",
		},
		Schedule: ScheduleConfig{
			PollInterval: "1m",
		},
	}
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	cfg := Default()

	configPath := GetConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv(os.Getenv)

	cfg.normalizeStoragePaths(configPath)

	if len(cfg.Backup.Catalog) == 0 {
		catalog, err := LoadCatalog(cfg.Storage.ConfigDir)
		if err != nil {
			return nil, err
		}
		cfg.Backup.Catalog = catalog
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file values with the deployment's environment
func (c *Config) applyEnv(getenv func(string) string) {
	overrides := []struct {
		name string
		dst  *string
	}{
		{"JWT_SECRET", &c.Auth.JWTSecret},
		{"DATABASE_PATH", &c.Database.Path},
		{"CONFIG_DIR", &c.Storage.ConfigDir},
		{"DATA_DIR", &c.Storage.DataDir},
		{"KNOWN_HOSTS_PATH", &c.Security.SSH.KnownHostsPath},
		{"LOG_LEVEL", &c.Logging.Level},
		{"BACKUP_SOURCE_ROOT", &c.Backup.SourceRoot},
	}
	for _, o := range overrides {
		if v := getenv(o.name); v != "" {
			*o.dst = v
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Check for unexpanded environment variables
	if len(c.Auth.JWTSecret) > 1 && c.Auth.JWTSecret[0] == '$' && c.Auth.JWTSecret[1] == '{' {
		return fmt.Errorf("JWT_SECRET contains unexpanded environment variable")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("jwt_secret must be at least 16 characters")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS is enabled but cert_file or key_file is missing")
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Backup.Compression.Type)) {
	case "", "gzip", "none":
	default:
		return fmt.Errorf("backup.compression.type must be 'gzip' or 'none'")
	}

	if c.Backup.Compression.Level < 0 || c.Backup.Compression.Level > 9 {
		return fmt.Errorf("backup.compression.level must be between 1 and 9")
	}

	if strings.TrimSpace(c.Backup.ArtifactPrefix) == "" || strings.ContainsAny(c.Backup.ArtifactPrefix, "/\\") {
		return fmt.Errorf("backup.artifact_prefix must be a non-empty file name prefix")
	}

	if c.Backup.ChunkSize <= 0 {
		return fmt.Errorf("backup.chunk_size must be positive")
	}

	if c.Backup.BufferChunks <= 0 {
		return fmt.Errorf("backup.buffer_chunks must be positive")
	}

	if c.Backup.RetentionCount < 0 {
		return fmt.Errorf("backup.retention_count must not be negative")
	}

	if c.Transfer.Retries < 0 {
		return fmt.Errorf("transfer.retries must not be negative")
	}

	durations := map[string]string{
		"backup.job_timeout":     c.Backup.JobTimeout,
		"transfer.backoff_base":  c.Transfer.BackoffBase,
		"transfer.backoff_max":   c.Transfer.BackoffMax,
		"transfer.dial_timeout":  c.Transfer.DialTimeout,
		"transfer.stall_timeout": c.Transfer.StallTimeout,
		"schedule.poll_interval": c.Schedule.PollInterval,
		"auth.token_duration":    c.Auth.TokenDuration,
	}
	for key, value := range durations {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	return ValidateCatalog(c.Backup.Catalog)
}

// ParseDuration parses a configured duration, falling back on empty or invalid input.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func resolveConfigPath() string {
	candidates := []string{"../configs/config.yaml", "./configs/config.yaml"}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	return "./configs/config.yaml"
}

// GetConfigPath returns the resolved config path
func GetConfigPath() string {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = resolveConfigPath()
	}
	return configPath
}

// Save writes the configuration to path. The JWT secret is never written;
// it comes from the environment or is added by hand.
func Save(cfg *Config, path string) error {
	out := *cfg
	out.Auth.JWTSecret = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) normalizeStoragePaths(configPath string) {
	baseDir := filepath.Dir(configPath)
	if !filepath.IsAbs(baseDir) {
		if absBase, err := filepath.Abs(baseDir); err == nil {
			baseDir = absBase
		}
	}

	rootDir := baseDir
	if filepath.Base(baseDir) == "configs" {
		rootDir = filepath.Dir(baseDir)
	}

	resolvePath := func(value string) string {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return ""
		}
		if filepath.IsAbs(trimmed) {
			return filepath.Clean(trimmed)
		}
		return filepath.Clean(filepath.Join(rootDir, trimmed))
	}

	configDir := c.Storage.ConfigDir
	if strings.TrimSpace(configDir) == "" {
		configDir = baseDir
	}
	c.Storage.ConfigDir = resolvePath(configDir)

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		c.Storage.DataDir = filepath.Join(rootDir, "data")
	}
	c.Storage.DataDir = resolvePath(c.Storage.DataDir)

	if strings.TrimSpace(c.Database.Path) == "" {
		c.Database.Path = filepath.Join(c.Storage.DataDir, "pvebackup.db")
	}
	c.Database.Path = resolvePath(c.Database.Path)

	if strings.TrimSpace(c.Security.SSH.KnownHostsPath) == "" {
		c.Security.SSH.KnownHostsPath = filepath.Join(c.Storage.DataDir, "known_hosts")
	}
	c.Security.SSH.KnownHostsPath = resolvePath(c.Security.SSH.KnownHostsPath)
}
