// Package config loads settings from flags, environment and an optional config file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/ypeckstadt/dockbak/internal/storage"
)

const (
	// EnvPrefix prefixes every environment variable, e.g. DOCKBAK_TIMEOUT
	EnvPrefix = "DOCKBAK"

	DefaultTimeout  = 30
	DefaultExclude  = ".git,node_modules,target"
	DefaultS3Region = "us-east-1"
)

// Config holds every setting the CLI reads from flags, environment and the config file
type Config struct {
	BackupDir string        `mapstructure:"backup_dir"`
	Timeout   uint64        `mapstructure:"timeout"`
	Restart   bool          `mapstructure:"restart"`
	Exclude   string        `mapstructure:"exclude"`
	Yes       bool          `mapstructure:"yes"`
	Verbose   bool          `mapstructure:"verbose"`
	Quiet     bool          `mapstructure:"quiet"`
	Docker    DockerConfig  `mapstructure:"docker"`
	Storage   StorageConfig `mapstructure:"storage"`
}

// DockerConfig selects the Docker daemon to talk to
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// StorageConfig chooses where archives are kept: "local", "s3" or "gcs"
type StorageConfig struct {
	Type string    `mapstructure:"type"`
	S3   S3Config  `mapstructure:"s3"`
	GCS  GCSConfig `mapstructure:"gcs"`
}

// S3Config configures an S3 or S3-compatible bucket
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

// GCSConfig configures a Google Cloud Storage bucket
type GCSConfig struct {
	Bucket      string `mapstructure:"bucket"`
	Project     string `mapstructure:"project"`
	Credentials string `mapstructure:"credentials"`
	Prefix      string `mapstructure:"prefix"`
}

// DefaultBackupDir is where archives go when nothing else is configured
func DefaultBackupDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return "backups"
	}
	return filepath.Join(home, ".local", "share", "dockbak")
}

// SetDefaults registers every key with its default so that environment
// variables are picked up for all of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backup_dir", DefaultBackupDir())
	v.SetDefault("timeout", DefaultTimeout)
	v.SetDefault("restart", false)
	v.SetDefault("exclude", DefaultExclude)
	v.SetDefault("yes", false)
	v.SetDefault("verbose", false)
	v.SetDefault("quiet", false)
	v.SetDefault("docker.host", "")
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", DefaultS3Region)
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.project", "")
	v.SetDefault("storage.gcs.credentials", "")
	v.SetDefault("storage.gcs.prefix", "")
}

// Init wires environment variables and reads the config file. With an empty
// cfgFile, config.{toml,yaml,json} is searched in ~/.config/dockbak and a
// missing file is not an error. It returns the file used, if any.
func Init(v *viper.Viper, cfgFile string) (string, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		expanded, err := homedir.Expand(cfgFile)
		if err != nil {
			return "", fmt.Errorf("failed to expand config path: %w", err)
		}
		v.SetConfigFile(expanded)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return "", fmt.Errorf("failed to find home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(home, ".config", "dockbak"))
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read config file: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// Load decodes the settings held by v and validates them
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.BackupDir != "" {
		dir, err := homedir.Expand(cfg.BackupDir)
		if err != nil {
			return nil, fmt.Errorf("failed to expand backup_dir: %w", err)
		}
		cfg.BackupDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the settings are usable
func (c *Config) Validate() error {
	if c.Timeout == 0 {
		return errors.New("timeout must be at least 1 second")
	}
	if c.BackupDir == "" {
		return errors.New("backup_dir must not be empty")
	}

	switch c.Storage.Type {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return errors.New("S3 bucket is required when using S3 storage")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return errors.New("GCS bucket is required when using GCS storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	return nil
}

// ExcludePatterns splits the comma separated exclude setting, dropping empty patterns
func (c *Config) ExcludePatterns() []string {
	var patterns []string
	for _, p := range strings.Split(c.Exclude, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// Remote reports whether archives are kept in a cloud backend
func (c *Config) Remote() bool {
	return c.Storage.Type != "local"
}

// StorageBackendConfig translates the settings into a storage.Config
func (c *Config) StorageBackendConfig() *storage.Config {
	cfg := &storage.Config{Type: c.Storage.Type}

	switch c.Storage.Type {
	case "local":
		cfg.Local = &storage.LocalConfig{BasePath: c.BackupDir}
	case "gcs":
		cfg.GCS = &storage.GCSConfig{
			Bucket:      c.Storage.GCS.Bucket,
			ProjectID:   c.Storage.GCS.Project,
			Credentials: c.Storage.GCS.Credentials,
			Prefix:      c.Storage.GCS.Prefix,
		}
	case "s3":
		cfg.S3 = &storage.S3Config{
			Bucket:    c.Storage.S3.Bucket,
			Region:    c.Storage.S3.Region,
			Endpoint:  c.Storage.S3.Endpoint,
			AccessKey: c.Storage.S3.AccessKey,
			SecretKey: c.Storage.S3.SecretKey,
			Prefix:    c.Storage.S3.Prefix,
		}
	}

	return cfg
}
