// Package config handles configuration loading and validation for blobvault.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blobvault/blobvault/internal/repo"
	"github.com/blobvault/blobvault/pkg/bytesize"
)

// StoreConfig holds configuration for the object store backend.
type StoreConfig struct {
	Root string `yaml:"root"` // Filesystem root the store is chrooted to (default: /var/lib/blobvault)
}

// ShardConfig holds configuration for sharded metadata collections.
type ShardConfig struct {
	Period           string `yaml:"period"`            // "monthly" or "daily"
	Prefix           string `yaml:"prefix"`            // Shard name prefix (default: "metadata")
	RetentionPeriods int    `yaml:"retention_periods"` // Scan bound in periods, 0 = unbounded
}

// LockConfig holds configuration for the collection lease.
type LockConfig struct {
	TTL           string `yaml:"ttl"`            // Duration string, e.g. "30m"
	RenewInterval string `yaml:"renew_interval"` // Duration string, e.g. "1m"
}

// CleanConfig holds configuration for the maintenance sweeps.
type CleanConfig struct {
	BatchSize     int    `yaml:"batch_size"`     // Deletions per lease renewal (default: 40000)
	DeletedExpiry string `yaml:"deleted_expiry"` // Retention of logically deleted records (default: "672h")
}

// RepositoryConfig holds configuration for one resource collection.
type RepositoryConfig struct {
	BasePath      string       `yaml:"base_path"`
	MetaName      string       `yaml:"meta_name"`
	Schema        string       `yaml:"schema"` // "simple" or "group"
	Archive       bool         `yaml:"archive"`
	MaxHistories  int          `yaml:"max_histories"`
	VerifyUploads bool         `yaml:"verify_uploads"`
	Shard         *ShardConfig `yaml:"shard,omitempty"`
}

// ArchiveFilesConfig holds configuration for the local-file archiving job.
type ArchiveFilesConfig struct {
	SourceDir      string `yaml:"source_dir"`
	Pattern        string `yaml:"pattern"` // Glob over file names (default: "*")
	Group          string `yaml:"group"`   // Resource group, empty for simple collections
	Check          string `yaml:"check"`   // Change detection: "md5", "mtime" or "size"
	Compress       bool   `yaml:"compress"`
	DeleteVanished bool   `yaml:"delete_vanished"` // Logically delete records whose source file is gone
	MaxFileSize    string `yaml:"max_file_size"`   // Skip larger files, e.g. "500MB"; empty = no limit
}

// DockerConfig holds configuration for the Docker metadata harvester.
type DockerConfig struct {
	Host string `yaml:"host"` // Docker daemon address (default: unix:///var/run/docker.sock)
}

// Config is the root blobvault configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store"`
	Repository   RepositoryConfig   `yaml:"repository"`
	Lock         LockConfig         `yaml:"lock"`
	Clean        CleanConfig        `yaml:"clean"`
	ArchiveFiles ArchiveFilesConfig `yaml:"archive_files"`
	Docker       DockerConfig       `yaml:"docker"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied and no file
// loaded.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Store.Root == "" {
		c.Store.Root = "/var/lib/blobvault"
	}
	if strings.HasPrefix(c.Store.Root, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.Store.Root = filepath.Join(homeDir, c.Store.Root[2:])
		}
	}
	if c.Repository.BasePath == "" {
		c.Repository.BasePath = "resources"
	}
	if c.Repository.Schema == "" {
		c.Repository.Schema = "simple"
	}
	if c.Repository.MetaName == "" {
		c.Repository.MetaName = repo.DefaultMetaName
	}
	if c.Repository.Shard != nil {
		if c.Repository.Shard.Period == "" {
			c.Repository.Shard.Period = "monthly"
		}
		if c.Repository.Shard.Prefix == "" {
			c.Repository.Shard.Prefix = repo.DefaultMetaName
		}
	}
	if c.Lock.TTL == "" {
		c.Lock.TTL = "30m"
	}
	if c.Lock.RenewInterval == "" {
		c.Lock.RenewInterval = "1m"
	}
	if c.Clean.BatchSize == 0 {
		c.Clean.BatchSize = 40000
	}
	if c.Clean.DeletedExpiry == "" {
		c.Clean.DeletedExpiry = "672h" // 28 days
	}
	if c.ArchiveFiles.Pattern == "" {
		c.ArchiveFiles.Pattern = "*"
	}
	if c.ArchiveFiles.Check == "" {
		c.ArchiveFiles.Check = "md5"
	}
	if c.Docker.Host == "" {
		c.Docker.Host = "unix:///var/run/docker.sock"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if _, err := c.Schema(); err != nil {
		return err
	}
	if c.Repository.Shard != nil {
		switch c.Repository.Shard.Period {
		case "monthly", "daily":
		default:
			return fmt.Errorf("invalid shard period %q (want monthly or daily)", c.Repository.Shard.Period)
		}
		if c.Repository.Shard.RetentionPeriods < 0 {
			return fmt.Errorf("shard retention_periods must not be negative")
		}
	}
	if _, err := c.LockTTL(); err != nil {
		return err
	}
	if _, err := c.LockRenewInterval(); err != nil {
		return err
	}
	if _, err := c.DeletedExpiry(); err != nil {
		return err
	}
	switch c.ArchiveFiles.Check {
	case "md5", "mtime", "size":
	default:
		return fmt.Errorf("invalid archive_files check %q (want md5, mtime or size)", c.ArchiveFiles.Check)
	}
	if _, err := c.MaxFileSize(); err != nil {
		return err
	}
	return nil
}

// Schema returns the repository key schema.
func (c *Config) Schema() (repo.KeySchema, error) {
	switch c.Repository.Schema {
	case "simple":
		return repo.SimpleKeys, nil
	case "group":
		return repo.GroupKeys, nil
	default:
		return 0, fmt.Errorf("invalid schema %q (want simple or group)", c.Repository.Schema)
	}
}

// LockTTL returns the parsed lease TTL.
func (c *Config) LockTTL() (time.Duration, error) {
	d, err := time.ParseDuration(c.Lock.TTL)
	if err != nil {
		return 0, fmt.Errorf("invalid lock ttl %q: %w", c.Lock.TTL, err)
	}
	return d, nil
}

// LockRenewInterval returns the parsed lease renew interval.
func (c *Config) LockRenewInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Lock.RenewInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid lock renew_interval %q: %w", c.Lock.RenewInterval, err)
	}
	return d, nil
}

// DeletedExpiry returns the parsed retention window for logically deleted
// records.
func (c *Config) DeletedExpiry() (time.Duration, error) {
	d, err := time.ParseDuration(c.Clean.DeletedExpiry)
	if err != nil {
		return 0, fmt.Errorf("invalid clean deleted_expiry %q: %w", c.Clean.DeletedExpiry, err)
	}
	return d, nil
}

// MaxFileSize returns the parsed archive file size limit in bytes, 0 when
// unlimited.
func (c *Config) MaxFileSize() (int64, error) {
	if c.ArchiveFiles.MaxFileSize == "" {
		return 0, nil
	}
	n, err := bytesize.Parse(c.ArchiveFiles.MaxFileSize)
	if err != nil {
		return 0, fmt.Errorf("invalid archive_files max_file_size %q: %w", c.ArchiveFiles.MaxFileSize, err)
	}
	return n, nil
}

// RepositoryOptions builds repo.Options from the configuration.
func (c *Config) RepositoryOptions() (repo.Options, error) {
	schema, err := c.Schema()
	if err != nil {
		return repo.Options{}, err
	}
	opts := repo.Options{
		BasePath:      c.Repository.BasePath,
		MetaName:      c.Repository.MetaName,
		Schema:        schema,
		Archive:       c.Repository.Archive,
		MaxHistories:  c.Repository.MaxHistories,
		VerifyUploads: c.Repository.VerifyUploads,
	}
	if s := c.Repository.Shard; s != nil {
		opts.Shard = buildShardPolicy(s)
	}
	return opts, nil
}

func buildShardPolicy(s *ShardConfig) *repo.ShardPolicy {
	var name repo.ShardFunc
	var back func(t time.Time, n int) time.Time
	switch s.Period {
	case "daily":
		name = repo.DailyShards(s.Prefix)
		back = func(t time.Time, n int) time.Time { return t.AddDate(0, 0, -n) }
	default:
		name = repo.MonthlyShards(s.Prefix)
		back = func(t time.Time, n int) time.Time { return t.AddDate(0, -n, 0) }
	}
	policy := &repo.ShardPolicy{Name: name}
	if s.RetentionPeriods > 0 {
		n := s.RetentionPeriods
		policy.Earliest = func(t time.Time) string { return name(back(t, n)) }
	}
	return policy
}
