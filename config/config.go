// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

// Package config handles configuration loading and validation for vigild.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the complete daemon configuration.
type Config struct {
	Monitor    MonitorConfig    `toml:"monitor"`
	Feature    FeatureConfig    `toml:"feature"`
	Engine     EngineConfig     `toml:"engine"`
	Quarantine QuarantineConfig `toml:"quarantine"`
	Reporting  ReportingConfig  `toml:"reporting"`
	Upload     UploadConfig     `toml:"upload"`
	Logging    LoggingConfig    `toml:"logging"`
}

// MonitorConfig holds file watching configuration.
type MonitorConfig struct {
	// Paths is a list of directories to monitor for changes.
	Paths []string `toml:"paths"`
	// Exceptions are files or directory trees excluded from scanning.
	Exceptions []string `toml:"exceptions"`
	// ScanAllFiles disables the dangerous-extension gate.
	ScanAllFiles bool `toml:"scan_all_files"`
	// UseMagicFilter restricts scanning by libmagic content type.
	UseMagicFilter bool `toml:"use_magic_filter"`
	// QueueSize bounds the scan queue.
	QueueSize int `toml:"queue_size"`
	// SweepOnStart scans existing files in all watched roots on startup.
	SweepOnStart bool `toml:"sweep_on_start"`
}

// FeatureConfig holds feature extraction configuration.
type FeatureConfig struct {
	// VectorSize is the fixed feature vector length.
	VectorSize int `toml:"vector_size"`
	// MaxInputSizeMB bounds the buffer size accepted for extraction.
	MaxInputSizeMB int `toml:"max_input_size_mb"`
	// MaxStrings caps the number of printable strings considered.
	MaxStrings int `toml:"max_strings"`
}

// EngineConfig holds detection engine configuration.
type EngineConfig struct {
	// DetectionThreshold is the combined score at or above which a file
	// is treated as malicious.
	DetectionThreshold float64 `toml:"detection_threshold"`
	// HeuristicWeight and ModelWeight combine the two scoring stages.
	HeuristicWeight float64 `toml:"heuristic_weight"`
	ModelWeight     float64 `toml:"model_weight"`
	// CacheSize is the number of cached verdicts; 0 disables caching.
	CacheSize int `toml:"cache_size"`
	// MaxFileSizeMB is the largest file read for scanning.
	MaxFileSizeMB int `toml:"max_file_size_mb"`
	// ModelPaths lists model weight files for the inference ensemble.
	ModelPaths []string `toml:"model_paths"`
	// SignatureFile and WhitelistFile are the hash table inputs.
	SignatureFile string `toml:"signature_file"`
	WhitelistFile string `toml:"whitelist_file"`
	// RuleFile is a compiled rule file; RuleURI is consulted when
	// RuleFile is empty. RuleXZ marks xz-compressed rule sources.
	RuleFile string `toml:"rule_file"`
	RuleURI  string `toml:"rule_uri"`
	RuleXZ   bool   `toml:"rule_xz"`
	// FeedbackPath is the append-only labeled vector log.
	FeedbackPath string `toml:"feedback_path"`
}

// QuarantineConfig holds quarantine store configuration.
type QuarantineConfig struct {
	// Enabled turns isolation on; off means detect-only.
	Enabled bool `toml:"enabled"`
	// Dir is the quarantine directory.
	Dir string `toml:"dir"`
	// KeyFile is the master key file for container encryption.
	KeyFile string `toml:"key_file"`
	// RetentionDays is the record age at which the janitor deletes.
	RetentionDays int `toml:"retention_days"`
	// OverwritePasses is the number of random overwrites applied to
	// originals before deletion.
	OverwritePasses int `toml:"overwrite_passes"`
	// FreeSpaceFactor is the required free-space multiple of file size.
	FreeSpaceFactor int `toml:"free_space_factor"`
	// Compress enables zstd compression of stored containers.
	Compress bool `toml:"compress"`
}

// ReportingConfig holds threat report delivery configuration.
type ReportingConfig struct {
	// Enabled turns AMQP reporting on; off logs reports locally.
	Enabled bool `toml:"enabled"`
	// AMQPURI is the host:port/vhost part of the broker address.
	AMQPURI      string `toml:"amqp_uri"`
	AMQPUser     string `toml:"amqp_user"`
	AMQPPass     string `toml:"amqp_pass"`
	AMQPExchange string `toml:"amqp_exchange"`
}

// UploadConfig holds sample upload configuration.
type UploadConfig struct {
	// Enabled turns S3 sample upload on.
	Enabled         bool   `toml:"enabled"`
	Endpoint        string `toml:"endpoint"`
	AccessKey       string `toml:"access_key"`
	SecretAccessKey string `toml:"secret_access_key"`
	BucketName      string `toml:"bucket_name"`
	Region          string `toml:"region"`
	UseSSL          bool   `toml:"use_ssl"`
	// ScratchDir is where files are staged before upload.
	ScratchDir string `toml:"scratch_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Verbose enables debug logging.
	Verbose bool `toml:"verbose"`
	// JSON switches log output to JSON lines.
	JSON bool `toml:"json"`
	// File is the log file path; empty logs to stderr.
	File string `toml:"file"`
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Monitor: MonitorConfig{
			QueueSize:    10000,
			SweepOnStart: true,
		},
		Engine: EngineConfig{
			DetectionThreshold: 0.75,
			HeuristicWeight:    0.4,
			ModelWeight:        0.6,
			CacheSize:          1000,
			MaxFileSizeMB:      32,
		},
		Quarantine: QuarantineConfig{
			Enabled:         true,
			Dir:             "/var/lib/vigil/quarantine",
			KeyFile:         "/var/lib/vigil/quarantine.key",
			RetentionDays:   30,
			OverwritePasses: 1,
			FreeSpaceFactor: 2,
			Compress:        true,
		},
		Reporting: ReportingConfig{
			AMQPURI:      "localhost:5672/%2f",
			AMQPUser:     "vigil",
			AMQPPass:     "vigil",
			AMQPExchange: "vigil",
		},
		Upload: UploadConfig{
			ScratchDir: "/var/lib/vigil/scratch",
		},
	}
}

// Load reads configuration from the specified TOML file. A missing file
// returns the default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Engine.DetectionThreshold <= 0 || c.Engine.DetectionThreshold > 1 {
		return fmt.Errorf("engine.detection_threshold %f out of range (0,1]", c.Engine.DetectionThreshold)
	}
	if c.Engine.HeuristicWeight < 0 || c.Engine.ModelWeight < 0 {
		return fmt.Errorf("engine score weights must not be negative")
	}
	if c.Engine.HeuristicWeight+c.Engine.ModelWeight == 0 {
		return fmt.Errorf("engine score weights must not both be zero")
	}
	if c.Engine.MaxFileSizeMB <= 0 {
		return fmt.Errorf("engine.max_file_size_mb must be positive")
	}
	if c.Quarantine.Enabled && c.Quarantine.Dir == "" {
		return fmt.Errorf("quarantine.dir must be set when quarantine is enabled")
	}
	if c.Quarantine.OverwritePasses < 0 {
		return fmt.Errorf("quarantine.overwrite_passes must not be negative")
	}
	if c.Reporting.Enabled && c.Reporting.AMQPURI == "" {
		return fmt.Errorf("reporting.amqp_uri must be set when reporting is enabled")
	}
	if c.Upload.Enabled {
		if c.Upload.Endpoint == "" || c.Upload.BucketName == "" {
			return fmt.Errorf("upload.endpoint and upload.bucket_name must be set when upload is enabled")
		}
		if c.Upload.ScratchDir == "" {
			return fmt.Errorf("upload.scratch_dir must be set when upload is enabled")
		}
	}
	for _, p := range c.Monitor.Paths {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("monitor path %q is not absolute", p)
		}
	}
	return nil
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{}
	if c.Quarantine.Enabled {
		dirs = append(dirs, c.Quarantine.Dir, filepath.Dir(c.Quarantine.KeyFile))
	}
	if c.Upload.Enabled {
		dirs = append(dirs, c.Upload.ScratchDir)
	}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}
	if c.Engine.FeedbackPath != "" {
		dirs = append(dirs, filepath.Dir(c.Engine.FeedbackPath))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
