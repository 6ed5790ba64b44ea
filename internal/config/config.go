package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/marchshares/cell-engine-ext/pkg/errors"
	"github.com/marchshares/cell-engine-ext/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Export  ExportConfig  `yaml:"export"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int64  `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogCompress   bool   `yaml:"log_compress"`
	MetricsPort   int    `yaml:"metrics_port"`
	DryRun        bool   `yaml:"dry_run"`
}

// APIConfig represents settings for the remote analytics API.
// The token is only ever read from the environment.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"-"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig represents object store settings. Credentials are only
// ever read from the environment.
type StorageConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
	SessionToken    string `yaml:"-"`

	ForcePathStyle bool   `yaml:"force_path_style"`
	UseAccelerate  bool   `yaml:"use_accelerate"`
	StorageClass   string `yaml:"storage_class"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	MultipartThreshold string  `yaml:"multipart_threshold"`
	MultipartChunkSize string  `yaml:"multipart_chunk_size"`
	Concurrency        int     `yaml:"concurrency"`
	MaxRetries         int     `yaml:"max_retries"`
	OptimizedUpload    bool    `yaml:"optimized_upload"`
	TargetThroughput   float64 `yaml:"target_throughput"`

	MoveObjectCap   int `yaml:"move_object_cap"`
	DeleteObjectCap int `yaml:"delete_object_cap"`
}

// ExportConfig represents settings for the export run itself
type ExportConfig struct {
	Experiments     []string `yaml:"experiments"`
	LocalRoot       string   `yaml:"local_root"`
	RemotePrefix    string   `yaml:"remote_prefix"`
	AnnotationsFile string   `yaml:"annotations_file"`

	SkipMirroredStatistics    bool    `yaml:"skip_mirrored_statistics"`
	ValidateGating            bool    `yaml:"validate_gating"`
	GatingSimilarityThreshold float64 `yaml:"gating_similarity_threshold"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFile:       "logs/export.log",
			LogMaxSizeMB:  1024,
			LogMaxBackups: 3,
			LogCompress:   false,
			MetricsPort:   9090,
			DryRun:        false,
		},
		API: APIConfig{
			BaseURL: "https://cellengine.com",
			Timeout: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Bucket:             "rnd-immune-profiling",
			Region:             "us-east-1",
			Endpoint:           "",
			ForcePathStyle:     false,
			UseAccelerate:      false,
			StorageClass:       "INTELLIGENT_TIERING",
			ConnectTimeout:     10 * time.Second,
			RequestTimeout:     5 * time.Minute,
			MultipartThreshold: "32MB",
			MultipartChunkSize: "16MB",
			Concurrency:        10,
			MaxRetries:         3,
			OptimizedUpload:    false,
			TargetThroughput:   100,
			MoveObjectCap:      100,
			DeleteObjectCap:    30,
		},
		Export: ExportConfig{
			Experiments: []string{
				"PICI0001-MAHLER",
				"Phase2 data subset of the original 2902 (Phase1) dataset",
				"PICI_0002_5_Penn - PFG",
				"PICI0002-X50-Complete",
				"2902 PICI-0002 Ship_4108 (Spitzer Hierarchy) - pfg",
				"2902 PICI-0002 Ship_6216 (Spitzer Hierarchy) - pfg",
				"2902 PICI-0002 Ship_6410 (finalized Hierarchy) - pfg",
				"2902 PICI-0002 Ship_5687 (Spitzer Hierarchy) - pfg",
				"2902 Clinical Samples-Spitzer-complete (original)",
				"2902 (PICI-0002) Re-run Ship ID 6216  - pfg",
				"PICI_0002_6_Penn - pfg",
				"PICI_0002_Penn - pfg",
				"PICI_0002_2_Penn - pfg",
				"PICI_0002_3_Penn - pfg",
				"PICI_0002_4_Penn - pfg",
				"2902 PICI-0002 Ship_6410 (finalized Hierarchy) - pfg (DIANE COPY)",
				"2902 PICI-0002 Ship_5687 (Spitzer Hierarchy) - Diane copy",
				"2902 PICI-0002 Ship_4108 (Spitzer Hierarchy) - Diane copy",
				"2902 PICI-0002 Ship_6216 (Spitzer Hierarchy) - Diane copy",
			},
			LocalRoot:                 "data",
			RemotePrefix:              "CellEngine/",
			AnnotationsFile:           "Annotations.xlsx",
			SkipMirroredStatistics:    false,
			ValidateGating:            false,
			GatingSimilarityThreshold: 0.9,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to read config file", err).
			WithContext("path", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to parse config file", err).
			WithContext("path", filename)
	}

	return nil
}

// LoadFromEnv loads configuration overrides and credentials from
// environment variables.
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("CELLENGINE_EXT_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("CELLENGINE_EXT_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("CELLENGINE_EXT_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("CELLENGINE_EXT_DRY_RUN"); val != "" {
		c.Global.DryRun = strings.ToLower(val) == "true"
	}

	// API settings
	if val := os.Getenv("CELLENGINE_EXT_BASE_URL"); val != "" {
		c.API.BaseURL = val
	}
	if val := os.Getenv("CELLENGINE_API_TOKEN"); val != "" {
		c.API.Token = val
	}

	// Storage settings
	if val := os.Getenv("CELLENGINE_EXT_BUCKET"); val != "" {
		c.Storage.Bucket = val
	}
	if val := os.Getenv("CELLENGINE_EXT_REGION"); val != "" {
		c.Storage.Region = val
	}
	if val := os.Getenv("CELLENGINE_EXT_ENDPOINT"); val != "" {
		c.Storage.Endpoint = val
	}
	if val := os.Getenv("AWS_ACCESS_KEY_ID"); val != "" {
		c.Storage.AccessKeyID = val
	}
	if val := os.Getenv("AWS_SECRET_ACCESS_KEY"); val != "" {
		c.Storage.SecretAccessKey = val
	} else if val := os.Getenv("AWS_SECRET_KEY"); val != "" {
		// Legacy variable name still honored by existing deployments.
		c.Storage.SecretAccessKey = val
	}
	if val := os.Getenv("AWS_SESSION_TOKEN"); val != "" {
		c.Storage.SessionToken = val
	}

	// Export settings
	if val := os.Getenv("CELLENGINE_EXT_EXPERIMENTS"); val != "" {
		var names []string
		for _, name := range strings.Split(val, ",") {
			if trimmed := strings.TrimSpace(name); trimmed != "" {
				names = append(names, trimmed)
			}
		}
		if len(names) > 0 {
			c.Export.Experiments = names
		}
	}
	if val := os.Getenv("CELLENGINE_EXT_LOCAL_ROOT"); val != "" {
		c.Export.LocalRoot = val
	}
	if val := os.Getenv("CELLENGINE_EXT_REMOTE_PREFIX"); val != "" {
		c.Export.RemotePrefix = val
	}
	if val := os.Getenv("CELLENGINE_EXT_SKIP_MIRRORED_STATISTICS"); val != "" {
		c.Export.SkipMirroredStatistics = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("CELLENGINE_EXT_VALIDATE_GATING"); val != "" {
		c.Export.ValidateGating = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file. Credentials are
// never written.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to marshal config", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to create config directory", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to write config file", err).
			WithContext("path", filename)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid log_level", err).
			WithContext("log_level", c.Global.LogLevel)
	}
	if c.Global.MetricsPort < 0 || c.Global.MetricsPort > 65535 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "metrics_port out of range: %d", c.Global.MetricsPort)
	}

	if c.API.BaseURL == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "api base_url must not be empty")
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Newf(errors.ErrCodeInvalidConfig, "api base_url is not a valid URL: %s", c.API.BaseURL)
	}
	if c.API.Timeout < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "api timeout cannot be negative")
	}

	if c.Storage.Bucket == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "storage bucket must not be empty")
	}
	if c.Storage.Region == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "storage region must not be empty")
	}
	if c.Storage.MultipartThreshold != "" {
		if _, err := utils.ParseBytes(c.Storage.MultipartThreshold); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid multipart_threshold", err)
		}
	}
	if c.Storage.MultipartChunkSize != "" {
		if _, err := utils.ParseBytes(c.Storage.MultipartChunkSize); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid multipart_chunk_size", err)
		}
	}
	if c.Storage.ConnectTimeout < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "storage connect_timeout cannot be negative")
	}
	if c.Storage.RequestTimeout < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "storage request_timeout cannot be negative")
	}
	if c.Storage.Concurrency <= 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "storage concurrency must be greater than 0")
	}
	if c.Storage.TargetThroughput < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "storage target_throughput cannot be negative")
	}
	if c.Storage.MoveObjectCap <= 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "move_object_cap must be greater than 0")
	}
	if c.Storage.DeleteObjectCap <= 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "delete_object_cap must be greater than 0")
	}

	if len(c.Export.Experiments) == 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "export experiments list must not be empty")
	}
	if c.Export.LocalRoot == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "export local_root must not be empty")
	}
	if err := utils.ValidatePath(c.Export.LocalRoot, true); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid local_root", err)
	}
	if c.Export.AnnotationsFile == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "annotations_file must not be empty")
	}
	if c.Export.GatingSimilarityThreshold < 0 || c.Export.GatingSimilarityThreshold > 1 {
		return errors.Newf(errors.ErrCodeInvalidConfig,
			"gating_similarity_threshold must be within [0, 1], got %v", c.Export.GatingSimilarityThreshold)
	}

	return nil
}
