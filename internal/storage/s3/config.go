package s3

import (
	"time"
)

// Storage class constants accepted by Config.StorageClass.
const (
	ClassStandard    = "STANDARD"
	ClassStandardIA  = "STANDARD_IA"
	ClassOneZoneIA   = "ONEZONE_IA"
	ClassGlacierIR   = "GLACIER_IR"
	ClassGlacier     = "GLACIER"
	ClassDeepArchive = "DEEP_ARCHIVE"
	ClassIntelligent = "INTELLIGENT_TIERING"
)

// Config represents gateway configuration.
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	UseAccelerate   bool   `yaml:"use_accelerate"`
	StorageClass    string `yaml:"storage_class"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Concurrency    int           `yaml:"concurrency"`

	// Multipart transfer settings, in bytes
	MultipartThreshold int64 `yaml:"multipart_threshold"`
	MultipartChunkSize int64 `yaml:"multipart_chunk_size"`

	// Optimized upload path settings
	OptimizedUpload  bool    `yaml:"optimized_upload"`
	TargetThroughput float64 `yaml:"target_throughput"` // MB/s

	// Safety caps for directory-scoped mutations
	MoveObjectCap   int `yaml:"move_object_cap"`
	DeleteObjectCap int `yaml:"delete_object_cap"`

	// DryRun logs mutating operations instead of performing them.
	// Read-only operations always execute for real.
	DryRun bool `yaml:"dry_run"`
}

// DefaultConfig returns a gateway configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Region:             "us-east-1",
		StorageClass:       ClassIntelligent,
		MaxRetries:         3,
		ConnectTimeout:     10 * time.Second,
		RequestTimeout:     5 * time.Minute,
		Concurrency:        10,
		MultipartThreshold: 32 * 1024 * 1024,
		MultipartChunkSize: 16 * 1024 * 1024,
		OptimizedUpload:    false,
		TargetThroughput:   100.0,
		MoveObjectCap:      100,
		DeleteObjectCap:    30,
	}
}

// applyDefaults fills zero-valued fields so a partially populated Config
// behaves the same as DefaultConfig.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Region == "" {
		c.Region = def.Region
	}
	if c.StorageClass == "" {
		c.StorageClass = def.StorageClass
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.Concurrency == 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MultipartThreshold == 0 {
		c.MultipartThreshold = def.MultipartThreshold
	}
	if c.MultipartChunkSize == 0 {
		c.MultipartChunkSize = def.MultipartChunkSize
	}
	if c.TargetThroughput == 0 {
		c.TargetThroughput = def.TargetThroughput
	}
	if c.MoveObjectCap == 0 {
		c.MoveObjectCap = def.MoveObjectCap
	}
	if c.DeleteObjectCap == 0 {
		c.DeleteObjectCap = def.DeleteObjectCap
	}
}
