package s3

import (
	"time"
)

// Config represents URL signing configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// URLTTL is how long a signed URL stays valid. Cached URLs expire
	// earlier so a caller never receives one about to lapse.
	URLTTL time.Duration `yaml:"url_ttl"`
	// CacheFraction is the share of URLTTL a signed URL may be cached for.
	CacheFraction float64 `yaml:"cache_fraction"`
	MaxRetries    int     `yaml:"max_retries"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:        "us-east-1",
		URLTTL:        15 * time.Minute,
		CacheFraction: 0.8,
		MaxRetries:    3,
	}
}
