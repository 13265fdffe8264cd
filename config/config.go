package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Txt2Detection Txt2DetectionConfig `yaml:"txt2detection"`
}

// Txt2DetectionConfig is the project configuration.
type Txt2DetectionConfig struct {
	Catalogs CatalogsConfig `yaml:"catalogs"`
	Bundle   BundleConfig   `yaml:"bundle"`
	Input    InputConfig    `yaml:"input"`
	Output   OutputConfig   `yaml:"output"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// CatalogsConfig configures the ATT&CK and CVE lookup services.
type CatalogsConfig struct {
	CTIButler CatalogConfig `yaml:"ctibutler"`
	Vulmatch  CatalogConfig `yaml:"vulmatch"`
}

// CatalogConfig configures one catalog API. Empty URL and key fall back to
// the environment.
type CatalogConfig struct {
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// BundleConfig holds defaults for jobs that do not set them.
type BundleConfig struct {
	TLPLevel string   `yaml:"tlp_level"`
	Status   string   `yaml:"status"`
	License  string   `yaml:"license"`
	Labels   []string `yaml:"labels"`
	Provider string   `yaml:"provider"`
}

// InputConfig controls the worker job source.
type InputConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig controls a Redis list.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
	FailedKey    string        `yaml:"failed_key"`
}

// OutputConfig controls where bundles are written.
type OutputConfig struct {
	Mode  string           `yaml:"mode"` // file|http|redis
	File  FileOutputConfig `yaml:"file"`
	HTTP  HTTPOutputConfig `yaml:"http"`
	Redis RedisConfig      `yaml:"redis"`
}

// FileOutputConfig config for the output directory tree.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
	Retries int               `yaml:"retries"`
	Backoff time.Duration     `yaml:"backoff"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
	RunDir  string `yaml:"run_dir"`
}

// MetricsConfig controls metrics export.
type MetricsConfig struct {
	Listen      string `yaml:"listen"`
	PushGateway string `yaml:"pushgateway"`
	Job         string `yaml:"job"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return &cfg, nil
}
