package models

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr    string        `yaml:"server_addr"`
	DatabaseURL   string        `yaml:"database_url"`
	KafkaBroker   string        `yaml:"kafka_broker"`
	KafkaTopic    string        `yaml:"kafka_topic"`
	KafkaGroupID  string        `yaml:"kafka_group_id"`
	StoragePath   string        `yaml:"storage_path"`
	PublicBaseURL string        `yaml:"public_base_url"`
	LogLevel      string        `yaml:"log_level"`
	Workers       int           `yaml:"workers"`
	Catalog       CatalogConfig `yaml:"catalog"`
	Redis         RedisConfig   `yaml:"redis"`
	S3            S3Config      `yaml:"s3"`
	Settings      Settings      `yaml:"settings"`
}

// CatalogConfig selects the catalog backend: postgres, mongo or memory.
type CatalogConfig struct {
	Driver        string `yaml:"driver"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

// RedisConfig enables the read-through catalog cache when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// S3Config enables mirroring of generated variants when Bucket is set.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// Settings is the read-only settings surface consumed by the planner,
// the ingestor and the rewriter.
type Settings struct {
	EnableAdaptiveImages bool           `yaml:"enable_adaptive_images"`
	ConvertToWebP        bool           `yaml:"convert_to_webp"`
	ConvertToAVIF        bool           `yaml:"convert_to_avif"`
	ImageQuality         int            `yaml:"image_quality"`
	Breakpoints          []int          `yaml:"breakpoints"`
	LazyLoad             bool           `yaml:"lazy_load"`
	QualityOverrides     map[string]int `yaml:"quality_overrides"`
}

func DefaultSettings() Settings {
	return Settings{
		EnableAdaptiveImages: true,
		ConvertToWebP:        true,
		ConvertToAVIF:        true,
		ImageQuality:         100,
		Breakpoints:          []int{320, 480, 768, 1024, 1280, 1440, 1920},
		LazyLoad:             true,
	}
}

func DefaultConfig() Config {
	return Config{
		ServerAddr:    ":8080",
		KafkaTopic:    "image-uploads",
		KafkaGroupID:  "adaptimg-workers",
		StoragePath:   "./data",
		PublicBaseURL: "/files",
		LogLevel:      "info",
		Workers:       2,
		Catalog:       CatalogConfig{Driver: "postgres", MongoDatabase: "adaptimg"},
		Redis:         RedisConfig{TTL: 10 * time.Minute},
		Settings:      DefaultSettings(),
	}
}

// LoadConfig reads the YAML file at path on top of DefaultConfig, so keys
// missing from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Catalog.Driver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the postgres catalog")
		}
	case "mongo":
		if c.Catalog.MongoURI == "" {
			return fmt.Errorf("catalog.mongo_uri is required for the mongo catalog")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown catalog driver %q", c.Catalog.Driver)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	return c.Settings.Validate()
}

func (s Settings) Validate() error {
	if s.ImageQuality < 0 || s.ImageQuality > 100 {
		return fmt.Errorf("image_quality must be within 0-100, got %d", s.ImageQuality)
	}
	for _, w := range s.Breakpoints {
		if w <= 0 {
			return fmt.Errorf("breakpoints must be positive, got %d", w)
		}
	}
	for name, q := range s.QualityOverrides {
		if q < 0 || q > 100 {
			return fmt.Errorf("quality override %s must be within 0-100, got %d", name, q)
		}
	}
	return nil
}
