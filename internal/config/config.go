/**
 * Configuration for the DUET STL worker
 *
 * Loads an optional .env file, then environment variables. Quality tiers may
 * be overridden from a YAML file.
 */

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/duet/stl-worker/internal/scad"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL  string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	QueueName string `env:"DUET_QUEUE" envDefault:"duet"`

	// PostgreSQL configuration
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Worker configuration
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"2"`
	MaxRetry          int           `env:"MAX_RETRY" envDefault:"3"`
	ProcessingTimeout time.Duration `env:"PROCESSING_TIMEOUT" envDefault:"10m"`

	// CAD engine configuration
	OpenSCADPath     string        `env:"OPENSCAD_PATH" envDefault:"openscad"`
	EngineTimeout    time.Duration `env:"ENGINE_TIMEOUT" envDefault:"120s"`
	ExportFormat     string        `env:"OPENSCAD_EXPORT_FORMAT" envDefault:"binstl"`
	HardWarnings     bool          `env:"OPENSCAD_HARD_WARNINGS" envDefault:"false"`
	QualityTiersFile string        `env:"QUALITY_TIERS_FILE"`

	// Font catalog. OpenSCAD silently substitutes a fallback for unknown
	// fonts; with CHECK_FONTS off nothing rejects such a request up front, so
	// the engine is run with hard warnings instead (see EngineHardWarnings).
	CheckFonts bool     `env:"CHECK_FONTS" envDefault:"true"`
	FontDirs   []string `env:"FONT_DIRS" envSeparator:":" envDefault:"/usr/share/fonts:/usr/local/share/fonts"`

	// Filesystem
	TempDir     string `env:"TEMP_DIR" envDefault:"/tmp/duet"`
	ArtifactDir string `env:"ARTIFACT_DIR" envDefault:"/var/lib/duet/stl"`

	// Observability
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"duet-stl-worker"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	tiers scad.QualityTiers
}

// LoadConfig loads configuration from envFile (if present) and the
// environment. Variables already set in the environment win over the file.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.tiers = scad.DefaultQualityTiers()
	if cfg.QualityTiersFile != "" {
		tiers, err := LoadTiers(cfg.QualityTiersFile)
		if err != nil {
			return nil, err
		}
		cfg.tiers = tiers
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueName == "" {
		return fmt.Errorf("DUET_QUEUE must not be empty")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 64 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 64, got %d", c.WorkerConcurrency)
	}

	if c.MaxRetry < 0 || c.MaxRetry > 25 {
		return fmt.Errorf("MAX_RETRY must be between 0 and 25, got %d", c.MaxRetry)
	}

	if c.EngineTimeout <= 0 {
		return fmt.Errorf("ENGINE_TIMEOUT must be positive, got %v", c.EngineTimeout)
	}

	// Both stages must fit inside one job.
	if c.ProcessingTimeout < 2*c.EngineTimeout {
		return fmt.Errorf("PROCESSING_TIMEOUT (%v) must be at least twice ENGINE_TIMEOUT (%v)",
			c.ProcessingTimeout, c.EngineTimeout)
	}

	switch c.ExportFormat {
	case "", "binstl", "asciistl", "stl":
	default:
		return fmt.Errorf("OPENSCAD_EXPORT_FORMAT must be binstl, asciistl or stl, got %q", c.ExportFormat)
	}

	if c.TempDir == "" || c.ArtifactDir == "" {
		return fmt.Errorf("TEMP_DIR and ARTIFACT_DIR are required")
	}

	if c.CheckFonts && len(c.FontDirs) == 0 {
		return fmt.Errorf("FONT_DIRS is required when CHECK_FONTS is enabled")
	}

	if err := c.QualityTiers().Validate(); err != nil {
		return fmt.Errorf("quality tiers: %w", err)
	}

	return nil
}

// EngineHardWarnings reports whether the engine should fail on its first
// warning: when asked to, or when no font catalog guards the request.
func (c *Config) EngineHardWarnings() bool {
	return c.HardWarnings || !c.CheckFonts
}

// QualityTiers returns the tiers from QualityTiersFile, or the defaults.
func (c *Config) QualityTiers() scad.QualityTiers {
	if len(c.tiers) == 0 {
		return scad.DefaultQualityTiers()
	}
	return c.tiers
}

type tiersFile struct {
	Tiers scad.QualityTiers `yaml:"tiers"`
}

// LoadTiers reads a quality tier table:
//
//	tiers:
//	  - max_height: 20
//	    segments: 64
//	  - segments: 48
func LoadTiers(path string) (scad.QualityTiers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read quality tiers: %w", err)
	}
	var f tiersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse quality tiers %s: %w", path, err)
	}
	if err := f.Tiers.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quality tiers %s: %w", path, err)
	}
	return f.Tiers, nil
}
