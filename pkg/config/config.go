// Package config loads the YAML configuration shared by the command
// line tools.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kass/go-geo-subset/pkg/models"
)

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_connections"`
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// DatasetConfig names the relocation table and its columns. A zero SRID
// means the reference system is looked up from the database.
type DatasetConfig struct {
	Table         string      `yaml:"table"`
	IDColumn      string      `yaml:"id_column"`
	GeomColumn    string      `yaml:"geometry_column"`
	TimeColumn    string      `yaml:"time_column"`
	SubjectColumn string      `yaml:"subject_column"`
	SRID          models.SRID `yaml:"srid"`
}

// DisplayConfig controls how the explorer presents coordinates.
type DisplayConfig struct {
	SRID models.SRID `yaml:"srid"`
}

// LoggingConfig selects log verbosity and destination.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

// Config is the root configuration for the subset tools.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Dataset  DatasetConfig  `yaml:"dataset"`
	Display  DisplayConfig  `yaml:"display"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			DBName:   "geodb",
			SSLMode:  "disable",
			MaxConns: 25,
		},
		Dataset: DatasetConfig{
			Table:         "relocations",
			IDColumn:      "gid",
			GeomColumn:    "geom",
			TimeColumn:    "reloc_time",
			SubjectColumn: "animal",
		},
		Display: DisplayConfig{SRID: 4326},
		Logging: LoggingConfig{Level: "info", Output: "stderr"},
	}
}

// Load reads YAML from r on top of the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadFile loads the configuration at path, or the defaults when path is
// empty.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Validate checks the fields every tool needs.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("config: database host is required")
	}
	if c.Database.Port <= 0 {
		return fmt.Errorf("config: database port must be positive")
	}
	if c.Dataset.Table == "" {
		return fmt.Errorf("config: dataset table is required")
	}
	if c.Dataset.IDColumn == "" || c.Dataset.GeomColumn == "" || c.Dataset.TimeColumn == "" {
		return fmt.Errorf("config: dataset id, geometry and time columns are required")
	}
	return nil
}

// NewLogger builds the process logger described by cfg. Unknown levels
// fall back to info, unknown outputs to stderr.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		out = os.Stdout
	case "none":
		out = io.Discard
	default:
		out = os.Stderr
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}
