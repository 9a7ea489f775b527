// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mbeema/httpinspect/pkg/nhttp"
)

// Config is the top-level configuration for the inspector.
type Config struct {
	ServiceName string           `yaml:"service_name" env:"HTTPINSPECT_SERVICE_NAME"`
	LogLevel    string           `yaml:"log_level" env:"HTTPINSPECT_LOG_LEVEL"`
	Inspection  InspectionConfig `yaml:"inspection"`
	Capture     CaptureConfig    `yaml:"capture"`
	Conntrack   ConntrackConfig  `yaml:"conntrack"`
	Exporters   ExportersConfig  `yaml:"exporters"`
	Redaction   RedactionConfig  `yaml:"redaction"`
	Health      HealthConfig     `yaml:"health"`
}

// InspectionConfig holds the parameters every new section is built with.
type InspectionConfig struct {
	// Depths in bytes; -1 is unlimited.
	RequestDepth  int64 `yaml:"request_depth" env:"HTTPINSPECT_REQUEST_DEPTH"`
	ResponseDepth int64 `yaml:"response_depth" env:"HTTPINSPECT_RESPONSE_DEPTH"`
	FileDepth     int64 `yaml:"file_depth" env:"HTTPINSPECT_FILE_DEPTH"`

	DataBlockSize      int64 `yaml:"data_block_size" env:"HTTPINSPECT_DATA_BLOCK_SIZE"`
	FinalBlockSize     int64 `yaml:"final_block_size" env:"HTTPINSPECT_FINAL_BLOCK_SIZE"`
	GzipBlockSize      int64 `yaml:"gzip_block_size" env:"HTTPINSPECT_GZIP_BLOCK_SIZE"`
	FinalGzipBlockSize int64 `yaml:"final_gzip_block_size" env:"HTTPINSPECT_FINAL_GZIP_BLOCK_SIZE"`

	Unzip           bool `yaml:"unzip" env:"HTTPINSPECT_UNZIP"`
	ScratchOverhead int  `yaml:"scratch_overhead" env:"HTTPINSPECT_SCRATCH_OVERHEAD"`

	// HTTPPorts identifies the server side of a flow.
	HTTPPorts []uint16 `yaml:"http_ports" env:"HTTPINSPECT_HTTP_PORTS"`
	// DetectByContent also inspects flows on other ports whose first
	// client bytes look like HTTP/1.
	DetectByContent bool `yaml:"detect_by_content" env:"HTTPINSPECT_DETECT_BY_CONTENT"`
	// DumpSections logs the diagnostic dump of every section at debug level.
	DumpSections bool `yaml:"dump_sections" env:"HTTPINSPECT_DUMP_SECTIONS"`
}

// CaptureConfig selects the packet source.
type CaptureConfig struct {
	Interfaces     []string      `yaml:"interfaces" env:"HTTPINSPECT_CAPTURE_INTERFACES"`
	PcapFile       string        `yaml:"pcap_file" env:"HTTPINSPECT_PCAP_FILE"`
	Ports          []uint16      `yaml:"ports" env:"HTTPINSPECT_CAPTURE_PORTS"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	ReorderTimeout time.Duration `yaml:"reorder_timeout"`
}

// ConntrackConfig bounds the flow table.
type ConntrackConfig struct {
	MaxFlows        int           `yaml:"max_flows" env:"HTTPINSPECT_MAX_FLOWS"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"HTTPINSPECT_IDLE_TIMEOUT"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`

	BatchSize     int           `yaml:"batch_size"`
	QueueSize     int           `yaml:"queue_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// ReportClean also exports start lines that raised no infraction.
	ReportClean bool `yaml:"report_clean" env:"HTTPINSPECT_REPORT_CLEAN"`
	// SampleRate is the share of clean records kept (0.0-1.0). Records
	// carrying infractions or events are always kept.
	SampleRate float64 `yaml:"sample_rate" env:"HTTPINSPECT_SAMPLE_RATE"`
}

// RedactionConfig controls scrubbing of sensitive values from exported
// URIs and hosts.
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled" env:"HTTPINSPECT_REDACTION_ENABLED"`
	Rules   []RedactionRule `yaml:"rules"`
}

// RedactionRule is a user-supplied pattern applied after the built-in ones.
type RedactionRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled" env:"HTTPINSPECT_OTLP_ENABLED"`
	Endpoint    string            `yaml:"endpoint" env:"HTTPINSPECT_OTLP_ENDPOINT"`
	Protocol    string            `yaml:"protocol" env:"HTTPINSPECT_OTLP_PROTOCOL"` // "grpc" or "http"
	Insecure    bool              `yaml:"insecure" env:"HTTPINSPECT_OTLP_INSECURE"`
	Compression string            `yaml:"compression" env:"HTTPINSPECT_OTLP_COMPRESSION"` // "gzip" or "none"
	Headers     map[string]string `yaml:"headers" env:"HTTPINSPECT_OTLP_HEADERS"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled" env:"HTTPINSPECT_STDOUT_ENABLED"`
	Format  string `yaml:"format" env:"HTTPINSPECT_STDOUT_FORMAT"` // "text" or "json"
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" env:"HTTPINSPECT_HEALTH_ENABLED"`
	Port    string `yaml:"port" env:"HTTPINSPECT_HEALTH_PORT"` // e.g. ":8686"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := loadFileInto(path, cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return finish(cfg)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	p := nhttp.DefaultParaList()
	return &Config{
		ServiceName: "httpinspect",
		LogLevel:    "info",
		Inspection: InspectionConfig{
			RequestDepth:       p.RequestDepth,
			ResponseDepth:      p.ResponseDepth,
			FileDepth:          p.FileDepth,
			DataBlockSize:      p.DataBlockSize,
			FinalBlockSize:     p.FinalBlockSize,
			GzipBlockSize:      p.GzipBlockSize,
			FinalGzipBlockSize: p.FinalGzipBlockSize,
			Unzip:              p.Unzip,
			ScratchOverhead:    p.ScratchOverhead,
			HTTPPorts:          []uint16{80, 8000, 8008, 8080, 8888, 3000, 5000, 9090},
			DetectByContent:    true,
		},
		Capture: CaptureConfig{
			FlushInterval:  5 * time.Second,
			ReorderTimeout: 30 * time.Second,
		},
		Conntrack: ConntrackConfig{
			MaxFlows:        100000,
			IdleTimeout:     5 * time.Minute,
			CleanupInterval: 30 * time.Second,
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:  false,
				Endpoint: "localhost:4317",
				Protocol: "grpc",
				Insecure: true,
			},
			Stdout: StdoutConfig{
				Enabled: true,
				Format:  "text",
			},
			BatchSize:     500,
			QueueSize:     10000,
			FlushInterval: 5 * time.Second,
			SampleRate:    1.0,
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8686",
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml       → service_name, log_level, capture, conntrack, health
//   - inspection.yaml → inspection
//   - exporters.yaml  → exporters, redaction
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "inspection.yaml", "exporters.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ApplyEnvOverrides reads HTTPINSPECT_* environment variables and applies
// them over the YAML values. Unset variables leave fields untouched.
func (c *Config) ApplyEnvOverrides() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// ParaList converts the inspection settings to core parameters.
func (c *Config) ParaList() *nhttp.ParaList {
	in := &c.Inspection
	return &nhttp.ParaList{
		RequestDepth:       in.RequestDepth,
		ResponseDepth:      in.ResponseDepth,
		FileDepth:          in.FileDepth,
		DataBlockSize:      in.DataBlockSize,
		FinalBlockSize:     in.FinalBlockSize,
		GzipBlockSize:      in.GzipBlockSize,
		FinalGzipBlockSize: in.FinalGzipBlockSize,
		Unzip:              in.Unzip,
		ScratchOverhead:    in.ScratchOverhead,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}

	if err := c.ParaList().Validate(); err != nil {
		return fmt.Errorf("inspection: %w", err)
	}
	if len(c.Inspection.HTTPPorts) == 0 && !c.Inspection.DetectByContent {
		return errors.New("inspection.http_ports is empty and detect_by_content is off: nothing to inspect")
	}

	if c.Conntrack.MaxFlows <= 0 {
		return errors.New("conntrack.max_flows must be positive")
	}
	if c.Conntrack.IdleTimeout < time.Second {
		return errors.New("conntrack.idle_timeout must be at least 1s")
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return errors.New("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		if c.Exporters.OTLP.Protocol != "grpc" && c.Exporters.OTLP.Protocol != "http" {
			return errors.New("exporters.otlp.protocol must be 'grpc' or 'http'")
		}
		switch c.Exporters.OTLP.Compression {
		case "", "gzip", "none":
		default:
			return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none', got %q", c.Exporters.OTLP.Compression)
		}
	}
	if c.Exporters.Stdout.Enabled && c.Exporters.Stdout.Format != "text" && c.Exporters.Stdout.Format != "json" {
		return errors.New("exporters.stdout.format must be 'text' or 'json'")
	}

	if c.Exporters.SampleRate < 0 || c.Exporters.SampleRate > 1 {
		return fmt.Errorf("exporters.sample_rate must be between 0 and 1, got %v", c.Exporters.SampleRate)
	}

	for _, r := range c.Redaction.Rules {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("redaction rule %q: %w", r.Name, err)
		}
	}

	if c.Health.Enabled && c.Health.Port == "" {
		return errors.New("health.port is required when health is enabled")
	}
	return nil
}
