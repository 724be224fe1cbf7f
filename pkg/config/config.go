// Package config defines the layered configuration for the calibration
// core: application, PLC transport, analysis client, monitoring engine,
// logging, metrics, tracing, materials repository, cache, rate limit,
// audit, and report sections.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level configuration tree.
type Config struct {
	App        AppConfig        `koanf:"app"`
	PLC        PLCConfig        `koanf:"plc"`
	Analysis   AnalysisConfig   `koanf:"analysis"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Tracing    TracingConfig    `koanf:"tracing"`
	Materials  MaterialsConfig  `koanf:"materials"`
	Cache      CacheConfig      `koanf:"cache"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Audit      AuditConfig      `koanf:"audit"`
	Report     ReportConfig     `koanf:"report"`
	Server     ServerConfig     `koanf:"server"`
}

// ServerConfig configures the control/status HTTP server.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// PLCConfig configures the Modbus/TCP transport to the packaging-machine
// controller.
type PLCConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	UnitID         byte          `koanf:"unit_id"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	UnitFactor     int           `koanf:"unit_factor"` // register value per gram, e.g. 10
}

// AnalysisConfig configures the HTTP analysis-service client.
type AnalysisConfig struct {
	BaseURL        string        `koanf:"base_url"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	ClientVersion  string        `koanf:"client_version"`
}

// MonitoringConfig configures the polling engine.
type MonitoringConfig struct {
	TickInterval        time.Duration `koanf:"tick_interval"`         // 100ms
	StarvationWindow     time.Duration `koanf:"starvation_window"`     // 15s
	StarvationDebounceMS int           `koanf:"starvation_debounce_ms"` // 200ms × hopper id
}

// LogConfig configures the logger.
type LogConfig struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // json, text
	Output     string `koanf:"output"`      // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`    // MB
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"` // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// MaterialsConfig configures the read-only materials repository.
type MaterialsConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	MigrationsPath  string        `koanf:"migrations_path"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// CacheConfig configures the snapshot cache.
type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Driver     string        `koanf:"driver"` // redis, memory
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	MaxEntries int           `koanf:"max_entries"` // memory backend only
}

// Address returns the cache backend's host:port.
func (c CacheConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RateLimitConfig configures the analysis-client rate limiter.
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Requests        int           `koanf:"requests"`
	Window          time.Duration `koanf:"window"`
	Strategy        string        `koanf:"strategy"`
	Backend         string        `koanf:"backend"`
	BurstSize       int           `koanf:"burst_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RedisAddr       string        `koanf:"redis_addr"`
}

// AuditConfig configures the compliance audit sink.
type AuditConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Backend     string        `koanf:"backend"` // stdout, file, http
	FilePath    string        `koanf:"file_path"`
	HTTPURL     string        `koanf:"http_url"`
	BufferSize  int           `koanf:"buffer_size"`
	FlushPeriod time.Duration `koanf:"flush_period"`
}

// ReportConfig configures the Excel/PDF report generator.
type ReportConfig struct {
	DefaultLanguage    string `koanf:"default_language"`
	DefaultCompanyName string `koanf:"default_company_name"`
	DefaultLogoURL     string `koanf:"default_logo_url"`
	PDF                PDFConfig `koanf:"pdf"`
}

// PDFConfig configures the PDF certificate renderer.
type PDFConfig struct {
	PageSize          string  `koanf:"page_size"`   // A4, Letter, Legal
	Orientation       string  `koanf:"orientation"` // portrait, landscape
	MarginTop         float64 `koanf:"margin_top"`
	MarginBottom      float64 `koanf:"margin_bottom"`
	MarginLeft        float64 `koanf:"margin_left"`
	MarginRight       float64 `koanf:"margin_right"`
	FontFamily        string  `koanf:"font_family"`
	FontSize          float64 `koanf:"font_size"`
	HeaderFontSize    float64 `koanf:"header_font_size"`
	EnablePageNumbers bool    `koanf:"enable_page_numbers"`
}

// Validate checks the configuration for required fields and legal values.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.PLC.Host == "" {
		errs = append(errs, "plc.host is required")
	}
	if c.PLC.Port <= 0 || c.PLC.Port > 65535 {
		errs = append(errs, fmt.Sprintf("plc.port must be between 1 and 65535, got %d", c.PLC.Port))
	}
	if c.PLC.UnitFactor <= 0 {
		errs = append(errs, "plc.unit_factor must be positive")
	}

	if c.Analysis.BaseURL == "" {
		errs = append(errs, "analysis.base_url is required")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	validPageSizes := map[string]bool{"A4": true, "Letter": true, "Legal": true}
	if c.Report.PDF.PageSize != "" && !validPageSizes[c.Report.PDF.PageSize] {
		errs = append(errs, fmt.Sprintf("report.pdf.page_size must be one of: A4, Letter, Legal, got %s", c.Report.PDF.PageSize))
	}

	validOrientations := map[string]bool{"portrait": true, "landscape": true}
	if c.Report.PDF.Orientation != "" && !validOrientations[c.Report.PDF.Orientation] {
		errs = append(errs, fmt.Sprintf("report.pdf.orientation must be one of: portrait, landscape, got %s", c.Report.PDF.Orientation))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether the app is running in a development environment.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the app is running in production.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
