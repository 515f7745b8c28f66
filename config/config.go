// Package config defines the daemon settings. Defaults reproduce the fixed
// ports and names the device firmware expects, so a daemon started without
// flags matches the legacy upload script defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cyberinferno/genie-upload/catalog"
	"github.com/cyberinferno/genie-upload/framing"
	"github.com/cyberinferno/genie-upload/logger"
	"github.com/cyberinferno/genie-upload/upload"
)

const (
	DefaultUploadAddr      = "0.0.0.0:22808"
	DefaultHTTPAddr        = "0.0.0.0:12800"
	DefaultDir             = "."
	DefaultLogLevel        = "info"
	DefaultCatalog         = "memory"
	DefaultCatalogTTL      = 24 * time.Hour
	DefaultShutdownTimeout = 10 * time.Second
)

// Config holds every setting of the serve command.
type Config struct {
	// Upload listener
	UploadAddr   string
	BufferSize   int
	ReadTimeout  time.Duration
	MaxSessions  int
	SpanChunks   bool
	FallbackName string

	// Download server; serves Dir, which is also where uploads are written
	HTTPAddr string
	Dir      string

	// Completed-upload catalog: "memory" or a redis:// URL
	Catalog    string
	CatalogTTL time.Duration

	// Prometheus text endpoint; empty disables it
	MetricsAddr string

	// Logging
	LogLevel string
	LogDir   string

	ShutdownTimeout time.Duration
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		UploadAddr:      DefaultUploadAddr,
		BufferSize:      upload.DefaultBufferSize,
		FallbackName:    framing.DefaultFallbackName,
		HTTPAddr:        DefaultHTTPAddr,
		Dir:             DefaultDir,
		Catalog:         DefaultCatalog,
		CatalogTTL:      DefaultCatalogTTL,
		LogLevel:        DefaultLogLevel,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	for name, addr := range map[string]string{"upload-addr": c.UploadAddr, "http-addr": c.HTTPAddr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", name, addr, err))
		}
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("invalid metrics-addr %q: %w", c.MetricsAddr, err))
		}
	}
	if c.UploadAddr == c.HTTPAddr {
		errs = append(errs, fmt.Errorf("upload-addr and http-addr must differ"))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer-size must be positive, got %d", c.BufferSize))
	}
	if c.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("read-timeout must not be negative"))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("max-sessions must not be negative"))
	}
	if c.Dir == "" {
		errs = append(errs, fmt.Errorf("dir must not be empty"))
	}
	if c.FallbackName == "" || strings.ContainsAny(c.FallbackName, `/\`) {
		errs = append(errs, fmt.Errorf("fallback-name must be a plain file name, got %q", c.FallbackName))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Catalog != "" && c.Catalog != "memory" &&
		!strings.HasPrefix(c.Catalog, "redis://") && !strings.HasPrefix(c.Catalog, "rediss://") {
		errs = append(errs, fmt.Errorf("catalog must be memory or a redis:// URL, got %q", c.Catalog))
	}

	return errors.Join(errs...)
}

// Upload returns the per-session settings derived from c.
func (c *Config) Upload() upload.Config {
	return upload.Config{
		BufferSize:   c.BufferSize,
		ReadTimeout:  c.ReadTimeout,
		FallbackName: c.FallbackName,
		SpanChunks:   c.SpanChunks,
	}
}

// OpenCatalog builds the configured catalog.
func (c *Config) OpenCatalog() (catalog.Catalog, error) {
	return catalog.Open(c.Catalog, c.CatalogTTL)
}

// String returns a sectioned, human-readable summary. Credentials in a redis
// URL are masked.
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-16s: %s\n", name, value))
	}

	orNone := func(v string) string {
		if v == "" {
			return "none"
		}
		return v
	}

	addSection("Upload Listener")
	addField("Address", c.UploadAddr)
	addField("Buffer size", fmt.Sprintf("%d bytes", c.BufferSize))
	addField("Read timeout", durationOrNone(c.ReadTimeout))
	addField("Max sessions", intOrUnbounded(c.MaxSessions))
	addField("Span chunks", fmt.Sprintf("%t", c.SpanChunks))
	addField("Fallback name", c.FallbackName)

	addSection("File Server")
	addField("Address", c.HTTPAddr)
	addField("Directory", c.Dir)

	addSection("Catalog")
	addField("Backend", maskURL(c.Catalog))
	addField("TTL", durationOrNone(c.CatalogTTL))

	addSection("Observability")
	addField("Metrics", orNone(c.MetricsAddr))
	addField("Log level", c.LogLevel)
	addField("Log dir", orNone(c.LogDir))

	return sb.String()
}

func durationOrNone(d time.Duration) string {
	if d <= 0 {
		return "none"
	}
	return d.String()
}

func intOrUnbounded(n int) string {
	if n <= 0 {
		return "unbounded"
	}
	return fmt.Sprintf("%d", n)
}

func maskURL(s string) string {
	at := strings.LastIndex(s, "@")
	scheme := strings.Index(s, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return s
	}
	return s[:scheme+3] + "***" + s[at:]
}
