package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"mediakit/internal/logger"
	"mediakit/pkg/models"
)

// Config holds all process configuration. Engine tuning lives in the ini
// file named by IniPath.
type Config struct {
	// Listener ports; 0 leaves the listener off
	HTTPPort  int `envconfig:"HTTP_PORT" default:"8080"`
	HTTPSPort int `envconfig:"HTTPS_PORT" default:"0"`
	RTSPPort  int `envconfig:"RTSP_PORT" default:"554"`
	RTSPSPort int `envconfig:"RTSPS_PORT" default:"0"`
	RTMPPort  int `envconfig:"RTMP_PORT" default:"1935"`
	RTMPSPort int `envconfig:"RTMPS_PORT" default:"0"`
	RTPPort   int `envconfig:"RTP_PORT" default:"10000"`
	SRTPort   int `envconfig:"SRT_PORT" default:"9000"`
	RTCPort   int `envconfig:"RTC_PORT" default:"8000"`
	ShellPort int `envconfig:"SHELL_PORT" default:"0"`

	// PEM certificate and key, as file paths
	SSLCert string `envconfig:"SSL_CERT"`
	SSLKey  string `envconfig:"SSL_KEY"`

	ThreadNum int `envconfig:"THREAD_NUM" default:"0"`

	// Logging: level 0 (trace) to 4 (error); mask bits 1 console, 2 file, 4 hook
	LogLevel int    `envconfig:"LOG_LEVEL" default:"2"`
	LogMask  int    `envconfig:"LOG_MASK" default:"1"`
	LogPath  string `envconfig:"LOG_PATH" default:"./log/mediakit.log"`
	LogDays  int    `envconfig:"LOG_DAYS" default:"7"`

	IniPath string `envconfig:"INI_PATH"`

	// Storage
	StorageType string `envconfig:"STORAGE_TYPE" default:"local"`
	StorageDir  string `envconfig:"STORAGE_DIR" default:"./www"`
	GCSBucket   string `envconfig:"GCS_BUCKET"`
	GCSPrefix   string `envconfig:"GCS_PREFIX"`

	// Publishing
	PublishURL           string        `envconfig:"PUBLISH_URL" default:"rtmp://localhost:1935"`
	RequireToken         bool          `envconfig:"REQUIRE_TOKEN" default:"false"`
	TokenCleanupInterval time.Duration `envconfig:"TOKEN_CLEANUP_INTERVAL" default:"1m"`

	// PullSources lists on-demand origins as "app/stream=url" entries,
	// parsed into Proxies
	PullSources []string      `envconfig:"PULL_SOURCES"`
	Proxies     []ProxySource `ignored:"true"`

	// ProxyBackend receives HTTP requests under /proxy/; empty disables
	ProxyBackend string `envconfig:"PROXY_BACKEND"`
}

// ProxySource is one parsed PULL_SOURCES entry
type ProxySource struct {
	Key models.StreamKey
	URL string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LogOptions converts the logging settings for logger.Setup
func (c *Config) LogOptions() logger.Options {
	return logger.Options{
		Level:    c.LogLevel,
		Mask:     c.LogMask,
		FilePath: c.LogPath,
		FileDays: c.LogDays,
	}
}

// TLSEnabled reports whether any TLS listener is configured
func (c *Config) TLSEnabled() bool {
	return c.HTTPSPort != 0 || c.RTSPSPort != 0 || c.RTMPSPort != 0
}

func validate(config *Config) error {
	ports := map[string]int{
		"HTTP_PORT":  config.HTTPPort,
		"HTTPS_PORT": config.HTTPSPort,
		"RTSP_PORT":  config.RTSPPort,
		"RTSPS_PORT": config.RTSPSPort,
		"RTMP_PORT":  config.RTMPPort,
		"RTMPS_PORT": config.RTMPSPort,
		"RTP_PORT":   config.RTPPort,
		"SRT_PORT":   config.SRTPort,
		"RTC_PORT":   config.RTCPort,
		"SHELL_PORT": config.ShellPort,
	}
	for name, port := range ports {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s must be between 0 and 65535", name)
		}
	}
	if config.TLSEnabled() && config.SSLCert == "" {
		return fmt.Errorf("SSL_CERT is required when a TLS port is set")
	}

	if config.ThreadNum < 0 {
		return fmt.Errorf("THREAD_NUM must not be negative")
	}
	if config.LogLevel < 0 || config.LogLevel > 4 {
		return fmt.Errorf("LOG_LEVEL must be between 0 and 4")
	}
	if config.LogMask < 0 || config.LogMask > logger.MaskConsole|logger.MaskFile|logger.MaskCallback {
		return fmt.Errorf("LOG_MASK must be between 0 and 7")
	}
	if config.LogMask&logger.MaskFile != 0 && config.LogPath == "" {
		return fmt.Errorf("LOG_PATH is required when file logging is enabled")
	}

	switch config.StorageType {
	case "local":
		if config.StorageDir == "" {
			return fmt.Errorf("STORAGE_DIR is required")
		}
	case "gcs":
		if config.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when STORAGE_TYPE=gcs")
		}
	default:
		return fmt.Errorf("STORAGE_TYPE must be local or gcs, got %q", config.StorageType)
	}

	if config.TokenCleanupInterval <= 0 {
		return fmt.Errorf("TOKEN_CLEANUP_INTERVAL must be positive")
	}
	if config.ProxyBackend != "" {
		if _, err := url.ParseRequestURI(config.ProxyBackend); err != nil {
			return fmt.Errorf("PROXY_BACKEND: %w", err)
		}
	}

	config.Proxies = nil
	for _, entry := range config.PullSources {
		src, err := parseProxySource(entry)
		if err != nil {
			return fmt.Errorf("PULL_SOURCES: %w", err)
		}
		config.Proxies = append(config.Proxies, src)
	}

	return nil
}

// parseProxySource reads "app/stream=url" into a default-vhost route
func parseProxySource(entry string) (ProxySource, error) {
	path, origin, ok := strings.Cut(strings.TrimSpace(entry), "=")
	if !ok || origin == "" {
		return ProxySource{}, fmt.Errorf("entry %q is not app/stream=url", entry)
	}
	info, err := models.ParseMediaInfo("", path)
	if err != nil {
		return ProxySource{}, err
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" {
		return ProxySource{}, fmt.Errorf("entry %q has an invalid origin url", entry)
	}
	return ProxySource{Key: info.Key(), URL: origin}, nil
}
