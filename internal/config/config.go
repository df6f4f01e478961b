// Package config defines the proxy configuration. A Config is immutable per
// server instance: callers build a new one (or Clone and edit) and swap it in
// between Stop and the next Start, never mutate a running server's copy.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	defaultHost            = "127.0.0.1"
	defaultPort            = 8080
	defaultUpstreamBaseURL = "https://openrouter.ai/api/v1"
	defaultMaxRequests     = 1000
	defaultAppName         = "OpenRouter Proxy Interceptor"

	defaultConnectTimeoutSeconds = 10
	defaultReadTimeoutSeconds    = 60
)

// Config holds everything the proxy server needs for one run.
type Config struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// UpstreamBaseURL is the OpenRouter API root, e.g. "https://openrouter.ai/api/v1".
	UpstreamBaseURL string `yaml:"upstream-base-url" json:"upstream-base-url"`

	// APIKeys are rotated round-robin across inbound requests. Both APIKeys
	// and Models must be non-empty for any traffic to succeed; the server
	// still binds without them, requests just fail with a configuration error.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// Models are tried in order starting from the sticky rotation cursor.
	Models []string `yaml:"models" json:"models"`

	// MaxRequests bounds the intercept history; oldest entries are evicted.
	MaxRequests int `yaml:"max-requests" json:"max-requests"`

	// SiteURL and AppName become the HTTP-Referer and X-Title headers sent
	// upstream for OpenRouter site identification.
	SiteURL string `yaml:"site-url" json:"site-url"`
	AppName string `yaml:"app-name" json:"app-name"`

	// LogRequests toggles the intercept sink. Defaults to true.
	LogRequests *bool `yaml:"log-requests,omitempty" json:"log-requests,omitempty"`

	ConnectTimeoutSeconds int `yaml:"connect-timeout-seconds,omitempty" json:"connect-timeout-seconds,omitempty"`
	ReadTimeoutSeconds    int `yaml:"read-timeout-seconds,omitempty" json:"read-timeout-seconds,omitempty"`

	// UsageDBPath enables the sqlite daily usage store when set.
	UsageDBPath string `yaml:"usage-db,omitempty" json:"usage-db,omitempty"`

	// LogFile routes logs through a rotating file writer when set.
	LogFile  string `yaml:"log-file,omitempty" json:"log-file,omitempty"`
	LogLevel string `yaml:"log-level,omitempty" json:"log-level,omitempty"`
}

// Load reads and sanitizes a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize fills defaults and drops blank list entries.
func (c *Config) Sanitize() {
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Port <= 0 {
		c.Port = defaultPort
	}
	if strings.TrimSpace(c.UpstreamBaseURL) == "" {
		c.UpstreamBaseURL = defaultUpstreamBaseURL
	}
	c.UpstreamBaseURL = strings.TrimSuffix(strings.TrimSpace(c.UpstreamBaseURL), "/")
	if c.MaxRequests <= 0 {
		c.MaxRequests = defaultMaxRequests
	}
	if c.AppName == "" {
		c.AppName = defaultAppName
	}
	// Derive the site URL from the listen port unless one was set explicitly.
	if c.SiteURL == "" || c.SiteURL == "http://localhost:8080" || strings.HasSuffix(c.SiteURL, ":8080") {
		c.SiteURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	if c.ConnectTimeoutSeconds <= 0 {
		c.ConnectTimeoutSeconds = defaultConnectTimeoutSeconds
	}
	if c.ReadTimeoutSeconds <= 0 {
		c.ReadTimeoutSeconds = defaultReadTimeoutSeconds
	}
	c.APIKeys = dropBlank(c.APIKeys)
	c.Models = dropBlank(c.Models)

	log.WithFields(log.Fields{
		"keys":   len(c.APIKeys),
		"models": len(c.Models),
		"port":   c.Port,
	}).Debug("config sanitized")
}

// Clone returns a deep copy; the copy-on-write unit for restarts.
func (c *Config) Clone() *Config {
	out := *c
	out.APIKeys = append([]string(nil), c.APIKeys...)
	out.Models = append([]string(nil), c.Models...)
	if c.LogRequests != nil {
		v := *c.LogRequests
		out.LogRequests = &v
	}
	return &out
}

// Addr returns the host:port the server binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RequestLoggingEnabled reports whether exchanges should be recorded.
func (c *Config) RequestLoggingEnabled() bool {
	if c.LogRequests == nil {
		return true
	}
	return *c.LogRequests
}

// ConnectTimeout returns the upstream dial timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ReadTimeout returns the upstream read/write timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func dropBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
