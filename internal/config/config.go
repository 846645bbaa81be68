// Package config provides the structure, loading and validation of the relay's configuration.
package config

import (
	"fmt"
	"geogate/internal/geo"
	"geogate/internal/policy"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// LogLevel defines the logging level.
type LogLevel string

const (
	// LogLevelDebug is the debug log level.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is the info log level.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn is the warn log level.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError is the error log level.
	LogLevelError LogLevel = "error"
)

// LogFormat selects the log encoder.
type LogFormat string

const (
	// LogFormatConsole writes human readable lines.
	LogFormatConsole LogFormat = "console"
	// LogFormatJSON writes one JSON object per line.
	LogFormatJSON LogFormat = "json"
)

const (
	defaultListenHost      = "0.0.0.0"
	defaultListenPort      = 11221
	defaultTargetHost      = "0.0.0.0"
	defaultTargetPort      = 11010
	defaultDialTimeout     = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Environment variable names.
const (
	EnvListenHost              = "LISTEN_HOST"
	EnvListenPort              = "LISTEN_PORT"
	EnvTargetHost              = "TARGET_HOST"
	EnvTargetPort              = "TARGET_PORT"
	EnvGeoIPDBPath             = "GEOIP_DB_PATH"
	EnvBlockIfInCountries      = "BLOCK_IF_IN_COUNTRIES"
	EnvBlockIfNotInCountries   = "BLOCK_IF_NOT_IN_COUNTRIES"
	EnvDialTimeout             = "DIAL_TIMEOUT"
	EnvShutdownTimeout         = "SHUTDOWN_TIMEOUT"
	EnvLogLevel                = "LOG_LEVEL"
	EnvLogFormat               = "LOG_FORMAT"
	EnvAdminAddress            = "ADMIN_ADDRESS"
	EnvTargetDNSServers        = "TARGET_DNS_SERVERS"
	EnvTargetDNSServerStrategy = "TARGET_DNS_STRATEGY"
)

// Duration is a time.Duration that reads Go duration strings from YAML.
type Duration time.Duration

// UnmarshalYAML parses values such as "30s" or "1m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration in Go notation.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// DNSConfig holds settings for resolving the target host through explicit
// upstream servers instead of the system resolver.
type DNSConfig struct {
	UpstreamServers        []string          `yaml:"upstream_servers"`
	UpstreamServerStrategy string            `yaml:"upstream_server_strategy"`
	QueryTimeout           Duration          `yaml:"query_timeout"`
	CustomRecords          map[string]string `yaml:"custom_records"`
}

// Config is the top-level structure mapping to the YAML configuration file.
type Config struct {
	LogLevel              LogLevel  `yaml:"log_level"`
	LogFormat             LogFormat `yaml:"log_format"`
	ListenHost            string    `yaml:"listen_host"`
	ListenPort            int       `yaml:"listen_port"`
	TargetHost            string    `yaml:"target_host"`
	TargetPort            int       `yaml:"target_port"`
	GeoIPDBPath           string    `yaml:"geoip_db_path"`
	BlockIfInCountries    []string  `yaml:"block_if_in_countries"`
	BlockIfNotInCountries []string  `yaml:"block_if_not_in_countries"`
	DialTimeout           Duration  `yaml:"dial_timeout"`
	ShutdownTimeout       Duration  `yaml:"shutdown_timeout"`
	AdminAddress          string    `yaml:"admin_address,omitempty"`
	DNS                   DNSConfig `yaml:"dns"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		LogLevel:        LogLevelInfo,
		LogFormat:       LogFormatConsole,
		ListenHost:      defaultListenHost,
		ListenPort:      defaultListenPort,
		TargetHost:      defaultTargetHost,
		TargetPort:      defaultTargetPort,
		GeoIPDBPath:     geo.DefaultDatabasePath,
		DialTimeout:     Duration(defaultDialTimeout),
		ShutdownTimeout: Duration(defaultShutdownTimeout),
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// and the process environment, in that order of increasing precedence.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		configFile, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read config file '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(configFile, cfg); err != nil {
			return nil, fmt.Errorf("could not parse config file '%s' as YAML: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. lookup has the
// signature of os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvListenHost); ok {
		c.ListenHost = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvListenPort); ok {
		port, err := parsePort(EnvListenPort, v)
		if err != nil {
			return err
		}
		c.ListenPort = port
	}
	if v, ok := lookup(EnvTargetHost); ok {
		c.TargetHost = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvTargetPort); ok {
		port, err := parsePort(EnvTargetPort, v)
		if err != nil {
			return err
		}
		c.TargetPort = port
	}
	if v, ok := lookup(EnvGeoIPDBPath); ok {
		c.GeoIPDBPath = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvBlockIfInCountries); ok {
		c.BlockIfInCountries = ParseCountryList(v)
	}
	if v, ok := lookup(EnvBlockIfNotInCountries); ok {
		c.BlockIfNotInCountries = ParseCountryList(v)
	}
	if v, ok := lookup(EnvDialTimeout); ok {
		d, err := parseDuration(EnvDialTimeout, v)
		if err != nil {
			return err
		}
		c.DialTimeout = d
	}
	if v, ok := lookup(EnvShutdownTimeout); ok {
		d, err := parseDuration(EnvShutdownTimeout, v)
		if err != nil {
			return err
		}
		c.ShutdownTimeout = d
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.LogLevel = LogLevel(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup(EnvLogFormat); ok {
		c.LogFormat = LogFormat(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup(EnvAdminAddress); ok {
		c.AdminAddress = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvTargetDNSServers); ok {
		c.DNS.UpstreamServers = splitList(v)
	}
	if v, ok := lookup(EnvTargetDNSServerStrategy); ok {
		c.DNS.UpstreamServerStrategy = strings.TrimSpace(v)
	}
	return nil
}

// ParseCountryList splits a comma-separated list of country codes, trimming
// whitespace, discarding empty tokens and upper-casing the rest.
func ParseCountryList(s string) []string {
	var codes []string
	for _, token := range splitList(s) {
		codes = append(codes, strings.ToUpper(token))
	}
	return codes
}

// Rules returns the admission rules described by the configuration.
func (c *Config) Rules() policy.Rules {
	return policy.Rules{
		BlockIfIn:    policy.NewCountrySet(c.BlockIfInCountries...),
		BlockIfNotIn: policy.NewCountrySet(c.BlockIfNotInCountries...),
	}
}

// ListenAddress returns the host:port the relay binds to.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// TargetAddress returns the upstream host:port.
func (c *Config) TargetAddress() string {
	return net.JoinHostPort(c.TargetHost, strconv.Itoa(c.TargetPort))
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d is out of range", c.ListenPort)
	}
	if c.TargetPort < 1 || c.TargetPort > 65535 {
		return fmt.Errorf("target_port %d is out of range", c.TargetPort)
	}
	if c.TargetHost == "" {
		return fmt.Errorf("target_host must be set")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	case "":
		c.LogLevel = LogLevelInfo
	default:
		return fmt.Errorf("unknown log_level: %s", c.LogLevel)
	}
	switch c.LogFormat {
	case LogFormatConsole, LogFormatJSON:
	case "":
		c.LogFormat = LogFormatConsole
	default:
		return fmt.Errorf("unknown log_format: %s", c.LogFormat)
	}
	for _, code := range append(append([]string{}, c.BlockIfInCountries...), c.BlockIfNotInCountries...) {
		if geo.Normalize(code) == geo.Unknown {
			return fmt.Errorf("invalid country code '%s': expected a two-letter ISO-3166 code", code)
		}
	}
	for _, server := range c.DNS.UpstreamServers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			return fmt.Errorf("invalid DNS upstream server '%s': %w", server, err)
		}
	}
	for host, ip := range c.DNS.CustomRecords {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("invalid IP for custom_record '%s'", host)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, token := range strings.Split(s, ",") {
		if token = strings.TrimSpace(token); token != "" {
			out = append(out, token)
		}
	}
	return out
}

func parsePort(key, v string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s': %w", key, v, err)
	}
	return port, nil
}

func parseDuration(key, v string) (Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s': %w", key, v, err)
	}
	return Duration(d), nil
}
