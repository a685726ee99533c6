package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	DB        DBConfig        `yaml:"db"`
	Server    ServerConfig    `yaml:"server"`
	Request   RequestConfig   `yaml:"request"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Cache     CacheConfig     `yaml:"cache"`
	Location  LocationConfig  `yaml:"location"`
	Nav       NavConfig       `yaml:"nav"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Server   LogSettings `yaml:"server"`
	Requests LogSettings `yaml:"requests"`
}

// LogSettings holds settings for a specific logger.
type LogSettings struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// DBConfig holds database settings.
type DBConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address         string   `yaml:"address"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// RequestConfig holds outbound HTTP settings shared by all fetchers.
type RequestConfig struct {
	Retries   int           `yaml:"retries"`
	Timeout   Duration      `yaml:"timeout"`
	Gap       Duration      `yaml:"gap"`
	UserAgent string        `yaml:"user_agent"`
	Backoff   BackoffConfig `yaml:"backoff"`
}

// BackoffConfig holds exponential backoff settings.
type BackoffConfig struct {
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

// EndpointsConfig holds the upstream service URLs.
type EndpointsConfig struct {
	Overpass  string `yaml:"overpass"`
	OSRM      string `yaml:"osrm"`
	Nominatim string `yaml:"nominatim"`
}

// CacheConfig holds keyed cache settings.
type CacheConfig struct {
	NearbyTTL      Duration `yaml:"nearby_ttl"`
	NearbyCapacity int      `yaml:"nearby_capacity"`
	RouteCapacity  int      `yaml:"route_capacity"`
	FetchTimeout   Duration `yaml:"fetch_timeout"`
	// Retention prunes persisted cache rows older than this at startup.
	Retention Duration `yaml:"retention"`
}

// LocationConfig holds location service settings.
type LocationConfig struct {
	MaxAge   Duration `yaml:"max_age"`
	Language string   `yaml:"language"`
}

// NavConfig holds request defaults for the nav API.
type NavConfig struct {
	DefaultRadius Distance `yaml:"default_radius"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Server: LogSettings{
				Path:  "./logs/server.log",
				Level: "INFO",
			},
			Requests: LogSettings{
				Path:  "./logs/requests.log",
				Level: "INFO",
			},
		},
		DB: DBConfig{
			Path: "./data/offlinenav.db",
		},
		Server: ServerConfig{
			Address:         "localhost:8787",
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Request: RequestConfig{
			Retries: 3,
			Timeout: Duration(20 * time.Second),
			Gap:     Duration(100 * time.Millisecond),
			Backoff: BackoffConfig{
				BaseDelay: Duration(1 * time.Second),
				MaxDelay:  Duration(60 * time.Second),
			},
		},
		Endpoints: EndpointsConfig{
			Overpass:  "https://overpass-api.de/api/interpreter",
			OSRM:      "https://router.project-osrm.org",
			Nominatim: "https://nominatim.openstreetmap.org",
		},
		Cache: CacheConfig{
			NearbyTTL:      Duration(15 * time.Minute),
			NearbyCapacity: 512,
			RouteCapacity:  256,
			FetchTimeout:   Duration(20 * time.Second),
			Retention:      Duration(Week),
		},
		Location: LocationConfig{
			MaxAge:   Duration(15 * time.Minute),
			Language: "en",
		},
		Nav: NavConfig{
			DefaultRadius: Distance(1000),
		},
	}
}

// Load loads the configuration from the given path.
// If the file does not exist, it creates it with default values.
// If the file exists, it merges defaults with existing values but does NOT
// save back to disk (to preserve user formatting and comments).
// OFFLINENAV_* environment variables override file values in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := Save(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to save config file: %w", err)
	}

	ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"overpass":  c.Endpoints.Overpass,
		"osrm":      c.Endpoints.OSRM,
		"nominatim": c.Endpoints.Nominatim,
	} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid endpoints.%s url %q", name, raw)
		}
	}
	if c.Cache.NearbyTTL <= 0 {
		return fmt.Errorf("cache.nearby_ttl must be positive")
	}
	if c.Cache.NearbyCapacity <= 0 || c.Cache.RouteCapacity <= 0 {
		return fmt.Errorf("cache capacities must be positive")
	}
	if c.Nav.DefaultRadius <= 0 {
		return fmt.Errorf("nav.default_radius must be positive")
	}
	return nil
}

// Save writes the configuration to the path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# offlinenav configuration
# ------------------------
# Supported Units:
#   Duration: ns, us (or µs), ms, s, m, h, d (day), w (week)
#   Distance: m (meters), km (kilometers), mi (miles), ft (feet)
# Environment overrides (also read from .env):
#   OFFLINENAV_ADDRESS, OFFLINENAV_DB_PATH, OFFLINENAV_LOG_LEVEL,
#   OFFLINENAV_OVERPASS_URL, OFFLINENAV_OSRM_URL, OFFLINENAV_NOMINATIM_URL

`)
	data = append(header, data...)

	reTTL := regexp.MustCompile(`(?m)^(\s+)nearby_ttl:`)
	data = reTTL.ReplaceAll(data, []byte("${1}# Nearby POI results older than this are refreshed; stale values are still served when offline\n${1}nearby_ttl:"))

	reLevel := regexp.MustCompile(`(?m)^(\s+)level:`)
	data = reLevel.ReplaceAll(data, []byte("${1}# Options: DEBUG, INFO, WARN, ERROR\n${1}level:"))

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefault creates a default config file at the given path.
// Returns nil if the file already exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return Save(path, DefaultConfig())
}
