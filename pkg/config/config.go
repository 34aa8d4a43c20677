// Package config assembles the service configuration from defaults, an
// optional YAML file and the environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-alertcache/pkg/archive"
	"github.com/illmade-knight/go-alertcache/pkg/cache"
	"github.com/illmade-knight/go-alertcache/pkg/microservice"
	"github.com/illmade-knight/go-alertcache/pkg/notify"
	"github.com/illmade-knight/go-alertcache/pkg/refresh"
	"github.com/illmade-knight/go-alertcache/pkg/regions"
	"github.com/illmade-knight/go-alertcache/pkg/upstream"
	"github.com/jmgilman/go/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendRedis     = "redis"
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
)

// Config is the complete service configuration.
type Config struct {
	Service      microservice.BaseConfig `yaml:"service"`
	Upstream     upstream.Config         `yaml:"upstream"`
	TTL          refresh.Config          `yaml:"ttl"`
	Redis        cache.RedisConfig       `yaml:"redis"`
	Firestore    cache.FirestoreConfig   `yaml:"firestore"`
	Notify       notify.Config           `yaml:"notify"`
	Archive      archive.Config          `yaml:"archive"`
	Regions      string                  `yaml:"regions"`
	StoreBackend string                  `yaml:"store_backend"`
	CacheKey     string                  `yaml:"cache_key"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Service: microservice.BaseConfig{
			LogLevel:    "info",
			HTTPPort:    ":8080",
			ServiceName: "alertcache",
		},
		Upstream: upstream.Config{
			BaseURL: upstream.DefaultBaseURL,
			Path:    upstream.DefaultPath,
			Timeout: upstream.DefaultTimeout,
		},
		TTL: refresh.Config{
			SoftTTL: 60 * time.Second,
			LockTTL: 10 * time.Second,
			HardTTL: 24 * time.Hour,
		},
		Redis: cache.RedisConfig{
			Addr: "localhost:6379",
		},
		Firestore: cache.FirestoreConfig{
			CollectionName: "alertcache",
		},
		Archive: archive.Config{
			ObjectPrefix: "snapshots",
		},
		Regions:      regions.DefaultSpec,
		StoreBackend: BackendRedis,
		CacheKey:     cache.DefaultKey,
	}
}

// Load builds a Config. Values are layered: defaults, then the YAML file at
// path (skipped when path is empty), then variables returned by getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "failed to read config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "failed to parse config file %s", path)
		}
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	setSeconds := func(name string, dst *time.Duration) error {
		v := getenv(name)
		if v == "" {
			return nil
		}
		d, err := parseSeconds(v)
		if err != nil {
			return errors.WithContext(
				errors.Wrapf(err, errors.CodeInvalidConfig, "invalid value for %s", name),
				"variable", name)
		}
		*dst = d
		return nil
	}

	setString("API_TOKEN", &c.Upstream.Token)
	setString("UPSTREAM_BASE_URL", &c.Upstream.BaseURL)
	setString("LOG_LEVEL", &c.Service.LogLevel)
	setString("REGIONS", &c.Regions)
	setString("STORE_BACKEND", &c.StoreBackend)
	setString("CACHE_KEY", &c.CacheKey)
	setString("GCP_PROJECT_ID", &c.Service.ProjectID)
	setString("GOOGLE_APPLICATION_CREDENTIALS", &c.Service.CredentialsFile)
	setString("FIRESTORE_COLLECTION", &c.Firestore.CollectionName)
	setString("NOTIFY_TOPIC_ID", &c.Notify.TopicID)
	setString("ARCHIVE_BUCKET", &c.Archive.BucketName)
	setString("ARCHIVE_PREFIX", &c.Archive.ObjectPrefix)
	setString("REDIS_PASSWORD", &c.Redis.Password)

	if v := getenv("HTTP_PORT"); v != "" {
		if !strings.Contains(v, ":") {
			v = ":" + v
		}
		c.Service.HTTPPort = v
	}

	host, port := getenv("REDIS_HOST"), getenv("REDIS_PORT")
	if host != "" || port != "" {
		curHost, curPort, err := net.SplitHostPort(c.Redis.Addr)
		if err != nil {
			curHost, curPort = c.Redis.Addr, "6379"
		}
		if host == "" {
			host = curHost
		}
		if port == "" {
			port = curPort
		}
		c.Redis.Addr = net.JoinHostPort(host, port)
	}
	if v := getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, "invalid value for REDIS_DB")
		}
		c.Redis.DB = db
	}

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"SOFT_TTL", &c.TTL.SoftTTL},
		{"LOCK_TTL", &c.TTL.LockTTL},
		{"HARD_TTL", &c.TTL.HardTTL},
		{"REDIS_HARD_TTL", &c.TTL.HardTTL},
		{"WAIT_CEILING", &c.TTL.WaitCeiling},
		{"UPSTREAM_TIMEOUT", &c.Upstream.Timeout},
	} {
		if err := setSeconds(d.name, d.dst); err != nil {
			return err
		}
	}

	if c.Firestore.ProjectID == "" {
		c.Firestore.ProjectID = c.Service.ProjectID
	}
	return nil
}

// parseSeconds accepts a bare integer number of seconds or a Go duration
// string such as "90s".
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// RegionSet parses the configured region ranges.
func (c *Config) RegionSet() (regions.Set, error) {
	return regions.ParseSet(c.Regions)
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	invalid := func(field, msg string) error {
		return errors.WithContext(errors.New(errors.CodeInvalidConfig, msg), "field", field)
	}

	if c.Upstream.Token == "" {
		return invalid("API_TOKEN", "API_TOKEN is required")
	}
	if c.TTL.SoftTTL <= 0 {
		return invalid("SOFT_TTL", "SOFT_TTL must be positive")
	}
	if c.TTL.LockTTL <= 0 {
		return invalid("LOCK_TTL", "LOCK_TTL must be positive")
	}
	if c.TTL.HardTTL <= c.TTL.SoftTTL {
		return invalid("REDIS_HARD_TTL", "REDIS_HARD_TTL must be greater than SOFT_TTL")
	}
	if c.CacheKey == "" {
		return invalid("CACHE_KEY", "cache key cannot be empty")
	}
	if _, err := c.RegionSet(); err != nil {
		return errors.WithContext(
			errors.Wrap(err, errors.CodeInvalidConfig, "REGIONS is not a valid range list"),
			"field", "REGIONS")
	}

	switch c.StoreBackend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			return invalid("REDIS_HOST", "redis address is required")
		}
	case BackendMemory:
	case BackendFirestore:
		if c.Firestore.ProjectID == "" {
			return invalid("GCP_PROJECT_ID", "GCP_PROJECT_ID is required for the firestore backend")
		}
		if c.Firestore.CollectionName == "" {
			return invalid("FIRESTORE_COLLECTION", "firestore collection is required")
		}
	default:
		return invalid("STORE_BACKEND", fmt.Sprintf("unknown store backend %q", c.StoreBackend))
	}

	if (c.Notify.TopicID != "" || c.Archive.BucketName != "") && c.Service.ProjectID == "" {
		return invalid("GCP_PROJECT_ID", "GCP_PROJECT_ID is required for notifications and archiving")
	}
	return nil
}

// DotEnv wraps getenv so that variables missing from the environment are
// looked up in the .env file at path. A missing file is not an error.
func DotEnv(path string, getenv func(string) string) (func(string) string, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return getenv, nil
	}

	read, err := godotenv.Read(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "failed to read env file %s", path)
	}
	// Names are case-insensitive in the settings files this reads.
	values := make(map[string]string, len(read))
	for k, v := range read {
		values[strings.ToUpper(k)] = v
	}

	return func(name string) string {
		if v := getenv(name); v != "" {
			return v
		}
		return values[name]
	}, nil
}
