// Package config loads the runner configuration from a TOML or YAML file and
// the environment.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/zlnvch/marginalia/models"
)

type Config struct {
	DevMode   bool            `toml:"dev_mode" yaml:"dev_mode"`
	Store     StoreConfig     `toml:"store" yaml:"store"`
	Session   SessionConfig   `toml:"session" yaml:"session"`
	Dashboard DashboardConfig `toml:"dashboard" yaml:"dashboard"`
	Redis     RedisConfig     `toml:"redis" yaml:"redis"`
	Queue     QueueConfig     `toml:"queue" yaml:"queue"`
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

type StoreConfig struct {
	URL               string  `toml:"url" yaml:"url"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `toml:"burst" yaml:"burst"`
	TimeoutSeconds    int     `toml:"timeout_seconds" yaml:"timeout_seconds"`
}

type SessionConfig struct {
	UserId      string `toml:"user_id" yaml:"user_id"`
	Username    string `toml:"username" yaml:"username"`
	Instructor  bool   `toml:"instructor" yaml:"instructor"`
	ConsumerKey string `toml:"consumer_key" yaml:"consumer_key"`
	// Base64 encoded.
	ConsumerSecret  string `toml:"consumer_secret" yaml:"consumer_secret"`
	TokenTTLSeconds int    `toml:"token_ttl_seconds" yaml:"token_ttl_seconds"`
}

type DashboardConfig struct {
	ObjectId       string `toml:"object_id" yaml:"object_id"`
	ContextId      string `toml:"context_id" yaml:"context_id"`
	CollectionId   string `toml:"collection_id" yaml:"collection_id"`
	Media          string `toml:"media" yaml:"media"`
	Pagination     int    `toml:"pagination" yaml:"pagination"`
	PollIntervalMs int    `toml:"poll_interval_ms" yaml:"poll_interval_ms"`
	PollAttempts   int    `toml:"poll_attempts" yaml:"poll_attempts"`
	TagColors      string `toml:"tag_colors" yaml:"tag_colors"`
}

type RedisConfig struct {
	Endpoint string `toml:"endpoint" yaml:"endpoint"`
}

type QueueConfig struct {
	Endpoint string `toml:"endpoint" yaml:"endpoint"`
	Name     string `toml:"name" yaml:"name"`
}

type ServerConfig struct {
	Port          string `toml:"port" yaml:"port"`
	AllowedOrigin string `toml:"allowed_origin" yaml:"allowed_origin"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Pretty bool   `toml:"pretty" yaml:"pretty"`
}

func Default() *Config {
	return &Config{
		Store: StoreConfig{
			RequestsPerSecond: 10,
			Burst:             20,
			TimeoutSeconds:    30,
		},
		Session: SessionConfig{
			TokenTTLSeconds: 86400,
		},
		Dashboard: DashboardConfig{
			Media:          string(models.MediaText),
			Pagination:     50,
			PollIntervalMs: 100,
			PollAttempts:   100,
		},
		Queue: QueueConfig{
			Name: "AnnotationReconcileQueue",
		},
		Server: ServerConfig{
			Port: "8080",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path, applies environment overrides and validates. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}
	return cfg, nil
}

// ApplyEnvOverrides reads MARGINALIA_* variables over the file values.
func (c *Config) ApplyEnvOverrides() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	setBool("MARGINALIA_DEV_MODE", &c.DevMode)
	setString("MARGINALIA_STORE_URL", &c.Store.URL)
	setString("MARGINALIA_USER_ID", &c.Session.UserId)
	setString("MARGINALIA_USERNAME", &c.Session.Username)
	setBool("MARGINALIA_INSTRUCTOR", &c.Session.Instructor)
	setString("MARGINALIA_CONSUMER_KEY", &c.Session.ConsumerKey)
	setString("MARGINALIA_CONSUMER_SECRET", &c.Session.ConsumerSecret)
	setString("MARGINALIA_OBJECT_ID", &c.Dashboard.ObjectId)
	setString("MARGINALIA_CONTEXT_ID", &c.Dashboard.ContextId)
	setString("MARGINALIA_COLLECTION_ID", &c.Dashboard.CollectionId)
	setString("MARGINALIA_MEDIA", &c.Dashboard.Media)
	setInt("MARGINALIA_PAGINATION", &c.Dashboard.Pagination)
	setString("MARGINALIA_TAG_COLORS", &c.Dashboard.TagColors)
	setString("MARGINALIA_REDIS_ENDPOINT", &c.Redis.Endpoint)
	setString("MARGINALIA_SQS_ENDPOINT", &c.Queue.Endpoint)
	setString("MARGINALIA_SQS_QUEUE", &c.Queue.Name)
	setString("MARGINALIA_PORT", &c.Server.Port)
	setString("MARGINALIA_ALLOWED_ORIGIN", &c.Server.AllowedOrigin)
	setString("MARGINALIA_LOG_LEVEL", &c.Log.Level)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Store.URL == "" {
		errs = append(errs, errors.New("store.url is required"))
	}
	if c.Session.UserId == "" {
		errs = append(errs, errors.New("session.user_id is required"))
	}
	if _, err := c.Secret(); err != nil {
		errs = append(errs, fmt.Errorf("session.consumer_secret: %w", err))
	}
	if c.Dashboard.ObjectId == "" || c.Dashboard.ContextId == "" || c.Dashboard.CollectionId == "" {
		errs = append(errs, errors.New("dashboard.object_id, context_id and collection_id are required"))
	}
	media := models.Media(strings.ToLower(c.Dashboard.Media))
	if !media.Valid() || media == models.MediaComment {
		errs = append(errs, fmt.Errorf("dashboard.media %q is not text, image or video", c.Dashboard.Media))
	}
	if c.Dashboard.Pagination <= 0 {
		errs = append(errs, errors.New("dashboard.pagination must be positive"))
	}
	if c.Dashboard.PollIntervalMs <= 0 || c.Dashboard.PollAttempts <= 0 {
		errs = append(errs, errors.New("dashboard poll interval and attempts must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) Secret() ([]byte, error) {
	if c.Session.ConsumerSecret == "" {
		return nil, errors.New("missing")
	}
	return base64.StdEncoding.DecodeString(c.Session.ConsumerSecret)
}

func (c *Config) Scope() models.Scope {
	return models.Scope{
		ObjectId:     c.Dashboard.ObjectId,
		ContextId:    c.Dashboard.ContextId,
		CollectionId: c.Dashboard.CollectionId,
		Media:        models.Media(strings.ToLower(c.Dashboard.Media)),
	}
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Dashboard.PollIntervalMs) * time.Millisecond
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Store.TimeoutSeconds) * time.Second
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Session.TokenTTLSeconds) * time.Second
}
