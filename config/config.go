package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBackendURL  = "https://swine-fever-backend.azurewebsites.net"
	DefaultScriptURL   = "https://maps.googleapis.com/maps/api/js?key=%s&libraries=places&v=3.58"
	DefaultPlacesURL   = "https://maps.googleapis.com/maps/api/place"
	DefaultTileURL     = "https://api.mapbox.com/styles/v1/mapbox/streets-v11/tiles/{z}/{x}/{y}?access_token=%s"
	DefaultNamespace   = "google.maps.places"
	DefaultListenAddr  = ":3000"
	DefaultRedisPrefix = "asf"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	BackendURL string `yaml:"backend_url"`
	LogLevel   string `yaml:"log_level"`

	Redis RedisConfig `yaml:"redis"`
	Keys  KeysConfig  `yaml:"keys"`
	Map   MapConfig   `yaml:"map"`
	Poll  PollConfig  `yaml:"poll"`

	SessionTTL  time.Duration `yaml:"session_ttl"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr"`
	DB     int    `yaml:"db"`
	Prefix string `yaml:"prefix"`
}

type KeysConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

type MapConfig struct {
	ScriptURL       string        `yaml:"script_url"`
	Namespace       string        `yaml:"namespace"`
	PlacesURL       string        `yaml:"places_url"`
	TileURL         string        `yaml:"tile_url"`
	ClusterRadiusKm float64       `yaml:"cluster_radius_km"`
	LoadTimeout     time.Duration `yaml:"load_timeout"`
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

func Default() Config {
	return Config{
		ListenAddr: DefaultListenAddr,
		BackendURL: DefaultBackendURL,
		LogLevel:   "info",
		Redis: RedisConfig{
			Prefix: DefaultRedisPrefix,
		},
		Keys: KeysConfig{
			MaxAttempts: 1,
			Backoff:     time.Second,
			MaxBackoff:  30 * time.Second,
		},
		Map: MapConfig{
			ScriptURL:       DefaultScriptURL,
			Namespace:       DefaultNamespace,
			PlacesURL:       DefaultPlacesURL,
			TileURL:         DefaultTileURL,
			ClusterRadiusKm: 40,
			LoadTimeout:     30 * time.Second,
		},
		Poll: PollConfig{
			Interval: 10 * time.Second,
			CacheTTL: 24 * time.Hour,
		},
		SessionTTL:  12 * time.Hour,
		HTTPTimeout: 10 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file, a .env
// file in the working directory and finally the process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return errors.New("invalid PORT env variable")
		}
		cfg.ListenAddr = ":" + v
	}
	setString(&cfg.ListenAddr, "ASF_LISTEN_ADDR")
	setString(&cfg.BackendURL, "ASF_BACKEND_URL")
	setString(&cfg.LogLevel, "ASF_LOG_LEVEL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Prefix, "ASF_REDIS_PREFIX")
	setString(&cfg.Map.ScriptURL, "ASF_SCRIPT_URL")
	setString(&cfg.Map.PlacesURL, "ASF_PLACES_URL")
	setString(&cfg.Map.TileURL, "ASF_TILE_URL")

	if err := setInt(&cfg.Redis.DB, "REDIS_DB"); err != nil {
		return err
	}
	if err := setInt(&cfg.Keys.MaxAttempts, "ASF_KEYS_MAX_ATTEMPTS"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Poll.Interval, "ASF_POLL_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Keys.Backoff, "ASF_KEYS_BACKOFF"); err != nil {
		return err
	}
	if err := setDuration(&cfg.SessionTTL, "ASF_SESSION_TTL"); err != nil {
		return err
	}
	if err := setDuration(&cfg.HTTPTimeout, "ASF_HTTP_TIMEOUT"); err != nil {
		return err
	}
	if v := os.Getenv("ASF_CLUSTER_RADIUS_KM"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid ASF_CLUSTER_RADIUS_KM: %w", err)
		}
		cfg.Map.ClusterRadiusKm = f
	}
	return nil
}

// Validate rejects settings the orchestration layer cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BackendURL) == "" {
		return errors.New("backend URL required (use --backend or ASF_BACKEND_URL env)")
	}
	if c.Poll.Interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.Keys.MaxAttempts < 1 {
		return errors.New("keys max attempts must be at least 1")
	}
	if !strings.Contains(c.Map.ScriptURL, "%s") {
		return errors.New("script URL must contain a %s placeholder for the geocode key")
	}
	if !strings.Contains(c.Map.TileURL, "%s") {
		return errors.New("tile URL must contain a %s placeholder for the map tile key")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
