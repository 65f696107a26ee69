// Package config loads process configuration from the environment and an
// optional YAML, TOML or JSON file.
//
// Every field has an environment variable (UISERVE_<SECTION>_<KEY>) and a
// default. A config file, when present, overrides defaults; environment
// variables override both.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/viper"
)

// FileEnv names the environment variable pointing at the config file.
const FileEnv = "UISERVE_CONFIG"

type Config struct {
	ListenAddr string `env:"UISERVE_LISTEN_ADDR,default=:8080" mapstructure:"listen_addr"`
	MountPoint string `env:"UISERVE_MOUNT_POINT" mapstructure:"mount_point"`
	LogLevel   string `env:"UISERVE_LOG_LEVEL,default=info" mapstructure:"log_level"`

	Session   SessionConfig   `mapstructure:"session"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DevServer DevServerConfig `mapstructure:"dev_server"`
	Resources ResourcesConfig `mapstructure:"resources"`
	Workers   WorkersConfig   `mapstructure:"workers"`
}

type SessionConfig struct {
	CookieName    string        `env:"UISERVE_SESSION_COOKIE_NAME,default=uiserve.session" mapstructure:"cookie_name"`
	Timeout       time.Duration `env:"UISERVE_SESSION_TIMEOUT,default=30m" mapstructure:"timeout"`
	SweepInterval time.Duration `env:"UISERVE_SESSION_SWEEP_INTERVAL,default=1s" mapstructure:"sweep_interval"`
	// Secret signs session cookies. Nodes of one cluster must share it.
	Secret          string `env:"UISERVE_SESSION_SECRET" mapstructure:"secret"`
	SecureCookie    bool   `env:"UISERVE_SESSION_SECURE_COOKIE,default=false" mapstructure:"secure_cookie"`
	Clustered       bool   `env:"UISERVE_SESSION_CLUSTERED,default=false" mapstructure:"clustered"`
	ExpirationTopic string `env:"UISERVE_SESSION_EXPIRATION_TOPIC,default=ui.session.expired" mapstructure:"expiration_topic"`
}

type RedisConfig struct {
	Addr      string `env:"UISERVE_REDIS_ADDR,default=localhost:6379" mapstructure:"addr"`
	KeyPrefix string `env:"UISERVE_REDIS_KEY_PREFIX,default=uiserve:" mapstructure:"key_prefix"`
}

// DevServerConfig locates the development server. A zero Port disables the
// proxy.
type DevServerConfig struct {
	Host           string        `env:"UISERVE_DEV_SERVER_HOST,default=localhost" mapstructure:"host"`
	Port           int           `env:"UISERVE_DEV_SERVER_PORT,default=0" mapstructure:"port"`
	ConnectTimeout time.Duration `env:"UISERVE_DEV_SERVER_CONNECT_TIMEOUT,default=120s" mapstructure:"connect_timeout"`
	IdleTimeout    time.Duration `env:"UISERVE_DEV_SERVER_IDLE_TIMEOUT,default=120s" mapstructure:"idle_timeout"`
	Extensions     []string      `env:"UISERVE_DEV_SERVER_EXTENSIONS,default=.js" mapstructure:"extensions"`
}

type ResourcesConfig struct {
	// Roots are directories searched in order.
	Roots     []string `env:"UISERVE_RESOURCES_ROOTS" mapstructure:"roots"`
	CacheSize int      `env:"UISERVE_RESOURCES_CACHE_SIZE,default=4096" mapstructure:"cache_size"`
	// Libraries are "name@version" (or bare "name") entries for the webjars
	// layout.
	Libraries []string `env:"UISERVE_RESOURCES_LIBRARIES" mapstructure:"libraries"`
}

type WorkersConfig struct {
	Size  int `env:"UISERVE_WORKERS_SIZE,default=8" mapstructure:"size"`
	Queue int `env:"UISERVE_WORKERS_QUEUE,default=1024" mapstructure:"queue"`
}

// Load decodes the environment and overlays the file at path. An empty path
// falls back to $UISERVE_CONFIG; when both are empty no file is read.
func Load(path string) (Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if path == "" {
		path = os.Getenv(FileEnv)
	}
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetEnvPrefix("UISERVE")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := v.Unmarshal(&c); err != nil {
			return Config{}, fmt.Errorf("unmarshal config file: %w", err)
		}
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.MountPoint != "" && !strings.HasPrefix(c.MountPoint, "/"):
		return fmt.Errorf("mount_point %q must start with /", c.MountPoint)
	case c.Session.Timeout <= 0:
		return fmt.Errorf("session.timeout must be positive")
	case c.Session.Secret != "" && len(c.Session.Secret) < 32:
		return fmt.Errorf("session.secret must be at least 32 bytes")
	case c.Session.Clustered && c.Redis.Addr == "":
		return fmt.Errorf("session.clustered requires redis.addr")
	case c.DevServer.Port < 0 || c.DevServer.Port > 65535:
		return fmt.Errorf("dev_server.port %d out of range", c.DevServer.Port)
	case c.Workers.Size <= 0:
		return fmt.Errorf("workers.size must be positive")
	}
	return nil
}

// SlogLevel parses LogLevel, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Library is a parsed Resources.Libraries entry.
type Library struct {
	Name    string
	Version string
}

func (r ResourcesConfig) ParsedLibraries() []Library {
	libs := make([]Library, 0, len(r.Libraries))
	for _, entry := range r.Libraries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, version, _ := strings.Cut(entry, "@")
		libs = append(libs, Library{Name: name, Version: version})
	}
	return libs
}
