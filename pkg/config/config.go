// Package config loads chatsync settings from flags, CHATSYNC_* environment
// variables, an optional YAML file and a .env file.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatsync/pkg/logging"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/streamctl"
)

const EnvPrefix = "CHATSYNC"

type BackendSettings struct {
	Addr       string        `mapstructure:"addr" yaml:"addr"`
	DB         string        `mapstructure:"db" yaml:"db"`
	Token      string        `mapstructure:"token" yaml:"token"`
	Lorem      bool          `mapstructure:"lorem" yaml:"lorem"`
	ChunkDelay time.Duration `mapstructure:"chunk-delay" yaml:"chunk-delay"`
}

type Settings struct {
	BackendURL  string        `mapstructure:"backend-url" yaml:"backend-url"`
	UserID      string        `mapstructure:"user-id" yaml:"user-id"`
	Token       string        `mapstructure:"token" yaml:"token"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	WebSearch   bool          `mapstructure:"web-search" yaml:"web-search"`
	IdleTimeout time.Duration `mapstructure:"idle-timeout" yaml:"idle-timeout"`
	HardTimeout time.Duration `mapstructure:"hard-timeout" yaml:"hard-timeout"`
	Debounce    time.Duration `mapstructure:"debounce" yaml:"debounce"`
	Listen      string        `mapstructure:"listen" yaml:"listen"`
	IdleRelease time.Duration `mapstructure:"idle-release" yaml:"idle-release"`

	Backend BackendSettings      `mapstructure:"backend" yaml:"backend"`
	Redis   redisstream.Settings `mapstructure:"redis" yaml:"redis"`
	Log     logging.Settings     `mapstructure:"log" yaml:"log"`
}

// SessionDefaults is the config new sessions start with.
func (s Settings) SessionDefaults() session.Config {
	return session.Config{Model: s.Model, Temperature: s.Temperature, WebSearchEnabled: s.WebSearch}
}

func (s Settings) ControllerOptions() streamctl.Options {
	return streamctl.Options{IdleTimeout: s.IdleTimeout, HardTimeout: s.HardTimeout, UserID: s.UserID}
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.BackendURL) == "" {
		return errors.New("backend-url is empty")
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return errors.Errorf("temperature %v out of range [0, 2]", s.Temperature)
	}
	if s.IdleTimeout < 0 || s.HardTimeout < 0 || s.Debounce < 0 {
		return errors.New("timeouts must not be negative")
	}
	if s.IdleTimeout > 0 && s.HardTimeout > 0 && s.IdleTimeout > s.HardTimeout {
		return errors.New("idle-timeout exceeds hard-timeout")
	}
	return nil
}

// flag name -> settings key, for the nested sections
var nestedFlags = map[string]string{
	"backend-addr":        "backend.addr",
	"backend-db":          "backend.db",
	"backend-token":       "backend.token",
	"backend-lorem":       "backend.lorem",
	"backend-chunk-delay": "backend.chunk-delay",
	"redis-enabled":       "redis.enabled",
	"redis-addr":          "redis.addr",
	"redis-group":         "redis.group",
	"redis-consumer":      "redis.consumer",
	"log-level":           "log.level",
	"log-format":          "log.format",
	"log-file":            "log.file",
	"with-caller":         "log.with-caller",
}

// AddFlags registers the persistent flags of the root command.
func AddFlags(fs *pflag.FlagSet) {
	redis := redisstream.DefaultSettings()
	logs := logging.DefaultSettings()

	fs.String("config", "", "config file (default $HOME/.chatsync/config.yaml)")
	fs.String("backend-url", "http://localhost:8081", "chat backend base URL")
	fs.String("user-id", "", "user id sent with chat requests")
	fs.String("token", "", "bearer token for the chat backend")
	fs.String("model", session.FallbackConfig.Model, "default model for new sessions")
	fs.Float64("temperature", session.FallbackConfig.Temperature, "default temperature for new sessions")
	fs.Bool("web-search", false, "enable web search for new sessions")
	fs.Duration("idle-timeout", streamctl.DefaultIdleTimeout, "finish a reply after this long without data")
	fs.Duration("hard-timeout", streamctl.DefaultHardTimeout, "finish a reply after this long in total")
	fs.Duration("debounce", session.DefaultDebounce, "coalescing window for config notifications")
	fs.String("listen", ":8090", "websocket surface listen address")
	fs.Duration("idle-release", 30*time.Second, "release a websocket room this long after its last client left")

	fs.String("backend-addr", ":8081", "dev backend listen address")
	fs.String("backend-db", "", "dev backend SQLite file (in memory when empty)")
	fs.String("backend-token", "", "dev backend accepted token (any when empty)")
	fs.Bool("backend-lorem", false, "dev backend answers with lorem ipsum instead of echoing")
	fs.Duration("backend-chunk-delay", 40*time.Millisecond, "dev backend pause between tokens")

	fs.Bool("redis-enabled", redis.Enabled, "mirror events over Redis Streams")
	fs.String("redis-addr", redis.Addr, "Redis address host:port")
	fs.String("redis-group", redis.Group, "Redis consumer group")
	fs.String("redis-consumer", redis.Consumer, "Redis consumer name")

	fs.String("log-level", logs.Level, "log level (trace, debug, info, warn, error)")
	fs.String("log-format", logs.Format, "log format (auto, text, json)")
	fs.String("log-file", "", "log to this file with rotation")
	fs.Bool("with-caller", false, "log caller file and line")
}

// NewViper binds fs and the environment into a fresh viper instance.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	logs := logging.DefaultSettings()
	v.SetDefault("log.max-size-mb", logs.MaxSizeMB)
	v.SetDefault("log.max-backups", logs.MaxBackups)
	v.SetDefault("log.max-age-days", logs.MaxAgeDays)

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil || f.Name == "config" {
			return
		}
		key := f.Name
		if nested, ok := nestedFlags[f.Name]; ok {
			key = nested
		}
		bindErr = v.BindPFlag(key, f)
	})
	if bindErr != nil {
		return nil, errors.Wrap(bindErr, "bind flags")
	}
	return v, nil
}

// Load reads the config file, if any, and decodes the settings. An explicit
// configFile must exist; the default location is optional.
func Load(v *viper.Viper, configFile string) (Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errors.Wrapf(err, "read config %s", configFile)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(home, ".chatsync"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Settings{}, errors.Wrap(err, "read config")
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// LoadDotEnv loads the first .env found walking up from dir. Variables already
// set in the environment win. It returns the loaded path, or "".
func LoadDotEnv(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", nil
		}
		dir = wd
	}
	for {
		envPath := filepath.Join(dir, ".env")
		if fi, err := os.Stat(envPath); err == nil && !fi.IsDir() {
			if err := godotenv.Load(envPath); err != nil {
				return "", errors.Wrapf(err, "load %s", envPath)
			}
			return envPath, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
