// Package config loads monorun.yaml and the .env overlay of a workspace.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"monorun/internal/core"
	"monorun/internal/logger"
	"monorun/internal/plugin"
	"monorun/internal/remote"
)

const (
	FileName = "monorun.yaml"
	EnvFile  = ".env"

	DefaultCacheDir = ".monorun/cache"
	DefaultStateDir = ".monorun/runs"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	// Root is the workspace root, the directory holding the config file.
	Root string `yaml:"-"`

	Workspaces  []string       `yaml:"workspaces"`
	Concurrency int            `yaml:"concurrency"`
	Cache       CacheConfig    `yaml:"cache"`
	StateDir    string         `yaml:"state_dir"`
	Plugins     []plugin.Spec  `yaml:"plugins"`
	Tasks       core.TaskTable `yaml:"tasks"`
	Log         logger.Config  `yaml:"log"`
}

type CacheConfig struct {
	Dir    string        `yaml:"dir"`
	Remote remote.Config `yaml:"remote"`
}

// Load reads path, or <root>/monorun.yaml when path is empty, then applies
// defaults and the environment overlay. Variables already set in the process
// environment win over the .env file next to the config.
func Load(root, path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(root, FileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	absRoot, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.Root = absRoot

	env, err := readEnv(filepath.Join(absRoot, EnvFile))
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readEnv merges the .env file under the process environment. A missing
// file is not an error.
func readEnv(path string) (map[string]string, error) {
	env := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		fileEnv, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
		}
		env = fileEnv
	}
	for k := range envOverrides {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	return env, nil
}

var envOverrides = map[string]func(c *remote.Config, v string) error{
	"MONORUN_REMOTE_KIND":       func(c *remote.Config, v string) error { c.Kind = v; return nil },
	"MONORUN_REMOTE_ENDPOINT":   func(c *remote.Config, v string) error { c.Endpoint = v; return nil },
	"MONORUN_REMOTE_BUCKET":     func(c *remote.Config, v string) error { c.Bucket = v; return nil },
	"MONORUN_REMOTE_REGION":     func(c *remote.Config, v string) error { c.Region = v; return nil },
	"MONORUN_REMOTE_ACCESS_KEY": func(c *remote.Config, v string) error { c.AccessKey = v; return nil },
	"MONORUN_REMOTE_SECRET_KEY": func(c *remote.Config, v string) error { c.SecretKey = v; return nil },
	"MONORUN_REMOTE_PREFIX":     func(c *remote.Config, v string) error { c.Prefix = v; return nil },
	"MONORUN_REMOTE_PASSWORD":   func(c *remote.Config, v string) error { c.Password = v; return nil },
	"MONORUN_REMOTE_USE_SSL": func(c *remote.Config, v string) (err error) {
		c.UseSSL, err = strconv.ParseBool(v)
		return err
	},
	"MONORUN_REMOTE_DB": func(c *remote.Config, v string) (err error) {
		c.DB, err = strconv.Atoi(v)
		return err
	},
	"MONORUN_REMOTE_TTL": func(c *remote.Config, v string) (err error) {
		c.TTL, err = time.ParseDuration(v)
		return err
	},
}

func (c *Config) applyEnv(env map[string]string) error {
	for k, v := range env {
		set, ok := envOverrides[k]
		if !ok {
			continue
		}
		if err := set(&c.Cache.Remote, v); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, k, err)
		}
	}
	return nil
}

func (c *Config) defaults() {
	if len(c.Workspaces) == 0 {
		c.Workspaces = []string{"packages/*"}
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = DefaultCacheDir
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	c.Log.Defaults()
}

func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: concurrency must be >= 0, got %d", ErrInvalidConfig, c.Concurrency)
	}
	if len(c.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks defined", ErrInvalidConfig)
	}
	for name := range c.Tasks {
		if name == "" {
			return fmt.Errorf("%w: empty task name", ErrInvalidConfig)
		}
	}
	return nil
}

// Path resolves p against the workspace root unless it is absolute.
func (c *Config) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}
