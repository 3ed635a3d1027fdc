// Package config loads service configuration from the environment.
//
// Every value has a default except the generation API key, which must be
// provided via SKILLPATH_GENERATION_API_KEY.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Generation GenerationConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
	// Token protects the HTTP API with bearer auth. Empty disables auth,
	// which is only sensible for local development.
	Token string
}

type StorageConfig struct {
	DataDir string
}

type GenerationConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	Provider       string
	PromptVersion  string
	PrimaryTimeout time.Duration
	TagTimeout     time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Generation: GenerationConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			Model:          "anthropic/claude-sonnet-4",
			Provider:       "openrouter",
			PromptVersion:  "v1",
			PrimaryTimeout: 45 * time.Second,
			TagTimeout:     20 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".skillpath")
	}
	return ".skillpath"
}

// Load reads configuration from SKILLPATH_* environment variables, applied
// over the built-in defaults.
func Load() (Config, error) {
	return loadWith(os.Getenv)
}

func loadWith(getenv func(string) string) (Config, error) {
	cfg := defaults()

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}

	if cfg.Generation.APIKey == "" {
		return Config{}, errors.New("missing required config: generation API key. " +
			"Set it via environment variable SKILLPATH_GENERATION_API_KEY")
	}

	return cfg, nil
}

type envSpec struct {
	env   string
	apply func(cfg *Config, v string) error
}

func stringSpec(env string, set func(cfg *Config, v string)) envSpec {
	return envSpec{env: env, apply: func(cfg *Config, v string) error {
		set(cfg, v)
		return nil
	}}
}

var specs = []envSpec{
	{
		env: "SKILLPATH_SERVER_PORT",
		apply: func(cfg *Config, v string) error {
			var port int
			if _, err := fmt.Sscanf(v, "%d", &port); err != nil {
				return fmt.Errorf("invalid port %q", v)
			}
			cfg.Server.Port = port
			return nil
		},
	},
	stringSpec("SKILLPATH_SERVER_TOKEN", func(cfg *Config, v string) { cfg.Server.Token = v }),
	stringSpec("SKILLPATH_STORAGE_DATA_DIR", func(cfg *Config, v string) { cfg.Storage.DataDir = v }),
	stringSpec("SKILLPATH_GENERATION_BASE_URL", func(cfg *Config, v string) { cfg.Generation.BaseURL = v }),
	stringSpec("SKILLPATH_GENERATION_API_KEY", func(cfg *Config, v string) { cfg.Generation.APIKey = v }),
	stringSpec("SKILLPATH_GENERATION_MODEL", func(cfg *Config, v string) { cfg.Generation.Model = v }),
	stringSpec("SKILLPATH_GENERATION_PROVIDER", func(cfg *Config, v string) { cfg.Generation.Provider = v }),
	stringSpec("SKILLPATH_GENERATION_PROMPT_VERSION", func(cfg *Config, v string) { cfg.Generation.PromptVersion = v }),
	{
		env: "SKILLPATH_GENERATION_PRIMARY_TIMEOUT",
		apply: func(cfg *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid primary timeout %q: %w", v, err)
			}
			cfg.Generation.PrimaryTimeout = d
			return nil
		},
	},
	{
		env: "SKILLPATH_GENERATION_TAG_TIMEOUT",
		apply: func(cfg *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid tag timeout %q: %w", v, err)
			}
			cfg.Generation.TagTimeout = d
			return nil
		},
	},
	stringSpec("SKILLPATH_LOG_LEVEL", func(cfg *Config, v string) { cfg.Log.Level = v }),
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	for _, s := range specs {
		v := getenv(s.env)
		if v == "" {
			continue
		}
		if err := s.apply(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", s.env, err)
		}
	}
	return nil
}
