// Package config resolves orchestrator-wide settings by layering viper
// over a typed struct: defaults, a YAML file under the XDG config
// directory, then environment variables, in that priority order.
package config

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// Config holds every orchestrator tunable.
type Config struct {
	// WorkerPoolSize is N_workers, the global bounded concurrency pool size.
	WorkerPoolSize int `mapstructure:"worker_pool_size"`
	// ModelsDir is the translation-model candidates root.
	ModelsDir string `mapstructure:"models_dir"`
	// MaxTranslationRetries is K, the translation/length retry loop bound.
	MaxTranslationRetries int `mapstructure:"max_translation_retries"`
	// TasksDir is the base directory under which <task_id>/ trees live.
	TasksDir string `mapstructure:"tasks_dir"`
	// ToolPaths overrides per-worker binary locations; values are opaque
	// strings substituted into spawn commands, or "docker:<container>" to
	// route the worker through the container runner.
	ToolPaths map[string]string `mapstructure:"tool_paths"`
	// GPUMemoryAggregation selects how free memory across multiple GPUs is
	// combined before being compared against a candidate's requirement.
	GPUMemoryAggregation string `mapstructure:"gpu_memory_aggregation"` // "sum" or "max"
}

func configPath() (string, error) {
	dir := filepath.Join(xdg.ConfigHome, "dubforge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func repoParentModelsDir() string {
	ex, err := os.Executable()
	if err != nil {
		return "./models"
	}
	return filepath.Join(filepath.Dir(filepath.Dir(ex)), "models")
}

// Load resolves a Config from defaults, an optional config file, and the
// environment. customPath overrides the XDG-resolved config file location;
// pass "" to use the default.
func Load(customPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DUBFORGE")
	v.AutomaticEnv()

	// Bind the documented bare environment variable names directly, in
	// addition to the DUBFORGE_-prefixed ones AutomaticEnv already covers.
	_ = v.BindEnv("worker_pool_size", "WORKER_POOL_SIZE", "DUBFORGE_WORKER_POOL_SIZE")
	_ = v.BindEnv("models_dir", "MODELS_DIR", "DUBFORGE_MODELS_DIR")
	_ = v.BindEnv("max_translation_retries", "MAX_TRANSLATION_RETRIES", "DUBFORGE_MAX_TRANSLATION_RETRIES")

	v.SetDefault("worker_pool_size", 4)
	v.SetDefault("models_dir", repoParentModelsDir())
	v.SetDefault("max_translation_retries", 3)
	v.SetDefault("tasks_dir", filepath.Join(xdg.DataHome, "dubforge", "tasks"))
	v.SetDefault("gpu_memory_aggregation", "sum")

	path := customPath
	if path == "" {
		var err error
		path, err = configPath()
		if err != nil {
			return nil, err
		}
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// With an explicit config file viper reports a plain not-exist
		// error rather than ConfigFileNotFoundError.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if notFound || os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ToolPath returns the configured override for a worker binary name, or ""
// if none was set (the finder then falls through to bin/ and PATH).
func (c *Config) ToolPath(name string) string {
	if c.ToolPaths == nil {
		return ""
	}
	return c.ToolPaths[name]
}
