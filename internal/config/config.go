package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hzliu/datapilot/internal/gateway"
	"github.com/hzliu/datapilot/internal/memory"
	"github.com/hzliu/datapilot/internal/sandbox"
	"github.com/hzliu/datapilot/internal/server"
	"github.com/hzliu/datapilot/internal/storage"
)

// SandboxConfig 聚合沙箱执行相关配置。
type SandboxConfig struct {
	// Runner 执行器选择：local（宿主解释器）或 docker（一次性容器）。
	Runner string               `mapstructure:"runner"`
	Local  sandbox.LocalConfig  `mapstructure:"local"`
	Docker sandbox.DockerConfig `mapstructure:"docker"`
	Loop   sandbox.LoopConfig   `mapstructure:"loop"`
}

type Config struct {
	Storage  storage.Config      `mapstructure:"storage"`
	Cache    memory.CacheConfig  `mapstructure:"cache"`
	Ark      gateway.ModelConfig `mapstructure:"ark"`
	Sandbox  SandboxConfig       `mapstructure:"sandbox"`
	Server   server.Config       `mapstructure:"server"`
	LogLevel string              `mapstructure:"log_level"`
}

func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// 默认搜索路径
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.datapilot")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("DATAPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件未找到，使用默认值
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Ark.APIKey == "" {
		return fmt.Errorf("ark.api_key is required (or set ARK_API_KEY env var)")
	}
	if c.Ark.ModelID == "" {
		return fmt.Errorf("ark.model_id is required (or set ARK_MODEL_ID env var)")
	}
	switch c.Sandbox.Runner {
	case "local", "docker":
	default:
		return fmt.Errorf("sandbox.runner must be local or docker, got %q", c.Sandbox.Runner)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	// Storage
	v.SetDefault("storage.path", "datapilot.db")
	v.SetDefault("storage.busy_timeout", 5*time.Second)

	// Cache
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", time.Hour)

	// Sandbox
	v.SetDefault("sandbox.runner", "local")
	v.SetDefault("sandbox.local.python_bin", "python3")
	v.SetDefault("sandbox.local.timeout", 60*time.Second)
	v.SetDefault("sandbox.docker.image", "python:3.11-slim")
	v.SetDefault("sandbox.docker.timeout", 120*time.Second)
	v.SetDefault("sandbox.docker.memory_limit_mb", 1024)
	v.SetDefault("sandbox.loop.max_repairs", sandbox.DefaultMaxRepairs)

	// Server
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute)

	// Ark AI
	v.SetDefault("ark.api_key", "")
	v.SetDefault("ark.model_id", "")
	v.SetDefault("ark.base_url", "https://ark.cn-beijing.volces.com/api/v3")

	v.BindEnv("ark.api_key", "ARK_API_KEY")
	v.BindEnv("ark.model_id", "ARK_MODEL_ID")
	v.BindEnv("ark.base_url", "ARK_BASE_URL")
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Storage: storage.Config{
			Path:        "datapilot.db",
			BusyTimeout: 5 * time.Second,
		},
		Cache: memory.CacheConfig{
			Addr: "localhost:6379",
			TTL:  time.Hour,
		},
		Sandbox: SandboxConfig{
			Runner: "local",
			Local:  sandbox.LocalConfig{PythonBin: "python3", Timeout: 60 * time.Second},
		},
		Server: server.Config{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute,
		},
	}
}
