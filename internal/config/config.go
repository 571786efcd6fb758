package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Ollama OllamaConfig `yaml:"ollama" mapstructure:"ollama"`
	Triage TriageConfig `yaml:"triage" mapstructure:"triage"`
	Scrape ScrapeConfig `yaml:"scrape" mapstructure:"scrape"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig tunes the postgres connection pool.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// OllamaConfig holds local inference backend settings.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// TriageConfig selects how triage runs are parameterized.
type TriageConfig struct {
	Preset     string `yaml:"preset" mapstructure:"preset"`
	PresetFile string `yaml:"preset_file" mapstructure:"preset_file"`
}

// SourceConfig names one news site to scrape.
type SourceConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	URL  string `yaml:"url" mapstructure:"url"`
}

// ScrapeConfig configures the news scraper.
type ScrapeConfig struct {
	Sources            []SourceConfig `yaml:"sources" mapstructure:"sources"`
	UserAgent          string         `yaml:"user_agent" mapstructure:"user_agent"`
	RequestTimeoutSecs int            `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	PerHostDelaySecs   int            `yaml:"per_host_delay_secs" mapstructure:"per_host_delay_secs"`
	Concurrency        int            `yaml:"concurrency" mapstructure:"concurrency"`
	MaxPerSource       int            `yaml:"max_per_source" mapstructure:"max_per_source"`
}

// ServerConfig configures the REST API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CYBERBRIEF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("ollama.model", "llama3.1:8b")
	v.SetDefault("triage.preset", "comprehensive")
	v.SetDefault("scrape.user_agent", "cyberbrief-triage/1.0")
	v.SetDefault("scrape.request_timeout_secs", 20)
	v.SetDefault("scrape.per_host_delay_secs", 2)
	v.SetDefault("scrape.concurrency", 3)
	v.SetDefault("scrape.max_per_source", 40)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a command mode depends on.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required for postgres")
	}

	switch mode {
	case "triage":
		if c.Triage.Preset == "" && c.Triage.PresetFile == "" {
			problems = append(problems, "triage.preset or triage.preset_file is required")
		}
	case "scrape":
		// Store checks above are enough; sources fall back to defaults.
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be 1-65535")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
