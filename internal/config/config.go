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
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	EDGAR     EDGARConfig     `yaml:"edgar" mapstructure:"edgar"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Publish   PublishConfig   `yaml:"publish" mapstructure:"publish"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// AnthropicConfig holds Anthropic API settings. Datasets pick a model by tier:
// "fast" for single-field schemas, "capable" for multi-field ones.
type AnthropicConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	FastModel    string `yaml:"fast_model" mapstructure:"fast_model"`
	CapableModel string `yaml:"capable_model" mapstructure:"capable_model"`
	MaxTokens    int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	NoBatch      bool   `yaml:"no_batch" mapstructure:"no_batch"`
}

// EDGARConfig configures filing search and download.
type EDGARConfig struct {
	UserAgent           string `yaml:"user_agent" mapstructure:"user_agent"`
	SearchURL           string `yaml:"search_url" mapstructure:"search_url"`
	ArchivesURL         string `yaml:"archives_url" mapstructure:"archives_url"`
	PageSize            int    `yaml:"page_size" mapstructure:"page_size"`
	DownloadConcurrency int    `yaml:"download_concurrency" mapstructure:"download_concurrency"`
	TimeoutSecs         int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries          int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// ExtractConfig configures the resumable extraction pipeline.
type ExtractConfig struct {
	OutputDir    string `yaml:"output_dir" mapstructure:"output_dir"`
	WorkDir      string `yaml:"work_dir" mapstructure:"work_dir"`
	DatasetsFile string `yaml:"datasets_file" mapstructure:"datasets_file"`
	LedgerPath   string `yaml:"ledger_path" mapstructure:"ledger_path"`
}

// PublishConfig configures the optional Postgres mirror of accumulated datasets.
type PublishConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Schema      string `yaml:"schema" mapstructure:"schema"`
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
	v.SetEnvPrefix("FILINGS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without defaults are only seen by Unmarshal once bound.
	for _, key := range []string{"anthropic.key", "anthropic.no_batch", "extract.datasets_file", "extract.ledger_path", "publish.database_url"} {
		_ = v.BindEnv(key)
	}

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("anthropic.fast_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.capable_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("edgar.user_agent", "Sells Advisors blake@sellsadvisors.com")
	v.SetDefault("edgar.search_url", "https://efts.sec.gov/LATEST/search-index")
	v.SetDefault("edgar.archives_url", "https://www.sec.gov/Archives/edgar/data")
	v.SetDefault("edgar.page_size", 100)
	v.SetDefault("edgar.download_concurrency", 8)
	v.SetDefault("edgar.timeout_secs", 30)
	v.SetDefault("edgar.max_retries", 3)
	v.SetDefault("extract.output_dir", ".")
	v.SetDefault("extract.work_dir", "/tmp/filing-facts")
	v.SetDefault("publish.schema", "filing_facts")

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

// Validate checks that the settings required by the given command are present.
func (c *Config) Validate(command string) error {
	var missing []string

	switch command {
	case "extract":
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key is required")
		}
		if c.EDGAR.UserAgent == "" {
			missing = append(missing, "edgar.user_agent is required (SEC rejects anonymous clients)")
		}
		if c.Extract.OutputDir == "" {
			missing = append(missing, "extract.output_dir is required")
		}
		if c.Extract.WorkDir == "" {
			missing = append(missing, "extract.work_dir is required")
		}
		if c.EDGAR.DownloadConcurrency < 1 {
			missing = append(missing, "edgar.download_concurrency must be >= 1")
		}
	case "publish":
		if c.Publish.DatabaseURL == "" {
			missing = append(missing, "publish.database_url is required")
		}
		if c.Publish.Schema == "" {
			missing = append(missing, "publish.schema is required")
		}
	}

	if len(missing) > 0 {
		return eris.Errorf("config: %s", strings.Join(missing, "; "))
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
