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
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Gateway    GatewayConfig    `yaml:"gateway" mapstructure:"gateway"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Classify   ClassifyConfig   `yaml:"classify" mapstructure:"classify"`
	Evaluate   EvaluateConfig   `yaml:"evaluate" mapstructure:"evaluate"`
	Verify     VerifyConfig     `yaml:"verify" mapstructure:"verify"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Rubrics    RubricsConfig    `yaml:"rubrics" mapstructure:"rubrics"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// GatewayConfig configures retries, circuit breaking and call defaults for
// every model provider.
type GatewayConfig struct {
	MaxAttempts             int   `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs        int   `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs            int   `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BreakerFailureThreshold int   `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerResetSecs        int   `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	TimeoutSecs             int   `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	QueueDepth              int   `yaml:"queue_depth" mapstructure:"queue_depth"`
	MaxTokens               int64 `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ExtractConfig configures support-file extraction.
type ExtractConfig struct {
	PdfToTextPath     string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	FFprobePath       string `yaml:"ffprobe_path" mapstructure:"ffprobe_path"`
	MaxPages          int    `yaml:"max_pages" mapstructure:"max_pages"`
	FrameIntervalSecs int    `yaml:"frame_interval_secs" mapstructure:"frame_interval_secs"`
	MaxChars          int    `yaml:"max_chars" mapstructure:"max_chars"`
}

// ClassifyConfig configures the classifier.
type ClassifyConfig struct {
	TaxonomyPath string `yaml:"taxonomy_path" mapstructure:"taxonomy_path"`
	MaxSecondary int    `yaml:"max_secondary" mapstructure:"max_secondary"`
}

// EvaluateConfig configures rubric scoring.
type EvaluateConfig struct {
	Mode              string  `yaml:"mode" mapstructure:"mode"`
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
	GoThreshold       float64 `yaml:"go_threshold" mapstructure:"go_threshold"`
	ConsiderThreshold float64 `yaml:"consider_threshold" mapstructure:"consider_threshold"`
}

// VerifyConfig configures the verification gate.
type VerifyConfig struct {
	Tolerance float64 `yaml:"tolerance" mapstructure:"tolerance"`
}

// PipelineConfig configures batch runs.
type PipelineConfig struct {
	Workers     int  `yaml:"workers" mapstructure:"workers"`
	Verify      bool `yaml:"verify" mapstructure:"verify"`
	RetryFailed bool `yaml:"retry_failed" mapstructure:"retry_failed"`
}

// RubricsConfig locates the rubric seed file.
type RubricsConfig struct {
	SeedPath string `yaml:"seed_path" mapstructure:"seed_path"`
}

// TemporalConfig configures the durable workflow client and worker.
type TemporalConfig struct {
	HostPort         string `yaml:"host_port" mapstructure:"host_port"`
	Namespace        string `yaml:"namespace" mapstructure:"namespace"`
	StageTimeoutSecs int    `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
	MaxConcurrent    int    `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// ServerConfig configures the ops API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the background health checker run by serve.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackRuns         int     `yaml:"lookback_runs" mapstructure:"lookback_runs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
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
	v.SetEnvPrefix("IDEAEVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "idea-eval.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("gateway.max_attempts", 3)
	v.SetDefault("gateway.initial_backoff_ms", 500)
	v.SetDefault("gateway.max_backoff_ms", 30000)
	v.SetDefault("gateway.breaker_failure_threshold", 5)
	v.SetDefault("gateway.breaker_reset_secs", 30)
	v.SetDefault("gateway.timeout_secs", 60)
	v.SetDefault("gateway.queue_depth", 8)
	v.SetDefault("gateway.max_tokens", 2048)
	v.SetDefault("extract.pdftotext_path", "pdftotext")
	v.SetDefault("extract.ffprobe_path", "ffprobe")
	v.SetDefault("extract.max_pages", 50)
	v.SetDefault("extract.frame_interval_secs", 10)
	v.SetDefault("extract.max_chars", 60000)
	v.SetDefault("classify.max_secondary", 3)
	v.SetDefault("evaluate.mode", "batch")
	v.SetDefault("evaluate.concurrency", 4)
	v.SetDefault("evaluate.go_threshold", 7.0)
	v.SetDefault("evaluate.consider_threshold", 4.0)
	v.SetDefault("verify.tolerance", 1.0)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("rubrics.seed_path", "rubrics.yaml")
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.stage_timeout_secs", 900)
	v.SetDefault("temporal.max_concurrent", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_runs", 20)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
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
