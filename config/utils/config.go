// Package config provides utilities to load environment variables & set config structs,
// it includes app, logger, store, worker cycles, orchestrator and provider settings.
package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains environment variables for the application, the embedded
// store, the worker cycles, the orchestrator and the provider gateway
type (
	AppConfig struct {
		App          *App          `mapstructure:"app"`
		Logger       *Logger       `mapstructure:"logger"`
		Store        *Store        `mapstructure:"store"`
		Worker       *Worker       `mapstructure:"worker"`
		Orchestrator *Orchestrator `mapstructure:"orchestrator"`
		Provider     *Provider     `mapstructure:"provider"`
	}

	// App contains all the environment variables for the application
	App struct {
		Name  string `mapstructure:"name"`
		Env   string `mapstructure:"env"`
		Owner string `mapstructure:"owner"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}

	// Store contains the embedded store location and retention horizon
	Store struct {
		Path          string `mapstructure:"path"`
		RetentionDays int    `mapstructure:"retentionDays"`
	}

	// Cycle holds one timed loop definition
	Cycle struct {
		Name     string `mapstructure:"name"`
		Interval string `mapstructure:"interval"` // Go duration string
		EmitType string `mapstructure:"emitType"` // empty for passes without task emission
		Enabled  bool   `mapstructure:"enabled"`
	}

	// Worker contains the cycle table and shutdown policy
	Worker struct {
		Cycles          []Cycle `mapstructure:"cycles"`
		StopGrace       string  `mapstructure:"stopGrace"`
		EvolutionAlpha  float64 `mapstructure:"evolutionAlpha"`
		EvolutionWindow int     `mapstructure:"evolutionWindow"`
	}

	// Orchestrator contains execution bounds
	Orchestrator struct {
		MaxAttempts     int    `mapstructure:"maxAttempts"`
		PerAgentLimit   int    `mapstructure:"perAgentLimit"`
		QueueCapacity   int    `mapstructure:"queueCapacity"`
		ExecTimeout     string `mapstructure:"execTimeout"`
		ExecutorWorkers int    `mapstructure:"executorWorkers"`
	}

	// Backend describes one completion backend, tried in listed order
	Backend struct {
		Name   string `mapstructure:"name"`
		Kind   string `mapstructure:"kind"` // "http" or "local"
		URL    string `mapstructure:"url"`
		APIKey string `mapstructure:"apiKey"`
		Model  string `mapstructure:"model"`
	}

	// Provider contains the gateway backend chain and cache policy
	Provider struct {
		Backends []Backend `mapstructure:"backends"`
		CacheTTL string    `mapstructure:"cacheTTL"`
	}
)

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// setDefaults seeds every operational knob so a bare config file still boots
func setDefaults() {
	viper.SetDefault("app.name", "marketmind")
	viper.SetDefault("app.env", "development")
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.encoding", "json")
	viper.SetDefault("store.path", "marketmind.db")
	viper.SetDefault("store.retentionDays", 30)
	viper.SetDefault("worker.stopGrace", "10s")
	viper.SetDefault("worker.evolutionAlpha", 0.1)
	viper.SetDefault("worker.evolutionWindow", 50)
	viper.SetDefault("orchestrator.maxAttempts", 3)
	viper.SetDefault("orchestrator.perAgentLimit", 3)
	viper.SetDefault("orchestrator.queueCapacity", 256)
	viper.SetDefault("orchestrator.execTimeout", "2m")
	viper.SetDefault("orchestrator.executorWorkers", 8)
	viper.SetDefault("provider.cacheTTL", "90s")
}

// New creates a new AppConfig instance
func New() *AppConfig {
	// Set up viper to read the config.yaml file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/marketmind/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("env")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	// Read the config file, defaults carry a missing file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	// Bind the app.name key to the APP_NAME environment variable
	if err := viper.BindEnv("app.name", "APP_NAME"); err != nil {
		log.Fatalf("error finding APP_NAME env variable")
	}

	// Bind store variables
	viper.BindEnv("store.path", "STORE_PATH")

	// Bind provider variables
	viper.BindEnv("provider.backends", "PROVIDER_BACKENDS")

	// Create an instance of AppConfig
	var config *AppConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("unable to decode into struct: %v", err)
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)

	return config
}

// Duration parses s as a Go duration, returning fallback on empty or bad input
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
