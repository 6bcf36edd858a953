package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort                     = 8080
	defaultDataDir                  = "data"
	defaultLogLevel                 = "info"
	defaultMaxConcurrentGenerations = 2
	defaultAPIKeyEnv                = "API_KEY"
	defaultBaseURL                  = "https://generativelanguage.googleapis.com/v1beta/openai/"
	defaultTextModel                = "gemini-2.5-flash"
	defaultImageModel               = "gemini-2.5-flash-image"
	defaultLLMTimeout               = 3 * time.Minute
	defaultLanguage                 = "English"
	defaultChapters                 = 10
	defaultServiceName              = "ebookfactory"
)

// Config describes runtime configuration for the service.
type Config struct {
	Port                     int              `yaml:"port"`
	DataDir                  string           `yaml:"data_dir"`
	LogLevel                 string           `yaml:"log_level"`
	MaxConcurrentGenerations int              `yaml:"max_concurrent_generations"`
	LLM                      LLMConfig        `yaml:"llm"`
	Generation               GenerationConfig `yaml:"generation"`
	Tracing                  TracingConfig    `yaml:"tracing"`
}

type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	TextModel   string        `yaml:"text_model"`
	ImageModel  string        `yaml:"image_model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`

	// APIKey is read from the environment variable named by APIKeyEnv and
	// never from the file.
	APIKey string `yaml:"-"`
}

type GenerationConfig struct {
	Language string `yaml:"language"`
	Chapters int    `yaml:"chapters"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:                     defaultPort,
		DataDir:                  defaultDataDir,
		LogLevel:                 defaultLogLevel,
		MaxConcurrentGenerations: defaultMaxConcurrentGenerations,
		LLM: LLMConfig{
			BaseURL:    defaultBaseURL,
			TextModel:  defaultTextModel,
			ImageModel: defaultImageModel,
			APIKeyEnv:  defaultAPIKeyEnv,
			Timeout:    defaultLLMTimeout,
		},
		Generation: GenerationConfig{
			Language: defaultLanguage,
			Chapters: defaultChapters,
		},
		Tracing: TracingConfig{
			ServiceName: defaultServiceName,
			SampleRate:  1,
		},
	}
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are used. The API key is resolved from the
// environment in every case.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	cfg.LLM.APIKey = strings.TrimSpace(os.Getenv(cfg.LLM.APIKeyEnv))
	return cfg, nil
}

// HasCredential reports whether generation can reach the AI backend.
func (c Config) HasCredential() bool { return c.LLM.APIKey != "" }

func normalize(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if strings.TrimSpace(cfg.LLM.APIKeyEnv) == "" {
		cfg.LLM.APIKeyEnv = defaultAPIKeyEnv
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = defaultBaseURL
	}
	if cfg.LLM.TextModel == "" {
		cfg.LLM.TextModel = defaultTextModel
	}
	if cfg.LLM.ImageModel == "" {
		cfg.LLM.ImageModel = defaultImageModel
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = defaultLLMTimeout
	}
	if strings.TrimSpace(cfg.Generation.Language) == "" {
		cfg.Generation.Language = defaultLanguage
	}
	if cfg.Generation.Chapters == 0 {
		cfg.Generation.Chapters = defaultChapters
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = defaultServiceName
	}
}

func validate(cfg Config) error {
	// values < 1 are not allowed
	if cfg.MaxConcurrentGenerations < 1 {
		return fmt.Errorf("invalid max_concurrent_generations: %d (must be >= 1)", cfg.MaxConcurrentGenerations)
	}
	if cfg.Generation.Chapters < 1 {
		return fmt.Errorf("invalid generation.chapters: %d (must be >= 1)", cfg.Generation.Chapters)
	}
	if cfg.LLM.Timeout < 0 {
		return fmt.Errorf("invalid llm.timeout: %s", cfg.LLM.Timeout)
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("invalid tracing.sample_rate: %v (must be within [0,1])", cfg.Tracing.SampleRate)
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return errors.New("tracing.endpoint is required when tracing is enabled")
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	return nil
}
