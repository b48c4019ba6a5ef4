// Package config provides configuration management for distiller.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Default values.
const (
	DefaultOpsPort             = 37790
	DefaultLLMProvider         = "openai"
	DefaultLLMModel            = "gpt-4o"
	DefaultEmbeddingModel      = "text-embedding-3-large"
	DefaultEmbeddingDimensions = 2000
	DefaultEmbeddingBatchSize  = 100
	DefaultSimilarityThreshold = 0.85
	DefaultCandidateLimit      = 100
	DefaultClusteringBatchSize = 50
)

const dataDirName = ".distiller"

// Config holds all distiller settings.
type Config struct {
	DBDriver    string `json:"DISTILLER_DB_DRIVER"`
	DBPath      string `json:"DISTILLER_DB_PATH"`
	DatabaseURL string `json:"DISTILLER_DATABASE_URL"`
	MaxConns    int    `json:"DISTILLER_MAX_CONNS"`
	LogLevel    string `json:"DISTILLER_LOG_LEVEL"`

	LLMProvider    string `json:"DISTILLER_LLM_PROVIDER"`
	LLMModel       string `json:"DISTILLER_LLM_MODEL"`
	EmbeddingModel string `json:"DISTILLER_EMBEDDING_MODEL"`
	OpenAIAPIKey   string `json:"OPENAI_API_KEY"`
	GeminiProject  string `json:"DISTILLER_GEMINI_PROJECT"`
	GeminiLocation string `json:"DISTILLER_GEMINI_LOCATION"`

	EmbeddingDimensions     int `json:"DISTILLER_EMBEDDING_DIMENSIONS"`
	EmbeddingBatchSize      int `json:"DISTILLER_EMBEDDING_BATCH_SIZE"`
	EmbeddingMaxTokens      int `json:"DISTILLER_EMBEDDING_MAX_TOKENS"`
	EmbeddingRescheduleSecs int `json:"DISTILLER_EMBEDDING_RESCHEDULE_SECONDS"`

	SimilarityThreshold float64 `json:"DISTILLER_SIMILARITY_THRESHOLD"`
	CandidateLimit      int     `json:"DISTILLER_CANDIDATE_LIMIT"`
	ClusteringBatchSize int     `json:"DISTILLER_CLUSTERING_BATCH_SIZE"`
	JobBudgetMinutes    int     `json:"DISTILLER_JOB_BUDGET_MINUTES"`

	WorkerConcurrency    int `json:"DISTILLER_WORKER_CONCURRENCY"`
	WorkerPollMillis     int `json:"DISTILLER_WORKER_POLL_MS"`
	JobMaxAttempts       int `json:"DISTILLER_JOB_MAX_ATTEMPTS"`
	JobRetryDelaySecs    int `json:"DISTILLER_JOB_RETRY_DELAY_SECONDS"`
	JobStaleRunningMins  int `json:"DISTILLER_JOB_STALE_MINUTES"`
	ClusteringEveryMins  int `json:"DISTILLER_CLUSTERING_EVERY_MINUTES"`
	BackfillEveryMins    int `json:"DISTILLER_BACKFILL_EVERY_MINUTES"`
	OpsPort              int `json:"DISTILLER_OPS_PORT"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBDriver:                "sqlite",
		DBPath:                  DBPath(),
		MaxConns:                4,
		LogLevel:                "info",
		LLMProvider:             DefaultLLMProvider,
		LLMModel:                DefaultLLMModel,
		EmbeddingModel:          DefaultEmbeddingModel,
		GeminiLocation:          "us-central1",
		EmbeddingDimensions:     DefaultEmbeddingDimensions,
		EmbeddingBatchSize:      DefaultEmbeddingBatchSize,
		EmbeddingMaxTokens:      8000,
		EmbeddingRescheduleSecs: 5,
		SimilarityThreshold:     DefaultSimilarityThreshold,
		CandidateLimit:          DefaultCandidateLimit,
		ClusteringBatchSize:     DefaultClusteringBatchSize,
		JobBudgetMinutes:        10,
		WorkerConcurrency:       4,
		WorkerPollMillis:        1000,
		JobMaxAttempts:          5,
		JobRetryDelaySecs:       30,
		JobStaleRunningMins:     30,
		ClusteringEveryMins:     15,
		BackfillEveryMins:       5,
		OpsPort:                 DefaultOpsPort,
	}
}

// DataDir returns the data directory path.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, dataDirName)
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "distiller.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(map[string]any{
		"DISTILLER_DB_DRIVER":    "sqlite",
		"DISTILLER_LLM_PROVIDER": DefaultLLMProvider,
		"DISTILLER_LLM_MODEL":    DefaultLLMModel,
		"DISTILLER_OPS_PORT":     DefaultOpsPort,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll ensures the data directory and settings file exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads settings.json on top of the defaults and then applies environment overrides.
// A malformed settings file is logged and ignored.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	switch {
	case err == nil:
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			log.Warn().Err(jerr).Str("path", SettingsPath()).Msg("Invalid settings file, using defaults")
			cfg = Default()
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	applyEnv(cfg)
	cfg.normalize()
	return cfg, nil
}

// Get returns the process-wide configuration, loading it once.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load config, using defaults")
			cfg = Default()
		}
		globalConfig = cfg
	})
	return globalConfig
}

// JobBudget returns the wall-clock budget for one job run.
func (c *Config) JobBudget() time.Duration {
	return time.Duration(c.JobBudgetMinutes) * time.Minute
}

// EmbeddingRescheduleDelay returns the delay before a full backfill batch runs again.
func (c *Config) EmbeddingRescheduleDelay() time.Duration {
	return time.Duration(c.EmbeddingRescheduleSecs) * time.Second
}

// WorkerPollInterval returns how often idle workers poll for runnable jobs.
func (c *Config) WorkerPollInterval() time.Duration {
	return time.Duration(c.WorkerPollMillis) * time.Millisecond
}

// RetryDelay returns the minimum delay before a failed job is retried.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.JobRetryDelaySecs) * time.Second
}

// StaleRunning returns how long a running job may go without heartbeat before it is reclaimed.
func (c *Config) StaleRunning() time.Duration {
	return time.Duration(c.JobStaleRunningMins) * time.Minute
}

func (c *Config) normalize() {
	d := Default()
	if c.MaxConns <= 0 {
		c.MaxConns = d.MaxConns
	}
	if c.EmbeddingBatchSize <= 0 {
		c.EmbeddingBatchSize = d.EmbeddingBatchSize
	}
	if c.EmbeddingDimensions <= 0 {
		c.EmbeddingDimensions = d.EmbeddingDimensions
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	if c.ClusteringBatchSize <= 0 {
		c.ClusteringBatchSize = d.ClusteringBatchSize
	}
	if c.JobBudgetMinutes <= 0 {
		c.JobBudgetMinutes = d.JobBudgetMinutes
	}
	if c.WorkerConcurrency < 1 {
		c.WorkerConcurrency = 1
	}
	if c.WorkerPollMillis <= 0 {
		c.WorkerPollMillis = d.WorkerPollMillis
	}
	if c.JobMaxAttempts <= 0 {
		c.JobMaxAttempts = d.JobMaxAttempts
	}
	if c.DBPath == "" {
		c.DBPath = DBPath()
	}
}

// applyEnv overrides settings from DISTILLER_* environment variables.
func applyEnv(cfg *Config) {
	envString("DISTILLER_DB_DRIVER", &cfg.DBDriver)
	envString("DISTILLER_DB_PATH", &cfg.DBPath)
	envString("DISTILLER_DATABASE_URL", &cfg.DatabaseURL)
	envString("DISTILLER_LOG_LEVEL", &cfg.LogLevel)
	envString("DISTILLER_LLM_PROVIDER", &cfg.LLMProvider)
	envString("DISTILLER_LLM_MODEL", &cfg.LLMModel)
	envString("DISTILLER_EMBEDDING_MODEL", &cfg.EmbeddingModel)
	envString("OPENAI_API_KEY", &cfg.OpenAIAPIKey)
	envString("DISTILLER_GEMINI_PROJECT", &cfg.GeminiProject)
	envString("DISTILLER_GEMINI_LOCATION", &cfg.GeminiLocation)

	envInt("DISTILLER_MAX_CONNS", &cfg.MaxConns)
	envInt("DISTILLER_EMBEDDING_DIMENSIONS", &cfg.EmbeddingDimensions)
	envInt("DISTILLER_EMBEDDING_BATCH_SIZE", &cfg.EmbeddingBatchSize)
	envInt("DISTILLER_CANDIDATE_LIMIT", &cfg.CandidateLimit)
	envInt("DISTILLER_CLUSTERING_BATCH_SIZE", &cfg.ClusteringBatchSize)
	envInt("DISTILLER_JOB_BUDGET_MINUTES", &cfg.JobBudgetMinutes)
	envInt("DISTILLER_WORKER_CONCURRENCY", &cfg.WorkerConcurrency)
	envInt("DISTILLER_OPS_PORT", &cfg.OpsPort)

	if v := os.Getenv("DISTILLER_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SimilarityThreshold = f
		}
	}
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return
	}
	*dst = n
}

// splitTrim splits a comma separated list, dropping empty entries.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EnabledJobTypes returns the job types listed in DISTILLER_JOB_TYPES, or nil for all.
func EnabledJobTypes() []string {
	v := os.Getenv("DISTILLER_JOB_TYPES")
	if v == "" {
		return nil
	}
	return splitTrim(v)
}
