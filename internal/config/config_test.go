// Package config provides configuration management for distiller.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigSuite is a test suite for config operations.
type ConfigSuite struct {
	suite.Suite
	tempDir     string
	origHomeDir string
}

func (s *ConfigSuite) SetupTest() {
	var err error
	s.tempDir, err = os.MkdirTemp("", "config-test-*")
	s.Require().NoError(err)

	s.origHomeDir = os.Getenv("HOME")
	os.Setenv("HOME", s.tempDir)
}

func (s *ConfigSuite) TearDownTest() {
	os.Setenv("HOME", s.origHomeDir)
	os.RemoveAll(s.tempDir)
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

func (s *ConfigSuite) TestDefault() {
	cfg := Default()

	s.Equal("sqlite", cfg.DBDriver)
	s.Equal(DefaultOpsPort, cfg.OpsPort)
	s.Equal(DefaultEmbeddingDimensions, cfg.EmbeddingDimensions)
	s.Equal(100, cfg.EmbeddingBatchSize)
	s.Equal(100, cfg.CandidateLimit)
	s.InDelta(0.85, cfg.SimilarityThreshold, 1e-9)
	s.Equal(10*time.Minute, cfg.JobBudget())
	s.Equal(5*time.Second, cfg.EmbeddingRescheduleDelay())
}

func (s *ConfigSuite) TestPaths() {
	s.Contains(DataDir(), ".distiller")
	s.Contains(DBPath(), "distiller.db")
	s.Contains(SettingsPath(), "settings.json")
}

func (s *ConfigSuite) TestEnsureAll() {
	s.Require().NoError(EnsureAll())

	info, err := os.Stat(DataDir())
	s.Require().NoError(err)
	s.True(info.IsDir())

	_, err = os.Stat(SettingsPath())
	s.NoError(err)

	// Second call keeps the existing file.
	s.NoError(EnsureSettings())
}

func (s *ConfigSuite) TestLoad_TableDriven() {
	tests := []struct {
		name          string
		settingsJSON  string
		wantPort      int
		wantThreshold float64
		wantBatch     int
	}{
		{
			name:          "no settings file",
			wantPort:      DefaultOpsPort,
			wantThreshold: DefaultSimilarityThreshold,
			wantBatch:     DefaultEmbeddingBatchSize,
		},
		{
			name:          "custom port",
			settingsJSON:  `{"DISTILLER_OPS_PORT": 38888}`,
			wantPort:      38888,
			wantThreshold: DefaultSimilarityThreshold,
			wantBatch:     DefaultEmbeddingBatchSize,
		},
		{
			name:          "custom threshold and batch",
			settingsJSON:  `{"DISTILLER_SIMILARITY_THRESHOLD": 0.9, "DISTILLER_EMBEDDING_BATCH_SIZE": 25}`,
			wantPort:      DefaultOpsPort,
			wantThreshold: 0.9,
			wantBatch:     25,
		},
		{
			name:          "out of range threshold falls back",
			settingsJSON:  `{"DISTILLER_SIMILARITY_THRESHOLD": 1.5}`,
			wantPort:      DefaultOpsPort,
			wantThreshold: DefaultSimilarityThreshold,
			wantBatch:     DefaultEmbeddingBatchSize,
		},
		{
			name:          "invalid JSON returns defaults",
			settingsJSON:  `{invalid}`,
			wantPort:      DefaultOpsPort,
			wantThreshold: DefaultSimilarityThreshold,
			wantBatch:     DefaultEmbeddingBatchSize,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			tempDir, err := os.MkdirTemp("", "config-test-*")
			s.Require().NoError(err)
			defer os.RemoveAll(tempDir)

			os.Setenv("HOME", tempDir)
			s.Require().NoError(os.MkdirAll(filepath.Join(tempDir, ".distiller"), 0750))

			if tt.settingsJSON != "" {
				s.Require().NoError(os.WriteFile(
					filepath.Join(tempDir, ".distiller", "settings.json"),
					[]byte(tt.settingsJSON),
					0600,
				))
			}

			cfg, err := Load()
			s.Require().NoError(err)
			s.Equal(tt.wantPort, cfg.OpsPort)
			s.InDelta(tt.wantThreshold, cfg.SimilarityThreshold, 1e-9)
			s.Equal(tt.wantBatch, cfg.EmbeddingBatchSize)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("HOME", tempDir)
	t.Setenv("DISTILLER_DB_DRIVER", "postgres")
	t.Setenv("DISTILLER_DATABASE_URL", "postgres://localhost/distiller")
	t.Setenv("DISTILLER_CANDIDATE_LIMIT", "40")
	t.Setenv("DISTILLER_WORKER_CONCURRENCY", "not-a-number")
	t.Setenv("DISTILLER_SIMILARITY_THRESHOLD", "0.8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://localhost/distiller", cfg.DatabaseURL)
	assert.Equal(t, 40, cfg.CandidateLimit)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.InDelta(t, 0.8, cfg.SimilarityThreshold, 1e-9)
}

func TestSplitTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty string", input: "", expected: []string{}},
		{name: "single value", input: "embed_fragments", expected: []string{"embed_fragments"}},
		{name: "values with spaces", input: " a , b ,c ", expected: []string{"a", "b", "c"}},
		{name: "empty values filtered", input: "a,,b,,", expected: []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, splitTrim(tt.input))
		})
	}
}

func TestEnabledJobTypes(t *testing.T) {
	t.Setenv("DISTILLER_JOB_TYPES", "")
	assert.Nil(t, EnabledJobTypes())

	t.Setenv("DISTILLER_JOB_TYPES", "embed_fragments, cluster_fragments")
	assert.Equal(t, []string{"embed_fragments", "cluster_fragments"}, EnabledJobTypes())
}
