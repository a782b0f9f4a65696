package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 64000, cfg.Budget.MaxTokens)
	assert.InDelta(t, 1.0, cfg.Rubric.Weights.Sum(), weightSumTolerance)
	assert.GreaterOrEqual(t, cfg.Chunking.DefaultChunkRecords, MinChunkRecords)
	assert.LessOrEqual(t, cfg.Chunking.DefaultChunkRecords, MaxChunkRecords)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Budget.MaxTokens, cfg.Budget.MaxTokens)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".mopkit", "config.yaml")

	cfg := DefaultConfig()
	cfg.Budget.MaxTokens = 32000
	cfg.LLM.CheapModel = "test-cheap"
	cfg.Rubric.BannedPhrases = []string{"leverage"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32000, loaded.Budget.MaxTokens)
	assert.Equal(t, "test-cheap", loaded.LLM.CheapModel)
	assert.Equal(t, []string{"leverage"}, loaded.Rubric.BannedPhrases)
}

func TestEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("MOPKIT_API_KEY", "sk-test")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestRubricWeightSumIsFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rubric.Weights.Completeness += 0.1

	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrRubricMisconfigured)
}

func TestRubricThresholdOrdering(t *testing.T) {
	cfg := DefaultRubricConfig()
	cfg.RevisionThreshold = cfg.AutoDeliverThreshold

	assert.ErrorIs(t, cfg.Validate(), ErrRubricMisconfigured)
}

func TestBudgetValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Budget.MaxTokens = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Budget.MaxRuntime = "soon"
	assert.Error(t, cfg.Validate())
}

func TestChunkingValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chunking.DefaultChunkRecords = MaxChunkRecords + 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Chunking.DefaultChunkRecords = MinChunkRecords - 1
	assert.Error(t, cfg.Validate())
}

func TestMemoryThresholdOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.SemanticConfidence = cfg.Memory.ProceduralConfidence
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Memory.ArchiveFloor = 0.9
	assert.Error(t, cfg.Validate())
}
