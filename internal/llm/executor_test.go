package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mopkit/internal/config"
)

func TestTierValid(t *testing.T) {
	assert.True(t, TierCheap.Valid())
	assert.True(t, TierCapable.Valid())
	assert.False(t, Tier("premium").Valid())
}

func TestStubDeterministicTokens(t *testing.T) {
	stub := NewStubExecutor()

	res, err := stub.Execute(context.Background(), "summarize the spend table", TierCheap)
	require.NoError(t, err)
	assert.Equal(t, "stub-cheap", res.Model)
	assert.Equal(t, 7, res.InputTokens, "prompt tokens are estimated, rounding up")
	assert.Greater(t, res.OutputTokens, 0)

	again, err := stub.Execute(context.Background(), "summarize the spend table", TierCheap)
	require.NoError(t, err)
	assert.Equal(t, res.Text, again.Text)
}

func TestStubRecordsCalls(t *testing.T) {
	stub := NewStubExecutor()
	_, err := stub.Execute(context.Background(), "a", TierCheap)
	require.NoError(t, err)
	_, err = stub.Execute(context.Background(), "b", TierCapable)
	require.NoError(t, err)

	calls := stub.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, TierCheap, calls[0].Tier)
	assert.Equal(t, "b", calls[1].Prompt)
	assert.Equal(t, 1, stub.TierCounts()[TierCapable])
}

func TestStubFailFirst(t *testing.T) {
	stub := NewStubExecutor()
	stub.FailFirst = 1

	_, err := stub.Execute(context.Background(), "flaky", TierCheap)
	require.Error(t, err)
	_, err = stub.Execute(context.Background(), "flaky", TierCheap)
	require.NoError(t, err)

	// Failures are tracked per prompt.
	_, err = stub.Execute(context.Background(), "other", TierCheap)
	require.Error(t, err)
}

func TestClientRequiresAPIKey(t *testing.T) {
	cfg := config.DefaultConfig().LLM
	cfg.APIKey = ""
	client := NewClient(cfg)

	_, err := client.Execute(context.Background(), "hello", TierCheap)
	assert.Error(t, err)
}

func TestClientRejectsUnknownTier(t *testing.T) {
	cfg := config.DefaultConfig().LLM
	cfg.APIKey = "sk-test"
	client := NewClient(cfg)

	_, err := client.Execute(context.Background(), "hello", Tier("premium"))
	assert.Error(t, err)
}
