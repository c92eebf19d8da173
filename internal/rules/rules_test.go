package rules

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/providers"
)

func TestChatExtractsSpeakers(t *testing.T) {
	c := NewClient()
	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "user", Content: `Mary said she would leave at dawn. Later, John Carter replied that he would wait.`},
		},
	}

	result, err := c.Chat(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Success)

	var payload extractionPayload
	require.NoError(t, json.Unmarshal([]byte(result.Content), &payload))
	var names []string
	for _, e := range payload.Characters {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "Mary")
	assert.Contains(t, names, "John Carter")
}

func TestChatWithNoMatches(t *testing.T) {
	c := NewClient()
	req := &providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "nothing capitalized here"}}}

	result, err := c.Chat(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Success)

	var payload extractionPayload
	require.NoError(t, json.Unmarshal([]byte(result.Content), &payload))
	assert.Empty(t, payload.Characters)
}

func TestNameIsRules(t *testing.T) {
	assert.Equal(t, "rules", NewClient().Name())
}
