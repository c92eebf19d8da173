package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemPromptMentionsCategories(t *testing.T) {
	p := SystemPrompt()
	for _, want := range []string{"characters", "locations", "organizations", "events", "relations"} {
		assert.Contains(t, p, want)
	}
}

func TestBuildUserPromptRendersFields(t *testing.T) {
	out, err := BuildUserPrompt("The Long Road", 3, "Departure", "Mary left at dawn.", 0)
	require.NoError(t, err)
	assert.Contains(t, out, "The Long Road")
	assert.Contains(t, out, "Chapter 3")
	assert.Contains(t, out, "Departure")
	assert.Contains(t, out, "Mary left at dawn.")
}

func TestBuildUserPromptTruncatesContent(t *testing.T) {
	content := strings.Repeat("a", 100)
	out, err := BuildUserPrompt("Novel", 1, "Ch1", content, 10)
	require.NoError(t, err)
	assert.Contains(t, out, strings.Repeat("a", 10))
	assert.NotContains(t, out, strings.Repeat("a", 11))
}
