package extract

import (
	_ "embed"
	"strings"
	"text/template"
)

//go:embed system.tmpl
var systemPrompt string

//go:embed user.tmpl
var userPromptSource string

var userPromptTemplate = template.Must(template.New("extract_user").Parse(userPromptSource))

// SystemPrompt returns the fixed instruction prompt sent on every
// extraction call.
func SystemPrompt() string {
	return systemPrompt
}

// userPromptVars is the template data for user.tmpl.
type userPromptVars struct {
	NovelTitle string
	Index      int
	Title      string
	Content    string
}

// BuildUserPrompt renders the chapter-specific prompt, truncating
// content to maxLen runes so a single chapter can never blow past a
// provider's context window (spec.md §4.5).
func BuildUserPrompt(novelTitle string, index int, chapterTitle, content string, maxLen int) (string, error) {
	if maxLen > 0 && len([]rune(content)) > maxLen {
		content = string([]rune(content)[:maxLen])
	}
	var b strings.Builder
	err := userPromptTemplate.Execute(&b, userPromptVars{
		NovelTitle: novelTitle,
		Index:      index,
		Title:      chapterTitle,
		Content:    content,
	})
	return b.String(), err
}
