// Package rules implements the "rules" synthetic provider: a
// deterministic regex-based extractor with no credentials, used when
// use_ai=false or as the fallback target when every real AI provider
// is suspended (spec.md §3, §4.4). It satisfies the same LLMClient
// interface as the real providers so the extraction pipeline and
// worker pool never special-case it.
package rules

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/providers"
)

// Name is the synthetic provider's registry key.
const Name = "rules"

// Client implements providers.LLMClient with deterministic regex
// matching instead of a network call.
type Client struct{}

// NewClient creates the rules provider client.
func NewClient() *Client { return &Client{} }

func (c *Client) Name() string { return Name }

// speakerPattern matches "<Name> said/asked/replied ..." constructs,
// a common signal for character mentions in narrative prose.
var speakerPattern = regexp.MustCompile(`([A-Z][a-zA-Z'-]+(?:\s[A-Z][a-zA-Z'-]+)?)\s+(?:said|asked|replied|shouted|whispered|murmured)`)

// capitalizedPhrase matches runs of capitalized words, a coarse proxy
// for proper nouns (character, location, and organization names).
var capitalizedPhrase = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s[A-Z][a-z]+){0,2})\b`)

// extractionPayload is the JSON shape Chat returns, mirroring the
// structured-output contract real providers are asked to produce
// (internal/extract validates both against the same schema).
type extractionPayload struct {
	Characters []entity `json:"characters"`
	Locations  []entity `json:"locations"`
	Organizations []entity `json:"organizations"`
	Events     []event  `json:"events"`
}

type entity struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type event struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Chat runs the regex extraction over the last user message's content
// (the rendered chapter prompt) and returns it JSON-encoded as if it
// were a structured LLM response.
func (c *Client) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	start := time.Now()

	var content string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			content = req.Messages[i].Content
			break
		}
	}

	payload := extract(content)
	body, err := json.Marshal(payload)
	if err != nil {
		return &providers.ChatResult{
			Provider:     Name,
			Success:      false,
			ErrorType:    string(providers.ErrorKindParse),
			ErrorMessage: err.Error(),
		}, nil
	}

	return &providers.ChatResult{
		Provider:      Name,
		ModelUsed:     Name,
		RequestID:     req.RequestID,
		ExecutionTime: time.Since(start),
		Success:       true,
		Content:       string(body),
		ParsedJSON:    body,
	}, nil
}

// extract runs the deterministic passes over content. It never
// returns an error: an input with nothing matching simply yields empty
// slices, which internal/extract treats as a chapter contributing no
// new nodes rather than a failure.
func extract(content string) extractionPayload {
	seen := make(map[string]bool)
	var characters []entity

	for _, m := range speakerPattern.FindAllStringSubmatch(content, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		characters = append(characters, entity{Name: name, Description: "mentioned as a speaker"})
	}

	// Any remaining capitalized phrase not already captured as a
	// speaker is recorded as a location/organization candidate; rules
	// mode can't distinguish the two without a gazetteer, so it leaves
	// Organizations empty and reports everything else as a Location.
	var locations []entity
	for _, m := range capitalizedPhrase.FindAllString(content, -1) {
		name := strings.TrimSpace(m)
		if name == "" || seen[name] || isSentenceStart(content, name) {
			continue
		}
		seen[name] = true
		locations = append(locations, entity{Name: name, Description: "mentioned in narrative text"})
	}

	return extractionPayload{
		Characters:    characters,
		Locations:     locations,
		Organizations: nil,
		Events:        nil,
	}
}

// isSentenceStart heuristically drops common sentence-initial
// capitalized words ("The", "He", "She", ...) that aren't proper
// nouns, to keep the false-positive rate down without a full NLP
// pipeline.
func isSentenceStart(content, phrase string) bool {
	switch strings.Fields(phrase)[0] {
	case "The", "A", "An", "He", "She", "It", "They", "We", "You", "I":
		return true
	default:
		return false
	}
}
