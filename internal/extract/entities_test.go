package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeDropsRepeatedNames(t *testing.T) {
	p := &ExtractionPayload{
		Characters: []ExtractedEntity{
			{Name: "Mary", Description: "first mention"},
			{Name: "Mary", Description: "second mention"},
			{Name: "John"},
		},
		Relations: []ExtractedRelation{
			{From: "Mary", To: "John", Type: "ally_of"},
			{From: "Mary", To: "John", Type: "ally_of"},
			{From: "Mary", To: "John", Type: "enemy_of"},
		},
	}
	p.dedupe()

	assert.Len(t, p.Characters, 2)
	assert.Equal(t, "first mention", p.Characters[0].Description)
	assert.Len(t, p.Relations, 2)
}

func TestDedupeDropsEmptyNames(t *testing.T) {
	p := &ExtractionPayload{
		Locations: []ExtractedEntity{{Name: ""}, {Name: "The Keep"}},
		Relations: []ExtractedRelation{{From: "", To: "x", Type: "y"}},
	}
	p.dedupe()

	assert.Len(t, p.Locations, 1)
	assert.Empty(t, p.Relations)
}
