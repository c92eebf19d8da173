package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePayloadAcceptsWellFormedDocument(t *testing.T) {
	raw := []byte(`{
		"characters": [{"name": "Mary", "description": "a traveler"}],
		"relations": [{"from": "Mary", "to": "John", "type": "ally_of"}]
	}`)
	assert.NoError(t, ValidatePayload(raw))
}

func TestValidatePayloadAcceptsEmptyDocument(t *testing.T) {
	assert.NoError(t, ValidatePayload([]byte(`{}`)))
}

func TestValidatePayloadRejectsMissingEntityName(t *testing.T) {
	raw := []byte(`{"characters": [{"description": "no name"}]}`)
	assert.Error(t, ValidatePayload(raw))
}

func TestValidatePayloadRejectsMissingRelationFields(t *testing.T) {
	raw := []byte(`{"relations": [{"from": "Mary"}]}`)
	assert.Error(t, ValidatePayload(raw))
}

func TestValidatePayloadRejectsInvalidJSON(t *testing.T) {
	assert.Error(t, ValidatePayload([]byte(`not json`)))
}
