package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		schema  map[string]any
		wantErr bool
	}{
		{name: "nil is empty object", schema: nil},
		{name: "typed properties", schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
			"required":   []any{"city"},
		}},
		{name: "not an object", schema: map[string]any{"type": "string"}, wantErr: true},
		{name: "untyped property", schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{}},
		}, wantErr: true},
		{name: "unknown type", schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "place"}},
		}, wantErr: true},
		{name: "required not declared", schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{"city"},
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.schema)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	s := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city":    map[string]any{"type": "string"},
			"minutes": map[string]any{"type": "integer"},
		},
		"required": []any{"city"},
	}

	assert.NoError(t, Validate(map[string]any{"city": "Kyoto", "minutes": float64(5), "extra": true}, s))
	assert.Error(t, Validate(map[string]any{"minutes": float64(5)}, s))
	assert.Error(t, Validate(map[string]any{"city": "Kyoto", "minutes": 2.5}, s))
	assert.Error(t, Validate(map[string]any{"city": 7}, s))
}
