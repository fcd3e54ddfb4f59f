package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinDefinitions(t *testing.T) {
	defs, err := BuiltinDefinitions()
	require.NoError(t, err)

	byType := map[string]Definition{}
	for _, def := range defs {
		byType[def.Type] = def
	}
	require.Contains(t, byType, "order_approval")
	require.Contains(t, byType, "vendor_onboarding")

	approval := byType["order_approval"]
	assert.Equal(t, "review_order", approval.Start)
	step, ok := approval.Step("manager_approval")
	require.True(t, ok)
	assert.Equal(t, KindApprovalRequired, step.Kind)
	assert.Equal(t, 48*time.Hour, step.Timeout)
	assert.Equal(t, "reject_order", step.Next.Timeout)

	vendor := byType["vendor_onboarding"]
	assert.Equal(t, "business_details", vendor.Start)
	assert.Len(t, vendor.Steps, 7)
	details, _ := vendor.Step("business_details")
	assert.True(t, details.Required)
	require.Len(t, details.Validations, 4)
	assert.NotNil(t, details.Validations[2].compiled)
}

func TestParseDefinition_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "   "},
		{"missing type", "steps:\n  - id: a\n    kind: waiting\n"},
		{"no steps", "type: x\n"},
		{"unknown kind", "type: x\nsteps:\n  - id: a\n    kind: teleport\n"},
		{"duplicate id", "type: x\nsteps:\n  - id: a\n    kind: waiting\n  - id: a\n    kind: waiting\n"},
		{"unknown edge", "type: x\nsteps:\n  - id: a\n    kind: waiting\n    next:\n      success: b\n"},
		{"unknown start", "type: x\nstart: z\nsteps:\n  - id: a\n    kind: waiting\n"},
		{"waiting with timeout", "type: x\nsteps:\n  - id: a\n    kind: waiting\n    timeout: 1h\n"},
		{"waiting with timeout edge", "type: x\nsteps:\n  - id: a\n    kind: waiting\n    next:\n      timeout: b\n  - id: b\n    kind: waiting\n"},
		{"bad pattern", "type: x\nsteps:\n  - id: a\n    kind: user_action\n    validations:\n      - field: f\n        rule: pattern\n        pattern: '('\n"},
		{"range without bounds", "type: x\nsteps:\n  - id: a\n    kind: user_action\n    validations:\n      - field: f\n        rule: range\n"},
		{"unknown rule", "type: x\nsteps:\n  - id: a\n    kind: user_action\n    validations:\n      - field: f\n        rule: fuzzy\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseDefinition_DefaultsStart(t *testing.T) {
	def, err := ParseDefinition([]byte("type: x\nsteps:\n  - id: first\n    kind: waiting\n  - id: second\n    kind: waiting\n"))
	require.NoError(t, err)
	assert.Equal(t, "first", def.Start)
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("type: beta\nsteps:\n  - id: s\n    kind: waiting\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte("type: alpha\nsteps:\n  - id: s\n    kind: waiting\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs, err := LoadDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Type)
	assert.Equal(t, "beta", defs[1].Type)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.yaml"), []byte("type: broken\n"), 0o644))
	_, err = LoadDefinitions(dir)
	assert.Error(t, err)
}
