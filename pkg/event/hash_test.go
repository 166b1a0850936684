package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "lowercase and collapse",
			input:    "Deploy   FAILED\t\tin\n\nstaging",
			expected: "deploy failed in staging",
		},
		{
			name:     "strips iso timestamp",
			input:    "synced at 2026-08-21T14:03:22Z by mirror",
			expected: "synced at by mirror",
		},
		{
			name:     "strips bare clock time",
			input:    "build finished 14:03:22",
			expected: "build finished",
		},
		{
			name:     "empty",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeText(tt.input))
		})
	}
}

func TestContentHashStable(t *testing.T) {
	a := map[string]any{
		"issue":   map[string]any{"key": "ENG-42", "fields": map[string]any{"summary": "pods crashlooping"}},
		"comment": map[string]any{"body": "retriggered the sync 2026-08-21T10:00:00Z"},
	}
	b := map[string]any{
		"comment": map[string]any{"body": "retriggered the sync 2026-08-22T11:30:00Z"},
		"issue":   map[string]any{"key": "ENG-42", "fields": map[string]any{"summary": "pods   CRASHLOOPING"}},
	}

	assert.Equal(t, ContentHash(a), ContentHash(b),
		"bodies differing only in timestamps must hash identically")
}

func TestContentHashIgnoresDeliveryMetadata(t *testing.T) {
	a := map[string]any{"action": "opened", "delivery_id": "d-1", "timestamp": "x"}
	b := map[string]any{"action": "opened", "delivery_id": "d-2", "timestamp": "y"}
	c := map[string]any{"action": "closed", "delivery_id": "d-1"}

	assert.Equal(t, ContentHash(a), ContentHash(b))
	assert.NotEqual(t, ContentHash(a), ContentHash(c))
}

func TestSimilarityHashProximity(t *testing.T) {
	base := SimilarityHash("deployment of payments service failed in production with exit code 1")
	near := SimilarityHash("deployment of payments service failed in production with exit code 2")
	far := SimilarityHash("weekly grooming notes for the mobile team backlog refinement session")

	assert.True(t, Similar(base, near, 16), "near-duplicate texts should be similar")
	assert.Less(t, HammingDistance(base, near), HammingDistance(base, far))
}

func TestSimilarZeroNeverMatches(t *testing.T) {
	assert.False(t, Similar(0, 0, 64))
	assert.False(t, Similar(0, SimilarityHash("text"), 64))
}
