package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/bits"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Payload keys that carry delivery metadata rather than semantic content.
// Stripped before content hashing so redeliveries of the same change hash
// identically.
var nonSemanticKeys = map[string]struct{}{
	"id":           {},
	"ids":          {},
	"delivery_id":  {},
	"sequence":     {},
	"timestamp":    {},
	"timestamps":   {},
	"ts":           {},
	"created_at":   {},
	"updated_at":   {},
	"received_at":  {},
	"event_time":   {},
	"webhook_id":   {},
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	// Matches ISO-ish datetimes and bare clock times that tooling appends to
	// comment bodies (build bots, sync mirrors).
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+-]\d{2}:?\d{2})?)?|\b\d{1,2}:\d{2}(:\d{2})?\s*(am|pm|AM|PM)?\b`)
)

// NormalizeText lowercases, strips timestamp-like tokens, and collapses
// whitespace. Two texts differing only in embedded timestamps normalize
// equal.
func NormalizeText(s string) string {
	s = strings.ToLower(s)
	s = timestampRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ContentHash computes the strong content hash over the normalized payload:
// non-semantic keys removed recursively, string values text-normalized, and
// the result serialized with stable key order.
func ContentHash(payload map[string]any) string {
	normalized := normalizeValue(payload)
	// encoding/json sorts map keys, giving a canonical byte form.
	data, err := json.Marshal(normalized)
	if err != nil {
		// Maps of JSON-decoded values always marshal; guard anyway.
		data = []byte(strings.TrimSpace(string(data)))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if _, skip := nonSemanticKeys[strings.ToLower(k)]; skip {
				continue
			}
			if strings.ToLower(k) == "changelog" {
				if filtered := filterChangelog(inner); filtered != nil {
					out[k] = filtered
				}
				continue
			}
			out[k] = normalizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeValue(inner)
		}
		return out
	case string:
		return NormalizeText(val)
	default:
		return v
	}
}

// filterChangelog drops no-op changelog items (from == to, e.g. a
// re-assignment to the same person) so they do not perturb the content
// hash. Returns nil when nothing semantic remains.
func filterChangelog(v any) any {
	changelog, ok := v.(map[string]any)
	if !ok {
		return normalizeValue(v)
	}
	items, ok := changelog["items"].([]any)
	if !ok {
		return normalizeValue(v)
	}
	kept := make([]any, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			kept = append(kept, normalizeValue(raw))
			continue
		}
		from, _ := item["fromString"].(string)
		to, _ := item["toString"].(string)
		if from == to {
			continue
		}
		kept = append(kept, normalizeValue(raw))
	}
	if len(kept) == 0 {
		return nil
	}
	return map[string]any{"items": kept}
}

// SimilarityHash computes a 64-bit simhash over the given text. Texts with
// small edits land within a few bits of each other.
func SimilarityHash(text string) uint64 {
	tokens := strings.Fields(NormalizeText(text))
	if len(tokens) == 0 {
		return 0
	}

	var weights [64]int
	for _, tok := range tokens {
		h := xxhash.Sum64String(tok)
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				weights[i]++
			} else {
				weights[i]--
			}
		}
	}

	var hash uint64
	for i := 0; i < 64; i++ {
		if weights[i] > 0 {
			hash |= 1 << uint(i)
		}
	}
	return hash
}

// HammingDistance counts differing bits between two similarity hashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Similar reports whether two similarity hashes are within maxDistance bits.
// A zero hash (no text) never matches anything, including another zero.
func Similar(a, b uint64, maxDistance int) bool {
	if a == 0 || b == 0 {
		return false
	}
	return HammingDistance(a, b) <= maxDistance
}
