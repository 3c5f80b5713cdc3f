package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint computes the Response Cache key: a stable hash over the
// semantically identity-bearing fields of a request. Persona and language
// are included explicitly to avoid cross-persona/cross-language collisions
// (spec 3, "Invariants across the model").
func Fingerprint(tenant, game string, persona Persona, language Language, kind EventKind, payload Payload, context EventContext, emotionIfKnown Emotion) string {
	var b strings.Builder
	b.WriteString(tenant)
	b.WriteByte('|')
	b.WriteString(game)
	b.WriteByte('|')
	b.WriteString(string(persona))
	b.WriteByte('|')
	b.WriteString(string(language))
	b.WriteByte('|')
	b.WriteString(string(kind))
	b.WriteByte('|')
	writeSortedKeys(&b, payload)
	b.WriteByte('|')
	writeSortedKeys(&b, context)
	b.WriteByte('|')
	b.WriteString(string(emotionIfKnown))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// writeSortedKeys normalizes a map to its sorted key set per the
// normalized_payload_keys / normalized_context_keys fields of the
// fingerprint definition; values are read by rule and scoring logic but do
// not themselves participate in the cache key.
func writeSortedKeys(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
	}
}
