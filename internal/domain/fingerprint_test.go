package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_Deterministic(t *testing.T) {
	t.Parallel()
	payload := Payload{KeyKillCount: 3, KeyMVP: true}
	ctx := EventContext{KeyInCombat: true, "zone": "arena"}

	a := Fingerprint("acme", "mobagame", PersonaCheerful, LanguageEN, EventVictory, payload, ctx, EmotionHappy)
	b := Fingerprint("acme", "mobagame", PersonaCheerful, LanguageEN, EventVictory, payload, ctx, EmotionHappy)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex-encoded sha256
}

func TestFingerprint_KeyOrderIndependent(t *testing.T) {
	t.Parallel()
	p1 := Payload{"a": 1, "b": 2, "c": 3}
	p2 := Payload{"c": 3, "a": 1, "b": 2}
	ctx := EventContext{}

	a := Fingerprint("acme", "mobagame", PersonaCool, LanguageEN, EventLoot, p1, ctx, "")
	b := Fingerprint("acme", "mobagame", PersonaCool, LanguageEN, EventLoot, p2, ctx, "")

	assert.Equal(t, a, b, "fingerprint must only depend on sorted key sets, not map iteration or insertion order")
}

func TestFingerprint_DistinguishesIdentityFields(t *testing.T) {
	t.Parallel()
	payload := Payload{}
	ctx := EventContext{}
	base := Fingerprint("acme", "mobagame", PersonaCheerful, LanguageEN, EventVictory, payload, ctx, "")

	cases := map[string]string{
		"tenant":   Fingerprint("other", "mobagame", PersonaCheerful, LanguageEN, EventVictory, payload, ctx, ""),
		"game":     Fingerprint("acme", "othergame", PersonaCheerful, LanguageEN, EventVictory, payload, ctx, ""),
		"persona":  Fingerprint("acme", "mobagame", PersonaCool, LanguageEN, EventVictory, payload, ctx, ""),
		"language": Fingerprint("acme", "mobagame", PersonaCheerful, LanguageJA, EventVictory, payload, ctx, ""),
		"kind":     Fingerprint("acme", "mobagame", PersonaCheerful, LanguageEN, EventDefeat, payload, ctx, ""),
		"emotion":  Fingerprint("acme", "mobagame", PersonaCheerful, LanguageEN, EventVictory, payload, ctx, EmotionHappy),
	}

	for field, other := range cases {
		assert.NotEqual(t, base, other, "changing %s must change the fingerprint", field)
	}
}

func TestFingerprint_ValuesDoNotAffectKey(t *testing.T) {
	t.Parallel()
	ctx := EventContext{}
	a := Fingerprint("acme", "mobagame", PersonaCheerful, LanguageEN, EventKill, Payload{KeyKillCount: 1}, ctx, "")
	b := Fingerprint("acme", "mobagame", PersonaCheerful, LanguageEN, EventKill, Payload{KeyKillCount: 99}, ctx, "")

	assert.Equal(t, a, b, "only the key set, not the values, participates in the cache key")
}
