package emotion

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"companiond/internal/domain"
)

func TestMatchRule_MostSpecificWinsOverDefault(t *testing.T) {
	t.Parallel()
	e := domain.Event{
		Kind:    domain.EventVictory,
		Payload: domain.Payload{domain.KeyMVP: true, domain.KeyWinStreak: 7.0},
	}
	res, ok := matchRule(e)
	assert.True(t, ok)
	assert.Equal(t, domain.EmotionExcited, res.emotion)
	assert.Equal(t, 0.9, res.intensity) // victory_mvp_streak, not the plain mvp or streak tiers
}

func TestMatchRule_FallsThroughToDefaultWhenNoSpecialCaseMatches(t *testing.T) {
	t.Parallel()
	e := domain.Event{Kind: domain.EventVictory, Payload: domain.Payload{}}
	res, ok := matchRule(e)
	assert.True(t, ok)
	assert.Equal(t, domain.EmotionHappy, res.emotion)
}

func TestMatchRule_AbstainsOnUnknownKind(t *testing.T) {
	t.Parallel()
	e := domain.Event{Kind: domain.EventKind("totally.unknown")}
	_, ok := matchRule(e)
	assert.False(t, ok)
}

func TestMatchRule_ContextRarityBeatsDefaultForAchievement(t *testing.T) {
	t.Parallel()
	e := domain.Event{
		Kind:    domain.EventAchievement,
		Context: domain.EventContext{domain.KeyRarity: "legendary", domain.KeyFirstTime: true},
	}
	res, ok := matchRule(e)
	assert.True(t, ok)
	assert.Equal(t, domain.EmotionAmazed, res.emotion)
	assert.Equal(t, 0.95, res.intensity)
}

func TestMatchRule_PayloadTakesPrecedenceOverContextForNumericKeys(t *testing.T) {
	t.Parallel()
	e := domain.Event{
		Kind:    domain.EventCombatStart,
		Payload: domain.Payload{domain.KeyPlayerHP: 10.0},
		Context: domain.EventContext{domain.KeyPlayerHP: 90.0},
	}
	res, ok := matchRule(e)
	assert.True(t, ok)
	assert.Equal(t, domain.EmotionWorried, res.emotion, "payload's low HP value must win over context's high HP value")
}

func TestMatchRule_EveryValidKindHasAtLeastOneRule(t *testing.T) {
	t.Parallel()
	seen := map[domain.EventKind]bool{}
	for _, r := range ruleTable {
		seen[r.kind] = true
	}
	for kind := range domain.ValidEventKinds {
		assert.True(t, seen[kind], "event kind %s has no rule table entry", kind)
	}
}
