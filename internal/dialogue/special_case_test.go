package dialogue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"companiond/internal/domain"
)

func TestDetectSpecialCase_NoSignalsReturnsEmpty(t *testing.T) {
	t.Parallel()
	reasons := detectSpecialCase(domain.Event{Kind: domain.EventVictory}, 0)
	assert.Empty(t, reasons)
}

func TestDetectSpecialCase_CombinesMultipleSignals(t *testing.T) {
	t.Parallel()
	e := domain.Event{
		Kind:    domain.EventCombatBossDefeat,
		Payload: domain.Payload{domain.KeyWinStreak: 6.0},
		Context: domain.EventContext{domain.KeyRarity: "legendary", domain.KeyDifficulty: "nightmare"},
	}
	reasons := detectSpecialCase(e, 3)

	assert.ElementsMatch(t, []string{"rarity", "win_streak", "boss_defeat", "difficulty", "memory_count"}, reasons)
}

func TestDetectSpecialCase_NormalDifficultyIsNotASignal(t *testing.T) {
	t.Parallel()
	e := domain.Event{Context: domain.EventContext{domain.KeyDifficulty: "normal"}}
	reasons := detectSpecialCase(e, 0)
	assert.NotContains(t, reasons, "difficulty")
}

func TestDetectSpecialCase_FirstTimeFromEitherPayloadOrContext(t *testing.T) {
	t.Parallel()
	viaPayload := detectSpecialCase(domain.Event{Payload: domain.Payload{domain.KeyFirstTime: true}}, 0)
	viaContext := detectSpecialCase(domain.Event{Context: domain.EventContext{domain.KeyFirstTime: true}}, 0)
	assert.Contains(t, viaPayload, "first_time")
	assert.Contains(t, viaContext, "first_time")
}
