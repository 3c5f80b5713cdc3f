package dialogue

import "companiond/internal/domain"

// detectSpecialCase inspects payload/context for signals that warrant paid
// generation (spec 4.3 step 1). Each contributing signal is named in the
// returned reasons slice.
func detectSpecialCase(event domain.Event, memoryCount int) []string {
	var reasons []string

	rarity := event.Context.String(domain.KeyRarity)
	if rarity == "legendary" || rarity == "epic" {
		reasons = append(reasons, "rarity")
	}
	if event.Payload.Bool(domain.KeyFirstTime) || event.Context.Bool(domain.KeyFirstTime) {
		reasons = append(reasons, "first_time")
	}
	if ws := event.Payload.Float(domain.KeyWinStreak); ws >= 5 {
		reasons = append(reasons, "win_streak")
	}
	if ls := event.Payload.Float(domain.KeyLossStreak); ls >= 5 {
		reasons = append(reasons, "loss_streak")
	}
	if event.Kind == domain.EventCombatBossDefeat {
		reasons = append(reasons, "boss_defeat")
	}
	if d := event.Context.String(domain.KeyDifficulty); d != "" && d != "normal" && d != "default" {
		reasons = append(reasons, "difficulty")
	}
	if memoryCount >= 3 {
		reasons = append(reasons, "memory_count")
	}

	return reasons
}
