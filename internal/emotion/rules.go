package emotion

import "companiond/internal/domain"

// ruleResult is what a rule predicate yields on a match.
type ruleResult struct {
	emotion    domain.Emotion
	intensity  float64
	confidence float64
	action     string
}

// rule is a single deterministic predicate over an event. Rules are tried
// most-specific to least-specific; the first match wins (spec 4.2 Pass 1).
type rule struct {
	name      string
	kind      domain.EventKind
	predicate func(e domain.Event) bool
	result    ruleResult
}

// f64 reads a numeric key from either payload or context, payload taking
// precedence (most rule predicates care about the payload's own fields).
func f64(e domain.Event, key string) float64 {
	if v := e.Payload.Float(key); v != 0 {
		return v
	}
	return e.Context.Float(key)
}

func b(e domain.Event, key string) bool {
	return e.Payload.Bool(key) || e.Context.Bool(key)
}

// ruleTable is ordered most-specific first within each kind. Predicates under
// the same kind can overlap (an event matching victory_mvp_streak also
// matches victory_mvp); the table is checked top to bottom and the first
// match wins.
var ruleTable = []rule{
	{
		name: "victory_mvp_streak", kind: domain.EventVictory,
		predicate: func(e domain.Event) bool { return b(e, domain.KeyMVP) && f64(e, domain.KeyWinStreak) >= 5 },
		result:    ruleResult{domain.EmotionExcited, 0.9, 0.95, "celebrate"},
	},
	{
		name: "victory_mvp", kind: domain.EventVictory,
		predicate: func(e domain.Event) bool { return b(e, domain.KeyMVP) },
		result:    ruleResult{domain.EmotionExcited, 0.8, 0.9, "celebrate"},
	},
	{
		name: "victory_streak", kind: domain.EventVictory,
		predicate: func(e domain.Event) bool { return f64(e, domain.KeyWinStreak) >= 5 },
		result:    ruleResult{domain.EmotionProud, 0.75, 0.85, "cheer"},
	},
	{
		name: "victory_default", kind: domain.EventVictory,
		predicate: func(domain.Event) bool { return true },
		result:    ruleResult{domain.EmotionHappy, 0.6, 0.8, "cheer"},
	},

	{
		name: "defeat_loss_streak_high", kind: domain.EventDefeat,
		predicate: func(e domain.Event) bool { return f64(e, domain.KeyLossStreak) >= 6 },
		result:    ruleResult{domain.EmotionFrustrated, 0.7, 0.85, "sulk"},
	},
	{
		name: "defeat_loss_streak", kind: domain.EventDefeat,
		predicate: func(e domain.Event) bool { return f64(e, domain.KeyLossStreak) >= 5 },
		result:    ruleResult{domain.EmotionSad, 0.6, 0.8, "sulk"},
	},
	{
		name: "defeat_default", kind: domain.EventDefeat,
		predicate: func(domain.Event) bool { return true },
		result:    ruleResult{domain.EmotionDisappointed, 0.45, 0.7, "idle"},
	},

	{
		name: "achievement_legendary_first", kind: domain.EventAchievement,
		predicate: func(e domain.Event) bool {
			return e.Context.String(domain.KeyRarity) == "legendary" && b(e, domain.KeyFirstTime)
		},
		result: ruleResult{domain.EmotionAmazed, 0.95, 0.95, "celebrate"},
	},
	{
		name: "achievement_legendary", kind: domain.EventAchievement,
		predicate: func(e domain.Event) bool { return e.Context.String(domain.KeyRarity) == "legendary" },
		result:    ruleResult{domain.EmotionAmazed, 0.85, 0.9, "celebrate"},
	},
	{
		name: "achievement_default", kind: domain.EventAchievement,
		predicate: func(domain.Event) bool { return true },
		result:    ruleResult{domain.EmotionProud, 0.65, 0.8, "cheer"},
	},

	{
		name: "kill_legendary", kind: domain.EventKill,
		predicate: func(e domain.Event) bool { return b(e, domain.KeyIsLegendary) },
		result:    ruleResult{domain.EmotionExcited, 0.75, 0.85, "celebrate"},
	},
	{
		name: "kill_default", kind: domain.EventKill,
		predicate: func(domain.Event) bool { return true },
		result:    ruleResult{domain.EmotionHappy, 0.45, 0.7, "idle"},
	},

	{
		name: "death_default", kind: domain.EventDeath,
		predicate: func(domain.Event) bool { return true },
		result:    ruleResult{domain.EmotionSad, 0.5, 0.7, "sulk"},
	},

	{
		name: "level_up_default", kind: domain.EventLevelUp,
		predicate: func(domain.Event) bool { return true },
		result:    ruleResult{domain.EmotionProud, 0.55, 0.75, "cheer"},
	},

	{
		name: "loot_legendary", kind: domain.EventLoot,
		predicate: func(e domain.Event) bool { return e.Context.String(domain.KeyRarity) == "legendary" },
		result:    ruleResult{domain.EmotionAmazed, 0.8, 0.85, "celebrate"},
	},
	{
		name: "loot_default", kind: domain.EventLoot,
		predicate: func(domain.Event) bool { return true },
		result:    ruleResult{domain.EmotionHappy, 0.4, 0.65, "idle"},
	},

	{
		name: "combat_boss_defeated_default", kind: domain.EventCombatBossDefeat,
		predicate: func(domain.Event) bool { return true },
		result:    ruleResult{domain.EmotionExcited, 0.85, 0.9, "celebrate"},
	},
	{
		name: "combat_start_low_hp", kind: domain.EventCombatStart,
		predicate: func(e domain.Event) bool { return f64(e, domain.KeyPlayerHP) > 0 && f64(e, domain.KeyPlayerHP) < 20 },
		result:    ruleResult{domain.EmotionWorried, 0.6, 0.75, "sulk"},
	},
	{
		name: "combat_start_default", kind: domain.EventCombatStart,
		predicate: func(domain.Event) bool { return true },
		result:    ruleResult{domain.EmotionNeutral, 0.3, 0.6, "idle"},
	},

	{
		name: "session_start_default", kind: domain.EventSessionStart,
		predicate: func(domain.Event) bool { return true },
		result:    ruleResult{domain.EmotionHappy, 0.4, 0.7, "cheer"},
	},
	{
		name: "session_end_default", kind: domain.EventSessionEnd,
		predicate: func(domain.Event) bool { return true },
		result:    ruleResult{domain.EmotionNeutral, 0.2, 0.6, "idle"},
	},
}

// matchRule evaluates the table in order and returns the first match for
// the event's kind, or false on abstention.
func matchRule(e domain.Event) (ruleResult, bool) {
	for _, r := range ruleTable {
		if r.kind != e.Kind {
			continue
		}
		if r.predicate(e) {
			return r.result, true
		}
	}
	return ruleResult{}, false
}
