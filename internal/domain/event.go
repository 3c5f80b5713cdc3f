// Package domain holds the wire and storage types shared by every engine in
// the companion response pipeline: events in, responses out, and the
// records that accumulate in between.
package domain

import "time"

// EventKind is the closed enumeration of in-game triggers the pipeline
// understands. Unknown kinds are rejected at ingress as invalid_event.
type EventKind string

const (
	EventVictory           EventKind = "player.victory"
	EventDefeat            EventKind = "player.defeat"
	EventKill              EventKind = "player.kill"
	EventDeath             EventKind = "player.death"
	EventAchievement       EventKind = "player.achievement"
	EventLevelUp           EventKind = "player.level_up"
	EventLoot              EventKind = "player.loot"
	EventSessionStart      EventKind = "session.start"
	EventSessionEnd        EventKind = "session.end"
	EventCombatStart       EventKind = "combat.start"
	EventCombatBossDefeat  EventKind = "combat.boss_defeated"
)

// ValidEventKinds is the closed set used by ingress validation.
var ValidEventKinds = map[EventKind]bool{
	EventVictory:          true,
	EventDefeat:           true,
	EventKill:             true,
	EventDeath:            true,
	EventAchievement:      true,
	EventLevelUp:          true,
	EventLoot:             true,
	EventSessionStart:     true,
	EventSessionEnd:       true,
	EventCombatStart:      true,
	EventCombatBossDefeat: true,
}

// Persona is a player's authoring-style identifier, used both for template
// selection and for shaping generative prompts.
type Persona string

const (
	PersonaCheerful Persona = "cheerful"
	PersonaCool     Persona = "cool"
	PersonaCute     Persona = "cute"
)

// Language is one of the four locales templates and generative output are
// localized into.
type Language string

const (
	LanguageZH Language = "zh"
	LanguageEN Language = "en"
	LanguageJA Language = "ja"
	LanguageKO Language = "ko"
)

// Payload and Context are opaque extension maps with a small set of
// well-known numeric/boolean keys. Rule predicates and importance scoring
// read only the well-known keys to keep behavior deterministic; anything
// else passes through untouched for templating/logging.
type Payload map[string]any
type EventContext map[string]any

// Well-known payload/context keys, read by rule tables and importance scoring.
const (
	KeyKillCount   = "kill_count"
	KeyIsLegendary = "is_legendary"
	KeyMVP         = "mvp"
	KeyWinStreak   = "win_streak"
	KeyLossStreak  = "loss_streak"
	KeyPlayerHP    = "player_health"
	KeyInCombat    = "in_combat"
	KeyDifficulty  = "difficulty"
	KeyRarity      = "rarity"
	KeyFirstTime   = "first_time"
)

// Event is the ingress record: one in-game trigger, scoped to a tenant's
// game and player.
type Event struct {
	Tenant     string       `json:"tenant"`
	Game       string       `json:"game"`
	Player     string       `json:"player_id"`
	Kind       EventKind    `json:"kind"`
	Payload    Payload      `json:"payload"`
	Context    EventContext `json:"context"`
	ClientSeq  uint64       `json:"client_seq"`
	ReceivedAt time.Time    `json:"received_at"`
}

// Bool reads a well-known boolean key, defaulting to false.
func (p Payload) Bool(key string) bool {
	if v, ok := p[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// Float reads a well-known numeric key as float64, defaulting to 0.
func (p Payload) Float(key string) float64 {
	return numeric(p[key])
}

// Bool reads a well-known boolean key from context, defaulting to false.
func (c EventContext) Bool(key string) bool {
	if v, ok := c[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// Float reads a well-known numeric key from context, defaulting to 0.
func (c EventContext) Float(key string) float64 {
	return numeric(c[key])
}

// String reads a well-known string key from context, defaulting to "".
func (c EventContext) String(key string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func numeric(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// Player is the minimal local projection of player state the pipeline needs;
// the authoritative record lives in the external game/player CRUD store.
type Player struct {
	ID           string
	Tenant       string
	Game         string
	Persona      Persona
	Language     Language
	LastEventSeq uint64
}
