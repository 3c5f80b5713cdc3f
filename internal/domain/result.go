package domain

import "time"

// Emotion is the closed set of 14 affective labels the Emotion Engine and
// Dialogue Engine share.
type Emotion string

const (
	EmotionExcited     Emotion = "excited"
	EmotionHappy       Emotion = "happy"
	EmotionProud       Emotion = "proud"
	EmotionAmazed      Emotion = "amazed"
	EmotionGrateful    Emotion = "grateful"
	EmotionRelieved    Emotion = "relieved"
	EmotionNeutral     Emotion = "neutral"
	EmotionSurprised   Emotion = "surprised"
	EmotionSad         Emotion = "sad"
	EmotionFrustrated  Emotion = "frustrated"
	EmotionAngry       Emotion = "angry"
	EmotionDisappointed Emotion = "disappointed"
	EmotionWorried     Emotion = "worried"
	EmotionTired       Emotion = "tired"
)

// ValidEmotions is the closed set used to reject/clamp out-of-set classifier output.
var ValidEmotions = map[Emotion]bool{
	EmotionExcited: true, EmotionHappy: true, EmotionProud: true, EmotionAmazed: true,
	EmotionGrateful: true, EmotionRelieved: true, EmotionNeutral: true, EmotionSurprised: true,
	EmotionSad: true, EmotionFrustrated: true, EmotionAngry: true, EmotionDisappointed: true,
	EmotionWorried: true, EmotionTired: true,
}

// EmotionMethod records which pass produced an EmotionResult.
type EmotionMethod string

const (
	EmotionMethodRule       EmotionMethod = "rule"
	EmotionMethodClassifier EmotionMethod = "classifier"
	EmotionMethodCached     EmotionMethod = "cached"
)

// EmotionResult is the Emotion Engine's output. Invariant: method=rule implies cost_usd=0.
type EmotionResult struct {
	Emotion     Emotion       `json:"type"`
	Intensity   float64       `json:"intensity"`
	Confidence  float64       `json:"confidence"`
	Action      string        `json:"action"`
	Method      EmotionMethod `json:"method"`
	Reasoning   string        `json:"reasoning,omitempty"`
	LatencyMS   int64         `json:"latency_ms"`
	CostUSD     float64       `json:"cost_usd"`
}

// DialogueMethod records which path produced a DialogueResult.
type DialogueMethod string

const (
	DialogueMethodTemplate   DialogueMethod = "template"
	DialogueMethodGenerative DialogueMethod = "generative"
	DialogueMethodCached     DialogueMethod = "cached"
)

// DialogueResult is the Dialogue Engine's output. Invariant: method ∈
// {template, cached} implies cost_usd=0.
type DialogueResult struct {
	Text                string         `json:"text"`
	Language            Language       `json:"language"`
	Persona             Persona        `json:"persona"`
	Method              DialogueMethod `json:"method"`
	UsedSpecialCase      bool           `json:"used_special_case"`
	SpecialCaseReasons   []string       `json:"special_case_reasons,omitempty"`
	MemoryCount         int            `json:"memory_count"`
	LatencyMS           int64          `json:"latency_ms"`
	CostUSD             float64        `json:"cost_usd"`
	FallbackReason      string         `json:"fallback_reason,omitempty"`
}

// MemoryKind is the closed enumeration of memory record categories.
type MemoryKind string

const (
	MemoryAchievement  MemoryKind = "achievement"
	MemoryMilestone    MemoryKind = "milestone"
	MemoryFirstTime    MemoryKind = "first_time"
	MemoryDramatic     MemoryKind = "dramatic"
	MemoryConversation MemoryKind = "conversation"
	MemoryEvent        MemoryKind = "event"
	MemoryObservation  MemoryKind = "observation"
)

// MemoryWorthyKinds mirrors the event kinds that always produce a memory,
// independent of emotion intensity (spec 4.4 lifecycle rule).
var MemoryWorthyKinds = map[MemoryKind]bool{
	MemoryAchievement: true,
	MemoryMilestone:   true,
	MemoryFirstTime:   true,
	MemoryDramatic:    true,
}

// MemoryRecord is a single player memory, optionally embedded for semantic search.
type MemoryRecord struct {
	ID               string
	Tenant           string
	Player           string
	Kind             MemoryKind
	Content          string // ≤512 bytes
	Emotion          Emotion
	Importance       float64
	BaseImportance   float64 // importance at creation time, used as the decay floor basis
	Context          EventContext
	Embedding        []float32
	EmbeddingPending bool
	CreatedAt        time.Time
}

// ScoredMemory is a MemoryRecord annotated with a retrieval score, returned
// by Search and by the hybrid merge in GetContext.
type ScoredMemory struct {
	MemoryRecord
	Score float64
}

// Response is the assembled reply to an event: emotion, dialogue, and the
// memory context that conditioned the dialogue.
type Response struct {
	Emotion       EmotionResult    `json:"emotion"`
	Dialogue      DialogueResult   `json:"dialogue"`
	MemoryContext []ScoredMemory   `json:"memory_context"`
	LatencyMS     int64            `json:"latency_ms"`
	Partial       bool             `json:"partial"`
	DegradedReasons []string       `json:"degraded_reasons,omitempty"`
}

// BudgetBucket is the per-tenant, per-UTC-day ledger the Budget Governor maintains.
type BudgetBucket struct {
	Tenant          string
	Day             string // YYYY-MM-DD, UTC
	SpentUSD        float64
	DeniedCount     int64
	GenerativeCount int64
	ClassifierCount int64
}

// Metric is a single observation recorded by the Cost & Metric Sink.
type Metric struct {
	Tenant     string
	Game       string
	Player     string
	Component  string
	Operation  string
	LatencyMS  int64
	StatusCode int
	CostUSD    float64
	CacheHit   bool
	Timestamp  time.Time
}
