// Package emotion implements the Emotion Engine: a deterministic rule pass
// followed by a budget-gated classifier pass (spec 4.2).
package emotion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"companiond/internal/budget"
	"companiond/internal/domain"
	"companiond/internal/llm"
	"companiond/internal/metrics"
	"companiond/internal/observability"
)

// estimatedClassifierCostUSD is the fixed estimate used for budget
// reservation before the real cost is known; small classifier prompts are
// cheap and roughly uniform in cost, so a fixed estimate avoids an extra
// round trip to price the call.
const estimatedClassifierCostUSD = 0.0006

// Flat per-token prices for the classifier model, used to turn a Chat call's
// reported token usage into a real cost once the call returns (spec 4.6's
// Record reconciles this actual cost against estimatedClassifierCostUSD).
const (
	classifierPromptPriceUSDPerToken     = 0.00000015
	classifierCompletionPriceUSDPerToken = 0.0000006
)

// classifierCostUSD prices a Chat response's token usage; it falls back to
// the flat estimate when the backend reported no usage (test doubles,
// self-hosted backends whose /tokenize call failed).
func classifierCostUSD(usage llm.Usage) float64 {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return estimatedClassifierCostUSD
	}
	return float64(usage.PromptTokens)*classifierPromptPriceUSDPerToken + float64(usage.CompletionTokens)*classifierCompletionPriceUSDPerToken
}

// Result bundles the EmotionResult with the signal the Budget Governor
// cares about (Dialogue reuses classifier-on-rule-abstention as a
// high-value signal per spec 4.6).
type Result struct {
	domain.EmotionResult
	ClassifierOnRuleAbstention bool
}

// Engine is the Analyze contract.
type Engine struct {
	classifier llm.Provider
	model      string
	governor   budget.Governor
	sink       *metrics.Sink
}

func New(classifier llm.Provider, model string, governor budget.Governor, sink *metrics.Sink) *Engine {
	return &Engine{classifier: classifier, model: model, governor: governor, sink: sink}
}

// actionFor derives the compact symbolic label avatars consume from
// (emotion, intensity-band) via a fixed mapping table (spec 4.2).
func actionFor(e domain.Emotion, intensity float64) string {
	band := "low"
	switch {
	case intensity >= 0.7:
		band = "high"
	case intensity >= 0.4:
		band = "mid"
	}
	switch e {
	case domain.EmotionExcited, domain.EmotionAmazed, domain.EmotionProud, domain.EmotionGrateful:
		if band == "high" {
			return "celebrate"
		}
		return "cheer"
	case domain.EmotionHappy, domain.EmotionRelieved, domain.EmotionSurprised:
		return "cheer"
	case domain.EmotionSad, domain.EmotionFrustrated, domain.EmotionDisappointed, domain.EmotionAngry:
		if band == "high" {
			return "sulk"
		}
		return "idle"
	case domain.EmotionWorried, domain.EmotionTired:
		return "idle"
	default:
		return "idle"
	}
}

// Analyze runs the two-pass algorithm: a deterministic rule table, then —
// on abstention — a budget-gated classifier call.
func (eng *Engine) Analyze(ctx context.Context, event domain.Event, contextSummary string, tenantCeilingUSD float64, forcePaid bool) Result {
	start := time.Now()

	if !forcePaid {
		if rr, ok := matchRule(event); ok {
			res := domain.EmotionResult{
				Emotion:    rr.emotion,
				Intensity:  rr.intensity,
				Confidence: rr.confidence,
				Action:     rr.action,
				Method:     domain.EmotionMethodRule,
				LatencyMS:  time.Since(start).Milliseconds(),
				CostUSD:    0,
			}
			eng.record(ctx, event, res, false, true)
			return Result{EmotionResult: res}
		}
	}

	// Rule abstention: consult the Budget Governor before the paid pass.
	decision, err := eng.governor.Admit(ctx, event.Tenant, tenantCeilingUSD, estimatedClassifierCostUSD, false, "classifier")
	if err != nil || !decision.Allowed {
		res := abstentionFallback(start)
		eng.record(ctx, event, res, false, err == nil)
		return Result{EmotionResult: res}
	}

	res, classifyErr := eng.classify(ctx, event, contextSummary)
	res.LatencyMS = time.Since(start).Milliseconds()
	if classifyErr != nil {
		_ = eng.governor.Release(ctx, event.Tenant, estimatedClassifierCostUSD)
		fallback := abstentionFallback(start)
		eng.record(ctx, event, fallback, false, false)
		return Result{EmotionResult: fallback}
	}
	if err := eng.governor.Record(ctx, event.Tenant, "classifier", res.CostUSD, estimatedClassifierCostUSD); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("emotion_budget_record_failed")
	}
	eng.record(ctx, event, res, false, true)
	return Result{EmotionResult: res, ClassifierOnRuleAbstention: true}
}

func abstentionFallback(start time.Time) domain.EmotionResult {
	return domain.EmotionResult{
		Emotion:    domain.EmotionNeutral,
		Intensity:  0.3,
		Confidence: 0.3,
		Action:     "idle",
		Method:     domain.EmotionMethodRule,
		LatencyMS:  time.Since(start).Milliseconds(),
		CostUSD:    0,
	}
}

type classifierOutput struct {
	Emotion    string  `json:"emotion"`
	Intensity  float64 `json:"intensity"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func (eng *Engine) classify(ctx context.Context, event domain.Event, contextSummary string) (domain.EmotionResult, error) {
	prompt := buildClassifierPrompt(event, contextSummary)
	msgs := []llm.Message{
		{Role: "system", Content: "You are an emotion classifier for a game companion. Reply with compact JSON: {\"emotion\":str,\"intensity\":0..1,\"confidence\":0..1,\"reasoning\":str}."},
		{Role: "user", Content: prompt},
	}

	out, err := eng.classifier.Chat(ctx, msgs, nil, eng.model)
	if err != nil {
		return domain.EmotionResult{}, fmt.Errorf("classifier chat: %w", err)
	}

	var parsed classifierOutput
	if jerr := json.Unmarshal([]byte(extractJSON(out.Content)), &parsed); jerr != nil {
		return domain.EmotionResult{}, fmt.Errorf("classifier parse: %w", jerr)
	}

	emotion := domain.Emotion(strings.ToLower(strings.TrimSpace(parsed.Emotion)))
	confidence := parsed.Confidence
	if !domain.ValidEmotions[emotion] {
		emotion = domain.EmotionNeutral
		if confidence > 0.5 {
			confidence = 0.5
		}
	}
	intensity := clamp01(parsed.Intensity)
	confidence = clamp01(confidence)

	return domain.EmotionResult{
		Emotion:    emotion,
		Intensity:  intensity,
		Confidence: confidence,
		Action:     actionFor(emotion, intensity),
		Method:     domain.EmotionMethodClassifier,
		Reasoning:  parsed.Reasoning,
		CostUSD:    classifierCostUSD(out.Usage),
	}, nil
}

func buildClassifierPrompt(event domain.Event, contextSummary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "kind=%s\n", event.Kind)
	for k, v := range event.Payload {
		fmt.Fprintf(&b, "%s=%v\n", k, v)
	}
	if contextSummary != "" {
		fmt.Fprintf(&b, "context_summary=%s\n", contextSummary)
	}
	return b.String()
}

// extractJSON trims surrounding prose/markdown fences a classifier model
// occasionally wraps its JSON in.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (eng *Engine) record(ctx context.Context, event domain.Event, res domain.EmotionResult, cacheHit bool, ok bool) {
	if eng.sink == nil {
		return
	}
	status := 200
	if !ok {
		status = 500
	}
	eng.sink.Record(domain.Metric{
		Tenant:     event.Tenant,
		Game:       event.Game,
		Player:     event.Player,
		Component:  "emotion",
		Operation:  string(res.Method),
		LatencyMS:  res.LatencyMS,
		StatusCode: status,
		CostUSD:    res.CostUSD,
		CacheHit:   cacheHit,
		Timestamp:  time.Now(),
	})
}
