// Package dialogue implements the Dialogue Engine: template selection with
// localization + persona, with an optional budget-gated generative fallback
// (spec 4.3).
package dialogue

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"companiond/internal/budget"
	"companiond/internal/domain"
	"companiond/internal/llm"
	"companiond/internal/metrics"
	"companiond/internal/observability"
)

const estimatedGenerativeCostUSD = 0.004
const maxGeneratedGlyphs = 140

// Flat per-token prices for the generative model, used to turn a Chat call's
// reported token usage into a real cost once the call returns (spec 4.6's
// Record reconciles this actual cost against estimatedGenerativeCostUSD).
const (
	generativePromptPriceUSDPerToken     = 0.000003
	generativeCompletionPriceUSDPerToken = 0.000015
)

// generativeCostUSD prices a Chat response's token usage; it falls back to
// the flat estimate when the backend reported no usage.
func generativeCostUSD(usage llm.Usage) float64 {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return estimatedGenerativeCostUSD
	}
	return float64(usage.PromptTokens)*generativePromptPriceUSDPerToken + float64(usage.CompletionTokens)*generativeCompletionPriceUSDPerToken
}

// Engine is the Generate contract.
type Engine struct {
	lib        *Library
	generative llm.Provider
	model      string
	governor   budget.Governor
	sink       *metrics.Sink
}

func New(lib *Library, generative llm.Provider, model string, governor budget.Governor, sink *metrics.Sink) *Engine {
	return &Engine{lib: lib, generative: generative, model: model, governor: governor, sink: sink}
}

// Generate implements the hybrid selection: special-case detection, then
// template (default) or budget-gated generative, with cache-stable template
// fallback on any generative failure or post-check rejection.
func (eng *Engine) Generate(ctx context.Context, event domain.Event, emotion domain.EmotionResult, persona domain.Persona, language domain.Language, memoryContext []domain.ScoredMemory, fingerprint string, tenantCeilingUSD float64, forceGenerative bool) domain.DialogueResult {
	start := time.Now()
	reasons := detectSpecialCase(event, len(memoryContext))
	usedSpecialCase := len(reasons) > 0 || forceGenerative

	if usedSpecialCase {
		highValue := len(reasons) >= 2 || forceGenerative
		decision, err := eng.governor.Admit(ctx, event.Tenant, tenantCeilingUSD, estimatedGenerativeCostUSD, highValue, "generative")
		if err == nil && decision.Allowed {
			if res, genErr := eng.generate(ctx, event, emotion, persona, language, memoryContext); genErr == nil {
				if ok := enforceLanguage(res.Text, language); ok {
					if err := eng.governor.Record(ctx, event.Tenant, "generative", res.CostUSD, estimatedGenerativeCostUSD); err != nil {
						observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("dialogue_budget_record_failed")
					}
					res.LatencyMS = time.Since(start).Milliseconds()
					res.UsedSpecialCase = true
					res.SpecialCaseReasons = reasons
					res.MemoryCount = len(memoryContext)
					eng.record(ctx, event, res, false)
					return res
				}
				_ = eng.governor.Release(ctx, event.Tenant, estimatedGenerativeCostUSD)
				res = eng.template(event, emotion, persona, language, fingerprint)
				res.FallbackReason = "language_mismatch"
				res.UsedSpecialCase = true
				res.SpecialCaseReasons = reasons
				res.MemoryCount = len(memoryContext)
				res.LatencyMS = time.Since(start).Milliseconds()
				eng.record(ctx, event, res, false)
				return res
			}
			_ = eng.governor.Release(ctx, event.Tenant, estimatedGenerativeCostUSD)
		}
	}

	res := eng.template(event, emotion, persona, language, fingerprint)
	res.UsedSpecialCase = usedSpecialCase
	res.SpecialCaseReasons = reasons
	res.MemoryCount = len(memoryContext)
	res.LatencyMS = time.Since(start).Milliseconds()
	eng.record(ctx, event, res, false)
	return res
}

func (eng *Engine) template(event domain.Event, emotion domain.EmotionResult, persona domain.Persona, language domain.Language, fingerprint string) domain.DialogueResult {
	t, ok := eng.lib.Select(event.Kind, emotion.Emotion, persona, language, fingerprint)
	if !ok {
		return domain.DialogueResult{
			Text:     staticFallbackLine(event.Kind, language),
			Language: language,
			Persona:  persona,
			Method:   domain.DialogueMethodTemplate,
			CostUSD:  0,
		}
	}
	return domain.DialogueResult{
		Text:     Substitute(t.Text, event.Payload),
		Language: language,
		Persona:  persona,
		Method:   domain.DialogueMethodTemplate,
		CostUSD:  0,
	}
}

func staticFallbackLine(kind domain.EventKind, language domain.Language) string {
	switch language {
	case domain.LanguageZH:
		return "嗯，我在这里陪着你。"
	case domain.LanguageJA:
		return "うん、ここにいるよ。"
	case domain.LanguageKO:
		return "응, 내가 여기 있어."
	default:
		return "I'm right here with you."
	}
}

func (eng *Engine) generate(ctx context.Context, event domain.Event, emotion domain.EmotionResult, persona domain.Persona, language domain.Language, memoryContext []domain.ScoredMemory) (domain.DialogueResult, error) {
	prompt := buildGenerativePrompt(event, emotion, persona, language, memoryContext)
	msgs := []llm.Message{
		{Role: "system", Content: "You write a single short in-character line for a game companion. Reply with the line only, no markdown, no quotes."},
		{Role: "user", Content: prompt},
	}
	out, err := eng.generative.Chat(ctx, msgs, nil, eng.model)
	if err != nil {
		return domain.DialogueResult{}, fmt.Errorf("generative chat: %w", err)
	}
	text := postProcess(out.Content)
	return domain.DialogueResult{
		Text:     text,
		Language: language,
		Persona:  persona,
		Method:   domain.DialogueMethodGenerative,
		CostUSD:  generativeCostUSD(out.Usage),
	}, nil
}

func buildGenerativePrompt(event domain.Event, emotion domain.EmotionResult, persona domain.Persona, language domain.Language, memoryContext []domain.ScoredMemory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "persona=%s\nlanguage=%s\nemotion=%s (intensity=%.2f)\nevent_kind=%s\n", persona, language, emotion.Emotion, emotion.Intensity, event.Kind)
	for k, v := range event.Payload {
		fmt.Fprintf(&b, "payload.%s=%v\n", k, v)
	}
	limit := len(memoryContext)
	if limit > 3 {
		limit = 3
	}
	for i := 0; i < limit; i++ {
		fmt.Fprintf(&b, "memory: %s\n", memoryContext[i].Content)
	}
	return b.String()
}

// postProcess clamps length, strips markdown emphasis/fence characters.
func postProcess(text string) string {
	text = strings.TrimSpace(text)
	text = strings.NewReplacer("**", "", "*", "", "`", "", "#", "", "_", "").Replace(text)
	runes := []rune(text)
	if len(runes) > maxGeneratedGlyphs {
		runes = runes[:maxGeneratedGlyphs]
	}
	return string(runes)
}

// enforceLanguage is a cheap script/character check: zh/ja/ko require a
// majority of CJK/Kana/Hangul runes, en requires a majority of Latin runes.
func enforceLanguage(text string, language domain.Language) bool {
	var scriptHits, total int
	for _, r := range text {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsNumber(r) {
			continue
		}
		total++
		switch language {
		case domain.LanguageZH:
			if unicode.Is(unicode.Han, r) {
				scriptHits++
			}
		case domain.LanguageJA:
			if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) {
				scriptHits++
			}
		case domain.LanguageKO:
			if unicode.Is(unicode.Hangul, r) {
				scriptHits++
			}
		default:
			if r <= unicode.MaxLatin1 {
				scriptHits++
			}
		}
	}
	if total == 0 {
		return false
	}
	return float64(scriptHits)/float64(total) >= 0.6
}

func (eng *Engine) record(ctx context.Context, event domain.Event, res domain.DialogueResult, cacheHit bool) {
	if eng.sink == nil {
		return
	}
	eng.sink.Record(domain.Metric{
		Tenant:     event.Tenant,
		Game:       event.Game,
		Player:     event.Player,
		Component:  "dialogue",
		Operation:  string(res.Method),
		LatencyMS:  res.LatencyMS,
		StatusCode: 200,
		CostUSD:    res.CostUSD,
		CacheHit:   cacheHit,
		Timestamp:  time.Now(),
	})
}
