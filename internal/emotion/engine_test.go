package emotion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companiond/internal/budget"
	"companiond/internal/domain"
	"companiond/internal/llm"
)

// fakeGovernor is a minimal in-memory budget.Governor stub for exercising the
// Emotion Engine's budget-gated classifier fallback without Redis.
type fakeGovernor struct {
	allow      bool
	admitErr   error
	admitCalls int
	released   float64
}

func (f *fakeGovernor) Admit(ctx context.Context, tenant string, ceilingUSD, estimatedCostUSD float64, highValue bool, component string) (budget.Decision, error) {
	f.admitCalls++
	if f.admitErr != nil {
		return budget.Decision{}, f.admitErr
	}
	if !f.allow {
		return budget.Decision{Allowed: false, Reason: "ceiling_reached"}, nil
	}
	return budget.Decision{Allowed: true}, nil
}

func (f *fakeGovernor) Record(ctx context.Context, tenant, component string, actualCostUSD, estimatedCostUSD float64) error {
	return nil
}

func (f *fakeGovernor) Release(ctx context.Context, tenant string, estimatedCostUSD float64) error {
	f.released += estimatedCostUSD
	return nil
}

func (f *fakeGovernor) Snapshot(ctx context.Context, tenant string) (domain.BudgetBucket, error) {
	return domain.BudgetBucket{}, nil
}

// fakeClassifier is a minimal llm.Provider stub returning a fixed chat reply.
type fakeClassifier struct {
	reply string
	err   error
}

func (f *fakeClassifier) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	if f.err != nil {
		return llm.Message{}, f.err
	}
	return llm.Message{Role: "assistant", Content: f.reply}, nil
}

func (f *fakeClassifier) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	return errors.New("not implemented")
}

func ruleMatchingEvent() domain.Event {
	return domain.Event{Kind: domain.EventVictory, Payload: domain.Payload{domain.KeyMVP: true, domain.KeyWinStreak: 7.0}}
}

func abstainingEvent() domain.Event {
	// Unknown kind: no rule table entry, forces abstention into the classifier pass.
	return domain.Event{Kind: domain.EventKind("totally.unknown")}
}

func TestEngine_Analyze_RuleMatchIsFreeAndSkipsGovernor(t *testing.T) {
	t.Parallel()
	gov := &fakeGovernor{allow: true}
	eng := New(&fakeClassifier{}, "test-model", gov, nil)

	res := eng.Analyze(context.Background(), ruleMatchingEvent(), "", 10, false)

	assert.Equal(t, domain.EmotionMethodRule, res.Method)
	assert.Equal(t, 0.0, res.CostUSD)
	assert.Equal(t, 0, gov.admitCalls, "a rule match must never consult the Budget Governor")
}

func TestEngine_Analyze_AbstentionDeniedByGovernorFallsBackToNeutral(t *testing.T) {
	t.Parallel()
	gov := &fakeGovernor{allow: false}
	eng := New(&fakeClassifier{reply: `{"emotion":"happy","intensity":0.8,"confidence":0.9}`}, "test-model", gov, nil)

	res := eng.Analyze(context.Background(), abstainingEvent(), "", 10, false)

	assert.Equal(t, domain.EmotionNeutral, res.Emotion)
	assert.Equal(t, domain.EmotionMethodRule, res.Method)
	assert.Equal(t, 0.0, res.CostUSD)
	assert.Equal(t, 1, gov.admitCalls)
}

func TestEngine_Analyze_AbstentionAdmittedCallsClassifier(t *testing.T) {
	t.Parallel()
	gov := &fakeGovernor{allow: true}
	eng := New(&fakeClassifier{reply: `{"emotion":"happy","intensity":0.8,"confidence":0.9,"reasoning":"great play"}`}, "test-model", gov, nil)

	res := eng.Analyze(context.Background(), abstainingEvent(), "", 10, false)

	require.Equal(t, domain.EmotionMethodClassifier, res.Method)
	assert.Equal(t, domain.EmotionHappy, res.Emotion)
	assert.True(t, res.ClassifierOnRuleAbstention)
	assert.Greater(t, res.CostUSD, 0.0)
}

func TestEngine_Analyze_ClassifierErrorReleasesReservationAndFallsBack(t *testing.T) {
	t.Parallel()
	gov := &fakeGovernor{allow: true}
	eng := New(&fakeClassifier{err: errors.New("upstream down")}, "test-model", gov, nil)

	res := eng.Analyze(context.Background(), abstainingEvent(), "", 10, false)

	assert.Equal(t, domain.EmotionNeutral, res.Emotion)
	assert.Equal(t, domain.EmotionMethodRule, res.Method)
	assert.Equal(t, estimatedClassifierCostUSD, gov.released, "a failed classifier call must release its reservation")
}

func TestEngine_Analyze_InvalidEmotionClampsToNeutral(t *testing.T) {
	t.Parallel()
	gov := &fakeGovernor{allow: true}
	eng := New(&fakeClassifier{reply: `{"emotion":"ecstatic","intensity":0.9,"confidence":0.9}`}, "test-model", gov, nil)

	res := eng.Analyze(context.Background(), abstainingEvent(), "", 10, false)

	assert.Equal(t, domain.EmotionNeutral, res.Emotion)
	assert.LessOrEqual(t, res.Confidence, 0.5, "an out-of-set emotion must clamp confidence down")
}

func TestExtractJSON_StripsMarkdownFences(t *testing.T) {
	t.Parallel()
	raw := "```json\n{\"emotion\":\"happy\"}\n```"
	assert.Equal(t, `{"emotion":"happy"}`, extractJSON(raw))
}

func TestActionFor_BandsByIntensity(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "celebrate", actionFor(domain.EmotionExcited, 0.9))
	assert.Equal(t, "cheer", actionFor(domain.EmotionExcited, 0.5))
	assert.Equal(t, "idle", actionFor(domain.EmotionWorried, 0.9))
}
