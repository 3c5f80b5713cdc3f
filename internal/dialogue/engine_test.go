package dialogue

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnforceLanguage_EnglishMajorityPasses(t *testing.T) {
	t.Parallel()
	assert.True(t, enforceLanguage("Great job out there, champion!", "en"))
}

func TestEnforceLanguage_RejectsWrongScript(t *testing.T) {
	t.Parallel()
	assert.False(t, enforceLanguage("做得好，冠军！", "en"))
}

func TestEnforceLanguage_EmptyTextFails(t *testing.T) {
	t.Parallel()
	assert.False(t, enforceLanguage("   ", "en"))
}

func TestEnforceLanguage_ChineseScriptPasses(t *testing.T) {
	t.Parallel()
	assert.True(t, enforceLanguage("你做得很棒！", "zh"))
}

func TestPostProcess_StripsMarkdownAndClampsLength(t *testing.T) {
	t.Parallel()
	out := postProcess("**Nice** `work` #champ _go_ " + strings.Repeat("a", 200))
	assert.LessOrEqual(t, len([]rune(out)), maxGeneratedGlyphs)
	assert.NotContains(t, out, "**")
	assert.NotContains(t, out, "`")
}
