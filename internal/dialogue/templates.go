package dialogue

import (
	_ "embed"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"companiond/internal/domain"

	"gopkg.in/yaml.v3"
)

//go:embed templates_default.yaml
var defaultTemplateYAML []byte

// DefaultLibrary loads the bundled starter template corpus. Production
// deployments typically overlay tenant-authored templates on top via a
// second LoadLibrary call merged by the caller.
func DefaultLibrary() (*Library, error) {
	return LoadLibrary(defaultTemplateYAML)
}

// Template is one authored line, keyed by (kind, emotion, persona, language)
// with a weight used for stable weighted-random selection among matches.
type Template struct {
	Kind     domain.EventKind `yaml:"kind"`
	Emotion  domain.Emotion   `yaml:"emotion"`
	Persona  domain.Persona   `yaml:"persona"`
	Language domain.Language  `yaml:"language"`
	Text     string           `yaml:"text"`
	Weight   int              `yaml:"weight"`
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// Library indexes the authored template corpus by its full selection key
// for O(1) lookup, falling back in the order spec 4.3 describes.
type Library struct {
	byKey map[string][]Template
	// neutral lines keyed by (kind, language) only, the final fallback rung.
	neutral map[string]Template
}

func key(kind domain.EventKind, emotion domain.Emotion, persona domain.Persona, language domain.Language) string {
	return fmt.Sprintf("%s|%s|%s|%s", kind, emotion, persona, language)
}

func neutralKey(kind domain.EventKind, language domain.Language) string {
	return fmt.Sprintf("%s|%s", kind, language)
}

// LoadLibrary parses a YAML template corpus (spec 4.3's "authored,
// per-language template library").
func LoadLibrary(yamlBytes []byte) (*Library, error) {
	var f templateFile
	if err := yaml.Unmarshal(yamlBytes, &f); err != nil {
		return nil, fmt.Errorf("parse template library: %w", err)
	}
	lib := &Library{byKey: make(map[string][]Template), neutral: make(map[string]Template)}
	for _, t := range f.Templates {
		if t.Weight <= 0 {
			t.Weight = 1
		}
		lib.byKey[key(t.Kind, t.Emotion, t.Persona, t.Language)] = append(lib.byKey[key(t.Kind, t.Emotion, t.Persona, t.Language)], t)
		nk := neutralKey(t.Kind, t.Language)
		if _, exists := lib.neutral[nk]; !exists && t.Emotion == domain.EmotionNeutral {
			lib.neutral[nk] = t
		}
	}
	return lib, nil
}

// Select implements the fallback chain: exact (kind, emotion, persona,
// language), then persona=cheerful, then language=en, then a static
// (kind, language) neutral line. Selection among multiple matches at a rung
// is a weighted-random pick seeded by the fingerprint so repeated identical
// requests yield identical results.
func (lib *Library) Select(kind domain.EventKind, emotion domain.Emotion, persona domain.Persona, language domain.Language, fingerprintSeed string) (Template, bool) {
	if matches, ok := lib.byKey[key(kind, emotion, persona, language)]; ok && len(matches) > 0 {
		return weightedPick(matches, fingerprintSeed), true
	}
	if matches, ok := lib.byKey[key(kind, emotion, domain.PersonaCheerful, language)]; ok && len(matches) > 0 {
		return weightedPick(matches, fingerprintSeed), true
	}
	if matches, ok := lib.byKey[key(kind, emotion, persona, domain.LanguageEN)]; ok && len(matches) > 0 {
		return weightedPick(matches, fingerprintSeed), true
	}
	if t, ok := lib.neutral[neutralKey(kind, language)]; ok {
		return t, true
	}
	if t, ok := lib.neutral[neutralKey(kind, domain.LanguageEN)]; ok {
		return t, true
	}
	return Template{}, false
}

// weightedPick deterministically selects among matches using a hash of the
// fingerprint seed as the random draw, so identical fingerprints always
// select the same template (cache-identity invariant, spec 9).
func weightedPick(matches []Template, seed string) Template {
	sorted := make([]Template, len(matches))
	copy(sorted, matches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Text < sorted[j].Text })

	total := 0
	for _, t := range sorted {
		total += t.Weight
	}
	if total == 0 {
		return sorted[0]
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	draw := int(h.Sum32()) % total
	if draw < 0 {
		draw += total
	}

	cursor := 0
	for _, t := range sorted {
		cursor += t.Weight
		if draw < cursor {
			return t
		}
	}
	return sorted[len(sorted)-1]
}

// Substitute applies payload-driven parameter substitution, e.g. "{{nickname}}".
func Substitute(text string, payload domain.Payload) string {
	out := text
	for k, v := range payload {
		placeholder := "{{" + k + "}}"
		if strings.Contains(out, placeholder) {
			out = strings.ReplaceAll(out, placeholder, fmt.Sprint(v))
		}
	}
	return out
}
