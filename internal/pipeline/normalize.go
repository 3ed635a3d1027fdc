package pipeline

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/avoronov/skillpath/internal/storage"
)

const (
	minSkills = 3
	maxSkills = 5

	minTagLen = 2
	maxTagLen = 40
	maxTags   = 16
)

// Alias lookup order for skill entries. The model is asked for name/why but
// returns synonyms often enough that the alias set is kept as one reviewable
// table rather than scattered checks.
var (
	skillNameAliases = []string{"name", "skill", "title"}
	skillWhyAliases  = []string{"why", "reason", "description"}
)

// Alias lookup order for profile answer fields.
var interestAliases = []string{"interests", "interestAreas", "topics"}

// normalizeSkills converts raw skill entries to the canonical shape. Entries
// may be bare strings or objects using any of the aliased field names;
// entries with no resolvable name are dropped.
func normalizeSkills(items []json.RawMessage) []storage.Skill {
	var skills []storage.Skill
	for _, item := range items {
		var asString string
		if err := json.Unmarshal(item, &asString); err == nil {
			if name := strings.TrimSpace(asString); name != "" {
				skills = append(skills, storage.Skill{Name: name})
			}
			continue
		}

		var asObject map[string]any
		if err := json.Unmarshal(item, &asObject); err != nil {
			continue
		}
		name := firstString(asObject, skillNameAliases)
		if name == "" {
			continue
		}
		skills = append(skills, storage.Skill{
			Name: name,
			Why:  firstString(asObject, skillWhyAliases),
		})
	}
	return skills
}

// normalizeTags trims, length-filters, and deduplicates (case-sensitively)
// tag candidates, truncating to maxTags.
func normalizeTags(items []any) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		n := utf8.RuneCountInString(s)
		if n < minTagLen || n > maxTagLen || seen[s] {
			continue
		}
		seen[s] = true
		tags = append(tags, s)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}

// firstString returns the first non-empty string value found under the
// aliased keys, in alias order.
func firstString(m map[string]any, aliases []string) string {
	for _, key := range aliases {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return ""
}

// answerValue returns the first present value under the aliased keys.
func answerValue(answers map[string]any, aliases ...string) (any, bool) {
	for _, key := range aliases {
		if v, ok := answers[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// answerString resolves an answer field to a trimmed string via the ordered
// alias list.
func answerString(answers map[string]any, aliases ...string) string {
	v, ok := answerValue(answers, aliases...)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// interestsFrom extracts the declared interests list, tolerating a single
// string, a string slice, or a JSON-decoded []any.
func interestsFrom(answers map[string]any) []string {
	v, ok := answerValue(answers, interestAliases...)
	if !ok {
		return nil
	}
	switch val := v.(type) {
	case string:
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	case []string:
		return val
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}
