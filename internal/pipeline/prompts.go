package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/avoronov/skillpath/internal/genai"
	"github.com/avoronov/skillpath/internal/storage"
)

const primarySystemPrompt = `You are a career mentoring engine. Based on the learner profile, recommend the skills they should focus on next. Your output must be ONLY a single valid JSON object conforming to this shape. Do not include any other text, prose, or markdown.

{
  "skills": [{"name": "skill name", "why": "one sentence on why it fits this learner"}],
  "advice": "a short motivating paragraph of concrete next steps"
}

Rules:
- Recommend between 3 and 5 skills, most impactful first.
- Ground every "why" in the learner's declared domain, interests, and goal.
- Keep "advice" specific to the profile, not generic encouragement.`

const tagSystemPrompt = `You are a topic tagging engine. Given a learner profile and their recommended skills, produce topic tags for discovering relevant courses and mentors. Your output must be ONLY a JSON array of strings. Do not include any other text, prose, or markdown.

Rules:
- Produce between 6 and 14 tags.
- Each tag is a short noun phrase (a technology, tool, or discipline), 2 to 40 characters.
- No duplicates.`

// buildPrimaryPrompt assembles the skills+advice request from the profile
// answers.
func buildPrimaryPrompt(answers map[string]any) []genai.Message {
	return []genai.Message{
		{Role: "system", Content: primarySystemPrompt},
		{Role: "user", Content: profileSection(answers)},
	}
}

// buildTagPrompt assembles the tag request, seeded with the already-chosen
// skill names so tags stay consistent with the primary recommendation.
func buildTagPrompt(answers map[string]any, skills []storage.Skill) []genai.Message {
	var sb strings.Builder
	sb.WriteString(profileSection(answers))
	if len(skills) > 0 {
		names := make([]string, len(skills))
		for i, s := range skills {
			names[i] = s.Name
		}
		fmt.Fprintf(&sb, "\nRecommended skills: %s\n", strings.Join(names, ", "))
	}
	return []genai.Message{
		{Role: "system", Content: tagSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// profileSection renders the answers into a compact labelled block; empty
// fields are omitted.
func profileSection(answers map[string]any) string {
	var sb strings.Builder
	sb.WriteString("[Learner Profile]\n")

	writeField(&sb, "Name", answerString(answers, "name", "fullName"))
	writeField(&sb, "Education", answerString(answers, "educationLevel", "education"))
	writeField(&sb, "Domain", answerString(answers, "domain", "fieldOfStudy", "field"))
	writeField(&sb, "Career stage", answerString(answers, "careerStage", "experienceLevel"))
	writeField(&sb, "Interests", strings.Join(interestsFrom(answers), ", "))
	writeField(&sb, "Preferred learning format", answerString(answers, "learningFormat", "preferredFormat"))
	writeField(&sb, "Weekly availability", answerString(answers, "availability", "weeklyAvailability", "weeklyHours"))
	writeField(&sb, "Goal timeframe", answerString(answers, "goalTimeframe", "timeframe"))
	writeField(&sb, "Current skill levels", skillLevelsLine(answers))
	writeField(&sb, "Goal", answerString(answers, "goal", "careerGoal", "goalText"))

	return sb.String()
}

func writeField(sb *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(sb, "%s: %s\n", label, value)
}

// skillLevelsLine flattens the skill-level mapping into "name (level)"
// pairs, sorted for stable prompt output.
func skillLevelsLine(answers map[string]any) string {
	raw, ok := answerValue(answers, "skillLevels", "skills")
	if !ok {
		return ""
	}
	levels, ok := raw.(map[string]any)
	if !ok {
		return ""
	}
	pairs := make([]string, 0, len(levels))
	for name, level := range levels {
		pairs = append(pairs, fmt.Sprintf("%s (%v)", name, level))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ", ")
}
