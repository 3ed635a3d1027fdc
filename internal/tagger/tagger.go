// Package tagger derives topic tags from declared interests without any
// external service. It is the deterministic fallback used whenever AI tag
// generation fails or returns nothing usable.
package tagger

import "strings"

// maxTags caps the derived set.
const maxTags = 16

// minTags is the floor guaranteed for any non-empty derivation; results
// shorter than this are padded from baselineTags.
const minTags = 6

// tagEntry maps interest keywords to a fixed tag set. Matching is a
// case-insensitive substring test of each keyword against each interest.
type tagEntry struct {
	keywords []string
	tags     []string
}

// keywordTable is ordered: derived tags appear in table order first, then in
// the order interests matched within an entry. The ordering is part of the
// contract: identical interests must always yield identical output.
var keywordTable = []tagEntry{
	{
		keywords: []string{"web", "frontend", "front-end", "fullstack", "full-stack"},
		tags:     []string{"HTML", "CSS", "JavaScript", "React", "Tailwind CSS", "Node.js"},
	},
	{
		keywords: []string{"data", "analytics", "statistics"},
		tags:     []string{"Python", "Pandas", "NumPy", "SQL", "scikit-learn"},
	},
	{
		keywords: []string{"mobile", "android", "ios", "app development"},
		tags:     []string{"Kotlin", "Swift", "Flutter", "React Native", "Dart"},
	},
	{
		keywords: []string{"ai", "machine learning", "ml", "artificial intelligence", "deep learning"},
		tags:     []string{"Python", "PyTorch", "TensorFlow", "Hugging Face", "LangChain"},
	},
	{
		keywords: []string{"cloud", "infrastructure", "backend"},
		tags:     []string{"AWS", "Docker", "Kubernetes", "Terraform", "Linux"},
	},
	{
		keywords: []string{"design", "ui", "ux"},
		tags:     []string{"Figma", "UI Design", "UX Research", "Design Systems", "Prototyping"},
	},
	{
		keywords: []string{"security", "cyber", "hacking"},
		tags:     []string{"Network Security", "Linux", "Cryptography", "OWASP", "Burp Suite"},
	},
	{
		keywords: []string{"devops", "sre", "automation"},
		tags:     []string{"Docker", "Kubernetes", "CI/CD", "GitHub Actions", "Ansible"},
	},
	{
		keywords: []string{"product"},
		tags:     []string{"Product Strategy", "User Research", "Roadmapping", "Agile", "Analytics"},
	},
	{
		keywords: []string{"marketing", "growth"},
		tags:     []string{"SEO", "Content Marketing", "Google Analytics", "Copywriting", "Social Media"},
	},
	{
		keywords: []string{"finance", "accounting", "fintech"},
		tags:     []string{"Excel", "Financial Modeling", "SQL", "Accounting", "Power BI"},
	},
}

// baselineTags pad short derivations up to minTags. They are broadly useful
// regardless of domain.
var baselineTags = []string{
	"Git", "Communication", "Problem Solving",
	"Project Management", "Time Management", "Public Speaking",
}

// Derive maps declared interests to a deduplicated tag set. It is a pure
// function: no I/O, no randomness, stable output order for identical input.
// The result is capped at 16 tags and padded to at least 6.
func Derive(interests []string) []string {
	lowered := make([]string, len(interests))
	for i, s := range interests {
		lowered[i] = strings.ToLower(s)
	}

	seen := make(map[string]bool)
	var tags []string
	add := func(tag string) {
		if len(tags) >= maxTags || seen[tag] {
			return
		}
		seen[tag] = true
		tags = append(tags, tag)
	}

	for _, entry := range keywordTable {
		matched := false
		for _, interest := range lowered {
			for _, kw := range entry.keywords {
				if strings.Contains(interest, kw) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			continue
		}
		for _, tag := range entry.tags {
			add(tag)
		}
	}

	for _, tag := range baselineTags {
		if len(tags) >= minTags {
			break
		}
		add(tag)
	}

	return tags
}
