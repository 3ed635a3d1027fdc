package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Skill is one recommended skill with its rationale.
type Skill struct {
	Name string `json:"name"`
	Why  string `json:"why"`
}

// Recommendation is the derived artifact cached on a profile document.
// SourceVersion records the profile's UpdatedAt at the moment generation
// started; the pair decides staleness on every read.
type Recommendation struct {
	Skills        []Skill   `json:"skills"`
	Advice        string    `json:"advice"`
	SkillTags     []string  `json:"skillTags,omitempty"`
	Model         string    `json:"model"`
	Provider      string    `json:"provider"`
	PromptVersion string    `json:"promptVersion"`
	GeneratedAt   time.Time `json:"generatedAt"`
	SourceVersion time.Time `json:"sourceVersion"`
}

// Profile is the per-identity document: questionnaire answers, the
// store-assigned version stamp, and at most one cached recommendation.
type Profile struct {
	ID             string          `json:"id"`
	Answers        map[string]any  `json:"answers"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Recommendation *Recommendation `json:"recommendations,omitempty"`
}
