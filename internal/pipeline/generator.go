// Package pipeline turns profile answers into recommendation content via
// the external generation service.
//
// The primary call (skills + advice) is all-or-nothing: a service error,
// unparsable output, or an out-of-bounds skill list fails the whole request
// and nothing is persisted. The secondary call (tags) is best-effort: any
// failure silently degrades to the deterministic tagger and never reaches
// the caller.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avoronov/skillpath/internal/genai"
	"github.com/avoronov/skillpath/internal/llmtext"
	"github.com/avoronov/skillpath/internal/storage"
	"github.com/avoronov/skillpath/internal/tagger"
)

const (
	defaultPrimaryTimeout = 45 * time.Second
	defaultTagTimeout     = 20 * time.Second

	// minUsableTags is the floor below which a tag response is treated as a
	// failed secondary call; artifacts never carry fewer tags than this.
	minUsableTags = 6
)

// ErrGenerationIncomplete means the service returned no usable skills or
// advice for the primary call. Nothing is cached when this is returned.
var ErrGenerationIncomplete = errors.New("generation incomplete")

// Completer is the chat interface to the generation service.
// Implemented by genai.Client.
type Completer interface {
	Complete(ctx context.Context, messages []genai.Message) (string, error)
}

// Provenance identifies what produced an artifact.
type Provenance struct {
	Model         string
	Provider      string
	PromptVersion string
}

// Primary is the result of a successful primary generation.
type Primary struct {
	Skills []storage.Skill
	Advice string
}

// Generator runs the two-stage generation pipeline.
type Generator struct {
	client         Completer
	prov           Provenance
	primaryTimeout time.Duration
	tagTimeout     time.Duration
}

// NewGenerator creates a Generator. Non-positive timeouts fall back to the
// defaults (45s primary, 20s tags).
func NewGenerator(client Completer, prov Provenance, primaryTimeout, tagTimeout time.Duration) *Generator {
	if primaryTimeout <= 0 {
		primaryTimeout = defaultPrimaryTimeout
	}
	if tagTimeout <= 0 {
		tagTimeout = defaultTagTimeout
	}
	return &Generator{
		client:         client,
		prov:           prov,
		primaryTimeout: primaryTimeout,
		tagTimeout:     tagTimeout,
	}
}

// Provenance returns the model/provider/prompt-version stamped onto
// generated artifacts.
func (g *Generator) Provenance() Provenance {
	return g.prov
}

// GeneratePrimary requests skills and advice for the given answers. The
// result always holds 3 to 5 named skills and a non-empty advice string;
// anything less is ErrGenerationIncomplete.
func (g *Generator) GeneratePrimary(ctx context.Context, answers map[string]any) (Primary, error) {
	ctx, cancel := context.WithTimeout(ctx, g.primaryTimeout)
	defer cancel()

	raw, err := g.client.Complete(ctx, buildPrimaryPrompt(answers))
	if err != nil {
		return Primary{}, fmt.Errorf("%w: %v", ErrGenerationIncomplete, err)
	}

	obj, ok := llmtext.Object(raw)
	if !ok {
		slog.Warn("primary generation returned unparsable output", "response_len", len(raw))
		return Primary{}, fmt.Errorf("%w: unparsable response", ErrGenerationIncomplete)
	}

	var parsed struct {
		Skills []json.RawMessage `json:"skills"`
		Advice string            `json:"advice"`
	}
	if err := json.Unmarshal(obj, &parsed); err != nil {
		return Primary{}, fmt.Errorf("%w: %v", ErrGenerationIncomplete, err)
	}

	skills := normalizeSkills(parsed.Skills)
	if len(skills) > maxSkills {
		skills = skills[:maxSkills]
	}
	advice := strings.TrimSpace(parsed.Advice)

	if len(skills) < minSkills || advice == "" {
		return Primary{}, fmt.Errorf("%w: %d skills, advice %d chars", ErrGenerationIncomplete, len(skills), len(advice))
	}
	return Primary{Skills: skills, Advice: advice}, nil
}

// GenerateTags requests topic tags seeded with the chosen skills. It never
// fails: on any error, unparsable output, or an undersized result it falls
// back to the deterministic tagger, so the caller always receives a usable
// set.
func (g *Generator) GenerateTags(ctx context.Context, answers map[string]any, skills []storage.Skill) []string {
	fallback := func(reason string, err error) []string {
		slog.Warn("tag generation fell back to heuristic tagger", "reason", reason, "error", err)
		return tagger.Derive(interestsFrom(answers))
	}

	ctx, cancel := context.WithTimeout(ctx, g.tagTimeout)
	defer cancel()

	raw, err := g.client.Complete(ctx, buildTagPrompt(answers, skills))
	if err != nil {
		return fallback("service error", err)
	}

	list, ok := llmtext.List(raw, "tags", "skillTags")
	if !ok {
		return fallback("unparsable response", nil)
	}

	var items []any
	if err := json.Unmarshal(list, &items); err != nil {
		return fallback("malformed array", err)
	}

	tags := normalizeTags(items)
	if len(tags) < minUsableTags {
		return fallback("too few usable tags", nil)
	}
	return tags
}
