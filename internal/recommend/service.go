// Package recommend is the versioned cache around AI skill recommendations.
//
// One artifact is cached per identity, keyed to the exact questionnaire
// version that produced it. Reads are cheap; generation happens only when no
// artifact exists, the questionnaire changed, or the caller forces it, and
// at most once per identity at a time.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/avoronov/skillpath/internal/pipeline"
	"github.com/avoronov/skillpath/internal/storage"
)

var (
	// ErrIdentifierMissing means neither a user id nor an email was given.
	ErrIdentifierMissing = errors.New("no user id or email provided")
	// ErrSourceNotFound means no questionnaire document exists for the identity.
	ErrSourceNotFound = errors.New("questionnaire not found")
	// ErrAnswersMissing means the questionnaire document exists but holds no answers.
	ErrAnswersMissing = errors.New("questionnaire has no answers")
	// ErrNotFound means no recommendations have been generated yet (read-only path).
	ErrNotFound = errors.New("recommendations not generated yet")
	// ErrStoreUnavailable wraps profile store I/O failures.
	ErrStoreUnavailable = errors.New("profile store unavailable")
)

// ProfileStore defines the storage operations the service needs.
// Implemented by storage.Store.
type ProfileStore interface {
	GetProfile(id string) (storage.Profile, error)
	SetRecommendation(id string, rec storage.Recommendation) error
}

// Generator defines the generation operations the service needs.
// Implemented by pipeline.Generator.
type Generator interface {
	GeneratePrimary(ctx context.Context, answers map[string]any) (pipeline.Primary, error)
	GenerateTags(ctx context.Context, answers map[string]any, skills []storage.Skill) []string
	Provenance() pipeline.Provenance
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Identity carries the possible document keys for one person. The user id
// is canonical; the email is only a fallback key when no id is supplied.
type Identity struct {
	UserID string
	Email  string
}

// IdentityFromKey classifies a single opaque key as id or email. The two
// share one key space, so the split only matters for reporting.
func IdentityFromKey(key string) Identity {
	if strings.Contains(key, "@") {
		return Identity{Email: key}
	}
	return Identity{UserID: key}
}

// Key resolves the document key, preferring the user id.
func (id Identity) Key() (string, error) {
	if id.UserID != "" {
		return id.UserID, nil
	}
	if id.Email != "" {
		return id.Email, nil
	}
	return "", ErrIdentifierMissing
}

// Options controls the generate-or-fetch path.
type Options struct {
	Force       bool
	IncludeTags bool
}

// Artifact is the externally visible recommendation document, including the
// staleness flag computed against the current questionnaire version.
type Artifact struct {
	Skills                 []storage.Skill `json:"skills"`
	Advice                 string          `json:"advice"`
	SkillTags              []string        `json:"skillTags"`
	Model                  string          `json:"model"`
	Provider               string          `json:"provider"`
	PromptVersion          string          `json:"promptVersion"`
	GeneratedAt            *time.Time      `json:"generatedAt"`
	QuestionnaireUpdatedAt *time.Time      `json:"questionnaireUpdatedAt"`
	QuestionnaireLatest    *time.Time      `json:"questionnaireLatest"`
	IsStale                bool            `json:"isStale"`
}

// Service is the public recommendation coordinator.
type Service struct {
	store  ProfileStore
	gen    Generator
	clock  Clock
	flight singleflight.Group // one in-flight generation per identity
}

// NewService creates a Service.
func NewService(store ProfileStore, gen Generator) *Service {
	return &Service{store: store, gen: gen, clock: realClock{}}
}

// NewServiceWithClock creates a Service with a custom clock (for testing).
func NewServiceWithClock(store ProfileStore, gen Generator, clock Clock) *Service {
	return &Service{store: store, gen: gen, clock: clock}
}

// Recommend returns a fresh-or-cached artifact, generating when the cache
// misses, the questionnaire changed, or opts.Force is set. Concurrent calls
// for the same identity share one generation instead of racing.
func (s *Service) Recommend(ctx context.Context, identity Identity, opts Options) (Artifact, error) {
	key, err := identity.Key()
	if err != nil {
		return Artifact{}, err
	}

	v, err, _ := s.flight.Do(key, func() (any, error) {
		return s.getOrGenerate(ctx, key, opts)
	})
	if err != nil {
		return Artifact{}, err
	}
	return v.(Artifact), nil
}

// Fetch is the read-only variant: it never triggers generation and returns
// ErrNotFound when no artifact exists yet. When includeTags is set and the
// cached artifact is fresh but untagged, the missing tags are topped up as a
// side effect of the read.
func (s *Service) Fetch(ctx context.Context, identity Identity, includeTags bool) (Artifact, error) {
	key, err := identity.Key()
	if err != nil {
		return Artifact{}, err
	}

	prof, err := s.loadProfile(key)
	if err != nil {
		return Artifact{}, err
	}
	rec := prof.Recommendation
	if rec == nil {
		return Artifact{}, ErrNotFound
	}

	if includeTags && len(rec.SkillTags) == 0 && isFresh(rec, prof.UpdatedAt) {
		v, err, _ := s.flight.Do(key, func() (any, error) {
			return s.topUp(ctx, key)
		})
		if err != nil {
			return Artifact{}, err
		}
		return v.(Artifact), nil
	}

	return view(*rec, prof.UpdatedAt), nil
}

// getOrGenerate runs inside the per-identity single-flight guard.
func (s *Service) getOrGenerate(ctx context.Context, key string, opts Options) (Artifact, error) {
	prof, err := s.loadProfile(key)
	if err != nil {
		return Artifact{}, err
	}
	if len(prof.Answers) == 0 {
		return Artifact{}, ErrAnswersMissing
	}

	rec := prof.Recommendation
	if isFresh(rec, prof.UpdatedAt) && !opts.Force {
		if opts.IncludeTags && len(rec.SkillTags) == 0 {
			return s.mergeTags(ctx, key, prof)
		}
		// Dominant cheap path: stored artifact, zero external calls.
		slog.Debug("recommendation cache hit", "identity", key)
		return view(*rec, prof.UpdatedAt), nil
	}

	// The version is captured before generation begins so a concurrent
	// answers edit makes the new artifact visibly stale instead of silently
	// claiming the newer version.
	sourceVersion := prof.UpdatedAt

	primary, err := s.gen.GeneratePrimary(ctx, prof.Answers)
	if err != nil {
		return Artifact{}, err
	}

	prov := s.gen.Provenance()
	fresh := storage.Recommendation{
		Skills:        primary.Skills,
		Advice:        primary.Advice,
		Model:         prov.Model,
		Provider:      prov.Provider,
		PromptVersion: prov.PromptVersion,
		GeneratedAt:   s.clock.Now().UTC(),
		SourceVersion: sourceVersion,
	}
	if opts.IncludeTags {
		fresh.SkillTags = s.gen.GenerateTags(ctx, prof.Answers, primary.Skills)
	}

	if err := s.persist(key, fresh); err != nil {
		return Artifact{}, err
	}
	slog.Info("recommendations generated",
		"identity", key,
		"skills", len(fresh.Skills),
		"tags", len(fresh.SkillTags),
		"forced", opts.Force,
	)
	return view(fresh, sourceVersion), nil
}

// topUp re-checks the top-up conditions under the single-flight guard (the
// artifact may have been regenerated or tagged while we waited) and merges
// generated tags into the stored artifact without touching skills, advice,
// or the generation stamp.
func (s *Service) topUp(ctx context.Context, key string) (Artifact, error) {
	prof, err := s.loadProfile(key)
	if err != nil {
		return Artifact{}, err
	}
	rec := prof.Recommendation
	if rec == nil {
		return Artifact{}, ErrNotFound
	}
	if len(rec.SkillTags) > 0 || !isFresh(rec, prof.UpdatedAt) {
		return view(*rec, prof.UpdatedAt), nil
	}
	return s.mergeTags(ctx, key, prof)
}

func (s *Service) mergeTags(ctx context.Context, key string, prof storage.Profile) (Artifact, error) {
	updated := *prof.Recommendation
	updated.SkillTags = s.gen.GenerateTags(ctx, prof.Answers, updated.Skills)
	if err := s.persist(key, updated); err != nil {
		return Artifact{}, err
	}
	slog.Info("skill tags topped up", "identity", key, "tags", len(updated.SkillTags))
	return view(updated, prof.UpdatedAt), nil
}

func (s *Service) loadProfile(key string) (storage.Profile, error) {
	prof, err := s.store.GetProfile(key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Profile{}, ErrSourceNotFound
	}
	if err != nil {
		return storage.Profile{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return prof, nil
}

func (s *Service) persist(key string, rec storage.Recommendation) error {
	if err := s.store.SetRecommendation(key, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// isFresh reports whether the cached artifact was generated against the
// current questionnaire version.
func isFresh(rec *storage.Recommendation, latest time.Time) bool {
	return rec != nil && !rec.SourceVersion.IsZero() && rec.SourceVersion.Equal(latest)
}

// view builds the serialized artifact, computing isStale at read time. The
// flag is never stored.
func view(rec storage.Recommendation, latest time.Time) Artifact {
	a := Artifact{
		Skills:        rec.Skills,
		Advice:        rec.Advice,
		SkillTags:     rec.SkillTags,
		Model:         rec.Model,
		Provider:      rec.Provider,
		PromptVersion: rec.PromptVersion,
		IsStale:       !rec.SourceVersion.IsZero() && !latest.IsZero() && !rec.SourceVersion.Equal(latest),
	}
	if a.SkillTags == nil {
		a.SkillTags = []string{}
	}
	if !rec.GeneratedAt.IsZero() {
		t := rec.GeneratedAt
		a.GeneratedAt = &t
	}
	if !rec.SourceVersion.IsZero() {
		t := rec.SourceVersion
		a.QuestionnaireUpdatedAt = &t
	}
	if !latest.IsZero() {
		t := latest
		a.QuestionnaireLatest = &t
	}
	return a
}
