package recommend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avoronov/skillpath/internal/pipeline"
	"github.com/avoronov/skillpath/internal/storage"
)

type mockStore struct {
	mu       sync.Mutex
	profiles map[string]storage.Profile
	getErr   error
	setErr   error
	setCalls int
}

func newMockStore() *mockStore {
	return &mockStore{profiles: map[string]storage.Profile{}}
}

func (m *mockStore) GetProfile(id string) (storage.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return storage.Profile{}, m.getErr
	}
	prof, ok := m.profiles[id]
	if !ok {
		return storage.Profile{}, storage.ErrNotFound
	}
	return prof, nil
}

func (m *mockStore) SetRecommendation(id string, rec storage.Recommendation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	if m.setErr != nil {
		return m.setErr
	}
	prof, ok := m.profiles[id]
	if !ok {
		return storage.ErrNotFound
	}
	prof.Recommendation = &rec
	m.profiles[id] = prof
	return nil
}

func (m *mockStore) put(id string, prof storage.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[id] = prof
}

func (m *mockStore) recommendation(id string) *storage.Recommendation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profiles[id].Recommendation
}

type mockGenerator struct {
	primary      pipeline.Primary
	primaryErr   error
	primaryDelay time.Duration
	tags         []string

	primaryCalls atomic.Int64
	tagCalls     atomic.Int64
}

func (m *mockGenerator) GeneratePrimary(ctx context.Context, answers map[string]any) (pipeline.Primary, error) {
	m.primaryCalls.Add(1)
	if m.primaryDelay > 0 {
		select {
		case <-time.After(m.primaryDelay):
		case <-ctx.Done():
			return pipeline.Primary{}, ctx.Err()
		}
	}
	if m.primaryErr != nil {
		return pipeline.Primary{}, m.primaryErr
	}
	return m.primary, nil
}

func (m *mockGenerator) GenerateTags(ctx context.Context, answers map[string]any, skills []storage.Skill) []string {
	m.tagCalls.Add(1)
	return m.tags
}

func (m *mockGenerator) Provenance() pipeline.Provenance {
	return pipeline.Provenance{Model: "test-model", Provider: "test", PromptVersion: "v1"}
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var (
	testSkills = []storage.Skill{
		{Name: "SQL", Why: "structured data is everywhere"},
		{Name: "Python", Why: "fast iteration on analysis"},
		{Name: "Communication", Why: "findings need an audience"},
	}
	testAnswers = map[string]any{"name": "Dana", "interests": []string{"data"}}
	testNow     = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
)

func newTestService(store *mockStore, gen *mockGenerator) *Service {
	return NewServiceWithClock(store, gen, fixedClock{t: testNow})
}

func seedProfile(store *mockStore, id string, updatedAt time.Time) {
	store.put(id, storage.Profile{ID: id, Answers: testAnswers, UpdatedAt: updatedAt})
}

func TestIdentityKey(t *testing.T) {
	tests := []struct {
		name     string
		identity Identity
		want     string
		wantErr  error
	}{
		{"user id wins", Identity{UserID: "u-1", Email: "a@b.io"}, "u-1", nil},
		{"email fallback", Identity{Email: "a@b.io"}, "a@b.io", nil},
		{"nothing", Identity{}, "", ErrIdentifierMissing},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.identity.Key()
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("key = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIdentityFromKey(t *testing.T) {
	if id := IdentityFromKey("dana@example.com"); id.Email == "" || id.UserID != "" {
		t.Errorf("email key misclassified: %+v", id)
	}
	if id := IdentityFromKey("u-42"); id.UserID == "" || id.Email != "" {
		t.Errorf("id key misclassified: %+v", id)
	}
}

func TestRecommend_GeneratesOnColdCache(t *testing.T) {
	store := newMockStore()
	updated := testNow.Add(-time.Hour)
	seedProfile(store, "u-1", updated)
	gen := &mockGenerator{primary: pipeline.Primary{Skills: testSkills, Advice: "focus on fundamentals"}}

	svc := newTestService(store, gen)
	art, err := svc.Recommend(context.Background(), Identity{UserID: "u-1"}, Options{})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(art.Skills) != 3 || art.Advice != "focus on fundamentals" {
		t.Errorf("unexpected artifact: %+v", art)
	}
	if art.Model != "test-model" || art.Provider != "test" || art.PromptVersion != "v1" {
		t.Errorf("provenance not carried: %+v", art)
	}
	if art.GeneratedAt == nil || !art.GeneratedAt.Equal(testNow) {
		t.Errorf("generatedAt = %v, want %v", art.GeneratedAt, testNow)
	}
	if art.QuestionnaireUpdatedAt == nil || !art.QuestionnaireUpdatedAt.Equal(updated) {
		t.Errorf("questionnaireUpdatedAt = %v, want %v", art.QuestionnaireUpdatedAt, updated)
	}
	if art.IsStale {
		t.Error("freshly generated artifact must not be stale")
	}
	if got := gen.primaryCalls.Load(); got != 1 {
		t.Errorf("primary calls = %d, want 1", got)
	}
	if store.recommendation("u-1") == nil {
		t.Error("artifact not persisted")
	}
}

func TestRecommend_CacheHitMakesNoExternalCalls(t *testing.T) {
	store := newMockStore()
	seedProfile(store, "u-1", testNow)
	gen := &mockGenerator{primary: pipeline.Primary{Skills: testSkills, Advice: "a"}}
	svc := newTestService(store, gen)

	if _, err := svc.Recommend(context.Background(), Identity{UserID: "u-1"}, Options{}); err != nil {
		t.Fatalf("first Recommend: %v", err)
	}
	art, err := svc.Recommend(context.Background(), Identity{UserID: "u-1"}, Options{})
	if err != nil {
		t.Fatalf("second Recommend: %v", err)
	}
	if got := gen.primaryCalls.Load(); got != 1 {
		t.Errorf("primary calls = %d, want 1 (second call must hit the cache)", got)
	}
	if got := gen.tagCalls.Load(); got != 0 {
		t.Errorf("tag calls = %d, want 0", got)
	}
	if art.IsStale {
		t.Error("fresh cached artifact reported stale")
	}
}

func TestRecommend_RegeneratesWhenAnswersChanged(t *testing.T) {
	store := newMockStore()
	seedProfile(store, "u-1", testNow.Add(-2*time.Hour))
	gen := &mockGenerator{primary: pipeline.Primary{Skills: testSkills, Advice: "a"}}
	svc := newTestService(store, gen)

	if _, err := svc.Recommend(context.Background(), Identity{UserID: "u-1"}, Options{}); err != nil {
		t.Fatalf("first Recommend: %v", err)
	}

	// Simulate an answers edit: version moves forward, artifact stays.
	bumped := testNow.Add(-time.Hour)
	prof, _ := store.GetProfile("u-1")
	prof.UpdatedAt = bumped
	store.put("u-1", prof)

	art, err := svc.Recommend(context.Background(), Identity{UserID: "u-1"}, Options{})
	if err != nil {
		t.Fatalf("second Recommend: %v", err)
	}
	if got := gen.primaryCalls.Load(); got != 2 {
		t.Errorf("primary calls = %d, want 2 (stale artifact must regenerate)", got)
	}
	if art.QuestionnaireUpdatedAt == nil || !art.QuestionnaireUpdatedAt.Equal(bumped) {
		t.Errorf("new artifact not pinned to latest version: %+v", art.QuestionnaireUpdatedAt)
	}
	if art.IsStale {
		t.Error("regenerated artifact reported stale")
	}
}

func TestRecommend_ForceRegenerates(t *testing.T) {
	store := newMockStore()
	seedProfile(store, "u-1", testNow)
	gen := &mockGenerator{primary: pipeline.Primary{Skills: testSkills, Advice: "a"}}
	svc := newTestService(store, gen)

	ctx := context.Background()
	id := Identity{UserID: "u-1"}
	if _, err := svc.Recommend(ctx, id, Options{}); err != nil {
		t.Fatalf("first Recommend: %v", err)
	}
	if _, err := svc.Recommend(ctx, id, Options{Force: true}); err != nil {
		t.Fatalf("forced Recommend: %v", err)
	}
	if got := gen.primaryCalls.Load(); got != 2 {
		t.Errorf("primary calls = %d, want 2 (force must bypass the cache)", got)
	}
}

func TestRecommend_TagTopUpOnFreshArtifact(t *testing.T) {
	store := newMockStore()
	seedProfile(store, "u-1", testNow)
	gen := &mockGenerator{
		primary: pipeline.Primary{Skills: testSkills, Advice: "keep shipping"},
		tags:    []string{"SQL", "Data Modeling", "Dashboards", "ETL", "Statistics", "Python"},
	}
	svc := newTestService(store, gen)

	ctx := context.Background()
	id := Identity{UserID: "u-1"}
	first, err := svc.Recommend(ctx, id, Options{})
	if err != nil {
		t.Fatalf("first Recommend: %v", err)
	}
	if len(first.SkillTags) != 0 {
		t.Fatalf("tags generated without being requested: %v", first.SkillTags)
	}

	art, err := svc.Recommend(ctx, id, Options{IncludeTags: true})
	if err != nil {
		t.Fatalf("top-up Recommend: %v", err)
	}
	if got := gen.primaryCalls.Load(); got != 1 {
		t.Errorf("primary calls = %d, want 1 (top-up must not regenerate)", got)
	}
	if got := gen.tagCalls.Load(); got != 1 {
		t.Errorf("tag calls = %d, want 1", got)
	}
	if len(art.SkillTags) != 6 {
		t.Errorf("tags = %v", art.SkillTags)
	}
	if art.Advice != first.Advice || len(art.Skills) != len(first.Skills) {
		t.Error("top-up must leave skills and advice untouched")
	}
	if art.GeneratedAt == nil || !art.GeneratedAt.Equal(*first.GeneratedAt) {
		t.Error("top-up must preserve the original generation stamp")
	}

	stored := store.recommendation("u-1")
	if stored == nil || len(stored.SkillTags) != 6 {
		t.Error("topped-up tags not persisted")
	}
}

func TestRecommend_TaggedCacheHitSkipsTagCall(t *testing.T) {
	store := newMockStore()
	seedProfile(store, "u-1", testNow)
	gen := &mockGenerator{
		primary: pipeline.Primary{Skills: testSkills, Advice: "a"},
		tags:    []string{"A1", "B2", "C3", "D4", "E5", "F6"},
	}
	svc := newTestService(store, gen)

	ctx := context.Background()
	id := Identity{UserID: "u-1"}
	if _, err := svc.Recommend(ctx, id, Options{IncludeTags: true}); err != nil {
		t.Fatalf("first Recommend: %v", err)
	}
	if _, err := svc.Recommend(ctx, id, Options{IncludeTags: true}); err != nil {
		t.Fatalf("second Recommend: %v", err)
	}
	if got := gen.tagCalls.Load(); got != 1 {
		t.Errorf("tag calls = %d, want 1 (already-tagged artifact must not re-tag)", got)
	}
}

func TestRecommend_Errors(t *testing.T) {
	storeDown := newMockStore()
	storeDown.getErr = fmt.Errorf("disk on fire")

	emptyAnswers := newMockStore()
	emptyAnswers.put("u-1", storage.Profile{ID: "u-1", UpdatedAt: testNow})

	genFail := &mockGenerator{primaryErr: fmt.Errorf("bad response: %w", pipeline.ErrGenerationIncomplete)}

	tests := []struct {
		name     string
		store    *mockStore
		gen      *mockGenerator
		identity Identity
		wantErr  error
	}{
		{"no identifier", newMockStore(), &mockGenerator{}, Identity{}, ErrIdentifierMissing},
		{"unknown identity", newMockStore(), &mockGenerator{}, Identity{UserID: "ghost"}, ErrSourceNotFound},
		{"empty answers", emptyAnswers, &mockGenerator{}, Identity{UserID: "u-1"}, ErrAnswersMissing},
		{"store unavailable", storeDown, &mockGenerator{}, Identity{UserID: "u-1"}, ErrStoreUnavailable},
		{"incomplete generation", seededStore(), genFail, Identity{UserID: "u-1"}, pipeline.ErrGenerationIncomplete},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestService(tc.store, tc.gen)
			_, err := svc.Recommend(context.Background(), tc.identity, Options{})
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func seededStore() *mockStore {
	store := newMockStore()
	seedProfile(store, "u-1", testNow)
	return store
}

func TestRecommend_NothingCachedOnIncompleteGeneration(t *testing.T) {
	store := seededStore()
	gen := &mockGenerator{primaryErr: pipeline.ErrGenerationIncomplete}
	svc := newTestService(store, gen)

	_, err := svc.Recommend(context.Background(), Identity{UserID: "u-1"}, Options{})
	if !errors.Is(err, pipeline.ErrGenerationIncomplete) {
		t.Fatalf("err = %v", err)
	}
	if store.recommendation("u-1") != nil {
		t.Error("failed generation must not cache anything")
	}
	if store.setCalls != 0 {
		t.Errorf("store writes = %d, want 0", store.setCalls)
	}
}

func TestRecommend_TopUpPersistFailure(t *testing.T) {
	store := seededStore()
	gen := &mockGenerator{
		primary: pipeline.Primary{Skills: testSkills, Advice: "a"},
		tags:    []string{"A1", "B2", "C3", "D4", "E5", "F6"},
	}
	svc := newTestService(store, gen)

	ctx := context.Background()
	id := Identity{UserID: "u-1"}
	if _, err := svc.Recommend(ctx, id, Options{}); err != nil {
		t.Fatalf("Recommend: %v", err)
	}

	store.mu.Lock()
	store.setErr = fmt.Errorf("readonly database")
	store.mu.Unlock()

	_, err := svc.Recommend(ctx, id, Options{IncludeTags: true})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if tags := store.recommendation("u-1").SkillTags; len(tags) != 0 {
		t.Errorf("tags leaked into store despite write failure: %v", tags)
	}
}

func TestRecommend_SourceVersionReadBeforeGeneration(t *testing.T) {
	store := seededStore()
	gen := &mockGenerator{
		primary:      pipeline.Primary{Skills: testSkills, Advice: "a"},
		primaryDelay: 20 * time.Millisecond,
	}
	svc := newTestService(store, gen)

	done := make(chan Artifact, 1)
	go func() {
		art, err := svc.Recommend(context.Background(), Identity{UserID: "u-1"}, Options{})
		if err != nil {
			t.Errorf("Recommend: %v", err)
		}
		done <- art
	}()

	// Edit the answers while generation is in flight.
	time.Sleep(5 * time.Millisecond)
	bumped := testNow.Add(time.Hour)
	prof, _ := store.GetProfile("u-1")
	prof.UpdatedAt = bumped
	store.put("u-1", prof)

	art := <-done
	if art.QuestionnaireUpdatedAt == nil || art.QuestionnaireUpdatedAt.Equal(bumped) {
		t.Error("artifact must carry the version read before generation, not the newer one")
	}

	// A subsequent read against the moved version must flag staleness.
	got, err := svc.Fetch(context.Background(), Identity{UserID: "u-1"}, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !got.IsStale {
		t.Error("artifact generated against the old version must read as stale")
	}
}

func TestRecommend_SingleFlightCollapsesConcurrentCalls(t *testing.T) {
	store := seededStore()
	gen := &mockGenerator{
		primary:      pipeline.Primary{Skills: testSkills, Advice: "a"},
		primaryDelay: 30 * time.Millisecond,
	}
	svc := newTestService(store, gen)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Recommend(context.Background(), Identity{UserID: "u-1"}, Options{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Recommend: %v", err)
		}
	}
	if got := gen.primaryCalls.Load(); got != 1 {
		t.Errorf("primary calls = %d, want 1 (concurrent callers must share one generation)", got)
	}
}

func TestFetch_ReadOnly(t *testing.T) {
	store := seededStore()
	gen := &mockGenerator{primary: pipeline.Primary{Skills: testSkills, Advice: "a"}}
	svc := newTestService(store, gen)

	ctx := context.Background()
	id := Identity{UserID: "u-1"}
	if _, err := svc.Fetch(ctx, id, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch before generation: err = %v, want ErrNotFound", err)
	}
	if got := gen.primaryCalls.Load(); got != 0 {
		t.Errorf("Fetch triggered generation: %d calls", got)
	}

	if _, err := svc.Recommend(ctx, id, Options{}); err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	art, err := svc.Fetch(ctx, id, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(art.Skills) != 3 {
		t.Errorf("unexpected artifact: %+v", art)
	}
}

func TestFetch_StaleArtifactStillServed(t *testing.T) {
	store := seededStore()
	gen := &mockGenerator{primary: pipeline.Primary{Skills: testSkills, Advice: "a"}}
	svc := newTestService(store, gen)

	ctx := context.Background()
	id := Identity{UserID: "u-1"}
	if _, err := svc.Recommend(ctx, id, Options{}); err != nil {
		t.Fatalf("Recommend: %v", err)
	}

	prof, _ := store.GetProfile("u-1")
	prof.UpdatedAt = testNow.Add(time.Hour)
	store.put("u-1", prof)

	art, err := svc.Fetch(ctx, id, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !art.IsStale {
		t.Error("outdated artifact must be flagged stale")
	}
	if got := gen.primaryCalls.Load(); got != 1 {
		t.Errorf("Fetch regenerated a stale artifact: %d calls", got)
	}
}

func TestFetch_TopsUpTagsOnRead(t *testing.T) {
	store := seededStore()
	gen := &mockGenerator{
		primary: pipeline.Primary{Skills: testSkills, Advice: "a"},
		tags:    []string{"A1", "B2", "C3", "D4", "E5", "F6"},
	}
	svc := newTestService(store, gen)

	ctx := context.Background()
	id := Identity{UserID: "u-1"}
	if _, err := svc.Recommend(ctx, id, Options{}); err != nil {
		t.Fatalf("Recommend: %v", err)
	}

	art, err := svc.Fetch(ctx, id, true)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(art.SkillTags) != 6 {
		t.Errorf("tags = %v", art.SkillTags)
	}
	if got := gen.primaryCalls.Load(); got != 1 {
		t.Error("tagged Fetch must not regenerate")
	}

	// Stale artifacts are served as-is, without a top-up.
	prof, _ := store.GetProfile("u-1")
	prof.Recommendation.SkillTags = nil
	prof.UpdatedAt = testNow.Add(time.Hour)
	store.put("u-1", prof)

	if _, err := svc.Fetch(ctx, id, true); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := gen.tagCalls.Load(); got != 1 {
		t.Errorf("tag calls = %d, want 1 (stale artifacts are not topped up)", got)
	}
}

func TestArtifactSkillTagsNeverNil(t *testing.T) {
	art := view(storage.Recommendation{Advice: "a", SourceVersion: testNow, GeneratedAt: testNow}, testNow)
	if art.SkillTags == nil {
		t.Error("skillTags must serialize as an empty array, not null")
	}
}
