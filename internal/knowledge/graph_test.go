package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"govmon/internal/registry"
	"govmon/internal/storage"
	"govmon/internal/types"
)

func newTestGraph(t *testing.T) (*Graph, *registry.Registry, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	locks := storage.NewLockManager(store.LocksDir(), 10*time.Millisecond, 2*time.Second, time.Minute)
	reg, err := registry.NewRegistry(store, locks, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	g, err := NewGraph(store, locks, reg, 10)
	require.NoError(t, err)
	return g, reg, store
}

func mustStore(t *testing.T, g *Graph, req StoreRequest) *Discovery {
	t.Helper()
	d, _, err := g.Store(context.Background(), req)
	require.NoError(t, err)
	return d
}

func TestStore_PersistsAndReloads(t *testing.T) {
	g, reg, store := newTestGraph(t)

	d := mustStore(t, g, StoreRequest{
		AgentID:  "alpha",
		Type:     TypeBugFound,
		Summary:  "nil map write in session loader",
		Details:  "loader writes before initializing the cache map",
		Severity: SeverityMedium,
		Tags:     []string{"sessions", "crash"},
	})
	require.NotEmpty(t, d.ID)
	require.Equal(t, StatusOpen, d.Status)
	require.False(t, d.CreatedAt.IsZero())

	// A fresh graph instance sees the persisted node with equal content.
	locks := storage.NewLockManager(store.LocksDir(), 10*time.Millisecond, 2*time.Second, time.Minute)
	g2, err := NewGraph(store, locks, reg, 10)
	require.NoError(t, err)
	got, ok := g2.Get(d.ID)
	require.True(t, ok)
	require.Equal(t, d, got)
}

func TestStore_Validation(t *testing.T) {
	g, _, _ := newTestGraph(t)
	ctx := context.Background()

	_, _, err := g.Store(ctx, StoreRequest{AgentID: "a", Type: "rumor", Summary: "x"})
	require.Equal(t, types.CodeValidation, err.(*types.ToolError).Code)

	_, _, err = g.Store(ctx, StoreRequest{AgentID: "a", Type: TypeInsight})
	require.Equal(t, types.CodeValidation, err.(*types.ToolError).Code)

	_, _, err = g.Store(ctx, StoreRequest{Type: TypeInsight, Summary: "x"})
	require.Equal(t, types.CodeValidation, err.(*types.ToolError).Code)
}

func TestStore_HighSeverityRequiresAuth(t *testing.T) {
	g, _, _ := newTestGraph(t)
	ctx := context.Background()

	_, _, err := g.Store(ctx, StoreRequest{
		AgentID: "anon", Type: TypeBugFound, Summary: "prod is down", Severity: SeverityCritical,
	})
	require.Error(t, err)
	require.Equal(t, types.CodeValidation, err.(*types.ToolError).Code)

	// The same claim from an authenticated caller is accepted.
	d, _, err := g.Store(ctx, StoreRequest{
		AgentID: "anon", Type: TypeBugFound, Summary: "prod is down",
		Severity: SeverityCritical, Authenticated: true,
	})
	require.NoError(t, err)
	require.Equal(t, SeverityCritical, d.Severity)

	// Low/medium stores are open to anonymous callers.
	_, _, err = g.Store(ctx, StoreRequest{
		AgentID: "anon", Type: TypeInsight, Summary: "minor thing", Severity: SeverityLow,
	})
	require.NoError(t, err)
}

func TestStore_RateLimit(t *testing.T) {
	g, reg, _ := newTestGraph(t)
	ctx := context.Background()
	_, _, err := reg.RegisterKey(ctx, "eps", false)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		mustStore(t, g, StoreRequest{AgentID: "eps", Type: TypeInsight, Summary: "observation"})
	}

	_, _, err = g.Store(ctx, StoreRequest{AgentID: "eps", Type: TypeInsight, Summary: "one too many"})
	require.Error(t, err)
	terr := err.(*types.ToolError)
	require.Equal(t, types.CodeRateLimited, terr.Code)
	require.False(t, terr.ResetAt.IsZero(), "rate limit must disclose reset_at")
	require.True(t, terr.Retryable)

	require.Equal(t, 0, g.StoresRemaining("eps", types.Now()))
}

func TestStore_RateLimitAnonymous(t *testing.T) {
	g, _, _ := newTestGraph(t)
	for i := 0; i < 10; i++ {
		mustStore(t, g, StoreRequest{AgentID: "ghost", Type: TypeInsight, Summary: "note"})
	}
	_, _, err := g.Store(context.Background(), StoreRequest{AgentID: "ghost", Type: TypeInsight, Summary: "note"})
	require.Equal(t, types.CodeRateLimited, err.(*types.ToolError).Code)
}

func TestStore_DuplicateWarnings(t *testing.T) {
	g, _, _ := newTestGraph(t)

	mustStore(t, g, StoreRequest{
		AgentID: "a", Type: TypeBugFound,
		Summary: "race condition in lock manager release path",
		Tags:    []string{"locks"},
	})

	_, warnings, err := g.Store(context.Background(), StoreRequest{
		AgentID: "b", Type: TypeBugFound,
		Summary:         "race condition in lock manager acquire path",
		Tags:            []string{"locks"},
		CheckDuplicates: true,
	})
	require.NoError(t, err, "duplicate warnings never block the store")
	require.NotEmpty(t, warnings)
	require.GreaterOrEqual(t, warnings[0].Score, 0.5)
}

func TestSearch(t *testing.T) {
	g, _, _ := newTestGraph(t)
	mustStore(t, g, StoreRequest{AgentID: "a", Type: TypeBugFound, Summary: "deadlock in flock path", Severity: SeverityHigh, Authenticated: true, Tags: []string{"locks", "storage"}})
	mustStore(t, g, StoreRequest{AgentID: "b", Type: TypeInsight, Summary: "cache warms slowly", Severity: SeverityLow, Tags: []string{"storage"}})
	mustStore(t, g, StoreRequest{AgentID: "a", Type: TypeQuestion, Summary: "why two rings", Severity: SeverityLow})

	byAgent, err := g.Search(Query{AgentID: "a"})
	require.NoError(t, err)
	require.Len(t, byAgent, 2)

	byTags, err := g.Search(Query{Tags: []string{"storage", "locks"}})
	require.NoError(t, err)
	require.Len(t, byTags, 1, "tags are ANDed")

	byText, err := g.Search(Query{Text: "DEADLOCK"})
	require.NoError(t, err)
	require.Len(t, byText, 1, "text match is case-insensitive")

	bySeverity, err := g.Search(Query{SortBy: "severity", SortOrder: "desc"})
	require.NoError(t, err)
	require.Equal(t, SeverityHigh, bySeverity[0].Severity)

	limited, err := g.Search(Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)

	_, err = g.Search(Query{SortBy: "karma"})
	require.Error(t, err)
}

func TestFindSimilar(t *testing.T) {
	g, _, _ := newTestGraph(t)
	mustStore(t, g, StoreRequest{AgentID: "a", Type: TypeBugFound, Summary: "watcher misses renamed threshold file", Tags: []string{"fsnotify"}})
	mustStore(t, g, StoreRequest{AgentID: "a", Type: TypeInsight, Summary: "controller overshoot after warmup"})

	hits := g.FindSimilar("threshold file watcher misses rename", 0.3, 5)
	require.NotEmpty(t, hits)
	require.Contains(t, hits[0].Discovery.Summary, "watcher")
	require.GreaterOrEqual(t, hits[0].Score, 0.3)
	require.LessOrEqual(t, hits[0].Score, 1.0)

	require.Empty(t, g.FindSimilar("completely unrelated gardening topic", 0.3, 5))
}

func TestUpdateStatus(t *testing.T) {
	g, _, _ := newTestGraph(t)
	ctx := context.Background()
	d := mustStore(t, g, StoreRequest{AgentID: "a", Type: TypeBugFound, Summary: "off by one in ring cap"})

	resolved, err := g.UpdateStatus(ctx, d.ID, StatusResolved, "fixed in ring rewrite", "")
	require.NoError(t, err)
	require.Equal(t, StatusResolved, resolved.Status)
	require.False(t, resolved.ResolvedAt.IsZero())
	require.Equal(t, "fixed in ring rewrite", resolved.ResolutionNote)

	// Idempotent for equal status.
	again, err := g.UpdateStatus(ctx, d.ID, StatusResolved, "", "")
	require.NoError(t, err)
	require.Equal(t, resolved.ResolvedAt, again.ResolvedAt)

	// Disputing requires a session id.
	_, err = g.UpdateStatus(ctx, d.ID, StatusDisputed, "", "")
	require.Equal(t, types.CodeValidation, err.(*types.ToolError).Code)
	disputed, err := g.UpdateStatus(ctx, d.ID, StatusDisputed, "", "dlx_1")
	require.NoError(t, err)
	require.Equal(t, "dlx_1", disputed.DisputeSessionID)

	// Archived discoveries cannot be disputed.
	archived := mustStore(t, g, StoreRequest{AgentID: "a", Type: TypeInsight, Summary: "old note"})
	_, err = g.UpdateStatus(ctx, archived.ID, StatusArchived, "", "")
	require.NoError(t, err)
	_, err = g.UpdateStatus(ctx, archived.ID, StatusDisputed, "", "dlx_2")
	require.Equal(t, types.CodeStateViolation, err.(*types.ToolError).Code)

	_, err = g.UpdateStatus(ctx, "disc_nope", StatusOpen, "", "")
	require.Equal(t, types.CodeNotFound, err.(*types.ToolError).Code)

	_, err = g.UpdateStatus(ctx, d.ID, "limbo", "", "")
	require.Equal(t, types.CodeValidation, err.(*types.ToolError).Code)
}

func TestRelevant_ExcludesOwnAndClosed(t *testing.T) {
	g, _, _ := newTestGraph(t)
	ctx := context.Background()

	mine := mustStore(t, g, StoreRequest{AgentID: "me", Type: TypeInsight, Summary: "mutex contention around registry saves", Tags: []string{"mutex"}})
	other := mustStore(t, g, StoreRequest{AgentID: "peer", Type: TypeBugFound, Summary: "mutex deadlock in save path", Tags: []string{"mutex"}})
	archivedPeer := mustStore(t, g, StoreRequest{AgentID: "peer", Type: TypeInsight, Summary: "mutex tuning ideas", Tags: []string{"mutex"}})
	_, err := g.UpdateStatus(ctx, archivedPeer.ID, StatusArchived, "", "")
	require.NoError(t, err)

	surfaced := g.Relevant("me", []string{"mutex"}, "seeing mutex contention again", 3)
	require.Len(t, surfaced, 1)
	require.Equal(t, other.ID, surfaced[0].ID)
	require.NotEqual(t, mine.ID, surfaced[0].ID)
	require.LessOrEqual(t, len(surfaced[0].Summary), surfacedSummaryMax)
}

func TestRelated_SkipsDangling(t *testing.T) {
	g, _, _ := newTestGraph(t)
	base := mustStore(t, g, StoreRequest{AgentID: "a", Type: TypeInsight, Summary: "base"})
	linked := mustStore(t, g, StoreRequest{
		AgentID: "a", Type: TypePattern, Summary: "pattern over base",
		RelatedDiscoveries: []string{base.ID, "disc_gone"},
	})

	related := g.Related(linked.ID)
	require.Len(t, related, 1)
	require.Equal(t, base.ID, related[0].ID)
}
