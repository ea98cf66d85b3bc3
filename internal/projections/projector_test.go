package projections

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"example.com/backstage/services/blog/internal/database"
	"example.com/backstage/services/blog/internal/domain"
	"example.com/backstage/services/blog/internal/metrics"
	"example.com/backstage/services/blog/internal/models"
)

// recordingRegenerator remembers every call and can be told to fail
type recordingRegenerator struct {
	mu          sync.Mutex
	regenerated []Page
	withdrawn   map[string][]int64
	fail        error
}

func newRecordingRegenerator() *recordingRegenerator {
	return &recordingRegenerator{withdrawn: map[string][]int64{}}
}

func (r *recordingRegenerator) Regenerate(_ context.Context, page Page) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.regenerated = append(r.regenerated, page)
	return nil
}

func (r *recordingRegenerator) Withdraw(_ context.Context, id string, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.withdrawn[id] = append(r.withdrawn[id], version)
	return nil
}

func (r *recordingRegenerator) regenerations(id string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, p := range r.regenerated {
		if p.ArticleID == id {
			out = append(out, p.Version)
		}
	}
	return out
}

func newTestDB(t *testing.T, suffix ...string) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name() + strings.Join(suffix, "_"))
	db, err := database.OpenMemory(name, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func snapshot(id string, version int64, status domain.Status, title string) domain.Snapshot {
	article := domain.Article{
		ID:          id,
		Title:       title,
		Slug:        domain.Slugify(title),
		Description: "about " + title,
		Author:      "jo",
		Status:      status,
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime.Add(time.Duration(version) * time.Minute),
		Version:     version,
	}
	if status == domain.StatusPublished {
		published := baseTime.Add(time.Hour)
		article.PublishedAt = &published
	}
	return domain.NewSnapshot(article, []domain.Section{
		{ID: id + "-s1", ArticleID: id, Kind: domain.SectionText, Content: title, Position: 1},
		{ID: id + "-s2", ArticleID: id, Kind: domain.SectionCode, Content: "v", Language: "go", Position: 2},
	})
}

func saved(id string, version int64, status domain.Status, title string) domain.Event {
	return domain.ArticleSaved{ArticleID: id, Version: version, Snapshot: snapshot(id, version, status, title)}
}

func published(id string, version int64, title string) domain.Event {
	return domain.ArticlePublished{ArticleID: id, Version: version, Snapshot: snapshot(id, version, domain.StatusPublished, title)}
}

func deleted(id string, version int64) domain.Event {
	return domain.ArticleDeleted{ArticleID: id, Version: version}
}

func loadRow(t *testing.T, db *gorm.DB, id string) (models.PublishedArticle, bool) {
	t.Helper()
	var row models.PublishedArticle
	err := db.Unscoped().Where("article_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, false
	}
	require.NoError(t, err)
	return row, true
}

func TestExampleScenarioRegeneratesOnce(t *testing.T) {
	db := newTestDB(t)
	regen := newRecordingRegenerator()
	p := NewProjector(db, regen)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, saved("A1", 1, domain.StatusDraft, "Hello")))
	require.NoError(t, p.Apply(ctx, saved("A1", 2, domain.StatusDraft, "Hello again")))
	require.NoError(t, p.Apply(ctx, published("A1", 3, "Hello again")))

	row, ok := loadRow(t, db, "A1")
	require.True(t, ok)
	assert.Equal(t, int64(3), row.AppliedVersion)
	assert.NotNil(t, row.PublishedAt)
	assert.Equal(t, "Hello again\n\n```go\nv\n```", row.Content)
	assert.Equal(t, []int64{3}, regen.regenerations("A1"))
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	regen := newRecordingRegenerator()
	m := metrics.NewMetrics()
	p := NewProjector(db, regen, WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, published("A1", 2, "Title")))
	before, _ := loadRow(t, db, "A1")

	for i := 0; i < 3; i++ {
		outcome, err := p.ApplyWithOutcome(ctx, published("A1", 2, "Title"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDiscarded, outcome)

		outcome, err = p.ApplyWithOutcome(ctx, saved("A1", 1, domain.StatusDraft, "Older"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDiscarded, outcome)
	}

	after, _ := loadRow(t, db, "A1")
	assert.Equal(t, before.AppliedVersion, after.AppliedVersion)
	assert.Equal(t, before.Title, after.Title)
	assert.Equal(t, before.Content, after.Content)
	assert.True(t, before.ProjectedAt.Equal(after.ProjectedAt))
	assert.Equal(t, []int64{2}, regen.regenerations("A1"))
	assert.Equal(t, int64(6), m.Counter(metrics.CounterEventsDiscarded))
	assert.Equal(t, int64(1), m.Counter(metrics.CounterEventsApplied))
}

func TestGapAppliesTotalSnapshot(t *testing.T) {
	ctx := context.Background()

	sequentialDB := newTestDB(t, "sequential")
	sequential := NewProjector(sequentialDB, nil)
	require.NoError(t, sequential.Apply(ctx, published("A1", 1, "First")))
	for v := int64(2); v <= 5; v++ {
		require.NoError(t, sequential.Apply(ctx, saved("A1", v, domain.StatusPublished, "Final")))
	}

	gappedDB := newTestDB(t, "gapped")
	m := metrics.NewMetrics()
	gapped := NewProjector(gappedDB, nil, WithMetrics(m))
	require.NoError(t, gapped.Apply(ctx, published("A1", 1, "First")))
	require.NoError(t, gapped.Apply(ctx, saved("A1", 5, domain.StatusPublished, "Final")))

	want, _ := loadRow(t, sequentialDB, "A1")
	got, _ := loadRow(t, gappedDB, "A1")
	assert.Equal(t, int64(5), got.AppliedVersion)
	assert.Equal(t, want.Title, got.Title)
	assert.Equal(t, want.Slug, got.Slug)
	assert.Equal(t, want.Content, got.Content)
	assert.Equal(t, want.Sections, got.Sections)
	assert.Equal(t, int64(1), m.Counter(metrics.CounterEventGaps))
}

func TestDeletionWins(t *testing.T) {
	db := newTestDB(t)
	regen := newRecordingRegenerator()
	p := NewProjector(db, regen)
	read := NewReadModel(db, nil)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, published("A1", 2, "Title")))
	require.NoError(t, p.Apply(ctx, deleted("A1", 4)))

	// Late redeliveries of older events, and even a higher version, cannot
	// bring the article back
	for _, e := range []domain.Event{published("A1", 2, "Title"), saved("A1", 3, domain.StatusPublished, "Title"), published("A1", 9, "Title")} {
		outcome, err := p.ApplyWithOutcome(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDiscarded, outcome)
	}

	_, err := read.GetByID(ctx, "A1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = read.GetBySlug(ctx, "title")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	version, isDeleted, ok, err := read.AppliedVersion(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, isDeleted)
	assert.Equal(t, int64(4), version)
	assert.Equal(t, []int64{4}, regen.withdrawn["A1"])
}

func TestDeleteBeforeAnyPublishLeavesTombstone(t *testing.T) {
	db := newTestDB(t)
	p := NewProjector(db, nil)
	ctx := context.Background()

	outcome, err := p.ApplyWithOutcome(ctx, deleted("A1", 3))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, outcome)

	outcome, err = p.ApplyWithOutcome(ctx, published("A1", 2, "Title"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, outcome)

	var visible int64
	require.NoError(t, db.Model(&models.PublishedArticle{}).Count(&visible).Error)
	assert.Zero(t, visible)
}

func TestUnpublishWithdrawsPage(t *testing.T) {
	db := newTestDB(t)
	regen := newRecordingRegenerator()
	p := NewProjector(db, regen)
	read := NewReadModel(db, nil)
	ctx := context.Background()

	outcome, err := p.ApplyWithOutcome(ctx, saved("A1", 1, domain.StatusDraft, "Title"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	_, ok := loadRow(t, db, "A1")
	assert.False(t, ok)

	require.NoError(t, p.Apply(ctx, published("A1", 2, "Title")))
	view, err := read.GetBySlug(ctx, "title")
	require.NoError(t, err)
	assert.Equal(t, int64(2), view.AppliedVersion)
	require.Len(t, view.Sections, 2)

	outcome, err = p.ApplyWithOutcome(ctx, saved("A1", 3, domain.StatusTrash, "Title"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeWithdrawn, outcome)

	_, err = read.GetByID(ctx, "A1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	row, _ := loadRow(t, db, "A1")
	assert.Equal(t, int64(3), row.AppliedVersion)
	assert.Equal(t, string(domain.StatusTrash), row.Status)
	assert.Equal(t, []int64{3}, regen.withdrawn["A1"])

	require.NoError(t, p.Apply(ctx, published("A1", 4, "Title")))
	view, err = read.GetByID(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), view.AppliedVersion)
}

func TestRegenerationFailureRollsBack(t *testing.T) {
	db := newTestDB(t)
	regen := newRecordingRegenerator()
	regen.fail = errors.New("index unavailable")
	p := NewProjector(db, regen)
	ctx := context.Background()

	err := p.Apply(ctx, published("A1", 1, "Title"))
	require.ErrorIs(t, err, domain.ErrProjectionFailure)
	_, ok := loadRow(t, db, "A1")
	assert.False(t, ok)

	regen.fail = nil
	require.NoError(t, p.Apply(ctx, published("A1", 1, "Title")))
	row, ok := loadRow(t, db, "A1")
	require.True(t, ok)
	assert.Equal(t, int64(1), row.AppliedVersion)
}

// A replay read the row before a newer event committed: its writes must not
// move the applied version backwards
func TestStaleReadNeverRegressesAppliedVersion(t *testing.T) {
	db := newTestDB(t)
	regen := newRecordingRegenerator()
	p := NewProjector(db, regen)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, published("A1", 2, "Second")))
	stale, ok := loadRow(t, db, "A1")
	require.True(t, ok)
	require.NoError(t, p.Apply(ctx, published("A1", 4, "Fourth")))

	tests := []struct {
		name  string
		apply func(tx *gorm.DB) (Outcome, []string, error)
	}{
		{"published snapshot", func(tx *gorm.DB) (Outcome, []string, error) {
			return p.applySnapshot(ctx, tx, 3, snapshot("A1", 3, domain.StatusPublished, "Third"), stale, true)
		}},
		{"unpublish", func(tx *gorm.DB) (Outcome, []string, error) {
			return p.applySnapshot(ctx, tx, 3, snapshot("A1", 3, domain.StatusDraft, "Third"), stale, true)
		}},
		{"delete", func(tx *gorm.DB) (Outcome, []string, error) {
			return p.applyDeleted(ctx, tx, domain.ArticleDeleted{ArticleID: "A1", Version: 3}, stale, true)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var outcome Outcome
			require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
				var err error
				outcome, _, err = tt.apply(tx)
				return err
			}))
			assert.Equal(t, OutcomeDiscarded, outcome)

			row, ok := loadRow(t, db, "A1")
			require.True(t, ok)
			assert.Equal(t, int64(4), row.AppliedVersion)
			assert.Equal(t, "Fourth", row.Title)
			assert.Equal(t, string(domain.StatusPublished), row.Status)
			assert.False(t, row.DeletedAt.Valid)
		})
	}

	assert.Equal(t, []int64{2, 4}, regen.regenerations("A1"))
	assert.Empty(t, regen.withdrawn["A1"])
}

func TestUnknownStatusIsPoison(t *testing.T) {
	db := newTestDB(t)
	p := NewProjector(db, nil)

	err := p.Apply(context.Background(), saved("A1", 1, domain.Status("archived"), "Title"))
	assert.ErrorIs(t, err, domain.ErrPoisonMessage)
}

func TestOrderingAcrossArticlesIsIrrelevant(t *testing.T) {
	ctx := context.Background()
	a := []domain.Event{published("A", 1, "Alpha"), saved("A", 2, domain.StatusPublished, "Alpha two"), saved("A", 3, domain.StatusDraft, "Alpha two")}
	b := []domain.Event{saved("B", 1, domain.StatusDraft, "Beta"), published("B", 2, "Beta"), deleted("B", 3)}

	interleavings := [][]domain.Event{
		{a[0], a[1], a[2], b[0], b[1], b[2]},
		{b[0], b[1], b[2], a[0], a[1], a[2]},
		{a[0], b[0], a[1], b[1], a[2], b[2]},
		{b[0], a[0], b[1], b[2], a[1], a[2]},
	}

	var reference map[string]models.PublishedArticle
	for i, order := range interleavings {
		db := newTestDB(t, fmt.Sprint(i))
		p := NewProjector(db, nil)
		for _, e := range order {
			require.NoError(t, p.Apply(ctx, e))
		}

		state := map[string]models.PublishedArticle{}
		for _, id := range []string{"A", "B"} {
			row, ok := loadRow(t, db, id)
			require.True(t, ok)
			row.ProjectedAt = time.Time{}
			row.DeletedAt = gorm.DeletedAt{Valid: row.DeletedAt.Valid}
			state[id] = row
		}
		if i == 0 {
			reference = state
			continue
		}
		assert.Equal(t, reference, state, "interleaving %d", i)
	}
}
