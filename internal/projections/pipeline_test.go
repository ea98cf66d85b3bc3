package projections

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/blog/config"
	"example.com/backstage/services/blog/internal/deadletter"
	"example.com/backstage/services/blog/internal/domain"
	"example.com/backstage/services/blog/internal/eventlog"
	"example.com/backstage/services/blog/internal/metrics"
	"example.com/backstage/services/blog/internal/outbox"
	"example.com/backstage/services/blog/internal/store"
)

func TestPipelineConverges(t *testing.T) {
	db := newTestDB(t)
	m := metrics.NewMetrics()
	commands := store.NewGormStore(db)
	log := eventlog.NewMemory()
	regen := newRecordingRegenerator()
	projector := NewProjector(db, regen, WithMetrics(m))
	read := NewReadModel(db, nil)

	relay := outbox.NewRelay(commands, log, config.RelayConfig{
		PollInterval:   10 * time.Millisecond,
		BatchSize:      5,
		Concurrency:    2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}, m)
	dispatcher := NewDispatcher(projector, deadletter.NewSink(db, m), dispatcherConfig(), m)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx, log) })

	bg := context.Background()

	// A1: create, update, publish
	a1, err := commands.Create(bg, domain.Article{Title: "Hello", Description: "d", Author: "jo"},
		[]domain.Section{{Kind: domain.SectionText, Content: "first", Position: 1}})
	require.NoError(t, err)
	a1.Slug = ""
	a1.Title = "Hello world"
	a1, err = commands.Save(bg, a1, []domain.Section{{Kind: domain.SectionText, Content: "second", Position: 1}}, 1)
	require.NoError(t, err)
	a1, err = commands.Publish(bg, a1.ID, 2)
	require.NoError(t, err)

	// A2: published then deleted
	a2, err := commands.Create(bg, domain.Article{Title: "Gone", Description: "d", Author: "jo"}, nil)
	require.NoError(t, err)
	a2, err = commands.Publish(bg, a2.ID, a2.Version)
	require.NoError(t, err)
	deletedAt, err := commands.Delete(bg, a2.ID, a2.Version)
	require.NoError(t, err)

	// A3: published then trashed
	a3, err := commands.Create(bg, domain.Article{Title: "Trashed", Description: "d", Author: "jo"}, nil)
	require.NoError(t, err)
	a3, err = commands.Publish(bg, a3.ID, a3.Version)
	require.NoError(t, err)
	a3, err = commands.SetStatus(bg, a3.ID, domain.StatusTrash, a3.Version)
	require.NoError(t, err)

	converged := func(id string, want int64, wantDeleted bool) func() bool {
		return func() bool {
			version, isDeleted, ok, err := read.AppliedVersion(bg, id)
			return err == nil && ok && version == want && isDeleted == wantDeleted
		}
	}
	require.Eventually(t, converged(a1.ID, a1.Version, false), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, converged(a2.ID, deletedAt, true), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, converged(a3.ID, a3.Version, false), 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, g.Wait())

	view, err := read.GetBySlug(bg, "hello-world")
	require.NoError(t, err)
	assert.Equal(t, int64(3), view.AppliedVersion)
	assert.Equal(t, "second", view.Content)
	require.NotNil(t, view.PublishedAt)
	assert.Equal(t, []int64{3}, regen.regenerations(a1.ID))

	_, err = read.GetByID(bg, a2.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = read.GetByID(bg, a3.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	backlog, err := commands.Backlog(bg)
	require.NoError(t, err)
	assert.Zero(t, backlog)
	assert.Zero(t, m.Counter(metrics.CounterDeadLetters))
}

func TestPipelineToleratesRedelivery(t *testing.T) {
	db := newTestDB(t)
	commands := store.NewGormStore(db)
	log := eventlog.NewMemory()
	regen := newRecordingRegenerator()
	projector := NewProjector(db, regen)
	relay := outbox.NewRelay(commands, log, config.RelayConfig{BatchSize: 10, Concurrency: 1}, nil)

	bg := context.Background()
	a, err := commands.Create(bg, domain.Article{Title: "Twice", Description: "d", Author: "jo"}, nil)
	require.NoError(t, err)
	_, err = commands.Publish(bg, a.ID, 1)
	require.NoError(t, err)

	_, err = relay.Drain(bg)
	require.NoError(t, err)

	// Simulate a relay crash between publish and mark: every message is
	// published a second time
	for _, msg := range log.Messages(a.ID) {
		require.NoError(t, log.Publish(bg, msg))
	}
	require.Len(t, log.Messages(a.ID), 4)

	ctx, cancel := context.WithCancel(bg)
	dispatcher := NewDispatcher(projector, deadletter.NewSink(db, nil), dispatcherConfig(), nil)
	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx, log) }()

	require.Eventually(t, func() bool { return log.Pending() == 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	version, _, ok, err := NewReadModel(db, nil).AppliedVersion(bg, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, []int64{2}, regen.regenerations(a.ID))
}

func TestPipelineDeletedIDCannotBeRecreated(t *testing.T) {
	db := newTestDB(t)
	commands := store.NewGormStore(db)
	log := eventlog.NewMemory()
	projector := NewProjector(db, newRecordingRegenerator())
	relay := outbox.NewRelay(commands, log, config.RelayConfig{BatchSize: 10, Concurrency: 1}, nil)
	read := NewReadModel(db, nil)
	bg := context.Background()

	project := func() {
		t.Helper()
		_, err := relay.Drain(bg)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(bg)
		dispatcher := NewDispatcher(projector, deadletter.NewSink(db, nil), dispatcherConfig(), nil)
		done := make(chan error, 1)
		go func() { done <- dispatcher.Run(ctx, log) }()
		require.Eventually(t, func() bool { return log.Pending() == 0 }, 5*time.Second, 10*time.Millisecond)
		cancel()
		require.NoError(t, <-done)
	}

	const id = "5b0c63a4-3d0f-4a53-9d49-0f3c2b1f7a10"
	a, err := commands.Create(bg, domain.Article{ID: id, Title: "Reused", Description: "d", Author: "jo"}, nil)
	require.NoError(t, err)
	a, err = commands.Publish(bg, a.ID, a.Version)
	require.NoError(t, err)
	_, err = commands.Delete(bg, a.ID, a.Version)
	require.NoError(t, err)
	project()

	_, deleted, ok, err := read.AppliedVersion(bg, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, deleted)

	// The tombstone would swallow every event of a second life
	_, err = commands.Create(bg, domain.Article{ID: id, Title: "Reused", Description: "d", Author: "jo"}, nil)
	require.ErrorIs(t, err, domain.ErrConflict)

	b, err := commands.Create(bg, domain.Article{Title: "Reused", Description: "d", Author: "jo"}, nil)
	require.NoError(t, err)
	b, err = commands.Publish(bg, b.ID, b.Version)
	require.NoError(t, err)
	project()

	view, err := read.GetBySlug(bg, "reused")
	require.NoError(t, err)
	assert.Equal(t, b.ID, view.ArticleID)
	assert.Equal(t, b.Version, view.AppliedVersion)
}
