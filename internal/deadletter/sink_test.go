package deadletter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/blog/internal/database"
	"example.com/backstage/services/blog/internal/domain"
	"example.com/backstage/services/blog/internal/metrics"
)

type stubApplier struct {
	err     error
	applied []domain.Event
}

func (a *stubApplier) Apply(_ context.Context, e domain.Event) error {
	if a.err != nil {
		return a.err
	}
	a.applied = append(a.applied, e)
	return nil
}

func newTestSink(t *testing.T) (*Sink, *metrics.Metrics) {
	t.Helper()
	db, err := database.OpenMemory(strings.ReplaceAll(t.Name(), "/", "_"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	m := metrics.NewMetrics()
	return NewSink(db, m), m
}

func deletedPayload(t *testing.T, id string, version int64) []byte {
	t.Helper()
	body, err := domain.Encode(domain.ArticleDeleted{ArticleID: id, Version: version}, version, time.Now())
	require.NoError(t, err)
	return body
}

func TestRecordDeduplicatesPendingEntries(t *testing.T) {
	sink, m := newTestSink(t)
	ctx := context.Background()

	failure := Failure{
		ArticleID: "a-1",
		EventType: domain.ArticleDeletedType,
		Version:   4,
		Payload:   deletedPayload(t, "a-1", 4),
		Reason:    "boom",
		Attempts:  3,
	}
	first, err := sink.Record(ctx, failure)
	require.NoError(t, err)

	failure.Reason = "boom again"
	second, err := sink.Record(ctx, failure)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	stored, err := sink.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, stored.AttemptCount)
	assert.Equal(t, "boom again", stored.FailureReason)
	assert.Equal(t, int64(2), m.Counter(metrics.CounterDeadLetters))

	count, err := sink.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRecordKeepsAnonymousFailuresApart(t *testing.T) {
	sink, _ := newTestSink(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := sink.Record(ctx, Failure{Payload: []byte("{not json"), Reason: "undecodable", Attempts: 1})
		require.NoError(t, err)
	}

	entries, err := sink.List(ctx, true, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReinject(t *testing.T) {
	sink, m := newTestSink(t)
	ctx := context.Background()

	entry, err := sink.Record(ctx, Failure{
		ArticleID: "a-2",
		EventType: domain.ArticleDeletedType,
		Version:   2,
		Payload:   deletedPayload(t, "a-2", 2),
		Reason:    "store unavailable",
		Attempts:  5,
	})
	require.NoError(t, err)

	t.Run("failed apply keeps the entry pending", func(t *testing.T) {
		_, err := sink.Reinject(ctx, entry.ID, &stubApplier{err: errors.New("still down")})
		require.Error(t, err)

		count, err := sink.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("successful apply marks the entry", func(t *testing.T) {
		applier := &stubApplier{}
		reinjected, err := sink.Reinject(ctx, entry.ID, applier)
		require.NoError(t, err)
		require.NotNil(t, reinjected.ReinjectedAt)
		require.Len(t, applier.applied, 1)
		assert.Equal(t, domain.ArticleDeleted{ArticleID: "a-2", Version: 2}, applier.applied[0])
		assert.Equal(t, int64(1), m.Counter(metrics.CounterReinjected))

		pending, err := sink.List(ctx, true, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		all, err := sink.List(ctx, false, 10)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("second reinject conflicts", func(t *testing.T) {
		_, err := sink.Reinject(ctx, entry.ID, &stubApplier{})
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("unknown entry", func(t *testing.T) {
		_, err := sink.Reinject(ctx, 9999, &stubApplier{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestReinjectAfterFixSupersedesNewFailure(t *testing.T) {
	sink, _ := newTestSink(t)
	ctx := context.Background()

	failure := Failure{
		ArticleID: "a-3",
		EventType: domain.ArticleDeletedType,
		Version:   1,
		Payload:   deletedPayload(t, "a-3", 1),
		Reason:    "boom",
		Attempts:  1,
	}
	entry, err := sink.Record(ctx, failure)
	require.NoError(t, err)
	_, err = sink.Reinject(ctx, entry.ID, &stubApplier{})
	require.NoError(t, err)

	// A reinjected entry is no longer pending, so a fresh failure opens a new one
	again, err := sink.Record(ctx, failure)
	require.NoError(t, err)
	assert.NotEqual(t, entry.ID, again.ID)
}
