package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/blog/internal/domain"
	"example.com/backstage/services/blog/internal/metrics"
)

// MockCommandStore is a testify mock of store.CommandStore
type MockCommandStore struct {
	mock.Mock
}

func (m *MockCommandStore) Create(ctx context.Context, article domain.Article, sections []domain.Section) (domain.Article, error) {
	args := m.Called(ctx, article, sections)
	return args.Get(0).(domain.Article), args.Error(1)
}

func (m *MockCommandStore) Save(ctx context.Context, article domain.Article, sections []domain.Section, expectedVersion int64) (domain.Article, error) {
	args := m.Called(ctx, article, sections, expectedVersion)
	return args.Get(0).(domain.Article), args.Error(1)
}

func (m *MockCommandStore) Publish(ctx context.Context, id string, expectedVersion int64) (domain.Article, error) {
	args := m.Called(ctx, id, expectedVersion)
	return args.Get(0).(domain.Article), args.Error(1)
}

func (m *MockCommandStore) SetStatus(ctx context.Context, id string, status domain.Status, expectedVersion int64) (domain.Article, error) {
	args := m.Called(ctx, id, status, expectedVersion)
	return args.Get(0).(domain.Article), args.Error(1)
}

func (m *MockCommandStore) Delete(ctx context.Context, id string, expectedVersion int64) (int64, error) {
	args := m.Called(ctx, id, expectedVersion)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCommandStore) Get(ctx context.Context, id string) (domain.Article, []domain.Section, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Article), args.Get(1).([]domain.Section), args.Error(2)
}

func (m *MockCommandStore) List(ctx context.Context, filter *domain.Status, page, pageSize int) (domain.Listing[domain.Article], error) {
	args := m.Called(ctx, filter, page, pageSize)
	return args.Get(0).(domain.Listing[domain.Article]), args.Error(1)
}

func TestHandleCreateArticle(t *testing.T) {
	mockStore := new(MockCommandStore)
	m := metrics.NewMetrics()
	h := NewArticleHandler(mockStore, m)

	mockStore.On("Create", mock.Anything,
		mock.MatchedBy(func(a domain.Article) bool { return a.Title == "Hello" && a.Author == "jo" }),
		mock.MatchedBy(func(s []domain.Section) bool { return len(s) == 1 && s[0].Kind == domain.SectionCode }),
	).Return(domain.Article{ID: "a1", Version: 1}, nil)

	created, err := h.HandleCreateArticle(context.Background(), CreateArticleCommand{
		Title:       "Hello",
		Description: "summary",
		Author:      "jo",
		Sections:    []SectionInput{{Kind: "code", Content: "x := 1", Language: "go", Position: 0}},
	})

	require.NoError(t, err)
	require.Equal(t, int64(1), created.Version)
	require.Equal(t, int64(1), m.Counter(metrics.CounterCommandsAccepted))
	mockStore.AssertExpectations(t)
}

func TestHandleCreateArticleValidation(t *testing.T) {
	mockStore := new(MockCommandStore)
	h := NewArticleHandler(mockStore, nil)

	cases := []CreateArticleCommand{
		{Description: "d", Author: "a"},
		{Title: "t", Author: "a"},
		{Title: "t", Description: "d"},
		{Title: "t", Description: "d", Author: "a", Slug: "Not A Slug"},
		{Title: "t", Description: "d", Author: "a", Sections: []SectionInput{{Kind: "video", Content: "x"}}},
	}
	for _, cmd := range cases {
		_, err := h.HandleCreateArticle(context.Background(), cmd)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	}
	mockStore.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleUpdateArticleConflictIsCounted(t *testing.T) {
	mockStore := new(MockCommandStore)
	m := metrics.NewMetrics()
	h := NewArticleHandler(mockStore, m)

	mockStore.On("Save", mock.Anything, mock.Anything, mock.Anything, int64(3)).
		Return(domain.Article{}, domain.ErrConflict)

	_, err := h.HandleUpdateArticle(context.Background(), UpdateArticleCommand{
		ArticleID:       "a1",
		ExpectedVersion: 3,
		Title:           "t",
		Description:     "d",
		Author:          "a",
	})

	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, int64(1), m.Counter(metrics.CounterCommandConflicts))
	assert.Zero(t, m.Counter(metrics.CounterCommandsAccepted))
}

func TestHandleChangeStatusRoutesPublish(t *testing.T) {
	mockStore := new(MockCommandStore)
	h := NewArticleHandler(mockStore, nil)

	mockStore.On("Publish", mock.Anything, "a1", int64(2)).
		Return(domain.Article{ID: "a1", Version: 3, Status: domain.StatusPublished}, nil)
	mockStore.On("SetStatus", mock.Anything, "a1", domain.StatusTrash, int64(3)).
		Return(domain.Article{ID: "a1", Version: 4, Status: domain.StatusTrash}, nil)

	published, err := h.HandleChangeStatus(context.Background(), ChangeStatusCommand{ArticleID: "a1", Status: "published", ExpectedVersion: 2})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPublished, published.Status)

	trashed, err := h.HandleChangeStatus(context.Background(), ChangeStatusCommand{ArticleID: "a1", Status: "trash", ExpectedVersion: 3})
	require.NoError(t, err)
	require.Equal(t, domain.StatusTrash, trashed.Status)

	_, err = h.HandleChangeStatus(context.Background(), ChangeStatusCommand{ArticleID: "a1", Status: "archived", ExpectedVersion: 3})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	mockStore.AssertExpectations(t)
}

func TestHandleDeleteArticleRequiresVersion(t *testing.T) {
	mockStore := new(MockCommandStore)
	h := NewArticleHandler(mockStore, nil)

	_, err := h.HandleDeleteArticle(context.Background(), DeleteArticleCommand{ArticleID: "a1"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	mockStore.On("Delete", mock.Anything, "a1", int64(4)).Return(int64(5), nil)
	version, err := h.HandleDeleteArticle(context.Background(), DeleteArticleCommand{ArticleID: "a1", ExpectedVersion: 4})
	require.NoError(t, err)
	require.Equal(t, int64(5), version)
}

func TestListArticlesParsesStatus(t *testing.T) {
	mockStore := new(MockCommandStore)
	h := NewArticleHandler(mockStore, nil)

	mockStore.On("List", mock.Anything, mock.MatchedBy(func(f *domain.Status) bool {
		return f != nil && *f == domain.StatusDraft
	}), 2, 10).Return(domain.Listing[domain.Article]{Total: 11, Pages: 2}, nil)
	mockStore.On("List", mock.Anything, (*domain.Status)(nil), 1, 10).Return(domain.Listing[domain.Article]{}, nil)

	listing, err := h.ListArticles(context.Background(), "draft", 2, 10)
	require.NoError(t, err)
	require.Equal(t, int64(2), listing.Pages)

	_, err = h.ListArticles(context.Background(), "", 1, 10)
	require.NoError(t, err)

	_, err = h.ListArticles(context.Background(), "bogus", 1, 10)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	mockStore.AssertExpectations(t)
}
