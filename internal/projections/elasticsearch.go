package projections

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/blog/config"
)

// PagesIndex holds one document per published article
const PagesIndex = "published-pages"

const pagesMapping = `{
  "mappings": {
    "properties": {
      "article_id":   {"type": "keyword"},
      "slug":         {"type": "keyword"},
      "title":        {"type": "text"},
      "description":  {"type": "text"},
      "author":       {"type": "keyword"},
      "content":      {"type": "text"},
      "published_at": {"type": "date"},
      "updated_at":   {"type": "date"},
      "version":      {"type": "long"}
    }
  }
}`

// NewElasticsearchClient creates a new Elasticsearch client and checks the connection
func NewElasticsearchClient(cfg config.ElasticConfig) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error creating Elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("error connecting to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.String())
	}

	log.Info().Msg("Successfully connected to Elasticsearch")
	return client, nil
}

// EnsureIndices creates the pages index when it does not exist
func EnsureIndices(ctx context.Context, client *elasticsearch.Client, cfg config.ElasticConfig) error {
	index := config.FormatIndex(cfg, PagesIndex)

	res, err := client.Indices.Exists([]string{index}, client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error checking if index %s exists: %w", index, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	log.Info().Str("index", index).Msg("Creating index")
	res, err = client.Indices.Create(index,
		client.Indices.Create.WithBody(strings.NewReader(pagesMapping)),
		client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error creating index %s: %w", index, err)
	}
	defer res.Body.Close()

	// Another worker may have won the race
	if res.IsError() && !strings.Contains(res.String(), "resource_already_exists_exception") {
		return fmt.Errorf("error creating index %s: %s", index, res.String())
	}
	return nil
}

// ElasticRegenerator indexes rendered pages with external versioning. The
// article version is the document version, so a replayed or stale write is
// rejected by Elasticsearch with a conflict that counts as success.
type ElasticRegenerator struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticRegenerator creates a regenerator writing to the pages index
func NewElasticRegenerator(client *elasticsearch.Client, cfg config.ElasticConfig) *ElasticRegenerator {
	return &ElasticRegenerator{
		client: client,
		index:  config.FormatIndex(cfg, PagesIndex),
	}
}

// Regenerate indexes the page at its version
func (r *ElasticRegenerator) Regenerate(ctx context.Context, page Page) error {
	doc, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("failed to marshal page: %w", err)
	}

	res, err := r.client.Index(
		r.index,
		bytes.NewReader(doc),
		r.client.Index.WithDocumentID(page.ArticleID),
		r.client.Index.WithVersion(int(page.Version)),
		r.client.Index.WithVersionType("external"),
		r.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to index page in Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		log.Debug().Str("article_id", page.ArticleID).Int64("version", page.Version).Msg("Page already at this version")
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("failed to index page in Elasticsearch: %s", res.String())
	}
	return nil
}

// Withdraw removes the page unless a newer version is indexed
func (r *ElasticRegenerator) Withdraw(ctx context.Context, articleID string, version int64) error {
	res, err := r.client.Delete(
		r.index,
		articleID,
		r.client.Delete.WithVersion(int(version)),
		r.client.Delete.WithVersionType("external"),
		r.client.Delete.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to withdraw page from Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusNotFound, http.StatusConflict:
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("failed to withdraw page from Elasticsearch: %s", res.String())
	}
	return nil
}
