package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/logging"
)

var indexTracer = otel.Tracer("conductd.memory.index")

// Index errors.
var (
	ErrInvalidIndexConfig = errors.New("invalid index configuration")
	ErrIndexUnavailable   = errors.New("search index unavailable")
)

// collectionNamePattern bounds collection names: lowercase letters,
// digits, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

func validateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidIndexConfig, name)
	}
	return nil
}

// IndexHit is one ranked search result.
type IndexHit struct {
	ID    string
	Score float32
}

// SearchIndex ranks long-term records by similarity to a query. The
// append-only log stays authoritative; the index is derived state and
// is rebuilt from the log when a backend keeps nothing locally.
type SearchIndex interface {
	// Add indexes one record.
	Add(ctx context.Context, rec Record) error

	// Query returns up to k record IDs ranked by similarity, best first.
	Query(ctx context.Context, query string, k int) ([]IndexHit, error)

	// Close releases index resources.
	Close() error
}

// NewSearchIndex builds the configured index provider. The "none"
// provider returns nil, which callers treat as lexical-search-only.
func NewSearchIndex(cfg config.IndexConfig, embedder Embedder, log *logging.Logger) (SearchIndex, error) {
	switch cfg.Provider {
	case "chromem", "":
		return newChromemIndex(cfg, embedder)
	case "qdrant":
		return newQdrantIndex(cfg, embedder, log)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidIndexConfig, cfg.Provider)
	}
}

// chromemIndex is the embedded default: an in-memory chromem-go
// collection rebuilt from the memory log on startup.
type chromemIndex struct {
	collection *chromem.Collection
	embedder   Embedder
}

func newChromemIndex(cfg config.IndexConfig, embedder Embedder) (*chromemIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidIndexConfig)
	}
	if err := validateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}

	db := chromem.NewDB()
	embedFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embedFunc)
	if err != nil {
		return nil, fmt.Errorf("creating chromem collection %s: %w", cfg.Collection, err)
	}

	return &chromemIndex{collection: collection, embedder: embedder}, nil
}

func (c *chromemIndex) Add(ctx context.Context, rec Record) error {
	ctx, span := indexTracer.Start(ctx, "chromemIndex.Add")
	defer span.End()
	span.SetAttributes(attribute.String("record.id", rec.ID))

	embedding, err := c.embedder.EmbedQuery(ctx, indexText(rec))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("embedding record %s: %w", rec.ID, err)
	}

	doc := chromem.Document{
		ID:      rec.ID,
		Content: indexText(rec),
		Metadata: map[string]string{
			"key":  rec.Key,
			"role": rec.OriginRole.String(),
		},
		Embedding: embedding,
	}
	if err := c.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("indexing record %s: %w", rec.ID, err)
	}
	return nil
}

func (c *chromemIndex) Query(ctx context.Context, query string, k int) ([]IndexHit, error) {
	ctx, span := indexTracer.Start(ctx, "chromemIndex.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	// chromem caps nResults at the collection size.
	count := c.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := c.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying index: %w", err)
	}

	hits := make([]IndexHit, len(results))
	for i, r := range results {
		hits[i] = IndexHit{ID: r.ID, Score: r.Similarity}
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

func (c *chromemIndex) Close() error {
	return nil
}

// indexText is the searchable rendering of a record.
func indexText(rec Record) string {
	return rec.Key + " " + rec.Value
}
