package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/logging"
)

// qdrantIndex backs the search index with an external Qdrant server over
// gRPC. Upserts are idempotent by record ID, so replaying the memory log
// against an already-populated collection is safe.
type qdrantIndex struct {
	client     *qdrant.Client
	embedder   Embedder
	collection string
	vectorSize uint64
	log        *logging.Logger
}

func newQdrantIndex(cfg config.IndexConfig, embedder Embedder, log *logging.Logger) (*qdrantIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidIndexConfig)
	}
	if err := validateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}
	if cfg.QdrantHost == "" {
		return nil, fmt.Errorf("%w: qdrant host required", ErrInvalidIndexConfig)
	}
	if cfg.QdrantPort <= 0 || cfg.QdrantPort > 65535 {
		return nil, fmt.Errorf("%w: invalid qdrant port %d", ErrInvalidIndexConfig, cfg.QdrantPort)
	}
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("%w: vector size must be positive", ErrInvalidIndexConfig)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.QdrantHost,
		Port:   cfg.QdrantPort,
		APIKey: cfg.QdrantAPIKey.Value(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	idx := &qdrantIndex{
		client:     client,
		embedder:   embedder,
		collection: cfg.Collection,
		vectorSize: uint64(cfg.VectorSize),
		log:        log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := idx.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	log.Info(context.Background(), "qdrant index ready",
		zap.String("host", cfg.QdrantHost),
		zap.Int("port", cfg.QdrantPort),
		zap.String("collection", cfg.Collection),
	)
	return idx, nil
}

func (q *qdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("%w: checking collection: %v", ErrIndexUnavailable, err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", q.collection, err)
	}
	return nil
}

func (q *qdrantIndex) Add(ctx context.Context, rec Record) error {
	ctx, span := indexTracer.Start(ctx, "qdrantIndex.Add")
	defer span.End()
	span.SetAttributes(attribute.String("record.id", rec.ID))

	embedding, err := q.embedder.EmbedQuery(ctx, indexText(rec))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("embedding record %s: %w", rec.ID, err)
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(rec.ID),
		Vectors: qdrant.NewVectors(embedding...),
		Payload: map[string]*qdrant.Value{
			"key":  {Kind: &qdrant.Value_StringValue{StringValue: rec.Key}},
			"role": {Kind: &qdrant.Value_StringValue{StringValue: rec.OriginRole.String()}},
		},
	}
	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting record %s: %w", rec.ID, err)
	}
	return nil
}

func (q *qdrantIndex) Query(ctx context.Context, query string, k int) ([]IndexHit, error) {
	ctx, span := indexTracer.Start(ctx, "qdrantIndex.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	vector, err := q.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", q.collection, err)
	}

	hits := make([]IndexHit, 0, len(results))
	for _, point := range results {
		if id := point.GetId().GetUuid(); id != "" {
			hits = append(hits, IndexHit{ID: id, Score: point.Score})
		}
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

func (q *qdrantIndex) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}
