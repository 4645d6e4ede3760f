package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/role"
)

// longTermFile is the append-only log name under the memory directory.
const longTermFile = "longterm.jsonl"

// Store composes the three memory tiers behind one write path. Writes
// land durably in LongTerm, echo into the ShortTerm ring, and feed the
// search index; the index is derived state and its failures degrade
// search without ever failing a write.
type Store struct {
	cfg      config.MemoryConfig
	log      *logging.Logger
	metrics  *metrics
	scrubber *Scrubber

	short    *shortTerm
	long     *longTerm
	episodes *episodicStore
	index    SearchIndex
}

// NewStore opens the memory store rooted at cfg.Path, replaying the
// long-term log and rebuilding the search index from it. reg may be nil.
func NewStore(cfg config.MemoryConfig, log *logging.Logger, reg prometheus.Registerer) (*Store, error) {
	if log == nil {
		log = logging.NewNop()
	}

	long, err := openLongTerm(filepath.Join(cfg.Path, longTermFile), log)
	if err != nil {
		return nil, fmt.Errorf("opening long-term memory: %w", err)
	}

	s := &Store{
		cfg:      cfg,
		log:      log,
		metrics:  newMetrics(reg),
		short:    newShortTerm(cfg.ShortTermSize),
		long:     long,
		episodes: newEpisodicStore(cfg.EpisodicPerRole),
	}

	if cfg.Scrub.Enabled {
		scrubber, err := NewScrubber()
		if err != nil {
			_ = long.close()
			return nil, err
		}
		s.scrubber = scrubber
	}

	embedder := NewHashEmbedder(cfg.Index.VectorSize)
	index, err := NewSearchIndex(cfg.Index, embedder, log)
	if err != nil {
		// Search degrades to lexical ranking; writes stay durable either way.
		log.Warn(context.Background(), "search index unavailable, falling back to lexical search",
			zap.String("provider", cfg.Index.Provider),
			zap.Error(err),
		)
	} else if index != nil {
		s.index = index
		s.rebuildIndex()
	}

	s.metrics.records.WithLabelValues("long_term").Set(float64(long.len()))
	log.Info(context.Background(), "memory store opened",
		zap.String("path", cfg.Path),
		zap.Int("long_term_records", long.len()),
		zap.String("index", cfg.Index.Provider),
	)
	return s, nil
}

// rebuildIndex replays the durable log into the index. Index errors are
// logged, not returned: the log remains authoritative.
func (s *Store) rebuildIndex() {
	ctx := context.Background()
	failed := 0
	for _, rec := range s.long.all() {
		if err := s.index.Add(ctx, rec); err != nil {
			failed++
		}
	}
	if failed > 0 {
		s.log.Warn(ctx, "some records failed to index during rebuild",
			zap.Int("failed", failed),
		)
	}
}

// Write scrubs, persists, and indexes one record. The record appends to
// LongTerm durably and to the ShortTerm ring; both tiers see the same
// scrubbed value.
func (s *Store) Write(ctx context.Context, key, value string, origin role.Role) (Record, error) {
	if s.scrubber != nil {
		scrubbed, found := s.scrubber.Scrub(value)
		if found > 0 {
			s.metrics.redactions.Add(float64(found))
			s.log.Warn(ctx, "secrets redacted from memory value",
				zap.String("memory.key", key),
				zap.Int("findings", found),
			)
		}
		value = scrubbed
	}

	rec, err := NewRecord(key, value, origin)
	if err != nil {
		return Record{}, err
	}

	if err := s.long.append(rec); err != nil {
		return Record{}, err
	}
	s.short.append(rec)

	if s.index != nil {
		if err := s.index.Add(ctx, rec); err != nil {
			s.log.Warn(ctx, "record not indexed",
				zap.String("memory.key", key),
				zap.Error(err),
			)
		}
	}

	s.metrics.writes.WithLabelValues("long_term").Inc()
	s.metrics.writes.WithLabelValues("short_term").Inc()
	s.metrics.records.WithLabelValues("long_term").Set(float64(s.long.len()))
	s.metrics.records.WithLabelValues("short_term").Set(float64(s.short.len()))
	return rec, nil
}

// Retrieve returns the newest long-term record under key and durably
// increments its access count.
func (s *Store) Retrieve(ctx context.Context, key string) (Record, error) {
	if key == "" {
		return Record{}, ErrEmptyKey
	}
	rec, ok := s.long.latest(key)
	if !ok {
		return Record{}, fmt.Errorf("%w: key %q", ErrNotFound, key)
	}
	return s.long.touch(rec.ID)
}

// Search ranks long-term records against the query, best first. With an
// index configured, ranking is vector similarity; otherwise, or when the
// index errors, a lexical term-overlap ranking serves as fallback.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Record, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	s.metrics.searches.Inc()

	if s.index != nil {
		hits, err := s.index.Query(ctx, query, limit)
		if err == nil {
			out := make([]Record, 0, len(hits))
			for _, hit := range hits {
				if rec, ok := s.long.get(hit.ID); ok {
					out = append(out, rec)
				}
			}
			return out, nil
		}
		s.log.Warn(ctx, "index query failed, using lexical search",
			zap.Error(err),
		)
	}
	return s.lexicalSearch(query, limit), nil
}

// lexicalSearch ranks records by the number of query terms they contain,
// newest first among ties.
func (s *Store) lexicalSearch(query string, limit int) []Record {
	terms := tokenizeTerms(query)
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		rec   Record
		score int
		order int
	}

	records := s.long.all()
	candidates := make([]scored, 0, len(records))
	for i, rec := range records {
		text := map[string]bool{}
		for _, term := range tokenizeTerms(indexText(rec)) {
			text[term] = true
		}
		score := 0
		for _, term := range terms {
			if text[term] {
				score++
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{rec: rec, score: score, order: i})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].order > candidates[j].order
	})

	if limit < len(candidates) {
		candidates = candidates[:limit]
	}
	out := make([]Record, len(candidates))
	for i, c := range candidates {
		out[i] = c.rec
	}
	return out
}

// Recent returns up to n short-term records, newest first.
func (s *Store) Recent(n int) []Record {
	return s.short.recent(n)
}

// AddEpisode records an execution exemplar for its role. Missing ID and
// timestamp fields are filled in.
func (s *Store) AddEpisode(ctx context.Context, ep Episode) error {
	if !ep.Role.Valid() {
		return fmt.Errorf("%w: %q", role.ErrUnknownRole, ep.Role)
	}
	if ep.Summary == "" {
		return fmt.Errorf("episode summary cannot be empty")
	}
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	if s.scrubber != nil {
		scrubbed, found := s.scrubber.Scrub(ep.Summary)
		if found > 0 {
			s.metrics.redactions.Add(float64(found))
		}
		ep.Summary = scrubbed
	}

	s.episodes.add(ep)
	s.metrics.writes.WithLabelValues("episodic").Inc()
	s.metrics.records.WithLabelValues("episodic").Set(float64(s.episodes.len()))
	return nil
}

// EpisodicExamples returns the highest-quality exemplars for a role,
// optionally narrowed to a task type.
func (s *Store) EpisodicExamples(ctx context.Context, r role.Role, taskType string, limit int) []Episode {
	return s.episodes.examples(r, taskType, limit)
}

// Stats reports record counts per tier.
type Stats struct {
	ShortTerm int `json:"short_term"`
	LongTerm  int `json:"long_term"`
	Episodic  int `json:"episodic"`
}

// Stats returns current per-tier record counts.
func (s *Store) Stats() Stats {
	return Stats{
		ShortTerm: s.short.len(),
		LongTerm:  s.long.len(),
		Episodic:  s.episodes.len(),
	}
}

// Close releases the log file and the search index.
func (s *Store) Close() error {
	var errs []error
	if s.index != nil {
		errs = append(errs, s.index.Close())
	}
	errs = append(errs, s.long.close())
	return errors.Join(errs...)
}
