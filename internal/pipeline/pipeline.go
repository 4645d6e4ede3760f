// Package pipeline builds the bounded context payload handed to one
// delegation.
//
// A build runs four stages. Select keeps the bundle sections relevant
// to the target role. Isolate deep copies them so concurrent
// delegations never share a mutable context object. Enrich merges
// guidance from memory (recent short-term records, top episodic
// exemplars, and long-term search hits) at lower trim priority than
// task content. A final compression pass then fits the merged payload
// under the role's token budget with deterministic passes of growing
// aggressiveness: whitespace normalization, weight-proportional
// extractive summarization, hard truncation to a floor, and
// whole-section drops.
//
// Budgets are enforced against real tokenizer measurements, never a
// character heuristic. A payload that cannot reach its budget even
// after maximal compression fails the build with ErrBudgetOverflow.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/memory"
	"github.com/fyrsmithlabs/conductd/internal/role"
)

var tracer = otel.Tracer("conductd.pipeline")

// Pipeline errors.
var (
	// ErrBudgetOverflow reports a budget unmet even after maximal
	// compression. The triggering delegation fails without retry.
	ErrBudgetOverflow = errors.New("context budget unmet after maximal compression")

	// ErrInvalidBudget reports a non-positive token budget.
	ErrInvalidBudget = errors.New("token budget must be positive")
)

// Section is one named block of context. Weight orders sections under
// compression pressure: lower-weight sections shrink and drop first.
type Section struct {
	Name   string
	Text   string
	Weight float64

	// Memory marks enrichment sections, which always give way before
	// any task section loses content.
	Memory bool

	// Truncated reports that compression elided content from this
	// section.
	Truncated bool
}

// Bundle is the named document set a delegation starts from.
type Bundle struct {
	Sections []Section
}

// Add appends a section. Weight at or below zero defaults to 1.
func (b *Bundle) Add(name, text string, weight float64) {
	if weight <= 0 {
		weight = 1
	}
	b.Sections = append(b.Sections, Section{Name: name, Text: text, Weight: weight})
}

// Clone returns a deep copy. Section fields are values, so copying the
// slice severs all sharing with the source bundle.
func (b Bundle) Clone() Bundle {
	out := Bundle{Sections: make([]Section, len(b.Sections))}
	copy(out.Sections, b.Sections)
	return out
}

// Payload is the budget-compliant context owned by a single delegation.
// It is built fresh per call and never shared between delegations.
type Payload struct {
	Role     role.Role
	Sections []Section
	Tokens   int
	Budget   int
	Quality  QualityReport
}

// Render flattens the payload into the text handed to the backend.
func (p *Payload) Render() string {
	return renderSections(p.Sections)
}

// Request describes one payload build.
type Request struct {
	// Role receives the payload; its policy decides relevance and
	// budget.
	Role role.Role

	// TaskType narrows episodic enrichment. Empty matches any type.
	TaskType string

	// Description seeds the long-term search during enrichment.
	Description string

	// Bundle is the raw context to transform.
	Bundle Bundle

	// Budget overrides the role's token budget when positive.
	Budget int
}

// MemorySource supplies enrichment content. *memory.Store satisfies it.
type MemorySource interface {
	Recent(n int) []memory.Record
	EpisodicExamples(ctx context.Context, r role.Role, taskType string, limit int) []memory.Episode
	Search(ctx context.Context, query string, limit int) ([]memory.Record, error)
}

// Enrichment section names.
const (
	SectionEpisodes = "memory.episodes"
	SectionRecent   = "memory.recent"
	SectionLongTerm = "memory.longterm"
)

// Pipeline transforms raw context bundles into bounded payloads.
type Pipeline struct {
	cfg          config.PipelineConfig
	log          *logging.Logger
	mem          MemorySource
	counter      TokenCounter
	metrics      *metrics
	markerTokens int
}

// New builds a pipeline. mem may be nil to disable enrichment; reg may
// be nil. Construction fails when the token encoding cannot load:
// every downstream budget guarantee depends on real token measurement,
// so there is no degraded mode.
func New(cfg config.PipelineConfig, mem MemorySource, log *logging.Logger, reg prometheus.Registerer) (*Pipeline, error) {
	if log == nil {
		log = logging.NewNop()
	}
	counter, err := NewTokenCounter(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	marker, err := counter.Count(TruncationMarker)
	if err != nil {
		return nil, fmt.Errorf("measuring truncation marker: %w", err)
	}
	return &Pipeline{
		cfg:          cfg,
		log:          log.Named("pipeline"),
		mem:          mem,
		counter:      counter,
		metrics:      newMetrics(reg),
		markerTokens: marker,
	}, nil
}

// Counter exposes the authoritative token counter, letting callers
// measure backend output with the same encoding that budgeted it.
func (p *Pipeline) Counter() TokenCounter {
	return p.counter
}

// Build runs the four pipeline stages for one delegation and returns a
// private payload measuring at most the role's budget in tokens.
func (p *Pipeline) Build(ctx context.Context, req Request, pol role.Policy) (*Payload, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Build",
		trace.WithAttributes(attribute.String("delegation.role", string(req.Role))),
	)
	defer span.End()

	if !req.Role.Valid() {
		err := fmt.Errorf("%w: %q", role.ErrUnknownRole, req.Role)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	budget := req.Budget
	if budget <= 0 {
		budget = pol.Budget
	}
	if budget <= 0 {
		budget = p.cfg.DefaultBudget
	}
	if budget <= 0 {
		span.RecordError(ErrInvalidBudget)
		span.SetStatus(codes.Error, ErrInvalidBudget.Error())
		return nil, ErrInvalidBudget
	}

	sections := p.selectSections(req.Bundle, pol)
	sections = append(sections, p.enrich(ctx, req)...)

	original := renderSections(sections)
	fitted, tokens, err := p.fit(sections, budget)
	if err != nil {
		if errors.Is(err, ErrBudgetOverflow) {
			p.metrics.overflows.Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	payload := &Payload{
		Role:     req.Role,
		Sections: fitted,
		Tokens:   tokens,
		Budget:   budget,
	}
	payload.Quality = evalQuality(original, payload.Render(), p.cfg.MinKeywordRetention)
	if !payload.Quality.Pass {
		p.log.Warn(ctx, "compressed payload fell below keyword retention threshold",
			zap.String("delegation.role", string(req.Role)),
			zap.Float64("retention", payload.Quality.KeywordRetention),
			zap.Float64("threshold", p.cfg.MinKeywordRetention),
		)
	}

	p.metrics.builds.WithLabelValues(string(req.Role)).Inc()
	p.metrics.payloadTokens.Observe(float64(tokens))
	p.metrics.retention.Observe(payload.Quality.KeywordRetention)
	if tokens > 0 {
		if origTokens, cErr := p.counter.Count(original); cErr == nil && origTokens > 0 {
			p.metrics.compressionRatio.Observe(float64(origTokens) / float64(tokens))
		}
	}

	span.SetAttributes(
		attribute.Int("payload.tokens", tokens),
		attribute.Int("payload.budget", budget),
		attribute.Int("payload.sections", len(fitted)),
		attribute.Bool("payload.quality_pass", payload.Quality.Pass),
	)
	span.SetStatus(codes.Ok, "")
	return payload, nil
}

// selectSections keeps bundle sections relevant to the role and copies
// them. Section fields are values, so the copies share nothing mutable
// with the caller's bundle; this is the isolation guarantee.
func (p *Pipeline) selectSections(b Bundle, pol role.Policy) []Section {
	out := make([]Section, 0, len(b.Sections))
	for _, s := range b.Sections {
		if s.Text == "" || !pol.Relevant(s.Name) {
			continue
		}
		if s.Weight <= 0 {
			s.Weight = 1
		}
		s.Memory = false
		s.Truncated = false
		out = append(out, s)
	}
	return out
}

// enrich fetches memory guidance for the delegation. Memory sections
// carry low weight and the Memory flag, so the budget pass trims them
// away before any task section loses content.
func (p *Pipeline) enrich(ctx context.Context, req Request) []Section {
	if p.mem == nil {
		return nil
	}
	weight := p.cfg.MemoryWeight
	if weight <= 0 {
		weight = 0.3
	}

	var out []Section
	if eps := p.mem.EpisodicExamples(ctx, req.Role, req.TaskType, p.cfg.EpisodicLimit); len(eps) > 0 {
		lines := make([]string, 0, len(eps))
		for _, ep := range eps {
			lines = append(lines, ep.Summary)
		}
		out = append(out, Section{
			Name:   SectionEpisodes,
			Text:   strings.Join(lines, "\n---\n"),
			Weight: weight,
			Memory: true,
		})
	}
	if recent := p.mem.Recent(p.cfg.ShortTermRecent); len(recent) > 0 {
		out = append(out, Section{
			Name:   SectionRecent,
			Text:   recordLines(recent),
			Weight: weight * 0.8,
			Memory: true,
		})
	}
	if req.Description != "" {
		hits, err := p.mem.Search(ctx, req.Description, p.cfg.LongTermLimit)
		if err != nil {
			p.log.Debug(ctx, "long-term enrichment skipped", zap.Error(err))
		} else if len(hits) > 0 {
			out = append(out, Section{
				Name:   SectionLongTerm,
				Text:   recordLines(hits),
				Weight: weight * 0.6,
				Memory: true,
			})
		}
	}
	return out
}

func recordLines(recs []memory.Record) string {
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, r.Key+": "+r.Value)
	}
	return strings.Join(lines, "\n")
}

// renderSections flattens sections into payload text, each under a
// "## name" heading.
func renderSections(sections []Section) string {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## ")
		b.WriteString(s.Name)
		b.WriteString("\n\n")
		b.WriteString(s.Text)
	}
	return b.String()
}
