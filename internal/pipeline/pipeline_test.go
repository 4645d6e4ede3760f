package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/memory"
	"github.com/fyrsmithlabs/conductd/internal/role"
)

func testPipelineConfig() config.PipelineConfig {
	return config.NewDefaultConfig().Pipeline
}

func testPipeline(t *testing.T, cfg config.PipelineConfig, mem MemorySource) *Pipeline {
	t.Helper()
	p, err := New(cfg, mem, logging.NewNop(), nil)
	require.NoError(t, err)
	return p
}

// sentenceBlock produces at least minLen bytes of distinct sentences.
func sentenceBlock(minLen int) string {
	var b strings.Builder
	for i := 0; b.Len() < minLen; i++ {
		fmt.Fprintf(&b, "Finding %d: the batch scheduler retries transient delegation failures with exponential backoff until the configured attempt ceiling. ", i)
	}
	return b.String()
}

type fakeMemory struct {
	recent    []memory.Record
	episodes  []memory.Episode
	hits      []memory.Record
	searchErr error
}

func (f *fakeMemory) Recent(int) []memory.Record { return f.recent }

func (f *fakeMemory) EpisodicExamples(context.Context, role.Role, string, int) []memory.Episode {
	return f.episodes
}

func (f *fakeMemory) Search(context.Context, string, int) ([]memory.Record, error) {
	return f.hits, f.searchErr
}

func TestBuildSmallBundleIntact(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, testPipelineConfig(), nil)

	var bundle Bundle
	bundle.Add("design", "The planner layers tasks into dependency batches.", 1.0)
	bundle.Add("notes", "Ties break by priority, then insertion order.", 0.5)

	payload, err := p.Build(context.Background(), Request{Role: role.Coder, Bundle: bundle}, role.Policy{})
	require.NoError(t, err)

	assert.Equal(t, 4000, payload.Budget, "policy without a budget inherits the configured default")
	assert.LessOrEqual(t, payload.Tokens, payload.Budget)

	rendered := payload.Render()
	assert.Contains(t, rendered, "The planner layers tasks into dependency batches.")
	assert.Contains(t, rendered, "Ties break by priority, then insertion order.")
	assert.NotContains(t, rendered, TruncationMarker, "nothing to compress, nothing marked")
	assert.Equal(t, QualityReport{KeywordRetention: 1, Similarity: 1, Composite: 1, Pass: true}, payload.Quality)
}

func TestBuildFiltersByRelevance(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, testPipelineConfig(), nil)

	var bundle Bundle
	bundle.Add("design", "architecture sketch", 1.0)
	bundle.Add("scratch", "internal musings", 1.0)

	pol := role.Policy{Relevance: []string{"design"}}
	payload, err := p.Build(context.Background(), Request{Role: role.Architect, Bundle: bundle}, pol)
	require.NoError(t, err)

	require.Len(t, payload.Sections, 1)
	assert.Equal(t, "design", payload.Sections[0].Name)
	assert.NotContains(t, payload.Render(), "internal musings")
}

func TestBuildRejectsUnknownRole(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, testPipelineConfig(), nil)

	_, err := p.Build(context.Background(), Request{Role: role.Role("pirate")}, role.Policy{})
	require.ErrorIs(t, err, role.ErrUnknownRole)
}

func TestBuildIsolatesPayloads(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, testPipelineConfig(), nil)

	var bundle Bundle
	bundle.Add("design", "original content", 1.0)

	first, err := p.Build(context.Background(), Request{Role: role.Coder, Bundle: bundle}, role.Policy{})
	require.NoError(t, err)
	second, err := p.Build(context.Background(), Request{Role: role.Tester, Bundle: bundle}, role.Policy{})
	require.NoError(t, err)

	// Mutating one delegation's payload never leaks anywhere else.
	first.Sections[0].Text = "mutated by the first delegation"
	assert.Equal(t, "original content", second.Sections[0].Text)

	// Nor does mutating the caller's bundle after the fact.
	bundle.Sections[0].Text = "caller rewrote the bundle"
	assert.Equal(t, "original content", second.Sections[0].Text)
}

func TestBuildBudgetCompliance(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, testPipelineConfig(), nil)

	hugeMulti := Bundle{}
	for i := 0; i < 8; i++ {
		hugeMulti.Add(fmt.Sprintf("doc-%d", i), sentenceBlock(2000), float64(i+1))
	}
	oversized := Bundle{}
	oversized.Add("transcript", sentenceBlock(30000), 1.0)
	small := Bundle{}
	small.Add("note", "one small note", 1.0)

	cases := []struct {
		name   string
		bundle Bundle
	}{
		{"empty", Bundle{}},
		{"small", small},
		{"huge multi-section", hugeMulti},
		{"single oversized section", oversized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			for _, r := range role.All() {
				payload, err := p.Build(context.Background(),
					Request{Role: r, Bundle: tc.bundle.Clone()},
					role.Policy{Budget: 512},
				)
				require.NoError(t, err, "role %s", r)
				assert.LessOrEqual(t, payload.Tokens, 512, "role %s", r)

				// Re-measure the rendered payload: the reported count
				// must hold against the authoritative tokenizer.
				measured, err := p.Counter().Count(payload.Render())
				require.NoError(t, err)
				assert.LessOrEqual(t, measured, 512, "role %s", r)
			}
		})
	}
}

func TestBuildCompressesOversizedSection(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, testPipelineConfig(), nil)

	text := sentenceBlock(50000)
	require.GreaterOrEqual(t, len(text), 50000)

	var bundle Bundle
	bundle.Add("transcript", text, 1.0)

	payload, err := p.Build(context.Background(),
		Request{Role: role.Researcher, Bundle: bundle},
		role.Policy{Budget: 4000},
	)
	require.NoError(t, err)

	assert.LessOrEqual(t, payload.Tokens, 4000)
	assert.Contains(t, payload.Render(), TruncationMarker)
	require.Len(t, payload.Sections, 1)
	assert.True(t, payload.Sections[0].Truncated)

	measured, err := p.Counter().Count(payload.Render())
	require.NoError(t, err)
	assert.LessOrEqual(t, measured, 4000)
}

func TestBuildRecompressionIsStable(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, testPipelineConfig(), nil)

	var bundle Bundle
	bundle.Add("transcript", sentenceBlock(8000), 1.0)

	first, err := p.Build(context.Background(),
		Request{Role: role.Reviewer, Bundle: bundle},
		role.Policy{Budget: 300},
	)
	require.NoError(t, err)
	require.Contains(t, first.Render(), TruncationMarker, "the first build must have compressed")

	// Feeding a compliant payload back through the pipeline must not
	// shrink it further.
	again, err := p.Build(context.Background(),
		Request{Role: role.Reviewer, Bundle: Bundle{Sections: first.Sections}},
		role.Policy{Budget: 300},
	)
	require.NoError(t, err)
	assert.Equal(t, first.Render(), again.Render())
	assert.Equal(t, first.Tokens, again.Tokens)
}

func TestBuildEnrichesFromMemory(t *testing.T) {
	t.Parallel()

	mem := &fakeMemory{
		recent: []memory.Record{
			{Key: "task/t1", Value: "parser finished", OriginRole: role.Coder},
		},
		episodes: []memory.Episode{
			{Role: role.Coder, Summary: "use table-driven tests for codecs", Success: true},
		},
		hits: []memory.Record{
			{Key: "task/t0", Value: "lexer groundwork", OriginRole: role.Coder},
		},
	}
	p := testPipeline(t, testPipelineConfig(), mem)

	var bundle Bundle
	bundle.Add("task", "extend the parser with range syntax", 1.0)

	payload, err := p.Build(context.Background(),
		Request{Role: role.Coder, TaskType: "code", Description: "parser work", Bundle: bundle},
		role.Policy{},
	)
	require.NoError(t, err)

	rendered := payload.Render()
	assert.Contains(t, rendered, SectionEpisodes)
	assert.Contains(t, rendered, "use table-driven tests for codecs")
	assert.Contains(t, rendered, SectionRecent)
	assert.Contains(t, rendered, "task/t1: parser finished")
	assert.Contains(t, rendered, SectionLongTerm)
	assert.Contains(t, rendered, "task/t0: lexer groundwork")

	for _, s := range payload.Sections {
		if strings.HasPrefix(s.Name, "memory.") {
			assert.True(t, s.Memory, "section %s carries the memory flag", s.Name)
		}
	}
}

func TestBuildSkipsSearchWithoutDescription(t *testing.T) {
	t.Parallel()

	mem := &fakeMemory{
		hits: []memory.Record{{Key: "k", Value: "v", OriginRole: role.Coder}},
	}
	p := testPipeline(t, testPipelineConfig(), mem)

	var bundle Bundle
	bundle.Add("task", "work item", 1.0)

	payload, err := p.Build(context.Background(), Request{Role: role.Coder, Bundle: bundle}, role.Policy{})
	require.NoError(t, err)
	assert.NotContains(t, payload.Render(), SectionLongTerm)
}

func TestBuildMemoryGivesWayToTaskSections(t *testing.T) {
	t.Parallel()

	taskText := strings.TrimSpace(sentenceBlock(1200))
	mem := &fakeMemory{
		episodes: []memory.Episode{
			{Role: role.Coder, Summary: sentenceBlock(4000), Success: true},
		},
	}
	p := testPipeline(t, testPipelineConfig(), mem)

	var bundle Bundle
	bundle.Add("task", taskText, 1.0)

	payload, err := p.Build(context.Background(),
		Request{Role: role.Coder, TaskType: "code", Bundle: bundle},
		role.Policy{Budget: 400},
	)
	require.NoError(t, err)
	assert.LessOrEqual(t, payload.Tokens, 400)

	var task *Section
	for i := range payload.Sections {
		if payload.Sections[i].Name == "task" {
			task = &payload.Sections[i]
		} else {
			assert.True(t, payload.Sections[i].Truncated,
				"any surviving memory section must have been trimmed, not the task")
		}
	}
	require.NotNil(t, task, "the task section always survives memory trimming")
	assert.False(t, task.Truncated)
	assert.Equal(t, taskText, task.Text, "task content is untouched while memory gives way")
}

func TestBuildBudgetOverflow(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, testPipelineConfig(), nil)

	var bundle Bundle
	bundle.Add("notes", sentenceBlock(500), 1.0)

	_, err := p.Build(context.Background(),
		Request{Role: role.Coder, Bundle: bundle, Budget: 1},
		role.Policy{},
	)
	require.ErrorIs(t, err, ErrBudgetOverflow)
}

func TestBuildQualityGateReportsLowRetention(t *testing.T) {
	t.Parallel()

	// Hundreds of distinct keywords cannot all survive a tight budget.
	var b strings.Builder
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&b, "keyword%03d ", i)
	}
	var bundle Bundle
	bundle.Add("glossary", b.String(), 1.0)

	p := testPipeline(t, testPipelineConfig(), nil)
	payload, err := p.Build(context.Background(),
		Request{Role: role.Researcher, Bundle: bundle},
		role.Policy{Budget: 64},
	)
	require.NoError(t, err, "a failed quality gate reports, it does not fail the build")

	assert.False(t, payload.Quality.Pass)
	assert.Less(t, payload.Quality.KeywordRetention, 0.6)
	assert.LessOrEqual(t, payload.Tokens, 64)
}

func TestBuildEmptyBundleWithEmptyMemory(t *testing.T) {
	t.Parallel()

	p := testPipeline(t, testPipelineConfig(), &fakeMemory{searchErr: errors.New("index down")})

	payload, err := p.Build(context.Background(),
		Request{Role: role.Tester, Description: "anything", Bundle: Bundle{}},
		role.Policy{},
	)
	require.NoError(t, err)
	assert.Zero(t, payload.Tokens)
	assert.Empty(t, payload.Sections)
	assert.Empty(t, payload.Render())
}
