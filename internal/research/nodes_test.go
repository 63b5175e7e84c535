package research

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/deep-research/internal/domain"
	"github.com/ashureev/deep-research/internal/llm"
)

func TestPlanPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  PlanPolicy
		plan    domain.ResearchPlan
		want    domain.ResearchPlan
		wantErr bool
	}{
		{"preserve keeps out of range", PlanPreserve, domain.ResearchPlan{Breadth: 9, Depth: 0}, domain.ResearchPlan{Breadth: 9, Depth: 0}, false},
		{"clamp high", PlanClamp, domain.ResearchPlan{Breadth: 9, Depth: 7}, domain.ResearchPlan{Breadth: 5, Depth: 3}, false},
		{"clamp low", PlanClamp, domain.ResearchPlan{Breadth: 0, Depth: -1}, domain.ResearchPlan{Breadth: 1, Depth: 1}, false},
		{"reject in range", PlanReject, domain.ResearchPlan{Breadth: 2, Depth: 2}, domain.ResearchPlan{Breadth: 2, Depth: 2}, false},
		{"reject out of range", PlanReject, domain.ResearchPlan{Breadth: 6, Depth: 2}, domain.ResearchPlan{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.policy.apply(tt.plan)
			if tt.wantErr {
				var se *llm.StructuredOutputError
				require.ErrorAs(t, err, &se)
				assert.ErrorIs(t, err, ErrPlanOutOfRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanResearchAppliesPolicy(t *testing.T) {
	model := newScriptedModel()
	model.plan = domain.ResearchPlan{Breadth: 12, Depth: 9}
	n, err := NewNodes(Deps{Model: model, Search: &recordingSearch{}}, Options{PlanPolicy: PlanClamp})
	require.NoError(t, err)

	patch, err := n.PlanResearch(context.Background(), domain.AgentState{InitialQuery: "topic"})
	require.NoError(t, err)
	require.NotNil(t, patch.ResearchPlan)
	assert.Equal(t, 5, patch.ResearchPlan.Breadth)
	assert.Equal(t, 3, patch.ResearchPlan.Depth)
	assert.Contains(t, model.lastPrompt("ResearchPlan"), "Query: topic")
}

func TestNewNodesRequiresDeps(t *testing.T) {
	_, err := NewNodes(Deps{Search: &recordingSearch{}}, Options{})
	assert.Error(t, err)
	_, err = NewNodes(Deps{Model: newScriptedModel()}, Options{})
	assert.Error(t, err)
}

func TestGenerateInitialQueriesResetsAccumulators(t *testing.T) {
	model := newScriptedModel()
	n, err := NewNodes(Deps{Model: model, Search: &recordingSearch{}}, DefaultOptions())
	require.NoError(t, err)

	patch, err := n.GenerateInitialQueries(context.Background(), domain.AgentState{
		CombinedQuery:    "topic",
		ResearchPlan:     &domain.ResearchPlan{Breadth: 2, Depth: 1},
		CompletedQueries: []string{"old"},
		AllLearnings:     []string{"stale"},
		CurrentDepth:     4,
	})
	require.NoError(t, err)
	require.NotNil(t, patch.CurrentDepth)
	assert.Equal(t, 1, *patch.CurrentDepth)
	assert.Equal(t, []string{}, *patch.CompletedQueries)
	assert.Equal(t, []string{}, *patch.AllLearnings)
	assert.Equal(t, []string{"q1", "q2", "q3"}, *patch.QueriesToRun)

	prompt := model.lastPrompt("Queries")
	assert.Contains(t, prompt, "Learnings so far:\nNone yet.")
	assert.Contains(t, prompt, "Queries already run (avoid these):\nNone yet.")
}

func TestExecuteSearchEmptyBatch(t *testing.T) {
	search := &recordingSearch{}
	n, err := NewNodes(Deps{Model: newScriptedModel(), Search: search}, DefaultOptions())
	require.NoError(t, err)

	patch, err := n.ExecuteSearch(context.Background(), domain.AgentState{
		ResearchPlan: &domain.ResearchPlan{Breadth: 1, Depth: 1},
		CurrentDepth: 1,
	})
	require.NoError(t, err)
	assert.Empty(t, search.seen())
	assert.Equal(t, 2, *patch.CurrentDepth)
	assert.NotNil(t, *patch.QueriesToRun)
	assert.Empty(t, *patch.QueriesToRun)
	assert.Empty(t, *patch.AllLearnings)
}

func TestExecuteSearchRejectsMalformedSummary(t *testing.T) {
	model := newScriptedModel()
	model.summaries["q"] = domain.SearchResultSummary{Learnings: []string{"x"}}
	n, err := NewNodes(Deps{Model: model, Search: &recordingSearch{}}, DefaultOptions())
	require.NoError(t, err)

	_, err = n.ExecuteSearch(context.Background(), domain.AgentState{
		ResearchPlan: &domain.ResearchPlan{Breadth: 1, Depth: 1},
		QueriesToRun: []string{"q"},
		CurrentDepth: 1,
	})
	var se *llm.StructuredOutputError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "SearchResultSummary", se.Shape)
}

func TestGenerateReportUsesWriter(t *testing.T) {
	model := newScriptedModel()
	writer := newScriptedModel()
	writer.report = "From the writer."
	n, err := NewNodes(Deps{Model: model, Writer: writer, Search: &recordingSearch{}}, DefaultOptions())
	require.NoError(t, err)

	patch, err := n.GenerateReport(context.Background(), domain.AgentState{
		CombinedQuery: "topic",
		AllLearnings:  []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "From the writer.", *patch.FinalReport)
	assert.Equal(t, 0, model.count("report"))
	assert.Contains(t, writer.lastPrompt("report"), "Key findings:\na\n- b")
}

func TestDedupQueries(t *testing.T) {
	got := dedupQueries([]string{"New", " x ", "new", "Y"}, []string{"X"})
	assert.Equal(t, []string{"New", "Y"}, got)
}

func TestLoadPrompts(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty path gives defaults", func(t *testing.T) {
		p, err := LoadPrompts("")
		require.NoError(t, err)
		out, err := p.render(PromptPlan, struct{ Query string }{"x"})
		require.NoError(t, err)
		assert.Contains(t, out, "Query: x")
	})

	t.Run("override one prompt", func(t *testing.T) {
		path := filepath.Join(dir, "prompts.yaml")
		require.NoError(t, os.WriteFile(path, []byte("generate_report: |\n  Write a haiku about {{.Topic}}.\n"), 0o600))
		p, err := LoadPrompts(path)
		require.NoError(t, err)

		out, err := p.render(PromptReport, reportPrompt{Topic: "rain"})
		require.NoError(t, err)
		assert.Equal(t, "Write a haiku about rain.\n", out)

		out, err = p.render(PromptPlan, struct{ Query string }{"x"})
		require.NoError(t, err)
		assert.Contains(t, out, "Query: x")
	})

	t.Run("unknown prompt name", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("summarise: nope\n"), 0o600))
		_, err := LoadPrompts(path)
		assert.ErrorContains(t, err, `unknown prompt "summarise"`)
	})

	t.Run("bad template", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("plan: \"{{.Query\"\n"), 0o600))
		_, err := LoadPrompts(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPrompts(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}
