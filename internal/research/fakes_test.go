package research

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/deep-research/internal/domain"
	"github.com/ashureev/deep-research/internal/graph"
	"github.com/ashureev/deep-research/internal/llm"
	"github.com/ashureev/deep-research/internal/search"
)

// scriptedModel answers each prompt kind from canned data.
type scriptedModel struct {
	mu sync.Mutex

	plan           domain.ResearchPlan
	questions      []string
	initialQueries []string
	// summaries maps a search query to its summary. Missing queries get a
	// default summary with one learning and one follow-up.
	summaries map[string]domain.SearchResultSummary
	report    string

	calls   map[string]int
	prompts map[string][]string
	failOn  map[string]error
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{
		plan:           domain.ResearchPlan{Breadth: 3, Depth: 2, Explanation: "broad topic"},
		questions:      []string{"Which aspect?", "What depth?", "Who is the audience?"},
		initialQueries: []string{"q1", "q2", "q3"},
		summaries:      map[string]domain.SearchResultSummary{},
		report:         "Final report.",
		calls:          map[string]int{},
		prompts:        map[string][]string{},
		failOn:         map[string]error{},
	}
}

func (m *scriptedModel) Complete(_ context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := "report"
	if req.Shape != nil {
		kind = req.Shape.Name
	}
	m.calls[kind]++
	m.prompts[kind] = append(m.prompts[kind], req.Prompt)
	if err := m.failOn[kind]; err != nil {
		return "", err
	}

	var v any
	switch kind {
	case "ResearchPlan":
		v = m.plan
	case "FollowUpQuestions":
		v = domain.FollowUpQuestions{Questions: m.questions}
	case "Queries":
		v = domain.Queries{Queries: m.initialQueries}
	case "SearchResultSummary":
		q := queryFromPrompt(req.Prompt)
		s, ok := m.summaries[q]
		if !ok {
			s = domain.SearchResultSummary{Learnings: []string{"L-" + q}, FollowUpQueries: []string{q + "+"}}
		}
		v = s
	default:
		return m.report, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *scriptedModel) count(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[kind]
}

func (m *scriptedModel) lastPrompt(kind string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.prompts[kind]
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

func queryFromPrompt(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if q, ok := strings.CutPrefix(line, "Search query: "); ok {
			return q
		}
	}
	return ""
}

// recordingSearch returns one result per query and records call order.
type recordingSearch struct {
	mu      sync.Mutex
	queries []string
	failOn  map[string]error
	hook    func(query string)
}

func (s *recordingSearch) Search(_ context.Context, query string, maxResults int) ([]domain.SearchResult, error) {
	if s.hook != nil {
		s.hook(query)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	if err := s.failOn[query]; err != nil {
		return nil, err
	}
	return []domain.SearchResult{{
		Title:   "About " + query,
		URL:     "https://example.com/" + query,
		Content: fmt.Sprintf("content for %s (max %d)", query, maxResults),
	}}, nil
}

func (s *recordingSearch) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func searchFailure(query string) error {
	return &search.SearchError{Provider: "test", Query: query, StatusCode: 503, Err: fmt.Errorf("unavailable")}
}

type harness struct {
	model   *scriptedModel
	search  *recordingSearch
	store   *graph.MemoryCheckpointer[domain.AgentState]
	service *Service
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		model:  newScriptedModel(),
		search: &recordingSearch{failOn: map[string]error{}},
		store:  graph.NewMemoryCheckpointer(domain.AgentState.Clone),
	}
	nodes, err := NewNodes(Deps{Model: h.model, Search: h.search}, opts)
	require.NoError(t, err)
	wf, err := NewWorkflow(nodes, h.store)
	require.NoError(t, err)
	h.service = NewService(wf, h.store, nil, nil)
	return h
}

func drain(seq iter.Seq2[Snapshot, error]) ([]Snapshot, error) {
	var out []Snapshot
	for snap, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func nodeNames(snaps []Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.Node
	}
	return out
}
