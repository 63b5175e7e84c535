package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestApplyReplacesOnlyPresentFields(t *testing.T) {
	s := AgentState{
		InitialQuery:     "quantum computing",
		CompletedQueries: []string{"q1"},
		AllLearnings:     []string{"l1"},
		CurrentDepth:     2,
	}

	out := s.Apply(StatePatch{
		QueriesToRun: ptr([]string{"q2", "q3"}),
		CurrentDepth: ptr(3),
	})

	assert.Equal(t, "quantum computing", out.InitialQuery)
	assert.Equal(t, []string{"q2", "q3"}, out.QueriesToRun)
	assert.Equal(t, []string{"q1"}, out.CompletedQueries)
	assert.Equal(t, 3, out.CurrentDepth)
	assert.Equal(t, 2, s.CurrentDepth, "receiver must not change")
}

func TestApplyReplacesCollectionsWholesale(t *testing.T) {
	s := AgentState{AllLearnings: []string{"a", "b"}}
	out := s.Apply(StatePatch{AllLearnings: ptr([]string{})})
	assert.Empty(t, out.AllLearnings)
	assert.NotNil(t, out.AllLearnings)
}

func TestApplyDoesNotAlias(t *testing.T) {
	learnings := []string{"a"}
	s := AgentState{}.Apply(StatePatch{AllLearnings: &learnings})
	learnings[0] = "mutated"
	assert.Equal(t, "a", s.AllLearnings[0])

	plan := &ResearchPlan{Breadth: 2, Depth: 1}
	s = s.Apply(StatePatch{ResearchPlan: plan})
	plan.Depth = 9
	require.NotNil(t, s.ResearchPlan)
	assert.Equal(t, 1, s.ResearchPlan.Depth)
}

func TestCloneIsDeep(t *testing.T) {
	s := AgentState{
		QueriesToRun:    []string{"x"},
		FollowUpForUser: &FollowUpQuestions{Questions: []string{"why?"}},
	}
	c := s.Clone()
	c.QueriesToRun[0] = "y"
	c.FollowUpForUser.Questions[0] = "how?"
	assert.Equal(t, "x", s.QueriesToRun[0])
	assert.Equal(t, "why?", s.FollowUpForUser.Questions[0])
}

func TestCombineQuerySkipsUnanswered(t *testing.T) {
	got := CombineQuery("quantum computing", []FollowUpAnswer{
		{Question: "Which aspect?", Answer: "error correction"},
		{Question: "Time frame?", Answer: "  "},
		{Question: "Audience?", Answer: "engineers"},
	})
	want := "Initial query: quantum computing\n\nUser clarifications:\n" +
		"Q: Which aspect?\nA: error correction\n" +
		"Q: Audience?\nA: engineers"
	assert.Equal(t, want, got)
}

func TestCombineQueryWithoutAnswersIsStillNonEmpty(t *testing.T) {
	got := CombineQuery("topic", nil)
	assert.Equal(t, "Initial query: topic\n\nUser clarifications:\n", got)
}
