// Package domain defines the research workflow's data model.
package domain

import "slices"

// StateSchemaVersion is stamped on every persisted checkpoint.
const StateSchemaVersion = 1

// AgentState is the record threaded through every workflow node.
type AgentState struct {
	InitialQuery     string             `json:"initial_query"`
	CombinedQuery    string             `json:"combined_query,omitempty"`
	ResearchPlan     *ResearchPlan      `json:"research_plan,omitempty"`
	QueriesToRun     []string           `json:"queries_to_run,omitempty"`
	CompletedQueries []string           `json:"completed_queries,omitempty"`
	AllLearnings     []string           `json:"all_learnings,omitempty"`
	CurrentDepth     int                `json:"current_depth,omitempty"`
	FinalReport      string             `json:"final_report,omitempty"`
	FollowUpForUser  *FollowUpQuestions `json:"follow_up_for_user,omitempty"`
}

// StatePatch is a partial update produced by a node. A nil field is left
// untouched by Apply; a non-nil field replaces the state's value outright.
type StatePatch struct {
	InitialQuery     *string            `json:"initial_query,omitempty"`
	CombinedQuery    *string            `json:"combined_query,omitempty"`
	ResearchPlan     *ResearchPlan      `json:"research_plan,omitempty"`
	QueriesToRun     *[]string          `json:"queries_to_run,omitempty"`
	CompletedQueries *[]string          `json:"completed_queries,omitempty"`
	AllLearnings     *[]string          `json:"all_learnings,omitempty"`
	CurrentDepth     *int               `json:"current_depth,omitempty"`
	FinalReport      *string            `json:"final_report,omitempty"`
	FollowUpForUser  *FollowUpQuestions `json:"follow_up_for_user,omitempty"`
}

// Apply returns a copy of s with every field present in p replaced.
// Collections are replaced, never merged element-wise.
func (s AgentState) Apply(p StatePatch) AgentState {
	out := s.Clone()
	if p.InitialQuery != nil {
		out.InitialQuery = *p.InitialQuery
	}
	if p.CombinedQuery != nil {
		out.CombinedQuery = *p.CombinedQuery
	}
	if p.ResearchPlan != nil {
		plan := *p.ResearchPlan
		out.ResearchPlan = &plan
	}
	if p.QueriesToRun != nil {
		out.QueriesToRun = slices.Clone(*p.QueriesToRun)
	}
	if p.CompletedQueries != nil {
		out.CompletedQueries = slices.Clone(*p.CompletedQueries)
	}
	if p.AllLearnings != nil {
		out.AllLearnings = slices.Clone(*p.AllLearnings)
	}
	if p.CurrentDepth != nil {
		out.CurrentDepth = *p.CurrentDepth
	}
	if p.FinalReport != nil {
		out.FinalReport = *p.FinalReport
	}
	if p.FollowUpForUser != nil {
		out.FollowUpForUser = &FollowUpQuestions{Questions: slices.Clone(p.FollowUpForUser.Questions)}
	}
	return out
}

// Clone returns a deep copy of s.
func (s AgentState) Clone() AgentState {
	out := s
	if s.ResearchPlan != nil {
		plan := *s.ResearchPlan
		out.ResearchPlan = &plan
	}
	if s.FollowUpForUser != nil {
		out.FollowUpForUser = &FollowUpQuestions{Questions: slices.Clone(s.FollowUpForUser.Questions)}
	}
	out.QueriesToRun = slices.Clone(s.QueriesToRun)
	out.CompletedQueries = slices.Clone(s.CompletedQueries)
	out.AllLearnings = slices.Clone(s.AllLearnings)
	return out
}

// MergePatch is Apply in the function shape the graph engine expects.
func MergePatch(s AgentState, p StatePatch) AgentState {
	return s.Apply(p)
}
