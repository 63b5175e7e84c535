package domain

// ResearchPlan is the breadth/depth plan the model proposes for a topic.
type ResearchPlan struct {
	Breadth     int    `json:"breadth"`
	Depth       int    `json:"depth"`
	Explanation string `json:"explanation"`
}

// FollowUpQuestions are the clarifying questions shown to the user
// before the plan is confirmed.
type FollowUpQuestions struct {
	Questions []string `json:"questions" validate:"required"`
}

// Queries is a batch of search queries.
type Queries struct {
	Queries []string `json:"queries" validate:"required"`
}

// SearchResultSummary is what the model extracts from one query's results.
type SearchResultSummary struct {
	Learnings       []string `json:"learnings" validate:"required"`
	FollowUpQueries []string `json:"follow_up_queries" validate:"required"`
}

// SearchResult is a single web search hit.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// FollowUpAnswer pairs a clarifying question with the user's answer.
type FollowUpAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}
