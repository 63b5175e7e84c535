package research

import "github.com/ashureev/deep-research/internal/llm"

var (
	planShape = llm.Shape{
		Name:        "ResearchPlan",
		Description: "breadth is the number of parallel search queries, depth the number of follow-up rounds.",
		Example:     `{"breadth": 3, "depth": 2, "explanation": "why this plan fits the query"}`,
	}
	followUpShape = llm.Shape{
		Name:    "FollowUpQuestions",
		Example: `{"questions": ["first question", "second question", "third question"]}`,
	}
	queriesShape = llm.Shape{
		Name:    "Queries",
		Example: `{"queries": ["search query one", "search query two"]}`,
	}
	summaryShape = llm.Shape{
		Name:    "SearchResultSummary",
		Example: `{"learnings": ["a concise fact"], "follow_up_queries": ["a deeper query"]}`,
	}
)
