package domain

import "strings"

// CombineQuery folds the user's clarifications into the original topic.
// Unanswered questions are skipped.
func CombineQuery(initial string, answers []FollowUpAnswer) string {
	var b strings.Builder
	b.WriteString("Initial query: ")
	b.WriteString(initial)
	b.WriteString("\n\nUser clarifications:\n")

	var parts []string
	for _, a := range answers {
		answer := strings.TrimSpace(a.Answer)
		if answer == "" {
			continue
		}
		parts = append(parts, "Q: "+a.Question+"\nA: "+answer)
	}
	b.WriteString(strings.Join(parts, "\n"))
	return b.String()
}
