package research

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Prompt names accepted in a prompts file.
const (
	PromptPlan      = "plan"
	PromptAskUser   = "ask_user"
	PromptQueries   = "generate_queries"
	PromptSummarize = "summarize_result"
	PromptReport    = "generate_report"
)

var defaultPrompts = map[string]string{
	PromptPlan: `Analyze the user's research query and decide how broad (number of parallel queries) ` +
		`and how deep (number of follow-up rounds) the research should be.
Query: {{.Query}}`,

	PromptAskUser: `Based on the user's research query, write 3 follow-up questions that would make ` +
		`their intent clearer.
Query: {{.Query}}`,

	PromptQueries: `You are a research assistant. Write {{.NumQueries}} search queries to research the topic below.
Topic: {{.Topic}}
Learnings so far:
{{.Learnings}}
Queries already run (avoid these):
{{.CompletedQueries}}`,

	PromptSummarize: `Analyze the search results below. Extract the most important learnings and new ` +
		`search queries that would dig deeper.
Search query: {{.Query}}
Search results:
{{.Results}}`,

	PromptReport: `You are a creative storyteller. Using the research findings below, write an engaging, ` +
		`insightful report.
Research topic: {{.Topic}}
Key findings:
{{.Learnings}}`,
}

// Prompts holds the parsed templates used by the workflow nodes.
type Prompts struct {
	templates map[string]*template.Template
}

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() *Prompts {
	p, err := parsePrompts(nil)
	if err != nil {
		panic(err)
	}
	return p
}

// LoadPrompts reads a YAML mapping of prompt name to template text and layers
// it over the defaults. An empty path returns the defaults.
func LoadPrompts(path string) (*Prompts, error) {
	if path == "" {
		return DefaultPrompts(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse prompts file: %w", err)
	}
	for name := range overrides {
		if _, ok := defaultPrompts[name]; !ok {
			return nil, fmt.Errorf("prompts file: unknown prompt %q", name)
		}
	}
	return parsePrompts(overrides)
}

func parsePrompts(overrides map[string]string) (*Prompts, error) {
	p := &Prompts{templates: make(map[string]*template.Template, len(defaultPrompts))}
	for name, text := range defaultPrompts {
		if o, ok := overrides[name]; ok {
			text = o
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse prompt %s: %w", name, err)
		}
		p.templates[name] = tmpl
	}
	return p, nil
}

func (p *Prompts) render(name string, data any) (string, error) {
	tmpl, ok := p.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}
