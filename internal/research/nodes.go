package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/deep-research/internal/domain"
	"github.com/ashureev/deep-research/internal/llm"
	"github.com/ashureev/deep-research/internal/search"
)

// Node names.
const (
	NodePlanResearch           = "plan_research"
	NodeAskUser                = "ask_user"
	NodeGenerateInitialQueries = "generate_initial_queries"
	NodeExecuteSearch          = "execute_search"
	NodeGenerateReport         = "generate_report"
)

// Placeholder used for learnings and completed queries before the first round.
const noneYet = "None yet."

var (
	// ErrMissingPlan is returned by nodes that need a research plan when none is set.
	ErrMissingPlan = errors.New("research plan is missing")
	// ErrPlanOutOfRange is returned under PlanReject for an out-of-bounds plan.
	ErrPlanOutOfRange = errors.New("research plan out of range")
)

// Plan bounds used by PlanClamp and PlanReject.
const (
	MinBreadth = 1
	MaxBreadth = 5
	MinDepth   = 1
	MaxDepth   = 3
)

// PlanPolicy decides what happens to a model-proposed plan outside the bounds.
type PlanPolicy string

const (
	// PlanPreserve keeps whatever the model returned.
	PlanPreserve PlanPolicy = "preserve"
	// PlanClamp forces breadth and depth into range.
	PlanClamp PlanPolicy = "clamp"
	// PlanReject fails plan_research with a StructuredOutputError.
	PlanReject PlanPolicy = "reject"
)

func (p PlanPolicy) apply(plan domain.ResearchPlan) (domain.ResearchPlan, error) {
	switch p {
	case PlanClamp:
		plan.Breadth = min(max(plan.Breadth, MinBreadth), MaxBreadth)
		plan.Depth = min(max(plan.Depth, MinDepth), MaxDepth)
		return plan, nil
	case PlanReject:
		if plan.Breadth < MinBreadth || plan.Breadth > MaxBreadth || plan.Depth < MinDepth || plan.Depth > MaxDepth {
			return plan, &llm.StructuredOutputError{
				Shape: planShape.Name,
				Err:   fmt.Errorf("%w: breadth=%d depth=%d", ErrPlanOutOfRange, plan.Breadth, plan.Depth),
			}
		}
		return plan, nil
	default:
		return plan, nil
	}
}

// Options tunes node behaviour.
type Options struct {
	// MaxResults is passed to every web search.
	MaxResults int
	// Parallelism bounds concurrent queries inside execute_search. 1 is sequential.
	Parallelism int
	PlanPolicy  PlanPolicy
	// DedupQueries drops follow-up queries that were already run or repeat within a batch.
	DedupQueries bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{MaxResults: 4, Parallelism: 1, PlanPolicy: PlanPreserve}
}

// Deps are the capabilities the nodes call out to.
type Deps struct {
	// Model answers planning, query and summarization prompts.
	Model llm.TextCompletion
	// Writer produces the final report; Model is used when nil.
	Writer  llm.TextCompletion
	Search  search.WebSearch
	Prompts *Prompts
	Logger  *slog.Logger
}

// Nodes implements the five workflow steps.
type Nodes struct {
	model   llm.TextCompletion
	writer  llm.TextCompletion
	search  search.WebSearch
	prompts *Prompts
	opts    Options
	logger  *slog.Logger
}

// NewNodes validates deps and fills in option defaults.
func NewNodes(deps Deps, opts Options) (*Nodes, error) {
	if deps.Model == nil {
		return nil, errors.New("research: text completion is required")
	}
	if deps.Search == nil {
		return nil, errors.New("research: web search is required")
	}
	if deps.Writer == nil {
		deps.Writer = deps.Model
	}
	if deps.Prompts == nil {
		deps.Prompts = DefaultPrompts()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 4
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.PlanPolicy == "" {
		opts.PlanPolicy = PlanPreserve
	}
	return &Nodes{
		model:   deps.Model,
		writer:  deps.Writer,
		search:  deps.Search,
		prompts: deps.Prompts,
		opts:    opts,
		logger:  deps.Logger,
	}, nil
}

// PlanResearch asks the model for a breadth/depth plan.
func (n *Nodes) PlanResearch(ctx context.Context, s domain.AgentState) (domain.StatePatch, error) {
	prompt, err := n.prompts.render(PromptPlan, struct{ Query string }{s.InitialQuery})
	if err != nil {
		return domain.StatePatch{}, err
	}
	plan, err := llm.Structured[domain.ResearchPlan](ctx, n.model, prompt, planShape)
	if err != nil {
		return domain.StatePatch{}, err
	}
	plan, err = n.opts.PlanPolicy.apply(plan)
	if err != nil {
		return domain.StatePatch{}, err
	}
	n.logger.Debug("Research plan ready", "breadth", plan.Breadth, "depth", plan.Depth)
	return domain.StatePatch{ResearchPlan: &plan}, nil
}

// AskUser generates clarifying questions. The run suspends afterwards.
func (n *Nodes) AskUser(ctx context.Context, s domain.AgentState) (domain.StatePatch, error) {
	prompt, err := n.prompts.render(PromptAskUser, struct{ Query string }{s.InitialQuery})
	if err != nil {
		return domain.StatePatch{}, err
	}
	questions, err := llm.Structured[domain.FollowUpQuestions](ctx, n.model, prompt, followUpShape)
	if err != nil {
		return domain.StatePatch{}, err
	}
	return domain.StatePatch{FollowUpForUser: &questions}, nil
}

type queriesPrompt struct {
	NumQueries       int
	Topic            string
	Learnings        string
	CompletedQueries string
}

// GenerateInitialQueries produces the first batch and resets the accumulators.
func (n *Nodes) GenerateInitialQueries(ctx context.Context, s domain.AgentState) (domain.StatePatch, error) {
	if s.ResearchPlan == nil {
		return domain.StatePatch{}, ErrMissingPlan
	}
	prompt, err := n.prompts.render(PromptQueries, queriesPrompt{
		NumQueries:       s.ResearchPlan.Breadth,
		Topic:            s.CombinedQuery,
		Learnings:        noneYet,
		CompletedQueries: noneYet,
	})
	if err != nil {
		return domain.StatePatch{}, err
	}
	queries, err := llm.Structured[domain.Queries](ctx, n.model, prompt, queriesShape)
	if err != nil {
		return domain.StatePatch{}, err
	}

	depth := 1
	return domain.StatePatch{
		QueriesToRun:     &queries.Queries,
		CompletedQueries: &[]string{},
		AllLearnings:     &[]string{},
		CurrentDepth:     &depth,
	}, nil
}

// ExecuteSearch runs one research round over queries_to_run.
func (n *Nodes) ExecuteSearch(ctx context.Context, s domain.AgentState) (domain.StatePatch, error) {
	if s.ResearchPlan == nil {
		return domain.StatePatch{}, ErrMissingPlan
	}
	queries := slices.Clone(s.QueriesToRun)
	n.logger.Info("Executing research round", "depth", s.CurrentDepth, "queries", len(queries))

	summaries := make([]domain.SearchResultSummary, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.opts.Parallelism)
	for i, q := range queries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			summary, err := n.researchQuery(gctx, q)
			if err != nil {
				return fmt.Errorf("query %q: %w", q, err)
			}
			summaries[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.StatePatch{}, err
	}

	learnings := slices.Clone(s.AllLearnings)
	var next []string
	for _, summary := range summaries {
		learnings = append(learnings, summary.Learnings...)
		next = append(next, summary.FollowUpQueries...)
	}
	completed := append(slices.Clone(s.CompletedQueries), queries...)
	if n.opts.DedupQueries {
		next = dedupQueries(next, completed)
	}
	if next == nil {
		next = []string{}
	}
	if learnings == nil {
		learnings = []string{}
	}
	depth := s.CurrentDepth + 1

	return domain.StatePatch{
		AllLearnings:     &learnings,
		CompletedQueries: &completed,
		QueriesToRun:     &next,
		CurrentDepth:     &depth,
	}, nil
}

type summarizePrompt struct {
	Query   string
	Results string
}

func (n *Nodes) researchQuery(ctx context.Context, q string) (domain.SearchResultSummary, error) {
	results, err := n.search.Search(ctx, q, n.opts.MaxResults)
	if err != nil {
		return domain.SearchResultSummary{}, err
	}
	prompt, err := n.prompts.render(PromptSummarize, summarizePrompt{Query: q, Results: search.Format(results)})
	if err != nil {
		return domain.SearchResultSummary{}, err
	}
	return llm.Structured[domain.SearchResultSummary](ctx, n.model, prompt, summaryShape)
}

// dedupQueries drops queries already in done and repeats within the batch.
// Comparison ignores case and surrounding whitespace.
func dedupQueries(queries, done []string) []string {
	seen := make(map[string]struct{}, len(done)+len(queries))
	for _, q := range done {
		seen[queryKey(q)] = struct{}{}
	}
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		k := queryKey(q)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, q)
	}
	return out
}

func queryKey(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

type reportPrompt struct {
	Topic     string
	Learnings string
}

// GenerateReport writes the final narrative from every learning.
func (n *Nodes) GenerateReport(ctx context.Context, s domain.AgentState) (domain.StatePatch, error) {
	prompt, err := n.prompts.render(PromptReport, reportPrompt{
		Topic:     s.CombinedQuery,
		Learnings: strings.Join(s.AllLearnings, "\n- "),
	})
	if err != nil {
		return domain.StatePatch{}, err
	}
	report, err := n.writer.Complete(ctx, llm.Request{Prompt: prompt})
	if err != nil {
		return domain.StatePatch{}, err
	}
	return domain.StatePatch{FinalReport: &report}, nil
}
