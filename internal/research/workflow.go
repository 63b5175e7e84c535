package research

import (
	"strings"

	"github.com/ashureev/deep-research/internal/domain"
	"github.com/ashureev/deep-research/internal/graph"
)

type (
	// Workflow is the compiled research graph.
	Workflow = graph.Graph[domain.AgentState, domain.StatePatch]
	// Snapshot is streamed after every node.
	Snapshot = graph.Event[domain.AgentState, domain.StatePatch]
	// Run is a persisted research checkpoint.
	Run = graph.Checkpoint[domain.AgentState]
)

// RouteInitialStep sends confirmed runs straight to query generation.
func RouteInitialStep(s domain.AgentState) string {
	if strings.TrimSpace(s.CombinedQuery) != "" {
		return NodeGenerateInitialQueries
	}
	return NodePlanResearch
}

// ShouldContinueResearch loops execute_search while depth remains and there
// is something left to search.
func ShouldContinueResearch(s domain.AgentState) string {
	if s.ResearchPlan == nil || len(s.QueriesToRun) == 0 {
		return NodeGenerateReport
	}
	if s.CurrentDepth <= s.ResearchPlan.Depth {
		return NodeExecuteSearch
	}
	return NodeGenerateReport
}

// NewWorkflow wires the nodes into the research graph:
//
//	start -> plan_research | generate_initial_queries
//	plan_research -> ask_user -> (suspend)
//	generate_initial_queries -> execute_search -> execute_search | generate_report
//	generate_report -> end
func NewWorkflow(n *Nodes, store graph.Checkpointer[domain.AgentState], opts ...graph.Option) (*Workflow, error) {
	opts = append([]graph.Option{graph.WithSchemaVersion(domain.StateSchemaVersion)}, opts...)
	return graph.NewBuilder(domain.MergePatch).
		AddNode(NodePlanResearch, n.PlanResearch).
		AddNode(NodeAskUser, n.AskUser).
		AddNode(NodeGenerateInitialQueries, n.GenerateInitialQueries).
		AddNode(NodeExecuteSearch, n.ExecuteSearch).
		AddNode(NodeGenerateReport, n.GenerateReport).
		AddConditionalEdges(graph.Start, RouteInitialStep, map[string]string{
			NodePlanResearch:           NodePlanResearch,
			NodeGenerateInitialQueries: NodeGenerateInitialQueries,
		}).
		AddEdge(NodePlanResearch, NodeAskUser).
		AddSuspendEdge(NodeAskUser).
		AddEdge(NodeGenerateInitialQueries, NodeExecuteSearch).
		AddConditionalEdges(NodeExecuteSearch, ShouldContinueResearch, map[string]string{
			NodeExecuteSearch:  NodeExecuteSearch,
			NodeGenerateReport: NodeGenerateReport,
		}).
		AddEdge(NodeGenerateReport, graph.End).
		Compile(store, opts...)
}
