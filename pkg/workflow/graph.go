// Package workflow is the durable graph engine: a compiled directed graph of
// named nodes whose only side channel is the workflow's event log. Nodes
// record every external effect as an event before anything depends on it, so
// a crash at any point replays to the same state.
package workflow

import (
	"fmt"

	"github.com/codeready-toolchain/maestro/pkg/models"
)

// Canonical node names. END is implicit: a node that appends a terminal
// event returns no next node.
const (
	NodeDelegateTask   = "delegate_task"
	NodeExecuteTask    = "execute_task"
	NodeAnalyzeResults = "analyze_results"
	NodeDecideNext     = "decide_next"
	NodeApprovalGate   = "approval_gate"
	NodeHandleError    = "handle_error"
	NodeFinalize       = "finalize_workflow"
)

// approvalThreshold is the risk level at which the approval gate engages.
const approvalThreshold = models.RiskHigh

// Edge is one outgoing edge: taken when its named predicate holds, or
// unconditionally when Predicate is empty. Edges evaluate in declared order.
type Edge struct {
	To        string
	Predicate string
}

// NodeSpec declares one node's outgoing edges. Routing state the node cannot
// express through predicates goes through NodeResult.Next overrides.
type NodeSpec struct {
	Name  string
	Edges []Edge
}

// Graph is the interpreted topology: data, not closures, so it can be
// validated, printed, and tested without running anything.
type Graph struct {
	Entry string
	Nodes map[string]NodeSpec
}

// Predicate is a pure function over workflow state.
type Predicate func(*models.WorkflowState) bool

// predicates is the named-predicate table edges refer to.
var predicates = map[string]Predicate{
	"approval_required": func(s *models.WorkflowState) bool {
		return s.RiskLevel.AtLeast(approvalThreshold) && !s.Approval.Decided()
	},
	"subtask_failed": func(s *models.WorkflowState) bool {
		return s.FailedSubTask() != nil
	},
	"subtask_ready": func(s *models.WorkflowState) bool {
		return s.NextReadySubTask() != nil
	},
	"subtask_in_flight": func(s *models.WorkflowState) bool {
		for i := range s.SubTasks {
			if s.SubTasks[i].Status == models.SubTaskRunning {
				return true
			}
		}
		return false
	},
}

// BuildGraph compiles the canonical topology.
//
// delegate_task routes through decide_next so a high-risk plan hits the
// approval gate before the first subtask executes. Role executor nodes are
// registered per subtask role; execute_task names its target dynamically.
func BuildGraph() *Graph {
	g := &Graph{
		Entry: NodeDelegateTask,
		Nodes: map[string]NodeSpec{
			NodeDelegateTask: {
				Name:  NodeDelegateTask,
				Edges: []Edge{{To: NodeDecideNext}},
			},
			NodeExecuteTask: {
				Name: NodeExecuteTask,
				// Target executor chosen by the node from the dispatched
				// subtask's role.
			},
			NodeAnalyzeResults: {
				Name:  NodeAnalyzeResults,
				Edges: []Edge{{To: NodeDecideNext}},
			},
			NodeDecideNext: {
				Name: NodeDecideNext,
				Edges: []Edge{
					{To: NodeApprovalGate, Predicate: "approval_required"},
					{To: NodeHandleError, Predicate: "subtask_failed"},
					{To: NodeExecuteTask, Predicate: "subtask_ready"},
					{To: NodeFinalize},
				},
			},
			NodeApprovalGate: {
				Name:  NodeApprovalGate,
				Edges: []Edge{{To: NodeDecideNext}},
			},
			NodeHandleError: {
				Name:  NodeHandleError,
				Edges: []Edge{{To: NodeExecuteTask}},
			},
			NodeFinalize: {
				Name: NodeFinalize,
			},
		},
	}
	for _, role := range models.SubTaskRoles {
		g.Nodes[role] = NodeSpec{
			Name:  role,
			Edges: []Edge{{To: NodeAnalyzeResults}},
		}
	}
	return g
}

// Validate checks the graph: the entry exists, every edge target is a node,
// every predicate is registered, and every node is reachable from the entry.
func (g *Graph) Validate() error {
	if _, ok := g.Nodes[g.Entry]; !ok {
		return fmt.Errorf("graph entry %q is not a node", g.Entry)
	}
	for name, spec := range g.Nodes {
		for _, e := range spec.Edges {
			if _, ok := g.Nodes[e.To]; !ok {
				return fmt.Errorf("node %q has edge to unknown node %q", name, e.To)
			}
			if e.Predicate != "" {
				if _, ok := predicates[e.Predicate]; !ok {
					return fmt.Errorf("node %q edge to %q uses unknown predicate %q", name, e.To, e.Predicate)
				}
			}
		}
	}

	reachable := map[string]bool{}
	var visit func(name string)
	visit = func(name string) {
		if reachable[name] {
			return
		}
		reachable[name] = true
		for _, e := range g.Nodes[name].Edges {
			visit(e.To)
		}
	}
	visit(g.Entry)
	// execute_task targets executors dynamically.
	if reachable[NodeExecuteTask] {
		for _, role := range models.SubTaskRoles {
			visit(role)
		}
	}
	for name := range g.Nodes {
		if !reachable[name] {
			return fmt.Errorf("node %q is unreachable from entry %q", name, g.Entry)
		}
	}
	return nil
}

// Route evaluates a node's edges against the state, in order, and returns
// the first match. An empty return means no edge applies.
func (g *Graph) Route(node string, state *models.WorkflowState) string {
	for _, e := range g.Nodes[node].Edges {
		if e.Predicate == "" || predicates[e.Predicate](state) {
			return e.To
		}
	}
	return ""
}
