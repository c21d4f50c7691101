// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkflowsStarted counts workflows created through the front door.
	WorkflowsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_workflows_started_total",
		Help: "Workflows created.",
	})

	// WorkflowRuns counts queue worker runs by the status the workflow was
	// left in (terminal, awaiting_approval, or running after interruption).
	WorkflowRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_workflow_runs_total",
		Help: "Workflow runs by resulting status.",
	}, []string{"status"})

	// WorkflowRunDuration observes wall time a worker held a workflow.
	WorkflowRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "maestro_workflow_run_duration_seconds",
		Help:    "Wall time per workflow run.",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
	})

	// NodeExecutions counts node runs by node name and outcome.
	NodeExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_node_executions_total",
		Help: "Graph node executions by node and outcome.",
	}, []string{"node", "outcome"})

	// ToolInvocations counts MCP tool calls by outcome.
	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_tool_invocations_total",
		Help: "MCP tool invocations by tool and outcome.",
	}, []string{"tool", "outcome"})

	// ToolDuration observes MCP tool call latency including retries.
	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maestro_tool_duration_seconds",
		Help:    "MCP tool invocation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	// SSEConnections gauges currently open streaming responses.
	SSEConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maestro_sse_connections",
		Help: "Open SSE connections.",
	})

	// ApprovalDecisions counts recorded approval outcomes.
	ApprovalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_approval_decisions_total",
		Help: "Approval decisions by outcome.",
	}, []string{"decision"})
)

// ObserveWorkflowRun records one queue worker run.
func ObserveWorkflowRun(status string, elapsed time.Duration) {
	WorkflowRuns.WithLabelValues(status).Inc()
	WorkflowRunDuration.Observe(elapsed.Seconds())
}

// ObserveTool records one tool invocation.
func ObserveTool(tool, outcome string, elapsed time.Duration) {
	ToolInvocations.WithLabelValues(tool, outcome).Inc()
	ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}
