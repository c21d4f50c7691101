package queue

import "time"

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is a point-in-time view of a single worker.
type WorkerHealth struct {
	ID                 string       `json:"id"`
	Status             WorkerStatus `json:"status"`
	CurrentWorkflowID  string       `json:"current_workflow_id,omitempty"`
	WorkflowsProcessed int          `json:"workflows_processed"`
	LastActivity       time.Time    `json:"last_activity"`
}

// PoolHealth is reported by the health endpoint.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan,omitempty"`
	OrphansRecovered int64          `json:"orphans_recovered"`
}
