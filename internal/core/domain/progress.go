package domain

import "time"

// RunStatus is the state of a workflow run or node.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// NodeProgress is the tracked state of one workflow node.
type NodeProgress struct {
	NodeID     string         `json:"node_id"`
	NodeType   string         `json:"node_type"`
	Title      string         `json:"title,omitempty"`
	Status     RunStatus      `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// WorkflowProgress is the tracked state of one workflow run.
//
// Progress never decreases while Status is running. TotalNodes is the number of
// distinct nodes observed so far, so Progress is an estimate.
type WorkflowProgress struct {
	WorkflowRunID  string                  `json:"workflow_run_id"`
	Status         RunStatus               `json:"status"`
	Progress       int                     `json:"progress"`
	Stage          string                  `json:"stage"`
	Nodes          map[string]NodeProgress `json:"nodes"`
	TotalNodes     int                     `json:"total_nodes"`
	CompletedNodes int                     `json:"completed_nodes"`
	StartedAt      time.Time               `json:"started_at"`
	FinishedAt     time.Time               `json:"finished_at,omitzero"`
}
