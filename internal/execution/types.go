package execution

import (
	"time"

	"github.com/roach88/flowcrm/internal/graph"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Trigger records how an execution was started.
type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerWebhook Trigger = "webhook"
	TriggerBundle  Trigger = "bundle"
)

// Execution is one run of a workflow.
type Execution struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenantId"`
	WorkflowID  string         `json:"workflowId"`
	ParentID    string         `json:"parentId,omitempty"` // set for bundle sub-executions
	Trigger     Trigger        `json:"trigger"`
	Status      Status         `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// NodeStatus is the per-node state published while an execution runs.
type NodeStatus string

const (
	NodeLoading NodeStatus = "loading"
	NodeSuccess NodeStatus = "success"
	NodeError   NodeStatus = "error"
	NodeSkipped NodeStatus = "skipped"
)

// NodeEvent is a status change of a single node within an execution.
// Seq is a per-process logical clock value; events of one execution are
// strictly increasing in Seq.
type NodeEvent struct {
	ExecutionID string         `json:"executionId"`
	NodeID      string         `json:"nodeId"`
	NodeType    graph.NodeType `json:"nodeType"`
	Status      NodeStatus     `json:"status"`
	Seq         int64          `json:"seq"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	At          time.Time      `json:"at"`
}
