// Package types holds the domain model shared by the coordinator, reactor,
// telemetry, and optimization loop. Field names and enum values are part of
// the external coordination-directory contract (spec §6) and must not be
// renamed.
package types

import "time"

// Priority is a WorkItem's urgency tag.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// WorkStatus is a WorkItem's lifecycle state (spec §4.3 state machine).
type WorkStatus string

const (
	WorkStatusPending   WorkStatus = "pending"
	WorkStatusClaimed   WorkStatus = "claimed"
	WorkStatusActive    WorkStatus = "active"
	WorkStatusCompleted WorkStatus = "completed"
)

// AgentState is an AgentStatus's lifecycle state.
type AgentState string

const (
	AgentActive   AgentState = "active"
	AgentDraining AgentState = "draining"
	AgentOffline  AgentState = "offline"
)

// LogEvent is the event kind of a CoordinationLogEntry.
type LogEvent string

const (
	EventClaimed    LogEvent = "claimed"
	EventProgressed LogEvent = "progressed"
	EventCompleted  LogEvent = "completed"
	EventReleased   LogEvent = "released"
	EventEscalated  LogEvent = "escalated"
)

// TraceContext propagates a trace/span pair through every synchronous and
// asynchronous call in the core (spec §4.6).
type TraceContext struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// Telemetry is the trace metadata embedded into a WorkItem at claim time.
type Telemetry struct {
	TraceID   string `json:"trace_id"`
	SpanID    string `json:"span_id"`
	Operation string `json:"operation"`
	Service   string `json:"service"`
}

// WorkItem is the scheduling atom of the coordination runtime (spec §3).
type WorkItem struct {
	WorkItemID        string     `json:"work_item_id"`
	WorkType          string     `json:"work_type"`
	Priority          Priority   `json:"priority"`
	Team              string     `json:"team"`
	Description       string     `json:"description"`
	Status            WorkStatus `json:"status"`
	AgentID           string     `json:"agent_id,omitempty"`
	ClaimedAt         *time.Time `json:"claimed_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Progress          int        `json:"progress"`
	EstimatedDuration string     `json:"estimated_duration,omitempty"`
	Result            string     `json:"result,omitempty"`
	CreatedBy         string     `json:"created_by,omitempty"`
	Telemetry         Telemetry  `json:"telemetry"`
}

// PerformanceMetrics is opaque, agent-reported heartbeat metadata.
type PerformanceMetrics map[string]float64

// AgentStatus tracks one registered agent's capacity and health.
type AgentStatus struct {
	AgentID            string             `json:"agent_id"`
	Team               string             `json:"team"`
	Status             AgentState         `json:"status"`
	Capacity           int                `json:"capacity"`
	CurrentWorkload    int                `json:"current_workload"`
	LastHeartbeat      time.Time          `json:"last_heartbeat"`
	Specialization     string             `json:"specialization"`
	PerformanceMetrics PerformanceMetrics `json:"performance_metrics,omitempty"`
}

// CoordinationLogEntry is an append-only record of a work-item lifecycle
// transition. Entries are never mutated or deleted by the core.
type CoordinationLogEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	AgentID        string    `json:"agent_id"`
	WorkItemID     string    `json:"work_item_id"`
	Event          LogEvent  `json:"event"`
	VelocityPoints *int      `json:"velocity_points,omitempty"`
	TraceID        string    `json:"trace_id"`
}

// SpanStatus is a Span's terminal outcome.
type SpanStatus string

const (
	SpanOK    SpanStatus = "ok"
	SpanError SpanStatus = "error"
)

// Resource identifies the service that emitted a Span.
type Resource struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
}

// Span is a timed, attributed unit of execution within a trace (spec §3).
type Span struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	OperationName string        `json:"operation_name"`
	StartNs      int64          `json:"start_ns"`
	EndNs        int64          `json:"end_ns"`
	Status       SpanStatus     `json:"status"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Resource     Resource       `json:"resource"`
}
