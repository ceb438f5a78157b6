// Package coordinator implements the work-claim coordinator (CRD, spec
// §4.3): the single writer of work_claims and agent_status, enforcing the
// at-most-one-claim invariant and the WorkItem state machine.
package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/coreframe/coord/pkg/coorderrs"
	"github.com/coreframe/coord/pkg/events"
	"github.com/coreframe/coord/pkg/ident"
	"github.com/coreframe/coord/pkg/log"
	"github.com/coreframe/coord/pkg/metrics"
	"github.com/coreframe/coord/pkg/pcs"
	"github.com/coreframe/coord/pkg/types"
)

// DefaultContentionDeadline bounds how long an operation retries through
// PCS lock contention before surfacing Contention to the caller (spec §4.3).
const DefaultContentionDeadline = 5 * time.Second

// ClaimRecord is the WorkItem snapshot returned by a successful claim.
type ClaimRecord = types.WorkItem

// Coordinator is the single writer of work_claims and agent_status. All
// public operations are atomic via pcs.Store.WithTx.
type Coordinator struct {
	store  *pcs.Store
	ids    *ident.Generator
	now    func() time.Time
	broker *events.Broker
}

// New builds a Coordinator backed by store, minting identifiers with ids.
func New(store *pcs.Store, ids *ident.Generator) *Coordinator {
	return &Coordinator{store: store, ids: ids, now: time.Now}
}

// WithBroker attaches an events.Broker that every coordination-log append
// is additionally published to, powering the optional watch/stream surface
// (spec §12). Publishing is best-effort and never blocks a mutation.
func (c *Coordinator) WithBroker(b *events.Broker) *Coordinator {
	c.broker = b
	return c
}

func (c *Coordinator) publish(entry types.CoordinationLogEntry) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{Type: entry.Event, Timestamp: entry.Timestamp, Entry: entry})
}

func (c *Coordinator) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultContentionDeadline)
}

func observe(op string, start time.Time, err error) {
	metrics.CoordinatorOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = string(coorderrs.KindOf(err))
	}
	metrics.CoordinatorOpsTotal.WithLabelValues(op, outcome).Inc()
}

// RegisterAgent inserts a fresh AgentStatus with status=active and
// current_workload=0 (spec §4.3).
func (c *Coordinator) RegisterAgent(ctx context.Context, team, specialization string, capacity int) (string, error) {
	start := time.Now()
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	agentID := c.ids.NewAgentID()
	err := c.store.WithTx(ctx, func(tx *pcs.Tx) error {
		var agents []types.AgentStatus
		if err := tx.ReadJSON(pcs.AgentStatus, &agents); err != nil {
			return err
		}
		agents = append(agents, types.AgentStatus{
			AgentID:         agentID,
			Team:            team,
			Status:          types.AgentActive,
			Capacity:        capacity,
			CurrentWorkload: 0,
			LastHeartbeat:   c.now(),
			Specialization:  specialization,
		})
		return tx.WriteJSON(pcs.AgentStatus, agents)
	})
	observe("register_agent", start, err)
	if err != nil {
		return "", err
	}
	return agentID, nil
}

// Heartbeat updates last_heartbeat and performance_metrics for agentID.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string, perf types.PerformanceMetrics) error {
	start := time.Now()
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	err := c.store.WithTx(ctx, func(tx *pcs.Tx) error {
		var agents []types.AgentStatus
		if err := tx.ReadJSON(pcs.AgentStatus, &agents); err != nil {
			return err
		}
		idx := indexOfAgent(agents, agentID)
		if idx < 0 {
			return coorderrs.New(coorderrs.UnknownAgent, "", "unknown agent %s", agentID)
		}
		agents[idx].LastHeartbeat = c.now()
		if perf != nil {
			agents[idx].PerformanceMetrics = perf
		}
		return tx.WriteJSON(pcs.AgentStatus, agents)
	})
	observe("heartbeat", start, err)
	return err
}

// CreateWork inserts a pending WorkItem with pre-allocated trace metadata.
func (c *Coordinator) CreateWork(ctx context.Context, workType string, priority types.Priority, team, description, estimatedDuration string) (string, error) {
	start := time.Now()
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	workID := c.ids.NewWorkID()
	err := c.store.WithTx(ctx, func(tx *pcs.Tx) error {
		var items []types.WorkItem
		if err := tx.ReadJSON(pcs.WorkClaims, &items); err != nil {
			return err
		}
		items = append(items, types.WorkItem{
			WorkItemID:        workID,
			WorkType:          workType,
			Priority:          priority,
			Team:              team,
			Description:       description,
			Status:            types.WorkStatusPending,
			EstimatedDuration: estimatedDuration,
			Telemetry: types.Telemetry{
				TraceID: ident.NewTraceID(),
				SpanID:  ident.NewSpanID(),
			},
		})
		return tx.WriteJSON(pcs.WorkClaims, items)
	})
	observe("create_work", start, err)
	if err != nil {
		return "", err
	}
	return workID, nil
}

// Claim transitions workItemID from pending to claimed under agentID,
// enforcing I1 (spec §4.3).
func (c *Coordinator) Claim(ctx context.Context, workItemID, agentID string, traceCtx types.TraceContext) (*ClaimRecord, error) {
	start := time.Now()
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	var claimed types.WorkItem
	var logEntry types.CoordinationLogEntry
	err := c.store.WithTx(ctx, func(tx *pcs.Tx) error {
		var items []types.WorkItem
		if err := tx.ReadJSON(pcs.WorkClaims, &items); err != nil {
			return err
		}
		var agents []types.AgentStatus
		if err := tx.ReadJSON(pcs.AgentStatus, &agents); err != nil {
			return err
		}
		if indexOfAgent(agents, agentID) < 0 {
			return coorderrs.New(coorderrs.UnknownAgent, traceCtx.TraceID, "unknown agent %s", agentID)
		}

		idx := indexOfWork(items, workItemID)
		if idx < 0 {
			return coorderrs.New(coorderrs.UnknownWork, traceCtx.TraceID, "unknown work item %s", workItemID)
		}
		if items[idx].Status != types.WorkStatusPending {
			metrics.ClaimConflictsTotal.Inc()
			return coorderrs.New(coorderrs.AlreadyClaimed, traceCtx.TraceID, "work item %s already claimed", workItemID)
		}

		now := c.now()
		items[idx].Status = types.WorkStatusClaimed
		items[idx].AgentID = agentID
		items[idx].ClaimedAt = &now
		items[idx].Progress = 0
		items[idx].Telemetry = types.Telemetry{
			TraceID:   traceCtx.TraceID,
			SpanID:    traceCtx.SpanID,
			Operation: "claim",
			Service:   "coordinator",
		}
		claimed = items[idx]

		if err := tx.WriteJSON(pcs.WorkClaims, items); err != nil {
			return err
		}
		logEntry = types.CoordinationLogEntry{
			Timestamp:  now,
			AgentID:    agentID,
			WorkItemID: workItemID,
			Event:      types.EventClaimed,
			TraceID:    traceCtx.TraceID,
		}
		return tx.AppendLine(pcs.CoordinationLog, logEntry)
	})
	observe("claim", start, err)
	if err != nil {
		return nil, err
	}
	c.publish(logEntry)
	return &claimed, nil
}

// ClaimIntelligent creates a work item and claims it in the same atomic
// mutation, choosing the claimant via the work-type routing policy (spec
// §4.3). Returns the un-claimed work item id with a nil ClaimRecord if no
// candidate agent is available.
func (c *Coordinator) ClaimIntelligent(ctx context.Context, workType string, description string, priority types.Priority, team string, traceCtx types.TraceContext) (string, *ClaimRecord, error) {
	start := time.Now()
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	workID := c.ids.NewWorkID()
	var record *ClaimRecord
	var logEntry *types.CoordinationLogEntry
	err := c.store.WithTx(ctx, func(tx *pcs.Tx) error {
		var items []types.WorkItem
		if err := tx.ReadJSON(pcs.WorkClaims, &items); err != nil {
			return err
		}
		var agents []types.AgentStatus
		if err := tx.ReadJSON(pcs.AgentStatus, &agents); err != nil {
			return err
		}

		now := c.now()
		item := types.WorkItem{
			WorkItemID:  workID,
			WorkType:    workType,
			Priority:    priority,
			Team:        team,
			Description: description,
			Status:      types.WorkStatusPending,
			Telemetry: types.Telemetry{
				TraceID: traceCtx.TraceID,
				SpanID:  traceCtx.SpanID,
			},
		}

		candidate := selectClaimant(agents, routeTeam(team, workType, priority))
		if candidate != "" {
			item.Status = types.WorkStatusClaimed
			item.AgentID = candidate
			item.ClaimedAt = &now
			item.Telemetry = types.Telemetry{
				TraceID:   traceCtx.TraceID,
				SpanID:    traceCtx.SpanID,
				Operation: "claim_intelligent",
				Service:   "coordinator",
			}
		}
		items = append(items, item)
		if err := tx.WriteJSON(pcs.WorkClaims, items); err != nil {
			return err
		}

		if candidate == "" {
			record = nil
			return nil
		}
		record = &item
		entry := types.CoordinationLogEntry{
			Timestamp:  now,
			AgentID:    candidate,
			WorkItemID: workID,
			Event:      types.EventClaimed,
			TraceID:    traceCtx.TraceID,
		}
		logEntry = &entry
		return tx.AppendLine(pcs.CoordinationLog, entry)
	})
	observe("claim_intelligent", start, err)
	if err != nil {
		return "", nil, err
	}
	if logEntry != nil {
		c.publish(*logEntry)
	}
	return workID, record, nil
}

// routeTeam is the deterministic (work_type, priority) -> team function
// referenced by spec §4.3. When the caller already names a team it takes
// precedence; otherwise every work type routes to its own team name,
// falling back to "core" for untagged work at critical priority.
func routeTeam(team, workType string, priority types.Priority) string {
	if team != "" {
		return team
	}
	if workType == "" && priority == types.PriorityCritical {
		return "core"
	}
	return workType
}

// selectClaimant picks the active agent in team with the lowest
// current_workload, tie-broken by oldest last_heartbeat (spec §4.3).
func selectClaimant(agents []types.AgentStatus, team string) string {
	var candidates []types.AgentStatus
	for _, a := range agents {
		if a.Team == team && a.Status == types.AgentActive {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CurrentWorkload != candidates[j].CurrentWorkload {
			return candidates[i].CurrentWorkload < candidates[j].CurrentWorkload
		}
		return candidates[i].LastHeartbeat.Before(candidates[j].LastHeartbeat)
	})
	return candidates[0].AgentID
}

// Progress records a monotonically non-decreasing progress update,
// enforcing I2 and agent ownership.
func (c *Coordinator) Progress(ctx context.Context, workItemID, agentID string, progressPct int) error {
	start := time.Now()
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	var logEntry types.CoordinationLogEntry
	err := c.store.WithTx(ctx, func(tx *pcs.Tx) error {
		var items []types.WorkItem
		if err := tx.ReadJSON(pcs.WorkClaims, &items); err != nil {
			return err
		}
		idx := indexOfWork(items, workItemID)
		if idx < 0 {
			return coorderrs.New(coorderrs.UnknownWork, "", "unknown work item %s", workItemID)
		}
		item := &items[idx]
		if item.Status != types.WorkStatusClaimed && item.Status != types.WorkStatusActive {
			return coorderrs.New(coorderrs.InvariantViolation, "", "work item %s is not claimed", workItemID)
		}
		if item.AgentID != agentID {
			return coorderrs.New(coorderrs.InvariantViolation, "", "agent %s does not own work item %s", agentID, workItemID)
		}
		if progressPct < item.Progress {
			return coorderrs.New(coorderrs.InvariantViolation, "", "progress must be non-decreasing for %s", workItemID)
		}
		item.Progress = progressPct
		if item.Status == types.WorkStatusClaimed && progressPct > 0 {
			item.Status = types.WorkStatusActive
		}
		if err := tx.WriteJSON(pcs.WorkClaims, items); err != nil {
			return err
		}
		logEntry = types.CoordinationLogEntry{
			Timestamp:  c.now(),
			AgentID:    agentID,
			WorkItemID: workItemID,
			Event:      types.EventProgressed,
		}
		return tx.AppendLine(pcs.CoordinationLog, logEntry)
	})
	observe("progress", start, err)
	if err == nil {
		c.publish(logEntry)
	}
	return err
}

// Complete transitions claimed|active -> completed, setting completed_at
// and appending a completed event with velocity_points (spec §4.3, I3).
func (c *Coordinator) Complete(ctx context.Context, workItemID, agentID, result string, velocityPoints *int) error {
	start := time.Now()
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	var logEntry types.CoordinationLogEntry
	err := c.store.WithTx(ctx, func(tx *pcs.Tx) error {
		var items []types.WorkItem
		if err := tx.ReadJSON(pcs.WorkClaims, &items); err != nil {
			return err
		}
		idx := indexOfWork(items, workItemID)
		if idx < 0 {
			return coorderrs.New(coorderrs.UnknownWork, "", "unknown work item %s", workItemID)
		}
		item := &items[idx]
		if item.Status != types.WorkStatusClaimed && item.Status != types.WorkStatusActive {
			return coorderrs.New(coorderrs.InvariantViolation, "", "work item %s is not claimed", workItemID)
		}
		if item.AgentID != agentID {
			return coorderrs.New(coorderrs.InvariantViolation, "", "agent %s does not own work item %s", agentID, workItemID)
		}
		now := c.now()
		item.Status = types.WorkStatusCompleted
		item.CompletedAt = &now
		item.Progress = 100
		item.Result = result

		if err := tx.WriteJSON(pcs.WorkClaims, items); err != nil {
			return err
		}
		logEntry = types.CoordinationLogEntry{
			Timestamp:      now,
			AgentID:        agentID,
			WorkItemID:     workItemID,
			Event:          types.EventCompleted,
			VelocityPoints: velocityPoints,
		}
		return tx.AppendLine(pcs.CoordinationLog, logEntry)
	})
	observe("complete", start, err)
	if err == nil {
		c.publish(logEntry)
	}
	return err
}

// Release transitions a claim back to pending, clearing agent_id and
// appending a released event (spec §4.3).
func (c *Coordinator) Release(ctx context.Context, workItemID, agentID, reason string) error {
	start := time.Now()
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	var logEntry types.CoordinationLogEntry
	err := c.store.WithTx(ctx, func(tx *pcs.Tx) error {
		var items []types.WorkItem
		if err := tx.ReadJSON(pcs.WorkClaims, &items); err != nil {
			return err
		}
		idx := indexOfWork(items, workItemID)
		if idx < 0 {
			return coorderrs.New(coorderrs.UnknownWork, "", "unknown work item %s", workItemID)
		}
		item := &items[idx]
		if item.Status != types.WorkStatusClaimed && item.Status != types.WorkStatusActive {
			return coorderrs.New(coorderrs.InvariantViolation, "", "work item %s is not claimed", workItemID)
		}
		if item.AgentID != agentID {
			return coorderrs.New(coorderrs.InvariantViolation, "", "agent %s does not own work item %s", agentID, workItemID)
		}
		item.Status = types.WorkStatusPending
		item.AgentID = ""
		item.ClaimedAt = nil
		item.Progress = 0

		if err := tx.WriteJSON(pcs.WorkClaims, items); err != nil {
			return err
		}
		logEntry = types.CoordinationLogEntry{
			Timestamp:  c.now(),
			AgentID:    agentID,
			WorkItemID: workItemID,
			Event:      types.EventReleased,
		}
		return tx.AppendLine(pcs.CoordinationLog, logEntry)
	})
	observe("release", start, err)
	if err == nil {
		c.publish(logEntry)
	}
	return err
}

// LogEscalation appends an escalated CoordinationLogEntry without
// transitioning the work item, used by the reactor's handle_error hook
// after it has already released the claim via Release (spec §4.5).
func (c *Coordinator) LogEscalation(ctx context.Context, workItemID, agentID, reason string) error {
	start := time.Now()
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	log.WithComponent("coordinator").Warn().Str("work_item_id", workItemID).Str("reason", reason).Msg("work item escalated")
	logEntry := types.CoordinationLogEntry{
		Timestamp:  c.now(),
		AgentID:    agentID,
		WorkItemID: workItemID,
		Event:      types.EventEscalated,
	}
	err := c.store.AppendLine(ctx, pcs.CoordinationLog, logEntry)
	observe("log_escalation", start, err)
	if err == nil {
		c.publish(logEntry)
	}
	return err
}

// ListAgents returns the current agent_status snapshot.
func (c *Coordinator) ListAgents(ctx context.Context) ([]types.AgentStatus, error) {
	var agents []types.AgentStatus
	if err := c.store.Load(pcs.AgentStatus, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// ListWork returns the current work_claims snapshot.
func (c *Coordinator) ListWork(ctx context.Context) ([]types.WorkItem, error) {
	var items []types.WorkItem
	if err := c.store.Load(pcs.WorkClaims, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SweepExpiredAgents removes agent_status entries whose last_heartbeat is
// older than ttl, invoked from the optimization loop (spec §4.2).
func (c *Coordinator) SweepExpiredAgents(ctx context.Context, ttl time.Duration) (int, error) {
	start := time.Now()
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	removed := 0
	err := c.store.WithTx(ctx, func(tx *pcs.Tx) error {
		var agents []types.AgentStatus
		if err := tx.ReadJSON(pcs.AgentStatus, &agents); err != nil {
			return err
		}
		cutoff := c.now().Add(-ttl)
		kept := agents[:0]
		for _, a := range agents {
			if a.LastHeartbeat.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, a)
		}
		if removed == 0 {
			return nil
		}
		return tx.WriteJSON(pcs.AgentStatus, kept)
	})
	observe("sweep_expired_agents", start, err)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.AgentsSweptTotal.Add(float64(removed))
		log.WithComponent("coordinator").Info().Int("removed", removed).Msg("swept expired agents")
	}
	return removed, nil
}

func indexOfAgent(agents []types.AgentStatus, agentID string) int {
	for i, a := range agents {
		if a.AgentID == agentID {
			return i
		}
	}
	return -1
}

func indexOfWork(items []types.WorkItem, workItemID string) int {
	for i, w := range items {
		if w.WorkItemID == workItemID {
			return i
		}
	}
	return -1
}
