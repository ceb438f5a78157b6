package optimizer

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreframe/coord/pkg/coordinator"
	"github.com/coreframe/coord/pkg/ident"
	"github.com/coreframe/coord/pkg/pcs"
	"github.com/coreframe/coord/pkg/types"
)

func newTestLoop(t *testing.T) (*Loop, *coordinator.Coordinator, *pcs.Store) {
	t.Helper()
	store, err := pcs.Open(t.TempDir())
	require.NoError(t, err)
	crd := coordinator.New(store, ident.New())
	return New(crd, store), crd, store
}

func TestRunCycleNoBreachesCreatesNoWork(t *testing.T) {
	loop, crd, store := newTestLoop(t)
	ctx := context.Background()

	agentID, err := crd.RegisterAgent(ctx, "core", "backend", 5)
	require.NoError(t, err)
	_, record, err := crd.ClaimIntelligent(ctx, "deploy", "d", types.PriorityHigh, "core", types.TraceContext{})
	require.NoError(t, err)
	require.NotNil(t, record)
	require.NoError(t, crd.Complete(ctx, record.WorkItemID, agentID, "ok", nil))

	// An idle agent counts as 0% utilized, which breaches the utilization
	// and efficiency thresholds; keep the agent at full workload so every
	// metric is within bounds.
	require.NoError(t, store.WithTx(ctx, func(tx *pcs.Tx) error {
		var agents []types.AgentStatus
		if err := tx.ReadJSON(pcs.AgentStatus, &agents); err != nil {
			return err
		}
		agents[0].CurrentWorkload = agents[0].Capacity
		return tx.WriteJSON(pcs.AgentStatus, agents)
	}))

	require.NoError(t, loop.RunCycle(ctx))

	items, err := crd.ListWork(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1, "no remedial work items should be created when health is nominal")
}

// TestRunCycleEfficiencyBreachCreatesCriticalWork checks that a cycle with
// efficiency below the 70% threshold creates exactly one
// system_efficiency_optimization item at critical priority. Priority is
// determined by which metric breached, not by breach magnitude;
// TestEvaluateMapsEachBreachToExpectedPriority covers a 65% efficiency.
func TestRunCycleEfficiencyBreachCreatesCriticalWork(t *testing.T) {
	loop, crd, _ := newTestLoop(t)
	ctx := context.Background()

	// Depress completion rate and utilization so computed efficiency lands
	// below the 70% default threshold: one idle agent (current workload 0,
	// so utilization 0) and a single uncompleted work item, giving
	// efficiency (0 + 0 + 1) / 3.
	agentID, err := crd.RegisterAgent(ctx, "core", "backend", 2)
	require.NoError(t, err)
	_, record, err := crd.ClaimIntelligent(ctx, "deploy", "d", types.PriorityHigh, "core", types.TraceContext{})
	require.NoError(t, err)
	require.NotNil(t, record)
	require.NoError(t, crd.Progress(ctx, record.WorkItemID, agentID, 10))

	require.NoError(t, loop.RunCycle(ctx))

	items, err := crd.ListWork(ctx)
	require.NoError(t, err)

	var found []types.WorkItem
	for _, w := range items {
		if w.WorkType == WorkTypeEfficiency {
			found = append(found, w)
		}
	}
	require.Len(t, found, 1)
	assert.Equal(t, types.PriorityCritical, found[0].Priority)
	assert.Equal(t, types.WorkStatusPending, found[0].Status)
}

// TestRunCycleDoesNotDuplicatePendingRemediation verifies that a second
// cycle against an unchanged, still-breaching snapshot does not create a
// second item of the same work type while one is already pending.
func TestRunCycleDoesNotDuplicatePendingRemediation(t *testing.T) {
	loop, crd, _ := newTestLoop(t)
	ctx := context.Background()

	_, err := crd.RegisterAgent(ctx, "core", "backend", 2)
	require.NoError(t, err)
	_, record, err := crd.ClaimIntelligent(ctx, "deploy", "d", types.PriorityHigh, "core", types.TraceContext{})
	require.NoError(t, err)
	require.NotNil(t, record)

	require.NoError(t, loop.RunCycle(ctx))
	require.NoError(t, loop.RunCycle(ctx))

	items, err := crd.ListWork(ctx)
	require.NoError(t, err)
	count := 0
	for _, w := range items {
		if w.WorkType == WorkTypeEfficiency {
			count++
		}
	}
	assert.Equal(t, 1, count, "a second cycle must not duplicate a still-pending remediation item")
}

func TestRunCycleSweepsExpiredAgents(t *testing.T) {
	loop, crd, _ := newTestLoop(t)
	ctx := context.Background()

	_, err := crd.RegisterAgent(ctx, "core", "backend", 5)
	require.NoError(t, err)

	loop.WithAgentTTL(1 * time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, loop.RunCycle(ctx))

	agents, err := crd.ListAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents, "agents past TTL must be swept during a cycle")
}

func TestRunCycleRecordsHistory(t *testing.T) {
	loop, _, store := newTestLoop(t)
	ctx := context.Background()

	require.NoError(t, loop.RunCycle(ctx))

	lines, err := store.ReadLines(pcs.OptimizationHist)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestRunCycleRotatesAgedSpanLog(t *testing.T) {
	loop, _, store := newTestLoop(t)
	ctx := context.Background()

	require.NoError(t, store.AppendLine(ctx, pcs.TelemetrySpans, types.Span{TraceID: "t1"}))

	loop.WithSpanRotation(DefaultSpanRotationSize, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, loop.RunCycle(ctx))

	lines, err := store.ReadLines(pcs.TelemetrySpans)
	require.NoError(t, err)
	assert.Empty(t, lines, "rotation must leave a fresh, empty live span log")

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	var foundRotated bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "telemetry_spans-") {
			foundRotated = true
		}
	}
	assert.True(t, foundRotated, "rotation must produce a timestamped sibling file")

	require.NoError(t, store.AppendLine(ctx, pcs.TelemetrySpans, types.Span{TraceID: "t2"}))
	lines, err = store.ReadLines(pcs.TelemetrySpans)
	require.NoError(t, err)
	assert.Len(t, lines, 1, "appends after rotation must land in a fresh live file")
}

func TestComputeHealthEmptySystemDefaults(t *testing.T) {
	snapshot := computeHealth(nil, nil, nil)
	assert.Equal(t, 1.0, snapshot.CompletionRate)
	assert.Equal(t, 0.0, snapshot.Utilization)
	assert.Equal(t, 0.0, snapshot.SpanErrorRate)
}

func TestEvaluateMapsEachBreachToExpectedPriority(t *testing.T) {
	loop, _, _ := newTestLoop(t)

	breaches := loop.evaluate(HealthSnapshot{
		Efficiency:     0.65,
		CompletionRate: 0.40,
		Utilization:    0.70,
		SpanErrorRate:  0.20,
	})

	byType := map[string]types.Priority{}
	for _, b := range breaches {
		byType[b.workType] = b.priority
	}
	assert.Equal(t, types.PriorityCritical, byType[WorkTypeEfficiency])
	assert.Equal(t, types.PriorityHigh, byType[WorkTypeCompletionRate])
	assert.Equal(t, types.PriorityHigh, byType[WorkTypeErrorReduction])
	assert.Equal(t, types.PriorityMedium, byType[WorkTypeUtilization])
}
