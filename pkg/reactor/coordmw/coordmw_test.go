package coordmw

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreframe/coord/pkg/coordinator"
	"github.com/coreframe/coord/pkg/ident"
	"github.com/coreframe/coord/pkg/pcs"
	"github.com/coreframe/coord/pkg/reactor"
	"github.com/coreframe/coord/pkg/telemetry"
	"github.com/coreframe/coord/pkg/types"
)

func newHarness(t *testing.T) (*coordinator.Coordinator, *telemetry.Pipeline) {
	t.Helper()
	store, err := pcs.Open(t.TempDir())
	require.NoError(t, err)
	crd := coordinator.New(store, ident.New())

	tel, err := telemetry.New(context.Background(), store, telemetry.Config{ServiceName: "coordmw-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	return crd, tel
}

func TestMiddlewareCompletesClaimedWorkOnSuccess(t *testing.T) {
	crd, tel := newHarness(t)
	ctx := context.Background()

	agentID, err := crd.RegisterAgent(ctx, "core", "backend", 5)
	require.NoError(t, err)

	mw := New(crd, tel, agentID)
	dag := &reactor.DAG{
		Name: "deploy",
		Steps: []*reactor.Step{
			{Name: "apply", Run: func(ctx context.Context, args map[string]any) (any, error) {
				return "applied", nil
			}},
		},
	}

	e := reactor.New(reactor.Config{}, mw)
	input := map[string]any{"work_type": "perf_opt", "description": "d", "priority": types.PriorityHigh, "team": "core"}
	_, err = e.Run(ctx, "reactor-1", dag, input)
	require.NoError(t, err)

	items, err := crd.ListWork(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.WorkStatusCompleted, items[0].Status)
	assert.Equal(t, 100, items[0].Progress)
}

func TestMiddlewareReleasesOnFailure(t *testing.T) {
	crd, tel := newHarness(t)
	ctx := context.Background()

	agentID, err := crd.RegisterAgent(ctx, "core", "backend", 5)
	require.NoError(t, err)

	mw := New(crd, tel, agentID)
	dag := &reactor.DAG{
		Name: "deploy",
		Steps: []*reactor.Step{
			{Name: "apply", Run: func(ctx context.Context, args map[string]any) (any, error) {
				return nil, assertErr
			}},
		},
	}

	e := reactor.New(reactor.Config{}, mw)
	input := map[string]any{"work_type": "perf_opt", "description": "d", "priority": types.PriorityHigh, "team": "core"}
	_, err = e.Run(ctx, "reactor-2", dag, input)
	require.Error(t, err)

	items, err := crd.ListWork(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.WorkStatusPending, items[0].Status)
	assert.Empty(t, items[0].AgentID)
}

func TestMiddlewareNoCandidateSkipsSettlement(t *testing.T) {
	_, tel := newHarness(t)
	store, err := pcs.Open(t.TempDir())
	require.NoError(t, err)
	crd := coordinator.New(store, ident.New())

	mw := New(crd, tel, "agent_unregistered")
	dag := &reactor.DAG{Name: "noop", Steps: []*reactor.Step{{Name: "s", Run: func(ctx context.Context, args map[string]any) (any, error) {
		return nil, nil
	}}}}

	e := reactor.New(reactor.Config{}, mw)
	input := map[string]any{"work_type": "perf_opt", "description": "d", "priority": types.PriorityHigh, "team": "core"}
	_, err = e.Run(context.Background(), "reactor-3", dag, input)
	require.NoError(t, err)

	items, err := crd.ListWork(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.WorkStatusPending, items[0].Status)
}

func TestAfterStepRecordsDegradedSpanAttribute(t *testing.T) {
	store, err := pcs.Open(t.TempDir())
	require.NoError(t, err)
	crd := coordinator.New(store, ident.New())
	tel, err := telemetry.New(context.Background(), store, telemetry.Config{ServiceName: "coordmw-test"})
	require.NoError(t, err)

	agentID, err := crd.RegisterAgent(context.Background(), "core", "backend", 5)
	require.NoError(t, err)

	mw := New(crd, tel, agentID)
	dag := &reactor.DAG{
		Name: "analyze",
		Steps: []*reactor.Step{
			{Name: "analyze", Run: func(ctx context.Context, args map[string]any) (any, error) {
				reactor.MarkDegraded(ctx)
				return nil, nil
			}},
		},
	}

	e := reactor.New(reactor.Config{}, mw)
	input := map[string]any{"work_type": "perf_opt", "description": "d", "priority": types.PriorityHigh, "team": "core"}
	_, err = e.Run(context.Background(), "reactor-degraded", dag, input)
	require.NoError(t, err)

	require.NoError(t, tel.Shutdown(context.Background()))

	lines, err := store.ReadLines(pcs.TelemetrySpans)
	require.NoError(t, err)

	var found bool
	for _, line := range lines {
		var span types.Span
		require.NoError(t, json.Unmarshal(line, &span))
		if span.OperationName != "step:analyze" {
			continue
		}
		degraded, _ := span.Attributes["degraded"].(bool)
		if degraded {
			found = true
		}
	}
	assert.True(t, found, "the degraded step's span must carry a degraded=true attribute")
}

var assertErr = &testError{"step failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
