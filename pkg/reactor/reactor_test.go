package reactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(v any) func(ctx context.Context, args map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) { return v, nil }
}

func TestRunLinearDAG(t *testing.T) {
	dag := &DAG{
		Name: "linear",
		Steps: []*Step{
			{Name: "a", Run: ok("a-out")},
			{Name: "b", Inputs: []string{"a"}, Run: func(ctx context.Context, args map[string]any) (any, error) {
				return args["a"].(string) + "-b", nil
			}},
		},
	}

	e := New(Config{})
	result, err := e.Run(context.Background(), "r1", dag, nil)
	require.NoError(t, err)
	assert.Equal(t, "a-out", result["a"])
	assert.Equal(t, "a-out-b", result["b"])
}

func TestRunDetectsCycle(t *testing.T) {
	dag := &DAG{
		Name: "cyclic",
		Steps: []*Step{
			{Name: "a", Inputs: []string{"b"}, Run: ok(1)},
			{Name: "b", Inputs: []string{"a"}, Run: ok(2)},
		},
	}
	e := New(Config{})
	_, err := e.Run(context.Background(), "r2", dag, nil)
	require.Error(t, err)
}

func TestRunCompensatesOnFailure(t *testing.T) {
	var undone []string
	var mu sync.Mutex

	dag := &DAG{
		Name: "compensating",
		Steps: []*Step{
			{
				Name: "reserve",
				Run:  ok("reserved"),
				Undo: func(ctx context.Context, result any, args map[string]any) error {
					mu.Lock()
					undone = append(undone, "reserve")
					mu.Unlock()
					return nil
				},
			},
			{
				Name:   "charge",
				Inputs: []string{"reserve"},
				Run: func(ctx context.Context, args map[string]any) (any, error) {
					return nil, errors.New("card declined")
				},
			},
		},
	}

	e := New(Config{})
	_, err := e.Run(context.Background(), "r3", dag, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"reserve"}, undone)
}

func TestRunRetriesUpToMaxRetries(t *testing.T) {
	var attempts int
	var mu sync.Mutex

	dag := &DAG{
		Name: "flaky",
		Steps: []*Step{
			{
				Name:       "flaky",
				MaxRetries: 2,
				Run: func(ctx context.Context, args map[string]any) (any, error) {
					mu.Lock()
					attempts++
					n := attempts
					mu.Unlock()
					if n < 3 {
						return nil, errors.New("transient")
					}
					return "done", nil
				},
			},
		},
	}

	e := New(Config{})
	result, err := e.Run(context.Background(), "r4", dag, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", result["flaky"])
	assert.Equal(t, 3, attempts)
}

func TestRunStepTimeout(t *testing.T) {
	dag := &DAG{
		Name: "slow",
		Steps: []*Step{
			{
				Name:    "slow",
				Timeout: 10 * time.Millisecond,
				Run: func(ctx context.Context, args map[string]any) (any, error) {
					select {
					case <-time.After(time.Second):
						return "too slow", nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				},
			},
		},
	}

	e := New(Config{})
	_, err := e.Run(context.Background(), "r5", dag, nil)
	require.Error(t, err)
}

func TestRunConcurrentTierBoundedByParallelism(t *testing.T) {
	var running, maxObserved int32
	var mu sync.Mutex
	observe := func() {
		mu.Lock()
		running++
		if running > int32(maxObserved) {
			maxObserved = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
	}

	dag := &DAG{Name: "fanout"}
	for i := 0; i < 6; i++ {
		dag.Steps = append(dag.Steps, &Step{
			Name: string(rune('a' + i)),
			Run: func(ctx context.Context, args map[string]any) (any, error) {
				observe()
				return nil, nil
			},
		})
	}

	e := New(Config{Parallelism: 2})
	_, err := e.Run(context.Background(), "r6", dag, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, maxObserved, int32(2))
}

type recordingMiddleware struct {
	events []string
	mu     sync.Mutex
}

func (m *recordingMiddleware) record(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, s)
}

func (m *recordingMiddleware) BeforeReactor(ctx context.Context, r *Instance) (context.Context, HookAction) {
	m.record("before_reactor")
	return ctx, Continue
}
func (m *recordingMiddleware) BeforeStep(ctx context.Context, r *Instance, step *Step) (context.Context, HookAction) {
	m.record("before_step:" + step.Name)
	return ctx, Continue
}
func (m *recordingMiddleware) AfterStep(ctx context.Context, r *Instance, step *Step, result any, stepErr error) HookAction {
	m.record("after_step:" + step.Name)
	return Continue
}
func (m *recordingMiddleware) AfterReactor(ctx context.Context, r *Instance, result map[string]any, reactorErr error) HookAction {
	m.record("after_reactor")
	return Continue
}
func (m *recordingMiddleware) HandleError(ctx context.Context, r *Instance, err error) HookAction {
	m.record("handle_error")
	return Continue
}

func TestMiddlewareHooksFireInOrder(t *testing.T) {
	mw := &recordingMiddleware{}
	dag := &DAG{Name: "single", Steps: []*Step{{Name: "only", Run: ok("v")}}}

	e := New(Config{}, mw)
	_, err := e.Run(context.Background(), "r7", dag, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"before_reactor", "before_step:only", "after_step:only", "after_reactor"}, mw.events)
}

func TestMiddlewareHandleErrorFiresOnFailure(t *testing.T) {
	mw := &recordingMiddleware{}
	dag := &DAG{Name: "failing", Steps: []*Step{{Name: "boom", Run: func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("boom")
	}}}}

	e := New(Config{}, mw)
	_, err := e.Run(context.Background(), "r8", dag, nil)
	require.Error(t, err)

	assert.Contains(t, mw.events, "handle_error")
}
