// Package reactor implements the Reactor Engine (RX, spec §4.4): a
// declarative DAG of steps with typed inputs/outputs, dependency-ordered
// scheduling, bounded concurrency, retries, and reverse-order compensation.
package reactor

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/coreframe/coord/pkg/coorderrs"
	"github.com/coreframe/coord/pkg/metrics"
)

// DefaultMaxRetries is a step's default retry budget (spec §4.4).
const DefaultMaxRetries = 0

// Retry backoff parameters for a step's run errors (spec §4.4: base 100ms,
// factor 2, jitter).
const (
	stepRetryBase = 100 * time.Millisecond
	stepRetryCap  = 5 * time.Second
)

// HookAction is the outcome a middleware hook returns to the engine.
type HookAction int

const (
	// Continue proceeds with normal engine flow.
	Continue HookAction = iota
	// Retry, returned from AfterStep for a step whose Run failed, makes the
	// engine run the step again immediately with a fresh MaxRetries budget.
	// The engine treats Retry from any other hook like Continue.
	Retry
	// Abort fails the reactor instance immediately.
	Abort
)

// Step is one node of the DAG.
type Step struct {
	Name string
	// Inputs names the steps (or "input:<name>" pseudo-steps) this step
	// depends on; the engine resolves these into Args before calling Run.
	Inputs []string
	// Run executes the step's business logic.
	Run func(ctx context.Context, args map[string]any) (any, error)
	// Compensate is invoked for a step that itself failed, to let it clean
	// up partial side effects before the error propagates.
	Compensate func(ctx context.Context, reason error, args map[string]any) error
	// Undo reverses a step that returned ok, invoked in reverse completion
	// order when a later step fails (spec §4.4, P6).
	Undo func(ctx context.Context, result any, args map[string]any) error
	// MaxRetries bounds Run retries on error (default 0).
	MaxRetries int
	// Async is carried on the step but the engine does not read it: every
	// step of a dependency tier runs concurrently, and the whole tier is
	// awaited before the next tier starts, whatever this flag says.
	Async bool
	// Timeout bounds a single Run attempt; zero means no per-step timeout.
	Timeout time.Duration
}

// Middleware is the five-hook contract bridging RX to outside concerns
// (principally pkg/reactor/coordmw, spec §4.5).
type Middleware interface {
	BeforeReactor(ctx context.Context, r *Instance) (context.Context, HookAction)
	BeforeStep(ctx context.Context, r *Instance, step *Step) (context.Context, HookAction)
	AfterStep(ctx context.Context, r *Instance, step *Step, result any, stepErr error) HookAction
	AfterReactor(ctx context.Context, r *Instance, result map[string]any, reactorErr error) HookAction
	HandleError(ctx context.Context, r *Instance, err error) HookAction
}

// DAG is a named, ordered collection of steps.
type DAG struct {
	Name  string
	Steps []*Step
}

// Parallelism bounds concurrent step execution; zero means GOMAXPROCS.
type Config struct {
	Parallelism int
}

// Engine runs DAGs through an ordered middleware chain.
type Engine struct {
	cfg        Config
	middleware []Middleware
}

// New builds an Engine with the given middleware chain, outermost first.
func New(cfg Config, middleware ...Middleware) *Engine {
	return &Engine{cfg: cfg, middleware: middleware}
}

// Instance is the transient, in-memory state of one reactor run (spec §3
// ReactorInstance).
type Instance struct {
	ReactorID   string
	DAG         *DAG
	Input       map[string]any
	mu          sync.Mutex
	stepResults map[string]any
	completed   []string // completion order, for reverse-order compensation
	failedStep  string   // name of the step whose Run returned the reactor's error, if any
}

func newInstance(id string, dag *DAG, input map[string]any) *Instance {
	return &Instance{
		ReactorID:   id,
		DAG:         dag,
		Input:       input,
		stepResults: make(map[string]any),
	}
}

func (i *Instance) recordCompletion(name string, result any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stepResults[name] = result
	i.completed = append(i.completed, name)
}

// recordFailure latches the name of the step whose Run returned the
// reactor's error, so compensate can scope Compensate to it alone instead
// of every step that never ran.
func (i *Instance) recordFailure(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.failedStep == "" {
		i.failedStep = name
	}
}

func (i *Instance) failure() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.failedStep
}

func (i *Instance) result(name string) (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.stepResults[name]
	return v, ok
}

func (i *Instance) completionOrder() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.completed))
	copy(out, i.completed)
	return out
}

// Run executes dag against input, running before_reactor/after_reactor
// hooks around a topologically-ordered, bounded-concurrency step schedule.
// On any step failure, every step that returned ok is compensated in
// reverse completion order before the error is returned.
func (e *Engine) Run(ctx context.Context, reactorID string, dag *DAG, input map[string]any) (map[string]any, error) {
	inst := newInstance(reactorID, dag, input)

	for _, mw := range e.middleware {
		var action HookAction
		ctx, action = mw.BeforeReactor(ctx, inst)
		if action == Abort {
			return nil, coorderrs.New(coorderrs.Cancelled, "", "before_reactor aborted reactor %s", reactorID)
		}
	}

	runErr := e.runSteps(ctx, inst, dag)

	if runErr != nil {
		e.compensate(ctx, inst, runErr)
	}

	var result map[string]any
	if runErr == nil {
		result = inst.snapshotResults()
	}

	// after_reactor runs innermost-first (reverse of before_reactor).
	for i := len(e.middleware) - 1; i >= 0; i-- {
		if e.middleware[i].AfterReactor(ctx, inst, result, runErr) == Abort {
			if runErr == nil {
				runErr = coorderrs.New(coorderrs.Cancelled, "", "after_reactor aborted reactor %s", reactorID)
				result = nil
			}
			break
		}
	}

	if runErr != nil {
		for i := len(e.middleware) - 1; i >= 0; i-- {
			if e.middleware[i].HandleError(ctx, inst, runErr) == Abort {
				break
			}
		}
		return nil, runErr
	}
	return result, nil
}

func (i *Instance) snapshotResults() map[string]any {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]any, len(i.stepResults))
	for k, v := range i.stepResults {
		out[k] = v
	}
	return out
}

// runSteps schedules the DAG in topological tiers, running each tier's
// ready steps concurrently up to the configured parallelism bound. The
// engine never holds the PCS lock across a step's Run (spec §5 P5): RX has
// no reference to pkg/pcs at all.
func (e *Engine) runSteps(ctx context.Context, inst *Instance, dag *DAG) error {
	tiers, err := topologicalTiers(dag)
	if err != nil {
		return err
	}

	limit := e.cfg.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	for _, tier := range tiers {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for _, step := range tier {
			step := step
			g.Go(func() error {
				return e.runStep(gctx, inst, step)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

type degradedKey struct{}

// MarkDegraded flags the step currently executing under ctx as degraded: it
// completed without error but its expected result is unavailable (e.g. an
// external dependency a Run calls is down). A Middleware's AfterStep hook
// can check IsDegraded to record this on the step's span without the
// engine needing to know what "degraded" means to any particular step
// (spec §4.8: "marks itself ok with result = null and records a degraded
// attribute on its span").
func MarkDegraded(ctx context.Context) {
	if flag, ok := ctx.Value(degradedKey{}).(*atomic.Bool); ok {
		flag.Store(true)
	}
}

// IsDegraded reports whether MarkDegraded was called against ctx (or a
// context derived from it) during the step execution ctx belongs to.
func IsDegraded(ctx context.Context) bool {
	flag, ok := ctx.Value(degradedKey{}).(*atomic.Bool)
	return ok && flag.Load()
}

// WithDegradedTracking installs the bookkeeping MarkDegraded/IsDegraded
// need, for callers invoking a Step's Run function directly rather than
// through Engine.Run (e.g. a step's own unit tests).
func WithDegradedTracking(ctx context.Context) context.Context {
	return context.WithValue(ctx, degradedKey{}, &atomic.Bool{})
}

func (e *Engine) runStep(ctx context.Context, inst *Instance, step *Step) error {
	ctx = context.WithValue(ctx, degradedKey{}, &atomic.Bool{})
	for _, mw := range e.middleware {
		var action HookAction
		ctx, action = mw.BeforeStep(ctx, inst, step)
		if action == Abort {
			return coorderrs.New(coorderrs.Cancelled, "", "before_step aborted step %s", step.Name)
		}
	}

	args := resolveArgs(inst, step)
	result, err := e.runWithRetry(ctx, step, args)

	for i := len(e.middleware) - 1; i >= 0; i-- {
		action := e.middleware[i].AfterStep(ctx, inst, step, result, err)
		if action == Retry && err != nil {
			result, err = e.runWithRetry(ctx, step, args)
			continue
		}
		if action == Abort {
			if err == nil {
				err = coorderrs.New(coorderrs.Cancelled, "", "after_step aborted step %s", step.Name)
			}
			break
		}
	}

	if err != nil {
		inst.recordFailure(step.Name)
		return fmt.Errorf("step %s: %w", step.Name, err)
	}
	inst.recordCompletion(step.Name, result)
	return nil
}

func (e *Engine) runWithRetry(ctx context.Context, step *Step, args map[string]any) (any, error) {
	start := time.Now()
	defer func() { metrics.ReactorStepDuration.WithLabelValues(step.Name).Observe(time.Since(start).Seconds()) }()

	maxRetries := step.MaxRetries
	if maxRetries <= 0 {
		return e.runOnce(ctx, step, args)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = stepRetryBase
	bo.MaxInterval = stepRetryCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	attempt := 0
	op := func() (any, error) {
		if attempt > 0 {
			metrics.ReactorStepRetriesTotal.WithLabelValues(step.Name).Inc()
		}
		v, err := e.runOnce(ctx, step, args)
		if err == nil {
			return v, nil
		}
		attempt++
		if attempt > maxRetries {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	return backoff.Retry(ctx, op, backoff.WithBackOff(bo))
}

func (e *Engine) runOnce(ctx context.Context, step *Step, args map[string]any) (any, error) {
	runCtx := ctx
	cancel := func() {}
	if step.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := step.Run(runCtx, args)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-runCtx.Done():
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, coorderrs.New(coorderrs.Timeout, "", "step %s timed out", step.Name)
		}
		return nil, coorderrs.New(coorderrs.Cancelled, "", "step %s cancelled", step.Name)
	}
}

// compensate undoes every step that returned ok, in reverse completion
// order, then compensates the failing step itself. Compensation errors are
// logged via the reactor metrics but never halt the remaining undos (P6).
func (e *Engine) compensate(ctx context.Context, inst *Instance, reactorErr error) {
	order := inst.completionOrder()
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		step := findStep(inst.DAG, name)
		if step == nil || step.Undo == nil {
			continue
		}
		result, _ := inst.result(name)
		args := resolveArgs(inst, step)
		outcome := "ok"
		if err := step.Undo(ctx, result, args); err != nil {
			outcome = "error"
		}
		metrics.ReactorCompensationsTotal.WithLabelValues(name, outcome).Inc()
	}

	failedName := inst.failure()
	if failedName == "" {
		return
	}
	step := findStep(inst.DAG, failedName)
	if step == nil || step.Compensate == nil {
		return
	}
	args := resolveArgs(inst, step)
	outcome := "ok"
	if err := step.Compensate(ctx, reactorErr, args); err != nil {
		outcome = "error"
	}
	metrics.ReactorCompensationsTotal.WithLabelValues(step.Name, outcome).Inc()
}

func findStep(dag *DAG, name string) *Step {
	for _, s := range dag.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// resolveArgs builds a step's input map from reactor input() and result()
// references (spec §4.4).
func resolveArgs(inst *Instance, step *Step) map[string]any {
	args := make(map[string]any, len(step.Inputs))
	for _, ref := range step.Inputs {
		if name, ok := inputRef(ref); ok {
			args[ref] = inst.Input[name]
			continue
		}
		if v, ok := inst.result(ref); ok {
			args[ref] = v
		}
	}
	return args
}

func inputRef(ref string) (string, bool) {
	const prefix = "input:"
	if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
		return ref[len(prefix):], true
	}
	return "", false
}

// topologicalTiers groups dag's steps into concurrency tiers via Kahn's
// algorithm: tier N contains every step whose dependencies are all in
// tiers < N. Steps within a tier have no ordering constraint between them
// and are eligible to run concurrently (spec §4.4).
func topologicalTiers(dag *DAG) ([][]*Step, error) {
	indegree := make(map[string]int, len(dag.Steps))
	dependents := make(map[string][]string)
	byName := make(map[string]*Step, len(dag.Steps))

	for _, s := range dag.Steps {
		byName[s.Name] = s
		indegree[s.Name] = 0
	}
	for _, s := range dag.Steps {
		for _, ref := range s.Inputs {
			if _, isInput := inputRef(ref); isInput {
				continue
			}
			if _, isStep := byName[ref]; !isStep {
				continue
			}
			indegree[s.Name]++
			dependents[ref] = append(dependents[ref], s.Name)
		}
	}

	var tiers [][]*Step
	remaining := len(dag.Steps)
	for remaining > 0 {
		var tier []string
		for name, deg := range indegree {
			if deg == 0 {
				tier = append(tier, name)
			}
		}
		if len(tier) == 0 {
			return nil, coorderrs.New(coorderrs.InvariantViolation, "", "reactor %s has a dependency cycle", dag.Name)
		}
		sort.Strings(tier) // deterministic tier ordering (spec §4.4 determinism)

		var steps []*Step
		for _, name := range tier {
			steps = append(steps, byName[name])
			delete(indegree, name)
			remaining--
		}
		for _, name := range tier {
			for _, dep := range dependents[name] {
				indegree[dep]--
			}
		}
		tiers = append(tiers, steps)
	}
	return tiers, nil
}
