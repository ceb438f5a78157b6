// Package coordmw implements the Coordination Middleware (CMW, spec §4.5):
// the one concrete pkg/reactor.Middleware that bridges the reactor engine
// to the work-claim coordinator and the telemetry pipeline.
package coordmw

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/coreframe/coord/pkg/coorderrs"
	"github.com/coreframe/coord/pkg/coordinator"
	"github.com/coreframe/coord/pkg/log"
	"github.com/coreframe/coord/pkg/reactor"
	"github.com/coreframe/coord/pkg/telemetry"
	"github.com/coreframe/coord/pkg/types"
)

// DefaultProgressRenewalInterval bounds how often before_step renews
// progress against the coordinator (spec §4.5: "at most once per 5 min").
const DefaultProgressRenewalInterval = 5 * time.Minute

// DefaultRetryCount bounds before_reactor's AlreadyClaimed retry loop
// (spec §4.5).
const DefaultRetryCount = 5

const claimRetryBase = 100 * time.Millisecond

type contextKey struct{ name string }

var stateKey = contextKey{"coordmw-claim-state"}
var spanKey = contextKey{"coordmw-step-span"}

type claimState struct {
	mu                  sync.Mutex
	workItemID          string
	agentID             string
	traceCtx            types.TraceContext
	lastProgressRenewal time.Time
	stepsSeen           int
	totalSteps          int
	finishReactorSpan   func(error)
	abortErr            error
}

// Middleware bridges RX to CRD and TEL for one reactor-running agent.
type Middleware struct {
	crd              *coordinator.Coordinator
	tel              *telemetry.Pipeline
	agentID          string
	retryCount       int
	progressInterval time.Duration
}

// New builds a Middleware that claims work as agentID.
func New(crd *coordinator.Coordinator, tel *telemetry.Pipeline, agentID string) *Middleware {
	return &Middleware{
		crd:              crd,
		tel:              tel,
		agentID:          agentID,
		retryCount:       DefaultRetryCount,
		progressInterval: DefaultProgressRenewalInterval,
	}
}

// reactorInput is the convention pkg/reactor.Instance.Input follows for a
// CMW-driven reactor: either an existing work_item_id to claim, or the
// fields needed for claim_intelligent to create one.
type reactorInput struct {
	WorkItemID  string
	WorkType    string
	Description string
	Priority    types.Priority
	Team        string
}

func parseInput(input map[string]any) reactorInput {
	get := func(key string) string {
		v, _ := input[key].(string)
		return v
	}
	priority, _ := input["priority"].(types.Priority)
	if priority == "" {
		if s := get("priority"); s != "" {
			priority = types.Priority(s)
		}
	}
	return reactorInput{
		WorkItemID:  get("work_item_id"),
		WorkType:    get("work_type"),
		Description: get("description"),
		Priority:    priority,
		Team:        get("team"),
	}
}

// BeforeReactor mints or accepts a work_item_id and claims it, retrying
// AlreadyClaimed with backoff up to retryCount before aborting (spec §4.5).
func (m *Middleware) BeforeReactor(ctx context.Context, r *reactor.Instance) (context.Context, reactor.HookAction) {
	ctx, finish := telemetry.StartSpan(ctx, m.tel.Tracer(), "reactor:"+r.DAG.Name)
	traceCtx := telemetry.TraceContextFromSpan(ctx)
	in := parseInput(r.Input)

	state := &claimState{
		agentID:           m.agentID,
		traceCtx:          traceCtx,
		totalSteps:        len(r.DAG.Steps),
		finishReactorSpan: finish,
	}

	delay := claimRetryBase
	var record *types.WorkItem
	var workItemID string
	var err error
	for attempt := 0; attempt <= m.retryCount; attempt++ {
		if in.WorkItemID != "" {
			workItemID = in.WorkItemID
			record, err = m.crd.Claim(ctx, workItemID, m.agentID, traceCtx)
		} else {
			workItemID, record, err = m.crd.ClaimIntelligent(ctx, in.WorkType, in.Description, in.Priority, in.Team, traceCtx)
			if err == nil && record == nil {
				// No candidate agent; nothing to run against. Treat as
				// success with no claim: the reactor still executes but
				// CMW will not attempt complete/release on it.
				break
			}
		}
		if err == nil || !coorderrs.Is(err, coorderrs.AlreadyClaimed) {
			break
		}
		log.WithComponent("coordmw").Warn().Str("work_item_id", workItemID).Int("attempt", attempt).Msg("claim contended, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = coorderrs.New(coorderrs.Cancelled, traceCtx.TraceID, "before_reactor cancelled while retrying claim")
		}
		delay *= 2
	}

	if err != nil {
		state.abortErr = err
		ctx = context.WithValue(ctx, stateKey, state)
		finish(err)
		return ctx, reactor.Abort
	}

	if record != nil {
		state.workItemID = workItemID
		state.agentID = record.AgentID
	}
	return context.WithValue(ctx, stateKey, state), reactor.Continue
}

// BeforeStep renews progress at most once per progressInterval and starts
// a child span for the step (spec §4.5).
func (m *Middleware) BeforeStep(ctx context.Context, r *reactor.Instance, step *reactor.Step) (context.Context, reactor.HookAction) {
	ctx, finish := telemetry.StartSpan(ctx, m.tel.Tracer(), "step:"+step.Name, attribute.String("step.name", step.Name))
	ctx = context.WithValue(ctx, spanKey, finish)

	state, _ := ctx.Value(stateKey).(*claimState)
	if state != nil && state.workItemID != "" {
		state.mu.Lock()
		state.stepsSeen++
		due := time.Since(state.lastProgressRenewal) >= m.progressInterval || state.lastProgressRenewal.IsZero()
		pct := estimatedPct(state.stepsSeen, state.totalSteps)
		if due {
			state.lastProgressRenewal = time.Now()
		}
		state.mu.Unlock()

		if due {
			if err := m.crd.Progress(ctx, state.workItemID, state.agentID, pct); err != nil {
				log.WithComponent("coordmw").Warn().Err(err).Str("work_item_id", state.workItemID).Msg("progress renewal failed")
			}
		}
	}

	return ctx, reactor.Continue
}

func estimatedPct(stepsSeen, totalSteps int) int {
	if totalSteps <= 0 {
		return 0
	}
	pct := stepsSeen * 100 / totalSteps
	if pct > 99 {
		pct = 99
	}
	return pct
}

// AfterStep emits the step's span-end with ok|error status, first recording
// a degraded attribute if the step's Run marked itself degraded (spec
// §4.5, §4.8).
func (m *Middleware) AfterStep(ctx context.Context, r *reactor.Instance, step *reactor.Step, result any, stepErr error) reactor.HookAction {
	if reactor.IsDegraded(ctx) {
		oteltrace.SpanFromContext(ctx).SetAttributes(attribute.Bool("degraded", true))
	}
	if finish, ok := ctx.Value(spanKey).(func(error)); ok {
		finish(stepErr)
	}
	return reactor.Continue
}

// AfterReactor completes the claim on success or releases it on failure,
// then closes the reactor span (spec §4.5).
func (m *Middleware) AfterReactor(ctx context.Context, r *reactor.Instance, result map[string]any, reactorErr error) reactor.HookAction {
	state, _ := ctx.Value(stateKey).(*claimState)
	if state == nil {
		return reactor.Continue
	}
	defer state.finishReactorSpan(reactorErr)

	if state.workItemID == "" {
		return reactor.Continue // claim_intelligent found no candidate; nothing to settle
	}
	if state.abortErr != nil {
		return reactor.Continue // before_reactor never obtained a claim
	}

	if reactorErr == nil {
		summary, _ := json.Marshal(result)
		if err := m.crd.Complete(ctx, state.workItemID, state.agentID, string(summary), nil); err != nil {
			log.WithComponent("coordmw").Error().Err(err).Str("work_item_id", state.workItemID).Msg("complete failed")
		}
		return reactor.Continue
	}

	if err := m.crd.Release(ctx, state.workItemID, state.agentID, reactorErr.Error()); err != nil {
		log.WithComponent("coordmw").Error().Err(err).Str("work_item_id", state.workItemID).Msg("release failed")
	}
	return reactor.Continue
}

// HandleError appends an escalated log entry once retries are exhausted
// (spec §4.5). The claim transition itself already happened in
// AfterReactor's release call.
func (m *Middleware) HandleError(ctx context.Context, r *reactor.Instance, err error) reactor.HookAction {
	state, _ := ctx.Value(stateKey).(*claimState)
	if state == nil || state.workItemID == "" || state.abortErr != nil {
		return reactor.Continue
	}
	if logErr := m.crd.LogEscalation(ctx, state.workItemID, state.agentID, err.Error()); logErr != nil {
		log.WithComponent("coordmw").Error().Err(logErr).Str("work_item_id", state.workItemID).Msg("escalation log failed")
	}
	return reactor.Continue
}

var _ reactor.Middleware = (*Middleware)(nil)
