// Package optimizer implements the autonomous Optimization Loop (OPT,
// spec §4.7): a periodic process that reads PCS and the recent span log
// window, compares health metrics against thresholds, and creates
// remedial work items when a threshold is breached. The loop never
// mutates existing work items.
package optimizer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coreframe/coord/pkg/coordinator"
	"github.com/coreframe/coord/pkg/log"
	"github.com/coreframe/coord/pkg/metrics"
	"github.com/coreframe/coord/pkg/pcs"
	"github.com/coreframe/coord/pkg/types"
)

// Defaults per spec §4.2, §4.7, §6.
const (
	DefaultInterval         = 5 * time.Minute
	DefaultAgentTTL         = 10 * time.Minute
	DefaultRetentionWindow  = 7 * 24 * time.Hour
	DefaultSpanWindow       = 5 * time.Minute
	DefaultSpanRotationSize = 64 << 20 // 64MiB
	DefaultSpanRotationAge  = 24 * time.Hour
)

// Work types the loop is allowed to create (spec §4.7 item 4).
const (
	WorkTypeEfficiency      = "system_efficiency_optimization"
	WorkTypeCompletionRate  = "completion_rate_optimization"
	WorkTypeErrorReduction  = "error_rate_reduction"
	WorkTypeUtilization     = "agent_utilization_optimization"
	optimizerTeam           = "optimization"
	optimizerCreatedByLabel = "optimizer"
)

// Thresholds are the breach boundaries compared against each cycle's
// HealthSnapshot (spec §4.7 defaults).
type Thresholds struct {
	EfficiencyMin      float64 // breach if efficiency < this
	CompletionRateMin  float64 // breach if completion rate < this
	ErrorRateMax       float64 // breach if span error rate > this
	UtilizationMin     float64 // breach if utilization < this
}

// DefaultThresholds returns the spec's stated defaults: efficiency < 70%,
// completion rate < 50%, error rate > 10%, utilization < 80%.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EfficiencyMin:     0.70,
		CompletionRateMin: 0.50,
		ErrorRateMax:      0.10,
		UtilizationMin:    0.80,
	}
}

// HealthSnapshot is the deterministic function of PCS + span-log state
// computed once per cycle (spec §4.7 item 2, §8).
type HealthSnapshot struct {
	Efficiency     float64
	CompletionRate float64
	Utilization    float64
	SpanErrorRate  float64
}

// Loop owns the periodic ticker and one cycle's worth of coordinator,
// store, and threshold state, grounded on the teacher's
// ticker+stopCh+mutex reconciliation idiom.
type Loop struct {
	crd             *coordinator.Coordinator
	store           *pcs.Store
	thresholds      Thresholds
	agentTTL        time.Duration
	retentionWindow time.Duration
	spanWindow      time.Duration
	spanRotateSize  int64
	spanRotateAge   time.Duration
	logger          zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	now    func() time.Time
}

// New builds a Loop with spec defaults; override fields on the returned
// value before calling Start if needed.
func New(crd *coordinator.Coordinator, store *pcs.Store) *Loop {
	return &Loop{
		crd:             crd,
		store:           store,
		thresholds:      DefaultThresholds(),
		agentTTL:        DefaultAgentTTL,
		retentionWindow: DefaultRetentionWindow,
		spanWindow:      DefaultSpanWindow,
		spanRotateSize:  DefaultSpanRotationSize,
		spanRotateAge:   DefaultSpanRotationAge,
		logger:          log.WithComponent("optimizer"),
		stopCh:          make(chan struct{}),
		now:             time.Now,
	}
}

// WithThresholds overrides the default breach thresholds.
func (l *Loop) WithThresholds(t Thresholds) *Loop { l.thresholds = t; return l }

// WithAgentTTL overrides the default agent heartbeat TTL.
func (l *Loop) WithAgentTTL(ttl time.Duration) *Loop { l.agentTTL = ttl; return l }

// WithRetentionWindow overrides the default span-log retention window.
func (l *Loop) WithRetentionWindow(d time.Duration) *Loop { l.retentionWindow = d; return l }

// WithSpanRotation overrides the default span-log rotation size/age
// triggers.
func (l *Loop) WithSpanRotation(maxSize int64, maxAge time.Duration) *Loop {
	l.spanRotateSize = maxSize
	l.spanRotateAge = maxAge
	return l
}

// Start begins the periodic loop at interval, ticking once immediately is
// not performed — the first cycle runs after the first tick, matching the
// teacher's reconciler idiom.
func (l *Loop) Start(interval time.Duration) {
	go l.run(interval)
}

// Stop terminates the loop.
func (l *Loop) Stop() {
	close(l.stopCh)
}

func (l *Loop) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info().Dur("interval", interval).Msg("optimization loop started")
	for {
		select {
		case <-ticker.C:
			if err := l.RunCycle(context.Background()); err != nil {
				l.logger.Error().Err(err).Msg("optimization cycle failed")
			}
		case <-l.stopCh:
			l.logger.Info().Msg("optimization loop stopped")
			return
		}
	}
}

// RunCycle executes exactly one optimization cycle (spec §4.7): compute
// health, create remedial work for each breached threshold, sweep expired
// agents, rotate the telemetry span log once it qualifies, and apply
// retention to rotated spans and other metrics files.
func (l *Loop) RunCycle(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.OptimizationCycleDuration)
		metrics.OptimizationCyclesTotal.Inc()
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	items, err := l.crd.ListWork(ctx)
	if err != nil {
		return err
	}
	agents, err := l.crd.ListAgents(ctx)
	if err != nil {
		return err
	}
	spans, err := l.recentSpans(l.spanWindow)
	if err != nil {
		return err
	}

	snapshot := computeHealth(items, agents, spans)
	recordCounts(items, agents)
	breaches := l.evaluate(snapshot)

	for _, b := range breaches {
		if hasPendingWorkType(items, b.workType) {
			l.logger.Debug().Str("work_type", b.workType).Msg("breach already has a pending remediation item, skipping")
			continue
		}
		workID, err := l.crd.CreateWork(ctx, b.workType, b.priority, optimizerTeam, b.description, "")
		if err != nil {
			l.logger.Error().Err(err).Str("work_type", b.workType).Msg("failed to create remedial work item")
			continue
		}
		metrics.WorkItemsCreatedByOptimizer.WithLabelValues(b.workType).Inc()
		l.logger.Info().Str("work_item_id", workID).Str("work_type", b.workType).Str("priority", string(b.priority)).Msg("created remedial work item")
	}

	if _, err := l.crd.SweepExpiredAgents(ctx, l.agentTTL); err != nil {
		l.logger.Error().Err(err).Msg("agent TTL sweep failed")
	}
	if rotated, err := l.store.RotateSpans(ctx, l.spanRotateSize, l.spanRotateAge); err != nil {
		l.logger.Error().Err(err).Msg("span log rotation failed")
	} else if rotated {
		l.logger.Info().Msg("rotated telemetry span log")
	}
	if removed, err := l.store.SweepRetention(l.retentionWindow); err != nil {
		l.logger.Error().Err(err).Msg("retention sweep failed")
	} else if removed > 0 {
		l.logger.Info().Int("removed", removed).Msg("retention sweep removed files")
	}

	return l.recordHistory(ctx, snapshot, breaches)
}

type breach struct {
	workType    string
	description string
	priority    types.Priority
}

// evaluate compares snapshot to thresholds and returns one breach per
// violated metric, with priority determined by which system property the
// metric represents (spec §4.7 item 4; see DESIGN.md for the severity ->
// priority mapping this resolves from the spec's Open Question).
func (l *Loop) evaluate(s HealthSnapshot) []breach {
	var breaches []breach
	if s.Efficiency < l.thresholds.EfficiencyMin {
		breaches = append(breaches, breach{
			workType:    WorkTypeEfficiency,
			description: "system efficiency below threshold",
			priority:    types.PriorityCritical,
		})
	}
	if s.CompletionRate < l.thresholds.CompletionRateMin {
		breaches = append(breaches, breach{
			workType:    WorkTypeCompletionRate,
			description: "work completion rate below threshold",
			priority:    types.PriorityHigh,
		})
	}
	if s.SpanErrorRate > l.thresholds.ErrorRateMax {
		breaches = append(breaches, breach{
			workType:    WorkTypeErrorReduction,
			description: "span error rate above threshold",
			priority:    types.PriorityHigh,
		})
	}
	if s.Utilization < l.thresholds.UtilizationMin {
		breaches = append(breaches, breach{
			workType:    WorkTypeUtilization,
			description: "agent utilization below threshold",
			priority:    types.PriorityMedium,
		})
	}
	return breaches
}

// hasPendingWorkType reports whether a pending item of workType already
// exists, implementing the per-cycle dedup spec §8 scenario 6 requires.
func hasPendingWorkType(items []types.WorkItem, workType string) bool {
	for _, w := range items {
		if w.WorkType == workType && w.Status == types.WorkStatusPending {
			return true
		}
	}
	return false
}

// recordCounts sets the work-item and agent gauges by status, giving
// dashboards a per-cycle snapshot of the same collections the health
// computation already enumerates.
func recordCounts(items []types.WorkItem, agents []types.AgentStatus) {
	workByStatus := map[types.WorkStatus]int{}
	for _, w := range items {
		workByStatus[w.Status]++
	}
	for _, status := range []types.WorkStatus{
		types.WorkStatusPending, types.WorkStatusClaimed,
		types.WorkStatusActive, types.WorkStatusCompleted,
	} {
		metrics.WorkItemsTotal.WithLabelValues(string(status)).Set(float64(workByStatus[status]))
	}

	agentByStatus := map[types.AgentState]int{}
	for _, a := range agents {
		agentByStatus[a.Status]++
	}
	for _, status := range []types.AgentState{types.AgentActive, types.AgentDraining, types.AgentOffline} {
		metrics.AgentsTotal.WithLabelValues(string(status)).Set(float64(agentByStatus[status]))
	}
}

// computeHealth derives the four health metrics as deterministic
// functions of the current work/agent snapshot and the recent span
// window (spec §4.7 item 2, §8).
func computeHealth(items []types.WorkItem, agents []types.AgentStatus, spans []types.Span) HealthSnapshot {
	completionRate := 1.0
	if len(items) > 0 {
		completed := 0
		for _, w := range items {
			if w.Status == types.WorkStatusCompleted {
				completed++
			}
		}
		completionRate = float64(completed) / float64(len(items))
	}

	utilization := 0.0
	if len(agents) > 0 {
		var usedCapacity, totalCapacity int
		for _, a := range agents {
			if a.Status != types.AgentActive {
				continue
			}
			usedCapacity += a.CurrentWorkload
			totalCapacity += a.Capacity
		}
		if totalCapacity > 0 {
			utilization = float64(usedCapacity) / float64(totalCapacity)
		}
	}

	spanErrorRate := 0.0
	if len(spans) > 0 {
		errored := 0
		for _, s := range spans {
			if s.Status == types.SpanError {
				errored++
			}
		}
		spanErrorRate = float64(errored) / float64(len(spans))
	}

	efficiency := (completionRate + utilization + (1 - spanErrorRate)) / 3

	return HealthSnapshot{
		Efficiency:     efficiency,
		CompletionRate: completionRate,
		Utilization:    utilization,
		SpanErrorRate:  spanErrorRate,
	}
}

// recentSpans reads the span log and keeps entries ending within window of
// now, approximating the spec's "recent span log window" (spec §4.7 item
// 1) without needing a separate index.
func (l *Loop) recentSpans(window time.Duration) ([]types.Span, error) {
	lines, err := l.store.ReadLines(pcs.TelemetrySpans)
	if err != nil {
		return nil, err
	}
	cutoff := l.now().Add(-window).UnixNano()

	var spans []types.Span
	for _, line := range lines {
		var s types.Span
		if err := json.Unmarshal(line, &s); err != nil {
			continue // corrupted individual span lines are skipped, not fatal
		}
		if s.EndNs >= cutoff {
			spans = append(spans, s)
		}
	}
	return spans, nil
}

// optimizationRecord is one line of optimization_history.jsonl.
type optimizationRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Snapshot  HealthSnapshot `json:"snapshot"`
	Breaches  []string       `json:"breaches"`
}

func (l *Loop) recordHistory(ctx context.Context, snapshot HealthSnapshot, breaches []breach) error {
	names := make([]string, len(breaches))
	for i, b := range breaches {
		names[i] = b.workType
	}
	return l.store.AppendLine(ctx, pcs.OptimizationHist, optimizationRecord{
		Timestamp: l.now(),
		Snapshot:  snapshot,
		Breaches:  names,
	})
}
