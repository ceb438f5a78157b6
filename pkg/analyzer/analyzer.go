// Package analyzer implements the External AI Analyzer Adapter (AIA, spec
// §4.8): a subprocess contract that accepts a state snapshot on stdin and
// returns a structured analysis on stdout. It is invoked only from reactor
// steps and degrades gracefully rather than failing the reactor.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/sony/gobreaker"

	"github.com/coreframe/coord/pkg/coorderrs"
	"github.com/coreframe/coord/pkg/log"
	"github.com/coreframe/coord/pkg/metrics"
	"github.com/coreframe/coord/pkg/reactor"
)

// DefaultTimeout is the subprocess wall-clock budget (spec §4.8, §5).
const DefaultTimeout = 30 * time.Second

// Result is the adapter's stdout contract: {analysis, recommendations}.
type Result struct {
	Analysis        json.RawMessage   `json:"analysis"`
	Recommendations []json.RawMessage `json:"recommendations"`
}

// Config configures the subprocess invocation and its circuit breaker.
type Config struct {
	Command string
	Args    []string
	Timeout time.Duration

	// Breaker tuning, mirrored from gobreaker.Settings (spec §8 ADD).
	ConsecutiveFailureThreshold uint32
	OpenTimeout                 time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ConsecutiveFailureThreshold == 0 {
		c.ConsecutiveFailureThreshold = 3
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// Adapter invokes the external analyzer subprocess, short-circuiting to a
// degraded outcome once consecutive failures trip the breaker.
type Adapter struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
}

// New builds an Adapter. cmd/args name the subprocess executable to invoke
// for every Analyze call.
func New(cmd string, args []string, cfg Config) *Adapter {
	cfg = cfg.withDefaults()
	cfg.Command = cmd
	cfg.Args = args

	logger := log.WithComponent("analyzer")
	settings := gobreaker.Settings{
		Name:        "analyzer",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("analyzer circuit breaker state change")
			metrics.AnalyzerBreakerState.Set(float64(to))
		},
	}

	return &Adapter{cfg: cfg, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Analyze runs the subprocess with snapshot on stdin and parses its stdout
// as a Result. Any failure -- non-zero exit, timeout, missing output,
// schema violation, or an open breaker -- surfaces as AnalyzerUnavailable.
// Callers must degrade gracefully per spec §4.8: mark the calling step ok
// with result=nil and a degraded span attribute.
func (a *Adapter) Analyze(ctx context.Context, snapshot any) (*Result, error) {
	in, err := json.Marshal(snapshot)
	if err != nil {
		return nil, coorderrs.Wrap(coorderrs.IO, "", err, "marshal analyzer snapshot")
	}

	out, err := a.breaker.Execute(func() (interface{}, error) {
		return a.invoke(ctx, in)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.AnalyzerInvocationsTotal.WithLabelValues("breaker_open").Inc()
			return nil, coorderrs.Wrap(coorderrs.AnalyzerUnavailable, "", err, "analyzer circuit breaker open")
		}
		metrics.AnalyzerInvocationsTotal.WithLabelValues(string(coorderrs.KindOf(err))).Inc()
		return nil, err
	}
	metrics.AnalyzerInvocationsTotal.WithLabelValues("ok").Inc()
	return out.(*Result), nil
}

func (a *Adapter) invoke(ctx context.Context, stdin []byte) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.cfg.Command, a.cfg.Args...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return nil, coorderrs.Wrap(coorderrs.AnalyzerUnavailable, "", err, "analyzer timed out after %s", a.cfg.Timeout)
		}
		return nil, coorderrs.Wrap(coorderrs.AnalyzerUnavailable, "", err, "analyzer exited non-zero: %s", stderr.String())
	}

	if stdout.Len() == 0 {
		return nil, coorderrs.New(coorderrs.AnalyzerUnavailable, "", "analyzer produced no output")
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, coorderrs.Wrap(coorderrs.AnalyzerUnavailable, "", err, "analyzer output failed schema validation")
	}
	if result.Analysis == nil {
		return nil, coorderrs.New(coorderrs.AnalyzerUnavailable, "", "analyzer output missing required analysis field")
	}
	return &result, nil
}

// Step adapts Analyze into a pkg/reactor.Step Run function: on
// AnalyzerUnavailable it degrades to a successful step with a nil result
// instead of failing the reactor, marking ctx so a Middleware's AfterStep
// hook can record the degraded attribute on the step's span (spec §4.8).
func Step(adapter *Adapter, snapshotFn func(args map[string]any) any) func(ctx context.Context, args map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) {
		result, err := adapter.Analyze(ctx, snapshotFn(args))
		if err != nil {
			if coorderrs.Is(err, coorderrs.AnalyzerUnavailable) {
				reactor.MarkDegraded(ctx)
				return nil, nil
			}
			return nil, err
		}
		return result, nil
	}
}
