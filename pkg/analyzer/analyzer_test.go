package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreframe/coord/pkg/coorderrs"
	"github.com/coreframe/coord/pkg/reactor"
)

func TestAnalyzeParsesValidOutput(t *testing.T) {
	a := New("sh", []string{"-c", `echo '{"analysis":{"ok":true},"recommendations":[{"action":"noop"}]}'`}, Config{})

	result, err := a.Analyze(context.Background(), map[string]any{"snapshot": "state"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Contains(t, string(result.Analysis), "ok")
	assert.Len(t, result.Recommendations, 1)
}

func TestAnalyzeNonZeroExitIsAnalyzerUnavailable(t *testing.T) {
	a := New("sh", []string{"-c", "exit 1"}, Config{ConsecutiveFailureThreshold: 100})

	_, err := a.Analyze(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.True(t, coorderrs.Is(err, coorderrs.AnalyzerUnavailable))
}

func TestAnalyzeMissingOutputIsAnalyzerUnavailable(t *testing.T) {
	a := New("true", nil, Config{ConsecutiveFailureThreshold: 100})

	_, err := a.Analyze(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.True(t, coorderrs.Is(err, coorderrs.AnalyzerUnavailable))
}

func TestAnalyzeSchemaViolationIsAnalyzerUnavailable(t *testing.T) {
	a := New("sh", []string{"-c", `echo 'not json'`}, Config{ConsecutiveFailureThreshold: 100})

	_, err := a.Analyze(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.True(t, coorderrs.Is(err, coorderrs.AnalyzerUnavailable))
}

func TestAnalyzeTimeout(t *testing.T) {
	a := New("sleep", []string{"5"}, Config{Timeout: 10 * time.Millisecond, ConsecutiveFailureThreshold: 100})

	_, err := a.Analyze(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.True(t, coorderrs.Is(err, coorderrs.AnalyzerUnavailable))
}

func TestAnalyzeBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	a := New("sh", []string{"-c", "exit 1"}, Config{ConsecutiveFailureThreshold: 2})

	for i := 0; i < 2; i++ {
		_, err := a.Analyze(context.Background(), map[string]any{})
		require.Error(t, err)
	}

	// The breaker should now be open; this call must short-circuit without
	// spawning a process.
	_, err := a.Analyze(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.True(t, coorderrs.Is(err, coorderrs.AnalyzerUnavailable))
}

func TestStepDegradesOnAnalyzerUnavailable(t *testing.T) {
	a := New("sh", []string{"-c", "exit 1"}, Config{ConsecutiveFailureThreshold: 100})
	step := Step(a, func(args map[string]any) any { return args })

	ctx := reactor.WithDegradedTracking(context.Background())
	result, err := step(ctx, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.True(t, reactor.IsDegraded(ctx))
}

func TestStepPropagatesOtherErrors(t *testing.T) {
	a := New("does-not-exist-binary", nil, Config{ConsecutiveFailureThreshold: 100})
	// A snapshot that cannot be marshalled fails with IO rather than
	// AnalyzerUnavailable, so Step returns the error instead of degrading.
	step := Step(a, func(args map[string]any) any { return func() {} })

	_, err := step(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.True(t, coorderrs.Is(err, coorderrs.IO))
}
