package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreframe/coord/pkg/pcs"
	"github.com/coreframe/coord/pkg/types"
)

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *pcs.Store) {
	t.Helper()
	store, err := pcs.Open(t.TempDir())
	require.NoError(t, err)
	p, err := New(context.Background(), store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, store
}

func TestStartSpanWritesToFileSink(t *testing.T) {
	p, store := newTestPipeline(t, Config{ServiceName: "test-svc"})

	_, finish := StartSpan(context.Background(), p.Tracer(), "op1")
	finish(nil)

	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(store.Dir() + "/telemetry_spans.jsonl")
	require.NoError(t, err)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var spans []types.Span
	for scanner.Scan() {
		var s types.Span
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &s))
		spans = append(spans, s)
	}
	require.Len(t, spans, 1)
	assert.Equal(t, "op1", spans[0].OperationName)
	assert.Equal(t, types.SpanOK, spans[0].Status)
	assert.NotEmpty(t, spans[0].TraceID)
	assert.NotEmpty(t, spans[0].SpanID)
}

func TestStartSpanRecordsErrorStatus(t *testing.T) {
	p, store := newTestPipeline(t, Config{ServiceName: "test-svc"})

	_, finish := StartSpan(context.Background(), p.Tracer(), "op-err")
	finish(assertErr)
	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(store.Dir() + "/telemetry_spans.jsonl")
	require.NoError(t, err)
	var s types.Span
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &s))
	assert.Equal(t, types.SpanError, s.Status)
}

func TestChildSpanSharesTraceID(t *testing.T) {
	p, store := newTestPipeline(t, Config{ServiceName: "test-svc"})

	ctx, finishParent := StartSpan(context.Background(), p.Tracer(), "parent")
	_, finishChild := StartSpan(ctx, p.Tracer(), "child")
	finishChild(nil)
	finishParent(nil)

	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(store.Dir() + "/telemetry_spans.jsonl")
	require.NoError(t, err)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	var spans []types.Span
	for scanner.Scan() {
		var s types.Span
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &s))
		spans = append(spans, s)
	}
	require.Len(t, spans, 2)
	assert.Equal(t, spans[0].TraceID, spans[1].TraceID)
}

func TestCorruptedCollectionEmitsHighSeveritySpan(t *testing.T) {
	p, store := newTestPipeline(t, Config{ServiceName: "test-svc"})

	path := store.Dir() + "/work_claims.json"
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var out []string
	require.Error(t, store.Load(pcs.WorkClaims, &out))

	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(store.Dir() + "/telemetry_spans.jsonl")
	require.NoError(t, err)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var found bool
	for scanner.Scan() {
		var s types.Span
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &s))
		if s.OperationName != "pcs.corruption" {
			continue
		}
		found = true
		assert.Equal(t, types.SpanError, s.Status)
		assert.Equal(t, "critical", s.Attributes["severity"])
		assert.Equal(t, string(pcs.WorkClaims), s.Attributes["collection"])
	}
	assert.True(t, found, "a corrupted collection must emit a pcs.corruption span")
}

var assertErr = testError("span failed")

type testError string

func (e testError) Error() string { return string(e) }
