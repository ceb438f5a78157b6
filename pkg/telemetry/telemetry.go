// Package telemetry implements the trace/span pipeline (TEL, spec §4.6):
// context propagation, bounded span buffering with drop-oldest, a
// mandatory file sink, and an optional OTLP sink. Spans are produced by a
// real go.opentelemetry.io/otel TracerProvider so trace/span id minting,
// parent/child linkage, and sampling follow the OTel SDK's own semantics
// rather than a hand-rolled tracer.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"

	"github.com/coreframe/coord/pkg/coorderrs"
	"github.com/coreframe/coord/pkg/log"
	"github.com/coreframe/coord/pkg/metrics"
	"github.com/coreframe/coord/pkg/pcs"
	"github.com/coreframe/coord/pkg/types"
)

// DefaultQueueCapacity is the bounded span queue size (spec §4.6).
const DefaultQueueCapacity = 8192

// DefaultOTLPFlushTimeout bounds an OTLP batch export call (spec §5).
const DefaultOTLPFlushTimeout = 10 * time.Second

const drainInterval = 50 * time.Millisecond

// Config configures a Pipeline.
type Config struct {
	ServiceName    string
	ServiceVersion string
	QueueCapacity  int
	SamplingRatio  float64
	OTLPEndpoint   string
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.SamplingRatio == 0 {
		c.SamplingRatio = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = "coord"
	}
	return c
}

// Pipeline owns the TracerProvider, the bounded span queue, and the file
// sink drain loop. It is the single writer of telemetry_spans.jsonl.
type Pipeline struct {
	cfg    Config
	store  *pcs.Store
	tp     *sdktrace.TracerProvider
	tracer oteltrace.Tracer

	queue *spanQueue

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Pipeline writing to store. If cfg.OTLPEndpoint is set, spans
// are additionally batched and exported over OTLP/HTTP best-effort.
func New(ctx context.Context, store *pcs.Store, cfg Config) (*Pipeline, error) {
	cfg = cfg.withDefaults()

	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, coorderrs.Wrap(coorderrs.IO, "", err, "build telemetry resource")
	}

	p := &Pipeline{
		cfg:    cfg,
		store:  store,
		queue:  newSpanQueue(cfg.QueueCapacity),
		stopCh: make(chan struct{}),
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
		sdktrace.WithSpanProcessor(&queueProcessor{queue: p.queue}),
	}

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint),
		)
		if err != nil {
			return nil, coorderrs.Wrap(coorderrs.IO, "", err, "build otlp exporter")
		}
		opts = append(opts, sdktrace.WithBatcher(&timedExporter{SpanExporter: exporter}, sdktrace.WithExportTimeout(DefaultOTLPFlushTimeout)))
	}

	p.tp = sdktrace.NewTracerProvider(opts...)
	p.tracer = p.tp.Tracer(cfg.ServiceName)

	store.SetCorruptionHook(p.recordCorruption)

	p.wg.Add(1)
	go p.drainLoop()

	return p, nil
}

// recordCorruption emits the high-severity span spec §7 requires the moment
// a collection is latched by a schema violation (pcs.Store.poison calls
// this via the hook New installs, so corruption detected anywhere in the
// process — not just this Pipeline's own reads — is recorded).
func (p *Pipeline) recordCorruption(collection pcs.Collection, cause error) {
	_, span := p.tracer.Start(context.Background(), "pcs.corruption",
		oteltrace.WithAttributes(
			attribute.String("collection", string(collection)),
			attribute.String("severity", "critical"),
		),
	)
	span.SetStatus(codes.Error, cause.Error())
	span.RecordError(cause)
	span.End()
}

// Tracer returns the OTel tracer used to start spans for every coordinator,
// reactor, and middleware operation.
func (p *Pipeline) Tracer() oteltrace.Tracer { return p.tracer }

// QueueDepth reports the current number of buffered, undrained spans.
func (p *Pipeline) QueueDepth() int { return p.queue.len() }

// Shutdown flushes the OTLP exporter (if any) and stops the file-sink
// drain loop, writing any remaining buffered spans before returning.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.drainOnce(ctx)
	return p.tp.Shutdown(ctx)
}

func (p *Pipeline) drainLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.drainOnce(context.Background())
		}
	}
}

func (p *Pipeline) drainOnce(ctx context.Context) {
	spans := p.queue.drain()
	metrics.SpanQueueDepth.Set(float64(p.queue.len()))
	for _, span := range spans {
		err := p.store.AppendLine(ctx, pcs.TelemetrySpans, span)
		status := "ok"
		if err != nil {
			status = "error"
			log.WithComponent("telemetry").Error().Err(err).Msg("failed to append span to file sink")
		}
		metrics.SpansEmittedTotal.WithLabelValues("file", status).Inc()
	}
}

// queueProcessor adapts the OTel SDK's SpanProcessor interface to the
// bounded drop-oldest queue described in spec §4.6.
type queueProcessor struct {
	queue *spanQueue
}

func (q *queueProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (q *queueProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	span := toSpan(s)
	if q.queue.push(span) {
		metrics.SpansDroppedTotal.Inc()
	}
}

func (q *queueProcessor) Shutdown(context.Context) error   { return nil }
func (q *queueProcessor) ForceFlush(context.Context) error { return nil }

// timedExporter wraps an OTLP SpanExporter to record batch export latency,
// keeping the SDK's own batcher in charge of flush cadence and retries.
type timedExporter struct {
	sdktrace.SpanExporter
}

func (e *timedExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OTLPExportDuration)
	return e.SpanExporter.ExportSpans(ctx, spans)
}

func toSpan(s sdktrace.ReadOnlySpan) types.Span {
	status := types.SpanOK
	if s.Status().Code == codes.Error {
		status = types.SpanError
	}

	var parentSpanID string
	if s.Parent().IsValid() {
		parentSpanID = s.Parent().SpanID().String()
	}

	attrs := make(map[string]any, len(s.Attributes()))
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}

	var serviceName, serviceVersion string
	for _, kv := range s.Resource().Attributes() {
		switch kv.Key {
		case "service.name":
			serviceName = kv.Value.AsString()
		case "service.version":
			serviceVersion = kv.Value.AsString()
		}
	}

	return types.Span{
		TraceID:       s.SpanContext().TraceID().String(),
		SpanID:        s.SpanContext().SpanID().String(),
		ParentSpanID:  parentSpanID,
		OperationName: s.Name(),
		StartNs:       s.StartTime().UnixNano(),
		EndNs:         s.EndTime().UnixNano(),
		Status:        status,
		Attributes:    attrs,
		Resource: types.Resource{
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
		},
	}
}

// spanQueue is a bounded, multi-producer single-consumer buffer that drops
// the oldest entry when full rather than blocking producers (spec §4.6,
// §5 "producers never block").
type spanQueue struct {
	mu       sync.Mutex
	buf      []types.Span
	capacity int
}

func newSpanQueue(capacity int) *spanQueue {
	return &spanQueue{buf: make([]types.Span, 0, capacity), capacity: capacity}
}

// push appends span, dropping the oldest entry if the queue is full.
// Returns true if a drop occurred.
func (q *spanQueue) push(span types.Span) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	if len(q.buf) >= q.capacity {
		q.buf = q.buf[1:]
		dropped = true
	}
	q.buf = append(q.buf, span)
	return dropped
}

func (q *spanQueue) drain() []types.Span {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := q.buf
	q.buf = make([]types.Span, 0, q.capacity)
	return out
}

func (q *spanQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// StartSpan starts a new span named op, returning the derived context and
// a finish function that records err (nil for success) as the span status.
func StartSpan(ctx context.Context, tracer oteltrace.Tracer, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, op, oteltrace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// TraceContextFromSpan extracts the propagation triple for a span started
// via StartSpan, for embedding into a WorkItem.telemetry field.
func TraceContextFromSpan(ctx context.Context) types.TraceContext {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return types.TraceContext{}
	}
	tc := types.TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
	if ro, ok := oteltrace.SpanFromContext(ctx).(sdktrace.ReadOnlySpan); ok && ro.Parent().IsValid() {
		tc.ParentSpanID = ro.Parent().SpanID().String()
	}
	return tc
}
