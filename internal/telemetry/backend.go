package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/types"
)

const backendScopeName = "github.com/beatline/conductor/backend"

// InstrumentedBackend wraps a backend.Backend with OTel tracing and metrics.
// Every method gets a span and is counted in conductor.backend.* metrics;
// failures carry the taxonomy code as error.code.
type InstrumentedBackend struct {
	inner  backend.Backend
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapBackend returns b decorated with OTel instrumentation.
// When telemetry is disabled, b is returned as-is.
func WrapBackend(b backend.Backend) backend.Backend {
	if !Enabled() {
		return b
	}
	m := Meter(backendScopeName)
	ops, _ := m.Int64Counter("conductor.backend.operations",
		metric.WithDescription("Total backend operations executed"),
	)
	dur, _ := m.Float64Histogram("conductor.backend.operation.duration",
		metric.WithDescription("Backend operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("conductor.backend.errors",
		metric.WithDescription("Total backend operation errors"),
	)
	return &InstrumentedBackend{
		inner:  b,
		tracer: Tracer(backendScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// Unwrap returns the decorated backend.
func (b *InstrumentedBackend) Unwrap() backend.Backend { return b.inner }

func (b *InstrumentedBackend) op(ctx context.Context, name, repoPath string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time, []attribute.KeyValue) {
	all := append([]attribute.KeyValue{
		attribute.String("backend.operation", name),
		attribute.String("backend.repo", repoPath),
	}, attrs...)
	ctx, span := b.tracer.Start(ctx, "backend."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	b.ops.Add(ctx, 1, metric.WithAttributes(all[0]))
	return ctx, span, time.Now(), all
}

func (b *InstrumentedBackend) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs []attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	b.dur.Record(ctx, ms, metric.WithAttributes(attrs[0]))
	if err != nil {
		code := attribute.String("error.code", string(backend.CodeOf(err)))
		span.SetAttributes(code)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.errs.Add(ctx, 1, metric.WithAttributes(attrs[0], code))
	}
	span.End()
}

func (b *InstrumentedBackend) Capabilities() backend.Capabilities {
	return b.inner.Capabilities()
}

func (b *InstrumentedBackend) CapabilitiesFor(repoPath string) backend.Capabilities {
	return backend.CapabilitiesFor(b.inner, repoPath)
}

func (b *InstrumentedBackend) ListWorkflows(ctx context.Context, repoPath string) ([]*types.WorkflowDescriptor, error) {
	ctx, span, t, attrs := b.op(ctx, "ListWorkflows", repoPath)
	v, err := b.inner.ListWorkflows(ctx, repoPath)
	b.done(ctx, span, t, err, attrs)
	return v, err
}

func (b *InstrumentedBackend) List(ctx context.Context, repoPath string, filter types.Filter) ([]*types.Beat, error) {
	ctx, span, t, attrs := b.op(ctx, "List", repoPath, attribute.String("filter.state", filter.State))
	v, err := b.inner.List(ctx, repoPath, filter)
	span.SetAttributes(attribute.Int("result.count", len(v)))
	b.done(ctx, span, t, err, attrs)
	return v, err
}

func (b *InstrumentedBackend) ListReady(ctx context.Context, repoPath string, filter types.Filter) ([]*types.Beat, error) {
	ctx, span, t, attrs := b.op(ctx, "ListReady", repoPath)
	v, err := b.inner.ListReady(ctx, repoPath, filter)
	span.SetAttributes(attribute.Int("result.count", len(v)))
	b.done(ctx, span, t, err, attrs)
	return v, err
}

func (b *InstrumentedBackend) Search(ctx context.Context, repoPath, query string, filter types.Filter) ([]*types.Beat, error) {
	ctx, span, t, attrs := b.op(ctx, "Search", repoPath)
	v, err := b.inner.Search(ctx, repoPath, query, filter)
	b.done(ctx, span, t, err, attrs)
	return v, err
}

func (b *InstrumentedBackend) Query(ctx context.Context, repoPath, expr string, opts types.QueryOptions) ([]*types.Beat, error) {
	ctx, span, t, attrs := b.op(ctx, "Query", repoPath, attribute.String("query.expr", expr))
	v, err := b.inner.Query(ctx, repoPath, expr, opts)
	b.done(ctx, span, t, err, attrs)
	return v, err
}

func (b *InstrumentedBackend) Get(ctx context.Context, repoPath, id string) (*types.Beat, error) {
	ctx, span, t, attrs := b.op(ctx, "Get", repoPath, attribute.String("beat.id", id))
	v, err := b.inner.Get(ctx, repoPath, id)
	b.done(ctx, span, t, err, attrs)
	return v, err
}

func (b *InstrumentedBackend) Create(ctx context.Context, repoPath string, input types.CreateInput) (*types.Beat, error) {
	ctx, span, t, attrs := b.op(ctx, "Create", repoPath, attribute.String("beat.type", string(input.Type)))
	v, err := b.inner.Create(ctx, repoPath, input)
	b.done(ctx, span, t, err, attrs)
	return v, err
}

func (b *InstrumentedBackend) Update(ctx context.Context, repoPath, id string, input types.UpdateInput) (*types.Beat, error) {
	ctx, span, t, attrs := b.op(ctx, "Update", repoPath, attribute.String("beat.id", id))
	v, err := b.inner.Update(ctx, repoPath, id, input)
	b.done(ctx, span, t, err, attrs)
	return v, err
}

func (b *InstrumentedBackend) Delete(ctx context.Context, repoPath, id string) error {
	ctx, span, t, attrs := b.op(ctx, "Delete", repoPath, attribute.String("beat.id", id))
	err := b.inner.Delete(ctx, repoPath, id)
	b.done(ctx, span, t, err, attrs)
	return err
}

func (b *InstrumentedBackend) Close(ctx context.Context, repoPath, id, reason string) error {
	ctx, span, t, attrs := b.op(ctx, "Close", repoPath, attribute.String("beat.id", id))
	err := b.inner.Close(ctx, repoPath, id, reason)
	b.done(ctx, span, t, err, attrs)
	return err
}

func (b *InstrumentedBackend) ListDependencies(ctx context.Context, repoPath, id string, opts backend.DependencyOptions) ([]types.Dependency, error) {
	ctx, span, t, attrs := b.op(ctx, "ListDependencies", repoPath, attribute.String("beat.id", id))
	v, err := b.inner.ListDependencies(ctx, repoPath, id, opts)
	b.done(ctx, span, t, err, attrs)
	return v, err
}

func (b *InstrumentedBackend) AddDependency(ctx context.Context, repoPath, blocker, blocked string, opts backend.DependencyOptions) error {
	ctx, span, t, attrs := b.op(ctx, "AddDependency", repoPath,
		attribute.String("dep.source", blocker),
		attribute.String("dep.target", blocked),
		attribute.String("dep.type", string(opts.Type.OrDefault())),
	)
	err := b.inner.AddDependency(ctx, repoPath, blocker, blocked, opts)
	b.done(ctx, span, t, err, attrs)
	return err
}

func (b *InstrumentedBackend) RemoveDependency(ctx context.Context, repoPath, blocker, blocked string, opts backend.DependencyOptions) error {
	ctx, span, t, attrs := b.op(ctx, "RemoveDependency", repoPath,
		attribute.String("dep.source", blocker),
		attribute.String("dep.target", blocked),
	)
	err := b.inner.RemoveDependency(ctx, repoPath, blocker, blocked, opts)
	b.done(ctx, span, t, err, attrs)
	return err
}

func (b *InstrumentedBackend) BuildTakePrompt(ctx context.Context, repoPath, id string, opts backend.TakePromptOptions) (string, error) {
	ctx, span, t, attrs := b.op(ctx, "BuildTakePrompt", repoPath, attribute.String("beat.id", id))
	v, err := b.inner.BuildTakePrompt(ctx, repoPath, id, opts)
	b.done(ctx, span, t, err, attrs)
	return v, err
}

func (b *InstrumentedBackend) BuildPollPrompt(ctx context.Context, repoPath string, opts backend.PollPromptOptions) (string, error) {
	ctx, span, t, attrs := b.op(ctx, "BuildPollPrompt", repoPath)
	v, err := b.inner.BuildPollPrompt(ctx, repoPath, opts)
	b.done(ctx, span, t, err, attrs)
	return v, err
}
