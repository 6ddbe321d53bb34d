// Package telemetry decorates a World with OpenTelemetry spans and metrics
// plus clue debug logging. It uses the global tracer and meter providers;
// configure them via clue.ConfigureOpenTelemetry (or environment variables
// like OTEL_EXPORTER_OTLP_ENDPOINT) before serving traffic.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/durablekit/world"
)

const scope = "github.com/durablekit/world"

// World instruments every store operation of the wrapped backend. Construct
// with Wrap.
type World struct {
	next world.World
	obs  *observer
}

var (
	_ world.World  = (*World)(nil)
	_ world.Pinger = (*World)(nil)
)

// Wrap returns w decorated with a span, a duration histogram and an outcome
// counter per operation.
func Wrap(w world.World) *World {
	meter := otel.Meter(scope)
	duration, _ := meter.Float64Histogram("world.operation.duration",
		metric.WithUnit("s"))
	ops, _ := meter.Int64Counter("world.operations")
	return &World{
		next: w,
		obs: &observer{
			tracer:   otel.Tracer(scope),
			duration: duration,
			ops:      ops,
		},
	}
}

type observer struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
	ops      metric.Int64Counter
}

// observe wraps one backend call: span, metrics, debug log. The outcome
// attribute is "ok" or the error kind.
func (o *observer) observe(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = string(world.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	)
	o.duration.Record(ctx, elapsed.Seconds(), attrs)
	o.ops.Add(ctx, 1, attrs)
	log.Debug(ctx, log.KV{K: "msg", V: "world operation"},
		log.KV{K: "operation", V: op},
		log.KV{K: "outcome", V: outcome},
		log.KV{K: "duration_ms", V: elapsed.Milliseconds()})
	return err
}

// Ping delegates to the backend when it supports health checks.
func (w *World) Ping(ctx context.Context) error {
	p, ok := w.next.(world.Pinger)
	if !ok {
		return nil
	}
	return w.obs.observe(ctx, "world.ping", p.Ping)
}

// Runs returns the instrumented run store.
func (w *World) Runs() world.RunStore { return &runStore{next: w.next.Runs(), obs: w.obs} }

// Steps returns the instrumented step store.
func (w *World) Steps() world.StepStore { return &stepStore{next: w.next.Steps(), obs: w.obs} }

// Events returns the instrumented event log.
func (w *World) Events() world.EventStore { return &eventStore{next: w.next.Events(), obs: w.obs} }

// Hooks returns the instrumented hook registry.
func (w *World) Hooks() world.HookStore { return &hookStore{next: w.next.Hooks(), obs: w.obs} }

// WriteToStream appends a chunk to the named stream.
func (w *World) WriteToStream(ctx context.Context, name string, runID *world.RunIDHandle, data []byte) error {
	return w.obs.observe(ctx, "streamer.write", func(ctx context.Context) error {
		return w.next.WriteToStream(ctx, name, runID, data)
	})
}

// CloseStream appends the terminal EOF chunk to the named stream.
func (w *World) CloseStream(ctx context.Context, name string, runID *world.RunIDHandle) error {
	return w.obs.observe(ctx, "streamer.close", func(ctx context.Context) error {
		return w.next.CloseStream(ctx, name, runID)
	})
}

// ReadFromStream replays the named stream and follows it live until EOF. Only
// the subscription itself is observed; chunk delivery runs on the returned
// channels.
func (w *World) ReadFromStream(ctx context.Context, name string, opts world.ReadOptions) (out <-chan []byte, errs <-chan error, cancel context.CancelFunc, err error) {
	err = w.obs.observe(ctx, "streamer.read", func(ctx context.Context) error {
		var ierr error
		out, errs, cancel, ierr = w.next.ReadFromStream(ctx, name, opts)
		return ierr
	})
	return out, errs, cancel, err
}

// Enqueue submits a message for delivery.
func (w *World) Enqueue(ctx context.Context, queueName string, payload []byte, opts world.EnqueueOptions) (msgID string, err error) {
	err = w.obs.observe(ctx, "queue.enqueue", func(ctx context.Context) error {
		var ierr error
		msgID, ierr = w.next.Enqueue(ctx, queueName, payload, opts)
		return ierr
	})
	return msgID, err
}

// RegisterHandler installs the handler for a queue name prefix.
func (w *World) RegisterHandler(prefix string, handler world.Handler) error {
	return w.next.RegisterHandler(prefix, handler)
}

// Start begins queue delivery.
func (w *World) Start(ctx context.Context) error {
	return w.obs.observe(ctx, "queue.start", w.next.Start)
}

// DeploymentID identifies the process binding.
func (w *World) DeploymentID() string { return w.next.DeploymentID() }

type runStore struct {
	next world.RunStore
	obs  *observer
}

func (s *runStore) Create(ctx context.Context, req world.CreateRunRequest) (run *world.Run, err error) {
	err = s.obs.observe(ctx, "runs.create", func(ctx context.Context) error {
		var ierr error
		run, ierr = s.next.Create(ctx, req)
		return ierr
	})
	return run, err
}

func (s *runStore) Get(ctx context.Context, runID string, opts world.GetRunOptions) (run *world.Run, err error) {
	err = s.obs.observe(ctx, "runs.get", func(ctx context.Context) error {
		var ierr error
		run, ierr = s.next.Get(ctx, runID, opts)
		return ierr
	})
	return run, err
}

func (s *runStore) Update(ctx context.Context, runID string, patch world.RunPatch) (run *world.Run, err error) {
	err = s.obs.observe(ctx, "runs.update", func(ctx context.Context) error {
		var ierr error
		run, ierr = s.next.Update(ctx, runID, patch)
		return ierr
	})
	return run, err
}

func (s *runStore) Cancel(ctx context.Context, runID string) (run *world.Run, err error) {
	err = s.obs.observe(ctx, "runs.cancel", func(ctx context.Context) error {
		var ierr error
		run, ierr = s.next.Cancel(ctx, runID)
		return ierr
	})
	return run, err
}

func (s *runStore) Pause(ctx context.Context, runID string) (run *world.Run, err error) {
	err = s.obs.observe(ctx, "runs.pause", func(ctx context.Context) error {
		var ierr error
		run, ierr = s.next.Pause(ctx, runID)
		return ierr
	})
	return run, err
}

func (s *runStore) Resume(ctx context.Context, runID string) (run *world.Run, err error) {
	err = s.obs.observe(ctx, "runs.resume", func(ctx context.Context) error {
		var ierr error
		run, ierr = s.next.Resume(ctx, runID)
		return ierr
	})
	return run, err
}

func (s *runStore) List(ctx context.Context, params world.ListRunsParams) (page *world.Page[world.Run], err error) {
	err = s.obs.observe(ctx, "runs.list", func(ctx context.Context) error {
		var ierr error
		page, ierr = s.next.List(ctx, params)
		return ierr
	})
	return page, err
}

type stepStore struct {
	next world.StepStore
	obs  *observer
}

func (s *stepStore) Create(ctx context.Context, runID string, req world.CreateStepRequest) (step *world.Step, err error) {
	err = s.obs.observe(ctx, "steps.create", func(ctx context.Context) error {
		var ierr error
		step, ierr = s.next.Create(ctx, runID, req)
		return ierr
	})
	return step, err
}

func (s *stepStore) Get(ctx context.Context, runID, stepID string) (step *world.Step, err error) {
	err = s.obs.observe(ctx, "steps.get", func(ctx context.Context) error {
		var ierr error
		step, ierr = s.next.Get(ctx, runID, stepID)
		return ierr
	})
	return step, err
}

func (s *stepStore) Update(ctx context.Context, runID, stepID string, patch world.StepPatch) (step *world.Step, err error) {
	err = s.obs.observe(ctx, "steps.update", func(ctx context.Context) error {
		var ierr error
		step, ierr = s.next.Update(ctx, runID, stepID, patch)
		return ierr
	})
	return step, err
}

func (s *stepStore) List(ctx context.Context, params world.ListStepsParams) (page *world.Page[world.Step], err error) {
	err = s.obs.observe(ctx, "steps.list", func(ctx context.Context) error {
		var ierr error
		page, ierr = s.next.List(ctx, params)
		return ierr
	})
	return page, err
}

type eventStore struct {
	next world.EventStore
	obs  *observer
}

func (s *eventStore) Create(ctx context.Context, runID string, req world.CreateEventRequest) (event *world.Event, err error) {
	err = s.obs.observe(ctx, "events.create", func(ctx context.Context) error {
		var ierr error
		event, ierr = s.next.Create(ctx, runID, req)
		return ierr
	})
	return event, err
}

func (s *eventStore) List(ctx context.Context, params world.ListEventsParams) (page *world.Page[world.Event], err error) {
	err = s.obs.observe(ctx, "events.list", func(ctx context.Context) error {
		var ierr error
		page, ierr = s.next.List(ctx, params)
		return ierr
	})
	return page, err
}

func (s *eventStore) ListByCorrelationID(ctx context.Context, params world.ListByCorrelationParams) (page *world.Page[world.Event], err error) {
	err = s.obs.observe(ctx, "events.list_by_correlation", func(ctx context.Context) error {
		var ierr error
		page, ierr = s.next.ListByCorrelationID(ctx, params)
		return ierr
	})
	return page, err
}

type hookStore struct {
	next world.HookStore
	obs  *observer
}

func (s *hookStore) Create(ctx context.Context, runID string, req world.CreateHookRequest) (hook *world.Hook, err error) {
	err = s.obs.observe(ctx, "hooks.create", func(ctx context.Context) error {
		var ierr error
		hook, ierr = s.next.Create(ctx, runID, req)
		return ierr
	})
	return hook, err
}

func (s *hookStore) Get(ctx context.Context, hookID string) (hook *world.Hook, err error) {
	err = s.obs.observe(ctx, "hooks.get", func(ctx context.Context) error {
		var ierr error
		hook, ierr = s.next.Get(ctx, hookID)
		return ierr
	})
	return hook, err
}

func (s *hookStore) GetByToken(ctx context.Context, token string) (hook *world.Hook, err error) {
	err = s.obs.observe(ctx, "hooks.get_by_token", func(ctx context.Context) error {
		var ierr error
		hook, ierr = s.next.GetByToken(ctx, token)
		return ierr
	})
	return hook, err
}

func (s *hookStore) List(ctx context.Context, params world.ListHooksParams) (page *world.Page[world.Hook], err error) {
	err = s.obs.observe(ctx, "hooks.list", func(ctx context.Context) error {
		var ierr error
		page, ierr = s.next.List(ctx, params)
		return ierr
	})
	return page, err
}

func (s *hookStore) Dispose(ctx context.Context, hookID string) (hook *world.Hook, err error) {
	err = s.obs.observe(ctx, "hooks.dispose", func(ctx context.Context) error {
		var ierr error
		hook, ierr = s.next.Dispose(ctx, hookID)
		return ierr
	})
	return hook, err
}
