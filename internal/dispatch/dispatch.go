// Package dispatch fans a deduplicated conversion out to every configured sink.
//
// Each sink runs in its own goroutine with its own per-attempt timeout and
// exponential backoff. A failing sink never cancels or delays another. Dedup
// is not re-checked here: one logical event reaches every sink once.
// Cancelling the caller's context stops pending retries; sends that already
// completed stand.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/spoor/pkg/ledger"
	"github.com/gobwas/glob"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultTimeout        = 5 * time.Second
	publishTimeout        = 2 * time.Second
)

// ResultPublisher receives every DispatchResult. *ledger.Client satisfies it.
type ResultPublisher interface {
	PublishDispatchResult(ctx context.Context, result *ledger.DispatchResult) error
}

// Registration binds a sink to the events it should receive.
type Registration struct {
	Sink Sink
	// Events are glob patterns over event names; empty means every event.
	Events []string
}

// Options configures a Dispatcher.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
	Publisher      ResultPublisher
	Clock          func() time.Time
	Logger         *log.Logger
	Tracer         trace.Tracer
}

type registeredSink struct {
	sink     Sink
	matchers []glob.Glob
}

func (r registeredSink) wants(event string) bool {
	if len(r.matchers) == 0 {
		return true
	}
	for _, m := range r.matchers {
		if m.Match(event) {
			return true
		}
	}
	return false
}

// Dispatcher delivers conversions to sinks.
type Dispatcher struct {
	sinks          []registeredSink
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	timeout        time.Duration
	publisher      ResultPublisher
	clock          func() time.Time
	logger         *log.Logger
	tracer         trace.Tracer
}

// New creates a Dispatcher over the given sinks. Sink names must be unique.
func New(opts Options, regs ...Registration) (*Dispatcher, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		return nil, fmt.Errorf("max backoff %v is below initial backoff %v", opts.MaxBackoff, opts.InitialBackoff)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/dyluth/spoor/internal/dispatch")
	}

	d := &Dispatcher{
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		timeout:        opts.Timeout,
		publisher:      opts.Publisher,
		clock:          opts.Clock,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
	}

	seen := make(map[string]bool, len(regs))
	for _, reg := range regs {
		if reg.Sink == nil {
			return nil, fmt.Errorf("registration without a sink")
		}
		name := reg.Sink.Name()
		if seen[name] {
			return nil, fmt.Errorf("duplicate sink name %q", name)
		}
		seen[name] = true

		rs := registeredSink{sink: reg.Sink}
		for _, pattern := range reg.Events {
			g, err := glob.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("sink %s: invalid event pattern %q: %w", name, pattern, err)
			}
			rs.matchers = append(rs.matchers, g)
		}
		d.sinks = append(d.sinks, rs)
	}

	return d, nil
}

// Sinks returns the registered sink names in registration order.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, rs := range d.sinks {
		names[i] = rs.sink.Name()
	}
	return names
}

// Dispatch sends the conversion to every sink that wants the event and
// returns the aggregated outcome. It blocks until every sink has succeeded,
// exhausted its attempts, or been cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, c Conversion) ledger.DispatchResult {
	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("spoor.event", c.Event.Name),
			attribute.Int("spoor.value_code", c.ValueCode),
			attribute.Int("spoor.sinks", len(d.sinks)),
		))
	defer span.End()

	outcomes := make([]ledger.SinkOutcome, len(d.sinks))

	// Plain Group: a failing sink must not cancel its siblings
	var g errgroup.Group
	for i, rs := range d.sinks {
		if !rs.wants(c.Event.Name) {
			outcomes[i] = ledger.SinkOutcome{Sink: rs.sink.Name(), Skipped: true}
			continue
		}
		g.Go(func() error {
			outcomes[i] = d.send(ctx, rs.sink, c)
			return nil
		})
	}
	_ = g.Wait()

	result := ledger.DispatchResult{
		EventName:      c.Event.Name,
		IdempotencyKey: c.Event.IdempotencyKey,
		IdentityID:     c.IdentityID,
		ValueCode:      c.ValueCode,
		Outcomes:       outcomes,
		DispatchedAtMs: d.clock().UnixMilli(),
	}
	for _, o := range outcomes {
		switch {
		case o.Skipped:
		case o.Delivered():
			result.Delivered++
		default:
			result.Failed++
		}
	}

	span.SetAttributes(
		attribute.Int("spoor.delivered", result.Delivered),
		attribute.Int("spoor.failed", result.Failed),
	)
	if result.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d sink(s) failed", result.Failed))
	}
	d.logger.Printf("[Dispatch] %s delivered to %d sink(s), %d failed", c.Event.Name, result.Delivered, result.Failed)

	d.publish(ctx, &result)
	return result
}

func (d *Dispatcher) send(ctx context.Context, sink Sink, c Conversion) ledger.SinkOutcome {
	ctx, span := d.tracer.Start(ctx, "dispatch.sink", trace.WithAttributes(attribute.String("spoor.sink", sink.Name())))
	defer span.End()

	start := d.clock()
	attempts := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialBackoff
	b.MaxInterval = d.maxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.maxAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		err := sink.Send(attemptCtx, c)
		if err == nil {
			return nil
		}

		var httpErr *SinkHTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			return backoff.Permanent(err)
		}
		if attempts < d.maxAttempts && ctx.Err() == nil {
			d.logger.Printf("[Dispatch] Warning: sink %s attempt %d/%d failed: %v", sink.Name(), attempts, d.maxAttempts, err)
		}
		return err
	}, policy)

	elapsed := d.clock().Sub(start)
	outcome := ledger.SinkOutcome{
		Sink:       sink.Name(),
		Attempts:   attempts,
		Duration:   elapsed,
		DurationMs: elapsed.Milliseconds(),
	}
	span.SetAttributes(attribute.Int("spoor.attempts", attempts))

	if err != nil {
		outcome.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "sink failed")
		d.logger.Printf("[Dispatch] Error: dropping %s for sink %s after %d attempt(s): %v", c.Event.Name, sink.Name(), attempts, err)
	}
	return outcome
}

func (d *Dispatcher) publish(ctx context.Context, result *ledger.DispatchResult) {
	if d.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := d.publisher.PublishDispatchResult(pubCtx, result); err != nil {
		d.logger.Printf("[Dispatch] Warning: failed to publish result for %s: %v", result.EventName, err)
	}
}
