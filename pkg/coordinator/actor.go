package coordinator

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

// actor is one independently scheduled unit of concurrency per step. It owns
// its behavior's state exclusively: the behavior is only ever invoked from
// the actor's goroutine, so behaviors need no internal locking. The bounded
// inbox is the back-pressure mechanism — a slow actor throttles its
// upstreams instead of letting queues grow without bound.
type actor struct {
	name     string
	spec     graph.StepSpec
	behavior step.Behavior
	inbox    chan *message.Message
}

// run drains the inbox until the engine shuts down.
func (a *actor) run(c *Coordinator) {
	defer c.actorsWg.Done()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case msg := <-a.inbox:
			a.process(c, msg)
			c.inflight.Done()
		}
	}
}

// process applies the behavior to one message and routes whatever it
// produced. A behavior error becomes an explicit failure signal on every
// declared output channel, so downstream joins and poolers can purge the
// corresponding partial state instead of waiting forever.
func (a *actor) process(c *Coordinator, msg *message.Message) {
	ctx := c.runCtx
	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "pipeline.step",
			trace.WithAttributes(
				attribute.String("step.name", a.name),
				attribute.String("step.kind", string(a.spec.Kind)),
				attribute.String("message.id", msg.ID)))
		defer span.End()
	}

	start := time.Now()
	outs, err := a.behavior.OnMessage(ctx, msg)
	elapsed := time.Since(start)

	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.logger.Error("step failed to process message",
			zap.String("step", a.name),
			zap.String("kind", string(a.spec.Kind)),
			zap.String("id", msg.ID),
			zap.Error(err))
		for _, out := range a.spec.Outputs {
			failure := msg.Fail(out, err.Error())
			failure.AddTrace(a.name, elapsed)
			c.publish(failure)
		}
		return
	}

	for _, out := range outs {
		out.AddTrace(a.name, elapsed)
		c.publish(out)
	}
}
