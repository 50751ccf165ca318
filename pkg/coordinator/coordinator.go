// Package coordinator owns the execution of a validated pipeline graph: it
// builds one actor per step, wires their outputs through a shared routing
// table, and — in serve mode — correlates externally injected requests with
// the terminal message that answers them.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

// DefaultInboxSize bounds each actor's input queue. A full inbox blocks the
// publisher, throttling upstream producers.
const DefaultInboxSize = 64

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithNATS grants sinks a NATS connection to publish results through.
func WithNATS(nc *nats.Conn) Option {
	return func(c *Coordinator) { c.nats = nc }
}

// WithTracer enables a per-message processing span on every actor.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = tracer }
}

// WithInboxSize overrides the actor inbox capacity.
func WithInboxSize(size int) Option {
	return func(c *Coordinator) {
		if size > 0 {
			c.inboxSize = size
		}
	}
}

type injectResult struct {
	features []float64
	err      error
}

// Coordinator spawns and supervises the pipeline's actors. The routing table
// is built once at construction and never structurally mutated afterwards;
// the correlation table is the only other shared state and is guarded by a
// mutex on insert, lookup and remove.
type Coordinator struct {
	graph     *graph.Graph
	logger    *zap.Logger
	nats      *nats.Conn
	tracer    trace.Tracer
	inboxSize int

	actors  map[string]*actor
	sources []step.Source
	routes  *routingTable

	mu      sync.Mutex
	pending map[string]chan injectResult
	started bool

	runCtx   context.Context
	cancel   context.CancelFunc
	actorsWg sync.WaitGroup

	// inflight counts undelivered and unprocessed messages; it drains to
	// zero exactly when the pipeline is quiescent.
	inflight sync.WaitGroup
}

// New builds a coordinator for a validated graph: behaviors via the closed
// step factory, then the routing table from the declared channel bindings.
func New(g *graph.Graph, opts ...Option) (*Coordinator, error) {
	if g == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}

	c := &Coordinator{
		graph:     g,
		inboxSize: DefaultInboxSize,
		actors:    make(map[string]*actor),
		pending:   make(map[string]chan injectResult),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger, _ = zap.NewProduction()
	}

	deps := step.Deps{
		Logger:   c.logger,
		NATS:     c.nats,
		Complete: c.complete,
	}

	for _, spec := range g.Steps() {
		if spec.Kind == graph.KindDataSource {
			src, err := step.NewSource(spec, deps)
			if err != nil {
				return nil, fmt.Errorf("building source %q: %w", spec.Name, err)
			}
			c.sources = append(c.sources, src)
			continue
		}
		behavior, err := step.New(spec, deps)
		if err != nil {
			return nil, fmt.Errorf("building step %q: %w", spec.Name, err)
		}
		c.actors[spec.Name] = &actor{
			name:     spec.Name,
			spec:     spec,
			behavior: behavior,
			inbox:    make(chan *message.Message, c.inboxSize),
		}
	}

	c.routes = newRoutingTable(g, c.actors)
	return c, nil
}

// Graph returns the finalized graph the coordinator executes.
func (c *Coordinator) Graph() *graph.Graph {
	return c.graph
}

// Start spawns every actor goroutine. It must be called before Inject and is
// called by Run in batch mode. The actors live until Stop or until the given
// context is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("coordinator already started")
	}
	c.started = true

	c.runCtx, c.cancel = context.WithCancel(ctx)
	for _, a := range c.actors {
		c.actorsWg.Add(1)
		go a.run(c)
	}

	c.logger.Info("coordinator started",
		zap.String("mode", c.graph.Mode().String()),
		zap.Int("actors", len(c.actors)),
		zap.Int("sources", len(c.sources)))
	return nil
}

// Stop shuts the actors down and abandons any pending external calls.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.actorsWg.Wait()

	c.mu.Lock()
	for token, reply := range c.pending {
		reply <- injectResult{err: errors.ErrShuttingDown}
		delete(c.pending, token)
	}
	c.mu.Unlock()

	c.logger.Info("coordinator stopped")
}

// Run executes the pipeline in batch mode: sources generate until exhausted
// and the engine waits for every in-flight message to drain. When the
// context expires first, pending work is abandoned and Run reports an
// incomplete execution instead of hanging.
func (c *Coordinator) Run(ctx context.Context) error {
	if len(c.sources) == 0 {
		return fmt.Errorf("batch run requires at least one data source")
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop()

	var sourcesWg sync.WaitGroup
	for _, src := range c.sources {
		sourcesWg.Add(1)
		go func(src step.Source) {
			defer sourcesWg.Done()
			if err := src.Generate(c.runCtx, c.emit); err != nil && c.runCtx.Err() == nil {
				c.logger.Error("data source failed",
					zap.String("step", src.Name()),
					zap.Error(err))
			}
		}(src)
	}

	drained := make(chan struct{})
	go func() {
		sourcesWg.Wait()
		c.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		c.logger.Info("pipeline drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: context expired before the pipeline drained", errors.ErrIncomplete)
	}
}

// Inject delivers one external request into the rewritten graph and blocks
// until the terminal sink completes it, the context expires, or the engine
// shuts down. Each call receives a fresh correlation token; completion is
// at-most-once per token.
func (c *Coordinator) Inject(ctx context.Context, features []float64) ([]float64, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator not started")
	}
	token := uuid.NewString()
	reply := make(chan injectResult, 1)
	c.pending[token] = reply
	c.mu.Unlock()

	msg := &message.Message{
		ID:         token,
		Channel:    graph.EntryChannel,
		Features:   features,
		BatchID:    token,
		BatchTotal: 1,
		Origin:     token,
	}
	c.publish(msg)

	select {
	case res := <-reply:
		return res.features, res.err
	case <-ctx.Done():
		c.forget(token)
		return nil, fmt.Errorf("%w: request %s", errors.ErrTimeout, token)
	case <-c.runCtx.Done():
		c.forget(token)
		return nil, errors.ErrShuttingDown
	}
}

// complete answers the caller waiting on token. It reports false when no
// caller is waiting (already completed or timed out); the table entry is
// removed either way, which is what makes completion at-most-once.
func (c *Coordinator) complete(token string, features []float64, failure error) bool {
	c.mu.Lock()
	reply, ok := c.pending[token]
	if ok {
		delete(c.pending, token)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	reply <- injectResult{features: features, err: failure}
	return true
}

func (c *Coordinator) forget(token string) {
	c.mu.Lock()
	delete(c.pending, token)
	c.mu.Unlock()
}

// emit is the EmitFunc handed to data sources.
func (c *Coordinator) emit(msg *message.Message) error {
	if err := c.runCtx.Err(); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrShuttingDown, err)
	}
	c.publish(msg)
	return nil
}

// publish fans the message out to every subscriber of its channel, in
// subscription order. Delivery blocks on a full inbox — that is the
// back-pressure path — but never survives engine shutdown.
func (c *Coordinator) publish(msg *message.Message) {
	subs := c.routes.subscribers(msg.Channel)
	if len(subs) == 0 {
		c.logger.Warn("no subscribers for channel",
			zap.String("channel", msg.Channel),
			zap.String("id", msg.ID))
		return
	}
	for _, sub := range subs {
		c.inflight.Add(1)
		select {
		case sub.inbox <- msg:
		case <-c.runCtx.Done():
			c.inflight.Done()
			return
		}
	}
}
