// Package step implements the behavior variants a pipeline step can take.
// The set is closed: the factory enumerates every kind, which keeps the
// graph's step set exhaustively checkable at validation time. Behaviors hold
// their own state and are driven by exactly one actor goroutine each, so none
// of them needs internal locking.
package step

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// Behavior processes one input message and returns zero or more output
// messages, each already addressed to an output channel. A returned error
// means the step failed to produce an output for this input; the actor
// runtime converts it into explicit failure signals downstream.
type Behavior interface {
	Name() string
	OnMessage(ctx context.Context, msg *message.Message) ([]*message.Message, error)
}

// EmitFunc delivers a generated message into the pipeline. It returns an
// error when the engine is shutting down and the message cannot be placed.
type EmitFunc func(*message.Message) error

// Source generates messages in batch mode. Generate blocks until the source
// is exhausted or the context is cancelled.
type Source interface {
	Name() string
	Generate(ctx context.Context, emit EmitFunc) error
}

// CompleteFunc answers the external caller correlated with token. It reports
// whether a caller was still waiting. A nil failure delivers the features; a
// non-nil failure delivers an error response instead.
type CompleteFunc func(token string, features []float64, failure error) bool

// Deps carries the collaborators a behavior may need. The coordinator grants
// these explicitly; behaviors never reach for ambient global state.
type Deps struct {
	// Logger for structured logging; a no-op logger is substituted when nil.
	Logger *zap.Logger

	// NATS is an optional connection a sink can publish results through.
	NATS *nats.Conn

	// Complete notifies an external caller in serve mode.
	Complete CompleteFunc
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// New builds the behavior for a validated step spec. DataSource specs have no
// message-driven behavior; use NewSource for them.
func New(spec graph.StepSpec, deps Deps) (Behavior, error) {
	switch spec.Kind {
	case graph.KindTransform:
		return newTransform(spec, deps)
	case graph.KindExternalTransform:
		return newScript(spec, deps)
	case graph.KindModel:
		return newModel(spec, deps)
	case graph.KindJoin:
		return newJoin(spec, deps)
	case graph.KindPooler:
		return newPooler(spec, deps)
	case graph.KindSink:
		return newSink(spec, deps)
	case graph.KindDataSource:
		return nil, fmt.Errorf("step %q: data sources are built with NewSource", spec.Name)
	default:
		return nil, fmt.Errorf("step %q has unknown kind %q", spec.Name, spec.Kind)
	}
}

// NewSource builds the generator for a DataSource spec. A "file_path" param
// selects the CSV-backed source; otherwise vectors are generated randomly.
func NewSource(spec graph.StepSpec, deps Deps) (Source, error) {
	if spec.Kind != graph.KindDataSource {
		return nil, fmt.Errorf("step %q is a %s, not a DataSource", spec.Name, spec.Kind)
	}
	if _, ok := spec.Params.String("file_path"); ok {
		return newCSVSource(spec, deps)
	}
	return newDataSource(spec, deps)
}

// forwardFailure propagates a failure signal through a stateless step so the
// cancellation reaches downstream joins, poolers and callers.
func forwardFailure(msg *message.Message, channel string) []*message.Message {
	return []*message.Message{msg.Fail(channel, msg.Error)}
}
