package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// Sink is the terminal consumer. In batch mode it surfaces each result
// through the logger and, when configured with a nats_subject param and a
// connection, publishes the result message as JSON. In serve mode the
// arrival of a message whose origin is set completes the external call
// waiting on the same correlation token.
type Sink struct {
	name     string
	subject  string
	nc       *nats.Conn
	complete CompleteFunc
	logger   *zap.Logger
}

func newSink(spec graph.StepSpec, deps Deps) (*Sink, error) {
	subject, _ := spec.Params.String("nats_subject")
	if subject != "" && deps.NATS == nil {
		return nil, fmt.Errorf("step %q: nats_subject is set but no NATS connection was provided", spec.Name)
	}
	return &Sink{
		name:     spec.Name,
		subject:  subject,
		nc:       deps.NATS,
		complete: deps.Complete,
		logger:   deps.logger(),
	}, nil
}

// Name returns the step name.
func (s *Sink) Name() string {
	return s.name
}

// OnMessage consumes the final message. It never produces outputs.
func (s *Sink) OnMessage(_ context.Context, msg *message.Message) ([]*message.Message, error) {
	if msg.Origin != "" {
		s.completeCall(msg)
		return nil, nil
	}

	if msg.Failed {
		s.logger.Error("pipeline produced a failure",
			zap.String("step", s.name),
			zap.String("id", msg.ID),
			zap.String("error", msg.Error))
		return nil, nil
	}

	s.logger.Info("pipeline result",
		zap.String("step", s.name),
		zap.String("id", msg.ID),
		zap.String("batch_id", msg.BatchID),
		zap.Float64s("features", msg.Features),
		zap.Int("trace_steps", len(msg.Trace)))

	if s.nc != nil && s.subject != "" {
		s.publish(msg)
	}
	return nil, nil
}

// completeCall answers the external caller correlated with the message. The
// coordinator guarantees at-most-once completion per token; a missing waiter
// means the caller already timed out.
func (s *Sink) completeCall(msg *message.Message) {
	if s.complete == nil {
		s.logger.Warn("message carries an origin but no completer is wired",
			zap.String("step", s.name),
			zap.String("origin", msg.Origin))
		return
	}

	var failure error
	if msg.Failed {
		failure = fmt.Errorf("%w: %s", errors.ErrStepFailed, msg.Error)
	}
	if !s.complete(msg.Origin, msg.Features, failure) {
		s.logger.Warn("no caller waiting for correlation token",
			zap.String("step", s.name),
			zap.String("origin", msg.Origin))
	}
}

func (s *Sink) publish(msg *message.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to encode result for publishing", zap.Error(err))
		return
	}
	if err := s.nc.Publish(s.subject, payload); err != nil {
		s.logger.Error("failed to publish result",
			zap.String("subject", s.subject),
			zap.Error(err))
		return
	}
	s.logger.Debug("published result", zap.String("subject", s.subject))
}
