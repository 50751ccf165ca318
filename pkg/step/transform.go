package step

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// Transform applies a pure, stateless function to each input vector.
type Transform struct {
	name   string
	out    string
	op     string
	logger *zap.Logger
}

func newTransform(spec graph.StepSpec, deps Deps) (*Transform, error) {
	op, ok := spec.Params.String("op")
	if !ok {
		op = graph.TransformIdentity
	}
	return &Transform{
		name:   spec.Name,
		out:    spec.Outputs[0],
		op:     op,
		logger: deps.logger(),
	}, nil
}

// Name returns the step name.
func (t *Transform) Name() string {
	return t.name
}

// OnMessage derives one output message from the input.
func (t *Transform) OnMessage(_ context.Context, msg *message.Message) ([]*message.Message, error) {
	if msg.Failed {
		return forwardFailure(msg, t.out), nil
	}
	return []*message.Message{msg.Derive(t.out, t.apply(msg.Features))}, nil
}

func (t *Transform) apply(features []float64) []float64 {
	out := make([]float64, len(features))
	switch t.op {
	case graph.TransformNormalize:
		max := math.Inf(-1)
		for _, v := range features {
			if v > max {
				max = v
			}
		}
		if max == 0 || math.IsNaN(max) || math.IsInf(max, 0) {
			// Nothing sane to scale by; pass the vector through unchanged.
			t.logger.Warn("normalization skipped: max is zero or not finite", zap.String("step", t.name))
			copy(out, features)
			return out
		}
		for i, v := range features {
			out[i] = v / max
		}
	case graph.TransformSquare:
		for i, v := range features {
			out[i] = v * v
		}
	default:
		copy(out, features)
	}
	return out
}
