package step

import (
	"context"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// Join buffers partial arrivals per correlation key and, in AND mode, emits
// one combined message per key once every declared input has delivered at
// least once. Emission clears the key's buffered state and tombstones the
// key, so a key emits exactly once no matter how many messages arrive on
// each branch afterwards.
//
// Correctness depends on correlation by key, never on arrival order across
// branches. Additional combination policies are reserved at the definition
// level (graph.JoinModeOr) but rejected by validation until they have
// concrete semantics.
type Join struct {
	name   string
	out    string
	inputs []string
	// pending maps key -> input channel -> buffered payloads. No entry
	// survives past emission; an entry growing without bound means an input
	// branch never delivered for that key.
	pending map[string]map[string][][]float64
	// done holds keys that already emitted (or failed); late arrivals for
	// them are dropped.
	done   map[string]struct{}
	logger *zap.Logger
}

func newJoin(spec graph.StepSpec, deps Deps) (*Join, error) {
	return &Join{
		name:    spec.Name,
		out:     spec.Outputs[0],
		inputs:  append([]string(nil), spec.Inputs...),
		pending: make(map[string]map[string][][]float64),
		done:    make(map[string]struct{}),
		logger:  deps.logger(),
	}, nil
}

// Name returns the step name.
func (j *Join) Name() string {
	return j.name
}

// OnMessage buffers the arrival and emits the combined message when the key
// completes. A failure signal purges the key's partial state and forwards
// one failure downstream, so poolers and waiting callers are not left
// pending forever.
func (j *Join) OnMessage(_ context.Context, msg *message.Message) ([]*message.Message, error) {
	key := msg.Key()

	if _, completed := j.done[key]; completed {
		j.logger.Debug("join dropped late arrival",
			zap.String("step", j.name),
			zap.String("key", key),
			zap.String("channel", msg.Channel))
		return nil, nil
	}

	if msg.Failed {
		delete(j.pending, key)
		j.done[key] = struct{}{}
		j.logger.Warn("join purged key after upstream failure",
			zap.String("step", j.name),
			zap.String("key", key),
			zap.String("error", msg.Error))
		return forwardFailure(msg, j.out), nil
	}

	entry, ok := j.pending[key]
	if !ok {
		entry = make(map[string][][]float64, len(j.inputs))
		j.pending[key] = entry
	}
	entry[msg.Channel] = append(entry[msg.Channel], msg.Features)

	for _, in := range j.inputs {
		if len(entry[in]) == 0 {
			// Still waiting on this branch.
			return nil, nil
		}
	}

	// Combine buffered payloads in input-declaration order.
	var combined []float64
	for _, in := range j.inputs {
		for _, payload := range entry[in] {
			combined = append(combined, payload...)
		}
	}

	delete(j.pending, key)
	j.done[key] = struct{}{}

	out := msg.Derive(j.out, combined)
	// The join collapses a batch into a single message, so the batch total
	// is re-derived for downstream poolers.
	out.BatchTotal = 1

	j.logger.Debug("join emitted combined message",
		zap.String("step", j.name),
		zap.String("key", key),
		zap.Int("dims", len(combined)))
	return []*message.Message{out}, nil
}
