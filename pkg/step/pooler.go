package step

import (
	"context"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// Pooler accumulates messages and emits one combined message once a grouping
// condition is satisfied.
//
// In batch_id mode, messages sharing a batch id accumulate until the group
// reaches its flush size, then the group's payloads are combined in arrival
// order and the group is cleared; the next message with the same id starts a
// new group. In window mode, the pooler keeps the most recent arrivals in
// arrival order and, whenever the window is full, emits the combined window
// and slides forward by the configured stride (stride == window_size gives
// tumbling windows). Capacity bounds hold at all times: groups never exceed
// their flush size and the window never exceeds window_size.
type Pooler struct {
	name       string
	out        string
	mode       string
	windowSize int
	stride     int
	batchSize  int
	window     []*message.Message
	groups     map[string][]*message.Message
	logger     *zap.Logger
}

func newPooler(spec graph.StepSpec, deps Deps) (*Pooler, error) {
	p := &Pooler{
		name:   spec.Name,
		out:    spec.Outputs[0],
		mode:   graph.PoolMode(spec),
		groups: make(map[string][]*message.Message),
		logger: deps.logger(),
	}

	if p.mode == graph.PoolModeWindow {
		p.windowSize, _ = spec.Params.Int("window_size")
		p.stride = 1
		if stride, ok := spec.Params.Int("stride"); ok {
			p.stride = stride
		}
	} else {
		p.batchSize, _ = spec.Params.Int("batch_size")
	}

	return p, nil
}

// Name returns the step name.
func (p *Pooler) Name() string {
	return p.name
}

// OnMessage buffers the arrival and flushes when the configured condition is
// met. Failure signals bypass buffering: in batch_id mode they additionally
// purge the affected group so it cannot stay pending forever.
func (p *Pooler) OnMessage(_ context.Context, msg *message.Message) ([]*message.Message, error) {
	if msg.Failed {
		if p.mode == graph.PoolModeBatchID {
			key := msg.Key()
			if _, ok := p.groups[key]; ok {
				delete(p.groups, key)
				p.logger.Warn("pooler purged group after upstream failure",
					zap.String("step", p.name),
					zap.String("key", key))
			}
		}
		return forwardFailure(msg, p.out), nil
	}

	if p.mode == graph.PoolModeWindow {
		return p.poolWindow(msg), nil
	}
	return p.poolBatch(msg), nil
}

func (p *Pooler) poolWindow(msg *message.Message) []*message.Message {
	p.window = append(p.window, msg)
	if len(p.window) < p.windowSize {
		return nil
	}

	combined := combinePayloads(p.window)
	p.window = append(p.window[:0:0], p.window[p.stride:]...)

	out := msg.Derive(p.out, combined)
	out.BatchTotal = 1

	p.logger.Debug("pooler flushed window",
		zap.String("step", p.name),
		zap.Int("window_size", p.windowSize),
		zap.Int("stride", p.stride))
	return []*message.Message{out}
}

func (p *Pooler) poolBatch(msg *message.Message) []*message.Message {
	key := msg.Key()
	group := append(p.groups[key], msg)

	size := p.batchSize
	if size <= 0 {
		size = msg.BatchTotal
	}
	if size <= 0 {
		// No grouping info at all; the message forms its own group.
		size = 1
	}

	if len(group) < size {
		p.groups[key] = group
		return nil
	}
	delete(p.groups, key)

	out := msg.Derive(p.out, combinePayloads(group))
	out.BatchTotal = 1

	p.logger.Debug("pooler flushed group",
		zap.String("step", p.name),
		zap.String("key", key),
		zap.Int("size", size))
	return []*message.Message{out}
}

// combinePayloads flattens the buffered payloads in arrival order.
func combinePayloads(msgs []*message.Message) []float64 {
	var combined []float64
	for _, m := range msgs {
		combined = append(combined, m.Features...)
	}
	return combined
}
