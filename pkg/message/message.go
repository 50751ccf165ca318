// Package message defines the data unit that flows between pipeline steps.
// Messages are immutable once published: every processing step derives a new
// message from its input instead of mutating it in place, so a message is
// owned exclusively by whichever actor currently holds it.
package message

import (
	"time"

	"github.com/google/uuid"
)

// TraceStep records one step's contribution to a message's journey through
// the pipeline.
type TraceStep struct {
	Step     string        `json:"step"`
	Duration time.Duration `json:"duration"`
}

// Message carries a numeric feature vector along a named channel.
//
// BatchID is an opaque correlation token grouping messages that originated
// from the same generation batch; joins and poolers group by it rather than
// by arrival order. Origin is set only on messages that belong to an
// externally injected request and names the correlation token that completes
// the waiting caller.
type Message struct {
	// ID uniquely identifies the data item
	ID string `json:"id"`

	// Channel is the output channel the message was emitted on
	Channel string `json:"channel"`

	// Features is the numeric payload
	Features []float64 `json:"features"`

	// BatchID groups messages generated under the same batch, if any
	BatchID string `json:"batchId,omitempty"`

	// BatchTotal is the number of messages in the batch, if known
	BatchTotal int `json:"batchTotal,omitempty"`

	// Origin is the external-call correlation token, if the message belongs
	// to an injected request
	Origin string `json:"origin,omitempty"`

	// Failed marks the message as an explicit failure signal. A step that
	// cannot produce an output for an input emits one of these instead of
	// nothing, so downstream state can be purged and callers answered.
	Failed bool `json:"failed,omitempty"`

	// Error describes the failure when Failed is set
	Error string `json:"error,omitempty"`

	// Trace accumulates the per-step processing record
	Trace []TraceStep `json:"trace,omitempty"`
}

// New creates a message with a fresh id on the given channel.
func New(channel string, features []float64) *Message {
	return &Message{
		ID:       uuid.NewString(),
		Channel:  channel,
		Features: features,
	}
}

// WithBatch attaches batch correlation info and returns the message.
func (m *Message) WithBatch(batchID string, total int) *Message {
	m.BatchID = batchID
	m.BatchTotal = total
	return m
}

// WithOrigin attaches an external-call correlation token and returns the
// message.
func (m *Message) WithOrigin(token string) *Message {
	m.Origin = token
	return m
}

// Derive produces a new message on the given channel carrying the given
// payload, preserving the lineage of the receiver: id, batch correlation and
// origin are kept, and the trace is copied so the two messages never share
// backing storage.
func (m *Message) Derive(channel string, features []float64) *Message {
	return &Message{
		ID:         m.ID,
		Channel:    channel,
		Features:   features,
		BatchID:    m.BatchID,
		BatchTotal: m.BatchTotal,
		Origin:     m.Origin,
		Trace:      m.copyTrace(),
	}
}

// Fail derives an explicit failure signal on the given channel. The payload
// is dropped; correlation info is preserved so downstream joins and poolers
// can purge the matching partial state and a waiting caller can be answered.
func (m *Message) Fail(channel, reason string) *Message {
	f := m.Derive(channel, nil)
	f.Failed = true
	f.Error = reason
	return f
}

// Key returns the correlation key used by joins and poolers: the batch id
// when present, otherwise the message id.
func (m *Message) Key() string {
	if m.BatchID != "" {
		return m.BatchID
	}
	return m.ID
}

// AddTrace appends a processing record for the named step.
func (m *Message) AddTrace(step string, d time.Duration) {
	m.Trace = append(m.Trace, TraceStep{Step: step, Duration: d})
}

func (m *Message) copyTrace() []TraceStep {
	if len(m.Trace) == 0 {
		return nil
	}
	out := make([]TraceStep, len(m.Trace))
	copy(out, m.Trace)
	return out
}
