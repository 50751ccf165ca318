package step

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

func transformSpec(op string) graph.StepSpec {
	params := graph.Params{}
	if op != "" {
		params["op"] = op
	}
	return graph.StepSpec{
		Name:    "t",
		Kind:    graph.KindTransform,
		Inputs:  []string{"in"},
		Outputs: []string{"out"},
		Params:  params,
	}
}

func TestTransformOps(t *testing.T) {
	tests := []struct {
		name string
		op   string
		in   []float64
		want []float64
	}{
		{name: "normalize divides by max", op: "normalize", in: []float64{2, 4, 8}, want: []float64{0.25, 0.5, 1}},
		{name: "normalize all zeros passes through", op: "normalize", in: []float64{0, 0}, want: []float64{0, 0}},
		{name: "square", op: "square", in: []float64{2, -3}, want: []float64{4, 9}},
		{name: "identity", op: "identity", in: []float64{1, 2}, want: []float64{1, 2}},
		{name: "default is identity", op: "", in: []float64{5}, want: []float64{5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := newTransform(transformSpec(tt.op), Deps{})
			require.NoError(t, err)

			outs, err := tr.OnMessage(context.Background(), message.New("in", tt.in))
			require.NoError(t, err)
			require.Len(t, outs, 1)
			assert.Equal(t, "out", outs[0].Channel)
			assert.InDeltaSlice(t, tt.want, outs[0].Features, 1e-9)
		})
	}
}

func TestTransformDoesNotMutateInput(t *testing.T) {
	tr, err := newTransform(transformSpec("square"), Deps{})
	require.NoError(t, err)

	in := message.New("in", []float64{2, 3})
	_, err = tr.OnMessage(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3}, in.Features)
}

func TestTransformForwardsFailures(t *testing.T) {
	tr, err := newTransform(transformSpec("square"), Deps{})
	require.NoError(t, err)

	failure := message.New("in", nil).Fail("in", "upstream failed")
	outs, err := tr.OnMessage(context.Background(), failure)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Failed)
	assert.Equal(t, "out", outs[0].Channel)
	assert.Equal(t, "upstream failed", outs[0].Error)
}
