package step

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

func scriptSpec(params graph.Params) graph.StepSpec {
	return graph.StepSpec{
		Name:    "script",
		Kind:    graph.KindExternalTransform,
		Inputs:  []string{"in"},
		Outputs: []string{"out"},
		Params:  params,
	}
}

func TestScriptTransformsPayload(t *testing.T) {
	s, err := newScript(scriptSpec(graph.Params{
		"script": `function transform(features) { return features.map(function(v) { return v + 1; }); }`,
	}), Deps{})
	require.NoError(t, err)

	outs, err := s.OnMessage(context.Background(), message.New("in", []float64{1, 2, 3}))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, []float64{2, 3, 4}, outs[0].Features)
	assert.Equal(t, "out", outs[0].Channel)
}

func TestScriptCompileErrorFailsConstruction(t *testing.T) {
	_, err := newScript(scriptSpec(graph.Params{"script": `function transform( {`}), Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compiling script")
}

func TestScriptMissingTransformFailsConstruction(t *testing.T) {
	_, err := newScript(scriptSpec(graph.Params{"script": `var x = 1;`}), Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transform(features)")
}

func TestScriptRuntimeErrorIsStepFailure(t *testing.T) {
	s, err := newScript(scriptSpec(graph.Params{
		"script": `function transform(features) { throw new Error("bad input"); }`,
	}), Deps{})
	require.NoError(t, err)

	_, err = s.OnMessage(context.Background(), message.New("in", []float64{1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script execution failed")
}

func TestScriptNonNumericReturnIsStepFailure(t *testing.T) {
	s, err := newScript(scriptSpec(graph.Params{
		"script": `function transform(features) { return "nope"; }`,
	}), Deps{})
	require.NoError(t, err)

	_, err = s.OnMessage(context.Background(), message.New("in", []float64{1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "array of numbers")
}

func TestScriptTimeoutInterruptsRunawayScript(t *testing.T) {
	s, err := newScript(scriptSpec(graph.Params{
		"script":     `function transform(features) { while (true) {} }`,
		"timeout_ms": 50,
		"vm_pool":    1,
	}), Deps{})
	require.NoError(t, err)

	_, err = s.OnMessage(context.Background(), message.New("in", []float64{1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	// The VM recovers after the interrupt and serves the next message.
	s2, err := newScript(scriptSpec(graph.Params{
		"script":  `function transform(features) { return features; }`,
		"vm_pool": 1,
	}), Deps{})
	require.NoError(t, err)
	outs, err := s2.OnMessage(context.Background(), message.New("in", []float64{7}))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, []float64{7}, outs[0].Features)
}

func TestScriptVMRecoversAfterInterrupt(t *testing.T) {
	s, err := newScript(scriptSpec(graph.Params{
		"script": `function transform(features) {
			if (features[0] < 0) { while (true) {} }
			return features;
		}`,
		"timeout_ms": 50,
		"vm_pool":    1,
	}), Deps{})
	require.NoError(t, err)

	_, err = s.OnMessage(context.Background(), message.New("in", []float64{-1}))
	require.Error(t, err)

	outs, err := s.OnMessage(context.Background(), message.New("in", []float64{5}))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, []float64{5}, outs[0].Features)
}

func TestScriptForwardsFailures(t *testing.T) {
	s, err := newScript(scriptSpec(graph.Params{
		"script": `function transform(features) { return features; }`,
	}), Deps{})
	require.NoError(t, err)

	outs, err := s.OnMessage(context.Background(), message.New("in", nil).Fail("in", "boom"))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Failed)
}
