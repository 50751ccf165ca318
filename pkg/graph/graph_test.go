package graph

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	enginerr "github.com/wehubfusion/Daedalus/pkg/errors"
)

func batchSpecs() []StepSpec {
	return []StepSpec{
		{Name: "source", Kind: KindDataSource, Outputs: []string{"raw"},
			Params: Params{"limit": 10, "batch_size": 2}},
		{Name: "normalize", Kind: KindTransform, Inputs: []string{"raw"}, Outputs: []string{"norm"},
			Params: Params{"op": "normalize"}},
		{Name: "square", Kind: KindTransform, Inputs: []string{"raw"}, Outputs: []string{"sq"},
			Params: Params{"op": "square"}},
		{Name: "merge", Kind: KindJoin, Inputs: []string{"norm", "sq"}, Outputs: []string{"joined"}},
		{Name: "pool", Kind: KindPooler, Inputs: []string{"joined"}, Outputs: []string{"pooled"},
			Params: Params{"mode": "batch_id"}},
		{Name: "out", Kind: KindSink, Inputs: []string{"pooled"}},
	}
}

func TestBuildBatchGraph(t *testing.T) {
	g, err := Build(batchSpecs(), ModeBatch)
	require.NoError(t, err)

	assert.Equal(t, ModeBatch, g.Mode())
	assert.Len(t, g.Steps(), 6)

	// Fan-out follows declaration order.
	assert.Equal(t, []string{"normalize", "square"}, g.Consumers("raw"))
	assert.Equal(t, []string{"merge"}, g.Consumers("norm"))

	producer, ok := g.Producer("joined")
	require.True(t, ok)
	assert.Equal(t, "merge", producer)

	assert.Equal(t, "out", g.TerminalSink())

	order := g.TopoOrder()
	require.Len(t, order, 6)
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["source"], pos["normalize"])
	assert.Less(t, pos["normalize"], pos["merge"])
	assert.Less(t, pos["merge"], pos["pool"])
	assert.Less(t, pos["pool"], pos["out"])
}

func TestBuildDoesNotMutateInput(t *testing.T) {
	specs := batchSpecs()
	_, err := Build(specs, ModeServe)
	require.NoError(t, err)

	// Serve-mode rewriting must work on clones.
	assert.Equal(t, []string{"raw"}, specs[1].Inputs)
	assert.Equal(t, "batch_id", specs[4].Params["mode"])
}

func TestBuildValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		specs []StepSpec
		want  string
	}{
		{
			name: "duplicate step names",
			specs: []StepSpec{
				{Name: "a", Kind: KindDataSource, Outputs: []string{"x"}, Params: Params{"limit": 1}},
				{Name: "a", Kind: KindSink, Inputs: []string{"x"}},
			},
			want: "duplicate step name",
		},
		{
			name: "missing producer",
			specs: []StepSpec{
				{Name: "src", Kind: KindDataSource, Outputs: []string{"raw"}, Params: Params{"limit": 1}},
				{Name: "sink", Kind: KindSink, Inputs: []string{"ghost"}},
			},
			want: `channel "ghost" has no producing step`,
		},
		{
			name: "two producers for one channel",
			specs: []StepSpec{
				{Name: "a", Kind: KindDataSource, Outputs: []string{"raw"}, Params: Params{"limit": 1}},
				{Name: "b", Kind: KindDataSource, Outputs: []string{"raw"}, Params: Params{"limit": 1}},
				{Name: "sink", Kind: KindSink, Inputs: []string{"raw"}},
			},
			want: `channel "raw" produced by both`,
		},
		{
			name: "cycle",
			specs: []StepSpec{
				{Name: "src", Kind: KindDataSource, Outputs: []string{"raw"}, Params: Params{"limit": 1}},
				{Name: "a", Kind: KindJoin, Inputs: []string{"raw", "b_out"}, Outputs: []string{"a_out"}},
				{Name: "b", Kind: KindTransform, Inputs: []string{"a_out"}, Outputs: []string{"b_out"}},
				{Name: "sink", Kind: KindSink, Inputs: []string{"b_out"}},
			},
			want: "cycle",
		},
		{
			name: "no sink",
			specs: []StepSpec{
				{Name: "src", Kind: KindDataSource, Outputs: []string{"raw"}, Params: Params{"limit": 1}},
				{Name: "t", Kind: KindTransform, Inputs: []string{"raw"}, Outputs: []string{"out"}},
			},
			want: "exactly one Sink",
		},
		{
			name: "batch mode without sources",
			specs: []StepSpec{
				{Name: "t", Kind: KindTransform, Inputs: []string{"raw"}, Outputs: []string{"out"}},
				{Name: "sink", Kind: KindSink, Inputs: []string{"out"}},
			},
			want: "at least one DataSource",
		},
		{
			name: "source without limit",
			specs: []StepSpec{
				{Name: "src", Kind: KindDataSource, Outputs: []string{"raw"}},
				{Name: "sink", Kind: KindSink, Inputs: []string{"raw"}},
			},
			want: `requires a positive "limit"`,
		},
		{
			name: "join with one input",
			specs: []StepSpec{
				{Name: "src", Kind: KindDataSource, Outputs: []string{"raw"}, Params: Params{"limit": 1}},
				{Name: "j", Kind: KindJoin, Inputs: []string{"raw"}, Outputs: []string{"out"}},
				{Name: "sink", Kind: KindSink, Inputs: []string{"out"}},
			},
			want: "at least 2 inputs",
		},
		{
			name: "join OR mode is reserved",
			specs: []StepSpec{
				{Name: "src", Kind: KindDataSource, Outputs: []string{"raw"}, Params: Params{"limit": 1}},
				{Name: "t", Kind: KindTransform, Inputs: []string{"raw"}, Outputs: []string{"t_out"}},
				{Name: "j", Kind: KindJoin, Inputs: []string{"raw", "t_out"}, Outputs: []string{"out"},
					Params: Params{"mode": "OR"}},
				{Name: "sink", Kind: KindSink, Inputs: []string{"out"}},
			},
			want: "reserved but not implemented",
		},
		{
			name: "window pooler without window_size",
			specs: []StepSpec{
				{Name: "src", Kind: KindDataSource, Outputs: []string{"raw"}, Params: Params{"limit": 1}},
				{Name: "p", Kind: KindPooler, Inputs: []string{"raw"}, Outputs: []string{"out"},
					Params: Params{"mode": "window"}},
				{Name: "sink", Kind: KindSink, Inputs: []string{"out"}},
			},
			want: `requires a positive "window_size"`,
		},
		{
			name: "stride larger than window",
			specs: []StepSpec{
				{Name: "src", Kind: KindDataSource, Outputs: []string{"raw"}, Params: Params{"limit": 1}},
				{Name: "p", Kind: KindPooler, Inputs: []string{"raw"}, Outputs: []string{"out"},
					Params: Params{"window_size": 2, "stride": 5}},
				{Name: "sink", Kind: KindSink, Inputs: []string{"out"}},
			},
			want: `"stride" must be between`,
		},
		{
			name: "unknown transform op",
			specs: []StepSpec{
				{Name: "src", Kind: KindDataSource, Outputs: []string{"raw"}, Params: Params{"limit": 1}},
				{Name: "t", Kind: KindTransform, Inputs: []string{"raw"}, Outputs: []string{"out"},
					Params: Params{"op": "cube"}},
				{Name: "sink", Kind: KindSink, Inputs: []string{"out"}},
			},
			want: `unknown op "cube"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.specs, ModeBatch)
			require.Error(t, err)
			assert.True(t, errors.Is(err, enginerr.ErrInvalidGraph))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidationCollectsAllProblems(t *testing.T) {
	specs := []StepSpec{
		{Name: "src", Kind: KindDataSource, Outputs: []string{"raw"}},
		{Name: "t", Kind: KindTransform, Inputs: []string{"raw", "extra"}, Outputs: []string{"out"}},
	}
	_, err := Build(specs, ModeBatch)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.GreaterOrEqual(t, len(verr.Problems), 3)
}

func TestPoolModeResolution(t *testing.T) {
	assert.Equal(t, PoolModeWindow, PoolMode(StepSpec{Params: Params{"window_size": 3}}))
	assert.Equal(t, PoolModeBatchID, PoolMode(StepSpec{Params: Params{"batch_size": 3}}))
	assert.Equal(t, PoolModeBatchID, PoolMode(StepSpec{}))
	// An explicit mode wins over inference.
	assert.Equal(t, PoolModeBatchID, PoolMode(StepSpec{Params: Params{"mode": "batch_id", "window_size": 3}}))
}

func TestServeRewrite(t *testing.T) {
	g, err := Build(batchSpecs(), ModeServe)
	require.NoError(t, err)

	// Data sources are gone.
	for _, s := range g.Steps() {
		assert.NotEqual(t, KindDataSource, s.Kind)
	}

	// Former source consumers now read the entry channel.
	norm, ok := g.Step("normalize")
	require.True(t, ok)
	assert.Equal(t, []string{EntryChannel}, norm.Inputs)

	assert.Equal(t, []string{EntryChannel}, g.EntryChannels())
	assert.Equal(t, []string{"normalize", "square"}, g.Consumers(EntryChannel))

	// The terminal pooler is forced to single-output behavior.
	pool, ok := g.Step("pool")
	require.True(t, ok)
	assert.Equal(t, PoolModeWindow, PoolMode(pool))
	size, _ := pool.Params.Int("window_size")
	assert.Equal(t, 1, size)

	// Interior wiring is untouched.
	merge, ok := g.Step("merge")
	require.True(t, ok)
	assert.Equal(t, []string{"norm", "sq"}, merge.Inputs)
}

func TestServeRewriteKeepsInteriorPooler(t *testing.T) {
	specs := []StepSpec{
		{Name: "source", Kind: KindDataSource, Outputs: []string{"raw"}, Params: Params{"limit": 5}},
		{Name: "pool", Kind: KindPooler, Inputs: []string{"raw"}, Outputs: []string{"pooled"},
			Params: Params{"window_size": 3}},
		{Name: "model", Kind: KindModel, Inputs: []string{"pooled"}, Outputs: []string{"pred"}},
		{Name: "out", Kind: KindSink, Inputs: []string{"pred"}},
	}
	g, err := Build(specs, ModeServe)
	require.NoError(t, err)

	// The pooler feeds a model, not a sink, so its window is preserved.
	pool, ok := g.Step("pool")
	require.True(t, ok)
	size, _ := pool.Params.Int("window_size")
	assert.Equal(t, 3, size)
}

func TestEdgesAndDOT(t *testing.T) {
	g, err := Build(batchSpecs(), ModeBatch)
	require.NoError(t, err)

	edges := g.Edges()
	require.NotEmpty(t, edges)
	assert.Contains(t, edges, Edge{From: "source", To: "normalize", Channel: "raw"})
	assert.Contains(t, edges, Edge{From: "merge", To: "pool", Channel: "joined"})

	var buf strings.Builder
	require.NoError(t, g.WriteDOT(&buf))
	dot := buf.String()
	assert.Contains(t, dot, "digraph")
	assert.Contains(t, dot, `"source" -> "normalize"`)
}

func TestParamsAccessors(t *testing.T) {
	p := Params{
		"s":     "text",
		"i":     42,
		"jsonN": float64(7), // JSON numbers decode as float64
		"f":     1.5,
		"b":     true,
	}

	s, ok := p.String("s")
	require.True(t, ok)
	assert.Equal(t, "text", s)

	i, ok := p.Int("i")
	require.True(t, ok)
	assert.Equal(t, 42, i)

	j, ok := p.Int("jsonN")
	require.True(t, ok)
	assert.Equal(t, 7, j)

	f, ok := p.Float("f")
	require.True(t, ok)
	assert.Equal(t, 1.5, f)

	b, ok := p.Bool("b")
	require.True(t, ok)
	assert.True(t, b)

	_, ok = p.Int("missing")
	assert.False(t, ok)
}
