package step

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

func modelSpec(params graph.Params) graph.StepSpec {
	return graph.StepSpec{
		Name:    "model",
		Kind:    graph.KindModel,
		Inputs:  []string{"in"},
		Outputs: []string{"pred"},
		Params:  params,
	}
}

func TestModelLocalOps(t *testing.T) {
	tests := []struct {
		name string
		op   string
		in   []float64
		want []float64
	}{
		{name: "sum", op: "sum", in: []float64{1, 2, 3}, want: []float64{6}},
		{name: "product", op: "product", in: []float64{2, 3, 4}, want: []float64{24}},
		{name: "default is sum", op: "", in: []float64{1, 1}, want: []float64{2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := graph.Params{}
			if tt.op != "" {
				params["op"] = tt.op
			}
			m, err := newModel(modelSpec(params), Deps{})
			require.NoError(t, err)

			outs, err := m.OnMessage(context.Background(), message.New("in", tt.in))
			require.NoError(t, err)
			require.Len(t, outs, 1)
			assert.InDeltaSlice(t, tt.want, outs[0].Features, 1e-9)
		})
	}
}

func TestModelRejectsEmptyVector(t *testing.T) {
	m, err := newModel(modelSpec(graph.Params{}), Deps{})
	require.NoError(t, err)

	_, err = m.OnMessage(context.Background(), message.New("in", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty feature vector")
}

func TestModelRemoteEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req struct {
			Features []float64 `json:"features"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		doubled := make([]float64, len(req.Features))
		for i, v := range req.Features {
			doubled[i] = v * 2
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"processed_features": doubled})
	}))
	defer srv.Close()

	m, err := newModel(modelSpec(graph.Params{"remote_endpoint": srv.URL}), Deps{})
	require.NoError(t, err)

	outs, err := m.OnMessage(context.Background(), message.New("in", []float64{1, 2}))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, []float64{2, 4}, outs[0].Features)
}

func TestModelRemoteFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: "status 500",
		},
		{
			name: "empty response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]any{"processed_features": []float64{}})
			},
			want: "no processed_features",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
			want: "decoding model response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			m, err := newModel(modelSpec(graph.Params{"remote_endpoint": srv.URL}), Deps{})
			require.NoError(t, err)

			_, err = m.OnMessage(context.Background(), message.New("in", []float64{1}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestModelForwardsFailures(t *testing.T) {
	m, err := newModel(modelSpec(graph.Params{}), Deps{})
	require.NoError(t, err)

	outs, err := m.OnMessage(context.Background(), message.New("in", nil).Fail("in", "boom"))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Failed)
}
