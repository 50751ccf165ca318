package step

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

const defaultModelTimeout = 10 * time.Second

// Model produces an inference result, either by a local computation or by
// calling a configured remote endpoint. The remote contract is a POST of
// {"features": [...]} answered with {"processed_features": [...]}; the call
// carries its own timeout and a failure is a step failure.
type Model struct {
	name     string
	out      string
	endpoint string
	op       string
	timeout  time.Duration
	client   *http.Client
	logger   *zap.Logger
}

type modelRequest struct {
	Features []float64 `json:"features"`
}

type modelResponse struct {
	ProcessedFeatures []float64 `json:"processed_features"`
}

func newModel(spec graph.StepSpec, deps Deps) (*Model, error) {
	endpoint, _ := spec.Params.String("remote_endpoint")
	op, ok := spec.Params.String("op")
	if !ok {
		op = graph.ModelOpSum
	}

	timeout := defaultModelTimeout
	if ms, ok := spec.Params.Int("timeout_ms"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	return &Model{
		name:     spec.Name,
		out:      spec.Outputs[0],
		endpoint: endpoint,
		op:       op,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		logger:   deps.logger(),
	}, nil
}

// Name returns the step name.
func (m *Model) Name() string {
	return m.name
}

// OnMessage runs inference on the payload.
func (m *Model) OnMessage(ctx context.Context, msg *message.Message) ([]*message.Message, error) {
	if msg.Failed {
		return forwardFailure(msg, m.out), nil
	}
	if len(msg.Features) == 0 {
		return nil, fmt.Errorf("model %q received an empty feature vector", m.name)
	}

	var (
		prediction []float64
		err        error
	)
	if m.endpoint != "" {
		prediction, err = m.predictRemote(ctx, msg.Features)
	} else {
		prediction = m.predictLocal(msg.Features)
	}
	if err != nil {
		return nil, err
	}

	return []*message.Message{msg.Derive(m.out, prediction)}, nil
}

func (m *Model) predictLocal(features []float64) []float64 {
	switch m.op {
	case graph.ModelOpProduct:
		product := 1.0
		for _, v := range features {
			product *= v
		}
		return []float64{product}
	default:
		sum := 0.0
		for _, v := range features {
			sum += v
		}
		return []float64{sum}
	}
}

func (m *Model) predictRemote(ctx context.Context, features []float64) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	body, err := json.Marshal(modelRequest{Features: features})
	if err != nil {
		return nil, fmt.Errorf("encoding model request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote model call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote model returned status %d", resp.StatusCode)
	}

	var decoded modelResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding model response: %w", err)
	}
	if len(decoded.ProcessedFeatures) == 0 {
		return nil, fmt.Errorf("remote model response carried no processed_features")
	}

	m.logger.Debug("remote model responded",
		zap.String("step", m.name),
		zap.Int("dims", len(decoded.ProcessedFeatures)))
	return decoded.ProcessedFeatures, nil
}
