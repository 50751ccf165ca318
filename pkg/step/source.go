package step

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

const defaultDims = 5

// DataSource generates random feature vectors up to a configured limit.
// With batch_size set, consecutive items are grouped under one batch id so
// downstream joins and poolers can correlate them.
type DataSource struct {
	name      string
	out       string
	limit     int
	dims      int
	batchSize int
	interval  time.Duration
	rng       *rand.Rand
	logger    *zap.Logger
}

func newDataSource(spec graph.StepSpec, deps Deps) (*DataSource, error) {
	limit, _ := spec.Params.Int("limit")
	dims, ok := spec.Params.Int("dims")
	if !ok {
		dims = defaultDims
	}
	batchSize, _ := spec.Params.Int("batch_size")

	var interval time.Duration
	if ms, ok := spec.Params.Int("interval_ms"); ok {
		interval = time.Duration(ms) * time.Millisecond
	}

	seed := time.Now().UnixNano()
	if s, ok := spec.Params.Int("seed"); ok {
		seed = int64(s)
	}

	return &DataSource{
		name:      spec.Name,
		out:       spec.Outputs[0],
		limit:     limit,
		dims:      dims,
		batchSize: batchSize,
		interval:  interval,
		rng:       rand.New(rand.NewSource(seed)),
		logger:    deps.logger(),
	}, nil
}

// Name returns the step name.
func (s *DataSource) Name() string {
	return s.name
}

// Generate emits feature vectors until the limit is reached or the context
// is cancelled. Pacing is optional; without it, the bounded inboxes of
// downstream actors provide the throttle.
func (s *DataSource) Generate(ctx context.Context, emit EmitFunc) error {
	s.logger.Info("data source started",
		zap.String("step", s.name),
		zap.Int("limit", s.limit),
		zap.Int("batch_size", s.batchSize))

	batchID := ""
	batchCount := 0
	for i := 0; i < s.limit; i++ {
		if s.interval > 0 {
			timer := time.NewTimer(s.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		msg := message.New(s.out, s.randomFeatures())
		if s.batchSize > 0 {
			if batchCount == 0 {
				batchID = uuid.NewString()
			}
			msg.WithBatch(batchID, s.batchSize)
			batchCount++
			if batchCount >= s.batchSize {
				batchCount = 0
			}
		}

		if err := emit(msg); err != nil {
			return err
		}
	}

	s.logger.Info("data source reached limit", zap.String("step", s.name), zap.Int("generated", s.limit))
	return nil
}

func (s *DataSource) randomFeatures() []float64 {
	features := make([]float64, s.dims)
	for i := range features {
		features[i] = s.rng.Float64() * 10
	}
	return features
}
