package step

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// CSVSource reads feature vectors from a CSV file, one row per message.
// Non-numeric cells are skipped; rows with no numeric cells are dropped.
// Batch grouping and pacing work the same way as for the random source.
type CSVSource struct {
	name      string
	out       string
	path      string
	limit     int
	batchSize int
	interval  time.Duration
	logger    *zap.Logger
}

func newCSVSource(spec graph.StepSpec, deps Deps) (*CSVSource, error) {
	path, _ := spec.Params.String("file_path")
	if path == "" {
		return nil, fmt.Errorf("step %q: csv source requires a \"file_path\" param", spec.Name)
	}

	limit, _ := spec.Params.Int("limit")
	batchSize, _ := spec.Params.Int("batch_size")

	var interval time.Duration
	if ms, ok := spec.Params.Int("interval_ms"); ok {
		interval = time.Duration(ms) * time.Millisecond
	}

	return &CSVSource{
		name:      spec.Name,
		out:       spec.Outputs[0],
		path:      path,
		limit:     limit,
		batchSize: batchSize,
		interval:  interval,
		logger:    deps.logger(),
	}, nil
}

// Name returns the step name.
func (s *CSVSource) Name() string {
	return s.name
}

// Generate emits one message per usable CSV row until the file or the
// optional limit is exhausted, or the context is cancelled.
func (s *CSVSource) Generate(ctx context.Context, emit EmitFunc) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening csv file: %w", err)
	}
	defer f.Close()

	s.logger.Info("csv source started",
		zap.String("step", s.name),
		zap.String("file", s.path))

	scanner := bufio.NewScanner(f)
	batchID := ""
	batchCount := 0
	emitted := 0

	for scanner.Scan() {
		if s.limit > 0 && emitted >= s.limit {
			break
		}

		features := parseRow(scanner.Text())
		if len(features) == 0 {
			continue
		}

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

		msg := message.New(s.out, features)
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
		emitted++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading csv file: %w", err)
	}

	s.logger.Info("csv source exhausted",
		zap.String("step", s.name),
		zap.Int("emitted", emitted))
	return nil
}

// parseRow extracts the numeric cells of one CSV line.
func parseRow(line string) []float64 {
	var features []float64
	for _, cell := range strings.Split(line, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
		if err != nil {
			continue
		}
		features = append(features, v)
	}
	return features
}
