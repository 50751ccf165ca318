package graph

import "fmt"

// Join combination policies. OR is reserved: it is recognized so definitions
// using it fail validation with a clear message instead of a generic one, but
// it has no implemented semantics yet.
const (
	JoinModeAnd = "AND"
	JoinModeOr  = "OR"
)

// Pooler accumulation modes.
const (
	PoolModeWindow  = "window"
	PoolModeBatchID = "batch_id"
)

// Transform operations.
const (
	TransformIdentity  = "identity"
	TransformNormalize = "normalize"
	TransformSquare    = "square"
)

// Model local operations.
const (
	ModelOpSum     = "sum"
	ModelOpProduct = "product"
)

// PoolMode resolves a pooler spec's accumulation mode. An explicit "mode"
// param wins; otherwise the presence of "window_size" selects window mode,
// matching how definitions written for the original engine read.
func PoolMode(s StepSpec) string {
	if mode, ok := s.Params.String("mode"); ok {
		return mode
	}
	if _, ok := s.Params.Int("window_size"); ok {
		return PoolModeWindow
	}
	return PoolModeBatchID
}

func validateStep(s StepSpec) []string {
	var problems []string

	arity := func(inputs, outputs int) {
		if len(s.Inputs) != inputs {
			problems = append(problems, fmt.Sprintf("step %q (%s) must declare %d input(s), has %d", s.Name, s.Kind, inputs, len(s.Inputs)))
		}
		if len(s.Outputs) != outputs {
			problems = append(problems, fmt.Sprintf("step %q (%s) must declare %d output(s), has %d", s.Name, s.Kind, outputs, len(s.Outputs)))
		}
	}

	switch s.Kind {
	case KindDataSource:
		arity(0, 1)
		if path, fromFile := s.Params.String("file_path"); fromFile {
			if path == "" {
				problems = append(problems, fmt.Sprintf("step %q (DataSource) \"file_path\" cannot be empty", s.Name))
			}
			if limit, ok := s.Params.Int("limit"); ok && limit <= 0 {
				problems = append(problems, fmt.Sprintf("step %q (DataSource) \"limit\" must be positive", s.Name))
			}
		} else if limit, ok := s.Params.Int("limit"); !ok || limit <= 0 {
			problems = append(problems, fmt.Sprintf("step %q (DataSource) requires a positive \"limit\" param", s.Name))
		}
		if size, ok := s.Params.Int("batch_size"); ok && size <= 0 {
			problems = append(problems, fmt.Sprintf("step %q (DataSource) \"batch_size\" must be positive", s.Name))
		}
		if dims, ok := s.Params.Int("dims"); ok && dims <= 0 {
			problems = append(problems, fmt.Sprintf("step %q (DataSource) \"dims\" must be positive", s.Name))
		}

	case KindTransform:
		arity(1, 1)
		if op, ok := s.Params.String("op"); ok {
			switch op {
			case TransformIdentity, TransformNormalize, TransformSquare:
			default:
				problems = append(problems, fmt.Sprintf("step %q (Transform) has unknown op %q", s.Name, op))
			}
		}

	case KindExternalTransform:
		arity(1, 1)
		_, inline := s.Params.String("script")
		_, file := s.Params.String("script_file")
		if !inline && !file {
			problems = append(problems, fmt.Sprintf("step %q (ExternalTransform) requires a \"script\" or \"script_file\" param", s.Name))
		}

	case KindModel:
		arity(1, 1)
		if _, remote := s.Params.String("remote_endpoint"); !remote {
			if op, ok := s.Params.String("op"); ok {
				switch op {
				case ModelOpSum, ModelOpProduct:
				default:
					problems = append(problems, fmt.Sprintf("step %q (Model) has unknown op %q", s.Name, op))
				}
			}
		}
		if ms, ok := s.Params.Int("timeout_ms"); ok && ms <= 0 {
			problems = append(problems, fmt.Sprintf("step %q (Model) \"timeout_ms\" must be positive", s.Name))
		}

	case KindJoin:
		if len(s.Inputs) < 2 {
			problems = append(problems, fmt.Sprintf("step %q (Join) must declare at least 2 inputs, has %d", s.Name, len(s.Inputs)))
		}
		if len(s.Outputs) != 1 {
			problems = append(problems, fmt.Sprintf("step %q (Join) must declare 1 output, has %d", s.Name, len(s.Outputs)))
		}
		if mode, ok := s.Params.String("mode"); ok {
			switch mode {
			case JoinModeAnd:
			case JoinModeOr:
				problems = append(problems, fmt.Sprintf("step %q (Join) mode %q is reserved but not implemented", s.Name, mode))
			default:
				problems = append(problems, fmt.Sprintf("step %q (Join) has unknown mode %q", s.Name, mode))
			}
		}

	case KindPooler:
		arity(1, 1)
		switch mode := PoolMode(s); mode {
		case PoolModeWindow:
			size, ok := s.Params.Int("window_size")
			if !ok || size <= 0 {
				problems = append(problems, fmt.Sprintf("step %q (Pooler) window mode requires a positive \"window_size\" param", s.Name))
				break
			}
			if stride, ok := s.Params.Int("stride"); ok && (stride <= 0 || stride > size) {
				problems = append(problems, fmt.Sprintf("step %q (Pooler) \"stride\" must be between 1 and window_size", s.Name))
			}
		case PoolModeBatchID:
			if size, ok := s.Params.Int("batch_size"); ok && size <= 0 {
				problems = append(problems, fmt.Sprintf("step %q (Pooler) \"batch_size\" must be positive", s.Name))
			}
		default:
			problems = append(problems, fmt.Sprintf("step %q (Pooler) has unknown mode %q", s.Name, mode))
		}

	case KindSink:
		arity(1, 0)

	default:
		problems = append(problems, fmt.Sprintf("step %q has unknown kind %q", s.Name, s.Kind))
	}

	return problems
}
