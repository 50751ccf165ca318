package step

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

const (
	defaultScriptTimeout = 5 * time.Second
	defaultScriptVMs     = 2
)

// Script delegates the payload transformation to an embedded JavaScript
// runtime. The script must define a global function
//
//	function transform(features) { return [...]; }
//
// which receives the numeric payload and returns the transformed payload.
// The step treats the runtime as a black box: a script error or timeout is a
// step failure, with no built-in retry.
type Script struct {
	name    string
	out     string
	prog    *goja.Program
	vms     chan *goja.Runtime
	timeout time.Duration
	logger  *zap.Logger
}

func newScript(spec graph.StepSpec, deps Deps) (*Script, error) {
	src, ok := spec.Params.String("script")
	if !ok {
		path, _ := spec.Params.String("script_file")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("step %q: reading script file: %w", spec.Name, err)
		}
		src = string(data)
	}

	prog, err := goja.Compile(spec.Name, src, true)
	if err != nil {
		return nil, fmt.Errorf("step %q: compiling script: %w", spec.Name, err)
	}

	timeout := defaultScriptTimeout
	if ms, ok := spec.Params.Int("timeout_ms"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	size := defaultScriptVMs
	if n, ok := spec.Params.Int("vm_pool"); ok && n > 0 {
		size = n
	}

	s := &Script{
		name:    spec.Name,
		out:     spec.Outputs[0],
		prog:    prog,
		vms:     make(chan *goja.Runtime, size),
		timeout: timeout,
		logger:  deps.logger(),
	}

	// Pre-create the VM pool so a bad script fails at startup, not on the
	// first message.
	for i := 0; i < size; i++ {
		vm, err := s.createVM()
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", spec.Name, err)
		}
		s.vms <- vm
	}

	return s, nil
}

func (s *Script) createVM() (*goja.Runtime, error) {
	vm := goja.New()
	if _, err := vm.RunProgram(s.prog); err != nil {
		return nil, fmt.Errorf("initializing script runtime: %w", err)
	}
	if _, ok := goja.AssertFunction(vm.Get("transform")); !ok {
		return nil, fmt.Errorf("script does not define a transform(features) function")
	}
	return vm, nil
}

// Name returns the step name.
func (s *Script) Name() string {
	return s.name
}

// OnMessage runs the script against the payload on a pooled VM.
func (s *Script) OnMessage(ctx context.Context, msg *message.Message) ([]*message.Message, error) {
	if msg.Failed {
		return forwardFailure(msg, s.out), nil
	}

	var vm *goja.Runtime
	select {
	case vm = <-s.vms:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() {
		vm.ClearInterrupt()
		s.vms <- vm
	}()

	result, err := s.call(ctx, vm, msg.Features)
	if err != nil {
		return nil, err
	}
	return []*message.Message{msg.Derive(s.out, result)}, nil
}

// call invokes transform with an interrupt watchdog so a runaway script
// cannot pin the VM past the configured timeout.
func (s *Script) call(ctx context.Context, vm *goja.Runtime, features []float64) ([]float64, error) {
	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-tctx.Done():
			vm.Interrupt("script timeout")
		case <-done:
		}
	}()

	fn, _ := goja.AssertFunction(vm.Get("transform"))
	value, err := fn(goja.Undefined(), vm.ToValue(features))
	if err != nil {
		if tctx.Err() != nil {
			return nil, fmt.Errorf("script timed out after %s", s.timeout)
		}
		return nil, fmt.Errorf("script execution failed: %w", err)
	}

	out, err := exportFloats(value)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// exportFloats converts the script's return value into a feature vector.
func exportFloats(value goja.Value) ([]float64, error) {
	exported := value.Export()
	switch v := exported.(type) {
	case []float64:
		return append([]float64(nil), v...), nil
	case []any:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				out = append(out, n)
			case int64:
				out = append(out, float64(n))
			default:
				return nil, fmt.Errorf("script returned non-numeric element %T", item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("script must return an array of numbers, got %T", exported)
	}
}
