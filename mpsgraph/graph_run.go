package mpsgraph

import (
	"fmt"

	"github.com/tsawler/go-mpsgraph/metal_bridge"
	"github.com/tsawler/go-mpsgraph/objc"
)

// Feeds maps placeholders to the values they take for one run.
type Feeds map[*Tensor]*TensorData

// ShapedFeeds maps placeholders to the types they are compiled for.
type ShapedFeeds map[*Tensor]*ShapedType

// runArgs marshals the feeds, targets and target operations shared by every
// run entry point.
func runArgs(a *objc.Args, feeds Feeds, targets []*Tensor, ops []*Operation) []objc.Value {
	return []objc.Value{objc.Mapping(a, feeds), a.Array(objc.Handles(targets)), a.OptionalArray(objc.Handles(ops))}
}

// optional marshals a possibly nil wrapper as an optional argument.
func optional[T any, P interface {
	*T
	objc.Handle
}](a *objc.Args, p P) objc.Value {
	if p == nil {
		return objc.Obj(objc.Nil)
	}
	return a.Optional(p)
}

// required marshals a wrapper that must be present. A nil pointer is
// reported through a.Err.
func required[T any, P interface {
	*T
	objc.Handle
}](a *objc.Args, p P) objc.Value {
	if p == nil {
		return a.Object(nil)
	}
	return a.Object(p)
}

func (g *Graph) run(selector string, targets []*Tensor, build func(a *objc.Args) []objc.Value) (*Results, error) {
	keys, err := tensorIDs(targets)
	if err != nil {
		return nil, err
	}
	var res *Results
	err = g.fw.call(g, entry(classGraph, selector), func(a *objc.Args) ([]objc.Value, error) {
		return build(a), nil
	}, func(v objc.Value) error {
		var err error
		res, err = g.fw.resultsFromDictionary(v.ID, keys)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("mpsgraph: %s: %w", MethodName(selector), err)
	}
	return res, nil
}

// Run evaluates targets synchronously on the default device and returns
// their values. ops are run for their side effects.
func (g *Graph) Run(feeds Feeds, targets []*Tensor, ops []*Operation) (*Results, error) {
	return g.run("runWithFeeds:targetTensors:targetOperations:", targets, func(a *objc.Args) []objc.Value {
		return runArgs(a, feeds, targets, ops)
	})
}

// RunWithMTLCommandQueue is Run on the device behind queue.
func (g *Graph) RunWithMTLCommandQueue(queue *metal_bridge.CommandQueue, feeds Feeds, targets []*Tensor, ops []*Operation) (*Results, error) {
	return g.run("runWithMTLCommandQueue:feeds:targetTensors:targetOperations:", targets, func(a *objc.Args) []objc.Value {
		return append([]objc.Value{required(a, queue)}, runArgs(a, feeds, targets, ops)...)
	})
}

func (g *Graph) runAsync(selector string, desc *ExecutionDescriptor, targets []*Tensor, build func(a *objc.Args, desc objc.Value) []objc.Value) (*Task, error) {
	keys, err := tensorIDs(targets)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		if desc, err = g.fw.NewExecutionDescriptor(); err != nil {
			return nil, err
		}
		defer desc.Close()
	}
	t, err := g.fw.newTask(selector, func(results objc.ID) (*Results, error) {
		return g.fw.resultsFromDictionary(results, keys)
	})
	if err != nil {
		return nil, err
	}
	ep := entry(classGraph, selector)
	err = desc.submit(t, func() error {
		return g.fw.call(g, ep, func(a *objc.Args) ([]objc.Value, error) {
			return build(a, a.Object(desc)), nil
		}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("mpsgraph: %s: %w", MethodName(selector), err)
	}
	return t, nil
}

// RunAsync starts evaluating targets and returns at once. A nil desc uses
// the framework defaults. Any completion handler already installed on desc
// is replaced by the task's.
func (g *Graph) RunAsync(feeds Feeds, targets []*Tensor, ops []*Operation, desc *ExecutionDescriptor) (*Task, error) {
	return g.runAsync("runAsyncWithFeeds:targetTensors:targetOperations:executionDescriptor:", desc, targets,
		func(a *objc.Args, d objc.Value) []objc.Value {
			return append(runArgs(a, feeds, targets, ops), d)
		})
}

// RunAsyncWithMTLCommandQueue is RunAsync on the device behind queue.
func (g *Graph) RunAsyncWithMTLCommandQueue(queue *metal_bridge.CommandQueue, feeds Feeds, targets []*Tensor, ops []*Operation, desc *ExecutionDescriptor) (*Task, error) {
	return g.runAsync("runAsyncWithMTLCommandQueue:feeds:targetTensors:targetOperations:executionDescriptor:", desc, targets,
		func(a *objc.Args, d objc.Value) []objc.Value {
			args := append([]objc.Value{required(a, queue)}, runArgs(a, feeds, targets, ops)...)
			return append(args, d)
		})
}

// EncodeToCommandBuffer encodes the run into cb without committing it. The
// returned values are filled in once cb completes.
func (g *Graph) EncodeToCommandBuffer(cb *metal_bridge.CommandBuffer, feeds Feeds, targets []*Tensor, ops []*Operation, desc *ExecutionDescriptor) (*Results, error) {
	if cb == nil {
		return nil, fmt.Errorf("mpsgraph: EncodeToCommandBuffer: %w", objc.ErrUnexpectedNil)
	}
	if err := cb.CheckThread(); err != nil {
		return nil, err
	}
	return g.run("encodeToCommandBuffer:feeds:targetTensors:targetOperations:executionDescriptor:", targets, func(a *objc.Args) []objc.Value {
		args := append([]objc.Value{a.Object(cb)}, runArgs(a, feeds, targets, ops)...)
		return append(args, optional(a, desc))
	})
}

// Compile specialises the graph for the given input types. A nil dev
// compiles for the default device and a nil desc uses the framework
// defaults. The executable takes its inputs in FeedTensors order.
func (g *Graph) Compile(dev *Device, feeds ShapedFeeds, targets []*Tensor, ops []*Operation, desc *CompilationDescriptor) (*Executable, error) {
	obj, err := g.fw.object(g, entry(classGraph, "compileWithDevice:feeds:targetTensors:targetOperations:compilationDescriptor:"),
		func(a *objc.Args) ([]objc.Value, error) {
			return []objc.Value{
				optional(a, dev),
				objc.Mapping(a, feeds),
				a.Array(objc.Handles(targets)),
				a.OptionalArray(objc.Handles(ops)),
				optional(a, desc),
			}, nil
		})
	if err != nil {
		return nil, fmt.Errorf("mpsgraph: Compile: %w", err)
	}
	return &Executable{handle: handle{g.fw, obj}}, nil
}
