package mpsgraph

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tsawler/go-mpsgraph/archive"
	"github.com/tsawler/go-mpsgraph/metal_bridge"
	"github.com/tsawler/go-mpsgraph/objc"
)

// Executable is a compiled MPSGraphExecutable. Inputs are passed in
// FeedTensors order and results come back in TargetTensors order.
type Executable struct {
	handle

	// manifest, when known, describes the inputs the executable accepts.
	manifest *archive.Manifest
}

// FeedTensors returns the placeholders the executable reads, in input
// order.
func (e *Executable) FeedTensors() ([]*Tensor, error) {
	return e.fw.tensors(e, entry(classExecutable, "feedTensors"), nil)
}

// TargetTensors returns the tensors the executable computes, in result
// order.
func (e *Executable) TargetTensors() ([]*Tensor, error) {
	return e.fw.tensors(e, entry(classExecutable, "targetTensors"), nil)
}

// Manifest returns the manifest the executable was loaded with, or nil.
func (e *Executable) Manifest() *archive.Manifest { return e.manifest }

func (e *Executable) targetIDs() ([]objc.ID, error) {
	var ids []objc.ID
	err := e.fw.call(e, entry(classExecutable, "targetTensors"), nil, func(v objc.Value) error {
		var err error
		ids, err = objc.ArrayIDs(e.rt(), v.ID)
		return err
	})
	return ids, err
}

// checkInputs compares inputs with the manifest's feed signatures.
func (e *Executable) checkInputs(inputs []*TensorData) error {
	if e.manifest == nil {
		return nil
	}
	if len(inputs) != len(e.manifest.Feeds) {
		return fmt.Errorf("mpsgraph: executable takes %d inputs, got %d", len(e.manifest.Feeds), len(inputs))
	}
	for i, in := range inputs {
		if in == nil {
			return fmt.Errorf("mpsgraph: input %d: %w", i, objc.ErrUnexpectedNil)
		}
		spec := e.manifest.Feeds[i]
		dt, err := in.DataType()
		if err != nil {
			return err
		}
		if dt != DataType(spec.DataType) {
			return fmt.Errorf("mpsgraph: input %d is %s, executable expects %s", i, dt, DataType(spec.DataType))
		}
		shape, err := in.Shape()
		if err != nil {
			return err
		}
		if !compatible(Shape(spec.Shape), shape) {
			return fmt.Errorf("mpsgraph: input %d has shape %s, executable expects %s", i, shape, Shape(spec.Shape))
		}
	}
	return nil
}

// compatible reports whether concrete fits want, where want may be
// unranked or have dynamic dimensions.
func compatible(want, concrete Shape) bool {
	if !want.Ranked() {
		return true
	}
	if len(want) != len(concrete) {
		return false
	}
	for i, d := range want {
		if d >= 0 && d != concrete[i] {
			return false
		}
	}
	return true
}

func execArgs(a *objc.Args, queue *metal_bridge.CommandQueue, inputs, results []*TensorData) []objc.Value {
	return []objc.Value{required(a, queue), a.Array(objc.Handles(inputs)), a.OptionalArray(objc.Handles(results))}
}

// Run executes synchronously on queue. When results is non-nil the values
// are written into it, otherwise new tensor data is allocated.
func (e *Executable) Run(queue *metal_bridge.CommandQueue, inputs, results []*TensorData, desc *ExecutableExecutionDescriptor) (*Results, error) {
	if err := e.checkInputs(inputs); err != nil {
		return nil, err
	}
	keys, err := e.targetIDs()
	if err != nil {
		return nil, err
	}
	var res *Results
	err = e.fw.call(e, entry(classExecutable, "runWithMTLCommandQueue:inputsArray:resultsArray:executionDescriptor:"),
		func(a *objc.Args) ([]objc.Value, error) {
			return append(execArgs(a, queue, inputs, results), optional(a, desc)), nil
		}, func(v objc.Value) error {
			var err error
			res, err = e.fw.resultsFromArray(v.ID, keys)
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("mpsgraph: executable Run: %w", err)
	}
	return res, nil
}

// RunAsync starts executing on queue and returns at once. A nil desc uses
// the framework defaults.
func (e *Executable) RunAsync(queue *metal_bridge.CommandQueue, inputs, results []*TensorData, desc *ExecutableExecutionDescriptor) (*Task, error) {
	if err := e.checkInputs(inputs); err != nil {
		return nil, err
	}
	keys, err := e.targetIDs()
	if err != nil {
		return nil, err
	}
	if desc == nil {
		if desc, err = e.fw.NewExecutableExecutionDescriptor(); err != nil {
			return nil, err
		}
		defer desc.Close()
	}
	ep := entry(classExecutable, "runAsyncWithMTLCommandQueue:inputsArray:resultsArray:executionDescriptor:")
	t, err := e.fw.newTask(ep.String(), func(arr objc.ID) (*Results, error) {
		return e.fw.resultsFromArray(arr, keys)
	})
	if err != nil {
		return nil, err
	}
	err = desc.submit(t, func() error {
		return e.fw.call(e, ep, func(a *objc.Args) ([]objc.Value, error) {
			return append(execArgs(a, queue, inputs, results), a.Object(desc)), nil
		}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("mpsgraph: executable RunAsync: %w", err)
	}
	return t, nil
}

// EncodeToCommandBuffer encodes a run into cb. The returned values are
// filled in once cb completes.
func (e *Executable) EncodeToCommandBuffer(cb *metal_bridge.CommandBuffer, inputs, results []*TensorData, desc *ExecutableExecutionDescriptor) (*Results, error) {
	if cb == nil {
		return nil, fmt.Errorf("mpsgraph: executable EncodeToCommandBuffer: %w", objc.ErrUnexpectedNil)
	}
	if err := cb.CheckThread(); err != nil {
		return nil, err
	}
	if err := e.checkInputs(inputs); err != nil {
		return nil, err
	}
	keys, err := e.targetIDs()
	if err != nil {
		return nil, err
	}
	var res *Results
	err = e.fw.call(e, entry(classExecutable, "encodeToCommandBuffer:inputsArray:resultsArray:executionDescriptor:"),
		func(a *objc.Args) ([]objc.Value, error) {
			return []objc.Value{a.Object(cb), a.Array(objc.Handles(inputs)), a.OptionalArray(objc.Handles(results)), optional(a, desc)}, nil
		}, func(v objc.Value) error {
			var err error
			res, err = e.fw.resultsFromArray(v.ID, keys)
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("mpsgraph: executable EncodeToCommandBuffer: %w", err)
	}
	return res, nil
}

func typeArgs(a *objc.Args, dev *Device, inputTypes []*ShapedType, desc *CompilationDescriptor) []objc.Value {
	return []objc.Value{optional(a, dev), a.Array(objc.Handles(inputTypes)), optional(a, desc)}
}

// GetOutputTypes returns the result types for inputs of inputTypes, or nil
// when they cannot be inferred.
func (e *Executable) GetOutputTypes(dev *Device, inputTypes []*ShapedType, desc *CompilationDescriptor) ([]*ShapedType, error) {
	objs, err := e.fw.objects(e, entry(classExecutable, "getOutputTypesWithDevice:inputTypes:compilationDescriptor:"),
		func(a *objc.Args) ([]objc.Value, error) {
			return typeArgs(a, dev, inputTypes, desc), nil
		})
	if err != nil || objs == nil {
		return nil, err
	}
	out := make([]*ShapedType, len(objs))
	for i, o := range objs {
		out[i] = &ShapedType{handle{e.fw, o}}
	}
	return out, nil
}

// Specialize compiles the executable ahead of time for inputTypes.
func (e *Executable) Specialize(dev *Device, inputTypes []*ShapedType, desc *CompilationDescriptor) error {
	return e.fw.call(e, entry(classExecutable, "specializeWithDevice:inputTypes:compilationDescriptor:"),
		func(a *objc.Args) ([]objc.Value, error) {
			return typeArgs(a, dev, inputTypes, desc), nil
		}, nil)
}

// fileURL returns an autoreleased file URL for path. Call it inside a pool.
func (fw *Framework) fileURL(a *objc.Args, path string) (objc.Value, error) {
	if path == "" {
		return objc.Value{}, fmt.Errorf("mpsgraph: empty package path")
	}
	cls := fw.rt.Class("NSURL")
	if cls.IsNil() {
		return objc.Value{}, &objc.UnsupportedError{Selector: "NSURL", Platform: fw.rt.Platform(), Have: fw.rt.OSVersion()}
	}
	str := a.String(path)
	if err := a.Err(); err != nil {
		return objc.Value{}, err
	}
	v, err := fw.rt.Send(cls, "fileURLWithPath:", str)
	if err != nil {
		return objc.Value{}, err
	}
	if v.ID.IsNil() {
		return objc.Value{}, &objc.NilHandleError{Selector: "+[NSURL fileURLWithPath:]"}
	}
	return v, nil
}

// SerializeToMPSGraphPackageAtURL writes the executable as an MPSGraph
// package directory at path. A nil desc uses the framework defaults.
// macOS 14, iOS 17.
func (e *Executable) SerializeToMPSGraphPackageAtURL(path string, desc *SerializationDescriptor) error {
	return e.fw.call(e, entry(classExecutable, "serializeToMPSGraphPackageAtURL:descriptor:"), func(a *objc.Args) ([]objc.Value, error) {
		url, err := e.fw.fileURL(a, path)
		if err != nil {
			return nil, err
		}
		return []objc.Value{url, optional(a, desc)}, nil
	}, nil)
}

func tensorSpecs(ts []*Tensor) ([]archive.TensorSpec, error) {
	specs := make([]archive.TensorSpec, len(ts))
	for i, t := range ts {
		shape, err := t.Shape()
		if err != nil {
			return nil, err
		}
		dt, err := t.DataType()
		if err != nil {
			return nil, err
		}
		name, err := t.Name()
		if err != nil {
			return nil, err
		}
		specs[i] = archive.TensorSpec{Name: name, Shape: shape, DataType: uint32(dt)}
	}
	return specs, nil
}

// buildManifest describes the executable's signature on the running platform.
func (e *Executable) buildManifest() (*archive.Manifest, error) {
	feeds, err := e.FeedTensors()
	if err != nil {
		return nil, err
	}
	defer CloseTensors(feeds)
	targets, err := e.TargetTensors()
	if err != nil {
		return nil, err
	}
	defer CloseTensors(targets)
	m := &archive.Manifest{Platform: string(e.rt().Platform()), OSVersion: e.rt().OSVersion()}
	if m.Feeds, err = tensorSpecs(feeds); err != nil {
		return nil, err
	}
	if m.Targets, err = tensorSpecs(targets); err != nil {
		return nil, err
	}
	return m, nil
}

// Serialize writes the executable package at path together with a manifest
// of its feeds and targets in format.
func (e *Executable) Serialize(path string, desc *SerializationDescriptor, format archive.Format) error {
	m, err := e.buildManifest()
	if err != nil {
		return fmt.Errorf("mpsgraph: describing executable: %w", err)
	}
	if err := e.SerializeToMPSGraphPackageAtURL(path, desc); err != nil {
		return err
	}
	if err := archive.NewSaver(format).Save(path, m); err != nil {
		return err
	}
	e.manifest = m
	return nil
}

// LoadExecutable reads a package written by Serialize. When the package
// carries a manifest, inputs to the executable are checked against it.
// macOS 14, iOS 17.
func (fw *Framework) LoadExecutable(path string, desc *CompilationDescriptor) (*Executable, error) {
	obj, err := fw.alloc(entry(classExecutable, "initWithMPSGraphPackageAtURL:compilationDescriptor:"), func(a *objc.Args) ([]objc.Value, error) {
		url, err := fw.fileURL(a, path)
		if err != nil {
			return nil, err
		}
		return []objc.Value{url, optional(a, desc)}, nil
	})
	if errors.Is(err, objc.ErrUnexpectedNil) {
		return nil, fmt.Errorf("mpsgraph: no executable package at %s: %w", path, err)
	}
	if err != nil {
		return nil, err
	}
	exe := &Executable{handle: handle{fw, obj}}
	saver, err := archive.Detect(path)
	if errors.Is(err, archive.ErrNoManifest) {
		fw.log.Debug("executable package has no manifest", zap.String("path", path))
		return exe, nil
	}
	if err == nil {
		exe.manifest, err = saver.Load(path)
	}
	if err != nil {
		exe.Close()
		return nil, err
	}
	return exe, nil
}
