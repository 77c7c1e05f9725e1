package mpsgraph

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/tsawler/go-mpsgraph/objc"
)

// GraphOptions mirrors MPSGraphOptions.
type GraphOptions uint64

const (
	GraphOptionsNone               GraphOptions = 0
	GraphOptionsSynchronizeResults GraphOptions = 1
	GraphOptionsVerbose            GraphOptions = 2
	GraphOptionsDefault                         = GraphOptionsSynchronizeResults
)

// OptimizationLevel mirrors MPSGraphOptimization.
type OptimizationLevel uint64

const (
	OptimizationLevel0 OptimizationLevel = 0
	OptimizationLevel1 OptimizationLevel = 1
)

// DeploymentPlatform mirrors MPSGraphDeploymentPlatform.
type DeploymentPlatform uint64

const (
	DeploymentPlatformMacOS    DeploymentPlatform = 0
	DeploymentPlatformIOS      DeploymentPlatform = 1
	DeploymentPlatformTvOS     DeploymentPlatform = 2
	DeploymentPlatformVisionOS DeploymentPlatform = 3
)

// execDescriptor is shared by both execution descriptor classes. mu
// serialises installing a completion handler with the run that uses it.
type execDescriptor struct {
	handle
	class string

	mu          sync.Mutex
	trampolines []*objc.Trampoline
}

func (fw *Framework) newExecDescriptor(class string) (*execDescriptor, error) {
	obj, err := fw.alloc(entry(class, "init"), nil)
	if err != nil {
		return nil, err
	}
	return &execDescriptor{handle: handle{fw, obj}, class: class}, nil
}

// WaitUntilCompleted reports whether runs using the descriptor block until
// their results are ready.
func (d *execDescriptor) WaitUntilCompleted() (bool, error) {
	var wait bool
	err := d.fw.call(d, entry(d.class, "waitUntilCompleted"), nil, func(v objc.Value) error {
		wait = v.Bool
		return nil
	})
	return wait, err
}

// SetWaitUntilCompleted makes asynchronous runs block until completion.
func (d *execDescriptor) SetWaitUntilCompleted(wait bool) error {
	return d.fw.call(d, entry(d.class, "setWaitUntilCompleted:"), func(*objc.Args) ([]objc.Value, error) {
		return []objc.Value{objc.Bool(wait)}, nil
	}, nil)
}

// PreferSynchronousExecution is SetWaitUntilCompleted(true).
func (d *execDescriptor) PreferSynchronousExecution() error { return d.SetWaitUntilCompleted(true) }

// PreferAsynchronousExecution is SetWaitUntilCompleted(false).
func (d *execDescriptor) PreferAsynchronousExecution() error { return d.SetWaitUntilCompleted(false) }

// SetScheduledHandler installs fn to run when a run using the descriptor
// has been scheduled. fn receives the run's error, if any. The handler
// stays registered until the descriptor is closed.
func (d *execDescriptor) SetScheduledHandler(fn func(err error)) error {
	tr, err := objc.NewTrampoline(d.rt(), objc.BlockCompletion, func(args []objc.ID) (objc.Handle, error) {
		if ne := objc.NativeErrorFromNSError(d.rt(), "scheduled handler", args[1]); ne != nil {
			fn(ne)
		} else {
			fn(nil)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	err = d.fw.call(d, entry(d.class, "setScheduledHandler:"), func(*objc.Args) ([]objc.Value, error) {
		return []objc.Value{tr.Block()}, nil
	}, nil)
	if err != nil {
		tr.Close()
		return err
	}
	d.mu.Lock()
	d.trampolines = append(d.trampolines, tr)
	d.mu.Unlock()
	return nil
}

// setCompletionHandler installs tr's block. The caller holds d.mu.
func (d *execDescriptor) setCompletionHandler(tr *objc.Trampoline) error {
	return d.fw.call(d, entry(d.class, "setCompletionHandler:"), func(*objc.Args) ([]objc.Value, error) {
		return []objc.Value{tr.Block()}, nil
	}, nil)
}

// Close invalidates the handlers installed through the descriptor and
// releases it.
func (d *execDescriptor) Close() error {
	d.mu.Lock()
	trs := d.trampolines
	d.trampolines = nil
	d.mu.Unlock()
	var err error
	for _, tr := range trs {
		err = multierr.Append(err, tr.Close())
	}
	return multierr.Append(err, d.handle.Close())
}

// ExecutionDescriptor is an MPSGraphExecutionDescriptor for graph runs.
type ExecutionDescriptor struct {
	*execDescriptor
}

// NewExecutionDescriptor returns a descriptor with the framework defaults.
func (fw *Framework) NewExecutionDescriptor() (*ExecutionDescriptor, error) {
	d, err := fw.newExecDescriptor(classExecDescriptor)
	if err != nil {
		return nil, err
	}
	return &ExecutionDescriptor{d}, nil
}

// ExecutableExecutionDescriptor is an MPSGraphExecutableExecutionDescriptor
// for executable runs.
type ExecutableExecutionDescriptor struct {
	*execDescriptor
}

// NewExecutableExecutionDescriptor returns a descriptor with the framework
// defaults.
func (fw *Framework) NewExecutableExecutionDescriptor() (*ExecutableExecutionDescriptor, error) {
	d, err := fw.newExecDescriptor(classExeExecDescriptor)
	if err != nil {
		return nil, err
	}
	return &ExecutableExecutionDescriptor{d}, nil
}

// CompilationDescriptor is an MPSGraphCompilationDescriptor.
type CompilationDescriptor struct {
	handle

	mu          sync.Mutex
	trampolines []*objc.Trampoline
}

// NewCompilationDescriptor returns a descriptor with the framework
// defaults.
func (fw *Framework) NewCompilationDescriptor() (*CompilationDescriptor, error) {
	obj, err := fw.alloc(entry(classCompDescriptor, "init"), nil)
	if err != nil {
		return nil, err
	}
	return &CompilationDescriptor{handle: handle{fw, obj}}, nil
}

func (d *CompilationDescriptor) OptimizationLevel() (OptimizationLevel, error) {
	var lvl OptimizationLevel
	err := d.fw.call(d, entry(classCompDescriptor, "optimizationLevel"), nil, func(v objc.Value) error {
		lvl = OptimizationLevel(v.Uint)
		return nil
	})
	return lvl, err
}

func (d *CompilationDescriptor) SetOptimizationLevel(lvl OptimizationLevel) error {
	return d.fw.call(d, entry(classCompDescriptor, "setOptimizationLevel:"), func(*objc.Args) ([]objc.Value, error) {
		return []objc.Value{objc.Uint(uint64(lvl))}, nil
	}, nil)
}

func (d *CompilationDescriptor) WaitForCompilationCompletion() (bool, error) {
	var wait bool
	err := d.fw.call(d, entry(classCompDescriptor, "waitForCompilationCompletion"), nil, func(v objc.Value) error {
		wait = v.Bool
		return nil
	})
	return wait, err
}

func (d *CompilationDescriptor) SetWaitForCompilationCompletion(wait bool) error {
	return d.fw.call(d, entry(classCompDescriptor, "setWaitForCompilationCompletion:"), func(*objc.Args) ([]objc.Value, error) {
		return []objc.Value{objc.Bool(wait)}, nil
	}, nil)
}

// SetCompilationCompletionHandler installs fn to run when a compile using
// the descriptor finishes. The executable passed to fn is owned by fn.
func (d *CompilationDescriptor) SetCompilationCompletionHandler(fn func(exe *Executable, err error)) error {
	rt := d.rt()
	tr, err := objc.NewTrampoline(rt, objc.BlockCompletion, func(args []objc.ID) (objc.Handle, error) {
		if ne := objc.NativeErrorFromNSError(rt, "compilation handler", args[1]); ne != nil {
			fn(nil, ne)
			return nil, nil
		}
		obj, err := objc.RetainBorrowed(rt, args[0])
		if err != nil {
			fn(nil, err)
			return nil, nil
		}
		fn(&Executable{handle: handle{d.fw, obj}}, nil)
		return nil, nil
	})
	if err != nil {
		return err
	}
	err = d.fw.call(d, entry(classCompDescriptor, "setCompilationCompletionHandler:"), func(*objc.Args) ([]objc.Value, error) {
		return []objc.Value{tr.Block()}, nil
	}, nil)
	if err != nil {
		tr.Close()
		return err
	}
	d.mu.Lock()
	d.trampolines = append(d.trampolines, tr)
	d.mu.Unlock()
	return nil
}

// Close invalidates the installed handler and releases the descriptor.
func (d *CompilationDescriptor) Close() error {
	d.mu.Lock()
	trs := d.trampolines
	d.trampolines = nil
	d.mu.Unlock()
	var err error
	for _, tr := range trs {
		err = multierr.Append(err, tr.Close())
	}
	return multierr.Append(err, d.handle.Close())
}

// SerializationDescriptor is an MPSGraphExecutableSerializationDescriptor.
type SerializationDescriptor struct {
	handle
}

// NewSerializationDescriptor requires macOS 14 or iOS 17.
func (fw *Framework) NewSerializationDescriptor() (*SerializationDescriptor, error) {
	obj, err := fw.alloc(entry(classSerialDescriptor, "init"), nil)
	if err != nil {
		return nil, err
	}
	return &SerializationDescriptor{handle{fw, obj}}, nil
}

// SetAppend adds to an existing package instead of replacing it.
func (d *SerializationDescriptor) SetAppend(appendMode bool) error {
	return d.fw.call(d, entry(classSerialDescriptor, "setAppend:"), func(*objc.Args) ([]objc.Value, error) {
		return []objc.Value{objc.Bool(appendMode)}, nil
	}, nil)
}

func (d *SerializationDescriptor) SetDeploymentPlatform(p DeploymentPlatform) error {
	return d.fw.call(d, entry(classSerialDescriptor, "setDeploymentPlatform:"), func(*objc.Args) ([]objc.Value, error) {
		return []objc.Value{objc.Uint(uint64(p))}, nil
	}, nil)
}

// SetMinimumDeploymentTarget takes an OS version such as "14.0".
func (d *SerializationDescriptor) SetMinimumDeploymentTarget(version string) error {
	if _, err := objc.ParseVersion(version); err != nil {
		return fmt.Errorf("mpsgraph: deployment target %q: %w", version, err)
	}
	return d.fw.call(d, entry(classSerialDescriptor, "setMinimumDeploymentTarget:"), func(a *objc.Args) ([]objc.Value, error) {
		return []objc.Value{a.String(version)}, nil
	}, nil)
}

// PaddingStyle mirrors MPSGraphPaddingStyle.
type PaddingStyle uint64

const (
	PaddingStyleExplicit       PaddingStyle = 0
	PaddingStyleTFValid        PaddingStyle = 1
	PaddingStyleTFSame         PaddingStyle = 2
	PaddingStyleExplicitOffset PaddingStyle = 3
	PaddingStyleOnnxSameLower  PaddingStyle = 4
)

// TensorLayout mirrors MPSGraphTensorNamedDataLayout.
type TensorLayout uint64

const (
	LayoutNCHW TensorLayout = 0
	LayoutNHWC TensorLayout = 1
	LayoutOIHW TensorLayout = 2
	LayoutHWIO TensorLayout = 3
	LayoutCHW  TensorLayout = 4
	LayoutHWC  TensorLayout = 5
	LayoutHW   TensorLayout = 6
)

// Convolution2DDescriptor holds the parameters of a 2D convolution. It is
// converted to an MPSGraphConvolution2DOpDescriptor for each call.
type Convolution2DDescriptor struct {
	StrideInX, StrideInY             int
	DilationRateInX, DilationRateInY int
	Groups                           int
	PaddingLeft, PaddingRight        int
	PaddingTop, PaddingBottom        int
	PaddingStyle                     PaddingStyle
	DataLayout                       TensorLayout
	WeightsLayout                    TensorLayout
}

// DefaultConvolution2DDescriptor is unit stride and dilation, one group, no
// padding, NCHW data and OIHW weights.
func DefaultConvolution2DDescriptor() Convolution2DDescriptor {
	return Convolution2DDescriptor{
		StrideInX: 1, StrideInY: 1,
		DilationRateInX: 1, DilationRateInY: 1,
		Groups:        1,
		DataLayout:    LayoutNCHW,
		WeightsLayout: LayoutOIHW,
	}
}

// native builds the descriptor object. The framework returns nil for
// parameters it rejects, which is reported as a NilHandleError.
func (c Convolution2DDescriptor) native(fw *Framework) (*objc.Object, error) {
	for _, v := range []int{c.StrideInX, c.StrideInY, c.DilationRateInX, c.DilationRateInY, c.Groups,
		c.PaddingLeft, c.PaddingRight, c.PaddingTop, c.PaddingBottom} {
		if v < 0 {
			return nil, fmt.Errorf("mpsgraph: negative convolution parameter in %+v", c)
		}
	}
	u := func(v int) objc.Value { return objc.Uint(uint64(v)) }
	return fw.object(nil, entry(classConvolution2D, "descriptorWithStrideInX:strideInY:dilationRateInX:dilationRateInY:groups:paddingLeft:paddingRight:paddingTop:paddingBottom:paddingStyle:dataLayout:weightsLayout:"),
		func(*objc.Args) ([]objc.Value, error) {
			return []objc.Value{
				u(c.StrideInX), u(c.StrideInY), u(c.DilationRateInX), u(c.DilationRateInY), u(c.Groups),
				u(c.PaddingLeft), u(c.PaddingRight), u(c.PaddingTop), u(c.PaddingBottom),
				objc.Uint(uint64(c.PaddingStyle)), objc.Uint(uint64(c.DataLayout)), objc.Uint(uint64(c.WeightsLayout)),
			}, nil
		})
}
