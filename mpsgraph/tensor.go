package mpsgraph

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/tsawler/go-mpsgraph/objc"
)

// Tensor is a symbolic MPSGraphTensor. The graph that created it keeps the
// node alive; a Tensor holds its own reference on top of that, so it stays
// usable until Close.
type Tensor struct {
	handle
}

// Operation is an MPSGraphOperation, the node that produced a tensor.
type Operation struct {
	handle
}

var (
	_ Shaped = (*Tensor)(nil)
	_ Typed  = (*Tensor)(nil)
)

func (fw *Framework) shapeProperty(recv objc.Handle, ep EntryPoint) (Shape, error) {
	var s Shape
	err := fw.call(recv, ep, nil, func(v objc.Value) error {
		if v.ID.IsNil() && !ep.Optional {
			return &objc.NilHandleError{Selector: ep.String()}
		}
		var err error
		s, err = shapeOf(fw.rt, v.ID)
		return err
	})
	return s, err
}

func (fw *Framework) dataTypeProperty(recv objc.Handle, ep EntryPoint) (DataType, error) {
	var dt DataType
	err := fw.call(recv, ep, nil, func(v objc.Value) error {
		dt = DataType(v.Uint)
		return nil
	})
	return dt, err
}

// objects turns a returned NSArray into owned handles.
func (fw *Framework) objects(recv objc.Handle, ep EntryPoint, build func(a *objc.Args) ([]objc.Value, error)) ([]*objc.Object, error) {
	var objs []*objc.Object
	err := fw.call(recv, ep, build, func(v objc.Value) error {
		if v.ID.IsNil() {
			if ep.Optional {
				return nil
			}
			return &objc.NilHandleError{Selector: ep.String()}
		}
		var err error
		objs, err = objc.ArrayObjects(fw.rt, v.ID)
		return err
	})
	return objs, err
}

func (fw *Framework) tensorList(objs []*objc.Object) []*Tensor {
	out := make([]*Tensor, len(objs))
	for i, o := range objs {
		out[i] = &Tensor{handle{fw, o}}
	}
	return out
}

func (fw *Framework) tensors(recv objc.Handle, ep EntryPoint, build func(a *objc.Args) ([]objc.Value, error)) ([]*Tensor, error) {
	objs, err := fw.objects(recv, ep, build)
	if err != nil {
		return nil, err
	}
	return fw.tensorList(objs), nil
}

// Clone returns an independent handle on the same tensor.
func (t *Tensor) Clone() (*Tensor, error) {
	obj, err := t.obj.Clone()
	if err != nil {
		return nil, err
	}
	return &Tensor{handle{t.fw, obj}}, nil
}

// Shape returns the static shape, nil when the tensor is unranked.
func (t *Tensor) Shape() (Shape, error) {
	return t.fw.shapeProperty(t, entry(classTensor, "shape"))
}

// DataType returns the element type.
func (t *Tensor) DataType() (DataType, error) {
	return t.fw.dataTypeProperty(t, entry(classTensor, "dataType"))
}

// Operation returns the operation that produced the tensor.
func (t *Tensor) Operation() (*Operation, error) {
	obj, err := t.fw.object(t, entry(classTensor, "operation"), nil)
	if err != nil {
		return nil, err
	}
	return &Operation{handle{t.fw, obj}}, nil
}

// Name returns the name of the tensor's operation.
func (t *Tensor) Name() (string, error) {
	op, err := t.Operation()
	if err != nil {
		return "", err
	}
	defer op.Close()
	return op.Name()
}

func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	shape, err := t.Shape()
	if err != nil {
		return fmt.Sprintf("<tensor %s>", t.obj)
	}
	dt, _ := t.DataType()
	return fmt.Sprintf("<tensor %s %s %s>", t.obj, shape, dt)
}

// Name returns the operation name.
func (op *Operation) Name() (string, error) {
	var name string
	ep := entry(classOperation, "name")
	err := op.fw.call(op, ep, nil, func(v objc.Value) error {
		var err error
		name, err = objc.StringValue(op.rt(), v.ID)
		return err
	})
	return name, err
}

// InputTensors returns the operation's inputs.
func (op *Operation) InputTensors() ([]*Tensor, error) {
	return op.fw.tensors(op, entry(classOperation, "inputTensors"), nil)
}

// OutputTensors returns the operation's outputs.
func (op *Operation) OutputTensors() ([]*Tensor, error) {
	return op.fw.tensors(op, entry(classOperation, "outputTensors"), nil)
}

// ControlDependencies returns the operations that must run before op.
func (op *Operation) ControlDependencies() ([]*Operation, error) {
	objs, err := op.fw.objects(op, entry(classOperation, "controlDependencies"), nil)
	if err != nil {
		return nil, err
	}
	out := make([]*Operation, len(objs))
	for i, o := range objs {
		out[i] = &Operation{handle{op.fw, o}}
	}
	return out, nil
}

// CloseTensors closes every tensor in ts.
func CloseTensors(ts []*Tensor) error {
	var err error
	for _, t := range ts {
		if t != nil {
			err = multierr.Append(err, t.Close())
		}
	}
	return err
}
