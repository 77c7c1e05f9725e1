package mpsgraph

import (
	"fmt"

	"github.com/tsawler/go-mpsgraph/objc"
)

// Variable adds a tensor whose value persists across runs of the graph. It
// starts as a copy of data and changes only when an AssignVariable
// operation is run as a target operation.
func (g *Graph) Variable(data []byte, shape Shape, dt DataType, name string) (*Tensor, error) {
	want, err := shape.byteSize(dt)
	if err != nil {
		return nil, err
	}
	if len(data) != want {
		return nil, fmt.Errorf("mpsgraph: %d bytes of variable data for shape %s of %s, need %d", len(data), shape, dt, want)
	}
	return g.tensorOp("variableWithData:shape:dataType:name:", func(a *objc.Args) ([]objc.Value, error) {
		nsdata, err := objc.AllocInit(g.rt(), "NSData", "initWithBytes:length:", objc.Bytes(data), objc.Uint(uint64(len(data))))
		if err != nil {
			return nil, err
		}
		return []objc.Value{a.Keep(nsdata), a.Numbers(shape), objc.Uint(uint64(dt)), a.OptionalString(name)}, nil
	})
}

// VariableFloat32 is Variable for float32 values.
func (g *Graph) VariableFloat32(values []float32, shape Shape, name string) (*Tensor, error) {
	return g.Variable(float32Bytes(values), shape, Float32, name)
}

// ReadVariable reads the value variable holds when a run starts.
func (g *Graph) ReadVariable(variable *Tensor, name string) (*Tensor, error) {
	return g.unary("readVariable:name:", variable, name)
}

// AssignVariable returns an operation that stores value into variable.
// Pass it as a target operation to apply it; reads in the same run still
// see the previous value.
func (g *Graph) AssignVariable(variable, value *Tensor, name string) (*Operation, error) {
	obj, err := g.fw.object(g, entry(classGraph, "assignVariable:withValueOfTensor:name:"), func(a *objc.Args) ([]objc.Value, error) {
		return []objc.Value{a.Object(variable), a.Object(value), a.OptionalString(name)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("mpsgraph: AssignVariable: %w", err)
	}
	return &Operation{handle{g.fw, obj}}, nil
}

// GradientForPrimaryTensor builds the gradient of primary with respect to
// each tensor in with, returned in the order of with. A primary that is not
// a scalar is differentiated as the sum of its elements.
func (g *Graph) GradientForPrimaryTensor(primary *Tensor, with []*Tensor, name string) ([]*Tensor, error) {
	keys, err := tensorIDs(with)
	if err != nil {
		return nil, err
	}
	ep := entry(classGraph, "gradientForPrimaryTensor:withTensors:name:")
	out := make([]*Tensor, 0, len(with))
	err = g.fw.call(g, ep, func(a *objc.Args) ([]objc.Value, error) {
		return []objc.Value{a.Object(primary), a.Array(objc.Handles(with)), a.OptionalString(name)}, nil
	}, func(v objc.Value) error {
		if v.ID.IsNil() {
			return &objc.NilHandleError{Selector: ep.String()}
		}
		for _, k := range keys {
			id, err := objc.DictionaryLookup(g.rt(), v.ID, k)
			if err != nil {
				return err
			}
			obj, err := g.fw.take(ep, id)
			if err != nil {
				return err
			}
			out = append(out, &Tensor{handle{g.fw, obj}})
		}
		return nil
	})
	if err != nil {
		CloseTensors(out)
		return nil, fmt.Errorf("mpsgraph: GradientForPrimaryTensor: %w", err)
	}
	return out, nil
}
