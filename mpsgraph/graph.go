package mpsgraph

import (
	"fmt"

	"github.com/tsawler/go-mpsgraph/objc"
)

// Graph is an MPSGraph. Tensors and operations created from it are owned by
// the graph; the wrappers returned for them hold an extra reference each.
type Graph struct {
	handle
}

// NewGraph returns an empty graph.
func (fw *Framework) NewGraph() (*Graph, error) {
	obj, err := fw.alloc(entry(classGraph, "init"), nil)
	if err != nil {
		return nil, err
	}
	return &Graph{handle{fw, obj}}, nil
}

// Options returns the graph options.
func (g *Graph) Options() (GraphOptions, error) {
	var opts GraphOptions
	err := g.fw.call(g, entry(classGraph, "options"), nil, func(v objc.Value) error {
		opts = GraphOptions(v.Uint)
		return nil
	})
	return opts, err
}

// SetOptions replaces the graph options.
func (g *Graph) SetOptions(opts GraphOptions) error {
	return g.fw.call(g, entry(classGraph, "setOptions:"), func(*objc.Args) ([]objc.Value, error) {
		return []objc.Value{objc.Uint(uint64(opts))}, nil
	}, nil)
}

// PlaceholderTensors returns every placeholder in creation order.
func (g *Graph) PlaceholderTensors() ([]*Tensor, error) {
	return g.fw.tensors(g, entry(classGraph, "placeholderTensors"), nil)
}

// tensorOp sends an operation that returns one tensor.
func (g *Graph) tensorOp(selector string, build func(a *objc.Args) ([]objc.Value, error)) (*Tensor, error) {
	ep := entry(classGraph, selector)
	obj, err := g.fw.object(g, ep, build)
	if err != nil {
		return nil, fmt.Errorf("mpsgraph: %s: %w", MethodName(selector), err)
	}
	return &Tensor{handle{g.fw, obj}}, nil
}

// Placeholder adds an input that must be fed at run time. A nil shape is
// unranked; -1 marks a dimension of unknown size.
func (g *Graph) Placeholder(shape Shape, dt DataType, name string) (*Tensor, error) {
	return g.tensorOp("placeholderWithShape:dataType:name:", func(a *objc.Args) ([]objc.Value, error) {
		return []objc.Value{shapeArg(a, shape), objc.Uint(uint64(dt)), a.OptionalString(name)}, nil
	})
}

// Constant adds a tensor of shape filled with scalar.
func (g *Graph) Constant(scalar float64, shape Shape, dt DataType) (*Tensor, error) {
	if shape == nil {
		return nil, fmt.Errorf("mpsgraph: Constant needs a ranked shape")
	}
	return g.tensorOp("constantWithScalar:shape:dataType:", func(a *objc.Args) ([]objc.Value, error) {
		return []objc.Value{objc.Double(scalar), a.Numbers(shape), objc.Uint(uint64(dt))}, nil
	})
}

// ConstantWithScalar adds a rank 0 constant.
func (g *Graph) ConstantWithScalar(scalar float64, dt DataType) (*Tensor, error) {
	return g.tensorOp("constantWithScalar:dataType:", func(*objc.Args) ([]objc.Value, error) {
		return []objc.Value{objc.Double(scalar), objc.Uint(uint64(dt))}, nil
	})
}

// ConstantWithData adds a constant holding a copy of data, laid out
// row-major in dt.
func (g *Graph) ConstantWithData(data []byte, shape Shape, dt DataType) (*Tensor, error) {
	want, err := shape.byteSize(dt)
	if err != nil {
		return nil, err
	}
	if len(data) != want {
		return nil, fmt.Errorf("mpsgraph: %d bytes of constant data for shape %s of %s, need %d", len(data), shape, dt, want)
	}
	return g.tensorOp("constantWithData:shape:dataType:", func(a *objc.Args) ([]objc.Value, error) {
		nsdata, err := objc.AllocInit(g.rt(), "NSData", "initWithBytes:length:", objc.Bytes(data), objc.Uint(uint64(len(data))))
		if err != nil {
			return nil, err
		}
		return []objc.Value{a.Keep(nsdata), a.Numbers(shape), objc.Uint(uint64(dt))}, nil
	})
}

// ConstantFloat32 is ConstantWithData for float32 values.
func (g *Graph) ConstantFloat32(values []float32, shape Shape) (*Tensor, error) {
	return g.ConstantWithData(float32Bytes(values), shape, Float32)
}
