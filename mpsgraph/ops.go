package mpsgraph

import (
	"github.com/tsawler/go-mpsgraph/objc"
)

// Operation names are optional everywhere: an empty name lets the framework
// pick one.

func (g *Graph) binary(selector string, a, b *Tensor, name string) (*Tensor, error) {
	return g.tensorOp(selector, func(args *objc.Args) ([]objc.Value, error) {
		return []objc.Value{args.Object(a), args.Object(b), args.OptionalString(name)}, nil
	})
}

func (g *Graph) unary(selector string, x *Tensor, name string) (*Tensor, error) {
	return g.tensorOp(selector, func(args *objc.Args) ([]objc.Value, error) {
		return []objc.Value{args.Object(x), args.OptionalString(name)}, nil
	})
}

// Addition is a + b with broadcasting.
func (g *Graph) Addition(a, b *Tensor, name string) (*Tensor, error) {
	return g.binary("additionWithPrimaryTensor:secondaryTensor:name:", a, b, name)
}

func (g *Graph) Subtraction(a, b *Tensor, name string) (*Tensor, error) {
	return g.binary("subtractionWithPrimaryTensor:secondaryTensor:name:", a, b, name)
}

func (g *Graph) Multiplication(a, b *Tensor, name string) (*Tensor, error) {
	return g.binary("multiplicationWithPrimaryTensor:secondaryTensor:name:", a, b, name)
}

func (g *Graph) Division(a, b *Tensor, name string) (*Tensor, error) {
	return g.binary("divisionWithPrimaryTensor:secondaryTensor:name:", a, b, name)
}

func (g *Graph) Maximum(a, b *Tensor, name string) (*Tensor, error) {
	return g.binary("maximumWithPrimaryTensor:secondaryTensor:name:", a, b, name)
}

func (g *Graph) Minimum(a, b *Tensor, name string) (*Tensor, error) {
	return g.binary("minimumWithPrimaryTensor:secondaryTensor:name:", a, b, name)
}

// Power is a raised to b elementwise.
func (g *Graph) Power(a, b *Tensor, name string) (*Tensor, error) {
	return g.binary("powerWithPrimaryTensor:secondaryTensor:name:", a, b, name)
}

// Equal, GreaterThan and LessThan produce Bool tensors.
func (g *Graph) Equal(a, b *Tensor, name string) (*Tensor, error) {
	return g.binary("equalWithPrimaryTensor:secondaryTensor:name:", a, b, name)
}

func (g *Graph) GreaterThan(a, b *Tensor, name string) (*Tensor, error) {
	return g.binary("greaterThanWithPrimaryTensor:secondaryTensor:name:", a, b, name)
}

func (g *Graph) LessThan(a, b *Tensor, name string) (*Tensor, error) {
	return g.binary("lessThanWithPrimaryTensor:secondaryTensor:name:", a, b, name)
}

// BitwiseAND needs integer operands. macOS 14, iOS 17.
func (g *Graph) BitwiseAND(a, b *Tensor, name string) (*Tensor, error) {
	return g.binary("bitwiseANDWithPrimaryTensor:secondaryTensor:name:", a, b, name)
}

func (g *Graph) Negative(x *Tensor, name string) (*Tensor, error) {
	return g.unary("negativeWithTensor:name:", x, name)
}

func (g *Graph) Absolute(x *Tensor, name string) (*Tensor, error) {
	return g.unary("absoluteWithTensor:name:", x, name)
}

// Exponent is e raised to x.
func (g *Graph) Exponent(x *Tensor, name string) (*Tensor, error) {
	return g.unary("exponentWithTensor:name:", x, name)
}

// Logarithm is the natural logarithm.
func (g *Graph) Logarithm(x *Tensor, name string) (*Tensor, error) {
	return g.unary("logarithmWithTensor:name:", x, name)
}

func (g *Graph) Square(x *Tensor, name string) (*Tensor, error) {
	return g.unary("squareWithTensor:name:", x, name)
}

func (g *Graph) SquareRoot(x *Tensor, name string) (*Tensor, error) {
	return g.unary("squareRootWithTensor:name:", x, name)
}

func (g *Graph) ReLU(x *Tensor, name string) (*Tensor, error) {
	return g.unary("reLUWithTensor:name:", x, name)
}

func (g *Graph) Sigmoid(x *Tensor, name string) (*Tensor, error) {
	return g.unary("sigmoidWithTensor:name:", x, name)
}

func (g *Graph) Tanh(x *Tensor, name string) (*Tensor, error) {
	return g.unary("tanhWithTensor:name:", x, name)
}

// Identity forwards x unchanged.
func (g *Graph) Identity(x *Tensor, name string) (*Tensor, error) {
	return g.unary("identityWithTensor:name:", x, name)
}

// CastTensor converts x to dt.
func (g *Graph) CastTensor(x *Tensor, dt DataType, name string) (*Tensor, error) {
	return g.tensorOp("castTensor:toType:name:", func(args *objc.Args) ([]objc.Value, error) {
		return []objc.Value{args.Object(x), objc.Uint(uint64(dt)), args.OptionalString(name)}, nil
	})
}

// Select picks onTrue where predicate is non-zero and onFalse elsewhere.
func (g *Graph) Select(predicate, onTrue, onFalse *Tensor, name string) (*Tensor, error) {
	return g.tensorOp("selectWithPredicateTensor:truePredicateTensor:falsePredicateTensor:name:", func(args *objc.Args) ([]objc.Value, error) {
		return []objc.Value{args.Object(predicate), args.Object(onTrue), args.Object(onFalse), args.OptionalString(name)}, nil
	})
}

// SoftMax normalises along axis. Negative axes count from the end.
func (g *Graph) SoftMax(x *Tensor, axis int, name string) (*Tensor, error) {
	return g.tensorOp("softMaxWithTensor:axis:name:", func(args *objc.Args) ([]objc.Value, error) {
		return []objc.Value{args.Object(x), objc.Int(int64(axis)), args.OptionalString(name)}, nil
	})
}

func (g *Graph) reduction(selector string, x *Tensor, axes []int, name string) (*Tensor, error) {
	return g.tensorOp(selector, func(args *objc.Args) ([]objc.Value, error) {
		return []objc.Value{args.Object(x), args.Numbers(axes), args.OptionalString(name)}, nil
	})
}

// ReductionSum sums over axes, keeping them as size 1.
func (g *Graph) ReductionSum(x *Tensor, axes []int, name string) (*Tensor, error) {
	return g.reduction("reductionSumWithTensor:axes:name:", x, axes, name)
}

func (g *Graph) ReductionMaximum(x *Tensor, axes []int, name string) (*Tensor, error) {
	return g.reduction("reductionMaximumWithTensor:axes:name:", x, axes, name)
}

// MeanOfTensor averages over axes, keeping them as size 1.
func (g *Graph) MeanOfTensor(x *Tensor, axes []int, name string) (*Tensor, error) {
	return g.reduction("meanOfTensor:axes:name:", x, axes, name)
}

// ReshapeTensor reinterprets x with shape. One dimension may be -1.
func (g *Graph) ReshapeTensor(x *Tensor, shape Shape, name string) (*Tensor, error) {
	return g.tensorOp("reshapeTensor:withShape:name:", func(args *objc.Args) ([]objc.Value, error) {
		return []objc.Value{args.Object(x), args.Numbers(shape), args.OptionalString(name)}, nil
	})
}

// TransposeTensor swaps two dimensions.
func (g *Graph) TransposeTensor(x *Tensor, dim, withDim int, name string) (*Tensor, error) {
	return g.tensorOp("transposeTensor:dimension:withDimension:name:", func(args *objc.Args) ([]objc.Value, error) {
		return []objc.Value{args.Object(x), objc.Uint(uint64(dim)), objc.Uint(uint64(withDim)), args.OptionalString(name)}, nil
	})
}

// MatrixMultiplication multiplies the last two dimensions, broadcasting the
// rest.
func (g *Graph) MatrixMultiplication(a, b *Tensor, name string) (*Tensor, error) {
	return g.binary("matrixMultiplicationWithPrimaryTensor:secondaryTensor:name:", a, b, name)
}

// Convolution2D convolves source with weights as desc describes.
func (g *Graph) Convolution2D(source, weights *Tensor, desc Convolution2DDescriptor, name string) (*Tensor, error) {
	return g.tensorOp("convolution2DWithSourceTensor:weightsTensor:descriptor:name:", func(args *objc.Args) ([]objc.Value, error) {
		d, err := desc.native(g.fw)
		if err != nil {
			return nil, err
		}
		return []objc.Value{args.Object(source), args.Object(weights), args.Keep(d), args.OptionalString(name)}, nil
	})
}

// Sort sorts ascending along axis. macOS 13, iOS 16.
func (g *Graph) Sort(x *Tensor, axis int, name string) (*Tensor, error) {
	return g.tensorOp("sortWithTensor:axis:name:", func(args *objc.Args) ([]objc.Value, error) {
		return []objc.Value{args.Object(x), objc.Int(int64(axis)), args.OptionalString(name)}, nil
	})
}

// ScaledDotProductAttention is softmax(q·kᵀ·scale)·v. macOS 15, iOS 18.
func (g *Graph) ScaledDotProductAttention(query, key, value *Tensor, scale float32, name string) (*Tensor, error) {
	return g.tensorOp("scaledDotProductAttentionWithQueryTensor:keyTensor:valueTensor:scale:name:", func(args *objc.Args) ([]objc.Value, error) {
		return []objc.Value{args.Object(query), args.Object(key), args.Object(value), objc.Float(scale), args.OptionalString(name)}, nil
	})
}
