package mpsgraph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/go-mpsgraph/objc"
)

// Shape is a tensor shape. A nil Shape is unranked and -1 marks a dimension
// whose size is only known at run time.
type Shape []int

// Shaped is implemented by wrappers that report a shape.
type Shaped interface {
	Shape() (Shape, error)
}

// Typed is implemented by wrappers that report an element type.
type Typed interface {
	DataType() (DataType, error)
}

// Ranked reports whether the shape has a known rank.
func (s Shape) Ranked() bool { return s != nil }

// Rank is the number of dimensions, -1 when unranked.
func (s Shape) Rank() int {
	if s == nil {
		return -1
	}
	return len(s)
}

// Static reports whether every dimension is known.
func (s Shape) Static() bool {
	if s == nil {
		return false
	}
	for _, d := range s {
		if d < 0 {
			return false
		}
	}
	return true
}

// NumElements is the element count of a static shape, -1 otherwise. A
// scalar has one element.
func (s Shape) NumElements() int {
	if !s.Static() {
		return -1
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal compares ranks and dimensions.
func (s Shape) Equal(other Shape) bool {
	if (s == nil) != (other == nil) || len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	if s == nil {
		return "[*]"
	}
	parts := make([]string, len(s))
	for i, d := range s {
		if d < 0 {
			parts[i] = "?"
		} else {
			parts[i] = strconv.Itoa(d)
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// byteSize is the storage a static shape of dt needs.
func (s Shape) byteSize(dt DataType) (int, error) {
	n := s.NumElements()
	if n < 0 {
		return 0, fmt.Errorf("mpsgraph: shape %s is not static", s)
	}
	return n * dt.Size(), nil
}

// shapeArg marshals s as an NSArray of NSNumber, or native nil when
// unranked.
func shapeArg(a *objc.Args, s Shape) objc.Value {
	if s == nil {
		return objc.Obj(objc.Nil)
	}
	return a.Numbers(s)
}

// shapeOf reads an NSArray of NSNumber. Call it inside a pool.
func shapeOf(rt objc.Runtime, arr objc.ID) (Shape, error) {
	if arr.IsNil() {
		return nil, nil
	}
	dims, err := objc.NumberValues(rt, arr)
	if err != nil {
		return nil, err
	}
	if dims == nil {
		dims = []int{}
	}
	return Shape(dims), nil
}
