package mpsgraph_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mpsgraph/mpsgraph"
	"github.com/tsawler/go-mpsgraph/objc"
)

func scalar(t *testing.T, e *env, target *mpsgraph.Tensor, feeds mpsgraph.Feeds) float32 {
	t.Helper()
	res := results(t)(e.g.Run(feeds, []*mpsgraph.Tensor{target}, nil))
	got, err := res.Get(target).Float32s()
	require.NoError(t, err)
	require.Len(t, got, 1)
	return got[0]
}

func TestIf(t *testing.T) {
	e := newEnv(t)
	p := tensor(t)(e.g.Placeholder(mpsgraph.Shape{}, mpsgraph.Bool, "p"))
	ten := tensor(t)(e.g.ConstantWithScalar(10, mpsgraph.Float32))

	outs := tensors(t)(e.g.If(p,
		func() ([]*mpsgraph.Tensor, error) {
			x, err := e.g.Identity(ten, "")
			return []*mpsgraph.Tensor{x}, err
		},
		func() ([]*mpsgraph.Tensor, error) {
			x, err := e.g.Negative(ten, "")
			return []*mpsgraph.Tensor{x}, err
		}, "branch"))
	require.Len(t, outs, 1)

	for _, tc := range []struct {
		pred byte
		want float32
	}{{1, 10}, {0, -10}} {
		td, err := mpsgraph.NewTensorData(e.dev, []byte{tc.pred}, mpsgraph.Shape{}, mpsgraph.Bool)
		require.NoError(t, err)
		assert.Equal(t, tc.want, scalar(t, e, outs[0], mpsgraph.Feeds{p: td}))
		require.NoError(t, td.Close())
	}
}

func TestIfWithoutElse(t *testing.T) {
	e := newEnv(t)
	p := tensor(t)(e.g.ConstantWithScalar(1, mpsgraph.Bool))
	ten := tensor(t)(e.g.ConstantWithScalar(10, mpsgraph.Float32))

	_, err := e.g.If(p, func() ([]*mpsgraph.Tensor, error) {
		x, err := e.g.Identity(ten, "")
		return []*mpsgraph.Tensor{x}, err
	}, nil, "")
	var ne *objc.NativeError
	assert.ErrorAs(t, err, &ne)

	outs := tensors(t)(e.g.If(p, func() ([]*mpsgraph.Tensor, error) { return nil, nil }, nil, ""))
	assert.Empty(t, outs)

	_, err = e.g.If(p, nil, nil, "")
	assert.ErrorIs(t, err, objc.ErrUnexpectedNil)
}

func TestIfClosureError(t *testing.T) {
	e := newEnv(t)
	p := tensor(t)(e.g.ConstantWithScalar(1, mpsgraph.Bool))
	boom := errors.New("boom")

	_, err := e.g.If(p,
		func() ([]*mpsgraph.Tensor, error) { return nil, boom },
		func() ([]*mpsgraph.Tensor, error) { return nil, nil }, "")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, e.rt.Live("__NSMallocBlock__"))
}

func TestWhile(t *testing.T) {
	e := newEnv(t)
	zero := tensor(t)(e.g.ConstantWithScalar(0, mpsgraph.Float32))
	one := tensor(t)(e.g.ConstantWithScalar(1, mpsgraph.Float32))
	limit := tensor(t)(e.g.ConstantWithScalar(5, mpsgraph.Float32))

	before := func(in []*mpsgraph.Tensor) (*mpsgraph.Tensor, []*mpsgraph.Tensor, error) {
		pred, err := e.g.LessThan(in[0], limit, "")
		if err != nil {
			return nil, nil, err
		}
		x, err := in[0].Clone()
		return pred, []*mpsgraph.Tensor{x}, err
	}
	after := func(args []*mpsgraph.Tensor) ([]*mpsgraph.Tensor, error) {
		next, err := e.g.Addition(args[0], one, "")
		return []*mpsgraph.Tensor{next}, err
	}

	outs := tensors(t)(e.g.While([]*mpsgraph.Tensor{zero}, before, after, "count"))
	require.Len(t, outs, 1)
	assert.Equal(t, float32(5), scalar(t, e, outs[0], nil))

	name, err := outs[0].Name()
	require.NoError(t, err)
	assert.Equal(t, "count", name)
}

func TestWhileNoPredicate(t *testing.T) {
	e := newEnv(t)
	zero := tensor(t)(e.g.ConstantWithScalar(0, mpsgraph.Float32))

	_, err := e.g.While([]*mpsgraph.Tensor{zero},
		func([]*mpsgraph.Tensor) (*mpsgraph.Tensor, []*mpsgraph.Tensor, error) { return nil, nil, nil },
		func(args []*mpsgraph.Tensor) ([]*mpsgraph.Tensor, error) {
			x, err := args[0].Clone()
			return []*mpsgraph.Tensor{x}, err
		}, "")
	assert.ErrorIs(t, err, objc.ErrUnexpectedNil)

	_, err = e.g.While([]*mpsgraph.Tensor{zero}, nil, nil, "")
	assert.ErrorIs(t, err, objc.ErrUnexpectedNil)
}

func TestForLoop(t *testing.T) {
	e := newEnv(t)
	n := tensor(t)(e.g.Placeholder(mpsgraph.Shape{}, mpsgraph.Int32, "n"))
	acc := tensor(t)(e.g.ConstantWithScalar(0, mpsgraph.Int32))

	outs := tensors(t)(e.g.ForLoop(n, []*mpsgraph.Tensor{acc},
		func(index *mpsgraph.Tensor, args []*mpsgraph.Tensor) ([]*mpsgraph.Tensor, error) {
			dt, err := index.DataType()
			if err != nil {
				return nil, err
			}
			if dt != mpsgraph.Int32 {
				return nil, errors.New("index is not Int32")
			}
			sum, err := e.g.Addition(args[0], index, "")
			return []*mpsgraph.Tensor{sum}, err
		}, "sum"))
	require.Len(t, outs, 1)

	for _, tc := range []struct {
		n    int32
		want int32
	}{{4, 6}, {0, 0}, {1, 0}, {5, 10}} {
		td, err := mpsgraph.NewTensorDataInt32(e.dev, []int32{tc.n}, mpsgraph.Shape{})
		require.NoError(t, err)
		res := results(t)(e.g.Run(mpsgraph.Feeds{n: td}, outs, nil))
		got, err := res.Get(outs[0]).Int32s()
		require.NoError(t, err)
		assert.Equal(t, []int32{tc.want}, got, "n=%d", tc.n)
		require.NoError(t, td.Close())
	}
}

func TestForLoopBodyMismatch(t *testing.T) {
	e := newEnv(t)
	n := tensor(t)(e.g.ConstantWithScalar(3, mpsgraph.Int32))
	acc := tensor(t)(e.g.ConstantWithScalar(0, mpsgraph.Int32))

	_, err := e.g.ForLoop(n, []*mpsgraph.Tensor{acc},
		func(*mpsgraph.Tensor, []*mpsgraph.Tensor) ([]*mpsgraph.Tensor, error) { return nil, nil }, "")
	var ne *objc.NativeError
	assert.ErrorAs(t, err, &ne)
}

func TestControlDependency(t *testing.T) {
	e := newEnv(t)
	x, sum := e.addHalf(t)
	op, err := sum.Operation()
	require.NoError(t, err)
	defer op.Close()

	outs := tensors(t)(e.g.ControlDependency([]*mpsgraph.Operation{op}, func() ([]*mpsgraph.Tensor, error) {
		y, err := e.g.Square(x, "after_sum")
		return []*mpsgraph.Tensor{y}, err
	}, ""))
	require.Len(t, outs, 1)

	yop, err := outs[0].Operation()
	require.NoError(t, err)
	defer yop.Close()
	deps, err := yop.ControlDependencies()
	require.NoError(t, err)
	defer func() {
		for _, d := range deps {
			d.Close()
		}
	}()
	require.Len(t, deps, 1)
	assert.True(t, deps[0].View().Same(op.View()))

	in := float32Data(t, e.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2})
	res := results(t)(e.g.Run(mpsgraph.Feeds{x: in}, outs, []*mpsgraph.Operation{op}))
	got, err := res.Get(outs[0]).Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 4, 9, 16}, got)
}
