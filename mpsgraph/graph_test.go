package mpsgraph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mpsgraph/mpsgraph"
	"github.com/tsawler/go-mpsgraph/objc"
	"github.com/tsawler/go-mpsgraph/sim_bridge"
)

func TestRunAddition(t *testing.T) {
	e := newEnv(t)
	x, sum := e.addHalf(t)
	in := float32Data(t, e.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2})

	res := results(t)(e.g.Run(mpsgraph.Feeds{x: in}, []*mpsgraph.Tensor{sum}, nil))
	require.Equal(t, 1, res.Len())
	out := res.Get(sum)
	require.NotNil(t, out)

	got, err := out.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5, 3.5, 4.5}, got)

	shape, err := out.Shape()
	require.NoError(t, err)
	assert.Equal(t, mpsgraph.Shape{2, 2}, shape)
	assert.Same(t, out, res.At(0))
}

func TestAddTwoPlaceholders(t *testing.T) {
	e := newEnv(t)
	a := tensor(t)(e.g.Placeholder(mpsgraph.Shape{2, 2}, mpsgraph.Float32, "a"))
	b := tensor(t)(e.g.Placeholder(mpsgraph.Shape{2, 2}, mpsgraph.Float32, "b"))
	sum := tensor(t)(e.g.Addition(a, b, "sum"))
	feeds := mpsgraph.Feeds{
		a: float32Data(t, e.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2}),
		b: float32Data(t, e.dev, []float32{0.5, 0.5, 0.5, 0.5}, mpsgraph.Shape{2, 2}),
	}
	want := []float32{1.5, 2.5, 3.5, 4.5}

	res := results(t)(e.g.Run(feeds, []*mpsgraph.Tensor{sum}, nil))
	got, err := res.Get(sum).Float32s()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	st, err := e.fw.NewShapedType(mpsgraph.Shape{2, 2}, mpsgraph.Float32)
	require.NoError(t, err)
	defer st.Close()
	exe, err := e.g.Compile(e.dev, mpsgraph.ShapedFeeds{a: st, b: st}, []*mpsgraph.Tensor{sum}, nil, nil)
	require.NoError(t, err)
	defer exe.Close()

	// Executable inputs follow FeedTensors order, whatever order the map had.
	order := tensors(t)(exe.FeedTensors())
	require.Len(t, order, 2)
	inputs := make([]*mpsgraph.TensorData, len(order))
	for i, ft := range order {
		for k, v := range feeds {
			if ft.View().Same(k.View()) {
				inputs[i] = v
			}
		}
		require.NotNil(t, inputs[i])
	}
	exeRes := results(t)(exe.Run(e.queue(t), inputs, nil, nil))
	got, err = exeRes.At(0).Float32s()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRunWithMTLCommandQueue(t *testing.T) {
	e := newEnv(t)
	x, sum := e.addHalf(t)
	in := float32Data(t, e.dev, []float32{0, 0, 1, 1}, mpsgraph.Shape{2, 2})

	res := results(t)(e.g.RunWithMTLCommandQueue(e.queue(t), mpsgraph.Feeds{x: in}, []*mpsgraph.Tensor{sum}, nil))
	got, err := res.Get(sum).Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, 1.5, 1.5}, got)

	_, err = e.g.RunWithMTLCommandQueue(nil, mpsgraph.Feeds{x: in}, []*mpsgraph.Tensor{sum}, nil)
	assert.ErrorIs(t, err, objc.ErrUnexpectedNil)
}

func TestResultsTake(t *testing.T) {
	e := newEnv(t)
	x, sum := e.addHalf(t)
	neg := tensor(t)(e.g.Negative(x, ""))
	in := float32Data(t, e.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2})

	res := results(t)(e.g.Run(mpsgraph.Feeds{x: in}, []*mpsgraph.Tensor{sum, neg}, nil))
	taken := res.Take(neg)
	require.NotNil(t, taken)
	defer taken.Close()
	assert.Nil(t, res.Get(neg))
	assert.Nil(t, res.Take(neg))

	got, err := taken.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, -2, -3, -4}, got)

	require.NoError(t, res.Close())
	got, err = taken.Float32s()
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestRunMissingFeed(t *testing.T) {
	e := newEnv(t)
	_, sum := e.addHalf(t)

	_, err := e.g.Run(nil, []*mpsgraph.Tensor{sum}, nil)
	var ne *objc.NativeError
	require.ErrorAs(t, err, &ne)
}

func TestRunFeedMismatch(t *testing.T) {
	e := newEnv(t)
	x, sum := e.addHalf(t)
	in := float32Data(t, e.dev, []float32{1, 2, 3}, mpsgraph.Shape{3})

	_, err := e.g.Run(mpsgraph.Feeds{x: in}, []*mpsgraph.Tensor{sum}, nil)
	assert.Error(t, err)
}

func TestPlaceholder(t *testing.T) {
	e := newEnv(t)
	x := tensor(t)(e.g.Placeholder(mpsgraph.Shape{3, -1}, mpsgraph.Int32, "input"))

	shape, err := x.Shape()
	require.NoError(t, err)
	assert.Equal(t, mpsgraph.Shape{3, -1}, shape)
	assert.False(t, shape.Static())

	dt, err := x.DataType()
	require.NoError(t, err)
	assert.Equal(t, mpsgraph.Int32, dt)

	name, err := x.Name()
	require.NoError(t, err)
	assert.Equal(t, "input", name)

	unranked := tensor(t)(e.g.Placeholder(nil, mpsgraph.Float32, ""))
	shape, err = unranked.Shape()
	require.NoError(t, err)
	assert.False(t, shape.Ranked())

	all := tensors(t)(e.g.PlaceholderTensors())
	require.Len(t, all, 2)
	assert.True(t, all[0].View().Same(x.View()))
}

func TestGraphOptions(t *testing.T) {
	e := newEnv(t)
	opts, err := e.g.Options()
	require.NoError(t, err)
	assert.Equal(t, mpsgraph.GraphOptionsDefault, opts)

	require.NoError(t, e.g.SetOptions(mpsgraph.GraphOptionsVerbose))
	opts, err = e.g.Options()
	require.NoError(t, err)
	assert.Equal(t, mpsgraph.GraphOptionsVerbose, opts)
}

func TestConstants(t *testing.T) {
	e := newEnv(t)
	filled := tensor(t)(e.g.Constant(2, mpsgraph.Shape{2}, mpsgraph.Float32))
	data := tensor(t)(e.g.ConstantFloat32([]float32{1, 2}, mpsgraph.Shape{2}))
	prod := tensor(t)(e.g.Multiplication(filled, data, "prod"))

	res := results(t)(e.g.Run(nil, []*mpsgraph.Tensor{prod}, nil))
	got, err := res.Get(prod).Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4}, got)

	_, err = e.g.Constant(1, nil, mpsgraph.Float32)
	assert.Error(t, err)
	_, err = e.g.ConstantWithData([]byte{1, 2, 3}, mpsgraph.Shape{1}, mpsgraph.Float32)
	assert.Error(t, err)
}

func TestTensorCloneAndClose(t *testing.T) {
	e := newEnv(t)
	x, _ := e.addHalf(t)

	c, err := x.Clone()
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, c.View().Same(x.View()))

	y := tensor(t)(e.g.Placeholder(mpsgraph.Shape{2, 2}, mpsgraph.Float32, "y"))
	require.NoError(t, y.Close())
	_, err = e.g.Addition(x, y, "")
	assert.ErrorIs(t, err, objc.ErrUseAfterRelease)

	_, err = e.g.Addition(x, nil, "")
	assert.ErrorIs(t, err, objc.ErrUnexpectedNil)
}

func TestOperationGraph(t *testing.T) {
	e := newEnv(t)
	x, sum := e.addHalf(t)

	op, err := sum.Operation()
	require.NoError(t, err)
	defer op.Close()

	name, err := op.Name()
	require.NoError(t, err)
	assert.Equal(t, "sum", name)

	ins := tensors(t)(op.InputTensors())
	require.Len(t, ins, 2)
	assert.True(t, ins[0].View().Same(x.View()))

	outs := tensors(t)(op.OutputTensors())
	require.Len(t, outs, 1)
	assert.True(t, outs[0].View().Same(sum.View()))
}

func TestOpenWithoutMPSGraph(t *testing.T) {
	opts := sim_bridge.DefaultOptions()
	opts.MissingClasses = []string{"MPSGraph"}
	rt := sim_bridge.New(opts)

	_, err := mpsgraph.Open(rt)
	assert.ErrorIs(t, err, objc.ErrPlatformUnsupported)

	_, err = mpsgraph.Open(nil)
	assert.ErrorIs(t, err, objc.ErrNoRuntime)
}
