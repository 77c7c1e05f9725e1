package mpsgraph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mpsgraph/metal_bridge"
	"github.com/tsawler/go-mpsgraph/mpsgraph"
	"github.com/tsawler/go-mpsgraph/sim_bridge"
)

// env is one simulated framework with a graph and device. Every handle the
// test registers is closed before the runtime is checked for leaks and
// memory-management violations.
type env struct {
	rt  *sim_bridge.Runtime
	fw  *mpsgraph.Framework
	g   *mpsgraph.Graph
	dev *mpsgraph.Device
}

func newEnv(t *testing.T) *env {
	return newEnvWith(t, sim_bridge.DefaultOptions())
}

func newEnvWith(t *testing.T, opts sim_bridge.Options) *env {
	t.Helper()
	rt := sim_bridge.New(opts)
	t.Cleanup(func() {
		rt.Wait()
		assert.Empty(t, rt.Violations())
	})
	fw, err := mpsgraph.Open(rt)
	require.NoError(t, err)
	g, err := fw.NewGraph()
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	dev, err := fw.DefaultDevice()
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return &env{rt: rt, fw: fw, g: g, dev: dev}
}

func (e *env) queue(t *testing.T) *metal_bridge.CommandQueue {
	t.Helper()
	mtl, err := e.dev.MetalDevice()
	require.NoError(t, err)
	defer mtl.Close()
	q, err := mtl.NewCommandQueue()
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

// tensor registers a tensor result for cleanup. It returns a function so a
// wrapper's (value, error) pair can be passed straight through:
//
//	x := tensor(t)(g.Placeholder(shape, dt, "x"))
func tensor(t *testing.T) func(*mpsgraph.Tensor, error) *mpsgraph.Tensor {
	return func(ts *mpsgraph.Tensor, err error) *mpsgraph.Tensor {
		t.Helper()
		require.NoError(t, err)
		require.NotNil(t, ts)
		t.Cleanup(func() { ts.Close() })
		return ts
	}
}

func tensors(t *testing.T) func([]*mpsgraph.Tensor, error) []*mpsgraph.Tensor {
	return func(ts []*mpsgraph.Tensor, err error) []*mpsgraph.Tensor {
		t.Helper()
		require.NoError(t, err)
		t.Cleanup(func() { mpsgraph.CloseTensors(ts) })
		return ts
	}
}

func float32Data(t *testing.T, dev *mpsgraph.Device, values []float32, shape mpsgraph.Shape) *mpsgraph.TensorData {
	t.Helper()
	td, err := mpsgraph.NewTensorDataFloat32(dev, values, shape)
	require.NoError(t, err)
	t.Cleanup(func() { td.Close() })
	return td
}

func results(t *testing.T) func(*mpsgraph.Results, error) *mpsgraph.Results {
	return func(res *mpsgraph.Results, err error) *mpsgraph.Results {
		t.Helper()
		require.NoError(t, err)
		require.NotNil(t, res)
		t.Cleanup(func() { res.Close() })
		return res
	}
}

// addHalf builds x + 0.5 over a 2x2 Float32 placeholder.
func (e *env) addHalf(t *testing.T) (x, sum *mpsgraph.Tensor) {
	t.Helper()
	x = tensor(t)(e.g.Placeholder(mpsgraph.Shape{2, 2}, mpsgraph.Float32, "x"))
	half := tensor(t)(e.g.ConstantWithScalar(0.5, mpsgraph.Float32))
	sum = tensor(t)(e.g.Addition(x, half, "sum"))
	return x, sum
}
