package mpsgraph_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mpsgraph/archive"
	"github.com/tsawler/go-mpsgraph/mpsgraph"
	"github.com/tsawler/go-mpsgraph/objc"
	"github.com/tsawler/go-mpsgraph/sim_bridge"
)

func shapedType(t *testing.T, e *env, shape mpsgraph.Shape, dt mpsgraph.DataType) *mpsgraph.ShapedType {
	t.Helper()
	st, err := e.fw.NewShapedType(shape, dt)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// compileAddHalf compiles x + 0.5 for 2x2 Float32 inputs.
func compileAddHalf(t *testing.T, e *env) (x, sum *mpsgraph.Tensor, exe *mpsgraph.Executable) {
	t.Helper()
	x, sum = e.addHalf(t)
	st := shapedType(t, e, mpsgraph.Shape{2, 2}, mpsgraph.Float32)
	exe, err := e.g.Compile(nil, mpsgraph.ShapedFeeds{x: st}, []*mpsgraph.Tensor{sum}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { exe.Close() })
	return x, sum, exe
}

func TestExecutableRun(t *testing.T) {
	e := newEnv(t)
	x, sum, exe := compileAddHalf(t, e)
	q := e.queue(t)

	feeds := tensors(t)(exe.FeedTensors())
	require.Len(t, feeds, 1)
	assert.True(t, feeds[0].View().Same(x.View()))
	targets := tensors(t)(exe.TargetTensors())
	require.Len(t, targets, 1)
	assert.True(t, targets[0].View().Same(sum.View()))

	in := float32Data(t, e.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2})
	res := results(t)(exe.Run(q, []*mpsgraph.TensorData{in}, nil, nil))
	require.Equal(t, 1, res.Len())
	got, err := res.Get(sum).Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5, 3.5, 4.5}, got)

	_, err = exe.Run(q, nil, nil, nil)
	var ne *objc.NativeError
	assert.ErrorAs(t, err, &ne)
	_, err = exe.Run(nil, []*mpsgraph.TensorData{in}, nil, nil)
	assert.ErrorIs(t, err, objc.ErrUnexpectedNil)
}

func TestExecutableRunIntoResults(t *testing.T) {
	e := newEnv(t)
	_, sum, exe := compileAddHalf(t, e)
	q := e.queue(t)

	in := float32Data(t, e.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2})
	out := float32Data(t, e.dev, []float32{0, 0, 0, 0}, mpsgraph.Shape{2, 2})

	desc, err := e.fw.NewExecutableExecutionDescriptor()
	require.NoError(t, err)
	defer desc.Close()

	res := results(t)(exe.Run(q, []*mpsgraph.TensorData{in}, []*mpsgraph.TensorData{out}, desc))
	assert.True(t, res.Get(sum).View().Same(out.View()))
	got, err := out.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5, 3.5, 4.5}, got)
}

func TestExecutableRunAsyncAndEncode(t *testing.T) {
	e := newEnv(t)
	_, sum, exe := compileAddHalf(t, e)
	q := e.queue(t)
	in := float32Data(t, e.dev, []float32{4, 3, 2, 1}, mpsgraph.Shape{2, 2})

	task, err := exe.RunAsync(q, []*mpsgraph.TensorData{in}, nil, nil)
	require.NoError(t, err)
	res := results(t)(task.Wait(context.Background()))
	got, err := res.Get(sum).Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{4.5, 3.5, 2.5, 1.5}, got)

	cb, err := q.MPSCommandBuffer()
	require.NoError(t, err)
	defer cb.Close()
	enc := results(t)(exe.EncodeToCommandBuffer(cb, []*mpsgraph.TensorData{in}, nil, nil))
	require.NoError(t, cb.CommitAndWait())
	got, err = enc.At(0).Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{4.5, 3.5, 2.5, 1.5}, got)
}

func TestExecutableOutputTypes(t *testing.T) {
	e := newEnv(t)
	_, _, exe := compileAddHalf(t, e)
	st := shapedType(t, e, mpsgraph.Shape{2, 2}, mpsgraph.Float32)

	types, err := exe.GetOutputTypes(e.dev, []*mpsgraph.ShapedType{st}, nil)
	require.NoError(t, err)
	require.Len(t, types, 1)
	defer types[0].Close()
	shape, err := types[0].Shape()
	require.NoError(t, err)
	assert.Equal(t, mpsgraph.Shape{2, 2}, shape)
	dt, err := types[0].DataType()
	require.NoError(t, err)
	assert.Equal(t, mpsgraph.Float32, dt)

	require.NoError(t, exe.Specialize(e.dev, []*mpsgraph.ShapedType{st}, nil))
}

func TestCompilationDescriptor(t *testing.T) {
	e := newEnv(t)
	x, sum := e.addHalf(t)
	st := shapedType(t, e, mpsgraph.Shape{2, 2}, mpsgraph.Float32)

	desc, err := e.fw.NewCompilationDescriptor()
	require.NoError(t, err)
	defer desc.Close()
	require.NoError(t, desc.SetOptimizationLevel(mpsgraph.OptimizationLevel0))
	lvl, err := desc.OptimizationLevel()
	require.NoError(t, err)
	assert.Equal(t, mpsgraph.OptimizationLevel0, lvl)

	var handled *mpsgraph.Executable
	require.NoError(t, desc.SetCompilationCompletionHandler(func(exe *mpsgraph.Executable, err error) {
		assert.NoError(t, err)
		handled = exe
	}))

	exe, err := e.g.Compile(e.dev, mpsgraph.ShapedFeeds{x: st}, []*mpsgraph.Tensor{sum}, nil, desc)
	require.NoError(t, err)
	defer exe.Close()
	require.NotNil(t, handled)
	defer handled.Close()
	assert.True(t, handled.View().Same(exe.View()))
}

func TestSerializeAndLoad(t *testing.T) {
	for _, format := range []archive.Format{archive.FormatJSON, archive.FormatProtobuf} {
		t.Run(format.String(), func(t *testing.T) {
			e := newEnv(t)
			_, sum, exe := compileAddHalf(t, e)
			q := e.queue(t)
			path := filepath.Join(t.TempDir(), "add.mpsgraphpackage")

			desc, err := e.fw.NewSerializationDescriptor()
			require.NoError(t, err)
			defer desc.Close()
			require.NoError(t, desc.SetMinimumDeploymentTarget("14.0"))
			assert.Error(t, desc.SetMinimumDeploymentTarget("fourteen"))

			require.NoError(t, exe.Serialize(path, desc, format))
			assert.FileExists(t, filepath.Join(path, format.FileName()))

			loaded, err := e.fw.LoadExecutable(path, nil)
			require.NoError(t, err)
			defer loaded.Close()

			m := loaded.Manifest()
			require.NotNil(t, m)
			assert.Equal(t, "15.0", m.OSVersion)
			require.Len(t, m.Feeds, 1)
			assert.Equal(t, archive.TensorSpec{Name: "x", Shape: []int{2, 2}, DataType: uint32(mpsgraph.Float32)}, m.Feeds[0])
			require.Len(t, m.Targets, 1)
			assert.Equal(t, "sum", m.Targets[0].Name)

			in := float32Data(t, e.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2})
			res := results(t)(loaded.Run(q, []*mpsgraph.TensorData{in}, nil, nil))
			got, err := res.Get(sum).Float32s()
			require.NoError(t, err)
			assert.Equal(t, []float32{1.5, 2.5, 3.5, 4.5}, got)

			wrong := float32Data(t, e.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{4})
			_, err = loaded.Run(q, []*mpsgraph.TensorData{wrong}, nil, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "expects [2, 2]")
		})
	}
}

func TestLoadWithoutManifest(t *testing.T) {
	e := newEnv(t)
	_, _, exe := compileAddHalf(t, e)
	path := filepath.Join(t.TempDir(), "bare.mpsgraphpackage")

	require.NoError(t, exe.SerializeToMPSGraphPackageAtURL(path, nil))
	loaded, err := e.fw.LoadExecutable(path, nil)
	require.NoError(t, err)
	defer loaded.Close()
	assert.Nil(t, loaded.Manifest())

	_, err = e.fw.LoadExecutable(filepath.Join(t.TempDir(), "missing"), nil)
	assert.ErrorIs(t, err, objc.ErrUnexpectedNil)
}

func TestSerializationGate(t *testing.T) {
	opts := sim_bridge.DefaultOptions()
	opts.OSVersion = "13.5"
	e := newEnvWith(t, opts)
	_, _, exe := compileAddHalf(t, e)
	path := filepath.Join(t.TempDir(), "old.mpsgraphpackage")

	_, err := e.fw.NewSerializationDescriptor()
	assert.ErrorIs(t, err, objc.ErrPlatformUnsupported)
	assert.ErrorIs(t, exe.Serialize(path, nil, archive.FormatJSON), objc.ErrPlatformUnsupported)
	_, err = e.fw.LoadExecutable(path, nil)
	assert.ErrorIs(t, err, objc.ErrPlatformUnsupported)
}
