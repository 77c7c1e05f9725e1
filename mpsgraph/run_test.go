package mpsgraph_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mpsgraph/mpsgraph"
	"github.com/tsawler/go-mpsgraph/objc"
	"github.com/tsawler/go-mpsgraph/sim_bridge"
)

func waitResults(t *testing.T, task *mpsgraph.Task) *mpsgraph.Results {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return results(t)(task.Wait(ctx))
}

func TestRunAsync(t *testing.T) {
	e := newEnv(t)
	x, sum := e.addHalf(t)
	in := float32Data(t, e.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2})

	task, err := e.g.RunAsync(mpsgraph.Feeds{x: in}, []*mpsgraph.Tensor{sum}, nil, nil)
	require.NoError(t, err)
	res := waitResults(t, task)
	got, err := res.Get(sum).Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5, 3.5, 4.5}, got)

	again, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, res, again)
}

func TestRunAsyncWaitUntilCompleted(t *testing.T) {
	e := newEnv(t)
	x, sum := e.addHalf(t)
	in := float32Data(t, e.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2})

	desc, err := e.fw.NewExecutionDescriptor()
	require.NoError(t, err)
	defer desc.Close()
	require.NoError(t, desc.PreferSynchronousExecution())
	wait, err := desc.WaitUntilCompleted()
	require.NoError(t, err)
	assert.True(t, wait)

	scheduled := make(chan error, 1)
	require.NoError(t, desc.SetScheduledHandler(func(err error) { scheduled <- err }))

	task, err := e.g.RunAsyncWithMTLCommandQueue(e.queue(t), mpsgraph.Feeds{x: in}, []*mpsgraph.Tensor{sum}, nil, desc)
	require.NoError(t, err)
	select {
	case <-task.Done():
	default:
		t.Fatal("synchronous run returned before completing")
	}
	assert.NoError(t, <-scheduled)
	res := waitResults(t, task)
	assert.Equal(t, 1, res.Len())

	// The descriptor can be reused; the new task replaces the handler.
	task, err = e.g.RunAsync(mpsgraph.Feeds{x: in}, []*mpsgraph.Tensor{sum}, nil, desc)
	require.NoError(t, err)
	waitResults(t, task)
}

func TestRunAsyncFailure(t *testing.T) {
	e := newEnv(t)
	_, sum := e.addHalf(t)

	task, err := e.g.RunAsync(nil, []*mpsgraph.Tensor{sum}, nil, nil)
	require.NoError(t, err)
	_, err = task.Wait(context.Background())
	var ne *objc.NativeError
	require.ErrorAs(t, err, &ne)
	assert.Contains(t, ne.Error(), "not fed")
}

func TestTaskWaitContext(t *testing.T) {
	opts := sim_bridge.DefaultOptions()
	opts.CompletionDelay = 100 * time.Millisecond
	e := newEnvWith(t, opts)
	x, sum := e.addHalf(t)
	in := float32Data(t, e.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2})

	task, err := e.g.RunAsync(mpsgraph.Feeds{x: in}, []*mpsgraph.Tensor{sum}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_, err = task.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	res := waitResults(t, task)
	assert.Equal(t, 1, res.Len())
}

func TestTaskCancel(t *testing.T) {
	opts := sim_bridge.DefaultOptions()
	opts.CompletionDelay = 50 * time.Millisecond
	e := newEnvWith(t, opts)
	x, sum := e.addHalf(t)
	in := float32Data(t, e.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2})

	task, err := e.g.RunAsync(mpsgraph.Feeds{x: in}, []*mpsgraph.Tensor{sum}, nil, nil)
	require.NoError(t, err)
	task.Cancel()
	task.Cancel()

	_, err = task.Wait(context.Background())
	assert.ErrorIs(t, err, mpsgraph.ErrCancelled)

	// The late completion reaches an invalidated handler instead of the task.
	e.rt.Wait()
	errs := e.rt.CallbackErrors()
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[len(errs)-1], objc.ErrTrampolineInvalidated)
}

func TestEncodeToCommandBuffer(t *testing.T) {
	e := newEnv(t)
	x, sum := e.addHalf(t)
	in := float32Data(t, e.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2})

	cb, err := e.queue(t).MPSCommandBuffer()
	require.NoError(t, err)
	defer cb.Close()

	res := results(t)(e.g.EncodeToCommandBuffer(cb, mpsgraph.Feeds{x: in}, []*mpsgraph.Tensor{sum}, nil, nil))
	got, err := res.Get(sum).Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, got)

	require.NoError(t, cb.CommitAndWait())
	got, err = res.Get(sum).Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5, 3.5, 4.5}, got)

	_, err = e.g.EncodeToCommandBuffer(nil, nil, []*mpsgraph.Tensor{sum}, nil, nil)
	assert.ErrorIs(t, err, objc.ErrUnexpectedNil)
}

func TestEncodeOffThread(t *testing.T) {
	e := newEnv(t)
	x, sum := e.addHalf(t)
	in := float32Data(t, e.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2})

	cb, err := e.queue(t).CommandBuffer()
	require.NoError(t, err)
	defer cb.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := e.g.EncodeToCommandBuffer(cb, mpsgraph.Feeds{x: in}, []*mpsgraph.Tensor{sum}, nil, nil)
		errc <- err
	}()
	assert.ErrorIs(t, <-errc, objc.ErrThreadAffinity)
}
