package metal_bridge

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mpsgraph/objc"
	"github.com/tsawler/go-mpsgraph/sim_bridge"
)

func newDevice(t *testing.T) (*sim_bridge.Runtime, *Device) {
	t.Helper()
	rt := sim_bridge.NewDefault()
	dev, err := CreateSystemDefaultDevice(rt)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return rt, dev
}

func TestCreateSystemDefaultDevice(t *testing.T) {
	rt, dev := newDevice(t)
	name, err := dev.Name()
	require.NoError(t, err)
	assert.NotEmpty(t, name)

	unified, err := dev.HasUnifiedMemory()
	require.NoError(t, err)
	assert.True(t, unified)

	maxLen, err := dev.MaxBufferLength()
	require.NoError(t, err)
	assert.NotZero(t, maxLen)

	_, err = CreateSystemDefaultDevice(nil)
	assert.ErrorIs(t, err, objc.ErrNoRuntime)
	assert.Empty(t, rt.Violations())
}

func TestNoDefaultDevice(t *testing.T) {
	opts := sim_bridge.DefaultOptions()
	opts.MissingClasses = []string{"MTLDevice"}
	_, err := CreateSystemDefaultDevice(sim_bridge.New(opts))
	assert.ErrorIs(t, err, objc.ErrUnexpectedNil)
}

func TestBufferWithBytes(t *testing.T) {
	rt, dev := newDevice(t)

	buf, err := dev.CreateBufferWithBytes([]float32{1, 2.5, -3}, ResourceStorageModeShared)
	require.NoError(t, err)
	defer buf.Close()
	assert.Equal(t, 12, buf.Length())
	got, err := buf.ContentsAsFloat32()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2.5, -3}, got)

	ints, err := dev.CreateBufferWithBytes([]int32{-1, 7}, ResourceStorageModeShared)
	require.NoError(t, err)
	defer ints.Close()
	gotInts, err := ints.ContentsAsInt32()
	require.NoError(t, err)
	assert.Equal(t, []int32{-1, 7}, gotInts)

	_, err = dev.CreateBufferWithBytes([]float32{}, ResourceStorageModeShared)
	assert.Error(t, err)
	_, err = dev.CreateBufferWithBytes("nope", ResourceStorageModeShared)
	assert.Error(t, err)
	assert.Empty(t, rt.Violations())
}

func TestBufferReadWrite(t *testing.T) {
	_, dev := newDevice(t)
	buf, err := dev.CreateBufferWithLength(8, ResourceStorageModeShared)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(4, []byte{1, 2, 3, 4}))
	b, err := buf.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 1, 2, 3, 4}, b)

	assert.Error(t, buf.Write(6, []byte{1, 2, 3}))
	_, err = buf.Read(-1, 2)
	assert.Error(t, err)

	require.NoError(t, buf.Zero())
	b, err = buf.Read(4, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}

func TestBufferAllocationFailure(t *testing.T) {
	_, dev := newDevice(t)
	_, err := dev.CreateBufferWithLength(0, ResourceStorageModeShared)
	assert.Error(t, err)
	_, err = dev.CreateBufferWithLength(2<<30, ResourceStorageModeShared)
	assert.ErrorIs(t, err, objc.ErrUnexpectedNil)
}

func TestBufferUseAfterClose(t *testing.T) {
	rt, dev := newDevice(t)
	buf, err := dev.CreateBufferWithLength(4, ResourceStorageModeShared)
	require.NoError(t, err)
	require.NoError(t, buf.Close())
	_, err = buf.Bytes()
	assert.ErrorIs(t, err, objc.ErrUseAfterRelease)
	assert.Empty(t, rt.Violations())
}

func TestCommandQueueAndBuffer(t *testing.T) {
	rt, dev := newDevice(t)
	q, err := dev.NewCommandQueue()
	require.NoError(t, err)
	defer q.Close()

	qdev, err := q.Device()
	require.NoError(t, err)
	assert.True(t, qdev.View().Same(dev.View()))
	require.NoError(t, qdev.Close())

	cb, err := q.CommandBuffer()
	require.NoError(t, err)
	defer cb.Close()

	status, err := cb.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusNotEnqueued, status)

	require.NoError(t, cb.CommitAndWait())
	status, err = cb.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, "completed", status.String())

	assert.Error(t, cb.CommitAndContinue())
	assert.Empty(t, rt.Violations())
}

func TestMPSCommandBufferCommitAndContinue(t *testing.T) {
	_, dev := newDevice(t)
	q, err := dev.NewCommandQueue()
	require.NoError(t, err)
	defer q.Close()

	cb, err := q.MPSCommandBuffer()
	require.NoError(t, err)
	defer cb.Close()
	require.NoError(t, cb.CommitAndContinue())
	require.NoError(t, cb.Commit())
	assert.NoError(t, cb.Err())
}

func TestCommandBufferAffinity(t *testing.T) {
	_, dev := newDevice(t)
	q, err := dev.NewCommandQueue()
	require.NoError(t, err)
	defer q.Close()
	cb, err := q.CommandBuffer()
	require.NoError(t, err)
	defer cb.Close()

	errc := make(chan error, 1)
	go func() { errc <- cb.Commit() }()
	assert.ErrorIs(t, <-errc, objc.ErrThreadAffinity)
	require.NoError(t, cb.Commit())
}

func TestMetalObjectLifecycleStress(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}
	rt, dev := newDevice(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				buf, err := dev.CreateBufferWithBytes([]float32{1, 2, 3, 4}, ResourceStorageModeShared)
				if err != nil {
					t.Errorf("creating buffer: %v", err)
					return
				}
				if j%2 == 0 {
					buf.Close()
				}
				if j%10 == 0 {
					runtime.GC()
				}
			}
		}()
	}
	wg.Wait()
	assert.Empty(t, rt.Violations())
}
