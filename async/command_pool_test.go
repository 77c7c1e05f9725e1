package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mpsgraph/metal_bridge"
	"github.com/tsawler/go-mpsgraph/mpsgraph"
	"github.com/tsawler/go-mpsgraph/objc"
	"github.com/tsawler/go-mpsgraph/sim_bridge"
)

type fixture struct {
	dev    *mpsgraph.Device
	g      *mpsgraph.Graph
	queue  *metal_bridge.CommandQueue
	x, sum *mpsgraph.Tensor
}

// newFixture builds x + 0.5 over a 2x2 Float32 placeholder and a command
// queue on the simulated default device.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	rt := sim_bridge.NewDefault()
	t.Cleanup(func() {
		rt.Wait()
		assert.Empty(t, rt.Violations())
	})
	fw, err := mpsgraph.Open(rt)
	require.NoError(t, err)
	dev, err := fw.DefaultDevice()
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	mtl, err := dev.MetalDevice()
	require.NoError(t, err)
	defer mtl.Close()
	q, err := mtl.NewCommandQueue()
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	g, err := fw.NewGraph()
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	x, err := g.Placeholder(mpsgraph.Shape{2, 2}, mpsgraph.Float32, "x")
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })
	half, err := g.ConstantWithScalar(0.5, mpsgraph.Float32)
	require.NoError(t, err)
	t.Cleanup(func() { half.Close() })
	sum, err := g.Addition(x, half, "sum")
	require.NoError(t, err)
	t.Cleanup(func() { sum.Close() })
	return &fixture{dev: dev, g: g, queue: q, x: x, sum: sum}
}

func newPool(t *testing.T, f *fixture, n int) *CommandBufferPool {
	t.Helper()
	p, err := NewCommandBufferPool(f.queue, n)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// addHalf returns an encode func feeding in to the graph; the results land
// in *out.
func (f *fixture) addHalf(in *mpsgraph.TensorData, out **mpsgraph.Results) EncodeFunc {
	return func(cb *metal_bridge.CommandBuffer) error {
		res, err := f.g.EncodeToCommandBuffer(cb, mpsgraph.Feeds{f.x: in}, []*mpsgraph.Tensor{f.sum}, nil, nil)
		*out = res
		return err
	}
}

func waitFor(t *testing.T, s *Submission) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Wait(ctx)
}

func TestNewCommandBufferPoolValidation(t *testing.T) {
	_, err := NewCommandBufferPool(nil, 2)
	assert.ErrorIs(t, err, objc.ErrUnexpectedNil)

	f := newFixture(t)
	_, err = NewCommandBufferPool(f.queue, 0)
	assert.Error(t, err)
	_, err = NewCommandBufferPool(f.queue, -1)
	assert.Error(t, err)

	p := newPool(t, f, 3)
	assert.Equal(t, CommandPoolStats{MaxBuffers: 3}, p.Stats())
}

func TestSubmitEncodesGraph(t *testing.T) {
	f := newFixture(t)
	p := newPool(t, f, 2)
	in, err := mpsgraph.NewTensorDataFloat32(f.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2})
	require.NoError(t, err)
	defer in.Close()

	var res *mpsgraph.Results
	s, err := p.Submit(f.addHalf(in, &res))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.ID())
	require.NoError(t, waitFor(t, s))
	require.NotNil(t, res)
	defer res.Close()

	got, err := res.Get(f.sum).Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5, 3.5, 4.5}, got)

	st := p.Stats()
	assert.Equal(t, 1, st.Submitted)
	assert.Equal(t, 1, st.Completed)
	assert.Zero(t, st.InFlight)
}

func TestSubmitDependencies(t *testing.T) {
	f := newFixture(t)
	p := newPool(t, f, 4)
	in, err := mpsgraph.NewTensorDataFloat32(f.dev, []float32{1, 2, 3, 4}, mpsgraph.Shape{2, 2})
	require.NoError(t, err)
	defer in.Close()

	var first, second, third *mpsgraph.Results
	a, err := p.Submit(f.addHalf(in, &first))
	require.NoError(t, err)

	// Each stage feeds on the previous stage's output, which is only
	// filled once that command buffer has completed.
	b, err := p.Submit(func(cb *metal_bridge.CommandBuffer) error {
		return f.addHalf(first.Get(f.sum), &second)(cb)
	}, a)
	require.NoError(t, err)
	c, err := p.Submit(func(cb *metal_bridge.CommandBuffer) error {
		return f.addHalf(second.Get(f.sum), &third)(cb)
	}, b)
	require.NoError(t, err)

	require.NoError(t, waitFor(t, c))
	defer first.Close()
	defer second.Close()
	defer third.Close()
	got, err := third.Get(f.sum).Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{2.5, 3.5, 4.5, 5.5}, got)
	assert.Less(t, a.ID(), b.ID())
}

func TestDependencyFailure(t *testing.T) {
	f := newFixture(t)
	p := newPool(t, f, 2)
	boom := errors.New("boom")

	a, err := p.Submit(func(*metal_bridge.CommandBuffer) error { return boom })
	require.NoError(t, err)
	var ran atomic.Bool
	b, err := p.Submit(func(*metal_bridge.CommandBuffer) error {
		ran.Store(true)
		return nil
	}, a)
	require.NoError(t, err)

	assert.ErrorIs(t, waitFor(t, a), boom)
	err = waitFor(t, b)
	assert.ErrorIs(t, err, ErrDependencyFailed)
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran.Load())
	assert.Equal(t, 2, p.Stats().Failed)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	p := newPool(t, f, 1)
	_, err := p.Submit(nil)
	assert.ErrorIs(t, err, objc.ErrUnexpectedNil)
	_, err = p.Submit(func(*metal_bridge.CommandBuffer) error { return nil }, nil)
	assert.ErrorIs(t, err, objc.ErrUnexpectedNil)
}

func TestEncodeRunsOnOwningThread(t *testing.T) {
	f := newFixture(t)
	p := newPool(t, f, 3)
	subs := make([]*Submission, 6)
	for i := range subs {
		s, err := p.Submit(func(cb *metal_bridge.CommandBuffer) error {
			return cb.CheckThread()
		})
		require.NoError(t, err)
		subs[i] = s
	}
	for _, s := range subs {
		assert.NoError(t, waitFor(t, s))
	}
	assert.Equal(t, 6, p.Stats().Completed)
}

func TestSubmissionWaitContext(t *testing.T) {
	f := newFixture(t)
	p := newPool(t, f, 1)
	release := make(chan struct{})
	s, err := p.Submit(func(*metal_bridge.CommandBuffer) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.Canceled)

	close(release)
	assert.NoError(t, waitFor(t, s))
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after completion")
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	f := newFixture(t)
	p, err := NewCommandBufferPool(f.queue, 2)
	require.NoError(t, err)

	var count atomic.Int32
	subs := make([]*Submission, 4)
	for i := range subs {
		subs[i], err = p.Submit(func(*metal_bridge.CommandBuffer) error {
			count.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, int32(4), count.Load())
	for _, s := range subs {
		assert.NoError(t, waitFor(t, s))
	}

	_, err = p.Submit(func(*metal_bridge.CommandBuffer) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
