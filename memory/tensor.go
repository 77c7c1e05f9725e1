package memory

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/tsawler/go-mpsgraph/metal_bridge"
	"github.com/tsawler/go-mpsgraph/mpsgraph"
	"github.com/tsawler/go-mpsgraph/objc"
)

// Tensor is TensorData backed by a pooled buffer, with reference counting.
// The buffer goes back to the pool when the last reference is released.
type Tensor struct {
	*mpsgraph.TensorData
	buf        *metal_bridge.Buffer
	manager    *Manager
	refCount   *int32 // Atomic reference count
	generation uint64 // For debugging use-after-free
}

var globalGeneration uint64

// NewTensor allocates pooled storage for shape and dt on fw's runtime and
// wraps it as TensorData.
func (m *Manager) NewTensor(fw *mpsgraph.Framework, shape mpsgraph.Shape, dt mpsgraph.DataType) (*Tensor, error) {
	if fw == nil {
		return nil, fmt.Errorf("memory: NewTensor: %w", objc.ErrUnexpectedNil)
	}
	if !shape.Static() {
		return nil, fmt.Errorf("memory: cannot allocate storage for shape %s", shape)
	}
	size := shape.NumElements() * dt.Size()
	if size == 0 {
		// Zero-element tensors still need a real buffer.
		size = dt.Size()
	}
	buf, err := m.GetBuffer(size, metal_bridge.ResourceStorageModeShared)
	if err != nil {
		return nil, fmt.Errorf("memory: failed to allocate buffer: %w", err)
	}
	td, err := fw.NewTensorDataFromBuffer(buf, shape, dt)
	if err != nil {
		return nil, multierr.Append(err, m.ReturnBuffer(buf))
	}
	refCount := int32(1)
	return &Tensor{
		TensorData: td,
		buf:        buf,
		manager:    m,
		refCount:   &refCount,
		generation: atomic.AddUint64(&globalGeneration, 1),
	}, nil
}

// Buffer returns the pooled buffer the data lives in. It may be larger than
// the data.
func (t *Tensor) Buffer() *metal_bridge.Buffer { return t.buf }

// Generation identifies this allocation in logs.
func (t *Tensor) Generation() uint64 { return t.generation }

// RefCount returns the current reference count.
func (t *Tensor) RefCount() int32 { return atomic.LoadInt32(t.refCount) }

// Retain adds a reference. It fails once the tensor has been released.
func (t *Tensor) Retain() (*Tensor, error) {
	for {
		n := atomic.LoadInt32(t.refCount)
		if n <= 0 {
			return nil, fmt.Errorf("memory: retain of released tensor (generation %d): %w", t.generation, objc.ErrUseAfterRelease)
		}
		if atomic.CompareAndSwapInt32(t.refCount, n, n+1) {
			return t, nil
		}
	}
}

// Release drops a reference. The last one closes the TensorData and returns
// the buffer to the pool.
func (t *Tensor) Release() error {
	n := atomic.AddInt32(t.refCount, -1)
	switch {
	case n > 0:
		return nil
	case n < 0:
		atomic.AddInt32(t.refCount, 1)
		return fmt.Errorf("memory: release of released tensor (generation %d): %w", t.generation, objc.ErrUseAfterRelease)
	}
	return multierr.Append(t.TensorData.Close(), t.manager.ReturnBuffer(t.buf))
}

// Close is Release, so a Tensor can stand in for TensorData in cleanup code.
func (t *Tensor) Close() error { return t.Release() }
