// Package memory pools Metal buffers by size so the storage behind
// buffer-backed TensorData can be reused across graph runs.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tsawler/go-mpsgraph/metal_bridge"
	"github.com/tsawler/go-mpsgraph/objc"
)

// ErrClosed is returned by a Manager after Close.
var ErrClosed = errors.New("memory: manager is closed")

// BufferPool manages a pool of Metal buffers of a specific size
type BufferPool struct {
	device     *metal_bridge.Device
	buffers    chan *metal_bridge.Buffer // Idle buffers, already zeroed
	maxSize    int                       // Pool size limit
	bufferSize int                       // Fixed buffer size for this pool
	options    metal_bridge.ResourceOptions
	allocated  int // Buffers handed out or idle
	mutex      sync.RWMutex
}

// PoolStats is a snapshot of one pool.
type PoolStats struct {
	Available int
	Allocated int
	MaxSize   int
}

// NewBufferPool creates a pool of at most maxSize buffers of bufferSize bytes.
func NewBufferPool(device *metal_bridge.Device, bufferSize, maxSize int, options metal_bridge.ResourceOptions) *BufferPool {
	return &BufferPool{
		device:     device,
		buffers:    make(chan *metal_bridge.Buffer, maxSize),
		maxSize:    maxSize,
		bufferSize: bufferSize,
		options:    options,
	}
}

// Get retrieves an idle buffer or allocates a new one.
func (bp *BufferPool) Get() (*metal_bridge.Buffer, error) {
	select {
	case buf := <-bp.buffers:
		return buf, nil
	default:
	}

	bp.mutex.Lock()
	canAllocate := bp.allocated < bp.maxSize
	if canAllocate {
		bp.allocated++
	}
	bp.mutex.Unlock()
	if !canAllocate {
		return nil, fmt.Errorf("memory: buffer pool of %d-byte buffers at capacity (%d)", bp.bufferSize, bp.maxSize)
	}

	buf, err := bp.device.CreateBufferWithLength(bp.bufferSize, bp.options)
	if err != nil {
		bp.mutex.Lock()
		bp.allocated--
		bp.mutex.Unlock()
		return nil, fmt.Errorf("memory: failed to allocate Metal buffer: %w", err)
	}
	return buf, nil
}

// Return zeroes buf and puts it back into the pool. A buffer that cannot
// be zeroed, or that finds the pool full, is released instead.
func (bp *BufferPool) Return(buf *metal_bridge.Buffer) error {
	if buf == nil {
		return nil
	}
	if bp.options&metal_bridge.ResourceStorageModePrivate == 0 {
		if err := buf.Zero(); err != nil {
			return multierr.Append(err, bp.release(buf))
		}
	}
	select {
	case bp.buffers <- buf:
		return nil
	default:
		return bp.release(buf)
	}
}

func (bp *BufferPool) release(buf *metal_bridge.Buffer) error {
	bp.mutex.Lock()
	bp.allocated--
	bp.mutex.Unlock()
	return buf.Close()
}

// drain releases every idle buffer.
func (bp *BufferPool) drain() error {
	var err error
	for {
		select {
		case buf := <-bp.buffers:
			err = multierr.Append(err, bp.release(buf))
		default:
			return err
		}
	}
}

// Stats returns pool statistics
func (bp *BufferPool) Stats() PoolStats {
	bp.mutex.RLock()
	defer bp.mutex.RUnlock()
	return PoolStats{Available: len(bp.buffers), Allocated: bp.allocated, MaxSize: bp.maxSize}
}

// PoolKey represents a key for the buffer pool map
type PoolKey struct {
	Size    int
	Options metal_bridge.ResourceOptions
}

// Default pool sizes: 1KB, 4KB, 16KB, 64KB, 256KB, 1MB, 4MB, 16MB, 64MB
var defaultPoolSizes = []int{
	1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864,
}

// Manager hands out pooled buffers from one device.
type Manager struct {
	device    *metal_bridge.Device
	poolSizes []int
	log       *zap.Logger

	poolsMutex sync.RWMutex
	pools      map[PoolKey]*BufferPool
	closed     bool

	ownersMutex sync.Mutex
	owners      map[*metal_bridge.Buffer]PoolKey
}

// Option configures a Manager.
type Option func(*Manager)

// WithPoolSizes replaces the size tiers requests are rounded up to.
func WithPoolSizes(sizes ...int) Option {
	return func(m *Manager) {
		m.poolSizes = append([]int(nil), sizes...)
		sort.Ints(m.poolSizes)
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a manager allocating from device.
func NewManager(device *metal_bridge.Device, opts ...Option) (*Manager, error) {
	if device == nil {
		return nil, fmt.Errorf("memory: NewManager: %w", objc.ErrUnexpectedNil)
	}
	m := &Manager{
		device:    device,
		poolSizes: defaultPoolSizes,
		log:       Logger(),
		pools:     make(map[PoolKey]*BufferPool),
		owners:    make(map[*metal_bridge.Buffer]PoolKey),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Device returns the device buffers are allocated from.
func (m *Manager) Device() *metal_bridge.Device { return m.device }

// GetBuffer gets a buffer of at least size bytes.
func (m *Manager) GetBuffer(size int, options metal_bridge.ResourceOptions) (*metal_bridge.Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memory: buffer size must be positive, got %d", size)
	}
	key := PoolKey{Size: m.findPoolSize(size), Options: options}
	pool, err := m.getOrCreatePool(key)
	if err != nil {
		return nil, err
	}
	buf, err := pool.Get()
	if err != nil {
		return nil, err
	}
	m.ownersMutex.Lock()
	m.owners[buf] = key
	m.ownersMutex.Unlock()
	return buf, nil
}

// ReturnBuffer returns buf to the pool it came from. After Close the
// buffer is released instead.
func (m *Manager) ReturnBuffer(buf *metal_bridge.Buffer) error {
	if buf == nil {
		return nil
	}
	m.ownersMutex.Lock()
	key, ok := m.owners[buf]
	delete(m.owners, buf)
	m.ownersMutex.Unlock()
	if !ok {
		return fmt.Errorf("memory: buffer of %d bytes was not allocated by this manager", buf.Length())
	}

	m.poolsMutex.RLock()
	pool, closed := m.pools[key], m.closed
	m.poolsMutex.RUnlock()
	if closed || pool == nil {
		return buf.Close()
	}
	if err := pool.Return(buf); err != nil {
		m.log.Warn("dropping pooled buffer", zap.Int("size", key.Size), zap.Error(err))
		return err
	}
	return nil
}

// findPoolSize finds the smallest pool size that can accommodate the request
func (m *Manager) findPoolSize(size int) int {
	for _, poolSize := range m.poolSizes {
		if poolSize >= size {
			return poolSize
		}
	}
	// Larger than the largest tier: pool at the exact size.
	return size
}

// getOrCreatePool gets an existing pool or creates a new one
func (m *Manager) getOrCreatePool(key PoolKey) (*BufferPool, error) {
	m.poolsMutex.RLock()
	pool, exists := m.pools[key]
	closed := m.closed
	m.poolsMutex.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if exists {
		return pool, nil
	}

	m.poolsMutex.Lock()
	defer m.poolsMutex.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	// Double-check after acquiring write lock
	if pool, exists := m.pools[key]; exists {
		return pool, nil
	}
	pool = NewBufferPool(m.device, key.Size, calculateMaxPoolSize(key.Size), key.Options)
	m.pools[key] = pool
	m.log.Debug("created buffer pool", zap.Int("size", key.Size), zap.Int("max", pool.maxSize))
	return pool, nil
}

// calculateMaxPoolSize determines the maximum number of buffers for a pool
func calculateMaxPoolSize(bufferSize int) int {
	// Smaller buffers get larger pools
	switch {
	case bufferSize <= 4096:
		return 100
	case bufferSize <= 65536:
		return 50
	case bufferSize <= 1048576:
		return 20
	case bufferSize <= 16777216:
		return 10
	default:
		return 5
	}
}

// Stats returns a snapshot of every pool.
func (m *Manager) Stats() map[PoolKey]PoolStats {
	m.poolsMutex.RLock()
	defer m.poolsMutex.RUnlock()
	stats := make(map[PoolKey]PoolStats, len(m.pools))
	for key, pool := range m.pools {
		stats[key] = pool.Stats()
	}
	return stats
}

// Close releases every idle buffer. Buffers still handed out are released
// when they are returned.
func (m *Manager) Close() error {
	m.poolsMutex.Lock()
	if m.closed {
		m.poolsMutex.Unlock()
		return nil
	}
	m.closed = true
	pools := m.pools
	m.poolsMutex.Unlock()

	var err error
	for _, pool := range pools {
		err = multierr.Append(err, pool.drain())
	}
	return err
}
