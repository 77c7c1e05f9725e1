// Package async runs encode-and-commit style graph work on a Metal command
// queue from a fixed set of worker goroutines. Each submission gets its own
// MPS command buffer, created, encoded, committed and waited on by one
// locked worker thread, and may depend on earlier submissions.
package async

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tsawler/go-mpsgraph/metal_bridge"
	"github.com/tsawler/go-mpsgraph/objc"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("async: command buffer pool is closed")
	// ErrDependencyFailed wraps the error of a failed dependency.
	ErrDependencyFailed = errors.New("async: dependency failed")
)

// EncodeFunc encodes work into cb. It runs on the worker thread that owns cb
// and must not commit it.
type EncodeFunc func(cb *metal_bridge.CommandBuffer) error

// Submission is one unit of work handed to the pool.
type Submission struct {
	id     uint64
	encode EncodeFunc
	deps   []*Submission
	done   chan struct{}
	err    error
}

// ID returns the submission's sequence number, starting at 1.
func (s *Submission) ID() uint64 { return s.id }

// Done is closed once the command buffer has completed or the submission
// has failed.
func (s *Submission) Done() <-chan struct{} { return s.done }

// Wait blocks until the submission completes or ctx is done.
func (s *Submission) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Submission) finish(err error) {
	s.err = err
	close(s.done)
}

// CommandBufferPool manages a bounded number of in-flight command buffers
// on one queue.
type CommandBufferPool struct {
	queue      *metal_bridge.CommandQueue
	maxBuffers int
	log        *zap.Logger

	work chan *Submission
	wg   sync.WaitGroup

	mutex  sync.Mutex
	nextID uint64
	closed bool

	inFlight  int64
	submitted int64
	completed int64
	failed    int64
}

// Option configures a CommandBufferPool.
type Option func(*CommandBufferPool)

// WithLogger sets the pool's logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *CommandBufferPool) { p.log = l }
}

// NewCommandBufferPool starts maxBuffers workers on queue.
func NewCommandBufferPool(queue *metal_bridge.CommandQueue, maxBuffers int, opts ...Option) (*CommandBufferPool, error) {
	if queue == nil {
		return nil, fmt.Errorf("async: command queue: %w", objc.ErrUnexpectedNil)
	}
	if maxBuffers <= 0 {
		return nil, fmt.Errorf("async: maxBuffers must be positive, got %d", maxBuffers)
	}
	p := &CommandBufferPool{
		queue:      queue,
		maxBuffers: maxBuffers,
		log:        Logger(),
		work:       make(chan *Submission, maxBuffers),
		nextID:     1,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(maxBuffers)
	for i := 0; i < maxBuffers; i++ {
		go p.worker(i)
	}
	return p, nil
}

// Submit queues encode to run after every submission in deps has
// completed. If a dependency fails, encode never runs and the submission
// fails with ErrDependencyFailed. Submit blocks while the queue is full.
func (p *CommandBufferPool) Submit(encode EncodeFunc, deps ...*Submission) (*Submission, error) {
	if encode == nil {
		return nil, fmt.Errorf("async: encode func: %w", objc.ErrUnexpectedNil)
	}
	for _, d := range deps {
		if d == nil {
			return nil, fmt.Errorf("async: dependency: %w", objc.ErrUnexpectedNil)
		}
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	s := &Submission{
		id:     p.nextID,
		encode: encode,
		deps:   append([]*Submission(nil), deps...),
		done:   make(chan struct{}),
	}
	p.nextID++
	atomic.AddInt64(&p.submitted, 1)
	// Holding the mutex keeps Close from closing the channel under us.
	p.work <- s
	return s, nil
}

// worker owns one OS thread for its lifetime, so every command buffer it
// creates stays on the thread that encodes into it.
func (p *CommandBufferPool) worker(n int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer p.wg.Done()

	for s := range p.work {
		err := p.run(s)
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.log.Debug("submission failed", zap.Int("worker", n), zap.Uint64("id", s.id), zap.Error(err))
		} else {
			atomic.AddInt64(&p.completed, 1)
		}
		s.finish(err)
	}
}

func (p *CommandBufferPool) run(s *Submission) error {
	// Dependencies were submitted earlier, so a worker already holds them.
	for _, d := range s.deps {
		<-d.done
		if d.err != nil {
			return fmt.Errorf("%w: submission %d: %w", ErrDependencyFailed, d.id, d.err)
		}
	}

	atomic.AddInt64(&p.inFlight, 1)
	defer atomic.AddInt64(&p.inFlight, -1)

	return objc.WithAutoreleasePool(p.queue.Runtime(), func() (err error) {
		cb, err := p.queue.MPSCommandBuffer()
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, cb.Close()) }()

		if err := s.encode(cb); err != nil {
			return fmt.Errorf("async: encoding submission %d: %w", s.id, err)
		}
		// Metal command buffers are one-time use; the next submission gets
		// a fresh one.
		if err := cb.CommitAndWait(); err != nil {
			return fmt.Errorf("async: command buffer execution failed: %w", err)
		}
		return nil
	})
}

// CommandPoolStats provides statistics about the command buffer pool
type CommandPoolStats struct {
	MaxBuffers int
	InFlight   int
	Submitted  int
	Completed  int
	Failed     int
}

// Stats returns statistics about the command buffer pool
func (p *CommandBufferPool) Stats() CommandPoolStats {
	return CommandPoolStats{
		MaxBuffers: p.maxBuffers,
		InFlight:   int(atomic.LoadInt64(&p.inFlight)),
		Submitted:  int(atomic.LoadInt64(&p.submitted)),
		Completed:  int(atomic.LoadInt64(&p.completed)),
		Failed:     int(atomic.LoadInt64(&p.failed)),
	}
}

// Close stops accepting submissions and waits for queued ones to finish.
func (p *CommandBufferPool) Close() error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	close(p.work)
	p.mutex.Unlock()

	p.wg.Wait()
	return nil
}
