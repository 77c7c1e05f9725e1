package mpsgraph

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tsawler/go-mpsgraph/objc"
)

// Task is an asynchronous run in flight. Its completion handler is owned by
// the task and invalidated when the run finishes or is cancelled, so a late
// native callback never reaches Go code that has moved on.
type Task struct {
	fw     *Framework
	tr     *objc.Trampoline
	decode func(results objc.ID) (*Results, error)

	once    sync.Once
	done    chan struct{}
	results *Results
	err     error
}

// newTask prepares the completion handler for one run. decode converts the
// native results object while it is still borrowed.
func (fw *Framework) newTask(selector string, decode func(results objc.ID) (*Results, error)) (*Task, error) {
	t := &Task{fw: fw, decode: decode, done: make(chan struct{})}
	tr, err := objc.NewTrampoline(fw.rt, objc.BlockCompletion, func(args []objc.ID) (objc.Handle, error) {
		if ne := objc.NativeErrorFromNSError(fw.rt, selector, args[1]); ne != nil {
			t.finish(nil, ne)
			return nil, nil
		}
		res, err := t.decode(args[0])
		t.finish(res, err)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	t.tr = tr
	return t, nil
}

func (t *Task) finish(res *Results, err error) {
	settled := false
	t.once.Do(func() {
		settled = true
		t.results, t.err = res, err
		close(t.done)
	})
	if !settled {
		res.Close()
		return
	}
	if err != nil {
		t.fw.log.Debug("asynchronous run failed", zap.Error(err))
	}
	t.tr.Close()
}

// abort settles a task whose run was never submitted.
func (t *Task) abort(err error) {
	t.finish(nil, err)
}

// Done is closed once the task has completed or been cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the run completes, the task is cancelled or ctx is
// done. The Results belong to the caller; every Wait returns the same
// Results.
func (t *Task) Wait(ctx context.Context) (*Results, error) {
	select {
	case <-t.done:
		return t.results, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops waiting for the run. The native work still completes but
// its results are dropped. Cancelling a finished task has no effect.
func (t *Task) Cancel() {
	t.finish(nil, ErrCancelled)
}

// submit installs t's handler on d and performs send while no other run
// can replace it.
func (d *execDescriptor) submit(t *Task, send func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.setCompletionHandler(t.tr); err != nil {
		t.abort(err)
		return err
	}
	if err := send(); err != nil {
		t.abort(err)
		return err
	}
	return nil
}
