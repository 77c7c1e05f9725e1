package metal_bridge

import (
	"fmt"

	"github.com/tsawler/go-mpsgraph/objc"
)

// CommandBufferStatus mirrors MTLCommandBufferStatus.
type CommandBufferStatus uint64

const (
	StatusNotEnqueued CommandBufferStatus = iota
	StatusEnqueued
	StatusCommitted
	StatusScheduled
	StatusCompleted
	StatusError
)

func (s CommandBufferStatus) String() string {
	switch s {
	case StatusNotEnqueued:
		return "not enqueued"
	case StatusEnqueued:
		return "enqueued"
	case StatusCommitted:
		return "committed"
	case StatusScheduled:
		return "scheduled"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("status(%d)", uint64(s))
}

// Wrapper for MTLCommandBuffer. A command buffer is confined to the thread
// that created it; every method fails with objc.ErrThreadAffinity elsewhere.
type CommandBuffer struct {
	obj      *objc.Object
	mps      bool
	affinity objc.Affinity
}

func (cb *CommandBuffer) Runtime() objc.Runtime { return cb.obj.Runtime() }
func (cb *CommandBuffer) View() objc.View       { return cb.obj.View() }
func (cb *CommandBuffer) Close() error          { return cb.obj.Close() }

// Thread returns the owning thread.
func (cb *CommandBuffer) Thread() uint64 { return cb.affinity.Thread() }

// CheckThread fails with objc.ErrThreadAffinity off the owning thread.
// Code that encodes into the buffer through other wrappers calls it first.
func (cb *CommandBuffer) CheckThread() error {
	return cb.affinity.Check(cb.Runtime())
}

func (cb *CommandBuffer) send(selector string) (objc.Value, error) {
	if err := cb.CheckThread(); err != nil {
		return objc.Value{}, err
	}
	return cb.obj.Send(selector)
}

// Commit submits the buffer for execution.
func (cb *CommandBuffer) Commit() error {
	_, err := cb.send("commit")
	return err
}

// CommitAndContinue commits the work encoded so far and keeps the buffer
// open. Only MPS command buffers support it.
func (cb *CommandBuffer) CommitAndContinue() error {
	if !cb.mps {
		return fmt.Errorf("metal_bridge: commitAndContinue needs an MPS command buffer")
	}
	_, err := cb.send("commitAndContinue")
	return err
}

// WaitUntilCompleted blocks until the GPU has finished the buffer.
func (cb *CommandBuffer) WaitUntilCompleted() error {
	_, err := cb.send("waitUntilCompleted")
	return err
}

// Status returns the execution status.
func (cb *CommandBuffer) Status() (CommandBufferStatus, error) {
	v, err := cb.send("status")
	if err != nil {
		return 0, err
	}
	return CommandBufferStatus(v.Uint), nil
}

// Err returns the execution error reported by Metal, or nil.
func (cb *CommandBuffer) Err() error {
	var ne *objc.NativeError
	err := objc.WithAutoreleasePool(cb.Runtime(), func() error {
		v, err := cb.send("error")
		if err != nil {
			return err
		}
		ne = objc.NativeErrorFromNSError(cb.Runtime(), "commit", v.ID)
		return nil
	})
	if err != nil {
		return err
	}
	if ne != nil {
		return ne
	}
	return nil
}

// CommitAndWait commits, waits, and reports the execution error if any.
func (cb *CommandBuffer) CommitAndWait() error {
	if err := cb.Commit(); err != nil {
		return err
	}
	if err := cb.WaitUntilCompleted(); err != nil {
		return err
	}
	return cb.Err()
}
