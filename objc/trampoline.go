package objc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Callback is a Go closure exposed to native code. args holds the block's
// object arguments as borrowed pointers valid for the duration of the call.
// A non-nil returned handle is handed back to native code as +0.
type Callback func(args []ID) (Handle, error)

// Trampoline lets the native framework call a Go closure. It owns the
// closure and the native block; after Invalidate the closure is never called
// again, even if native code still holds a copy of the block.
type Trampoline struct {
	rt     Runtime
	kind   BlockKind
	handle uintptr
	fn     Callback
	block  *Object

	// gate orders admission against Invalidate. It is never held while
	// the closure runs.
	gate    sync.Mutex
	valid   atomic.Bool
	calls   atomic.Int64
	mu      sync.Mutex
	lastErr error
}

var registry = struct {
	sync.RWMutex
	next  uintptr
	byKey map[uintptr]*Trampoline
}{next: 1, byKey: make(map[uintptr]*Trampoline)}

var staleInvocations atomic.Int64

// NewTrampoline registers fn and creates its native block.
func NewTrampoline(rt Runtime, kind BlockKind, fn Callback) (*Trampoline, error) {
	if rt == nil {
		return nil, ErrNoRuntime
	}
	if fn == nil {
		return nil, fmt.Errorf("objc: trampoline needs a callback")
	}
	t := &Trampoline{rt: rt, kind: kind, fn: fn}
	t.valid.Store(true)

	registry.Lock()
	t.handle = registry.next
	registry.next++
	registry.byKey[t.handle] = t
	registry.Unlock()

	block, err := Adopt(rt, rt.NewBlock(kind, t.handle))
	if err != nil {
		t.Invalidate()
		return nil, fmt.Errorf("objc: creating native block: %w", err)
	}
	t.block = block
	return t, nil
}

// Handle returns the registry key the native block forwards to.
func (t *Trampoline) Handle() uintptr { return t.handle }

// Kind returns the block signature.
func (t *Trampoline) Kind() BlockKind { return t.kind }

// Block returns the native block as a call argument.
func (t *Trampoline) Block() Value {
	if t == nil || t.block == nil {
		return Obj(Nil)
	}
	id, err := t.block.ID()
	if err != nil {
		return Obj(Nil)
	}
	return Obj(id)
}

// View returns a borrowed view of the native block.
func (t *Trampoline) View() View {
	if t == nil || t.block == nil {
		return View{}
	}
	return t.block.View()
}

// Valid reports whether the closure may still be invoked.
func (t *Trampoline) Valid() bool { return t.valid.Load() }

// Calls returns how many times the closure has run.
func (t *Trampoline) Calls() int64 { return t.calls.Load() }

// Err returns the last error the closure returned.
func (t *Trampoline) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Invalidate unregisters the closure. Once it returns no further invocation
// is admitted; one admitted earlier is allowed to finish. It is safe to call
// from inside the closure.
func (t *Trampoline) Invalidate() {
	t.gate.Lock()
	t.valid.Store(false)
	t.gate.Unlock()
	registry.Lock()
	delete(registry.byKey, t.handle)
	registry.Unlock()
}

// Close invalidates the trampoline and releases Go's reference to the block.
func (t *Trampoline) Close() error {
	if t == nil {
		return nil
	}
	t.Invalidate()
	if t.block != nil {
		return t.block.Close()
	}
	return nil
}

// StaleInvocations returns how many native invocations arrived for
// trampolines that had already been invalidated.
func StaleInvocations() int64 { return staleInvocations.Load() }

// Dispatch is called by runtime bridges when a native block fires. The
// returned pointer is autoreleased, so native code receives it at +0.
func Dispatch(handle uintptr, args []ID) (ID, error) {
	registry.RLock()
	t := registry.byKey[handle]
	registry.RUnlock()
	if t == nil {
		staleInvocations.Add(1)
		Logger().Warn("native callback after invalidation", zap.Uint64("handle", uint64(handle)))
		return Nil, ErrTrampolineInvalidated
	}
	return t.invoke(args)
}

func (t *Trampoline) invoke(args []ID) (ID, error) {
	t.gate.Lock()
	if !t.valid.Load() {
		t.gate.Unlock()
		staleInvocations.Add(1)
		return Nil, ErrTrampolineInvalidated
	}
	t.calls.Add(1)
	t.gate.Unlock()

	h, err := t.fn(args)
	if err != nil {
		t.setErr(err)
		Logger().Debug("callback returned error", zap.Uint64("handle", uint64(t.handle)), zap.Error(err))
		return Nil, err
	}
	if h == nil {
		return Nil, nil
	}
	id, err := h.View().ID()
	if err != nil {
		t.setErr(err)
		return Nil, err
	}
	if id.IsNil() {
		return Nil, nil
	}
	return t.rt.Autorelease(t.rt.Retain(id)), nil
}

func (t *Trampoline) setErr(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}
