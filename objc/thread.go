package objc

// MainThreadMarker proves the holder is running on the main thread. It can
// only be obtained from MainThread, so APIs confined to the main thread take
// one as a parameter and cannot be called without the check having passed.
//
// Goroutines move between OS threads; code that obtains a marker must have
// called runtime.LockOSThread on the main goroutine first.
//
// The zero value is not a valid marker; APIs taking one call Check.
type MainThreadMarker struct {
	verified bool
}

// Check fails if the marker was not produced by MainThread.
func (m MainThreadMarker) Check() error {
	if !m.verified {
		return &AffinityError{Object: "main-thread API"}
	}
	return nil
}

// MainThread returns a marker if the caller is on the main thread.
func MainThread(rt Runtime) (MainThreadMarker, error) {
	if rt == nil {
		return MainThreadMarker{}, ErrNoRuntime
	}
	if !rt.IsMainThread() {
		return MainThreadMarker{}, &AffinityError{Object: "main-thread API", Caller: rt.CurrentThread()}
	}
	return MainThreadMarker{verified: true}, nil
}

// Affinity confines an object to the thread that created it. The zero value
// is unconfined.
type Affinity struct {
	name   string
	thread uint64
}

// ConfineToCurrentThread records the calling thread as the owner.
func ConfineToCurrentThread(rt Runtime, name string) Affinity {
	return Affinity{name: name, thread: rt.CurrentThread()}
}

// Confined reports whether the affinity restricts use to one thread.
func (a Affinity) Confined() bool { return a.thread != 0 }

// Thread returns the owning thread, or 0 when unconfined.
func (a Affinity) Thread() uint64 { return a.thread }

// Check fails with *AffinityError when called off the owning thread.
func (a Affinity) Check(rt Runtime) error {
	if !a.Confined() {
		return nil
	}
	if cur := rt.CurrentThread(); cur != a.thread {
		return &AffinityError{Object: a.name, Owner: a.thread, Caller: cur}
	}
	return nil
}
