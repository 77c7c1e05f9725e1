// Package mpsgraph exposes Metal Performance Shaders Graph to Go.
//
// Every native object is held by a wrapper that owns exactly one reference
// count through objc.Object and releases it on Close. Native entry points are
// declared once in a registry (see EntryPoints) which carries their
// ownership, optionality and platform availability; wrappers reach the
// framework only through that registry, so a call that does not exist on the
// running OS fails with objc.ErrPlatformUnsupported before anything is sent.
package mpsgraph

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/tsawler/go-mpsgraph/cgo_bridge"
	"github.com/tsawler/go-mpsgraph/objc"
)

// ErrCancelled is returned by Task.Wait after Task.Cancel.
var ErrCancelled = errors.New("mpsgraph: task cancelled")

// Framework is an opened MPSGraph framework on one runtime.
type Framework struct {
	rt  objc.Runtime
	log *zap.Logger
}

// Option configures Open.
type Option func(*Framework)

// WithLogger sets the logger used for native failures.
func WithLogger(l *zap.Logger) Option {
	return func(fw *Framework) {
		if l != nil {
			fw.log = l
		}
	}
}

// Open checks that MPSGraph exists in rt and returns a framework over it.
func Open(rt objc.Runtime, opts ...Option) (*Framework, error) {
	if rt == nil {
		return nil, objc.ErrNoRuntime
	}
	if rt.Class("MPSGraph").IsNil() {
		return nil, &objc.UnsupportedError{Selector: "MPSGraph", Platform: rt.Platform(), Have: rt.OSVersion()}
	}
	fw := &Framework{rt: rt, log: Logger()}
	for _, opt := range opts {
		opt(fw)
	}
	fw.log.Debug("opened MPSGraph",
		zap.String("platform", string(rt.Platform())),
		zap.String("os_version", rt.OSVersion()))
	return fw, nil
}

var defaultFramework struct {
	sync.Mutex
	once   sync.Once
	loaded bool
	fw     *Framework
	err    error
}

// Default returns the process-wide framework over the native runtime. It is
// opened on first use and the outcome, success or failure, is kept.
func Default() (*Framework, error) {
	defaultFramework.once.Do(func() {
		defaultFramework.Lock()
		defer defaultFramework.Unlock()
		defaultFramework.loaded = true
		if defaultFramework.fw != nil {
			return
		}
		rt, err := cgo_bridge.Load()
		if err != nil {
			defaultFramework.err = fmt.Errorf("mpsgraph: loading native runtime: %w", err)
			return
		}
		defaultFramework.fw, defaultFramework.err = Open(rt)
	})
	defaultFramework.Lock()
	defer defaultFramework.Unlock()
	return defaultFramework.fw, defaultFramework.err
}

// SetDefault installs fw as the process-wide framework. It fails once
// Default has been called.
func SetDefault(fw *Framework) error {
	if fw == nil {
		return objc.ErrNoRuntime
	}
	defaultFramework.Lock()
	defer defaultFramework.Unlock()
	if defaultFramework.loaded {
		return fmt.Errorf("mpsgraph: default framework already in use")
	}
	defaultFramework.fw = fw
	return nil
}

// Runtime returns the native boundary the framework sends through.
func (fw *Framework) Runtime() objc.Runtime { return fw.rt }

// Supports reports whether ep can be called on the running platform.
func (fw *Framework) Supports(ep EntryPoint) bool {
	return fw.gate(ep) == nil
}

func (fw *Framework) gate(ep EntryPoint) error {
	return ep.Available.Check(ep.String(), fw.rt.Platform(), fw.rt.OSVersion())
}

func (fw *Framework) pool(fn func() error) error {
	return objc.WithAutoreleasePool(fw.rt, fn)
}

// send performs one registered call. The receiver is the wrapped instance,
// or the class for class methods and helpers sent to a class.
func (fw *Framework) send(recv objc.Handle, ep EntryPoint, args ...objc.Value) (objc.Value, error) {
	if err := fw.gate(ep); err != nil {
		return objc.Value{}, err
	}
	var id objc.ID
	if ep.Kind == KindClassMethod {
		id = fw.rt.Class(ep.Class)
	} else {
		var err error
		if objc.Absent(recv) {
			return objc.Value{}, fmt.Errorf("mpsgraph: %s: %w", ep, objc.ErrUnexpectedNil)
		}
		if id, err = recv.View().ID(); err != nil {
			return objc.Value{}, fmt.Errorf("mpsgraph: %s: %w", ep, err)
		}
	}
	if id.IsNil() || !fw.rt.RespondsTo(id, ep.Selector) {
		return objc.Value{}, &objc.UnsupportedError{Selector: ep.String(), Platform: fw.rt.Platform(), Have: fw.rt.OSVersion()}
	}
	v, err := fw.rt.Send(id, ep.Selector, args...)
	// The receiver's finalizer must not run while the raw id is in use.
	runtime.KeepAlive(recv)
	if err != nil {
		fw.log.Debug("native call failed", zap.String("selector", ep.String()), zap.Error(err))
		return objc.Value{}, err
	}
	return v, nil
}

// take wraps an object returned by ep according to its ownership.
func (fw *Framework) take(ep EntryPoint, id objc.ID) (*objc.Object, error) {
	return objc.Take(fw.rt, ep.String(), ep.Ownership(), id, ep.Optional)
}

// call marshals arguments with build, sends ep and hands the result to use,
// all inside one autorelease pool and one marshalling scope.
func (fw *Framework) call(recv objc.Handle, ep EntryPoint, build func(a *objc.Args) ([]objc.Value, error), use func(v objc.Value) error) error {
	return fw.pool(func() error {
		a := objc.NewArgs(fw.rt)
		defer a.Release()
		var args []objc.Value
		if build != nil {
			var err error
			if args, err = build(a); err != nil {
				return err
			}
		}
		if err := a.Err(); err != nil {
			return fmt.Errorf("mpsgraph: %s: %w", ep, err)
		}
		v, err := fw.send(recv, ep, args...)
		if err != nil {
			return err
		}
		if use == nil {
			return nil
		}
		return use(v)
	})
}

// object is call for entry points returning an object the caller keeps.
// An optional entry point that returns nil gives (nil, nil).
func (fw *Framework) object(recv objc.Handle, ep EntryPoint, build func(a *objc.Args) ([]objc.Value, error)) (*objc.Object, error) {
	var obj *objc.Object
	err := fw.call(recv, ep, build, func(v objc.Value) error {
		var err error
		obj, err = fw.take(ep, v.ID)
		return err
	})
	return obj, err
}

// alloc sends alloc and the registered initializer to ep's class.
func (fw *Framework) alloc(ep EntryPoint, build func(a *objc.Args) ([]objc.Value, error)) (*objc.Object, error) {
	if err := fw.gate(ep); err != nil {
		return nil, err
	}
	var obj *objc.Object
	err := fw.pool(func() error {
		a := objc.NewArgs(fw.rt)
		defer a.Release()
		var args []objc.Value
		if build != nil {
			var err error
			if args, err = build(a); err != nil {
				return err
			}
		}
		if err := a.Err(); err != nil {
			return fmt.Errorf("mpsgraph: %s: %w", ep, err)
		}
		var err error
		obj, err = objc.AllocInit(fw.rt, ep.Class, ep.Selector, args...)
		if err != nil {
			fw.log.Debug("native initializer failed", zap.String("selector", ep.String()), zap.Error(err))
		}
		return err
	})
	return obj, err
}

// handle is the owned reference embedded in every wrapper.
type handle struct {
	fw  *Framework
	obj *objc.Object
}

// View returns a borrowed view of the native object.
func (h *handle) View() objc.View { return h.obj.View() }

// Close releases the wrapper's reference. Closing twice is a no-op.
func (h *handle) Close() error { return h.obj.Close() }

// Framework returns the framework the object belongs to.
func (h *handle) Framework() *Framework { return h.fw }

func (h *handle) rt() objc.Runtime { return h.fw.rt }
