package objc

import (
	"fmt"
	"io"
	"reflect"
	"runtime"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Handle is the base capability of every wrapped native type.
type Handle interface {
	View() View
}

// Absent reports whether h carries no object: a nil interface or a typed nil
// pointer such as a (*mpsgraph.Tensor)(nil) passed where a Handle is taken.
func Absent(h Handle) bool {
	if h == nil {
		return true
	}
	v := reflect.ValueOf(h)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// lifetime is shared between an Object and the Views derived from it.
type lifetime struct {
	released atomic.Bool
}

// Object is an owned handle: it holds exactly one reference count on a
// native object and releases it exactly once, on Close (or, if enabled, when
// the garbage collector finds it unreachable).
//
// Objects are used by pointer. Two Objects for the same native object (see
// Clone) own independent references and may be closed in any order.
type Object struct {
	rt   Runtime
	id   ID
	life *lifetime
}

// Adopt takes ownership of a transferred (+1) reference without retaining it.
func Adopt(rt Runtime, id ID) (*Object, error) {
	if rt == nil {
		return nil, ErrNoRuntime
	}
	if id.IsNil() {
		return nil, ErrUnexpectedNil
	}
	o := &Object{rt: rt, id: id, life: &lifetime{}}
	if currentConfig().Finalizers {
		runtime.SetFinalizer(o, finalizeObject)
	}
	return o, nil
}

// RetainBorrowed retains a borrowed (+0) reference and takes ownership of the
// new count, so the result outlives the autorelease pool it came from.
func RetainBorrowed(rt Runtime, id ID) (*Object, error) {
	if rt == nil {
		return nil, ErrNoRuntime
	}
	if id.IsNil() {
		return nil, ErrUnexpectedNil
	}
	return Adopt(rt, rt.Retain(id))
}

func finalizeObject(o *Object) {
	if o.life.released.CompareAndSwap(false, true) {
		Logger().Debug("releasing leaked handle from finalizer", zap.Stringer("id", o.id))
		o.rt.Release(o.id)
	}
}

// Runtime returns the runtime the object belongs to.
func (o *Object) Runtime() Runtime { return o.rt }

// ID returns the raw pointer, or ErrUseAfterRelease once closed.
func (o *Object) ID() (ID, error) {
	if o == nil {
		return Nil, ErrUnexpectedNil
	}
	if o.life.released.Load() {
		return Nil, ErrUseAfterRelease
	}
	return o.id, nil
}

// Released reports whether Close has been called.
func (o *Object) Released() bool { return o.life.released.Load() }

// View returns a borrowed view valid for as long as o is open.
func (o *Object) View() View {
	if o == nil {
		return View{}
	}
	return View{id: o.id, life: o.life}
}

// Clone returns a second owned handle on the same native object, backed by
// its own reference count.
func (o *Object) Clone() (*Object, error) {
	id, err := o.ID()
	if err != nil {
		return nil, err
	}
	return RetainBorrowed(o.rt, id)
}

// Close releases the owned reference. Closing twice is a no-op.
func (o *Object) Close() error {
	if o == nil {
		return nil
	}
	if !o.life.released.CompareAndSwap(false, true) {
		return nil
	}
	runtime.SetFinalizer(o, nil)
	o.rt.Release(o.id)
	return nil
}

// Send sends selector to the object. The object must still be open.
func (o *Object) Send(selector string, args ...Value) (Value, error) {
	id, err := o.ID()
	if err != nil {
		return Value{}, err
	}
	v, err := o.rt.Send(id, selector, args...)
	runtime.KeepAlive(o)
	return v, err
}

func (o *Object) String() string {
	if o == nil {
		return "<nil>"
	}
	if o.Released() {
		return fmt.Sprintf("<released %s>", o.id)
	}
	return o.id.String()
}

// View is a borrowed, non-owning reference. It never releases and is only
// valid while the handle it was derived from is open.
type View struct {
	id   ID
	life *lifetime
}

// ViewOf wraps a raw pointer the caller knows to be kept alive elsewhere (an
// autorelease pool, a native container). Such views cannot detect misuse.
func ViewOf(id ID) View { return View{id: id} }

// ID returns the raw pointer, or ErrUseAfterRelease when the source handle
// has been closed.
func (v View) ID() (ID, error) {
	if v.life != nil && v.life.released.Load() {
		return Nil, ErrUseAfterRelease
	}
	return v.id, nil
}

// IsNil reports whether the view refers to no object.
func (v View) IsNil() bool { return v.id.IsNil() }

// Same reports whether two views refer to the same native object.
func (v View) Same(other View) bool { return v.id == other.id }

// View makes View itself satisfy Handle.
func (v View) View() View { return v }

// CloseAll closes every closer and combines the errors.
func CloseAll(closers ...io.Closer) error {
	var err error
	for _, c := range closers {
		if c == nil {
			continue
		}
		err = multierr.Append(err, c.Close())
	}
	return err
}
