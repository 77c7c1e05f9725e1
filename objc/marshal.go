package objc

import (
	"fmt"
	"runtime"

	"go.uber.org/multierr"
)

// AllocInit sends alloc to the named class followed by initSelector. The
// result follows the init family and is adopted without an extra retain.
func AllocInit(rt Runtime, class, initSelector string, args ...Value) (*Object, error) {
	cls := rt.Class(class)
	if cls.IsNil() {
		return nil, &UnsupportedError{Selector: class + " " + initSelector, Platform: rt.Platform(), Have: rt.OSVersion()}
	}
	allocated, err := rt.Send(cls, "alloc")
	if err != nil {
		return nil, err
	}
	if allocated.ID.IsNil() {
		return nil, &NilHandleError{Selector: class + " alloc"}
	}
	v, err := rt.Send(allocated.ID, initSelector, args...)
	if err != nil {
		return nil, err
	}
	return Take(rt, initSelector, Classify(initSelector), v.ID, false)
}

// NewArray marshals an ordered sequence into an owned NSArray. Order and
// cardinality are preserved; an empty sequence gives an empty array.
func NewArray(rt Runtime, items []Handle) (*Object, error) {
	ids, err := handleIDs(items)
	if err != nil {
		return nil, err
	}
	arr, err := newArrayOfIDs(rt, ids)
	runtime.KeepAlive(items)
	return arr, err
}

func newArrayOfIDs(rt Runtime, ids []ID) (*Object, error) {
	return AllocInit(rt, "NSArray", "initWithObjects:count:", Objects(ids), Uint(uint64(len(ids))))
}

// NewMutableArray returns an owned, empty NSMutableArray.
func NewMutableArray(rt Runtime) (*Object, error) {
	return AllocInit(rt, "NSMutableArray", "init")
}

// NewDictionary marshals parallel key and value sequences into an owned
// NSDictionary. Keys must be distinct objects.
func NewDictionary(rt Runtime, keys, values []Handle) (*Object, error) {
	if len(keys) != len(values) {
		return nil, fmt.Errorf("objc: dictionary has %d keys and %d values", len(keys), len(values))
	}
	kids, err := handleIDs(keys)
	if err != nil {
		return nil, err
	}
	vids, err := handleIDs(values)
	if err != nil {
		return nil, err
	}
	dict, err := AllocInit(rt, "NSDictionary", "initWithObjects:forKeys:count:",
		Objects(vids), Objects(kids), Uint(uint64(len(kids))))
	runtime.KeepAlive(keys)
	runtime.KeepAlive(values)
	return dict, err
}

// NewString returns an owned NSString.
func NewString(rt Runtime, s string) (*Object, error) {
	return AllocInit(rt, "NSString", "initWithUTF8String:", CString(s))
}

// NewNumbers returns an owned NSArray of NSNumber (long long) values.
func NewNumbers(rt Runtime, values []int) (*Object, error) {
	var numbers []*Object
	defer func() {
		for _, n := range numbers {
			n.Close()
		}
	}()
	ids := make([]ID, 0, len(values))
	for _, v := range values {
		n, err := AllocInit(rt, "NSNumber", "initWithLongLong:", Int(int64(v)))
		if err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
		ids = append(ids, n.id)
	}
	return newArrayOfIDs(rt, ids)
}

func handleIDs(items []Handle) ([]ID, error) {
	ids := make([]ID, len(items))
	for i, h := range items {
		if Absent(h) {
			return nil, fmt.Errorf("objc: element %d: %w", i, ErrUnexpectedNil)
		}
		id, err := h.View().ID()
		if err != nil {
			return nil, fmt.Errorf("objc: element %d: %w", i, err)
		}
		if id.IsNil() {
			return nil, fmt.Errorf("objc: element %d: %w", i, ErrUnexpectedNil)
		}
		ids[i] = id
	}
	return ids, nil
}

// ArrayIDs returns the elements of an NSArray as borrowed pointers. Call it
// inside an autorelease pool and retain anything that must be kept.
func ArrayIDs(rt Runtime, arr ID) ([]ID, error) {
	if arr.IsNil() {
		return nil, nil
	}
	n, err := rt.Send(arr, "count")
	if err != nil {
		return nil, err
	}
	ids := make([]ID, n.Uint)
	for i := range ids {
		v, err := rt.Send(arr, "objectAtIndex:", Uint(uint64(i)))
		if err != nil {
			return nil, err
		}
		ids[i] = v.ID
	}
	return ids, nil
}

// ArrayObjects returns the elements of an NSArray as owned handles.
func ArrayObjects(rt Runtime, arr ID) ([]*Object, error) {
	ids, err := ArrayIDs(rt, arr)
	if err != nil {
		return nil, err
	}
	objs := make([]*Object, 0, len(ids))
	for _, id := range ids {
		o, err := RetainBorrowed(rt, id)
		if err != nil {
			for _, prev := range objs {
				prev.Close()
			}
			return nil, err
		}
		objs = append(objs, o)
	}
	return objs, nil
}

// DictionaryEntries returns the keys of dict and their values, as borrowed
// pointers in matching order. Iteration order is whatever the native
// dictionary reports and must not be relied upon.
func DictionaryEntries(rt Runtime, dict ID) (keys, values []ID, err error) {
	if dict.IsNil() {
		return nil, nil, nil
	}
	allKeys, err := rt.Send(dict, "allKeys")
	if err != nil {
		return nil, nil, err
	}
	keys, err = ArrayIDs(rt, allKeys.ID)
	if err != nil {
		return nil, nil, err
	}
	values = make([]ID, len(keys))
	for i, k := range keys {
		if values[i], err = DictionaryLookup(rt, dict, k); err != nil {
			return nil, nil, err
		}
	}
	return keys, values, nil
}

// DictionaryLookup returns the borrowed value stored under key, or Nil.
func DictionaryLookup(rt Runtime, dict, key ID) (ID, error) {
	v, err := rt.Send(dict, "objectForKey:", Obj(key))
	if err != nil {
		return Nil, err
	}
	return v.ID, nil
}

// StringValue converts an NSString to a Go string.
func StringValue(rt Runtime, str ID) (string, error) {
	if str.IsNil() {
		return "", nil
	}
	v, err := rt.Send(str, "UTF8String")
	if err != nil {
		return "", err
	}
	return v.Str, nil
}

// NumberValues converts an NSArray of NSNumber to ints.
func NumberValues(rt Runtime, arr ID) ([]int, error) {
	ids, err := ArrayIDs(rt, arr)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		v, err := rt.Send(id, "longLongValue")
		if err != nil {
			return nil, err
		}
		out[i] = int(v.Int)
	}
	return out, nil
}

// Args is the marshalling scope of one native call. Temporaries it creates
// (arrays, dictionaries, strings) live until Release, which the caller defers
// right after NewArgs. The first marshalling failure is kept and reported by
// Err; later conversions become nil arguments.
type Args struct {
	rt    Runtime
	temps []*Object
	held  []Handle
	err   error
}

// NewArgs starts a marshalling scope.
func NewArgs(rt Runtime) *Args { return &Args{rt: rt} }

// Err returns the first marshalling error.
func (a *Args) Err() error { return a.err }

// Release frees every temporary created by the scope. Handles marshalled
// through the scope stay reachable until Release, so a finalizer cannot
// release an argument while the call that uses it is in flight.
func (a *Args) Release() error {
	runtime.KeepAlive(a.held)
	a.held = nil
	var err error
	for _, t := range a.temps {
		err = multierr.Append(err, t.Close())
	}
	a.temps = nil
	return err
}

// Keep hands an owned temporary to the scope and returns it as an argument.
func (a *Args) Keep(o *Object) Value {
	a.temps = append(a.temps, o)
	return Obj(o.id)
}

func (a *Args) fail(err error) Value {
	if a.err == nil {
		a.err = err
	}
	return Obj(Nil)
}

func (a *Args) view(h Handle, optional bool) Value {
	var v View
	if !Absent(h) {
		a.held = append(a.held, h)
		v = h.View()
	}
	if v.IsNil() {
		if optional {
			return Obj(Nil)
		}
		return a.fail(ErrUnexpectedNil)
	}
	id, err := v.ID()
	if err != nil {
		return a.fail(err)
	}
	return Obj(id)
}

// Object marshals a required object argument.
func (a *Args) Object(h Handle) Value { return a.view(h, false) }

// Optional marshals an optional object argument: absent becomes native nil.
func (a *Args) Optional(h Handle) Value { return a.view(h, true) }

// String marshals a required string argument.
func (a *Args) String(s string) Value {
	o, err := NewString(a.rt, s)
	if err != nil {
		return a.fail(err)
	}
	return a.Keep(o)
}

// OptionalString marshals an optional string: "" becomes native nil.
func (a *Args) OptionalString(s string) Value {
	if s == "" {
		return Obj(Nil)
	}
	return a.String(s)
}

// Array marshals a required sequence. An empty sequence becomes an explicit
// empty NSArray, never nil.
func (a *Args) Array(items []Handle) Value {
	a.held = append(a.held, items...)
	o, err := NewArray(a.rt, items)
	if err != nil {
		return a.fail(err)
	}
	return a.Keep(o)
}

// OptionalArray marshals an optional sequence: a nil slice becomes native
// nil, a non-nil empty slice an empty NSArray.
func (a *Args) OptionalArray(items []Handle) Value {
	if items == nil {
		return Obj(Nil)
	}
	return a.Array(items)
}

// Numbers marshals ints as an NSArray of NSNumber.
func (a *Args) Numbers(values []int) Value {
	o, err := NewNumbers(a.rt, values)
	if err != nil {
		return a.fail(err)
	}
	return a.Keep(o)
}

// Dictionary marshals parallel key and value sequences.
func (a *Args) Dictionary(keys, values []Handle) Value {
	a.held = append(a.held, keys...)
	a.held = append(a.held, values...)
	o, err := NewDictionary(a.rt, keys, values)
	if err != nil {
		return a.fail(err)
	}
	return a.Keep(o)
}

// Mapping marshals a Go map keyed by handle identity into an NSDictionary.
// Map iteration order is irrelevant to the result.
func Mapping[K interface {
	comparable
	Handle
}, V Handle](a *Args, m map[K]V) Value {
	keys := make([]Handle, 0, len(m))
	values := make([]Handle, 0, len(m))
	for k, v := range m {
		keys = append(keys, k)
		values = append(values, v)
	}
	return a.Dictionary(keys, values)
}

// Handles converts a typed slice to []Handle for the sequence marshallers.
func Handles[T Handle](items []T) []Handle {
	if items == nil {
		return nil
	}
	out := make([]Handle, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}
