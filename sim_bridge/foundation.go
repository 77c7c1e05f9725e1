package sim_bridge

import (
	"fmt"

	"github.com/tsawler/go-mpsgraph/objc"
)

type arrayState struct {
	items []objc.ID
}

func (s *arrayState) owned() []objc.ID { return append([]objc.ID(nil), s.items...) }

type dictState struct {
	keys   []objc.ID
	values []objc.ID
}

func (s *dictState) owned() []objc.ID {
	return append(append([]objc.ID(nil), s.keys...), s.values...)
}

func (s *dictState) lookup(key objc.ID) objc.ID {
	for i, k := range s.keys {
		if k == key {
			return s.values[i]
		}
	}
	return objc.Nil
}

type stringState struct{ s string }

type numberState struct {
	i int64
	f float64
}

type dataState struct{ b []byte }

type errorState struct {
	domain string
	code   int64
	desc   string
}

type urlState struct{ path string }

func (r *Runtime) setValue(o *object, v any) {
	r.mu.Lock()
	o.value = v
	r.mu.Unlock()
}

func (r *Runtime) valueOf(id objc.ID) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o := r.objects[id]; o != nil && !o.dead {
		return o.value
	}
	return nil
}

func stateOf[T any](r *Runtime, id objc.ID) (T, error) {
	v, ok := r.valueOf(id).(T)
	if !ok {
		var zero T
		return zero, exception("NSInvalidArgumentException", "%s is not a %T", id, zero)
	}
	return v, nil
}

func obj(id objc.ID) (objc.Value, error)   { return objc.Obj(id), nil }
func uintv(v uint64) (objc.Value, error)   { return objc.Uint(v), nil }
func boolv(v bool) (objc.Value, error)     { return objc.Bool(v), nil }
func void() (objc.Value, error)            { return objc.Value{Kind: objc.KindVoid}, nil }
func intv(v int64) (objc.Value, error)     { return objc.Int(v), nil }
func doublev(v float64) (objc.Value, error) { return objc.Double(v), nil }

// newString creates an autoreleased NSString.
func (r *Runtime) newString(s string) objc.ID {
	return r.newAutoreleased("NSString", &stringState{s: s})
}

// newArray creates an array holding a reference on each item.
func (r *Runtime) newArray(className string, items []objc.ID) objc.ID {
	for _, it := range items {
		r.Retain(it)
	}
	return r.newObject(className, &arrayState{items: append([]objc.ID(nil), items...)})
}

func (r *Runtime) newAutoreleasedArray(items []objc.ID) objc.ID {
	return r.Autorelease(r.newArray("NSArray", items))
}

func (r *Runtime) newNumberArray(values []int) objc.ID {
	ids := make([]objc.ID, len(values))
	for i, v := range values {
		ids[i] = r.newAutoreleased("NSNumber", &numberState{i: int64(v), f: float64(v)})
	}
	return r.newAutoreleasedArray(ids)
}

// numbers reads an NSArray of NSNumber.
func (r *Runtime) numbers(arr objc.ID) ([]int, error) {
	if arr.IsNil() {
		return nil, nil
	}
	as, err := stateOf[*arrayState](r, arr)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(as.items))
	for i, id := range as.items {
		n, err := stateOf[*numberState](r, id)
		if err != nil {
			return nil, err
		}
		out[i] = int(n.i)
	}
	return out, nil
}

func (r *Runtime) arrayItems(arr objc.ID) ([]objc.ID, error) {
	if arr.IsNil() {
		return nil, nil
	}
	as, err := stateOf[*arrayState](r, arr)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]objc.ID(nil), as.items...), nil
}

func (r *Runtime) stringOf(id objc.ID) string {
	if s, ok := r.valueOf(id).(*stringState); ok {
		return s.s
	}
	return ""
}

func (r *Runtime) newError(domain string, code int64, desc string) objc.ID {
	return r.newAutoreleased("NSError", &errorState{domain: domain, code: code, desc: desc})
}

func registerFoundation(r *Runtime) {
	nsobject := r.defineClass("NSObject", "")
	nsobject.classMethods["alloc"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		return obj(r.newObject(self.class.name, nil))
	}
	nsobject.classMethods["new"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		id := r.newObject(self.class.name, nil)
		v, err := r.Send(id, "init")
		if err != nil || v.ID.IsNil() {
			r.Release(id)
		}
		return v, err
	}
	nsobject.methods["init"] = func(_ *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		return obj(self.id)
	}
	nsobject.methods["isEqual:"] = func(_ *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		return boolv(args[0].ID == self.id)
	}
	nsobject.methods["hash"] = func(_ *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		return uintv(uint64(self.id))
	}
	nsobject.methods["copy"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		return obj(r.Retain(self.id))
	}
	nsobject.methods["description"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		return obj(r.newString(fmt.Sprintf("<%s: %s>", self.class.name, self.id)))
	}

	r.defineClass("__NSMallocBlock__", "NSObject")

	str := r.defineClass("NSString", "NSObject")
	str.methods["initWithUTF8String:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		r.setValue(self, &stringState{s: args[0].Str})
		return obj(self.id)
	}
	str.classMethods["stringWithUTF8String:"] = func(r *Runtime, _ *object, args []objc.Value) (objc.Value, error) {
		return obj(r.newString(args[0].Str))
	}
	str.methods["UTF8String"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		return objc.Value{Kind: objc.KindString, Str: r.stringOf(self.id)}, nil
	}
	str.methods["length"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		return uintv(uint64(len([]rune(r.stringOf(self.id)))))
	}
	str.methods["isEqual:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		other, ok := r.valueOf(args[0].ID).(*stringState)
		return boolv(ok && other.s == r.stringOf(self.id))
	}

	num := r.defineClass("NSNumber", "NSObject")
	num.methods["initWithLongLong:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		r.setValue(self, &numberState{i: args[0].Int, f: float64(args[0].Int)})
		return obj(self.id)
	}
	num.methods["initWithDouble:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		r.setValue(self, &numberState{i: int64(args[0].Float), f: args[0].Float})
		return obj(self.id)
	}
	num.classMethods["numberWithLongLong:"] = func(r *Runtime, _ *object, args []objc.Value) (objc.Value, error) {
		return obj(r.newAutoreleased("NSNumber", &numberState{i: args[0].Int, f: float64(args[0].Int)}))
	}
	num.methods["longLongValue"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		n, err := stateOf[*numberState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return intv(n.i)
	}
	num.methods["unsignedLongLongValue"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		n, err := stateOf[*numberState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return uintv(uint64(n.i))
	}
	num.methods["doubleValue"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		n, err := stateOf[*numberState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return doublev(n.f)
	}

	arr := r.defineClass("NSArray", "NSObject")
	arr.methods["init"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		r.setValue(self, &arrayState{})
		return obj(self.id)
	}
	arr.methods["initWithObjects:count:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		ids := args[0].Objects
		if uint64(len(ids)) < args[1].Uint {
			return objc.Value{}, exception("NSRangeException", "count %d exceeds %d objects", args[1].Uint, len(ids))
		}
		ids = ids[:args[1].Uint]
		for i, id := range ids {
			if id.IsNil() {
				return objc.Value{}, exception("NSInvalidArgumentException", "attempt to insert nil object from objects[%d]", i)
			}
			r.Retain(id)
		}
		r.setValue(self, &arrayState{items: append([]objc.ID(nil), ids...)})
		return obj(self.id)
	}
	arr.classMethods["array"] = func(r *Runtime, _ *object, _ []objc.Value) (objc.Value, error) {
		return obj(r.newAutoreleasedArray(nil))
	}
	arr.methods["count"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		items, err := r.arrayItems(self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return uintv(uint64(len(items)))
	}
	arr.methods["objectAtIndex:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		items, err := r.arrayItems(self.id)
		if err != nil {
			return objc.Value{}, err
		}
		if args[0].Uint >= uint64(len(items)) {
			return objc.Value{}, exception("NSRangeException", "index %d beyond bounds [0 .. %d]", args[0].Uint, len(items)-1)
		}
		return obj(items[args[0].Uint])
	}
	arr.methods["copy"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		items, err := r.arrayItems(self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.newArray("NSArray", items))
	}

	marr := r.defineClass("NSMutableArray", "NSArray")
	marr.methods["addObject:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		if args[0].ID.IsNil() {
			return objc.Value{}, exception("NSInvalidArgumentException", "*** -[__NSArrayM insertObject:atIndex:]: object cannot be nil")
		}
		as, err := stateOf[*arrayState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		r.Retain(args[0].ID)
		r.mu.Lock()
		as.items = append(as.items, args[0].ID)
		r.mu.Unlock()
		return void()
	}

	dict := r.defineClass("NSDictionary", "NSObject")
	dict.methods["init"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		r.setValue(self, &dictState{})
		return obj(self.id)
	}
	dict.methods["initWithObjects:forKeys:count:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		values, keys, n := args[0].Objects, args[1].Objects, args[2].Uint
		if uint64(len(values)) < n || uint64(len(keys)) < n {
			return objc.Value{}, exception("NSRangeException", "count %d exceeds supplied objects", n)
		}
		ds := &dictState{}
		for i := uint64(0); i < n; i++ {
			k, v := keys[i], values[i]
			if k.IsNil() || v.IsNil() {
				return objc.Value{}, exception("NSInvalidArgumentException", "attempt to insert nil object from objects[%d]", i)
			}
			if !ds.lookup(k).IsNil() {
				// Later duplicates replace earlier ones.
				for j := range ds.keys {
					if ds.keys[j] == k {
						r.Release(ds.values[j])
						ds.values[j] = r.Retain(v)
					}
				}
				continue
			}
			ds.keys = append(ds.keys, r.Retain(k))
			ds.values = append(ds.values, r.Retain(v))
		}
		r.setValue(self, ds)
		return obj(self.id)
	}
	dict.methods["count"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		ds, err := stateOf[*dictState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return uintv(uint64(len(ds.keys)))
	}
	dict.methods["allKeys"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		ds, err := stateOf[*dictState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		// Native dictionaries make no ordering promise; reverse insertion
		// order keeps callers honest.
		keys := make([]objc.ID, len(ds.keys))
		for i, k := range ds.keys {
			keys[len(keys)-1-i] = k
		}
		return obj(r.newAutoreleasedArray(keys))
	}
	dict.methods["objectForKey:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		ds, err := stateOf[*dictState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(ds.lookup(args[0].ID))
	}

	data := r.defineClass("NSData", "NSObject")
	data.methods["initWithBytes:length:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		n := args[1].Uint
		if uint64(len(args[0].Bytes)) < n {
			return objc.Value{}, exception("NSRangeException", "length %d exceeds %d bytes", n, len(args[0].Bytes))
		}
		r.setValue(self, &dataState{b: append([]byte(nil), args[0].Bytes[:n]...)})
		return obj(self.id)
	}
	data.methods["length"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		ds, err := stateOf[*dataState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return uintv(uint64(len(ds.b)))
	}
	data.methods["getBytes:length:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		ds, err := stateOf[*dataState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		n := min(int(args[1].Uint), len(ds.b), len(args[0].Bytes))
		copy(args[0].Bytes[:n], ds.b)
		return void()
	}

	nserr := r.defineClass("NSError", "NSObject")
	nserr.methods["domain"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		es, err := stateOf[*errorState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.newString(es.domain))
	}
	nserr.methods["code"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		es, err := stateOf[*errorState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return intv(es.code)
	}
	nserr.methods["localizedDescription"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		es, err := stateOf[*errorState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.newString(es.desc))
	}

	url := r.defineClass("NSURL", "NSObject")
	url.classMethods["fileURLWithPath:"] = func(r *Runtime, _ *object, args []objc.Value) (objc.Value, error) {
		path := r.stringOf(args[0].ID)
		if path == "" {
			return objc.Value{}, exception("NSInvalidArgumentException", "*** -[NSURL initFileURLWithPath:]: nil string parameter")
		}
		return obj(r.newAutoreleased("NSURL", &urlState{path: path}))
	}
	url.methods["path"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		us, err := stateOf[*urlState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.newString(us.path))
	}
}
