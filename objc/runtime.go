// Package objc is the ownership layer between Go and the Objective-C object
// model used by Metal Performance Shaders Graph.
//
// Every native object that crosses into Go is held by an *Object (an owned
// handle carrying exactly one reference count) or observed through a View
// (a borrowed reference that never releases). Aggregate arguments are
// marshalled through an Args scope and closures are exposed to native code as
// Trampolines. The native side itself is reached only through the Runtime
// interface, implemented by cgo_bridge on darwin and by sim_bridge in tests.
package objc

import "fmt"

// ID is a raw native object pointer. It is never dereferenced by Go code.
type ID uintptr

// Nil is the native null object.
const Nil ID = 0

// IsNil reports whether id is the native null object.
func (id ID) IsNil() bool { return id == Nil }

func (id ID) String() string { return fmt.Sprintf("0x%x", uintptr(id)) }

// Kind tags the payload of a Value.
type Kind uint8

const (
	KindVoid Kind = iota
	KindObject
	KindInt
	KindUint
	KindFloat
	KindDouble
	KindBool
	KindString
	KindBytes
	KindObjects
	KindBuffer
	KindPointer
)

var kindNames = [...]string{
	KindVoid:    "void",
	KindObject:  "object",
	KindInt:     "int",
	KindUint:    "uint",
	KindFloat:   "float",
	KindDouble:  "double",
	KindBool:    "bool",
	KindString:  "string",
	KindBytes:   "bytes",
	KindObjects: "objects",
	KindBuffer:  "buffer",
	KindPointer: "pointer",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is one argument to, or the result of, a dynamic message send.
//
// Bytes are copied into native memory for the duration of the call. Buffer is
// an out-parameter: the native side writes into it and the bridge copies the
// result back before Send returns. Objects is passed as a single C array
// pointer, the way initWithObjects:count: expects it.
type Value struct {
	Kind    Kind
	ID      ID
	Int     int64
	Uint    uint64
	Float   float64
	Bool    bool
	Str     string
	Bytes   []byte
	Objects []ID
	Ptr     uintptr
}

// Obj wraps an object argument.
func Obj(id ID) Value { return Value{Kind: KindObject, ID: id} }

// Int wraps a signed integer argument (NSInteger).
func Int(v int64) Value { return Value{Kind: KindInt, Int: v} }

// Uint wraps an unsigned integer argument (NSUInteger, enums, option sets).
func Uint(v uint64) Value { return Value{Kind: KindUint, Uint: v} }

// Float wraps a 32-bit float argument.
func Float(v float32) Value { return Value{Kind: KindFloat, Float: float64(v)} }

// Double wraps a 64-bit float argument.
func Double(v float64) Value { return Value{Kind: KindDouble, Float: v} }

// Bool wraps a BOOL argument.
func Bool(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// CString wraps a NUL-terminated UTF-8 string argument.
func CString(s string) Value { return Value{Kind: KindString, Str: s} }

// Bytes wraps a read-only byte buffer argument.
func Bytes(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// OutBuffer wraps a writable byte buffer the native side fills.
func OutBuffer(b []byte) Value { return Value{Kind: KindBuffer, Bytes: b} }

// Objects wraps a C array of object pointers.
func Objects(ids []ID) Value { return Value{Kind: KindObjects, Objects: ids} }

// Pointer wraps a raw native pointer.
func Pointer(p uintptr) Value { return Value{Kind: KindPointer, Ptr: p} }

// BlockKind selects the native block signature a trampoline is exposed as.
type BlockKind uint8

const (
	// BlockCompletion is void (^)(id, id): completion and scheduled handlers.
	BlockCompletion BlockKind = iota
	// BlockNullary is id (^)(void): if/then/else branches, dependent blocks.
	BlockNullary
	// BlockUnary is id (^)(id): while-loop after blocks.
	BlockUnary
	// BlockBinary is id (^)(id, id): while-loop before blocks, for-loop bodies.
	BlockBinary
)

// Arity returns the number of object arguments the block receives.
func (k BlockKind) Arity() int {
	switch k {
	case BlockCompletion, BlockBinary:
		return 2
	case BlockUnary:
		return 1
	default:
		return 0
	}
}

// Runtime is the native boundary. Implementations must be safe for concurrent
// use; reference counting is atomic on the native side and Runtime adds no
// state of its own about object validity.
type Runtime interface {
	// Class returns the class object for name, or Nil when the class does not
	// exist in this process (older OS, missing framework).
	Class(name string) ID
	// RespondsTo reports whether recv implements selector.
	RespondsTo(recv ID, selector string) bool
	// Send performs a dynamic message send. Native exceptions are returned as
	// *NativeError. The returned object, if any, is not retained by Send.
	Send(recv ID, selector string, args ...Value) (Value, error)

	Retain(id ID) ID
	Release(id ID)
	Autorelease(id ID) ID
	RetainCount(id ID) int

	PushPool() uintptr
	PopPool(token uintptr)

	// NewBlock returns a +1 heap block of the given kind that forwards every
	// invocation to Dispatch(handle, args).
	NewBlock(kind BlockKind, handle uintptr) ID
	// SystemDefaultDevice calls MTLCreateSystemDefaultDevice (+1).
	SystemDefaultDevice() ID
	// ReadMemory copies n bytes of native memory starting at ptr.
	ReadMemory(ptr uintptr, n int) []byte
	// WriteMemory copies b into native memory starting at ptr.
	WriteMemory(ptr uintptr, b []byte)

	IsMainThread() bool
	CurrentThread() uint64

	Platform() Platform
	OSVersion() string
}

// WithAutoreleasePool runs fn inside a fresh autorelease pool. Borrowed (+0)
// results obtained inside fn are valid until it returns; anything that must
// outlive the pool has to be retained into an *Object first.
func WithAutoreleasePool(rt Runtime, fn func() error) error {
	token := rt.PushPool()
	defer rt.PopPool(token)
	return fn()
}
