// Package sim_bridge is an in-process stand-in for the Objective-C runtime
// and the Metal Performance Shaders Graph framework. It implements
// objc.Runtime with real reference counts, per-goroutine autorelease pools,
// zombie detection, thread identity, an adjustable OS version and a small
// graph evaluator, so the ownership layer and the wrappers built on it can be
// tested on any platform.
//
// Nothing in the darwin build path uses this package.
package sim_bridge

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tsawler/go-mpsgraph/objc"
	"go.uber.org/zap"
)

// Options configures a simulated runtime.
type Options struct {
	Platform  objc.Platform
	OSVersion string
	// Zombies keeps deallocated objects around so later messages to them are
	// reported as violations instead of as unknown pointers.
	Zombies bool
	// CompletionDelay is how long asynchronous runs wait before invoking
	// their completion handler.
	CompletionDelay time.Duration
	// MissingClasses are treated as absent, as on an older OS.
	MissingClasses []string
}

// DefaultOptions simulates a current macOS with zombies enabled.
func DefaultOptions() Options {
	return Options{
		Platform:        objc.MacOS,
		OSVersion:       "15.0",
		Zombies:         true,
		CompletionDelay: 5 * time.Millisecond,
	}
}

// Violation is a memory-management error detected by the simulator, the kind
// a real process would report through zombie objects or a crash.
type Violation struct {
	Kind     string
	ID       objc.ID
	Class    string
	Selector string
}

func (v Violation) String() string {
	if v.Selector != "" {
		return fmt.Sprintf("%s: -[%s %s] on %s", v.Kind, v.Class, v.Selector, v.ID)
	}
	return fmt.Sprintf("%s: %s %s", v.Kind, v.Class, v.ID)
}

const (
	ViolationZombieMessage   = "message sent to deallocated instance"
	ViolationOverRelease     = "over-release"
	ViolationUnknownObject   = "unknown object"
	ViolationNoPool          = "autorelease with no pool in place"
	ViolationPoolOutOfOrder  = "autorelease pool popped out of order"
	ViolationCallbackFailure = "callback failed"
)

type method func(r *Runtime, self *object, args []objc.Value) (objc.Value, error)

type class struct {
	name         string
	super        *class
	methods      map[string]method
	classMethods map[string]method
	// since gates selectors by OS version on the simulated platform.
	since map[string]string
	id    objc.ID
}

func (c *class) lookup(sel string, meta bool) (method, *class) {
	for k := c; k != nil; k = k.super {
		table := k.methods
		if meta {
			table = k.classMethods
		}
		if m, ok := table[sel]; ok {
			return m, k
		}
	}
	return nil, nil
}

func (c *class) isKindOf(name string) bool {
	for k := c; k != nil; k = k.super {
		if k.name == name {
			return true
		}
	}
	return false
}

type object struct {
	id    objc.ID
	class *class
	meta  bool // a class object
	refs  int
	dead  bool
	value any
}

type poolFrame struct {
	token   uintptr
	objects []objc.ID
}

// Runtime is the simulated native runtime.
type Runtime struct {
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	nextID     uintptr
	objects    map[objc.ID]*object
	classes    map[string]*class
	pools      map[uint64][]*poolFrame
	nextPool   uintptr
	violations []Violation
	callbacks  []error
	memory     map[uintptr][]byte
	packages   map[string]*executableState
	mainThread uint64

	pending sync.WaitGroup
}

var _ objc.Runtime = (*Runtime)(nil)

// New returns a simulated runtime. The calling goroutine is treated as the
// main thread.
func New(opts Options) *Runtime {
	if opts.Platform == "" {
		opts.Platform = objc.MacOS
	}
	if opts.OSVersion == "" {
		opts.OSVersion = DefaultOptions().OSVersion
	}
	r := &Runtime{
		opts:       opts,
		logger:     Logger(),
		nextID:     0x1000,
		objects:    make(map[objc.ID]*object),
		classes:    make(map[string]*class),
		pools:      make(map[uint64][]*poolFrame),
		memory:     make(map[uintptr][]byte),
		packages:   make(map[string]*executableState),
		mainThread: goroutineID(),
	}
	registerFoundation(r)
	registerMetal(r)
	registerGraph(r)
	registerVariables(r)
	registerExecution(r)
	for _, name := range opts.MissingClasses {
		delete(r.classes, name)
	}
	return r
}

// NewDefault returns a runtime with DefaultOptions.
func NewDefault() *Runtime { return New(DefaultOptions()) }

func (r *Runtime) defineClass(name, super string) *class {
	c := &class{
		name:         name,
		methods:      make(map[string]method),
		classMethods: make(map[string]method),
		since:        make(map[string]string),
	}
	if super != "" {
		c.super = r.classes[super]
	}
	r.nextID += 0x10
	c.id = objc.ID(r.nextID)
	r.objects[c.id] = &object{id: c.id, class: c, meta: true, refs: 1}
	r.classes[name] = c
	return c
}

// newObject creates an instance with a reference count of one.
func (r *Runtime) newObject(className string, value any) objc.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.classes[className]
	if c == nil {
		panic("sim_bridge: undefined class " + className)
	}
	r.nextID += 0x10
	id := objc.ID(r.nextID)
	r.objects[id] = &object{id: id, class: c, refs: 1, value: value}
	return id
}

// newAutoreleased creates an instance and autoreleases it, the way +0
// factory methods and getters return fresh objects.
func (r *Runtime) newAutoreleased(className string, value any) objc.ID {
	return r.Autorelease(r.newObject(className, value))
}

func (r *Runtime) get(id objc.ID) *object {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.objects[id]
}

func (r *Runtime) violate(v Violation) {
	r.violations = append(r.violations, v)
	r.logger.Warn("simulated runtime violation",
		zap.String("kind", v.Kind), zap.Stringer("id", v.ID),
		zap.String("class", v.Class), zap.String("selector", v.Selector))
}

// Class implements objc.Runtime.
func (r *Runtime) Class(name string) objc.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.classes[name]; c != nil {
		return c.id
	}
	return objc.Nil
}

// RespondsTo implements objc.Runtime.
func (r *Runtime) RespondsTo(recv objc.ID, selector string) bool {
	o := r.get(recv)
	if o == nil || o.dead {
		return false
	}
	m, owner := o.class.lookup(selector, o.meta)
	return m != nil && r.selectorAvailable(owner, selector)
}

func (r *Runtime) selectorAvailable(c *class, selector string) bool {
	if c == nil {
		return false
	}
	need, ok := c.since[selector]
	if !ok {
		return true
	}
	return objc.Availability{r.opts.Platform: need}.Check(selector, r.opts.Platform, r.opts.OSVersion) == nil
}

// Send implements objc.Runtime.
func (r *Runtime) Send(recv objc.ID, selector string, args ...objc.Value) (objc.Value, error) {
	if recv.IsNil() {
		// Messages to nil return zero.
		return objc.Value{Kind: objc.KindObject}, nil
	}
	r.mu.Lock()
	o := r.objects[recv]
	if o == nil {
		r.violate(Violation{Kind: ViolationUnknownObject, ID: recv, Selector: selector})
		r.mu.Unlock()
		return objc.Value{}, exception("NSInvalidArgumentException", "message sent to unknown object %s", recv)
	}
	if o.dead {
		r.violate(Violation{Kind: ViolationZombieMessage, ID: recv, Class: o.class.name, Selector: selector})
		r.mu.Unlock()
		return objc.Value{}, exception("NSZombieException", "-[%s %s]: message sent to deallocated instance %s", o.class.name, selector, recv)
	}
	r.mu.Unlock()

	if strings.Count(selector, ":") != len(args) {
		return objc.Value{}, exception("NSInvalidArgumentException", "-[%s %s]: expected %d arguments, got %d",
			o.class.name, selector, strings.Count(selector, ":"), len(args))
	}
	m, owner := o.class.lookup(selector, o.meta)
	if m == nil || !r.selectorAvailable(owner, selector) {
		prefix := "-"
		if o.meta {
			prefix = "+"
		}
		return objc.Value{}, exception("NSInvalidArgumentException", "%s[%s %s]: unrecognized selector sent to instance %s",
			prefix, o.class.name, selector, recv)
	}
	return m(r, o, args)
}

// Retain implements objc.Runtime.
func (r *Runtime) Retain(id objc.ID) objc.ID {
	if id.IsNil() {
		return id
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.objects[id]
	switch {
	case o == nil:
		r.violate(Violation{Kind: ViolationUnknownObject, ID: id, Selector: "retain"})
	case o.dead:
		r.violate(Violation{Kind: ViolationZombieMessage, ID: id, Class: o.class.name, Selector: "retain"})
	case !o.meta:
		o.refs++
	}
	return id
}

// Release implements objc.Runtime.
func (r *Runtime) Release(id objc.ID) {
	if id.IsNil() {
		return
	}
	r.mu.Lock()
	o := r.objects[id]
	switch {
	case o == nil:
		r.violate(Violation{Kind: ViolationUnknownObject, ID: id, Selector: "release"})
		r.mu.Unlock()
		return
	case o.dead:
		r.violate(Violation{Kind: ViolationOverRelease, ID: id, Class: o.class.name, Selector: "release"})
		r.mu.Unlock()
		return
	case o.meta:
		r.mu.Unlock()
		return
	}
	o.refs--
	if o.refs > 0 {
		r.mu.Unlock()
		return
	}
	children := r.dealloc(o)
	r.mu.Unlock()
	for _, c := range children {
		r.Release(c)
	}
}

// dealloc marks o dead and returns the references it held. Called with mu held.
func (r *Runtime) dealloc(o *object) []objc.ID {
	if r.opts.Zombies {
		o.dead = true
	} else {
		delete(r.objects, o.id)
	}
	if owner, ok := o.value.(interface{ owned() []objc.ID }); ok {
		return owner.owned()
	}
	return nil
}

// Autorelease implements objc.Runtime.
func (r *Runtime) Autorelease(id objc.ID) objc.ID {
	if id.IsNil() {
		return id
	}
	gid := goroutineID()
	r.mu.Lock()
	defer r.mu.Unlock()
	stack := r.pools[gid]
	if len(stack) == 0 {
		cls := ""
		if o := r.objects[id]; o != nil {
			cls = o.class.name
		}
		r.violate(Violation{Kind: ViolationNoPool, ID: id, Class: cls, Selector: "autorelease"})
		return id
	}
	top := stack[len(stack)-1]
	top.objects = append(top.objects, id)
	return id
}

// RetainCount implements objc.Runtime.
func (r *Runtime) RetainCount(id objc.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o := r.objects[id]; o != nil && !o.dead {
		return o.refs
	}
	return 0
}

// PushPool implements objc.Runtime.
func (r *Runtime) PushPool() uintptr {
	gid := goroutineID()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPool++
	r.pools[gid] = append(r.pools[gid], &poolFrame{token: r.nextPool})
	return r.nextPool
}

// PopPool implements objc.Runtime.
func (r *Runtime) PopPool(token uintptr) {
	gid := goroutineID()
	r.mu.Lock()
	stack := r.pools[gid]
	idx := -1
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].token == token {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.violate(Violation{Kind: ViolationPoolOutOfOrder, Selector: "pop"})
		r.mu.Unlock()
		return
	}
	if idx != len(stack)-1 {
		r.violate(Violation{Kind: ViolationPoolOutOfOrder, Selector: "pop"})
	}
	var drain []objc.ID
	for i := len(stack) - 1; i >= idx; i-- {
		drain = append(drain, stack[i].objects...)
	}
	if idx == 0 {
		delete(r.pools, gid)
	} else {
		r.pools[gid] = stack[:idx]
	}
	r.mu.Unlock()
	for _, id := range drain {
		r.Release(id)
	}
}

type blockState struct {
	kind   objc.BlockKind
	handle uintptr
}

// NewBlock implements objc.Runtime.
func (r *Runtime) NewBlock(kind objc.BlockKind, handle uintptr) objc.ID {
	return r.newObject("__NSMallocBlock__", &blockState{kind: kind, handle: handle})
}

// invokeBlock calls a block the way native code would. Errors returned by
// the Go side are recorded and, for value-returning blocks, reported.
func (r *Runtime) invokeBlock(block objc.ID, args ...objc.ID) (objc.ID, error) {
	o := r.get(block)
	if o == nil || o.dead {
		r.mu.Lock()
		r.violate(Violation{Kind: ViolationZombieMessage, ID: block, Class: "__NSMallocBlock__", Selector: "invoke"})
		r.mu.Unlock()
		return objc.Nil, exception("NSZombieException", "block %s invoked after deallocation", block)
	}
	bs, ok := o.value.(*blockState)
	if !ok {
		return objc.Nil, exception("NSInvalidArgumentException", "%s is not a block", block)
	}
	if len(args) != bs.kind.Arity() {
		return objc.Nil, exception("NSInvalidArgumentException", "block expects %d arguments, got %d", bs.kind.Arity(), len(args))
	}
	id, err := objc.Dispatch(bs.handle, args)
	if err != nil {
		r.mu.Lock()
		r.callbacks = append(r.callbacks, err)
		r.mu.Unlock()
	}
	return id, err
}

// SystemDefaultDevice implements objc.Runtime.
func (r *Runtime) SystemDefaultDevice() objc.ID {
	if r.Class("MTLDevice").IsNil() {
		return objc.Nil
	}
	return r.newObject("MTLDevice", &deviceState{name: "Simulated Apple GPU"})
}

// ReadMemory implements objc.Runtime.
func (r *Runtime) ReadMemory(ptr uintptr, n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	for base, mem := range r.memory {
		if ptr >= base && ptr+uintptr(n) <= base+uintptr(len(mem)) {
			off := int(ptr - base)
			return append([]byte(nil), mem[off:off+n]...)
		}
	}
	return nil
}

// WriteMemory implements objc.Runtime. Writes outside a live allocation are
// dropped.
func (r *Runtime) WriteMemory(ptr uintptr, b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for base, mem := range r.memory {
		if ptr >= base && ptr+uintptr(len(b)) <= base+uintptr(len(mem)) {
			copy(mem[ptr-base:], b)
			return
		}
	}
}

// IsMainThread implements objc.Runtime.
func (r *Runtime) IsMainThread() bool { return goroutineID() == r.mainThread }

// CurrentThread implements objc.Runtime. Each goroutine is a thread.
func (r *Runtime) CurrentThread() uint64 { return goroutineID() }

// Platform implements objc.Runtime.
func (r *Runtime) Platform() objc.Platform { return r.opts.Platform }

// OSVersion implements objc.Runtime.
func (r *Runtime) OSVersion() string { return r.opts.OSVersion }

// Violations returns the memory-management errors detected so far.
func (r *Runtime) Violations() []Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Violation(nil), r.violations...)
}

// CallbackErrors returns the errors Go callbacks reported to native code.
func (r *Runtime) CallbackErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.callbacks...)
}

// Live returns the number of live instances of className, or of all
// instances when className is empty. Class objects are not counted.
func (r *Runtime) Live(className string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.objects {
		if o.meta || o.dead {
			continue
		}
		if className == "" || o.class.name == className {
			n++
		}
	}
	return n
}

// Wait blocks until every asynchronous completion has been delivered.
func (r *Runtime) Wait() { r.pending.Wait() }

// goroutineID parses the current goroutine's id from its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

func exception(name, format string, args ...any) error {
	return &objc.NativeError{Exception: name, Description: fmt.Sprintf(format, args...)}
}
