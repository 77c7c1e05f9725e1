package sim_bridge

import (
	"github.com/tsawler/go-mpsgraph/objc"
)

// Command buffer status values, matching MTLCommandBufferStatus.
const (
	statusNotEnqueued uint64 = iota
	statusEnqueued
	statusCommitted
	statusScheduled
	statusCompleted
	statusError
)

type deviceState struct {
	name string
}

type queueState struct {
	device objc.ID
}

func (s *queueState) owned() []objc.ID { return []objc.ID{s.device} }

type bufferState struct {
	device objc.ID
	base   uintptr
	length int
}

func (s *bufferState) owned() []objc.ID { return []objc.ID{s.device} }

type commandBufferState struct {
	queue  objc.ID
	status uint64
	err    objc.ID
	work   []func() error
}

func (s *commandBufferState) owned() []objc.ID { return []objc.ID{s.queue, s.err} }

type graphDeviceState struct {
	mtl objc.ID
}

func (s *graphDeviceState) owned() []objc.ID { return []objc.ID{s.mtl} }

// allocMemory reserves a zeroed native allocation.
func (r *Runtime) allocMemory(n int, init []byte) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	var base uintptr = 0x7000_0000
	for b, mem := range r.memory {
		if end := b + uintptr(len(mem)); end > base {
			base = end
		}
	}
	base = (base + 0xfff) &^ 0xfff
	mem := make([]byte, n)
	copy(mem, init)
	r.memory[base] = mem
	return base
}

func (r *Runtime) newBuffer(device objc.ID, n int, init []byte) objc.ID {
	base := r.allocMemory(n, init)
	r.Retain(device)
	return r.newObject("MTLBuffer", &bufferState{device: device, base: base, length: n})
}

func (r *Runtime) bufferBytes(buf objc.ID) ([]byte, error) {
	bs, err := stateOf[*bufferState](r, buf)
	if err != nil {
		return nil, err
	}
	return r.ReadMemory(bs.base, bs.length), nil
}

func registerMetal(r *Runtime) {
	dev := r.defineClass("MTLDevice", "NSObject")
	dev.methods["name"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		ds, err := stateOf[*deviceState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.newString(ds.name))
	}
	dev.methods["registryID"] = func(_ *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		return uintv(uint64(self.id))
	}
	dev.methods["hasUnifiedMemory"] = func(*Runtime, *object, []objc.Value) (objc.Value, error) {
		return boolv(true)
	}
	dev.methods["maxBufferLength"] = func(*Runtime, *object, []objc.Value) (objc.Value, error) {
		return uintv(1 << 30)
	}
	dev.methods["recommendedMaxWorkingSetSize"] = func(*Runtime, *object, []objc.Value) (objc.Value, error) {
		return uintv(8 << 30)
	}
	dev.methods["newCommandQueue"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		r.Retain(self.id)
		return obj(r.newObject("MTLCommandQueue", &queueState{device: self.id}))
	}
	dev.methods["newBufferWithLength:options:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		if args[0].Uint == 0 || args[0].Uint > 1<<30 {
			return obj(objc.Nil)
		}
		return obj(r.newBuffer(self.id, int(args[0].Uint), nil))
	}
	dev.methods["newBufferWithBytes:length:options:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		n := args[1].Uint
		if n == 0 || n > 1<<30 || uint64(len(args[0].Bytes)) < n {
			return obj(objc.Nil)
		}
		return obj(r.newBuffer(self.id, int(n), args[0].Bytes[:n]))
	}

	buf := r.defineClass("MTLBuffer", "NSObject")
	buf.methods["contents"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		bs, err := stateOf[*bufferState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return objc.Pointer(bs.base), nil
	}
	buf.methods["length"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		bs, err := stateOf[*bufferState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return uintv(uint64(bs.length))
	}
	buf.methods["device"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		bs, err := stateOf[*bufferState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(bs.device)
	}

	queue := r.defineClass("MTLCommandQueue", "NSObject")
	queue.methods["device"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		qs, err := stateOf[*queueState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(qs.device)
	}
	queue.methods["commandBuffer"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		r.Retain(self.id)
		return obj(r.newAutoreleased("MTLCommandBuffer", &commandBufferState{queue: self.id}))
	}

	cb := r.defineClass("MTLCommandBuffer", "NSObject")
	cb.methods["commit"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		return void2(r.commitCommandBuffer(self.id, false))
	}
	cb.methods["waitUntilCompleted"] = func(*Runtime, *object, []objc.Value) (objc.Value, error) {
		return void()
	}
	cb.methods["status"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		cs, err := stateOf[*commandBufferState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		return uintv(cs.status)
	}
	cb.methods["error"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		cs, err := stateOf[*commandBufferState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		return obj(cs.err)
	}

	mcb := r.defineClass("MPSCommandBuffer", "MTLCommandBuffer")
	mcb.classMethods["commandBufferFromCommandQueue:"] = func(r *Runtime, _ *object, args []objc.Value) (objc.Value, error) {
		if _, err := stateOf[*queueState](r, args[0].ID); err != nil {
			return objc.Value{}, err
		}
		r.Retain(args[0].ID)
		return obj(r.newAutoreleased("MPSCommandBuffer", &commandBufferState{queue: args[0].ID}))
	}
	mcb.methods["commitAndContinue"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		return void2(r.commitCommandBuffer(self.id, true))
	}

	gdev := r.defineClass("MPSGraphDevice", "NSObject")
	gdev.classMethods["deviceWithMTLDevice:"] = func(r *Runtime, _ *object, args []objc.Value) (objc.Value, error) {
		if _, err := stateOf[*deviceState](r, args[0].ID); err != nil {
			return objc.Value{}, err
		}
		r.Retain(args[0].ID)
		return obj(r.newAutoreleased("MPSGraphDevice", &graphDeviceState{mtl: args[0].ID}))
	}
	gdev.methods["type"] = func(*Runtime, *object, []objc.Value) (objc.Value, error) {
		return uintv(0)
	}
	gdev.methods["metalDevice"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		gs, err := stateOf[*graphDeviceState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(gs.mtl)
	}
}

// commitCommandBuffer runs the work encoded so far. With keepOpen the buffer
// accepts further encoding, as commitAndContinue does.
func (r *Runtime) commitCommandBuffer(id objc.ID, keepOpen bool) error {
	cs, err := stateOf[*commandBufferState](r, id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if cs.status >= statusCommitted && !keepOpen {
		r.mu.Unlock()
		return exception("NSInternalInconsistencyException", "commit an already committed command buffer")
	}
	work := cs.work
	cs.work = nil
	cs.status = statusCommitted
	r.mu.Unlock()

	var failure error
	for _, w := range work {
		if err := w(); err != nil {
			failure = err
			break
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case failure != nil:
		cs.status = statusError
		r.nextID += 0x10
		errID := objc.ID(r.nextID)
		r.objects[errID] = &object{id: errID, class: r.classes["NSError"], refs: 1,
			value: &errorState{domain: "MTLCommandBufferErrorDomain", code: 1, desc: failure.Error()}}
		cs.err = errID
	case keepOpen:
		cs.status = statusNotEnqueued
	default:
		cs.status = statusCompleted
	}
	return nil
}

func void2(err error) (objc.Value, error) {
	if err != nil {
		return objc.Value{}, err
	}
	return void()
}
