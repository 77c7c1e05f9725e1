//go:build darwin && cgo

// Package cgo_bridge implements objc.Runtime over the Objective-C runtime
// with a thin shim that performs NSInvocation based message sends.
package cgo_bridge

/*
#cgo CFLAGS: -x objective-c -fno-objc-arc -fblocks
#cgo LDFLAGS: -framework Metal -framework MetalPerformanceShaders -framework MetalPerformanceShadersGraph -framework Foundation -framework CoreFoundation
#include <stdlib.h>
#include "bridge.h"
*/
import "C"
import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/tsawler/go-mpsgraph/objc"
)

// Runtime is the native objc.Runtime. It holds no object state; every
// reference count lives on the native side.
type Runtime struct {
	once     sync.Once
	platform objc.Platform
	version  string
}

var _ objc.Runtime = (*Runtime)(nil)

// New returns the native runtime. It fails when the MPSGraph framework is
// not loaded in this process.
func New() (*Runtime, error) {
	r := &Runtime{}
	if r.Class("MPSGraph").IsNil() {
		return nil, fmt.Errorf("cgo_bridge: MetalPerformanceShadersGraph not available: %w", objc.ErrNoRuntime)
	}
	return r, nil
}

// Load returns the native runtime as an objc.Runtime.
func Load() (objc.Runtime, error) {
	r, err := New()
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) Class(name string) objc.ID {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return objc.ID(C.mpsg_class(cname))
}

func (r *Runtime) RespondsTo(recv objc.ID, selector string) bool {
	csel := C.CString(selector)
	defer C.free(unsafe.Pointer(csel))
	return C.mpsg_responds(C.uintptr_t(recv), csel) != 0
}

// Send marshals args into C values, performs the send and converts the
// result back. Out buffers are copied back into their Go slices.
func (r *Runtime) Send(recv objc.ID, selector string, args ...objc.Value) (objc.Value, error) {
	if recv.IsNil() {
		return objc.Value{}, nil
	}
	csel := C.CString(selector)
	defer C.free(unsafe.Pointer(csel))

	var allocs []unsafe.Pointer
	defer func() {
		for _, p := range allocs {
			C.free(p)
		}
	}()

	var cargs *C.mpsg_value_t
	if len(args) > 0 {
		cargs = (*C.mpsg_value_t)(C.calloc(C.size_t(len(args)), C.size_t(unsafe.Sizeof(C.mpsg_value_t{}))))
		allocs = append(allocs, unsafe.Pointer(cargs))
	}
	slots := unsafe.Slice(cargs, len(args))
	for i, a := range args {
		p := toC(&slots[i], a)
		if p != nil {
			allocs = append(allocs, p)
		}
	}

	var ret C.mpsg_value_t
	var exc C.mpsg_exception_t
	ok := C.mpsg_send(C.uintptr_t(recv), csel, cargs, C.int(len(args)), &ret, &exc)

	for i, a := range args {
		if a.Kind == objc.KindBuffer && len(a.Bytes) > 0 {
			copy(a.Bytes, unsafe.Slice((*byte)(slots[i].bytes), len(a.Bytes)))
		}
	}
	if ok == 0 {
		ne := &objc.NativeError{
			Selector:    selector,
			Exception:   C.GoString(&exc.name[0]),
			Description: C.GoString(&exc.reason[0]),
		}
		objc.Logger().Debug("native exception", zap.String("selector", selector), zap.String("exception", ne.Exception))
		return objc.Value{}, ne
	}
	return fromC(&ret), nil
}

// toC fills slot from v and returns any C allocation the caller must free.
func toC(slot *C.mpsg_value_t, v objc.Value) unsafe.Pointer {
	slot.kind = C.uint8_t(v.Kind)
	switch v.Kind {
	case objc.KindObject:
		slot.obj = C.uintptr_t(v.ID)
	case objc.KindPointer:
		slot.obj = C.uintptr_t(v.Ptr)
	case objc.KindInt:
		slot.i = C.int64_t(v.Int)
	case objc.KindUint:
		slot.u = C.uint64_t(v.Uint)
	case objc.KindFloat, objc.KindDouble:
		slot.f = C.double(v.Float)
	case objc.KindBool:
		if v.Bool {
			slot.u = 1
		}
	case objc.KindString:
		p := C.CString(v.Str)
		slot.bytes = unsafe.Pointer(p)
		slot.len = C.uint64_t(len(v.Str))
		return unsafe.Pointer(p)
	case objc.KindBytes:
		if len(v.Bytes) == 0 {
			return nil
		}
		p := C.CBytes(v.Bytes)
		slot.bytes = p
		slot.len = C.uint64_t(len(v.Bytes))
		return p
	case objc.KindBuffer:
		if len(v.Bytes) == 0 {
			return nil
		}
		p := C.calloc(C.size_t(len(v.Bytes)), 1)
		slot.bytes = p
		slot.len = C.uint64_t(len(v.Bytes))
		return p
	case objc.KindObjects:
		if len(v.Objects) == 0 {
			return nil
		}
		p := C.calloc(C.size_t(len(v.Objects)), C.size_t(unsafe.Sizeof(C.uintptr_t(0))))
		dst := unsafe.Slice((*C.uintptr_t)(p), len(v.Objects))
		for i, id := range v.Objects {
			dst[i] = C.uintptr_t(id)
		}
		slot.bytes = p
		slot.len = C.uint64_t(len(v.Objects))
		return p
	}
	return nil
}

func fromC(ret *C.mpsg_value_t) objc.Value {
	kind := objc.Kind(ret.kind)
	switch kind {
	case objc.KindObject:
		return objc.Obj(objc.ID(ret.obj))
	case objc.KindPointer:
		return objc.Pointer(uintptr(ret.obj))
	case objc.KindInt:
		return objc.Value{Kind: kind, Int: int64(ret.i), Uint: uint64(ret.u)}
	case objc.KindUint:
		return objc.Value{Kind: kind, Uint: uint64(ret.u), Int: int64(ret.i)}
	case objc.KindFloat:
		return objc.Value{Kind: kind, Float: float64(ret.f)}
	case objc.KindDouble:
		return objc.Double(float64(ret.f))
	case objc.KindBool:
		return objc.Value{Kind: kind, Bool: ret.u != 0, Int: int64(ret.i), Uint: uint64(ret.u)}
	case objc.KindString:
		if ret.bytes == nil {
			return objc.Value{Kind: kind}
		}
		return objc.CString(C.GoStringN((*C.char)(ret.bytes), C.int(ret.len)))
	}
	return objc.Value{}
}

func (r *Runtime) Retain(id objc.ID) objc.ID {
	return objc.ID(C.mpsg_retain(C.uintptr_t(id)))
}

func (r *Runtime) Release(id objc.ID) { C.mpsg_release(C.uintptr_t(id)) }

func (r *Runtime) Autorelease(id objc.ID) objc.ID {
	return objc.ID(C.mpsg_autorelease(C.uintptr_t(id)))
}

func (r *Runtime) RetainCount(id objc.ID) int {
	return int(C.mpsg_retain_count(C.uintptr_t(id)))
}

// PushPool pins the goroutine to its OS thread until the matching PopPool,
// since autorelease pools are per-thread.
func (r *Runtime) PushPool() uintptr {
	runtime.LockOSThread()
	return uintptr(C.mpsg_pool_push())
}

func (r *Runtime) PopPool(token uintptr) {
	C.mpsg_pool_pop(C.uintptr_t(token))
	runtime.UnlockOSThread()
}

func (r *Runtime) NewBlock(kind objc.BlockKind, handle uintptr) objc.ID {
	return objc.ID(C.mpsg_new_block(C.uint8_t(kind), C.uintptr_t(handle)))
}

func (r *Runtime) SystemDefaultDevice() objc.ID {
	return objc.ID(C.mpsg_default_device())
}

func (r *Runtime) ReadMemory(ptr uintptr, n int) []byte {
	if ptr == 0 || n <= 0 {
		return nil
	}
	out := make([]byte, n)
	C.mpsg_read(C.uintptr_t(ptr), unsafe.Pointer(&out[0]), C.size_t(n))
	return out
}

func (r *Runtime) WriteMemory(ptr uintptr, b []byte) {
	if ptr == 0 || len(b) == 0 {
		return
	}
	C.mpsg_write(C.uintptr_t(ptr), unsafe.Pointer(&b[0]), C.size_t(len(b)))
}

func (r *Runtime) IsMainThread() bool { return C.mpsg_is_main_thread() != 0 }

func (r *Runtime) CurrentThread() uint64 { return uint64(C.mpsg_thread_id()) }

func (r *Runtime) Platform() objc.Platform {
	r.load()
	return r.platform
}

func (r *Runtime) OSVersion() string {
	r.load()
	return r.version
}

func (r *Runtime) load() {
	r.once.Do(func() {
		var major, minor, patch C.long
		C.mpsg_os_version(&major, &minor, &patch)
		r.version = fmt.Sprintf("%d.%d.%d", major, minor, patch)
		r.platform = objc.Platform(C.GoString(C.mpsg_platform()))
	})
}

//export goTrampolineInvoke
func goTrampolineInvoke(handle C.uintptr_t, a0, a1 C.uintptr_t, n C.int) C.uintptr_t {
	args := []objc.ID{objc.ID(a0), objc.ID(a1)}[:int(n)]
	id, err := objc.Dispatch(uintptr(handle), args)
	if err != nil {
		objc.Logger().Warn("native callback failed", zap.Uint64("handle", uint64(handle)), zap.Error(err))
		return 0
	}
	return C.uintptr_t(id)
}
