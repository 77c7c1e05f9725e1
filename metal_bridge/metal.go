package metal_bridge

import (
	"fmt"

	"github.com/tsawler/go-mpsgraph/objc"
)

// ResourceOptions mirrors MTLResourceOptions.
type ResourceOptions uint64

// Resource storage mode constants
const (
	ResourceStorageModeShared  ResourceOptions = 0 << 4
	ResourceStorageModeManaged ResourceOptions = 1 << 4
	ResourceStorageModePrivate ResourceOptions = 2 << 4
)

// Wrapper struct for MTLDevice
type Device struct {
	obj *objc.Object
}

// CreateSystemDefaultDevice returns the default Metal device. The native
// function follows the Create rule, so the result is adopted as +1.
func CreateSystemDefaultDevice(rt objc.Runtime) (*Device, error) {
	if rt == nil {
		return nil, objc.ErrNoRuntime
	}
	const fn = "MTLCreateSystemDefaultDevice"
	obj, err := objc.Take(rt, fn, objc.Classify(fn), rt.SystemDefaultDevice(), false)
	if err != nil {
		return nil, fmt.Errorf("metal_bridge: no default device: %w", err)
	}
	return &Device{obj: obj}, nil
}

// DeviceFromID retains a borrowed MTLDevice pointer.
func DeviceFromID(rt objc.Runtime, id objc.ID) (*Device, error) {
	obj, err := objc.RetainBorrowed(rt, id)
	if err != nil {
		return nil, err
	}
	return &Device{obj: obj}, nil
}

func (d *Device) Runtime() objc.Runtime { return d.obj.Runtime() }
func (d *Device) View() objc.View       { return d.obj.View() }
func (d *Device) Close() error          { return d.obj.Close() }

// Name returns the device name.
func (d *Device) Name() (string, error) {
	var name string
	err := objc.WithAutoreleasePool(d.Runtime(), func() error {
		v, err := d.obj.Send("name")
		if err != nil {
			return err
		}
		name, err = objc.StringValue(d.Runtime(), v.ID)
		return err
	})
	return name, err
}

func (d *Device) uintProperty(selector string) (uint64, error) {
	v, err := d.obj.Send(selector)
	if err != nil {
		return 0, err
	}
	return v.Uint, nil
}

// RegistryID returns the IORegistry identifier of the device.
func (d *Device) RegistryID() (uint64, error) { return d.uintProperty("registryID") }

// MaxBufferLength is the largest buffer the device can allocate.
func (d *Device) MaxBufferLength() (uint64, error) { return d.uintProperty("maxBufferLength") }

func (d *Device) RecommendedMaxWorkingSetSize() (uint64, error) {
	return d.uintProperty("recommendedMaxWorkingSetSize")
}

func (d *Device) HasUnifiedMemory() (bool, error) {
	v, err := d.obj.Send("hasUnifiedMemory")
	if err != nil {
		return false, err
	}
	return v.Bool, nil
}

// Wrapper struct for MTLCommandQueue
type CommandQueue struct {
	obj *objc.Object
}

// NewCommandQueue creates a serial command queue on the device.
func (d *Device) NewCommandQueue() (*CommandQueue, error) {
	const sel = "newCommandQueue"
	v, err := d.obj.Send(sel)
	if err != nil {
		return nil, err
	}
	obj, err := objc.Take(d.Runtime(), sel, objc.Classify(sel), v.ID, false)
	if err != nil {
		return nil, fmt.Errorf("metal_bridge: failed to create command queue: %w", err)
	}
	return &CommandQueue{obj: obj}, nil
}

func (q *CommandQueue) Runtime() objc.Runtime { return q.obj.Runtime() }
func (q *CommandQueue) View() objc.View       { return q.obj.View() }
func (q *CommandQueue) Close() error          { return q.obj.Close() }

// Device returns a new handle on the queue's device.
func (q *CommandQueue) Device() (*Device, error) {
	v, err := q.obj.Send("device")
	if err != nil {
		return nil, err
	}
	return DeviceFromID(q.Runtime(), v.ID)
}

// CommandBuffer returns a new MTLCommandBuffer. The buffer is confined to the
// calling thread.
func (q *CommandQueue) CommandBuffer() (*CommandBuffer, error) {
	return q.commandBuffer(func() (objc.Value, error) { return q.obj.Send("commandBuffer") }, "commandBuffer", false)
}

// MPSCommandBuffer returns an MPSCommandBuffer on the queue, which supports
// commitAndContinue. MPSGraph encodes into this kind of buffer.
func (q *CommandQueue) MPSCommandBuffer() (*CommandBuffer, error) {
	const sel = "commandBufferFromCommandQueue:"
	rt := q.Runtime()
	cls := rt.Class("MPSCommandBuffer")
	if cls.IsNil() {
		return nil, &objc.UnsupportedError{Selector: "MPSCommandBuffer " + sel, Platform: rt.Platform(), Have: rt.OSVersion()}
	}
	return q.commandBuffer(func() (objc.Value, error) {
		id, err := q.obj.ID()
		if err != nil {
			return objc.Value{}, err
		}
		return rt.Send(cls, sel, objc.Obj(id))
	}, sel, true)
}

func (q *CommandQueue) commandBuffer(send func() (objc.Value, error), sel string, mps bool) (*CommandBuffer, error) {
	rt := q.Runtime()
	var cb *CommandBuffer
	err := objc.WithAutoreleasePool(rt, func() error {
		v, err := send()
		if err != nil {
			return err
		}
		obj, err := objc.Take(rt, sel, objc.Classify(sel), v.ID, false)
		if err != nil {
			return err
		}
		cb = &CommandBuffer{obj: obj, mps: mps, affinity: objc.ConfineToCurrentThread(rt, "command buffer")}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("metal_bridge: failed to create command buffer: %w", err)
	}
	return cb, nil
}
