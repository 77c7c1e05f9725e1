package mpsgraph

import (
	"fmt"

	"github.com/tsawler/go-mpsgraph/metal_bridge"
	"github.com/tsawler/go-mpsgraph/objc"
)

// DeviceType mirrors MPSGraphDeviceType.
type DeviceType uint32

const DeviceTypeMetal DeviceType = 0

func (t DeviceType) String() string {
	if t == DeviceTypeMetal {
		return "metal"
	}
	return fmt.Sprintf("devicetype(%d)", uint32(t))
}

// Device is an MPSGraphDevice, the device graphs compile for and tensor
// data lives on.
type Device struct {
	handle
}

// NewDevice wraps a Metal device. The MPSGraphDevice keeps its own
// reference on mtl, so mtl may be closed afterwards.
func (fw *Framework) NewDevice(mtl *metal_bridge.Device) (*Device, error) {
	if mtl == nil {
		return nil, fmt.Errorf("mpsgraph: NewDevice: %w", objc.ErrUnexpectedNil)
	}
	obj, err := fw.object(nil, entry(classDevice, "deviceWithMTLDevice:"), func(a *objc.Args) ([]objc.Value, error) {
		return []objc.Value{a.Object(mtl)}, nil
	})
	if err != nil {
		return nil, err
	}
	return &Device{handle{fw, obj}}, nil
}

// DefaultDevice wraps the system default Metal device.
func (fw *Framework) DefaultDevice() (*Device, error) {
	mtl, err := metal_bridge.CreateSystemDefaultDevice(fw.rt)
	if err != nil {
		return nil, err
	}
	defer mtl.Close()
	return fw.NewDevice(mtl)
}

// MetalDevice returns a new handle on the underlying Metal device.
func (d *Device) MetalDevice() (*metal_bridge.Device, error) {
	var mtl *metal_bridge.Device
	ep := entry(classDevice, "metalDevice")
	err := d.fw.call(d, ep, nil, func(v objc.Value) error {
		if v.ID.IsNil() {
			return &objc.NilHandleError{Selector: ep.String()}
		}
		var err error
		mtl, err = metal_bridge.DeviceFromID(d.rt(), v.ID)
		return err
	})
	return mtl, err
}

// Type returns the device type.
func (d *Device) Type() (DeviceType, error) {
	var t DeviceType
	err := d.fw.call(d, entry(classDevice, "type"), nil, func(v objc.Value) error {
		t = DeviceType(v.Uint)
		return nil
	})
	return t, err
}

// ShapedType is an MPSGraphShapedType: a shape and element type used to
// describe compile-time inputs.
type ShapedType struct {
	handle
}

var (
	_ Shaped = (*ShapedType)(nil)
	_ Typed  = (*ShapedType)(nil)
)

// NewShapedType returns a shaped type. A nil shape is unranked.
func (fw *Framework) NewShapedType(shape Shape, dt DataType) (*ShapedType, error) {
	obj, err := fw.alloc(entry(classShapedType, "initWithShape:dataType:"), func(a *objc.Args) ([]objc.Value, error) {
		return []objc.Value{shapeArg(a, shape), objc.Uint(uint64(dt))}, nil
	})
	if err != nil {
		return nil, err
	}
	return &ShapedType{handle{fw, obj}}, nil
}

// Shape returns the shape, nil when unranked.
func (st *ShapedType) Shape() (Shape, error) {
	return st.fw.shapeProperty(st, entry(classShapedType, "shape"))
}

// DataType returns the element type.
func (st *ShapedType) DataType() (DataType, error) {
	return st.fw.dataTypeProperty(st, entry(classShapedType, "dataType"))
}

// SetShape replaces the shape.
func (st *ShapedType) SetShape(shape Shape) error {
	return st.fw.call(st, entry(classShapedType, "setShape:"), func(a *objc.Args) ([]objc.Value, error) {
		return []objc.Value{shapeArg(a, shape)}, nil
	}, nil)
}

// SetDataType replaces the element type.
func (st *ShapedType) SetDataType(dt DataType) error {
	return st.fw.call(st, entry(classShapedType, "setDataType:"), func(*objc.Args) ([]objc.Value, error) {
		return []objc.Value{objc.Uint(uint64(dt))}, nil
	}, nil)
}
