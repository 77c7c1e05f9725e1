package mpsgraph

import (
	"encoding/binary"
	"fmt"
	"math"

	"go.uber.org/multierr"

	"github.com/tsawler/go-mpsgraph/metal_bridge"
	"github.com/tsawler/go-mpsgraph/objc"
)

// TensorData is an MPSGraphTensorData: concrete values fed to, or returned
// by, a graph run.
type TensorData struct {
	handle
}

var (
	_ Shaped = (*TensorData)(nil)
	_ Typed  = (*TensorData)(nil)
)

// NewTensorData copies data, laid out row-major in dt, onto dev.
func NewTensorData(dev *Device, data []byte, shape Shape, dt DataType) (*TensorData, error) {
	if dev == nil {
		return nil, fmt.Errorf("mpsgraph: NewTensorData: %w", objc.ErrUnexpectedNil)
	}
	want, err := shape.byteSize(dt)
	if err != nil {
		return nil, err
	}
	if len(data) != want {
		return nil, fmt.Errorf("mpsgraph: %d bytes of data for shape %s of %s, need %d", len(data), shape, dt, want)
	}
	fw := dev.fw
	obj, err := fw.alloc(entry(classTensorData, "initWithDevice:data:shape:dataType:"), func(a *objc.Args) ([]objc.Value, error) {
		nsdata, err := objc.AllocInit(fw.rt, "NSData", "initWithBytes:length:", objc.Bytes(data), objc.Uint(uint64(len(data))))
		if err != nil {
			return nil, err
		}
		return []objc.Value{a.Object(dev), a.Keep(nsdata), shapeArg(a, shape), objc.Uint(uint64(dt))}, nil
	})
	if err != nil {
		return nil, err
	}
	return &TensorData{handle{fw, obj}}, nil
}

// NewTensorDataFloat32 copies values as Float32.
func NewTensorDataFloat32(dev *Device, values []float32, shape Shape) (*TensorData, error) {
	return NewTensorData(dev, float32Bytes(values), shape, Float32)
}

// NewTensorDataInt32 copies values as Int32.
func NewTensorDataInt32(dev *Device, values []int32, shape Shape) (*TensorData, error) {
	return NewTensorData(dev, int32Bytes(values), shape, Int32)
}

// NewTensorDataFromBuffer shares storage with buf instead of copying. Writes
// through either side are visible to the other.
func (fw *Framework) NewTensorDataFromBuffer(buf *metal_bridge.Buffer, shape Shape, dt DataType) (*TensorData, error) {
	if buf == nil {
		return nil, fmt.Errorf("mpsgraph: NewTensorDataFromBuffer: %w", objc.ErrUnexpectedNil)
	}
	want, err := shape.byteSize(dt)
	if err != nil {
		return nil, err
	}
	if buf.Length() < want {
		return nil, fmt.Errorf("mpsgraph: buffer of %d bytes is too small for shape %s of %s", buf.Length(), shape, dt)
	}
	obj, err := fw.alloc(entry(classTensorData, "initWithMTLBuffer:shape:dataType:"), func(a *objc.Args) ([]objc.Value, error) {
		return []objc.Value{a.Object(buf), shapeArg(a, shape), objc.Uint(uint64(dt))}, nil
	})
	if err != nil {
		return nil, err
	}
	return &TensorData{handle{fw, obj}}, nil
}

// Shape returns the shape of the data.
func (td *TensorData) Shape() (Shape, error) {
	return td.fw.shapeProperty(td, entry(classTensorData, "shape"))
}

// DataType returns the element type.
func (td *TensorData) DataType() (DataType, error) {
	return td.fw.dataTypeProperty(td, entry(classTensorData, "dataType"))
}

// Device returns the device the data was created on, nil for data that
// wraps a Metal buffer.
func (td *TensorData) Device() (*Device, error) {
	obj, err := td.fw.object(td, entry(classTensorData, "device"), nil)
	if err != nil || obj == nil {
		return nil, err
	}
	return &Device{handle{td.fw, obj}}, nil
}

func (td *TensorData) size() (int, error) {
	shape, err := td.Shape()
	if err != nil {
		return 0, err
	}
	dt, err := td.DataType()
	if err != nil {
		return 0, err
	}
	return shape.byteSize(dt)
}

// ndarray runs fn against the data's MPSNDArray view.
func (td *TensorData) ndarray(fn func(nd objc.ID) error) error {
	ep := entry(classTensorData, "mpsndarray")
	return td.fw.call(td, ep, nil, func(v objc.Value) error {
		if v.ID.IsNil() {
			return &objc.NilHandleError{Selector: ep.String()}
		}
		return fn(v.ID)
	})
}

// Bytes copies the data out in row-major order.
func (td *TensorData) Bytes() ([]byte, error) {
	n, err := td.size()
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	read := entry(classNDArray, "readBytes:strideBytes:")
	err = td.ndarray(func(nd objc.ID) error {
		_, err := td.fw.send(objc.ViewOf(nd), read, objc.OutBuffer(out), objc.Pointer(0))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write replaces the data with p, which must be exactly the data's size.
func (td *TensorData) Write(p []byte) error {
	n, err := td.size()
	if err != nil {
		return err
	}
	if len(p) != n {
		return fmt.Errorf("mpsgraph: writing %d bytes into tensor data of %d", len(p), n)
	}
	write := entry(classNDArray, "writeBytes:strideBytes:")
	return td.ndarray(func(nd objc.ID) error {
		_, err := td.fw.send(objc.ViewOf(nd), write, objc.Bytes(p), objc.Pointer(0))
		return err
	})
}

// Float32s reads Float32 data.
func (td *TensorData) Float32s() ([]float32, error) {
	if err := td.expect(Float32); err != nil {
		return nil, err
	}
	b, err := td.Bytes()
	if err != nil {
		return nil, err
	}
	return bytesFloat32(b), nil
}

// Int32s reads Int32 data.
func (td *TensorData) Int32s() ([]int32, error) {
	if err := td.expect(Int32); err != nil {
		return nil, err
	}
	b, err := td.Bytes()
	if err != nil {
		return nil, err
	}
	return bytesInt32(b), nil
}

// WriteFloat32s replaces Float32 data.
func (td *TensorData) WriteFloat32s(values []float32) error {
	if err := td.expect(Float32); err != nil {
		return err
	}
	return td.Write(float32Bytes(values))
}

func (td *TensorData) expect(want DataType) error {
	dt, err := td.DataType()
	if err != nil {
		return err
	}
	if dt != want {
		return fmt.Errorf("mpsgraph: tensor data is %s, not %s", dt, want)
	}
	return nil
}

func float32Bytes(values []float32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func int32Bytes(values []int32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(v))
	}
	return b
}

func bytesFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func bytesInt32(b []byte) []int32 {
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

// CloseTensorData closes every value in ds.
func CloseTensorData(ds []*TensorData) error {
	var err error
	for _, d := range ds {
		if d != nil {
			err = multierr.Append(err, d.Close())
		}
	}
	return err
}
