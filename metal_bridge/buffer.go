package metal_bridge

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tsawler/go-mpsgraph/objc"
)

// Wrapper struct for MTLBuffer
type Buffer struct {
	obj      *objc.Object
	length   int
	contents uintptr // 0 for private storage
}

// CreateBufferWithLength allocates a zero-filled buffer.
func (d *Device) CreateBufferWithLength(length int, options ResourceOptions) (*Buffer, error) {
	if length <= 0 {
		return nil, fmt.Errorf("metal_bridge: buffer length must be positive, got %d", length)
	}
	const sel = "newBufferWithLength:options:"
	v, err := d.obj.Send(sel, objc.Uint(uint64(length)), objc.Uint(uint64(options)))
	if err != nil {
		return nil, err
	}
	return d.adoptBuffer(sel, v.ID, length)
}

// CreateBufferWithBytes allocates a buffer holding a copy of data, which is
// one of []float32, []int32, []uint32 or []byte.
func (d *Device) CreateBufferWithBytes(data any, options ResourceOptions) (*Buffer, error) {
	var raw []byte
	switch v := data.(type) {
	case []float32:
		raw = make([]byte, 4*len(v))
		for i, f := range v {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(f))
		}
	case []int32:
		raw = make([]byte, 4*len(v))
		for i, n := range v {
			binary.LittleEndian.PutUint32(raw[4*i:], uint32(n))
		}
	case []uint32:
		raw = make([]byte, 4*len(v))
		for i, n := range v {
			binary.LittleEndian.PutUint32(raw[4*i:], n)
		}
	case []byte:
		raw = v
	default:
		return nil, fmt.Errorf("metal_bridge: unsupported buffer data type %T", data)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("metal_bridge: data slice cannot be empty")
	}
	const sel = "newBufferWithBytes:length:options:"
	v, err := d.obj.Send(sel, objc.Bytes(raw), objc.Uint(uint64(len(raw))), objc.Uint(uint64(options)))
	if err != nil {
		return nil, err
	}
	return d.adoptBuffer(sel, v.ID, len(raw))
}

func (d *Device) adoptBuffer(sel string, id objc.ID, length int) (*Buffer, error) {
	obj, err := objc.Take(d.Runtime(), sel, objc.Classify(sel), id, false)
	if err != nil {
		return nil, fmt.Errorf("metal_bridge: failed to create Metal buffer of %d bytes: %w", length, err)
	}
	c, err := obj.Send("contents")
	if err != nil {
		obj.Close()
		return nil, err
	}
	return &Buffer{obj: obj, length: length, contents: c.Ptr}, nil
}

func (b *Buffer) Runtime() objc.Runtime { return b.obj.Runtime() }
func (b *Buffer) View() objc.View       { return b.obj.View() }
func (b *Buffer) Close() error          { return b.obj.Close() }

// Contents returns the CPU address of the buffer, 0 for private storage.
func (b *Buffer) Contents() uintptr { return b.contents }

// Length returns the buffer length in bytes.
func (b *Buffer) Length() int { return b.length }

func (b *Buffer) checkRange(offset, n int) error {
	if _, err := b.obj.ID(); err != nil {
		return err
	}
	if b.contents == 0 {
		return fmt.Errorf("metal_bridge: buffer has no CPU-visible contents")
	}
	if offset < 0 || n < 0 || offset+n > b.length {
		return fmt.Errorf("metal_bridge: range [%d, %d) outside buffer of %d bytes", offset, offset+n, b.length)
	}
	return nil
}

// Read copies n bytes starting at offset out of the buffer.
func (b *Buffer) Read(offset, n int) ([]byte, error) {
	if err := b.checkRange(offset, n); err != nil {
		return nil, err
	}
	return b.Runtime().ReadMemory(b.contents+uintptr(offset), n), nil
}

// Write copies p into the buffer at offset.
func (b *Buffer) Write(offset int, p []byte) error {
	if err := b.checkRange(offset, len(p)); err != nil {
		return err
	}
	b.Runtime().WriteMemory(b.contents+uintptr(offset), p)
	return nil
}

// Bytes returns a copy of the whole buffer.
func (b *Buffer) Bytes() ([]byte, error) { return b.Read(0, b.length) }

// ContentsAsFloat32 decodes the buffer as little-endian float32 values.
func (b *Buffer) ContentsAsFloat32() ([]float32, error) {
	raw, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

// ContentsAsInt32 decodes the buffer as little-endian int32 values.
func (b *Buffer) ContentsAsInt32() ([]int32, error) {
	raw, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(raw)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

// Zero clears the buffer.
func (b *Buffer) Zero() error {
	return b.Write(0, make([]byte, b.length))
}
