package mpsgraph

import (
	"fmt"
	"strings"
)

// DataType mirrors MPSDataType: the low 16 bits hold the element width in
// bits and the high bits describe the encoding.
type DataType uint32

const (
	dataTypeFloatBit      DataType = 0x10000000
	dataTypeSignedBit     DataType = 0x20000000
	dataTypeComplexBit    DataType = 0x01000000
	dataTypeNormalizedBit DataType = 0x40000000
	dataTypeAlternateBit  DataType = 0x80000000
	dataTypeBitsMask      DataType = 0xffff
)

const (
	Invalid DataType = 0

	Float32 = dataTypeFloatBit | 32
	Float16 = dataTypeFloatBit | 16
	// BFloat16 is the alternate encoding of Float16.
	BFloat16 = dataTypeAlternateBit | Float16

	ComplexFloat32 = dataTypeFloatBit | dataTypeComplexBit | 64
	ComplexFloat16 = dataTypeFloatBit | dataTypeComplexBit | 32

	Int4  = dataTypeSignedBit | 4
	Int8  = dataTypeSignedBit | 8
	Int16 = dataTypeSignedBit | 16
	Int32 = dataTypeSignedBit | 32
	Int64 = dataTypeSignedBit | 64

	UInt4  DataType = 4
	UInt8  DataType = 8
	UInt16 DataType = 16
	UInt32 DataType = 32
	UInt64 DataType = 64

	// Bool is the alternate encoding of UInt8.
	Bool = dataTypeAlternateBit | UInt8

	Unorm1 = dataTypeNormalizedBit | 1
	Unorm8 = dataTypeNormalizedBit | 8
)

var dataTypeNames = map[DataType]string{
	Invalid:        "invalid",
	Float32:        "float32",
	Float16:        "float16",
	BFloat16:       "bfloat16",
	ComplexFloat32: "complex64",
	ComplexFloat16: "complex32",
	Int4:           "int4",
	Int8:           "int8",
	Int16:          "int16",
	Int32:          "int32",
	Int64:          "int64",
	UInt4:          "uint4",
	UInt8:          "uint8",
	UInt16:         "uint16",
	UInt32:         "uint32",
	UInt64:         "uint64",
	Bool:           "bool",
	Unorm1:         "unorm1",
	Unorm8:         "unorm8",
}

func (dt DataType) String() string {
	if name, ok := dataTypeNames[dt]; ok {
		return name
	}
	return fmt.Sprintf("datatype(0x%08x)", uint32(dt))
}

// ParseDataType accepts the names String produces.
func ParseDataType(name string) (DataType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for dt, n := range dataTypeNames {
		if n == name && dt != Invalid {
			return dt, nil
		}
	}
	return Invalid, fmt.Errorf("mpsgraph: unknown data type %q", name)
}

// Bits is the element width in bits.
func (dt DataType) Bits() int { return int(dt & dataTypeBitsMask) }

// Size is the element width in bytes, rounded up.
func (dt DataType) Size() int { return (dt.Bits() + 7) / 8 }

func (dt DataType) IsFloat() bool      { return dt&dataTypeFloatBit != 0 }
func (dt DataType) IsComplex() bool    { return dt&dataTypeComplexBit != 0 }
func (dt DataType) IsSigned() bool     { return dt&dataTypeSignedBit != 0 }
func (dt DataType) IsNormalized() bool { return dt&dataTypeNormalizedBit != 0 }

// IsInteger reports whether dt is a plain signed or unsigned integer.
func (dt DataType) IsInteger() bool {
	return dt != Invalid && dt&(dataTypeFloatBit|dataTypeNormalizedBit|dataTypeAlternateBit) == 0
}

// Valid reports whether dt is one of the known encodings.
func (dt DataType) Valid() bool {
	_, ok := dataTypeNames[dt]
	return ok && dt != Invalid
}
