package mpsgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataTypeEncoding(t *testing.T) {
	cases := []struct {
		dt                     DataType
		bits, size             int
		float, signed, integer bool
	}{
		{Float32, 32, 4, true, false, false},
		{Float16, 16, 2, true, false, false},
		{BFloat16, 16, 2, true, false, false},
		{Int4, 4, 1, false, true, true},
		{Int32, 32, 4, false, true, true},
		{UInt8, 8, 1, false, false, true},
		{Bool, 8, 1, false, false, false},
		{Unorm8, 8, 1, false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.dt.String(), func(t *testing.T) {
			assert.Equal(t, tc.bits, tc.dt.Bits())
			assert.Equal(t, tc.size, tc.dt.Size())
			assert.Equal(t, tc.float, tc.dt.IsFloat())
			assert.Equal(t, tc.signed, tc.dt.IsSigned())
			assert.Equal(t, tc.integer, tc.dt.IsInteger())
			assert.True(t, tc.dt.Valid())
		})
	}
	assert.Equal(t, DataType(0x10000020), Float32)
	assert.Equal(t, DataType(0x80000008), Bool)
	assert.True(t, ComplexFloat32.IsComplex())
	assert.False(t, Invalid.Valid())
	assert.Equal(t, "datatype(0x00000003)", DataType(3).String())
}

func TestParseDataType(t *testing.T) {
	for dt, name := range dataTypeNames {
		if dt == Invalid {
			continue
		}
		got, err := ParseDataType(name)
		require.NoError(t, err)
		assert.Equal(t, dt, got)
	}
	got, err := ParseDataType(" Float32 ")
	require.NoError(t, err)
	assert.Equal(t, Float32, got)

	_, err = ParseDataType("invalid")
	assert.Error(t, err)
	_, err = ParseDataType("double")
	assert.Error(t, err)
}

func TestShape(t *testing.T) {
	var unranked Shape
	assert.False(t, unranked.Ranked())
	assert.Equal(t, -1, unranked.Rank())
	assert.Equal(t, -1, unranked.NumElements())
	assert.Equal(t, "[*]", unranked.String())

	scalar := Shape{}
	assert.True(t, scalar.Static())
	assert.Equal(t, 0, scalar.Rank())
	assert.Equal(t, 1, scalar.NumElements())
	assert.False(t, scalar.Equal(unranked))

	dyn := Shape{2, -1}
	assert.False(t, dyn.Static())
	assert.Equal(t, "[2, ?]", dyn.String())

	n, err := Shape{2, 3}.byteSize(Float16)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	_, err = dyn.byteSize(Float32)
	assert.Error(t, err)
	_, err = unranked.byteSize(Float32)
	assert.Error(t, err)
}

func TestCompatibleShapes(t *testing.T) {
	assert.True(t, compatible(nil, Shape{4, 4}))
	assert.True(t, compatible(Shape{-1, 4}, Shape{9, 4}))
	assert.True(t, compatible(Shape{}, Shape{}))
	assert.False(t, compatible(Shape{2, 2}, Shape{4}))
	assert.False(t, compatible(Shape{2, 2}, Shape{2, 3}))
}
