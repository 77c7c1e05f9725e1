//go:build darwin && cgo

package cgo_bridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mpsgraph/objc"
)

func TestDeviceName(t *testing.T) {
	rt, device := sharedResources(t)
	err := objc.WithAutoreleasePool(rt, func() error {
		v, err := rt.Send(device, "name")
		if err != nil {
			return err
		}
		name, err := objc.StringValue(rt, v.ID)
		if err != nil {
			return err
		}
		assert.NotEmpty(t, name)
		return nil
	})
	require.NoError(t, err)
}

func TestUnknownSelectorRaises(t *testing.T) {
	rt, device := sharedResources(t)
	_, err := rt.Send(device, "definitelyNotASelector")
	require.Error(t, err)
	var ne *objc.NativeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "NSInvalidArgumentException", ne.Exception)
}

func TestRetainRelease(t *testing.T) {
	rt, _ := sharedResources(t)
	s, err := objc.NewString(rt, "retain me")
	require.NoError(t, err)
	defer s.Close()

	id, err := s.ID()
	require.NoError(t, err)
	clone, err := s.Clone()
	require.NoError(t, err)
	require.NoError(t, clone.Close())

	got, err := objc.StringValue(rt, id)
	require.NoError(t, err)
	assert.Equal(t, "retain me", got)
}

func TestBufferRoundTrip(t *testing.T) {
	rt, device := sharedResources(t)
	v, err := rt.Send(device, "newBufferWithLength:options:", objc.Uint(16), objc.Uint(0))
	require.NoError(t, err)
	buf, err := objc.Adopt(rt, v.ID)
	require.NoError(t, err)
	defer buf.Close()

	contents, err := buf.Send("contents")
	require.NoError(t, err)
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	rt.WriteMemory(contents.Ptr, want)
	assert.Equal(t, want, rt.ReadMemory(contents.Ptr, len(want)))
}

func TestNullaryBlockDispatch(t *testing.T) {
	rt, _ := sharedResources(t)
	calls := 0
	tr, err := objc.NewTrampoline(rt, objc.BlockNullary, func(args []objc.ID) (objc.Handle, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	defer tr.Close()
	assert.True(t, tr.Valid())
	assert.NotEqual(t, objc.Nil, tr.Block().ID)
	assert.Equal(t, 0, calls)
}

func TestOSVersion(t *testing.T) {
	rt, _ := sharedResources(t)
	_, err := objc.ParseVersion(rt.OSVersion())
	require.NoError(t, err)
	assert.NotEmpty(t, rt.Platform())
}
