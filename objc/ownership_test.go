package objc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mpsgraph/objc"
	"github.com/tsawler/go-mpsgraph/sim_bridge"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		want objc.Ownership
	}{
		{"alloc", objc.Transferred},
		{"init", objc.Transferred},
		{"initWithDevice:data:shape:dataType:", objc.Transferred},
		{"new", objc.Transferred},
		{"newCommandQueue", objc.Transferred},
		{"newBufferWithLength:options:", objc.Transferred},
		{"copy", objc.Transferred},
		{"copyWithZone:", objc.Transferred},
		{"mutableCopy", objc.Transferred},
		{"mutableCopyWithZone:", objc.Transferred},
		{"createTexture", objc.Transferred},
		{"makeCommandBuffer", objc.Transferred},
		{"MTLCreateSystemDefaultDevice", objc.Transferred},
		{"CFStringCreateWithCString", objc.Transferred},
		{"CGPathCreateMutableCopy", objc.Transferred},
		{"_newInternal", objc.Transferred},

		{"additionWithPrimaryTensor:secondaryTensor:name:", objc.Borrowed},
		{"placeholderWithShape:dataType:name:", objc.Borrowed},
		{"runWithFeeds:targetTensors:targetOperations:", objc.Borrowed},
		{"compileWithDevice:feeds:targetTensors:targetOperations:compilationDescriptor:", objc.Borrowed},
		{"commandBuffer", objc.Borrowed},
		{"deviceWithMTLDevice:", objc.Borrowed},
		{"renewal", objc.Borrowed},
		{"copyright", objc.Borrowed},
		{"initialize", objc.Borrowed},
		{"newsletter", objc.Borrowed},
		{"allocation", objc.Borrowed},
		{"shape", objc.Borrowed},
		{"", objc.Borrowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, objc.Classify(tt.name))
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	for _, sel := range []string{"newCommandQueue", "shape", "MTLCreateSystemDefaultDevice"} {
		first := objc.Classify(sel)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, objc.Classify(sel))
		}
	}
}

func TestFamily(t *testing.T) {
	assert.Equal(t, "init", objc.Family("initWithShape:dataType:"))
	assert.Equal(t, "mutableCopy", objc.Family("mutableCopy"))
	assert.Equal(t, "create", objc.Family("MTLCreateSystemDefaultDevice"))
	assert.Equal(t, "copy", objc.Family("CFArrayCopyValues"))
	assert.Equal(t, "", objc.Family("dataType"))
}

func TestOwnershipString(t *testing.T) {
	assert.Equal(t, "+1", objc.Transferred.String())
	assert.Equal(t, "+0", objc.Borrowed.String())
}

func TestTake(t *testing.T) {
	rt := sim_bridge.NewDefault()

	o, err := objc.Take(rt, "objectAtIndex:", objc.Borrowed, objc.Nil, true)
	require.NoError(t, err)
	assert.Nil(t, o)

	_, err = objc.Take(rt, "objectAtIndex:", objc.Borrowed, objc.Nil, false)
	var nilErr *objc.NilHandleError
	require.ErrorAs(t, err, &nilErr)
	assert.ErrorIs(t, err, objc.ErrUnexpectedNil)
	assert.Equal(t, "objectAtIndex:", nilErr.Selector)

	id := rawString(t, rt, "owned")
	owned, err := objc.Take(rt, "initWithUTF8String:", objc.Transferred, id, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rt.RetainCount(id))

	borrowed, err := objc.Take(rt, "self", objc.Borrowed, id, false)
	require.NoError(t, err)
	assert.Equal(t, 2, rt.RetainCount(id))

	require.NoError(t, objc.CloseAll(owned, borrowed))
	assert.Equal(t, 0, rt.Live("NSString"))
	assert.Empty(t, rt.Violations())
}
