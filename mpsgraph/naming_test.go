package mpsgraph_test

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mpsgraph/mpsgraph"
	"github.com/tsawler/go-mpsgraph/objc"
)

func TestMethodName(t *testing.T) {
	cases := map[string]string{
		"additionWithPrimaryTensor:secondaryTensor:name:":               "Addition",
		"reLUWithTensor:name:":                                          "ReLU",
		"bitwiseANDWithPrimaryTensor:secondaryTensor:name:":             "BitwiseAND",
		"encodeToCommandBuffer:feeds:targetTensors:targetOperations:":   "EncodeToCommandBuffer",
		"convolution2DWithSourceTensor:weightsTensor:descriptor:name:":  "Convolution2D",
		"castTensor:toType:name:":                                       "CastTensor",
		"placeholderTensors":                                            "PlaceholderTensors",
		"forLoopWithNumberOfIterations:initialBodyArguments:body:name:": "ForLoop",
		"serializeToMPSGraphPackageAtURL:descriptor:":                   "SerializeToMPSGraphPackageAtURL",
		"withTensor:":                                                   "WithTensor",
	}
	for sel, want := range cases {
		assert.Equal(t, want, mpsgraph.MethodName(sel), sel)
	}
}

func TestSnakeName(t *testing.T) {
	cases := map[string]string{
		"Addition":                        "addition",
		"RunWithMTLCommandQueue":          "run_with_mtl_command_queue",
		"ScaledDotProductAttention":       "scaled_dot_product_attention",
		"Convolution2D":                   "convolution2d",
		"SerializeToMPSGraphPackageAtURL": "serialize_to_mps_graph_package_at_url",
	}
	for in, want := range cases {
		assert.Equal(t, want, mpsgraph.SnakeName(in), in)
	}
}

func TestNamesUniquePerClass(t *testing.T) {
	seen := map[string]map[string]string{}
	byKey := map[string]mpsgraph.Binding{}
	for _, b := range mpsgraph.Names() {
		if seen[b.Class] == nil {
			seen[b.Class] = map[string]string{}
		}
		prev, dup := seen[b.Class][b.GoName]
		assert.False(t, dup, "%s: %s and %s both map to %s", b.Class, prev, b.Selector, b.GoName)
		seen[b.Class][b.GoName] = b.Selector
		byKey[b.Class+" "+b.Selector] = b
	}

	first := byKey["MPSGraph runWithFeeds:targetTensors:targetOperations:"]
	assert.Equal(t, "Run", first.GoName)
	assert.False(t, first.Extension)
	second := byKey["MPSGraph runWithMTLCommandQueue:feeds:targetTensors:targetOperations:"]
	assert.Equal(t, "RunWithMTLCommandQueue", second.GoName)
	assert.True(t, second.Extension)
	assert.Equal(t, "run_with_mtl_command_queue", second.SnakeName)

	// The same selector on another class keeps its short name.
	exe := byKey["MPSGraphExecutable runWithMTLCommandQueue:inputsArray:resultsArray:executionDescriptor:"]
	assert.Equal(t, "Run", exe.GoName)
}

// Every instance method in the registry has a wrapper method of the same
// Go name.
func TestNamesHaveWrappers(t *testing.T) {
	wrappers := map[string]reflect.Type{
		"MPSGraph":                                  reflect.TypeOf(&mpsgraph.Graph{}),
		"MPSGraphTensor":                            reflect.TypeOf(&mpsgraph.Tensor{}),
		"MPSGraphOperation":                         reflect.TypeOf(&mpsgraph.Operation{}),
		"MPSGraphTensorData":                        reflect.TypeOf(&mpsgraph.TensorData{}),
		"MPSGraphDevice":                            reflect.TypeOf(&mpsgraph.Device{}),
		"MPSGraphShapedType":                        reflect.TypeOf(&mpsgraph.ShapedType{}),
		"MPSGraphExecutionDescriptor":               reflect.TypeOf(&mpsgraph.ExecutionDescriptor{}),
		"MPSGraphExecutableExecutionDescriptor":     reflect.TypeOf(&mpsgraph.ExecutableExecutionDescriptor{}),
		"MPSGraphCompilationDescriptor":             reflect.TypeOf(&mpsgraph.CompilationDescriptor{}),
		"MPSGraphExecutableSerializationDescriptor": reflect.TypeOf(&mpsgraph.SerializationDescriptor{}),
		"MPSGraphExecutable":                        reflect.TypeOf(&mpsgraph.Executable{}),
	}
	for _, b := range mpsgraph.Names() {
		if b.Kind != mpsgraph.KindMethod {
			continue
		}
		typ, ok := wrappers[b.Class]
		if !assert.True(t, ok, "no wrapper for %s", b.Class) {
			continue
		}
		_, ok = typ.MethodByName(b.GoName)
		assert.True(t, ok, "%s has no method %s for %s", typ, b.GoName, b.Selector)
	}
}

func TestEntryPoints(t *testing.T) {
	eps := mpsgraph.EntryPoints()
	require.NotEmpty(t, eps)
	for i := 1; i < len(eps); i++ {
		a, b := eps[i-1], eps[i]
		assert.True(t, a.Class < b.Class || (a.Class == b.Class && a.Selector < b.Selector), "%s before %s", a, b)
	}

	run := mpsgraph.Lookup("runWithMTLCommandQueue:inputsArray:resultsArray:executionDescriptor:")
	require.Len(t, run, 1)
	assert.Equal(t, "-[MPSGraphExecutable runWithMTLCommandQueue:inputsArray:resultsArray:executionDescriptor:]", run[0].String())

	inits := mpsgraph.Lookup("init")
	assert.Greater(t, len(inits), 1)

	// mpsndarray is documented as autoreleased, overriding the convention.
	nd := mpsgraph.Lookup("mpsndarray")
	require.Len(t, nd, 1)
	assert.Equal(t, objc.Borrowed, nd[0].Ownership())
	assert.Equal(t, mpsgraph.KindHelper, nd[0].Kind)

	conv := mpsgraph.Lookup("descriptorWithStrideInX:strideInY:dilationRateInX:dilationRateInY:groups:paddingLeft:paddingRight:paddingTop:paddingBottom:paddingStyle:dataLayout:weightsLayout:")
	require.Len(t, conv, 1)
	assert.Equal(t, "+", conv[0].String()[:1])
}
