package mpsgraph

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-mpsgraph/objc"
)

// EntryKind says how an entry point is reached from Go.
type EntryKind uint8

const (
	// KindMethod is an instance method with a same-named Go method on the
	// class's wrapper type.
	KindMethod EntryKind = iota
	// KindClassMethod is sent to the class object.
	KindClassMethod
	// KindInitializer is sent after alloc and backs a New... constructor.
	KindInitializer
	// KindHelper is used internally by other wrappers.
	KindHelper
)

func (k EntryKind) String() string {
	switch k {
	case KindMethod:
		return "method"
	case KindClassMethod:
		return "class method"
	case KindInitializer:
		return "initializer"
	case KindHelper:
		return "helper"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// EntryPoint describes one native selector the package calls.
type EntryPoint struct {
	Class    string
	Selector string
	Kind     EntryKind
	// Override, when set, wins over the naming-convention classification.
	Override *objc.Ownership
	// Optional entry points may legitimately return nil.
	Optional  bool
	Available objc.Availability
}

// Ownership returns the ownership of the entry point's result.
func (ep EntryPoint) Ownership() objc.Ownership {
	if ep.Override != nil {
		return *ep.Override
	}
	return objc.Classify(ep.Selector)
}

func (ep EntryPoint) String() string {
	prefix := "-"
	if ep.Kind == KindClassMethod {
		prefix = "+"
	}
	return prefix + "[" + ep.Class + " " + ep.Selector + "]"
}

// baseAvailability is where MPSGraph first shipped.
func baseAvailability() objc.Availability {
	a := objc.Since("11.0", "14.0")
	a[objc.VisionOS] = "1.0"
	return a
}

func method(class, selector string) EntryPoint {
	return EntryPoint{Class: class, Selector: selector, Kind: KindMethod, Available: baseAvailability()}
}

func classMethod(class, selector string) EntryPoint {
	ep := method(class, selector)
	ep.Kind = KindClassMethod
	return ep
}

func initializer(class, selector string) EntryPoint {
	ep := method(class, selector)
	ep.Kind = KindInitializer
	return ep
}

func helper(class, selector string) EntryPoint {
	ep := method(class, selector)
	ep.Kind = KindHelper
	return ep
}

func (ep EntryPoint) since(macOS, iOS, visionOS string) EntryPoint {
	a := objc.Since(macOS, iOS)
	a[objc.VisionOS] = visionOS
	ep.Available = a
	return ep
}

func (ep EntryPoint) optional() EntryPoint {
	ep.Optional = true
	return ep
}

func (ep EntryPoint) owns(o objc.Ownership) EntryPoint {
	ep.Override = &o
	return ep
}

const (
	classGraph             = "MPSGraph"
	classTensor            = "MPSGraphTensor"
	classOperation         = "MPSGraphOperation"
	classTensorData        = "MPSGraphTensorData"
	classNDArray           = "MPSNDArray"
	classDevice            = "MPSGraphDevice"
	classShapedType        = "MPSGraphShapedType"
	classConvolution2D     = "MPSGraphConvolution2DOpDescriptor"
	classExecDescriptor    = "MPSGraphExecutionDescriptor"
	classExeExecDescriptor = "MPSGraphExecutableExecutionDescriptor"
	classCompDescriptor    = "MPSGraphCompilationDescriptor"
	classSerialDescriptor  = "MPSGraphExecutableSerializationDescriptor"
	classExecutable        = "MPSGraphExecutable"
)

// registry is ordered: within a class the first entry whose Go name would
// collide keeps the canonical name.
var registry = []EntryPoint{
	initializer(classGraph, "init"),
	method(classGraph, "options"),
	method(classGraph, "setOptions:"),
	method(classGraph, "placeholderTensors"),
	method(classGraph, "placeholderWithShape:dataType:name:"),
	method(classGraph, "constantWithScalar:shape:dataType:"),
	method(classGraph, "constantWithScalar:dataType:"),
	method(classGraph, "constantWithData:shape:dataType:"),

	method(classGraph, "additionWithPrimaryTensor:secondaryTensor:name:"),
	method(classGraph, "subtractionWithPrimaryTensor:secondaryTensor:name:"),
	method(classGraph, "multiplicationWithPrimaryTensor:secondaryTensor:name:"),
	method(classGraph, "divisionWithPrimaryTensor:secondaryTensor:name:"),
	method(classGraph, "maximumWithPrimaryTensor:secondaryTensor:name:"),
	method(classGraph, "minimumWithPrimaryTensor:secondaryTensor:name:"),
	method(classGraph, "powerWithPrimaryTensor:secondaryTensor:name:"),
	method(classGraph, "equalWithPrimaryTensor:secondaryTensor:name:"),
	method(classGraph, "greaterThanWithPrimaryTensor:secondaryTensor:name:"),
	method(classGraph, "lessThanWithPrimaryTensor:secondaryTensor:name:"),
	method(classGraph, "bitwiseANDWithPrimaryTensor:secondaryTensor:name:").since("14.0", "17.0", "1.0"),

	method(classGraph, "negativeWithTensor:name:"),
	method(classGraph, "absoluteWithTensor:name:"),
	method(classGraph, "exponentWithTensor:name:"),
	method(classGraph, "logarithmWithTensor:name:"),
	method(classGraph, "squareWithTensor:name:"),
	method(classGraph, "squareRootWithTensor:name:"),
	method(classGraph, "reLUWithTensor:name:"),
	method(classGraph, "sigmoidWithTensor:name:"),
	method(classGraph, "tanhWithTensor:name:"),
	method(classGraph, "identityWithTensor:name:"),
	method(classGraph, "castTensor:toType:name:"),
	method(classGraph, "selectWithPredicateTensor:truePredicateTensor:falsePredicateTensor:name:"),
	method(classGraph, "softMaxWithTensor:axis:name:"),
	method(classGraph, "reductionSumWithTensor:axes:name:"),
	method(classGraph, "reductionMaximumWithTensor:axes:name:"),
	method(classGraph, "meanOfTensor:axes:name:"),
	method(classGraph, "reshapeTensor:withShape:name:"),
	method(classGraph, "transposeTensor:dimension:withDimension:name:"),
	method(classGraph, "matrixMultiplicationWithPrimaryTensor:secondaryTensor:name:"),
	method(classGraph, "convolution2DWithSourceTensor:weightsTensor:descriptor:name:"),
	method(classGraph, "sortWithTensor:axis:name:").since("13.0", "16.0", "1.0"),
	method(classGraph, "scaledDotProductAttentionWithQueryTensor:keyTensor:valueTensor:scale:name:").since("15.0", "18.0", "2.0"),

	method(classGraph, "ifWithPredicateTensor:thenBlock:elseBlock:name:"),
	method(classGraph, "whileWithInitialInputs:before:after:name:"),
	method(classGraph, "forLoopWithNumberOfIterations:initialBodyArguments:body:name:"),
	method(classGraph, "controlDependencyWithOperations:dependentBlock:name:"),

	method(classGraph, "variableWithData:shape:dataType:name:"),
	method(classGraph, "readVariable:name:"),
	method(classGraph, "assignVariable:withValueOfTensor:name:"),
	method(classGraph, "gradientForPrimaryTensor:withTensors:name:"),

	method(classGraph, "runWithFeeds:targetTensors:targetOperations:"),
	method(classGraph, "runWithMTLCommandQueue:feeds:targetTensors:targetOperations:"),
	method(classGraph, "runAsyncWithFeeds:targetTensors:targetOperations:executionDescriptor:"),
	method(classGraph, "runAsyncWithMTLCommandQueue:feeds:targetTensors:targetOperations:executionDescriptor:"),
	method(classGraph, "encodeToCommandBuffer:feeds:targetTensors:targetOperations:executionDescriptor:"),
	method(classGraph, "compileWithDevice:feeds:targetTensors:targetOperations:compilationDescriptor:"),

	// Unranked tensors have no shape.
	method(classTensor, "shape").optional(),
	method(classTensor, "dataType"),
	method(classTensor, "operation"),

	method(classOperation, "name"),
	method(classOperation, "inputTensors"),
	method(classOperation, "outputTensors"),
	method(classOperation, "controlDependencies"),

	initializer(classTensorData, "initWithDevice:data:shape:dataType:"),
	initializer(classTensorData, "initWithMTLBuffer:shape:dataType:"),
	method(classTensorData, "shape"),
	method(classTensorData, "dataType"),
	// Tensor data backed by a buffer has no device.
	method(classTensorData, "device").optional(),
	// Documented as autoreleased even when it has to copy into a new array.
	helper(classTensorData, "mpsndarray").owns(objc.Borrowed),
	helper(classNDArray, "readBytes:strideBytes:"),
	helper(classNDArray, "writeBytes:strideBytes:"),

	classMethod(classDevice, "deviceWithMTLDevice:"),
	method(classDevice, "metalDevice"),
	method(classDevice, "type"),

	initializer(classShapedType, "initWithShape:dataType:"),
	method(classShapedType, "shape").optional(),
	method(classShapedType, "dataType"),
	method(classShapedType, "setShape:"),
	method(classShapedType, "setDataType:"),

	// Returns nil for invalid strides, dilation rates or group counts.
	classMethod(classConvolution2D, "descriptorWithStrideInX:strideInY:dilationRateInX:dilationRateInY:groups:paddingLeft:paddingRight:paddingTop:paddingBottom:paddingStyle:dataLayout:weightsLayout:"),

	initializer(classExecDescriptor, "init"),
	method(classExecDescriptor, "waitUntilCompleted"),
	method(classExecDescriptor, "setWaitUntilCompleted:"),
	method(classExecDescriptor, "setScheduledHandler:"),
	helper(classExecDescriptor, "setCompletionHandler:"),

	initializer(classExeExecDescriptor, "init"),
	method(classExeExecDescriptor, "waitUntilCompleted"),
	method(classExeExecDescriptor, "setWaitUntilCompleted:"),
	method(classExeExecDescriptor, "setScheduledHandler:"),
	helper(classExeExecDescriptor, "setCompletionHandler:"),

	initializer(classCompDescriptor, "init"),
	method(classCompDescriptor, "optimizationLevel"),
	method(classCompDescriptor, "setOptimizationLevel:"),
	method(classCompDescriptor, "waitForCompilationCompletion"),
	method(classCompDescriptor, "setWaitForCompilationCompletion:"),
	method(classCompDescriptor, "setCompilationCompletionHandler:"),

	initializer(classSerialDescriptor, "init").since("14.0", "17.0", "1.0"),
	method(classSerialDescriptor, "setAppend:").since("14.0", "17.0", "1.0"),
	method(classSerialDescriptor, "setDeploymentPlatform:").since("14.0", "17.0", "1.0"),
	method(classSerialDescriptor, "setMinimumDeploymentTarget:").since("14.0", "17.0", "1.0"),

	method(classExecutable, "feedTensors").optional(),
	method(classExecutable, "targetTensors").optional(),
	method(classExecutable, "runWithMTLCommandQueue:inputsArray:resultsArray:executionDescriptor:"),
	method(classExecutable, "runAsyncWithMTLCommandQueue:inputsArray:resultsArray:executionDescriptor:"),
	method(classExecutable, "encodeToCommandBuffer:inputsArray:resultsArray:executionDescriptor:"),
	method(classExecutable, "getOutputTypesWithDevice:inputTypes:compilationDescriptor:").optional(),
	method(classExecutable, "specializeWithDevice:inputTypes:compilationDescriptor:"),
	method(classExecutable, "serializeToMPSGraphPackageAtURL:descriptor:").since("14.0", "17.0", "1.0"),
	initializer(classExecutable, "initWithMPSGraphPackageAtURL:compilationDescriptor:").since("14.0", "17.0", "1.0"),
}

type entryKey struct{ class, selector string }

var registryIndex = func() map[entryKey]int {
	m := make(map[entryKey]int, len(registry))
	for i, ep := range registry {
		k := entryKey{ep.Class, ep.Selector}
		if _, dup := m[k]; dup {
			panic("mpsgraph: duplicate entry point " + ep.String())
		}
		m[k] = i
	}
	return m
}()

// entry returns a registered entry point. Asking for an unregistered one is
// a programming error.
func entry(class, selector string) EntryPoint {
	i, ok := registryIndex[entryKey{class, selector}]
	if !ok {
		panic("mpsgraph: unregistered entry point -[" + class + " " + selector + "]")
	}
	return registry[i]
}

// EntryPoints returns the registry sorted by class and selector.
func EntryPoints() []EntryPoint {
	out := append([]EntryPoint(nil), registry...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Class != out[j].Class {
			return out[i].Class < out[j].Class
		}
		return out[i].Selector < out[j].Selector
	})
	return out
}

// Lookup returns the entry points registered for selector, in registry
// order. Several classes may share a selector.
func Lookup(selector string) []EntryPoint {
	var out []EntryPoint
	for _, ep := range registry {
		if ep.Selector == selector {
			out = append(out, ep)
		}
	}
	return out
}
