package sim_bridge

import (
	"fmt"

	"github.com/tsawler/go-mpsgraph/objc"
)

type graphState struct {
	tensors []objc.ID
	ops     []objc.ID
	options uint64
}

func (s *graphState) owned() []objc.ID {
	return append(append([]objc.ID(nil), s.tensors...), s.ops...)
}

type opState struct {
	graph   objc.ID
	name    string
	inputs  []objc.ID
	outputs []objc.ID
	deps    []objc.ID
	// assign and value are set on variable assignments.
	assign objc.ID
	value  objc.ID
}

// tensorState describes a symbolic tensor node. The graph owns every tensor
// and operation; the references between them are weak.
type tensorState struct {
	graph  objc.ID
	op     objc.ID
	kind   string
	fn     string
	inputs []objc.ID
	shape  []int // nil when unranked
	dtype  uint32
	data   []float64
	axes   []int
	ints   []int
	scale  float64
	index  int
	flow   *flowState
	conv   *convDescState
}

// flowState is shared by the outputs of one control-flow operation.
type flowState struct {
	kind string

	pred     objc.ID
	thenRes  []objc.ID
	elseRes  []objc.ID
	initial  []objc.ID
	args     []objc.ID // loop-carried argument placeholders
	cond     objc.ID
	condRes  []objc.ID
	bodyArgs []objc.ID
	bodyRes  []objc.ID
	index    objc.ID
	count    objc.ID
}

type convDescState struct {
	strideX, strideY       int
	dilationX, dilationY   int
	groups                 int
	padL, padR, padT, padB int
	paddingStyle           uint64
	dataLayout             uint64
	weightsLayout          uint64
}

type shapedTypeState struct {
	shape []int
	dtype uint32
}

// Raw MPSDataType values.
const (
	dtInvalid  uint32 = 0
	dtFloat32  uint32 = 0x10000000 | 32
	dtFloat16  uint32 = 0x10000000 | 16
	dtInt8     uint32 = 0x20000000 | 8
	dtInt16    uint32 = 0x20000000 | 16
	dtInt32    uint32 = 0x20000000 | 32
	dtInt64    uint32 = 0x20000000 | 64
	dtUInt8    uint32 = 8
	dtUInt16   uint32 = 16
	dtUInt32   uint32 = 32
	dtUInt64   uint32 = 64
	dtBool     uint32 = 0x80000000 | 8
	floatBit   uint32 = 0x10000000
	signedBit  uint32 = 0x20000000
	complexBit uint32 = 0x01000000
)

func dtypeSize(dt uint32) int { return int(dt&0xffff) / 8 }

func (r *Runtime) tensor(id objc.ID) (*tensorState, error) {
	return stateOf[*tensorState](r, id)
}

// addOperation records a new operation producing outs in graph and returns
// the output tensor ids, borrowed from the graph.
func (r *Runtime) addOperation(graph objc.ID, name string, inputs []objc.ID, outs ...*tensorState) []objc.ID {
	gs, _ := stateOf[*graphState](r, graph)
	opID := r.newObject("MPSGraphOperation", &opState{graph: graph, name: name, inputs: inputs})
	ids := make([]objc.ID, len(outs))
	for i, ts := range outs {
		ts.graph = graph
		ts.op = opID
		ids[i] = r.newObject("MPSGraphTensor", ts)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[opID].value.(*opState).outputs = ids
	gs.ops = append(gs.ops, opID)
	gs.tensors = append(gs.tensors, ids...)
	return ids
}

func (r *Runtime) addTensor(graph objc.ID, name string, ts *tensorState) objc.ID {
	return r.addOperation(graph, name, ts.inputs, ts)[0]
}

// checkInputs verifies that every input tensor belongs to graph.
func (r *Runtime) checkInputs(graph objc.ID, sel string, inputs ...objc.ID) error {
	for i, in := range inputs {
		ts, err := r.tensor(in)
		if err != nil {
			return exception("NSInvalidArgumentException", "%s: argument %d is not a tensor", sel, i)
		}
		if ts.graph != graph {
			return exception("NSInvalidArgumentException", "%s: tensor %s belongs to another graph", sel, in)
		}
	}
	return nil
}

func (r *Runtime) opName(v objc.Value, fallback string) string {
	if s := r.stringOf(v.ID); s != "" {
		return s
	}
	return fallback
}

func broadcastShapes(a, b []int) ([]int, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if j := len(a) - n + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - n + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcast compatible", a, b)
		}
	}
	return out, nil
}

var binaryOps = map[string]string{
	"additionWithPrimaryTensor:secondaryTensor:name:":       "add",
	"subtractionWithPrimaryTensor:secondaryTensor:name:":    "sub",
	"multiplicationWithPrimaryTensor:secondaryTensor:name:": "mul",
	"divisionWithPrimaryTensor:secondaryTensor:name:":       "div",
	"maximumWithPrimaryTensor:secondaryTensor:name:":        "max",
	"minimumWithPrimaryTensor:secondaryTensor:name:":        "min",
	"powerWithPrimaryTensor:secondaryTensor:name:":          "pow",
	"equalWithPrimaryTensor:secondaryTensor:name:":          "eq",
	"greaterThanWithPrimaryTensor:secondaryTensor:name:":    "gt",
	"lessThanWithPrimaryTensor:secondaryTensor:name:":       "lt",
	"bitwiseANDWithPrimaryTensor:secondaryTensor:name:":     "and",
}

var comparisonOps = map[string]bool{"eq": true, "gt": true, "lt": true}

var unaryOps = map[string]string{
	"negativeWithTensor:name:":   "neg",
	"absoluteWithTensor:name:":   "abs",
	"exponentWithTensor:name:":   "exp",
	"logarithmWithTensor:name:":  "log",
	"squareWithTensor:name:":     "square",
	"squareRootWithTensor:name:": "sqrt",
	"reLUWithTensor:name:":       "relu",
	"sigmoidWithTensor:name:":    "sigmoid",
	"tanhWithTensor:name:":       "tanh",
	"identityWithTensor:name:":   "identity",
}

var reductionOps = map[string]string{
	"reductionSumWithTensor:axes:name:":     "sum",
	"reductionMaximumWithTensor:axes:name:": "max",
	"meanOfTensor:axes:name:":               "mean",
}

func registerGraph(r *Runtime) {
	g := r.defineClass("MPSGraph", "NSObject")
	g.methods["init"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		r.setValue(self, &graphState{options: 1})
		return obj(self.id)
	}
	g.methods["options"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		gs, err := stateOf[*graphState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		return uintv(gs.options)
	}
	g.methods["setOptions:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		gs, err := stateOf[*graphState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		r.mu.Lock()
		gs.options = args[0].Uint
		r.mu.Unlock()
		return void()
	}
	g.methods["placeholderTensors"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		gs, err := stateOf[*graphState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		r.mu.Lock()
		all := append([]objc.ID(nil), gs.tensors...)
		r.mu.Unlock()
		var out []objc.ID
		for _, id := range all {
			if ts, err := r.tensor(id); err == nil && ts.kind == "placeholder" {
				out = append(out, id)
			}
		}
		return obj(r.newAutoreleasedArray(out))
	}

	g.methods["placeholderWithShape:dataType:name:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		shape, err := r.numbers(args[0].ID)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.addTensor(self.id, r.opName(args[2], "placeholder"),
			&tensorState{kind: "placeholder", shape: shape, dtype: uint32(args[1].Uint)}))
	}
	g.methods["constantWithScalar:dataType:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		return obj(r.addTensor(self.id, "constant",
			&tensorState{kind: "constant", shape: []int{}, dtype: uint32(args[1].Uint), data: []float64{args[0].Float}}))
	}
	g.methods["constantWithScalar:shape:dataType:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		shape, err := r.numbers(args[1].ID)
		if err != nil {
			return objc.Value{}, err
		}
		data := make([]float64, numElements(shape))
		for i := range data {
			data[i] = args[0].Float
		}
		return obj(r.addTensor(self.id, "constant",
			&tensorState{kind: "constant", shape: shape, dtype: uint32(args[2].Uint), data: data}))
	}
	g.methods["constantWithData:shape:dataType:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		ds, err := stateOf[*dataState](r, args[0].ID)
		if err != nil {
			return objc.Value{}, err
		}
		shape, err := r.numbers(args[1].ID)
		if err != nil {
			return objc.Value{}, err
		}
		dt := uint32(args[2].Uint)
		if len(ds.b) != numElements(shape)*dtypeSize(dt) {
			return objc.Value{}, exception("MPSGraphException", "constant data is %d bytes, shape %v needs %d",
				len(ds.b), shape, numElements(shape)*dtypeSize(dt))
		}
		data, err := decode(ds.b, dt)
		if err != nil {
			return objc.Value{}, exception("MPSGraphException", "%v", err)
		}
		return obj(r.addTensor(self.id, "constant", &tensorState{kind: "constant", shape: shape, dtype: dt, data: data}))
	}

	for sel, fn := range binaryOps {
		sel, fn := sel, fn
		g.methods[sel] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
			a, b := args[0].ID, args[1].ID
			if err := r.checkInputs(self.id, sel, a, b); err != nil {
				return objc.Value{}, err
			}
			ta, _ := r.tensor(a)
			tb, _ := r.tensor(b)
			shape, err := broadcastShapes(ta.shape, tb.shape)
			if err != nil {
				return objc.Value{}, exception("MPSGraphException", "%s: %v", sel, err)
			}
			dt := ta.dtype
			if comparisonOps[fn] {
				dt = dtBool
			}
			if fn == "and" && ta.dtype&floatBit != 0 {
				return objc.Value{}, exception("MPSGraphException", "%s: bitwise ops need integer operands", sel)
			}
			return obj(r.addTensor(self.id, r.opName(args[2], fn),
				&tensorState{kind: "binary", fn: fn, inputs: []objc.ID{a, b}, shape: shape, dtype: dt}))
		}
	}
	g.since["bitwiseANDWithPrimaryTensor:secondaryTensor:name:"] = "14.0"

	for sel, fn := range unaryOps {
		sel, fn := sel, fn
		g.methods[sel] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
			if err := r.checkInputs(self.id, sel, args[0].ID); err != nil {
				return objc.Value{}, err
			}
			ta, _ := r.tensor(args[0].ID)
			return obj(r.addTensor(self.id, r.opName(args[1], fn),
				&tensorState{kind: "unary", fn: fn, inputs: []objc.ID{args[0].ID}, shape: ta.shape, dtype: ta.dtype}))
		}
	}

	g.methods["castTensor:toType:name:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		if err := r.checkInputs(self.id, "castTensor:toType:name:", args[0].ID); err != nil {
			return objc.Value{}, err
		}
		ta, _ := r.tensor(args[0].ID)
		return obj(r.addTensor(self.id, r.opName(args[2], "cast"),
			&tensorState{kind: "cast", inputs: []objc.ID{args[0].ID}, shape: ta.shape, dtype: uint32(args[1].Uint)}))
	}

	g.methods["selectWithPredicateTensor:truePredicateTensor:falsePredicateTensor:name:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		ins := []objc.ID{args[0].ID, args[1].ID, args[2].ID}
		if err := r.checkInputs(self.id, "select", ins...); err != nil {
			return objc.Value{}, err
		}
		tp, _ := r.tensor(ins[0])
		tt, _ := r.tensor(ins[1])
		tf, _ := r.tensor(ins[2])
		shape, err := broadcastShapes(tt.shape, tf.shape)
		if err == nil {
			shape, err = broadcastShapes(tp.shape, shape)
		}
		if err != nil {
			return objc.Value{}, exception("MPSGraphException", "select: %v", err)
		}
		return obj(r.addTensor(self.id, r.opName(args[3], "select"),
			&tensorState{kind: "select", inputs: ins, shape: shape, dtype: tt.dtype}))
	}

	g.methods["softMaxWithTensor:axis:name:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		if err := r.checkInputs(self.id, "softMax", args[0].ID); err != nil {
			return objc.Value{}, err
		}
		ta, _ := r.tensor(args[0].ID)
		axis := int(args[1].Int)
		if ta.shape != nil {
			if axis < 0 {
				axis += len(ta.shape)
			}
			if axis < 0 || axis >= len(ta.shape) {
				return objc.Value{}, exception("MPSGraphException", "softMax: axis %d out of range for rank %d", args[1].Int, len(ta.shape))
			}
		}
		return obj(r.addTensor(self.id, r.opName(args[2], "softmax"),
			&tensorState{kind: "softmax", inputs: []objc.ID{args[0].ID}, shape: ta.shape, dtype: ta.dtype, axes: []int{axis}}))
	}

	for sel, fn := range reductionOps {
		sel, fn := sel, fn
		g.methods[sel] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
			if err := r.checkInputs(self.id, sel, args[0].ID); err != nil {
				return objc.Value{}, err
			}
			ta, _ := r.tensor(args[0].ID)
			axes, err := r.numbers(args[1].ID)
			if err != nil {
				return objc.Value{}, err
			}
			var shape []int
			if ta.shape != nil {
				axes, err = normalizeAxes(axes, len(ta.shape))
				if err != nil {
					return objc.Value{}, exception("MPSGraphException", "%s: %v", sel, err)
				}
				shape = append([]int(nil), ta.shape...)
				for _, a := range axes {
					shape[a] = 1
				}
			}
			return obj(r.addTensor(self.id, r.opName(args[2], fn),
				&tensorState{kind: "reduce", fn: fn, inputs: []objc.ID{args[0].ID}, shape: shape, dtype: ta.dtype, axes: axes}))
		}
	}

	g.methods["reshapeTensor:withShape:name:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		if err := r.checkInputs(self.id, "reshape", args[0].ID); err != nil {
			return objc.Value{}, err
		}
		ta, _ := r.tensor(args[0].ID)
		want, err := r.numbers(args[1].ID)
		if err != nil {
			return objc.Value{}, err
		}
		shape, err := resolveReshape(ta.shape, want)
		if err != nil {
			return objc.Value{}, exception("MPSGraphException", "reshape: %v", err)
		}
		return obj(r.addTensor(self.id, r.opName(args[2], "reshape"),
			&tensorState{kind: "reshape", inputs: []objc.ID{args[0].ID}, shape: shape, dtype: ta.dtype, ints: want}))
	}

	g.methods["transposeTensor:dimension:withDimension:name:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		if err := r.checkInputs(self.id, "transpose", args[0].ID); err != nil {
			return objc.Value{}, err
		}
		ta, _ := r.tensor(args[0].ID)
		d1, d2 := int(args[1].Uint), int(args[2].Uint)
		var shape []int
		if ta.shape != nil {
			if d1 >= len(ta.shape) || d2 >= len(ta.shape) {
				return objc.Value{}, exception("MPSGraphException", "transpose: dimensions %d, %d out of range for rank %d", d1, d2, len(ta.shape))
			}
			shape = append([]int(nil), ta.shape...)
			shape[d1], shape[d2] = shape[d2], shape[d1]
		}
		return obj(r.addTensor(self.id, r.opName(args[3], "transpose"),
			&tensorState{kind: "transpose", inputs: []objc.ID{args[0].ID}, shape: shape, dtype: ta.dtype, ints: []int{d1, d2}}))
	}

	g.methods["matrixMultiplicationWithPrimaryTensor:secondaryTensor:name:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		a, b := args[0].ID, args[1].ID
		if err := r.checkInputs(self.id, "matmul", a, b); err != nil {
			return objc.Value{}, err
		}
		ta, _ := r.tensor(a)
		tb, _ := r.tensor(b)
		shape, err := matmulShape(ta.shape, tb.shape)
		if err != nil {
			return objc.Value{}, exception("MPSGraphException", "matrixMultiplication: %v", err)
		}
		return obj(r.addTensor(self.id, r.opName(args[2], "matmul"),
			&tensorState{kind: "matmul", inputs: []objc.ID{a, b}, shape: shape, dtype: ta.dtype}))
	}

	g.methods["sortWithTensor:axis:name:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		if err := r.checkInputs(self.id, "sort", args[0].ID); err != nil {
			return objc.Value{}, err
		}
		ta, _ := r.tensor(args[0].ID)
		axis := int(args[1].Int)
		if ta.shape != nil && axis < 0 {
			axis += len(ta.shape)
		}
		return obj(r.addTensor(self.id, r.opName(args[2], "sort"),
			&tensorState{kind: "sort", inputs: []objc.ID{args[0].ID}, shape: ta.shape, dtype: ta.dtype, axes: []int{axis}}))
	}
	g.since["sortWithTensor:axis:name:"] = "13.0"

	g.methods["scaledDotProductAttentionWithQueryTensor:keyTensor:valueTensor:scale:name:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		q, k, v := args[0].ID, args[1].ID, args[2].ID
		if err := r.checkInputs(self.id, "scaledDotProductAttention", q, k, v); err != nil {
			return objc.Value{}, err
		}
		tq, _ := r.tensor(q)
		tv, _ := r.tensor(v)
		var shape []int
		if tq.shape != nil && tv.shape != nil {
			shape = append(append([]int(nil), tq.shape[:len(tq.shape)-1]...), tv.shape[len(tv.shape)-1])
		}
		return obj(r.addTensor(self.id, r.opName(args[4], "sdpa"),
			&tensorState{kind: "sdpa", inputs: []objc.ID{q, k, v}, shape: shape, dtype: tq.dtype, scale: args[3].Float}))
	}
	g.since["scaledDotProductAttentionWithQueryTensor:keyTensor:valueTensor:scale:name:"] = "15.0"

	g.methods["convolution2DWithSourceTensor:weightsTensor:descriptor:name:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		src, w := args[0].ID, args[1].ID
		if err := r.checkInputs(self.id, "convolution2D", src, w); err != nil {
			return objc.Value{}, err
		}
		cd, err := stateOf[*convDescState](r, args[2].ID)
		if err != nil {
			return objc.Value{}, err
		}
		ts, _ := r.tensor(src)
		tw, _ := r.tensor(w)
		desc := *cd
		shape, err := convShape(ts.shape, tw.shape, &desc)
		if err != nil {
			return objc.Value{}, exception("MPSGraphException", "convolution2D: %v", err)
		}
		return obj(r.addTensor(self.id, r.opName(args[3], "conv2d"),
			&tensorState{kind: "conv2d", inputs: []objc.ID{src, w}, shape: shape, dtype: ts.dtype, conv: &desc}))
	}

	g.methods["ifWithPredicateTensor:thenBlock:elseBlock:name:"] = graphIf
	g.methods["whileWithInitialInputs:before:after:name:"] = graphWhile
	g.methods["forLoopWithNumberOfIterations:initialBodyArguments:body:name:"] = graphFor
	g.methods["controlDependencyWithOperations:dependentBlock:name:"] = graphControlDependency

	tensor := r.defineClass("MPSGraphTensor", "NSObject")
	tensor.methods["shape"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		ts, err := r.tensor(self.id)
		if err != nil {
			return objc.Value{}, err
		}
		if ts.shape == nil {
			return obj(objc.Nil)
		}
		return obj(r.newNumberArray(ts.shape))
	}
	tensor.methods["dataType"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		ts, err := r.tensor(self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return uintv(uint64(ts.dtype))
	}
	tensor.methods["operation"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		ts, err := r.tensor(self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(ts.op)
	}
	tensor.methods["copyWithZone:"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		return obj(r.Retain(self.id))
	}

	op := r.defineClass("MPSGraphOperation", "NSObject")
	op.methods["name"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		os, err := stateOf[*opState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.newString(os.name))
	}
	op.methods["inputTensors"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		os, err := stateOf[*opState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.newAutoreleasedArray(os.inputs))
	}
	op.methods["outputTensors"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		os, err := stateOf[*opState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		r.mu.Lock()
		outs := append([]objc.ID(nil), os.outputs...)
		r.mu.Unlock()
		return obj(r.newAutoreleasedArray(outs))
	}
	op.methods["controlDependencies"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		os, err := stateOf[*opState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.newAutoreleasedArray(os.deps))
	}
	op.methods["graph"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		os, err := stateOf[*opState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(os.graph)
	}

	st := r.defineClass("MPSGraphShapedType", "NSObject")
	st.methods["initWithShape:dataType:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		shape, err := r.numbers(args[0].ID)
		if err != nil {
			return objc.Value{}, err
		}
		r.setValue(self, &shapedTypeState{shape: shape, dtype: uint32(args[1].Uint)})
		return obj(self.id)
	}
	st.methods["shape"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		ss, err := stateOf[*shapedTypeState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		if ss.shape == nil {
			return obj(objc.Nil)
		}
		return obj(r.newNumberArray(ss.shape))
	}
	st.methods["dataType"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		ss, err := stateOf[*shapedTypeState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return uintv(uint64(ss.dtype))
	}
	st.methods["setShape:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		ss, err := stateOf[*shapedTypeState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		shape, err := r.numbers(args[0].ID)
		if err != nil {
			return objc.Value{}, err
		}
		r.mu.Lock()
		ss.shape = shape
		r.mu.Unlock()
		return void()
	}
	st.methods["setDataType:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		ss, err := stateOf[*shapedTypeState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		r.mu.Lock()
		ss.dtype = uint32(args[0].Uint)
		r.mu.Unlock()
		return void()
	}

	conv := r.defineClass("MPSGraphConvolution2DOpDescriptor", "NSObject")
	conv.classMethods["descriptorWithStrideInX:strideInY:dilationRateInX:dilationRateInY:groups:paddingLeft:paddingRight:paddingTop:paddingBottom:paddingStyle:dataLayout:weightsLayout:"] =
		func(r *Runtime, _ *object, args []objc.Value) (objc.Value, error) {
			u := func(i int) int { return int(args[i].Uint) }
			cd := &convDescState{
				strideX: u(0), strideY: u(1), dilationX: u(2), dilationY: u(3), groups: u(4),
				padL: u(5), padR: u(6), padT: u(7), padB: u(8),
				paddingStyle: args[9].Uint, dataLayout: args[10].Uint, weightsLayout: args[11].Uint,
			}
			if cd.strideX == 0 || cd.strideY == 0 || cd.dilationX == 0 || cd.dilationY == 0 || cd.groups == 0 {
				return obj(objc.Nil)
			}
			return obj(r.newAutoreleased("MPSGraphConvolution2DOpDescriptor", cd))
		}
}

// invokeArrayBlock calls a block that returns an NSArray of tensors.
func (r *Runtime) invokeArrayBlock(block objc.ID, what string, args ...objc.ID) ([]objc.ID, error) {
	res, err := r.invokeBlock(block, args...)
	if err != nil {
		return nil, exception("MPSGraphException", "%s block failed: %v", what, err)
	}
	return r.arrayItems(res)
}

func (r *Runtime) argTensors(graph objc.ID, like []objc.ID) []objc.ID {
	outs := make([]*tensorState, len(like))
	for i, id := range like {
		ts, _ := r.tensor(id)
		outs[i] = &tensorState{kind: "arg", shape: ts.shape, dtype: ts.dtype, index: i}
	}
	if len(outs) == 0 {
		return nil
	}
	return r.addOperation(graph, "arguments", nil, outs...)
}

func (r *Runtime) flowOutputs(graph objc.ID, name string, fs *flowState, like []objc.ID, inputs []objc.ID) objc.ID {
	outs := make([]*tensorState, len(like))
	for i, id := range like {
		ts, _ := r.tensor(id)
		outs[i] = &tensorState{kind: fs.kind, shape: ts.shape, dtype: ts.dtype, index: i, flow: fs}
	}
	if len(outs) == 0 {
		return r.newAutoreleasedArray(nil)
	}
	return r.newAutoreleasedArray(r.addOperation(graph, name, inputs, outs...))
}

func graphIf(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
	pred := args[0].ID
	if err := r.checkInputs(self.id, "if", pred); err != nil {
		return objc.Value{}, err
	}
	if args[1].ID.IsNil() {
		return objc.Value{}, exception("NSInvalidArgumentException", "if: then block is required")
	}
	thenRes, err := r.invokeArrayBlock(args[1].ID, "then")
	if err != nil {
		return objc.Value{}, err
	}
	var elseRes []objc.ID
	if !args[2].ID.IsNil() {
		if elseRes, err = r.invokeArrayBlock(args[2].ID, "else"); err != nil {
			return objc.Value{}, err
		}
	}
	if !args[2].ID.IsNil() && len(elseRes) != len(thenRes) {
		return objc.Value{}, exception("MPSGraphException", "if: then returns %d tensors, else %d", len(thenRes), len(elseRes))
	}
	if args[2].ID.IsNil() && len(thenRes) > 0 {
		return objc.Value{}, exception("MPSGraphException", "if: an else block is required when then returns results")
	}
	fs := &flowState{kind: "if", pred: pred, thenRes: thenRes, elseRes: elseRes}
	return obj(r.flowOutputs(self.id, r.opName(args[3], "if"), fs, thenRes, []objc.ID{pred}))
}

func graphWhile(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
	initial, err := r.arrayItems(args[0].ID)
	if err != nil {
		return objc.Value{}, err
	}
	if err := r.checkInputs(self.id, "while", initial...); err != nil {
		return objc.Value{}, err
	}
	condArgs := r.argTensors(self.id, initial)
	results := r.Autorelease(r.newObject("NSMutableArray", &arrayState{}))
	cond, err := r.invokeBlock(args[1].ID, r.newAutoreleasedArray(condArgs), results)
	if err != nil {
		return objc.Value{}, exception("MPSGraphException", "before block failed: %v", err)
	}
	if cond.IsNil() {
		return objc.Value{}, exception("MPSGraphException", "before block returned no predicate")
	}
	condRes, err := r.arrayItems(results)
	if err != nil {
		return objc.Value{}, err
	}
	bodyArgs := r.argTensors(self.id, condRes)
	bodyRes, err := r.invokeArrayBlock(args[2].ID, "after", r.newAutoreleasedArray(bodyArgs))
	if err != nil {
		return objc.Value{}, err
	}
	if len(bodyRes) != len(initial) {
		return objc.Value{}, exception("MPSGraphException", "after block returns %d tensors, loop carries %d", len(bodyRes), len(initial))
	}
	fs := &flowState{kind: "while", initial: initial, args: condArgs, cond: cond, condRes: condRes, bodyArgs: bodyArgs, bodyRes: bodyRes}
	return obj(r.flowOutputs(self.id, r.opName(args[3], "while"), fs, condRes, initial))
}

func graphFor(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
	count := args[0].ID
	initial, err := r.arrayItems(args[1].ID)
	if err != nil {
		return objc.Value{}, err
	}
	if err := r.checkInputs(self.id, "forLoop", append([]objc.ID{count}, initial...)...); err != nil {
		return objc.Value{}, err
	}
	index := r.addTensor(self.id, "index", &tensorState{kind: "arg", shape: []int{}, dtype: dtInt32, index: -1})
	bodyArgs := r.argTensors(self.id, initial)
	bodyRes, err := r.invokeArrayBlock(args[2].ID, "body", index, r.newAutoreleasedArray(bodyArgs))
	if err != nil {
		return objc.Value{}, err
	}
	if len(bodyRes) != len(initial) {
		return objc.Value{}, exception("MPSGraphException", "for body returns %d tensors, loop carries %d", len(bodyRes), len(initial))
	}
	fs := &flowState{kind: "for", count: count, initial: initial, index: index, bodyArgs: bodyArgs, bodyRes: bodyRes}
	return obj(r.flowOutputs(self.id, r.opName(args[3], "for"), fs, initial, append([]objc.ID{count}, initial...)))
}

func graphControlDependency(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
	ops, err := r.arrayItems(args[0].ID)
	if err != nil {
		return objc.Value{}, err
	}
	res, err := r.invokeArrayBlock(args[1].ID, "dependent")
	if err != nil {
		return objc.Value{}, err
	}
	for _, id := range res {
		ts, err := r.tensor(id)
		if err != nil {
			return objc.Value{}, err
		}
		os, err := stateOf[*opState](r, ts.op)
		if err == nil {
			r.mu.Lock()
			os.deps = append(os.deps, ops...)
			r.mu.Unlock()
		}
	}
	return obj(r.newAutoreleasedArray(res))
}
