package sim_bridge

import (
	"fmt"

	"github.com/tsawler/go-mpsgraph/objc"
)

// gradStep is the central difference step used to differentiate.
const gradStep = 1e-2

// write is a pending variable assignment.
type write struct {
	variable *tensorState
	data     []float64
}

func registerVariables(r *Runtime) {
	g := r.classes["MPSGraph"]

	g.methods["variableWithData:shape:dataType:name:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		ds, err := stateOf[*dataState](r, args[0].ID)
		if err != nil {
			return objc.Value{}, err
		}
		shape, err := r.numbers(args[1].ID)
		if err != nil {
			return objc.Value{}, err
		}
		dt := uint32(args[2].Uint)
		if want := numElements(shape) * dtypeSize(dt); len(ds.b) != want {
			return objc.Value{}, exception("MPSGraphException", "variable data is %d bytes, shape %v needs %d", len(ds.b), shape, want)
		}
		data, err := decode(ds.b, dt)
		if err != nil {
			return objc.Value{}, exception("MPSGraphException", "%v", err)
		}
		return obj(r.addTensor(self.id, r.opName(args[3], "variable"),
			&tensorState{kind: "variable", shape: shape, dtype: dt, data: data}))
	}

	g.methods["readVariable:name:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		v, err := r.variable(self.id, "readVariable", args[0].ID)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.addTensor(self.id, r.opName(args[1], "read"),
			&tensorState{kind: "read", inputs: []objc.ID{args[0].ID}, shape: v.shape, dtype: v.dtype}))
	}

	g.methods["assignVariable:withValueOfTensor:name:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		v, err := r.variable(self.id, "assignVariable", args[0].ID)
		if err != nil {
			return objc.Value{}, err
		}
		if err := r.checkInputs(self.id, "assignVariable", args[1].ID); err != nil {
			return objc.Value{}, err
		}
		tv, _ := r.tensor(args[1].ID)
		if tv.dtype != v.dtype {
			return objc.Value{}, exception("MPSGraphException", "assignVariable: value type 0x%x does not match variable 0x%x", tv.dtype, v.dtype)
		}
		if _, err := broadcastShapes(v.shape, tv.shape); err != nil {
			return objc.Value{}, exception("MPSGraphException", "assignVariable: %v", err)
		}
		gs, err := stateOf[*graphState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		opID := r.newObject("MPSGraphOperation", &opState{
			graph:  self.id,
			name:   r.opName(args[2], "assign"),
			inputs: []objc.ID{args[0].ID, args[1].ID},
			assign: args[0].ID,
			value:  args[1].ID,
		})
		r.mu.Lock()
		gs.ops = append(gs.ops, opID)
		r.mu.Unlock()
		return obj(opID)
	}

	g.methods["gradientForPrimaryTensor:withTensors:name:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		primary := args[0].ID
		with, err := r.arrayItems(args[1].ID)
		if err != nil {
			return objc.Value{}, err
		}
		if err := r.checkInputs(self.id, "gradient", append([]objc.ID{primary}, with...)...); err != nil {
			return objc.Value{}, err
		}
		tp, _ := r.tensor(primary)
		if tp.dtype&floatBit == 0 {
			return objc.Value{}, exception("MPSGraphException", "gradient: primary tensor must be floating point")
		}
		if len(with) == 0 {
			return obj(r.Autorelease(r.newResultDictionary(nil, nil)))
		}
		outs := make([]*tensorState, len(with))
		for i, w := range with {
			tw, _ := r.tensor(w)
			outs[i] = &tensorState{kind: "grad", inputs: []objc.ID{primary, w}, shape: tw.shape, dtype: tw.dtype}
		}
		grads := r.addOperation(self.id, r.opName(args[2], "gradient"), append([]objc.ID{primary}, with...), outs...)
		for _, id := range grads {
			r.Retain(id)
		}
		return obj(r.Autorelease(r.newResultDictionary(with, grads)))
	}
}

// variable returns the state of a variable tensor of graph.
func (r *Runtime) variable(graph objc.ID, sel string, id objc.ID) (*tensorState, error) {
	if err := r.checkInputs(graph, sel, id); err != nil {
		return nil, err
	}
	ts, _ := r.tensor(id)
	if ts.kind != "variable" {
		return nil, exception("MPSGraphException", "%s: tensor %s is not a variable", sel, id)
	}
	return ts, nil
}

func (e *evaluator) readVariable(ts *tensorState) *nd {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	return &nd{shape: ts.shape, dtype: ts.dtype, data: ts.data}
}

// assignments evaluates the values the target operations assign. Operations
// that assign nothing have no effect in the simulator.
func (e *evaluator) assignments(graph objc.ID, ops []objc.ID) ([]write, error) {
	var writes []write
	for _, id := range ops {
		os, err := stateOf[*opState](e.r, id)
		if err != nil {
			return nil, err
		}
		if os.graph != graph {
			return nil, fmt.Errorf("operation %s belongs to another graph", id)
		}
		if os.assign.IsNil() {
			continue
		}
		v, err := e.eval(os.value)
		if err != nil {
			return nil, err
		}
		target, err := e.r.tensor(os.assign)
		if err != nil {
			return nil, err
		}
		data := make([]float64, numElements(target.shape))
		if len(data) == len(v.data) {
			copy(data, v.data)
		} else {
			// Broadcast a smaller value over the variable's shape.
			vb, err := mapBroadcast(target.dtype, func(xs []float64) float64 { return xs[1] },
				&nd{shape: target.shape, dtype: target.dtype, data: data}, v)
			if err != nil {
				return nil, err
			}
			data = vb.data
		}
		writes = append(writes, write{variable: target, data: data})
	}
	return writes, nil
}

// commit applies assignments. Variables are replaced, never mutated, so
// values already read stay intact.
func (r *Runtime) commit(writes []write) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range writes {
		w.variable.data = w.data
	}
}

// gradient differentiates the sum of primary with respect to wrt by central
// differences, re-evaluating primary with wrt pinned to perturbed values.
func (e *evaluator) gradient(ts *tensorState) (*nd, error) {
	primary, wrt := ts.inputs[0], ts.inputs[1]
	x, err := e.eval(wrt)
	if err != nil {
		return nil, err
	}
	total := func(data []float64) (float64, error) {
		c := e.child(nil)
		c.pinned[wrt] = &nd{shape: x.shape, dtype: x.dtype, data: data}
		y, err := c.eval(primary)
		if err != nil {
			return 0, err
		}
		var sum float64
		for _, v := range y.data {
			sum += v
		}
		return sum, nil
	}
	out := &nd{shape: x.shape, dtype: x.dtype, data: make([]float64, len(x.data))}
	for i := range x.data {
		shifted := append([]float64(nil), x.data...)
		shifted[i] = x.data[i] + gradStep
		up, err := total(shifted)
		if err != nil {
			return nil, err
		}
		shifted[i] = x.data[i] - gradStep
		down, err := total(shifted)
		if err != nil {
			return nil, err
		}
		out.data[i] = normalize((up-down)/(2*gradStep), x.dtype)
	}
	return out, nil
}
