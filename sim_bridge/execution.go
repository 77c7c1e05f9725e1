package sim_bridge

import (
	"os"
	"time"

	"github.com/tsawler/go-mpsgraph/objc"
	"go.uber.org/zap"
)

type tensorDataState struct {
	shape  []int
	dtype  uint32
	bytes  []byte
	buffer objc.ID // shares storage with an MTLBuffer when set
	device objc.ID
}

func (s *tensorDataState) owned() []objc.ID { return []objc.ID{s.buffer, s.device} }

type ndarrayState struct {
	data objc.ID
}

func (s *ndarrayState) owned() []objc.ID { return []objc.ID{s.data} }

type execDescState struct {
	wait       bool
	completion objc.ID
	scheduled  objc.ID
}

func (s *execDescState) owned() []objc.ID { return []objc.ID{s.completion, s.scheduled} }

type compDescState struct {
	optimizationLevel uint64
	waitForCompletion bool
	completion        objc.ID
}

func (s *compDescState) owned() []objc.ID { return []objc.ID{s.completion} }

type serialDescState struct {
	appendMode bool
	platform   uint64
	target     string
}

type executableState struct {
	graph      objc.ID
	feeds      []objc.ID
	feedTypes  []shapedTypeState
	targets    []objc.ID
	targetOps  []objc.ID
	optLevel   uint64
	serialized string
}

func (s *executableState) owned() []objc.ID { return []objc.ID{s.graph} }

func (r *Runtime) tensorDataBytes(td *tensorDataState) []byte {
	n := numElements(td.shape) * dtypeSize(td.dtype)
	if !td.buffer.IsNil() {
		b, err := r.bufferBytes(td.buffer)
		if err != nil || len(b) < n {
			return make([]byte, n)
		}
		return b[:n]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), td.bytes...)
}

func (r *Runtime) writeTensorData(td *tensorDataState, b []byte) {
	if !td.buffer.IsNil() {
		if bs, err := stateOf[*bufferState](r, td.buffer); err == nil {
			r.WriteMemory(bs.base, b)
		}
		return
	}
	r.mu.Lock()
	td.bytes = append(td.bytes[:0], b...)
	r.mu.Unlock()
}

func (r *Runtime) ndOf(id objc.ID) (*nd, error) {
	td, err := stateOf[*tensorDataState](r, id)
	if err != nil {
		return nil, err
	}
	data, err := decode(r.tensorDataBytes(td), td.dtype)
	if err != nil {
		return nil, exception("MPSGraphException", "%v", err)
	}
	return &nd{shape: td.shape, dtype: td.dtype, data: data}, nil
}

// newTensorData returns a +1 tensor data holding v.
func (r *Runtime) newTensorData(v *nd) (objc.ID, error) {
	b, err := encode(v.data, v.dtype)
	if err != nil {
		return objc.Nil, exception("MPSGraphException", "%v", err)
	}
	return r.newObject("MPSGraphTensorData", &tensorDataState{shape: append([]int{}, v.shape...), dtype: v.dtype, bytes: b}), nil
}

// newResultDictionary builds a +1 dictionary that takes over the references
// of values and retains keys.
func (r *Runtime) newResultDictionary(keys, values []objc.ID) objc.ID {
	for _, k := range keys {
		r.Retain(k)
	}
	return r.newObject("NSDictionary", &dictState{keys: append([]objc.ID(nil), keys...), values: values})
}

// newOwnedArray builds a +1 array that takes over the references of items.
func (r *Runtime) newOwnedArray(items []objc.ID) objc.ID {
	return r.newObject("NSArray", &arrayState{items: items})
}

func (r *Runtime) checkGraphTensors(graph objc.ID, ids []objc.ID) error {
	for _, id := range ids {
		ts, err := r.tensor(id)
		if err != nil {
			return err
		}
		if ts.graph != graph {
			return exception("NSInvalidArgumentException", "tensor %s does not belong to graph %s", id, graph)
		}
	}
	return nil
}

// evaluateGraph evaluates targets with the given feed dictionary and returns
// the results as +1 tensor data in target order.
func (r *Runtime) evaluateGraph(graph, feedsDict objc.ID, targets, ops []objc.ID) ([]objc.ID, error) {
	feeds := map[objc.ID]*nd{}
	if !feedsDict.IsNil() {
		ds, err := stateOf[*dictState](r, feedsDict)
		if err != nil {
			return nil, err
		}
		if err := r.checkGraphTensors(graph, ds.keys); err != nil {
			return nil, err
		}
		for i, k := range ds.keys {
			v, err := r.ndOf(ds.values[i])
			if err != nil {
				return nil, err
			}
			feeds[k] = v
		}
	}
	return r.evaluate(graph, feeds, targets, ops)
}

// evaluate runs targets and the target operations ops. Variable
// assignments made by ops take effect once every target has been read.
func (r *Runtime) evaluate(graph objc.ID, feeds map[objc.ID]*nd, targets, ops []objc.ID) ([]objc.ID, error) {
	if err := r.checkGraphTensors(graph, targets); err != nil {
		return nil, err
	}
	e := newEvaluator(r, feeds)
	writes, err := e.assignments(graph, ops)
	if err != nil {
		return nil, exception("MPSGraphException", "%v", err)
	}
	out := make([]objc.ID, 0, len(targets))
	for _, t := range targets {
		v, err := e.eval(t)
		if err == nil {
			var td objc.ID
			if td, err = r.newTensorData(v); err == nil {
				out = append(out, td)
				continue
			}
		}
		for _, id := range out {
			r.Release(id)
		}
		return nil, exception("MPSGraphException", "%v", err)
	}
	r.commit(writes)
	return out, nil
}

func (r *Runtime) runGraph(graph, feeds, targetsArr, opsArr objc.ID) (objc.ID, error) {
	targets, err := r.arrayItems(targetsArr)
	if err != nil {
		return objc.Nil, err
	}
	ops, err := r.arrayItems(opsArr)
	if err != nil {
		return objc.Nil, err
	}
	values, err := r.evaluateGraph(graph, feeds, targets, ops)
	if err != nil {
		return objc.Nil, err
	}
	return r.newResultDictionary(targets, values), nil
}

func (r *Runtime) execDesc(id objc.ID) (execDescState, error) {
	if id.IsNil() {
		return execDescState{}, nil
	}
	ds, err := stateOf[*execDescState](r, id)
	if err != nil {
		return execDescState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return *ds, nil
}

// deliver invokes the scheduled and completion handlers with (results, err).
// It takes over one reference on results and errID. When wait is false the
// handlers run on another goroutine after the configured delay.
func (r *Runtime) deliver(desc execDescState, results, errID objc.ID) {
	if desc.completion.IsNil() && desc.scheduled.IsNil() {
		r.Release(results)
		r.Release(errID)
		return
	}
	r.Retain(desc.completion)
	r.Retain(desc.scheduled)
	run := func() {
		token := r.PushPool()
		for _, h := range []objc.ID{desc.scheduled, desc.completion} {
			if h.IsNil() {
				continue
			}
			if _, err := r.invokeBlock(h, results, errID); err != nil {
				r.logger.Debug("handler returned error", zap.Stringer("block", h), zap.Error(err))
			}
		}
		r.PopPool(token)
		r.Release(desc.completion)
		r.Release(desc.scheduled)
		r.Release(results)
		r.Release(errID)
	}
	if desc.wait {
		run()
		return
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		if r.opts.CompletionDelay > 0 {
			time.Sleep(r.opts.CompletionDelay)
		}
		run()
	}()
}

func (r *Runtime) failure(domain string, err error) objc.ID {
	return r.newObject("NSError", &errorState{domain: domain, code: -1, desc: err.Error()})
}

func (r *Runtime) runGraphAsync(graph, feeds, targetsArr, opsArr, descID objc.ID) (objc.Value, error) {
	desc, err := r.execDesc(descID)
	if err != nil {
		return objc.Value{}, err
	}
	results, runErr := r.runGraph(graph, feeds, targetsArr, opsArr)
	if runErr != nil {
		if desc.completion.IsNil() {
			return objc.Value{}, runErr
		}
		r.deliver(desc, r.newResultDictionary(nil, nil), r.failure("MPSGraphErrorDomain", runErr))
		return obj(objc.Nil)
	}
	r.Retain(results)
	r.deliver(desc, results, objc.Nil)
	return obj(r.Autorelease(results))
}

func (r *Runtime) checkQueue(id objc.ID) error {
	_, err := stateOf[*queueState](r, id)
	if err != nil {
		return exception("NSInvalidArgumentException", "%s is not a command queue", id)
	}
	return nil
}

func (r *Runtime) encodeGraph(graph, cmdBuf, feedsDict, targetsArr, opsArr objc.ID) (objc.Value, error) {
	cs, err := stateOf[*commandBufferState](r, cmdBuf)
	if err != nil {
		return objc.Value{}, err
	}
	targets, err := r.arrayItems(targetsArr)
	if err != nil {
		return objc.Value{}, err
	}
	ops, err := r.arrayItems(opsArr)
	if err != nil {
		return objc.Value{}, err
	}
	if err := r.checkGraphTensors(graph, targets); err != nil {
		return objc.Value{}, err
	}
	// Results exist immediately and are filled in when the buffer commits.
	values := make([]objc.ID, len(targets))
	for i, t := range targets {
		ts, _ := r.tensor(t)
		values[i] = r.newObject("MPSGraphTensorData", &tensorDataState{
			shape: append([]int{}, ts.shape...), dtype: ts.dtype,
			bytes: make([]byte, numElements(ts.shape)*dtypeSize(ts.dtype)),
		})
	}
	dict := r.newResultDictionary(targets, values)
	r.Retain(graph)
	r.Retain(feedsDict)
	r.Retain(dict)
	r.mu.Lock()
	cs.work = append(cs.work, func() error {
		defer r.Release(graph)
		defer r.Release(feedsDict)
		defer r.Release(dict)
		out, err := r.evaluateGraph(graph, feedsDict, targets, ops)
		if err != nil {
			return err
		}
		r.fill(values, out)
		return nil
	})
	r.mu.Unlock()
	return obj(r.Autorelease(dict))
}

// fill copies freshly computed results into existing tensor data and
// releases the temporaries.
func (r *Runtime) fill(dst, src []objc.ID) {
	for i, id := range src {
		from, _ := stateOf[*tensorDataState](r, id)
		to, err := stateOf[*tensorDataState](r, dst[i])
		if err == nil && from != nil {
			r.writeTensorData(to, r.tensorDataBytes(from))
		}
		r.Release(id)
	}
}

func (r *Runtime) compile(graph, feedsDict, targetsArr, opsArr, compDesc objc.ID) (objc.Value, error) {
	ds, err := stateOf[*dictState](r, feedsDict)
	if err != nil {
		return objc.Value{}, err
	}
	if err := r.checkGraphTensors(graph, ds.keys); err != nil {
		return objc.Value{}, err
	}
	targets, err := r.arrayItems(targetsArr)
	if err != nil {
		return objc.Value{}, err
	}
	if err := r.checkGraphTensors(graph, targets); err != nil {
		return objc.Value{}, err
	}
	ops, err := r.arrayItems(opsArr)
	if err != nil {
		return objc.Value{}, err
	}
	es := &executableState{
		graph:     r.Retain(graph),
		feeds:     append([]objc.ID(nil), ds.keys...),
		targets:   targets,
		targetOps: ops,
	}
	for _, v := range ds.values {
		st, err := stateOf[*shapedTypeState](r, v)
		if err != nil {
			r.Release(graph)
			return objc.Value{}, err
		}
		es.feedTypes = append(es.feedTypes, *st)
	}
	var cd compDescState
	if !compDesc.IsNil() {
		c, err := stateOf[*compDescState](r, compDesc)
		if err != nil {
			r.Release(graph)
			return objc.Value{}, err
		}
		r.mu.Lock()
		cd = *c
		r.mu.Unlock()
	}
	es.optLevel = cd.optimizationLevel
	exe := r.newAutoreleased("MPSGraphExecutable", es)
	if !cd.completion.IsNil() {
		if _, err := r.invokeBlock(cd.completion, exe, objc.Nil); err != nil {
			r.logger.Debug("compilation handler returned error", zap.Error(err))
		}
	}
	return obj(exe)
}

func (r *Runtime) executable(id objc.ID) (*executableState, error) {
	return stateOf[*executableState](r, id)
}

// executableFeeds converts an inputs array into feeds, checking it against
// the compiled types.
func (r *Runtime) executableFeeds(es *executableState, inputsArr objc.ID) (map[objc.ID]*nd, error) {
	inputs, err := r.arrayItems(inputsArr)
	if err != nil {
		return nil, err
	}
	if len(inputs) != len(es.feeds) {
		return nil, exception("MPSGraphException", "executable expects %d inputs, got %d", len(es.feeds), len(inputs))
	}
	feeds := make(map[objc.ID]*nd, len(inputs))
	for i, in := range inputs {
		v, err := r.ndOf(in)
		if err != nil {
			return nil, err
		}
		ft := es.feedTypes[i]
		if err := checkFeed(&tensorState{shape: ft.shape, dtype: ft.dtype}, v); err != nil {
			return nil, exception("MPSGraphException", "input %d: %v", i, err)
		}
		feeds[es.feeds[i]] = v
	}
	return feeds, nil
}

// runExecutable returns a +1 array of results. When resultsArr is given the
// results are written into it.
func (r *Runtime) runExecutable(es *executableState, inputsArr, resultsArr objc.ID) (objc.ID, error) {
	feeds, err := r.executableFeeds(es, inputsArr)
	if err != nil {
		return objc.Nil, err
	}
	out, err := r.evaluate(es.graph, feeds, es.targets, nil)
	if err != nil {
		return objc.Nil, err
	}
	if resultsArr.IsNil() {
		return r.newOwnedArray(out), nil
	}
	dst, err := r.arrayItems(resultsArr)
	if err != nil {
		return objc.Nil, err
	}
	if len(dst) != len(out) {
		for _, id := range out {
			r.Release(id)
		}
		return objc.Nil, exception("MPSGraphException", "results array has %d entries, executable produces %d", len(dst), len(out))
	}
	r.fill(dst, out)
	return r.newArray("NSArray", dst), nil
}

func registerExecution(r *Runtime) {
	g := r.classes["MPSGraph"]
	g.methods["runWithFeeds:targetTensors:targetOperations:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		res, err := r.runGraph(self.id, args[0].ID, args[1].ID, args[2].ID)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.Autorelease(res))
	}
	g.methods["runWithMTLCommandQueue:feeds:targetTensors:targetOperations:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		if err := r.checkQueue(args[0].ID); err != nil {
			return objc.Value{}, err
		}
		res, err := r.runGraph(self.id, args[1].ID, args[2].ID, args[3].ID)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.Autorelease(res))
	}
	g.methods["runAsyncWithFeeds:targetTensors:targetOperations:executionDescriptor:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		return r.runGraphAsync(self.id, args[0].ID, args[1].ID, args[2].ID, args[3].ID)
	}
	g.methods["runAsyncWithMTLCommandQueue:feeds:targetTensors:targetOperations:executionDescriptor:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		if err := r.checkQueue(args[0].ID); err != nil {
			return objc.Value{}, err
		}
		return r.runGraphAsync(self.id, args[1].ID, args[2].ID, args[3].ID, args[4].ID)
	}
	g.methods["encodeToCommandBuffer:feeds:targetTensors:targetOperations:executionDescriptor:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		return r.encodeGraph(self.id, args[0].ID, args[1].ID, args[2].ID, args[3].ID)
	}
	g.methods["compileWithDevice:feeds:targetTensors:targetOperations:compilationDescriptor:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		if !args[0].ID.IsNil() {
			if _, err := stateOf[*graphDeviceState](r, args[0].ID); err != nil {
				return objc.Value{}, err
			}
		}
		return r.compile(self.id, args[1].ID, args[2].ID, args[3].ID, args[4].ID)
	}

	td := r.defineClass("MPSGraphTensorData", "NSObject")
	td.methods["initWithDevice:data:shape:dataType:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		if _, err := stateOf[*graphDeviceState](r, args[0].ID); err != nil {
			return objc.Value{}, err
		}
		ds, err := stateOf[*dataState](r, args[1].ID)
		if err != nil {
			return objc.Value{}, err
		}
		shape, err := r.numbers(args[2].ID)
		if err != nil {
			return objc.Value{}, err
		}
		dt := uint32(args[3].Uint)
		if want := numElements(shape) * dtypeSize(dt); len(ds.b) != want {
			return objc.Value{}, exception("NSInvalidArgumentException", "data is %d bytes, shape %v of type 0x%x needs %d", len(ds.b), shape, dt, want)
		}
		r.Retain(args[0].ID)
		r.setValue(self, &tensorDataState{shape: shape, dtype: dt, bytes: append([]byte(nil), ds.b...), device: args[0].ID})
		return obj(self.id)
	}
	td.methods["initWithMTLBuffer:shape:dataType:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		bs, err := stateOf[*bufferState](r, args[0].ID)
		if err != nil {
			return objc.Value{}, err
		}
		shape, err := r.numbers(args[1].ID)
		if err != nil {
			return objc.Value{}, err
		}
		dt := uint32(args[2].Uint)
		if want := numElements(shape) * dtypeSize(dt); bs.length < want {
			return objc.Value{}, exception("NSInvalidArgumentException", "buffer is %d bytes, shape %v of type 0x%x needs %d", bs.length, shape, dt, want)
		}
		r.Retain(args[0].ID)
		r.setValue(self, &tensorDataState{shape: shape, dtype: dt, buffer: args[0].ID})
		return obj(self.id)
	}
	td.methods["shape"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		s, err := stateOf[*tensorDataState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.newNumberArray(s.shape))
	}
	td.methods["dataType"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		s, err := stateOf[*tensorDataState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return uintv(uint64(s.dtype))
	}
	td.methods["device"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		s, err := stateOf[*tensorDataState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(s.device)
	}
	td.methods["mpsndarray"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		if _, err := stateOf[*tensorDataState](r, self.id); err != nil {
			return objc.Value{}, err
		}
		r.Retain(self.id)
		return obj(r.newAutoreleased("MPSNDArray", &ndarrayState{data: self.id}))
	}

	nda := r.defineClass("MPSNDArray", "NSObject")
	ndData := func(r *Runtime, self *object) (*tensorDataState, error) {
		ns, err := stateOf[*ndarrayState](r, self.id)
		if err != nil {
			return nil, err
		}
		return stateOf[*tensorDataState](r, ns.data)
	}
	nda.methods["readBytes:strideBytes:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		s, err := ndData(r, self)
		if err != nil {
			return objc.Value{}, err
		}
		copy(args[0].Bytes, r.tensorDataBytes(s))
		return void()
	}
	nda.methods["writeBytes:strideBytes:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		s, err := ndData(r, self)
		if err != nil {
			return objc.Value{}, err
		}
		want := numElements(s.shape) * dtypeSize(s.dtype)
		b := make([]byte, want)
		copy(b, args[0].Bytes)
		r.writeTensorData(s, b)
		return void()
	}
	nda.methods["dataType"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		s, err := ndData(r, self)
		if err != nil {
			return objc.Value{}, err
		}
		return uintv(uint64(s.dtype))
	}
	nda.methods["numberOfDimensions"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		s, err := ndData(r, self)
		if err != nil {
			return objc.Value{}, err
		}
		return uintv(uint64(len(s.shape)))
	}
	// MPSNDArray numbers dimensions from the fastest varying one.
	nda.methods["lengthOfDimension:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		s, err := ndData(r, self)
		if err != nil {
			return objc.Value{}, err
		}
		i := int(args[0].Uint)
		if i >= len(s.shape) {
			return uintv(1)
		}
		return uintv(uint64(s.shape[len(s.shape)-1-i]))
	}

	defineExecDesc := func(name string) {
		c := r.defineClass(name, "NSObject")
		c.methods["init"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
			r.setValue(self, &execDescState{})
			return obj(self.id)
		}
		c.methods["waitUntilCompleted"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
			d, err := r.execDesc(self.id)
			if err != nil {
				return objc.Value{}, err
			}
			return boolv(d.wait)
		}
		c.methods["setWaitUntilCompleted:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
			d, err := stateOf[*execDescState](r, self.id)
			if err != nil {
				return objc.Value{}, err
			}
			r.mu.Lock()
			d.wait = args[0].Bool
			r.mu.Unlock()
			return void()
		}
		handler := func(get func(*execDescState) *objc.ID) (method, method) {
			getter := func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
				d, err := stateOf[*execDescState](r, self.id)
				if err != nil {
					return objc.Value{}, err
				}
				r.mu.Lock()
				defer r.mu.Unlock()
				return obj(*get(d))
			}
			setter := func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
				d, err := stateOf[*execDescState](r, self.id)
				if err != nil {
					return objc.Value{}, err
				}
				// Handler properties copy the block.
				r.Retain(args[0].ID)
				r.mu.Lock()
				old := *get(d)
				*get(d) = args[0].ID
				r.mu.Unlock()
				r.Release(old)
				return void()
			}
			return getter, setter
		}
		c.methods["completionHandler"], c.methods["setCompletionHandler:"] = handler(func(d *execDescState) *objc.ID { return &d.completion })
		c.methods["scheduledHandler"], c.methods["setScheduledHandler:"] = handler(func(d *execDescState) *objc.ID { return &d.scheduled })
	}
	defineExecDesc("MPSGraphExecutionDescriptor")
	defineExecDesc("MPSGraphExecutableExecutionDescriptor")

	cd := r.defineClass("MPSGraphCompilationDescriptor", "NSObject")
	cd.methods["init"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		r.setValue(self, &compDescState{optimizationLevel: 1, waitForCompletion: true})
		return obj(self.id)
	}
	compField := func(self *object, f func(*compDescState) objc.Value) (objc.Value, error) {
		c, err := stateOf[*compDescState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		return f(c), nil
	}
	cd.methods["optimizationLevel"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		return compField(self, func(c *compDescState) objc.Value { return objc.Uint(c.optimizationLevel) })
	}
	cd.methods["setOptimizationLevel:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		return compField(self, func(c *compDescState) objc.Value {
			c.optimizationLevel = args[0].Uint
			return objc.Value{}
		})
	}
	cd.methods["waitForCompilationCompletion"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		return compField(self, func(c *compDescState) objc.Value { return objc.Bool(c.waitForCompletion) })
	}
	cd.methods["setWaitForCompilationCompletion:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		return compField(self, func(c *compDescState) objc.Value {
			c.waitForCompletion = args[0].Bool
			return objc.Value{}
		})
	}
	cd.methods["setCompilationCompletionHandler:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		r.Retain(args[0].ID)
		var old objc.ID
		v, err := compField(self, func(c *compDescState) objc.Value {
			old, c.completion = c.completion, args[0].ID
			return objc.Value{}
		})
		if err != nil {
			r.Release(args[0].ID)
			return v, err
		}
		r.Release(old)
		return v, nil
	}

	sd := r.defineClass("MPSGraphExecutableSerializationDescriptor", "NSObject")
	sd.methods["init"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		r.setValue(self, &serialDescState{})
		return obj(self.id)
	}
	sd.methods["setAppend:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		s, err := stateOf[*serialDescState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		r.mu.Lock()
		s.appendMode = args[0].Bool
		r.mu.Unlock()
		return void()
	}
	sd.methods["setDeploymentPlatform:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		s, err := stateOf[*serialDescState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		r.mu.Lock()
		s.platform = args[0].Uint
		r.mu.Unlock()
		return void()
	}
	sd.methods["setMinimumDeploymentTarget:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		s, err := stateOf[*serialDescState](r, self.id)
		if err != nil {
			return objc.Value{}, err
		}
		target := r.stringOf(args[0].ID)
		r.mu.Lock()
		s.target = target
		r.mu.Unlock()
		return void()
	}
	sd.since["init"] = "14.0"

	exe := r.defineClass("MPSGraphExecutable", "NSObject")
	exe.methods["feedTensors"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		es, err := r.executable(self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.newAutoreleasedArray(es.feeds))
	}
	exe.methods["targetTensors"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		es, err := r.executable(self.id)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.newAutoreleasedArray(es.targets))
	}
	exe.methods["runWithMTLCommandQueue:inputsArray:resultsArray:executionDescriptor:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		es, err := r.executable(self.id)
		if err != nil {
			return objc.Value{}, err
		}
		if err := r.checkQueue(args[0].ID); err != nil {
			return objc.Value{}, err
		}
		res, err := r.runExecutable(es, args[1].ID, args[2].ID)
		if err != nil {
			return objc.Value{}, err
		}
		return obj(r.Autorelease(res))
	}
	exe.methods["runAsyncWithMTLCommandQueue:inputsArray:resultsArray:executionDescriptor:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		es, err := r.executable(self.id)
		if err != nil {
			return objc.Value{}, err
		}
		if err := r.checkQueue(args[0].ID); err != nil {
			return objc.Value{}, err
		}
		desc, err := r.execDesc(args[3].ID)
		if err != nil {
			return objc.Value{}, err
		}
		res, runErr := r.runExecutable(es, args[1].ID, args[2].ID)
		if runErr != nil {
			if desc.completion.IsNil() {
				return objc.Value{}, runErr
			}
			r.deliver(desc, r.newOwnedArray(nil), r.failure("MPSGraphErrorDomain", runErr))
			return obj(objc.Nil)
		}
		r.Retain(res)
		r.deliver(desc, res, objc.Nil)
		return obj(r.Autorelease(res))
	}
	exe.methods["encodeToCommandBuffer:inputsArray:resultsArray:executionDescriptor:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		es, err := r.executable(self.id)
		if err != nil {
			return objc.Value{}, err
		}
		cs, err := stateOf[*commandBufferState](r, args[0].ID)
		if err != nil {
			return objc.Value{}, err
		}
		values := make([]objc.ID, len(es.targets))
		for i, t := range es.targets {
			ts, _ := r.tensor(t)
			values[i] = r.newObject("MPSGraphTensorData", &tensorDataState{
				shape: append([]int{}, ts.shape...), dtype: ts.dtype,
				bytes: make([]byte, numElements(ts.shape)*dtypeSize(ts.dtype)),
			})
		}
		arr := r.newOwnedArray(values)
		inputs := args[1].ID
		r.Retain(inputs)
		r.Retain(arr)
		r.mu.Lock()
		cs.work = append(cs.work, func() error {
			defer r.Release(inputs)
			defer r.Release(arr)
			res, err := r.runExecutable(es, inputs, arr)
			r.Release(res)
			return err
		})
		r.mu.Unlock()
		return obj(r.Autorelease(arr))
	}
	exe.methods["getOutputTypesWithDevice:inputTypes:compilationDescriptor:"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		es, err := r.executable(self.id)
		if err != nil {
			return objc.Value{}, err
		}
		types := make([]objc.ID, len(es.targets))
		for i, t := range es.targets {
			ts, _ := r.tensor(t)
			types[i] = r.newAutoreleased("MPSGraphShapedType", &shapedTypeState{shape: ts.shape, dtype: ts.dtype})
		}
		return obj(r.newAutoreleasedArray(types))
	}
	exe.methods["specializeWithDevice:inputTypes:compilationDescriptor:"] = func(r *Runtime, self *object, _ []objc.Value) (objc.Value, error) {
		if _, err := r.executable(self.id); err != nil {
			return objc.Value{}, err
		}
		return void()
	}
	exe.methods["serializeToMPSGraphPackageAtURL:descriptor:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		es, err := r.executable(self.id)
		if err != nil {
			return objc.Value{}, err
		}
		us, err := stateOf[*urlState](r, args[0].ID)
		if err != nil {
			return objc.Value{}, err
		}
		if err := os.MkdirAll(us.path, 0o755); err != nil {
			return objc.Value{}, exception("NSInvalidArgumentException", "cannot create package %s: %v", us.path, err)
		}
		saved := *es
		saved.serialized = us.path
		r.Retain(saved.graph)
		r.mu.Lock()
		if prev, ok := r.packages[us.path]; ok {
			defer r.Release(prev.graph)
		}
		r.packages[us.path] = &saved
		r.mu.Unlock()
		return void()
	}
	exe.since["serializeToMPSGraphPackageAtURL:descriptor:"] = "14.0"
	exe.methods["initWithMPSGraphPackageAtURL:compilationDescriptor:"] = func(r *Runtime, self *object, args []objc.Value) (objc.Value, error) {
		us, err := stateOf[*urlState](r, args[0].ID)
		if err != nil {
			return objc.Value{}, err
		}
		r.mu.Lock()
		saved, ok := r.packages[us.path]
		r.mu.Unlock()
		if !ok {
			// A failing initializer releases the receiver and returns nil.
			r.Release(self.id)
			return obj(objc.Nil)
		}
		loaded := *saved
		r.Retain(loaded.graph)
		r.setValue(self, &loaded)
		return obj(self.id)
	}
	exe.since["initWithMPSGraphPackageAtURL:compilationDescriptor:"] = "14.0"
}
