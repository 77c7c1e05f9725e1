package sim_bridge

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/tsawler/go-mpsgraph/objc"
)

// maxLoopIterations bounds while loops whose predicate never turns false.
const maxLoopIterations = 1 << 20

// nd is a dense row-major array held as float64 regardless of element type.
type nd struct {
	shape []int
	dtype uint32
	data  []float64
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

func normalizeAxes(axes []int, rank int) ([]int, error) {
	out := make([]int, 0, len(axes))
	seen := map[int]bool{}
	for _, a := range axes {
		if a < 0 {
			a += rank
		}
		if a < 0 || a >= rank {
			return nil, fmt.Errorf("axis %d out of range for rank %d", a, rank)
		}
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Ints(out)
	return out, nil
}

// resolveReshape fills in a single -1 dimension from the input size.
func resolveReshape(in, want []int) ([]int, error) {
	out := append([]int(nil), want...)
	infer := -1
	known := 1
	for i, d := range out {
		switch {
		case d == -1 && infer >= 0:
			return nil, fmt.Errorf("more than one -1 in %v", want)
		case d == -1:
			infer = i
		case d < 0:
			return nil, fmt.Errorf("invalid dimension %d in %v", d, want)
		default:
			known *= d
		}
	}
	if in == nil {
		if infer >= 0 {
			return nil, nil
		}
		return out, nil
	}
	total := numElements(in)
	if infer >= 0 {
		if known == 0 || total%known != 0 {
			return nil, fmt.Errorf("cannot reshape %v into %v", in, want)
		}
		out[infer] = total / known
	} else if known != total {
		return nil, fmt.Errorf("cannot reshape %v into %v", in, want)
	}
	return out, nil
}

func matmulShape(a, b []int) ([]int, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	if len(a) < 2 || len(b) < 2 {
		return nil, fmt.Errorf("operands must have rank >= 2, got %v and %v", a, b)
	}
	if a[len(a)-1] != b[len(b)-2] {
		return nil, fmt.Errorf("inner dimensions differ: %v x %v", a, b)
	}
	batchA, batchB := a[:len(a)-2], b[:len(b)-2]
	batch, err := broadcastShapes(batchA, batchB)
	if err != nil {
		return nil, err
	}
	return append(batch, a[len(a)-2], b[len(b)-1]), nil
}

// Layout values from MPSGraphTensorNamedDataLayout.
const (
	layoutNCHW = 0
	layoutNHWC = 1
	layoutOIHW = 2
	layoutHWIO = 3
)

// Padding styles from MPSGraphPaddingStyle.
const (
	paddingExplicit = 0
	paddingValid    = 1
	paddingSame     = 2
)

// conv2dGeometry returns (N, C, H, W) and (O, I, KH, KW) in canonical order.
func conv2dGeometry(src, w []int, cd *convDescState) (s [4]int, k [4]int, err error) {
	if len(src) != 4 || len(w) != 4 {
		return s, k, fmt.Errorf("source %v and weights %v must be rank 4", src, w)
	}
	switch cd.dataLayout {
	case layoutNCHW:
		s = [4]int{src[0], src[1], src[2], src[3]}
	case layoutNHWC:
		s = [4]int{src[0], src[3], src[1], src[2]}
	default:
		return s, k, fmt.Errorf("unsupported data layout %d", cd.dataLayout)
	}
	switch cd.weightsLayout {
	case layoutOIHW:
		k = [4]int{w[0], w[1], w[2], w[3]}
	case layoutHWIO:
		k = [4]int{w[3], w[2], w[0], w[1]}
	default:
		return s, k, fmt.Errorf("unsupported weights layout %d", cd.weightsLayout)
	}
	if s[1] != k[1]*cd.groups {
		return s, k, fmt.Errorf("%d input channels, weights expect %d", s[1], k[1]*cd.groups)
	}
	return s, k, nil
}

// convPads resolves the padding style into explicit top, bottom, left, right.
func convPads(h, w, kh, kw int, cd *convDescState) (t, b, l, r int) {
	switch cd.paddingStyle {
	case paddingValid:
		return 0, 0, 0, 0
	case paddingSame:
		same := func(in, k, stride, dil int) (int, int) {
			eff := (k-1)*dil + 1
			out := (in + stride - 1) / stride
			total := max((out-1)*stride+eff-in, 0)
			return total / 2, total - total/2
		}
		t, b = same(h, kh, cd.strideY, cd.dilationY)
		l, r = same(w, kw, cd.strideX, cd.dilationX)
		return t, b, l, r
	default:
		return cd.padT, cd.padB, cd.padL, cd.padR
	}
}

func convOut(in, k, stride, dil, p0, p1 int) int {
	eff := (k-1)*dil + 1
	return (in+p0+p1-eff)/stride + 1
}

func convShape(src, w []int, cd *convDescState) ([]int, error) {
	if src == nil || w == nil {
		return nil, nil
	}
	s, k, err := conv2dGeometry(src, w, cd)
	if err != nil {
		return nil, err
	}
	pt, pb, pl, pr := convPads(s[2], s[3], k[2], k[3], cd)
	oh := convOut(s[2], k[2], cd.strideY, cd.dilationY, pt, pb)
	ow := convOut(s[3], k[3], cd.strideX, cd.dilationX, pl, pr)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("kernel %v larger than padded input %v", w, src)
	}
	if cd.dataLayout == layoutNHWC {
		return []int{s[0], oh, ow, k[0]}, nil
	}
	return []int{s[0], k[0], oh, ow}, nil
}

func decode(b []byte, dt uint32) ([]float64, error) {
	size := dtypeSize(dt)
	if size == 0 || dt&complexBit != 0 {
		return nil, fmt.Errorf("data type 0x%x is not supported by the simulator", dt)
	}
	if len(b)%size != 0 {
		return nil, fmt.Errorf("%d bytes is not a multiple of element size %d", len(b), size)
	}
	out := make([]float64, len(b)/size)
	le := binary.LittleEndian
	for i := range out {
		p := b[i*size:]
		switch dt {
		case dtFloat32:
			out[i] = float64(math.Float32frombits(le.Uint32(p)))
		case dtFloat16:
			out[i] = float64(halfToFloat(le.Uint16(p)))
		case dtInt8:
			out[i] = float64(int8(p[0]))
		case dtInt16:
			out[i] = float64(int16(le.Uint16(p)))
		case dtInt32:
			out[i] = float64(int32(le.Uint32(p)))
		case dtInt64:
			out[i] = float64(int64(le.Uint64(p)))
		case dtUInt8, dtBool:
			out[i] = float64(p[0])
		case dtUInt16:
			out[i] = float64(le.Uint16(p))
		case dtUInt32:
			out[i] = float64(le.Uint32(p))
		case dtUInt64:
			out[i] = float64(le.Uint64(p))
		default:
			return nil, fmt.Errorf("data type 0x%x is not supported by the simulator", dt)
		}
	}
	return out, nil
}

func encode(v []float64, dt uint32) ([]byte, error) {
	size := dtypeSize(dt)
	b := make([]byte, len(v)*size)
	le := binary.LittleEndian
	for i, x := range v {
		p := b[i*size:]
		switch dt {
		case dtFloat32:
			le.PutUint32(p, math.Float32bits(float32(x)))
		case dtFloat16:
			le.PutUint16(p, floatToHalf(float32(x)))
		case dtInt8, dtUInt8:
			p[0] = byte(int64(x))
		case dtBool:
			if x != 0 {
				p[0] = 1
			}
		case dtInt16, dtUInt16:
			le.PutUint16(p, uint16(int64(x)))
		case dtInt32, dtUInt32:
			le.PutUint32(p, uint32(int64(x)))
		case dtInt64, dtUInt64:
			le.PutUint64(p, uint64(int64(x)))
		default:
			return nil, fmt.Errorf("data type 0x%x is not supported by the simulator", dt)
		}
	}
	return b, nil
}

func halfToFloat(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x3ff)
	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		f := float32(frac) / 1024 * float32(math.Pow(2, -14))
		if sign != 0 {
			return -f
		}
		return f
	case exp == 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
}

func floatToHalf(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23&0xff) - 127 + 15
	frac := bits & 0x7fffff
	switch {
	case bits&0x7fffffff == 0:
		return sign
	case exp >= 0x1f:
		return sign | 0x7c00
	case exp <= 0:
		return sign
	}
	return sign | uint16(exp)<<10 | uint16(frac>>13)
}

// normalize rounds v the way a store into dt would.
func normalize(v float64, dt uint32) float64 {
	switch {
	case dt == dtBool:
		if v != 0 {
			return 1
		}
		return 0
	case dt == dtFloat32:
		return float64(float32(v))
	case dt&floatBit != 0:
		return v
	default:
		return math.Trunc(v)
	}
}

type evaluator struct {
	r     *Runtime
	feeds map[objc.ID]*nd
	memo  map[objc.ID]*nd
	flows map[*flowState][]*nd
	// pinned tensors evaluate to a fixed value whatever their kind.
	pinned map[objc.ID]*nd
}

func newEvaluator(r *Runtime, feeds map[objc.ID]*nd) *evaluator {
	return &evaluator{r: r, feeds: feeds, memo: map[objc.ID]*nd{}, flows: map[*flowState][]*nd{}, pinned: map[objc.ID]*nd{}}
}

// child evaluates a loop body with extra bindings and a fresh memo table.
func (e *evaluator) child(bind map[objc.ID]*nd) *evaluator {
	feeds := make(map[objc.ID]*nd, len(e.feeds)+len(bind))
	for k, v := range e.feeds {
		feeds[k] = v
	}
	for k, v := range bind {
		feeds[k] = v
	}
	c := newEvaluator(e.r, feeds)
	for k, v := range e.pinned {
		c.pinned[k] = v
	}
	return c
}

func (e *evaluator) evalAll(ids []objc.ID) ([]*nd, error) {
	out := make([]*nd, len(ids))
	for i, id := range ids {
		v, err := e.eval(id)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *evaluator) eval(id objc.ID) (*nd, error) {
	if v, ok := e.pinned[id]; ok {
		return v, nil
	}
	if v, ok := e.memo[id]; ok {
		return v, nil
	}
	ts, err := e.r.tensor(id)
	if err != nil {
		return nil, err
	}
	v, err := e.compute(id, ts)
	if err != nil {
		return nil, err
	}
	e.memo[id] = v
	return v, nil
}

func (e *evaluator) compute(id objc.ID, ts *tensorState) (*nd, error) {
	switch ts.kind {
	case "placeholder":
		v, ok := e.feeds[id]
		if !ok {
			return nil, fmt.Errorf("placeholder %s was not fed", id)
		}
		if err := checkFeed(ts, v); err != nil {
			return nil, err
		}
		return v, nil
	case "arg":
		v, ok := e.feeds[id]
		if !ok {
			return nil, fmt.Errorf("loop argument %s used outside its loop", id)
		}
		return v, nil
	case "constant":
		return &nd{shape: ts.shape, dtype: ts.dtype, data: ts.data}, nil
	case "variable":
		return e.readVariable(ts), nil
	case "grad":
		return e.gradient(ts)
	case "if", "while", "for":
		outs, ok := e.flows[ts.flow]
		if !ok {
			var err error
			if outs, err = e.runFlow(ts.flow); err != nil {
				return nil, err
			}
			e.flows[ts.flow] = outs
		}
		return outs[ts.index], nil
	}

	ins, err := e.evalAll(ts.inputs)
	if err != nil {
		return nil, err
	}
	switch ts.kind {
	case "binary":
		return binary2(ins[0], ins[1], ts.fn, ts.dtype)
	case "unary":
		return unary(ins[0], ts.fn), nil
	case "read":
		return ins[0], nil
	case "cast":
		out := &nd{shape: ins[0].shape, dtype: ts.dtype, data: make([]float64, len(ins[0].data))}
		for i, x := range ins[0].data {
			out.data[i] = normalize(x, ts.dtype)
		}
		return out, nil
	case "select":
		return selectND(ins[0], ins[1], ins[2])
	case "softmax":
		return softmax(ins[0], ts.axes[0]), nil
	case "reduce":
		axes, err := normalizeAxes(ts.axes, len(ins[0].shape))
		if err != nil {
			return nil, err
		}
		return reduce(ins[0], axes, ts.fn), nil
	case "reshape":
		shape, err := resolveReshape(ins[0].shape, ts.ints)
		if err != nil {
			return nil, err
		}
		return &nd{shape: shape, dtype: ins[0].dtype, data: ins[0].data}, nil
	case "transpose":
		return transpose(ins[0], ts.ints[0], ts.ints[1]), nil
	case "matmul":
		return matmul(ins[0], ins[1])
	case "sort":
		return sortND(ins[0], ts.axes[0]), nil
	case "sdpa":
		return attention(ins[0], ins[1], ins[2], ts.scale)
	case "conv2d":
		return conv2d(ins[0], ins[1], ts.conv)
	}
	return nil, fmt.Errorf("simulator cannot evaluate %q nodes", ts.kind)
}

func checkFeed(ts *tensorState, v *nd) error {
	if ts.dtype != v.dtype {
		return fmt.Errorf("feed data type 0x%x does not match placeholder 0x%x", v.dtype, ts.dtype)
	}
	if ts.shape == nil {
		return nil
	}
	if len(ts.shape) != len(v.shape) {
		return fmt.Errorf("feed shape %v does not match placeholder %v", v.shape, ts.shape)
	}
	for i, d := range ts.shape {
		if d >= 0 && d != v.shape[i] {
			return fmt.Errorf("feed shape %v does not match placeholder %v", v.shape, ts.shape)
		}
	}
	return nil
}

func bind(ids []objc.ID, vals []*nd) map[objc.ID]*nd {
	m := make(map[objc.ID]*nd, len(ids))
	for i, id := range ids {
		m[id] = vals[i]
	}
	return m
}

func (e *evaluator) runFlow(fs *flowState) ([]*nd, error) {
	switch fs.kind {
	case "if":
		p, err := e.eval(fs.pred)
		if err != nil {
			return nil, err
		}
		if len(p.data) == 0 {
			return nil, fmt.Errorf("if predicate is empty")
		}
		if p.data[0] != 0 {
			return e.evalAll(fs.thenRes)
		}
		return e.evalAll(fs.elseRes)

	case "while":
		vals, err := e.evalAll(fs.initial)
		if err != nil {
			return nil, err
		}
		for i := 0; i < maxLoopIterations; i++ {
			c := e.child(bind(fs.args, vals))
			cond, err := c.eval(fs.cond)
			if err != nil {
				return nil, err
			}
			res, err := c.evalAll(fs.condRes)
			if err != nil {
				return nil, err
			}
			if len(cond.data) == 0 || cond.data[0] == 0 {
				return res, nil
			}
			if vals, err = e.child(bind(fs.bodyArgs, res)).evalAll(fs.bodyRes); err != nil {
				return nil, err
			}
		}
		return nil, fmt.Errorf("while loop exceeded %d iterations", maxLoopIterations)

	case "for":
		n, err := e.eval(fs.count)
		if err != nil {
			return nil, err
		}
		if len(n.data) == 0 {
			return nil, fmt.Errorf("for loop iteration count is empty")
		}
		vals, err := e.evalAll(fs.initial)
		if err != nil {
			return nil, err
		}
		for i := 0; i < int(n.data[0]); i++ {
			b := bind(fs.bodyArgs, vals)
			b[fs.index] = &nd{shape: []int{}, dtype: dtInt32, data: []float64{float64(i)}}
			if vals, err = e.child(b).evalAll(fs.bodyRes); err != nil {
				return nil, err
			}
		}
		return vals, nil
	}
	return nil, fmt.Errorf("unknown control flow %q", fs.kind)
}

// broadcastIndex maps a flat index of out into an operand of shape in.
func broadcastIndex(flat int, out, outStrides, in, inStrides []int) int {
	idx := 0
	off := len(out) - len(in)
	for d := range out {
		coord := flat / outStrides[d] % out[d]
		if j := d - off; j >= 0 && in[j] != 1 {
			idx += coord * inStrides[j]
		}
	}
	return idx
}

func mapBroadcast(dtype uint32, f func(xs []float64) float64, ops ...*nd) (*nd, error) {
	shape := ops[0].shape
	for _, o := range ops[1:] {
		s, err := broadcastShapes(shape, o.shape)
		if err != nil {
			return nil, err
		}
		shape = s
	}
	out := &nd{shape: shape, dtype: dtype, data: make([]float64, numElements(shape))}
	os := strides(shape)
	ss := make([][]int, len(ops))
	for i, o := range ops {
		ss[i] = strides(o.shape)
	}
	xs := make([]float64, len(ops))
	for i := range out.data {
		for j, o := range ops {
			xs[j] = o.data[broadcastIndex(i, shape, os, o.shape, ss[j])]
		}
		out.data[i] = normalize(f(xs), dtype)
	}
	return out, nil
}

func binary2(a, b *nd, fn string, dtype uint32) (*nd, error) {
	intDiv := a.dtype&floatBit == 0
	truth := func(c bool) float64 {
		if c {
			return 1
		}
		return 0
	}
	return mapBroadcast(dtype, func(xs []float64) float64 {
		x, y := xs[0], xs[1]
		switch fn {
		case "add":
			return x + y
		case "sub":
			return x - y
		case "mul":
			return x * y
		case "div":
			if intDiv {
				if y == 0 {
					return 0
				}
				return math.Trunc(x / y)
			}
			return x / y
		case "max":
			return math.Max(x, y)
		case "min":
			return math.Min(x, y)
		case "pow":
			return math.Pow(x, y)
		case "eq":
			return truth(x == y)
		case "gt":
			return truth(x > y)
		case "lt":
			return truth(x < y)
		case "and":
			return float64(int64(x) & int64(y))
		}
		return math.NaN()
	}, a, b)
}

func unary(a *nd, fn string) *nd {
	out := &nd{shape: a.shape, dtype: a.dtype, data: make([]float64, len(a.data))}
	for i, x := range a.data {
		var y float64
		switch fn {
		case "neg":
			y = -x
		case "abs":
			y = math.Abs(x)
		case "exp":
			y = math.Exp(x)
		case "log":
			y = math.Log(x)
		case "square":
			y = x * x
		case "sqrt":
			y = math.Sqrt(x)
		case "relu":
			y = math.Max(x, 0)
		case "sigmoid":
			y = 1 / (1 + math.Exp(-x))
		case "tanh":
			y = math.Tanh(x)
		default:
			y = x
		}
		out.data[i] = normalize(y, a.dtype)
	}
	return out
}

func selectND(p, t, f *nd) (*nd, error) {
	return mapBroadcast(t.dtype, func(xs []float64) float64 {
		if xs[0] != 0 {
			return xs[1]
		}
		return xs[2]
	}, p, t, f)
}

// lanes calls fn with the flat indices of every 1-D lane along axis.
func lanes(shape []int, axis int, fn func(idx []int)) {
	st := strides(shape)
	n := shape[axis]
	total := numElements(shape)
	if n == 0 {
		return
	}
	idx := make([]int, n)
	for base := 0; base < total; base++ {
		if base/st[axis]%n != 0 {
			continue
		}
		for k := range idx {
			idx[k] = base + k*st[axis]
		}
		fn(idx)
	}
}

func softmax(a *nd, axis int) *nd {
	out := &nd{shape: a.shape, dtype: a.dtype, data: make([]float64, len(a.data))}
	if len(a.shape) == 0 {
		for i := range out.data {
			out.data[i] = 1
		}
		return out
	}
	lanes(a.shape, axis, func(idx []int) {
		m := math.Inf(-1)
		for _, i := range idx {
			m = math.Max(m, a.data[i])
		}
		sum := 0.0
		for _, i := range idx {
			out.data[i] = math.Exp(a.data[i] - m)
			sum += out.data[i]
		}
		for _, i := range idx {
			out.data[i] = normalize(out.data[i]/sum, a.dtype)
		}
	})
	return out
}

func reduce(a *nd, axes []int, fn string) *nd {
	shape := append([]int(nil), a.shape...)
	for _, ax := range axes {
		shape[ax] = 1
	}
	out := &nd{shape: shape, dtype: a.dtype, data: make([]float64, numElements(shape))}
	count := make([]int, len(out.data))
	if fn == "max" {
		for i := range out.data {
			out.data[i] = math.Inf(-1)
		}
	}
	as, os := strides(a.shape), strides(shape)
	for i, x := range a.data {
		j := 0
		for d := range a.shape {
			if shape[d] != 1 {
				j += i / as[d] % a.shape[d] * os[d]
			}
		}
		switch fn {
		case "max":
			out.data[j] = math.Max(out.data[j], x)
		default:
			out.data[j] += x
		}
		count[j]++
	}
	for j := range out.data {
		if fn == "mean" && count[j] > 0 {
			out.data[j] /= float64(count[j])
		}
		out.data[j] = normalize(out.data[j], a.dtype)
	}
	return out
}

func transpose(a *nd, d1, d2 int) *nd {
	shape := append([]int(nil), a.shape...)
	shape[d1], shape[d2] = shape[d2], shape[d1]
	out := &nd{shape: shape, dtype: a.dtype, data: make([]float64, len(a.data))}
	as, os := strides(a.shape), strides(shape)
	for i, x := range a.data {
		j := 0
		for d := range a.shape {
			c := i / as[d] % a.shape[d]
			od := d
			switch d {
			case d1:
				od = d2
			case d2:
				od = d1
			}
			j += c * os[od]
		}
		out.data[j] = x
	}
	return out
}

func matmul(a, b *nd) (*nd, error) {
	shape, err := matmulShape(a.shape, b.shape)
	if err != nil {
		return nil, err
	}
	m, k, n := a.shape[len(a.shape)-2], a.shape[len(a.shape)-1], b.shape[len(b.shape)-1]
	batchShape := shape[:len(shape)-2]
	batches := numElements(batchShape)
	out := &nd{shape: shape, dtype: a.dtype, data: make([]float64, numElements(shape))}
	bs := strides(batchShape)
	aBatch, bBatch := a.shape[:len(a.shape)-2], b.shape[:len(b.shape)-2]
	abs, bbs := strides(aBatch), strides(bBatch)
	for bi := 0; bi < batches; bi++ {
		ao := broadcastIndex(bi, batchShape, bs, aBatch, abs) * m * k
		bo := broadcastIndex(bi, batchShape, bs, bBatch, bbs) * k * n
		oo := bi * m * n
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				sum := 0.0
				for p := 0; p < k; p++ {
					sum += a.data[ao+i*k+p] * b.data[bo+p*n+j]
				}
				out.data[oo+i*n+j] = normalize(sum, a.dtype)
			}
		}
	}
	return out, nil
}

func sortND(a *nd, axis int) *nd {
	out := &nd{shape: a.shape, dtype: a.dtype, data: append([]float64(nil), a.data...)}
	if len(a.shape) == 0 {
		return out
	}
	lanes(a.shape, axis, func(idx []int) {
		vals := make([]float64, len(idx))
		for k, i := range idx {
			vals[k] = a.data[i]
		}
		sort.Float64s(vals)
		for k, i := range idx {
			out.data[i] = vals[k]
		}
	})
	return out
}

func attention(q, k, v *nd, scale float64) (*nd, error) {
	kt := transpose(k, len(k.shape)-2, len(k.shape)-1)
	scores, err := matmul(q, kt)
	if err != nil {
		return nil, err
	}
	for i := range scores.data {
		scores.data[i] *= scale
	}
	return matmul(softmax(scores, len(scores.shape)-1), v)
}

func conv2d(src, w *nd, cd *convDescState) (*nd, error) {
	if cd.groups != 1 {
		return nil, fmt.Errorf("simulator only evaluates ungrouped convolutions")
	}
	s, k, err := conv2dGeometry(src.shape, w.shape, cd)
	if err != nil {
		return nil, err
	}
	shape, err := convShape(src.shape, w.shape, cd)
	if err != nil {
		return nil, err
	}
	pt, _, pl, _ := convPads(s[2], s[3], k[2], k[3], cd)
	nhwc := cd.dataLayout == layoutNHWC
	hwio := cd.weightsLayout == layoutHWIO
	var oh, ow int
	if nhwc {
		oh, ow = shape[1], shape[2]
	} else {
		oh, ow = shape[2], shape[3]
	}
	srcAt := func(n, c, y, x int) float64 {
		if nhwc {
			return src.data[((n*s[2]+y)*s[3]+x)*s[1]+c]
		}
		return src.data[((n*s[1]+c)*s[2]+y)*s[3]+x]
	}
	wAt := func(o, i, y, x int) float64 {
		if hwio {
			return w.data[((y*k[3]+x)*k[1]+i)*k[0]+o]
		}
		return w.data[((o*k[1]+i)*k[2]+y)*k[3]+x]
	}
	out := &nd{shape: shape, dtype: src.dtype, data: make([]float64, numElements(shape))}
	for n := 0; n < s[0]; n++ {
		for o := 0; o < k[0]; o++ {
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					sum := 0.0
					for i := 0; i < k[1]; i++ {
						for ky := 0; ky < k[2]; ky++ {
							iy := y*cd.strideY + ky*cd.dilationY - pt
							if iy < 0 || iy >= s[2] {
								continue
							}
							for kx := 0; kx < k[3]; kx++ {
								ix := x*cd.strideX + kx*cd.dilationX - pl
								if ix < 0 || ix >= s[3] {
									continue
								}
								sum += srcAt(n, i, iy, ix) * wAt(o, i, ky, kx)
							}
						}
					}
					var at int
					if nhwc {
						at = ((n*oh+y)*ow+x)*k[0] + o
					} else {
						at = ((n*k[0]+o)*oh+y)*ow + x
					}
					out.data[at] = normalize(sum, src.dtype)
				}
			}
		}
	}
	return out, nil
}
