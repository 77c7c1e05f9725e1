package mpsgraph

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"

	"github.com/tsawler/go-mpsgraph/objc"
)

// Control flow operations take Go closures that build subgraphs. The
// framework calls them synchronously while the operation is being created.
//
// Tensors handed to a closure stay valid until the enclosing call returns.
// Tensors a closure returns are consumed by the call: return t.Clone() to
// hand back a tensor that is still needed afterwards.

// flowScope tracks everything one control flow call creates so it can be
// released once the operation exists.
type flowScope struct {
	g *Graph

	mu      sync.Mutex
	closers []io.Closer
	trs     []*objc.Trampoline
}

func (s *flowScope) keep(c io.Closer) {
	s.mu.Lock()
	s.closers = append(s.closers, c)
	s.mu.Unlock()
}

func (s *flowScope) keepTensors(ts []*Tensor) {
	for _, t := range ts {
		if t != nil {
			s.keep(t)
		}
	}
}

// block exposes fn as a native block of kind.
func (s *flowScope) block(kind objc.BlockKind, fn objc.Callback) (objc.Value, error) {
	tr, err := objc.NewTrampoline(s.g.rt(), kind, fn)
	if err != nil {
		return objc.Value{}, err
	}
	s.mu.Lock()
	s.trs = append(s.trs, tr)
	s.mu.Unlock()
	return tr.Block(), nil
}

// tensors wraps the elements of a borrowed NSArray argument.
func (s *flowScope) tensors(arr objc.ID) ([]*Tensor, error) {
	objs, err := objc.ArrayObjects(s.g.rt(), arr)
	if err != nil {
		return nil, err
	}
	ts := s.g.fw.tensorList(objs)
	s.keepTensors(ts)
	return ts, nil
}

// tensor wraps one borrowed tensor argument.
func (s *flowScope) tensor(id objc.ID) (*Tensor, error) {
	obj, err := objc.RetainBorrowed(s.g.rt(), id)
	if err != nil {
		return nil, err
	}
	t := &Tensor{handle{s.g.fw, obj}}
	s.keep(t)
	return t, nil
}

// array returns ts as an NSArray for a block to hand back. It lives until
// the scope closes; the native side takes its own reference.
func (s *flowScope) array(ts []*Tensor) (objc.Handle, error) {
	s.keepTensors(ts)
	arr, err := objc.NewArray(s.g.rt(), objc.Handles(ts))
	if err != nil {
		return nil, err
	}
	s.keep(arr)
	return arr, nil
}

// callbackErr returns the first error a closure reported.
func (s *flowScope) callbackErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.trs {
		if err := tr.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *flowScope) Close() error {
	s.mu.Lock()
	trs, closers := s.trs, s.closers
	s.trs, s.closers = nil, nil
	s.mu.Unlock()
	var err error
	for _, tr := range trs {
		err = multierr.Append(err, tr.Close())
	}
	for _, c := range closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// flow sends a control flow operation and returns its result tensors. A
// failing closure is reported in preference to the framework's own error.
func (g *Graph) flow(selector string, build func(s *flowScope, a *objc.Args) ([]objc.Value, error)) ([]*Tensor, error) {
	s := &flowScope{g: g}
	defer s.Close()
	ts, err := g.fw.tensors(g, entry(classGraph, selector), func(a *objc.Args) ([]objc.Value, error) {
		return build(s, a)
	})
	if err != nil {
		if cbErr := s.callbackErr(); cbErr != nil {
			err = cbErr
		}
		return nil, fmt.Errorf("mpsgraph: %s: %w", MethodName(selector), err)
	}
	return ts, nil
}

// If selects between two subgraphs on a scalar predicate. Both branches
// must return the same number of tensors; els may be nil only when then
// returns none.
func (g *Graph) If(predicate *Tensor, then, els func() ([]*Tensor, error), name string) ([]*Tensor, error) {
	if then == nil {
		return nil, fmt.Errorf("mpsgraph: If: %w", objc.ErrUnexpectedNil)
	}
	branch := func(s *flowScope, fn func() ([]*Tensor, error)) (objc.Value, error) {
		if fn == nil {
			return objc.Obj(objc.Nil), nil
		}
		return s.block(objc.BlockNullary, func([]objc.ID) (objc.Handle, error) {
			ts, err := fn()
			if err != nil {
				s.keepTensors(ts)
				return nil, err
			}
			return s.array(ts)
		})
	}
	return g.flow("ifWithPredicateTensor:thenBlock:elseBlock:name:", func(s *flowScope, a *objc.Args) ([]objc.Value, error) {
		thenBlock, err := branch(s, then)
		if err != nil {
			return nil, err
		}
		elseBlock, err := branch(s, els)
		if err != nil {
			return nil, err
		}
		return []objc.Value{a.Object(predicate), thenBlock, elseBlock, a.OptionalString(name)}, nil
	})
}

// While repeats after for as long as the predicate computed by before
// holds. before receives the loop-carried values and returns the predicate
// plus the values passed on, either to after or out of the loop. after
// must return as many tensors as initial holds.
func (g *Graph) While(initial []*Tensor,
	before func(inputs []*Tensor) (predicate *Tensor, results []*Tensor, err error),
	after func(args []*Tensor) ([]*Tensor, error),
	name string) ([]*Tensor, error) {
	if before == nil || after == nil {
		return nil, fmt.Errorf("mpsgraph: While: %w", objc.ErrUnexpectedNil)
	}
	return g.flow("whileWithInitialInputs:before:after:name:", func(s *flowScope, a *objc.Args) ([]objc.Value, error) {
		beforeBlock, err := s.block(objc.BlockBinary, func(args []objc.ID) (objc.Handle, error) {
			inputs, err := s.tensors(args[0])
			if err != nil {
				return nil, err
			}
			pred, results, err := before(inputs)
			s.keepTensors(results)
			if pred != nil {
				s.keep(pred)
			}
			if err != nil {
				return nil, err
			}
			if pred == nil {
				return nil, fmt.Errorf("while: before block returned no predicate: %w", objc.ErrUnexpectedNil)
			}
			rt := g.rt()
			for i, t := range results {
				if t == nil {
					return nil, fmt.Errorf("while: result %d: %w", i, objc.ErrUnexpectedNil)
				}
				id, err := t.View().ID()
				if err != nil {
					return nil, fmt.Errorf("while: result %d: %w", i, err)
				}
				if _, err := rt.Send(args[1], "addObject:", objc.Obj(id)); err != nil {
					return nil, err
				}
			}
			return pred, nil
		})
		if err != nil {
			return nil, err
		}
		afterBlock, err := s.block(objc.BlockUnary, func(args []objc.ID) (objc.Handle, error) {
			in, err := s.tensors(args[0])
			if err != nil {
				return nil, err
			}
			ts, err := after(in)
			if err != nil {
				s.keepTensors(ts)
				return nil, err
			}
			return s.array(ts)
		})
		if err != nil {
			return nil, err
		}
		return []objc.Value{a.Array(objc.Handles(initial)), beforeBlock, afterBlock, a.OptionalString(name)}, nil
	})
}

// ForLoop runs body iterations times. body receives the Int32 scalar
// iteration index and the loop-carried values, and returns the next
// values.
func (g *Graph) ForLoop(iterations *Tensor, initial []*Tensor,
	body func(index *Tensor, args []*Tensor) ([]*Tensor, error),
	name string) ([]*Tensor, error) {
	if body == nil {
		return nil, fmt.Errorf("mpsgraph: ForLoop: %w", objc.ErrUnexpectedNil)
	}
	return g.flow("forLoopWithNumberOfIterations:initialBodyArguments:body:name:", func(s *flowScope, a *objc.Args) ([]objc.Value, error) {
		bodyBlock, err := s.block(objc.BlockBinary, func(args []objc.ID) (objc.Handle, error) {
			index, err := s.tensor(args[0])
			if err != nil {
				return nil, err
			}
			in, err := s.tensors(args[1])
			if err != nil {
				return nil, err
			}
			ts, err := body(index, in)
			if err != nil {
				s.keepTensors(ts)
				return nil, err
			}
			return s.array(ts)
		})
		if err != nil {
			return nil, err
		}
		return []objc.Value{a.Object(iterations), a.Array(objc.Handles(initial)), bodyBlock, a.OptionalString(name)}, nil
	})
}

// ControlDependency builds the tensors returned by dependent so that they
// run only after ops.
func (g *Graph) ControlDependency(ops []*Operation, dependent func() ([]*Tensor, error), name string) ([]*Tensor, error) {
	if dependent == nil {
		return nil, fmt.Errorf("mpsgraph: ControlDependency: %w", objc.ErrUnexpectedNil)
	}
	return g.flow("controlDependencyWithOperations:dependentBlock:name:", func(s *flowScope, a *objc.Args) ([]objc.Value, error) {
		dep, err := s.block(objc.BlockNullary, func([]objc.ID) (objc.Handle, error) {
			ts, err := dependent()
			if err != nil {
				s.keepTensors(ts)
				return nil, err
			}
			return s.array(ts)
		})
		if err != nil {
			return nil, err
		}
		return []objc.Value{a.Array(objc.Handles(ops)), dep, a.OptionalString(name)}, nil
	})
}
