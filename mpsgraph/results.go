package mpsgraph

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/tsawler/go-mpsgraph/objc"
)

// Results holds the values a run produced, in target order. Each value is
// owned by Results until Close; Take hands one over to the caller.
type Results struct {
	keys   []objc.View
	values []*TensorData
}

// Len returns the number of results.
func (r *Results) Len() int { return len(r.values) }

// At returns the i-th result in target order.
func (r *Results) At(i int) *TensorData {
	if i < 0 || i >= len(r.values) {
		return nil
	}
	return r.values[i]
}

// Get returns the value computed for target, matched by native identity,
// or nil when target was not requested.
func (r *Results) Get(target objc.Handle) *TensorData {
	if target == nil {
		return nil
	}
	v := target.View()
	for i, k := range r.keys {
		if k.Same(v) {
			return r.values[i]
		}
	}
	return nil
}

// Values returns every result in target order.
func (r *Results) Values() []*TensorData {
	return append([]*TensorData(nil), r.values...)
}

// Take removes the value for target from r and returns it. The caller
// closes it.
func (r *Results) Take(target objc.Handle) *TensorData {
	if target == nil {
		return nil
	}
	v := target.View()
	for i, k := range r.keys {
		if k.Same(v) && r.values[i] != nil {
			td := r.values[i]
			r.values[i] = nil
			return td
		}
	}
	return nil
}

// Close releases every value still held.
func (r *Results) Close() error {
	if r == nil {
		return nil
	}
	var err error
	for i, td := range r.values {
		if td != nil {
			err = multierr.Append(err, td.Close())
			r.values[i] = nil
		}
	}
	return err
}

// tensorIDs returns the native pointers behind ts, failing on nil or
// released tensors.
func tensorIDs(ts []*Tensor) ([]objc.ID, error) {
	ids := make([]objc.ID, len(ts))
	for i, h := range ts {
		if h == nil {
			return nil, fmt.Errorf("mpsgraph: target %d: %w", i, objc.ErrUnexpectedNil)
		}
		id, err := h.View().ID()
		if err != nil {
			return nil, fmt.Errorf("mpsgraph: target %d: %w", i, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func (fw *Framework) newResults(keys []objc.ID, values []objc.ID, what string) (*Results, error) {
	res := &Results{keys: make([]objc.View, len(keys)), values: make([]*TensorData, 0, len(values))}
	for i, id := range values {
		if id.IsNil() {
			res.Close()
			return nil, &objc.NilHandleError{Selector: fmt.Sprintf("%s result %d", what, i)}
		}
		obj, err := objc.RetainBorrowed(fw.rt, id)
		if err != nil {
			res.Close()
			return nil, err
		}
		res.values = append(res.values, &TensorData{handle{fw, obj}})
	}
	for i, k := range keys {
		res.keys[i] = objc.ViewOf(k)
	}
	return res, nil
}

// resultsFromDictionary reads a results dictionary keyed by target tensor.
// Call it inside the pool the dictionary was returned in.
func (fw *Framework) resultsFromDictionary(dict objc.ID, keys []objc.ID) (*Results, error) {
	if dict.IsNil() {
		return nil, &objc.NilHandleError{Selector: "results dictionary"}
	}
	values := make([]objc.ID, len(keys))
	for i, k := range keys {
		v, err := objc.DictionaryLookup(fw.rt, dict, k)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return fw.newResults(keys, values, "dictionary")
}

// resultsFromArray reads a results array in target order.
func (fw *Framework) resultsFromArray(arr objc.ID, keys []objc.ID) (*Results, error) {
	if arr.IsNil() {
		return nil, &objc.NilHandleError{Selector: "results array"}
	}
	values, err := objc.ArrayIDs(fw.rt, arr)
	if err != nil {
		return nil, err
	}
	if len(values) != len(keys) {
		return nil, fmt.Errorf("mpsgraph: %d results for %d targets", len(values), len(keys))
	}
	return fw.newResults(keys, values, "array")
}
