package objc_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mpsgraph/objc"
	"github.com/tsawler/go-mpsgraph/sim_bridge"
)

func TestDispatchRunsClosure(t *testing.T) {
	rt := sim_bridge.NewDefault()
	var got []objc.ID
	tr, err := objc.NewTrampoline(rt, objc.BlockBinary, func(args []objc.ID) (objc.Handle, error) {
		got = args
		return nil, nil
	})
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, objc.BlockBinary, tr.Kind())
	assert.False(t, tr.Block().ID.IsNil())
	assert.False(t, tr.View().IsNil())

	id, err := objc.Dispatch(tr.Handle(), []objc.ID{1, 2})
	require.NoError(t, err)
	assert.True(t, id.IsNil())
	assert.Equal(t, []objc.ID{1, 2}, got)
	assert.Equal(t, int64(1), tr.Calls())
	assert.True(t, tr.Valid())
}

func TestDispatchAfterInvalidate(t *testing.T) {
	rt := sim_bridge.NewDefault()
	tr, err := objc.NewTrampoline(rt, objc.BlockNullary, func([]objc.ID) (objc.Handle, error) {
		t.Fatal("closure ran after invalidation")
		return nil, nil
	})
	require.NoError(t, err)
	handle := tr.Handle()
	require.NoError(t, tr.Close())
	assert.False(t, tr.Valid())

	before := objc.StaleInvocations()
	_, err = objc.Dispatch(handle, nil)
	assert.ErrorIs(t, err, objc.ErrTrampolineInvalidated)
	assert.Equal(t, before+1, objc.StaleInvocations())
	assert.Equal(t, 0, rt.Live(""))
}

func TestInvalidateStopsAdmission(t *testing.T) {
	rt := sim_bridge.NewDefault()
	tr, err := objc.NewTrampoline(rt, objc.BlockNullary, func([]objc.ID) (objc.Handle, error) {
		return nil, nil
	})
	require.NoError(t, err)
	handle := tr.Handle()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					objc.Dispatch(handle, nil)
				}
			}
		}()
	}
	require.Eventually(t, func() bool { return tr.Calls() >= 100 }, 5*time.Second, time.Millisecond)
	tr.Invalidate()
	admitted := tr.Calls()
	close(stop)
	wg.Wait()

	assert.Equal(t, admitted, tr.Calls())
	require.NoError(t, tr.Close())
}

func TestDispatchUnknownHandle(t *testing.T) {
	before := objc.StaleInvocations()
	_, err := objc.Dispatch(^uintptr(0), nil)
	assert.ErrorIs(t, err, objc.ErrTrampolineInvalidated)
	assert.Equal(t, before+1, objc.StaleInvocations())
}

func TestReturnedHandleIsAutoreleased(t *testing.T) {
	rt := sim_bridge.NewDefault()
	o, err := objc.Adopt(rt, rawString(t, rt, "result"))
	require.NoError(t, err)
	defer o.Close()
	id, _ := o.ID()

	tr, err := objc.NewTrampoline(rt, objc.BlockNullary, func([]objc.ID) (objc.Handle, error) {
		return o, nil
	})
	require.NoError(t, err)
	defer tr.Close()

	err = objc.WithAutoreleasePool(rt, func() error {
		got, err := objc.Dispatch(tr.Handle(), nil)
		require.NoError(t, err)
		assert.Equal(t, id, got)
		assert.Equal(t, 2, rt.RetainCount(id))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rt.RetainCount(id))
	assert.Empty(t, rt.Violations())
}

func TestClosureErrorIsKept(t *testing.T) {
	rt := sim_bridge.NewDefault()
	boom := errors.New("boom")
	tr, err := objc.NewTrampoline(rt, objc.BlockUnary, func([]objc.ID) (objc.Handle, error) {
		return nil, boom
	})
	require.NoError(t, err)
	defer tr.Close()

	_, err = objc.Dispatch(tr.Handle(), []objc.ID{objc.Nil})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, tr.Err(), boom)
}

func TestInvalidateFromInsideClosure(t *testing.T) {
	rt := sim_bridge.NewDefault()
	var tr *objc.Trampoline
	tr, err := objc.NewTrampoline(rt, objc.BlockNullary, func([]objc.ID) (objc.Handle, error) {
		tr.Invalidate()
		return nil, nil
	})
	require.NoError(t, err)
	defer tr.Close()

	_, err = objc.Dispatch(tr.Handle(), nil)
	require.NoError(t, err)
	_, err = objc.Dispatch(tr.Handle(), nil)
	assert.ErrorIs(t, err, objc.ErrTrampolineInvalidated)
	assert.Equal(t, int64(1), tr.Calls())
}

func TestNewTrampolineArguments(t *testing.T) {
	_, err := objc.NewTrampoline(nil, objc.BlockNullary, func([]objc.ID) (objc.Handle, error) { return nil, nil })
	assert.ErrorIs(t, err, objc.ErrNoRuntime)
	_, err = objc.NewTrampoline(sim_bridge.NewDefault(), objc.BlockNullary, nil)
	assert.Error(t, err)
}

func TestBlockArity(t *testing.T) {
	assert.Equal(t, 0, objc.BlockNullary.Arity())
	assert.Equal(t, 1, objc.BlockUnary.Arity())
	assert.Equal(t, 2, objc.BlockBinary.Arity())
	assert.Equal(t, 2, objc.BlockCompletion.Arity())
}
