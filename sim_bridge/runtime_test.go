package sim_bridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mpsgraph/objc"
)

// newString returns a +1 NSString without wrapping it in an objc.Object, so
// no finalizer can interfere with the counts under test.
func newString(t *testing.T, r *Runtime, s string) objc.ID {
	t.Helper()
	id, err := rawString(r, s)
	require.NoError(t, err)
	return id
}

func rawString(r *Runtime, s string) (objc.ID, error) {
	a, err := r.Send(r.Class("NSString"), "alloc")
	if err != nil {
		return objc.Nil, err
	}
	v, err := r.Send(a.ID, "initWithUTF8String:", objc.CString(s))
	return v.ID, err
}

func TestRetainReleaseBalance(t *testing.T) {
	r := NewDefault()
	id := newString(t, r, "hello")
	assert.Equal(t, 1, r.RetainCount(id))

	r.Retain(id)
	assert.Equal(t, 2, r.RetainCount(id))
	r.Release(id)
	r.Release(id)

	assert.Equal(t, 0, r.RetainCount(id))
	assert.Equal(t, 0, r.Live("NSString"))
	assert.Empty(t, r.Violations())
}

func TestOverReleaseIsReported(t *testing.T) {
	r := NewDefault()
	id := newString(t, r, "x")
	r.Release(id)
	r.Release(id)

	v := r.Violations()
	require.Len(t, v, 1)
	assert.Equal(t, ViolationOverRelease, v[0].Kind)
	assert.Equal(t, "NSString", v[0].Class)
}

func TestMessageToZombie(t *testing.T) {
	r := NewDefault()
	id := newString(t, r, "gone")
	r.Release(id)

	_, err := r.Send(id, "UTF8String")
	var ne *objc.NativeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "NSZombieException", ne.Exception)
	require.Len(t, r.Violations(), 1)
	assert.Equal(t, ViolationZombieMessage, r.Violations()[0].Kind)
}

func TestUnknownObjectWithoutZombies(t *testing.T) {
	opts := DefaultOptions()
	opts.Zombies = false
	r := New(opts)
	id := newString(t, r, "gone")
	r.Release(id)

	_, err := r.Send(id, "length")
	require.Error(t, err)
	assert.Equal(t, ViolationUnknownObject, r.Violations()[0].Kind)
}

func TestAutoreleasePoolDrains(t *testing.T) {
	r := NewDefault()
	var id objc.ID
	err := objc.WithAutoreleasePool(r, func() error {
		id = r.Autorelease(newString(t, r, "temp"))
		assert.Equal(t, 1, r.RetainCount(id))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, r.RetainCount(id))
	assert.Empty(t, r.Violations())
}

func TestAutoreleaseWithoutPool(t *testing.T) {
	r := NewDefault()
	id := newString(t, r, "leak")
	r.Autorelease(id)

	v := r.Violations()
	require.Len(t, v, 1)
	assert.Equal(t, ViolationNoPool, v[0].Kind)
}

func TestPoolPoppedOutOfOrder(t *testing.T) {
	r := NewDefault()
	outer := r.PushPool()
	inner := r.PushPool()
	r.PopPool(outer)
	r.PopPool(inner)

	kinds := map[string]int{}
	for _, v := range r.Violations() {
		kinds[v.Kind]++
	}
	assert.Equal(t, 2, kinds[ViolationPoolOutOfOrder])
}

func TestPoolsArePerGoroutine(t *testing.T) {
	r := NewDefault()
	token := r.PushPool()
	defer r.PopPool(token)

	done := make(chan []Violation)
	go func() {
		id, _ := rawString(r, "other thread")
		r.Autorelease(id)
		done <- r.Violations()
	}()
	v := <-done
	require.Len(t, v, 1)
	assert.Equal(t, ViolationNoPool, v[0].Kind)
}

func TestUnrecognizedSelector(t *testing.T) {
	r := NewDefault()
	id := newString(t, r, "s")
	_, err := r.Send(id, "frobnicate")
	var ne *objc.NativeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "NSInvalidArgumentException", ne.Exception)
	assert.False(t, r.RespondsTo(id, "frobnicate"))
	assert.True(t, r.RespondsTo(id, "length"))
}

func TestArgumentCountMismatch(t *testing.T) {
	r := NewDefault()
	id := newString(t, r, "s")
	_, err := r.Send(id, "isEqual:")
	require.Error(t, err)
}

func TestSelectorAvailability(t *testing.T) {
	opts := DefaultOptions()
	opts.OSVersion = "12.3"
	r := New(opts)
	g, err := objc.AllocInit(r, "MPSGraph", "init")
	require.NoError(t, err)
	defer g.Close()
	id, _ := g.ID()

	assert.False(t, r.RespondsTo(id, "sortWithTensor:axis:name:"))
	assert.True(t, r.RespondsTo(id, "additionWithPrimaryTensor:secondaryTensor:name:"))
}

func TestMissingClasses(t *testing.T) {
	opts := DefaultOptions()
	opts.MissingClasses = []string{"MPSGraphExecutableSerializationDescriptor"}
	r := New(opts)
	assert.True(t, r.Class("MPSGraphExecutableSerializationDescriptor").IsNil())
	assert.False(t, r.Class("MPSGraph").IsNil())
}

func TestMainThread(t *testing.T) {
	r := NewDefault()
	assert.True(t, r.IsMainThread())
	main := r.CurrentThread()

	other := make(chan uint64)
	go func() {
		if r.IsMainThread() {
			other <- 0
			return
		}
		other <- r.CurrentThread()
	}()
	tid := <-other
	assert.NotZero(t, tid)
	assert.NotEqual(t, main, tid)
}

func TestBufferMemory(t *testing.T) {
	r := NewDefault()
	dev := r.SystemDefaultDevice()
	defer r.Release(dev)

	v, err := r.Send(dev, "newBufferWithLength:options:", objc.Uint(8), objc.Uint(0))
	require.NoError(t, err)
	defer r.Release(v.ID)

	contents, err := r.Send(v.ID, "contents")
	require.NoError(t, err)
	require.NotZero(t, contents.Ptr)
	assert.Zero(t, contents.Ptr%4096)

	r.WriteMemory(contents.Ptr+2, []byte{7, 8})
	assert.Equal(t, []byte{0, 0, 7, 8, 0, 0, 0, 0}, r.ReadMemory(contents.Ptr, 8))
}

func TestReleasingContainerReleasesItems(t *testing.T) {
	r := NewDefault()
	a := newString(t, r, "a")
	b := newString(t, r, "b")
	arr, err := objc.AllocInit(r, "NSArray", "initWithObjects:count:", objc.Objects([]objc.ID{a, b}), objc.Uint(2))
	require.NoError(t, err)
	r.Release(a)
	r.Release(b)
	assert.Equal(t, 2, r.Live("NSString"))

	require.NoError(t, arr.Close())
	assert.Equal(t, 0, r.Live("NSString"))
	assert.Empty(t, r.Violations())
}

func TestBlockInvocation(t *testing.T) {
	r := NewDefault()
	var got []objc.ID
	tr, err := objc.NewTrampoline(r, objc.BlockCompletion, func(args []objc.ID) (objc.Handle, error) {
		got = append([]objc.ID(nil), args...)
		return nil, nil
	})
	require.NoError(t, err)
	defer tr.Close()

	s := newString(t, r, "arg")
	defer r.Release(s)
	_, err = r.invokeBlock(tr.Block().ID, s, objc.Nil)
	require.NoError(t, err)
	assert.Equal(t, []objc.ID{s, objc.Nil}, got)

	_, err = r.invokeBlock(tr.Block().ID, s)
	require.Error(t, err)
}

func TestInvalidatedBlockIsRecorded(t *testing.T) {
	r := NewDefault()
	tr, err := objc.NewTrampoline(r, objc.BlockNullary, func([]objc.ID) (objc.Handle, error) {
		t.Fatal("invalidated callback ran")
		return nil, nil
	})
	require.NoError(t, err)
	block := r.Retain(tr.Block().ID)
	defer r.Release(block)
	require.NoError(t, tr.Close())

	_, err = r.invokeBlock(block)
	assert.ErrorIs(t, err, objc.ErrTrampolineInvalidated)
	errs := r.CallbackErrors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], objc.ErrTrampolineInvalidated)
}

func TestNSErrorConversion(t *testing.T) {
	r := NewDefault()
	err := objc.WithAutoreleasePool(r, func() error {
		id := r.newError("TestDomain", 42, "it broke")
		ne := objc.NativeErrorFromNSError(r, "doThing", id)
		require.NotNil(t, ne)
		assert.Equal(t, "TestDomain", ne.Domain)
		assert.Equal(t, int64(42), ne.Code)
		assert.Equal(t, "it broke", ne.Description)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, r.Violations())
	assert.Equal(t, 0, r.Live("NSError"))
}
