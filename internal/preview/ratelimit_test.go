package preview_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euforicio/mdlive/internal/preview"
)

type recorder[T any] struct {
	got []T
	mu  sync.Mutex
}

func (r *recorder[T]) record(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recorder[T]) values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func TestThrottleDeliversLatestOncePerWindow(t *testing.T) {
	t.Parallel()
	var rec recorder[int]
	th := preview.NewThrottle(15*time.Millisecond, rec.record)
	t.Cleanup(th.Stop)

	th.Call(1)
	th.Call(2)
	th.Call(3)
	require.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{3}, rec.values())

	th.Call(4)
	require.Eventually(t, func() bool { return len(rec.values()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{3, 4}, rec.values())
}

func TestDebounceWaitsForQuiet(t *testing.T) {
	t.Parallel()
	var rec recorder[string]
	d := preview.NewDebounce(20*time.Millisecond, rec.record)
	t.Cleanup(d.Stop)

	d.Call("a")
	d.Call("b")
	d.Call("c")
	assert.Empty(t, rec.values())
	require.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"c"}, rec.values())
}

func TestZeroWindowIsSynchronous(t *testing.T) {
	t.Parallel()
	var rec recorder[int]
	preview.NewThrottle(0, rec.record).Call(1)
	preview.NewDebounce(0, rec.record).Call(2)
	assert.Equal(t, []int{1, 2}, rec.values())
}

func TestStopCancelsPending(t *testing.T) {
	t.Parallel()
	var rec recorder[int]
	th := preview.NewThrottle(10*time.Millisecond, rec.record)
	d := preview.NewDebounce(10*time.Millisecond, rec.record)

	th.Call(1)
	d.Call(2)
	th.Stop()
	d.Stop()
	th.Call(3)
	d.Call(4)

	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, rec.values())
}

func TestBusSubscribePublish(t *testing.T) {
	t.Parallel()
	bus := preview.NewBus()

	var rec recorder[any]
	unsubA := bus.Subscribe("topic", rec.record)
	unsubB := bus.Subscribe("topic", rec.record)
	bus.Subscribe("other", func(any) { t.Error("wrong topic delivered") })

	assert.Equal(t, 2, bus.Publish("topic", 42))
	assert.Equal(t, []any{42, 42}, rec.values())

	unsubA()
	unsubA()
	assert.Equal(t, 1, bus.Subscribers("topic"))
	unsubB()
	assert.Zero(t, bus.Subscribers("topic"))
	assert.Zero(t, bus.Publish("topic", 1))
}
