package events

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type note struct {
	Name string
	Tags []string
}

func (n note) Clone() note {
	n.Tags = slices.Clone(n.Tags)
	return n
}

// recorder is a Subscriber that records received events.
type recorder struct {
	mu     sync.Mutex
	events []Event
	got    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 64)}
}

func (r *recorder) OnEvent(ctx context.Context, event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) received() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
}

func newTestBus(t *testing.T) Bus {
	bus := New(Config{DispatchTimeout: 500 * time.Millisecond})
	t.Cleanup(bus.Close)
	return bus
}

func TestPublishDeliversSnapshot(t *testing.T) {
	bus := newTestBus(t)
	rec := newRecorder()
	unsub, err := bus.Subscribe(KindChange, rec)
	require.NoError(t, err)
	defer unsub()

	item := note{Name: "Nanomia bijuga", Tags: []string{"a"}}
	ev := Changed("tester", ActionCreated, item)
	item.Tags[0] = "mutated"
	item.Name = "changed"

	require.NoError(t, bus.Publish(context.Background(), ev))
	rec.wait(t, 1)

	got := rec.received()
	require.Len(t, got, 1)
	assert.Equal(t, KindChange, got[0].Kind)
	assert.Equal(t, ActionCreated, got[0].Action)
	assert.Equal(t, "tester", got[0].Source)
	assert.NotEmpty(t, got[0].EventID)
	assert.False(t, got[0].EmittedAt.IsZero())

	items, ok := Items[note](got[0])
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "Nanomia bijuga", items[0].Name)
	assert.Equal(t, []string{"a"}, items[0].Tags)

	items[0].Tags[0] = "reader mutation"
	again, _ := Items[note](got[0])
	assert.Equal(t, []string{"a"}, again[0].Tags)
}

func TestKindsAreSeparate(t *testing.T) {
	bus := newTestBus(t)
	changes := newRecorder()
	selections := newRecorder()

	_, err := bus.Subscribe(KindChange, changes)
	require.NoError(t, err)
	_, err = bus.Subscribe(KindSelection, selections)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Selected("ui", note{Name: "x"})))
	selections.wait(t, 1)

	assert.Empty(t, changes.received())
	require.Len(t, selections.received(), 1)
	assert.Equal(t, ActionSelected, selections.received()[0].Action)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus(t)
	rec := newRecorder()
	unsub, err := bus.Subscribe(KindChange, rec)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Changed("s", ActionUpdated, note{})))
	rec.wait(t, 1)

	unsub()
	unsub()

	require.NoError(t, bus.Publish(context.Background(), Changed("s", ActionUpdated, note{})))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.received(), 1)
}

func TestOrderIsPreservedPerSubscriber(t *testing.T) {
	bus := newTestBus(t)
	rec := newRecorder()
	_, err := bus.Subscribe(KindChange, rec)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(context.Background(), Changed("s", ActionUpdated, note{Name: string(rune('a' + i))})))
	}
	rec.wait(t, 10)

	got := rec.received()
	require.Len(t, got, 10)
	for i, ev := range got {
		items, ok := Items[note](ev)
		require.True(t, ok)
		assert.Equal(t, string(rune('a'+i)), items[0].Name)
	}
}

func TestSlowSubscriberBoundsPublish(t *testing.T) {
	bus := New(Config{DispatchTimeout: 50 * time.Millisecond})
	defer bus.Close()

	release := make(chan struct{})
	defer close(release)
	_, err := bus.SubscribeFunc(KindChange, func(ctx context.Context, event Event) {
		<-release
	})
	require.NoError(t, err)

	start := time.Now()
	err = bus.Publish(context.Background(), Changed("s", ActionDeleted, note{}))
	assert.ErrorIs(t, err, ErrDispatchTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPublishReturnsAfterDelivery(t *testing.T) {
	bus := New(Config{DispatchTimeout: time.Second})
	defer bus.Close()

	var handled atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := bus.SubscribeFunc(KindChange, func(ctx context.Context, event Event) {
			time.Sleep(20 * time.Millisecond)
			handled.Add(1)
		})
		require.NoError(t, err)
	}

	require.NoError(t, bus.Publish(context.Background(), Changed("s", ActionCreated, note{})))
	assert.Equal(t, int32(3), handled.Load())
}

func TestPublishHonoursContext(t *testing.T) {
	bus := New(Config{DispatchTimeout: time.Minute})
	defer bus.Close()

	release := make(chan struct{})
	defer close(release)
	_, err := bus.SubscribeFunc(KindChange, func(ctx context.Context, event Event) {
		<-release
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = bus.Publish(ctx, Changed("s", ActionDeleted, note{}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIgnoreSource(t *testing.T) {
	bus := newTestBus(t)
	rec := newRecorder()
	self := &struct{ name string }{"self"}

	_, err := bus.Subscribe(KindChange, IgnoreSource(self, rec))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Changed(self, ActionCreated, note{Name: "mine"})))
	require.NoError(t, bus.Publish(context.Background(), Changed("other", ActionCreated, note{Name: "theirs"})))
	rec.wait(t, 1)

	got := rec.received()
	require.Len(t, got, 1)
	assert.Equal(t, "other", got[0].Source)
}

func TestIgnoreSourceWithUncomparableSource(t *testing.T) {
	bus := newTestBus(t)
	rec := newRecorder()

	_, err := bus.Subscribe(KindChange, IgnoreSource("self", rec))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Changed([]string{"a", "b"}, ActionCreated, note{Name: "slice source"})))
	rec.wait(t, 1)

	got := rec.received()
	require.Len(t, got, 1)
	items, ok := Items[note](got[0])
	require.True(t, ok)
	assert.Equal(t, "slice source", items[0].Name)
}

func TestComparable(t *testing.T) {
	assert.True(t, Comparable(nil))
	assert.True(t, Comparable("source"))
	assert.True(t, Comparable(&struct{}{}))
	assert.False(t, Comparable([]string{"a"}))
	assert.False(t, Comparable(map[string]int{}))
	assert.False(t, Comparable(func() {}))
}

func TestKindNotPermitted(t *testing.T) {
	bus := New(Config{Kinds: []Kind{KindChange}})
	defer bus.Close()

	_, err := bus.Subscribe(KindSelection, newRecorder())
	assert.ErrorIs(t, err, ErrKindNotPermitted)

	err = bus.Publish(context.Background(), Selected("s", note{}))
	assert.ErrorIs(t, err, ErrKindNotPermitted)
}

func TestClosedBus(t *testing.T) {
	bus := New(Config{})
	bus.Close()
	bus.Close()

	_, err := bus.Subscribe(KindChange, newRecorder())
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.ErrorIs(t, bus.Publish(context.Background(), Changed("s", ActionCreated, note{})), ErrBusClosed)
}

func TestPanickingSubscriberDoesNotAffectOthers(t *testing.T) {
	bus := newTestBus(t)
	_, err := bus.SubscribeFunc(KindChange, func(ctx context.Context, event Event) {
		panic("bad subscriber")
	})
	require.NoError(t, err)
	rec := newRecorder()
	_, err = bus.Subscribe(KindChange, rec)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Changed("s", ActionCreated, note{})))
	rec.wait(t, 1)
}

func TestItemsTypeMismatch(t *testing.T) {
	ev := Changed("s", ActionCreated, note{})
	_, ok := Items[other](ev)
	assert.False(t, ok)
}

type other struct{}

func (o other) Clone() other { return o }

func TestDefaultIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
