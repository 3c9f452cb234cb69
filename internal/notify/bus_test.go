package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arohanajit/clustermap/internal/storage"
)

type collector struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (c *collector) listen(ev ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) get() []ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChangeEvent(nil), c.events...)
}

func TestFromEntry(t *testing.T) {
	added := FromEntry("m", storage.Entry{Key: "1", Value: "John", Version: 1, Origin: "a"})
	assert.Equal(t, EventAdded, added.Kind)
	assert.Equal(t, "John", added.NewValue)
	assert.Empty(t, added.OldValue)

	updated := FromEntry("m", storage.Entry{Key: "1", Value: "Johnny", OldValue: "John", HadOld: true, Version: 2})
	assert.Equal(t, EventUpdated, updated.Kind)
	assert.Equal(t, "John", updated.OldValue)
	assert.Equal(t, "Johnny", updated.NewValue)

	removed := FromEntry("m", storage.Entry{Key: "1", Deleted: true, OldValue: "Johnny", HadOld: true, Version: 3})
	assert.Equal(t, EventRemoved, removed.Kind)
	assert.Equal(t, "Johnny", removed.OldValue)
	assert.Empty(t, removed.NewValue)
}

func TestFilter_Match(t *testing.T) {
	ev := ChangeEvent{Kind: EventUpdated, Map: "people", Key: "1"}

	assert.True(t, Filter{}.Match(ev))
	assert.True(t, Filter{Map: "people"}.Match(ev))
	assert.False(t, Filter{Map: "other"}.Match(ev))
	assert.True(t, Filter{Kinds: []EventKind{EventAdded, EventUpdated}}.Match(ev))
	assert.False(t, Filter{Kinds: []EventKind{EventRemoved}}.Match(ev))
	assert.False(t, Filter{Key: "2"}.Match(ev))
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("REMOVED")
	assert.True(t, ok)
	assert.Equal(t, EventRemoved, k)

	_, ok = ParseKind("deleted")
	assert.False(t, ok)
}

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	c := &collector{}
	_, err := bus.Subscribe(Filter{}, c.listen)
	require.NoError(t, err)

	for i := uint64(1); i <= 100; i++ {
		bus.Publish(ChangeEvent{Kind: EventUpdated, Map: "m", Key: "k", Version: i})
	}

	require.Eventually(t, func() bool { return len(c.get()) == 100 }, 2*time.Second, 10*time.Millisecond)
	for i, ev := range c.get() {
		assert.Equal(t, uint64(i+1), ev.Version)
	}
}

func TestBus_FilterByKind(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	c := &collector{}
	_, err := bus.Subscribe(Filter{Kinds: []EventKind{EventRemoved}}, c.listen)
	require.NoError(t, err)

	bus.Publish(ChangeEvent{Kind: EventAdded, Key: "1"})
	bus.Publish(ChangeEvent{Kind: EventRemoved, Key: "1"})

	require.Eventually(t, func() bool { return len(c.get()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, EventRemoved, c.get()[0].Kind)
}

func TestBus_PanickingListenerIsIsolated(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var calls int
	var mu sync.Mutex
	_, err := bus.Subscribe(Filter{}, func(ev ChangeEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("listener failure")
	})
	require.NoError(t, err)

	healthy := &collector{}
	_, err = bus.Subscribe(Filter{}, healthy.listen)
	require.NoError(t, err)

	bus.Publish(ChangeEvent{Kind: EventAdded, Key: "1"})
	bus.Publish(ChangeEvent{Kind: EventAdded, Key: "2"})

	require.Eventually(t, func() bool { return len(healthy.get()) == 2 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 10*time.Millisecond, "panicking listener keeps receiving later events")
}

func TestBus_SlowListenerDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	release := make(chan struct{})
	_, err := bus.Subscribe(Filter{}, func(ev ChangeEvent) { <-release })
	require.NoError(t, err)

	fast := &collector{}
	_, err = bus.Subscribe(Filter{}, fast.listen)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(ChangeEvent{Kind: EventAdded, Key: "k"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow listener")
	}
	require.Eventually(t, func() bool { return len(fast.get()) == 1000 }, 2*time.Second, 10*time.Millisecond)
	close(release)
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	c := &collector{}
	sub, err := bus.Subscribe(Filter{}, c.listen)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount())

	sub.Cancel()
	sub.Cancel()
	assert.Equal(t, 0, bus.SubscriberCount())

	bus.Publish(ChangeEvent{Kind: EventAdded, Key: "1"})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.get())
}

func TestBus_Stream(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Stream(ctx, Filter{Map: "people"})
	require.NoError(t, err)

	bus.Publish(ChangeEvent{Kind: EventAdded, Map: "other", Key: "x"})
	bus.Publish(ChangeEvent{Kind: EventAdded, Map: "people", Key: "1"})

	select {
	case ev := <-ch:
		assert.Equal(t, "1", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("no event received from stream")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(nil)

	ch, err := bus.Stream(context.Background(), Filter{})
	require.NoError(t, err)

	// An undrained stream must not hold up Close
	bus.Publish(ChangeEvent{Kind: EventAdded, Key: "1"})
	bus.Close()

	_, err = bus.Subscribe(Filter{}, func(ChangeEvent) {})
	assert.ErrorIs(t, err, ErrBusClosed)

	for range ch {
	}
}
