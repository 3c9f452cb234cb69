package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/arohanajit/clustermap/internal/metrics"
)

var ErrBusClosed = errors.New("notification bus closed")

// Listener receives change events on its subscription's dispatch goroutine
type Listener func(ChangeEvent)

// Bus fans change events out to subscribers. Publish never blocks: each
// subscription queues events and delivers them from its own goroutine, so a
// slow or failing listener only delays itself.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
	logger *zap.Logger
}

// Subscription is a registered listener
type Subscription struct {
	id       uint64
	filter   Filter
	listener Listener
	bus      *Bus

	mu      sync.Mutex
	queue   []ChangeEvent
	signal  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers listener for events matching filter
func (b *Bus) Subscribe(filter Filter, listener Listener) (*Subscription, error) {
	if listener == nil {
		return nil, errors.New("listener cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		filter:   filter,
		listener: listener,
		bus:      b,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go sub.run()

	return sub, nil
}

// Stream returns a channel of events matching filter. The channel is closed
// once ctx is done or the bus is closed.
func (b *Bus) Stream(ctx context.Context, filter Filter) (<-chan ChangeEvent, error) {
	ch := make(chan ChangeEvent)
	cancelled := make(chan struct{})

	sub, err := b.Subscribe(filter, func(ev ChangeEvent) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		case <-cancelled:
		}
	})
	if err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-sub.done:
		}
		close(cancelled)
		<-sub.stopped
		close(ch)
	}()

	return ch, nil
}

// Publish queues ev for every matching subscription
func (b *Bus) Publish(ev ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.filter.Match(ev) {
			sub.enqueue(ev)
		}
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close cancels every subscription and waits for their dispatch goroutines.
// It must not be called from a listener.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	b.wg.Wait()
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Cancel stops delivery. Events still queued are dropped. Safe to call from
// the subscription's own listener.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s.id)
	})
}

// Done is closed once the subscription is cancelled
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) enqueue(ev ChangeEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer s.bus.wg.Done()
	defer close(s.stopped)

	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()

			for _, ev := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.deliver(ev)
			}
		}
	}
}

func (s *Subscription) deliver(ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.GetMetrics().RecordListenerPanic()
			s.bus.logger.Error("Listener panicked",
				zap.Uint64("subscription", s.id),
				zap.String("map", ev.Map),
				zap.String("key", ev.Key),
				zap.Any("panic", r))
		}
	}()

	s.listener(ev)
	metrics.GetMetrics().RecordEventDelivered()
}
