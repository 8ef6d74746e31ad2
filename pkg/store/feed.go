package store

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"roomsync/pkg/backend"
	"roomsync/pkg/metrics"
	"roomsync/pkg/models"
)

// subscriberBuffer bounds each subscriber's pending events. Events are
// dropped rather than blocking writers; consumers are expected to
// self-heal via recompute sweeps.
const subscriberBuffer = 256

// hub fans row-change events out to feed subscribers. One goroutine per
// subscriber drains a bounded channel so a slow callback cannot stall the
// writer or its siblings.
type hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*feedSub
	closed int32
}

type feedSub struct {
	id     uint64
	table  backend.Table
	filter backend.EventFilter
	ch     chan backend.Event
	done   chan struct{}
	h      *hub
	once   sync.Once
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]*feedSub)}
}

// Subscribe registers a change-feed listener on the local backend.
func (l *Local) Subscribe(table backend.Table, filter backend.EventFilter, fn func(backend.Event)) (backend.Subscription, error) {
	return l.hub.subscribe(table, filter, fn)
}

func (h *hub) subscribe(table backend.Table, filter backend.EventFilter, fn func(backend.Event)) (backend.Subscription, error) {
	s := &feedSub{
		table:  table,
		filter: filter,
		ch:     make(chan backend.Event, subscriberBuffer),
		done:   make(chan struct{}),
		h:      h,
	}
	h.mu.Lock()
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	h.mu.Unlock()
	go func() {
		defer close(s.done)
		for ev := range s.ch {
			fn(ev)
		}
	}()
	return s, nil
}

// Unsubscribe joins the drain goroutine: once it returns, no delivery is
// in flight and none will follow. Must not be called from the
// subscription's own callback.
func (s *feedSub) Unsubscribe() {
	s.once.Do(func() {
		s.h.mu.Lock()
		delete(s.h.subs, s.id)
		s.h.mu.Unlock()
		close(s.ch)
	})
	<-s.done
}

func (s *feedSub) wants(ev backend.Event) bool {
	if ev.Table != s.table {
		return false
	}
	if s.filter.Room != nil && ev.Table == backend.TableMessages {
		m, err := ev.Message()
		if err != nil {
			return false
		}
		return m.Room() == *s.filter.Room
	}
	return true
}

func (h *hub) publish(ev backend.Event) {
	if atomic.LoadInt32(&h.closed) == 1 {
		return
	}
	metrics.FeedEvents.WithLabelValues(string(ev.Table), string(ev.Op)).Inc()
	h.mu.Lock()
	targets := make([]*feedSub, 0, len(h.subs))
	for _, s := range h.subs {
		if s.wants(ev) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()
	for _, s := range targets {
		select {
		case s.ch <- ev:
		default:
			metrics.FeedDropped.Inc()
		}
	}
}

func (h *hub) close() {
	atomic.StoreInt32(&h.closed, 1)
	h.mu.Lock()
	subs := make([]*feedSub, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// bus is the ephemeral broadcast channel, keyed by room. Same bounded
// fanout mechanics as the hub, best-effort delivery, nothing persisted.
type bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[models.RoomKey]map[uint64]*busSub
	closed int32
}

type busSub struct {
	id   uint64
	room models.RoomKey
	ch   chan []byte
	done chan struct{}
	b    *bus
	once sync.Once
}

func newBus() *bus {
	return &bus{subs: make(map[models.RoomKey]map[uint64]*busSub)}
}

// Join subscribes to the room's broadcast channel.
func (l *Local) Join(room models.RoomKey, fn func(payload []byte)) (backend.Subscription, error) {
	return l.bus.join(room, fn)
}

// Publish sends a payload to every member of the room's channel.
func (l *Local) Publish(room models.RoomKey, payload []byte) error {
	l.bus.publish(room, payload)
	return nil
}

// PublishTyping is a convenience for tests and tooling.
func (l *Local) PublishTyping(ev models.TypingEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return l.Publish(ev.Room, b)
}

func (b *bus) join(room models.RoomKey, fn func([]byte)) (backend.Subscription, error) {
	s := &busSub{room: room, ch: make(chan []byte, subscriberBuffer), done: make(chan struct{}), b: b}
	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	if b.subs[room] == nil {
		b.subs[room] = make(map[uint64]*busSub)
	}
	b.subs[room][s.id] = s
	b.mu.Unlock()
	go func() {
		defer close(s.done)
		for p := range s.ch {
			fn(p)
		}
	}()
	return s, nil
}

func (s *busSub) Unsubscribe() {
	s.once.Do(func() {
		s.b.mu.Lock()
		if m := s.b.subs[s.room]; m != nil {
			delete(m, s.id)
			if len(m) == 0 {
				delete(s.b.subs, s.room)
			}
		}
		s.b.mu.Unlock()
		close(s.ch)
	})
	<-s.done
}

func (b *bus) publish(room models.RoomKey, payload []byte) {
	if atomic.LoadInt32(&b.closed) == 1 {
		return
	}
	b.mu.Lock()
	targets := make([]*busSub, 0)
	for _, s := range b.subs[room] {
		targets = append(targets, s)
	}
	b.mu.Unlock()
	for _, s := range targets {
		select {
		case s.ch <- payload:
		default:
			// best-effort channel; a lost typing signal self-heals via
			// the receiver-side expiry timer
		}
	}
}

func (b *bus) close() {
	atomic.StoreInt32(&b.closed, 1)
	b.mu.Lock()
	var subs []*busSub
	for _, m := range b.subs {
		for _, s := range m {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}
