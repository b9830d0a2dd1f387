package cache

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

var ErrReactiveClosed = errors.New("reactive cache closed")

// ReactiveTier is the in-memory, collection-granular tier. Its failures are
// reported but never fail the operation that triggered them.
type ReactiveTier interface {
	Publish(collection string, data json.RawMessage) error
	Invalidate(collection string) error
}

type EventType string

const (
	EventUpdated     EventType = "updated"
	EventInvalidated EventType = "invalidated"
)

// Event tells subscribers a collection changed.
type Event struct {
	Collection string
	Type       EventType
	At         time.Time
}

// Snapshot is the last page published for a collection.
type Snapshot struct {
	Data        json.RawMessage
	LastUpdated time.Time
}

type subscriber struct {
	id int
	ch chan Event
}

// Reactive keeps the last published page per collection and fans out change
// events. Slow subscribers miss events rather than block publishers.
type Reactive struct {
	items *ttlcache.Cache[string, Snapshot]

	mu          sync.RWMutex
	lastUpdated map[string]time.Time
	subscribers map[string][]subscriber
	nextID      int
	closed      bool
	now         func() time.Time
}

func NewReactive(ttl time.Duration) *Reactive {
	items := ttlcache.New[string, Snapshot](
		ttlcache.WithTTL[string, Snapshot](ttl),
		ttlcache.WithDisableTouchOnHit[string, Snapshot](),
	)
	go items.Start()

	return &Reactive{
		items:       items,
		lastUpdated: make(map[string]time.Time),
		subscribers: make(map[string][]subscriber),
		now:         time.Now,
	}
}

func (r *Reactive) Publish(collection string, data json.RawMessage) error {
	at, err := r.touch(collection)
	if err != nil {
		return err
	}

	r.items.Set(collection, Snapshot{Data: data, LastUpdated: at}, ttlcache.DefaultTTL)
	r.notify(Event{Collection: collection, Type: EventUpdated, At: at})
	return nil
}

// Invalidate drops the collection's snapshot and refreshes its last-updated
// timestamp.
func (r *Reactive) Invalidate(collection string) error {
	at, err := r.touch(collection)
	if err != nil {
		return err
	}

	r.items.Delete(collection)
	r.notify(Event{Collection: collection, Type: EventInvalidated, At: at})
	return nil
}

func (r *Reactive) Get(collection string) (Snapshot, bool) {
	item := r.items.Get(collection)
	if item == nil {
		return Snapshot{}, false
	}
	return item.Value(), true
}

func (r *Reactive) LastUpdated(collection string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUpdated[collection]
}

// Subscribe returns a channel of events for collection and a cancel func
// that closes it.
func (r *Reactive) Subscribe(collection string) (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Event, 16)
	if r.closed {
		close(ch)
		return ch, func() {}
	}

	r.nextID++
	id := r.nextID
	r.subscribers[collection] = append(r.subscribers[collection], subscriber{id: id, ch: ch})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()

			subs := r.subscribers[collection]
			for i, s := range subs {
				if s.id == id {
					r.subscribers[collection] = append(subs[:i], subs[i+1:]...)
					close(s.ch)
					return
				}
			}
		})
	}

	return ch, cancel
}

func (r *Reactive) Len() int {
	return r.items.Len()
}

// Close stops the expiry loop and closes every subscription.
func (r *Reactive) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	r.items.Stop()

	for collection, subs := range r.subscribers {
		for _, s := range subs {
			close(s.ch)
		}
		delete(r.subscribers, collection)
	}
}

func (r *Reactive) touch(collection string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return time.Time{}, ErrReactiveClosed
	}
	at := r.now()
	r.lastUpdated[collection] = at
	return at, nil
}

func (r *Reactive) notify(event Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.subscribers[event.Collection] {
		select {
		case s.ch <- event:
		default:
		}
	}
}
