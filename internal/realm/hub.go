package realm

import (
	"encoding/json"
	"sync"
)

// Hub fans committed events out to live subscribers. Realm topics carry
// world changes; character topics carry progression pushes. Delivery is
// best-effort: a subscriber that cannot drain its buffer is cancelled
// and must reconnect and resnapshot.
type Hub struct {
	mu         sync.Mutex
	realms     map[string]map[*Subscription]struct{}
	characters map[string]map[*Subscription]struct{}
}

type Subscription struct {
	hub    *Hub
	topic  map[string]map[*Subscription]struct{}
	key    string
	frames chan []byte

	once sync.Once
	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		realms:     make(map[string]map[*Subscription]struct{}),
		characters: make(map[string]map[*Subscription]struct{}),
	}
}

func (h *Hub) SubscribeRealm(realmID string, buffer int) *Subscription {
	return h.subscribe(h.realms, realmID, buffer)
}

func (h *Hub) SubscribeCharacter(characterID string, buffer int) *Subscription {
	return h.subscribe(h.characters, characterID, buffer)
}

func (h *Hub) subscribe(topic map[string]map[*Subscription]struct{}, key string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		hub:    h,
		topic:  topic,
		key:    key,
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	set, ok := topic[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		topic[key] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Frames is the subscriber's read side. It is closed on cancel.
func (s *Subscription) Frames() <-chan []byte { return s.frames }

// Done closes when the subscription is cancelled, by the subscriber or
// by the hub on overflow.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Cancel() {
	s.once.Do(func() {
		// frames is closed under the hub lock; publish sends under the
		// same lock, so a send on a closed channel cannot happen.
		s.hub.mu.Lock()
		if set, ok := s.topic[s.key]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.topic, s.key)
			}
		}
		close(s.frames)
		s.hub.mu.Unlock()
		close(s.done)
	})
}

func (h *Hub) PublishRealm(realmID string, v any) {
	h.publish(h.realms, realmID, v)
}

func (h *Hub) PublishCharacter(characterID string, v any) {
	h.publish(h.characters, characterID, v)
}

func (h *Hub) publish(topic map[string]map[*Subscription]struct{}, key string, v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.Lock()
	var overflowed []*Subscription
	for sub := range topic[key] {
		select {
		case sub.frames <- frame:
		default:
			// Too far behind to catch up from the buffer.
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range overflowed {
		sub.Cancel()
	}
}

// RealmSubscribers reports the live subscription count for a realm.
func (h *Hub) RealmSubscribers(realmID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.realms[realmID])
}
