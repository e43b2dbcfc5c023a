package realm

import (
	"encoding/json"
	"testing"
)

func TestHubPublishReachesTopicOnly(t *testing.T) {
	h := NewHub()
	a := h.SubscribeRealm("realm-a", 4)
	b := h.SubscribeRealm("realm-b", 4)
	defer a.Cancel()
	defer b.Cancel()

	h.PublishRealm("realm-a", map[string]string{"type": "change"})

	select {
	case frame := <-a.Frames():
		var got map[string]string
		if err := json.Unmarshal(frame, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got["type"] != "change" {
			t.Fatalf("frame = %v", got)
		}
	default:
		t.Fatal("subscriber a received nothing")
	}
	select {
	case frame := <-b.Frames():
		t.Fatalf("subscriber b received a foreign frame: %s", frame)
	default:
	}
}

func TestHubCancelIsIdempotent(t *testing.T) {
	h := NewHub()
	sub := h.SubscribeRealm("realm-a", 4)
	sub.Cancel()
	sub.Cancel()

	if _, ok := <-sub.Frames(); ok {
		t.Fatal("frames channel should be closed")
	}
	select {
	case <-sub.Done():
	default:
		t.Fatal("done channel should be closed")
	}
	if n := h.RealmSubscribers("realm-a"); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}

	// Publishing to an empty topic is a no-op.
	h.PublishRealm("realm-a", map[string]string{"type": "change"})
}

func TestHubDropsOverflowedSubscriber(t *testing.T) {
	h := NewHub()
	slow := h.SubscribeRealm("realm-a", 1)

	h.PublishRealm("realm-a", map[string]int{"n": 1})
	h.PublishRealm("realm-a", map[string]int{"n": 2})

	select {
	case <-slow.Done():
	default:
		t.Fatal("overflowed subscriber should be cancelled")
	}

	// The frame accepted before the overflow is still readable.
	if frame, ok := <-slow.Frames(); !ok || len(frame) == 0 {
		t.Fatal("buffered frame lost")
	}
}

func TestHubCharacterTopicIsSeparate(t *testing.T) {
	h := NewHub()
	realmSub := h.SubscribeRealm("id-1", 4)
	charSub := h.SubscribeCharacter("id-1", 4)
	defer realmSub.Cancel()
	defer charSub.Cancel()

	h.PublishCharacter("id-1", map[string]string{"type": "progression"})

	select {
	case <-charSub.Frames():
	default:
		t.Fatal("character subscriber received nothing")
	}
	select {
	case <-realmSub.Frames():
		t.Fatal("realm subscriber received a character frame")
	default:
	}
}
