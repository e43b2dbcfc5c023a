package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"shardrealm.gg/internal/auth"
	"shardrealm.gg/internal/persistence/realmdb"
	"shardrealm.gg/internal/protocol"
	"shardrealm.gg/internal/realm"
)

type wsFixture struct {
	ts       *httptest.Server
	server   *Server
	verifier *auth.Verifier
	svc      *realm.Service
	realm    realmdb.Realm
	chars    map[string]realmdb.Character
}

func newWSFixture(t *testing.T) wsFixture {
	t.Helper()
	store, err := realmdb.Open(filepath.Join(t.TempDir(), "realm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc := realm.NewService(store, realm.NewHub(), log.New(io.Discard, "", 0), 16)
	verifier, err := auth.NewVerifier("test-secret", "shardrealm")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	server := NewServer(svc, verifier, log.New(io.Discard, "", 0), Options{})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/realm", server.RealmHandler())
	mux.HandleFunc("/ws/progression", server.ProgressionHandler())
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	ctx := context.Background()
	rlm, err := store.CreateRealm(ctx, "", "Emberfall")
	if err != nil {
		t.Fatalf("realm: %v", err)
	}
	if _, err := store.UpsertMembership(ctx, rlm.ID, "bob", realmdb.RoleBuilder); err != nil {
		t.Fatalf("membership: %v", err)
	}
	if _, err := store.UpsertMembership(ctx, rlm.ID, "mia", realmdb.RoleMember); err != nil {
		t.Fatalf("membership: %v", err)
	}
	chars := map[string]realmdb.Character{}
	for _, spec := range []struct{ user, name, race string }{
		{"bob", "Borin", "human"},
		{"mia", "Miakoda", "felarian"},
	} {
		c, err := store.CreateCharacter(ctx, realmdb.Character{
			UserID: spec.user, RealmID: rlm.ID, Name: spec.name, RaceID: spec.race,
		})
		if err != nil {
			t.Fatalf("character: %v", err)
		}
		chars[spec.user] = c
	}
	return wsFixture{ts: ts, server: server, verifier: verifier, svc: svc, realm: rlm, chars: chars}
}

func (f wsFixture) dial(t *testing.T, path, userID string) *websocket.Conn {
	t.Helper()
	token, err := f.verifier.Issue(userID, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + path + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	return base.Type, msg
}

func expectFrame(t *testing.T, conn *websocket.Conn, wantType string) []byte {
	t.Helper()
	gotType, msg := readFrame(t, conn)
	if gotType != wantType {
		t.Fatalf("frame type = %q, want %q (frame: %s)", gotType, wantType, msg)
	}
	return msg
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func intp(v int) *int { return &v }

func TestRealmChannelRoundTrip(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "/ws/realm", "bob")

	expectFrame(t, conn, protocol.TypeReady)

	writeFrame(t, conn, protocol.ClientMsg{Type: protocol.TypePing})
	expectFrame(t, conn, protocol.TypePong)

	writeFrame(t, conn, protocol.ClientMsg{Type: protocol.TypeSubscribe, RealmID: f.realm.ID})
	expectFrame(t, conn, protocol.TypeSubscribed)

	writeFrame(t, conn, protocol.ClientMsg{
		Type:      protocol.TypeMutation,
		RealmID:   f.realm.ID,
		ChunkID:   "c-0-0",
		RequestID: "req-1",
		Chunk:     &protocol.ChunkUpdate{ChunkX: intp(0), ChunkZ: intp(0), Payload: json.RawMessage(`{"biome":"mesa"}`)},
	})

	// The actor gets the ack and, being subscribed, the broadcast too.
	// Their relative order is not fixed.
	var ack protocol.MutationAckMsg
	var change protocol.ChangeMsg
	for i := 0; i < 2; i++ {
		frameType, msg := readFrame(t, conn)
		switch frameType {
		case protocol.TypeMutationAck:
			if err := json.Unmarshal(msg, &ack); err != nil {
				t.Fatalf("decode ack: %v", err)
			}
		case protocol.TypeChange:
			if err := json.Unmarshal(msg, &change); err != nil {
				t.Fatalf("decode change: %v", err)
			}
		default:
			t.Fatalf("unexpected frame %q: %s", frameType, msg)
		}
	}
	if ack.RequestID != "req-1" || ack.Change.Seq <= 0 {
		t.Fatalf("ack = %+v", ack)
	}
	if change.Change.ChangeID != ack.Change.ChangeID {
		t.Fatalf("broadcast change %q != ack change %q", change.Change.ChangeID, ack.Change.ChangeID)
	}

	writeFrame(t, conn, protocol.ClientMsg{Type: protocol.TypeUnsubscribe, RealmID: f.realm.ID})
	expectFrame(t, conn, protocol.TypeUnsubscribed)
}

func TestRealmChannelRejectsBadToken(t *testing.T) {
	f := newWSFixture(t)
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/realm?token=garbage"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestRealmChannelMutationRejected(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "/ws/realm", "mia")
	expectFrame(t, conn, protocol.TypeReady)

	// mia is not a builder; chunk metadata writes are refused.
	writeFrame(t, conn, protocol.ClientMsg{
		Type:      protocol.TypeMutation,
		RealmID:   f.realm.ID,
		ChunkID:   "c-0-0",
		RequestID: "req-2",
		Chunk:     &protocol.ChunkUpdate{ChunkX: intp(0), ChunkZ: intp(0)},
	})
	msg := expectFrame(t, conn, protocol.TypeMutationRejected)
	var rej protocol.MutationRejectedMsg
	if err := json.Unmarshal(msg, &rej); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rej.Code != protocol.ErrNoPermission || rej.RequestID != "req-2" {
		t.Fatalf("rejection = %+v", rej)
	}
}

func TestProgressionChannelVersionConflict(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "/ws/progression", "mia")
	expectFrame(t, conn, protocol.TypeReady)

	writeFrame(t, conn, protocol.ProgressionClientMsg{
		Type: protocol.TypeUpdate,
		Payload: &protocol.ProgressionUpdate{
			CharacterID: f.chars["mia"].ID,
			Inventory: &protocol.InventoryPut{
				Items: []protocol.InventoryItem{{ItemID: "torch", Quantity: 1}},
			},
		},
	})
	expectFrame(t, conn, protocol.TypeProgression)

	// Stale expectedVersion.
	writeFrame(t, conn, protocol.ProgressionClientMsg{
		Type: protocol.TypeUpdate,
		Payload: &protocol.ProgressionUpdate{
			CharacterID: f.chars["mia"].ID,
			Inventory:   &protocol.InventoryPut{ExpectedVersion: 0},
		},
	})
	msg := expectFrame(t, conn, protocol.TypeError)
	var errMsg protocol.ErrorMsg
	if err := json.Unmarshal(msg, &errMsg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errMsg.Code != protocol.ErrVersionConflict {
		t.Fatalf("code = %q", errMsg.Code)
	}
}

func TestWriterShutdownClosesConnection(t *testing.T) {
	srv := NewServer(nil, nil, log.New(io.Discard, "", 0), Options{})
	ts := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := srv.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		out := make(chan []byte, 1)
		srv.startWriter(ctx, cancel, conn, out)
		cancel()
	}))
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The writer owns the conn; cancellation must close it well before
	// any read deadline would.
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the connection to close")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection stayed open after writer shutdown")
	}
}

func TestSubscribeReplacesDroppedSubscription(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()
	out := make(chan []byte, 8)
	subs := map[string]*realm.Subscription{}
	req := protocol.ClientMsg{Type: protocol.TypeSubscribe, RealmID: f.realm.ID}

	f.server.handleSubscribe(ctx, func() {}, out, subs, "bob", req)
	first := subs[f.realm.ID]
	if first == nil {
		t.Fatal("no subscription registered")
	}
	if n := f.svc.Hub().RealmSubscribers(f.realm.ID); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}

	// What the hub does to a subscriber that overflows its buffer.
	first.Cancel()
	if n := f.svc.Hub().RealmSubscribers(f.realm.ID); n != 0 {
		t.Fatalf("subscribers after drop = %d, want 0", n)
	}

	f.server.handleSubscribe(ctx, func() {}, out, subs, "bob", req)
	second := subs[f.realm.ID]
	if second == nil || second == first {
		t.Fatal("dropped subscription was not replaced")
	}
	if n := f.svc.Hub().RealmSubscribers(f.realm.ID); n != 1 {
		t.Fatalf("subscribers after resubscribe = %d, want 1", n)
	}
}

func TestProgressionSubscribeReplacesDroppedSubscription(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()
	out := make(chan []byte, 8)
	subs := map[string]*realm.Subscription{}
	charID := f.chars["mia"].ID

	f.server.handleProgressionSubscribe(ctx, func() {}, out, subs, "mia", charID)
	first := subs[charID]
	if first == nil {
		t.Fatal("no subscription registered")
	}

	first.Cancel()
	f.server.handleProgressionSubscribe(ctx, func() {}, out, subs, "mia", charID)
	second := subs[charID]
	if second == nil || second == first {
		t.Fatal("dropped subscription was not replaced")
	}
	select {
	case <-second.Done():
		t.Fatal("replacement subscription is not live")
	default:
	}
}

func TestProgressionChannelSubscribeAndPush(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "/ws/progression", "mia")
	expectFrame(t, conn, protocol.TypeReady)

	writeFrame(t, conn, protocol.ProgressionClientMsg{
		Type:    protocol.TypeSubscribe,
		Payload: &protocol.ProgressionUpdate{CharacterID: f.chars["mia"].ID},
	})
	msg := expectFrame(t, conn, protocol.TypeProgression)
	var snap protocol.ProgressionMsg
	if err := json.Unmarshal(msg, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Payload.CharacterID != f.chars["mia"].ID || snap.Payload.Progression.Level != 1 {
		t.Fatalf("snapshot = %+v", snap.Payload)
	}

	// A server-side write pushes a fresh snapshot to the subscriber.
	if _, err := f.svc.ApplyProgressionUpdate(context.Background(), "mia", protocol.ProgressionUpdate{
		CharacterID: f.chars["mia"].ID,
		Progression: &protocol.ProgressionLevelPut{Level: 3, XP: 500},
	}); err != nil {
		t.Fatalf("server-side update: %v", err)
	}
	msg = expectFrame(t, conn, protocol.TypeProgression)
	if err := json.Unmarshal(msg, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Payload.Progression.Level != 3 {
		t.Fatalf("pushed snapshot = %+v", snap.Payload.Progression)
	}

	// Subscribing to someone else's character is refused.
	writeFrame(t, conn, protocol.ProgressionClientMsg{
		Type:    protocol.TypeSubscribe,
		Payload: &protocol.ProgressionUpdate{CharacterID: f.chars["bob"].ID},
	})
	msg = expectFrame(t, conn, protocol.TypeError)
	var errMsg protocol.ErrorMsg
	if err := json.Unmarshal(msg, &errMsg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errMsg.Code != protocol.ErrNoPermission {
		t.Fatalf("code = %q", errMsg.Code)
	}
}
