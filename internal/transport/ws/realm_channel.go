package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"shardrealm.gg/internal/protocol"
	"shardrealm.gg/internal/realm"
)

// RealmHandler serves the realm channel: subscribe, unsubscribe,
// mutation, ping.
func (s *Server) RealmHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, userID, ok := s.accept(rw, r)
		if !ok {
			return
		}
		defer conn.Close()
		defer s.connections.Add(-1)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := make(chan []byte, s.opts.SendBufferFrames)
		s.startWriter(ctx, cancel, conn, out)

		subs := map[string]*realm.Subscription{}
		defer func() {
			for _, sub := range subs {
				sub.Cancel()
			}
		}()

		s.sendJSON(cancel, out, protocol.ReadyMsg{Type: protocol.TypeReady})

		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				s.sendJSON(cancel, out, protocol.ErrorMsg{
					Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Error: "malformed message",
				})
				continue
			}

			var req protocol.ClientMsg
			if err := json.Unmarshal(msg, &req); err != nil {
				s.sendJSON(cancel, out, protocol.ErrorMsg{
					Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Error: "malformed message",
				})
				continue
			}

			switch base.Type {
			case protocol.TypePing:
				s.sendJSON(cancel, out, protocol.PongMsg{Type: protocol.TypePong})

			case protocol.TypeSubscribe:
				s.handleSubscribe(ctx, cancel, out, subs, userID, req)

			case protocol.TypeUnsubscribe:
				if sub, ok := subs[req.RealmID]; ok {
					sub.Cancel()
					delete(subs, req.RealmID)
				}
				s.sendJSON(cancel, out, protocol.SubscribedMsg{
					Type: protocol.TypeUnsubscribed, RealmID: req.RealmID,
				})

			case protocol.TypeMutation:
				s.handleMutation(ctx, cancel, out, userID, req)

			default:
				s.sendJSON(cancel, out, protocol.ErrorMsg{
					Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest,
					Error: "unknown message type " + base.Type,
				})
			}
		}
	}
}

func (s *Server) handleSubscribe(ctx context.Context, cancel context.CancelFunc, out chan []byte, subs map[string]*realm.Subscription, userID string, req protocol.ClientMsg) {
	if req.RealmID == "" {
		s.sendJSON(cancel, out, protocol.ErrorMsg{
			Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Error: "realmId is required",
		})
		return
	}
	if sub, ok := subs[req.RealmID]; ok {
		select {
		case <-sub.Done():
			// The hub dropped this subscription on overflow; fall
			// through and register a fresh one.
			delete(subs, req.RealmID)
		default:
			// Already subscribed; re-ack.
			s.sendJSON(cancel, out, protocol.SubscribedMsg{Type: protocol.TypeSubscribed, RealmID: req.RealmID})
			return
		}
	}
	sub, err := s.svc.SubscribeRealm(ctx, userID, req.RealmID)
	if err != nil {
		s.sendJSON(cancel, out, protocol.ErrorMsg{
			Type: protocol.TypeError, RealmID: req.RealmID,
			Code: realm.ErrorCode(err), Error: err.Error(),
		})
		return
	}
	subs[req.RealmID] = sub
	s.forward(ctx, cancel, out, sub)
	s.sendJSON(cancel, out, protocol.SubscribedMsg{Type: protocol.TypeSubscribed, RealmID: req.RealmID})
}

func (s *Server) handleMutation(ctx context.Context, cancel context.CancelFunc, out chan []byte, userID string, req protocol.ClientMsg) {
	change, err := s.svc.Mutate(ctx, userID, req)
	if err != nil {
		s.rejected.Add(1)
		expected, actual := realm.ConflictVersions(err)
		s.sendJSON(cancel, out, protocol.MutationRejectedMsg{
			Type:            protocol.TypeMutationRejected,
			RealmID:         req.RealmID,
			RequestID:       req.RequestID,
			Code:            realm.ErrorCode(err),
			Error:           err.Error(),
			ExpectedVersion: expected,
			ActualVersion:   actual,
		})
		return
	}
	s.mutations.Add(1)
	s.sendJSON(cancel, out, protocol.MutationAckMsg{
		Type:      protocol.TypeMutationAck,
		RealmID:   req.RealmID,
		RequestID: req.RequestID,
		Change:    change,
	})
}

func (s *Server) sendJSON(cancel context.CancelFunc, out chan []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.send(cancel, out, b)
}
