package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"shardrealm.gg/internal/protocol"
	"shardrealm.gg/internal/realm"
)

// ProgressionHandler serves the progression channel. Clients subscribe
// per character and push versioned collection updates; the server
// answers and pushes full snapshots.
func (s *Server) ProgressionHandler() http.HandlerFunc {
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
			var req protocol.ProgressionClientMsg
			if err := json.Unmarshal(msg, &req); err != nil {
				s.sendJSON(cancel, out, protocol.ErrorMsg{
					Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Error: "malformed message",
				})
				continue
			}
			if req.Payload == nil || req.Payload.CharacterID == "" {
				s.sendJSON(cancel, out, protocol.ErrorMsg{
					Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest, Error: "payload.characterId is required",
				})
				continue
			}

			switch req.Type {
			case protocol.TypeSubscribe:
				s.handleProgressionSubscribe(ctx, cancel, out, subs, userID, req.Payload.CharacterID)

			case protocol.TypeUpdate:
				snap, err := s.svc.ApplyProgressionUpdate(ctx, userID, *req.Payload)
				if err != nil {
					s.sendJSON(cancel, out, protocol.ErrorMsg{
						Type: protocol.TypeError, Code: realm.ErrorCode(err), Error: err.Error(),
					})
					continue
				}
				s.sendJSON(cancel, out, protocol.ProgressionMsg{Type: protocol.TypeProgression, Payload: snap})

			default:
				s.sendJSON(cancel, out, protocol.ErrorMsg{
					Type: protocol.TypeError, Code: protocol.ErrProtoBadRequest,
					Error: "unknown message type " + req.Type,
				})
			}
		}
	}
}

func (s *Server) handleProgressionSubscribe(ctx context.Context, cancel context.CancelFunc, out chan []byte, subs map[string]*realm.Subscription, userID, characterID string) {
	if sub, ok := subs[characterID]; ok {
		select {
		case <-sub.Done():
			// Dropped by the hub on overflow; resubscribe.
			delete(subs, characterID)
		default:
		}
	}
	if _, ok := subs[characterID]; !ok {
		sub, err := s.svc.SubscribeCharacter(ctx, userID, characterID)
		if err != nil {
			s.sendJSON(cancel, out, protocol.ErrorMsg{
				Type: protocol.TypeError, Code: realm.ErrorCode(err), Error: err.Error(),
			})
			return
		}
		subs[characterID] = sub
		s.forward(ctx, cancel, out, sub)
	}

	// The current snapshot doubles as the subscription ack.
	snap, err := s.svc.Progression(ctx, userID, characterID)
	if err != nil {
		s.sendJSON(cancel, out, protocol.ErrorMsg{
			Type: protocol.TypeError, Code: realm.ErrorCode(err), Error: err.Error(),
		})
		return
	}
	s.sendJSON(cancel, out, protocol.ProgressionMsg{Type: protocol.TypeProgression, Payload: snap})
}
