// Package ws serves the two websocket channels: the realm channel for
// world subscriptions and mutations, and the progression channel for
// per-character state.
package ws

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"shardrealm.gg/internal/auth"
	"shardrealm.gg/internal/realm"
)

type Options struct {
	ReadLimitBytes   int64
	WriteTimeout     time.Duration
	PongTimeout      time.Duration
	SendBufferFrames int
}

func (o *Options) normalize() {
	if o.ReadLimitBytes <= 0 {
		o.ReadLimitBytes = 1 << 20
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.SendBufferFrames <= 0 {
		o.SendBufferFrames = 64
	}
}

type Server struct {
	svc      *realm.Service
	verifier *auth.Verifier
	log      *log.Logger
	opts     Options

	upgrader websocket.Upgrader

	connections atomic.Int64
	framesOut   atomic.Int64
	mutations   atomic.Int64
	rejected    atomic.Int64
}

func NewServer(svc *realm.Service, verifier *auth.Verifier, logger *log.Logger, opts Options) *Server {
	if logger == nil {
		logger = log.Default()
	}
	opts.normalize()
	return &Server{
		svc:      svc,
		verifier: verifier,
		log:      logger,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

type Stats struct {
	Connections int64
	FramesOut   int64
	Mutations   int64
	Rejected    int64
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		FramesOut:   s.framesOut.Load(),
		Mutations:   s.mutations.Load(),
		Rejected:    s.rejected.Load(),
	}
}

// accept upgrades and authenticates the connection. On auth failure the
// socket closes with a policy violation so clients can tell a bad token
// apart from a network drop.
func (s *Server) accept(rw http.ResponseWriter, r *http.Request) (*websocket.Conn, string, bool) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return nil, "", false
	}
	userID, err := s.verifier.UserID(auth.FromRequest(r))
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return nil, "", false
	}
	conn.SetReadLimit(s.opts.ReadLimitBytes)
	s.connections.Add(1)
	return conn, userID, true
}

// startWriter owns all writes to the socket. Direct replies and hub
// broadcasts both go through out so frames never interleave. The writer
// closes the conn on exit, which unblocks the reader as soon as the
// connection is cancelled instead of leaving it to the read deadline.
func (s *Server) startWriter(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out chan []byte) {
	go func() {
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-out:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					return
				}
				s.framesOut.Add(1)
			}
		}
	}()
}

// send queues a frame for the writer. A client that cannot drain its
// buffer is disconnected rather than allowed to stall the server.
func (s *Server) send(cancel context.CancelFunc, out chan []byte, frame []byte) {
	select {
	case out <- frame:
	default:
		cancel()
	}
}

// forward relays hub frames into the connection's write queue until the
// subscription or the connection ends.
func (s *Server) forward(ctx context.Context, cancel context.CancelFunc, out chan []byte, sub *realm.Subscription) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-sub.Frames():
				if !ok {
					return
				}
				s.send(cancel, out, frame)
			}
		}
	}()
}
