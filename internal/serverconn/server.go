// Package serverconn owns the per-connection side of the wire protocol: one
// worker connection per connected worker and one client connection per
// connected human-facing client, both layered over
// internal/wire framing and internal/auth's challenge/response handshake,
// talking to the shared internal/manager.Manager.
package serverconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"

	"github.com/hochfrequenz/kueue/internal/auth"
	"github.com/hochfrequenz/kueue/internal/manager"
	"github.com/hochfrequenz/kueue/internal/protocol"
	"github.com/hochfrequenz/kueue/internal/wire"
)

// Server accepts connections, authenticates them, and dispatches each one
// to a Worker Connection or Client Connection handler based on which hello
// message the peer opens with.
type Server struct {
	mgr    *manager.Manager
	secret string

	// OnCleanJob is passed straight through to manager.CleanJobs for every
	// CleanJobs request, letting the caller wire in e.g. internal/history's
	// Store.Archive without serverconn depending on internal/history
	// directly.
	OnCleanJob manager.CleanFunc

	// OnHistoryQuery serves a ListJobs request with History set, letting the
	// caller wire in internal/history's Store.RecentJobInfo the same way, without
	// serverconn depending on internal/history directly. Nil disables
	// historical queries (a client asking for history gets an empty list).
	OnHistoryQuery func(limit int) ([]protocol.JobInfo, error)
}

// New creates a Server bound to mgr, authenticating peers against secret.
func New(mgr *manager.Manager, secret string) *Server {
	return &Server{mgr: mgr, secret: secret}
}

// Serve accepts connections from ln until ctx is canceled or Accept fails.
// Each connection is handled in its own goroutine and does not block
// Serve's accept loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stream := wire.New(conn)

	var hello protocol.EnvelopeRaw
	if err := stream.Receive(&hello); err != nil {
		log.Printf("server: connection from %s closed before hello: %v", conn.RemoteAddr(), err)
		return
	}

	switch hello.Type {
	case protocol.TypeHelloFromWorker:
		var msg protocol.HelloFromWorkerMessage
		if err := json.Unmarshal(hello.Payload, &msg); err != nil {
			log.Printf("server: invalid hello_from_worker: %v", err)
			return
		}
		if !s.authenticate(stream, protocol.TypeWelcomeWorker) {
			return
		}
		wc := newWorkerConn(s.mgr, stream, msg.WorkerName)
		wc.run(ctx)

	case protocol.TypeHelloFromClient:
		if !s.authenticate(stream, protocol.TypeWelcomeClient) {
			return
		}
		cc := newClientConn(s.mgr, stream, s.OnCleanJob, s.OnHistoryQuery)
		cc.run(ctx)

	default:
		log.Printf("server: unexpected first message %q from %s, closing", hello.Type, conn.RemoteAddr())
	}
}

// authenticate runs the welcome/challenge/response/accepted handshake
// common to both client and worker conversations. Returns false on
// any transport error or a failed check, in which case the connection must
// be closed without further protocol traffic.
func (s *Server) authenticate(stream *wire.Stream, welcomeType string) bool {
	if err := stream.Send(protocol.Envelope{Type: welcomeType}); err != nil {
		return false
	}

	salt, err := auth.NewSalt()
	if err != nil {
		log.Printf("server: failed to generate auth salt: %v", err)
		return false
	}
	if err := stream.Send(protocol.Envelope{Type: protocol.TypeAuthChallenge, Payload: protocol.AuthChallengeMessage{Salt: salt}}); err != nil {
		return false
	}

	var respEnv protocol.EnvelopeRaw
	if err := stream.Receive(&respEnv); err != nil {
		return false
	}
	if respEnv.Type != protocol.TypeAuthResponse {
		log.Printf("server: expected auth_response, got %q", respEnv.Type)
		return false
	}
	var resp protocol.AuthResponseMessage
	if err := json.Unmarshal(respEnv.Payload, &resp); err != nil {
		return false
	}

	accepted := auth.Verify(s.secret, salt, resp.Response)
	if err := stream.Send(protocol.Envelope{Type: protocol.TypeAuthAccepted, Payload: protocol.AuthAcceptedMessage{Accepted: accepted}}); err != nil {
		return false
	}
	return accepted
}

func decodePayload(env protocol.EnvelopeRaw, v interface{}) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decode %q payload: %w", env.Type, err)
	}
	return nil
}
