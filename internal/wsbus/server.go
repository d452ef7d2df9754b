// Package wsbus is the WebSocket event bus: it accepts peer connections,
// classifies each as the classification worker or a management client
// after a one-frame registration handshake, routes inbound messages to
// the coordinator and fans coordinator events out to management peers.
package wsbus

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/abeljaev/fandomat/internal/machine"
	"github.com/abeljaev/fandomat/internal/vision"
	"github.com/abeljaev/fandomat/logger"
)

// Server owns the WebSocket endpoint and the management peer registry.
// It implements machine.EventSink for coordinator-originated events.
type Server struct {
	logger   logger.Logger
	gateway  *vision.Gateway
	cmds     chan<- machine.Command
	upgrader websocket.Upgrader

	peers  *xsync.MapOf[uint64, *Peer]
	nextID atomic.Uint64

	httpServer *http.Server
}

var _ machine.EventSink = (*Server)(nil)

// NewServer creates the bus listening on addr. Management commands are
// forwarded into cmds; the vision peer is attached to the gateway.
func NewServer(addr string, gateway *vision.Gateway, cmds chan<- machine.Command, l logger.Logger) *Server {
	if l == nil {
		l = logger.GetLogger()
	}

	s := &Server{
		logger:  l.With("component", "wsbus"),
		gateway: gateway,
		cmds:    cmds,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers: xsync.NewMapOf[uint64, *Peer](),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	return s
}

// ListenAndServe starts serving. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("websocket server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Publish serializes one coordinator event and fans it out to all
// currently connected management peers. Best-effort: a peer with a full
// buffer or a closed connection misses the event.
func (s *Server) Publish(ev machine.Event) {
	data, err := marshalEvent(ev)
	if err != nil {
		s.logger.Error("event marshal failed", "event", ev.Name, "error", err)
		return
	}

	s.peers.Range(func(_ uint64, p *Peer) bool {
		p.enqueue(data)
		return true
	})
}

// PeerCount returns the number of registered management peers.
func (s *Server) PeerCount() int {
	return s.peers.Size()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	role, err := s.readRegistration(conn)
	if err != nil {
		s.logger.Warn("registration failed", "remote", r.RemoteAddr, "error", err)
		s.closeWithPolicyViolation(conn, "registration must be \"vision\" or \"app\"")
		return
	}

	peer := newPeer(s.nextID.Add(1), role, conn, s.logger)
	go peer.writePump()

	s.logger.Info("peer registered", "remote", r.RemoteAddr, "role", string(role))

	switch role {
	case RoleVision:
		s.serveVision(peer)
	case RoleApp:
		s.serveApp(peer)
	}
}

// readRegistration awaits the mandatory first frame naming the peer role.
func (s *Server) readRegistration(conn *websocket.Conn) (Role, error) {
	_ = conn.SetReadDeadline(time.Now().Add(registrationWait))
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}

	return parseRegistration(frame)
}

func (s *Server) closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// serveVision attaches the worker to the classification gateway and
// forwards its frames until the connection drops.
func (s *Server) serveVision(peer *Peer) {
	defer peer.close()

	if err := s.gateway.AttachWorker(peer); err != nil {
		s.logger.Warn("vision registration refused", "error", err)
		s.closeWithPolicyViolation(peer.conn, "classification worker already registered")
		return
	}
	defer s.gateway.DetachWorker(peer)

	for {
		_, frame, err := peer.conn.ReadMessage()
		if err != nil {
			s.logger.Info("vision peer disconnected", "error", err)
			return
		}
		s.gateway.HandleWorkerMessage(frame)
	}
}

// serveApp registers the management peer, pushes an initial device-info
// snapshot and pumps validated commands into the coordinator.
func (s *Server) serveApp(peer *Peer) {
	defer peer.close()

	s.peers.Store(peer.id, peer)
	defer s.peers.Delete(peer.id)

	// A freshly connected management client gets the current device info
	// without asking.
	s.forward(machine.Command{Name: machine.CmdGetDeviceInfo})

	for {
		_, frame, err := peer.conn.ReadMessage()
		if err != nil {
			s.logger.Info("management peer disconnected", "peer", peer.id, "error", err)
			return
		}

		name, param, err := parseCommand(frame)
		if err != nil {
			s.logger.Warn("command rejected", "peer", peer.id, "error", err)
			s.replyError(peer, name, err)
			continue
		}

		s.forward(machine.Command{
			Name:  name,
			Param: param,
			Reply: func(ev machine.Event) {
				if data, err := marshalEvent(ev); err == nil {
					peer.enqueue(data)
				}
			},
		})
	}
}

// forward hands a command to the coordinator's single input channel.
func (s *Server) forward(cmd machine.Command) {
	select {
	case s.cmds <- cmd:
	default:
		// The coordinator is wedged enough that its buffered input is
		// full; dropping with a log beats blocking all peer reads.
		s.logger.Error("coordinator command queue full, command dropped", "command", cmd.Name)
	}
}

// replyError answers a rejected frame on the issuing peer only.
func (s *Server) replyError(peer *Peer, command string, cause error) {
	reason := "malformed_command"
	if command != "" {
		reason = "unknown_command"
	}

	ev := machine.Event{
		Name: machine.EventCommandError,
		Data: map[string]any{"command": command, "error": reason, "detail": cause.Error()},
	}
	if data, err := marshalEvent(ev); err == nil {
		peer.enqueue(data)
	}
}
