package wsbus

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abeljaev/fandomat/logger"
)

const (
	// registrationWait bounds how long a fresh connection may stay
	// unregistered.
	registrationWait = 10 * time.Second

	// writeWait bounds a single outbound frame write.
	writeWait = 10 * time.Second

	// sendBufferSize is the per-peer outbound queue. A peer that cannot
	// drain it misses events; delivery is best-effort by design.
	sendBufferSize = 32
)

// errPeerClosed indicates the peer connection is gone.
var errPeerClosed = errors.New("wsbus: peer closed")

// Peer is one registered WebSocket connection. Reads happen on the
// server's handler goroutine, writes on the peer's own write pump, so
// the two paths never share a goroutine.
type Peer struct {
	id     uint64
	role   Role
	conn   *websocket.Conn
	logger logger.Logger

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newPeer(id uint64, role Role, conn *websocket.Conn, l logger.Logger) *Peer {
	return &Peer{
		id:     id,
		role:   role,
		conn:   conn,
		logger: l.With("peer", id, "role", string(role)),
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// SendText queues one text frame for the peer. It fails when the peer is
// gone or its send buffer is full.
func (p *Peer) SendText(msg string) error {
	if !p.enqueue([]byte(msg)) {
		return errPeerClosed
	}
	return nil
}

// enqueue offers data to the write pump without ever blocking the caller.
func (p *Peer) enqueue(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.send <- data:
		return true
	default:
		p.logger.Warn("send buffer full, frame dropped")
		return false
	}
}

// writePump drains the send queue onto the wire until the peer closes.
func (p *Peer) writePump() {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Debug("write failed", "error", err)
				p.close()
				return
			}
		}
	}
}

// close tears the connection down exactly once.
func (p *Peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}
