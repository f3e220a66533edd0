// internal/broker/conn.go
package broker

import "github.com/google/uuid"

// outBufferSize bounds a client's pending outbound frames. A client that
// stops reading loses frames rather than stalling a lobby.
const outBufferSize = 16

// ClientConn is one gateway connection's handle into the broker. The gateway
// forwards inbound frames through Send and drains Out into the websocket.
type ClientConn struct {
	ID  uuid.UUID
	Out chan []byte

	b *Broker
}

// Send routes a raw inbound frame to the broker, tagged with this
// connection's identity. It is safe to call after Close; the frame is
// dropped once the broker has shut down.
func (c *ClientConn) Send(data []byte) {
	select {
	case c.b.inbox <- frame{id: c.ID, data: data}:
	case <-c.b.done:
	}
}

// Close releases the connection's identity. The Out channel is never closed;
// the gateway stops draining it instead.
func (c *ClientConn) Close() {
	c.b.mu.Lock()
	delete(c.b.conns, c.ID)
	c.b.mu.Unlock()
}

// write queues an outbound frame without blocking.
func (c *ClientConn) write(data []byte) bool {
	select {
	case c.Out <- data:
		return true
	default:
		return false
	}
}
