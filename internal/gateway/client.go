package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Audio and preview binary
	// frames stay well under this.
	maxMessageSize = 512 * 1024
)

// Role classifies a connection. It is Unknown until the first valid
// handshake and immutable afterwards.
type Role int

const (
	RoleUnknown Role = iota
	RoleControlPanel
	RoleDevice
)

func (r Role) String() string {
	switch r {
	case RoleControlPanel:
		return "control_panel"
	case RoleDevice:
		return "device"
	default:
		return "unknown"
	}
}

// WriteData is one outbound websocket frame.
type WriteData struct {
	// Type is websocket.TextMessage or websocket.BinaryMessage.
	Type    int
	Payload []byte
}

// previewResult is the single resolution of a pending preview binary.
type previewResult struct {
	data []byte
	mime string
	err  error
}

// previewWait is the per-connection slot for the one binary frame a preview
// response may announce. expect stays negative until the response frame
// declares the payload length.
type previewWait struct {
	expect int
	mime   string
	ch     chan previewResult
}

// Client is one gateway connection: the websocket, its negotiated role, and
// the per-connection protocol state the frame worker mutates.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound frames, drained by writePump.
	send chan WriteData

	// id is the connection id, distinct from the device id.
	id string

	logger *zap.Logger

	mu              sync.Mutex
	role            Role
	deviceID        string
	connectedAt     time.Time
	lastHeartbeatAt time.Time
	voice           *voiceSession
	preview         *previewWait
}

// Role returns the negotiated role.
func (c *Client) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// DeviceID returns the assigned device id, empty for non-device roles.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// touchHeartbeat records peer liveness.
func (c *Client) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeatAt = time.Now()
	c.mu.Unlock()
}

// readPump pumps frames from the websocket into the hub. It is the single
// frame worker for this connection; per-connection protocol state is only
// mutated from here and from teardown.
func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.hub.handleText(c, message)
		case websocket.BinaryMessage:
			c.handleBinary(message)
		default:
			c.logger.Warn("unknown websocket frame type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps outbound frames onto the websocket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Warn("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMessage queues one structured frame. A saturated send buffer drops the
// frame rather than stalling the frame worker.
func (c *Client) sendMessage(kind string, data interface{}) {
	payload, err := encodeMessage(kind, data)
	if err != nil {
		c.logger.Error("failed to encode message", zap.String("kind", kind), zap.Error(err))
		return
	}
	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
	default:
		c.logger.Warn("send buffer full, dropping frame",
			zap.String("kind", kind), zap.String("connId", c.id))
	}
}

// sendBinary queues one raw binary frame.
func (c *Client) sendBinary(payload []byte) {
	select {
	case c.send <- WriteData{Type: websocket.BinaryMessage, Payload: payload}:
	default:
		c.logger.Warn("send buffer full, dropping binary frame", zap.String("connId", c.id))
	}
}

func (c *Client) sendError(code, message string) {
	c.sendMessage(KindError, ErrorData{Code: code, Message: message})
}

// forceClose severs the connection; readPump's exit path runs the teardown.
func (c *Client) forceClose() {
	c.conn.Close()
}

// handleBinary routes a raw frame to whichever sub-protocol declared it:
// an active voice stream awaiting its chunk payload, or a pending preview.
// Only device connections may send binary frames.
func (c *Client) handleBinary(data []byte) {
	if c.Role() != RoleDevice {
		return
	}

	c.mu.Lock()
	if c.voice != nil && c.voice.pendingMeta != nil {
		c.mu.Unlock()
		c.hub.handleVoiceBinary(c, data)
		return
	}
	if pw := c.preview; pw != nil {
		c.preview = nil
		c.mu.Unlock()
		resolvePreview(pw, data)
		return
	}
	c.mu.Unlock()

	c.logger.Warn("unexpected binary frame",
		zap.String("connId", c.id), zap.Int("size", len(data)))
}

// armPreview claims the connection's single preview slot. Fails if another
// preview is pending or a voice stream is live, since both compete for the
// binary-after-metadata channel.
func (c *Client) armPreview() (*previewWait, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.voice != nil {
		return nil, fmt.Errorf("voice stream active on connection")
	}
	if c.preview != nil {
		return nil, fmt.Errorf("preview already pending on connection")
	}
	pw := &previewWait{expect: -1, ch: make(chan previewResult, 1)}
	c.preview = pw
	return pw, nil
}

// declarePreview records the length and mime the device announced for the
// armed preview.
func (c *Client) declarePreview(length int, mime string) {
	c.mu.Lock()
	if c.preview != nil {
		c.preview.expect = length
		c.preview.mime = mime
	}
	c.mu.Unlock()
}

// disarmPreview releases the slot, resolving the waiter with err when the
// slot was still armed.
func (c *Client) disarmPreview(err error) {
	c.mu.Lock()
	pw := c.preview
	c.preview = nil
	c.mu.Unlock()
	if pw != nil && err != nil {
		pw.ch <- previewResult{err: err}
	}
}

func resolvePreview(pw *previewWait, data []byte) {
	if pw.expect < 0 {
		pw.ch <- previewResult{err: fmt.Errorf("binary frame arrived before preview response")}
		return
	}
	if len(data) != pw.expect {
		pw.ch <- previewResult{err: fmt.Errorf("preview length mismatch: declared %d, got %d", pw.expect, len(data))}
		return
	}
	pw.ch <- previewResult{data: data, mime: pw.mime}
}
