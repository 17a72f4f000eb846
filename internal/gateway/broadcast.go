package gateway

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// broadcastToPanels fans a typed message to every control panel. Delivery
// is best-effort: a panel with a saturated buffer misses the frame.
func (h *Hub) broadcastToPanels(kind string, data interface{}) {
	payload, err := encodeMessage(kind, data)
	if err != nil {
		h.logger.Error("failed to encode broadcast", zap.String("kind", kind), zap.Error(err))
		return
	}
	h.relayToPanels(payload)
}

// relayToPanels forwards an already-encoded frame to every control panel.
func (h *Hub) relayToPanels(raw []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.Role() == RoleControlPanel {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- WriteData{Type: websocket.TextMessage, Payload: raw}:
		default:
			c.logger.Warn("panel send buffer full, dropping broadcast", zap.String("connId", c.id))
		}
	}
}

// broadcastToAll fans a typed message to every open connection regardless
// of role. Used for the system snapshot.
func (h *Hub) broadcastToAll(kind string, data interface{}) {
	payload, err := encodeMessage(kind, data)
	if err != nil {
		h.logger.Error("failed to encode broadcast", zap.String("kind", kind), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
		default:
		}
	}
}

// relayToDevice forwards a panel directive to the named device, or the
// first available one when the payload names none. Where the directive has
// a reply kind, a missing target answers the panel with a typed failure
// instead of timing out.
func (h *Hub) relayToDevice(sender *Client, env *Envelope, raw []byte) {
	var target struct {
		DeviceID string `json:"deviceId"`
	}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &target)
	}

	device, ok := h.deviceByID(target.DeviceID)
	if !ok {
		h.answerNoDevice(sender, env.Type)
		return
	}

	select {
	case device.send <- WriteData{Type: websocket.TextMessage, Payload: raw}:
	default:
		device.logger.Warn("device send buffer full, dropping directive",
			zap.String("kind", env.Type), zap.String("deviceId", device.DeviceID()))
	}
}

// answerNoDevice reports "no target" to the panel that issued a directive.
func (h *Hub) answerNoDevice(sender *Client, kind string) {
	switch kind {
	case KindPhotoControl:
		sender.sendMessage(KindPhotoControlAck, map[string]interface{}{
			"ok":    false,
			"error": "no_device",
		})
	case KindLaunchApp:
		sender.sendMessage(KindLaunchAppResponse, map[string]interface{}{
			"success": false,
			"error":   "no_device",
		})
	case KindAppListRequest:
		sender.sendMessage(KindAppList, map[string]interface{}{
			"apps":  []string{},
			"error": "no_device",
		})
	default:
		sender.sendError("no_device", "no device connected for "+kind)
	}
}
