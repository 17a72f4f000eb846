// Package gateway is the control-plane broker between the companion host
// application, the embedded display devices, and control-panel observers.
// It owns the connection registry, heartbeat supervision, request/response
// correlation, the chunked file-transfer driver, and the voice-stream relay.
package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/luminadesk/gateway/internal/speech"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Devices and panels live on the local network; no origin policy.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// VoiceBridge is the outbound transcription client a voice session owns.
// *speech.Session is the production implementation.
type VoiceBridge interface {
	Start(sampleRate int) error
	PushAudio(data []byte) error
	Stop()
	TaskID() string
}

// BridgeFactory builds one bridge per voice stream.
type BridgeFactory func(events speech.Events) VoiceBridge

// Options configure the hub.
type Options struct {
	ServerVersion  string
	UpdateInterval time.Duration
	BridgeFactory  BridgeFactory
}

// Hub maintains the set of active connections and routes every inbound
// frame. Shared maps are guarded by mu; per-connection protocol state lives
// on the Client and is mutated by its frame worker.
type Hub struct {
	logger *zap.Logger
	opts   Options

	mu      sync.RWMutex
	clients map[string]*Client
	devices map[string]*Client

	// One correlator per file-transfer operation kind.
	listCorr    *Correlator
	deleteCorr  *Correlator
	previewCorr *Correlator
	uploadCorr  *Correlator
}

// NewHub creates a hub. BridgeFactory must be set before voice streams can
// start; a nil factory rejects voice_stream_start with a typed error.
func NewHub(opts Options, logger *zap.Logger) *Hub {
	if opts.ServerVersion == "" {
		opts.ServerVersion = "3.0.0"
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 5 * time.Second
	}
	return &Hub{
		logger:      logger,
		opts:        opts,
		clients:     make(map[string]*Client),
		devices:     make(map[string]*Client),
		listCorr:    NewCorrelator(KindSdListRequest),
		deleteCorr:  NewCorrelator(KindSdDeleteRequest),
		previewCorr: NewCorrelator(KindSdPreviewRequest),
		uploadCorr:  NewCorrelator(KindSdUploadBegin),
	}
}

// HandleWebSocket upgrades an echo request into a gateway connection.
func HandleWebSocket(hub *Hub, c echo.Context, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("websocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan WriteData, 256),
		id:          uuid.NewString(),
		logger:      logger,
		connectedAt: time.Now(),
	}

	hub.addClient(client)

	go client.writePump()
	go client.readPump()

	return nil
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Info("connection opened", zap.String("connId", c.id))
}

// removeClient runs the synchronous teardown: voice session, pending
// preview, pending requests, registry entry, panel notification. Nothing
// tied to the connection may outlive this call.
func (h *Hub) removeClient(c *Client) {
	c.mu.Lock()
	role := c.role
	deviceID := c.deviceID
	vs := c.voice
	c.voice = nil
	pw := c.preview
	c.preview = nil
	c.mu.Unlock()

	if vs != nil {
		vs.bridge.Stop()
	}
	if pw != nil {
		pw.ch <- previewResult{err: ErrConnectionClosed}
	}

	h.listCorr.FailConnection(c.id)
	h.deleteCorr.FailConnection(c.id)
	h.previewCorr.FailConnection(c.id)
	h.uploadCorr.FailConnection(c.id)

	h.mu.Lock()
	delete(h.clients, c.id)
	if role == RoleDevice && deviceID != "" && h.devices[deviceID] == c {
		delete(h.devices, deviceID)
	}
	h.mu.Unlock()

	if role == RoleDevice && deviceID != "" {
		h.broadcastToPanels(KindDeviceDisconnected, DeviceInfo{DeviceID: deviceID})
	}
	h.logger.Info("connection closed",
		zap.String("connId", c.id),
		zap.String("role", role.String()),
		zap.String("deviceId", deviceID))
}

// handleText dispatches one structured frame from a connection.
func (h *Hub) handleText(c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("malformed frame", zap.Error(err))
		c.sendError("malformed_frame", "frame is not valid JSON")
		return
	}
	if env.Type == "" {
		c.sendError("malformed_frame", "frame missing type")
		return
	}

	if env.Type == KindHandshake {
		h.handleHandshake(c, &env)
		return
	}

	role := c.Role()
	if role == RoleUnknown {
		c.logger.Debug("frame before handshake ignored", zap.String("kind", env.Type))
		return
	}
	if deviceKinds[env.Type] && role != RoleDevice {
		c.logger.Debug("device-only frame from non-device ignored", zap.String("kind", env.Type))
		return
	}
	if panelKinds[env.Type] && role != RoleControlPanel {
		c.logger.Debug("panel-only frame from non-panel ignored", zap.String("kind", env.Type))
		return
	}

	switch env.Type {
	case KindHeartbeat:
		c.touchHeartbeat()

	case KindDeviceHeartbeat:
		h.handleDeviceHeartbeat(c, &env)

	case KindSdListResponse:
		h.resolveByRequestID(h.listCorr, c, &env)
	case KindSdDeleteResponse:
		h.resolveByRequestID(h.deleteCorr, c, &env)
	case KindSdUploadBeginAck, KindSdUploadCommitAck:
		h.resolveByRequestID(h.uploadCorr, c, &env)
	case KindSdUploadChunkAck:
		h.resolveChunkAck(c, &env)
	case KindSdPreviewResponse:
		h.handlePreviewResponse(c, &env)

	case KindVoiceStreamStart:
		h.handleVoiceStart(c, &env)
	case KindVoiceStreamChunkMeta:
		h.handleVoiceChunkMeta(c, &env)
	case KindVoiceStreamStop:
		h.handleVoiceStop(c)

	case KindAIStatus, KindAIConversation, KindTaskAction, KindPhotoState, KindAppList, KindLaunchAppResponse, KindPhotoControlAck:
		h.relayToPanels(raw)

	case KindAIConfig, KindPhotoSettings, KindPhotoControl, KindVoiceCommand, KindLaunchApp, KindAppListRequest:
		h.relayToDevice(c, &env, raw)

	default:
		c.logger.Warn("unknown message kind", zap.String("kind", env.Type))
	}
}

// handleHandshake runs the one-shot role transition. A repeated handshake
// re-acknowledges but never changes an established role.
func (h *Hub) handleHandshake(c *Client, env *Envelope) {
	c.mu.Lock()
	if c.role != RoleUnknown {
		deviceID := c.deviceID
		c.mu.Unlock()
		c.sendMessage(KindHandshakeAck, HandshakeAckData{
			DeviceID:       deviceID,
			ServerVersion:  h.opts.ServerVersion,
			UpdateInterval: h.opts.UpdateInterval.Milliseconds(),
		})
		return
	}

	switch env.ClientType {
	case ClientTypeControlPanel:
		c.role = RoleControlPanel
		c.lastHeartbeatAt = time.Now()
		c.mu.Unlock()

		c.sendMessage(KindHandshakeAck, HandshakeAckData{
			ServerVersion:  h.opts.ServerVersion,
			UpdateInterval: h.opts.UpdateInterval.Milliseconds(),
		})
		c.sendMessage(KindDeviceList, h.deviceRoster())
		h.logger.Info("control panel handshake", zap.String("connId", c.id))

	case ClientTypeDevice:
		deviceID := env.DeviceID
		if deviceID == "" {
			deviceID = "esp32_" + uuid.NewString()[:8]
		}
		c.role = RoleDevice
		c.deviceID = deviceID
		c.lastHeartbeatAt = time.Now()
		c.mu.Unlock()

		h.mu.Lock()
		h.devices[deviceID] = c
		h.mu.Unlock()

		c.sendMessage(KindHandshakeAck, HandshakeAckData{
			DeviceID:       deviceID,
			ServerVersion:  h.opts.ServerVersion,
			UpdateInterval: h.opts.UpdateInterval.Milliseconds(),
		})
		h.broadcastToPanels(KindDeviceConnected, DeviceInfo{
			DeviceID:    deviceID,
			ConnectedAt: nowUnix(),
		})
		h.logger.Info("device handshake",
			zap.String("connId", c.id), zap.String("deviceId", deviceID))

	default:
		c.mu.Unlock()
		c.sendError("bad_handshake", "unknown clientType")
	}
}

func (h *Hub) handleDeviceHeartbeat(c *Client, env *Envelope) {
	c.touchHeartbeat()

	var hb HeartbeatData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &hb); err != nil {
			c.logger.Debug("malformed heartbeat data", zap.Error(err))
			return
		}
	}
	hb.DeviceID = c.DeviceID()
	h.broadcastToPanels(KindDeviceHeartbeat, hb)
}

// resolveByRequestID completes the pending entry named by the payload's
// requestId. Late or unknown ids are dropped.
func (h *Hub) resolveByRequestID(corr *Correlator, c *Client, env *Envelope) {
	var key struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(env.Data, &key); err != nil || key.RequestID == "" {
		c.logger.Warn("response missing requestId", zap.String("kind", env.Type))
		return
	}
	if !corr.Resolve(key.RequestID, env.Data) {
		c.logger.Debug("late response ignored",
			zap.String("kind", env.Type), zap.String("requestId", key.RequestID))
	}
}

func (h *Hub) resolveChunkAck(c *Client, env *Envelope) {
	var ack SdUploadChunkAck
	if err := json.Unmarshal(env.Data, &ack); err != nil || ack.UploadID == "" {
		c.logger.Warn("malformed chunk ack")
		return
	}
	if !h.uploadCorr.Resolve(chunkKey(ack.UploadID, ack.Seq), env.Data) {
		c.logger.Debug("late chunk ack ignored",
			zap.String("uploadId", ack.UploadID), zap.Int("seq", ack.Seq))
	}
}

// handlePreviewResponse declares the expected binary length on the armed
// preview slot before resolving the correlator, so the binary frame that
// may already be queued behind this one finds the slot ready.
func (h *Hub) handlePreviewResponse(c *Client, env *Envelope) {
	var resp SdPreviewResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil || resp.RequestID == "" {
		c.logger.Warn("malformed preview response")
		return
	}
	if resp.OK {
		c.declarePreview(resp.Len, resp.Mime)
	}
	if !h.previewCorr.Resolve(resp.RequestID, env.Data) {
		c.logger.Debug("late preview response ignored", zap.String("requestId", resp.RequestID))
	}
}

// deviceRoster snapshots the connected devices for a panel.
func (h *Hub) deviceRoster() []DeviceInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	roster := make([]DeviceInfo, 0, len(h.devices))
	for id, c := range h.devices {
		roster = append(roster, DeviceInfo{
			DeviceID:    id,
			ConnectedAt: c.connectedAt.Unix(),
		})
	}
	return roster
}

// Devices lists the currently connected device ids.
func (h *Hub) Devices() []DeviceInfo {
	return h.deviceRoster()
}

// deviceByID looks up a device connection, or the first available device
// when id is empty.
func (h *Hub) deviceByID(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if id != "" {
		c, ok := h.devices[id]
		return c, ok
	}
	for _, c := range h.devices {
		return c, true
	}
	return nil, false
}

func chunkKey(uploadID string, seq int) string {
	return uploadID + ":" + strconv.Itoa(seq)
}
