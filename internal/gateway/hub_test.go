package gateway

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func setupTestHub(t testing.TB) *Hub {
	t.Helper()
	return NewHub(Options{ServerVersion: "3.0.0", UpdateInterval: 5 * time.Second}, zap.NewNop())
}

// newTestClient builds a connection without a real websocket; outbound
// frames land in the send channel for the test to inspect.
func newTestClient(hub *Hub, id string) *Client {
	c := &Client{
		hub:         hub,
		send:        make(chan WriteData, 256),
		id:          id,
		logger:      zap.NewNop(),
		connectedAt: time.Now(),
	}
	hub.mu.Lock()
	hub.clients[id] = c
	hub.mu.Unlock()
	return c
}

// newTestDevice registers an already-handshaken device connection.
func newTestDevice(hub *Hub, id, deviceID string) *Client {
	c := newTestClient(hub, id)
	c.role = RoleDevice
	c.deviceID = deviceID
	c.lastHeartbeatAt = time.Now()
	hub.mu.Lock()
	hub.devices[deviceID] = c
	hub.mu.Unlock()
	return c
}

// newTestPanel registers an already-handshaken control panel connection.
func newTestPanel(hub *Hub, id string) *Client {
	c := newTestClient(hub, id)
	c.role = RoleControlPanel
	c.lastHeartbeatAt = time.Now()
	return c
}

// readFrame pops the next outbound text frame, failing the test on timeout.
func readFrame(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case wd := <-c.send:
		if wd.Type != websocket.TextMessage {
			t.Fatalf("expected text frame, got type %d", wd.Type)
		}
		var env Envelope
		if err := json.Unmarshal(wd.Payload, &env); err != nil {
			t.Fatalf("outbound frame is not valid JSON: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("no outbound frame within timeout")
		return Envelope{}
	}
}

// readBinaryFrame pops the next outbound binary frame.
func readBinaryFrame(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case wd := <-c.send:
		if wd.Type != websocket.BinaryMessage {
			t.Fatalf("expected binary frame, got type %d: %s", wd.Type, wd.Payload)
		}
		return wd.Payload
	case <-time.After(time.Second):
		t.Fatal("no outbound binary frame within timeout")
		return nil
	}
}

func expectNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case wd := <-c.send:
		t.Errorf("unexpected outbound frame: %s", wd.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandshake_Device(t *testing.T) {
	hub := setupTestHub(t)
	c := newTestClient(hub, "conn-1")

	hub.handleText(c, []byte(`{"type":"handshake","clientType":"esp32_device","deviceId":"esp32_abc123"}`))

	env := readFrame(t, c)
	if env.Type != KindHandshakeAck {
		t.Fatalf("expected %s, got %s", KindHandshakeAck, env.Type)
	}
	var ack HandshakeAckData
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("malformed ack: %v", err)
	}
	if ack.DeviceID != "esp32_abc123" {
		t.Errorf("expected deviceId esp32_abc123, got %s", ack.DeviceID)
	}
	if ack.ServerVersion != "3.0.0" {
		t.Errorf("expected server_version 3.0.0, got %s", ack.ServerVersion)
	}
	if ack.UpdateInterval != 5000 {
		t.Errorf("expected update_interval 5000, got %d", ack.UpdateInterval)
	}

	if c.Role() != RoleDevice {
		t.Errorf("expected role device, got %s", c.Role())
	}
	if _, ok := hub.deviceByID("esp32_abc123"); !ok {
		t.Error("device should be registered after handshake")
	}
}

func TestHandshake_GeneratesDeviceID(t *testing.T) {
	hub := setupTestHub(t)
	c := newTestClient(hub, "conn-1")

	hub.handleText(c, []byte(`{"type":"handshake","clientType":"esp32_device"}`))

	env := readFrame(t, c)
	var ack HandshakeAckData
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("malformed ack: %v", err)
	}
	if !strings.HasPrefix(ack.DeviceID, "esp32_") {
		t.Errorf("generated deviceId should carry the esp32_ prefix, got %s", ack.DeviceID)
	}
	if len(ack.DeviceID) != len("esp32_")+8 {
		t.Errorf("generated deviceId should append 8 characters, got %s", ack.DeviceID)
	}
	if _, ok := hub.deviceByID(ack.DeviceID); !ok {
		t.Error("device should be registered under the generated id")
	}

	// A panel handshaking afterwards sees exactly the generated id.
	panel := newTestClient(hub, "conn-p")
	hub.handleText(panel, []byte(`{"type":"handshake","clientType":"control_panel"}`))
	readFrame(t, panel) // handshake_ack
	rosterEnv := readFrame(t, panel)
	var roster []DeviceInfo
	if err := json.Unmarshal(rosterEnv.Data, &roster); err != nil {
		t.Fatalf("malformed roster: %v", err)
	}
	if len(roster) != 1 || roster[0].DeviceID != ack.DeviceID {
		t.Errorf("expected roster with %s, got %+v", ack.DeviceID, roster)
	}
}

func TestHandshake_ControlPanelGetsRoster(t *testing.T) {
	hub := setupTestHub(t)
	newTestDevice(hub, "conn-d", "esp32_one")

	panel := newTestClient(hub, "conn-p")
	hub.handleText(panel, []byte(`{"type":"handshake","clientType":"control_panel"}`))

	env := readFrame(t, panel)
	if env.Type != KindHandshakeAck {
		t.Fatalf("expected %s, got %s", KindHandshakeAck, env.Type)
	}

	env = readFrame(t, panel)
	if env.Type != KindDeviceList {
		t.Fatalf("expected %s, got %s", KindDeviceList, env.Type)
	}
	var roster []DeviceInfo
	if err := json.Unmarshal(env.Data, &roster); err != nil {
		t.Fatalf("malformed roster: %v", err)
	}
	if len(roster) != 1 || roster[0].DeviceID != "esp32_one" {
		t.Errorf("expected roster with esp32_one, got %+v", roster)
	}
}

func TestHandshake_DeviceNotifiesPanels(t *testing.T) {
	hub := setupTestHub(t)
	panel := newTestPanel(hub, "conn-p")

	device := newTestClient(hub, "conn-d")
	hub.handleText(device, []byte(`{"type":"handshake","clientType":"esp32_device","deviceId":"esp32_new"}`))
	readFrame(t, device) // handshake_ack

	env := readFrame(t, panel)
	if env.Type != KindDeviceConnected {
		t.Fatalf("expected %s, got %s", KindDeviceConnected, env.Type)
	}
	var info DeviceInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		t.Fatalf("malformed device info: %v", err)
	}
	if info.DeviceID != "esp32_new" {
		t.Errorf("expected deviceId esp32_new, got %s", info.DeviceID)
	}
}

func TestHandshake_RepeatedReAcksWithoutRoleChange(t *testing.T) {
	hub := setupTestHub(t)
	c := newTestClient(hub, "conn-1")

	hub.handleText(c, []byte(`{"type":"handshake","clientType":"esp32_device","deviceId":"esp32_abc"}`))
	readFrame(t, c)

	// A second handshake, even claiming a different role, only re-acks.
	hub.handleText(c, []byte(`{"type":"handshake","clientType":"control_panel"}`))
	env := readFrame(t, c)
	if env.Type != KindHandshakeAck {
		t.Fatalf("expected %s, got %s", KindHandshakeAck, env.Type)
	}
	var ack HandshakeAckData
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("malformed ack: %v", err)
	}
	if ack.DeviceID != "esp32_abc" {
		t.Errorf("re-ack should carry the established deviceId, got %s", ack.DeviceID)
	}
	if c.Role() != RoleDevice {
		t.Errorf("role must not change on repeated handshake, got %s", c.Role())
	}
}

func TestHandshake_UnknownClientType(t *testing.T) {
	hub := setupTestHub(t)
	c := newTestClient(hub, "conn-1")

	hub.handleText(c, []byte(`{"type":"handshake","clientType":"toaster"}`))

	env := readFrame(t, c)
	if env.Type != KindError {
		t.Fatalf("expected %s, got %s", KindError, env.Type)
	}
	if c.Role() != RoleUnknown {
		t.Errorf("role must stay unknown after a bad handshake, got %s", c.Role())
	}
}

func TestHandleText_MalformedFrame(t *testing.T) {
	hub := setupTestHub(t)
	c := newTestClient(hub, "conn-1")

	hub.handleText(c, []byte(`{not json`))
	env := readFrame(t, c)
	if env.Type != KindError {
		t.Fatalf("expected %s, got %s", KindError, env.Type)
	}

	hub.handleText(c, []byte(`{"data":{}}`))
	env = readFrame(t, c)
	if env.Type != KindError {
		t.Fatalf("expected %s for typeless frame, got %s", KindError, env.Type)
	}
}

func TestHandleText_PreHandshakeFramesIgnored(t *testing.T) {
	hub := setupTestHub(t)
	c := newTestClient(hub, "conn-1")

	hub.handleText(c, []byte(`{"type":"voice_stream_start","data":{"streamId":"s1"}}`))
	hub.handleText(c, []byte(`{"type":"sd_list_request","data":{}}`))
	expectNoFrame(t, c)
}

func TestHandleText_RoleGating(t *testing.T) {
	hub := setupTestHub(t)
	panel := newTestPanel(hub, "conn-p")

	// A panel may not impersonate a device response.
	pending := hub.listCorr.Issue("req-1", "conn-d", time.Minute)
	hub.handleText(panel, []byte(`{"type":"sd_list_response","data":{"requestId":"req-1","files":[]}}`))

	select {
	case out := <-pending:
		t.Errorf("panel frame must not resolve a device request, got %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeviceHeartbeat_RelayedToPanels(t *testing.T) {
	hub := setupTestHub(t)
	device := newTestDevice(hub, "conn-d", "esp32_one")
	panel := newTestPanel(hub, "conn-p")

	before := time.Now()
	hub.handleText(device, []byte(`{"type":"device_heartbeat","data":{"uptime":321,"signal_strength":-55}}`))

	env := readFrame(t, panel)
	if env.Type != KindDeviceHeartbeat {
		t.Fatalf("expected %s, got %s", KindDeviceHeartbeat, env.Type)
	}
	var hb HeartbeatData
	if err := json.Unmarshal(env.Data, &hb); err != nil {
		t.Fatalf("malformed heartbeat: %v", err)
	}
	if hb.DeviceID != "esp32_one" {
		t.Errorf("relay should stamp the deviceId, got %s", hb.DeviceID)
	}
	if hb.UptimeSeconds != 321 || hb.SignalStrength != -55 {
		t.Errorf("heartbeat payload not preserved: %+v", hb)
	}

	device.mu.Lock()
	touched := !device.lastHeartbeatAt.Before(before)
	device.mu.Unlock()
	if !touched {
		t.Error("heartbeat should refresh device liveness")
	}
}

func TestRelayToDevice_NoDeviceAnswersTyped(t *testing.T) {
	hub := setupTestHub(t)
	panel := newTestPanel(hub, "conn-p")

	hub.handleText(panel, []byte(`{"type":"launch_app","data":{"appName":"Terminal"}}`))

	env := readFrame(t, panel)
	if env.Type != KindLaunchAppResponse {
		t.Fatalf("expected %s, got %s", KindLaunchAppResponse, env.Type)
	}
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("malformed response: %v", err)
	}
	if resp.Success || resp.Error != "no_device" {
		t.Errorf("expected no_device failure, got %+v", resp)
	}
}

func TestRelayToDevice_DirectivesReachDevice(t *testing.T) {
	hub := setupTestHub(t)
	device := newTestDevice(hub, "conn-d", "esp32_one")
	panel := newTestPanel(hub, "conn-p")

	raw := `{"type":"launch_app","data":{"deviceId":"esp32_one","appName":"Terminal"}}`
	hub.handleText(panel, []byte(raw))

	env := readFrame(t, device)
	if env.Type != KindLaunchApp {
		t.Fatalf("expected %s, got %s", KindLaunchApp, env.Type)
	}
}

func TestRelayToPanels_DeviceStateForwarded(t *testing.T) {
	hub := setupTestHub(t)
	device := newTestDevice(hub, "conn-d", "esp32_one")
	panel := newTestPanel(hub, "conn-p")
	other := newTestDevice(hub, "conn-d2", "esp32_two")

	hub.handleText(device, []byte(`{"type":"photo_state","data":{"playing":true}}`))

	env := readFrame(t, panel)
	if env.Type != KindPhotoState {
		t.Fatalf("expected %s, got %s", KindPhotoState, env.Type)
	}
	// Broadcast is panel-only; other devices stay silent.
	expectNoFrame(t, other)
}

func TestRemoveClient_FailsPendingAndNotifiesPanels(t *testing.T) {
	hub := setupTestHub(t)
	device := newTestDevice(hub, "conn-d", "esp32_one")
	panel := newTestPanel(hub, "conn-p")

	pending := hub.listCorr.Issue("req-1", device.id, time.Minute)

	hub.removeClient(device)

	select {
	case out := <-pending:
		if out.Err == nil {
			t.Error("pending request should fail on teardown")
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not failed on teardown")
	}

	env := readFrame(t, panel)
	if env.Type != KindDeviceDisconnected {
		t.Fatalf("expected %s, got %s", KindDeviceDisconnected, env.Type)
	}
	if _, ok := hub.deviceByID("esp32_one"); ok {
		t.Error("device should be deregistered after teardown")
	}
}
