package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// Structured frames share one envelope: {"type": ..., "data": {...}}.
// Handshake frames are the exception and carry clientType/deviceId at the
// top level, matching what the firmware sends before it knows the protocol.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	// Handshake-only fields.
	ClientType string `json:"clientType,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
}

// Message kinds on the gateway protocol.
const (
	KindHandshake    = "handshake"
	KindHandshakeAck = "handshake_ack"

	KindHeartbeat       = "heartbeat"
	KindDeviceHeartbeat = "device_heartbeat"
	KindSystemInfo      = "system_info"

	KindDeviceConnected    = "device_connected"
	KindDeviceDisconnected = "device_disconnected"
	KindDeviceList         = "device_list"

	KindSdListRequest     = "sd_list_request"
	KindSdListResponse    = "sd_list_response"
	KindSdUploadBegin     = "sd_upload_begin"
	KindSdUploadBeginAck  = "sd_upload_begin_ack"
	KindSdUploadChunkMeta = "sd_upload_chunk_meta"
	KindSdUploadChunkAck  = "sd_upload_chunk_ack"
	KindSdUploadCommit    = "sd_upload_commit"
	KindSdUploadCommitAck = "sd_upload_commit_ack"
	KindSdUploadAbort     = "sd_upload_abort"
	KindSdDeleteRequest   = "sd_delete_request"
	KindSdDeleteResponse  = "sd_delete_response"
	KindSdPreviewRequest  = "sd_preview_request"
	KindSdPreviewResponse = "sd_preview_response"

	KindVoiceStreamStart     = "voice_stream_start"
	KindVoiceStreamAck       = "voice_stream_ack"
	KindVoiceStreamChunkMeta = "voice_stream_chunk_meta"
	KindVoiceStreamChunkAck  = "voice_stream_chunk_ack"
	KindVoiceStreamStop      = "voice_stream_stop"
	KindVoiceCommandResult   = "voice_command_result"
	KindVoiceCommand         = "voice_command"

	KindAIStatus       = "ai_status"
	KindAIConversation = "ai_conversation"
	KindAIConfig       = "ai_config"
	KindTaskAction     = "task_action"

	KindPhotoSettings   = "photo_settings"
	KindPhotoControl    = "photo_control"
	KindPhotoControlAck = "photo_control_ack"
	KindPhotoState      = "photo_state"

	KindAppListRequest    = "app_list_request"
	KindAppList           = "app_list"
	KindLaunchApp         = "launch_app"
	KindLaunchAppResponse = "launch_app_response"

	KindError = "error"
)

// Client types accepted in the handshake.
const (
	ClientTypeDevice       = "esp32_device"
	ClientTypeControlPanel = "control_panel"
)

// deviceKinds may only arrive from handshaken Device connections;
// panelKinds only from ControlPanel connections. Everything else coming
// from the wrong role is dropped silently.
var deviceKinds = map[string]bool{
	KindDeviceHeartbeat:      true,
	KindSdListResponse:       true,
	KindSdUploadBeginAck:     true,
	KindSdUploadChunkAck:     true,
	KindSdUploadCommitAck:    true,
	KindSdDeleteResponse:     true,
	KindSdPreviewResponse:    true,
	KindVoiceStreamStart:     true,
	KindVoiceStreamChunkMeta: true,
	KindVoiceStreamStop:      true,
	KindAIStatus:             true,
	KindAIConversation:       true,
	KindTaskAction:           true,
	KindPhotoState:           true,
	KindAppList:              true,
	KindLaunchAppResponse:    true,
	KindPhotoControlAck:      true,
}

var panelKinds = map[string]bool{
	KindAIConfig:       true,
	KindPhotoSettings:  true,
	KindPhotoControl:   true,
	KindVoiceCommand:   true,
	KindLaunchApp:      true,
	KindAppListRequest: true,
}

// HandshakeAckData acknowledges a successful role handshake.
type HandshakeAckData struct {
	DeviceID       string `json:"deviceId,omitempty"`
	ServerVersion  string `json:"server_version"`
	UpdateInterval int64  `json:"update_interval"`
}

// DeviceInfo is one roster entry sent to control panels.
type DeviceInfo struct {
	DeviceID    string `json:"deviceId"`
	ConnectedAt int64  `json:"connectedAt"`
}

// HeartbeatData is the device heartbeat payload relayed to panels.
type HeartbeatData struct {
	DeviceID       string `json:"deviceId,omitempty"`
	UptimeSeconds  int64  `json:"uptime"`
	SignalStrength int    `json:"signal_strength"`
}

// SdListRequest asks a device for one page of its storage listing.
type SdListRequest struct {
	RequestID string `json:"requestId"`
	Offset    int    `json:"offset"`
	Limit     int    `json:"limit"`
}

// SdFileEntry is one file in a listing response.
type SdFileEntry struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	ModifiedAt int64  `json:"modifiedAt,omitempty"`
}

// SdListResponse is one listing page from the device.
type SdListResponse struct {
	RequestID string        `json:"requestId"`
	Files     []SdFileEntry `json:"files"`
	Total     int           `json:"total"`
	Returned  int           `json:"returned"`
	Truncated bool          `json:"truncated"`
	Error     string        `json:"error,omitempty"`
}

// SdUploadBegin opens a host-driven push onto the device.
type SdUploadBegin struct {
	RequestID  string `json:"requestId"`
	UploadID   string `json:"uploadId"`
	TargetPath string `json:"targetPath"`
	TotalSize  int64  `json:"totalSize"`
	ChunkSize  int    `json:"chunkSize"`
	Overwrite  bool   `json:"overwrite"`
}

// SdUploadAck is shared by begin and commit acknowledgements.
type SdUploadAck struct {
	RequestID string `json:"requestId"`
	UploadID  string `json:"uploadId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// SdUploadChunkMeta declares the raw binary frame that immediately follows.
type SdUploadChunkMeta struct {
	UploadID string `json:"uploadId"`
	Seq      int    `json:"seq"`
	Len      int    `json:"len"`
}

// SdUploadChunkAck acknowledges one chunk, correlated by (uploadId, seq).
type SdUploadChunkAck struct {
	UploadID string `json:"uploadId"`
	Seq      int    `json:"seq"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// SdUploadCommit finalizes the push.
type SdUploadCommit struct {
	RequestID    string `json:"requestId"`
	UploadID     string `json:"uploadId"`
	ExpectedSize int64  `json:"expectedSize"`
}

// SdUploadAbort tears down an in-flight push, best-effort.
type SdUploadAbort struct {
	UploadID string `json:"uploadId"`
	Reason   string `json:"reason,omitempty"`
}

// SdDeleteRequest removes one file from device storage.
type SdDeleteRequest struct {
	RequestID string `json:"requestId"`
	Path      string `json:"path"`
}

// SdDeleteResponse reports the delete outcome.
type SdDeleteResponse struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// SdPreviewRequest asks for a motion-JPEG preview; the device answers with
// SdPreviewResponse followed by one raw binary frame of exactly Len bytes.
type SdPreviewRequest struct {
	RequestID string `json:"requestId"`
	Path      string `json:"path"`
}

// SdPreviewResponse declares the preview payload about to arrive.
type SdPreviewResponse struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Len       int    `json:"len"`
	Mime      string `json:"mime,omitempty"`
	Error     string `json:"error,omitempty"`
}

// VoiceStreamStart opens a sequenced audio relay from the device.
type VoiceStreamStart struct {
	StreamID   string `json:"streamId"`
	SampleRate int    `json:"sampleRate"`
}

// VoiceStreamAck reports stream lifecycle transitions back to the device.
// Status is one of "accepted", "ready", "stopped", "error".
type VoiceStreamAck struct {
	StreamID       string `json:"streamId"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	ChunksReceived int    `json:"chunksReceived,omitempty"`
	BytesReceived  int64  `json:"bytesReceived,omitempty"`
}

// VoiceChunkMeta declares the binary audio frame that must follow.
type VoiceChunkMeta struct {
	StreamID string  `json:"streamId"`
	Seq      int     `json:"seq"`
	Len      int     `json:"len"`
	Level    float64 `json:"level,omitempty"`
}

// VoiceChunkAck acknowledges one accepted audio chunk.
type VoiceChunkAck struct {
	StreamID string `json:"streamId"`
	Seq      int    `json:"seq"`
}

// VoiceCommandResult carries a parsed transcript back to the device and the
// panels.
type VoiceCommandResult struct {
	StreamID   string `json:"streamId"`
	Transcript string `json:"transcript"`
	Kind       string `json:"kind"`
	Page       string `json:"page,omitempty"`
	AppName    string `json:"appName,omitempty"`
	Final      bool   `json:"final"`
}

// ErrorData is the generic typed failure sent to a peer.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encodeMessage renders one structured frame. Marshalling a struct of our
// own types cannot fail; errors here indicate a programming bug.
func encodeMessage(kind string, data interface{}) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: kind, Data: raw})
}

// decodeData unmarshals a frame payload into its typed form.
func decodeData(env *Envelope, out interface{}) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s frame missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("malformed %s data: %w", env.Type, err)
	}
	return nil
}

func nowUnix() int64 {
	return time.Now().Unix()
}
