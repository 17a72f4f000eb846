package gateway

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/luminadesk/gateway/internal/command"
	"github.com/luminadesk/gateway/internal/speech"
)

// Voice chunk payloads are bounded; anything outside [1, 8192] bytes is a
// protocol violation.
const (
	minVoiceChunkLen = 1
	maxVoiceChunkLen = 8192

	defaultSampleRate = 16000
)

// Voice stream ack statuses.
const (
	voiceStatusAccepted = "accepted"
	voiceStatusReady    = "ready"
	voiceStatusStopped  = "stopped"
	voiceStatusError    = "error"
)

// voiceSession is the per-connection sequenced audio relay. At most one
// exists per connection; it owns exactly one bridge.
type voiceSession struct {
	streamID   string
	sampleRate int

	expectedSeq int
	pendingMeta *VoiceChunkMeta

	chunksReceived int
	bytesReceived  int64

	lastFinalTranscript string

	bridge VoiceBridge
}

// handleVoiceStart opens a stream. An already-live session is torn down
// first without notification; the new stream is acknowledged "accepted"
// immediately and "ready" once the bridge is armed.
func (h *Hub) handleVoiceStart(c *Client, env *Envelope) {
	var start VoiceStreamStart
	if err := decodeData(env, &start); err != nil {
		c.sendMessage(KindVoiceStreamAck, VoiceStreamAck{Status: voiceStatusError, Reason: "malformed start"})
		return
	}
	if start.StreamID == "" {
		c.sendMessage(KindVoiceStreamAck, VoiceStreamAck{Status: voiceStatusError, Reason: "missing streamId"})
		return
	}
	if h.opts.BridgeFactory == nil {
		c.sendMessage(KindVoiceStreamAck, VoiceStreamAck{
			StreamID: start.StreamID, Status: voiceStatusError, Reason: "speech bridge unavailable",
		})
		return
	}
	if start.SampleRate <= 0 {
		start.SampleRate = defaultSampleRate
	}

	c.mu.Lock()
	if c.preview != nil {
		c.mu.Unlock()
		c.sendMessage(KindVoiceStreamAck, VoiceStreamAck{
			StreamID: start.StreamID, Status: voiceStatusError, Reason: "preview transfer in progress",
		})
		return
	}
	prev := c.voice
	c.voice = nil
	c.mu.Unlock()

	if prev != nil {
		prev.bridge.Stop()
		h.logger.Info("voice session replaced",
			zap.String("connId", c.id), zap.String("oldStreamId", prev.streamID))
	}

	var vs *voiceSession
	events := speech.Events{
		OnReady: func() {
			h.voiceReady(c, vs)
		},
		OnTranscript: func(text string, final bool) {
			h.handleVoiceTranscript(c, vs, text, final)
		},
		OnError: func(err error) {
			h.finishVoice(c, vs, voiceStatusError, err.Error())
		},
		OnClosed: func() {
			h.finishVoice(c, vs, voiceStatusStopped, "bridge closed")
		},
	}
	vs = &voiceSession{
		streamID:   start.StreamID,
		sampleRate: start.SampleRate,
		bridge:     h.opts.BridgeFactory(events),
	}

	c.mu.Lock()
	c.voice = vs
	c.mu.Unlock()

	c.sendMessage(KindVoiceStreamAck, VoiceStreamAck{StreamID: vs.streamID, Status: voiceStatusAccepted})

	// Bridge handshake runs off the frame worker; readiness is acked
	// asynchronously.
	go func() {
		if err := vs.bridge.Start(vs.sampleRate); err != nil {
			h.finishVoice(c, vs, voiceStatusError, fmt.Sprintf("bridge start: %v", err))
		}
	}()

	h.logger.Info("voice stream accepted",
		zap.String("connId", c.id),
		zap.String("streamId", vs.streamID),
		zap.Int("sampleRate", vs.sampleRate))
}

// voiceReady acks readiness, provided the session is still the live one.
func (h *Hub) voiceReady(c *Client, vs *voiceSession) {
	c.mu.Lock()
	current := c.voice == vs
	c.mu.Unlock()
	if !current {
		return
	}
	c.sendMessage(KindVoiceStreamAck, VoiceStreamAck{StreamID: vs.streamID, Status: voiceStatusReady})
}

// handleVoiceChunkMeta validates and records the metadata for the binary
// frame that must follow. Metadata and binary strictly alternate; any
// violation aborts the session.
func (h *Hub) handleVoiceChunkMeta(c *Client, env *Envelope) {
	var meta VoiceChunkMeta
	if err := decodeData(env, &meta); err != nil {
		h.finishVoice(c, nil, voiceStatusError, "malformed chunk metadata")
		return
	}

	c.mu.Lock()
	vs := c.voice
	if vs == nil {
		c.mu.Unlock()
		c.logger.Debug("chunk metadata without session", zap.String("streamId", meta.StreamID))
		return
	}
	var reason string
	switch {
	case vs.pendingMeta != nil:
		reason = "metadata already pending"
	case meta.StreamID != vs.streamID:
		reason = "streamId mismatch"
	case meta.Seq != vs.expectedSeq:
		reason = fmt.Sprintf("expected seq %d, got %d", vs.expectedSeq, meta.Seq)
	case meta.Len < minVoiceChunkLen || meta.Len > maxVoiceChunkLen:
		reason = fmt.Sprintf("chunk length %d out of range", meta.Len)
	}
	if reason != "" {
		c.mu.Unlock()
		h.finishVoice(c, vs, voiceStatusError, reason)
		return
	}
	vs.pendingMeta = &meta
	c.mu.Unlock()
}

// handleVoiceBinary consumes the binary payload declared by the pending
// metadata: exact length match forwards it to the bridge and acks; any
// mismatch aborts the session.
func (h *Hub) handleVoiceBinary(c *Client, data []byte) {
	c.mu.Lock()
	vs := c.voice
	if vs == nil || vs.pendingMeta == nil {
		c.mu.Unlock()
		c.logger.Debug("voice binary without pending metadata")
		return
	}
	meta := vs.pendingMeta
	vs.pendingMeta = nil
	if len(data) != meta.Len {
		c.mu.Unlock()
		h.finishVoice(c, vs, voiceStatusError,
			fmt.Sprintf("binary length mismatch: declared %d, got %d", meta.Len, len(data)))
		return
	}
	vs.expectedSeq++
	vs.chunksReceived++
	vs.bytesReceived += int64(len(data))
	bridge := vs.bridge
	c.mu.Unlock()

	if err := bridge.PushAudio(data); err != nil {
		h.finishVoice(c, vs, voiceStatusError, fmt.Sprintf("bridge push: %v", err))
		return
	}
	c.sendMessage(KindVoiceStreamChunkAck, VoiceChunkAck{StreamID: meta.StreamID, Seq: meta.Seq})
}

// handleVoiceStop is the device's explicit stop.
func (h *Hub) handleVoiceStop(c *Client) {
	h.finishVoice(c, nil, voiceStatusStopped, "")
}

// finishVoice retires a session: bridge teardown and a terminal ack with
// cumulative counters. vs == nil finishes whatever session is live; a stale
// vs (already replaced) is a no-op. Idempotent per session.
func (h *Hub) finishVoice(c *Client, vs *voiceSession, status, reason string) {
	c.mu.Lock()
	if vs != nil && c.voice != vs {
		c.mu.Unlock()
		return
	}
	if vs == nil {
		vs = c.voice
	}
	if vs == nil {
		c.mu.Unlock()
		return
	}
	c.voice = nil
	c.mu.Unlock()

	vs.bridge.Stop()
	c.sendMessage(KindVoiceStreamAck, VoiceStreamAck{
		StreamID:       vs.streamID,
		Status:         status,
		Reason:         reason,
		ChunksReceived: vs.chunksReceived,
		BytesReceived:  vs.bytesReceived,
	})
	h.logger.Info("voice stream finished",
		zap.String("connId", c.id),
		zap.String("streamId", vs.streamID),
		zap.String("status", status),
		zap.String("reason", reason),
		zap.Int("chunks", vs.chunksReceived),
		zap.Int64("bytes", vs.bytesReceived))
}

// handleVoiceTranscript routes recognition output. Interim text is echoed
// to panels only; final text is deduplicated, parsed into an intent, and
// returned to the device as well.
func (h *Hub) handleVoiceTranscript(c *Client, vs *voiceSession, text string, final bool) {
	c.mu.Lock()
	if c.voice != vs {
		c.mu.Unlock()
		return
	}
	if final {
		if text == vs.lastFinalTranscript {
			c.mu.Unlock()
			return
		}
		vs.lastFinalTranscript = text
	}
	streamID := vs.streamID
	c.mu.Unlock()

	if !final {
		h.broadcastToPanels(KindVoiceCommandResult, VoiceCommandResult{
			StreamID:   streamID,
			Transcript: text,
			Final:      false,
		})
		return
	}

	cmd := command.Parse(text)
	result := VoiceCommandResult{
		StreamID:   streamID,
		Transcript: text,
		Kind:       string(cmd.Kind),
		Page:       cmd.Page,
		AppName:    cmd.AppName,
		Final:      true,
	}
	c.sendMessage(KindVoiceCommandResult, result)
	h.broadcastToPanels(KindVoiceCommandResult, result)

	h.logger.Info("voice command parsed",
		zap.String("streamId", streamID),
		zap.String("transcript", text),
		zap.String("kind", string(cmd.Kind)))
}
