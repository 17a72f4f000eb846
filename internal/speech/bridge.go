// Package speech is the gateway's outbound client to the cloud streaming
// transcription service. One Session per voice stream; each Session owns
// exactly one websocket connection and a bounded audio queue that absorbs
// chunks arriving before the service is ready.
package speech

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// audioQueueCapacity bounds the pre-ready audio queue. On overflow the
	// oldest chunk is dropped; the stream itself never fails from pressure.
	audioQueueCapacity = 240

	namespaceTranscriber = "SpeechTranscriber"

	nameStartTranscription     = "StartTranscription"
	nameStopTranscription      = "StopTranscription"
	nameTranscriptionStarted   = "TranscriptionStarted"
	nameSentenceEnd            = "SentenceEnd"
	nameTranscriptionCompleted = "TranscriptionCompleted"
	nameTaskFailed             = "TaskFailed"

	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// Events are the owner's callbacks. All of them are invoked from the
// session's internal goroutines; the owner must not call back into Stop
// while holding its own locks that PushAudio also takes.
type Events struct {
	OnReady      func()
	OnTranscript func(text string, final bool)
	OnError      func(err error)
	OnClosed     func()
}

// Session drives one transcription stream against the cloud service.
type Session struct {
	appKey   string
	endpoint string
	tokens   *TokenProvider
	events   Events
	logger   *zap.Logger

	taskID string

	mu      sync.Mutex
	conn    *websocket.Conn
	ready   bool
	stopped bool
	queue   [][]byte

	// wmu serializes writes to conn; gorilla supports one writer at a time.
	wmu sync.Mutex
}

// NewSession builds a session; Start must be called before audio flows.
func NewSession(appKey, endpoint string, tokens *TokenProvider, events Events, logger *zap.Logger) *Session {
	return &Session{
		appKey:   appKey,
		endpoint: endpoint,
		tokens:   tokens,
		events:   events,
		logger:   logger,
		taskID:   newFrameID(),
	}
}

// TaskID identifies this stream on the service side.
func (s *Session) TaskID() string {
	return s.taskID
}

type controlHeader struct {
	AppKey    string `json:"appkey"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	TaskID    string `json:"task_id"`
	MessageID string `json:"message_id"`
}

type controlFrame struct {
	Header  controlHeader          `json:"header"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type serverFrame struct {
	Header struct {
		Name       string `json:"name"`
		Status     int    `json:"status"`
		StatusText string `json:"status_text"`
		TaskID     string `json:"task_id"`
	} `json:"header"`
	Payload map[string]interface{} `json:"payload"`
}

// Start authenticates, dials the streaming endpoint, and sends the
// StartTranscription control frame. Readiness is signalled asynchronously via
// Events.OnReady once the service answers TranscriptionStarted.
func (s *Session) Start(sampleRate int) error {
	token, err := s.tokens.Token()
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}

	header := http.Header{}
	header.Set("X-NLS-Token", token)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(s.endpoint, header)
	if err != nil {
		return fmt.Errorf("dial transcription service: %w", err)
	}

	start := controlFrame{
		Header: controlHeader{
			AppKey:    s.appKey,
			Namespace: namespaceTranscriber,
			Name:      nameStartTranscription,
			TaskID:    s.taskID,
			MessageID: newFrameID(),
		},
		Payload: map[string]interface{}{
			"format":                            "pcm",
			"sample_rate":                       sampleRate,
			"enable_punctuation_prediction":     true,
			"enable_inverse_text_normalization": true,
			"enable_intermediate_result":        true,
		},
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return fmt.Errorf("send start frame: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("session already stopped")
	}
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

// PushAudio forwards one chunk to the service, queueing it while the service
// is still arming. Audio pushed after Stop is rejected.
func (s *Session) PushAudio(data []byte) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("session stopped")
	}
	if !s.ready || s.conn == nil {
		if len(s.queue) >= audioQueueCapacity {
			s.queue = s.queue[1:]
			s.logger.Warn("audio queue full, dropping oldest chunk",
				zap.String("taskId", s.taskID))
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		s.queue = append(s.queue, buf)
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.mu.Unlock()

	if err := s.writeBinary(conn, data); err != nil {
		return fmt.Errorf("push audio: %w", err)
	}
	return nil
}

func (s *Session) writeBinary(conn *websocket.Conn, data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// Stop sends StopTranscription best-effort and closes the connection. It is
// idempotent. A callback already in flight on the read loop may still
// complete concurrently; owners must tolerate one stale delivery.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conn := s.conn
	s.conn = nil
	s.queue = nil
	s.mu.Unlock()

	if conn == nil {
		return
	}

	stop := controlFrame{
		Header: controlHeader{
			AppKey:    s.appKey,
			Namespace: namespaceTranscriber,
			Name:      nameStopTranscription,
			TaskID:    s.taskID,
			MessageID: newFrameID(),
		},
	}
	s.wmu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(stop); err != nil {
		s.logger.Debug("stop frame not delivered", zap.Error(err))
	}
	conn.Close()
	s.wmu.Unlock()
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if !stopped {
				s.fireClosed()
			}
			return
		}
		s.handleFrame(conn, raw)
	}
}

func (s *Session) handleFrame(conn *websocket.Conn, raw []byte) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	var frame serverFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.logger.Warn("unparseable frame from transcription service", zap.Error(err))
		return
	}

	switch frame.Header.Name {
	case nameTranscriptionStarted:
		s.markReadyAndFlush(conn)
		if s.events.OnReady != nil {
			s.events.OnReady()
		}
		return
	case nameTaskFailed:
		s.fireError(fmt.Errorf("transcription task failed: %s", frame.Header.StatusText))
		return
	}

	text := transcriptText(frame.Payload)
	if text == "" {
		return
	}
	final := isFinalFrame(frame.Header.Name, frame.Payload)
	if s.events.OnTranscript != nil {
		s.events.OnTranscript(text, final)
	}
}

// markReadyAndFlush drains queued audio in arrival order and only then arms
// direct writes. Chunks pushed mid-flush land back on the queue and drain on
// the next pass, so the queued prefix always reaches the wire first.
func (s *Session) markReadyAndFlush(conn *websocket.Conn) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.ready = true
			s.mu.Unlock()
			return
		}
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, chunk := range pending {
			if err := s.writeBinary(conn, chunk); err != nil {
				s.fireError(fmt.Errorf("flush queued audio: %w", err))
				return
			}
		}
	}
}

func (s *Session) fireError(err error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.logger.Warn("transcription bridge error",
		zap.String("taskId", s.taskID), zap.Error(err))
	if s.events.OnError != nil {
		s.events.OnError(err)
	}
}

func (s *Session) fireClosed() {
	if s.events.OnClosed != nil {
		s.events.OnClosed()
	}
}

// transcriptText pulls the recognized text out of a result frame. The
// service uses "result" for transcriber frames and "text" elsewhere.
func transcriptText(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload["result"].(string); ok && v != "" {
		return v
	}
	if v, ok := payload["text"].(string); ok && v != "" {
		return v
	}
	return ""
}

// isFinalFrame derives the final flag from the message name or explicit
// payload fields.
func isFinalFrame(name string, payload map[string]interface{}) bool {
	switch name {
	case nameSentenceEnd, nameTranscriptionCompleted:
		return true
	}
	for _, key := range []string{"final", "is_final", "sentence_end"} {
		if v, ok := payload[key].(bool); ok && v {
			return true
		}
	}
	return false
}

// newFrameID yields the 32-hex-char id shape the service expects for task
// and message ids.
func newFrameID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
