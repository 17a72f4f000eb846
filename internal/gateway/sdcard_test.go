package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// reply feeds a frame back into the hub as if the device had sent it.
func reply(t *testing.T, hub *Hub, device *Client, kind string, data interface{}) {
	t.Helper()
	raw, err := encodeMessage(kind, data)
	if err != nil {
		t.Errorf("encode reply %s: %v", kind, err)
		return
	}
	hub.handleText(device, raw)
}

func TestListFiles_PagesUntilNotTruncated(t *testing.T) {
	hub := setupTestHub(t)
	device := newTestDevice(hub, "conn-d", "esp32_one")

	entries := make([]SdFileEntry, 30)
	for i := range entries {
		entries[i] = SdFileEntry{
			Name: fmt.Sprintf("clip_%02d.mjpeg", i),
			Path: fmt.Sprintf("/sd/videos/clip_%02d.mjpeg", i),
			Size: int64(1000 + i),
		}
	}

	var mu sync.Mutex
	var offsets []int

	go func() {
		for wd := range device.send {
			var env Envelope
			if err := json.Unmarshal(wd.Payload, &env); err != nil {
				continue
			}
			if env.Type != KindSdListRequest {
				continue
			}
			var req SdListRequest
			json.Unmarshal(env.Data, &req)

			mu.Lock()
			offsets = append(offsets, req.Offset)
			mu.Unlock()

			end := req.Offset + req.Limit
			if end > len(entries) {
				end = len(entries)
			}
			page := entries[req.Offset:end]
			reply(t, hub, device, KindSdListResponse, SdListResponse{
				RequestID: req.RequestID,
				Files:     page,
				Total:     len(entries),
				Returned:  len(page),
				Truncated: end < len(entries),
			})
		}
	}()

	files, err := hub.ListFiles("esp32_one", time.Second)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(files) != 30 {
		t.Errorf("expected 30 entries, got %d", len(files))
	}
	if files[0].Name != "clip_00.mjpeg" || files[29].Name != "clip_29.mjpeg" {
		t.Errorf("entries out of order: first %s, last %s", files[0].Name, files[29].Name)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(offsets) != 2 || offsets[0] != 0 || offsets[1] != 24 {
		t.Errorf("expected offsets [0 24], got %v", offsets)
	}
}

func TestListFiles_NoDevice(t *testing.T) {
	hub := setupTestHub(t)
	if _, err := hub.ListFiles("esp32_missing", time.Second); !errors.Is(err, ErrNoDevice) {
		t.Errorf("expected ErrNoDevice, got %v", err)
	}
}

func TestListFiles_DeviceError(t *testing.T) {
	hub := setupTestHub(t)
	device := newTestDevice(hub, "conn-d", "esp32_one")

	go func() {
		for wd := range device.send {
			var env Envelope
			json.Unmarshal(wd.Payload, &env)
			if env.Type != KindSdListRequest {
				continue
			}
			var req SdListRequest
			json.Unmarshal(env.Data, &req)
			reply(t, hub, device, KindSdListResponse, SdListResponse{
				RequestID: req.RequestID,
				Error:     "sd_not_mounted",
			})
		}
	}()

	_, err := hub.ListFiles("esp32_one", time.Second)
	if err == nil || !strings.Contains(err.Error(), "sd_not_mounted") {
		t.Errorf("expected device error to surface, got %v", err)
	}
}

func TestUpload_ChunksSequentiallyAndCommits(t *testing.T) {
	hub := setupTestHub(t)
	device := newTestDevice(hub, "conn-d", "esp32_one")

	data := bytes.Repeat([]byte{0xA5}, 10000)

	var mu sync.Mutex
	var begin SdUploadBegin
	var commit SdUploadCommit
	var chunks []SdUploadChunkMeta
	var received []byte

	go func() {
		var pendingMeta *SdUploadChunkMeta
		for wd := range device.send {
			if wd.Type == websocket.BinaryMessage {
				if pendingMeta == nil {
					t.Error("binary frame without preceding chunk metadata")
					continue
				}
				meta := *pendingMeta
				pendingMeta = nil

				mu.Lock()
				chunks = append(chunks, meta)
				received = append(received, wd.Payload...)
				mu.Unlock()

				reply(t, hub, device, KindSdUploadChunkAck, SdUploadChunkAck{
					UploadID: meta.UploadID,
					Seq:      meta.Seq,
					OK:       true,
				})
				continue
			}

			var env Envelope
			if err := json.Unmarshal(wd.Payload, &env); err != nil {
				continue
			}
			switch env.Type {
			case KindSdUploadBegin:
				var b SdUploadBegin
				json.Unmarshal(env.Data, &b)
				mu.Lock()
				begin = b
				mu.Unlock()
				reply(t, hub, device, KindSdUploadBeginAck, SdUploadAck{
					RequestID: b.RequestID, UploadID: b.UploadID, OK: true,
				})
			case KindSdUploadChunkMeta:
				var m SdUploadChunkMeta
				json.Unmarshal(env.Data, &m)
				pendingMeta = &m
			case KindSdUploadCommit:
				var cm SdUploadCommit
				json.Unmarshal(env.Data, &cm)
				mu.Lock()
				commit = cm
				mu.Unlock()
				reply(t, hub, device, KindSdUploadCommitAck, SdUploadAck{
					RequestID: cm.RequestID, UploadID: cm.UploadID, OK: true,
				})
			}
		}
	}()

	var progress []int64
	err := hub.Upload("esp32_one", "/sd/videos/new.mjpeg", data, UploadOptions{
		Timeout: time.Second,
		Progress: func(sent, total int64) {
			progress = append(progress, sent)
		},
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if begin.TargetPath != "/sd/videos/new.mjpeg" {
		t.Errorf("expected targetPath /sd/videos/new.mjpeg, got %s", begin.TargetPath)
	}
	if begin.TotalSize != 10000 {
		t.Errorf("expected totalSize 10000, got %d", begin.TotalSize)
	}
	if begin.ChunkSize != 4096 {
		t.Errorf("expected default chunkSize 4096, got %d", begin.ChunkSize)
	}

	wantLens := []int{4096, 4096, 1808}
	if len(chunks) != len(wantLens) {
		t.Fatalf("expected %d chunks, got %d", len(wantLens), len(chunks))
	}
	for i, meta := range chunks {
		if meta.Seq != i {
			t.Errorf("chunk %d: expected seq %d, got %d", i, i, meta.Seq)
		}
		if meta.Len != wantLens[i] {
			t.Errorf("chunk %d: expected len %d, got %d", i, wantLens[i], meta.Len)
		}
		if meta.UploadID != begin.UploadID {
			t.Errorf("chunk %d: uploadId mismatch", i)
		}
	}
	if !bytes.Equal(received, data) {
		t.Error("reassembled chunk payloads do not match the upload data")
	}

	if commit.UploadID != begin.UploadID {
		t.Error("commit uploadId mismatch")
	}
	if commit.ExpectedSize != 10000 {
		t.Errorf("expected commit expectedSize 10000, got %d", commit.ExpectedSize)
	}

	wantProgress := []int64{4096, 8192, 10000}
	if len(progress) != len(wantProgress) {
		t.Fatalf("expected %d progress calls, got %d", len(wantProgress), len(progress))
	}
	for i, p := range progress {
		if p != wantProgress[i] {
			t.Errorf("progress %d: expected %d, got %d", i, wantProgress[i], p)
		}
	}
}

func TestUpload_RejectedChunkAborts(t *testing.T) {
	hub := setupTestHub(t)
	device := newTestDevice(hub, "conn-d", "esp32_one")

	abortSeen := make(chan SdUploadAbort, 1)

	go func() {
		var pendingMeta *SdUploadChunkMeta
		for wd := range device.send {
			if wd.Type == websocket.BinaryMessage {
				meta := *pendingMeta
				pendingMeta = nil
				reply(t, hub, device, KindSdUploadChunkAck, SdUploadChunkAck{
					UploadID: meta.UploadID, Seq: meta.Seq, Error: "write_failed",
				})
				continue
			}
			var env Envelope
			if err := json.Unmarshal(wd.Payload, &env); err != nil {
				continue
			}
			switch env.Type {
			case KindSdUploadBegin:
				var b SdUploadBegin
				json.Unmarshal(env.Data, &b)
				reply(t, hub, device, KindSdUploadBeginAck, SdUploadAck{
					RequestID: b.RequestID, UploadID: b.UploadID, OK: true,
				})
			case KindSdUploadChunkMeta:
				var m SdUploadChunkMeta
				json.Unmarshal(env.Data, &m)
				pendingMeta = &m
			case KindSdUploadAbort:
				var a SdUploadAbort
				json.Unmarshal(env.Data, &a)
				abortSeen <- a
			}
		}
	}()

	err := hub.Upload("esp32_one", "/sd/f.bin", []byte("payload"), UploadOptions{Timeout: time.Second})
	if err == nil || !strings.Contains(err.Error(), "write_failed") {
		t.Errorf("expected chunk rejection to surface, got %v", err)
	}

	select {
	case a := <-abortSeen:
		if a.UploadID == "" {
			t.Error("abort frame missing uploadId")
		}
	case <-time.After(time.Second):
		t.Error("device never received the abort frame")
	}
}

func TestUpload_NoDevice(t *testing.T) {
	hub := setupTestHub(t)
	err := hub.Upload("esp32_missing", "/sd/f.bin", []byte("x"), UploadOptions{})
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("expected ErrNoDevice, got %v", err)
	}
}

func TestDelete_Success(t *testing.T) {
	hub := setupTestHub(t)
	device := newTestDevice(hub, "conn-d", "esp32_one")

	go func() {
		for wd := range device.send {
			var env Envelope
			json.Unmarshal(wd.Payload, &env)
			if env.Type != KindSdDeleteRequest {
				continue
			}
			var req SdDeleteRequest
			json.Unmarshal(env.Data, &req)
			if req.Path != "/sd/videos/old.mjpeg" {
				t.Errorf("expected delete path /sd/videos/old.mjpeg, got %s", req.Path)
			}
			reply(t, hub, device, KindSdDeleteResponse, SdDeleteResponse{
				RequestID: req.RequestID, OK: true,
			})
		}
	}()

	if err := hub.Delete("esp32_one", "/sd/videos", "/sd/videos/old.mjpeg", time.Second); err != nil {
		t.Errorf("Delete failed: %v", err)
	}
}

func TestDelete_PathEscapesRoot(t *testing.T) {
	hub := setupTestHub(t)

	err := hub.Delete("esp32_one", "/sd/videos", "/sd/videos/../../etc/passwd", time.Second)
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Errorf("expected path escape rejection, got %v", err)
	}
}

func TestPathInsideRoot(t *testing.T) {
	tests := []struct {
		root string
		p    string
		want bool
	}{
		{"/sd/videos", "/sd/videos/clip.mjpeg", true},
		{"/sd/videos", "/sd/videos", true},
		{"/sd/videos", "/sd/videos/sub/clip.mjpeg", true},
		{"/sd/videos", "/sd/other/clip.mjpeg", false},
		{"/sd/videos", "/sd/videos/../other", false},
		{"/sd/videos", "/sd/videos-2/clip.mjpeg", false},
		{"/", "/anything/goes", true},
		{"sd/videos", "sd/videos/clip.mjpeg", true},
	}

	for _, tt := range tests {
		if got := pathInsideRoot(tt.root, tt.p); got != tt.want {
			t.Errorf("pathInsideRoot(%q, %q) = %v, want %v", tt.root, tt.p, got, tt.want)
		}
	}
}

func TestPreview_Success(t *testing.T) {
	hub := setupTestHub(t)
	device := newTestDevice(hub, "conn-d", "esp32_one")

	image := bytes.Repeat([]byte{0xFF, 0xD8}, 64)

	go func() {
		for wd := range device.send {
			var env Envelope
			json.Unmarshal(wd.Payload, &env)
			if env.Type != KindSdPreviewRequest {
				continue
			}
			var req SdPreviewRequest
			json.Unmarshal(env.Data, &req)
			reply(t, hub, device, KindSdPreviewResponse, SdPreviewResponse{
				RequestID: req.RequestID,
				OK:        true,
				Len:       len(image),
				Mime:      "image/jpeg",
			})
			device.handleBinary(image)
		}
	}()

	data, mime, err := hub.Preview("esp32_one", "/sd/videos/clip.mjpeg", time.Second)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if !bytes.Equal(data, image) {
		t.Error("preview payload does not match")
	}
	if mime != "image/jpeg" {
		t.Errorf("expected mime image/jpeg, got %s", mime)
	}
}

func TestPreview_LengthMismatch(t *testing.T) {
	hub := setupTestHub(t)
	device := newTestDevice(hub, "conn-d", "esp32_one")

	go func() {
		for wd := range device.send {
			var env Envelope
			json.Unmarshal(wd.Payload, &env)
			if env.Type != KindSdPreviewRequest {
				continue
			}
			var req SdPreviewRequest
			json.Unmarshal(env.Data, &req)
			reply(t, hub, device, KindSdPreviewResponse, SdPreviewResponse{
				RequestID: req.RequestID, OK: true, Len: 100,
			})
			device.handleBinary(make([]byte, 50))
		}
	}()

	_, _, err := hub.Preview("esp32_one", "/sd/videos/clip.mjpeg", time.Second)
	if err == nil || !strings.Contains(err.Error(), "length mismatch") {
		t.Errorf("expected length mismatch error, got %v", err)
	}
}

func TestPreview_RejectsOtherExtensions(t *testing.T) {
	hub := setupTestHub(t)
	newTestDevice(hub, "conn-d", "esp32_one")

	for _, p := range []string{"/sd/videos/clip.mp4", "/sd/config.json", "/sd/noext"} {
		if _, _, err := hub.Preview("esp32_one", p, time.Second); err == nil {
			t.Errorf("Preview(%s) should be rejected", p)
		}
	}
}

func TestPreview_DeviceRefusal(t *testing.T) {
	hub := setupTestHub(t)
	device := newTestDevice(hub, "conn-d", "esp32_one")

	go func() {
		for wd := range device.send {
			var env Envelope
			json.Unmarshal(wd.Payload, &env)
			if env.Type != KindSdPreviewRequest {
				continue
			}
			var req SdPreviewRequest
			json.Unmarshal(env.Data, &req)
			reply(t, hub, device, KindSdPreviewResponse, SdPreviewResponse{
				RequestID: req.RequestID, OK: false, Error: "not_found",
			})
		}
	}()

	_, _, err := hub.Preview("esp32_one", "/sd/videos/gone.mjpeg", time.Second)
	if err == nil || !strings.Contains(err.Error(), "not_found") {
		t.Errorf("expected device refusal to surface, got %v", err)
	}

	// The preview slot must be released for the next attempt.
	device.mu.Lock()
	armed := device.preview != nil
	device.mu.Unlock()
	if armed {
		t.Error("preview slot still armed after refusal")
	}
}
