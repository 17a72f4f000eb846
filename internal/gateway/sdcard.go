package gateway

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// File-transfer protocol limits and default timeouts.
const (
	listPageLimit = 24
	maxListPages  = 10

	minChunkSize     = 512
	maxChunkSize     = 4096
	defaultChunkSize = 4096

	defaultListTimeout    = 12 * time.Second
	defaultDeleteTimeout  = 6 * time.Second
	defaultPreviewTimeout = 10 * time.Second
	defaultUploadTimeout  = 12 * time.Second
)

// UploadOptions tune a host-driven push.
type UploadOptions struct {
	// ChunkSize is clamped to [512, 4096]; zero means 4096.
	ChunkSize int
	Overwrite bool
	// Timeout applies to each upload step (begin, chunk, commit).
	Timeout time.Duration
	// Progress, when set, is invoked after every acknowledged chunk.
	Progress func(sent, total int64)
}

// ListFiles pages through a device's storage listing until the device stops
// truncating or the page cap is hit. A missing device fails immediately.
func (h *Hub) ListFiles(deviceID string, timeout time.Duration) ([]SdFileEntry, error) {
	device, ok := h.deviceByID(deviceID)
	if !ok {
		return nil, ErrNoDevice
	}
	if timeout <= 0 {
		timeout = defaultListTimeout
	}

	var all []SdFileEntry
	offset := 0
	for page := 0; page < maxListPages; page++ {
		requestID := uuid.NewString()
		outcome := h.listCorr.Issue(requestID, device.id, timeout)
		device.sendMessage(KindSdListRequest, SdListRequest{
			RequestID: requestID,
			Offset:    offset,
			Limit:     listPageLimit,
		})

		out := <-outcome
		if out.Err != nil {
			return nil, fmt.Errorf("list page %d: %w", page, out.Err)
		}

		var resp SdListResponse
		if err := json.Unmarshal(out.Payload, &resp); err != nil {
			return nil, fmt.Errorf("malformed list response: %w", err)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("device rejected list: %s", resp.Error)
		}

		all = append(all, resp.Files...)
		offset += resp.Returned
		if !resp.Truncated || resp.Returned == 0 {
			return all, nil
		}
	}

	h.logger.Warn("list page cap reached",
		zap.String("deviceId", deviceID), zap.Int("entries", len(all)))
	return all, nil
}

// Upload pushes data onto the device at targetPath. The gateway drives the
// whole transfer: begin, strictly sequential acknowledged chunks, commit.
// Any failure aborts the transfer with a best-effort abort frame; there is
// no resume.
func (h *Hub) Upload(deviceID, targetPath string, data []byte, opts UploadOptions) error {
	device, ok := h.deviceByID(deviceID)
	if !ok {
		return ErrNoDevice
	}

	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	if chunkSize < minChunkSize {
		chunkSize = minChunkSize
	}
	if chunkSize > maxChunkSize {
		chunkSize = maxChunkSize
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultUploadTimeout
	}

	uploadID := uuid.NewString()
	total := int64(len(data))

	beginID := uuid.NewString()
	outcome := h.uploadCorr.Issue(beginID, device.id, timeout)
	device.sendMessage(KindSdUploadBegin, SdUploadBegin{
		RequestID:  beginID,
		UploadID:   uploadID,
		TargetPath: targetPath,
		TotalSize:  total,
		ChunkSize:  chunkSize,
		Overwrite:  opts.Overwrite,
	})
	if err := awaitUploadAck(<-outcome); err != nil {
		return fmt.Errorf("upload begin: %w", err)
	}

	var sent int64
	for seq := 0; sent < total; seq++ {
		end := sent + int64(chunkSize)
		if end > total {
			end = total
		}
		chunk := data[sent:end]

		ackOutcome := h.uploadCorr.Issue(chunkKey(uploadID, seq), device.id, timeout)
		device.sendMessage(KindSdUploadChunkMeta, SdUploadChunkMeta{
			UploadID: uploadID,
			Seq:      seq,
			Len:      len(chunk),
		})
		device.sendBinary(chunk)

		out := <-ackOutcome
		if out.Err != nil {
			h.abortUpload(device, uploadID, out.Err.Error())
			return fmt.Errorf("upload chunk %d: %w", seq, out.Err)
		}
		var ack SdUploadChunkAck
		if err := json.Unmarshal(out.Payload, &ack); err != nil {
			h.abortUpload(device, uploadID, "malformed chunk ack")
			return fmt.Errorf("malformed chunk ack: %w", err)
		}
		if !ack.OK {
			h.abortUpload(device, uploadID, ack.Error)
			return fmt.Errorf("device rejected chunk %d: %s", seq, ack.Error)
		}

		sent = end
		if opts.Progress != nil {
			opts.Progress(sent, total)
		}
	}

	commitID := uuid.NewString()
	outcome = h.uploadCorr.Issue(commitID, device.id, timeout)
	device.sendMessage(KindSdUploadCommit, SdUploadCommit{
		RequestID:    commitID,
		UploadID:     uploadID,
		ExpectedSize: total,
	})
	if err := awaitUploadAck(<-outcome); err != nil {
		return fmt.Errorf("upload commit: %w", err)
	}

	h.logger.Info("upload committed",
		zap.String("deviceId", device.DeviceID()),
		zap.String("uploadId", uploadID),
		zap.Int64("bytes", total))
	return nil
}

func awaitUploadAck(out Outcome) error {
	if out.Err != nil {
		return out.Err
	}
	var ack SdUploadAck
	if err := json.Unmarshal(out.Payload, &ack); err != nil {
		return fmt.Errorf("malformed ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("device refused: %s", ack.Error)
	}
	return nil
}

func (h *Hub) abortUpload(device *Client, uploadID, reason string) {
	device.sendMessage(KindSdUploadAbort, SdUploadAbort{UploadID: uploadID, Reason: reason})
}

// Delete removes one file from device storage. filePath must resolve to
// somewhere inside root.
func (h *Hub) Delete(deviceID, root, filePath string, timeout time.Duration) error {
	if !pathInsideRoot(root, filePath) {
		return fmt.Errorf("path %q escapes root %q", filePath, root)
	}
	device, ok := h.deviceByID(deviceID)
	if !ok {
		return ErrNoDevice
	}
	if timeout <= 0 {
		timeout = defaultDeleteTimeout
	}

	requestID := uuid.NewString()
	outcome := h.deleteCorr.Issue(requestID, device.id, timeout)
	device.sendMessage(KindSdDeleteRequest, SdDeleteRequest{
		RequestID: requestID,
		Path:      filePath,
	})

	out := <-outcome
	if out.Err != nil {
		return fmt.Errorf("delete: %w", out.Err)
	}
	var resp SdDeleteResponse
	if err := json.Unmarshal(out.Payload, &resp); err != nil {
		return fmt.Errorf("malformed delete response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("device rejected delete: %s", resp.Error)
	}
	return nil
}

// Preview fetches a motion-JPEG preview. The device answers with a response
// frame declaring the payload length, then one binary frame of exactly that
// many bytes. Mutually exclusive with a live voice stream on the same
// connection.
func (h *Hub) Preview(deviceID, filePath string, timeout time.Duration) ([]byte, string, error) {
	ext := strings.ToLower(path.Ext(filePath))
	if ext != ".mjpeg" && ext != ".mjpg" {
		return nil, "", fmt.Errorf("preview restricted to .mjpeg/.mjpg, got %q", ext)
	}
	device, ok := h.deviceByID(deviceID)
	if !ok {
		return nil, "", ErrNoDevice
	}
	if timeout <= 0 {
		timeout = defaultPreviewTimeout
	}

	pw, err := device.armPreview()
	if err != nil {
		return nil, "", err
	}

	requestID := uuid.NewString()
	outcome := h.previewCorr.Issue(requestID, device.id, timeout)
	device.sendMessage(KindSdPreviewRequest, SdPreviewRequest{
		RequestID: requestID,
		Path:      filePath,
	})

	out := <-outcome
	if out.Err != nil {
		device.disarmPreview(nil)
		return nil, "", fmt.Errorf("preview: %w", out.Err)
	}
	var resp SdPreviewResponse
	if err := json.Unmarshal(out.Payload, &resp); err != nil {
		device.disarmPreview(nil)
		return nil, "", fmt.Errorf("malformed preview response: %w", err)
	}
	if !resp.OK {
		device.disarmPreview(nil)
		return nil, "", fmt.Errorf("device rejected preview: %s", resp.Error)
	}

	select {
	case result := <-pw.ch:
		if result.err != nil {
			return nil, "", result.err
		}
		return result.data, result.mime, nil
	case <-time.After(timeout):
		device.disarmPreview(nil)
		return nil, "", fmt.Errorf("preview binary: %w", ErrTimeout)
	}
}

// pathInsideRoot reports whether p stays under root after cleaning. Device
// paths are slash-separated.
func pathInsideRoot(root, p string) bool {
	cleanRoot := path.Clean("/" + strings.TrimPrefix(root, "/"))
	cleanPath := path.Clean("/" + strings.TrimPrefix(p, "/"))
	if cleanRoot == "/" {
		return true
	}
	return cleanPath == cleanRoot || strings.HasPrefix(cleanPath, cleanRoot+"/")
}
