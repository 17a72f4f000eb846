package gateway

import (
	"time"

	"go.uber.org/zap"
)

// SystemSnapshot is the host metrics value broadcast to every connection.
// The gateway computes none of it; a SnapshotSource collaborator supplies
// the numbers.
type SystemSnapshot struct {
	CPU struct {
		Usage float64 `json:"usage"`
		Cores int     `json:"cores"`
	} `json:"cpu"`
	Memory struct {
		UsedBytes  uint64  `json:"used"`
		TotalBytes uint64  `json:"total"`
		Percentage float64 `json:"percentage"`
	} `json:"memory"`
	Network struct {
		RxBytesPerSec uint64 `json:"rx"`
		TxBytesPerSec uint64 `json:"tx"`
	} `json:"network"`
	Time string `json:"time"`
}

// SnapshotSource supplies host metrics snapshots.
type SnapshotSource interface {
	Snapshot() (SystemSnapshot, error)
}

// Supervisor runs the periodic liveness sweep and the system snapshot
// broadcast on their own intervals.
type Supervisor struct {
	hub    *Hub
	source SnapshotSource
	logger *zap.Logger

	sweepInterval    time.Duration
	silenceTimeout   time.Duration
	snapshotInterval time.Duration

	stopChan chan struct{}
}

// NewSupervisor wires the supervisor. source may be nil, in which case no
// snapshots are broadcast.
func NewSupervisor(hub *Hub, source SnapshotSource, sweepInterval, silenceTimeout, snapshotInterval time.Duration, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		hub:              hub,
		source:           source,
		logger:           logger,
		sweepInterval:    sweepInterval,
		silenceTimeout:   silenceTimeout,
		snapshotInterval: snapshotInterval,
		stopChan:         make(chan struct{}),
	}
}

// Start launches the background loops.
func (s *Supervisor) Start() {
	go s.sweepLoop()
	if s.source != nil {
		go s.snapshotLoop()
	}
	s.logger.Info("heartbeat supervisor started",
		zap.Duration("sweepInterval", s.sweepInterval),
		zap.Duration("silenceTimeout", s.silenceTimeout))
}

// Stop halts both loops.
func (s *Supervisor) Stop() {
	close(s.stopChan)
	s.logger.Info("heartbeat supervisor stopped")
}

func (s *Supervisor) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep forcibly disconnects every device that has stayed silent past the
// timeout, broadcasting the disconnect to panels first.
func (s *Supervisor) sweep() {
	now := time.Now()

	type silentDevice struct {
		client *Client
		last   time.Time
	}

	s.hub.mu.RLock()
	var silent []silentDevice
	for _, c := range s.hub.devices {
		c.mu.Lock()
		last := c.lastHeartbeatAt
		c.mu.Unlock()
		if now.Sub(last) > s.silenceTimeout {
			silent = append(silent, silentDevice{client: c, last: last})
		}
	}
	s.hub.mu.RUnlock()

	for _, sd := range silent {
		s.logger.Warn("device heartbeat timed out, forcing disconnect",
			zap.String("deviceId", sd.client.DeviceID()),
			zap.Duration("silence", now.Sub(sd.last)))
		s.hub.broadcastToPanels(KindDeviceDisconnected, DeviceInfo{DeviceID: sd.client.DeviceID()})
		sd.client.forceClose()
	}
}

func (s *Supervisor) snapshotLoop() {
	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			snapshot, err := s.source.Snapshot()
			if err != nil {
				s.logger.Warn("snapshot source failed", zap.Error(err))
				continue
			}
			s.hub.broadcastToAll(KindSystemInfo, snapshot)
		}
	}
}
