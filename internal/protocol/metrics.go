package protocol

import (
	"fmt"
	"sync"
)

// Metrics captures overlay counters for diagnostics.
type Metrics struct {
	mu               sync.Mutex
	announceSent     int
	announceSeen     int
	transferSent     int
	transferSeen     int
	transferRejected int
	likes            int
	blocksSeen       int
	blocksRejected   int
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) IncAnnounceSent()     { m.mu.Lock(); m.announceSent++; m.mu.Unlock() }
func (m *Metrics) IncAnnounceSeen()     { m.mu.Lock(); m.announceSeen++; m.mu.Unlock() }
func (m *Metrics) IncTransferSent()     { m.mu.Lock(); m.transferSent++; m.mu.Unlock() }
func (m *Metrics) IncTransferSeen()     { m.mu.Lock(); m.transferSeen++; m.mu.Unlock() }
func (m *Metrics) IncTransferRejected() { m.mu.Lock(); m.transferRejected++; m.mu.Unlock() }
func (m *Metrics) IncLike()             { m.mu.Lock(); m.likes++; m.mu.Unlock() }
func (m *Metrics) IncBlockSeen()        { m.mu.Lock(); m.blocksSeen++; m.mu.Unlock() }
func (m *Metrics) IncBlockRejected()    { m.mu.Lock(); m.blocksRejected++; m.mu.Unlock() }

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		AnnouncesSent:     m.announceSent,
		AnnouncesSeen:     m.announceSeen,
		TransfersSent:     m.transferSent,
		TransfersSeen:     m.transferSeen,
		TransfersRejected: m.transferRejected,
		Likes:             m.likes,
		BlocksSeen:        m.blocksSeen,
		BlocksRejected:    m.blocksRejected,
	}
}

// MetricsSnapshot is served by the control API's /stats route.
type MetricsSnapshot struct {
	AnnouncesSent     int    `json:"announces_sent"`
	AnnouncesSeen     int    `json:"announces_seen"`
	TransfersSent     int    `json:"transfers_sent"`
	TransfersSeen     int    `json:"transfers_seen"`
	TransfersRejected int    `json:"transfers_rejected"`
	Likes             int    `json:"likes"`
	BlocksSeen        int    `json:"blocks_seen"`
	BlocksRejected    int    `json:"blocks_rejected"`
	DecodeErrors      uint64 `json:"decode_errors"`
}

func (s MetricsSnapshot) String() string {
	return fmt.Sprintf("announces=%d/%d transfers=%d/%d rejected=%d likes=%d blocks=%d/%d decode_errors=%d",
		s.AnnouncesSent, s.AnnouncesSeen, s.TransfersSent, s.TransfersSeen, s.TransfersRejected,
		s.Likes, s.BlocksSeen, s.BlocksRejected, s.DecodeErrors)
}
