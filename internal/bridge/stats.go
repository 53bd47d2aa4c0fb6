package bridge

import "sync/atomic"

// Stats 所有桥共享的计数器
type Stats struct {
	active            atomic.Int64
	total             atomic.Uint64
	framesToAgent     atomic.Uint64
	framesToTelephony atomic.Uint64
	framesDropped     atomic.Uint64
	malformedFrames   atomic.Uint64
}

// StatsSnapshot 计数器快照
type StatsSnapshot struct {
	ActiveBridges     int64  `json:"activeBridges"`
	TotalBridges      uint64 `json:"totalBridges"`
	FramesToAgent     uint64 `json:"framesToAgent"`
	FramesToTelephony uint64 `json:"framesToTelephony"`
	FramesDropped     uint64 `json:"framesDropped"`
	MalformedFrames   uint64 `json:"malformedFrames"`
}

// Snapshot 读取当前计数
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ActiveBridges:     s.active.Load(),
		TotalBridges:      s.total.Load(),
		FramesToAgent:     s.framesToAgent.Load(),
		FramesToTelephony: s.framesToTelephony.Load(),
		FramesDropped:     s.framesDropped.Load(),
		MalformedFrames:   s.malformedFrames.Load(),
	}
}
