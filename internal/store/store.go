package store

import (
	"context"
	"time"
)

// CallEvent 服务商推送的一条通话状态
type CallEvent struct {
	CallHandle string    `json:"callHandle"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

// CallEventStore 通话状态事件存储
type CallEventStore interface {
	Record(ctx context.Context, event CallEvent) error
	List(ctx context.Context, callHandle string) ([]CallEvent, error)
	Stats() Stats
	Close()
}

// PoolStats 数据库连接池统计
type PoolStats struct {
	MaxConns      int32 `json:"maxConns"`
	TotalConns    int32 `json:"totalConns"`
	IdleConns     int32 `json:"idleConns"`
	AcquiredConns int32 `json:"acquiredConns"`
	AcquireCount  int64 `json:"acquireCount"`
}

// Stats 存储后端统计，通过 /stats 暴露
type Stats struct {
	Backend string     `json:"backend"`
	Calls   int        `json:"calls,omitempty"`
	Pool    *PoolStats `json:"pool,omitempty"`
}
