package store

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	// maxEventsPerCall 单通电话最多保留的事件数
	maxEventsPerCall = 64
	// DefaultMaxCalls 内存中最多保留的通话数
	DefaultMaxCalls = 10000
	// DefaultRetention 通话事件的保留时长，与会话默认存活时间一致
	DefaultRetention = time.Hour
)

// MemoryOption 内存存储选项
type MemoryOption func(*MemoryStore)

// WithMaxCalls 限制保留的通话数，超出时淘汰最早的通话
func WithMaxCalls(n int) MemoryOption {
	return func(m *MemoryStore) {
		if n > 0 {
			m.maxCalls = n
		}
	}
}

// WithRetention 设置通话事件保留时长，从该通话第一条事件开始计算
func WithRetention(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithMemoryClock 替换时钟，测试用
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

type callEvents struct {
	handle  string
	firstAt time.Time
	events  []CallEvent
}

// MemoryStore 进程内事件存储，未配置数据库时使用。
// 通话按首次记录的顺序排队，超出数量或保留时长的从队首淘汰。
type MemoryStore struct {
	mu        sync.RWMutex
	calls     map[string]*list.Element
	order     *list.List
	maxCalls  int
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		calls:     make(map[string]*list.Element),
		order:     list.New(),
		maxCalls:  DefaultMaxCalls,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record 追加一条事件
func (m *MemoryStore) Record(_ context.Context, event CallEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.evictLocked(now)

	el, ok := m.calls[event.CallHandle]
	if !ok {
		el = m.order.PushBack(&callEvents{handle: event.CallHandle, firstAt: now})
		m.calls[event.CallHandle] = el
		for m.order.Len() > m.maxCalls {
			m.removeLocked(m.order.Front())
		}
	}

	c := el.Value.(*callEvents)
	c.events = append(c.events, event)
	if len(c.events) > maxEventsPerCall {
		c.events = c.events[len(c.events)-maxEventsPerCall:]
	}
	return nil
}

// List 按记录顺序返回通话的事件
func (m *MemoryStore) List(_ context.Context, callHandle string) ([]CallEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	el, ok := m.calls[callHandle]
	if !ok {
		return []CallEvent{}, nil
	}
	c := el.Value.(*callEvents)
	if !m.now().Before(c.firstAt.Add(m.retention)) {
		return []CallEvent{}, nil
	}
	out := make([]CallEvent, len(c.events))
	copy(out, c.events)
	return out, nil
}

// Calls 当前保留的通话数
func (m *MemoryStore) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.order.Len()
}

// Stats 存储统计
func (m *MemoryStore) Stats() Stats {
	return Stats{Backend: "memory", Calls: m.Calls()}
}

// Close 内存存储无需释放资源
func (m *MemoryStore) Close() {}

func (m *MemoryStore) evictLocked(now time.Time) {
	for el := m.order.Front(); el != nil; el = m.order.Front() {
		if now.Before(el.Value.(*callEvents).firstAt.Add(m.retention)) {
			return
		}
		m.removeLocked(el)
	}
}

func (m *MemoryStore) removeLocked(el *list.Element) {
	c := m.order.Remove(el).(*callEvents)
	delete(m.calls, c.handle)
}
