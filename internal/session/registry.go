package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL 会话默认存活时间
const DefaultTTL = time.Hour

// ErrNotFound 会话不存在或已过期，属于正常结果
var ErrNotFound = errors.New("session not found")

// Clock 当前时间来源
type Clock func() time.Time

// Option 注册表选项
type Option func(*Registry)

// WithTTL 设置会话存活时间
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock 替换时间来源（测试使用）
func WithClock(clock Clock) Option {
	return func(r *Registry) {
		r.now = clock
	}
}

type entry struct {
	session Session
	timer   *time.Timer
	calls   map[string]struct{}
}

// Registry 进程内会话注册表。每个会话在创建时安排自身的到期删除，
// 另外维护通话句柄到会话的二级索引，供挂断时找到正确的账号凭据。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	calls    map[string]string // call handle -> session id
	ttl      time.Duration
	now      Clock
	closed   bool
}

// NewRegistry 创建会话注册表
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*entry),
		calls:    make(map[string]string),
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL 返回会话存活时间
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Create 生成新的会话ID并保存记录
func (r *Registry) Create(rec Record) (Session, error) {
	// uuid v4 携带122位随机数，来自 crypto/rand
	id, err := uuid.NewRandom()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	s := Session{
		ID:                  id.String(),
		Provider:            rec.Provider,
		SourceNumber:        rec.SourceNumber,
		Agent:               rec.Agent,
		CallbackBaseAddress: rec.CallbackBaseAddress,
		CreatedAt:           r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Session{}, errors.New("session registry is closed")
	}

	e := &entry{session: s}
	e.timer = time.AfterFunc(r.ttl, func() { r.Delete(s.ID) })
	r.sessions[s.ID] = e

	return s, nil
}

// Get 按ID查询会话；不存在或已过期时返回 ErrNotFound
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return Session{}, ErrNotFound
	}
	if r.expired(e.session) {
		r.Delete(id)
		return Session{}, ErrNotFound
	}
	return e.session, nil
}

// Delete 删除会话及其通话索引，重复删除无副作用
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(id)
}

func (r *Registry) deleteLocked(id string) {
	e, ok := r.sessions[id]
	if !ok {
		return
	}
	e.timer.Stop()
	for handle := range e.calls {
		delete(r.calls, handle)
	}
	delete(r.sessions, id)
}

// Any 返回任意一个未过期的会话
func (r *Registry) Any() (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.sessions {
		if !r.expired(e.session) {
			return e.session, true
		}
	}
	return Session{}, false
}

// Len 当前会话数量（包含尚未被清理的过期会话）
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// BindCall 记录通话句柄属于哪个会话
func (r *Registry) BindCall(callHandle, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if e.calls == nil {
		e.calls = make(map[string]struct{})
	}
	e.calls[callHandle] = struct{}{}
	r.calls[callHandle] = sessionID
	return nil
}

// SessionForCall 通过通话句柄查询所属会话
func (r *Registry) SessionForCall(callHandle string) (Session, error) {
	r.mu.RLock()
	id, ok := r.calls[callHandle]
	r.mu.RUnlock()

	if !ok {
		return Session{}, ErrNotFound
	}
	return r.Get(id)
}

// ReleaseCall 移除通话句柄索引，会话本身保留到过期
func (r *Registry) ReleaseCall(callHandle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.calls[callHandle]
	if !ok {
		return
	}
	delete(r.calls, callHandle)
	if e, ok := r.sessions[id]; ok {
		delete(e.calls, callHandle)
	}
}

// Close 停止所有到期定时器并清空注册表
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.sessions {
		r.deleteLocked(id)
	}
	r.closed = true
}

func (r *Registry) expired(s Session) bool {
	return !r.now().Before(s.CreatedAt.Add(r.ttl))
}
