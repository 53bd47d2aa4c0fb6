package bridge

import (
	"errors"
	"fmt"
	"sync"
)

// OverflowPolicy 出站队列满时的处理方式
type OverflowPolicy string

const (
	// DropOldest 丢弃最旧的一帧，实时音频里旧帧已经没有价值
	DropOldest OverflowPolicy = "drop_oldest"
	// CloseOnOverflow 关闭整个桥
	CloseOnOverflow OverflowPolicy = "close"
)

// ParseOverflowPolicy 解析配置值，空字符串按 DropOldest
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case "", DropOldest:
		return DropOldest, nil
	case CloseOnOverflow:
		return CloseOnOverflow, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

var (
	errQueueOverflow = errors.New("outbound queue overflow")
	errQueueClosed   = errors.New("outbound queue closed")
)

// queue 单个 socket 的有界出站队列，一个写协程消费
type queue struct {
	mu     sync.Mutex
	items  [][]byte
	size   int
	policy OverflowPolicy
	closed bool
	notify chan struct{}
}

func newQueue(size int, policy OverflowPolicy) *queue {
	if size <= 0 {
		size = 1
	}
	return &queue{
		items:  make([][]byte, 0, size),
		size:   size,
		policy: policy,
		notify: make(chan struct{}, 1),
	}
}

// push 入队。DropOldest 策略下返回 dropped=true 表示挤掉了一帧。
func (q *queue) push(frame []byte) (dropped bool, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, errQueueClosed
	}
	if len(q.items) >= q.size {
		if q.policy == CloseOnOverflow {
			q.mu.Unlock()
			return false, errQueueOverflow
		}
		q.items[0] = nil
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped, nil
}

// pop 非阻塞取出队首
func (q *queue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	frame := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return frame, true
}

// close 之后 push 失败，未发送的帧被丢弃，返回丢弃的帧数
func (q *queue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.closed = true
	q.items = nil
	return n
}
