// =============================================================================
// 文件: internal/arq/scheduler.go
// 描述: 定时事件 - 到期后回到引擎邮箱的延迟事件
// =============================================================================
package arq

import (
	"sync"
	"time"
)

// Timer 已调度的定时器
type Timer interface {
	Stop() bool
}

// Scheduler 延迟事件调度器
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// realScheduler 基于 time.AfterFunc
type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemScheduler 系统时钟调度器
func SystemScheduler() Scheduler {
	return realScheduler{}
}

// queue 无界 FIFO 队列, 单消费者, push 永不阻塞
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{notify: make(chan struct{}, 1)}
}

// push 入队, 队列关闭后返回 false
func (q *queue[T]) push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// drain 取出当前全部元素
func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// wait 有新元素时可读
func (q *queue[T]) wait() <-chan struct{} {
	return q.notify
}

// close 关闭队列并丢弃剩余元素
func (q *queue[T]) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	n := len(q.items)
	q.items = nil
	return n
}

// size 当前长度
func (q *queue[T]) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
