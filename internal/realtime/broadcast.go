package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/dripfin/dripfin-realtime/pkg/concurrent"
	"github.com/dripfin/dripfin-realtime/pkg/logger"
)

const defaultStreamBuffer = 64

// Stream 独立的实时序列
// 每个消费者持有自己的 Stream，从 C 读取；不再消费时必须调用 Close，
// 槽位会同步从广播表中移除，不影响其他消费者。
type Stream[T any] struct {
	C <-chan T

	id        int64
	b         *Broadcaster[T]
	closeOnce sync.Once
}

// Close 停止消费并释放槽位，幂等
func (s *Stream[T]) Close() {
	s.closeOnce.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()

		if ch, ok := s.b.slots.LoadAndDelete(s.id); ok {
			close(ch)
		}
	})
}

// Broadcaster 多消费者扇出
// 订阅得到的是全新序列：只收到订阅之后广播的条目，没有历史回放。
type Broadcaster[T any] struct {
	name   string
	buffer int
	idSeq  atomic.Int64

	// mu 把通道关闭与进行中的 Publish 串行化，
	// 否则 Publish 可能向刚被消费者关闭的通道发送
	mu     sync.RWMutex
	slots  concurrent.Map[int64, chan T]
	closed bool
}

func NewBroadcaster[T any](name string, buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &Broadcaster[T]{name: name, buffer: buffer}
}

// Subscribe 注册一个新的监听槽位
func (b *Broadcaster[T]) Subscribe() *Stream[T] {
	ch := make(chan T, b.buffer)
	id := b.idSeq.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		// 广播器已关闭，返回立即结束的序列
		close(ch)
		return &Stream[T]{C: ch, id: id, b: b}
	}

	b.slots.Store(id, ch)
	return &Stream[T]{C: ch, id: id, b: b}
}

// Publish 把条目推送给当前所有槽位
// 对单个条目的投递在所有监听者之间是同步按序的；慢消费者缓冲满时丢弃
func (b *Broadcaster[T]) Publish(item T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.slots.Range(func(id int64, ch chan T) bool {
		select {
		case ch <- item:
		default:
			logger.Warn().
				Str("stream", b.name).
				Int64("listener", id).
				Msg("listener buffer full, dropping item")
		}
		return true
	})
}

// Len 当前监听者数量
func (b *Broadcaster[T]) Len() int {
	return int(b.slots.Len())
}

// Close 关闭所有槽位，之后的 Subscribe 返回已结束的序列
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	b.slots.Range(func(id int64, ch chan T) bool {
		if c, ok := b.slots.LoadAndDelete(id); ok {
			close(c)
		}
		return true
	})
}
