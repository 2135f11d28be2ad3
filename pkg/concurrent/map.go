package concurrent

import (
	"sync"
	"sync/atomic"
)

// Map 并发安全的泛型 map，多 goroutine 读写无需额外加锁
type Map[K comparable, V any] struct {
	length atomic.Int64
	data   sync.Map
}

// Len 返回当前元素数量
func (m *Map[K, V]) Len() int64 {
	return m.length.Load()
}

// Load 返回 key 对应的值，不存在时返回零值
func (m *Map[K, V]) Load(key K) (V, bool) {
	value, ok := m.data.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return value.(V), true
}

// Store 设置 key 对应的值
func (m *Map[K, V]) Store(key K, value V) {
	_, loaded := m.data.LoadOrStore(key, value)
	if !loaded {
		m.length.Add(1)
	} else {
		m.data.Store(key, value)
	}
}

// LoadAndDelete 删除 key 并返回之前的值
func (m *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	value, loaded := m.data.LoadAndDelete(key)
	if !loaded {
		var zero V
		return zero, false
	}
	m.length.Add(-1)
	return value.(V), true
}

// Delete 删除 key
func (m *Map[K, V]) Delete(key K) {
	_, loaded := m.data.LoadAndDelete(key)
	if loaded {
		m.length.Add(-1)
	}
}

// Range 依次对每个键值对调用 f，f 返回 false 时停止遍历
func (m *Map[K, V]) Range(f func(K, V) bool) {
	m.data.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}
