package realtime

import "sort"

// subscriptionRegistry 引用计数订阅表
// 同一个名字可能被多个独立消费者（不同界面）持有，只有 0→1 和 1→0
// 两个跳变才需要真正发 subscribe/unsubscribe 到服务端。
// 本身不加锁，所有访问都在 Service 的互斥锁内。
type subscriptionRegistry struct {
	channels map[string]int
	symbols  map[string]int
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		channels: make(map[string]int),
		symbols:  make(map[string]int),
	}
}

// acquire 增加引用计数，返回首次出现（计数 0→1）的名字子集
func acquire(counts map[string]int, names []string) []string {
	fresh := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		counts[name]++
		if counts[name] == 1 {
			fresh = append(fresh, name)
		}
	}
	return fresh
}

// release 减少引用计数，返回计数归零并被移除的名字子集
func release(counts map[string]int, names []string) []string {
	gone := make([]string, 0, len(names))
	for _, name := range names {
		n, ok := counts[name]
		if !ok {
			continue
		}
		if n <= 1 {
			delete(counts, name)
			gone = append(gone, name)
			continue
		}
		counts[name] = n - 1
	}
	return gone
}

func (r *subscriptionRegistry) acquireChannels(names []string) []string {
	return acquire(r.channels, names)
}

func (r *subscriptionRegistry) releaseChannels(names []string) []string {
	return release(r.channels, names)
}

func (r *subscriptionRegistry) acquireSymbols(names []string) []string {
	return acquire(r.symbols, names)
}

func (r *subscriptionRegistry) releaseSymbols(names []string) []string {
	return release(r.symbols, names)
}

// liveChannels 返回所有仍被引用的频道（排序保证重放顺序稳定）
func (r *subscriptionRegistry) liveChannels() []string {
	return sortedKeys(r.channels)
}

// liveSymbols 返回所有仍被引用的标的
func (r *subscriptionRegistry) liveSymbols() []string {
	return sortedKeys(r.symbols)
}

// clear 清空订阅表，只在用户主动断开时调用
func (r *subscriptionRegistry) clear() {
	r.channels = make(map[string]int)
	r.symbols = make(map[string]int)
}

func (r *subscriptionRegistry) channelCount() int {
	return len(r.channels)
}

func (r *subscriptionRegistry) symbolCount() int {
	return len(r.symbols)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
