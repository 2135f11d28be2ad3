package realtime

import (
	"testing"
)

func TestRegistryAcquireRelease(t *testing.T) {
	r := newSubscriptionRegistry()

	fresh := r.acquireChannels([]string{"orders"})
	if len(fresh) != 1 || fresh[0] != "orders" {
		t.Fatalf("first acquire = %v, want [orders]", fresh)
	}

	// 重复引用不再产生线上订阅
	for i := 0; i < 5; i++ {
		if got := r.acquireChannels([]string{"orders"}); len(got) != 0 {
			t.Errorf("acquire #%d = %v, want empty", i+2, got)
		}
	}

	// 中间释放不产生线上退订
	for i := 0; i < 5; i++ {
		if got := r.releaseChannels([]string{"orders"}); len(got) != 0 {
			t.Errorf("release #%d = %v, want empty", i+1, got)
		}
	}

	// 最后一个引用释放
	gone := r.releaseChannels([]string{"orders"})
	if len(gone) != 1 || gone[0] != "orders" {
		t.Fatalf("last release = %v, want [orders]", gone)
	}

	if r.channelCount() != 0 {
		t.Errorf("channelCount = %d, want 0", r.channelCount())
	}
}

func TestRegistryIdempotence(t *testing.T) {
	// 订阅 N 次再退订 N 次，线上各只有一条指令
	for n := 1; n <= 8; n++ {
		r := newSubscriptionRegistry()

		wireSubs, wireUnsubs := 0, 0
		for i := 0; i < n; i++ {
			wireSubs += len(r.acquireSymbols([]string{"AAPL"}))
		}
		for i := 0; i < n; i++ {
			wireUnsubs += len(r.releaseSymbols([]string{"AAPL"}))
		}

		if wireSubs != 1 || wireUnsubs != 1 {
			t.Errorf("n=%d: wire subscribe=%d unsubscribe=%d, want 1/1", n, wireSubs, wireUnsubs)
		}
	}
}

func TestRegistryReleaseUnknown(t *testing.T) {
	r := newSubscriptionRegistry()

	if gone := r.releaseChannels([]string{"orders"}); len(gone) != 0 {
		t.Errorf("release of unknown name = %v, want empty", gone)
	}
}

func TestRegistryLiveNames(t *testing.T) {
	r := newSubscriptionRegistry()

	r.acquireChannels([]string{"transfers", "orders"})
	r.acquireSymbols([]string{"VTI", "AAPL", "AAPL"})

	chans := r.liveChannels()
	if len(chans) != 2 || chans[0] != "orders" || chans[1] != "transfers" {
		t.Errorf("liveChannels = %v, want sorted [orders transfers]", chans)
	}

	syms := r.liveSymbols()
	if len(syms) != 2 || syms[0] != "AAPL" || syms[1] != "VTI" {
		t.Errorf("liveSymbols = %v, want [AAPL VTI]", syms)
	}
}

func TestRegistryClear(t *testing.T) {
	r := newSubscriptionRegistry()

	r.acquireChannels([]string{"orders"})
	r.acquireSymbols([]string{"AAPL"})
	r.clear()

	if r.channelCount() != 0 || r.symbolCount() != 0 {
		t.Errorf("after clear: channels=%d symbols=%d, want 0/0", r.channelCount(), r.symbolCount())
	}

	// 清空后重新订阅又是 0→1 跳变
	if fresh := r.acquireChannels([]string{"orders"}); len(fresh) != 1 {
		t.Errorf("acquire after clear = %v, want [orders]", fresh)
	}
}

func TestRegistrySkipsEmptyNames(t *testing.T) {
	r := newSubscriptionRegistry()

	if fresh := r.acquireChannels([]string{"", "orders", ""}); len(fresh) != 1 {
		t.Errorf("acquire with empty names = %v, want [orders]", fresh)
	}
}
