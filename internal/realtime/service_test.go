package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// fakeTransport 内存传输，测试注入入站帧和断开事件
type fakeTransport struct {
	mu     sync.Mutex
	events chan TransportEvent

	urls       []string
	sent       [][]byte
	closeCodes []int
	connectErr error
	sendErr    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan TransportEvent, 64)}
}

func (f *fakeTransport) Connect(_ context.Context, rawURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.urls = append(f.urls, rawURL)
	return nil
}

func (f *fakeTransport) Disconnect(code int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCodes = append(f.closeCodes, code)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.sent = append(f.sent, buf)
	return nil
}

func (f *fakeTransport) Events() <-chan TransportEvent {
	return f.events
}

func (f *fakeTransport) push(frame string) {
	f.events <- TransportEvent{Message: []byte(frame)}
}

func (f *fakeTransport) pushDisconnect(code CloseCode) {
	f.events <- TransportEvent{Disconnected: true, CloseCode: code}
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

func (f *fakeTransport) connectURL(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urls[i]
}

func (f *fakeTransport) sentMessages() []outboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]outboundMessage, 0, len(f.sent))
	for _, raw := range f.sent {
		var msg outboundMessage
		if err := json.Unmarshal(raw, &msg); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

func (f *fakeTransport) countSent(msgType string) int {
	n := 0
	for _, msg := range f.sentMessages() {
		if msg.Type == msgType {
			n++
		}
	}
	return n
}

func (f *fakeTransport) resetSent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// fakeTokens 令牌提供方打桩，Refresh 后 ValidToken 返回新令牌
type fakeTokens struct {
	mu           sync.Mutex
	valid        string
	refreshed    string
	validErr     error
	refreshErr   error
	validCalls   int
	refreshCalls int
}

func (f *fakeTokens) ValidToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validCalls++
	return f.valid, f.validErr
}

func (f *fakeTokens) RefreshToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.valid = f.refreshed
	return f.refreshed, nil
}

func (f *fakeTokens) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func newTestService(t *testing.T) (*Service, *fakeTransport, *fakeTokens) {
	t.Helper()

	ft := newFakeTransport()
	tk := &fakeTokens{valid: "tok-1", refreshed: "tok-2"}

	svc := NewService(Options{
		URL:        "wss://realtime.example.com/ws",
		DeviceType: "ios",
		AppVersion: "2.3.0",
	}, ft, tk)
	svc.backoffBase = time.Millisecond
	t.Cleanup(svc.Shutdown)

	return svc, ft, tk
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func TestConnectBuildsURL(t *testing.T) {
	svc, ft, _ := newTestService(t)

	svc.Connect(context.Background())
	require.Equal(t, StateConnected, svc.State())
	require.Equal(t, 1, ft.connectCount())

	u, err := url.Parse(ft.connectURL(0))
	require.NoError(t, err)
	require.Equal(t, "/ws", u.Path)

	q := u.Query()
	require.Equal(t, "tok-1", q.Get("token"))
	require.Equal(t, "ios", q.Get("device_type"))
	require.Equal(t, "2.3.0", q.Get("app_version"))
}

func TestConnectNoopWhenAlreadyConnected(t *testing.T) {
	svc, ft, _ := newTestService(t)

	svc.Connect(context.Background())
	svc.Connect(context.Background())
	svc.Connect(context.Background())

	require.Equal(t, 1, ft.connectCount())
}

func TestHeartbeatAnsweredWithPong(t *testing.T) {
	svc, ft, _ := newTestService(t)
	svc.Connect(context.Background())

	ft.push(`{"type":"system","event":"heartbeat","timestamp":"2026-09-01T10:00:00Z"}`)

	waitFor(t, func() bool { return ft.countSent("pong") == 1 }, "expected one pong")
	require.False(t, svc.LastHeartbeatAt().IsZero())

	ft.push(`{"type":"system","event":"heartbeat","timestamp":"2026-09-01T10:00:30Z"}`)
	waitFor(t, func() bool { return ft.countSent("pong") == 2 }, "expected one pong per heartbeat")
}

func TestWelcomeMetadata(t *testing.T) {
	svc, ft, _ := newTestService(t)
	svc.Connect(context.Background())

	ft.push(`{"type":"system","data":{"connection_id":"conn-9","heartbeat_interval":30,"subscriptions":["orders"]}}`)

	waitFor(t, func() bool { return svc.ConnectionID() == "conn-9" }, "connection id not recorded")
}

func TestUnknownSystemEventIgnored(t *testing.T) {
	svc, ft, _ := newTestService(t)
	svc.Connect(context.Background())

	ft.push(`{"type":"system","data":{"connection_id":"conn-9","heartbeat_interval":30,"subscriptions":["orders"]}}`)
	waitFor(t, func() bool { return svc.ConnectionID() == "conn-9" }, "welcome not processed")

	// 带未知事件名的系统帧不能按欢迎帧解码，不得覆盖连接元数据
	ft.push(`{"type":"system","event":"maintenance_notice","data":{"connection_id":"","subscriptions":[]}}`)
	ft.push(`{"type":"system","event":"heartbeat"}`)
	waitFor(t, func() bool { return ft.countSent("pong") == 1 }, "frames after unknown event not processed")

	require.Equal(t, "conn-9", svc.ConnectionID())
}

func TestQuoteDecodedAndBroadcast(t *testing.T) {
	svc, ft, _ := newTestService(t)
	svc.Connect(context.Background())

	stream := svc.QuoteUpdates()
	defer stream.Close()

	ft.push(`{"type":"event","event":"quote_updated","id":"ev-1","timestamp":"2026-09-01T10:00:00Z",` +
		`"data":{"symbol":"aapl","price_usd":"123.45","change_percent":"1.5","timestamp":"2026-09-01T10:00:00Z"}}`)

	select {
	case q := <-stream.C:
		require.Equal(t, "AAPL", q.Symbol)
		require.True(t, q.Price.Equal(decimal.RequireFromString("123.45")), "price = %s", q.Price)
		require.True(t, q.Change.Equal(decimal.RequireFromString("1.85175")), "change = %s", q.Change)
		require.True(t, q.ChangePercent.Equal(decimal.RequireFromString("1.5")), "pct = %s", q.ChangePercent)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for quote")
	}
}

func TestNamedEventFanout(t *testing.T) {
	svc, ft, _ := newTestService(t)
	svc.Connect(context.Background())

	events := svc.EventUpdates()
	defer events.Close()

	ft.push(`{"type":"event","event":"order_filled","id":"ev-2","timestamp":"2026-09-01T10:00:00Z","data":{"order_id":"o-1"}}`)

	select {
	case ev := <-events.C:
		require.Equal(t, "order_filled", ev.Name)
		require.Equal(t, "ev-2", ev.ID)
		require.JSONEq(t, `{"order_id":"o-1"}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestAckBroadcast(t *testing.T) {
	svc, ft, _ := newTestService(t)
	svc.Connect(context.Background())

	acks := svc.AckUpdates()
	defer acks.Close()

	ft.push(`{"type":"ack","data":{"action":"subscribe","channels":["orders"]}}`)

	select {
	case ack := <-acks.C:
		require.Equal(t, "subscribe", ack.Action)
		require.Equal(t, []string{"orders"}, ack.Channels)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}

	last := svc.LastAck()
	require.NotNil(t, last)
	require.Equal(t, "subscribe", last.Action)
}

func TestErrorFrameAbsorbed(t *testing.T) {
	svc, ft, _ := newTestService(t)
	svc.Connect(context.Background())

	ft.push(`{"type":"error","data":{"error":"unknown symbol FAKE"}}`)

	waitFor(t, func() bool {
		err := svc.LastError()
		return err != nil && err.Error() == "unknown symbol FAKE"
	}, "server error not surfaced via LastError")

	// 错误帧不影响连接状态
	require.Equal(t, StateConnected, svc.State())
}

func TestTokenExpiringTriggersRefresh(t *testing.T) {
	svc, ft, tk := newTestService(t)
	svc.Connect(context.Background())

	ft.push(`{"type":"event","event":"token_expiring","timestamp":"2026-09-01T10:00:00Z",` +
		`"data":{"expires_in_seconds":60,"expires_at":"2026-09-01T10:01:00Z"}}`)

	waitFor(t, func() bool { return tk.refreshCount() == 1 }, "expected one token refresh")
	waitFor(t, func() bool { return ft.countSent("refresh_token") == 1 }, "expected refresh_token message")

	for _, msg := range ft.sentMessages() {
		if msg.Type == "refresh_token" {
			require.Equal(t, "tok-2", msg.Token)
		}
	}

	want := time.Date(2026, 9, 1, 10, 1, 0, 0, time.UTC)
	require.True(t, svc.TokenExpiresAt().Equal(want), "expires at = %s", svc.TokenExpiresAt())
}

func TestTokenRefreshedUpdatesExpiry(t *testing.T) {
	svc, ft, tk := newTestService(t)
	svc.Connect(context.Background())

	ft.push(`{"type":"event","event":"token_refreshed","timestamp":"2026-09-01T10:00:00Z",` +
		`"data":{"expires_at":"2026-09-01T11:00:00Z"}}`)

	want := time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC)
	waitFor(t, func() bool { return svc.TokenExpiresAt().Equal(want) }, "expiry not updated")
	require.Equal(t, 0, tk.refreshCount())
}

func TestSubscribeRefCounting(t *testing.T) {
	svc, ft, _ := newTestService(t)
	svc.Connect(context.Background())
	ft.resetSent()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		svc.SubscribeQuotes(ctx, "aapl")
	}
	for i := 0; i < 3; i++ {
		svc.UnsubscribeQuotes(ctx, "AAPL")
	}

	msgs := ft.sentMessages()
	require.Len(t, msgs, 2, "want exactly one subscribe and one unsubscribe on the wire")
	require.Equal(t, "subscribe", msgs[0].Type)
	require.Equal(t, []string{"quotes"}, msgs[0].Channels)
	require.Equal(t, []string{"AAPL"}, msgs[0].Symbols)
	require.Equal(t, "unsubscribe", msgs[1].Type)
	require.Equal(t, []string{"AAPL"}, msgs[1].Symbols)
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	svc, ft, _ := newTestService(t)
	svc.Connect(context.Background())
	ft.resetSent()

	svc.Unsubscribe(context.Background(), "orders")
	require.Empty(t, ft.sentMessages())
}

func TestSubscribeBeforeConnectReplayed(t *testing.T) {
	svc, ft, _ := newTestService(t)

	// 断开状态下订阅只记账，连接成功后重放
	ctx := context.Background()
	svc.Subscribe(ctx, "orders", "transfers")
	svc.SubscribeQuotes(ctx, "vti")
	require.Empty(t, ft.sentMessages())

	svc.Connect(ctx)

	msgs := ft.sentMessages()
	require.Len(t, msgs, 2)
	require.Equal(t, []string{"orders", "transfers"}, msgs[0].Channels)
	require.Equal(t, []string{"quotes"}, msgs[1].Channels)
	require.Equal(t, []string{"VTI"}, msgs[1].Symbols)
}

func TestReconnectReplaysSubscriptionsOnce(t *testing.T) {
	svc, ft, _ := newTestService(t)
	ctx := context.Background()

	svc.Connect(ctx)
	svc.Subscribe(ctx, "orders")
	svc.SubscribeQuotes(ctx, "aapl")
	ft.resetSent()

	ft.pushDisconnect(CloseRateLimited)

	waitFor(t, func() bool { return ft.connectCount() == 2 }, "expected reconnect")
	waitFor(t, func() bool { return svc.State() == StateConnected }, "not reconnected")

	msgs := ft.sentMessages()
	require.Len(t, msgs, 2, "each live subscription replayed exactly once")
	require.Equal(t, "subscribe", msgs[0].Type)
	require.Equal(t, []string{"orders"}, msgs[0].Channels)
	require.Equal(t, []string{"AAPL"}, msgs[1].Symbols)

	// 4005 属于可重试但需上报的断开
	require.ErrorContains(t, svc.LastError(), "rate limited")
}

func TestTerminalCloseCodesStopReconnect(t *testing.T) {
	for _, code := range []CloseCode{CloseUserNotFound, CloseAccountInactive} {
		svc, ft, _ := newTestService(t)
		svc.Connect(context.Background())

		ft.pushDisconnect(code)

		waitFor(t, func() bool { return svc.State() == StateDisconnected }, "not disconnected")
		require.False(t, svc.IsReconnecting())

		time.Sleep(20 * time.Millisecond)
		require.Equal(t, 1, ft.connectCount(), "terminal code %d must not reconnect", int(code))
		require.ErrorContains(t, svc.LastError(), code.String())
	}
}

func TestAuthCloseCodesRefreshBeforeRetry(t *testing.T) {
	svc, ft, tk := newTestService(t)
	svc.Connect(context.Background())

	ft.pushDisconnect(CloseTokenExpired)

	waitFor(t, func() bool { return ft.connectCount() == 2 }, "expected reconnect")
	require.Equal(t, 1, tk.refreshCount())

	// 重试用的是刷新后的令牌
	u, err := url.Parse(ft.connectURL(1))
	require.NoError(t, err)
	require.Equal(t, "tok-2", u.Query().Get("token"))
}

func TestRefreshFailureStillRetries(t *testing.T) {
	svc, ft, tk := newTestService(t)
	svc.Connect(context.Background())

	tk.mu.Lock()
	tk.refreshErr = errors.New("auth service down")
	tk.mu.Unlock()

	ft.pushDisconnect(CloseUnauthorized)

	// 刷新失败继续用旧令牌重试
	waitFor(t, func() bool { return ft.connectCount() == 2 }, "expected reconnect despite refresh failure")

	u, err := url.Parse(ft.connectURL(1))
	require.NoError(t, err)
	require.Equal(t, "tok-1", u.Query().Get("token"))
}

func TestConnectFailureSchedulesRetry(t *testing.T) {
	svc, ft, _ := newTestService(t)

	ft.mu.Lock()
	ft.connectErr = errors.New("dial tcp: connection refused")
	ft.mu.Unlock()

	svc.Connect(context.Background())
	require.Equal(t, StateDisconnected, svc.State())
	require.ErrorContains(t, svc.LastError(), "connection refused")

	// 放开后自动恢复
	ft.mu.Lock()
	ft.connectErr = nil
	ft.mu.Unlock()

	waitFor(t, func() bool { return svc.State() == StateConnected }, "never recovered")
}

func TestSinglePendingReconnect(t *testing.T) {
	svc, ft, _ := newTestService(t)

	svc.mu.Lock()
	svc.reconnectEnabled = true
	svc.scheduleReconnectLocked("test")
	svc.scheduleReconnectLocked("test")
	svc.scheduleReconnectLocked("test")
	svc.mu.Unlock()

	waitFor(t, func() bool { return ft.connectCount() == 1 }, "expected single reconnect attempt")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, ft.connectCount(), "rescheduling must supersede, not stack")
}

func TestServerShutdownDeduplicated(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.backoffBase = 200 * time.Millisecond
	svc.Connect(context.Background())

	// 同一次下线通过事件帧和系统帧各到一次，只安排一次重连
	svc.handleFrame([]byte(`{"type":"event","event":"server_shutdown","timestamp":"2026-09-01T10:00:00Z","data":{}}`))
	svc.handleFrame([]byte(`{"type":"system","event":"server_shutdown"}`))

	svc.mu.Lock()
	attempts := svc.reconnectAttempts
	svc.mu.Unlock()

	require.Equal(t, 1, attempts)
	require.True(t, svc.IsReconnecting())
	require.Equal(t, StateDisconnected, svc.State())
	require.ErrorContains(t, svc.LastError(), "server shutdown")
}

func TestUserDisconnectClearsSubscriptions(t *testing.T) {
	svc, ft, _ := newTestService(t)
	ctx := context.Background()

	svc.Connect(ctx)
	svc.Subscribe(ctx, "orders")
	svc.SubscribeQuotes(ctx, "aapl")

	svc.Disconnect()
	require.Equal(t, StateDisconnected, svc.State())
	require.False(t, svc.IsReconnecting())

	stats := svc.Stats()
	require.Equal(t, 0, stats["channel_count"])
	require.Equal(t, 0, stats["symbol_count"])

	// 传输层随后上报的断开事件被忽略，不触发重连
	ft.pushDisconnect(0)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, ft.connectCount())

	// 重新连接不重放已清空的订阅
	ft.resetSent()
	svc.Connect(ctx)
	require.Empty(t, ft.sentMessages())
}

func TestSendFailureAbsorbed(t *testing.T) {
	svc, ft, _ := newTestService(t)
	svc.Connect(context.Background())

	ft.mu.Lock()
	ft.sendErr = errors.New("broken pipe")
	ft.mu.Unlock()

	svc.SubscribeQuotes(context.Background(), "aapl")

	require.ErrorContains(t, svc.LastError(), "broken pipe")
	require.Equal(t, StateConnected, svc.State())
}

func TestBackoffDelayBounds(t *testing.T) {
	base := time.Second
	for attempt := 0; attempt <= 20; attempt++ {
		d := backoffDelay(base, attempt)

		shift := attempt
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		floor := base * time.Duration(1<<shift)
		ceil := floor + base/2
		if floor > maxBackoff {
			floor = maxBackoff
		}
		if ceil > maxBackoff {
			ceil = maxBackoff
		}

		require.GreaterOrEqual(t, d, floor, "attempt %d", attempt)
		require.LessOrEqual(t, d, ceil, "attempt %d", attempt)
	}
}
