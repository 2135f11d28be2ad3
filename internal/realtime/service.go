package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dripfin/dripfin-realtime/internal/monitor"
	"github.com/dripfin/dripfin-realtime/pkg/goplus"
	"github.com/dripfin/dripfin-realtime/pkg/logger"
)

const (
	closeNormal       = 1000
	maxBackoff        = 30 * time.Second
	maxBackoffShift   = 5
	connectTimeout    = 30 * time.Second
	refreshTimeout    = 15 * time.Second
	quoteStreamBuffer = 256
)

// TokenProvider 令牌提供方，外部依赖
type TokenProvider interface {
	ValidToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (string, error)
}

// Options 服务配置
type Options struct {
	URL        string
	DeviceType string
	AppVersion string
}

// Service 实时连接服务
// 持有连接状态机、订阅引用计数和三路广播。所有可变状态由 mu 串行化，
// 入站帧由唯一的 pump goroutine 按到达顺序处理。
type Service struct {
	opts      Options
	transport Transport
	tokens    TokenProvider

	mu       sync.Mutex
	state    ConnectionState
	registry *subscriptionRegistry

	reconnectEnabled  bool
	reconnectAttempts int
	reconnectTimer    *time.Timer
	lastCloseCode     CloseCode
	backoffBase       time.Duration

	// 连接元数据，由入站消息路由更新
	connectionID      string
	heartbeatInterval time.Duration
	serverSubs        []string
	lastHeartbeatAt   time.Time
	tokenExpiresAt    time.Time
	lastAck           *Ack
	lastErr           error

	quotes *Broadcaster[Quote]
	events *Broadcaster[Event]
	acks   *Broadcaster[Ack]

	done      chan struct{}
	closeOnce sync.Once
}

// NewService 创建服务并启动帧转发 goroutine
// 不再使用时必须调用 Shutdown，否则 pump goroutine 不会退出
func NewService(opts Options, transport Transport, tokens TokenProvider) *Service {
	s := &Service{
		opts:        opts,
		transport:   transport,
		tokens:      tokens,
		state:       StateDisconnected,
		registry:    newSubscriptionRegistry(),
		backoffBase: time.Second,
		quotes:      NewBroadcaster[Quote]("quotes", quoteStreamBuffer),
		events:      NewBroadcaster[Event]("events", defaultStreamBuffer),
		acks:        NewBroadcaster[Ack]("acks", defaultStreamBuffer),
		done:        make(chan struct{}),
	}

	goplus.Go(s.pump)

	return s
}

// pump 唯一的入站事件消费者，保证单连接内帧的处理顺序
func (s *Service) pump() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.transport.Events():
			if !ok {
				return
			}
			if ev.Disconnected {
				s.handleDisconnect(ev.CloseCode)
			} else {
				s.handleFrame(ev.Message)
			}
		}
	}
}

// Connect 建立连接
// 已在 connecting/connected 状态时为空操作；失败不抛给调用方，
// 记录到 LastError 并进入退避重连
func (s *Service) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.reconnectEnabled = true
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	s.establish(ctx)
}

// Disconnect 用户主动断开
// 关闭重连循环、清空订阅表，这是唯一永久停止重连的路径
func (s *Service) Disconnect() {
	s.mu.Lock()
	s.reconnectEnabled = false
	s.cancelReconnectLocked()
	s.registry.clear()
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if err := s.transport.Disconnect(closeNormal); err != nil {
		logger.Warn().Err(err).Msg("transport disconnect failed")
	}

	logger.Info().Msg("disconnected by user")
}

// Shutdown 彻底停止服务：断开连接、停掉 pump、关闭所有广播流
func (s *Service) Shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reconnectEnabled = false
		s.cancelReconnectLocked()
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()

		close(s.done)
		_ = s.transport.Disconnect(closeNormal)

		s.quotes.Close()
		s.events.Close()
		s.acks.Close()
	})
}

// establish 获取令牌、拼接 URL、打开传输，成功后重放订阅
func (s *Service) establish(ctx context.Context) {
	token, err := s.tokens.ValidToken(ctx)
	if err != nil {
		s.connectFailed(fmt.Errorf("acquire token: %w", err))
		return
	}

	connectURL, err := s.buildURL(token)
	if err != nil {
		s.connectFailed(fmt.Errorf("build url: %w", err))
		return
	}

	if err = s.transport.Connect(ctx, connectURL); err != nil {
		s.connectFailed(fmt.Errorf("transport connect: %w", err))
		return
	}

	s.mu.Lock()
	s.setStateLocked(StateConnected)
	s.reconnectAttempts = 0
	s.lastCloseCode = 0
	chans := s.registry.liveChannels()
	syms := s.registry.liveSymbols()
	s.mu.Unlock()

	logger.Info().
		Int("channels", len(chans)).
		Int("symbols", len(syms)).
		Msg("connected, replaying subscriptions")

	// 重放订阅，恢复服务端状态
	if len(chans) > 0 {
		s.send(ctx, outboundMessage{Type: "subscribe", Channels: chans})
	}
	if len(syms) > 0 {
		s.send(ctx, outboundMessage{
			Type:     "subscribe",
			Channels: []string{string(ChannelQuotes)},
			Symbols:  syms,
		})
	}
}

func (s *Service) connectFailed(err error) {
	logger.Error().Err(err).Msg("connect failed")

	s.mu.Lock()
	s.lastErr = err
	s.setStateLocked(StateDisconnected)
	s.scheduleReconnectLocked("connect_failed")
	s.mu.Unlock()
}

// buildURL 在基础 URL 上附加令牌与设备元数据
func (s *Service) buildURL(token string) (string, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("device_type", s.opts.DeviceType)
	q.Set("app_version", s.opts.AppVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe 订阅频道（大小写不敏感），只有首次引用才发到服务端
func (s *Service) Subscribe(ctx context.Context, channels ...string) {
	names := normalizeLower(channels)

	s.mu.Lock()
	fresh := s.registry.acquireChannels(names)
	connected := s.state == StateConnected
	s.mu.Unlock()

	if len(fresh) == 0 || !connected {
		return
	}
	s.send(ctx, outboundMessage{Type: "subscribe", Channels: fresh})
}

// Unsubscribe 退订频道，只有最后一个引用释放才发到服务端
func (s *Service) Unsubscribe(ctx context.Context, channels ...string) {
	names := normalizeLower(channels)

	s.mu.Lock()
	gone := s.registry.releaseChannels(names)
	connected := s.state == StateConnected
	s.mu.Unlock()

	if len(gone) == 0 || !connected {
		return
	}
	s.send(ctx, outboundMessage{Type: "unsubscribe", Channels: gone})
}

// SubscribeQuotes 订阅标的行情，走 quotes 频道加标的列表
func (s *Service) SubscribeQuotes(ctx context.Context, symbols ...string) {
	names := normalizeUpper(symbols)

	s.mu.Lock()
	fresh := s.registry.acquireSymbols(names)
	connected := s.state == StateConnected
	s.mu.Unlock()

	if len(fresh) == 0 || !connected {
		return
	}
	s.send(ctx, outboundMessage{
		Type:     "subscribe",
		Channels: []string{string(ChannelQuotes)},
		Symbols:  fresh,
	})
}

// UnsubscribeQuotes 退订标的行情
func (s *Service) UnsubscribeQuotes(ctx context.Context, symbols ...string) {
	names := normalizeUpper(symbols)

	s.mu.Lock()
	gone := s.registry.releaseSymbols(names)
	connected := s.state == StateConnected
	s.mu.Unlock()

	if len(gone) == 0 || !connected {
		return
	}
	s.send(ctx, outboundMessage{
		Type:     "unsubscribe",
		Channels: []string{string(ChannelQuotes)},
		Symbols:  gone,
	})
}

// QuoteUpdates 返回新的行情序列
func (s *Service) QuoteUpdates() *Stream[Quote] {
	return s.quotes.Subscribe()
}

// EventUpdates 返回新的命名事件序列
func (s *Service) EventUpdates() *Stream[Event] {
	return s.events.Subscribe()
}

// AckUpdates 返回新的确认序列
func (s *Service) AckUpdates() *Stream[Ack] {
	return s.acks.Subscribe()
}

// handleDisconnect 传输层上报的断开
func (s *Service) handleDisconnect(code CloseCode) {
	s.mu.Lock()

	if !s.reconnectEnabled && s.state == StateDisconnected {
		s.mu.Unlock()
		return // 主动断开，无需处理
	}

	s.setStateLocked(StateDisconnected)
	s.lastCloseCode = code

	if code.Terminal() {
		// 账号不存在 / 未激活：永久停止重连
		s.reconnectEnabled = false
		s.cancelReconnectLocked()
		s.lastErr = fmt.Errorf("connection terminated: %s (%d)", code, int(code))
		s.mu.Unlock()

		logger.Error().
			Int("close_code", int(code)).
			Str("reason", code.String()).
			Msg("terminal close code, reconnect disabled")
		return
	}

	if code == CloseRateLimited || code == CloseServerShutdown {
		// 可重试，但向上层暴露非致命错误
		s.lastErr = fmt.Errorf("disconnected: %s (%d)", code, int(code))
	}

	s.scheduleReconnectLocked("disconnected")
	s.mu.Unlock()
}

// scheduleReconnectLocked 安排一次重连，必须持有 mu
// 先取消已有定时器，保证任意时刻最多一个待触发的重连任务
func (s *Service) scheduleReconnectLocked(reason string) {
	if !s.reconnectEnabled {
		return
	}

	s.cancelReconnectLocked()

	delay := backoffDelay(s.backoffBase, s.reconnectAttempts)
	s.reconnectAttempts++
	monitor.IncReconnectScheduled(reason)

	logger.Warn().
		Dur("delay", delay).
		Int("attempt", s.reconnectAttempts).
		Str("reason", reason).
		Msg("reconnect scheduled")

	s.reconnectTimer = time.AfterFunc(delay, s.reconnect)
}

func (s *Service) cancelReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// reconnect 退避定时器触发后的重试
func (s *Service) reconnect() {
	s.mu.Lock()
	s.reconnectTimer = nil
	if !s.reconnectEnabled || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	needRefresh := s.lastCloseCode.NeedsTokenRefresh()
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if needRefresh {
		// 授权类断开码：重试前尽力刷新令牌，失败继续用旧令牌重试
		if _, err := s.tokens.RefreshToken(ctx); err != nil {
			logger.Warn().Err(err).Msg("token refresh before reconnect failed")
		}
	}

	s.establish(ctx)
}

// backoffDelay 指数退避：min(30s, base * 2^min(attempt, 5) + jitter)
// jitter 均匀取自 [0, base/2)，base 默认 1s
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	d := base * time.Duration(1<<attempt)
	d += time.Duration(rand.Float64() * float64(base) / 2)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// send 序列化并发送出站消息，失败只记录不上抛
func (s *Service) send(ctx context.Context, msg outboundMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.recordError(fmt.Errorf("marshal %s: %w", msg.Type, err))
		return
	}

	if err = s.transport.Send(ctx, payload); err != nil {
		s.recordError(fmt.Errorf("send %s: %w", msg.Type, err))
		return
	}

	monitor.IncOutboundMessage(msg.Type)
}

func (s *Service) recordError(err error) {
	logger.Error().Err(err).Msg("realtime service error")
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// setStateLocked 变更状态并同步指标，必须持有 mu
func (s *Service) setStateLocked(state ConnectionState) {
	s.state = state
	monitor.SetConnectionState(string(state))
}

// State 当前连接状态
func (s *Service) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) IsConnected() bool {
	return s.State() == StateConnected
}

// IsReconnecting 是否有待触发的重连任务
func (s *Service) IsReconnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectTimer != nil
}

// LastError 最近一次被吸收的错误，供上层展示
func (s *Service) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LastAck 最近一次服务端确认
func (s *Service) LastAck() *Ack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

func (s *Service) LastHeartbeatAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeatAt
}

func (s *Service) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

func (s *Service) TokenExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenExpiresAt
}

// Stats 供健康检查服务读取的统计信息
func (s *Service) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]any{
		"state":              string(s.state),
		"connection_id":      s.connectionID,
		"channel_count":      s.registry.channelCount(),
		"symbol_count":       s.registry.symbolCount(),
		"reconnect_attempts": s.reconnectAttempts,
		"quote_listeners":    s.quotes.Len(),
		"event_listeners":    s.events.Len(),
		"ack_listeners":      s.acks.Len(),
	}
}

func normalizeLower(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		out = append(out, strings.ToLower(n))
	}
	return out
}

func normalizeUpper(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		out = append(out, strings.ToUpper(n))
	}
	return out
}
