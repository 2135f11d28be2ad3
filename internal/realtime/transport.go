package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"

	"github.com/dripfin/dripfin-realtime/pkg/logger"
)

const (
	writeWait      = 10 * time.Second // 写入超时
	readWait       = 90 * time.Second // 读取超时（应大于服务端心跳间隔）
	maxMessageSize = 1024 * 512       // 最大消息限制 512KB
	eventBufSize   = 256
)

// TransportEvent 传输层事件：收到消息或连接断开
type TransportEvent struct {
	Message      []byte
	Disconnected bool
	CloseCode    CloseCode // 0 表示无断开码
}

// Transport 抽象底层 socket 传输
// 实现必须把所有入站帧和断开通知按顺序投递到 Events 通道
type Transport interface {
	Connect(ctx context.Context, rawURL string) error
	Disconnect(code int) error
	Send(ctx context.Context, payload []byte) error
	Events() <-chan TransportEvent
}

// WebsocketTransportOptions WebSocket 传输配置
type WebsocketTransportOptions struct {
	HandshakeTimeout time.Duration
	ProxyAddr        string // 可选 SOCKS5 代理地址
}

// WebsocketTransport 基于 gorilla/websocket 的 Transport 实现
type WebsocketTransport struct {
	opts    WebsocketTransportOptions
	dialCtx func(ctx context.Context, network, addr string) (net.Conn, error)

	mu      sync.RWMutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}

	// events 跨重连复用，由 Service 的单个 pump goroutine 消费
	events chan TransportEvent
}

var _ Transport = (*WebsocketTransport)(nil)

func NewWebsocketTransport(opts WebsocketTransportOptions) (*WebsocketTransport, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	t := &WebsocketTransport{
		opts:   opts,
		events: make(chan TransportEvent, eventBufSize),
	}

	// 注册 SOCKS5 代理拨号器（如果启用）
	if opts.ProxyAddr != "" {
		dialer, err := proxy.SOCKS5("tcp", opts.ProxyAddr, nil, &net.Dialer{})
		if err != nil {
			return nil, fmt.Errorf("create proxy dialer failed: %w", err)
		}
		t.dialCtx = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
		logger.Info().Str("addr", opts.ProxyAddr).Msg("websocket proxy enabled")
	}

	return t, nil
}

func (t *WebsocketTransport) Connect(ctx context.Context, rawURL string) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil // 已经连接
	}
	t.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: t.opts.HandshakeTimeout,
		NetDialContext:   t.dialCtx,
	}

	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readWait))

	// 标准 Pong 控制帧仅刷新读超时，业务心跳在上层处理
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	done := make(chan struct{})

	t.mu.Lock()
	t.conn = conn
	t.done = done
	t.mu.Unlock()

	go t.readPump(conn, done)

	return nil
}

// Disconnect 主动关闭，携带指定断开码
func (t *WebsocketTransport) Disconnect(code int) error {
	t.mu.Lock()
	conn := t.conn
	done := t.done
	t.conn = nil
	t.done = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	if done != nil {
		close(done)
	}

	t.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""))
	t.writeMu.Unlock()

	return conn.Close()
}

func (t *WebsocketTransport) Send(ctx context.Context, payload []byte) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()

	if conn == nil {
		return errors.New("transport: not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)

	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *WebsocketTransport) Events() <-chan TransportEvent {
	return t.events
}

func (t *WebsocketTransport) readPump(conn *websocket.Conn, done chan struct{}) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			// 主动关闭不再上报，Service 已经知道
			select {
			case <-done:
				return
			default:
			}

			code := CloseCode(0)
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = CloseCode(ce.Code)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Msg("ws read error")
			}

			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
				t.done = nil
			}
			t.mu.Unlock()
			conn.Close()

			t.events <- TransportEvent{Disconnected: true, CloseCode: code}
			return
		}

		conn.SetReadDeadline(time.Now().Add(readWait))

		// ReadMessage 返回的缓冲区会被下次读取覆盖，必须复制
		buf := make([]byte, len(msg))
		copy(buf, msg)
		t.events <- TransportEvent{Message: buf}
	}
}
