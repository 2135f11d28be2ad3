package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/dripfin/dripfin-realtime/internal/monitor"
	"github.com/dripfin/dripfin-realtime/pkg/logger"
)

// eventFrame 入站帧的通用外层结构
type eventFrame struct {
	Event     string          `json:"event"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// handleFrame 按 type 判别字段分发入站帧
// 解码失败的帧按条丢弃，不影响连接状态和后续帧
func (s *Service) handleFrame(raw []byte) {
	typ := gjson.GetBytes(raw, "type").String()

	switch typ {
	case frameTypeSystem:
		monitor.IncFrameReceived(frameTypeSystem)
		s.handleSystem(raw)
	case frameTypeEvent:
		monitor.IncFrameReceived(frameTypeEvent)
		s.handleEvent(raw)
	case frameTypeError:
		monitor.IncFrameReceived(frameTypeError)
		s.handleError(raw)
	case frameTypeAck:
		monitor.IncFrameReceived(frameTypeAck)
		s.handleAck(raw)
	default:
		monitor.IncFrameReceived("unknown")
		logger.Debug().Str("type", typ).Msg("unknown frame type, dropped")
	}
}

// handleSystem 系统帧：心跳、服务端下线、欢迎帧
func (s *Service) handleSystem(raw []byte) {
	event := gjson.GetBytes(raw, "event").String()
	switch event {
	case eventHeartbeat:
		s.mu.Lock()
		s.lastHeartbeatAt = time.Now()
		s.mu.Unlock()

		// 心跳应答，发送失败只记录为最近错误
		s.send(context.Background(), outboundMessage{Type: "pong"})

	case eventServerShutdown:
		s.handleServerShutdown()

	case "":
		// 无命名事件：一次性欢迎帧
		s.handleWelcome(raw)

	default:
		logger.Debug().Str("event", event).Msg("unknown system event, dropped")
	}
}

// handleWelcome 解码连接元数据
// heartbeat_interval 线上偶尔是字符串，用 cast 兜底
func (s *Service) handleWelcome(raw []byte) {
	var w welcomePayload
	if err := json.Unmarshal([]byte(gjson.GetBytes(raw, "data").Raw), &w); err != nil {
		logger.Debug().Err(err).Msg("malformed welcome payload, dropped")
		return
	}

	interval := cast.ToFloat64(gjson.GetBytes(raw, "data.heartbeat_interval").Value())

	s.mu.Lock()
	s.connectionID = w.ConnectionID
	if interval > 0 {
		s.heartbeatInterval = time.Duration(interval * float64(time.Second))
	}
	s.serverSubs = w.Subscriptions
	s.mu.Unlock()

	logger.Info().
		Str("connection_id", w.ConnectionID).
		Float64("heartbeat_interval", interval).
		Int("server_subscriptions", len(w.Subscriptions)).
		Msg("welcome received")
}

// handleEvent 命名事件：先无条件广播原始事件，再按名字做专项处理
func (s *Service) handleEvent(raw []byte) {
	var frame eventFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		logger.Debug().Err(err).Msg("malformed event frame, dropped")
		return
	}

	s.events.Publish(Event{
		Name: frame.Event,
		ID:   frame.ID,
		At:   frame.Timestamp,
		Data: frame.Data,
	})

	switch frame.Event {
	case eventQuoteUpdated:
		q, err := decodeQuote(frame.Data)
		if err != nil {
			logger.Debug().Err(err).Msg("malformed quote payload, dropped")
			return
		}
		s.quotes.Publish(q)
		monitor.IncQuotesBroadcast()

	case eventTokenExpiring:
		var p tokenExpiringPayload
		if err := json.Unmarshal(frame.Data, &p); err == nil && !p.ExpiresAt.IsZero() {
			s.mu.Lock()
			s.tokenExpiresAt = p.ExpiresAt
			s.mu.Unlock()
		}
		s.refreshTokenProactively()

	case eventTokenRefreshed:
		var p tokenRefreshedPayload
		if err := json.Unmarshal(frame.Data, &p); err == nil && !p.ExpiresAt.IsZero() {
			s.mu.Lock()
			s.tokenExpiresAt = p.ExpiresAt
			s.mu.Unlock()
		}

	case eventServerShutdown:
		s.handleServerShutdown()
	}
}

// handleError 服务端错误帧，非致命，只记录
func (s *Service) handleError(raw []byte) {
	msg := gjson.GetBytes(raw, "data.error").String()
	if msg == "" {
		logger.Debug().Msg("malformed error frame, dropped")
		return
	}
	s.recordError(errors.New(msg))
}

// handleAck 订阅确认：保留为 lastAck 并广播给确认监听者
func (s *Service) handleAck(raw []byte) {
	var ack Ack
	if err := json.Unmarshal([]byte(gjson.GetBytes(raw, "data").Raw), &ack); err != nil || ack.Action == "" {
		logger.Debug().Msg("malformed ack frame, dropped")
		return
	}

	s.mu.Lock()
	s.lastAck = &ack
	s.mu.Unlock()

	s.acks.Publish(ack)
}

// handleServerShutdown 服务端宣告下线
// 系统帧和事件帧两条路径都汇聚到这里，重连只安排一次
func (s *Service) handleServerShutdown() {
	s.mu.Lock()
	if s.state == StateDisconnected && s.reconnectTimer != nil {
		s.mu.Unlock()
		return // 已经在重连路径上
	}
	s.setStateLocked(StateDisconnected)
	s.lastCloseCode = CloseServerShutdown
	s.lastErr = fmt.Errorf("disconnected: %s (%d)", CloseServerShutdown, int(CloseServerShutdown))
	s.scheduleReconnectLocked("server_shutdown")
	s.mu.Unlock()

	logger.Warn().Msg("server shutdown announced, reconnect scheduled")
	_ = s.transport.Disconnect(closeNormal)
}

// refreshTokenProactively token_expiring 触发的主动刷新
// 刷新成功把新令牌发给服务端；刷新失败视为当前连接不可挽救，重建连接
func (s *Service) refreshTokenProactively() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	token, err := s.tokens.RefreshToken(ctx)
	if err != nil {
		monitor.IncTokenRefresh("error")
		s.recordError(fmt.Errorf("token refresh: %w", err))

		_ = s.transport.Disconnect(closeNormal)
		s.mu.Lock()
		s.setStateLocked(StateDisconnected)
		s.scheduleReconnectLocked("token_refresh_failed")
		s.mu.Unlock()
		return
	}

	monitor.IncTokenRefresh("success")
	s.send(ctx, outboundMessage{Type: "refresh_token", Token: token})
}
