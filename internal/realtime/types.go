package realtime

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionState 连接状态，只由 Service 内部变更
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Channel 服务端频道名（统一小写）
type Channel string

const (
	ChannelQuotes    Channel = "quotes"
	ChannelOrders    Channel = "orders"
	ChannelTransfers Channel = "transfers"
	ChannelGoals     Channel = "goals"
)

// 入站帧类型判别字段
const (
	frameTypeSystem = "system"
	frameTypeEvent  = "event"
	frameTypeError  = "error"
	frameTypeAck    = "ack"
)

// 已知的系统 / 数据事件名
const (
	eventHeartbeat      = "heartbeat"
	eventServerShutdown = "server_shutdown"
	eventQuoteUpdated   = "quote_updated"
	eventTokenExpiring  = "token_expiring"
	eventTokenRefreshed = "token_refreshed"
)

// CloseCode 服务端定义的 4xxx 断开码
type CloseCode int

const (
	CloseUnauthorized    CloseCode = 4001
	CloseTokenExpired    CloseCode = 4002
	CloseUserNotFound    CloseCode = 4003
	CloseAccountInactive CloseCode = 4004
	CloseRateLimited     CloseCode = 4005
	CloseServerShutdown  CloseCode = 4006
)

// Terminal 是否终止性断开（不再重连）
func (c CloseCode) Terminal() bool {
	return c == CloseUserNotFound || c == CloseAccountInactive
}

// NeedsTokenRefresh 重试前是否需要先刷新令牌
func (c CloseCode) NeedsTokenRefresh() bool {
	return c == CloseUnauthorized || c == CloseTokenExpired
}

func (c CloseCode) String() string {
	switch c {
	case CloseUnauthorized:
		return "unauthorized"
	case CloseTokenExpired:
		return "token expired"
	case CloseUserNotFound:
		return "user not found"
	case CloseAccountInactive:
		return "account inactive"
	case CloseRateLimited:
		return "rate limited"
	case CloseServerShutdown:
		return "server shutdown"
	default:
		return "unspecified"
	}
}

// outboundMessage 出站消息
// subscribe/unsubscribe 携带 channels（可带 symbols），pong 无负载，
// refresh_token 携带新令牌
type outboundMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
	Token    string   `json:"token,omitempty"`
}

// welcomePayload 连接建立后服务端推送的一次性欢迎帧负载
type welcomePayload struct {
	ConnectionID      string   `json:"connection_id"`
	HeartbeatInterval float64  `json:"heartbeat_interval"`
	Subscriptions     []string `json:"subscriptions"`
}

// quoteUpdatedPayload quote_updated 事件的线上格式
// 价格与涨跌幅都是十进制字符串
type quoteUpdatedPayload struct {
	Symbol        string    `json:"symbol"`
	PriceUSD      string    `json:"price_usd"`
	ChangePercent string    `json:"change_percent"`
	Timestamp     time.Time `json:"timestamp"`
}

// Quote 解码后的行情
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	At            time.Time       `json:"at"`
}

// decodeQuote 解析 quote_updated 负载
// symbol 统一大写；涨跌额 = 价格 × 涨跌幅/100
func decodeQuote(data json.RawMessage) (Quote, error) {
	var p quoteUpdatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Quote{}, err
	}

	price, err := decimal.NewFromString(p.PriceUSD)
	if err != nil {
		return Quote{}, err
	}

	pct := decimal.Zero
	if p.ChangePercent != "" {
		if pct, err = decimal.NewFromString(p.ChangePercent); err != nil {
			return Quote{}, err
		}
	}

	return Quote{
		Symbol:        strings.ToUpper(p.Symbol),
		Price:         price,
		Change:        price.Mul(pct.Div(decimal.NewFromInt(100))),
		ChangePercent: pct,
		At:            p.Timestamp,
	}, nil
}

// Event 原样广播的命名事件
type Event struct {
	Name string          `json:"name"`
	ID   string          `json:"id"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Ack 服务端订阅确认
type Ack struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
}

// tokenExpiringPayload token_expiring 事件负载
type tokenExpiringPayload struct {
	ExpiresInSeconds float64   `json:"expires_in_seconds"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// tokenRefreshedPayload token_refreshed 事件负载
type tokenRefreshedPayload struct {
	ExpiresAt time.Time `json:"expires_at"`
}
