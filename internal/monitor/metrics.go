package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 指标收集器
type Metrics struct {
	connectionState     *prometheus.GaugeVec
	reconnectScheduled  *prometheus.CounterVec
	framesReceived      *prometheus.CounterVec
	outboundMessages    *prometheus.CounterVec
	quotesBroadcast     prometheus.Counter
	tokenRefreshTotal   *prometheus.CounterVec
	relayPublished      prometheus.Counter
	relayErrors         prometheus.Counter
	recorderBatchSize   prometheus.Histogram
	recorderQueueLength prometheus.Gauge
}

// NewMetrics 创建指标收集器
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "当前连接状态（命中的状态为 1，其余为 0）",
			},
			[]string{"state"},
		),
		reconnectScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnect_scheduled_total",
				Help:      "安排的重连任务总数（按触发原因）",
			},
			[]string{"reason"},
		),
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_received_total",
				Help:      "收到的入站帧总数（按类型）",
			},
			[]string{"type"},
		),
		outboundMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_messages_total",
				Help:      "发出的出站消息总数（按类型）",
			},
			[]string{"type"},
		),
		quotesBroadcast: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quotes_broadcast_total",
				Help:      "广播给行情监听者的报价总数",
			},
		),
		tokenRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refresh_total",
				Help:      "令牌刷新总数（按结果）",
			},
			[]string{"result"},
		),
		relayPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_published_total",
				Help:      "转发到 NATS 的行情总数",
			},
		),
		relayErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_errors_total",
				Help:      "NATS 转发失败总数",
			},
		),
		recorderBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "recorder_batch_size",
				Help:      "行情落盘批量大小分布",
				Buckets:   []float64{1, 10, 25, 50, 100, 200, 500},
			},
		),
		recorderQueueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "recorder_queue_length",
				Help:      "行情落盘队列当前长度",
			},
		),
	}

	prometheus.MustRegister(
		m.connectionState,
		m.reconnectScheduled,
		m.framesReceived,
		m.outboundMessages,
		m.quotesBroadcast,
		m.tokenRefreshTotal,
		m.relayPublished,
		m.relayErrors,
		m.recorderBatchSize,
		m.recorderQueueLength,
	)

	return m
}

var knownStates = []string{"disconnected", "connecting", "connected"}

// SetConnectionState 设置连接状态
func (m *Metrics) SetConnectionState(state string) {
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

// IncReconnectScheduled 增加重连安排计数
func (m *Metrics) IncReconnectScheduled(reason string) {
	m.reconnectScheduled.WithLabelValues(reason).Inc()
}

// IncFrameReceived 增加入站帧计数
func (m *Metrics) IncFrameReceived(frameType string) {
	m.framesReceived.WithLabelValues(frameType).Inc()
}

// IncOutboundMessage 增加出站消息计数
func (m *Metrics) IncOutboundMessage(msgType string) {
	m.outboundMessages.WithLabelValues(msgType).Inc()
}

// IncQuotesBroadcast 增加行情广播计数
func (m *Metrics) IncQuotesBroadcast() {
	m.quotesBroadcast.Inc()
}

// IncTokenRefresh 增加令牌刷新计数
func (m *Metrics) IncTokenRefresh(result string) {
	m.tokenRefreshTotal.WithLabelValues(result).Inc()
}

// IncRelayPublished 增加 NATS 转发计数
func (m *Metrics) IncRelayPublished() {
	m.relayPublished.Inc()
}

// IncRelayErrors 增加 NATS 转发失败计数
func (m *Metrics) IncRelayErrors() {
	m.relayErrors.Inc()
}

// ObserveRecorderBatchSize 观察落盘批量大小
func (m *Metrics) ObserveRecorderBatchSize(size int) {
	m.recorderBatchSize.Observe(float64(size))
}

// SetRecorderQueueLength 设置落盘队列长度
func (m *Metrics) SetRecorderQueueLength(n int) {
	m.recorderQueueLength.Set(float64(n))
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetMetrics 获取全局指标收集器
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = NewMetrics("dripfin_realtime")
	})
	return globalMetrics
}

// InitMetrics 初始化指标收集器（供 main 使用）
func InitMetrics() {
	GetMetrics()
}
