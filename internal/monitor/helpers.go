package monitor

// 便捷函数供外部调用，无需访问 Metrics 实例

// SetConnectionState 设置连接状态
func SetConnectionState(state string) {
	GetMetrics().SetConnectionState(state)
}

// IncReconnectScheduled 增加重连安排计数
func IncReconnectScheduled(reason string) {
	GetMetrics().IncReconnectScheduled(reason)
}

// IncFrameReceived 增加入站帧计数
func IncFrameReceived(frameType string) {
	GetMetrics().IncFrameReceived(frameType)
}

// IncOutboundMessage 增加出站消息计数
func IncOutboundMessage(msgType string) {
	GetMetrics().IncOutboundMessage(msgType)
}

// IncQuotesBroadcast 增加行情广播计数
func IncQuotesBroadcast() {
	GetMetrics().IncQuotesBroadcast()
}

// IncTokenRefresh 增加令牌刷新计数
func IncTokenRefresh(result string) {
	GetMetrics().IncTokenRefresh(result)
}

// IncRelayPublished 增加 NATS 转发计数
func IncRelayPublished() {
	GetMetrics().IncRelayPublished()
}

// IncRelayErrors 增加 NATS 转发失败计数
func IncRelayErrors() {
	GetMetrics().IncRelayErrors()
}

// ObserveRecorderBatchSize 观察落盘批量大小
func ObserveRecorderBatchSize(size int) {
	GetMetrics().ObserveRecorderBatchSize(size)
}

// SetRecorderQueueLength 设置落盘队列长度
func SetRecorderQueueLength(n int) {
	GetMetrics().SetRecorderQueueLength(n)
}
