package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dripfin/dripfin-realtime/pkg/goplus"
	"github.com/dripfin/dripfin-realtime/pkg/logger"
)

// RealtimeRef 实时连接服务引用接口
type RealtimeRef interface {
	IsConnected() bool
	IsReconnecting() bool
	Stats() map[string]any
}

// RelayRef NATS 转发器引用接口
type RelayRef interface {
	IsConnected() bool
}

// HealthServer HTTP 健康检查和指标服务器
type HealthServer struct {
	addr      string
	realtime  RealtimeRef
	relay     RelayRef
	server    *http.Server
	mu        sync.RWMutex
	healthy   bool
	startTime time.Time
}

// NewHealthServer 创建健康检查服务器
func NewHealthServer(addr string, realtime RealtimeRef, relay RelayRef) *HealthServer {
	return &HealthServer{
		addr:      addr,
		realtime:  realtime,
		relay:     relay,
		healthy:   true,
		startTime: time.Now(),
	}
}

// Start 启动 HTTP 服务器
func (h *HealthServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.healthHandler)
	mux.HandleFunc("/health/ready", h.readyHandler)
	mux.HandleFunc("/health/live", h.liveHandler)
	mux.HandleFunc("/status", h.statusHandler)

	// Prometheus 指标端点
	mux.Handle("/metrics", promhttp.Handler())

	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	goplus.Go(func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health server error")
		}
	})

	logger.Info().Str("addr", h.addr).Msg("health server started")

	return nil
}

// Stop 停止服务器
func (h *HealthServer) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.healthy = false
	h.mu.Unlock()

	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func (h *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.getHealthStatus()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

func (h *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	healthy := h.healthy
	h.mu.RUnlock()

	if !healthy || (h.realtime != nil && !h.realtime.IsConnected()) {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *HealthServer) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *HealthServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := h.getHealthStatus()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (h *HealthServer) getHealthStatus() HealthStatus {
	h.mu.RLock()
	healthy := h.healthy
	h.mu.RUnlock()

	var (
		connected    bool
		reconnecting bool
		stats        map[string]any
	)
	if h.realtime != nil {
		connected = h.realtime.IsConnected()
		reconnecting = h.realtime.IsReconnecting()
		stats = h.realtime.Stats()
	}

	natsConnected := false
	if h.relay != nil {
		natsConnected = h.relay.IsConnected()
	}

	return HealthStatus{
		Healthy: healthy,
		Uptime:  time.Since(h.startTime).String(),
		Realtime: RealtimeStatus{
			Connected:    connected,
			Reconnecting: reconnecting,
			Stats:        stats,
		},
		NATS: NATSStatus{
			Connected: natsConnected,
		},
	}
}

// HealthStatus 健康状态结构
type HealthStatus struct {
	Healthy  bool           `json:"healthy"`
	Uptime   string         `json:"uptime"`
	Realtime RealtimeStatus `json:"realtime"`
	NATS     NATSStatus     `json:"nats"`
}

// RealtimeStatus 实时连接状态
type RealtimeStatus struct {
	Connected    bool           `json:"connected"`
	Reconnecting bool           `json:"reconnecting"`
	Stats        map[string]any `json:"stats,omitempty"`
}

// NATSStatus NATS 连接状态
type NATSStatus struct {
	Connected bool `json:"connected"`
}
