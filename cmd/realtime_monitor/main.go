package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/dripfin/dripfin-realtime/config"
	"github.com/dripfin/dripfin-realtime/internal/monitor"
	"github.com/dripfin/dripfin-realtime/internal/realtime"
	"github.com/dripfin/dripfin-realtime/internal/recorder"
	"github.com/dripfin/dripfin-realtime/internal/relay"
	"github.com/dripfin/dripfin-realtime/internal/token"
	"github.com/dripfin/dripfin-realtime/pkg/logger"
	"github.com/dripfin/dripfin-realtime/pkg/sigproc"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "cfg.toml", "config file path")
	flag.Parse()

	// 加载配置
	if err := config.Init(configFile); err != nil {
		panic(err)
	}
	cfg := config.Get()

	// 初始化日志
	if err := initLogger(cfg); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Close()

	logger.Info().Msg("realtime_monitor service starting...")

	// 初始化指标
	monitor.InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 传输层
	transport, err := realtime.NewWebsocketTransport(realtime.WebsocketTransportOptions{
		HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
		ProxyAddr:        proxyAddr(cfg),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init websocket transport failed")
	}

	// 令牌提供方
	tokens := token.NewProvider(cfg.Auth)

	// 实时连接服务
	svc := realtime.NewService(realtime.Options{
		URL:        cfg.Realtime.WSURL,
		DeviceType: cfg.Realtime.DeviceType,
		AppVersion: cfg.Realtime.AppVersion,
	}, transport, tokens)

	// 行情落盘
	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		db, err := recorder.Open(cfg.Recorder.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("open recorder db failed")
		}
		rec = recorder.NewRecorder(db, cfg.Recorder)
		rec.Start(svc)
	}

	// NATS 行情转发
	quoteRelay, err := relay.NewQuoteRelay(cfg.NATS.Endpoint, cfg.NATS.SubjectPrefix, cfg.NATS.PoolSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("init quote relay failed")
	}
	quoteRelay.Start(svc)

	// 建立连接并订阅默认频道
	svc.Connect(ctx)
	svc.Subscribe(ctx,
		string(realtime.ChannelOrders),
		string(realtime.ChannelTransfers),
		string(realtime.ChannelGoals),
	)

	// 健康检查服务器
	healthServer := monitor.NewHealthServer(cfg.Realtime.HealthServerAddr, svc, quoteRelay)
	if err = healthServer.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start health server failed")
	}

	logger.Info().
		Str("ws_url", cfg.Realtime.WSURL).
		Str("health_addr", cfg.Realtime.HealthServerAddr).
		Msg("realtime_monitor service started successfully")

	// 优雅关闭
	sigproc.GracefulShutdown(func(sig os.Signal) {
		logger.Info().Str("signal", sig.String()).Msg("shutting down...")

		cancel()

		// 断开连接并停掉服务
		svc.Shutdown()

		// 停止转发与落盘
		quoteRelay.Close()
		if rec != nil {
			rec.Close()
		}

		// 关闭健康检查服务器
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		healthServer.Stop(shutdownCtx)

		// 关闭配置重载
		config.Stop()

		logger.Info().Msg("realtime_monitor service stopped")
	})

	<-ctx.Done()
}

func proxyAddr(cfg *config.Config) string {
	if cfg.Realtime.ProxyEnabled {
		return cfg.Realtime.ProxyAddr
	}
	return ""
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Level:      cfg.Logger.Level,
		Compress:   cfg.Logger.Compress,
		Console:    cfg.Logger.Console,
	})
}
