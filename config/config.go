package config

import (
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dripfin/dripfin-realtime/pkg/logger"
)

// Realtime 实时连接服务配置
type Realtime struct {
	WSURL            string        `toml:"ws_url"`
	DeviceType       string        `toml:"device_type"`
	AppVersion       string        `toml:"app_version"`
	HealthServerAddr string        `toml:"health_server_addr"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`
	ProxyEnabled     bool          `toml:"proxy_enabled"`
	ProxyAddr        string        `toml:"proxy_addr"`
}

// Auth 令牌服务配置
type Auth struct {
	TokenURL   string        `toml:"token_url"`
	RefreshURL string        `toml:"refresh_url"`
	ClientID   string        `toml:"client_id"`
	Timeout    time.Duration `toml:"timeout"`
}

type NATS struct {
	Endpoint      string `toml:"endpoint"`
	SubjectPrefix string `toml:"subject_prefix"`
	PoolSize      int    `toml:"pool_size"`
}

// Recorder 行情落盘配置
type Recorder struct {
	Enabled       bool          `toml:"enabled"`
	SQLitePath    string        `toml:"sqlite_path"`
	BatchSize     int           `toml:"batch_size"`
	FlushInterval time.Duration `toml:"flush_interval"`
}

type Logger struct {
	Level      string `toml:"level"`
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
	Compress   bool   `toml:"compress"`
	Console    bool   `toml:"console"`
}

type Config struct {
	Realtime Realtime `toml:"realtime"`
	Auth     Auth     `toml:"auth"`
	NATS     NATS     `toml:"nats"`
	Recorder Recorder `toml:"recorder"`
	Logger   Logger   `toml:"log"`
}

var (
	cfg         *Config
	cfgPath     string
	cfgLock     sync.RWMutex
	lastModTime time.Time
	stopChan    chan struct{}
)

func Default() *Config {
	return &Config{
		Realtime: Realtime{
			WSURL:            "wss://realtime.dripfin.app/ws",
			DeviceType:       "ios",
			AppVersion:       "1.0.0",
			HealthServerAddr: "0.0.0.0:16900",
			HandshakeTimeout: 10 * time.Second,
			ProxyEnabled:     false,
			ProxyAddr:        "127.0.0.1:7890",
		},
		Auth: Auth{
			TokenURL:   "https://api.dripfin.app/v1/auth/token",
			RefreshURL: "https://api.dripfin.app/v1/auth/refresh",
			Timeout:    5 * time.Second,
		},
		NATS: NATS{
			Endpoint:      "nats://localhost:4222",
			SubjectPrefix: "dripfin.quotes",
			PoolSize:      64,
		},
		Recorder: Recorder{
			Enabled:       true,
			SQLitePath:    "data/realtime.db",
			BatchSize:     100,
			FlushInterval: 500 * time.Millisecond,
		},
		Logger: Logger{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 60,
			MaxAge:     7,
			Compress:   false,
			Console:    false,
		},
	}
}

func Load(path string) error {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	cfgLock.Lock()
	defer cfgLock.Unlock()
	cfg = c
	cfgPath = path
	lastModTime = info.ModTime()

	return nil
}

func Get() *Config {
	cfgLock.RLock()
	defer cfgLock.RUnlock()
	return cfg
}

// Init 初始化配置并启动定期重载（默认10秒）
func Init(path string) error {
	return InitWithInterval(path, 10*time.Second)
}

// InitWithInterval 初始化配置并指定重载间隔
func InitWithInterval(path string, interval time.Duration) error {
	if err := Load(path); err != nil {
		return err
	}

	stopChan = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				reloadIfNeeded()
			case <-stopChan:
				return
			}
		}
	}()

	return nil
}

// Stop 停止配置重载
func Stop() {
	if stopChan != nil {
		close(stopChan)
	}
}

// reloadIfNeeded 仅在文件修改时重载
func reloadIfNeeded() {
	cfgLock.RLock()
	path := cfgPath
	lastMod := lastModTime
	cfgLock.RUnlock()

	if path == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Error().Err(err).Msg("config stat failed")
		return
	}

	if info.ModTime().After(lastMod) {
		if err = Load(path); err != nil {
			logger.Error().Err(err).Msg("config reload failed")
		} else {
			logger.Info().Msg("config reloaded")
		}
	}
}
