package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logMu      sync.Mutex
	fileWriter *lumberjack.Logger
	errWriter  *lumberjack.Logger
	TimeFormat = "2006-01-02 15:04:05"
)

// Init 初始化日志系统
// info 及以下写入 infoPath，error 及以上额外写入 errPath
func Init(cfg Config) error {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	setLogLevel(cfg.Level)

	if cfg.InfoPath == "" {
		cfg.InfoPath = "logs/info.log"
	}
	if cfg.ErrPath == "" {
		cfg.ErrPath = "logs/err.log"
	}

	for _, p := range []string{cfg.InfoPath, cfg.ErrPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
	}

	logMu.Lock()
	defer logMu.Unlock()

	fileWriter = newLumberjack(cfg.InfoPath, cfg)
	errWriter = newLumberjack(cfg.ErrPath, cfg)

	writers := []io.Writer{
		&levelFilterWriter{max: zerolog.WarnLevel, Writer: wrapConsole(fileWriter)},
		&levelFilterWriter{min: zerolog.ErrorLevel, max: zerolog.FatalLevel, Writer: wrapConsole(errWriter)},
	}

	if cfg.Console {
		writers = append(writers, &zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: TimeFormat,
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Caller().Logger()

	return nil
}

// levelFilterWriter 只写入 [min, max] 区间内的日志级别
type levelFilterWriter struct {
	min zerolog.Level
	max zerolog.Level
	io.Writer
}

func (w *levelFilterWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.min || level > w.max {
		return len(p), nil
	}
	return w.Writer.Write(p)
}

func newLumberjack(path string, cfg Config) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
}

// wrapConsole 文件中也使用无色 console 格式，便于人工排查
func wrapConsole(w io.Writer) io.Writer {
	return &zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: TimeFormat,
		NoColor:    true,
	}
}

// L 返回全局 logger
func L() zerolog.Logger {
	return log.Logger
}

func Info() *zerolog.Event {
	return log.Logger.Info()
}

func Debug() *zerolog.Event {
	return log.Logger.Debug()
}

func Warn() *zerolog.Event {
	return log.Logger.Warn()
}

func Error() *zerolog.Event {
	return log.Logger.Error()
}

func Fatal() *zerolog.Event {
	return log.Logger.Fatal()
}

// Err 直接记录错误
func Err(err error) *zerolog.Event {
	return log.Logger.Err(err)
}

// Close 关闭日志文件
func Close() {
	logMu.Lock()
	defer logMu.Unlock()

	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	if errWriter != nil {
		_ = errWriter.Close()
		errWriter = nil
	}
}
