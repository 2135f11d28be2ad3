package recorder

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dripfin/dripfin-realtime/config"
	"github.com/dripfin/dripfin-realtime/internal/monitor"
	"github.com/dripfin/dripfin-realtime/internal/realtime"
	"github.com/dripfin/dripfin-realtime/pkg/goplus"
	"github.com/dripfin/dripfin-realtime/pkg/logger"
)

// Open 打开内嵌 sqlite 库并迁移表结构
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite failed: %w", err)
	}

	if err = db.AutoMigrate(&QuoteTick{}, &EventRecord{}); err != nil {
		return nil, fmt.Errorf("auto migrate failed: %w", err)
	}

	return db, nil
}

// Recorder 行情与事件落盘器
// 行情按批写入降低 IO 压力，事件随批一起落
type Recorder struct {
	db            *gorm.DB
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	quotes  *realtime.Stream[realtime.Quote]
	events  *realtime.Stream[realtime.Event]
	done    chan struct{}
	stopped bool
}

// NewRecorder 创建落盘器
func NewRecorder(db *gorm.DB, cfg config.Recorder) *Recorder {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}

	return &Recorder{
		db:            db,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// Start 挂到服务的行情流和事件流上
func (r *Recorder) Start(svc *realtime.Service) {
	r.mu.Lock()
	r.quotes = svc.QuoteUpdates()
	r.events = svc.EventUpdates()
	quotes, events := r.quotes, r.events
	r.mu.Unlock()

	goplus.Go(func() {
		r.loop(quotes, events)
	})

	logger.Info().
		Int("batch_size", r.batchSize).
		Dur("flush_interval", r.flushInterval).
		Msg("recorder started")
}

func (r *Recorder) loop(quotes *realtime.Stream[realtime.Quote], events *realtime.Stream[realtime.Event]) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	tickBuf := make([]*QuoteTick, 0, r.batchSize)
	eventBuf := make([]*EventRecord, 0, 16)

	flush := func() {
		r.flushTicks(tickBuf)
		tickBuf = tickBuf[:0]
		r.flushEvents(eventBuf)
		eventBuf = eventBuf[:0]
	}

	for {
		select {
		case <-r.done:
			flush()
			return

		case q, ok := <-quotes.C:
			if !ok {
				flush()
				return
			}
			tickBuf = append(tickBuf, quoteToTick(q))
			monitor.SetRecorderQueueLength(len(tickBuf))
			if len(tickBuf) >= r.batchSize {
				r.flushTicks(tickBuf)
				tickBuf = tickBuf[:0]
			}

		case ev, ok := <-events.C:
			if !ok {
				flush()
				return
			}
			eventBuf = append(eventBuf, &EventRecord{
				Name:    ev.Name,
				EventID: ev.ID,
				Payload: string(ev.Data),
				At:      ev.At,
			})

		case <-ticker.C:
			flush()
			monitor.SetRecorderQueueLength(0)
		}
	}
}

func quoteToTick(q realtime.Quote) *QuoteTick {
	return &QuoteTick{
		Symbol:        q.Symbol,
		Price:         q.Price.InexactFloat64(),
		Change:        q.Change.InexactFloat64(),
		ChangePercent: q.ChangePercent.InexactFloat64(),
		QuotedAt:      q.At,
	}
}

func (r *Recorder) flushTicks(buf []*QuoteTick) {
	if len(buf) == 0 {
		return
	}
	monitor.ObserveRecorderBatchSize(len(buf))

	if err := r.db.CreateInBatches(buf, r.batchSize).Error; err != nil {
		logger.Error().Err(err).Int("count", len(buf)).Msg("flush quote ticks failed")
	}
}

func (r *Recorder) flushEvents(buf []*EventRecord) {
	if len(buf) == 0 {
		return
	}
	if err := r.db.CreateInBatches(buf, r.batchSize).Error; err != nil {
		logger.Error().Err(err).Int("count", len(buf)).Msg("flush event records failed")
	}
}

// Close 停止落盘，缓冲区最后刷一次
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	quotes, events := r.quotes, r.events
	r.mu.Unlock()

	close(r.done)
	if quotes != nil {
		quotes.Close()
	}
	if events != nil {
		events.Close()
	}
}
