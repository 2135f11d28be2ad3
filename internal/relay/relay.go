package relay

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"

	"github.com/dripfin/dripfin-realtime/internal/monitor"
	"github.com/dripfin/dripfin-realtime/internal/realtime"
	"github.com/dripfin/dripfin-realtime/pkg/goplus"
	"github.com/dripfin/dripfin-realtime/pkg/logger"
)

// QuoteRelay 把解码后的行情转发到 NATS
// 每个标的一个 subject：<prefix>.<SYMBOL>，下游撮合/推送服务按需订阅
type QuoteRelay struct {
	conn   *nats.Conn
	pool   *ants.Pool
	prefix string

	mu     sync.Mutex
	stream *realtime.Stream[realtime.Quote]
	done   chan struct{}
	closed bool
}

// NewQuoteRelay 创建转发器
func NewQuoteRelay(endpoint, prefix string, poolSize int) (*QuoteRelay, error) {
	conn, err := nats.Connect(endpoint)
	if err != nil {
		return nil, err
	}

	if poolSize <= 0 {
		poolSize = 64
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &QuoteRelay{
		conn:   conn,
		pool:   pool,
		prefix: prefix,
		done:   make(chan struct{}),
	}, nil
}

// Start 挂到服务的行情流上开始转发
func (r *QuoteRelay) Start(svc *realtime.Service) {
	r.mu.Lock()
	r.stream = svc.QuoteUpdates()
	stream := r.stream
	r.mu.Unlock()

	goplus.Go(func() {
		for {
			select {
			case <-r.done:
				return
			case q, ok := <-stream.C:
				if !ok {
					return
				}
				r.dispatch(q)
			}
		}
	})

	logger.Info().Str("prefix", r.prefix).Msg("quote relay started")
}

// dispatch 投到工作池，池满时降级为同步执行
func (r *QuoteRelay) dispatch(q realtime.Quote) {
	if err := r.pool.Submit(func() { r.publish(q) }); err != nil {
		logger.Warn().Err(err).Msg("relay pool full, publishing synchronously")
		r.publish(q)
	}
}

func (r *QuoteRelay) publish(q realtime.Quote) {
	data, err := json.Marshal(q)
	if err != nil {
		monitor.IncRelayErrors()
		logger.Error().Err(err).Msg("marshal quote failed")
		return
	}

	subject := r.prefix + "." + q.Symbol
	if err = r.conn.Publish(subject, data); err != nil {
		monitor.IncRelayErrors()
		logger.Error().Err(err).Str("subject", subject).Msg("publish quote failed")
		return
	}

	monitor.IncRelayPublished()
}

// IsConnected 检查 NATS 连接状态
func (r *QuoteRelay) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.conn != nil && !r.conn.IsClosed()
}

// Close 停止转发并关闭连接
func (r *QuoteRelay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	stream := r.stream
	r.mu.Unlock()

	close(r.done)
	if stream != nil {
		stream.Close()
	}
	r.pool.Release()
	r.conn.Close()
}
