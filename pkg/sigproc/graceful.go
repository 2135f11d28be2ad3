package sigproc

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dripfin/dripfin-realtime/pkg/goplus"
	"github.com/rs/zerolog/log"
)

type HandlerFunc func(os.Signal)

// GracefulShutdown 注册信号处理，shutdown 最多有 30 秒执行时间
func GracefulShutdown(shutdown HandlerFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	goplus.Go(func() {
		sig := <-sigChan
		log.Info().Msg(fmt.Sprintf("received signal: %s", sig.String()))

		done := make(chan struct{})
		goplus.Go(func() {
			shutdown(sig)
			close(done)
		})

		select {
		case <-done:
		case <-time.After(30 * time.Second):
			log.Warn().Msg("shutdown timed out, exiting")
		}

		os.Exit(0)
	})
}
