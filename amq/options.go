package amq

import (
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/yanet-platform/amq/internal/logging"
)

// defaultCacheSize is the default size of a per-peer send cache's staging
// buffer.
const defaultCacheSize = 4 * datasize.KB

// defaultBarrierPollInterval paces the reader's drain-barrier spin loops and
// the quiescence barrier poll so they back off instead of spinning bare.
const defaultBarrierPollInterval = 50 * time.Microsecond

// Options configures Open. The zero value is valid; every field has a
// sensible default.
type Options struct {
	// Logger receives structured protocol events (buffer swaps, retractions,
	// close-with-undelivered warnings). When nil, Open builds a default
	// development logger.
	Logger *zap.SugaredLogger

	// CacheSize overrides MSGCACHE_SIZE, the size of each per-peer send
	// cache's staging buffer. Zero selects the default (4 KiB).
	CacheSize datasize.ByteSize

	// Debug enables the per-inbox debug message-id counter: every header
	// carries a monotonically increasing id, logged at dispatch time. It
	// has no effect on protocol semantics.
	Debug bool

	// BarrierPollInterval overrides the pacing of the spin-wait loops used
	// to wait out in-flight writers and to poll the quiescence barrier.
	// Zero selects the default.
	BarrierPollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.CacheSize == 0 {
		o.CacheSize = defaultCacheSize
	}
	if o.BarrierPollInterval == 0 {
		o.BarrierPollInterval = defaultBarrierPollInterval
	}
	if o.Logger == nil {
		o.Logger = defaultLogger()
	}
	return o
}

// defaultLogger builds a development-style console logger, colorized when
// stderr is attached to a terminal.
func defaultLogger() *zap.SugaredLogger {
	logger, _, err := logging.Init(nil)
	if err != nil {
		// logging.Init(nil) builds from a fixed, valid literal; it only
		// fails on a broken zap config.
		panic(err)
	}
	return logger
}
