package autocart

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger drops warnings that arrive within interval of the last
// emitted one and reports how many were suppressed.
type rateLimitedLogger struct {
	log      zerolog.Logger
	mu       sync.Mutex
	lastAt   time.Time
	dropped  int
	interval time.Duration
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(err error, msg string) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	dropped := l.dropped
	l.lastAt = now
	l.dropped = 0
	l.mu.Unlock()

	l.log.Warn().Err(err).Int("suppressed", dropped).Msg(msg)
}
