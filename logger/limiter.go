package logger

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits one log record per key per window and counts what it
// suppressed in between. A zero window admits everything.
type Limiter struct {
	every time.Duration
	now   func() time.Time

	mu   sync.Mutex
	keys map[string]*limitedKey
}

type limitedKey struct {
	lim        *rate.Limiter
	suppressed int
}

func NewLimiter(every time.Duration) *Limiter {
	return &Limiter{
		every: every,
		now:   time.Now,
		keys:  make(map[string]*limitedKey),
	}
}

// Allow reports whether a record for key may be written now. When it may,
// the second value is the number of records suppressed since the last one.
func (l *Limiter) Allow(key string) (bool, int) {
	if l == nil || l.every <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k, ok := l.keys[key]
	if !ok {
		k = &limitedKey{lim: rate.NewLimiter(rate.Every(l.every), 1)}
		l.keys[key] = k
	}
	if !k.lim.AllowN(l.now(), 1) {
		k.suppressed++
		return false, 0
	}
	suppressed := k.suppressed
	k.suppressed = 0
	return true, suppressed
}

// Warn logs msg at warn level unless key was already logged inside the window.
func (l *Limiter) Warn(entry *Entry, key, msg string) {
	ok, suppressed := l.Allow(key)
	if !ok {
		return
	}
	if suppressed > 0 {
		entry = entry.WithField("suppressed", suppressed)
	}
	entry.Warn(msg)
}

// Error is Warn at error level.
func (l *Limiter) Error(entry *Entry, key, msg string) {
	ok, suppressed := l.Allow(key)
	if !ok {
		return
	}
	if suppressed > 0 {
		entry = entry.WithField("suppressed", suppressed)
	}
	entry.Error(msg)
}
