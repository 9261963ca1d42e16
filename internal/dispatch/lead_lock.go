package dispatch

import (
	"strings"
	"sync"
)

// leadLocks is a per-lead exclusion set: at most one worker sends to a lead
// at a time. Entries exist only while held.
type leadLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// tryAcquire returns a release func, or nil when the lead is busy.
func (l *leadLocks) tryAcquire(leadID string) func() {
	k := strings.TrimSpace(leadID)
	if k == "" {
		return func() {}
	}
	l.mu.Lock()
	if l.held == nil {
		l.held = make(map[string]struct{})
	}
	if _, busy := l.held[k]; busy {
		l.mu.Unlock()
		return nil
	}
	l.held[k] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, k)
			l.mu.Unlock()
		})
	}
}

func (l *leadLocks) busy() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
