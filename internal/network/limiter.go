package network

import "sync"

// hostLimiter caps concurrently open inbound connections per remote host.
type hostLimiter struct {
	mu       sync.Mutex
	maxConns int
	counts   map[string]int
}

func newHostLimiter(maxConns int) *hostLimiter {
	return &hostLimiter{
		maxConns: maxConns,
		counts:   make(map[string]int),
	}
}

func (l *hostLimiter) acquire(host string) bool {
	if l == nil || l.maxConns <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[host] >= l.maxConns {
		return false
	}
	l.counts[host]++
	return true
}

func (l *hostLimiter) release(host string) {
	if l == nil || l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[host] <= 1 {
		delete(l.counts, host)
		return
	}
	l.counts[host]--
}

func (l *hostLimiter) active(host string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[host]
}
