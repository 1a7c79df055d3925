// Package netwatch reports network reachability to the upload queue. The
// queue drains only while online and re-queries the monitor before each
// item rather than trusting a stale snapshot.
package netwatch

import "sync"

// Monitor reports connectivity. Changes delivers a value on every
// online/offline transition; the channel closes when the monitor does.
type Monitor interface {
	Online() bool
	Changes() <-chan bool
	Close() error
}

// StaticMonitor is a settable in-process monitor, used in tests and as a
// fallback when no platform monitor is available.
type StaticMonitor struct {
	mu     sync.Mutex
	online bool
	ch     chan bool
	closed bool
}

// NewStaticMonitor returns a monitor in the given initial state.
func NewStaticMonitor(online bool) *StaticMonitor {
	return &StaticMonitor{online: online, ch: make(chan bool, 8)}
}

// Online reports the current state.
func (m *StaticMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline flips the state, notifying subscribers on a transition.
func (m *StaticMonitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.online == online {
		return
	}
	m.online = online
	select {
	case m.ch <- online:
	default:
		// Subscriber is behind; it re-checks Online() before acting.
	}
}

// Changes returns the transition channel.
func (m *StaticMonitor) Changes() <-chan bool {
	return m.ch
}

// Close stops the monitor.
func (m *StaticMonitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}
