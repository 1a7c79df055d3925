//go:build linux

package netwatch

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Detect returns the NetworkManager monitor when the system bus is
// reachable, or an always-online static monitor when it is not (containers,
// CI, hosts without NetworkManager).
func Detect(log *slog.Logger) Monitor {
	if log == nil {
		log = slog.Default()
	}
	m, err := NewDBusMonitor()
	if err != nil {
		log.Warn("network monitoring unavailable, assuming online", "error", err)
		return NewStaticMonitor(true)
	}
	return m
}

// NetworkManager D-Bus constants.
const (
	nmService   = "org.freedesktop.NetworkManager"
	nmPath      = "/org/freedesktop/NetworkManager"
	nmInterface = "org.freedesktop.NetworkManager"

	// NM_STATE_CONNECTED_GLOBAL: full connectivity with a default route.
	nmStateConnectedGlobal uint32 = 70
)

// DBusMonitor tracks connectivity through NetworkManager state change
// signals on the system bus.
type DBusMonitor struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal
	changes chan bool
	done    chan struct{}

	mu     sync.Mutex
	online bool
	closed bool
}

// NewDBusMonitor connects to the system bus, reads the current
// NetworkManager state, and subscribes to StateChanged.
func NewDBusMonitor() (*DBusMonitor, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("netwatch: connect system bus: %w", err)
	}

	obj := conn.Object(nmService, nmPath)
	state, err := obj.GetProperty(nmInterface + ".State")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("netwatch: query NetworkManager state: %w", err)
	}
	var current uint32
	if err := state.Store(&current); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netwatch: decode NetworkManager state: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(nmInterface),
		dbus.WithMatchMember("StateChanged"),
		dbus.WithMatchObjectPath(nmPath),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netwatch: subscribe to StateChanged: %w", err)
	}

	m := &DBusMonitor{
		conn:    conn,
		signals: make(chan *dbus.Signal, 16),
		changes: make(chan bool, 8),
		done:    make(chan struct{}),
		online:  current == nmStateConnectedGlobal,
	}
	conn.Signal(m.signals)
	go m.watch()
	return m, nil
}

func (m *DBusMonitor) watch() {
	for {
		select {
		case <-m.done:
			return
		case sig, ok := <-m.signals:
			if !ok {
				return
			}
			if sig.Name != nmInterface+".StateChanged" || len(sig.Body) != 1 {
				continue
			}
			state, ok := sig.Body[0].(uint32)
			if !ok {
				continue
			}
			m.setOnline(state == nmStateConnectedGlobal)
		}
	}
}

func (m *DBusMonitor) setOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.online == online {
		return
	}
	m.online = online
	select {
	case m.changes <- online:
	default:
	}
}

// Online reports the last observed NetworkManager state.
func (m *DBusMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Changes returns the transition channel.
func (m *DBusMonitor) Changes() <-chan bool {
	return m.changes
}

// Close unsubscribes and drops the bus connection.
func (m *DBusMonitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	close(m.changes)
	m.mu.Unlock()

	m.conn.RemoveSignal(m.signals)
	return m.conn.Close()
}
