package conn

import (
	"sync"
	"time"
)

// ConnMap stores the live transport and last-heartbeat time per device ID.
//
// Invariant: at most one live transport per device. Installing a connection for a
// device that already has one retires and closes the previous transport first.
type ConnMap struct {
	mu            sync.Mutex
	conns         map[string]*DeviceConn
	lastHeartbeat map[string]time.Time
}

func NewConnMap() *ConnMap {
	return &ConnMap{
		conns:         make(map[string]*DeviceConn),
		lastHeartbeat: make(map[string]time.Time),
	}
}

// Put installs the connection for this device, closing any previous one.
// Idempotent when called with the connection already installed.
func (m *ConnMap) Put(deviceID string, c *DeviceConn) {
	m.mu.Lock()
	prev := m.conns[deviceID]
	m.conns[deviceID] = c
	m.mu.Unlock()
	if prev != nil && prev != c {
		logger.Info().Str("device", deviceID).Msg("retiring previous connection")
		prev.Close()
	}
}

// Get returns the live connection for this device, if any.
func (m *ConnMap) Get(deviceID string) (*DeviceConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[deviceID]
	return c, ok
}

// Remove drops the mapping and heartbeat bookkeeping for this device. It does not
// close the transport; callers close explicitly when the removal is a teardown.
func (m *ConnMap) Remove(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, deviceID)
	delete(m.lastHeartbeat, deviceID)
}

// RemoveIfSame drops the mapping only if c is still the registered transport for
// the device. Used by read loops on socket close, so that a loop for a retired
// connection cannot evict its replacement.
func (m *ConnMap) RemoveIfSame(deviceID string, c *DeviceConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[deviceID] != c {
		return false
	}
	delete(m.conns, deviceID)
	delete(m.lastHeartbeat, deviceID)
	return true
}

func (m *ConnMap) MarkHeartbeat(deviceID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHeartbeat[deviceID] = now
}

func (m *ConnMap) LastHeartbeat(deviceID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lastHeartbeat[deviceID]
	return t, ok
}

// ExpireHeartbeats removes every device whose last heartbeat is older than
// timeout and returns the retired connections for the caller to close. A device
// is returned at most once across repeated sweeps: removal happens here, so the
// next sweep no longer sees it. Devices that somehow have a connection but no
// recorded heartbeat are treated as expired.
func (m *ConnMap) ExpireHeartbeats(now time.Time, timeout time.Duration) []*DeviceConn {
	m.mu.Lock()
	var expired []*DeviceConn
	for deviceID, c := range m.conns {
		lastSeen, ok := m.lastHeartbeat[deviceID]
		if ok && now.Sub(lastSeen) <= timeout {
			continue
		}
		delete(m.conns, deviceID)
		delete(m.lastHeartbeat, deviceID)
		expired = append(expired, c)
	}
	m.mu.Unlock()
	for _, c := range expired {
		logger.Info().Str("device", c.DeviceID).Msg("device expired due to missing heartbeat")
	}
	return expired
}

func (m *ConnMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *ConnMap) DeviceIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}
