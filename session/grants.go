package session

import "sync"

// Grants is the authorization table: per device, the set of peers currently
// permitted to exchange relay traffic with it.
//
// The table itself enforces nothing about when grants appear or vanish; the
// state machine is the only writer, adding a grant on approval and revoking it
// on rejection, termination and inactivity expiry. Empty peer sets are not
// retained.
type Grants struct {
	mu    sync.Mutex
	peers map[string]map[string]struct{}
}

func NewGrants() *Grants {
	return &Grants{peers: make(map[string]map[string]struct{})}
}

func (g *Grants) Grant(deviceID, peer string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.peers[deviceID]
	if !ok {
		set = make(map[string]struct{})
		g.peers[deviceID] = set
	}
	set[peer] = struct{}{}
}

func (g *Grants) Revoke(deviceID, peer string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.peers[deviceID]
	if !ok {
		return
	}
	delete(set, peer)
	if len(set) == 0 {
		delete(g.peers, deviceID)
	}
}

// RevokeAll drops every grant for a device. Used when the device itself goes
// away (deregistration, transport close).
func (g *Grants) RevokeAll(deviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.peers, deviceID)
}

func (g *Grants) IsAuthorized(deviceID, peer string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.peers[deviceID][peer]
	return ok
}

// HasAny reports whether the device holds any grant at all.
func (g *Grants) HasAny(deviceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.peers[deviceID]) > 0
}
