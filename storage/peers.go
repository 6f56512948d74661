package storage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"fileswoosh/models"
)

// Peers is the in-memory directory of known peers keyed by network address.
type Peers struct {
	mu    sync.RWMutex
	peers map[string]models.Peer
	now   func() time.Time
}

// NewPeers returns an empty peer directory.
func NewPeers() *Peers {
	return &Peers{
		peers: make(map[string]models.Peer),
		now:   time.Now,
	}
}

// SetClock replaces the time source used for lastSeen stamps.
func (p *Peers) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	p.now = now
}

// Upsert creates or refreshes a peer and its lastSeen timestamp.
//
// An existing manually added peer stays manual: discovered is only kept true
// when both the stored entry and the call say so. Empty names never overwrite
// known ones.
func (p *Peers) Upsert(address, displayName, userLabel string, discovered bool) models.Peer {
	address = strings.TrimSpace(address)

	p.mu.Lock()
	defer p.mu.Unlock()

	peer, exists := p.peers[address]
	if !exists {
		peer = models.Peer{Address: address, Discovered: discovered}
	} else {
		peer.Discovered = peer.Discovered && discovered
	}
	if displayName != "" {
		peer.DisplayName = displayName
	}
	if userLabel != "" {
		peer.UserLabel = userLabel
	}
	peer.LastSeen = p.now()
	p.peers[address] = peer
	return peer
}

// AddIfAbsent stores a manually added peer unless the address is already known.
func (p *Peers) AddIfAbsent(address, displayName string) (models.Peer, bool) {
	address = strings.TrimSpace(address)

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.peers[address]; ok {
		return existing, false
	}
	peer := models.Peer{
		Address:     address,
		DisplayName: displayName,
		LastSeen:    p.now(),
		Discovered:  false,
	}
	p.peers[address] = peer
	return peer, true
}

// Get returns the peer stored under address.
func (p *Peers) Get(address string) (models.Peer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	peer, ok := p.peers[address]
	return peer, ok
}

// Contains reports whether address is a known peer.
func (p *Peers) Contains(address string) bool {
	_, ok := p.Get(address)
	return ok
}

// Remove deletes a peer. It reports whether the peer existed.
func (p *Peers) Remove(address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peers[address]; !ok {
		return false
	}
	delete(p.peers, address)
	return true
}

// RemoveExpired deletes every discovered peer whose lastSeen predates now by
// more than ttl and returns the removed entries. Manual peers never expire.
func (p *Peers) RemoveExpired(now time.Time, ttl time.Duration) []models.Peer {
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed []models.Peer
	for address, peer := range p.peers {
		if !peer.Discovered {
			continue
		}
		if now.Sub(peer.LastSeen) > ttl {
			delete(p.peers, address)
			removed = append(removed, peer)
		}
	}
	sortPeers(removed)
	return removed
}

// All returns a snapshot of all peers ordered by address. Busy is not filled in.
func (p *Peers) All() []models.Peer {
	p.mu.RLock()
	out := make([]models.Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		out = append(out, peer)
	}
	p.mu.RUnlock()

	sortPeers(out)
	return out
}

// IsBusy reports whether any live transaction in either direction references address.
func (p *Peers) IsBusy(address string, txs *Transactions) bool {
	if txs == nil {
		return false
	}
	_, busy := txs.BusyAddresses()[address]
	return busy
}

// Snapshot returns the peers keyed by address with Busy computed from txs.
func (p *Peers) Snapshot(txs *Transactions) map[string]models.Peer {
	peers := p.All()

	var busy map[string]struct{}
	if txs != nil {
		busy = txs.BusyAddresses()
	}

	out := make(map[string]models.Peer, len(peers))
	for _, peer := range peers {
		_, peer.Busy = busy[peer.Address]
		out[peer.Address] = peer
	}
	return out
}

func sortPeers(peers []models.Peer) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Address < peers[j].Address
	})
}
