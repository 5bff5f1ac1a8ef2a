package core

// Peer registry: the unified peer lifecycle consumed by gossip discovery
// and the sync protocol, tracking liveness, failure streaks, and regional
// diversity for sampling. State lives in a single struct guarded by one
// mutex, with helpers for diverse/random peer sampling.

import (
	"crypto/rand"
	"math/big"
	"sort"
	"sync"
	"time"
)

// PeerStatus classifies a peer by recency of contact.
type PeerStatus int

const (
	StatusConnected PeerStatus = iota
	StatusIdle
	StatusStale
	StatusExpired
)

// PeerMeta is the bookkeeping record the registry holds per peer.
type PeerMeta struct {
	NodeID       NodeID
	Name         string
	Region       string
	Capabilities NodeCapabilities
	FirstSeen    time.Time
	LastSeen     time.Time
	FailureCount int
	LastFailure  time.Time
	IsBootstrap  bool
	lastCount    uint64 // highest discovery announcement count accepted
}

func (m *PeerMeta) status(now time.Time, cfg Config) PeerStatus {
	age := now.Sub(m.LastSeen)
	ttl := cfg.PeerTTL
	if m.IsBootstrap {
		ttl = cfg.BootstrapPeerTTL
	}
	switch {
	case age > ttl:
		return StatusExpired
	case age > ttl/3:
		return StatusStale
	case age > cfg.IdleTimeout:
		return StatusIdle
	default:
		return StatusConnected
	}
}

// PeerRegistry is the shared lifecycle store for every known peer.
type PeerRegistry struct {
	cfg     Config
	localID NodeID

	mu    sync.RWMutex
	peers map[NodeID]*PeerMeta
}

// NewPeerRegistry constructs an empty registry for localID, seeded with
// bootstrap as favored peers that expire after BootstrapPeerTTL instead of
// PeerTTL.
func NewPeerRegistry(cfg Config, localID NodeID, bootstrap []NodeID) *PeerRegistry {
	r := &PeerRegistry{cfg: cfg, localID: localID, peers: make(map[NodeID]*PeerMeta)}
	now := time.Now()
	for _, id := range bootstrap {
		r.peers[id] = &PeerMeta{NodeID: id, FirstSeen: now, LastSeen: now, IsBootstrap: true}
	}
	return r
}

// UpsertPeer records contact with a peer, creating its record if new.
func (r *PeerRegistry) UpsertPeer(id NodeID, name, region string, caps NodeCapabilities) *PeerMeta {
	if id == r.localID {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	m, ok := r.peers[id]
	if !ok {
		m = &PeerMeta{NodeID: id, FirstSeen: now, IsBootstrap: false}
		r.peers[id] = m
	}
	m.Name = name
	m.Region = region
	m.Capabilities = caps
	m.LastSeen = now
	return m
}

// IsNewerAnnouncement reports (and records, if so) whether count is newer
// than the last accepted count for id, suppressing gossip replays.
func (r *PeerRegistry) IsNewerAnnouncement(id NodeID, count uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.peers[id]
	if !ok {
		// First sighting: create a placeholder so the count is tracked even
		// before UpsertPeer fills in the rest of the record.
		m = &PeerMeta{NodeID: id, FirstSeen: time.Now()}
		r.peers[id] = m
	}
	if count > m.lastCount || !ok {
		m.lastCount = count
		return true
	}
	return false
}

// SetRegion updates a peer's advertised region.
func (r *PeerRegistry) SetRegion(id NodeID, region string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.peers[id]; ok {
		m.Region = region
	}
}

// SetCapabilities updates a peer's advertised capabilities.
func (r *PeerRegistry) SetCapabilities(id NodeID, caps NodeCapabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.peers[id]; ok {
		m.Capabilities = caps
	}
}

// RecordSuccess resets a peer's failure streak after a successful exchange.
func (r *PeerRegistry) RecordSuccess(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.peers[id]; ok {
		m.FailureCount = 0
		m.LastSeen = time.Now()
	}
}

// RecordFailure increments a peer's failure streak.
func (r *PeerRegistry) RecordFailure(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.peers[id]; ok {
		m.FailureCount++
		m.LastFailure = time.Now()
	}
}

// IsInBackoff reports whether a peer has exceeded the failure threshold and
// is still within the backoff window.
func (r *PeerRegistry) IsInBackoff(id NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.peers[id]
	if !ok || m.FailureCount < r.cfg.MaxFailures {
		return false
	}
	return time.Since(m.LastFailure) < r.cfg.BackoffDuration
}

// PeerCount returns the number of known peers.
func (r *PeerRegistry) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// NeedsMorePeers reports whether the registry has fewer connectable peers
// than the configured target.
func (r *PeerRegistry) NeedsMorePeers() bool {
	return len(r.GetConnectablePeers()) < r.cfg.TargetPeerCount
}

// GetConnectablePeers returns peers that are not expired and not backing off.
func (r *PeerRegistry) GetConnectablePeers() []*PeerMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	out := make([]*PeerMeta, 0, len(r.peers))
	for id, m := range r.peers {
		if m.status(now, r.cfg) == StatusExpired {
			continue
		}
		if m.FailureCount >= r.cfg.MaxFailures && time.Since(m.LastFailure) < r.cfg.BackoffDuration {
			continue
		}
		_ = id
		out = append(out, m)
	}
	return out
}

// GetDiversePeers samples up to n peers, round-robining across distinct
// regions so a single region cannot dominate the sample.
func (r *PeerRegistry) GetDiversePeers(n int) []*PeerMeta {
	candidates := r.GetConnectablePeers()
	byRegion := make(map[string][]*PeerMeta)
	var regions []string
	for _, m := range candidates {
		if _, ok := byRegion[m.Region]; !ok {
			regions = append(regions, m.Region)
		}
		byRegion[m.Region] = append(byRegion[m.Region], m)
	}
	sort.Strings(regions)

	out := make([]*PeerMeta, 0, n)
	for len(out) < n {
		progressed := false
		for _, region := range regions {
			if len(out) >= n {
				break
			}
			bucket := byRegion[region]
			if len(bucket) == 0 {
				continue
			}
			out = append(out, bucket[0])
			byRegion[region] = bucket[1:]
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return out
}

// SampleRandom returns up to n peers chosen uniformly at random via a
// crypto/rand Fisher-Yates shuffle.
func (r *PeerRegistry) SampleRandom(n int) []*PeerMeta {
	candidates := r.GetConnectablePeers()
	if n >= len(candidates) {
		return candidates
	}
	shuffled := make([]*PeerMeta, len(candidates))
	copy(shuffled, candidates)
	for i := len(shuffled) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(jBig.Int64())
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:n]
}

// Cleanup removes peers whose status has reached Expired; bootstrap peers
// reach that status only after BootstrapPeerTTL rather than PeerTTL. It
// reports both the expired peer ids and the
// number of announcement records removed with them; in this registry each
// peer's replay-dedup counter (lastCount) lives embedded in its own
// PeerMeta rather than a separate table, so the two counts always agree —
// removing a peer always removes exactly the one announcement record it
// carried.
func (r *PeerRegistry) Cleanup() (expiredPeers []NodeID, removedAnnouncements int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, m := range r.peers {
		if m.status(now, r.cfg) == StatusExpired {
			delete(r.peers, id)
			expiredPeers = append(expiredPeers, id)
			removedAnnouncements++
		}
	}
	return expiredPeers, removedAnnouncements
}

// Summary returns a snapshot of peer counts by status, for CLI/status use.
func (r *PeerRegistry) Summary() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	out := map[string]int{"connected": 0, "idle": 0, "stale": 0, "expired": 0, "total": len(r.peers)}
	for _, m := range r.peers {
		switch m.status(now, r.cfg) {
		case StatusConnected:
			out["connected"]++
		case StatusIdle:
			out["idle"]++
		case StatusStale:
			out["stale"]++
		case StatusExpired:
			out["expired"]++
		}
	}
	return out
}
