package core

// Gossip discovery: signed, postcard-encoded announcements broadcast over
// TopicDiscovery, consumed into the PeerRegistry. A tick-based producer
// signs and broadcasts this node's presence; a receiver verifies, rejects
// spoofed or replayed announcements, and upserts the peer registry.

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var discoveryLog = logrus.WithField("component", "discovery")

// DiscoverySender periodically signs and broadcasts this node's presence.
type DiscoverySender struct {
	priv   ed25519.PrivateKey
	name   string
	region string
	caps   NodeCapabilities
	pm     PeerManager
	cfg    Config

	mu      sync.Mutex
	count   uint64
	cancel  context.CancelFunc
}

// NewDiscoverySender constructs a sender that signs announcements with priv.
func NewDiscoverySender(priv ed25519.PrivateKey, name, region string, caps NodeCapabilities, pm PeerManager, cfg Config) *DiscoverySender {
	return &DiscoverySender{priv: priv, name: name, region: region, caps: caps, pm: pm, cfg: cfg}
}

// Start launches the broadcast loop (default interval 5s). Calling Start
// twice has no effect.
func (s *DiscoverySender) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	interval := s.cfg.AnnounceInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go s.loop(ctx, interval)
}

// Stop halts the broadcast loop.
func (s *DiscoverySender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *DiscoverySender) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.announceOnce(); err != nil {
				discoveryLog.WithError(err).Warn("announce failed")
			}
		}
	}
}

func (s *DiscoverySender) announceOnce() error {
	s.mu.Lock()
	s.count++
	count := s.count
	s.mu.Unlock()

	node := DiscoveryNode{
		Name:         s.name,
		NodeID:       hex.EncodeToString(s.priv.Public().(ed25519.PublicKey)),
		Count:        count,
		Region:       s.region,
		Capabilities: s.caps,
	}
	data := node.EncodePostcard()
	sig := ed25519.Sign(s.priv, data)
	ann := SignedAnnouncement{
		From:      node.NodeID,
		Data:      data,
		Signature: hex.EncodeToString(sig),
	}
	return s.pm.Broadcast(TopicDiscovery.String(), ann.EncodePostcard())
}

// DiscoveryReceiver consumes announcements from TopicDiscovery and upserts
// the peer registry, rejecting spoofed identities.
type DiscoveryReceiver struct {
	registry *PeerRegistry
	localID  NodeID
	newPeer  chan NodeID
}

// NewDiscoveryReceiver constructs a receiver feeding registry. newPeer, if
// non-nil, receives a notification for each genuinely new peer.
func NewDiscoveryReceiver(registry *PeerRegistry, localID NodeID, newPeer chan NodeID) *DiscoveryReceiver {
	return &DiscoveryReceiver{registry: registry, localID: localID, newPeer: newPeer}
}

// HandleAnnouncement verifies and applies a single wire-form announcement.
func (d *DiscoveryReceiver) HandleAnnouncement(raw []byte) error {
	ann, err := DecodeSignedAnnouncement(raw)
	if err != nil {
		return fmt.Errorf("discovery: decode: %w", err)
	}
	if err := VerifyEd25519(ann.From, string(ann.Data), ann.Signature); err != nil {
		return fmt.Errorf("discovery: signature invalid: %w", err)
	}
	node, err := DecodeDiscoveryNode(ann.Data)
	if err != nil {
		return fmt.Errorf("discovery: decode payload: %w", err)
	}

	// The announcing key must match the node_id it claims to be.
	if node.NodeID != ann.From {
		return fmt.Errorf("discovery: node_id %q does not match signing key %q (spoofing rejected)", node.NodeID, ann.From)
	}

	id := NodeID(node.NodeID)
	if id == d.localID {
		return nil // self-echo, not an error
	}
	if !d.registry.IsNewerAnnouncement(id, node.Count) {
		return nil // stale/replayed announcement, dropped silently
	}
	_, known := d.peerKnown(id)
	d.registry.UpsertPeer(id, node.Name, node.Region, node.Capabilities)
	if !known && d.newPeer != nil {
		select {
		case d.newPeer <- id:
		default:
		}
	}
	return nil
}

func (d *DiscoveryReceiver) peerKnown(id NodeID) (*PeerMeta, bool) {
	for _, m := range d.registry.GetConnectablePeers() {
		if m.NodeID == id {
			return m, true
		}
	}
	return nil, false
}

// StartCleanupTask runs the registry's TTL sweep on a ticker, default every
// TTL/3.
func StartCleanupTask(ctx context.Context, registry *PeerRegistry, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if expired, removed := registry.Cleanup(); len(expired) > 0 {
					discoveryLog.WithFields(logrus.Fields{"expired_peers": expired, "removed_announcements": removed}).Debug("expired peers cleaned up")
				}
			}
		}
	}()
}
