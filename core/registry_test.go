package core_test

import (
	"testing"
	"time"

	core "meshkv/core"
)

func TestRegistryUpsertAndCount(t *testing.T) {
	cfg := core.DefaultConfig()
	r := core.NewPeerRegistry(cfg, core.NodeID("local"), nil)

	caps := core.NodeCapabilities{Streams: true}
	r.UpsertPeer(core.NodeID("peer-a"), "a", "us-east", caps)
	r.UpsertPeer(core.NodeID("peer-b"), "b", "us-west", caps)

	if got := r.PeerCount(); got != 2 {
		t.Fatalf("PeerCount() = %d, want 2", got)
	}

	// A self-upsert must be ignored (self-echo discipline).
	r.UpsertPeer(core.NodeID("local"), "self", "nowhere", caps)
	if got := r.PeerCount(); got != 2 {
		t.Fatalf("PeerCount() after self-upsert = %d, want 2", got)
	}
}

func TestRegistryIsNewerAnnouncementRejectsReplay(t *testing.T) {
	cfg := core.DefaultConfig()
	r := core.NewPeerRegistry(cfg, core.NodeID("local"), nil)
	id := core.NodeID("peer-a")

	if !r.IsNewerAnnouncement(id, 1) {
		t.Fatalf("first announcement (count=1) must be accepted as newer")
	}
	if r.IsNewerAnnouncement(id, 1) {
		t.Fatalf("replaying the same count must be rejected")
	}
	if !r.IsNewerAnnouncement(id, 2) {
		t.Fatalf("a strictly higher count must be accepted")
	}
	if r.IsNewerAnnouncement(id, 2) {
		t.Fatalf("replaying count=2 after it was already accepted must be rejected")
	}
}

func TestRegistryBackoff(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.MaxFailures = 2
	cfg.BackoffDuration = time.Hour
	r := core.NewPeerRegistry(cfg, core.NodeID("local"), nil)
	id := core.NodeID("peer-a")
	r.UpsertPeer(id, "a", "us-east", core.NodeCapabilities{})

	if r.IsInBackoff(id) {
		t.Fatalf("fresh peer must not be in backoff")
	}
	r.RecordFailure(id)
	r.RecordFailure(id)
	if !r.IsInBackoff(id) {
		t.Fatalf("peer must enter backoff after reaching MaxFailures")
	}
	r.RecordSuccess(id)
	if r.IsInBackoff(id) {
		t.Fatalf("a success must reset the failure streak and clear backoff")
	}
}

func TestRegistryGetDiversePeersRoundRobinsRegions(t *testing.T) {
	cfg := core.DefaultConfig()
	r := core.NewPeerRegistry(cfg, core.NodeID("local"), nil)
	r.UpsertPeer(core.NodeID("a1"), "a1", "us", core.NodeCapabilities{})
	r.UpsertPeer(core.NodeID("a2"), "a2", "us", core.NodeCapabilities{})
	r.UpsertPeer(core.NodeID("b1"), "b1", "eu", core.NodeCapabilities{})

	got := r.GetDiversePeers(2)
	if len(got) != 2 {
		t.Fatalf("GetDiversePeers(2) returned %d peers, want 2", len(got))
	}
	regions := map[string]bool{}
	for _, m := range got {
		regions[m.Region] = true
	}
	if len(regions) != 2 {
		t.Fatalf("expected diverse-region sample to cover both regions, got %v", regions)
	}
}

func TestRegistryCleanupExpiredSparesBootstrap(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.PeerTTL = time.Millisecond
	cfg.BootstrapPeerTTL = time.Hour
	cfg.IdleTimeout = 0

	r := core.NewPeerRegistry(cfg, core.NodeID("local"), []core.NodeID{"boot1"})
	r.UpsertPeer(core.NodeID("transient"), "t", "us", core.NodeCapabilities{})

	time.Sleep(5 * time.Millisecond)
	expired, removedAnnouncements := r.Cleanup()
	if len(expired) != 1 || expired[0] != core.NodeID("transient") {
		t.Fatalf("Cleanup() expired = %v, want [transient]", expired)
	}
	if removedAnnouncements != 1 {
		t.Fatalf("Cleanup() removedAnnouncements = %d, want 1", removedAnnouncements)
	}
	if r.PeerCount() != 1 {
		t.Fatalf("bootstrap peer must survive cleanup, PeerCount() = %d", r.PeerCount())
	}
}
