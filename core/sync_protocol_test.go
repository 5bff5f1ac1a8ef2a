package core_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	core "meshkv/core"
)

func newLinkedNodes(t *testing.T, idA, idB core.NodeID) (*fakePeerManager, *fakePeerManager) {
	t.Helper()
	a := newFakePeerManager(idA)
	b := newFakePeerManager(idB)
	a.link(b)
	b.link(a)
	return a, b
}

func TestSyncManagerFullSyncRequestResponse(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	pub := core.PublicKeyHex(priv)
	db := core.GenerateDBName("orders", pub)

	pmA, pmB := newLinkedNodes(t, core.NodeID("A"), core.NodeID("B"))
	cfg := core.DefaultConfig()

	oplogA, _ := newTestOpLogAndBlobs(t)
	oplogB, _ := newTestOpLogAndBlobs(t)
	seed := signedStringOp(t, priv, db, "k1", "v1", 100)
	if _, err := oplogB.Submit(seed); err != nil {
		t.Fatalf("seed oplogB: %v", err)
	}

	regA := core.NewPeerRegistry(cfg, core.NodeID("A"), nil)
	regA.UpsertPeer(core.NodeID("B"), "b", "us", core.NodeCapabilities{})
	regB := core.NewPeerRegistry(cfg, core.NodeID("B"), nil)

	var appliedA []*core.SignedOperation
	mgrA := core.NewSyncManager(core.NodeID("A"), oplogA, pmA, regA, cfg, func(op *core.SignedOperation) {
		appliedA = append(appliedA, op)
	})
	mgrB := core.NewSyncManager(core.NodeID("B"), oplogB, pmB, regB, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgrA.Start(ctx); err != nil {
		t.Fatalf("start A: %v", err)
	}
	if err := mgrB.Start(ctx); err != nil {
		t.Fatalf("start B: %v", err)
	}
	defer mgrA.Stop()
	defer mgrB.Stop()

	if err := mgrA.RequestSync(core.NodeID("B"), nil); err != nil {
		t.Fatalf("RequestSync: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for oplogA.Count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("oplog A never received the synced operation")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := oplogA.GetAll()[0].Key; got != "k1" {
		t.Fatalf("synced operation key = %q, want k1", got)
	}
}

// TestSyncManagerFanOutPublishesToSyncTopic checks the transport-level half
// of live fan-out: FanOut publishes an OperationMsg-enveloped payload on
// TopicSync, reaching every linked peer subscribed to it. End-to-end
// application of a fanned-out operation into a peer's op-log (via a second
// SyncManager's own TopicSync subscription) is exercised at the Node level
// in node_test.go.
func TestSyncManagerFanOutPublishesToSyncTopic(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	pub := core.PublicKeyHex(priv)
	db := core.GenerateDBName("orders", pub)

	pmA, pmB := newLinkedNodes(t, core.NodeID("A"), core.NodeID("B"))
	cfg := core.DefaultConfig()
	oplogA, _ := newTestOpLogAndBlobs(t)
	regA := core.NewPeerRegistry(cfg, core.NodeID("A"), nil)
	mgrA := core.NewSyncManager(core.NodeID("A"), oplogA, pmA, regA, cfg, nil)

	dataSub, err := pmB.Subscribe(core.TopicSync.String())
	if err != nil {
		t.Fatalf("subscribe B to sync topic: %v", err)
	}

	op := signedStringOp(t, priv, db, "k1", "v1", time.Now().UnixMilli())
	if _, err := oplogA.Submit(op); err != nil {
		t.Fatalf("submit on A: %v", err)
	}
	if err := mgrA.FanOut(op); err != nil {
		t.Fatalf("FanOut: %v", err)
	}

	select {
	case msg := <-dataSub:
		envelope, err := core.DecodeOperationMsgPayload(msg.Payload)
		if err != nil {
			t.Fatalf("decode fanned-out payload: %v", err)
		}
		if envelope.Operation.Key != "k1" {
			t.Fatalf("fanned-out operation key = %q, want k1", envelope.Operation.Key)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("fan-out never reached the sync topic subscriber")
	}
}

func TestSyncManagerBootstrapOnlyWhenEmpty(t *testing.T) {
	pmA, _ := newLinkedNodes(t, core.NodeID("A"), core.NodeID("B"))
	cfg := core.DefaultConfig()
	oplogA, _ := newTestOpLogAndBlobs(t)
	regA := core.NewPeerRegistry(cfg, core.NodeID("A"), nil)
	regA.UpsertPeer(core.NodeID("B"), "b", "us", core.NodeCapabilities{})

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	pub := core.PublicKeyHex(priv)
	db := core.GenerateDBName("orders", pub)
	existing := signedStringOp(t, priv, db, "k1", "v1", 1)
	if _, err := oplogA.Submit(existing); err != nil {
		t.Fatalf("seed: %v", err)
	}

	mgrA := core.NewSyncManager(core.NodeID("A"), oplogA, pmA, regA, cfg, nil)
	if err := mgrA.Bootstrap(context.Background(), 3); err != nil {
		t.Fatalf("Bootstrap on a non-empty oplog must be a no-op, got error: %v", err)
	}
	pmA.mu.Lock()
	sent := len(pmA.sent)
	pmA.mu.Unlock()
	if sent != 0 {
		t.Fatalf("Bootstrap must not issue any request when the op-log is non-empty, sent=%d", sent)
	}
}
