package core_test

import (
	"testing"

	core "meshkv/core"
)

func TestBridgeAdapterEnqueueDequeue(t *testing.T) {
	b := core.NewBridgeAdapter("broker-1")
	op := &core.SignedOperation{OpID: "op1"}

	b.EnqueueInbound(core.BridgeEnvelope{Origin: "mqtt", BrokerID: "broker-2", Operation: op})
	if got := b.InboundLen(); got != 1 {
		t.Fatalf("InboundLen() = %d, want 1", got)
	}
	env, err := b.DequeueInbound()
	if err != nil {
		t.Fatalf("DequeueInbound: %v", err)
	}
	if env.Operation.OpID != "op1" {
		t.Fatalf("dequeued op_id = %q, want op1", env.Operation.OpID)
	}
	if _, err := b.DequeueInbound(); err == nil {
		t.Fatalf("expected error dequeuing an empty queue")
	}
}

func TestBridgeAdapterDropsLoopEcho(t *testing.T) {
	b := core.NewBridgeAdapter("broker-1")
	op := &core.SignedOperation{OpID: "op1"}

	// An inbound envelope whose origin/broker_id matches this node's own
	// outbound stamp must be dropped, not enqueued.
	b.EnqueueInbound(core.BridgeEnvelope{Origin: "mqtt", BrokerID: "broker-1", Operation: op})
	if got := b.InboundLen(); got != 0 {
		t.Fatalf("InboundLen() = %d, want 0 (loop echo must be dropped)", got)
	}
}

func TestBridgeAdapterOutboundStampsOrigin(t *testing.T) {
	b := core.NewBridgeAdapter("broker-1")
	op := &core.SignedOperation{OpID: "op1"}
	b.EnqueueOutbound(op)

	env, err := b.DequeueOutbound()
	if err != nil {
		t.Fatalf("DequeueOutbound: %v", err)
	}
	if !core.IsBridgeLoop(env, "broker-1") {
		t.Fatalf("an outbound envelope replayed back to this node must be detected as a loop")
	}
	if core.IsBridgeLoop(env, "broker-2") {
		t.Fatalf("an outbound envelope must not be flagged as a loop for a different node")
	}
}
