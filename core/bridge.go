package core

// Bridge adapter: an opaque two-queue interface between the gossip core
// and an external transport such as MQTT. Only the queue contract is
// implemented here; actually talking to a broker is out of scope. A
// concurrency-safe FIFO pair (inbound/outbound) plus an {origin,broker_id}
// loop-prevention check on enqueue.

import (
	"fmt"
	"sync"
)

// BridgeEnvelope wraps an operation crossing the bridge boundary with the
// origin metadata needed to prevent rebroadcast loops. MessageID and Topic
// carry the external transport's own addressing but are not inspected by
// core logic.
type BridgeEnvelope struct {
	Origin    string // e.g. "mqtt"
	BrokerID  string
	MessageID string
	Topic     string
	Operation *SignedOperation
}

// IsBridgeLoop reports whether envelope originated from this same node's
// bridge instance and should therefore be dropped to prevent a rebroadcast
// loop.
func IsBridgeLoop(env BridgeEnvelope, localBrokerID string) bool {
	return env.Origin == "mqtt" && env.BrokerID == localBrokerID
}

// bridgeQueue is a concurrency-safe FIFO of BridgeEnvelope.
type bridgeQueue struct {
	mu    sync.Mutex
	items []BridgeEnvelope
}

func (q *bridgeQueue) enqueue(env BridgeEnvelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
}

func (q *bridgeQueue) dequeue() (BridgeEnvelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return BridgeEnvelope{}, fmt.Errorf("bridge: queue empty")
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

func (q *bridgeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// BridgeAdapter is the opaque two-queue boundary: operations arriving from
// the external transport land in Inbound; operations this node wants
// relayed out to the external transport are placed in Outbound. Actually
// talking to a broker is out of scope; this type only provides the queue
// boundary.
type BridgeAdapter struct {
	localBrokerID string
	inbound       bridgeQueue
	outbound      bridgeQueue
}

// NewBridgeAdapter constructs an adapter identified by localBrokerID, used
// for loop-prevention comparisons.
func NewBridgeAdapter(localBrokerID string) *BridgeAdapter {
	return &BridgeAdapter{localBrokerID: localBrokerID}
}

// EnqueueInbound accepts an envelope from the external transport side,
// dropping it silently if it is a loop echo of this node's own output.
func (b *BridgeAdapter) EnqueueInbound(env BridgeEnvelope) {
	if IsBridgeLoop(env, b.localBrokerID) {
		return
	}
	b.inbound.enqueue(env)
}

// DequeueInbound pops the next envelope the core should apply.
func (b *BridgeAdapter) DequeueInbound() (BridgeEnvelope, error) {
	return b.inbound.dequeue()
}

// EnqueueOutbound accepts an operation the core wants relayed to the
// external transport, stamped with this node's own origin so a downstream
// hop can detect the loop.
func (b *BridgeAdapter) EnqueueOutbound(op *SignedOperation) {
	b.outbound.enqueue(BridgeEnvelope{Origin: "mqtt", BrokerID: b.localBrokerID, Operation: op})
}

// DequeueOutbound pops the next envelope the external transport should send.
func (b *BridgeAdapter) DequeueOutbound() (BridgeEnvelope, error) {
	return b.outbound.dequeue()
}

// InboundLen and OutboundLen report queue depth, for status reporting.
func (b *BridgeAdapter) InboundLen() int  { return b.inbound.len() }
func (b *BridgeAdapter) OutboundLen() int { return b.outbound.len() }
