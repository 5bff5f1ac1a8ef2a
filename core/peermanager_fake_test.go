package core_test

import (
	"fmt"
	"sync"

	core "meshkv/core"
)

// fakePeerManager is an in-process PeerManager double used by tests that
// need to observe broadcasts/sends or feed synthetic inbound messages,
// without standing up real libp2p hosts.
type fakePeerManager struct {
	mu        sync.Mutex
	localID   core.NodeID
	peers     []core.Peer
	broadcast []fakeBroadcast
	sent      []fakeSend
	peerByTgt map[core.NodeID]*fakePeerManager // directed delivery targets
	subs      map[string]chan core.InboundMsg
}

type fakeBroadcast struct {
	topic   string
	payload []byte
}

type fakeSend struct {
	to      core.NodeID
	topic   string
	payload []byte
}

func newFakePeerManager(id core.NodeID) *fakePeerManager {
	return &fakePeerManager{localID: id, peerByTgt: make(map[core.NodeID]*fakePeerManager)}
}

func (f *fakePeerManager) LocalID() core.NodeID { return f.localID }

func (f *fakePeerManager) Peers() []core.Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Peer, len(f.peers))
	copy(out, f.peers)
	return out
}

func (f *fakePeerManager) Connect(addr string) error    { return nil }
func (f *fakePeerManager) Disconnect(id core.NodeID) error { return nil }

func (f *fakePeerManager) Sample(n int) []core.Peer {
	all := f.Peers()
	if n >= len(all) {
		return all
	}
	return all[:n]
}

func (f *fakePeerManager) SendAsync(id core.NodeID, topic string, payload []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, fakeSend{to: id, topic: topic, payload: payload})
	target := f.peerByTgt[id]
	f.mu.Unlock()
	if target == nil {
		return fmt.Errorf("fakePeerManager: no route to %s", id)
	}
	target.deliver(f.localID, topic, payload)
	return nil
}

func (f *fakePeerManager) Subscribe(topic string) (<-chan core.InboundMsg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[string]chan core.InboundMsg)
	}
	ch, ok := f.subs[topic]
	if !ok {
		ch = make(chan core.InboundMsg, 64)
		f.subs[topic] = ch
	}
	return ch, nil
}

func (f *fakePeerManager) Unsubscribe(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[topic]; ok {
		close(ch)
		delete(f.subs, topic)
	}
}

// Broadcast records the publication and, to approximate a gossip mesh for
// tests, also delivers the payload to every linked peer subscribed to
// topic.
func (f *fakePeerManager) Broadcast(topic string, payload []byte) error {
	f.mu.Lock()
	f.broadcast = append(f.broadcast, fakeBroadcast{topic: topic, payload: payload})
	targets := make([]*fakePeerManager, 0, len(f.peerByTgt))
	for _, t := range f.peerByTgt {
		targets = append(targets, t)
	}
	f.mu.Unlock()
	for _, t := range targets {
		t.deliver(f.localID, topic, payload)
	}
	return nil
}

// deliver injects an inbound message as if it arrived from "from" on topic.
func (f *fakePeerManager) deliver(from core.NodeID, topic string, payload []byte) {
	f.mu.Lock()
	ch, ok := f.subs[topic]
	f.mu.Unlock()
	if !ok {
		return
	}
	ch <- core.InboundMsg{PeerID: from, Topic: topic, Payload: payload}
}

// link registers target as the directed-send route for its own id.
func (f *fakePeerManager) link(target *fakePeerManager) {
	f.mu.Lock()
	f.peerByTgt[target.localID] = target
	f.peers = append(f.peers, core.Peer{ID: target.localID})
	f.mu.Unlock()
}
