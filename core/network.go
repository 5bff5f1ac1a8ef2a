package core

// Transport layer: a libp2p host plus GossipSub, exposing the Broadcast/
// Subscribe pubsub surface and a stream-based directed-send surface, both
// implementing the PeerManager contract directly.

import (
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// isPubsubTopic reports whether topic is one of the three fixed gossip
// topics; anything else passed to Subscribe is treated as a directed
// stream protocol, e.g. the sync request/response protocol.
func isPubsubTopic(topic string) bool {
	return topic == TopicData.String() || topic == TopicDiscovery.String() || topic == TopicSync.String()
}

var netLog = logrus.WithField("component", "network")

// Network is the libp2p-backed PeerManager implementation used by this
// repository.
type Network struct {
	host   host.Host
	pubsub *pubsub.PubSub
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc

	peerLock sync.RWMutex
	peers    map[NodeID]*Peer

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic

	subLock sync.Mutex
	subs    map[string]*pubsub.Subscription
	outs    map[string]chan InboundMsg
}

// NewNetwork creates and bootstraps a libp2p node: a host, a GossipSub
// router, bootstrap dialing and mDNS discovery.
func NewNetwork(cfg Config) (*Network, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("network: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("network: create pubsub: %w", err)
	}

	n := &Network{
		host:   h,
		pubsub: ps,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[NodeID]*Peer),
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		outs:   make(map[string]chan InboundMsg),
	}

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		netLog.WithError(err).Warn("bootstrap dial incomplete")
	}

	// mDNS discovery; NewMdnsService registers n as a notifee and starts
	// advertising/discovering automatically.
	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)

	return n, nil
}

var _ mdns.Notifee = (*Network)(nil)

// HandlePeerFound implements mdns.Notifee.
func (n *Network) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	id := NodeID(info.ID.String())
	n.peerLock.RLock()
	_, exists := n.peers[id]
	n.peerLock.RUnlock()
	if exists {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		netLog.WithError(err).WithField("peer", id).Warn("mdns connect failed")
		return
	}
	n.peerLock.Lock()
	n.peers[id] = &Peer{ID: id, Addr: info.String()}
	n.peerLock.Unlock()
	netLog.WithField("peer", id).Info("connected via mDNS")
}

// DialSeed connects to the configured bootstrap multi-addresses.
func (n *Network) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		id := NodeID(pi.ID.String())
		n.peerLock.Lock()
		n.peers[id] = &Peer{ID: id, Addr: addr}
		n.peerLock.Unlock()
		netLog.WithField("peer", id).Info("bootstrapped")
	}
	if len(errs) > 0 {
		return fmt.Errorf("network: dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// LocalID returns this node's own identity.
func (n *Network) LocalID() NodeID { return NodeID(n.host.ID().String()) }

// Addrs returns this host's full dialable multi-addresses (including its
// peer ID), for printing at startup or for wiring a second node's
// BootstrapPeers directly in tests.
func (n *Network) Addrs() []string {
	addrs := n.host.Addrs()
	out := make([]string, 0, len(addrs))
	pid := n.host.ID().String()
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a.String(), pid))
	}
	return out
}

// Peers returns the currently known peer set.
func (n *Network) Peers() []Peer {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

// Connect dials a peer multi-address directly.
func (n *Network) Connect(addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("network: invalid address %s: %w", addr, err)
	}
	if err := n.host.Connect(n.ctx, *pi); err != nil {
		return fmt.Errorf("network: connect %s: %w", addr, err)
	}
	id := NodeID(pi.ID.String())
	n.peerLock.Lock()
	n.peers[id] = &Peer{ID: id, Addr: addr}
	n.peerLock.Unlock()
	return nil
}

// Disconnect closes the connection to a known peer.
func (n *Network) Disconnect(id NodeID) error {
	pid, err := peer.Decode(string(id))
	if err != nil {
		return fmt.Errorf("network: decode peer id %s: %w", id, err)
	}
	if err := n.host.Network().ClosePeer(pid); err != nil {
		return fmt.Errorf("network: close peer %s: %w", id, err)
	}
	n.peerLock.Lock()
	delete(n.peers, id)
	n.peerLock.Unlock()
	return nil
}

// Sample returns up to n peers chosen uniformly at random, via a
// crypto/rand Fisher-Yates shuffle.
func (n *Network) Sample(count int) []Peer {
	all := n.Peers()
	if count >= len(all) {
		return all
	}
	for i := len(all) - 1; i > 0; i-- {
		jBig, err := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			break
		}
		j := int(jBig.Int64())
		all[i], all[j] = all[j], all[i]
	}
	return all[:count]
}

// SendAsync opens a directed libp2p stream to id under the given
// protocol/topic string and writes payload.
func (n *Network) SendAsync(id NodeID, topicOrProto string, payload []byte) error {
	pid, err := peer.Decode(string(id))
	if err != nil {
		return fmt.Errorf("network: decode peer id %s: %w", id, err)
	}
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()
	s, err := n.host.NewStream(ctx, pid, protocol.ID(topicOrProto))
	if err != nil {
		return fmt.Errorf("network: open stream to %s: %w", id, err)
	}
	defer s.Close()
	if _, err := s.Write(payload); err != nil {
		return fmt.Errorf("network: write to %s: %w", id, err)
	}
	return nil
}

// Broadcast publishes data to a pubsub topic, joining it on first use.
func (n *Network) Broadcast(topic string, data []byte) error {
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("network: join topic %s: %w", topic, err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()
	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("network: publish topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe streams decoded messages as InboundMsg for topic. The three
// fixed gossip topics are joined via pubsub; any other string is treated
// as a directed-stream protocol ID (e.g. the sync request/response
// protocol) and delivered via a libp2p stream handler instead.
func (n *Network) Subscribe(topic string) (<-chan InboundMsg, error) {
	n.subLock.Lock()
	if out, ok := n.outs[topic]; ok {
		n.subLock.Unlock()
		return out, nil
	}
	out := make(chan InboundMsg, 64)
	n.outs[topic] = out
	n.subLock.Unlock()

	if !isPubsubTopic(topic) {
		n.host.SetStreamHandler(protocol.ID(topic), func(s libp2pnet.Stream) {
			defer s.Close()
			data, err := io.ReadAll(s)
			if err != nil {
				netLog.WithError(err).WithField("protocol", topic).Warn("read directed stream failed")
				return
			}
			msg := InboundMsg{PeerID: NodeID(s.Conn().RemotePeer().String()), Topic: topic, Payload: data, Ts: time.Now()}
			select {
			case out <- msg:
			case <-n.ctx.Done():
			}
		})
		return out, nil
	}

	// Share the topic handle with Broadcast: pubsub allows one Join per topic.
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return nil, fmt.Errorf("network: join topic %s: %w", topic, err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("network: subscribe topic %s: %w", topic, err)
	}
	n.subLock.Lock()
	n.subs[topic] = sub
	n.subLock.Unlock()
	go func() {
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				close(out)
				return
			}
			select {
			case out <- InboundMsg{PeerID: NodeID(msg.GetFrom().String()), Topic: topic, Payload: msg.Data, Ts: time.Now()}:
			case <-n.ctx.Done():
				close(out)
				return
			}
		}
	}()
	return out, nil
}

// Unsubscribe cancels a subscription created via Subscribe.
func (n *Network) Unsubscribe(topic string) {
	n.subLock.Lock()
	defer n.subLock.Unlock()
	if sub, ok := n.subs[topic]; ok {
		sub.Cancel()
		delete(n.subs, topic)
	}
	if out, ok := n.outs[topic]; ok {
		delete(n.outs, topic)
		_ = out // closed by the Subscribe goroutine when sub.Next errors
	}
}

// ListenAndServe blocks until the network context is cancelled.
func (n *Network) ListenAndServe() {
	<-n.ctx.Done()
	netLog.Info("network shutting down")
}

// Close tears down the host and cancels the network context.
func (n *Network) Close() error {
	n.cancel()
	return n.host.Close()
}

var _ PeerManager = (*Network)(nil)
