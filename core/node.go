package core

// Node wires every component together into a single runnable process: the
// transport, the op-log, the sync manager, the gossip discovery sender and
// receiver, the materializer, and the bridge adapter, started and stopped
// as a unit.

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"meshkv/pkg/kverrors"
)

var nodeLog = logrus.WithField("component", "node")

// manifestFileName is the small named file under DataDir that records the
// op-log's last saved manifest hash, so a restart can rebuild the LWW
// index from content-addressed blobs instead of starting empty.
const manifestFileName = "manifest.hash"

// Node is the assembled replication core.
type Node struct {
	cfg Config

	priv ed25519.PrivateKey
	id   NodeID

	net      *Network
	blobs    *BlobStore
	oplog    *OpLog
	views    *MemoryBackend
	registry *PeerRegistry
	sync     *SyncManager
	sender   *DiscoverySender
	receiver *DiscoveryReceiver
	bridge   *BridgeAdapter

	opSem *semaphore.Weighted

	newPeerCh chan NodeID

	cancel context.CancelFunc
}

// NewNode constructs a Node from cfg: loads or creates the identity key,
// opens the blob store and op-log, and wires the transport, registry,
// discovery and sync components together. It does not yet start any
// background loop; call Start for that.
func NewNode(cfg Config, name, region string, caps NodeCapabilities) (*Node, error) {
	priv, err := LoadOrCreateIdentity(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("node: identity: %w", err)
	}

	net, err := NewNetwork(cfg)
	if err != nil {
		return nil, fmt.Errorf("node: network: %w", err)
	}

	blobs, err := NewBlobStore(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		net.Close()
		return nil, fmt.Errorf("node: blob store: %w", err)
	}
	oplog := NewOpLog(blobs)
	if hash, err := readManifestHash(cfg.DataDir); err == nil && hash != "" {
		if err := oplog.LoadManifest(hash); err != nil {
			nodeLog.WithError(err).Warn("node: failed to reload manifest, starting with an empty op-log")
		} else {
			nodeLog.WithField("count", oplog.Count()).Info("node: restored op-log from manifest")
		}
	}
	views := NewMemoryBackend()

	localID := net.LocalID()
	bootstrap := make([]NodeID, 0)
	registry := NewPeerRegistry(cfg, localID, bootstrap)

	maxOps := cfg.MaxConcurrentOps
	if maxOps <= 0 {
		maxOps = 1 << 30 // effectively unbounded when unconfigured
	}

	n := &Node{
		cfg:       cfg,
		priv:      priv,
		id:        localID,
		net:       net,
		blobs:     blobs,
		oplog:     oplog,
		views:     views,
		registry:  registry,
		opSem:     semaphore.NewWeighted(int64(maxOps)),
		newPeerCh: make(chan NodeID, 64),
		bridge:    NewBridgeAdapter(string(localID)),
	}

	n.sync = NewSyncManager(localID, oplog, net, registry, cfg, n.applyLocally)
	n.sender = NewDiscoverySender(priv, name, region, caps, net, cfg)
	n.receiver = NewDiscoveryReceiver(registry, localID, n.newPeerCh)

	return n, nil
}

// readManifestHash reads the previously-saved manifest hash from its
// well-known path under dataDir. A missing file is not an error: it means
// this is the node's first run.
func readManifestHash(dataDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, manifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("node: read manifest pointer: %w", err)
	}
	return string(data), nil
}

// saveManifest checkpoints the op-log into the blob store and records the
// resulting hash at the well-known manifest pointer path, so a later
// NewNode call can rebuild the index instead of starting empty.
func (n *Node) saveManifest() error {
	hash, err := n.oplog.SaveManifest()
	if err != nil {
		return fmt.Errorf("node: save manifest: %w", err)
	}
	path := filepath.Join(n.cfg.DataDir, manifestFileName)
	if err := os.WriteFile(path, []byte(hash), 0o644); err != nil {
		return fmt.Errorf("node: write manifest pointer %s: %w", path, err)
	}
	return nil
}

func (n *Node) applyLocally(op *SignedOperation) {
	if err := Materialize(op, n.views); err != nil {
		nodeLog.WithError(err).WithField("op_id", op.OpID).Warn("materialize failed")
	}
}

// Start launches every background loop: discovery producer/consumer,
// cleanup sweep, and the sync protocol's read loop, then bootstraps from
// peers if the local op-log is empty.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if err := n.sync.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("node: start sync manager: %w", err)
	}
	n.sender.Start(ctx)
	StartCleanupTask(ctx, n.registry, n.cfg.CleanupInterval)

	discSub, err := n.net.Subscribe(TopicDiscovery.String())
	if err != nil {
		cancel()
		return fmt.Errorf("node: subscribe discovery: %w", err)
	}
	go n.discoveryLoop(ctx, discSub)

	go n.bootstrapOnce(ctx)
	go n.manifestCheckpointLoop(ctx)

	nodeLog.WithField("node_id", n.id).Info("node started")
	return nil
}

// manifestCheckpointLoop periodically checkpoints the op-log's manifest so
// a crash loses at most one interval's worth of durability, on top of the
// unconditional checkpoint Stop performs on a clean shutdown.
func (n *Node) manifestCheckpointLoop(ctx context.Context) {
	interval := n.cfg.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.saveManifest(); err != nil {
				nodeLog.WithError(err).Warn("periodic manifest checkpoint failed")
			}
		}
	}
}

func (n *Node) discoveryLoop(ctx context.Context, sub <-chan InboundMsg) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			if err := n.receiver.HandleAnnouncement(msg.Payload); err != nil {
				nodeLog.WithError(err).Debug("discovery announcement rejected")
			}
		}
	}
}

// bootstrapOnce waits briefly for the discovery layer to populate the
// registry, then performs a one-shot full sync if the op-log is still
// empty. If no peers were available yet, it keeps retrying on the
// registry's backoff interval until the op-log gets data or ctx ends;
// Bootstrap itself is a no-op once the op-log is non-empty, so retrying
// costs nothing once the first attempt succeeds.
func (n *Node) bootstrapOnce(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * n.cfg.AnnounceInterval):
	}
	if err := n.sync.Bootstrap(ctx, 3); err == nil {
		return
	}

	ticker := backoffTicker(n.cfg)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.oplog.Count() > 0 {
				return
			}
			if err := n.sync.Bootstrap(ctx, 3); err != nil {
				nodeLog.WithError(err).Debug("bootstrap retry deferred")
			} else {
				return
			}
		}
	}
}

// Stop tears down every background loop, checkpoints the op-log's manifest
// for the next restart, and closes the transport.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.sender.Stop()
	n.sync.Stop()
	if err := n.saveManifest(); err != nil {
		nodeLog.WithError(err).Warn("final manifest checkpoint failed")
	}
	n.net.Close()
	nodeLog.Info("node stopped")
}

// SubmitSigned validates and applies an externally-constructed operation.
// On success it materializes the operation locally and fans it out live
// to peers.
func (n *Node) SubmitSigned(op *SignedOperation) (ApplyResult, error) {
	if !n.opSem.TryAcquire(1) {
		return Superseded, kverrors.New(kverrors.Resource, "node.SubmitSigned", fmt.Errorf("max_concurrent_ops (%d) exhausted", n.cfg.MaxConcurrentOps))
	}
	defer n.opSem.Release(1)

	if err := op.Verify(n.cfg, time.Now()); err != nil {
		return Superseded, fmt.Errorf("node: verify: %w", err)
	}
	result, err := n.oplog.Submit(op)
	if err != nil {
		return result, err
	}
	if result == Applied {
		n.applyLocally(op)
		if err := n.sync.FanOut(op); err != nil {
			nodeLog.WithError(err).WithField("op_id", op.OpID).Warn("fan-out failed")
		}
		n.bridge.EnqueueOutbound(op)
	}
	return result, nil
}

// GetOperationsForDB returns operations bound to db, newest first, capped
// at limit (0 means unlimited), for read-path callers (CLI/status).
func (n *Node) GetOperationsForDB(db string, limit int) []*SignedOperation {
	return n.oplog.GetForDB(db, limit)
}

// RequestSync asks peer for every operation since sinceMs (nil: full sync),
// exposed for CLI/tooling and tests that want reconciliation on demand
// rather than waiting on the node's own deferred bootstrap timer.
func (n *Node) RequestSync(peer NodeID, sinceMs *int64) error {
	return n.sync.RequestSync(peer, sinceMs)
}

// ID returns the node's public identity.
func (n *Node) ID() NodeID { return n.id }

// PublicKeyHex returns the node's Ed25519 public key as hex.
func (n *Node) PublicKeyHex() string { return PublicKeyHex(n.priv) }

// Views exposes the materialized view backend, for read paths built on top
// of this core.
func (n *Node) Views() *MemoryBackend { return n.views }

// OpLog exposes the op-log, for status/introspection callers.
func (n *Node) OpLog() *OpLog { return n.oplog }

// Registry exposes the peer registry, for status/introspection callers.
func (n *Node) Registry() *PeerRegistry { return n.registry }

// Bridge exposes the bridge adapter's queue boundary.
func (n *Node) Bridge() *BridgeAdapter { return n.bridge }

// Addrs returns this node's dialable multi-addresses, for operators to
// share with peers that want to set it as a bootstrap target.
func (n *Node) Addrs() []string { return n.net.Addrs() }
