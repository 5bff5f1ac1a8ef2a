package core

// Sync protocol: full/incremental reconciliation plus live fan-out of
// freshly-applied operations over both a pub-sub topic and a directed
// request/response stream protocol.

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshkv/pkg/kverrors"
)

var syncLog = logrus.WithField("component", "sync")

const syncProtocolID = "meshkv-sync/1"

// SyncState is the sync manager's bootstrap/steady-state machine.
type SyncState int

const (
	StateIdle SyncState = iota
	StateResponding
	StateBootstrapping
)

// SyncRequest asks a peer for every operation since_timestamp (nil means a
// full sync).
type SyncRequest struct {
	Requester      NodeID `json:"requester"`
	SinceTimestamp *int64 `json:"since_timestamp,omitempty"`
}

// SyncResponse carries a page of operations back to the requester.
type SyncResponse struct {
	Operations        []*SignedOperation `json:"operations"`
	HasMore           bool               `json:"has_more"`
	ContinuationToken *string            `json:"continuation_token,omitempty"`
}

// OperationMsg is the live fan-out envelope for a single freshly-applied
// operation.
type OperationMsg struct {
	Operation *SignedOperation `json:"operation"`
}

// syncEnvelope tags which of the three sync messages a wire payload is.
type syncEnvelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func encodeSyncRequest(r SyncRequest) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(syncEnvelope{Kind: "request", Body: body})
}

func encodeSyncResponse(r SyncResponse) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(syncEnvelope{Kind: "response", Body: body})
}

func encodeOperationMsg(m OperationMsg) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(syncEnvelope{Kind: "operation", Body: body})
}

// DecodeOperationMsgPayload unwraps a fan-out envelope back into an
// OperationMsg, exported for callers (e.g. tests) observing raw bytes off
// the sync topic rather than going through a SyncManager's own readLoop.
func DecodeOperationMsgPayload(payload []byte) (OperationMsg, error) {
	var env syncEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return OperationMsg{}, err
	}
	if env.Kind != "operation" {
		return OperationMsg{}, fmt.Errorf("sync: payload kind %q is not an operation message", env.Kind)
	}
	var om OperationMsg
	if err := json.Unmarshal(env.Body, &om); err != nil {
		return OperationMsg{}, err
	}
	return om, nil
}

// SyncManager implements the request/response reconciliation state machine
// and the live fan-out of newly-applied operations (Start/Stop/readLoop/
// handleMsg dispatch).
type SyncManager struct {
	localID NodeID
	oplog   *OpLog
	pm      PeerManager
	reg     *PeerRegistry
	cfg     Config
	logger  *logrus.Entry

	mu     sync.Mutex
	state  SyncState
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// onApply is invoked for every newly-Applied operation received over the
	// wire, so the caller can materialize it without this package depending
	// on ViewBackend directly.
	onApply func(*SignedOperation)

	pageSize int
}

// NewSyncManager wires the sync protocol to an op-log, transport and peer
// registry.
func NewSyncManager(localID NodeID, oplog *OpLog, pm PeerManager, reg *PeerRegistry, cfg Config, onApply func(*SignedOperation)) *SyncManager {
	return &SyncManager{
		localID:  localID,
		oplog:    oplog,
		pm:       pm,
		reg:      reg,
		cfg:      cfg,
		logger:   syncLog,
		onApply:  onApply,
		pageSize: 256,
		state:    StateIdle,
	}
}

// Start launches the inbound read loops: TopicSync (pubsub, carries live
// fan-out via FanOut) and the point-to-point sync protocol stream used by
// RequestSync/handleRequest.
func (m *SyncManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	topicSub, err := m.pm.Subscribe(TopicSync.String())
	if err != nil {
		return fmt.Errorf("sync: subscribe topic: %w", err)
	}
	directSub, err := m.pm.Subscribe(syncProtocolID)
	if err != nil {
		return fmt.Errorf("sync: subscribe protocol: %w", err)
	}
	m.wg.Add(2)
	go m.readLoop(ctx, topicSub)
	go m.readLoop(ctx, directSub)
	m.logger.Info("sync manager started")
	return nil
}

// Stop halts both read loops.
func (m *SyncManager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	m.pm.Unsubscribe(TopicSync.String())
	m.pm.Unsubscribe(syncProtocolID)
	m.wg.Wait()
	m.logger.Info("sync manager stopped")
}

func (m *SyncManager) readLoop(ctx context.Context, sub <-chan InboundMsg) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			m.handle(msg)
		}
	}
}

func (m *SyncManager) handle(msg InboundMsg) {
	var env syncEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		m.logger.WithError(err).Warn("sync: malformed envelope")
		m.reg.RecordFailure(msg.PeerID)
		return
	}
	switch env.Kind {
	case "request":
		m.handleRequest(msg.PeerID, env.Body)
	case "response":
		m.handleResponse(msg.PeerID, env.Body)
	case "operation":
		m.handleOperation(msg.PeerID, env.Body)
	default:
		m.logger.WithField("kind", env.Kind).Warn("sync: unknown message kind")
	}
}

func (m *SyncManager) handleRequest(peer NodeID, body json.RawMessage) {
	var req SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		m.logger.WithError(err).Warn("sync: decode request")
		return
	}
	m.setState(StateResponding)
	defer m.setState(StateIdle)

	var ops []*SignedOperation
	if req.SinceTimestamp != nil {
		ops = m.oplog.GetSince(*req.SinceTimestamp)
	} else {
		ops = m.oplog.GetAll()
	}
	// Paging needs a stable order so a follow-up request (using the last
	// page's max timestamp as its own since_timestamp) doesn't skip or
	// re-send operations relative to map-iteration order.
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Timestamp != ops[j].Timestamp {
			return ops[i].Timestamp < ops[j].Timestamp
		}
		return ops[i].OpID < ops[j].OpID
	})

	for start := 0; start < len(ops) || start == 0; start += m.pageSize {
		end := start + m.pageSize
		if end > len(ops) {
			end = len(ops)
		}
		page := ops[start:end]
		resp := SyncResponse{Operations: page, HasMore: end < len(ops)}
		payload, err := encodeSyncResponse(resp)
		if err != nil {
			err = kverrors.Wrap(kverrors.Validation, "sync.handleRequest", fmt.Errorf("encode response: %w", err))
			m.logger.WithError(err).Warn("sync: encode response")
			return
		}
		if err := m.pm.SendAsync(peer, syncProtocolID, payload); err != nil {
			err = kverrors.Wrap(kverrors.Network, "sync.handleRequest", fmt.Errorf("send response: %w", err))
			m.logger.WithError(err).WithField("peer", peer).Warn("sync: send response")
			m.reg.RecordFailure(peer)
			return
		}
		if len(ops) == 0 {
			break
		}
	}
	m.reg.RecordSuccess(peer)
}

func (m *SyncManager) handleResponse(peer NodeID, body json.RawMessage) {
	var resp SyncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		err = kverrors.Wrap(kverrors.Validation, "sync.handleResponse", err)
		m.logger.WithError(err).Warn("sync: decode response")
		m.reg.RecordFailure(peer)
		return
	}

	// Inbound operations are untrusted wire data: each must pass the same
	// signature/binding/size/timestamp checks as locally-submitted ones
	// before it ever reaches the op-log, even though bulk sync tolerates
	// arbitrarily old timestamps (ValidateTimestamp already accepts any
	// past timestamp unconditionally).
	now := time.Now()
	verified := make([]*SignedOperation, 0, len(resp.Operations))
	var maxTimestamp int64
	for _, op := range resp.Operations {
		if err := op.Verify(m.cfg, now); err != nil {
			m.logger.WithError(err).WithField("op_id", op.OpID).Warn("sync: rejecting unverifiable operation from response")
			continue
		}
		verified = append(verified, op)
		if op.Timestamp > maxTimestamp {
			maxTimestamp = op.Timestamp
		}
	}

	applied := 0
	for _, op := range verified {
		if res, err := m.oplog.Submit(op); err != nil {
			m.logger.WithError(err).WithField("op_id", op.OpID).Warn("sync: submit failed")
		} else if res == Applied {
			applied++
			if m.onApply != nil {
				m.onApply(op)
			}
		}
	}
	m.logger.WithFields(logrus.Fields{"peer": peer, "received": len(resp.Operations), "verified": len(verified), "applied": applied}).Debug("sync response processed")
	m.reg.RecordSuccess(peer)

	if resp.HasMore && len(verified) > 0 {
		if err := m.RequestSync(peer, &maxTimestamp); err != nil {
			m.logger.WithError(err).WithField("peer", peer).Warn("sync: continuation request failed")
		}
	}
}

func (m *SyncManager) handleOperation(peer NodeID, body json.RawMessage) {
	if peer == m.localID {
		return // self-echo
	}
	var om OperationMsg
	if err := json.Unmarshal(body, &om); err != nil {
		err = kverrors.Wrap(kverrors.Validation, "sync.handleOperation", err)
		m.logger.WithError(err).Warn("sync: decode operation")
		m.reg.RecordFailure(peer)
		return
	}
	if om.Operation == nil {
		return
	}
	if err := om.Operation.Verify(m.cfg, time.Now()); err != nil {
		m.logger.WithError(err).WithField("op_id", om.Operation.OpID).Warn("sync: rejecting unverifiable fanned-out operation")
		m.reg.RecordFailure(peer)
		return
	}
	result, err := m.oplog.Submit(om.Operation)
	if err != nil {
		m.logger.WithError(err).WithField("op_id", om.Operation.OpID).Warn("sync: submit failed")
		m.reg.RecordFailure(peer)
		return
	}
	if result == Applied && m.onApply != nil {
		m.onApply(om.Operation)
	}
	m.reg.RecordSuccess(peer)
}

func (m *SyncManager) setState(s SyncState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// State reports the manager's current phase, for status/CLI use.
func (m *SyncManager) State() SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FanOut broadcasts a freshly-applied local operation on the sync topic so
// other live peers converge without waiting for the next reconciliation
// round.
func (m *SyncManager) FanOut(op *SignedOperation) error {
	payload, err := encodeOperationMsg(OperationMsg{Operation: op})
	if err != nil {
		return kverrors.Wrap(kverrors.Validation, "sync.FanOut", fmt.Errorf("encode fan-out: %w", err))
	}
	if err := m.pm.Broadcast(TopicSync.String(), payload); err != nil {
		return kverrors.Wrap(kverrors.Network, "sync.FanOut", err)
	}
	return nil
}

// RequestSync asks peer for operations since sinceMs (nil: full sync),
// driving the bootstrapping phase of the state machine.
func (m *SyncManager) RequestSync(peer NodeID, sinceMs *int64) error {
	m.setState(StateBootstrapping)
	req := SyncRequest{Requester: m.localID, SinceTimestamp: sinceMs}
	payload, err := encodeSyncRequest(req)
	if err != nil {
		m.setState(StateIdle)
		return kverrors.Wrap(kverrors.Validation, "sync.RequestSync", fmt.Errorf("encode request: %w", err))
	}
	if err := m.pm.SendAsync(peer, syncProtocolID, payload); err != nil {
		m.setState(StateIdle)
		m.reg.RecordFailure(peer)
		return kverrors.Wrap(kverrors.Network, "sync.RequestSync", fmt.Errorf("send request: %w", err))
	}
	return nil
}

// Bootstrap performs a full sync against up to fanout diverse peers and
// blocks until each has been asked, then returns (responses arrive
// asynchronously via handleResponse). Only triggers when local state is
// empty, so a node that already has data never overwrites it via bootstrap.
func (m *SyncManager) Bootstrap(ctx context.Context, fanout int) error {
	if m.oplog.Count() > 0 {
		return nil
	}
	peers := m.reg.GetDiversePeers(fanout)
	if len(peers) == 0 {
		return fmt.Errorf("sync: no peers available to bootstrap from")
	}
	for _, p := range peers {
		if err := m.RequestSync(p.NodeID, nil); err != nil {
			m.logger.WithError(err).WithField("peer", p.NodeID).Warn("bootstrap request failed")
		}
	}
	return nil
}

// backoffTicker is a small helper used by callers that want to retry a
// failed sync target after the registry's configured backoff window.
func backoffTicker(cfg Config) *time.Ticker {
	d := cfg.BackoffDuration
	if d <= 0 {
		d = 5 * time.Minute
	}
	return time.NewTicker(d)
}
