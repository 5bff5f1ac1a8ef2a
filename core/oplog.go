package core

// Op-log / sync store: an in-memory last-writer-wins index over
// SignedOperation, backed by the content-addressed BlobStore for durability
// and a manifest mapping op_id -> blob hash.

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"

	"meshkv/pkg/kverrors"
)

var oplogLog = logrus.WithField("component", "oplog")

// ApplyResult reports what submitting an operation did.
type ApplyResult int

const (
	// Applied means the operation superseded whatever was indexed for its
	// CRDT key (or nothing was indexed yet).
	Applied ApplyResult = iota
	// Superseded means an existing, newer-or-equal entry was kept.
	Superseded
)

type indexEntry struct {
	timestamp int64
	opID      string
	op        *SignedOperation
}

// manifestEntry is the RLP-encodable record persisted for each indexed
// operation: its id and the blob hash holding its JSON encoding.
type manifestEntry struct {
	OpID string
	Hash string
}

// OpLog is the op-log/sync store.
type OpLog struct {
	blobs *BlobStore

	mu    sync.RWMutex
	index map[string]indexEntry // crdt_key -> latest entry
	byID  map[string]string     // op_id -> blob hash, the manifest in memory
}

// NewOpLog wires an OpLog over an already-open BlobStore.
func NewOpLog(blobs *BlobStore) *OpLog {
	return &OpLog{
		blobs: blobs,
		index: make(map[string]indexEntry),
		byID:  make(map[string]string),
	}
}

// Submit applies a single already-verified operation under the LWW rule.
// The critical section only touches the in-memory index; blob persistence
// happens after the lock is released but before returning Applied, so no
// lock is held across the blocking I/O.
func (l *OpLog) Submit(op *SignedOperation) (ApplyResult, error) {
	key := op.CRDTKey()

	l.mu.Lock()
	existing, ok := l.index[key]
	var current *SignedOperation
	if ok {
		current = existing.op
	}
	if !op.Supersedes(current) {
		l.mu.Unlock()
		return Superseded, nil
	}
	l.index[key] = indexEntry{timestamp: op.Timestamp, opID: op.OpID, op: op}
	l.mu.Unlock()

	hash, err := l.persist(op)
	if err != nil {
		// Roll back the in-memory index entry: persistence failure must not
		// leave a phantom entry that nothing backs on disk.
		l.mu.Lock()
		if cur, ok := l.index[key]; ok && cur.opID == op.OpID {
			if ok && current != nil {
				l.index[key] = indexEntry{timestamp: current.Timestamp, opID: current.OpID, op: current}
			} else {
				delete(l.index, key)
			}
		}
		l.mu.Unlock()
		return Superseded, kverrors.Wrap(kverrors.Storage, "oplog.Submit", fmt.Errorf("persist %s: %w", op.OpID, err))
	}

	l.mu.Lock()
	l.byID[op.OpID] = hash
	l.mu.Unlock()
	return Applied, nil
}

func (l *OpLog) persist(op *SignedOperation) (string, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return "", kverrors.Wrap(kverrors.Storage, "oplog.persist", fmt.Errorf("marshal: %w", err))
	}
	hash, err := l.blobs.Put(data)
	if err != nil {
		return "", kverrors.Wrap(kverrors.Storage, "oplog.persist", err)
	}
	return hash, nil
}

// SubmitMany applies operations in order, returning the count actually
// applied. An operation whose submit fails is logged and skipped.
func (l *OpLog) SubmitMany(ops []*SignedOperation) (int, error) {
	applied := 0
	for _, op := range ops {
		res, err := l.Submit(op)
		if err != nil {
			oplogLog.WithError(err).WithField("op_id", op.OpID).Warn("submit failed during bulk apply")
			continue
		}
		if res == Applied {
			applied++
		}
	}
	return applied, nil
}

// GetAll returns every operation currently indexed, in no particular order.
func (l *OpLog) GetAll() []*SignedOperation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*SignedOperation, 0, len(l.index))
	for _, e := range l.index {
		out = append(out, e.op)
	}
	return out
}

// GetSince returns operations with timestamp strictly greater than since,
// for incremental reconciliation.
func (l *OpLog) GetSince(sinceMs int64) []*SignedOperation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*SignedOperation, 0)
	for _, e := range l.index {
		if e.timestamp > sinceMs {
			out = append(out, e.op)
		}
	}
	return out
}

// GetForDB returns operations bound to the given db_name, ordered newest
// first by (timestamp desc, op_id desc), capped at limit (0 means
// unlimited).
func (l *OpLog) GetForDB(dbName string, limit int) []*SignedOperation {
	l.mu.RLock()
	out := make([]*SignedOperation, 0)
	for _, e := range l.index {
		if e.op.DBName == dbName {
			out = append(out, e.op)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].OpID > out[j].OpID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CountForDB returns the number of indexed operations bound to the given
// db_name.
func (l *OpLog) CountForDB(dbName string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	count := 0
	for _, e := range l.index {
		if e.op.DBName == dbName {
			count++
		}
	}
	return count
}

// Count returns the number of indexed operations.
func (l *OpLog) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.index)
}

// SaveManifest persists the op_id -> blob hash map as RLP, storing the
// manifest itself in the blob store and returning its hash so callers can
// record it at a well-known location.
func (l *OpLog) SaveManifest() (string, error) {
	l.mu.RLock()
	entries := make([]manifestEntry, 0, len(l.byID))
	for id, hash := range l.byID {
		entries = append(entries, manifestEntry{OpID: id, Hash: hash})
	}
	l.mu.RUnlock()

	data, err := rlp.EncodeToBytes(entries)
	if err != nil {
		return "", kverrors.Wrap(kverrors.Storage, "oplog.SaveManifest", fmt.Errorf("rlp encode manifest: %w", err))
	}
	hash, err := l.blobs.Put(data)
	if err != nil {
		return "", kverrors.Wrap(kverrors.Storage, "oplog.SaveManifest", err)
	}
	return hash, nil
}

// LoadManifest reloads op_id -> blob hash and the CRDT index from a
// previously-saved manifest hash, re-deriving the LWW index from each
// referenced operation blob.
func (l *OpLog) LoadManifest(hash string) error {
	data, err := l.blobs.Get(hash)
	if err != nil {
		return kverrors.Wrap(kverrors.Storage, "oplog.LoadManifest", fmt.Errorf("load manifest %s: %w", hash, err))
	}
	var entries []manifestEntry
	if err := rlp.DecodeBytes(data, &entries); err != nil {
		return kverrors.Wrap(kverrors.Storage, "oplog.LoadManifest", fmt.Errorf("rlp decode manifest: %w", err))
	}
	for _, e := range entries {
		opData, err := l.blobs.Get(e.Hash)
		if err != nil {
			oplogLog.WithError(err).WithField("op_id", e.OpID).Warn("manifest references missing blob")
			continue
		}
		var op SignedOperation
		if err := json.Unmarshal(opData, &op); err != nil {
			oplogLog.WithError(err).WithField("op_id", e.OpID).Warn("corrupt operation blob")
			continue
		}
		l.mu.Lock()
		key := op.CRDTKey()
		if existing, ok := l.index[key]; !ok || op.Supersedes(existing.op) {
			opCopy := op
			l.index[key] = indexEntry{timestamp: op.Timestamp, opID: op.OpID, op: &opCopy}
		}
		l.byID[e.OpID] = e.Hash
		l.mu.Unlock()
	}
	return nil
}
