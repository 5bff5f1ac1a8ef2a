package core

// Content-addressed blob store backing the op-log and its manifest. The
// local disk directory is the origin itself, not a cache in front of a
// remote gateway: there is no upstream to fall back to.

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

var blobLog = logrus.WithField("component", "blob_store")

// BlobStore implements a content-addressed put/get contract: opaque
// transport, only hash-in/hash-out crosses this boundary.
type BlobStore struct {
	dir string

	mu    sync.RWMutex
	index map[string]struct{} // known hashes, avoids redundant stat calls
}

// NewBlobStore opens (creating if necessary) a blob store rooted at dir.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob_store: mkdir %s: %w", dir, err)
	}
	bs := &BlobStore{dir: dir, index: make(map[string]struct{})}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("blob_store: scan %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			bs.index[e.Name()] = struct{}{}
		}
	}
	return bs, nil
}

// hashOf derives the CIDv1 string for data, using blake3 as the digest
// function behind a multihash/CID envelope.
func hashOf(data []byte) (string, error) {
	sum := blake3.Sum256(data)
	encoded, err := mh.Encode(sum[:], mh.BLAKE3)
	if err != nil {
		return "", fmt.Errorf("blob_store: multihash encode: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, encoded)
	return c.String(), nil
}

// Put stores data and returns its content hash. Idempotent: re-putting
// identical bytes is a no-op beyond the initial write.
func (bs *BlobStore) Put(data []byte) (string, error) {
	h, err := hashOf(data)
	if err != nil {
		return "", err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if _, ok := bs.index[h]; ok {
		return h, nil
	}
	p := filepath.Join(bs.dir, h)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("blob_store: write %s: %w", h, err)
	}
	bs.index[h] = struct{}{}
	blobLog.WithField("hash", h).Debug("blob stored")
	return h, nil
}

// Get retrieves previously stored data by content hash.
func (bs *BlobStore) Get(hash string) ([]byte, error) {
	bs.mu.RLock()
	_, ok := bs.index[hash]
	bs.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob_store: unknown hash %s", hash)
	}
	data, err := os.ReadFile(filepath.Join(bs.dir, hash))
	if err != nil {
		return nil, fmt.Errorf("blob_store: read %s: %w", hash, err)
	}
	return data, nil
}

// Has reports whether hash is already stored, without reading the blob.
func (bs *BlobStore) Has(hash string) bool {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	_, ok := bs.index[hash]
	return ok
}
