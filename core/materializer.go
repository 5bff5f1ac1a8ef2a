package core

// Materializer projects verified operations onto a secondary-view backend,
// one dispatch arm per store_type (set_string/set_hash/push_list/add_set/
// add_sorted_set/set_json/xadd/ts_add/geo_add), backed here by an in-memory
// implementation rather than a Redis client. The query engine over these
// views is a separate concern; only the write-side projection lives here.

import (
	"fmt"
	"sort"
	"sync"
)

// SignatureMeta records who last wrote a key/field, for introspection and
// the audit trail a materialized view carries alongside its value.
type SignatureMeta struct {
	PublicKey string
	OpID      string
	Timestamp int64
}

// ViewBackend is the abstract projection target for materialized views.
type ViewBackend interface {
	SetString(dbName, key, value string, meta SignatureMeta)
	GetString(dbName, key string) (string, bool)

	SetHashField(dbName, key, field, value string, meta SignatureMeta)
	GetHash(dbName, key string) (map[string]string, bool)

	PushList(dbName, key, value string, meta SignatureMeta)
	GetList(dbName, key string) ([]string, bool)

	AddSet(dbName, key, value string, meta SignatureMeta)
	GetSet(dbName, key string) ([]string, bool)

	AddSortedSet(dbName, key, value string, score float64, meta SignatureMeta)
	GetSortedSet(dbName, key string) ([]ScoredMember, bool)

	SetJSON(dbName, key, path, value string, meta SignatureMeta)
	GetJSON(dbName, key string) (string, bool)

	// StreamAppend assigns a stream entry id. id == "*" requests
	// auto-assignment in the form "<timestamp_ms>-<seq>".
	StreamAppend(dbName, key, id, fields string, meta SignatureMeta) string
	GetStream(dbName, key string) ([]StreamEntry, bool)

	TSAdd(dbName, key string, timestamp int64, value string, meta SignatureMeta)
	GetTimeSeries(dbName, key string) ([]TSPoint, bool)

	GeoAdd(dbName, key string, longitude, latitude float64, member string, meta SignatureMeta)
	GetGeo(dbName, key string) ([]GeoPoint, bool)
}

// ScoredMember is one entry of a sorted-set view.
type ScoredMember struct {
	Member string
	Score  float64
}

// StreamEntry is one entry of a stream view.
type StreamEntry struct {
	ID     string
	Fields string
}

// TSPoint is one sample of a time-series view.
type TSPoint struct {
	Timestamp int64
	Value     string
}

// GeoPoint is one member of a geo view.
type GeoPoint struct {
	Member    string
	Longitude float64
	Latitude  float64
}

// MemoryBackend is the in-memory ViewBackend implementation used by this
// repository (no Redis dependency, no secondary-index query engine over
// these views).
type MemoryBackend struct {
	mu       sync.RWMutex
	strings  map[string]string
	hashes   map[string]map[string]string
	lists    map[string][]string
	sets     map[string]map[string]struct{}
	zsets    map[string]map[string]float64
	jsons    map[string]string
	streams  map[string][]StreamEntry
	series   map[string][]TSPoint
	geos     map[string]map[string]GeoPoint
	metadata map[string]SignatureMeta
}

// NewMemoryBackend constructs an empty in-memory view backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		strings:  make(map[string]string),
		hashes:   make(map[string]map[string]string),
		lists:    make(map[string][]string),
		sets:     make(map[string]map[string]struct{}),
		zsets:    make(map[string]map[string]float64),
		jsons:    make(map[string]string),
		streams:  make(map[string][]StreamEntry),
		series:   make(map[string][]TSPoint),
		geos:     make(map[string]map[string]GeoPoint),
		metadata: make(map[string]SignatureMeta),
	}
}

func viewKey(dbName, key string) string { return dbName + ":" + key }

func (b *MemoryBackend) recordMeta(dbName, key string, meta SignatureMeta) {
	b.metadata[viewKey(dbName, key)] = meta
}

func (b *MemoryBackend) SetString(dbName, key, value string, meta SignatureMeta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strings[viewKey(dbName, key)] = value
	b.recordMeta(dbName, key, meta)
}

func (b *MemoryBackend) GetString(dbName, key string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.strings[viewKey(dbName, key)]
	return v, ok
}

func (b *MemoryBackend) SetHashField(dbName, key, field, value string, meta SignatureMeta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := viewKey(dbName, key)
	h, ok := b.hashes[k]
	if !ok {
		h = make(map[string]string)
		b.hashes[k] = h
	}
	h[field] = value
	b.recordMeta(dbName, key, meta)
}

func (b *MemoryBackend) GetHash(dbName, key string) (map[string]string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.hashes[viewKey(dbName, key)]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, true
}

func (b *MemoryBackend) PushList(dbName, key, value string, meta SignatureMeta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := viewKey(dbName, key)
	b.lists[k] = append(b.lists[k], value)
	b.recordMeta(dbName, key, meta)
}

func (b *MemoryBackend) GetList(dbName, key string) ([]string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.lists[viewKey(dbName, key)]
	if !ok {
		return nil, false
	}
	out := make([]string, len(l))
	copy(out, l)
	return out, true
}

func (b *MemoryBackend) AddSet(dbName, key, value string, meta SignatureMeta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := viewKey(dbName, key)
	s, ok := b.sets[k]
	if !ok {
		s = make(map[string]struct{})
		b.sets[k] = s
	}
	s[value] = struct{}{}
	b.recordMeta(dbName, key, meta)
}

func (b *MemoryBackend) GetSet(dbName, key string) ([]string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sets[viewKey(dbName, key)]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, true
}

func (b *MemoryBackend) AddSortedSet(dbName, key, value string, score float64, meta SignatureMeta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := viewKey(dbName, key)
	z, ok := b.zsets[k]
	if !ok {
		z = make(map[string]float64)
		b.zsets[k] = z
	}
	z[value] = score
	b.recordMeta(dbName, key, meta)
}

func (b *MemoryBackend) GetSortedSet(dbName, key string) ([]ScoredMember, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	z, ok := b.zsets[viewKey(dbName, key)]
	if !ok {
		return nil, false
	}
	out := make([]ScoredMember, 0, len(z))
	for m, s := range z {
		out = append(out, ScoredMember{Member: m, Score: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out, true
}

func (b *MemoryBackend) SetJSON(dbName, key, path, value string, meta SignatureMeta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := viewKey(dbName, key)
	// Whole-document replacement when path is root; otherwise append a
	// synthetic "|path=value" fragment to the stored document rather than
	// implementing a full JSON-patch engine.
	if path == "" || path == "$" {
		b.jsons[k] = value
	} else {
		b.jsons[k] = fmt.Sprintf("%s|%s=%s", b.jsons[k], path, value)
	}
	b.recordMeta(dbName, key, meta)
}

func (b *MemoryBackend) GetJSON(dbName, key string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.jsons[viewKey(dbName, key)]
	return v, ok
}

func (b *MemoryBackend) StreamAppend(dbName, key, id, fields string, meta SignatureMeta) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := viewKey(dbName, key)
	if id == "*" || id == "" {
		seq := len(b.streams[k])
		id = fmt.Sprintf("%d-%d", meta.Timestamp, seq)
	}
	b.streams[k] = append(b.streams[k], StreamEntry{ID: id, Fields: fields})
	b.recordMeta(dbName, key, meta)
	return id
}

func (b *MemoryBackend) GetStream(dbName, key string) ([]StreamEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.streams[viewKey(dbName, key)]
	if !ok {
		return nil, false
	}
	out := make([]StreamEntry, len(s))
	copy(out, s)
	return out, true
}

func (b *MemoryBackend) TSAdd(dbName, key string, timestamp int64, value string, meta SignatureMeta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := viewKey(dbName, key)
	b.series[k] = append(b.series[k], TSPoint{Timestamp: timestamp, Value: value})
	sort.Slice(b.series[k], func(i, j int) bool { return b.series[k][i].Timestamp < b.series[k][j].Timestamp })
	b.recordMeta(dbName, key, meta)
}

func (b *MemoryBackend) GetTimeSeries(dbName, key string) ([]TSPoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.series[viewKey(dbName, key)]
	if !ok {
		return nil, false
	}
	out := make([]TSPoint, len(s))
	copy(out, s)
	return out, true
}

func (b *MemoryBackend) GeoAdd(dbName, key string, longitude, latitude float64, member string, meta SignatureMeta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := viewKey(dbName, key)
	g, ok := b.geos[k]
	if !ok {
		g = make(map[string]GeoPoint)
		b.geos[k] = g
	}
	g[member] = GeoPoint{Member: member, Longitude: longitude, Latitude: latitude}
	b.recordMeta(dbName, key, meta)
}

func (b *MemoryBackend) GetGeo(dbName, key string) ([]GeoPoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	g, ok := b.geos[viewKey(dbName, key)]
	if !ok {
		return nil, false
	}
	out := make([]GeoPoint, 0, len(g))
	for _, p := range g {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Member < out[j].Member })
	return out, true
}

// Materialize projects a single verified operation onto backend. It is pure
// dispatch with no side effects beyond the backend call. Re-applying the
// same operation leaves string, hash, set, sorted-set, root-path JSON and
// geo views unchanged; list, stream, time-series and non-root JSON-path
// writes append again on every call, so a repeated call duplicates them.
func Materialize(op *SignedOperation, backend ViewBackend) error {
	meta := SignatureMeta{PublicKey: op.PublicKey, OpID: op.OpID, Timestamp: op.Timestamp}
	switch op.StoreType {
	case StoreString:
		backend.SetString(op.DBName, op.Key, op.Value, meta)
	case StoreHash:
		backend.SetHashField(op.DBName, op.Key, *op.Field, op.Value, meta)
	case StoreList:
		backend.PushList(op.DBName, op.Key, op.Value, meta)
	case StoreSet:
		backend.AddSet(op.DBName, op.Key, op.Value, meta)
	case StoreSortedSet:
		backend.AddSortedSet(op.DBName, op.Key, op.Value, *op.Score, meta)
	case StoreJSON:
		backend.SetJSON(op.DBName, op.Key, *op.JSONPath, op.Value, meta)
	case StoreStream:
		backend.StreamAppend(op.DBName, op.Key, "*", *op.StreamFields, meta)
	case StoreTimeSeries:
		backend.TSAdd(op.DBName, op.Key, *op.TSTimestamp, op.Value, meta)
	case StoreGeo:
		backend.GeoAdd(op.DBName, op.Key, *op.Longitude, *op.Latitude, op.Value, meta)
	default:
		return fmt.Errorf("materializer: unknown store_type %q", op.StoreType)
	}
	return nil
}
