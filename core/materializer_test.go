package core_test

import (
	"testing"

	core "meshkv/core"
)

func strPtr(s string) *string    { return &s }
func f64Ptr(f float64) *float64  { return &f }
func i64Ptr(i int64) *int64      { return &i }

func TestMaterializeEachStoreType(t *testing.T) {
	backend := core.NewMemoryBackend()
	db := "orders-abc"

	ops := []*core.SignedOperation{
		{DBName: db, Key: "s", Value: "v1", StoreType: core.StoreString, OpID: "op1", Timestamp: 1},
		{DBName: db, Key: "h", Value: "v2", Field: strPtr("f1"), StoreType: core.StoreHash, OpID: "op2", Timestamp: 2},
		{DBName: db, Key: "l", Value: "v3", StoreType: core.StoreList, OpID: "op3", Timestamp: 3},
		{DBName: db, Key: "st", Value: "m1", StoreType: core.StoreSet, OpID: "op4", Timestamp: 4},
		{DBName: db, Key: "z", Value: "m2", Score: f64Ptr(1.5), StoreType: core.StoreSortedSet, OpID: "op5", Timestamp: 5},
		{DBName: db, Key: "j", Value: `{"a":1}`, JSONPath: strPtr("$"), StoreType: core.StoreJSON, OpID: "op6", Timestamp: 6},
		{DBName: db, Key: "x", Value: "x1", StreamFields: strPtr(`{"a":"b"}`), StoreType: core.StoreStream, OpID: "op7", Timestamp: 7},
		{DBName: db, Key: "ts", Value: "98.6", TSTimestamp: i64Ptr(1000), StoreType: core.StoreTimeSeries, OpID: "op8", Timestamp: 8},
		{DBName: db, Key: "g", Value: "home", Longitude: f64Ptr(-122.4), Latitude: f64Ptr(37.7), StoreType: core.StoreGeo, OpID: "op9", Timestamp: 9},
	}
	for _, op := range ops {
		if err := core.Materialize(op, backend); err != nil {
			t.Fatalf("Materialize(%s): %v", op.StoreType, err)
		}
	}

	if v, ok := backend.GetString(db, "s"); !ok || v != "v1" {
		t.Fatalf("GetString = %q, %v", v, ok)
	}
	if h, ok := backend.GetHash(db, "h"); !ok || h["f1"] != "v2" {
		t.Fatalf("GetHash = %+v, %v", h, ok)
	}
	if l, ok := backend.GetList(db, "l"); !ok || len(l) != 1 || l[0] != "v3" {
		t.Fatalf("GetList = %+v, %v", l, ok)
	}
	if s, ok := backend.GetSet(db, "st"); !ok || len(s) != 1 || s[0] != "m1" {
		t.Fatalf("GetSet = %+v, %v", s, ok)
	}
	if z, ok := backend.GetSortedSet(db, "z"); !ok || len(z) != 1 || z[0].Score != 1.5 {
		t.Fatalf("GetSortedSet = %+v, %v", z, ok)
	}
	if j, ok := backend.GetJSON(db, "j"); !ok || j != `{"a":1}` {
		t.Fatalf("GetJSON = %q, %v", j, ok)
	}
	if strm, ok := backend.GetStream(db, "x"); !ok || len(strm) != 1 {
		t.Fatalf("GetStream = %+v, %v", strm, ok)
	}
	if ts, ok := backend.GetTimeSeries(db, "ts"); !ok || len(ts) != 1 || ts[0].Value != "98.6" {
		t.Fatalf("GetTimeSeries = %+v, %v", ts, ok)
	}
	if geo, ok := backend.GetGeo(db, "g"); !ok || len(geo) != 1 || geo[0].Member != "home" {
		t.Fatalf("GetGeo = %+v, %v", geo, ok)
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	backend := core.NewMemoryBackend()
	db := "orders-abc"
	op := &core.SignedOperation{DBName: db, Key: "s", Value: "v1", StoreType: core.StoreString, OpID: "op1", Timestamp: 1}

	if err := core.Materialize(op, backend); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := core.Materialize(op, backend); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	v, ok := backend.GetString(db, "s")
	if !ok || v != "v1" {
		t.Fatalf("GetString after repeated apply = %q, %v", v, ok)
	}
}

func TestMaterializeUnknownStoreType(t *testing.T) {
	backend := core.NewMemoryBackend()
	op := &core.SignedOperation{DBName: "orders-abc", Key: "k", StoreType: core.StoreType("bogus")}
	if err := core.Materialize(op, backend); err == nil {
		t.Fatalf("expected an error for an unknown store_type")
	}
}
