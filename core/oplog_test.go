package core_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	core "meshkv/core"
	"meshkv/internal/testutil"
)

func newTestOpLog(t *testing.T) *core.OpLog {
	l, _ := newTestOpLogAndBlobs(t)
	return l
}

func newTestOpLogAndBlobs(t *testing.T) (*core.OpLog, *core.BlobStore) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	t.Cleanup(func() { sb.Cleanup() })
	bs, err := core.NewBlobStore(sb.Path("blobs"))
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	return core.NewOpLog(bs), bs
}

func TestOpLogSubmitLWW(t *testing.T) {
	l := newTestOpLog(t)
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	pub := core.PublicKeyHex(priv)
	db := core.GenerateDBName("orders", pub)

	older := signedStringOp(t, priv, db, "k1", "v1", 100)
	newer := signedStringOp(t, priv, db, "k1", "v2", 200)

	res, err := l.Submit(older)
	if err != nil || res != core.Applied {
		t.Fatalf("Submit(older) = %v, %v; want Applied, nil", res, err)
	}
	res, err = l.Submit(newer)
	if err != nil || res != core.Applied {
		t.Fatalf("Submit(newer) = %v, %v; want Applied, nil", res, err)
	}

	// Resubmitting the older op must be rejected as Superseded.
	res, err = l.Submit(older)
	if err != nil || res != core.Superseded {
		t.Fatalf("Submit(older again) = %v, %v; want Superseded, nil", res, err)
	}

	all := l.GetAll()
	if len(all) != 1 || all[0].Value != "v2" {
		t.Fatalf("GetAll() = %+v; want single entry with value v2", all)
	}
}

func TestOpLogGetSinceAndForDB(t *testing.T) {
	l := newTestOpLog(t)
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	pub := core.PublicKeyHex(priv)
	db := core.GenerateDBName("orders", pub)

	op1 := signedStringOp(t, priv, db, "k1", "v1", 100)
	op2 := signedStringOp(t, priv, db, "k2", "v2", 300)
	if _, err := l.Submit(op1); err != nil {
		t.Fatalf("submit op1: %v", err)
	}
	if _, err := l.Submit(op2); err != nil {
		t.Fatalf("submit op2: %v", err)
	}

	since := l.GetSince(200)
	if len(since) != 1 || since[0].Key != "k2" {
		t.Fatalf("GetSince(200) = %+v; want only k2", since)
	}

	forDB := l.GetForDB(db, 0)
	if len(forDB) != 2 {
		t.Fatalf("GetForDB = %d entries; want 2", len(forDB))
	}
	if forDB[0].Key != "k2" || forDB[1].Key != "k1" {
		t.Fatalf("GetForDB order = [%s, %s]; want newest-first [k2, k1]", forDB[0].Key, forDB[1].Key)
	}

	if got := l.CountForDB(db); got != 2 {
		t.Fatalf("CountForDB = %d; want 2", got)
	}

	limited := l.GetForDB(db, 1)
	if len(limited) != 1 || limited[0].Key != "k2" {
		t.Fatalf("GetForDB(db, 1) = %+v; want single newest entry k2", limited)
	}
}

func TestOpLogManifestRoundTrip(t *testing.T) {
	l, bs := newTestOpLogAndBlobs(t)
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	pub := core.PublicKeyHex(priv)
	db := core.GenerateDBName("orders", pub)

	op := signedStringOp(t, priv, db, "k1", "v1", 100)
	if _, err := l.Submit(op); err != nil {
		t.Fatalf("submit: %v", err)
	}

	hash, err := l.SaveManifest()
	if err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}

	reloaded := core.NewOpLog(bs)
	if err := reloaded.LoadManifest(hash); err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if got := reloaded.Count(); got != 1 {
		t.Fatalf("reloaded Count() = %d, want 1", got)
	}
}
