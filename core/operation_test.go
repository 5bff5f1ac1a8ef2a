package core_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	core "meshkv/core"
)

func signedStringOp(t *testing.T, priv ed25519.PrivateKey, db, key, value string, ts int64) *core.SignedOperation {
	t.Helper()
	op := &core.SignedOperation{
		OpID:      core.NewOpID(),
		Timestamp: ts,
		DBName:    db,
		Key:       key,
		Value:     value,
		StoreType: core.StoreString,
		PublicKey: core.PublicKeyHex(priv),
	}
	op.Signature = core.SignEd25519(priv, op.SigningMessage())
	return op
}

func TestSignedOperationVerify(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	pub := core.PublicKeyHex(priv)
	db := core.GenerateDBName("orders", pub)
	cfg := core.DefaultConfig()

	op := signedStringOp(t, priv, db, "k1", "v1", time.Now().UnixMilli())
	if err := op.Verify(cfg, time.Now()); err != nil {
		t.Fatalf("expected valid operation to verify, got %v", err)
	}

	tampered := *op
	tampered.Value = "v2"
	if err := tampered.Verify(cfg, time.Now()); err == nil {
		t.Fatalf("expected tampered value to fail verification")
	}
}

func TestSignedOperationRequiredFields(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	pub := core.PublicKeyHex(priv)
	db := core.GenerateDBName("orders", pub)
	cfg := core.DefaultConfig()

	op := signedStringOp(t, priv, db, "k1", "v1", time.Now().UnixMilli())
	op.StoreType = core.StoreHash
	op.Signature = core.SignEd25519(priv, op.SigningMessage())
	if err := op.Verify(cfg, time.Now()); err == nil {
		t.Fatalf("expected missing field requirement to fail for store_type=hash")
	}
}

func TestSignedOperationValueCap(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	pub := core.PublicKeyHex(priv)
	db := core.GenerateDBName("orders", pub)
	cfg := core.DefaultConfig()
	cfg.MaxValueBytes = 4

	op := signedStringOp(t, priv, db, "k1", "toolong", time.Now().UnixMilli())
	if err := op.Verify(cfg, time.Now()); err == nil {
		t.Fatalf("expected value exceeding cap to fail verification")
	}
}

func TestSupersedes(t *testing.T) {
	older := &core.SignedOperation{OpID: "aaa", Timestamp: 100}
	newer := &core.SignedOperation{OpID: "aaa", Timestamp: 200}
	if !newer.Supersedes(older) {
		t.Fatalf("higher timestamp must supersede")
	}
	if older.Supersedes(newer) {
		t.Fatalf("lower timestamp must not supersede")
	}

	tieLow := &core.SignedOperation{OpID: "aaa", Timestamp: 100}
	tieHigh := &core.SignedOperation{OpID: "bbb", Timestamp: 100}
	if !tieHigh.Supersedes(tieLow) {
		t.Fatalf("on tied timestamp, lexicographically higher op_id must win")
	}
	if tieLow.Supersedes(tieHigh) {
		t.Fatalf("lexicographically lower op_id must not supersede on tie")
	}

	same := &core.SignedOperation{OpID: "aaa", Timestamp: 100}
	if same.Supersedes(same) {
		t.Fatalf("identical (timestamp, op_id) must not supersede itself")
	}
}

func TestCRDTKey(t *testing.T) {
	field := "balance"
	op := &core.SignedOperation{DBName: "orders-abc", Key: "acct1", Field: &field}
	if got, want := op.CRDTKey(), "orders-abc:acct1:balance"; got != want {
		t.Fatalf("CRDTKey = %q, want %q", got, want)
	}

	plain := &core.SignedOperation{DBName: "orders-abc", Key: "acct1"}
	if got, want := plain.CRDTKey(), "orders-abc:acct1"; got != want {
		t.Fatalf("CRDTKey = %q, want %q", got, want)
	}
}
