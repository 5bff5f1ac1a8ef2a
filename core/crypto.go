package core

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"meshkv/pkg/kverrors"
)

var cryptoLog = logrus.WithField("component", "crypto")

// GenerateDBName binds a logical database name to the key that is allowed to
// write it: "<name>-<pubkey_hex>".
func GenerateDBName(name, pubKeyHex string) string {
	return fmt.Sprintf("%s-%s", name, strings.ToLower(pubKeyHex))
}

// VerifyDBName checks that dbName carries the expected public-key suffix
// using a constant-time comparison, since this binding is a security
// boundary rather than a plain equality check.
func VerifyDBName(dbName, pubKeyHex string) bool {
	suffix := "-" + strings.ToLower(pubKeyHex)
	if len(dbName) < len(suffix) {
		return false
	}
	got := strings.ToLower(dbName[len(dbName)-len(suffix):])
	return subtle.ConstantTimeCompare([]byte(got), []byte(suffix)) == 1
}

// ExtractDBName returns the logical name portion of a bound db_name, the
// inverse of GenerateDBName.
func ExtractDBName(dbName, pubKeyHex string) (string, bool) {
	suffix := "-" + strings.ToLower(pubKeyHex)
	if !strings.HasSuffix(strings.ToLower(dbName), suffix) {
		return "", false
	}
	return dbName[:len(dbName)-len(suffix)], true
}

// VerifyEd25519 checks an Ed25519 signature over message, given a hex public
// key and a hex signature.
func VerifyEd25519(pubKeyHex, message, sigHex string) error {
	pubBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return kverrors.Wrap(kverrors.Validation, "crypto.VerifyEd25519", fmt.Errorf("decode public key: %w", err))
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return kverrors.New(kverrors.Validation, "crypto.VerifyEd25519", fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pubBytes)))
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return kverrors.Wrap(kverrors.Validation, "crypto.VerifyEd25519", fmt.Errorf("decode signature: %w", err))
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return kverrors.New(kverrors.Validation, "crypto.VerifyEd25519", fmt.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(sigBytes)))
	}
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), []byte(message), sigBytes) {
		return kverrors.New(kverrors.Validation, "crypto.VerifyEd25519", fmt.Errorf("signature verification failed"))
	}
	return nil
}

// SignEd25519 signs message with priv and renders the signature as hex. Used
// by tests and the CLI's submit smoke-test path, not by verification logic.
func SignEd25519(priv ed25519.PrivateKey, message string) string {
	return hex.EncodeToString(ed25519.Sign(priv, []byte(message)))
}

// ValidateTimestamp enforces a future-skew sanity window: timestamps may
// not be further than tolerance in the future relative to now. Past
// timestamps are always accepted, since bulk/historical sync must be able
// to replay them.
func ValidateTimestamp(timestampMs int64, tolerance time.Duration, now time.Time) error {
	ts := time.UnixMilli(timestampMs)
	if ts.After(now.Add(tolerance)) {
		cryptoLog.WithFields(logrus.Fields{"ts": ts, "now": now}).Warn("rejecting operation with future timestamp")
		return kverrors.New(kverrors.Validation, "crypto.ValidateTimestamp", fmt.Errorf("timestamp %s is more than %s ahead of local clock", ts, tolerance))
	}
	return nil
}
