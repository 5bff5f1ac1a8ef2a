package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"meshkv/pkg/kverrors"
)

// StoreType tags which secondary view a SignedOperation targets. The zero
// value is invalid; every operation must carry one of these.
type StoreType string

const (
	StoreString    StoreType = "string"
	StoreHash      StoreType = "hash"
	StoreList      StoreType = "list"
	StoreSet       StoreType = "set"
	StoreSortedSet StoreType = "zset"
	StoreJSON      StoreType = "json"
	StoreStream    StoreType = "stream"
	StoreTimeSeries StoreType = "timeseries"
	StoreGeo       StoreType = "geo"
)

// SignedOperation is the unit of replication. Field names mirror the wire
// format: JSON, snake_case.
type SignedOperation struct {
	OpID      string    `json:"op_id"`
	Timestamp int64     `json:"timestamp"`
	DBName    string    `json:"db_name"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	StoreType StoreType `json:"store_type"`

	// Type-specific fields, present only for the store types that need them.
	Field         *string `json:"field,omitempty"`
	Score         *float64 `json:"score,omitempty"`
	JSONPath      *string `json:"json_path,omitempty"`
	StreamFields  *string `json:"stream_fields,omitempty"` // JSON-encoded object
	TSTimestamp   *int64  `json:"ts_timestamp,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`

	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// NewOpID generates a 128-bit, lexicographically-comparable operation
// identity as lowercase hex: hex-encoding a fixed-width value preserves
// byte ordering, which the LWW tiebreak in Supersedes relies on.
func NewOpID() string {
	id := uuid.New()
	return fmt.Sprintf("%032x", id[:])
}

// SigningMessage returns the preferred signing payload, exported so callers
// constructing operations (e.g. the CLI's submit smoke-test path) can sign
// consistently with Verify.
func (op *SignedOperation) SigningMessage() string {
	return op.signingMessageLong()
}

// signingMessageLong is the preferred signing payload.
func (op *SignedOperation) signingMessageLong() string {
	return fmt.Sprintf("%s:%d:%s:%s:%s", op.OpID, op.Timestamp, op.DBName, op.Key, op.Value)
}

// signingMessageShort supports legacy signers that predate op_id/timestamp
// binding.
func (op *SignedOperation) signingMessageShort() string {
	return fmt.Sprintf("%s:%s:%s", op.DBName, op.Key, op.Value)
}

// requiredFields reports whether the store_type's mandatory side fields are
// present.
func (op *SignedOperation) requiredFields() error {
	switch op.StoreType {
	case StoreHash:
		if op.Field == nil {
			return kverrors.New(kverrors.Validation, "operation.requiredFields", fmt.Errorf("store_type %q requires field", op.StoreType))
		}
	case StoreSortedSet:
		if op.Score == nil {
			return kverrors.New(kverrors.Validation, "operation.requiredFields", fmt.Errorf("store_type %q requires score", op.StoreType))
		}
	case StoreJSON:
		if op.JSONPath == nil {
			return kverrors.New(kverrors.Validation, "operation.requiredFields", fmt.Errorf("store_type %q requires json_path", op.StoreType))
		}
	case StoreStream:
		if op.StreamFields == nil {
			return kverrors.New(kverrors.Validation, "operation.requiredFields", fmt.Errorf("store_type %q requires stream_fields", op.StoreType))
		}
	case StoreTimeSeries:
		if op.TSTimestamp == nil {
			return kverrors.New(kverrors.Validation, "operation.requiredFields", fmt.Errorf("store_type %q requires ts_timestamp", op.StoreType))
		}
	case StoreGeo:
		if op.Longitude == nil || op.Latitude == nil {
			return kverrors.New(kverrors.Validation, "operation.requiredFields", fmt.Errorf("store_type %q requires longitude and latitude", op.StoreType))
		}
	case StoreString, StoreList, StoreSet:
		// no side fields required.
	default:
		return kverrors.New(kverrors.Validation, "operation.requiredFields", fmt.Errorf("unknown store_type %q", op.StoreType))
	}
	return nil
}

// Verify runs the full validation chain: db_name binding, signature (long
// form preferred, short form as legacy fallback), timestamp sanity and
// required-field presence, plus the value-size cap.
func (op *SignedOperation) Verify(cfg Config, now time.Time) error {
	if !VerifyDBName(op.DBName, op.PublicKey) {
		return kverrors.New(kverrors.Validation, "operation.Verify", fmt.Errorf("db_name %q is not bound to public key %q", op.DBName, op.PublicKey))
	}
	if len(op.Value) > cfg.MaxValueBytes {
		return kverrors.New(kverrors.Validation, "operation.Verify", fmt.Errorf("value of %d bytes exceeds cap of %d", len(op.Value), cfg.MaxValueBytes))
	}
	if err := op.requiredFields(); err != nil {
		return err
	}
	if err := ValidateTimestamp(op.Timestamp, cfg.FutureSkewTolerance, now); err != nil {
		return err
	}
	longErr := VerifyEd25519(op.PublicKey, op.signingMessageLong(), op.Signature)
	if longErr == nil {
		return nil
	}
	if shortErr := VerifyEd25519(op.PublicKey, op.signingMessageShort(), op.Signature); shortErr == nil {
		return nil
	}
	return kverrors.Wrap(kverrors.Validation, "operation.Verify", fmt.Errorf("signature verification failed under both long and short message forms: %w", longErr))
}

// CRDTKey computes the LWW index key: (db_name, key, field?).
func (op *SignedOperation) CRDTKey() string {
	if op.Field != nil {
		return fmt.Sprintf("%s:%s:%s", op.DBName, op.Key, *op.Field)
	}
	return fmt.Sprintf("%s:%s", op.DBName, op.Key)
}

// Supersedes reports whether op is strictly newer than other under the LWW
// tiebreak rule: higher timestamp wins; on equal timestamp, the
// lexicographically higher op_id wins. Equal (timestamp, op_id) never
// supersedes (idempotent re-application).
func (op *SignedOperation) Supersedes(other *SignedOperation) bool {
	if other == nil {
		return true
	}
	if op.Timestamp != other.Timestamp {
		return op.Timestamp > other.Timestamp
	}
	return op.OpID > other.OpID
}
