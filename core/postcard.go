package core

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
)

// This file hand-rolls the narrow subset of the postcard wire format (LEB128
// varint lengths, raw UTF-8 string bytes, booleans as single bytes) needed to
// encode/decode the two fixed discovery structs. No Go library in the
// dependency set implements postcard; see DESIGN.md for the justification.

func putVarint(buf *bytes.Buffer, v uint64) {
	for v >= 0x80 {
		buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	buf.WriteByte(byte(v))
}

func getVarint(r *bytes.Reader) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("postcard: truncated varint: %w", err)
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("postcard: varint overflow")
		}
	}
}

func putString(buf *bytes.Buffer, s string) {
	putVarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func getString(r *bytes.Reader) (string, error) {
	n, err := getVarint(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return "", fmt.Errorf("postcard: truncated string: %w", err)
	}
	return string(b), nil
}

func putBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func getBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("postcard: truncated bool: %w", err)
	}
	return b != 0, nil
}

// putFixed writes exactly n raw bytes with no length prefix, for postcard's
// [u8; N] array encoding.
func putFixed(buf *bytes.Buffer, b []byte, n int) error {
	if len(b) != n {
		return fmt.Errorf("postcard: fixed field must be %d bytes, got %d", n, len(b))
	}
	buf.Write(b)
	return nil
}

func getFixed(r *bytes.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("postcard: truncated fixed field of %d bytes: %w", n, err)
	}
	return b, nil
}

// NodeCapabilities advertises which optional subsystems a peer supports.
type NodeCapabilities struct {
	MQTT       bool
	Streams    bool
	TimeSeries bool
	Geo        bool
	Blobs      bool
}

// DiscoveryNode is the payload of a gossip discovery announcement.
type DiscoveryNode struct {
	Name         string
	NodeID       string
	Count        uint64
	Region       string
	Capabilities NodeCapabilities
}

// EncodePostcard serializes a DiscoveryNode in postcard wire order.
func (n DiscoveryNode) EncodePostcard() []byte {
	var buf bytes.Buffer
	putString(&buf, n.Name)
	putString(&buf, n.NodeID)
	putVarint(&buf, n.Count)
	putString(&buf, n.Region)
	putBool(&buf, n.Capabilities.MQTT)
	putBool(&buf, n.Capabilities.Streams)
	putBool(&buf, n.Capabilities.TimeSeries)
	putBool(&buf, n.Capabilities.Geo)
	putBool(&buf, n.Capabilities.Blobs)
	return buf.Bytes()
}

// DecodeDiscoveryNode parses the postcard wire form produced by EncodePostcard.
func DecodeDiscoveryNode(data []byte) (DiscoveryNode, error) {
	r := bytes.NewReader(data)
	var n DiscoveryNode
	var err error
	if n.Name, err = getString(r); err != nil {
		return n, err
	}
	if n.NodeID, err = getString(r); err != nil {
		return n, err
	}
	if n.Count, err = getVarint(r); err != nil {
		return n, err
	}
	if n.Region, err = getString(r); err != nil {
		return n, err
	}
	if n.Capabilities.MQTT, err = getBool(r); err != nil {
		return n, err
	}
	if n.Capabilities.Streams, err = getBool(r); err != nil {
		return n, err
	}
	if n.Capabilities.TimeSeries, err = getBool(r); err != nil {
		return n, err
	}
	if n.Capabilities.Geo, err = getBool(r); err != nil {
		return n, err
	}
	if n.Capabilities.Blobs, err = getBool(r); err != nil {
		return n, err
	}
	return n, nil
}

// SignedAnnouncement wraps a postcard-encoded DiscoveryNode with the
// announcing key's identity and a signature over the encoded payload. On
// the wire, From and Signature are the fixed-width [u8;32]/[u8;64] raw
// arrays postcard uses for fixed-size types, not length-prefixed strings;
// From/Signature are kept as hex in the Go struct purely for convenient use
// with VerifyEd25519/hex.DecodeString elsewhere.
type SignedAnnouncement struct {
	From      string // hex public key of the announcer, 32 raw bytes on the wire
	Data      []byte // postcard-encoded DiscoveryNode, length-prefixed bytes
	Signature string // hex Ed25519 signature over Data, 64 raw bytes on the wire
}

// EncodePostcard serializes a SignedAnnouncement.
func (a SignedAnnouncement) EncodePostcard() []byte {
	var buf bytes.Buffer
	fromBytes, err := hex.DecodeString(a.From)
	if err != nil || len(fromBytes) != ed25519.PublicKeySize {
		fromBytes = make([]byte, ed25519.PublicKeySize)
	}
	sigBytes, err := hex.DecodeString(a.Signature)
	if err != nil || len(sigBytes) != ed25519.SignatureSize {
		sigBytes = make([]byte, ed25519.SignatureSize)
	}
	_ = putFixed(&buf, fromBytes, ed25519.PublicKeySize)
	putVarint(&buf, uint64(len(a.Data)))
	buf.Write(a.Data)
	_ = putFixed(&buf, sigBytes, ed25519.SignatureSize)
	return buf.Bytes()
}

// DecodeSignedAnnouncement parses the postcard wire form produced by
// EncodePostcard.
func DecodeSignedAnnouncement(raw []byte) (SignedAnnouncement, error) {
	r := bytes.NewReader(raw)
	var a SignedAnnouncement
	fromBytes, err := getFixed(r, ed25519.PublicKeySize)
	if err != nil {
		return a, err
	}
	a.From = hex.EncodeToString(fromBytes)

	n, err := getVarint(r)
	if err != nil {
		return a, err
	}
	a.Data = make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, a.Data); err != nil {
			return a, fmt.Errorf("postcard: truncated data: %w", err)
		}
	}

	sigBytes, err := getFixed(r, ed25519.SignatureSize)
	if err != nil {
		return a, err
	}
	a.Signature = hex.EncodeToString(sigBytes)
	return a, nil
}
