// Package fingerprint defines the 20-byte node identifier used throughout
// the overlay, plus the (fingerprint, dock) endpoint pair addressed by the
// N2R socket layer.
package fingerprint

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of a Fingerprint: a hash of a node's
// long-term identity public key.
const Size = 20

// Fingerprint identifies a node. Equality and ordering are
// byte-lexicographic.
type Fingerprint [Size]byte

// FromBytes copies b into a Fingerprint, erroring if the length is wrong.
func FromBytes(b []byte) (Fingerprint, error) {
	var fp Fingerprint
	if len(b) != Size {
		return fp, fmt.Errorf("fingerprint: want %d bytes, got %d", Size, len(b))
	}
	copy(fp[:], b)
	return fp, nil
}

// String renders the fingerprint as lowercase hex.
func (fp Fingerprint) String() string {
	return hex.EncodeToString(fp[:])
}

// ParseString decodes a hex-encoded fingerprint.
func ParseString(s string) (Fingerprint, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("fingerprint: decode hex: %w", err)
	}
	return FromBytes(b)
}

// Less reports whether fp sorts before other in byte-lexicographic order.
func (fp Fingerprint) Less(other Fingerprint) bool {
	return bytes.Compare(fp[:], other[:]) < 0
}

// Compare returns -1, 0, or 1 per bytes.Compare semantics.
func (fp Fingerprint) Compare(other Fingerprint) int {
	return bytes.Compare(fp[:], other[:])
}

// IsZero reports whether fp is the all-zero fingerprint (never a valid
// identity; used as a sentinel for "no such node").
func (fp Fingerprint) IsZero() bool {
	return fp == Fingerprint{}
}

// XORDistance returns the bitwise XOR of a and b, used as the
// Kademlia-style distance metric for haven DHT replica selection.
func XORDistance(a, b Fingerprint) [Size]byte {
	var out [Size]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// LessDistance reports whether distance d1 is smaller than d2 when compared
// as a big-endian unsigned integer.
func LessDistance(d1, d2 [Size]byte) bool {
	return bytes.Compare(d1[:], d2[:]) < 0
}

// Dock is a 32-bit port-like label identifying a logical endpoint on a node.
type Dock uint32

// Endpoint is a (Fingerprint, Dock) pair, the addressable unit of the N2R
// socket layer.
type Endpoint struct {
	Fingerprint Fingerprint
	Dock        Dock
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Fingerprint, e.Dock)
}
