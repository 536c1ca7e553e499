// Package identity implements the signed descriptors that make up the
// relay graph's vertices (identity descriptors) and edges (adjacency
// descriptors), plus the long-term keypair a node signs them with.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"

	"github.com/earendil-network/earendil-go/fingerprint"
)

// SecretKey holds a node's long-term identity signing key and onion
// (Diffie-Hellman) key. Both are generated once and persisted by the
// config package.
type SecretKey struct {
	signSecret  ed25519.PrivateKey
	onionSecret [32]byte
}

// Generate creates a fresh random identity + onion keypair.
func Generate() (*SecretKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}
	var onionSecret [32]byte
	if _, err := rand.Read(onionSecret[:]); err != nil {
		return nil, fmt.Errorf("identity: generate onion key: %w", err)
	}
	// Clamp per X25519 convention.
	onionSecret[0] &= 248
	onionSecret[31] &= 127
	onionSecret[31] |= 64
	return &SecretKey{signSecret: priv, onionSecret: onionSecret}, nil
}

// FromSeed reconstructs a SecretKey from a persisted 32-byte ed25519 seed
// and a 32-byte onion secret, as loaded from an identity file.
func FromSeed(seed [32]byte, onionSecret [32]byte) *SecretKey {
	return &SecretKey{
		signSecret:  ed25519.NewKeyFromSeed(seed[:]),
		onionSecret: onionSecret,
	}
}

// Seed returns the 32-byte ed25519 seed for persistence.
func (sk *SecretKey) Seed() [32]byte {
	var out [32]byte
	copy(out[:], sk.signSecret.Seed())
	return out
}

// OnionSecret returns the raw 32-byte curve25519 scalar for persistence.
func (sk *SecretKey) OnionSecret() [32]byte { return sk.onionSecret }

// Public returns the public identity key (32-byte ed25519 public key).
func (sk *SecretKey) Public() [32]byte {
	var out [32]byte
	copy(out[:], sk.signSecret.Public().(ed25519.PublicKey))
	return out
}

// Sign signs an arbitrary message with the node's long-term identity key.
// Used directly by callers outside this package that need a signed
// envelope this package doesn't define itself, such as a haven DHT
// locator.
func (sk *SecretKey) Sign(msg []byte) [64]byte {
	var out [64]byte
	copy(out[:], ed25519.Sign(sk.signSecret, msg))
	return out
}

// OnionPublic returns the public onion (X25519) key.
func (sk *SecretKey) OnionPublic() ([32]byte, error) {
	var out [32]byte
	pub, err := curve25519.X25519(sk.onionSecret[:], curve25519.Basepoint)
	if err != nil {
		return out, fmt.Errorf("identity: derive onion public: %w", err)
	}
	copy(out[:], pub)
	return out, nil
}

// Fingerprint returns the 20-byte fingerprint of the identity public key:
// the leading 20 bytes of its BLAKE3-256 hash.
func Fingerprint(identityPK [32]byte) fingerprint.Fingerprint {
	h := blake3.Sum256(identityPK[:])
	var fp fingerprint.Fingerprint
	copy(fp[:], h[:fingerprint.Size])
	return fp
}

// Descriptor is the signed evidence of a node's identity, onion key, and
// relay status. Stored in the relay graph keyed by fingerprint; a newer
// UnixTimestamp supersedes an older one for the same fingerprint.
type Descriptor struct {
	IdentityPK    [32]byte
	OnionPK       [32]byte
	IsRelay       bool
	UnixTimestamp int64
	Signature     [64]byte
}

// Fingerprint returns the fingerprint of the identity this descriptor
// describes.
func (d *Descriptor) Fingerprint() fingerprint.Fingerprint {
	return Fingerprint(d.IdentityPK)
}

// signingBytes is the canonical serialization of everything in the
// descriptor except the signature itself -- the bytes the signature
// covers.
func (d *Descriptor) signingBytes() []byte {
	buf := make([]byte, 0, 32+32+1+8)
	buf = append(buf, d.IdentityPK[:]...)
	buf = append(buf, d.OnionPK[:]...)
	if d.IsRelay {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(d.UnixTimestamp))
	buf = append(buf, ts[:]...)
	return buf
}

// NewDescriptor builds and signs a fresh identity descriptor for now().
func NewDescriptor(sk *SecretKey, isRelay bool, now time.Time) (*Descriptor, error) {
	onionPub, err := sk.OnionPublic()
	if err != nil {
		return nil, err
	}
	d := &Descriptor{
		IdentityPK:    sk.Public(),
		OnionPK:       onionPub,
		IsRelay:       isRelay,
		UnixTimestamp: now.Unix(),
	}
	sig := ed25519.Sign(sk.signSecret, d.signingBytes())
	copy(d.Signature[:], sig)
	return d, nil
}

// Verify reports whether the descriptor's signature is valid.
func (d *Descriptor) Verify() bool {
	return ed25519.Verify(ed25519.PublicKey(d.IdentityPK[:]), d.signingBytes(), d.Signature[:])
}

// AdjacencyDescriptor is mutually-signed evidence of a link between two
// identities. The invariant LeftFP < RightFP must hold; both signatures
// must verify against the respective identity's IdentityPK over the
// canonical serialization excluding the signature fields.
type AdjacencyDescriptor struct {
	LeftFP        fingerprint.Fingerprint
	RightFP       fingerprint.Fingerprint
	LeftSig       [64]byte
	RightSig      [64]byte
	UnixTimestamp int64
}

func (a *AdjacencyDescriptor) signingBytes() []byte {
	buf := make([]byte, 0, fingerprint.Size*2+8)
	buf = append(buf, a.LeftFP[:]...)
	buf = append(buf, a.RightFP[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(a.UnixTimestamp))
	buf = append(buf, ts[:]...)
	return buf
}

// WellFormed checks the ordering invariant LeftFP < RightFP.
func (a *AdjacencyDescriptor) WellFormed() bool {
	return a.LeftFP.Less(a.RightFP)
}

// VerifySignatures checks both LeftSig and RightSig against the supplied
// identity public keys.
func (a *AdjacencyDescriptor) VerifySignatures(leftPK, rightPK [32]byte) bool {
	msg := a.signingBytes()
	return ed25519.Verify(ed25519.PublicKey(leftPK[:]), msg, a.LeftSig[:]) &&
		ed25519.Verify(ed25519.PublicKey(rightPK[:]), msg, a.RightSig[:])
}

// SignLeft signs the adjacency as the left-hand party. Caller must already
// have LeftFP == Fingerprint(sk.Public()).
func (a *AdjacencyDescriptor) SignLeft(sk *SecretKey) {
	sig := ed25519.Sign(sk.signSecret, a.signingBytes())
	copy(a.LeftSig[:], sig)
}

// SignRight signs the adjacency as the right-hand party.
func (a *AdjacencyDescriptor) SignRight(sk *SecretKey) {
	sig := ed25519.Sign(sk.signSecret, a.signingBytes())
	copy(a.RightSig[:], sig)
}

// VerifyLeft checks LeftSig alone against leftPK, without requiring RightSig
// to be present yet -- the check a gossip responder makes on a half-signed
// adjacency before countersigning it.
func (a *AdjacencyDescriptor) VerifyLeft(leftPK [32]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(leftPK[:]), a.signingBytes(), a.LeftSig[:])
}

// VerifyRight checks RightSig alone against rightPK.
func (a *AdjacencyDescriptor) VerifyRight(rightPK [32]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(rightPK[:]), a.signingBytes(), a.RightSig[:])
}
