// Package onionpkt implements the fixed-size raw packet format, the
// per-hop onion peel/seal operations, and the inner-packet wire codec
// described in spec §3 and §6.
//
// A RawPacket is always exactly Size bytes. It carries a fixed-width
// header area of MaxHops source-routed slots followed by a fixed-width
// payload area. Building a packet XORs one per-hop keystream layer into
// the payload for every hop on the route, innermost first; peeling a
// layer consumes the current hop's header slot (revealing the next hop,
// or a terminal marker) and XORs the same keystream back out, shifting
// the header area down by one slot and padding the vacated slot with
// fresh randomness so the packet leaving a hop is indistinguishable in
// size and (modulo the one slot it legitimately altered) in shape from
// the packet that arrived.
package onionpkt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/earendil-network/earendil-go/fingerprint"
)

// Size is the invariant size in bytes of every raw packet, regardless of
// hop.
const Size = 8192

// MaxHops is the maximum onion depth a route may have (spec §4.6 step 4).
const MaxHops = 8

const (
	preambleSize = 9 // 1 tag byte + 8 reply-id bytes
	slotEphSize  = 32
	slotCTSize   = fingerprint.Size + chacha20poly1305.Overhead // 20 + 16 = 36
	slotSize     = slotEphSize + slotCTSize                     // 68
	headerSize   = MaxHops * slotSize                           // 544

	// PayloadSize is the fixed size of the encrypted payload area. The
	// serialized InnerPacket must fit within it.
	PayloadSize = Size - preambleSize - headerSize
)

// RawPacket is the opaque, fixed-size datagram that rides the overlay.
type RawPacket [Size]byte

func (p *RawPacket) tag() byte          { return p[0] }
func (p *RawPacket) replyID() uint64    { return binary.BigEndian.Uint64(p[1:preambleSize]) }
func (p *RawPacket) header() []byte     { return p[preambleSize : preambleSize+headerSize] }
func (p *RawPacket) payload() []byte    { return p[preambleSize+headerSize:] }
func (p *RawPacket) setTag(tag byte)    { p[0] = tag }
func (p *RawPacket) setReplyID(id uint64) {
	binary.BigEndian.PutUint64(p[1:preambleSize], id)
}

const (
	tagNormal byte = 0
	tagReply  byte = 1
)

// Hop describes one onion public key a packet will be built against, in
// source-route order.
type Hop struct {
	Fingerprint fingerprint.Fingerprint
	OnionPK     [32]byte
}

func hkdfKeys(shared [32]byte) (headerKey, payloadKey [32]byte) {
	kdf := hkdf.New(sha256.New, shared[:], nil, []byte("earendil-onionpkt-v1"))
	_, _ = kdf.Read(headerKey[:])
	_, _ = kdf.Read(payloadKey[:])
	return
}

func sharedSecret(mySecret, theirPublic [32]byte) ([32]byte, error) {
	var out [32]byte
	s, err := curve25519.X25519(mySecret[:], theirPublic[:])
	if err != nil {
		return out, fmt.Errorf("onionpkt: x25519: %w", err)
	}
	copy(out[:], s)
	return out, nil
}

func keystream(key [32]byte, length int) ([]byte, error) {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("onionpkt: chacha20: %w", err)
	}
	out := make([]byte, length)
	c.XORKeyStream(out, out)
	return out, nil
}

func xorInto(dst, keystream []byte) {
	for i := range dst {
		dst[i] ^= keystream[i]
	}
}

const nonceSize = chacha20poly1305.NonceSize

func newHeaderAEAD(key [32]byte) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("onionpkt: aead: %w", err)
	}
	return aead, nil
}

// Build constructs a raw packet carrying innerPlaintext (already the
// serialized InnerPacket, padded to PayloadSize) addressed through the
// given source route. The final hop in hops is the delivery target.
func Build(hops []Hop, innerPlaintext [PayloadSize]byte) (*RawPacket, error) {
	if len(hops) == 0 || len(hops) > MaxHops {
		return nil, fmt.Errorf("onionpkt: route length %d exceeds MaxHops %d", len(hops), MaxHops)
	}

	type built struct {
		ephPub [32]byte
		ctSlot []byte
	}

	slots := make([]built, len(hops))
	payload := innerPlaintext

	// Apply payload layers innermost (last hop) first, so the outermost
	// (first hop) layer is removed first during forwarding.
	for i := len(hops) - 1; i >= 0; i-- {
		ephPriv := [32]byte{}
		if _, err := rand.Read(ephPriv[:]); err != nil {
			return nil, fmt.Errorf("onionpkt: ephemeral key: %w", err)
		}
		clamp(&ephPriv)
		ephPubRaw, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("onionpkt: ephemeral pub: %w", err)
		}
		var ephPub [32]byte
		copy(ephPub[:], ephPubRaw)

		shared, err := sharedSecret(ephPriv, hops[i].OnionPK)
		if err != nil {
			return nil, err
		}
		headerKey, payloadKey := hkdfKeys(shared)

		ks, err := keystream(payloadKey, PayloadSize)
		if err != nil {
			return nil, err
		}
		xorInto(payload[:], ks)

		var nextFP fingerprint.Fingerprint // zero == terminal
		if i+1 < len(hops) {
			nextFP = hops[i+1].Fingerprint
		}

		aead, err := newHeaderAEAD(headerKey)
		if err != nil {
			return nil, err
		}
		var nonce [nonceSize]byte
		ct := aead.Seal(nil, nonce[:], nextFP[:], nil)

		slots[i] = built{ephPub: ephPub, ctSlot: ct}
	}

	var pkt RawPacket
	pkt.setTag(tagNormal)

	hdr := pkt.header()
	off := 0
	for i := range slots {
		copy(hdr[off:off+slotEphSize], slots[i].ephPub[:])
		copy(hdr[off+slotEphSize:off+slotSize], slots[i].ctSlot)
		off += slotSize
	}
	// Pad unused trailing slots with randomness.
	if _, err := rand.Read(hdr[off:]); err != nil {
		return nil, fmt.Errorf("onionpkt: pad header: %w", err)
	}

	copy(pkt.payload(), payload[:])
	return &pkt, nil
}

func clamp(sk *[32]byte) {
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
}

// PeelResult is the outcome of peeling one onion layer.
type PeelResult struct {
	// Terminal is true when this hop is the final destination.
	Terminal bool
	// NextHop is the fingerprint to forward to, valid only if !Terminal.
	NextHop fingerprint.Fingerprint
	// IsReply is true when the packet's tag marks it as a reply in
	// transit; Terminal+IsReply together mean "hand to degarbler".
	IsReply bool
	// ReplyID is valid only if IsReply.
	ReplyID uint64
	// Payload is the plaintext InnerPacket bytes (if Terminal &&
	// !IsReply), the still-garbled bytes (if Terminal && IsReply), or
	// irrelevant (forwarding case: use Next instead).
	Payload [PayloadSize]byte
	// Next is the repadded raw packet to forward when !Terminal.
	Next *RawPacket
}

// Peel removes exactly one onion layer from pkt using onionSecret, the
// local node's onion (X25519) private key.
func Peel(pkt *RawPacket, onionSecret [32]byte) (*PeelResult, error) {
	hdr := pkt.header()
	slot0 := hdr[:slotSize]
	var ephPub [32]byte
	copy(ephPub[:], slot0[:slotEphSize])
	ct := slot0[slotEphSize:slotSize]

	shared, err := sharedSecret(onionSecret, ephPub)
	if err != nil {
		return nil, err
	}
	headerKey, payloadKey := hkdfKeys(shared)

	aead, err := newHeaderAEAD(headerKey)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	nextFPBytes, err := aead.Open(nil, nonce[:], ct, nil)
	if err != nil {
		return nil, fmt.Errorf("onionpkt: undecryptable header slot: %w", err)
	}
	var nextFP fingerprint.Fingerprint
	copy(nextFP[:], nextFPBytes)

	ks, err := keystream(payloadKey, PayloadSize)
	if err != nil {
		return nil, err
	}
	payload := pkt.payload()
	xorInto(payload, ks)

	result := &PeelResult{
		IsReply: pkt.tag() == tagReply,
		ReplyID: pkt.replyID(),
	}

	if nextFP.IsZero() {
		result.Terminal = true
		copy(result.Payload[:], payload)
		return result, nil
	}

	result.NextHop = nextFP

	var next RawPacket
	next.setTag(pkt.tag())
	next.setReplyID(pkt.replyID())
	nhdr := next.header()
	copy(nhdr, hdr[slotSize:])
	if _, err := rand.Read(nhdr[headerSize-slotSize:]); err != nil {
		return nil, fmt.Errorf("onionpkt: pad shifted header: %w", err)
	}
	copy(next.payload(), payload)
	result.Next = &next

	return result, nil
}
