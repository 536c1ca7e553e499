package onionpkt

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/earendil-network/earendil-go/fingerprint"
)

// Degarbler holds the secret state needed to recover the plaintext a
// ReplyBlock's holder eventually sends back: the XOR of every per-hop
// payload keystream that will be applied to it in transit, in the order
// the real hops apply them. It never leaves the node that built the
// corresponding ReplyBlock.
type Degarbler struct {
	pad [PayloadSize]byte
}

// Recover undoes every layer a ReplyBlock's reply picked up from ordinary
// per-hop peeling, returning the holder's original plaintext.
func (d *Degarbler) Recover(garbled [PayloadSize]byte) [PayloadSize]byte {
	out := garbled
	xorInto(out[:], d.pad[:])
	return out
}

// BuildReplyBlock constructs a ReplyBlock along hops (the last hop must be
// the caller's own onion identity) and the Degarbler that later recovers
// whatever its holder sends back through it. replyID is caller-chosen and
// travels in the clear in every packet built from this block, letting the
// caller look up the matching Degarbler when one arrives.
func BuildReplyBlock(hops []Hop, replyID uint64) (*ReplyBlock, *Degarbler, error) {
	if len(hops) == 0 || len(hops) > MaxHops {
		return nil, nil, fmt.Errorf("onionpkt: route length %d exceeds MaxHops %d", len(hops), MaxHops)
	}

	type built struct {
		ephPub [32]byte
		ctSlot []byte
	}

	slots := make([]built, len(hops))
	deg := &Degarbler{}

	for i := len(hops) - 1; i >= 0; i-- {
		ephPriv := [32]byte{}
		if _, err := rand.Read(ephPriv[:]); err != nil {
			return nil, nil, fmt.Errorf("onionpkt: ephemeral key: %w", err)
		}
		clamp(&ephPriv)
		ephPubRaw, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
		if err != nil {
			return nil, nil, fmt.Errorf("onionpkt: ephemeral pub: %w", err)
		}
		var ephPub [32]byte
		copy(ephPub[:], ephPubRaw)

		shared, err := sharedSecret(ephPriv, hops[i].OnionPK)
		if err != nil {
			return nil, nil, err
		}
		headerKey, payloadKey := hkdfKeys(shared)

		ks, err := keystream(payloadKey, PayloadSize)
		if err != nil {
			return nil, nil, err
		}
		xorInto(deg.pad[:], ks)

		var nextFP fingerprint.Fingerprint // zero == terminal
		if i+1 < len(hops) {
			nextFP = hops[i+1].Fingerprint
		}

		aead, err := newHeaderAEAD(headerKey)
		if err != nil {
			return nil, nil, err
		}
		var nonce [nonceSize]byte
		ct := aead.Seal(nil, nonce[:], nextFP[:], nil)

		slots[i] = built{ephPub: ephPub, ctSlot: ct}
	}

	var rb ReplyBlock
	rb.FirstHop = hops[0].Fingerprint
	rb.ReplyID = replyID
	off := 0
	for i := range slots {
		copy(rb.HeaderSlots[off:off+slotEphSize], slots[i].ephPub[:])
		copy(rb.HeaderSlots[off+slotEphSize:off+slotSize], slots[i].ctSlot)
		off += slotSize
	}
	if _, err := rand.Read(rb.HeaderSlots[off:]); err != nil {
		return nil, nil, fmt.Errorf("onionpkt: pad reply header: %w", err)
	}

	return &rb, deg, nil
}

// UseReplyBlock builds the raw packet a ReplyBlock's holder sends to
// reach back to the block's originator, carrying plaintext unmodified:
// every hop's ordinary Peel call XORs in its own keystream just as it
// would for any other packet, and the originator's Degarbler undoes the
// accumulated result.
func UseReplyBlock(rb *ReplyBlock, plaintext [PayloadSize]byte) *RawPacket {
	var pkt RawPacket
	pkt.setTag(tagReply)
	pkt.setReplyID(rb.ReplyID)
	copy(pkt.header(), rb.HeaderSlots[:])
	copy(pkt.payload(), plaintext[:])
	return &pkt
}
