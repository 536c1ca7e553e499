package onionpkt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/earendil-network/earendil-go/fingerprint"
)

// ErrMessageTooBig is returned when a Message's serialized form would not
// fit inside the fixed inner-payload budget.
var ErrMessageTooBig = errors.New("onionpkt: message too big for inner payload")

// MaxReplyBlocks is the maximum number of reply blocks a single
// InnerPacket can batch, per spec §6.
const MaxReplyBlocks = 8

const (
	innerTagMessage     byte = 0
	innerTagReplyBlocks byte = 1
)

// Message is one variant of InnerPacket: an application datagram
// addressed from one dock to another.
type Message struct {
	SrcDock  fingerprint.Dock
	DestDock fingerprint.Dock
	Body     []byte
}

// ReplyBlock is an opaque pre-built onion envelope that lets its holder
// reply to an anonymous originator without learning the originator's
// fingerprint or the path back to it. The holder drops its plaintext
// reply directly into the payload area of a fresh RawPacket built from
// HeaderSlots and sends it to FirstHop; every hop's ordinary Peel
// operation XORs in its per-hop keystream exactly as it would for any
// other packet, garbling the plaintext in transit. Only the originator,
// holding the matching Degarbler (the XOR of those same per-hop
// keystreams, precomputed when the block was built), can recover it.
type ReplyBlock struct {
	FirstHop    fingerprint.Fingerprint
	ReplyID     uint64
	HeaderSlots [headerSize]byte
}

// InnerPacket is the decrypted content of a terminal onion packet: either
// a Message or a batch of ReplyBlocks (spec §3).
type InnerPacket struct {
	Message     *Message
	ReplyBlocks []ReplyBlock
}

// Serialize encodes an InnerPacket into a fixed PayloadSize buffer,
// zero-padded. Returns ErrMessageTooBig if the content doesn't fit.
func (ip *InnerPacket) Serialize() ([PayloadSize]byte, error) {
	var out [PayloadSize]byte
	var body []byte

	switch {
	case ip.Message != nil:
		body = make([]byte, 0, 9+len(ip.Message.Body))
		body = append(body, innerTagMessage)
		var buf [8]byte
		binary.BigEndian.PutUint32(buf[0:4], uint32(ip.Message.SrcDock))
		binary.BigEndian.PutUint32(buf[4:8], uint32(ip.Message.DestDock))
		body = append(body, buf[:]...)
		body = append(body, ip.Message.Body...)
	case len(ip.ReplyBlocks) > 0:
		if len(ip.ReplyBlocks) > MaxReplyBlocks {
			return out, fmt.Errorf("onionpkt: %d reply blocks exceeds max %d", len(ip.ReplyBlocks), MaxReplyBlocks)
		}
		body = append(body, innerTagReplyBlocks)
		body = append(body, byte(len(ip.ReplyBlocks)))
		for _, b := range ip.ReplyBlocks {
			body = append(body, b.FirstHop[:]...)
			var idBuf [8]byte
			binary.BigEndian.PutUint64(idBuf[:], b.ReplyID)
			body = append(body, idBuf[:]...)
			body = append(body, b.HeaderSlots[:]...)
		}
	default:
		return out, fmt.Errorf("onionpkt: empty InnerPacket")
	}

	if len(body)+4 > PayloadSize {
		return out, ErrMessageTooBig
	}

	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	if _, err := rand.Read(out[4+len(body):]); err != nil {
		return out, fmt.Errorf("onionpkt: pad inner packet: %w", err)
	}
	return out, nil
}

// DeserializeInnerPacket parses a fixed PayloadSize buffer produced by
// Serialize.
func DeserializeInnerPacket(buf [PayloadSize]byte) (*InnerPacket, error) {
	n := binary.BigEndian.Uint32(buf[0:4])
	if int(n)+4 > PayloadSize {
		return nil, fmt.Errorf("onionpkt: corrupt inner packet length %d", n)
	}
	body := buf[4 : 4+n]
	if len(body) == 0 {
		return nil, fmt.Errorf("onionpkt: empty inner packet body")
	}

	switch body[0] {
	case innerTagMessage:
		if len(body) < 9 {
			return nil, fmt.Errorf("onionpkt: truncated message")
		}
		srcDock := binary.BigEndian.Uint32(body[1:5])
		destDock := binary.BigEndian.Uint32(body[5:9])
		msgBody := make([]byte, len(body)-9)
		copy(msgBody, body[9:])
		return &InnerPacket{Message: &Message{
			SrcDock:  fingerprint.Dock(srcDock),
			DestDock: fingerprint.Dock(destDock),
			Body:     msgBody,
		}}, nil
	case innerTagReplyBlocks:
		if len(body) < 2 {
			return nil, fmt.Errorf("onionpkt: truncated reply blocks")
		}
		count := int(body[1])
		if count > MaxReplyBlocks {
			return nil, fmt.Errorf("onionpkt: %d reply blocks exceeds max %d", count, MaxReplyBlocks)
		}
		const blockSize = fingerprint.Size + 8 + headerSize
		want := 2 + count*blockSize
		if len(body) < want {
			return nil, fmt.Errorf("onionpkt: truncated reply block batch")
		}
		blocks := make([]ReplyBlock, count)
		off := 2
		for i := 0; i < count; i++ {
			var b ReplyBlock
			copy(b.FirstHop[:], body[off:off+fingerprint.Size])
			off += fingerprint.Size
			b.ReplyID = binary.BigEndian.Uint64(body[off : off+8])
			off += 8
			copy(b.HeaderSlots[:], body[off:off+headerSize])
			off += headerSize
			blocks[i] = b
		}
		return &InnerPacket{ReplyBlocks: blocks}, nil
	default:
		return nil, fmt.Errorf("onionpkt: unknown inner packet tag %d", body[0])
	}
}
