// Package peelforward implements the single loop that consumes the
// neighbor table's merged packet stream, peels one onion layer per packet,
// and dispatches the result: forward it on, hand it to a locally bound
// socket, or run it through a degarbler for an anonymous reply.
package peelforward

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/neighbortable"
	"github.com/earendil-network/earendil-go/onionpkt"
)

// defaultDegarblerCapacity bounds the number of outstanding reply-block
// degarblers this node tracks at once.
const defaultDegarblerCapacity = 4096

// defaultAnonDestCapacity bounds the number of remote fingerprints this
// node remembers reply blocks for.
const defaultAnonDestCapacity = 4096

// Delivery is the boundary the peel-forward engine hands terminal packets
// across, implemented by the n2r socket registry. It is an interface
// rather than a direct import so n2r (which registers degarblers into this
// package) and peelforward don't form an import cycle.
type Delivery interface {
	// DeliverMessage hands an application datagram to the socket bound at
	// (localFP, dock), if any. srcFP is the neighbor the packet arrived
	// from (this node's own fingerprint for a self-injected packet); the
	// originating node's fingerprint is not carried in the packet, so a
	// message that crossed relays reports the last relay. For a
	// reply-block delivery, localFP is the anonymous fingerprint the
	// matching degarbler was registered under.
	// srcDock is the dock the sender marked as its own return address.
	DeliverMessage(localFP fingerprint.Fingerprint, dock fingerprint.Dock, body []byte, srcFP fingerprint.Fingerprint, srcDock fingerprint.Dock)
}

type degarblerEntry struct {
	deg    *onionpkt.Degarbler
	anonFP fingerprint.Fingerprint
}

// DegarblerTable is a bounded index of outstanding reply-block degarblers,
// keyed by the reply ID carried in the clear on every packet built from
// the corresponding ReplyBlock.
type DegarblerTable struct {
	cache *lru.Cache[uint64, degarblerEntry]
}

// NewDegarblerTable returns a DegarblerTable with room for capacity
// entries; capacity <= 0 selects defaultDegarblerCapacity.
func NewDegarblerTable(capacity int) *DegarblerTable {
	if capacity <= 0 {
		capacity = defaultDegarblerCapacity
	}
	c, _ := lru.New[uint64, degarblerEntry](capacity)
	return &DegarblerTable{cache: c}
}

// Register associates replyID with deg, to be attributed to anonFP once a
// reply arrives.
func (t *DegarblerTable) Register(replyID uint64, deg *onionpkt.Degarbler, anonFP fingerprint.Fingerprint) {
	t.cache.Add(replyID, degarblerEntry{deg: deg, anonFP: anonFP})
}

// Lookup retrieves the degarbler registered for replyID, if any.
func (t *DegarblerTable) Lookup(replyID uint64) (*onionpkt.Degarbler, fingerprint.Fingerprint, bool) {
	e, ok := t.cache.Get(replyID)
	if !ok {
		return nil, fingerprint.Fingerprint{}, false
	}
	return e.deg, e.anonFP, true
}

// AnonDestinations holds reply blocks offered by remote peers, filed under
// the fingerprint that sent them, so a later anonymous send to that peer
// can consume one instead of building a fresh source route.
type AnonDestinations struct {
	cache *lru.Cache[fingerprint.Fingerprint, []onionpkt.ReplyBlock]
}

// NewAnonDestinations returns an AnonDestinations with room for capacity
// fingerprints; capacity <= 0 selects defaultAnonDestCapacity.
func NewAnonDestinations(capacity int) *AnonDestinations {
	if capacity <= 0 {
		capacity = defaultAnonDestCapacity
	}
	c, _ := lru.New[fingerprint.Fingerprint, []onionpkt.ReplyBlock](capacity)
	return &AnonDestinations{cache: c}
}

// Store files blocks under srcFP, replacing whatever was previously filed
// there.
func (a *AnonDestinations) Store(srcFP fingerprint.Fingerprint, blocks []onionpkt.ReplyBlock) {
	a.cache.Add(srcFP, blocks)
}

// Take pops one reply block filed under dstFP, if any remain.
func (a *AnonDestinations) Take(dstFP fingerprint.Fingerprint) (onionpkt.ReplyBlock, bool) {
	blocks, ok := a.cache.Get(dstFP)
	if !ok || len(blocks) == 0 {
		return onionpkt.ReplyBlock{}, false
	}
	rb := blocks[0]
	rest := blocks[1:]
	if len(rest) == 0 {
		a.cache.Remove(dstFP)
	} else {
		a.cache.Add(dstFP, rest)
	}
	return rb, true
}

// Engine is the peel-forward loop bound to one node's onion identity.
type Engine struct {
	SelfFP      fingerprint.Fingerprint
	OnionSecret [32]byte

	Table       *neighbortable.Table
	Delivery    Delivery
	Degarblers  *DegarblerTable
	AnonDests   *AnonDestinations
	Logger      *slog.Logger
}

// Run peels and dispatches packets until ctx is cancelled or the neighbor
// table's merged stream ends.
func (e *Engine) Run(ctx context.Context) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for {
		srcFP, pkt, err := e.Table.RecvRawPacket(ctx)
		if err != nil {
			return err
		}
		e.handle(logger, srcFP, pkt)
	}
}

func (e *Engine) handle(logger *slog.Logger, srcFP fingerprint.Fingerprint, pkt *onionpkt.RawPacket) {
	result, err := onionpkt.Peel(pkt, e.OnionSecret)
	if err != nil {
		logger.Debug("peel-forward: undecryptable packet, dropping", "from", srcFP, "err", err)
		return
	}

	if !result.Terminal {
		sess, ok := e.Table.Lookup(result.NextHop)
		if !ok {
			logger.Debug("peel-forward: no session for next hop, dropping", "next", result.NextHop)
			return
		}
		sess.Send(result.Next)
		return
	}

	if result.IsReply {
		deg, anonFP, ok := e.Degarblers.Lookup(result.ReplyID)
		if !ok {
			logger.Debug("peel-forward: no degarbler for reply, dropping", "replyID", result.ReplyID)
			return
		}
		recovered := deg.Recover(result.Payload)
		ip, err := onionpkt.DeserializeInnerPacket(recovered)
		if err != nil {
			logger.Debug("peel-forward: undeserializable degarbled reply, dropping", "err", err)
			return
		}
		e.deliverInner(logger, anonFP, srcFP, ip)
		return
	}

	ip, err := onionpkt.DeserializeInnerPacket(result.Payload)
	if err != nil {
		logger.Debug("peel-forward: undeserializable inner packet, dropping", "err", err)
		return
	}
	e.deliverInner(logger, e.SelfFP, srcFP, ip)
}

func (e *Engine) deliverInner(logger *slog.Logger, localFP, srcFP fingerprint.Fingerprint, ip *onionpkt.InnerPacket) {
	switch {
	case ip.Message != nil:
		e.Delivery.DeliverMessage(localFP, ip.Message.DestDock, ip.Message.Body, srcFP, ip.Message.SrcDock)
	case len(ip.ReplyBlocks) > 0:
		e.AnonDests.Store(srcFP, ip.ReplyBlocks)
	default:
		logger.Debug("peel-forward: empty inner packet, dropping")
	}
}
