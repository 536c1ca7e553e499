// Package n2r implements the node-to-node routed (N2R) socket layer: binding docks to
// inbound queues, computing source routes over the relay graph, sealing
// and sending messages, and maintaining the reply-block flow anonymous
// senders use to let a peer answer without learning their fingerprint.
package n2r

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/identity"
	"github.com/earendil-network/earendil-go/neighbortable"
	"github.com/earendil-network/earendil-go/onionpkt"
	"github.com/earendil-network/earendil-go/peelforward"
	"github.com/earendil-network/earendil-go/relaygraph"
)

// ErrNoRoute is returned by SendTo when no path exists to the destination.
var ErrNoRoute = errors.New("n2r: no route to destination")

// ErrNoOnionPublic is returned by SendTo when a hop on the computed route
// has no known onion public key.
var ErrNoOnionPublic = errors.New("n2r: hop missing onion public key")

// ErrTooFar is returned by SendTo when the computed route exceeds the
// maximum onion depth.
var ErrTooFar = errors.New("n2r: route exceeds maximum onion depth")

// ErrMessageTooBig is returned by SendTo when body does not fit the fixed
// inner-payload budget.
var ErrMessageTooBig = onionpkt.ErrMessageTooBig

// inboundQueueDepth is the bound on a socket's inbound delivery queue.
const inboundQueueDepth = 1000

// replyBlockBatch is how many reply blocks an anonymous socket bundles
// alongside every message it sends, so its correspondent can answer.
const replyBlockBatch = 4

// replyBlockHops is how many relays a reply block's route uses before
// returning to its anonymous originator.
const replyBlockHops = 2

// SocketIdentity is the identity a socket sends under: the node's own
// long-term identity, or an anonymous identity whose FP is never published
// anywhere and exists only as the local label a Degarbler's recovered
// replies get attributed to -- it never appears in a route, since routing
// always resolves to the real, reachable node underneath.
type SocketIdentity struct {
	FP        fingerprint.Fingerprint
	Anonymous bool
}

// IdentityFromSecretKey builds a non-anonymous SocketIdentity from a
// node's own long-term identity.
func IdentityFromSecretKey(sk *identity.SecretKey) *SocketIdentity {
	return &SocketIdentity{FP: identity.Fingerprint(sk.Public()), Anonymous: false}
}

// NewAnonymousIdentity generates a fresh random label that identifies no
// known node, for use as a throwaway N2R sender identity. It carries no
// key material of its own: messages sent under it still route and are
// sealed through the node's own onion identity, the same as any other
// socket -- what differs is that this label, never transmitted on the
// wire, is what a reply arriving through a Degarbler gets attributed to
// instead of the node's real fingerprint.
func NewAnonymousIdentity() (*SocketIdentity, error) {
	var fp fingerprint.Fingerprint
	if _, err := rand.Read(fp[:]); err != nil {
		return nil, fmt.Errorf("n2r: generate anonymous label: %w", err)
	}
	return &SocketIdentity{FP: fp, Anonymous: true}, nil
}

// Delivery is what a Socket's inbound queue carries: the received body and
// the endpoint that sent it.
type Delivery struct {
	Body []byte
	From fingerprint.Endpoint
}

type boundKey struct {
	fp   fingerprint.Fingerprint
	dock fingerprint.Dock
}

// Socket is one bound (identity, dock) pair with an inbound queue.
type Socket struct {
	identity *SocketIdentity
	localFP  fingerprint.Fingerprint
	dock     fingerprint.Dock

	manager *Manager
	inbound chan Delivery

	closeOnce sync.Once
	closed    chan struct{}
}

// LocalEndpoint returns the (fingerprint, dock) this socket is bound at.
func (s *Socket) LocalEndpoint() fingerprint.Endpoint {
	return fingerprint.Endpoint{Fingerprint: s.localFP, Dock: s.dock}
}

// RecvFrom blocks until a message arrives on this socket's inbound queue.
// A message that is already queued is returned even if ctx is done.
func (s *Socket) RecvFrom(ctx context.Context) ([]byte, fingerprint.Endpoint, error) {
	select {
	case d := <-s.inbound:
		return d.Body, d.From, nil
	default:
	}
	select {
	case d := <-s.inbound:
		return d.Body, d.From, nil
	case <-s.closed:
		return nil, fingerprint.Endpoint{}, fmt.Errorf("n2r: socket closed")
	case <-ctx.Done():
		return nil, fingerprint.Endpoint{}, ctx.Err()
	}
}

// Close unbinds the socket.
func (s *Socket) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.manager.unbind(boundKey{s.localFP, s.dock})
}

// SendTo seals body as a Message addressed to dst and injects the result
// for this node's own peel-forward engine to propagate. If the socket's
// identity is anonymous, a fresh batch of reply blocks is sent alongside
// it so dst can answer without learning the socket's real route.
func (s *Socket) SendTo(body []byte, dst fingerprint.Endpoint) error {
	if err := s.manager.sendMessage(s.dock, body, dst); err != nil {
		return err
	}
	if s.identity != nil && s.identity.Anonymous {
		if err := s.manager.sendReplyBlocks(s.identity, dst); err != nil {
			s.manager.Logger.Debug("n2r: failed to refresh reply blocks", "dst", dst, "err", err)
		}
	}
	return nil
}

// Manager owns every bound socket on this node and implements
// peelforward.Delivery so the peel-forward engine can hand terminal
// messages to the right inbound queue.
type Manager struct {
	SelfFP      fingerprint.Fingerprint
	OnionSecret [32]byte
	OnionPublic [32]byte

	Graph      *relaygraph.Graph
	Table      *neighbortable.Table
	Degarblers *peelforward.DegarblerTable
	AnonDests  *peelforward.AnonDestinations
	Logger     *slog.Logger

	mu       sync.Mutex
	sockets  map[boundKey]*Socket
	nextDock atomic.Uint32
}

// NewManager returns an empty socket manager bound to the node's own
// identity.
func NewManager(selfFP fingerprint.Fingerprint, onionSecret, onionPublic [32]byte, graph *relaygraph.Graph, table *neighbortable.Table, degarblers *peelforward.DegarblerTable, anonDests *peelforward.AnonDestinations, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		SelfFP:      selfFP,
		OnionSecret: onionSecret,
		OnionPublic: onionPublic,
		Graph:       graph,
		Table:       table,
		Degarblers:  degarblers,
		AnonDests:   anonDests,
		Logger:      logger,
		sockets:     make(map[boundKey]*Socket),
	}
}

// Bind registers a new socket. If identity is nil the socket is bound
// under the node's own fingerprint. If dock is nil a fresh unused dock is
// allocated.
func (m *Manager) Bind(identity *SocketIdentity, dock *fingerprint.Dock) (*Socket, error) {
	localFP := m.SelfFP
	if identity != nil {
		localFP = identity.FP
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var resolved fingerprint.Dock
	if dock != nil {
		resolved = *dock
	} else {
		for {
			resolved = fingerprint.Dock(m.nextDock.Add(1))
			if _, taken := m.sockets[boundKey{localFP, resolved}]; !taken {
				break
			}
		}
	}
	key := boundKey{localFP, resolved}
	if _, exists := m.sockets[key]; exists {
		return nil, fmt.Errorf("n2r: dock %d already bound for %s", resolved, localFP)
	}
	sock := &Socket{
		identity: identity,
		localFP:  localFP,
		dock:     resolved,
		manager:  m,
		inbound:  make(chan Delivery, inboundQueueDepth),
		closed:   make(chan struct{}),
	}
	m.sockets[key] = sock
	return sock, nil
}

func (m *Manager) unbind(key boundKey) {
	m.mu.Lock()
	delete(m.sockets, key)
	m.mu.Unlock()
}

// DeliverMessage implements peelforward.Delivery.
func (m *Manager) DeliverMessage(localFP fingerprint.Fingerprint, dock fingerprint.Dock, body []byte, srcFP fingerprint.Fingerprint, srcDock fingerprint.Dock) {
	m.mu.Lock()
	sock, ok := m.sockets[boundKey{localFP, dock}]
	m.mu.Unlock()
	if !ok {
		m.Logger.Warn("n2r: no socket bound, dropping message", "fp", localFP, "dock", dock)
		return
	}
	d := Delivery{Body: body, From: fingerprint.Endpoint{Fingerprint: srcFP, Dock: srcDock}}
	select {
	case sock.inbound <- d:
	default:
		m.Logger.Warn("n2r: inbound queue full, dropping message", "fp", localFP, "dock", dock)
	}
}

// route computes a source route to dst and resolves it to onion hops,
// failing with the named sentinel errors callers match on. The returned
// hops always start with this node's own onion key: Build's outermost
// layer is peeled by whoever originates the packet, and origination here
// means handing it to our own peel-forward engine via InjectAsIfIncoming,
// so the first layer must be one only we can open.
func (m *Manager) route(dst fingerprint.Fingerprint) ([]onionpkt.Hop, error) {
	path := m.Graph.FindShortestPath(m.SelfFP, dst)
	if path == nil {
		return nil, ErrNoRoute
	}
	if len(path) < 2 {
		return nil, fmt.Errorf("n2r: route of length 1 has no forwarding hops")
	}
	if len(path) > onionpkt.MaxHops {
		return nil, ErrTooFar
	}

	hops := make([]onionpkt.Hop, 0, len(path))
	hops = append(hops, onionpkt.Hop{Fingerprint: m.SelfFP, OnionPK: m.OnionPublic})
	for _, fp := range path[1:] {
		desc, ok := m.Graph.Identity(fp)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoOnionPublic, fp)
		}
		hops = append(hops, onionpkt.Hop{Fingerprint: fp, OnionPK: desc.OnionPK})
	}
	return hops, nil
}

// sendMessage seals body as a Message addressed to dst and injects the
// resulting raw packet into this node's own peel-forward engine. A
// Message never carries its sender's fingerprint on the wire, only the
// dock to reply to -- the apparent source a recipient sees is whatever
// hop relayed the packet to it, never the true originator once the route
// has at least one intermediate relay.
func (m *Manager) sendMessage(srcDock fingerprint.Dock, body []byte, dst fingerprint.Endpoint) error {
	hops, err := m.route(dst.Fingerprint)
	if err != nil {
		return err
	}

	ip := &onionpkt.InnerPacket{Message: &onionpkt.Message{SrcDock: srcDock, DestDock: dst.Dock, Body: body}}
	payload, err := ip.Serialize()
	if err != nil {
		return fmt.Errorf("n2r: seal message: %w", err)
	}

	pkt, err := onionpkt.Build(hops, payload)
	if err != nil {
		return fmt.Errorf("n2r: build packet: %w", err)
	}

	m.Table.InjectAsIfIncoming(pkt)
	return nil
}

// sendReplyBlocks builds a fresh batch of reply blocks that route back to
// this node, registers their degarblers under ident.FP so a later reply
// gets attributed back to this anonymous label, and mails the batch to
// dst so it can answer without computing its own route.
func (m *Manager) sendReplyBlocks(ident *SocketIdentity, dst fingerprint.Endpoint) error {
	relays := m.Graph.AllNodes()
	blocks := make([]onionpkt.ReplyBlock, 0, replyBlockBatch)
	for i := 0; i < replyBlockBatch; i++ {
		hops, err := m.pickReplyRoute(relays)
		if err != nil {
			continue
		}
		replyID, err := randomUint64()
		if err != nil {
			continue
		}
		rb, deg, err := onionpkt.BuildReplyBlock(hops, replyID)
		if err != nil {
			continue
		}
		m.Degarblers.Register(replyID, deg, ident.FP)
		blocks = append(blocks, *rb)
	}
	if len(blocks) == 0 {
		return fmt.Errorf("n2r: could not build any reply blocks")
	}

	forwardHops, err := m.route(dst.Fingerprint)
	if err != nil {
		return err
	}
	ip := &onionpkt.InnerPacket{ReplyBlocks: blocks}
	payload, err := ip.Serialize()
	if err != nil {
		return fmt.Errorf("n2r: seal reply blocks: %w", err)
	}
	pkt, err := onionpkt.Build(forwardHops, payload)
	if err != nil {
		return fmt.Errorf("n2r: build reply-block packet: %w", err)
	}
	m.Table.InjectAsIfIncoming(pkt)
	return nil
}

// pickReplyRoute selects a short random relay chain ending at this node's
// own onion key -- the real, reachable fingerprint a reply block's holder
// eventually sends plaintext to, regardless of which local label the
// recovered reply is attributed to afterward.
func (m *Manager) pickReplyRoute(relays []fingerprint.Fingerprint) ([]onionpkt.Hop, error) {
	hops := make([]onionpkt.Hop, 0, replyBlockHops)
	seen := map[fingerprint.Fingerprint]bool{m.SelfFP: true}
	for len(hops) < replyBlockHops-1 && len(hops) < len(relays) {
		idx, err := randomIndex(len(relays))
		if err != nil {
			return nil, err
		}
		fp := relays[idx]
		if seen[fp] {
			continue
		}
		desc, ok := m.Graph.Identity(fp)
		if !ok {
			continue
		}
		seen[fp] = true
		hops = append(hops, onionpkt.Hop{Fingerprint: fp, OnionPK: desc.OnionPK})
	}
	if len(hops) == 0 {
		return nil, fmt.Errorf("n2r: no usable relay for reply block route")
	}
	hops = append(hops, onionpkt.Hop{Fingerprint: m.SelfFP, OnionPK: m.OnionPublic})
	return hops, nil
}

// UseReplyBlock seals body as a reply through rb and forwards it along the
// block's route. If this node is the block's own first hop it peels that
// layer itself through its own peel-forward engine, same as any self-
// originated send; otherwise it hands the sealed packet to the live
// neighbor session for the first hop, which peels it instead.
func (m *Manager) UseReplyBlock(rb *onionpkt.ReplyBlock, srcDock, destDock fingerprint.Dock, body []byte) error {
	ip := &onionpkt.InnerPacket{Message: &onionpkt.Message{SrcDock: srcDock, DestDock: destDock, Body: body}}
	payload, err := ip.Serialize()
	if err != nil {
		return fmt.Errorf("n2r: seal reply: %w", err)
	}
	pkt := onionpkt.UseReplyBlock(rb, payload)

	if rb.FirstHop == m.SelfFP {
		m.Table.InjectAsIfIncoming(pkt)
		return nil
	}
	sess, ok := m.Table.Lookup(rb.FirstHop)
	if !ok {
		return fmt.Errorf("n2r: no session for reply block's first hop %s", rb.FirstHop)
	}
	sess.Send(pkt)
	return nil
}

func randomUint64() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i, x := range b {
		v |= uint64(x) << (8 * i)
	}
	return v, nil
}

func randomIndex(n int) (int, error) {
	v, err := randomUint64()
	if err != nil {
		return 0, err
	}
	return int(v % uint64(n)), nil
}
