// Package control is the thin boundary an external RPC transport drives:
// every method here is a direct call into the core packages, with no
// transport, framing, or authentication logic of its own.
package control

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/earendil-network/earendil-go/config"
	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/havendht"
	"github.com/earendil-network/earendil-go/link"
	"github.com/earendil-network/earendil-go/n2r"
	"github.com/earendil-network/earendil-go/relaygraph"
)

// Dock is the well-known N2R dock the debug receive queue is bound at.
const Dock fingerprint.Dock = 5

const (
	anonIdentityCapacity = 100_000
	anonIdentityTTL      = time.Hour
)

// SendMessageArgs names a one-off message to send, optionally under a
// cached anonymous identity rather than this node's own.
type SendMessageArgs struct {
	AnonID      string
	SourceDock  fingerprint.Dock
	Destination fingerprint.Fingerprint
	DestDock    fingerprint.Dock
	Content     []byte
}

// Message is the body half of a received (Message, Fingerprint) pair.
type Message struct {
	SrcDock  fingerprint.Dock
	DestDock fingerprint.Dock
	Body     []byte
}

// GlobalRpcArgs names a named global RPC call to make against a remote
// node, the mechanism havens use to answer application-defined queries.
type GlobalRpcArgs struct {
	Destination fingerprint.Fingerprint
	Method      string
	Args        json.RawMessage
}

// GlobalRpcHandler answers one named global RPC method this node exposes.
type GlobalRpcHandler func(ctx context.Context, args json.RawMessage) (any, error)

// Dispatcher implements every operation named in the control surface. It
// holds no transport of its own; an external RPC server (out of scope
// here) is expected to deserialize calls and invoke these methods
// directly.
type Dispatcher struct {
	SelfFP  fingerprint.Fingerprint
	Config  *config.Config
	Graph   *relaygraph.Graph
	Manager *n2r.Manager
	DHT     *havendht.Engine
	Logger  *slog.Logger

	debugSock *n2r.Socket
	anonIDs   *lru.LRU[string, *n2r.SocketIdentity]

	mu       sync.Mutex
	handlers map[string]GlobalRpcHandler
}

// Bind registers the dispatcher's debug receive socket and global RPC
// handler table. Call once before serving any control calls.
func (d *Dispatcher) Bind() error {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	dock := Dock
	sock, err := d.Manager.Bind(nil, &dock)
	if err != nil {
		return fmt.Errorf("control: bind debug socket: %w", err)
	}
	d.debugSock = sock
	d.anonIDs = lru.NewLRU[string, *n2r.SocketIdentity](anonIdentityCapacity, nil, anonIdentityTTL)
	d.handlers = make(map[string]GlobalRpcHandler)
	return nil
}

// RegisterGlobalRPC exposes a named method for SendGlobalRPC callers
// elsewhere on the overlay to invoke via the global RPC dock.
func (d *Dispatcher) RegisterGlobalRPC(method string, handler GlobalRpcHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = handler
}

// GraphDump renders the relay graph's adjacencies as GraphViz source.
func (d *Dispatcher) GraphDump(ctx context.Context) string {
	var b strings.Builder
	b.WriteString("graph G {\n")
	for _, adj := range d.Graph.AllAdjacencies() {
		fmt.Fprintf(&b, "\t%q -- %q\n", adj.LeftFP.String(), adj.RightFP.String())
	}
	b.WriteString("}\n")
	return b.String()
}

// MyRoutes inverts this node's configured in-routes into the OutRouteConfig
// shape a peer would use to dial back in, deriving each route's public
// cookie from its secret the same way ServeInbound does rather than
// exposing the secret itself.
func (d *Dispatcher) MyRoutes(ctx context.Context) map[string]config.OutRouteConfig {
	out := make(map[string]config.OutRouteConfig, len(d.Config.InRoutes))
	for name, in := range d.Config.InRoutes {
		secret, err := decodeSecret(in.Secret)
		if err != nil {
			d.Logger.Warn("control: in-route has malformed secret, omitting from my_routes", "route", name, "err", err)
			continue
		}
		cookie := link.DeriveCookie(secret)
		out[name] = config.OutRouteConfig{
			Fingerprint: d.SelfFP.String(),
			Connect:     in.Listen,
			Cookie:      hex.EncodeToString(cookie[:]),
		}
	}
	return out
}

func decodeSecret(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("want 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// resolveIdentity returns the SocketIdentity a SendMessage call with the
// given opaque handle should send under, creating and caching a fresh
// anonymous one the first time a handle is seen.
func (d *Dispatcher) resolveIdentity(anonID string) (*n2r.SocketIdentity, error) {
	if anonID == "" {
		return nil, nil
	}
	if ident, ok := d.anonIDs.Get(anonID); ok {
		return ident, nil
	}
	ident, err := n2r.NewAnonymousIdentity()
	if err != nil {
		return nil, fmt.Errorf("control: generate anonymous identity: %w", err)
	}
	d.anonIDs.Add(anonID, ident)
	return ident, nil
}

// SendMessage sends one message under args.AnonID (or this node's own
// identity if empty), binding a throwaway socket at args.SourceDock for
// the send.
func (d *Dispatcher) SendMessage(ctx context.Context, args SendMessageArgs) error {
	ident, err := d.resolveIdentity(args.AnonID)
	if err != nil {
		return err
	}
	dock := args.SourceDock
	sock, err := d.Manager.Bind(ident, &dock)
	if err != nil {
		return fmt.Errorf("control: bind send socket: %w", err)
	}
	defer sock.Close()
	dst := fingerprint.Endpoint{Fingerprint: args.Destination, Dock: args.DestDock}
	return sock.SendTo(args.Content, dst)
}

// RecvMessage dequeues the next message delivered to the dispatcher's
// debug socket, non-blocking: ok is false if none is currently queued.
func (d *Dispatcher) RecvMessage(ctx context.Context) (msg *Message, from fingerprint.Fingerprint, ok bool) {
	recvCtx, cancel := context.WithTimeout(ctx, 0)
	defer cancel()
	body, ep, err := d.debugSock.RecvFrom(recvCtx)
	if err != nil {
		return nil, fingerprint.Fingerprint{}, false
	}
	return &Message{DestDock: Dock, Body: body}, ep.Fingerprint, true
}

// SendGlobalRPC dispatches args to the named handler registered on the
// local node if destination is self, otherwise it is a placeholder for an
// external RPC client this package does not itself implement (the control
// RPC transport is a documented boundary, not a component built here).
func (d *Dispatcher) SendGlobalRPC(ctx context.Context, args GlobalRpcArgs) (any, error) {
	if args.Destination != d.SelfFP {
		return nil, fmt.Errorf("control: global RPC to remote node %s requires an external RPC transport", args.Destination)
	}
	d.mu.Lock()
	handler, ok := d.handlers[args.Method]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("control: no global RPC handler registered for %q", args.Method)
	}
	return handler(ctx, args.Args)
}

// InsertRendezvous publishes a haven locator to the DHT.
func (d *Dispatcher) InsertRendezvous(ctx context.Context, locator *havendht.Locator) error {
	return d.DHT.Insert(ctx, locator)
}

// GetRendezvous looks up a haven's published locator.
func (d *Dispatcher) GetRendezvous(ctx context.Context, havenFP fingerprint.Fingerprint) (*havendht.Locator, error) {
	loc, err := d.DHT.Get(ctx, havenFP)
	if err == havendht.ErrNotFound {
		return nil, nil
	}
	return loc, err
}
