// Package gossip implements periodic pairwise topology exchange between
// directly-connected neighbors: each round publishes this node's own
// identity, fetches the neighbor's, signs the pairwise adjacency exactly
// once per ordered pair, and samples a handful of known fingerprints to
// cross-pollinate the wider graph. RPCs travel as ordinary N2R messages to
// the neighbor's well-known gossip dock, one hop away.
package gossip

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/identity"
	"github.com/earendil-network/earendil-go/n2r"
	"github.com/earendil-network/earendil-go/relaygraph"
)

// Dock is the well-known N2R dock every node binds to serve and make
// gossip RPCs.
const Dock fingerprint.Dock = 2

// RoundInterval is how often the engine gossips with each live neighbor.
const RoundInterval = 5 * time.Second

// RoundTimeout bounds a single round's RPC exchange.
const RoundTimeout = 5 * time.Second

// SampleSize is the maximum number of known fingerprints a round samples
// for the adjacencies RPC.
const SampleSize = 10

const (
	methodIdentity      = "identity"
	methodSignAdjacency = "sign_adjacency"
	methodAdjacencies   = "adjacencies"
)

// envelope is the wire frame for a gossip RPC, carried as the body of an
// N2R message to the peer's gossip dock. Requests carry Method+Params;
// responses carry OK/ErrMsg/Result, matched back to the caller by ID.
type envelope struct {
	ID         uint64
	IsResponse bool
	Method     string          `cbor:",omitempty"`
	OK         bool            `cbor:",omitempty"`
	ErrMsg     string          `cbor:",omitempty"`
	Params     cbor.RawMessage `cbor:",omitempty"`
	Result     cbor.RawMessage `cbor:",omitempty"`
}

type identityParams struct{ FP fingerprint.Fingerprint }
type identityResult struct{ Desc *identity.Descriptor }

type signAdjacencyParams struct{ Desc identity.AdjacencyDescriptor }
type signAdjacencyResult struct{ Desc identity.AdjacencyDescriptor }

type adjacenciesParams struct{ Sample []fingerprint.Fingerprint }
type adjacenciesResult struct{ Adjacencies []identity.AdjacencyDescriptor }

// Engine runs the gossip protocol for one node: serving peer RPCs on its
// own socket, and driving the periodic round against each live neighbor.
type Engine struct {
	Self    *identity.SecretKey
	SelfFP  fingerprint.Fingerprint
	IsRelay bool
	Graph   *relaygraph.Graph
	Manager *n2r.Manager
	Logger  *slog.Logger

	sock      *n2r.Socket
	nextReqID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *envelope
}

// Bind registers the engine's well-known gossip socket. Call once per node
// before Serve or Run.
func (e *Engine) Bind() error {
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	dock := Dock
	sock, err := e.Manager.Bind(nil, &dock)
	if err != nil {
		return fmt.Errorf("gossip: bind: %w", err)
	}
	e.sock = sock
	e.pending = make(map[uint64]chan *envelope)
	return nil
}

// Serve consumes inbound gossip traffic until ctx is cancelled or the
// socket closes: responses are matched to outstanding calls, requests are
// dispatched to the matching handler and answered.
func (e *Engine) Serve(ctx context.Context) error {
	for {
		body, from, err := e.sock.RecvFrom(ctx)
		if err != nil {
			return err
		}
		var env envelope
		if err := cbor.Unmarshal(body, &env); err != nil {
			e.Logger.Debug("gossip: undecodable envelope, dropping", "from", from, "err", err)
			continue
		}
		if env.IsResponse {
			e.deliverResponse(&env)
			continue
		}
		go e.handleRequest(from, &env)
	}
}

func (e *Engine) deliverResponse(env *envelope) {
	e.mu.Lock()
	ch, ok := e.pending[env.ID]
	if ok {
		delete(e.pending, env.ID)
	}
	e.mu.Unlock()
	if ok {
		ch <- env
	}
}

func (e *Engine) handleRequest(from fingerprint.Endpoint, env *envelope) {
	resp := envelope{ID: env.ID, IsResponse: true}
	result, err := e.dispatch(env.Method, env.Params)
	if err != nil {
		resp.ErrMsg = err.Error()
	} else {
		resp.OK = true
		resp.Result = result
	}
	buf, err := cbor.Marshal(&resp)
	if err != nil {
		e.Logger.Warn("gossip: failed to encode response", "method", env.Method, "err", err)
		return
	}
	if err := e.sock.SendTo(buf, from); err != nil {
		e.Logger.Debug("gossip: failed to send response", "to", from, "err", err)
	}
}

func (e *Engine) dispatch(method string, params cbor.RawMessage) (cbor.RawMessage, error) {
	switch method {
	case methodIdentity:
		return e.handleIdentity(params)
	case methodSignAdjacency:
		return e.handleSignAdjacency(params)
	case methodAdjacencies:
		return e.handleAdjacencies(params)
	default:
		return nil, fmt.Errorf("gossip: unknown method %q", method)
	}
}

func (e *Engine) handleIdentity(params cbor.RawMessage) (cbor.RawMessage, error) {
	var p identityParams
	if err := cbor.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	desc, _ := e.Graph.Identity(p.FP)
	return cbor.Marshal(identityResult{Desc: desc})
}

func (e *Engine) handleSignAdjacency(params cbor.RawMessage) (cbor.RawMessage, error) {
	var p signAdjacencyParams
	if err := cbor.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	desc := p.Desc
	if !desc.WellFormed() {
		return nil, fmt.Errorf("malformed adjacency")
	}
	if desc.RightFP != e.SelfFP {
		return nil, fmt.Errorf("adjacency's right endpoint is not this node")
	}
	leftID, ok := e.Graph.Identity(desc.LeftFP)
	if !ok {
		return nil, fmt.Errorf("unknown left endpoint identity")
	}
	if !desc.VerifyLeft(leftID.IdentityPK) {
		return nil, fmt.Errorf("invalid left signature")
	}
	desc.SignRight(e.Self)
	if err := e.Graph.InsertAdjacency(&desc); err != nil {
		return nil, fmt.Errorf("insert adjacency: %w", err)
	}
	return cbor.Marshal(signAdjacencyResult{Desc: desc})
}

func (e *Engine) handleAdjacencies(params cbor.RawMessage) (cbor.RawMessage, error) {
	var p adjacenciesParams
	if err := cbor.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	want := make(map[fingerprint.Fingerprint]bool, len(p.Sample))
	for _, fp := range p.Sample {
		want[fp] = true
	}
	var out []identity.AdjacencyDescriptor
	for _, a := range e.Graph.AllAdjacencies() {
		if want[a.LeftFP] || want[a.RightFP] {
			out = append(out, *a)
		}
	}
	return cbor.Marshal(adjacenciesResult{Adjacencies: out})
}

// call sends method with params to dst and blocks for the matching
// response or ctx cancellation, decoding the result into out if non-nil.
func (e *Engine) call(ctx context.Context, dst fingerprint.Fingerprint, method string, params, out any) error {
	encodedParams, err := cbor.Marshal(params)
	if err != nil {
		return fmt.Errorf("gossip: encode %s params: %w", method, err)
	}
	id := e.nextReqID.Add(1)
	buf, err := cbor.Marshal(&envelope{ID: id, Method: method, Params: encodedParams})
	if err != nil {
		return fmt.Errorf("gossip: encode %s request: %w", method, err)
	}

	ch := make(chan *envelope, 1)
	e.mu.Lock()
	e.pending[id] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}()

	if err := e.sock.SendTo(buf, fingerprint.Endpoint{Fingerprint: dst, Dock: Dock}); err != nil {
		return fmt.Errorf("gossip: send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return fmt.Errorf("gossip: %s: remote error: %s", method, resp.ErrMsg)
		}
		if out != nil {
			if err := cbor.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("gossip: decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunRound performs one gossip exchange with neighbor: self-publish, fetch
// the neighbor's identity, sign the pairwise adjacency if we are its
// lexicographically-lesser endpoint, then sample-gossip adjacencies.
func (e *Engine) RunRound(ctx context.Context, neighbor fingerprint.Fingerprint) error {
	ctx, cancel := context.WithTimeout(ctx, RoundTimeout)
	defer cancel()

	desc, err := identity.NewDescriptor(e.Self, e.IsRelay, time.Now())
	if err != nil {
		return fmt.Errorf("gossip: build self descriptor: %w", err)
	}
	if err := e.Graph.InsertIdentity(desc); err != nil {
		return fmt.Errorf("gossip: insert self descriptor: %w", err)
	}

	var neighborIdent identityResult
	if err := e.call(ctx, neighbor, methodIdentity, identityParams{FP: neighbor}, &neighborIdent); err != nil {
		return fmt.Errorf("gossip: fetch neighbor identity: %w", err)
	}
	if neighborIdent.Desc != nil {
		if err := e.Graph.InsertIdentity(neighborIdent.Desc); err != nil {
			e.Logger.Debug("gossip: neighbor identity rejected", "fp", neighbor, "err", err)
		}
	}

	if e.SelfFP.Less(neighbor) {
		e.signAdjacencyWith(ctx, neighbor)
	}

	sample, err := e.sampleFingerprints()
	if err != nil {
		return fmt.Errorf("gossip: sample fingerprints: %w", err)
	}
	if len(sample) == 0 {
		return nil
	}
	var got adjacenciesResult
	if err := e.call(ctx, neighbor, methodAdjacencies, adjacenciesParams{Sample: sample}, &got); err != nil {
		e.Logger.Debug("gossip: adjacencies fetch failed", "neighbor", neighbor, "err", err)
		return nil
	}
	for i := range got.Adjacencies {
		a := got.Adjacencies[i]
		e.ensureIdentity(ctx, neighbor, a.LeftFP)
		e.ensureIdentity(ctx, neighbor, a.RightFP)
		if err := e.Graph.InsertAdjacency(&a); err != nil {
			e.Logger.Debug("gossip: insert sampled adjacency failed", "err", err)
		}
	}
	return nil
}

func (e *Engine) signAdjacencyWith(ctx context.Context, neighbor fingerprint.Fingerprint) {
	adj := &identity.AdjacencyDescriptor{LeftFP: e.SelfFP, RightFP: neighbor, UnixTimestamp: time.Now().Unix()}
	adj.SignLeft(e.Self)
	var signed signAdjacencyResult
	if err := e.call(ctx, neighbor, methodSignAdjacency, signAdjacencyParams{Desc: *adj}, &signed); err != nil {
		e.Logger.Debug("gossip: sign adjacency failed", "neighbor", neighbor, "err", err)
		return
	}
	if err := e.Graph.InsertAdjacency(&signed.Desc); err != nil {
		e.Logger.Debug("gossip: insert signed adjacency failed", "neighbor", neighbor, "err", err)
	}
}

// ensureIdentity fetches fp's identity from the peer at from if this node
// doesn't already have one on file.
func (e *Engine) ensureIdentity(ctx context.Context, from, fp fingerprint.Fingerprint) {
	if _, ok := e.Graph.Identity(fp); ok {
		return
	}
	var res identityResult
	if err := e.call(ctx, from, methodIdentity, identityParams{FP: fp}, &res); err != nil {
		e.Logger.Debug("gossip: fetch endpoint identity failed", "fp", fp, "err", err)
		return
	}
	if res.Desc == nil {
		return
	}
	if err := e.Graph.InsertIdentity(res.Desc); err != nil {
		e.Logger.Debug("gossip: insert endpoint identity failed", "fp", fp, "err", err)
	}
}

func (e *Engine) sampleFingerprints() ([]fingerprint.Fingerprint, error) {
	all := e.Graph.AllNodes()
	if len(all) <= SampleSize {
		return all, nil
	}
	picked := make(map[int]bool, SampleSize)
	out := make([]fingerprint.Fingerprint, 0, SampleSize)
	for len(out) < SampleSize {
		idx, err := randomIndex(len(all))
		if err != nil {
			return nil, err
		}
		if picked[idx] {
			continue
		}
		picked[idx] = true
		out = append(out, all[idx])
	}
	return out, nil
}

func randomIndex(n int) (int, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("gossip: read random index: %w", err)
	}
	var v uint64
	for i, x := range b {
		v |= uint64(x) << (8 * i)
	}
	return int(v % uint64(n)), nil
}

// Run drives the periodic gossip round against neighbor, once immediately
// and then every RoundInterval, until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, neighbor fingerprint.Fingerprint) {
	if err := e.RunRound(ctx, neighbor); err != nil {
		e.Logger.Debug("gossip: round failed", "neighbor", neighbor, "err", err)
	}
	ticker := time.NewTicker(RoundInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RunRound(ctx, neighbor); err != nil {
				e.Logger.Debug("gossip: round failed", "neighbor", neighbor, "err", err)
			}
		}
	}
}
