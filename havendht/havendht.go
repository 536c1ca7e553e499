// Package havendht implements the replicated fingerprint-to-locator
// directory havens use to publish and discover their rendezvous relay:
// insert and lookup are Kademlia-style fanouts to the k nodes whose
// fingerprint is nearest the haven's own, by XOR distance.
package havendht

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/identity"
	"github.com/earendil-network/earendil-go/n2r"
	"github.com/earendil-network/earendil-go/relaygraph"
)

// Dock is the well-known N2R dock a node serves DHT replica RPCs on.
const Dock fingerprint.Dock = 3

// ReplicaCount is k, the number of nearest-fingerprint nodes a locator is
// replicated to.
const ReplicaCount = 3

// OpTimeout bounds a full insert or get fanout, win or lose.
const OpTimeout = 30 * time.Second

// ReplicaTTL is how long a replica holds an inserted locator before it
// expires.
const ReplicaTTL = time.Hour

const (
	methodInsert = "insert"
	methodGet    = "get"
)

// ErrNotFound is returned by Get when no replica answered with a valid
// locator before the timeout.
var ErrNotFound = fmt.Errorf("havendht: locator not found")

// ErrNoReplicas is returned when the relay graph has no known relays to
// replicate to.
var ErrNoReplicas = fmt.Errorf("havendht: no known relays to replicate to")

// Locator is the signed evidence that HavenFP's owner has chosen
// RendezvousFP as its rendezvous relay. Signed by the haven's own identity
// key, covering everything but the signature.
type Locator struct {
	HavenFP       fingerprint.Fingerprint
	RendezvousFP  fingerprint.Fingerprint
	IdentityPK    [32]byte
	UnixTimestamp int64
	Signature     [64]byte
}

func (l *Locator) signingBytes() []byte {
	buf := make([]byte, 0, fingerprint.Size*2+32+8)
	buf = append(buf, l.HavenFP[:]...)
	buf = append(buf, l.RendezvousFP[:]...)
	buf = append(buf, l.IdentityPK[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(l.UnixTimestamp))
	buf = append(buf, ts[:]...)
	return buf
}

// NewLocator builds and signs a fresh locator naming rendezvousFP as sk's
// chosen rendezvous relay.
func NewLocator(sk *identity.SecretKey, rendezvousFP fingerprint.Fingerprint, now time.Time) *Locator {
	l := &Locator{
		HavenFP:       identity.Fingerprint(sk.Public()),
		RendezvousFP:  rendezvousFP,
		IdentityPK:    sk.Public(),
		UnixTimestamp: now.Unix(),
	}
	l.Signature = sk.Sign(l.signingBytes())
	return l
}

// Verify reports whether the locator's signature and haven_fp are
// self-consistent.
func (l *Locator) Verify() bool {
	if identity.Fingerprint(l.IdentityPK) != l.HavenFP {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(l.IdentityPK[:]), l.signingBytes(), l.Signature[:])
}

type insertParams struct{ Locator Locator }
type insertResult struct{ OK bool }
type getParams struct{ FP fingerprint.Fingerprint }
type getResult struct{ Locator *Locator }

type envelope struct {
	ID         uint64
	IsResponse bool
	Method     string          `cbor:",omitempty"`
	OK         bool            `cbor:",omitempty"`
	ErrMsg     string          `cbor:",omitempty"`
	Params     cbor.RawMessage `cbor:",omitempty"`
	Result     cbor.RawMessage `cbor:",omitempty"`
}

type storedLocator struct {
	locator    Locator
	insertedAt time.Time
}

// store is a replica's in-memory holding of locators it has been asked to
// keep, evicted after ReplicaTTL.
type store struct {
	mu   sync.Mutex
	data map[fingerprint.Fingerprint]storedLocator
}

func newStore() *store {
	return &store{data: make(map[fingerprint.Fingerprint]storedLocator)}
}

func (s *store) put(l Locator, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[l.HavenFP] = storedLocator{locator: l, insertedAt: now}
}

func (s *store) get(fp fingerprint.Fingerprint, now time.Time) (Locator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.data[fp]
	if !ok {
		return Locator{}, false
	}
	if now.Sub(sl.insertedAt) > ReplicaTTL {
		delete(s.data, fp)
		return Locator{}, false
	}
	return sl.locator, true
}

func (s *store) gc(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fp, sl := range s.data {
		if now.Sub(sl.insertedAt) > ReplicaTTL {
			delete(s.data, fp)
		}
	}
}

// Engine serves this node's share of the replicated directory and drives
// client-side insert/get fanouts on behalf of local havens.
type Engine struct {
	SelfFP  fingerprint.Fingerprint
	Graph   *relaygraph.Graph
	Manager *n2r.Manager
	Logger  *slog.Logger

	sock      *n2r.Socket
	nextReqID atomic.Uint64
	store     *store

	mu      sync.Mutex
	pending map[uint64]chan *envelope
}

// Bind registers the engine's replica socket. Call once per node before
// Serve, Insert, or Get.
func (e *Engine) Bind() error {
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	dock := Dock
	sock, err := e.Manager.Bind(nil, &dock)
	if err != nil {
		return fmt.Errorf("havendht: bind: %w", err)
	}
	e.sock = sock
	e.store = newStore()
	e.pending = make(map[uint64]chan *envelope)
	return nil
}

// Serve consumes inbound replica RPC traffic until ctx is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	for {
		body, from, err := e.sock.RecvFrom(ctx)
		if err != nil {
			return err
		}
		var env envelope
		if err := cbor.Unmarshal(body, &env); err != nil {
			e.Logger.Debug("havendht: undecodable envelope, dropping", "from", from, "err", err)
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
		e.Logger.Warn("havendht: failed to encode response", "method", env.Method, "err", err)
		return
	}
	if err := e.sock.SendTo(buf, from); err != nil {
		e.Logger.Debug("havendht: failed to send response", "to", from, "err", err)
	}
}

func (e *Engine) dispatch(method string, params cbor.RawMessage) (cbor.RawMessage, error) {
	switch method {
	case methodInsert:
		return e.handleInsert(params)
	case methodGet:
		return e.handleGet(params)
	default:
		return nil, fmt.Errorf("havendht: unknown method %q", method)
	}
}

func (e *Engine) handleInsert(params cbor.RawMessage) (cbor.RawMessage, error) {
	var p insertParams
	if err := cbor.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if !p.Locator.Verify() {
		return nil, fmt.Errorf("invalid locator signature")
	}
	e.store.put(p.Locator, time.Now())
	return cbor.Marshal(insertResult{OK: true})
}

func (e *Engine) handleGet(params cbor.RawMessage) (cbor.RawMessage, error) {
	var p getParams
	if err := cbor.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	l, ok := e.store.get(p.FP, time.Now())
	if !ok {
		return cbor.Marshal(getResult{})
	}
	return cbor.Marshal(getResult{Locator: &l})
}

func (e *Engine) call(ctx context.Context, dst fingerprint.Fingerprint, method string, params, out any) error {
	encodedParams, err := cbor.Marshal(params)
	if err != nil {
		return fmt.Errorf("havendht: encode %s params: %w", method, err)
	}
	id := e.nextReqID.Add(1)
	buf, err := cbor.Marshal(&envelope{ID: id, Method: method, Params: encodedParams})
	if err != nil {
		return fmt.Errorf("havendht: encode %s request: %w", method, err)
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
		return fmt.Errorf("havendht: send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return fmt.Errorf("havendht: %s: remote error: %s", method, resp.ErrMsg)
		}
		if out != nil {
			if err := cbor.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("havendht: decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replicas returns the ReplicaCount relay fingerprints nearest key by XOR
// distance, nearest first.
func (e *Engine) replicas(key fingerprint.Fingerprint) []fingerprint.Fingerprint {
	var candidates []fingerprint.Fingerprint
	for _, fp := range e.Graph.AllNodes() {
		desc, ok := e.Graph.Identity(fp)
		if !ok || !desc.IsRelay {
			continue
		}
		candidates = append(candidates, fp)
	}
	sort.Slice(candidates, func(i, j int) bool {
		di := fingerprint.XORDistance(candidates[i], key)
		dj := fingerprint.XORDistance(candidates[j], key)
		return fingerprint.LessDistance(di, dj)
	})
	if len(candidates) > ReplicaCount {
		candidates = candidates[:ReplicaCount]
	}
	return candidates
}

// Insert replicates locator to the k nodes nearest its haven fingerprint,
// fire-and-forget: it returns once every replica has answered or failed,
// or ctx/the overall 30s budget expires, without requiring any of them to
// have acknowledged successfully.
func (e *Engine) Insert(ctx context.Context, locator *Locator) error {
	if !locator.Verify() {
		return fmt.Errorf("havendht: refusing to insert locator with invalid signature")
	}
	targets := e.replicas(locator.HavenFP)
	if len(targets) == 0 {
		return ErrNoReplicas
	}
	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, fp := range targets {
		fp := fp
		wg.Add(1)
		go func() {
			defer wg.Done()
			if fp == e.SelfFP {
				e.store.put(*locator, time.Now())
				return
			}
			var res insertResult
			if err := e.call(ctx, fp, methodInsert, insertParams{Locator: *locator}, &res); err != nil {
				e.Logger.Debug("havendht: insert to replica failed", "replica", fp, "err", err)
			}
		}()
	}
	wg.Wait()
	return nil
}

// Get queries the k nodes nearest fp and returns the first
// signature-valid locator any of them returns.
func (e *Engine) Get(ctx context.Context, fp fingerprint.Fingerprint) (*Locator, error) {
	targets := e.replicas(fp)
	if len(targets) == 0 {
		return nil, ErrNoReplicas
	}
	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()

	type found struct{ l *Locator }
	results := make(chan found, len(targets))
	var wg sync.WaitGroup
	for _, replica := range targets {
		replica := replica
		wg.Add(1)
		go func() {
			defer wg.Done()
			if replica == e.SelfFP {
				if l, ok := e.store.get(fp, time.Now()); ok {
					results <- found{&l}
				}
				return
			}
			var res getResult
			if err := e.call(ctx, replica, methodGet, getParams{FP: fp}, &res); err != nil {
				e.Logger.Debug("havendht: get from replica failed", "replica", replica, "err", err)
				return
			}
			if res.Locator != nil && res.Locator.Verify() && res.Locator.HavenFP == fp {
				results <- found{res.Locator}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for {
		select {
		case f, ok := <-results:
			if !ok {
				return nil, ErrNotFound
			}
			if f.l != nil {
				return f.l, nil
			}
		case <-ctx.Done():
			return nil, ErrNotFound
		}
	}
}

// Run periodically garbage-collects expired replica entries until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.store.gc(time.Now())
		}
	}
}
