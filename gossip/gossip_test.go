package gossip

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/identity"
	"github.com/earendil-network/earendil-go/link"
	"github.com/earendil-network/earendil-go/n2r"
	"github.com/earendil-network/earendil-go/neighbortable"
	"github.com/earendil-network/earendil-go/peelforward"
	"github.com/earendil-network/earendil-go/relaygraph"
)

type node struct {
	sk     *identity.SecretKey
	fp     fingerprint.Fingerprint
	graph  *relaygraph.Graph
	table  *neighbortable.Table
	engine *Engine
}

func newNode(t *testing.T, ctx context.Context, isRelay bool) *node {
	t.Helper()
	sk, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	fp := identity.Fingerprint(sk.Public())
	onionPub, err := sk.OnionPublic()
	if err != nil {
		t.Fatalf("OnionPublic: %v", err)
	}
	graph := relaygraph.New()
	table := neighbortable.New(fp, nil)
	degarblers := peelforward.NewDegarblerTable(0)
	anonDests := peelforward.NewAnonDestinations(0)
	manager := n2r.NewManager(fp, sk.OnionSecret(), onionPub, graph, table, degarblers, anonDests, nil)
	pf := &peelforward.Engine{
		SelfFP:      fp,
		OnionSecret: sk.OnionSecret(),
		Table:       table,
		Delivery:    manager,
		Degarblers:  degarblers,
		AnonDests:   anonDests,
	}
	go func() { _ = pf.Run(ctx) }()

	eng := &Engine{Self: sk, SelfFP: fp, IsRelay: isRelay, Graph: graph, Manager: manager}
	if err := eng.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	go func() { _ = eng.Serve(ctx) }()

	return &node{sk: sk, fp: fp, graph: graph, table: table, engine: eng}
}

// connectedPair spins up a loopback link session pair between server and
// client, as exercised throughout the link/neighbortable/peelforward/n2r
// tests.
func connectedPair(t *testing.T, serverSK, clientSK *identity.SecretKey) (client, server *link.Session) {
	t.Helper()
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	listener, err := link.ServeInbound("127.0.0.1:0", secret, serverSK, nil)
	if err != nil {
		t.Fatalf("ServeInbound: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	serverFP := identity.Fingerprint(serverSK.Public())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type dialResult struct {
		sess *link.Session
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		sess, err := link.DialOutbound(ctx, listener.Addr().String(), serverFP, listener.Cookie(), clientSK, nil)
		ch <- dialResult{sess, err}
	}()
	select {
	case server = <-listener.Accept:
	case <-ctx.Done():
		t.Fatal("timed out waiting for accept")
	}
	dr := <-ch
	if dr.err != nil {
		t.Fatalf("DialOutbound: %v", dr.err)
	}
	return dr.sess, server
}

// wireTransportOnly connects a and b as live transport-layer neighbors
// without seeding either graph: gossip itself is responsible for the two
// nodes learning about each other's identity and adjacency.
func wireTransportOnly(t *testing.T, a, b *node) {
	t.Helper()
	aSideOfB, bSideOfA := connectedPair(t, b.sk, a.sk)
	a.table.Insert(b.fp, aSideOfB)
	b.table.Insert(a.fp, bSideOfA)
}

func hasAdjacency(g *relaygraph.Graph, left, right fingerprint.Fingerprint) *identity.AdjacencyDescriptor {
	for _, a := range g.AllAdjacencies() {
		if a.LeftFP == left && a.RightFP == right {
			return a
		}
	}
	return nil
}

func TestGossipRoundConvergesIdentityAndAdjacency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(t, ctx, true)
	b := newNode(t, ctx, false)
	wireTransportOnly(t, a, b)

	left, right := a.fp, b.fp
	if !left.Less(right) {
		left, right = right, left
	}

	roundCtx, roundCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer roundCancel()
	for i := 0; i < 6; i++ {
		if err := a.engine.RunRound(roundCtx, b.fp); err != nil {
			t.Fatalf("a round %d: %v", i, err)
		}
		if err := b.engine.RunRound(roundCtx, a.fp); err != nil {
			t.Fatalf("b round %d: %v", i, err)
		}
	}

	if _, ok := a.graph.Identity(b.fp); !ok {
		t.Fatal("a never learned b's identity")
	}
	if _, ok := b.graph.Identity(a.fp); !ok {
		t.Fatal("b never learned a's identity")
	}

	adjA := hasAdjacency(a.graph, left, right)
	adjB := hasAdjacency(b.graph, left, right)
	if adjA == nil {
		t.Fatal("a's graph has no signed adjacency")
	}
	if adjB == nil {
		t.Fatal("b's graph has no signed adjacency")
	}
	leftID, _ := a.graph.Identity(left)
	rightID, _ := a.graph.Identity(right)
	if !adjA.VerifySignatures(leftID.IdentityPK, rightID.IdentityPK) {
		t.Fatal("a's copy of the adjacency has an invalid signature pair")
	}
}

func TestGossipSampleGossipPropagatesTransitively(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(t, ctx, false)
	b := newNode(t, ctx, true)
	c := newNode(t, ctx, false)
	wireTransportOnly(t, a, b)
	wireTransportOnly(t, b, c)

	roundCtx, roundCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer roundCancel()

	// Converge both pairwise links first, then let a gossip with b a few
	// more times so its sample-gossip step can pick up the b-c adjacency
	// it has no direct way of knowing to ask for by name.
	for i := 0; i < 6; i++ {
		if err := a.engine.RunRound(roundCtx, b.fp); err != nil {
			t.Fatalf("a-b round %d: %v", i, err)
		}
		if err := b.engine.RunRound(roundCtx, a.fp); err != nil {
			t.Fatalf("b-a round %d: %v", i, err)
		}
		if err := b.engine.RunRound(roundCtx, c.fp); err != nil {
			t.Fatalf("b-c round %d: %v", i, err)
		}
		if err := c.engine.RunRound(roundCtx, b.fp); err != nil {
			t.Fatalf("c-b round %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := a.engine.RunRound(roundCtx, b.fp); err != nil {
			t.Fatalf("a-b trailing round %d: %v", i, err)
		}
	}

	if _, ok := a.graph.Identity(c.fp); !ok {
		t.Fatal("a never learned c's identity via sample gossip through b")
	}
	left, right := b.fp, c.fp
	if !left.Less(right) {
		left, right = right, left
	}
	if hasAdjacency(a.graph, left, right) == nil {
		t.Fatal("a never learned the b-c adjacency via sample gossip")
	}
	if hasAdjacency(a.graph, func() fingerprint.Fingerprint {
		if a.fp.Less(c.fp) {
			return a.fp
		}
		return c.fp
	}(), func() fingerprint.Fingerprint {
		if a.fp.Less(c.fp) {
			return c.fp
		}
		return a.fp
	}()) != nil {
		t.Fatal("a incorrectly fabricated a direct a-c adjacency it never gossiped")
	}
}

func TestSignAdjacencyRejectsWrongRightEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(t, ctx, false)
	b := newNode(t, ctx, false)
	wireTransportOnly(t, a, b)

	da, err := identity.NewDescriptor(a.sk, false, time.Now())
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	if err := a.graph.InsertIdentity(da); err != nil {
		t.Fatalf("InsertIdentity: %v", err)
	}
	if err := b.graph.InsertIdentity(da); err != nil {
		t.Fatalf("InsertIdentity on b: %v", err)
	}

	// Build an adjacency naming some other node as the right endpoint; b
	// should refuse to countersign on b's own behalf.
	var otherFP fingerprint.Fingerprint
	_, _ = rand.Read(otherFP[:])
	adj := &identity.AdjacencyDescriptor{LeftFP: a.fp, RightFP: otherFP, UnixTimestamp: time.Now().Unix()}
	if otherFP.Less(a.fp) {
		adj.LeftFP, adj.RightFP = otherFP, a.fp
	}
	adj.SignLeft(a.sk)

	callCtx, callCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer callCancel()
	var signed signAdjacencyResult
	err = a.engine.call(callCtx, b.fp, methodSignAdjacency, signAdjacencyParams{Desc: *adj}, &signed)
	if err == nil {
		t.Fatal("expected sign_adjacency to be rejected")
	}
}
