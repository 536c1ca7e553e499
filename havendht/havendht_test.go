package havendht

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

	eng := &Engine{SelfFP: fp, Graph: graph, Manager: manager}
	if err := eng.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	go func() { _ = eng.Serve(ctx) }()

	desc, err := identity.NewDescriptor(sk, isRelay, time.Now())
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	if err := graph.InsertIdentity(desc); err != nil {
		t.Fatalf("InsertIdentity: %v", err)
	}

	return &node{sk: sk, fp: fp, graph: graph, table: table, engine: eng}
}

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

// shareGraphs links a and b as live transport neighbors and cross-inserts
// their already-published identities, as gossip would converge to given
// enough rounds.
func shareGraphs(t *testing.T, a, b *node) {
	t.Helper()
	aSideOfB, bSideOfA := connectedPair(t, b.sk, a.sk)
	a.table.Insert(b.fp, aSideOfB)
	b.table.Insert(a.fp, bSideOfA)

	aDesc, _ := a.graph.Identity(a.fp)
	bDesc, _ := b.graph.Identity(b.fp)
	if err := a.graph.InsertIdentity(bDesc); err != nil {
		t.Fatalf("insert b identity into a: %v", err)
	}
	if err := b.graph.InsertIdentity(aDesc); err != nil {
		t.Fatalf("insert a identity into b: %v", err)
	}
}

func TestLocatorRoundTripThroughSingleReplica(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	haven, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	havenFP := identity.Fingerprint(haven.Public())

	relay := newNode(t, ctx, true)
	// relay is the only relay known, so it is its own replica set's sole
	// member regardless of XOR distance.
	rendezvousFP := relay.fp
	locator := NewLocator(haven, rendezvousFP, time.Now())
	if !locator.Verify() {
		t.Fatal("freshly built locator failed self-verification")
	}

	client := newNode(t, ctx, false)
	shareGraphs(t, client, relay)

	opCtx, opCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer opCancel()
	if err := client.engine.Insert(opCtx, locator); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := client.engine.Get(opCtx, havenFP)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RendezvousFP != rendezvousFP {
		t.Fatalf("RendezvousFP = %s, want %s", got.RendezvousFP, rendezvousFP)
	}
}

func TestGetFailsForUnknownHaven(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(t, ctx, true)
	b := newNode(t, ctx, false)
	shareGraphs(t, a, b)

	var unknownFP fingerprint.Fingerprint
	_, _ = rand.Read(unknownFP[:])

	opCtx, opCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer opCancel()
	if _, err := b.engine.Get(opCtx, unknownFP); err != ErrNotFound {
		t.Fatalf("Get on unknown haven: got err %v, want ErrNotFound", err)
	}
}

func TestInsertRejectsTamperedLocator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	haven, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	relay := newNode(t, ctx, true)
	locator := NewLocator(haven, relay.fp, time.Now())
	locator.RendezvousFP[0] ^= 0xFF // tamper after signing

	client := newNode(t, ctx, false)
	shareGraphs(t, client, relay)

	opCtx, opCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer opCancel()
	if err := client.engine.Insert(opCtx, locator); err == nil {
		t.Fatal("expected Insert to reject a tampered locator")
	}
}
