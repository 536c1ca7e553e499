package control

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/earendil-network/earendil-go/config"
	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/havendht"
	"github.com/earendil-network/earendil-go/identity"
	"github.com/earendil-network/earendil-go/link"
	"github.com/earendil-network/earendil-go/n2r"
	"github.com/earendil-network/earendil-go/neighbortable"
	"github.com/earendil-network/earendil-go/peelforward"
	"github.com/earendil-network/earendil-go/relaygraph"
)

// newTestDispatcher wires a single self-relay node with a bound Dispatcher
// and DHT, enough to exercise every Dispatcher method against itself.
func newTestDispatcher(t *testing.T, cfg *config.Config) (*Dispatcher, *identity.SecretKey) {
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
	desc, err := identity.NewDescriptor(sk, true, time.Now())
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	if err := graph.InsertIdentity(desc); err != nil {
		t.Fatalf("InsertIdentity: %v", err)
	}
	table := neighbortable.New(fp, nil)
	degarblers := peelforward.NewDegarblerTable(0)
	anonDests := peelforward.NewAnonDestinations(0)
	manager := n2r.NewManager(fp, sk.OnionSecret(), onionPub, graph, table, degarblers, anonDests, nil)

	dht := &havendht.Engine{SelfFP: fp, Graph: graph, Manager: manager}
	if err := dht.Bind(); err != nil {
		t.Fatalf("dht.Bind: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = dht.Serve(ctx) }()

	if cfg == nil {
		cfg = &config.Config{}
	}
	d := &Dispatcher{SelfFP: fp, Config: cfg, Graph: graph, Manager: manager, DHT: dht}
	if err := d.Bind(); err != nil {
		t.Fatalf("Dispatcher.Bind: %v", err)
	}
	return d, sk
}

func TestGraphDumpRendersAdjacencies(t *testing.T) {
	d, selfSK := newTestDispatcher(t, nil)

	otherSK, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	otherDesc, err := identity.NewDescriptor(otherSK, false, time.Now())
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	if err := d.Graph.InsertIdentity(otherDesc); err != nil {
		t.Fatalf("InsertIdentity: %v", err)
	}
	otherFP := identity.Fingerprint(otherSK.Public())

	left, right := d.SelfFP, otherFP
	leftSK := selfSK
	rightSK := otherSK
	if !left.Less(right) {
		left, right = right, left
		leftSK, rightSK = rightSK, leftSK
	}
	adj := &identity.AdjacencyDescriptor{LeftFP: left, RightFP: right, UnixTimestamp: time.Now().Unix()}
	adj.SignLeft(leftSK)
	adj.SignRight(rightSK)
	if err := d.Graph.InsertAdjacency(adj); err != nil {
		t.Fatalf("InsertAdjacency: %v", err)
	}

	dump := d.GraphDump(context.Background())
	want := fmt.Sprintf("%q -- %q", left.String(), right.String())
	if !strings.Contains(dump, want) {
		t.Fatalf("GraphDump output %q does not contain adjacency %q", dump, want)
	}
}

func TestMyRoutesDerivesCookieFromSecret(t *testing.T) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	cfg := &config.Config{
		InRoutes: map[string]config.InRouteConfig{
			"primary": {Listen: "0.0.0.0:7000", Secret: hex.EncodeToString(secret[:])},
		},
	}
	d, _ := newTestDispatcher(t, cfg)

	routes := d.MyRoutes(context.Background())
	out, ok := routes["primary"]
	if !ok {
		t.Fatal("MyRoutes did not return the configured in-route")
	}
	if out.Fingerprint != d.SelfFP.String() {
		t.Fatalf("MyRoutes fingerprint = %s, want %s", out.Fingerprint, d.SelfFP)
	}
	if out.Connect != "0.0.0.0:7000" {
		t.Fatalf("MyRoutes connect = %s, want 0.0.0.0:7000", out.Connect)
	}
	wantCookie := link.DeriveCookie(secret)
	if out.Cookie != hex.EncodeToString(wantCookie[:]) {
		t.Fatalf("MyRoutes cookie = %s, want %s", out.Cookie, hex.EncodeToString(wantCookie[:]))
	}
}

func TestMyRoutesOmitsMalformedSecret(t *testing.T) {
	cfg := &config.Config{
		InRoutes: map[string]config.InRouteConfig{
			"broken": {Listen: "0.0.0.0:7000", Secret: "not-hex"},
		},
	}
	d, _ := newTestDispatcher(t, cfg)
	routes := d.MyRoutes(context.Background())
	if _, ok := routes["broken"]; ok {
		t.Fatal("MyRoutes should omit an in-route whose secret does not decode")
	}
}

func TestSendGlobalRPCLocalDispatch(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	d.RegisterGlobalRPC("echo", func(ctx context.Context, args json.RawMessage) (any, error) {
		var s string
		if err := json.Unmarshal(args, &s); err != nil {
			return nil, err
		}
		return s, nil
	})

	argBytes, _ := json.Marshal("hello")
	result, err := d.SendGlobalRPC(context.Background(), GlobalRpcArgs{
		Destination: d.SelfFP,
		Method:      "echo",
		Args:        argBytes,
	})
	if err != nil {
		t.Fatalf("SendGlobalRPC: %v", err)
	}
	if result != "hello" {
		t.Fatalf("SendGlobalRPC result = %v, want hello", result)
	}

	if _, err := d.SendGlobalRPC(context.Background(), GlobalRpcArgs{Destination: d.SelfFP, Method: "missing"}); err == nil {
		t.Fatal("expected an error for an unregistered method")
	}

	var remoteFP fingerprint.Fingerprint
	_, _ = rand.Read(remoteFP[:])
	if _, err := d.SendGlobalRPC(context.Background(), GlobalRpcArgs{Destination: remoteFP, Method: "echo"}); err == nil {
		t.Fatal("expected an error dispatching to a remote destination")
	}
}

func TestInsertAndGetRendezvous(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	havenSK, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	loc := havendht.NewLocator(havenSK, d.SelfFP, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.InsertRendezvous(ctx, loc); err != nil {
		t.Fatalf("InsertRendezvous: %v", err)
	}

	havenFP := identity.Fingerprint(havenSK.Public())
	got, err := d.GetRendezvous(ctx, havenFP)
	if err != nil {
		t.Fatalf("GetRendezvous: %v", err)
	}
	if got == nil {
		t.Fatal("GetRendezvous returned nil for a locator that was just inserted")
	}

	var missingFP fingerprint.Fingerprint
	_, _ = rand.Read(missingFP[:])
	miss, err := d.GetRendezvous(ctx, missingFP)
	if err != nil {
		t.Fatalf("GetRendezvous (miss): %v", err)
	}
	if miss != nil {
		t.Fatal("GetRendezvous should return (nil, nil) for an unknown haven")
	}
}

func TestSendMessageFailsWithNoRoute(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	var remoteFP fingerprint.Fingerprint
	_, _ = rand.Read(remoteFP[:])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.SendMessage(ctx, SendMessageArgs{
		SourceDock:  100,
		Destination: remoteFP,
		DestDock:    Dock,
		Content:     []byte("ping"),
	})
	if err == nil {
		t.Fatal("expected SendMessage to fail against an unreachable destination")
	}
}

func TestRecvMessageNonBlockingWhenEmpty(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	_, _, ok := d.RecvMessage(ctx)
	if ok {
		t.Fatal("expected no message to be queued on a freshly bound dispatcher")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("RecvMessage blocked for %v, want an immediate non-blocking return", elapsed)
	}
}
