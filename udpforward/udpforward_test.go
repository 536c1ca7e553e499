package udpforward

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/havendht"
	"github.com/earendil-network/earendil-go/identity"
	"github.com/earendil-network/earendil-go/n2r"
	"github.com/earendil-network/earendil-go/neighbortable"
	"github.com/earendil-network/earendil-go/peelforward"
	"github.com/earendil-network/earendil-go/relaygraph"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestForwarder(t *testing.T, listenAddr string) *Forwarder {
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
	dht := &havendht.Engine{SelfFP: fp, Graph: graph, Manager: manager, Logger: testLogger()}
	if err := dht.Bind(); err != nil {
		t.Fatalf("dht.Bind: %v", err)
	}

	var remoteFP fingerprint.Fingerprint
	_, _ = rand.Read(remoteFP[:])

	return &Forwarder{
		ListenAddr:    listenAddr,
		RemoteHavenFP: remoteFP,
		DHT:           dht,
		Manager:       manager,
		Logger:        testLogger(),
	}
}

func TestRunFailsOnUnbindableAddress(t *testing.T) {
	f := newTestForwarder(t, "not-an-address")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.Run(ctx); err == nil {
		t.Fatal("expected Run to fail binding an invalid listen address")
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	f := newTestForwarder(t, "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	// give Run time to bind before cancelling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestRunDropsDatagramsWhenHavenUnreachable exercises the full receive path
// with a haven that cannot be located (no replicas registered in the DHT's
// graph): Run should log and continue rather than tearing down the socket.
func TestRunDropsDatagramsWhenHavenUnreachable(t *testing.T) {
	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve a local address: %v", err)
	}
	addr := listener.LocalAddr().String()
	listener.Close()

	f := newTestForwarder(t, addr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	sender, err := net.Dial("udp", addr)
	if err != nil {
		t.Fatalf("dial local forwarder: %v", err)
	}
	defer sender.Close()
	if _, err := sender.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The haven is unreachable, so Run should drop the datagram and keep
	// serving rather than exiting; confirm it is still alive shortly after.
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Run exited unexpectedly with %v", err)
	default:
	}
}
