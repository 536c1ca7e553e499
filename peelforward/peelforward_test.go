package peelforward

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/identity"
	"github.com/earendil-network/earendil-go/link"
	"github.com/earendil-network/earendil-go/neighbortable"
	"github.com/earendil-network/earendil-go/onionpkt"
)

type onionNode struct {
	fp     fingerprint.Fingerprint
	secret [32]byte
	public [32]byte
}

func newOnionNode(t *testing.T) onionNode {
	t.Helper()
	var n onionNode
	if _, err := rand.Read(n.secret[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	n.secret[0] &= 248
	n.secret[31] &= 127
	n.secret[31] |= 64
	pub, err := curve25519.X25519(n.secret[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("x25519: %v", err)
	}
	copy(n.public[:], pub)
	if _, err := rand.Read(n.fp[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return n
}

func mkMessagePayload(t *testing.T, srcDock, destDock fingerprint.Dock, body []byte) [onionpkt.PayloadSize]byte {
	t.Helper()
	ip := &onionpkt.InnerPacket{Message: &onionpkt.Message{SrcDock: srcDock, DestDock: destDock, Body: body}}
	buf, err := ip.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return buf
}

type recordingDelivery struct {
	ch chan delivered
}

type delivered struct {
	localFP fingerprint.Fingerprint
	dock    fingerprint.Dock
	body    []byte
	srcFP   fingerprint.Fingerprint
	srcDock fingerprint.Dock
}

func newRecordingDelivery() *recordingDelivery {
	return &recordingDelivery{ch: make(chan delivered, 8)}
}

func (r *recordingDelivery) DeliverMessage(localFP fingerprint.Fingerprint, dock fingerprint.Dock, body []byte, srcFP fingerprint.Fingerprint, srcDock fingerprint.Dock) {
	r.ch <- delivered{localFP: localFP, dock: dock, body: body, srcFP: srcFP, srcDock: srcDock}
}

func connectedPair(t *testing.T) (client, server *link.Session) {
	t.Helper()
	serverSK, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	clientSK, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
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

func TestEngineDeliversTerminalMessage(t *testing.T) {
	self := newOnionNode(t)
	payload := mkMessagePayload(t, 1, 2, []byte("hello self"))
	pkt, err := onionpkt.Build([]onionpkt.Hop{{Fingerprint: self.fp, OnionPK: self.public}}, payload)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tbl := neighbortable.New(self.fp, nil)
	delivery := newRecordingDelivery()
	engine := &Engine{
		SelfFP:      self.fp,
		OnionSecret: self.secret,
		Table:       tbl,
		Delivery:    delivery,
		Degarblers:  NewDegarblerTable(0),
		AnonDests:   NewAnonDestinations(0),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()

	tbl.InjectAsIfIncoming(pkt)

	select {
	case d := <-delivery.ch:
		if d.localFP != self.fp {
			t.Fatalf("localFP = %s, want %s", d.localFP, self.fp)
		}
		if d.dock != 2 {
			t.Fatalf("dock = %d, want 2", d.dock)
		}
		if !bytes.Equal(d.body, []byte("hello self")) {
			t.Fatalf("body = %q", d.body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestEngineForwardsNonTerminalPacket(t *testing.T) {
	self := newOnionNode(t)
	next := newOnionNode(t)

	nextClientSess, nextServerSess := connectedPair(t)
	tbl := neighbortable.New(self.fp, nil)
	tbl.Insert(next.fp, nextServerSess)

	engine := &Engine{
		SelfFP:      self.fp,
		OnionSecret: self.secret,
		Table:       tbl,
		Delivery:    newRecordingDelivery(),
		Degarblers:  NewDegarblerTable(0),
		AnonDests:   NewAnonDestinations(0),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()

	payload := mkMessagePayload(t, 1, 9, []byte("forwarded"))
	hops := []onionpkt.Hop{
		{Fingerprint: self.fp, OnionPK: self.public},
		{Fingerprint: next.fp, OnionPK: next.public},
	}
	pkt, err := onionpkt.Build(hops, payload)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	tbl.InjectAsIfIncoming(pkt)

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer recvCancel()
	forwarded, err := nextClientSess.Recv(recvCtx)
	if err != nil {
		t.Fatalf("Recv forwarded packet: %v", err)
	}

	result, err := onionpkt.Peel(forwarded, next.secret)
	if err != nil {
		t.Fatalf("Peel at next: %v", err)
	}
	if !result.Terminal {
		t.Fatal("expected the forwarded packet to terminate at next")
	}
	ip, err := onionpkt.DeserializeInnerPacket(result.Payload)
	if err != nil {
		t.Fatalf("DeserializeInnerPacket: %v", err)
	}
	if string(ip.Message.Body) != "forwarded" {
		t.Fatalf("body = %q", ip.Message.Body)
	}
}

func TestEngineDropsForwardWithNoSessionForNextHop(t *testing.T) {
	self := newOnionNode(t)
	unreachable := newOnionNode(t)

	tbl := neighbortable.New(self.fp, nil)
	delivery := newRecordingDelivery()
	engine := &Engine{
		SelfFP:      self.fp,
		OnionSecret: self.secret,
		Table:       tbl,
		Delivery:    delivery,
		Degarblers:  NewDegarblerTable(0),
		AnonDests:   NewAnonDestinations(0),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()

	payload := mkMessagePayload(t, 1, 2, []byte("nowhere"))
	hops := []onionpkt.Hop{
		{Fingerprint: self.fp, OnionPK: self.public},
		{Fingerprint: unreachable.fp, OnionPK: unreachable.public},
	}
	pkt, err := onionpkt.Build(hops, payload)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	tbl.InjectAsIfIncoming(pkt)

	select {
	case d := <-delivery.ch:
		t.Fatalf("unexpected delivery: %+v", d)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEngineHandlesReplyBlockViaDegarbler(t *testing.T) {
	originator := newOnionNode(t)
	relay := newOnionNode(t)
	senderFP := newOnionNode(t).fp

	hops := []onionpkt.Hop{
		{Fingerprint: relay.fp, OnionPK: relay.public},
		{Fingerprint: originator.fp, OnionPK: originator.public},
	}
	rb, deg, err := onionpkt.BuildReplyBlock(hops, 0xabad1dea)
	if err != nil {
		t.Fatalf("BuildReplyBlock: %v", err)
	}

	// The reply block's holder sends their plaintext straight into the
	// payload area and mails it to FirstHop (relay); ordinary per-hop
	// Peel calls accumulate the garbling.
	var plaintext [onionpkt.PayloadSize]byte
	ip := &onionpkt.InnerPacket{Message: &onionpkt.Message{SrcDock: 3, DestDock: 4, Body: []byte("anon reply")}}
	serialized, err := ip.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	plaintext = serialized
	pkt := onionpkt.UseReplyBlock(rb, plaintext)

	relayResult, err := onionpkt.Peel(pkt, relay.secret)
	if err != nil {
		t.Fatalf("Peel at relay: %v", err)
	}
	if relayResult.Terminal {
		t.Fatal("expected relay hop to forward, not terminate")
	}

	tbl := neighbortable.New(originator.fp, nil)
	delivery := newRecordingDelivery()
	engine := &Engine{
		SelfFP:      originator.fp,
		OnionSecret: originator.secret,
		Table:       tbl,
		Delivery:    delivery,
		Degarblers:  NewDegarblerTable(0),
		AnonDests:   NewAnonDestinations(0),
	}
	engine.Degarblers.Register(rb.ReplyID, deg, senderFP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()

	tbl.InjectAsIfIncoming(relayResult.Next)

	select {
	case d := <-delivery.ch:
		if d.localFP != senderFP {
			t.Fatalf("localFP = %s, want degarbler's anon fingerprint %s", d.localFP, senderFP)
		}
		if !bytes.Equal(d.body, []byte("anon reply")) {
			t.Fatalf("body = %q", d.body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for degarbled delivery")
	}
}

func TestAnonDestinationsStoreAndTake(t *testing.T) {
	ad := NewAnonDestinations(0)
	var fp fingerprint.Fingerprint
	_, _ = rand.Read(fp[:])

	if _, ok := ad.Take(fp); ok {
		t.Fatal("expected no blocks before Store")
	}

	blocks := []onionpkt.ReplyBlock{{ReplyID: 1}, {ReplyID: 2}}
	ad.Store(fp, blocks)

	first, ok := ad.Take(fp)
	if !ok || first.ReplyID != 1 {
		t.Fatalf("first Take = %+v, ok=%v", first, ok)
	}
	second, ok := ad.Take(fp)
	if !ok || second.ReplyID != 2 {
		t.Fatalf("second Take = %+v, ok=%v", second, ok)
	}
	if _, ok := ad.Take(fp); ok {
		t.Fatal("expected no blocks left after draining")
	}
}

func TestDegarblerTableRegisterAndLookup(t *testing.T) {
	dt := NewDegarblerTable(0)
	var anonFP fingerprint.Fingerprint
	_, _ = rand.Read(anonFP[:])
	deg := &onionpkt.Degarbler{}

	if _, _, ok := dt.Lookup(42); ok {
		t.Fatal("expected no entry before Register")
	}
	dt.Register(42, deg, anonFP)
	got, gotFP, ok := dt.Lookup(42)
	if !ok || got != deg || gotFP != anonFP {
		t.Fatalf("Lookup = %v, %s, %v", got, gotFP, ok)
	}
}
