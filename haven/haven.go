// Package haven implements named anonymous services reachable only through
// a rendezvous relay: a haven publishes a signed locator naming its chosen
// relay to the DHT, dials that relay directly and stays registered there,
// and clients reach it by looking the locator up and routing an
// authenticated-handshake-then-AEAD-stream through the same relay.
//
// A haven's own fingerprint is deliberately never gossiped into the relay
// graph, so it can never be addressed as an ordinary N2R delivery target --
// the registered session with its rendezvous relay is the only path to it.
package haven

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"

	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/havendht"
	"github.com/earendil-network/earendil-go/identity"
	"github.com/earendil-network/earendil-go/link"
	"github.com/earendil-network/earendil-go/n2r"
	"github.com/earendil-network/earendil-go/onionpkt"
)

// ForwardDock is the well-known N2R dock a rendezvous forwarder serves
// client forward requests on.
const ForwardDock fingerprint.Dock = 4

// HandshakeTimeout bounds each half of the client/server handshake
// exchange.
const HandshakeTimeout = 30 * time.Second

// seenPairsCapacity/TTL size the rendezvous forwarder's anti-open-relay
// memo of (client, haven) pairs it has forwarded a request for.
const (
	seenPairsCapacity = 100_000
	seenPairsTTL      = time.Hour
)

// frameOverhead is the length-prefix haven's wire framing adds ahead of a
// CBOR-encoded relayFrame inside a raw packet.
const frameOverhead = 4

// ErrHandshakeFailed is returned by Connect on any handshake verification
// failure.
var ErrHandshakeFailed = fmt.Errorf("haven: handshake failed")

// packFrame lays frame out as a length-prefixed raw packet: link.Session
// only carries fixed onionpkt.Size buffers, so anything riding directly on
// a session (rather than through the onion-routed N2R layer) needs its own
// framing inside that fixed buffer.
func packFrame(body []byte) (*onionpkt.RawPacket, error) {
	if len(body) > onionpkt.Size-frameOverhead {
		return nil, fmt.Errorf("haven: frame body too large (%d bytes)", len(body))
	}
	var pkt onionpkt.RawPacket
	binary.BigEndian.PutUint32(pkt[:frameOverhead], uint32(len(body)))
	copy(pkt[frameOverhead:], body)
	return &pkt, nil
}

func unpackFrame(pkt *onionpkt.RawPacket) ([]byte, error) {
	n := binary.BigEndian.Uint32(pkt[:frameOverhead])
	if int(n) > onionpkt.Size-frameOverhead {
		return nil, fmt.Errorf("haven: corrupt frame length %d", n)
	}
	out := make([]byte, n)
	copy(out, pkt[frameOverhead:frameOverhead+int(n)])
	return out, nil
}

// relayFrame is what rides over the direct session between a rendezvous
// forwarder and a registered haven, in both directions: it names the
// client endpoint the payload is to or from, since one session multiplexes
// every client currently talking to that haven.
type relayFrame struct {
	Client  fingerprint.Endpoint
	Payload []byte
}

// forwardRequest is the N2R message body a client sends to a forwarder's
// ForwardDock, naming which registered haven the enclosed message is for.
type forwardRequest struct {
	HavenFP fingerprint.Fingerprint
	Payload []byte
}

// havenMsg is the wire union carried as a relayFrame/forwardRequest
// payload.
type havenMsg struct {
	ClientHandshake *clientHandshakeMsg `cbor:",omitempty"`
	ServerHandshake *serverHandshakeMsg `cbor:",omitempty"`
	Regular         *regularMsg         `cbor:",omitempty"`
}

type clientHandshakeMsg struct {
	EphPK [32]byte
}

type serverHandshakeMsg struct {
	IdentityPK [32]byte
	EphPK      [32]byte
	Signature  [64]byte
}

type regularMsg struct {
	Nonce      uint64
	Ciphertext []byte
}

func handshakeSigningBytes(identityPK, ephPK [32]byte) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, identityPK[:]...)
	buf = append(buf, ephPK[:]...)
	return buf
}

func verifyServerHandshake(sh *serverHandshakeMsg) bool {
	return ed25519.Verify(ed25519.PublicKey(sh.IdentityPK[:]), handshakeSigningBytes(sh.IdentityPK, sh.EphPK), sh.Signature[:])
}

func newEphemeralKeypair() (pub, secret [32]byte, err error) {
	if _, err = rand.Read(secret[:]); err != nil {
		return pub, secret, fmt.Errorf("haven: generate ephemeral key: %w", err)
	}
	secret[0] &= 248
	secret[31] &= 127
	secret[31] |= 64
	pubRaw, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return pub, secret, fmt.Errorf("haven: derive ephemeral public: %w", err)
	}
	copy(pub[:], pubRaw)
	return pub, secret, nil
}

// deriveKey is the keyed BLAKE3 hash of shared under a fixed, direction-
// naming key, the construction the up/down AEAD keys come from.
func deriveKey(label string, shared [32]byte) [32]byte {
	var keyed [32]byte
	copy(keyed[:], label)
	h := blake3.New(32, keyed[:])
	h.Write(shared[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func seal(key [32]byte, nonce uint64, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	var nb [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nb[chacha20poly1305.NonceSize-8:], nonce)
	return aead.Seal(nil, nb[:], plaintext, nil), nil
}

func open(key [32]byte, nonce uint64, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	var nb [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nb[chacha20poly1305.NonceSize-8:], nonce)
	return aead.Open(nil, nb[:], ciphertext, nil)
}

// Conn is an established haven connection: a bidirectional AEAD stream with
// strictly-increasing per-direction nonces, fed by whichever transport
// (client-side N2R socket, or server-side rendezvous session) owns it.
type Conn struct {
	sendFrame func(*havenMsg) error
	closeFn   func()
	sendKey   [32]byte
	recvKey   [32]byte
	sendNonce atomic.Uint64

	mu            sync.Mutex
	haveRecvNonce bool
	lastRecvNonce uint64

	incoming  chan []byte
	errs      chan error
	closeOnce sync.Once
	logger    *slog.Logger
}

func newConn(sendFrame func(*havenMsg) error, closeFn func(), sendKey, recvKey [32]byte, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		sendFrame: sendFrame,
		closeFn:   closeFn,
		sendKey:   sendKey,
		recvKey:   recvKey,
		incoming:  make(chan []byte, 32),
		errs:      make(chan error, 1),
		logger:    logger,
	}
}

// Close releases whatever local resource this end of the connection holds
// (a client's anonymous socket; a no-op for a server-side connection, which
// shares its rendezvous registration session with every other client).
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.closeFn != nil {
			c.closeFn()
		}
	})
	return nil
}

// Send encrypts and transmits plaintext as the next frame in this
// direction's monotonic nonce sequence.
func (c *Conn) Send(plaintext []byte) error {
	nonce := c.sendNonce.Add(1) - 1
	ct, err := seal(c.sendKey, nonce, plaintext)
	if err != nil {
		return fmt.Errorf("haven: seal frame: %w", err)
	}
	if err := c.sendFrame(&havenMsg{Regular: &regularMsg{Nonce: nonce, Ciphertext: ct}}); err != nil {
		return fmt.Errorf("haven: send frame: %w", err)
	}
	return nil
}

// Recv blocks for the next decrypted plaintext frame, or the connection's
// terminal error.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case pt := <-c.incoming:
		return pt, nil
	case err := <-c.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) fail(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

func (c *Conn) checkRecvNonce(n uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.haveRecvNonce && n <= c.lastRecvNonce {
		return fmt.Errorf("non-increasing nonce %d (last %d)", n, c.lastRecvNonce)
	}
	c.haveRecvNonce = true
	c.lastRecvNonce = n
	return nil
}

// deliverRegular is called by the owning transport's read loop for every
// Regular frame addressed to this connection.
func (c *Conn) deliverRegular(r *regularMsg) {
	if err := c.checkRecvNonce(r.Nonce); err != nil {
		c.logger.Debug("haven: rejecting out-of-order frame", "err", err)
		return
	}
	pt, err := open(c.recvKey, r.Nonce, r.Ciphertext)
	if err != nil {
		c.logger.Debug("haven: undecryptable frame, dropping", "err", err)
		return
	}
	select {
	case c.incoming <- pt:
	default:
		c.logger.Warn("haven: connection recv queue full, dropping frame")
	}
}

// pairKey is the rendezvous forwarder's canonical (client, haven) memo key,
// independent of which direction a given frame travels in.
type pairKey struct {
	Client fingerprint.Fingerprint
	Haven  fingerprint.Fingerprint
}

// Forwarder is the rendezvous relay role: it accepts direct registration
// sessions from havens and relays forward requests between anonymous N2R
// clients and whichever haven they name, memoizing the pairs it has
// authorized so a haven's replies can only reach clients that contacted it.
type Forwarder struct {
	SelfFP  fingerprint.Fingerprint
	Manager *n2r.Manager
	Logger  *slog.Logger

	sock *n2r.Socket
	seen *lru.LRU[pairKey, struct{}]

	mu     sync.Mutex
	havens map[fingerprint.Fingerprint]*link.Session
}

// Bind registers the forwarder's client-facing N2R socket. Call once before
// Serve or ServeHavenListener.
func (f *Forwarder) Bind() error {
	if f.Logger == nil {
		f.Logger = slog.Default()
	}
	dock := ForwardDock
	sock, err := f.Manager.Bind(nil, &dock)
	if err != nil {
		return fmt.Errorf("haven: bind forwarder socket: %w", err)
	}
	f.sock = sock
	f.seen = lru.NewLRU[pairKey, struct{}](seenPairsCapacity, nil, seenPairsTTL)
	f.havens = make(map[fingerprint.Fingerprint]*link.Session)
	return nil
}

// Serve consumes client forward requests until ctx is cancelled.
func (f *Forwarder) Serve(ctx context.Context) error {
	for {
		body, from, err := f.sock.RecvFrom(ctx)
		if err != nil {
			return err
		}
		var req forwardRequest
		if err := cbor.Unmarshal(body, &req); err != nil {
			f.Logger.Debug("haven: undecodable forward request, dropping", "from", from, "err", err)
			continue
		}
		f.relay(from, fingerprint.Endpoint{Fingerprint: req.HavenFP}, req.Payload)
	}
}

// ServeHavenListener accepts registration sessions from havens until ctx is
// cancelled or listener is closed. It is a distinct listener from the
// node's main peer-to-peer link listener: havens dial it directly, and are
// never inserted into the relay graph.
func (f *Forwarder) ServeHavenListener(ctx context.Context, listener *link.Listener) {
	for {
		select {
		case sess, ok := <-listener.Accept:
			if !ok {
				return
			}
			f.registerHaven(sess)
			go f.pumpHaven(ctx, sess)
		case <-ctx.Done():
			return
		}
	}
}

func (f *Forwarder) registerHaven(sess *link.Session) {
	f.mu.Lock()
	f.havens[sess.RemoteFP] = sess
	f.mu.Unlock()
	f.Logger.Debug("haven: registered", "haven", sess.RemoteFP)
}

func (f *Forwarder) unregisterHaven(havenFP fingerprint.Fingerprint, sess *link.Session) {
	f.mu.Lock()
	if f.havens[havenFP] == sess {
		delete(f.havens, havenFP)
	}
	f.mu.Unlock()
}

func (f *Forwarder) lookupHaven(fp fingerprint.Fingerprint) (*link.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.havens[fp]
	return sess, ok
}

func (f *Forwarder) pumpHaven(ctx context.Context, sess *link.Session) {
	defer f.unregisterHaven(sess.RemoteFP, sess)
	for {
		pkt, err := sess.Recv(ctx)
		if err != nil {
			f.Logger.Debug("haven: registration session ended", "haven", sess.RemoteFP, "err", err)
			return
		}
		buf, err := unpackFrame(pkt)
		if err != nil {
			f.Logger.Debug("haven: corrupt frame from haven, dropping", "haven", sess.RemoteFP, "err", err)
			continue
		}
		var frame relayFrame
		if err := cbor.Unmarshal(buf, &frame); err != nil {
			f.Logger.Debug("haven: undecodable frame from haven, dropping", "haven", sess.RemoteFP, "err", err)
			continue
		}
		f.relay(fingerprint.Endpoint{Fingerprint: sess.RemoteFP}, frame.Client, frame.Payload)
	}
}

// relay implements the rendezvous forwarder's single dispatch rule
// regardless of which direction src/dest came from: if dest names a
// currently-registered haven, this is a client's forward request -- memo
// the pair and hand inner to the haven's session. Otherwise, only forward
// the server-to-client return direction if the matching forward pair was
// seen; anything else is an unsolicited reply and is dropped.
func (f *Forwarder) relay(src, dest fingerprint.Endpoint, inner []byte) {
	if sess, ok := f.lookupHaven(dest.Fingerprint); ok {
		f.seen.Add(pairKey{Client: src.Fingerprint, Haven: dest.Fingerprint}, struct{}{})
		f.sendToHaven(sess, src, inner)
		return
	}
	if _, ok := f.seen.Get(pairKey{Client: dest.Fingerprint, Haven: src.Fingerprint}); ok {
		f.sendToClient(dest, inner)
		return
	}
	f.Logger.Warn("haven: dropping unsolicited or unknown-destination forward", "src", src, "dest", dest)
}

func (f *Forwarder) sendToHaven(sess *link.Session, client fingerprint.Endpoint, inner []byte) {
	buf, err := cbor.Marshal(&relayFrame{Client: client, Payload: inner})
	if err != nil {
		f.Logger.Warn("haven: failed to encode frame to haven", "err", err)
		return
	}
	pkt, err := packFrame(buf)
	if err != nil {
		f.Logger.Warn("haven: failed to frame message to haven", "err", err)
		return
	}
	sess.Send(pkt)
}

func (f *Forwarder) sendToClient(client fingerprint.Endpoint, inner []byte) {
	rb, ok := f.Manager.AnonDests.Take(client.Fingerprint)
	if !ok {
		f.Logger.Debug("haven: no reply block on file for client, dropping", "client", client)
		return
	}
	if err := f.Manager.UseReplyBlock(rb, ForwardDock, client.Dock, inner); err != nil {
		f.Logger.Debug("haven: failed to relay reply to client", "client", client, "err", err)
	}
}

// Server is the haven-hosting role: it registers with a rendezvous relay,
// publishes its locator, and accepts client connections forwarded through
// that registration.
type Server struct {
	SK     *identity.SecretKey
	DHT    *havendht.Engine
	Logger *slog.Logger

	sess *link.Session

	pending chan pendingHandshake

	mu    sync.Mutex
	conns map[fingerprint.Endpoint]*Conn
}

type pendingHandshake struct {
	client fingerprint.Endpoint
	ephPK  [32]byte
}

// Bind dials rendezvousAddr directly (never through the onion-routed relay
// graph, since this haven's own fingerprint must never appear there),
// registers the resulting session, and publishes a fresh locator naming
// rendezvousFP to the DHT.
func (s *Server) Bind(ctx context.Context, rendezvousAddr string, rendezvousFP fingerprint.Fingerprint, cookie link.Cookie, now time.Time) error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	sess, err := link.DialOutbound(ctx, rendezvousAddr, rendezvousFP, cookie, s.SK, s.Logger)
	if err != nil {
		return fmt.Errorf("haven: dial rendezvous relay: %w", err)
	}
	s.sess = sess
	s.pending = make(chan pendingHandshake, 16)
	s.conns = make(map[fingerprint.Endpoint]*Conn)
	go s.readLoop(ctx)

	locator := havendht.NewLocator(s.SK, rendezvousFP, now)
	insertCtx, cancel := context.WithTimeout(ctx, havendht.OpTimeout)
	defer cancel()
	if err := s.DHT.Insert(insertCtx, locator); err != nil {
		_ = sess.Close()
		return fmt.Errorf("haven: publish locator: %w", err)
	}
	return nil
}

func (s *Server) readLoop(ctx context.Context) {
	for {
		pkt, err := s.sess.Recv(ctx)
		if err != nil {
			s.Logger.Debug("haven: rendezvous registration ended", "err", err)
			s.failAll(err)
			return
		}
		buf, err := unpackFrame(pkt)
		if err != nil {
			s.Logger.Debug("haven: corrupt frame from rendezvous, dropping", "err", err)
			continue
		}
		var frame relayFrame
		if err := cbor.Unmarshal(buf, &frame); err != nil {
			s.Logger.Debug("haven: undecodable frame from rendezvous, dropping", "err", err)
			continue
		}
		var msg havenMsg
		if err := cbor.Unmarshal(frame.Payload, &msg); err != nil {
			s.Logger.Debug("haven: undecodable inner message, dropping", "err", err)
			continue
		}
		switch {
		case msg.ClientHandshake != nil:
			select {
			case s.pending <- pendingHandshake{client: frame.Client, ephPK: msg.ClientHandshake.EphPK}:
			default:
				s.Logger.Warn("haven: pending handshake queue full, dropping", "client", frame.Client)
			}
		case msg.Regular != nil:
			s.mu.Lock()
			conn, ok := s.conns[frame.Client]
			s.mu.Unlock()
			if !ok {
				s.Logger.Debug("haven: regular frame for unknown connection, dropping", "client", frame.Client)
				continue
			}
			conn.deliverRegular(msg.Regular)
		default:
			s.Logger.Debug("haven: empty message from rendezvous, dropping")
		}
	}
}

func (s *Server) failAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.fail(err)
	}
}

// Accept blocks for the next client handshake forwarded by the rendezvous
// relay, completes the server side of the exchange, and returns an
// established Conn.
func (s *Server) Accept(ctx context.Context) (*Conn, error) {
	select {
	case ph := <-s.pending:
		return s.completeHandshake(ph)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) completeHandshake(ph pendingHandshake) (*Conn, error) {
	ephPub, ephSecret, err := newEphemeralKeypair()
	if err != nil {
		return nil, err
	}
	identityPK := s.SK.Public()
	sig := s.SK.Sign(handshakeSigningBytes(identityPK, ephPub))
	resp := &havenMsg{ServerHandshake: &serverHandshakeMsg{IdentityPK: identityPK, EphPK: ephPub, Signature: sig}}
	if err := s.sendFrame(ph.client, resp); err != nil {
		return nil, fmt.Errorf("haven: send server handshake: %w", err)
	}

	sharedRaw, err := curve25519.X25519(ephSecret[:], ph.ephPK[:])
	if err != nil {
		return nil, fmt.Errorf("haven: derive shared secret: %w", err)
	}
	var shared [32]byte
	copy(shared[:], sharedRaw)
	upKey := deriveKey("haven-up", shared)
	downKey := deriveKey("haven-dn", shared)

	client := ph.client
	// Server mirrors the client's usage: client encrypts with up-key and
	// decrypts with down-key, so the server encrypts with down-key and
	// decrypts with up-key.
	closeFn := func() {
		s.mu.Lock()
		delete(s.conns, client)
		s.mu.Unlock()
	}
	conn := newConn(func(msg *havenMsg) error { return s.sendFrame(client, msg) }, closeFn, downKey, upKey, s.Logger)
	s.mu.Lock()
	s.conns[client] = conn
	s.mu.Unlock()
	return conn, nil
}

func (s *Server) sendFrame(client fingerprint.Endpoint, msg *havenMsg) error {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return err
	}
	buf, err := cbor.Marshal(&relayFrame{Client: client, Payload: payload})
	if err != nil {
		return err
	}
	pkt, err := packFrame(buf)
	if err != nil {
		return err
	}
	s.sess.Send(pkt)
	return nil
}

// Connect locates havenFP via dht, allocates a throwaway anonymous N2R
// identity, and performs the client side of the rendezvous handshake,
// returning an established Conn on success.
func Connect(ctx context.Context, dht *havendht.Engine, manager *n2r.Manager, havenFP fingerprint.Fingerprint, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	getCtx, getCancel := context.WithTimeout(ctx, havendht.OpTimeout)
	locator, err := dht.Get(getCtx, havenFP)
	getCancel()
	if err != nil {
		return nil, fmt.Errorf("haven: locate %s: %w", havenFP, err)
	}

	ident, err := n2r.NewAnonymousIdentity()
	if err != nil {
		return nil, err
	}
	sock, err := manager.Bind(ident, nil)
	if err != nil {
		return nil, fmt.Errorf("haven: bind client socket: %w", err)
	}

	ephPub, ephSecret, err := newEphemeralKeypair()
	if err != nil {
		sock.Close()
		return nil, err
	}

	rendezvous := fingerprint.Endpoint{Fingerprint: locator.RendezvousFP, Dock: ForwardDock}
	if err := sendRequest(sock, havenFP, rendezvous, &havenMsg{ClientHandshake: &clientHandshakeMsg{EphPK: ephPub}}); err != nil {
		sock.Close()
		return nil, fmt.Errorf("haven: send client handshake: %w", err)
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, HandshakeTimeout)
	body, _, err := sock.RecvFrom(hsCtx)
	hsCancel()
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("haven: await server handshake: %w", err)
	}
	var msg havenMsg
	if err := cbor.Unmarshal(body, &msg); err != nil || msg.ServerHandshake == nil {
		sock.Close()
		return nil, fmt.Errorf("%w: expected server handshake", ErrHandshakeFailed)
	}
	sh := msg.ServerHandshake
	if identity.Fingerprint(sh.IdentityPK) != havenFP {
		sock.Close()
		return nil, fmt.Errorf("%w: responding identity does not match haven fingerprint", ErrHandshakeFailed)
	}
	if !verifyServerHandshake(sh) {
		sock.Close()
		return nil, fmt.Errorf("%w: invalid server handshake signature", ErrHandshakeFailed)
	}

	sharedRaw, err := curve25519.X25519(ephSecret[:], sh.EphPK[:])
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("haven: derive shared secret: %w", err)
	}
	var shared [32]byte
	copy(shared[:], sharedRaw)
	upKey := deriveKey("haven-up", shared)
	downKey := deriveKey("haven-dn", shared)

	conn := newConn(func(m *havenMsg) error { return sendRequest(sock, havenFP, rendezvous, m) }, sock.Close, upKey, downKey, logger)
	go clientReadLoop(ctx, sock, conn)
	return conn, nil
}

func sendRequest(sock *n2r.Socket, havenFP fingerprint.Fingerprint, rendezvous fingerprint.Endpoint, msg *havenMsg) error {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return err
	}
	buf, err := cbor.Marshal(&forwardRequest{HavenFP: havenFP, Payload: payload})
	if err != nil {
		return err
	}
	return sock.SendTo(buf, rendezvous)
}

func clientReadLoop(ctx context.Context, sock *n2r.Socket, conn *Conn) {
	for {
		body, _, err := sock.RecvFrom(ctx)
		if err != nil {
			conn.fail(err)
			return
		}
		var msg havenMsg
		if err := cbor.Unmarshal(body, &msg); err != nil {
			continue
		}
		if msg.Regular != nil {
			conn.deliverRegular(msg.Regular)
		}
	}
}
