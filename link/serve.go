package link

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/flynn/noise"

	"github.com/earendil-network/earendil-go/identity"
	"github.com/earendil-network/earendil-go/onionpkt"
)

// Listener accepts inbound neighbor sessions on one UDP socket, multiplexed
// by remote address. Handshakes in progress and established sessions share
// the same socket.
type Listener struct {
	pc      net.PacketConn
	cookie  Cookie
	in, out directionKeys
	mySK    *identity.SecretKey
	logger  *slog.Logger

	mu    sync.Mutex
	peers map[string]*inboundPeer

	Accept chan *Session

	closeOnce sync.Once
	closed    chan struct{}
}

type inboundPeer struct {
	addr    net.Addr
	hsFrame chan []byte
	session *Session
}

// ServeInbound binds listenAddr and begins accepting neighbor sessions
// authenticated against secret's derived cookie. Established sessions are
// delivered on the returned Listener's Accept channel.
func ServeInbound(listenAddr string, secret [32]byte, mySK *identity.SecretKey, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("link: listen %s: %w", listenAddr, err)
	}
	cookie := DeriveCookie(secret)
	l := &Listener{
		pc:     pc,
		cookie: cookie,
		in:     deriveDirectionKeys(cookie, "i2r"),
		out:    deriveDirectionKeys(cookie, "r2i"),
		mySK:   mySK,
		logger: logger,
		peers:  make(map[string]*inboundPeer),
		Accept: make(chan *Session),
		closed: make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// Cookie returns the public value dialers need to reach this listener.
func (l *Listener) Cookie() Cookie { return l.cookie }

// Addr returns the listener's bound local address.
func (l *Listener) Addr() net.Addr { return l.pc.LocalAddr() }

// Close stops accepting new sessions and closes the shared UDP socket.
// Sessions already accepted from this listener stop receiving, and each
// one tears itself down on its next failed write.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return l.pc.Close()
}

func (l *Listener) readLoop() {
	buf := make([]byte, maxFramePayload+frameSeqSize+frameLenSize)
	for {
		n, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			l.logger.Debug("link listener read failed, stopping", "err", err)
			return
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])

		l.mu.Lock()
		peer, ok := l.peers[addr.String()]
		if !ok {
			peer = &inboundPeer{addr: addr, hsFrame: make(chan []byte, 4)}
			l.peers[addr.String()] = peer
			l.mu.Unlock()
			go l.handleHandshake(peer)
		} else {
			l.mu.Unlock()
		}

		if peer.session != nil {
			_, ct, err := decodeFrame(l.in.data, raw)
			if err != nil {
				l.logger.Debug("malformed data frame, dropping", "peer", addr, "err", err)
				continue
			}
			peer.session.deliverCiphertext(ct)
			continue
		}

		select {
		case peer.hsFrame <- raw:
		default:
			l.logger.Debug("handshake frame dropped, peer too slow", "peer", addr)
		}
	}
}

func (l *Listener) dropPeer(peer *inboundPeer) {
	l.mu.Lock()
	delete(l.peers, peer.addr.String())
	l.mu.Unlock()
}

func (l *Listener) handleHandshake(peer *inboundPeer) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	onionPub, err := l.mySK.OnionPublic()
	if err != nil {
		l.logger.Warn("link: derive onion public failed", "err", err)
		l.dropPeer(peer)
		return
	}
	onionSecret := l.mySK.OnionSecret()
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: noise.DHKey{Private: onionSecret[:], Public: onionPub[:]},
	})
	if err != nil {
		l.logger.Warn("link: init responder handshake failed", "err", err)
		l.dropPeer(peer)
		return
	}

	raw1, err := waitFrame(ctx, peer.hsFrame)
	if err != nil {
		l.dropPeer(peer)
		return
	}
	_, msg1, err := decodeFrame(l.in.handshake, raw1)
	if err != nil {
		l.logger.Debug("link: bad msg1", "peer", peer.addr, "err", err)
		l.dropPeer(peer)
		return
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		l.logger.Debug("link: read msg1 failed", "peer", peer.addr, "err", err)
		l.dropPeer(peer)
		return
	}

	myPub := l.mySK.Public()
	msg2, _, _, err := hs.WriteMessage(nil, myPub[:])
	if err != nil {
		l.logger.Warn("link: write msg2 failed", "err", err)
		l.dropPeer(peer)
		return
	}
	frame2, err := encodeFrame(l.out.handshake, 0, msg2)
	if err != nil {
		l.dropPeer(peer)
		return
	}
	if _, err := l.pc.WriteTo(frame2, peer.addr); err != nil {
		l.logger.Debug("link: send msg2 failed", "peer", peer.addr, "err", err)
		l.dropPeer(peer)
		return
	}

	raw3, err := waitFrame(ctx, peer.hsFrame)
	if err != nil {
		l.dropPeer(peer)
		return
	}
	_, msg3, err := decodeFrame(l.in.handshake, raw3)
	if err != nil {
		l.logger.Debug("link: bad msg3", "peer", peer.addr, "err", err)
		l.dropPeer(peer)
		return
	}
	clientPayload, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		l.logger.Debug("link: read msg3 failed", "peer", peer.addr, "err", err)
		l.dropPeer(peer)
		return
	}
	remoteFP, err := identityFromPayload(clientPayload)
	if err != nil {
		l.dropPeer(peer)
		return
	}

	addr := peer.addr
	sess := &Session{
		RemoteFP: remoteFP,
		writeTo:  func(b []byte) error { _, err := l.pc.WriteTo(b, addr); return err },
		obfsOut:  l.out.data,
		enc:      cs2, // responder encrypts with cs2
		dec:      cs1, // responder decrypts with cs1
		send:     make(chan *onionpkt.RawPacket, sendQueueDepth),
		recv:     make(chan *onionpkt.RawPacket, recvQueueDepth),
		closed:   make(chan struct{}),
		logger:   l.logger,
	}

	l.mu.Lock()
	peer.session = sess
	l.mu.Unlock()

	go sess.runWriter()

	select {
	case l.Accept <- sess:
	case <-l.closed:
		sess.Close()
		l.dropPeer(peer)
	case <-ctx.Done():
		sess.Close()
		l.dropPeer(peer)
	}
}

func waitFrame(ctx context.Context, ch <-chan []byte) ([]byte, error) {
	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
