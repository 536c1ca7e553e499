// Package link implements per-neighbor authenticated, obfuscated sessions
// over UDP that carry the fixed-size raw packets described in package
// onionpkt. Every frame, handshake and data alike, is wrapped in an outer
// stream-cipher obfuscation layer keyed off a pre-shared listener secret;
// a Noise XX handshake on top of that establishes per-session forward
// secrecy and mutual identity authentication.
package link

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"

	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/onionpkt"
)

// ErrSessionClosed is returned by Recv/Send paths once a session has torn
// down.
var ErrSessionClosed = errors.New("link: session closed")

const (
	frameSeqSize  = 4
	frameLenSize  = 2
	maxFramePayload = onionpkt.Size + 512 // headroom over a raw packet for handshake messages
	sendQueueDepth  = 64
	recvQueueDepth  = 64
	handshakeTimeout = 10 * time.Second
	// ReconnectMaxBackoff bounds the supervising task's reconnect backoff.
	ReconnectMaxBackoff = 60 * time.Second
)

var noiseSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Cookie is the public value a dialer must already know to reach a
// listener: derived from the listener's obfuscation secret, it never
// reveals that secret.
type Cookie [32]byte

// DeriveCookie computes the public cookie for a listener secret.
func DeriveCookie(secret [32]byte) Cookie {
	return Cookie(blake3.Sum256(secret[:]))
}

func obfuscationKey(cookie Cookie, label string) [32]byte {
	var out [32]byte
	kdf := hkdf.New(sha256.New, cookie[:], nil, []byte(label))
	_, _ = kdf.Read(out[:])
	return out
}

// directionKeys holds the two obfuscation keys used for one traffic
// direction: one for handshake-phase frames, one for established-session
// data frames. Keeping these independent means the handshake's own frame
// counter never has to be reconciled with the data plane's.
type directionKeys struct {
	handshake obfuscator
	data      obfuscator
}

func deriveDirectionKeys(cookie Cookie, label string) directionKeys {
	return directionKeys{
		handshake: obfuscator{obfuscationKey(cookie, label+":handshake")},
		data:      obfuscator{obfuscationKey(cookie, label+":data")},
	}
}

// obfuscator XORs frames against a chacha20 keystream selected by an
// explicit, in-the-clear sequence number, so frames can be deobfuscated
// even when UDP delivers them out of order or drops some entirely.
type obfuscator struct {
	key [32]byte
}

func (o obfuscator) apply(seq uint32, data []byte) error {
	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint32(nonce[:4], seq)
	c, err := chacha20.NewUnauthenticatedCipher(o.key[:], nonce[:])
	if err != nil {
		return fmt.Errorf("link: obfuscation cipher: %w", err)
	}
	c.XORKeyStream(data, data)
	return nil
}

// encodeFrame obfuscates and lays out one wire frame: seq(4) || obfuscated(len(2) || payload).
func encodeFrame(obfs obfuscator, seq uint32, payload []byte) ([]byte, error) {
	body := make([]byte, frameLenSize+len(payload))
	binary.BigEndian.PutUint16(body[:frameLenSize], uint16(len(payload)))
	copy(body[frameLenSize:], payload)
	if err := obfs.apply(seq, body); err != nil {
		return nil, err
	}
	out := make([]byte, frameSeqSize+len(body))
	binary.BigEndian.PutUint32(out[:frameSeqSize], seq)
	copy(out[frameSeqSize:], body)
	return out, nil
}

// decodeFrame reverses encodeFrame, returning the frame's sequence number
// and deobfuscated payload.
func decodeFrame(obfs obfuscator, raw []byte) (uint32, []byte, error) {
	if len(raw) < frameSeqSize+frameLenSize {
		return 0, nil, fmt.Errorf("link: frame too short (%d bytes)", len(raw))
	}
	seq := binary.BigEndian.Uint32(raw[:frameSeqSize])
	body := make([]byte, len(raw)-frameSeqSize)
	copy(body, raw[frameSeqSize:])
	if err := obfs.apply(seq, body); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint16(body[:frameLenSize])
	if int(n) > len(body)-frameLenSize {
		return 0, nil, fmt.Errorf("link: corrupt frame length %d", n)
	}
	return seq, body[frameLenSize : frameLenSize+int(n)], nil
}

// Session is one established, authenticated neighbor link. Send is
// non-blocking and drops on a full outbound queue; Recv blocks for the
// next decrypted raw packet.
type Session struct {
	RemoteFP fingerprint.Fingerprint

	writeTo func([]byte) error
	obfsOut obfuscator
	seqOut  atomic.Uint32

	enc, dec *noise.CipherState
	encMu    sync.Mutex
	decMu    sync.Mutex

	send chan *onionpkt.RawPacket
	recv chan *onionpkt.RawPacket

	closeOnce sync.Once
	closed    chan struct{}
	logger    *slog.Logger
}

// Send enqueues pkt for transmission. It never blocks: if the outbound
// queue is full the packet is silently dropped, matching the link's
// best-effort datagram semantics.
func (s *Session) Send(pkt *onionpkt.RawPacket) {
	select {
	case s.send <- pkt:
	case <-s.closed:
	default:
		s.logger.Debug("send queue full, dropping packet", "peer", s.RemoteFP)
	}
}

// Recv blocks until the next raw packet arrives or the session ends.
func (s *Session) Recv(ctx context.Context) (*onionpkt.RawPacket, error) {
	select {
	case pkt, ok := <-s.recv:
		if !ok {
			return nil, ErrSessionClosed
		}
		return pkt, nil
	case <-s.closed:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the session down; pending Recv calls return ErrSessionClosed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Done returns a channel closed once the session has torn down, for a
// supervisor that isn't the session's Recv consumer to notice termination
// and trigger a reconnect.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) runWriter() {
	for {
		select {
		case <-s.closed:
			return
		case pkt := <-s.send:
			s.encMu.Lock()
			ct := s.enc.Encrypt(nil, nil, pkt[:])
			s.encMu.Unlock()
			frame, err := encodeFrame(s.obfsOut, s.seqOut.Add(1), ct)
			if err != nil {
				s.logger.Warn("encode frame failed", "err", err)
				continue
			}
			if err := s.writeTo(frame); err != nil {
				s.logger.Debug("write failed, tearing down session", "peer", s.RemoteFP, "err", err)
				s.Close()
				return
			}
		}
	}
}

// deliverCiphertext decrypts one post-handshake ciphertext frame and
// enqueues the resulting raw packet, dropping it on any decryption or
// framing error (a malformed frame from an authenticated peer should
// never happen, but never crashes the session either).
func (s *Session) deliverCiphertext(ct []byte) {
	s.decMu.Lock()
	pt, err := s.dec.Decrypt(nil, nil, ct)
	s.decMu.Unlock()
	if err != nil {
		s.logger.Debug("undecryptable frame, dropping", "peer", s.RemoteFP, "err", err)
		return
	}
	if len(pt) != onionpkt.Size {
		s.logger.Debug("wrong-size frame, dropping", "peer", s.RemoteFP, "len", len(pt))
		return
	}
	var pkt onionpkt.RawPacket
	copy(pkt[:], pt)
	select {
	case s.recv <- &pkt:
	case <-s.closed:
	default:
		s.logger.Debug("recv queue full, dropping packet", "peer", s.RemoteFP)
	}
}
