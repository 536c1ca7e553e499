package link

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/flynn/noise"

	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/identity"
	"github.com/earendil-network/earendil-go/onionpkt"
)

// DialOutbound connects to a neighbor's link listener, verifies it presents
// expectedFP, and returns an established Session. cookie is the listener's
// public obfuscation cookie, obtained out of band (config, gossip, etc).
func DialOutbound(ctx context.Context, remoteAddr string, expectedFP fingerprint.Fingerprint, cookie Cookie, mySK *identity.SecretKey, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := net.Dial("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", remoteAddr, err)
	}

	out := deriveDirectionKeys(cookie, "i2r")
	in := deriveDirectionKeys(cookie, "r2i")

	onionPub, err := mySK.OnionPublic()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	onionSecret := mySK.OnionSecret()
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: noise.DHKey{Private: onionSecret[:], Public: onionPub[:]},
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("link: init handshake: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	}

	// Message 1: -> e
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("link: write msg1: %w", err)
	}
	frame1, err := encodeFrame(out.handshake, 0, msg1)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.Write(frame1); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("link: send msg1: %w", err)
	}

	// Message 2: <- e, ee, s, es + responder identity
	buf := make([]byte, maxFramePayload+frameSeqSize+frameLenSize)
	n, err := conn.Read(buf)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("link: recv msg2: %w", err)
	}
	_, payload2, err := decodeFrame(in.handshake, buf[:n])
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	responderPayload, _, _, err := hs.ReadMessage(nil, payload2)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("link: read msg2: %w", err)
	}
	remoteFP, err := identityFromPayload(responderPayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if remoteFP != expectedFP {
		_ = conn.Close()
		return nil, fmt.Errorf("link: remote fingerprint mismatch: got %s, want %s", remoteFP, expectedFP)
	}

	// Message 3: -> s, se + our identity
	myPub := mySK.Public()
	msg3, cs1, cs2, err := hs.WriteMessage(nil, myPub[:])
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("link: write msg3: %w", err)
	}
	frame3, err := encodeFrame(out.handshake, 1, msg3)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.Write(frame3); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("link: send msg3: %w", err)
	}

	_ = conn.SetDeadline(time.Time{})

	sess := &Session{
		RemoteFP: remoteFP,
		writeTo:  func(b []byte) error { _, err := conn.Write(b); return err },
		obfsOut:  out.data,
		enc:      cs1, // initiator encrypts with cs1
		dec:      cs2, // initiator decrypts with cs2
		send:     make(chan *onionpkt.RawPacket, sendQueueDepth),
		recv:     make(chan *onionpkt.RawPacket, recvQueueDepth),
		closed:   make(chan struct{}),
		logger:   logger,
	}
	go sess.runWriter()
	go dialReadLoop(conn, sess, in.data)

	return sess, nil
}

// identityFromPayload parses a handshake payload as a bare 32-byte
// IdentityPK and returns its fingerprint.
func identityFromPayload(payload []byte) (fingerprint.Fingerprint, error) {
	if len(payload) != 32 {
		return fingerprint.Fingerprint{}, fmt.Errorf("link: bad identity payload length %d", len(payload))
	}
	var pk [32]byte
	copy(pk[:], payload)
	return identity.Fingerprint(pk), nil
}

func dialReadLoop(conn net.Conn, sess *Session, dataIn obfuscator) {
	buf := make([]byte, maxFramePayload+frameSeqSize+frameLenSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			sess.logger.Debug("link read failed, tearing down session", "peer", sess.RemoteFP, "err", err)
			sess.Close()
			return
		}
		_, ct, err := decodeFrame(dataIn, buf[:n])
		if err != nil {
			sess.logger.Debug("malformed data frame, dropping", "peer", sess.RemoteFP, "err", err)
			continue
		}
		sess.deliverCiphertext(ct)
	}
}
