// Package udpforward bridges a local UDP socket to a remote haven,
// demultiplexing by source address so that each distinct sender on the
// local port gets its own haven connection.
package udpforward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/haven"
	"github.com/earendil-network/earendil-go/havendht"
	"github.com/earendil-network/earendil-go/n2r"
)

const (
	demuxCapacity = 4096
	demuxIdleTTL  = 60 * time.Minute
	readBufSize   = 65536
)

// Forwarder owns one local UDP socket and forwards every datagram it
// receives to RemoteHavenFP, replying to whichever source address sent it.
type Forwarder struct {
	ListenAddr    string
	RemoteHavenFP fingerprint.Fingerprint
	DHT           *havendht.Engine
	Manager       *n2r.Manager
	Logger        *slog.Logger

	pc    net.PacketConn
	demux *lru.LRU[string, *route]
}

type route struct {
	conn *haven.Conn
	src  net.Addr
}

// Run binds the local socket and forwards until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	if f.Logger == nil {
		f.Logger = slog.Default()
	}
	pc, err := net.ListenPacket("udp", f.ListenAddr)
	if err != nil {
		return fmt.Errorf("udpforward: listen %s: %w", f.ListenAddr, err)
	}
	defer pc.Close()
	f.pc = pc
	f.demux = lru.NewLRU[string, *route](demuxCapacity, func(_ string, r *route) { _ = r.conn.Close() }, demuxIdleTTL)

	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()

	buf := make([]byte, readBufSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("udpforward: read: %w", err)
		}
		r, err := f.routeFor(ctx, addr)
		if err != nil {
			f.Logger.Debug("udpforward: failed to reach haven", "src", addr, "err", err)
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		if err := r.conn.Send(payload); err != nil {
			f.Logger.Debug("udpforward: send to haven failed", "src", addr, "err", err)
		}
	}
}

// routeFor returns the existing haven connection for addr, or establishes
// and registers a fresh one.
func (f *Forwarder) routeFor(ctx context.Context, addr net.Addr) (*route, error) {
	key := addr.String()
	if r, ok := f.demux.Get(key); ok {
		return r, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, havendht.OpTimeout)
	defer cancel()
	conn, err := haven.Connect(connectCtx, f.DHT, f.Manager, f.RemoteHavenFP, f.Logger)
	if err != nil {
		return nil, fmt.Errorf("connect to haven: %w", err)
	}
	r := &route{conn: conn, src: addr}
	f.demux.Add(key, r)
	go f.downLoop(ctx, r)
	return r, nil
}

func (f *Forwarder) downLoop(ctx context.Context, r *route) {
	for {
		body, err := r.conn.Recv(ctx)
		if err != nil {
			f.Logger.Debug("udpforward: haven route ended", "src", r.src, "err", err)
			return
		}
		if _, err := f.pc.WriteTo(body, r.src); err != nil {
			f.Logger.Debug("udpforward: write to local source failed", "src", r.src, "err", err)
		}
	}
}

// BridgeLocal bridges an already-accepted haven connection to a local UDP
// endpoint, the inbound mirror of Forwarder: used by a haven host that
// wants to expose an accepted client connection as a plain local UDP peer.
func BridgeLocal(ctx context.Context, conn *haven.Conn, localAddr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	remote, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return fmt.Errorf("udpforward: resolve %s: %w", localAddr, err)
	}
	pc, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return fmt.Errorf("udpforward: dial %s: %w", localAddr, err)
	}
	defer pc.Close()

	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()

	go func() {
		buf := make([]byte, readBufSize)
		for {
			n, err := pc.Read(buf)
			if err != nil {
				return
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if err := conn.Send(payload); err != nil {
				logger.Debug("udpforward: send to haven client failed", "err", err)
				return
			}
		}
	}()

	for {
		body, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		if _, err := pc.Write(body); err != nil {
			return fmt.Errorf("udpforward: write to local app: %w", err)
		}
	}
}
