// Package daemon wires every other package into one running node: it owns
// the shared long-lived state (identity, relay graph, neighbor sessions,
// N2R routing) and supervises the set of loops that keep the overlay
// connection to that state alive, restarting any loop that exits with an
// error rather than letting one bad peer or a dropped packet take the
// whole node down.
package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/earendil-network/earendil-go/config"
	"github.com/earendil-network/earendil-go/control"
	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/gossip"
	"github.com/earendil-network/earendil-go/haven"
	"github.com/earendil-network/earendil-go/havendht"
	"github.com/earendil-network/earendil-go/identity"
	"github.com/earendil-network/earendil-go/link"
	"github.com/earendil-network/earendil-go/n2r"
	"github.com/earendil-network/earendil-go/neighbortable"
	"github.com/earendil-network/earendil-go/peelforward"
	"github.com/earendil-network/earendil-go/relaygraph"
	"github.com/earendil-network/earendil-go/udpforward"
)

// livenessThreshold is how many consecutive failed gossip rounds against a
// dialed neighbor an out-route tolerates before tearing the session down
// and letting the reconnect supervisor redial.
const livenessThreshold = 3

// Context bundles every piece of shared state the daemon's loops are built
// from, in place of package-level globals.
type Context struct {
	SK     *identity.SecretKey
	SelfFP fingerprint.Fingerprint

	Graph      *relaygraph.Graph
	Table      *neighbortable.Table
	Manager    *n2r.Manager
	Degarblers *peelforward.DegarblerTable
	AnonDests  *peelforward.AnonDestinations

	PeelForward *peelforward.Engine
	Gossip      *gossip.Engine
	DHT         *havendht.Engine
	Forwarder   *haven.Forwarder
	Control     *control.Dispatcher

	Config *config.Config
	Logger *slog.Logger
}

// Daemon is a running node: New starts every configured loop in the
// background and returns immediately.
type Daemon struct {
	Context
	cancel context.CancelFunc
}

// New loads or creates the node's identity, builds every core component,
// and starts the full set of supervised loops named by cfg: one inbound
// listener per in-route, one dial-and-reconnect supervisor per out-route,
// a rendezvous forwarder if any haven config enables it, one haven host
// per configured haven bind, and one UDP bridge per configured UDP
// forward.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sk, err := config.LoadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: load identity: %w", err)
	}
	selfFP := identity.Fingerprint(sk.Public())
	onionPub, err := sk.OnionPublic()
	if err != nil {
		return nil, fmt.Errorf("daemon: derive onion public key: %w", err)
	}

	graph := relaygraph.New()
	table := neighbortable.New(selfFP, logger)
	degarblers := peelforward.NewDegarblerTable(0)
	anonDests := peelforward.NewAnonDestinations(0)
	manager := n2r.NewManager(selfFP, sk.OnionSecret(), onionPub, graph, table, degarblers, anonDests, logger)

	pf := &peelforward.Engine{
		SelfFP:      selfFP,
		OnionSecret: sk.OnionSecret(),
		Table:       table,
		Delivery:    manager,
		Degarblers:  degarblers,
		AnonDests:   anonDests,
		Logger:      logger,
	}

	dht := &havendht.Engine{SelfFP: selfFP, Graph: graph, Manager: manager, Logger: logger}
	if err := dht.Bind(); err != nil {
		return nil, fmt.Errorf("daemon: bind dht: %w", err)
	}

	ge := &gossip.Engine{Self: sk, SelfFP: selfFP, IsRelay: cfg.Relay, Graph: graph, Manager: manager, Logger: logger}
	if err := ge.Bind(); err != nil {
		return nil, fmt.Errorf("daemon: bind gossip: %w", err)
	}

	ctrl := &control.Dispatcher{SelfFP: selfFP, Config: cfg, Graph: graph, Manager: manager, DHT: dht, Logger: logger}
	if err := ctrl.Bind(); err != nil {
		return nil, fmt.Errorf("daemon: bind control: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		Context: Context{
			SK: sk, SelfFP: selfFP,
			Graph: graph, Table: table, Manager: manager, Degarblers: degarblers, AnonDests: anonDests,
			PeelForward: pf, Gossip: ge, DHT: dht, Control: ctrl,
			Config: cfg, Logger: logger,
		},
		cancel: cancel,
	}

	go supervise(ctx, logger, "peel-forward", pf.Run)
	go supervise(ctx, logger, "dht", dht.Serve)
	go supervise(ctx, logger, "gossip-serve", ge.Serve)
	go table.Run(ctx)

	for name, in := range cfg.InRoutes {
		if err := d.startInRoute(ctx, name, in); err != nil {
			cancel()
			return nil, err
		}
	}
	for name, out := range cfg.OutRoutes {
		fp, cookie, err := parseOutRoute(out)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("daemon: out-route %s: %w", name, err)
		}
		go superviseBackoff(ctx, logger, "out-route:"+name, func(ctx context.Context) error {
			return d.driveOutRoute(ctx, name, fp, out.Connect, cookie)
		})
	}

	if err := d.startRendezvousForwarder(ctx, cfg); err != nil {
		cancel()
		return nil, err
	}
	for _, h := range cfg.Havens {
		if h.Bind == nil {
			continue
		}
		if err := d.startHaven(ctx, h); err != nil {
			cancel()
			return nil, err
		}
	}
	for _, uf := range cfg.UdpForwards {
		uf := uf
		fwdFP, err := fingerprint.ParseString(uf.RemoteHavenFP)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("daemon: udp-forward %s: parse remote fingerprint: %w", uf.ListenAddr, err)
		}
		fwd := &udpforward.Forwarder{ListenAddr: uf.ListenAddr, RemoteHavenFP: fwdFP, DHT: dht, Manager: manager, Logger: logger}
		go supervise(ctx, logger, "udp-forward:"+uf.ListenAddr, fwd.Run)
	}

	return d, nil
}

// Close stops every supervised loop the daemon started.
func (d *Daemon) Close() error {
	d.cancel()
	return nil
}

// supervise runs fn until ctx is cancelled, restarting it immediately
// whenever it returns a non-nil error.
func supervise(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("daemon: loop failed, restarting", "loop", name, "err", err)
		}
	}
}

// superviseBackoff is supervise's counterpart for loops whose failure means
// a remote peer is genuinely unreachable, not just a dropped packet: it
// waits with exponential backoff, capped at link.ReconnectMaxBackoff,
// between restarts instead of respawning immediately.
func superviseBackoff(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("daemon: connection loop failed, reconnecting", "loop", name, "err", err, "backoff", backoff)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > link.ReconnectMaxBackoff {
			backoff = link.ReconnectMaxBackoff
		}
	}
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("want 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func parseOutRoute(out config.OutRouteConfig) (fingerprint.Fingerprint, link.Cookie, error) {
	fp, err := fingerprint.ParseString(out.Fingerprint)
	if err != nil {
		return fingerprint.Fingerprint{}, link.Cookie{}, fmt.Errorf("parse fingerprint: %w", err)
	}
	raw, err := decodeHex32(out.Cookie)
	if err != nil {
		return fingerprint.Fingerprint{}, link.Cookie{}, fmt.Errorf("parse cookie: %w", err)
	}
	return fp, link.Cookie(raw), nil
}

// startInRoute binds one obfuscated UDP listener and spawns its accept
// loop: every accepted session is registered in the neighbor table and
// given its own gossip loop, for the lifetime of the daemon.
func (d *Daemon) startInRoute(ctx context.Context, name string, in config.InRouteConfig) error {
	secret, err := decodeHex32(in.Secret)
	if err != nil {
		return fmt.Errorf("daemon: in-route %s: parse secret: %w", name, err)
	}
	listener, err := link.ServeInbound(in.Listen, secret, d.SK, d.Logger)
	if err != nil {
		return fmt.Errorf("daemon: in-route %s: listen: %w", name, err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go func() {
		for {
			select {
			case sess, ok := <-listener.Accept:
				if !ok {
					return
				}
				d.Table.Insert(sess.RemoteFP, sess)
				go d.Gossip.Run(ctx, sess.RemoteFP)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// driveOutRoute dials fp once, registers the session, and holds the
// connection open by gossiping with it on a schedule of its own (separate
// from the registered gossip.Engine.Run loop, which never signals
// failure): livenessThreshold consecutive failed rounds, or the session
// tearing itself down for any other reason, ends this call and its caller
// redials with backoff.
func (d *Daemon) driveOutRoute(ctx context.Context, name string, fp fingerprint.Fingerprint, addr string, cookie link.Cookie) error {
	sess, err := link.DialOutbound(ctx, addr, fp, cookie, d.SK, d.Logger)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	d.Table.Insert(fp, sess)
	defer sess.Close()

	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.Gossip.Run(roundCtx, fp)

	ticker := time.NewTicker(gossip.RoundInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.Done():
			return fmt.Errorf("out-route %s: session closed", name)
		case <-ticker.C:
			roundErr := d.Gossip.RunRound(ctx, fp)
			if roundErr != nil {
				failures++
				if failures >= livenessThreshold {
					return fmt.Errorf("out-route %s: unresponsive after %d rounds: %w", name, failures, roundErr)
				}
				continue
			}
			failures = 0
		}
	}
}

// startRendezvousForwarder starts a single node-wide rendezvous forwarder
// if any haven config asks this node to serve that role, bound at the
// first such entry's listen address.
func (d *Daemon) startRendezvousForwarder(ctx context.Context, cfg *config.Config) error {
	for _, h := range cfg.Havens {
		if !h.ServeRendezvous {
			continue
		}
		secret, err := decodeHex32(h.RendezvousListenSecret)
		if err != nil {
			return fmt.Errorf("daemon: rendezvous forwarder: parse secret: %w", err)
		}
		listener, err := link.ServeInbound(h.RendezvousListen, secret, d.SK, d.Logger)
		if err != nil {
			return fmt.Errorf("daemon: rendezvous forwarder: listen: %w", err)
		}
		go func() {
			<-ctx.Done()
			listener.Close()
		}()

		fwd := &haven.Forwarder{SelfFP: d.SelfFP, Manager: d.Manager, Logger: d.Logger}
		if err := fwd.Bind(); err != nil {
			return fmt.Errorf("daemon: rendezvous forwarder: bind: %w", err)
		}
		d.Forwarder = fwd
		go supervise(ctx, d.Logger, "rendezvous-forward", fwd.Serve)
		go fwd.ServeHavenListener(ctx, listener)
		return nil
	}
	return nil
}

// startHaven hosts one haven identity: it dials the configured rendezvous
// relay directly (never through the onion-routed graph, since the haven's
// own fingerprint must stay out of it), publishes its locator, and accepts
// client connections for the lifetime of the daemon.
func (d *Daemon) startHaven(ctx context.Context, h config.HavenConfig) error {
	havenSK, err := config.LoadOrCreateIdentity(h.Bind.IdentityPath)
	if err != nil {
		return fmt.Errorf("daemon: haven %s: load identity: %w", h.Name, err)
	}
	rendezvousFP, err := fingerprint.ParseString(h.Bind.RendezvousFP)
	if err != nil {
		return fmt.Errorf("daemon: haven %s: parse rendezvous fingerprint: %w", h.Name, err)
	}
	cookieBytes, err := decodeHex32(h.Bind.RendezvousCookie)
	if err != nil {
		return fmt.Errorf("daemon: haven %s: parse rendezvous cookie: %w", h.Name, err)
	}

	server := &haven.Server{SK: havenSK, DHT: d.DHT, Logger: d.Logger}
	bindCtx, bindCancel := context.WithTimeout(ctx, havendht.OpTimeout)
	defer bindCancel()
	if err := server.Bind(bindCtx, h.Bind.RendezvousAddr, rendezvousFP, link.Cookie(cookieBytes), time.Now()); err != nil {
		return fmt.Errorf("daemon: haven %s: bind: %w", h.Name, err)
	}

	go func() {
		for {
			conn, err := server.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.Logger.Warn("daemon: haven accept failed", "haven", h.Name, "err", err)
				continue
			}
			if h.Bind.LocalForward == "" {
				conn.Close()
				continue
			}
			go func() {
				if err := udpforward.BridgeLocal(ctx, conn, h.Bind.LocalForward, d.Logger); err != nil {
					d.Logger.Debug("daemon: haven local bridge ended", "haven", h.Name, "err", err)
				}
			}()
		}
	}()
	return nil
}
