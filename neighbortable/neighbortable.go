// Package neighbortable holds the live session registry: one session per
// directly-connected neighbor, with a fair merge of every session's
// incoming packet stream into a single consumer-facing channel.
package neighbortable

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/link"
	"github.com/earendil-network/earendil-go/onionpkt"
)

const (
	// GCInterval is how often stale entries are swept.
	GCInterval = 60 * time.Second
	// StaleAfter is how long a neighbor may go unseen before eviction.
	StaleAfter = 5 * time.Minute
	// mergedQueueDepth bounds the fair-merge output queue.
	mergedQueueDepth = 256
)

type entry struct {
	session  *link.Session
	lastSeen time.Time
	cancel   context.CancelFunc
}

// Table is the concurrent neighbor registry. At most one active session is
// kept per fingerprint; inserting a new one for an already-present
// fingerprint closes the old session first.
type Table struct {
	mu      sync.Mutex
	entries map[fingerprint.Fingerprint]*entry

	selfFP fingerprint.Fingerprint
	merged chan taggedPacket
	logger *slog.Logger
}

type taggedPacket struct {
	src fingerprint.Fingerprint
	pkt *onionpkt.RawPacket
}

// New returns an empty Table. selfFP is used to tag packets injected via
// InjectAsIfIncoming as if they arrived from a virtual loopback neighbor.
func New(selfFP fingerprint.Fingerprint, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		entries: make(map[fingerprint.Fingerprint]*entry),
		selfFP:  selfFP,
		merged:  make(chan taggedPacket, mergedQueueDepth),
		logger:  logger,
	}
}

// Insert registers sess under fp, replacing and closing any prior session
// for the same fingerprint, and starts pumping its recv stream into the
// merged queue.
func (t *Table) Insert(fp fingerprint.Fingerprint, sess *link.Session) {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if old, ok := t.entries[fp]; ok {
		old.cancel()
		_ = old.session.Close()
	}
	t.entries[fp] = &entry{session: sess, lastSeen: time.Now(), cancel: cancel}
	t.mu.Unlock()

	go t.pump(ctx, fp, sess)
}

func (t *Table) pump(ctx context.Context, fp fingerprint.Fingerprint, sess *link.Session) {
	for {
		pkt, err := sess.Recv(ctx)
		if err != nil {
			t.logger.Debug("neighbor session ended", "fp", fp, "err", err)
			return
		}
		t.touch(fp)
		select {
		case t.merged <- taggedPacket{src: fp, pkt: pkt}:
		case <-ctx.Done():
			return
		default:
			t.logger.Warn("merged recv queue full, dropping packet", "fp", fp)
		}
	}
}

func (t *Table) touch(fp fingerprint.Fingerprint) {
	t.mu.Lock()
	if e, ok := t.entries[fp]; ok {
		e.lastSeen = time.Now()
	}
	t.mu.Unlock()
}

// Lookup returns the current session for fp, if any.
func (t *Table) Lookup(fp fingerprint.Fingerprint) (*link.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fp]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// RecvRawPacket blocks until a packet has arrived on any current session's
// recv stream (a fair merge, since every session pumps into the same
// channel independently), or ctx is cancelled.
func (t *Table) RecvRawPacket(ctx context.Context) (fingerprint.Fingerprint, *onionpkt.RawPacket, error) {
	select {
	case tp := <-t.merged:
		return tp.src, tp.pkt, nil
	case <-ctx.Done():
		return fingerprint.Fingerprint{}, nil, ctx.Err()
	}
}

// InjectAsIfIncoming enqueues pkt as though it arrived from this node's own
// loopback neighbor, the mechanism by which local N2R origination re-enters
// the peel-forward engine.
func (t *Table) InjectAsIfIncoming(pkt *onionpkt.RawPacket) {
	select {
	case t.merged <- taggedPacket{src: t.selfFP, pkt: pkt}:
	default:
		t.logger.Warn("merged recv queue full, dropping self-injected packet")
	}
}

// GarbageCollect drops entries whose last-seen time exceeds StaleAfter,
// closing their sessions. Intended to be called every GCInterval by a
// supervising timer loop.
func (t *Table) GarbageCollect() {
	cutoff := time.Now().Add(-StaleAfter)

	t.mu.Lock()
	var stale []fingerprint.Fingerprint
	for fp, e := range t.entries {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, fp)
		}
	}
	for _, fp := range stale {
		e := t.entries[fp]
		e.cancel()
		_ = e.session.Close()
		delete(t.entries, fp)
	}
	t.mu.Unlock()

	for _, fp := range stale {
		t.logger.Debug("neighbor table: evicted stale entry", "fp", fp)
	}
}

// Run starts the periodic garbage collector; it blocks until ctx is
// cancelled.
func (t *Table) Run(ctx context.Context) {
	ticker := time.NewTicker(GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.GarbageCollect()
		}
	}
}

// AllFingerprints returns a snapshot of every fingerprint with a live
// session.
func (t *Table) AllFingerprints() []fingerprint.Fingerprint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]fingerprint.Fingerprint, 0, len(t.entries))
	for fp := range t.entries {
		out = append(out, fp)
	}
	return out
}
