// Package relaygraph holds the in-memory, signature-validated topology of
// the overlay: identity descriptors (vertices) and adjacency descriptors
// (edges), plus BFS shortest-path queries over them.
package relaygraph

import (
	"errors"
	"sort"
	"sync"

	"github.com/earendil-network/earendil-go/fingerprint"
	"github.com/earendil-network/earendil-go/identity"
)

// ErrIdentityUnknown is returned by InsertAdjacency when one of the
// endpoints has no known identity descriptor yet. The adjacency is pended
// internally and applied automatically once the missing identity arrives.
var ErrIdentityUnknown = errors.New("relaygraph: endpoint identity unknown")

// ErrBadSignature is returned when a descriptor's signature does not
// verify.
var ErrBadSignature = errors.New("relaygraph: signature verification failed")

// ErrMalformed is returned for structurally invalid input (e.g.
// LeftFP >= RightFP).
var ErrMalformed = errors.New("relaygraph: malformed descriptor")

type edgeKey struct {
	left, right fingerprint.Fingerprint
}

// Graph is the thread-safe relay graph.
type Graph struct {
	mu sync.RWMutex

	identities map[fingerprint.Fingerprint]*identity.Descriptor
	adjacency  map[fingerprint.Fingerprint]map[fingerprint.Fingerprint]*identity.AdjacencyDescriptor
	byEdgeKey  map[edgeKey]*identity.AdjacencyDescriptor

	// pending holds adjacencies waiting on an identity that hasn't
	// arrived yet, keyed by the missing fingerprint.
	pending map[fingerprint.Fingerprint][]*identity.AdjacencyDescriptor
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		identities: make(map[fingerprint.Fingerprint]*identity.Descriptor),
		adjacency:  make(map[fingerprint.Fingerprint]map[fingerprint.Fingerprint]*identity.AdjacencyDescriptor),
		byEdgeKey:  make(map[edgeKey]*identity.AdjacencyDescriptor),
		pending:    make(map[fingerprint.Fingerprint][]*identity.AdjacencyDescriptor),
	}
}

// InsertIdentity validates and stores an identity descriptor. It is a
// no-op if an equal-or-newer descriptor is already stored for the same
// fingerprint. Fails only on a bad signature.
func (g *Graph) InsertIdentity(d *identity.Descriptor) error {
	if !d.Verify() {
		return ErrBadSignature
	}
	fp := d.Fingerprint()

	g.mu.Lock()
	existing, ok := g.identities[fp]
	if ok && existing.UnixTimestamp >= d.UnixTimestamp {
		g.mu.Unlock()
		return nil
	}
	g.identities[fp] = d
	retry := g.pending[fp]
	delete(g.pending, fp)
	g.mu.Unlock()

	for _, adj := range retry {
		// Ignore errors here: a still-missing identity re-pends it.
		_ = g.InsertAdjacency(adj)
	}
	return nil
}

// Identity returns the latest known identity descriptor for fp, if any.
func (g *Graph) Identity(fp fingerprint.Fingerprint) (*identity.Descriptor, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.identities[fp]
	return d, ok
}

// InsertAdjacency validates and stores an adjacency descriptor. It fails
// if LeftFP >= RightFP, if either signature is invalid, or pends (and
// returns ErrIdentityUnknown) if either identity is not yet known.
// Idempotent on an exact duplicate.
func (g *Graph) InsertAdjacency(a *identity.AdjacencyDescriptor) error {
	if !a.WellFormed() {
		return ErrMalformed
	}

	g.mu.RLock()
	leftID, leftOK := g.identities[a.LeftFP]
	rightID, rightOK := g.identities[a.RightFP]
	g.mu.RUnlock()

	if !leftOK || !rightOK {
		g.mu.Lock()
		if !leftOK {
			g.pending[a.LeftFP] = append(g.pending[a.LeftFP], a)
		}
		if !rightOK {
			g.pending[a.RightFP] = append(g.pending[a.RightFP], a)
		}
		g.mu.Unlock()
		return ErrIdentityUnknown
	}

	if !a.VerifySignatures(leftID.IdentityPK, rightID.IdentityPK) {
		return ErrBadSignature
	}

	key := edgeKey{a.LeftFP, a.RightFP}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.byEdgeKey[key]; exists {
		return nil // idempotent
	}
	g.byEdgeKey[key] = a
	if g.adjacency[a.LeftFP] == nil {
		g.adjacency[a.LeftFP] = make(map[fingerprint.Fingerprint]*identity.AdjacencyDescriptor)
	}
	if g.adjacency[a.RightFP] == nil {
		g.adjacency[a.RightFP] = make(map[fingerprint.Fingerprint]*identity.AdjacencyDescriptor)
	}
	g.adjacency[a.LeftFP][a.RightFP] = a
	g.adjacency[a.RightFP][a.LeftFP] = a
	return nil
}

// AllAdjacencies returns a snapshot of every stored adjacency descriptor.
func (g *Graph) AllAdjacencies() []*identity.AdjacencyDescriptor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*identity.AdjacencyDescriptor, 0, len(g.byEdgeKey))
	for _, a := range g.byEdgeKey {
		out = append(out, a)
	}
	return out
}

// AllNodes returns a snapshot of every known fingerprint with an identity
// descriptor.
func (g *Graph) AllNodes() []fingerprint.Fingerprint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]fingerprint.Fingerprint, 0, len(g.identities))
	for fp := range g.identities {
		out = append(out, fp)
	}
	return out
}

// Neighbors returns the fingerprints adjacent to fp, sorted
// lexicographically for deterministic iteration.
func (g *Graph) Neighbors(fp fingerprint.Fingerprint) []fingerprint.Fingerprint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	adj := g.adjacency[fp]
	out := make([]fingerprint.Fingerprint, 0, len(adj))
	for n := range adj {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// FindShortestPath runs BFS from src to dst. Ties among equally-short
// paths are broken by lexicographic ordering of the first differing
// next-hop fingerprint, making the result deterministic. Returns nil if no
// path exists. The returned path's first element is src and last is
// dst.
func (g *Graph) FindShortestPath(src, dst fingerprint.Fingerprint) []fingerprint.Fingerprint {
	if src == dst {
		return []fingerprint.Fingerprint{src}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[fingerprint.Fingerprint]bool{src: true}
	prev := map[fingerprint.Fingerprint]fingerprint.Fingerprint{}
	queue := []fingerprint.Fingerprint{src}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		neighbors := make([]fingerprint.Fingerprint, 0, len(g.adjacency[cur]))
		for n := range g.adjacency[cur] {
			neighbors = append(neighbors, n)
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Less(neighbors[j]) })

		for _, n := range neighbors {
			if visited[n] {
				continue
			}
			visited[n] = true
			prev[n] = cur
			if n == dst {
				return reconstructPath(prev, src, dst)
			}
			queue = append(queue, n)
		}
	}
	return nil
}

func reconstructPath(prev map[fingerprint.Fingerprint]fingerprint.Fingerprint, src, dst fingerprint.Fingerprint) []fingerprint.Fingerprint {
	path := []fingerprint.Fingerprint{dst}
	for path[len(path)-1] != src {
		p := prev[path[len(path)-1]]
		path = append(path, p)
	}
	// reverse
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
