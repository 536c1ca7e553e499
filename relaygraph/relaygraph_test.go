package relaygraph

import (
	"testing"
	"time"

	"github.com/earendil-network/earendil-go/identity"
)

func mkIdentity(t *testing.T, isRelay bool) (*identity.SecretKey, *identity.Descriptor) {
	t.Helper()
	sk, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	d, err := identity.NewDescriptor(sk, isRelay, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	return sk, d
}

func mkAdjacency(t *testing.T, leftSK, rightSK *identity.SecretKey, leftD, rightD *identity.Descriptor, ts int64) *identity.AdjacencyDescriptor {
	t.Helper()
	leftFP := leftD.Fingerprint()
	rightFP := rightD.Fingerprint()
	if rightFP.Less(leftFP) {
		leftSK, rightSK = rightSK, leftSK
		leftFP, rightFP = rightFP, leftFP
	}
	a := &identity.AdjacencyDescriptor{LeftFP: leftFP, RightFP: rightFP, UnixTimestamp: ts}
	a.SignLeft(leftSK)
	a.SignRight(rightSK)
	return a
}

func TestInsertIdentityIdempotent(t *testing.T) {
	g := New()
	_, d := mkIdentity(t, true)
	if err := g.InsertIdentity(d); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := g.InsertIdentity(d); err != nil {
		t.Fatalf("second insert: %v", err)
	}
	got, ok := g.Identity(d.Fingerprint())
	if !ok || got.UnixTimestamp != d.UnixTimestamp {
		t.Fatal("identity not stored correctly")
	}
}

func TestInsertIdentityRejectsBadSignature(t *testing.T) {
	g := New()
	_, d := mkIdentity(t, false)
	d.Signature[0] ^= 0xFF
	if err := g.InsertIdentity(d); err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestInsertAdjacencyPendsOnUnknownIdentity(t *testing.T) {
	g := New()
	leftSK, leftD := mkIdentity(t, true)
	rightSK, rightD := mkIdentity(t, true)
	adj := mkAdjacency(t, leftSK, rightSK, leftD, rightD, 1)

	if err := g.InsertAdjacency(adj); err != ErrIdentityUnknown {
		t.Fatalf("expected ErrIdentityUnknown, got %v", err)
	}
	if len(g.AllAdjacencies()) != 0 {
		t.Fatal("adjacency should not be visible yet")
	}

	_ = g.InsertIdentity(leftD)
	_ = g.InsertIdentity(rightD)

	if len(g.AllAdjacencies()) != 1 {
		t.Fatal("pended adjacency should apply once both identities are known")
	}
}

func TestInsertAdjacencyRejectsOrderingViolation(t *testing.T) {
	g := New()
	a := &identity.AdjacencyDescriptor{
		LeftFP:  [20]byte{0x02},
		RightFP: [20]byte{0x01},
	}
	if err := g.InsertAdjacency(a); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestInsertAdjacencyIdempotent(t *testing.T) {
	g := New()
	leftSK, leftD := mkIdentity(t, true)
	rightSK, rightD := mkIdentity(t, true)
	_ = g.InsertIdentity(leftD)
	_ = g.InsertIdentity(rightD)
	adj := mkAdjacency(t, leftSK, rightSK, leftD, rightD, 1)

	if err := g.InsertAdjacency(adj); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := g.InsertAdjacency(adj); err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if len(g.AllAdjacencies()) != 1 {
		t.Fatal("expected exactly one adjacency")
	}
}

func TestFindShortestPathChain(t *testing.T) {
	g := New()
	skA, dA := mkIdentity(t, true)
	skB, dB := mkIdentity(t, true)
	skC, dC := mkIdentity(t, true)
	_ = g.InsertIdentity(dA)
	_ = g.InsertIdentity(dB)
	_ = g.InsertIdentity(dC)

	if err := g.InsertAdjacency(mkAdjacency(t, skA, skB, dA, dB, 1)); err != nil {
		t.Fatalf("insert A-B: %v", err)
	}
	if err := g.InsertAdjacency(mkAdjacency(t, skB, skC, dB, dC, 1)); err != nil {
		t.Fatalf("insert B-C: %v", err)
	}

	fpA, fpB, fpC := dA.Fingerprint(), dB.Fingerprint(), dC.Fingerprint()
	path := g.FindShortestPath(fpA, fpC)
	if len(path) != 3 || path[0] != fpA || path[1] != fpB || path[2] != fpC {
		t.Fatalf("unexpected path: %v", path)
	}
}

func TestFindShortestPathNoRoute(t *testing.T) {
	g := New()
	_, dA := mkIdentity(t, true)
	_, dB := mkIdentity(t, true)
	_ = g.InsertIdentity(dA)
	_ = g.InsertIdentity(dB)
	if path := g.FindShortestPath(dA.Fingerprint(), dB.Fingerprint()); path != nil {
		t.Fatalf("expected no path, got %v", path)
	}
}
