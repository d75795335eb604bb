package mating

import (
	"math/rand"
	"testing"

	"github.com/Connerlevi/asyncga/internal/genome"
)

type fakeRand struct{ r *rand.Rand }

func newFakeRand(seed int64) *fakeRand { return &fakeRand{r: rand.New(rand.NewSource(seed))} }

func (f *fakeRand) Int(a, b int) int        { return a + f.r.Intn(b-a+1) }
func (f *fakeRand) CoinFlip(p float64) bool { return f.r.Float64() < p }
func (f *fakeRand) UnitGaussian() float64   { return f.r.NormFloat64() }

func boundedGenome(length int, lo, hi, sigma float64) *genome.Genome {
	g := genome.New(length, genome.IndividualRanges)
	for i := 0; i < length; i++ {
		g.SetBounds(i, lo, hi)
		g.SetGaussianSD(i, sigma)
		g.SetGene(i, (lo+hi)/2)
	}
	return g
}

func TestMateOnePointSplitsAtPoint(t *testing.T) {
	p1 := boundedGenome(5, 0, 1, 0.1)
	p2 := boundedGenome(5, 0, 1, 0.1)
	for i := 0; i < 5; i++ {
		p1.SetGene(i, 1)
		p2.SetGene(i, 2)
	}
	offspring := boundedGenome(5, 0, 1, 0.1)
	r := newFakeRand(1)
	Mate(p1, p2, offspring, OnePoint, r)
	seenOne, seenTwo := false, false
	for i := 0; i < 5; i++ {
		if offspring.Gene(i) == 1 {
			seenOne = true
		} else if offspring.Gene(i) == 2 {
			seenTwo = true
		} else {
			t.Fatalf("gene %d has unexpected value %v", i, offspring.Gene(i))
		}
	}
	if !seenOne || !seenTwo {
		t.Fatalf("expected offspring to contain genes from both parents, got seenOne=%v seenTwo=%v", seenOne, seenTwo)
	}
}

func TestMateAverageIsElementwiseMean(t *testing.T) {
	p1 := boundedGenome(3, 0, 10, 0.1)
	p2 := boundedGenome(3, 0, 10, 0.1)
	for i := 0; i < 3; i++ {
		p1.SetGene(i, 2)
		p2.SetGene(i, 6)
	}
	offspring := boundedGenome(3, 0, 10, 0.1)
	Mate(p1, p2, offspring, Average, newFakeRand(2))
	for i := 0; i < 3; i++ {
		if offspring.Gene(i) != 4 {
			t.Fatalf("gene %d: expected average 4, got %v", i, offspring.Gene(i))
		}
	}
}

// GaussianMutate's mutated gene must always land in [lo,hi] regardless of
// how large the Gaussian step is, whether bounce or clamp resolves it.
func TestGaussianMutateStaysInBounds(t *testing.T) {
	for _, bounce := range []bool{false, true} {
		g := boundedGenome(4, 0, 1, 5.0) // huge sigma forces out-of-range almost always
		r := newFakeRand(7)
		for iter := 0; iter < 200; iter++ {
			GaussianMutate(g, 1.0, bounce, r)
			for i := 0; i < g.Len(); i++ {
				if g.Gene(i) < g.LowBound(i) || g.Gene(i) > g.HighBound(i) {
					t.Fatalf("bounce=%v: gene %d = %v escaped [%v,%v] at iteration %d",
						bounce, i, g.Gene(i), g.LowBound(i), g.HighBound(i), iter)
				}
			}
		}
	}
}

// sigma==0 makes a gene invariant under both single- and multi-gene mutation.
func TestZeroSigmaGeneIsInvariant(t *testing.T) {
	g := boundedGenome(3, 0, 1, 0)
	g.SetGene(0, 0.5)
	original := g.Gene(0)
	r := newFakeRand(3)
	for i := 0; i < 50; i++ {
		GaussianMutate(g, 1.0, true, r)
		MultipleGaussianMutate(g, 1.0, true, r)
		if g.Gene(0) != original {
			t.Fatalf("gene with sigma=0 changed from %v to %v", original, g.Gene(0))
		}
	}
}

// lo==hi collapses a gene to that single value under any mutator.
func TestDegenerateBoundsCollapseToSingleValue(t *testing.T) {
	g := boundedGenome(2, 3.0, 3.0, 1.0)
	g.SetGene(0, 3.0)
	r := newFakeRand(4)
	for i := 0; i < 20; i++ {
		GaussianMutate(g, 1.0, true, r)
		if g.Gene(0) != 3.0 {
			t.Fatalf("degenerate-bounds gene drifted to %v", g.Gene(0))
		}
	}
}

func TestMultipleGaussianMutateCountsAllAttempts(t *testing.T) {
	g := boundedGenome(100, 0, 1, 0.01)
	r := newFakeRand(5)
	n := MultipleGaussianMutate(g, 1.0, true, r)
	if n != 100 {
		t.Fatalf("mutationChance=1.0 should mutate every gene, got %d/100", n)
	}
}

func TestMutationChanceZeroIsNoOp(t *testing.T) {
	g := boundedGenome(5, 0, 1, 1.0)
	r := newFakeRand(6)
	if n := GaussianMutate(g, 0, true, r); n != 0 {
		t.Fatalf("mutationChance=0 should return 0, got %d", n)
	}
	if n := MultipleGaussianMutate(g, 0, true, r); n != 0 {
		t.Fatalf("mutationChance=0 should return 0, got %d", n)
	}
	if n := FrameShiftMutate(g, 0, r); n != 0 {
		t.Fatalf("mutationChance=0 should return 0, got %d", n)
	}
	if n := DuplicationMutate(g, 0, r); n != 0 {
		t.Fatalf("mutationChance=0 should return 0, got %d", n)
	}
}

func TestFrameShiftPreservesLength(t *testing.T) {
	g := boundedGenome(6, 0, 10, 0.1)
	for i := 0; i < 6; i++ {
		g.SetGene(i, float64(i))
	}
	r := newFakeRand(8)
	for i := 0; i < 20; i++ {
		if n := FrameShiftMutate(g, 1.0, r); n != 1 {
			t.Fatalf("expected exactly one frameshift mutation, got %d", n)
		}
	}
	if g.Len() != 6 {
		t.Fatalf("frameshift must not change genome length, got %d", g.Len())
	}
}

func TestDuplicationMutatePreservesLength(t *testing.T) {
	g := boundedGenome(8, 0, 10, 0.1)
	for i := 0; i < 8; i++ {
		g.SetGene(i, float64(i))
	}
	r := newFakeRand(9)
	for i := 0; i < 20; i++ {
		if n := DuplicationMutate(g, 1.0, r); n != 1 {
			t.Fatalf("expected exactly one duplication mutation, got %d", n)
		}
	}
	if g.Len() != 8 {
		t.Fatalf("duplication must not change genome length, got %d", g.Len())
	}
}

// Circular genes wrap instead of clamping at the boundary.
func TestGaussianMutateCircularWraps(t *testing.T) {
	g := genome.New(1, genome.IndividualCircularMutation)
	g.SetBounds(0, 0, 10)
	g.SetGaussianSD(0, 100) // force far out-of-range every time
	g.SetCircularMutation(0, true)
	g.SetGene(0, 5)
	r := newFakeRand(10)
	for i := 0; i < 100; i++ {
		GaussianMutate(g, 1.0, false, r)
		if g.Gene(0) < 0 || g.Gene(0) > 10 {
			t.Fatalf("circular gene escaped [0,10]: %v", g.Gene(0))
		}
	}
}
