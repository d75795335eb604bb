package genome

import (
	"bufio"
	"bytes"
	"math"
	"testing"
)

type fixedRand struct{ v float64 }

func (f fixedRand) Float64(a, b float64) float64 { return a + f.v*(b-a) }

func TestNewHasUninitialisedFitness(t *testing.T) {
	g := New(4, IndividualRanges)
	if g.Fitness() != -math.MaxFloat64 {
		t.Fatalf("expected uninitialised fitness, got %v", g.Fitness())
	}
}

func TestRandomiseSkipsZeroSigma(t *testing.T) {
	g := New(3, IndividualRanges)
	for i := 0; i < 3; i++ {
		g.SetBounds(i, 0, 10)
	}
	g.SetGaussianSD(1, 2) // only gene 1 is mutable
	g.SetGene(0, 99)
	g.SetGene(2, 99)
	g.Randomise(fixedRand{v: 0.5})
	if g.Gene(0) != 99 || g.Gene(2) != 99 {
		t.Fatalf("genes with sigma==0 must be untouched by Randomise")
	}
	if g.Gene(1) != 5 {
		t.Fatalf("expected gene 1 to be randomised to 5, got %v", g.Gene(1))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	g := New(2, IndividualRanges)
	g.SetGene(0, 1)
	clone := g.Clone()
	clone.SetGene(0, 2)
	if g.Gene(0) != 1 {
		t.Fatalf("mutating a clone must not affect the original")
	}
}

func TestCircularFlagPerGene(t *testing.T) {
	g := New(2, IndividualCircularMutation)
	g.SetCircularMutation(0, true)
	if !g.CircularMutation(0) {
		t.Fatalf("expected gene 0 circular flag set")
	}
	if g.CircularMutation(1) {
		t.Fatalf("expected gene 1 circular flag unset")
	}
}

func TestGlobalCircularFlagSharedAcrossGenes(t *testing.T) {
	g := New(2, IndividualRanges)
	g.SetCircularMutation(0, true)
	if !g.CircularMutation(1) {
		t.Fatalf("global circular flag must apply to every gene")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	g := New(3, IndividualRanges)
	for i := 0; i < 3; i++ {
		g.SetBounds(i, -1, 1)
		g.SetGaussianSD(i, 0.1)
		g.SetGene(i, float64(i)*0.25)
	}
	g.SetFitness(3.5)

	var buf bytes.Buffer
	if err := g.WriteText(&buf); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}

	back, err := ReadText(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadText failed: %v", err)
	}
	if back.Len() != g.Len() {
		t.Fatalf("length mismatch after round trip")
	}
	for i := 0; i < g.Len(); i++ {
		if back.Gene(i) != g.Gene(i) {
			t.Fatalf("gene %d mismatch: got %v want %v", i, back.Gene(i), g.Gene(i))
		}
	}
	if back.Fitness() != g.Fitness() {
		t.Fatalf("fitness mismatch: got %v want %v", back.Fitness(), g.Fitness())
	}
}

func TestWriteReadRoundTripCircular(t *testing.T) {
	g := New(2, IndividualCircularMutation)
	g.SetBounds(0, 0, 1)
	g.SetBounds(1, 0, 1)
	g.SetCircularMutation(0, true)
	var buf bytes.Buffer
	if err := g.WriteText(&buf); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	back, err := ReadText(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadText failed: %v", err)
	}
	if !back.CircularMutation(0) || back.CircularMutation(1) {
		t.Fatalf("circular flags did not round-trip correctly")
	}
}
