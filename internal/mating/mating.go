// Package mating implements the four genetic operators that turn one or
// two parent genomes into an offspring: one-point/average crossover,
// single- and multi-gene Gaussian mutation with clamp/bounce/circular
// out-of-range resolution, frameshift mutation, and duplication
// mutation. Each operator returns the number of mutations it applied.
package mating

import (
	"math"

	"github.com/Connerlevi/asyncga/internal/genome"
)

// CrossoverType selects the crossover operator used by Mate.
type CrossoverType int

const (
	OnePoint CrossoverType = iota
	Average
)

// Randomiser is the subset of rng.Source the mating operators need.
type Randomiser interface {
	Int(a, b int) int
	CoinFlip(p float64) bool
	UnitGaussian() float64
}

// Mate always applies some crossover and returns 1.
func Mate(parent1, parent2, offspring *genome.Genome, t CrossoverType, r Randomiser) int {
	length := offspring.Len()
	switch t {
	case OnePoint:
		point := r.Int(1, length-1)
		for i := 0; i < point; i++ {
			offspring.SetGene(i, parent1.Gene(i))
		}
		for i := point; i < length; i++ {
			offspring.SetGene(i, parent2.Gene(i))
		}
	case Average:
		for i := 0; i < length; i++ {
			offspring.SetGene(i, (parent1.Gene(i)+parent2.Gene(i))/2.0)
		}
	}
	return 1
}

// resolveOutOfRange applies the clamp/bounce/circular rule for a gene
// value v that has strayed outside [lo,hi]. belowLow indicates which
// side of the range v is on.
func resolveOutOfRange(v, lo, hi float64, circular, bounce, belowLow bool) float64 {
	width := hi - lo
	if belowLow {
		if !circular {
			if !bounce {
				return lo
			}
			w := math.Mod(lo-v, width)
			return lo + w
		}
		w := math.Mod(v-lo, width)
		return hi + w
	}
	if !circular {
		if !bounce {
			return hi
		}
		w := math.Mod(v-hi, width)
		return hi - w
	}
	w := math.Mod(v-hi, width)
	return lo + w
}

// GaussianMutate mutates exactly one gene, chosen uniformly, by adding a
// Gaussian-distributed offset scaled by that gene's sigma. Returns 0 only
// if the mutation chance gate fails; once past the gate it always returns
// 1, even for a sigma<=0 gene (which is left untouched, not counted as a
// failure to mutate — it was still attempted).
func GaussianMutate(g *genome.Genome, mutationChance float64, bounce bool, r Randomiser) int {
	if mutationChance == 0 {
		return 0
	}
	if mutationChance < 1.0 && !r.CoinFlip(mutationChance) {
		return 0
	}
	location := r.Int(0, g.Len()-1)
	if g.GaussianSD(location) <= 0 {
		return 1
	}
	if g.LowBound(location) >= g.HighBound(location) {
		g.SetGene(location, g.LowBound(location))
		return 1
	}
	v := g.Gene(location) + r.UnitGaussian()*g.GaussianSD(location)
	switch {
	case v < g.LowBound(location):
		v = resolveOutOfRange(v, g.LowBound(location), g.HighBound(location), g.CircularMutation(location), bounce, true)
	case v > g.HighBound(location):
		v = resolveOutOfRange(v, g.LowBound(location), g.HighBound(location), g.CircularMutation(location), bounce, false)
	}
	g.SetGene(location, v)
	return 1
}

// MultipleGaussianMutate independently tests every gene with lo<hi
// against mutationChance and mutates it the same way GaussianMutate does;
// genes with lo>=hi are set to lo without being tested or counted.
// Returns the count of genes that passed the chance test, including
// sigma<=0 genes, which are counted but left unchanged (as in
// GaussianMutate).
func MultipleGaussianMutate(g *genome.Genome, mutationChance float64, bounce bool, r Randomiser) int {
	if mutationChance == 0 {
		return 0
	}
	mutated := 0
	for i := 0; i < g.Len(); i++ {
		if g.LowBound(i) >= g.HighBound(i) {
			g.SetGene(i, g.LowBound(i))
			continue
		}
		if !r.CoinFlip(mutationChance) {
			continue
		}
		mutated++
		if g.GaussianSD(i) <= 0 {
			continue
		}
		v := g.Gene(i) + r.UnitGaussian()*g.GaussianSD(i)
		switch {
		case v < g.LowBound(i):
			v = resolveOutOfRange(v, g.LowBound(i), g.HighBound(i), g.CircularMutation(i), bounce, true)
		case v > g.HighBound(i):
			v = resolveOutOfRange(v, g.LowBound(i), g.HighBound(i), g.CircularMutation(i), bounce, false)
		}
		g.SetGene(i, v)
	}
	return mutated
}

// FrameShiftMutate picks one location and either deletes it (left-shift
// everything after it by one, leaving the last gene unchanged) or
// inserts at it (right-shift everything from it to the penultimate gene,
// dropping the last gene). Only gene values move; bounds and sigma stay.
func FrameShiftMutate(g *genome.Genome, mutationChance float64, r Randomiser) int {
	if mutationChance == 0 {
		return 0
	}
	if mutationChance < 1.0 && !r.CoinFlip(mutationChance) {
		return 0
	}
	length := g.Len()
	location := r.Int(0, length-1)
	if r.CoinFlip(0.5) {
		for i := location; i < length-1; i++ {
			g.SetGene(i, g.Gene(i+1))
		}
	} else {
		for i := length - 2; i >= location; i-- {
			g.SetGene(i+1, g.Gene(i))
		}
	}
	return 1
}

// DuplicationMutate copies a randomly sized segment starting at a random
// origin and overwrites a run of genes starting at a random insertion
// point, truncating at the genome's end.
func DuplicationMutate(g *genome.Genome, mutationChance float64, r Randomiser) int {
	if mutationChance == 0 {
		return 0
	}
	if mutationChance < 1.0 && !r.CoinFlip(mutationChance) {
		return 0
	}
	length := g.Len()
	origin := r.Int(0, length-1)
	var segLen int
	if length-origin == 1 {
		segLen = 1
	} else {
		segLen = r.Int(1, length-origin)
	}
	store := make([]float64, segLen)
	for i := 0; i < segLen; i++ {
		store[i] = g.Gene(origin + i)
	}
	insertion := r.Int(0, length-1)
	for i := 0; i < segLen; i++ {
		if insertion >= length {
			break
		}
		g.SetGene(insertion, store[i])
		insertion++
	}
	return 1
}
