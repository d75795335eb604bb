// Package population implements the sorted-by-fitness, bounded,
// age-evicting container with top-K immortality described in spec §3/§4.4:
// a key→genome map plus a parallel sorted index, a FIFO ageList of
// evictable keys, and a sorted immortalIndex of at most K protected keys.
package population

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/Connerlevi/asyncga/internal/genome"
	"github.com/Connerlevi/asyncga/internal/mating"
)

// SelectionType selects how ChooseParent picks a rank over [0, N-1],
// where rank 0 is the worst member and N-1 the best.
type SelectionType int

const (
	Uniform SelectionType = iota
	RankBased
	SqrtBased
	GammaBased
)

// ResizeControl selects how ResizePopulation manufactures new members
// when growing the population.
type ResizeControl int

const (
	RandomiseResize ResizeControl = iota
	MutateResize
)

// Randomiser is the subset of rng.Source the population needs: uniform
// and biased draws for selection, randomisation and resize.
type Randomiser interface {
	Float64(a, b float64) float64
	Int(a, b int) int
	CoinFlip(p float64) bool
	UnitGaussian() float64
	RankBiasedInt(a, b int) int
	SqrtBiasedInt(a, b int) int
	GammaBiasedInt(a, b int, gamma float64) int
}

// Logger is the narrow logging surface population needs for its
// logic-error self-repair path; *zap.SugaredLogger satisfies it.
type Logger interface {
	Errorw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Errorw(string, ...interface{}) {}
func (nopLogger) Warnw(string, ...interface{})  {}

// Population is the ordered, bounded container described in spec §3.
// Not safe for concurrent use without external synchronisation; the GA
// core loop is documented as its sole owner (spec §5).
type Population struct {
	byKey         map[float64]*genome.Genome
	index         []float64 // ascending, unique
	ageList       []float64 // FIFO arrival order, evictable
	immortalIndex []float64 // ascending, size <= parentsToKeep

	selectionType SelectionType
	parentsToKeep int
	resizeControl ResizeControl
	gamma         float64
	minimizeScore bool
	bounceMutation bool

	duplicateFitnessWarned bool

	log Logger
}

// New builds an empty population. log may be nil, in which case a no-op
// logger is used.
func New(selectionType SelectionType, parentsToKeep int, resizeControl ResizeControl, gamma float64, minimizeScore, bounceMutation bool, log Logger) *Population {
	if log == nil {
		log = nopLogger{}
	}
	return &Population{
		byKey:          make(map[float64]*genome.Genome),
		selectionType:  selectionType,
		parentsToKeep:  parentsToKeep,
		resizeControl:  resizeControl,
		gamma:          gamma,
		minimizeScore:  minimizeScore,
		bounceMutation: bounceMutation,
		log:            log,
	}
}

// Size returns the current member count.
func (p *Population) Size() int { return len(p.index) }

// keyFor maps a raw fitness onto the internal sort key: higher key is
// always better, regardless of minimise/maximise mode.
func (p *Population) keyFor(fitness float64) float64 {
	if p.minimizeScore {
		return -fitness
	}
	return fitness
}

func insertSorted(s *[]float64, v float64) {
	i := sort.SearchFloat64s(*s, v)
	*s = append(*s, 0)
	copy((*s)[i+1:], (*s)[i:])
	(*s)[i] = v
}

func removeSorted(s *[]float64, v float64) {
	i := sort.SearchFloat64s(*s, v)
	if i < len(*s) && (*s)[i] == v {
		*s = append((*s)[:i], (*s)[i+1:]...)
	}
}

func removeFromSlice(s *[]float64, v float64) {
	for i, k := range *s {
		if k == v {
			*s = append((*s)[:i], (*s)[i+1:]...)
			return
		}
	}
}

// GetGenome returns the genome at ascending rank i (0 = worst).
func (p *Population) GetGenome(i int) *genome.Genome { return p.byKey[p.index[i]] }

// GetFirstGenome returns the worst member (lowest key).
func (p *Population) GetFirstGenome() *genome.Genome {
	if len(p.index) == 0 {
		return nil
	}
	return p.byKey[p.index[0]]
}

// GetLastGenome returns the best member (highest key).
func (p *Population) GetLastGenome() *genome.Genome {
	if len(p.index) == 0 {
		return nil
	}
	return p.byKey[p.index[len(p.index)-1]]
}

// ChooseParent selects a rank via the configured SelectionType and
// returns a deep copy of that member plus its rank. Per spec §9's
// design note, callers must never receive a live pointer into the
// population they might be inserting into concurrently.
func (p *Population) ChooseParent(r Randomiser) (*genome.Genome, int, bool) {
	n := len(p.index)
	if n == 0 {
		return nil, 0, false
	}
	var rank int
	switch p.selectionType {
	case Uniform:
		rank = r.Int(0, n-1)
	case RankBased:
		rank = r.RankBiasedInt(0, n-1)
	case SqrtBased:
		rank = r.SqrtBiasedInt(0, n-1)
	case GammaBased:
		rank = r.GammaBiasedInt(0, n-1, p.gamma)
	default:
		rank = r.Int(0, n-1)
	}
	return p.byKey[p.index[rank]].Clone(), rank, true
}

// removeKey deletes key from byKey and index (but not from ageList or
// immortalIndex — callers must already have removed it from whichever
// one held it).
func (p *Population) removeKey(key float64) {
	delete(p.byKey, key)
	removeSorted(&p.index, key)
}

// InsertGenome attempts to insert g keyed by its fitness (negated when
// minimising) into a population bounded at targetSize. Returns false if
// the key already exists (rejected as a duplicate, per spec §4.4 step 1).
func (p *Population) InsertGenome(g *genome.Genome, targetSize int) bool {
	key := p.keyFor(g.Fitness())
	if _, exists := p.byKey[key]; exists {
		return false
	}

	p.byKey[key] = g
	insertSorted(&p.index, key)

	switch {
	case p.parentsToKeep == 0:
		p.ageList = append(p.ageList, key)
	case len(p.immortalIndex) < p.parentsToKeep:
		insertSorted(&p.immortalIndex, key)
	case key > p.immortalIndex[0]:
		displaced := p.immortalIndex[0]
		p.immortalIndex = p.immortalIndex[1:]
		insertSorted(&p.immortalIndex, key)
		p.ageList = append(p.ageList, displaced)
	default:
		p.ageList = append(p.ageList, key)
	}

	for len(p.byKey) > targetSize {
		if len(p.ageList) == 0 {
			if len(p.index) == 0 {
				break
			}
			smallest := p.index[0]
			p.log.Errorw("logic error: ageList empty while population exceeds target size, self-repairing",
				"populationSize", len(p.byKey), "targetSize", targetSize, "removedKey", smallest)
			removeFromSlice(&p.immortalIndex, smallest)
			p.removeKey(smallest)
			continue
		}
		oldest := p.ageList[0]
		p.ageList = p.ageList[1:]
		p.removeKey(oldest)
	}
	return true
}

// Randomise applies genome.Randomise to every member in place.
func (p *Population) Randomise(r genome.Randomiser) {
	for _, g := range p.byKey {
		g.Randomise(r)
	}
}

// ResizePopulation grows or shrinks the population to targetSize.
// Growing manufactures new members from a template (the first/worst
// genome) via either a randomised copy (RandomiseResize) or a
// Gaussian-mutated copy guaranteed to carry at least one mutation
// (MutateResize), each assigned a key strictly above the current
// maximum. Shrinking repeatedly discards the smallest key.
func (p *Population) ResizePopulation(targetSize int, r Randomiser) {
	for len(p.index) < targetSize {
		template := p.GetFirstGenome()
		if template == nil {
			return
		}
		candidate := template.Clone()
		switch p.resizeControl {
		case RandomiseResize:
			candidate.Randomise(r)
		case MutateResize:
			for mating.GaussianMutate(candidate, 1.0, p.bounceMutation, r) == 0 {
			}
		}
		maxKey := math.Inf(-1)
		if len(p.index) > 0 {
			maxKey = p.index[len(p.index)-1]
		}
		newKey := math.Nextafter(maxKey, math.Inf(1))
		if p.minimizeScore {
			candidate.SetFitness(-newKey)
		} else {
			candidate.SetFitness(newKey)
		}
		p.InsertGenome(candidate, targetSize+1) // avoid self-eviction mid-grow
	}
	for len(p.index) > targetSize {
		smallest := p.index[0]
		removeFromSlice(&p.immortalIndex, smallest)
		removeFromSlice(&p.ageList, smallest)
		p.removeKey(smallest)
	}
}

// WritePopulation writes the population header (count) followed by
// every member in descending key order (fittest first), per spec §6.
func (p *Population) WritePopulation(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d\n", len(p.index)); err != nil {
		return err
	}
	for i := len(p.index) - 1; i >= 0; i-- {
		g := p.byKey[p.index[i]]
		if err := g.WriteText(w); err != nil {
			return err
		}
	}
	return nil
}

// WriteTopN writes the header (min(n, Size())) followed by the n
// fittest members in descending key order, for bounded snapshot files.
func (p *Population) WriteTopN(w io.Writer, n int) error {
	if n > len(p.index) {
		n = len(p.index)
	}
	if _, err := fmt.Fprintf(w, "%d\n", n); err != nil {
		return err
	}
	for i, written := len(p.index)-1, 0; i >= 0 && written < n; i, written = i-1, written+1 {
		if err := p.byKey[p.index[i]].WriteText(w); err != nil {
			return err
		}
	}
	return nil
}

// ReadPopulation reads the header count and that many genomes, inserting
// each via InsertGenome against targetSize. A raw fitness that collides
// with an existing key is replaced with a synthetic U(0,1) fitness and
// logged once per population.
func (p *Population) ReadPopulation(rd io.Reader, targetSize int, r Randomiser) error {
	tokens := genome.NewTokens(rd)
	count, err := tokens.NextInt()
	if err != nil {
		return fmt.Errorf("read population count: %w", err)
	}
	for i := 0; i < count; i++ {
		g, err := genome.ReadTextTokens(tokens)
		if err != nil {
			return fmt.Errorf("read genome %d: %w", i, err)
		}
		key := p.keyFor(g.Fitness())
		if _, exists := p.byKey[key]; exists {
			if !p.duplicateFitnessWarned {
				p.log.Warnw("duplicate fitness on population load, assigning synthetic fitness", "genomeIndex", i)
				p.duplicateFitnessWarned = true
			}
			synthetic := r.Float64(0, 1)
			if p.minimizeScore {
				synthetic = -synthetic
			}
			g.SetFitness(synthetic)
		}
		p.InsertGenome(g, targetSize)
	}
	return nil
}
