// Package prefs reads the whitespace-token parameter file described in
// spec §4.5/§6: find a named token, read the next token as the typed
// value. Required keys missing or malformed abort startup with an error
// that carries the source line of the failing check, matching the
// original implementation's "exit code == failing line number"
// convention (see LineError).
package prefs

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/Connerlevi/asyncga/internal/mating"
	"github.com/Connerlevi/asyncga/internal/population"
)

// LineError wraps a configuration failure with the source line of the
// check that raised it, so cmd/asyncga can exit with that line number
// per spec §6/§7.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("%v (line %d)", e.Err, e.Line) }
func (e *LineError) Unwrap() error { return e.Err }

func lineErrorf(skip int, format string, args ...interface{}) error {
	_, _, line, _ := runtime.Caller(skip + 1)
	return &LineError{Line: line, Err: fmt.Errorf(format, args...)}
}

// Preferences holds every run parameter from spec §4.5.
type Preferences struct {
	GenomeLength               int
	PopulationSize             int
	MaxReproductions           int
	GaussianMutationChance     float64
	FrameShiftMutationChance   float64
	DuplicationMutationChance  float64
	CrossoverChance            float64
	ParentsToKeep              int
	SaveBestEvery              int
	SavePopEvery               int
	OutputStatsEvery           int
	OnlyKeepBestGenome         bool
	OnlyKeepBestPopulation     bool
	ImprovementReproductions  int
	ImprovementThreshold       float64
	MultipleGaussian           bool
	RandomiseModel             bool
	OutputPopulationSize       int
	WatchDogTimerLimit         float64
	ParentSelection            population.SelectionType
	Gamma                      float64
	CrossoverType              mating.CrossoverType
	CircularMutation           bool
	BounceMutation             bool
	MinimizeScore              bool
	ResizeControl              population.ResizeControl
	StartingPopulation         string // optional, CLI-overridable
}

// Default returns a Preferences with the same field defaults as the
// original C++ Preferences class.
func Default() *Preferences {
	return &Preferences{
		ParentSelection: population.RankBased,
		CrossoverType:   mating.Average,
		WatchDogTimerLimit: 300,
		Gamma:           0.5,
		BounceMutation:  true,
		ResizeControl:   population.MutateResize,
	}
}

// tokenFile is the whole parameter file split into whitespace-delimited
// tokens; find scans for a literal key token and returns the token that
// follows it, matching "find a named token, read the next token" (§4.5).
type tokenFile struct {
	tokens []string
}

func loadTokenFile(path string) (*tokenFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	sc.Split(bufio.ScanWords)
	var tokens []string
	for sc.Scan() {
		tokens = append(tokens, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return &tokenFile{tokens: tokens}, nil
}

func (t *tokenFile) find(name string) (string, bool) {
	for i, tok := range t.tokens {
		if tok == name && i+1 < len(t.tokens) {
			return t.tokens[i+1], true
		}
	}
	return "", false
}

func (t *tokenFile) reqInt(name string) (int, error) {
	v, ok := t.find(name)
	if !ok {
		return 0, lineErrorf(1, "missing required parameter %q", name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, lineErrorf(1, "invalid integer for %q: %v", name, err)
	}
	return n, nil
}

func (t *tokenFile) reqFloat(name string) (float64, error) {
	v, ok := t.find(name)
	if !ok {
		return 0, lineErrorf(1, "missing required parameter %q", name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, lineErrorf(1, "invalid float for %q: %v", name, err)
	}
	return f, nil
}

func (t *tokenFile) reqBool(name string) (bool, error) {
	v, ok := t.find(name)
	if !ok {
		return false, lineErrorf(1, "missing required parameter %q", name)
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, lineErrorf(1, "invalid boolean for %q: %v", name, err)
	}
	return b, nil
}

// ReadPreferences populates p from the parameter file at path, following
// the exact required-key order of the original Preferences::ReadPreferences,
// then the three enum-string keys and the trailing flags, then the
// optional startingPopulation key. The first failing check's source line
// becomes the wrapped LineError's Line.
func (p *Preferences) ReadPreferences(path string) error {
	tf, err := loadTokenFile(path)
	if err != nil {
		return lineErrorf(0, "open parameter file %s: %v", path, err)
	}

	var e error
	if p.GenomeLength, e = tf.reqInt("genomeLength"); e != nil {
		return e
	}
	if p.PopulationSize, e = tf.reqInt("populationSize"); e != nil {
		return e
	}
	if p.MaxReproductions, e = tf.reqInt("maxReproductions"); e != nil {
		return e
	}
	if p.GaussianMutationChance, e = tf.reqFloat("gaussianMutationChance"); e != nil {
		return e
	}
	if p.FrameShiftMutationChance, e = tf.reqFloat("frameShiftMutationChance"); e != nil {
		return e
	}
	if p.DuplicationMutationChance, e = tf.reqFloat("duplicationMutationChance"); e != nil {
		return e
	}
	if p.CrossoverChance, e = tf.reqFloat("crossoverChance"); e != nil {
		return e
	}
	if p.ParentsToKeep, e = tf.reqInt("parentsToKeep"); e != nil {
		return e
	}
	if p.SaveBestEvery, e = tf.reqInt("saveBestEvery"); e != nil {
		return e
	}
	if p.SavePopEvery, e = tf.reqInt("savePopEvery"); e != nil {
		return e
	}
	if p.OutputStatsEvery, e = tf.reqInt("outputStatsEvery"); e != nil {
		return e
	}
	if p.OnlyKeepBestGenome, e = tf.reqBool("onlyKeepBestGenome"); e != nil {
		return e
	}
	if p.OnlyKeepBestPopulation, e = tf.reqBool("onlyKeepBestPopulation"); e != nil {
		return e
	}
	if p.ImprovementReproductions, e = tf.reqInt("improvementReproductions"); e != nil {
		return e
	}
	if p.ImprovementThreshold, e = tf.reqFloat("improvementThreshold"); e != nil {
		return e
	}
	if p.MultipleGaussian, e = tf.reqBool("multipleGaussian"); e != nil {
		return e
	}
	if p.RandomiseModel, e = tf.reqBool("randomiseModel"); e != nil {
		return e
	}
	if p.OutputPopulationSize, e = tf.reqInt("outputPopulationSize"); e != nil {
		return e
	}
	if p.WatchDogTimerLimit, e = tf.reqFloat("watchDogTimerLimit"); e != nil {
		return e
	}

	selStr, ok := tf.find("parentSelection")
	if !ok {
		return lineErrorf(0, "missing required parameter %q", "parentSelection")
	}
	switch selStr {
	case "UniformSelection":
		p.ParentSelection = population.Uniform
	case "RankBasedSelection":
		p.ParentSelection = population.RankBased
	case "SqrtBasedSelection":
		p.ParentSelection = population.SqrtBased
	case "GammaBasedSelection":
		p.ParentSelection = population.GammaBased
	default:
		return lineErrorf(0, "unrecognised parentSelection value %q", selStr)
	}

	if p.Gamma, e = tf.reqFloat("gamma"); e != nil {
		return e
	}

	xoverStr, ok := tf.find("crossoverType")
	if !ok {
		return lineErrorf(0, "missing required parameter %q", "crossoverType")
	}
	switch xoverStr {
	case "OnePoint":
		p.CrossoverType = mating.OnePoint
	case "Average":
		p.CrossoverType = mating.Average
	default:
		return lineErrorf(0, "unrecognised crossoverType value %q", xoverStr)
	}

	if p.CircularMutation, e = tf.reqBool("circularMutation"); e != nil {
		return e
	}
	if p.BounceMutation, e = tf.reqBool("bounceMutation"); e != nil {
		return e
	}
	if p.MinimizeScore, e = tf.reqBool("minimizeScore"); e != nil {
		return e
	}

	resizeStr, ok := tf.find("resizeControl")
	if !ok {
		return lineErrorf(0, "missing required parameter %q", "resizeControl")
	}
	switch resizeStr {
	case "RandomiseResize":
		p.ResizeControl = population.RandomiseResize
	case "MutateResize":
		p.ResizeControl = population.MutateResize
	default:
		return lineErrorf(0, "unrecognised resizeControl value %q", resizeStr)
	}

	// optional: missing startingPopulation is not an error
	if sp, ok := tf.find("startingPopulation"); ok {
		p.StartingPopulation = sp
	}

	if p.ParentsToKeep >= p.PopulationSize {
		return lineErrorf(0, "parentsToKeep (%d) must be less than populationSize (%d)", p.ParentsToKeep, p.PopulationSize)
	}

	return nil
}

// String renders every field back out for the log.txt header, in the
// same spirit as the original GetPreferencesString. The three enum
// fields are written as their numeric values.
func (p *Preferences) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "genomeLength\t%d\n", p.GenomeLength)
	fmt.Fprintf(&b, "populationSize\t%d\n", p.PopulationSize)
	fmt.Fprintf(&b, "maxReproductions\t%d\n", p.MaxReproductions)
	fmt.Fprintf(&b, "gaussianMutationChance\t%g\n", p.GaussianMutationChance)
	fmt.Fprintf(&b, "frameShiftMutationChance\t%g\n", p.FrameShiftMutationChance)
	fmt.Fprintf(&b, "duplicationMutationChance\t%g\n", p.DuplicationMutationChance)
	fmt.Fprintf(&b, "crossoverChance\t%g\n", p.CrossoverChance)
	fmt.Fprintf(&b, "parentsToKeep\t%d\n", p.ParentsToKeep)
	fmt.Fprintf(&b, "saveBestEvery\t%d\n", p.SaveBestEvery)
	fmt.Fprintf(&b, "savePopEvery\t%d\n", p.SavePopEvery)
	fmt.Fprintf(&b, "outputStatsEvery\t%d\n", p.OutputStatsEvery)
	fmt.Fprintf(&b, "onlyKeepBestGenome\t%v\n", p.OnlyKeepBestGenome)
	fmt.Fprintf(&b, "onlyKeepBestPopulation\t%v\n", p.OnlyKeepBestPopulation)
	fmt.Fprintf(&b, "improvementReproductions\t%d\n", p.ImprovementReproductions)
	fmt.Fprintf(&b, "improvementThreshold\t%g\n", p.ImprovementThreshold)
	fmt.Fprintf(&b, "multipleGaussian\t%v\n", p.MultipleGaussian)
	fmt.Fprintf(&b, "randomiseModel\t%v\n", p.RandomiseModel)
	fmt.Fprintf(&b, "outputPopulationSize\t%d\n", p.OutputPopulationSize)
	fmt.Fprintf(&b, "watchDogTimerLimit\t%g\n", p.WatchDogTimerLimit)
	fmt.Fprintf(&b, "parentSelection\t%d\n", p.ParentSelection)
	fmt.Fprintf(&b, "gamma\t%g\n", p.Gamma)
	fmt.Fprintf(&b, "crossoverType\t%d\n", p.CrossoverType)
	fmt.Fprintf(&b, "circularMutation\t%v\n", p.CircularMutation)
	fmt.Fprintf(&b, "bounceMutation\t%v\n", p.BounceMutation)
	fmt.Fprintf(&b, "minimizeScore\t%v\n", p.MinimizeScore)
	fmt.Fprintf(&b, "resizeControl\t%d\n", p.ResizeControl)
	fmt.Fprintf(&b, "startingPopulation\t%s\n", p.StartingPopulation)
	return b.String()
}
