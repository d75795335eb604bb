// Package evolve implements the single-threaded, cooperative GA core
// loop described in spec §4.8: fast/slow periodic work, one genome
// request drain and one score drain per iteration, a running-list keyed
// by runID with watchdog expiry, and periodic snapshotting.
package evolve

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Connerlevi/asyncga/internal/control"
	"github.com/Connerlevi/asyncga/internal/genome"
	"github.com/Connerlevi/asyncga/internal/mating"
	"github.com/Connerlevi/asyncga/internal/population"
	"github.com/Connerlevi/asyncga/internal/prefs"
	"github.com/Connerlevi/asyncga/internal/rng"
	"github.com/Connerlevi/asyncga/internal/server"
)

const (
	fastPeriodicInterval = 100 * time.Millisecond
	slowPeriodicInterval = 100 * time.Second
	idleSleep            = time.Microsecond
)

// Transport is the subset of *server.Server the GA loop needs; narrowed
// to an interface so the loop can be exercised with a fake in tests.
type Transport interface {
	NextGenomeRequest() (server.GenomeRequest, bool)
	NextScore() (server.ScoreReport, bool)
	SendGenome(sessionID string, runID uint32, genes []float64)
	ResolveSession(sessionID string) bool
	DisableGenomeRequests()
	ClearQueues()
}

// runRecord is one QUEUED_REQUEST/DISPATCHED entry in the running-list,
// per the state machine of spec §4.8.
type runRecord struct {
	Genome     *genome.Genome
	StartTime  time.Time
	SessionID  string
	SenderIP   uint32
	SenderPort uint32
}

// Loop owns both populations, the RNG, the running-list, and drives the
// GA core loop. Not safe for concurrent use — it is the sole owner of
// its populations, RNG and running-list, per spec §5.
type Loop struct {
	prefs            *prefs.Preferences
	startPopulation  *population.Population
	evolvePopulation *population.Population
	srv              Transport
	rng              *rng.Source
	log              *control.LeveledLogger
	stderr           io.Writer
	logFile          io.Writer
	outputDir        string
	evolveIdentifier uint64

	runningMu             sync.Mutex
	running               map[uint32]*runRecord
	submitCount           uint32
	startPopulationIndex  int

	returnCount         uint32
	lastProgressPercent  int
	lastBestFitness      float64
	haveLastBestFitness  bool

	shutdown atomic.Bool
}

// New builds a Loop ready to Run.
func New(p *prefs.Preferences, startPopulation, evolvePopulation *population.Population, srv Transport, r *rng.Source, log *control.LeveledLogger, stderr, logFile io.Writer, outputDir string, evolveIdentifier uint64) *Loop {
	return &Loop{
		prefs:            p,
		startPopulation:  startPopulation,
		evolvePopulation: evolvePopulation,
		srv:              srv,
		rng:              r,
		log:              log,
		stderr:           stderr,
		logFile:          logFile,
		outputDir:        outputDir,
		evolveIdentifier: evolveIdentifier,
		running:          make(map[uint32]*runRecord),
	}
}

// Stop sets the shutdown flag, checked at the top of every iteration;
// in-flight dispatches are not recalled (spec §5).
func (l *Loop) Stop() { l.shutdown.Store(true) }

// Run drives the loop until maxReproductions is reached, the shutdown
// flag is set (by Stop, a "stop" stdin command, or ctx cancellation),
// writing final snapshots before returning.
func (l *Loop) Run(ctx context.Context, stdinLines <-chan string) error {
	fastTicker := time.NewTicker(fastPeriodicInterval)
	slowTicker := time.NewTicker(slowPeriodicInterval)
	defer fastTicker.Stop()
	defer slowTicker.Stop()

	control.Progress(l.stderr, "Evolve Identifier", "%d", l.evolveIdentifier)

	for {
		select {
		case <-ctx.Done():
			l.shutdown.Store(true)
		case <-fastTicker.C:
			l.fastPeriodic(stdinLines)
		case <-slowTicker.C:
			l.watchdogSweep()
		default:
		}

		didWork := false
		if l.drainGenomeRequest() {
			didWork = true
		}
		if l.drainScore() {
			didWork = true
		}

		if l.shutdown.Load() || (l.prefs.MaxReproductions > 0 && l.returnCount >= uint32(l.prefs.MaxReproductions)) {
			break
		}
		if !didWork {
			time.Sleep(idleSleep)
		}
	}

	l.finalize()
	return nil
}

func (l *Loop) fastPeriodic(stdinLines <-chan string) {
	select {
	case line, ok := <-stdinLines:
		if ok {
			if cmd, matched := control.ParseCommand(line); matched {
				switch {
				case cmd.Stop:
					l.log.Errorf("stopped by user")
					l.shutdown.Store(true)
				case cmd.HasLogLevel:
					l.log.SetLevel(cmd.LogLevel)
					l.log.Logf(control.LevelHeadline, "log level changed", "level", cmd.LogLevel)
				}
			}
		}
	default:
	}

	if l.prefs.MaxReproductions > 0 {
		percent := int(l.returnCount) * 100 / l.prefs.MaxReproductions
		if percent != l.lastProgressPercent {
			control.Progress(l.stderr, "Progress", "%d", percent)
			l.lastProgressPercent = percent
		}
	}
}

func (l *Loop) watchdogSweep() {
	limit := time.Duration(l.prefs.WatchDogTimerLimit * float64(time.Second))
	now := time.Now()
	l.runningMu.Lock()
	defer l.runningMu.Unlock()
	for runID, rec := range l.running {
		if now.Sub(rec.StartTime) > limit {
			delete(l.running, runID)
			l.log.Logf(control.LevelDetail, "watchdog expired run",
				"runID", runID, "worker", server.AddressString(rec.SenderIP, rec.SenderPort))
		}
	}
}

// drainGenomeRequest services at most one queued req_gen_, per spec
// §4.8 step 3.
func (l *Loop) drainGenomeRequest() bool {
	req, ok := l.srv.NextGenomeRequest()
	if !ok {
		return false
	}

	var g *genome.Genome
	if l.startPopulationIndex < l.startPopulation.Size() {
		g = l.startPopulation.GetGenome(l.startPopulationIndex).Clone()
		l.startPopulationIndex++
	} else {
		source := l.evolvePopulation
		if source.Size() == 0 {
			source = l.startPopulation
		}
		g = l.mate(source)
	}

	runID := l.submitCount
	l.submitCount++
	l.runningMu.Lock()
	l.running[runID] = &runRecord{
		Genome:     g,
		StartTime:  time.Now(),
		SessionID:  req.SessionID,
		SenderIP:   req.Request.SenderIP,
		SenderPort: req.Request.SenderPort,
	}
	l.runningMu.Unlock()

	l.srv.ResolveSession(req.SessionID)
	l.srv.SendGenome(req.SessionID, runID, g.Genes())
	l.log.Logf(control.LevelDetail, "dispatched genome",
		"runID", runID, "worker", server.AddressString(req.Request.SenderIP, req.Request.SenderPort))
	return true
}

// mate builds one offspring per spec §4.3's composition rule: choose
// parent1; with probability crossoverChance choose parent2 and cross,
// else clone parent1; apply single- or multi-Gaussian, frameshift, and
// duplication in that order; repeat until at least one mutation lands.
func (l *Loop) mate(source *population.Population) *genome.Genome {
	for {
		parent1, _, _ := source.ChooseParent(l.rng)
		offspring := parent1.Clone()
		if l.rng.CoinFlip(l.prefs.CrossoverChance) {
			parent2, _, _ := source.ChooseParent(l.rng)
			mating.Mate(parent1, parent2, offspring, l.prefs.CrossoverType, l.rng)
		}

		mutated := 0
		if l.prefs.MultipleGaussian {
			mutated += mating.MultipleGaussianMutate(offspring, l.prefs.GaussianMutationChance, l.prefs.BounceMutation, l.rng)
		} else {
			mutated += mating.GaussianMutate(offspring, l.prefs.GaussianMutationChance, l.prefs.BounceMutation, l.rng)
		}
		mutated += mating.FrameShiftMutate(offspring, l.prefs.FrameShiftMutationChance, l.rng)
		mutated += mating.DuplicationMutate(offspring, l.prefs.DuplicationMutationChance, l.rng)

		if mutated > 0 {
			return offspring
		}
	}
}

// drainScore services at most one queued score___, per spec §4.8 step 4.
func (l *Loop) drainScore() bool {
	sr, ok := l.srv.NextScore()
	if !ok {
		return false
	}

	if sr.Request.EvolveIdentifier != l.evolveIdentifier {
		l.log.Logf(control.LevelPhase, "protocol: stale evolve identifier, discarding score", "runID", sr.Request.RunID)
		return true
	}

	l.runningMu.Lock()
	rec, found := l.running[sr.Request.RunID]
	if found {
		delete(l.running, sr.Request.RunID)
	}
	l.runningMu.Unlock()
	if !found {
		l.log.Logf(control.LevelPhase, "protocol: unknown runID, discarding score", "runID", sr.Request.RunID)
		return true
	}

	rec.Genome.SetFitness(sr.Request.Score)
	inserted := l.evolvePopulation.InsertGenome(rec.Genome, l.prefs.PopulationSize)
	l.returnCount++

	if l.returnCount%100 == 0 {
		control.Progress(l.stderr, "Return Count", "%d", l.returnCount)
	}

	if l.prefs.OutputStatsEvery > 0 && int(l.returnCount)%l.prefs.OutputStatsEvery == 0 {
		l.appendStats()
	}
	if inserted && l.prefs.SaveBestEvery > 0 && int(l.returnCount)%l.prefs.SaveBestEvery == 0 {
		if best := l.evolvePopulation.GetLastGenome(); best == rec.Genome {
			l.writeBestGenome()
			control.Progress(l.stderr, "Best Score", "%g", best.Fitness())
		}
	}
	if l.prefs.SavePopEvery > 0 && int(l.returnCount)%l.prefs.SavePopEvery == 0 {
		l.writePopulationSnapshot()
	}
	if l.prefs.ImprovementReproductions > 0 && int(l.returnCount)%l.prefs.ImprovementReproductions == 0 {
		best := l.evolvePopulation.GetLastGenome().Fitness()
		if l.haveLastBestFitness && math.Abs(best-l.lastBestFitness) < l.prefs.ImprovementThreshold {
			l.log.Logf(control.LevelHeadline, "improvement threshold not met, shutting down",
				"delta", math.Abs(best-l.lastBestFitness), "threshold", l.prefs.ImprovementThreshold)
			l.shutdown.Store(true)
		}
		l.lastBestFitness = best
		l.haveLastBestFitness = true
	}
	return true
}

func (l *Loop) bestGenomeFilename() string {
	return filepath.Join(l.outputDir, fmt.Sprintf("BestGenome_%012d.txt", l.returnCount))
}

func (l *Loop) populationFilename() string {
	return filepath.Join(l.outputDir, fmt.Sprintf("Population_%012d.txt", l.returnCount))
}

func (l *Loop) writeBestGenome() {
	filename := l.bestGenomeFilename()
	f, err := os.Create(filename)
	if err != nil {
		l.log.Errorf("create best genome snapshot failed", "file", filename, "err", err)
		return
	}
	defer f.Close()
	if err := l.evolvePopulation.GetLastGenome().WriteText(f); err != nil {
		l.log.Errorf("write best genome snapshot failed", "file", filename, "err", err)
		return
	}
	l.log.Logf(control.LevelPhase, "wrote best genome snapshot", "file", filename)
}

func (l *Loop) writePopulationSnapshot() {
	filename := l.populationFilename()
	f, err := os.Create(filename)
	if err != nil {
		l.log.Errorf("create population snapshot failed", "file", filename, "err", err)
		return
	}
	defer f.Close()
	if err := l.evolvePopulation.WriteTopN(f, l.prefs.OutputPopulationSize); err != nil {
		l.log.Errorf("write population snapshot failed", "file", filename, "err", err)
		return
	}
	l.log.Logf(control.LevelPhase, "wrote population snapshot", "file", filename)
}

// appendStats computes ten-percentile fitness statistics and appends
// them to the run log, per the supplemented periodic-stats feature.
func (l *Loop) appendStats() {
	pcts := TenPercentiles(l.evolvePopulation)
	fmt.Fprintf(l.logFile, "returnCount=%d tenPercentiles=%v\n", l.returnCount, pcts)
}

// TenPercentiles returns the fitness value at ranks 0%, 10%, ..., 100%
// of the population (ascending), 11 values total.
func TenPercentiles(p *population.Population) []float64 {
	n := p.Size()
	if n == 0 {
		return nil
	}
	out := make([]float64, 11)
	for i := 0; i <= 10; i++ {
		idx := i * (n - 1) / 10
		out[i] = p.GetGenome(idx).Fitness()
	}
	return out
}

// finalize writes final snapshots, prunes prior snapshots when
// configured, and disables/drains the server's queues (spec §4.8 exit).
func (l *Loop) finalize() {
	l.srv.DisableGenomeRequests()

	if l.evolvePopulation.Size() > 0 {
		l.writeBestGenome()
		l.writePopulationSnapshot()
	}

	if l.prefs.OnlyKeepBestGenome {
		if err := OnlyKeepLastMatching(l.outputDir, `^BestGenome_\d+\.txt$`); err != nil {
			l.log.Errorf("prune best genome snapshots failed", "err", err)
		}
	}
	if l.prefs.OnlyKeepBestPopulation {
		if err := OnlyKeepLastMatching(l.outputDir, `^Population_\d+\.txt$`); err != nil {
			l.log.Errorf("prune population snapshots failed", "err", err)
		}
	}

	l.srv.ClearQueues()
	l.log.Logf(control.LevelPhase, "evolve loop ended", "returnCount", l.returnCount)
}

// OnlyKeepLastMatching deletes every file in dir matching pattern
// except the lexicographically last, per the supplemented snapshot
// pruning feature.
func OnlyKeepLastMatching(dir, pattern string) error {
	re := regexp.MustCompile(pattern)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var matches []string
	for _, e := range entries {
		if !e.IsDir() && re.MatchString(e.Name()) {
			matches = append(matches, e.Name())
		}
	}
	if len(matches) <= 1 {
		return nil
	}
	sort.Strings(matches)
	for _, name := range matches[:len(matches)-1] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
