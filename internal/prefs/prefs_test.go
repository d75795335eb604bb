package prefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Connerlevi/asyncga/internal/mating"
	"github.com/Connerlevi/asyncga/internal/population"
)

func writeParamFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "params.txt")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write param file: %v", err)
	}
	return path
}

const validBody = `
genomeLength 20
populationSize 100
maxReproductions 1000000
gaussianMutationChance 0.1
frameShiftMutationChance 0.01
duplicationMutationChance 0.01
crossoverChance 0.7
parentsToKeep 5
saveBestEvery 100
savePopEvery 1000
outputStatsEvery 100
onlyKeepBestGenome true
onlyKeepBestPopulation false
improvementReproductions 10000
improvementThreshold 0.0001
multipleGaussian false
randomiseModel true
outputPopulationSize 100
watchDogTimerLimit 300
parentSelection RankBasedSelection
gamma 0.5
crossoverType Average
circularMutation false
bounceMutation true
minimizeScore false
resizeControl MutateResize
startingPopulation seed.txt
`

func TestReadPreferencesValidFile(t *testing.T) {
	path := writeParamFile(t, validBody)
	p := Default()
	if err := p.ReadPreferences(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.GenomeLength != 20 {
		t.Fatalf("expected genomeLength 20, got %d", p.GenomeLength)
	}
	if p.ParentSelection != population.RankBased {
		t.Fatalf("expected RankBased, got %v", p.ParentSelection)
	}
	if p.CrossoverType != mating.Average {
		t.Fatalf("expected Average, got %v", p.CrossoverType)
	}
	if p.ResizeControl != population.MutateResize {
		t.Fatalf("expected MutateResize, got %v", p.ResizeControl)
	}
	if p.StartingPopulation != "seed.txt" {
		t.Fatalf("expected startingPopulation seed.txt, got %q", p.StartingPopulation)
	}
}

func TestReadPreferencesMissingStartingPopulationIsNotError(t *testing.T) {
	path := writeParamFile(t, validBody) // has it; test the field is genuinely optional by removing it
	body := validBody[:len(validBody)-len("startingPopulation seed.txt\n")]
	path = writeParamFile(t, body)
	p := Default()
	if err := p.ReadPreferences(path); err != nil {
		t.Fatalf("unexpected error with no startingPopulation: %v", err)
	}
	if p.StartingPopulation != "" {
		t.Fatalf("expected empty StartingPopulation, got %q", p.StartingPopulation)
	}
	_ = path
}

func TestReadPreferencesMissingRequiredKeyReturnsLineError(t *testing.T) {
	path := writeParamFile(t, "populationSize 100\n")
	p := Default()
	err := p.ReadPreferences(path)
	if err == nil {
		t.Fatalf("expected error for missing genomeLength")
	}
	le, ok := err.(*LineError)
	if !ok {
		t.Fatalf("expected *LineError, got %T", err)
	}
	if le.Line == 0 {
		t.Fatalf("expected a non-zero source line")
	}
}

func TestReadPreferencesUnrecognisedEnumValue(t *testing.T) {
	body := validBody
	// appending a bad crossoverType token does not corrupt the first one
	body = body[:len(body)]
	path := writeParamFile(t, body+"\ncrossoverType Bogus\n")
	p := Default()
	// Since find() returns the FIRST occurrence, append won't override;
	// instead build a fresh body with a bad value directly.
	bad := `
genomeLength 1
populationSize 10
maxReproductions 1
gaussianMutationChance 0
frameShiftMutationChance 0
duplicationMutationChance 0
crossoverChance 0
parentsToKeep 0
saveBestEvery 1
savePopEvery 1
outputStatsEvery 1
onlyKeepBestGenome false
onlyKeepBestPopulation false
improvementReproductions 1
improvementThreshold 0
multipleGaussian false
randomiseModel false
outputPopulationSize 1
watchDogTimerLimit 1
parentSelection Bogus
`
	path = writeParamFile(t, bad)
	if err := p.ReadPreferences(path); err == nil {
		t.Fatalf("expected error for unrecognised parentSelection value")
	}
}

func TestReadPreferencesRejectsParentsToKeepAtOrAbovePopulationSize(t *testing.T) {
	bad := `
genomeLength 1
populationSize 5
maxReproductions 1
gaussianMutationChance 0
frameShiftMutationChance 0
duplicationMutationChance 0
crossoverChance 0
parentsToKeep 5
saveBestEvery 1
savePopEvery 1
outputStatsEvery 1
onlyKeepBestGenome false
onlyKeepBestPopulation false
improvementReproductions 1
improvementThreshold 0
multipleGaussian false
randomiseModel false
outputPopulationSize 1
watchDogTimerLimit 1
parentSelection RankBasedSelection
gamma 0.5
crossoverType Average
circularMutation false
bounceMutation true
minimizeScore false
resizeControl MutateResize
`
	path := writeParamFile(t, bad)
	p := Default()
	if err := p.ReadPreferences(path); err == nil {
		t.Fatalf("expected error when parentsToKeep >= populationSize")
	}
}
