// Command asyncga runs the distributed asynchronous genetic-algorithm
// coordinator: it reads a parameter file and starting population, loads
// the base XML model, listens for worker TCP sessions, and drives the
// single-threaded GA core loop until maxReproductions or a stop command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/Connerlevi/asyncga/internal/control"
	"github.com/Connerlevi/asyncga/internal/evolve"
	"github.com/Connerlevi/asyncga/internal/population"
	"github.com/Connerlevi/asyncga/internal/prefs"
	"github.com/Connerlevi/asyncga/internal/rng"
	"github.com/Connerlevi/asyncga/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		parameterFile      = flag.String("parameterFile", "", "parameter file specifying the GA options (required)")
		baseXMLFile        = flag.String("baseXMLFile", "", "base XML file that is optimised (required)")
		startingPopulation = flag.String("startingPopulation", "", "starting population file (required)")
		serverPort         = flag.Int("serverPort", 0, "TCP port to listen on (required)")
		outputDirectory    = flag.String("outputDirectory", "", "output directory [uses current date & time]")
		logLevel           = flag.Int("logLevel", 0, "0, 1, 2 output more detail with higher numbers")
	)
	flag.Parse()

	if *parameterFile == "" || *baseXMLFile == "" || *startingPopulation == "" || *serverPort == 0 {
		fmt.Fprintln(os.Stderr, "parameterFile, baseXMLFile, startingPopulation and serverPort are required")
		flag.Usage()
		return 1
	}

	raiseFileLimit()

	outputDir := *outputDirectory
	if outputDir == "" {
		outputDir = "Run_" + time.Now().Format("2006-01-02_15.04.05")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create output directory %s: %v\n", outputDir, err)
		return 1
	}

	logFile, err := os.Create(filepath.Join(outputDir, "log.txt"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "create log.txt: %v\n", err)
		return 1
	}
	defer logFile.Close()

	atomicLevel := zap.NewAtomicLevelAt(zapcore.DebugLevel)
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)
	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), atomicLevel),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(logFile), atomicLevel),
	)
	zapLogger := zap.New(core)
	defer zapLogger.Sync()
	sugared := zapLogger.Sugar()
	leveled := control.NewLeveledLogger(sugared, *logLevel)

	if err := mainRun(sugared, leveled, logFile, *parameterFile, *baseXMLFile, *startingPopulation, *serverPort, outputDir); err != nil {
		var lineErr *prefs.LineError
		if errors.As(err, &lineErr) {
			leveled.Errorf(err.Error())
			return lineErr.Line
		}
		leveled.Errorf(err.Error())
		return 1
	}
	return 0
}

func raiseFileLimit() {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return
	}
	if rlim.Cur < rlim.Max {
		rlim.Cur = rlim.Max
		_ = unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim)
	}
}

func mainRun(log *zap.SugaredLogger, leveled *control.LeveledLogger, logFile io.Writer, parameterFile, baseXMLFile, startingPopulationPath string, serverPort int, outputDir string) error {
	xmlBlob, err := os.ReadFile(baseXMLFile)
	if err != nil {
		return fmt.Errorf("read base XML file %s: %w", baseXMLFile, err)
	}
	if len(xmlBlob) == 0 {
		return fmt.Errorf("base XML file %s is empty", baseXMLFile)
	}

	p := prefs.Default()
	if err := p.ReadPreferences(parameterFile); err != nil {
		return fmt.Errorf("read parameter file %s: %w", parameterFile, err)
	}
	control.Progress(os.Stderr, "Parameter File", "%s read", parameterFile)
	fmt.Fprintf(logFile, "parameterFile %q\n%s\n", parameterFile, p.String())

	if startingPopulationPath != "" {
		p.StartingPopulation = startingPopulationPath
	}

	r := rng.New(time.Now().UnixNano())

	startPopulation := population.New(p.ParentSelection, p.ParentsToKeep, p.ResizeControl, p.Gamma, p.MinimizeScore, p.BounceMutation, log)
	popFile, err := os.Open(p.StartingPopulation)
	if err != nil {
		return fmt.Errorf("open starting population %s: %w", p.StartingPopulation, err)
	}
	readErr := startPopulation.ReadPopulation(popFile, p.PopulationSize, r)
	popFile.Close()
	if readErr != nil {
		return fmt.Errorf("read starting population %s: %w", p.StartingPopulation, readErr)
	}
	control.Progress(os.Stderr, "Starting Population", "%s read", p.StartingPopulation)

	if startPopulation.Size() != p.PopulationSize {
		leveled.Logf(control.LevelHeadline, "starting population size does not match populationSize, resizing",
			"have", startPopulation.Size(), "want", p.PopulationSize)
		startPopulation.ResizePopulation(p.PopulationSize, r)
	}
	if startPopulation.GetGenome(0).Len() != p.GenomeLength {
		return fmt.Errorf("starting population genome length %d does not match genomeLength %d",
			startPopulation.GetGenome(0).Len(), p.GenomeLength)
	}
	if p.RandomiseModel {
		startPopulation.Randomise(r)
	}

	evolvePopulation := population.New(p.ParentSelection, p.ParentsToKeep, p.ResizeControl, p.Gamma, p.MinimizeScore, p.BounceMutation, log)

	evolveIdentifier := uint64(time.Now().Unix())
	leveled.Logf(control.LevelHeadline, "evolve identifier assigned", "evolveIdentifier", evolveIdentifier)

	rateLimiter := server.NewTokenBucket(600)
	srv := server.New(log, xmlBlob, evolveIdentifier, rateLimiter)

	loop := evolve.New(p, startPopulation, evolvePopulation, srv, r, leveled, os.Stderr, logFile, outputDir, evolveIdentifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stdinLines := control.WatchStdin(ctx, os.Stdin)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, serverPort)
	})
	g.Go(func() error {
		err := loop.Run(gctx, stdinLines)
		stop() // the GA loop finishing is itself a shutdown signal for Serve
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
