// Package control implements the line-oriented stdin command protocol,
// the stderr key=value progress feed, and the runtime-adjustable stdout
// log level described in spec §4.9.
package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// Command is a parsed stdin directive: either "stop" or "log<N>".
type Command struct {
	Stop        bool
	LogLevel    int
	HasLogLevel bool
}

// ParseCommand interprets one stdin line. The second return is false
// for blank or unrecognised lines, which callers should silently ignore.
func ParseCommand(line string) (Command, bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "stop":
		return Command{Stop: true}, true
	case strings.HasPrefix(line, "log"):
		n, err := strconv.Atoi(strings.TrimPrefix(line, "log"))
		if err != nil {
			return Command{}, false
		}
		return Command{HasLogLevel: true, LogLevel: n}, true
	default:
		return Command{}, false
	}
}

// WatchStdin starts a goroutine scanning r line by line and returns a
// channel of raw lines; it closes the channel when r is exhausted or
// ctx is cancelled. The GA loop polls this channel non-blockingly as
// its "fast periodic work" (spec §4.8 step 1).
func WatchStdin(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// Progress writes one key=value progress line to w (normally stderr),
// in the format the external launcher is documented to recognise:
// Progress, Return Count, Best Score, Evolve Identifier.
func Progress(w io.Writer, key string, format string, args ...interface{}) {
	fmt.Fprintf(w, "%s=%s\n", key, fmt.Sprintf(format, args...))
}

// Level thresholds for LeveledLogger: 0 = errors and headlines,
// 1 = phase boundaries, 2 = per-message detail.
const (
	LevelHeadline = 0
	LevelPhase    = 1
	LevelDetail   = 2
)

// LeveledLogger gates zap logging by the spec's 0/1/2 verbosity scheme,
// independent of zap's own Debug/Info/Warn/Error levels; SetLevel is
// safe to call concurrently with Logf (driven by a "log<N>" command
// arriving on a different goroutine than the GA loop's own logging).
type LeveledLogger struct {
	log       *zap.SugaredLogger
	threshold atomic.Int32
}

// NewLeveledLogger wraps log with an initial verbosity threshold.
func NewLeveledLogger(log *zap.SugaredLogger, initialLevel int) *LeveledLogger {
	l := &LeveledLogger{log: log}
	l.threshold.Store(int32(initialLevel))
	return l
}

// SetLevel updates the verbosity threshold at runtime (from "log<N>").
func (l *LeveledLogger) SetLevel(level int) { l.threshold.Store(int32(level)) }

// Level returns the current verbosity threshold.
func (l *LeveledLogger) Level() int { return int(l.threshold.Load()) }

// Logf emits msg at level only if level is at or below the current
// threshold; errors always log regardless of threshold.
func (l *LeveledLogger) Logf(level int, msg string, keysAndValues ...interface{}) {
	if int32(level) > l.threshold.Load() {
		return
	}
	l.log.Infow(msg, keysAndValues...)
}

// Errorf always logs, independent of the verbosity threshold.
func (l *LeveledLogger) Errorf(msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, keysAndValues...)
}
