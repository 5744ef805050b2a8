// Package log provides the leveled, structured, key-value logger used
// throughout the monitor. It mirrors the shape of the teacher's log
// package: a package-level root Logger, Logger.New(ctx...) for child
// loggers carrying fixed fields, and a Crit level that logs then exits —
// used at the fatal-error boundaries of the orchestrator.
package log

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is a log severity level, ordered most to least severe.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

var levelColor = map[Lvl]*color.Color{
	LvlCrit:  color.New(color.FgRed, color.Bold),
	LvlError: color.New(color.FgRed),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.FgMagenta),
}

// Logger is the interface every component depends on. Components obtain a
// child logger via New so every line they emit carries fixed context
// (e.g. "component", "blockfetcher") without repeating it at each call.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	New(ctx ...interface{}) Logger
}

type logger struct {
	ctx []interface{}
}

var (
	mu          sync.Mutex
	minLevel    = LvlInfo
	out         = colorable.NewColorableStdout()
	useColor    = isatty.IsTerminal(os.Stdout.Fd())
	jsonOutput  = false
	defaultLog  Logger = &logger{}
	callerDepth        = 3
)

// SetLevel sets the minimum level emitted by the root logger and all its
// children. Intended to be called once at startup from CLI flags.
func SetLevel(l Lvl) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// SetJSON switches the handler to one-object-per-line JSON, matching the
// conventional geth "--log.json" flag. Useful when the monitor's stdout is
// consumed by another process rather than a terminal.
func SetJSON(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	jsonOutput = enabled
}

// New returns a child of the root logger with ctx appended to every line it
// emits.
func New(ctx ...interface{}) Logger { return defaultLog.New(ctx...) }

func Trace(msg string, ctx ...interface{}) { defaultLog.Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { defaultLog.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { defaultLog.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { defaultLog.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { defaultLog.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { defaultLog.Crit(msg, ctx...) }

func (l *logger) New(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{ctx: merged}
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }

func (l *logger) Crit(msg string, ctx ...interface{}) {
	l.write(LvlCrit, msg, ctx)
	os.Exit(1)
}

func (l *logger) write(lvl Lvl, msg string, extra []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if lvl > minLevel {
		return
	}
	all := make([]interface{}, 0, len(l.ctx)+len(extra))
	all = append(all, l.ctx...)
	all = append(all, extra...)
	if jsonOutput {
		writeJSON(out, lvl, msg, all)
		return
	}
	writeTerm(out, lvl, msg, all)
}

func writeTerm(w fmt2Writer, lvl Lvl, msg string, ctx []interface{}) {
	ts := time.Now().Format("2006-01-02T15:04:05.000")
	lvlStr := fmt.Sprintf("%-5s", lvl.String())
	if useColor {
		if c, ok := levelColor[lvl]; ok {
			lvlStr = c.Sprintf("%-5s", lvl.String())
		}
	}
	fmt.Fprintf(w, "%s [%s] %s", ts, lvlStr, msg)
	for i := 0; i+1 < len(ctx); i += 2 {
		fmt.Fprintf(w, " %v=%v", ctx[i], ctx[i+1])
	}
	if len(ctx)%2 == 1 {
		fmt.Fprintf(w, " %v=MISSING", ctx[len(ctx)-1])
	}
	fmt.Fprintln(w)
}

func writeJSON(w fmt2Writer, lvl Lvl, msg string, ctx []interface{}) {
	fmt.Fprintf(w, `{"t":%q,"lvl":%q,"msg":%q`, time.Now().UTC().Format(time.RFC3339Nano), lvl.String(), msg)
	for i := 0; i+1 < len(ctx); i += 2 {
		fmt.Fprintf(w, `,%q:%q`, fmt.Sprint(ctx[i]), fmt.Sprint(ctx[i+1]))
	}
	fmt.Fprintln(w, "}")
}

type fmt2Writer interface {
	Write(p []byte) (n int, err error)
}

// CallerStack is exposed for components that want to attach a caller frame
// to a Crit-level log before exiting, matching the teacher's use of
// go-stack/stack in panic/fatal paths.
func CallerStack() string {
	return fmt.Sprintf("%+v", stack.Caller(callerDepth))
}
