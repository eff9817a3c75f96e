// Package dirlog is a small leveled logger in the shape the gtos tree uses
// everywhere ("github.com/tos-network/gtos/log"): a package-level Root
// logger, New(ctx...) child loggers carrying structured key/value context,
// and Trace/Debug/Info/Warn/Error/Crit methods. Concrete callers were never
// part of the retrieved teacher sources, so this reimplements the shape
// actually referenced throughout that tree, backed by go-stack/stack for
// caller capture on Crit.
package dirlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is a logging severity, ordered least to most severe... inverted,
// matching log15 convention: lower value is more severe.
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
		return "crit"
	case LvlError:
		return "error"
	case LvlWarn:
		return "warn"
	case LvlInfo:
		return "info"
	case LvlDebug:
		return "debug"
	case LvlTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// Record is one emitted log line.
type Record struct {
	Time  time.Time
	Lvl   Lvl
	Msg   string
	Ctx   []interface{}
	Call  stack.Call
}

// Handler processes log records.
type Handler interface {
	Log(r *Record) error
}

// Logger emits leveled, contextual log records.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	New(ctx ...interface{}) Logger
	SetHandler(h Handler)
}

type logger struct {
	ctx []interface{}
	mu  sync.Mutex
	h   Handler
}

// New creates a freestanding logger carrying ctx as structured key/value
// pairs attached to every record it emits.
func New(ctx ...interface{}) Logger {
	return &logger{ctx: normalize(ctx), h: StreamHandler(os.Stderr, TerminatorFormat)}
}

func normalize(ctx []interface{}) []interface{} {
	if len(ctx)%2 != 0 {
		ctx = append(ctx, nil)
	}
	return ctx
}

func (l *logger) write(lvl Lvl, msg string, ctx []interface{}) {
	l.mu.Lock()
	h := l.h
	l.mu.Unlock()
	if h == nil {
		return
	}
	r := &Record{
		Time: time.Now(),
		Lvl:  lvl,
		Msg:  msg,
		Ctx:  append(append([]interface{}{}, l.ctx...), normalize(ctx)...),
	}
	if lvl <= LvlError {
		r.Call = stack.Caller(2)
	}
	_ = h.Log(r)
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

func (l *logger) New(ctx ...interface{}) Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	child := &logger{ctx: append(append([]interface{}{}, l.ctx...), normalize(ctx)...), h: l.h}
	return child
}

func (l *logger) SetHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.h = h
}

var root = New()

// Root returns the logger used by default when a component is constructed
// without an explicit Logger (the withDefaults() convention used across
// this tree, e.g. p2p/discover.Config.withDefaults).
func Root() Logger { return root }

// TerminatorFormat renders a Record as a single plain-text line.
func TerminatorFormat(r *Record) []byte {
	s := fmt.Sprintf("%s [%s] %s", r.Time.Format("2006-01-02T15:04:05-0700"), r.Lvl, r.Msg)
	for i := 0; i+1 < len(r.Ctx); i += 2 {
		s += fmt.Sprintf(" %v=%v", r.Ctx[i], r.Ctx[i+1])
	}
	return append([]byte(s), '\n')
}

type streamHandler struct {
	w      io.Writer
	mu     sync.Mutex
	format func(*Record) []byte
}

func (h *streamHandler) Log(r *Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(h.format(r))
	return err
}

// StreamHandler writes formatted records to w.
func StreamHandler(w io.Writer, format func(*Record) []byte) Handler {
	return &streamHandler{w: w, format: format}
}

// lvlColor maps a level to its ANSI color code, matching the palette
// go-ethereum's log package uses for its terminal handler (red for
// crit/error, yellow for warn, green for info, cyan/blue for debug/trace).
func lvlColor(l Lvl) int {
	switch l {
	case LvlCrit, LvlError:
		return 31 // red
	case LvlWarn:
		return 33 // yellow
	case LvlInfo:
		return 32 // green
	case LvlDebug:
		return 36 // cyan
	default:
		return 34 // blue
	}
}

// ColorTerminatorFormat is TerminatorFormat with the level tag wrapped in
// an ANSI color escape, for use on an interactive terminal.
func ColorTerminatorFormat(r *Record) []byte {
	s := fmt.Sprintf("%s [\x1b[%dm%s\x1b[0m] %s",
		r.Time.Format("2006-01-02T15:04:05-0700"), lvlColor(r.Lvl), r.Lvl, r.Msg)
	for i := 0; i+1 < len(r.Ctx); i += 2 {
		s += fmt.Sprintf(" %v=%v", r.Ctx[i], r.Ctx[i+1])
	}
	return append([]byte(s), '\n')
}

// NewTerminalHandler wraps w for ANSI passthrough on Windows consoles via
// go-colorable, and picks the colored or plain formatter depending on
// whether w looks like an interactive terminal per go-isatty — the same
// auto-detection go-ethereum's cmd/utils performs before installing its
// root log handler.
func NewTerminalHandler(w *os.File) Handler {
	cw := colorable.NewColorable(w)
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		return StreamHandler(cw, ColorTerminatorFormat)
	}
	return StreamHandler(cw, TerminatorFormat)
}
