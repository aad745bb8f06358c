// Package kernellog is the logging surface of the kernel library. Log
// output is produced internally and fanned out to registered connections;
// callers control verbosity per category and level. A process-wide zap
// logger mirrors everything that passes the filters.
package kernellog

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level is the severity of a log message. Messages below the configured
// level for their category are dropped.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// LevelFromString maps a level name to its Level.
func LevelFromString(s string) (Level, error) {
	switch s {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// Category groups log messages by the subsystem that emits them.
type Category int

const (
	CategoryAll Category = iota
	CategoryBench
	CategoryBlockStorage
	CategoryCoinDB
	CategoryMempool
	CategoryPrune
	CategoryRand
	CategoryReindex
	CategoryValidation
	CategoryKernel
)

func (c Category) String() string {
	switch c {
	case CategoryAll:
		return "all"
	case CategoryBench:
		return "bench"
	case CategoryBlockStorage:
		return "blockstorage"
	case CategoryCoinDB:
		return "coindb"
	case CategoryMempool:
		return "mempool"
	case CategoryPrune:
		return "prune"
	case CategoryRand:
		return "rand"
	case CategoryReindex:
		return "reindex"
	case CategoryValidation:
		return "validation"
	case CategoryKernel:
		return "kernel"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// CategoryFromString maps a category name to its Category.
func CategoryFromString(s string) (Category, error) {
	for c := CategoryAll; c <= CategoryKernel; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown log category %q", s)
}

// logState is the process-wide logging configuration. Level defaults to
// info with every category enabled, matching a fresh kernel context.
type logState struct {
	mu sync.Mutex

	defaultLevel   Level
	categoryLevels map[Category]Level
	disabled       map[Category]bool
	conns          map[*Connection]struct{}
	zlog           *zap.SugaredLogger
}

var state = &logState{
	defaultLevel:   LevelInfo,
	categoryLevels: make(map[Category]Level),
	disabled:       make(map[Category]bool),
	conns:          make(map[*Connection]struct{}),
	zlog:           zap.NewNop().Sugar(),
}

// SetLevelCategory sets the minimum level for one category, or for all
// categories at once via CategoryAll.
func SetLevelCategory(category Category, level Level) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if category == CategoryAll {
		state.defaultLevel = level
		state.categoryLevels = make(map[Category]Level)
		return
	}
	state.categoryLevels[category] = level
}

// EnableCategory turns a category on. Enabling an already enabled category
// is a no-op.
func EnableCategory(category Category) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if category == CategoryAll {
		state.disabled = make(map[Category]bool)
		return
	}
	delete(state.disabled, category)
}

// DisableCategory turns a category off. Disabling an already disabled
// category is a no-op.
func DisableCategory(category Category) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if category == CategoryAll {
		for c := CategoryBench; c <= CategoryKernel; c++ {
			state.disabled[c] = true
		}
		return
	}
	state.disabled[category] = true
}

// SetZapLogger replaces the mirror logger. Passing nil restores the no-op
// mirror.
func SetZapLogger(l *zap.Logger) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if l == nil {
		state.zlog = zap.NewNop().Sugar()
		return
	}
	state.zlog = l.Sugar()
}

// Options adjust how a connection renders entries it receives.
type Options struct {
	// LogTimestamps includes the entry timestamp in rendered lines.
	LogTimestamps bool
	// LogSourceLocations includes file:line of the emitting call site.
	LogSourceLocations bool
	// LogThreadNames includes the goroutine label of the emitter.
	LogThreadNames bool
	// AlwaysPrintCategoryLevel includes [category:level] on every line.
	AlwaysPrintCategoryLevel bool
}

// Connection delivers log entries to a callback until closed. Multiple
// connections may be registered at once; each receives every entry that
// passes the global filters.
type Connection struct {
	cb   func(Entry)
	opts Options

	closeOnce sync.Once
}

// NewConnection registers cb to receive log entries. cb is invoked
// synchronously from the goroutine emitting the message and must not call
// back into this package.
func NewConnection(cb func(Entry), opts Options) (*Connection, error) {
	if cb == nil {
		return nil, fmt.Errorf("kernellog: callback required")
	}
	c := &Connection{cb: cb, opts: opts}
	state.mu.Lock()
	state.conns[c] = struct{}{}
	state.mu.Unlock()
	return c, nil
}

// Options returns the rendering options the connection was created with.
func (c *Connection) Options() Options { return c.opts }

// Close deregisters the connection. Safe to call more than once; entries
// already in flight may still be delivered.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		state.mu.Lock()
		delete(state.conns, c)
		state.mu.Unlock()
	})
}

// Logf emits a formatted message under the given category and level. The
// message is dropped when the category is disabled or the level is below
// the configured threshold.
func Logf(category Category, level Level, format string, args ...any) {
	state.mu.Lock()
	if state.disabled[category] {
		state.mu.Unlock()
		return
	}
	threshold, ok := state.categoryLevels[category]
	if !ok {
		threshold = state.defaultLevel
	}
	if level < threshold {
		state.mu.Unlock()
		return
	}
	conns := make([]*Connection, 0, len(state.conns))
	for c := range state.conns {
		conns = append(conns, c)
	}
	zlog := state.zlog
	state.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Thread:    goroutineLabel(),
		Category:  category,
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	}
	if pc, file, line, ok := runtime.Caller(1); ok {
		entry.File = filepath.Base(file)
		entry.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			entry.Func = filepath.Base(fn.Name())
		}
	}

	switch level {
	case LevelInfo:
		zlog.Infow(entry.Message, "category", category.String())
	default:
		zlog.Debugw(entry.Message, "category", category.String())
	}
	for _, c := range conns {
		c.cb(entry)
	}
}

// goroutineLabel names the emitting goroutine from the runtime stack
// header ("goroutine N [running]:"), as gN. The runtime exposes no direct
// goroutine identifier.
func goroutineLabel() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) >= 2 {
		return "g" + fields[1]
	}
	return "main"
}
