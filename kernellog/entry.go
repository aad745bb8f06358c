package kernellog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entry is one structured log message. The canonical line rendering is
//
//	timestamp [thread] [file:line] [func] [category:level] message
//
// and ParseEntry inverts it.
type Entry struct {
	Timestamp time.Time
	Thread    string
	File      string
	Line      int
	Func      string
	Category  Category
	Level     Level
	Message   string
}

// Render produces the canonical line for the entry, honoring the
// connection options: disabled parts are omitted together with their
// brackets.
func (e Entry) Render(opts Options) string {
	var b strings.Builder
	if opts.LogTimestamps {
		b.WriteString(e.Timestamp.UTC().Format(time.RFC3339Nano))
		b.WriteByte(' ')
	}
	if opts.LogThreadNames {
		fmt.Fprintf(&b, "[%s] ", e.Thread)
	}
	if opts.LogSourceLocations {
		fmt.Fprintf(&b, "[%s:%d] [%s] ", e.File, e.Line, e.Func)
	}
	if opts.AlwaysPrintCategoryLevel {
		fmt.Fprintf(&b, "[%s:%s] ", e.Category, e.Level)
	}
	b.WriteString(e.Message)
	return b.String()
}

// String renders the entry with every part included.
func (e Entry) String() string {
	return e.Render(Options{
		LogTimestamps:            true,
		LogSourceLocations:       true,
		LogThreadNames:           true,
		AlwaysPrintCategoryLevel: true,
	})
}

// ParseEntry parses a fully rendered log line back into an Entry. The line
// must carry every part; partial renderings are rejected.
func ParseEntry(line string) (Entry, error) {
	var e Entry

	rest := line
	ts, rest, ok := strings.Cut(rest, " ")
	if !ok {
		return e, fmt.Errorf("kernellog: malformed entry: missing timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return e, fmt.Errorf("kernellog: malformed timestamp: %w", err)
	}
	e.Timestamp = t

	next := func(name string) (string, error) {
		if !strings.HasPrefix(rest, "[") {
			return "", fmt.Errorf("kernellog: malformed entry: missing %s", name)
		}
		inner, tail, ok := strings.Cut(rest[1:], "] ")
		if !ok {
			return "", fmt.Errorf("kernellog: malformed entry: unterminated %s", name)
		}
		rest = tail
		return inner, nil
	}

	if e.Thread, err = next("thread"); err != nil {
		return e, err
	}
	loc, err := next("source location")
	if err != nil {
		return e, err
	}
	file, lineNo, ok := strings.Cut(loc, ":")
	if !ok {
		return e, fmt.Errorf("kernellog: malformed source location %q", loc)
	}
	e.File = file
	if e.Line, err = strconv.Atoi(lineNo); err != nil {
		return e, fmt.Errorf("kernellog: malformed source line %q", lineNo)
	}
	if e.Func, err = next("function"); err != nil {
		return e, err
	}
	catLevel, err := next("category")
	if err != nil {
		return e, err
	}
	cat, lvl, ok := strings.Cut(catLevel, ":")
	if !ok {
		return e, fmt.Errorf("kernellog: malformed category:level %q", catLevel)
	}
	if e.Category, err = CategoryFromString(cat); err != nil {
		return e, err
	}
	if e.Level, err = LevelFromString(lvl); err != nil {
		return e, err
	}
	e.Message = rest
	return e, nil
}
