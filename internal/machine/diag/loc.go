package diag

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// SourceLoc is the file:line position a lowered instruction was produced
// from. The front-end supplies it; the engine only threads it through to
// diagnostics.
type SourceLoc struct {
	File string
	Line int
}

func (l SourceLoc) String() string {
	if l.File == "" {
		return "<unknown>"
	}
	return l.File + ":" + strconv.Itoa(l.Line)
}

// IsZero reports whether the location is unset.
func (l SourceLoc) IsZero() bool {
	return l.File == "" && l.Line == 0
}

// ParseLoc parses a "file:line" string. The file part may itself contain
// colons (Windows paths); the line number is everything after the last
// colon.
func ParseLoc(s string) (SourceLoc, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return SourceLoc{}, fmt.Errorf("source location %q: missing line number", s)
	}
	line, err := strconv.Atoi(s[i+1:])
	if err != nil || line < 0 {
		return SourceLoc{}, fmt.Errorf("source location %q: bad line number", s)
	}
	return SourceLoc{File: s[:i], Line: line}, nil
}

// Depot interns source locations so that the thousands of instructions a
// trace may carry share one SourceLoc value per distinct position.
//
// Interning also gives location equality by identity, which the loader
// uses when coalescing per-instruction metadata.
type Depot struct {
	mu   sync.Mutex
	locs map[SourceLoc]*SourceLoc
}

// NewDepot returns an empty depot.
func NewDepot() *Depot {
	return &Depot{locs: make(map[SourceLoc]*SourceLoc)}
}

// Intern returns the canonical *SourceLoc for file:line, creating it on
// first use.
func (d *Depot) Intern(file string, line int) *SourceLoc {
	key := SourceLoc{File: file, Line: line}
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.locs[key]; ok {
		return l
	}
	l := &key
	d.locs[key] = l
	return l
}

// Size returns the number of distinct interned locations.
func (d *Depot) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.locs)
}
