package prog

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v2"

	"github.com/kolkov/shadowmachine/internal/machine/borrow"
	"github.com/kolkov/shadowmachine/internal/machine/diag"
	"github.com/kolkov/shadowmachine/internal/machine/mem"
)

// FormatVersion is the trace format this loader writes and accepts.
// Traces from a different major version are rejected.
const FormatVersion = "v1.0.0"

type yamlProgram struct {
	Version string       `yaml:"version"`
	Globals int          `yaml:"globals,omitempty"`
	Entry   int          `yaml:"entry,omitempty"`
	Threads []yamlThread `yaml:"threads"`
}

type yamlThread struct {
	ID   int         `yaml:"id"`
	Code []yamlInstr `yaml:"code"`
}

type yamlInstr struct {
	Op        string `yaml:"op"`
	Dst       int    `yaml:"dst,omitempty"`
	Src       int    `yaml:"src,omitempty"`
	Size      int    `yaml:"size,omitempty"`
	Align     uint64 `yaml:"align,omitempty"`
	Offset    int64  `yaml:"offset,omitempty"`
	Kind      string `yaml:"kind,omitempty"`
	Borrow    string `yaml:"borrow,omitempty"`
	Protected bool   `yaml:"protected,omitempty"`
	Thread    int    `yaml:"thread,omitempty"`
	Sync      int    `yaml:"sync,omitempty"`
	Loc       string `yaml:"loc,omitempty"`
}

// Load reads a YAML trace from r, checks its format version and
// validates the result. Source locations are interned into depot; a nil
// depot gets a private one.
func Load(r io.Reader, depot *diag.Depot) (*Program, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	var yp yamlProgram
	if err := yaml.UnmarshalStrict(raw, &yp); err != nil {
		return nil, fmt.Errorf("parse trace: %w", err)
	}
	if !semver.IsValid(yp.Version) {
		return nil, fmt.Errorf("trace version %q is not a valid semver", yp.Version)
	}
	if semver.Major(yp.Version) != semver.Major(FormatVersion) {
		return nil, fmt.Errorf("trace version %s incompatible with %s", yp.Version, FormatVersion)
	}
	if depot == nil {
		depot = diag.NewDepot()
	}

	p := &Program{
		Version: yp.Version,
		Globals: yp.Globals,
		Entry:   yp.Entry,
		Threads: make([]ThreadCode, 0, len(yp.Threads)),
	}
	for _, yt := range yp.Threads {
		tc := ThreadCode{ID: yt.ID, Code: make([]Instr, 0, len(yt.Code))}
		for i, yi := range yt.Code {
			in, err := lowerInstr(yi, depot)
			if err != nil {
				return nil, fmt.Errorf("thread %d instr %d: %w", yt.ID, i, err)
			}
			tc.Code = append(tc.Code, in)
		}
		p.Threads = append(p.Threads, tc)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadFile is Load over the file at path.
func LoadFile(path string, depot *diag.Depot) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, err := Load(f, depot)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func lowerInstr(yi yamlInstr, depot *diag.Depot) (Instr, error) {
	op, err := ParseOp(yi.Op)
	if err != nil {
		return Instr{}, err
	}
	in := Instr{
		Op:        op,
		Dst:       yi.Dst,
		Src:       yi.Src,
		Size:      yi.Size,
		Align:     yi.Align,
		Offset:    yi.Offset,
		Protected: yi.Protected,
		Thread:    yi.Thread,
		Sync:      yi.Sync,
	}
	if op == OpAlloc {
		in.AllocKind = mem.Heap
		if yi.Kind != "" {
			k, err := mem.ParseAllocKind(yi.Kind)
			if err != nil {
				return Instr{}, err
			}
			in.AllocKind = k
		}
	}
	if op == OpRetag {
		in.BorrowKind = borrow.Shared
		if yi.Borrow != "" {
			k, err := borrow.ParseKind(yi.Borrow)
			if err != nil {
				return Instr{}, err
			}
			in.BorrowKind = k
		}
	}
	if yi.Loc != "" {
		loc, err := diag.ParseLoc(yi.Loc)
		if err != nil {
			return Instr{}, err
		}
		in.Loc = *depot.Intern(loc.File, loc.Line)
	}
	return in, nil
}

// Marshal renders p back into the YAML trace format. It is the inverse
// of Load for programs whose locations were populated.
func Marshal(p *Program) ([]byte, error) {
	yp := yamlProgram{
		Version: p.Version,
		Globals: p.Globals,
		Entry:   p.Entry,
		Threads: make([]yamlThread, 0, len(p.Threads)),
	}
	if yp.Version == "" {
		yp.Version = FormatVersion
	}
	for _, tc := range p.Threads {
		yt := yamlThread{ID: tc.ID, Code: make([]yamlInstr, 0, len(tc.Code))}
		for _, in := range tc.Code {
			yi := yamlInstr{
				Op:        in.Op.String(),
				Dst:       in.Dst,
				Src:       in.Src,
				Size:      in.Size,
				Align:     in.Align,
				Offset:    in.Offset,
				Protected: in.Protected,
				Thread:    in.Thread,
				Sync:      in.Sync,
			}
			if in.Op == OpAlloc {
				yi.Kind = in.AllocKind.String()
			}
			if in.Op == OpRetag {
				yi.Borrow = in.BorrowKind.String()
			}
			if !in.Loc.IsZero() {
				yi.Loc = in.Loc.String()
			}
			yt.Code = append(yt.Code, yi)
		}
		yp.Threads = append(yp.Threads, yt)
	}
	return yaml.Marshal(&yp)
}
