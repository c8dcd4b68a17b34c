package reloc

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Options tunes Externalize.
type Options struct {
	// NoRelocLow and NoRelocHigh bound an address range that is identical in
	// every process (for example a fixed-base shared region). Symbolic sites
	// pointing into it are left as raw values. Internal sites are always
	// relocated, because the code itself moves.
	NoRelocLow, NoRelocHigh uint64
}

func (o Options) fixed(addr uint64) bool {
	return o.NoRelocHigh > o.NoRelocLow && addr >= o.NoRelocLow && addr < o.NoRelocHigh
}

// Result is a position-independent blob and the references cut out of it.
type Result struct {
	Code    []byte
	Relocs  []Relocation
	Symbols []Symbol
}

// Externalize copies code (installed at base in the saving process) and
// replaces every candidate site with zeros plus a Relocation. Symbolic
// targets are looked up through res to compute the addend.
func Externalize(code []byte, base uint64, cands []Candidate, res Resolver, opts Options) (Result, error) {
	out := Result{Code: append([]byte(nil), code...)}
	sorted := append([]Candidate(nil), cands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	if err := checkSites(sorted, len(code)); err != nil {
		return Result{}, err
	}

	syms := &SymbolTable{}
	for _, c := range sorted {
		abs := readSite(out.Code, base, c.Offset, c.Width, c.Flags)
		r := Relocation{Offset: c.Offset, Width: c.Width, Kind: c.Kind, Flags: c.Flags}
		if c.Kind == KindInternal {
			target := int64(abs - base)
			if target < 0 || target > int64(len(code)) {
				return Result{}, fmt.Errorf("internal site at %d points outside the blob (%d)", c.Offset, target)
			}
			r.Addend = target
		} else {
			if opts.fixed(abs) && c.Flags&FlagPCRelative == 0 {
				continue
			}
			if c.Symbol == "" {
				return Result{}, fmt.Errorf("%s site at %d has no symbol", c.Kind, c.Offset)
			}
			addr, ok := res.Resolve(c.Kind, c.Symbol)
			if !ok {
				return Result{}, unresolved(c.Kind, c.Symbol, c.Offset)
			}
			r.Index = syms.Intern(Symbol{Kind: c.Kind, Name: c.Symbol})
			r.Addend = int64(abs - addr)
		}
		clear(out.Code[c.Offset : c.Offset+uint32(c.Width)])
		out.Relocs = append(out.Relocs, r)
	}
	out.Symbols = syms.Symbols()
	return out, nil
}

// Internalize patches code in place so it runs at base in the current
// process, and returns it. The first reference that does not resolve aborts
// with an *UnresolvedError.
func Internalize(code []byte, base uint64, relocs []Relocation, syms []Symbol, res Resolver) ([]byte, error) {
	table := NewSymbolTable(syms)
	for _, r := range relocs {
		if uint64(r.Offset)+uint64(r.Width) > uint64(len(code)) {
			return nil, fmt.Errorf("relocation at %d overruns blob of %d bytes", r.Offset, len(code))
		}
		var abs uint64
		if r.Kind == KindInternal {
			abs = base + uint64(r.Addend)
		} else {
			s, ok := table.At(r.Index)
			if !ok {
				return nil, fmt.Errorf("relocation at %d names symbol %d of %d", r.Offset, r.Index, len(syms))
			}
			addr, ok := res.Resolve(s.Kind, s.Name)
			if !ok {
				return nil, unresolved(s.Kind, s.Name, r.Offset)
			}
			abs = addr + uint64(r.Addend)
		}
		if err := writeSite(code, base, r.Offset, r.Width, r.Flags, abs); err != nil {
			return nil, err
		}
	}
	return code, nil
}

func checkSites(sorted []Candidate, n int) error {
	end := uint32(0)
	for i, c := range sorted {
		if c.Width != 4 && c.Width != 8 {
			return fmt.Errorf("site at %d has width %d", c.Offset, c.Width)
		}
		if c.Flags&FlagPCRelative != 0 && c.Width != 4 {
			return fmt.Errorf("pc-relative site at %d must be 4 bytes", c.Offset)
		}
		if uint64(c.Offset)+uint64(c.Width) > uint64(n) {
			return fmt.Errorf("site at %d overruns blob of %d bytes", c.Offset, n)
		}
		if i > 0 && c.Offset < end {
			return fmt.Errorf("site at %d overlaps the previous one", c.Offset)
		}
		end = c.Offset + uint32(c.Width)
	}
	return nil
}

func readSite(code []byte, base uint64, off uint32, width uint8, flags Flag) uint64 {
	if width == 8 {
		return binary.LittleEndian.Uint64(code[off:])
	}
	v := binary.LittleEndian.Uint32(code[off:])
	if flags&FlagPCRelative != 0 {
		return base + uint64(off) + 4 + uint64(int64(int32(v)))
	}
	return uint64(v)
}

func writeSite(code []byte, base uint64, off uint32, width uint8, flags Flag, abs uint64) error {
	switch {
	case width == 8:
		binary.LittleEndian.PutUint64(code[off:], abs)
	case flags&FlagPCRelative != 0:
		rel := int64(abs - (base + uint64(off) + 4))
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return fmt.Errorf("pc-relative target at %d is out of rel32 range", off)
		}
		binary.LittleEndian.PutUint32(code[off:], uint32(int32(rel)))
	case width == 4:
		if abs > math.MaxUint32 {
			return fmt.Errorf("target %#x at %d does not fit in 32 bits", abs, off)
		}
		binary.LittleEndian.PutUint32(code[off:], uint32(abs))
	default:
		return fmt.Errorf("site at %d has width %d", off, width)
	}
	return nil
}
