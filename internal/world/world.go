// Package world reads a YAML description of one process: its runtime
// environment, classpath, loaded types, symbol addresses, live profile and
// the compilation units its compiler produced. The CLI uses it in place of a
// running virtual machine.
package world

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"codearchive/internal/archive"
	"codearchive/internal/engine"
	"codearchive/internal/identity"
	"codearchive/internal/optrec"
	"codearchive/internal/reloc"
)

// DefaultInstallBase is where restored code is placed when the file does not
// say otherwise.
const DefaultInstallBase = 0x7f0010000000

// File is the on-disk shape of a world file.
type File struct {
	Environment identity.Environment `yaml:"environment"`
	Classpath   []string             `yaml:"classpath"`
	InstallBase uint64               `yaml:"install_base"`
	Types       []TypeSpec           `yaml:"types"`
	Symbols     []SymbolSpec         `yaml:"symbols"`
	// Profile is keyed by method, "Holder.name(desc)".
	Profile map[string]ProfileSpec `yaml:"profile"`
	Units   []UnitSpec             `yaml:"units"`
}

type TypeSpec struct {
	Name           string                   `yaml:"name"`
	Loader         string                   `yaml:"loader"`
	Super          string                   `yaml:"super"`
	Interfaces     []string                 `yaml:"interfaces"`
	Fields         []identity.Field         `yaml:"fields"`
	DefaultMethods []identity.DefaultMethod `yaml:"default_methods"`
}

type SymbolSpec struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
	Addr uint64 `yaml:"addr"`
}

type ReceiverRow struct {
	Type  string `yaml:"type"`
	Count uint64 `yaml:"count"`
}

// ProfileSpec is the live profile of one method. BCIs are the method's own.
type ProfileSpec struct {
	Receivers map[int][]ReceiverRow `yaml:"receivers"`
	Branches  map[int]bool          `yaml:"branches"`
	Constants map[string]ConstSpec  `yaml:"constants"`
	// Callees maps "Holder.name(desc)" to the type the call binds to now.
	Callees map[string]string `yaml:"callees"`
}

type ConstSpec struct {
	Kind string `yaml:"kind"`
	Bits uint64 `yaml:"bits"`
}

// UnitSpec describes one compiled method. The code blob is Size bytes of
// Fill (or zeros), with every site holding the value the compiler would have
// emitted at Base.
type UnitSpec struct {
	Method  string       `yaml:"method"`
	Base    uint64       `yaml:"base"`
	Size    int          `yaml:"size"`
	Fill    string       `yaml:"fill"`
	Sites   []SiteSpec   `yaml:"sites"`
	Deps    []DepSpec    `yaml:"deps"`
	Records []RecordSpec `yaml:"records"`
}

type SiteSpec struct {
	Offset uint32 `yaml:"offset"`
	Width  uint8  `yaml:"width"`
	Kind   string `yaml:"kind"`
	Symbol string `yaml:"symbol"`
	PCRel  bool   `yaml:"pc_relative"`
	Switch bool   `yaml:"switch_table"`
	Poll   bool   `yaml:"safepoint_poll"`
	Target uint64 `yaml:"target"` // internal sites: offset inside the blob
	Addend int64  `yaml:"addend"`
}

type DepSpec struct {
	Kind   string `yaml:"kind"`
	Type   string `yaml:"type"`
	Method string `yaml:"method"`
}

// RecordSpec is a flat union; Kind picks which fields apply.
type RecordSpec struct {
	Kind      string   `yaml:"kind"`
	BCI       int      `yaml:"bci"`
	Receivers []string `yaml:"receivers"`
	Default   string   `yaml:"default"`
	Callee    string   `yaml:"callee"`
	Holder    string   `yaml:"holder"`
	Type      string   `yaml:"type"`
	Taken     bool     `yaml:"taken"`
	Field     string   `yaml:"field"`
	Prim      string   `yaml:"prim"`
	Bits      uint64   `yaml:"bits"`
}

// World is a loaded File. It serves as the type source and symbol resolver
// of the process it describes, and holds each method's live profile.
type World struct {
	Env         identity.Fingerprint
	Environment identity.Environment
	Classpath   []string
	InstallBase uint64

	types    map[string]*identity.TypeShape
	symbols  map[reloc.Symbol]uint64
	profiles map[archive.MethodID]*optrec.StaticProfile
	units    []UnitSpec
}

// Load reads and resolves a world file. Relative classpath entries are taken
// relative to the file's directory.
func Load(path string) (*World, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read world file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse world file %s: %w", path, err)
	}
	w, err := New(f)
	if err != nil {
		return nil, fmt.Errorf("world file %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i, p := range w.Classpath {
		if !filepath.IsAbs(p) {
			w.Classpath[i] = filepath.Join(dir, p)
		}
	}
	return w, nil
}

// New resolves f. Every problem found is reported, not just the first.
func New(f File) (*World, error) {
	w := &World{
		Env:         f.Environment.Fingerprint(),
		Environment: f.Environment,
		Classpath:   append([]string(nil), f.Classpath...),
		InstallBase: f.InstallBase,
		types:       make(map[string]*identity.TypeShape, len(f.Types)),
		symbols:     make(map[reloc.Symbol]uint64, len(f.Symbols)),
		units:       f.Units,
	}
	if w.InstallBase == 0 {
		w.InstallBase = DefaultInstallBase
	}
	var errs []error
	errs = append(errs, w.linkTypes(f.Types)...)
	for _, s := range f.Symbols {
		k, ok := reloc.ParseKind(s.Kind)
		if !ok || k == reloc.KindInternal {
			errs = append(errs, fmt.Errorf("symbol %s: bad kind %q", s.Name, s.Kind))
			continue
		}
		w.symbols[reloc.Symbol{Kind: k, Name: s.Name}] = s.Addr
	}
	errs = append(errs, w.buildProfiles(f.Profile)...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return w, nil
}

func (w *World) linkTypes(specs []TypeSpec) []error {
	var errs []error
	byName := make(map[string]TypeSpec, len(specs))
	for _, s := range specs {
		if _, dup := byName[s.Name]; dup {
			errs = append(errs, fmt.Errorf("type %s declared twice", s.Name))
			continue
		}
		byName[s.Name] = s
		w.types[s.Name] = &identity.TypeShape{
			Name:           s.Name,
			Loader:         s.Loader,
			Fields:         s.Fields,
			DefaultMethods: s.DefaultMethods,
		}
	}
	link := func(owner, name string) *identity.TypeShape {
		t, ok := w.types[name]
		if !ok {
			errs = append(errs, fmt.Errorf("type %s refers to unknown type %s", owner, name))
		}
		return t
	}
	for _, s := range specs {
		name := s.Name
		t := w.types[name]
		if s.Super != "" {
			t.Super = link(name, s.Super)
		}
		for _, i := range s.Interfaces {
			if it := link(name, i); it != nil {
				t.Interfaces = append(t.Interfaces, it)
			}
		}
	}
	return errs
}

func (w *World) buildProfiles(specs map[string]ProfileSpec) []error {
	w.profiles = make(map[archive.MethodID]*optrec.StaticProfile, len(specs))
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		id, err := archive.ParseMethodID(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("profile: %w", err))
			continue
		}
		p, perrs := w.buildProfile(specs[name])
		for _, e := range perrs {
			errs = append(errs, fmt.Errorf("profile %s: %w", name, e))
		}
		w.profiles[id] = p
	}
	return errs
}

func (w *World) buildProfile(s ProfileSpec) (*optrec.StaticProfile, []error) {
	var errs []error
	p := &optrec.StaticProfile{
		ReceiverRows: make(map[int][]optrec.ReceiverCount, len(s.Receivers)),
		Branches:     s.Branches,
		Constants:    make(map[string]optrec.Constant, len(s.Constants)),
		Callees:      make(map[string]identity.Fingerprint, len(s.Callees)),
	}
	for bci, rows := range s.Receivers {
		for _, r := range rows {
			p.ReceiverRows[bci] = append(p.ReceiverRows[bci], optrec.ReceiverCount{Type: r.Type, Count: r.Count})
		}
	}
	for field, c := range s.Constants {
		k, ok := optrec.ParsePrimKind(c.Kind)
		if !ok {
			errs = append(errs, fmt.Errorf("constant %s: bad kind %q", field, c.Kind))
			continue
		}
		p.Constants[field] = optrec.Constant{Kind: k, Bits: c.Bits}
	}
	for callee, holder := range s.Callees {
		id, ok := identity.LookupIdentity(w, holder)
		if !ok {
			errs = append(errs, fmt.Errorf("callee %s: unknown holder %s", callee, holder))
			continue
		}
		p.Callees[callee] = id
	}
	return p, errs
}

// LookupType implements identity.TypeSource.
func (w *World) LookupType(name string) (*identity.TypeShape, bool) {
	t, ok := w.types[name]
	return t, ok
}

// Resolve implements reloc.Resolver.
func (w *World) Resolve(kind reloc.Kind, name string) (uint64, bool) {
	a, ok := w.symbols[reloc.Symbol{Kind: kind, Name: name}]
	return a, ok
}

// Profile is the live profile of method m, or nil when the file has none.
func (w *World) Profile(m archive.MethodID) optrec.Profile {
	p, ok := w.profiles[m]
	if !ok {
		return nil
	}
	return p
}

// Methods lists the methods the file has units for, in file order.
func (w *World) Methods() []archive.MethodID {
	out := make([]archive.MethodID, 0, len(w.units))
	for _, u := range w.units {
		if id, err := archive.ParseMethodID(u.Method); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// Units builds the compilation units described by the file.
func (w *World) Units() ([]engine.CompilationUnit, error) {
	out := make([]engine.CompilationUnit, 0, len(w.units))
	var errs []error
	for _, s := range w.units {
		u, err := w.unit(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("unit %s: %w", s.Method, err))
			continue
		}
		out = append(out, u)
	}
	return out, errors.Join(errs...)
}

func (w *World) unit(s UnitSpec) (engine.CompilationUnit, error) {
	id, err := archive.ParseMethodID(s.Method)
	if err != nil {
		return engine.CompilationUnit{}, err
	}
	code := make([]byte, s.Size)
	if s.Fill != "" {
		for i := 0; i < len(code); i += len(s.Fill) {
			copy(code[i:], s.Fill)
		}
	}
	u := engine.CompilationUnit{Method: id, Code: code, Base: s.Base}
	for _, site := range s.Sites {
		c, err := w.emit(code, s.Base, site)
		if err != nil {
			return engine.CompilationUnit{}, err
		}
		u.Candidates = append(u.Candidates, c)
	}
	for _, d := range s.Deps {
		ref := engine.DepRef{Type: d.Type, Method: d.Method}
		switch d.Kind {
		case "", "type":
			ref.Kind = archive.DepType
		case "method":
			ref.Kind = archive.DepMethod
		default:
			return engine.CompilationUnit{}, fmt.Errorf("dependency on %s: bad kind %q", d.Type, d.Kind)
		}
		u.Deps = append(u.Deps, ref)
	}
	for _, r := range s.Records {
		rec, err := w.record(r)
		if err != nil {
			return engine.CompilationUnit{}, err
		}
		u.Records = append(u.Records, rec)
	}
	return u, nil
}

// emit writes the value a compiler would have placed at the site and returns
// the matching relocation candidate.
func (w *World) emit(code []byte, base uint64, s SiteSpec) (reloc.Candidate, error) {
	kind, ok := reloc.ParseKind(s.Kind)
	if !ok {
		return reloc.Candidate{}, fmt.Errorf("site at %d: bad kind %q", s.Offset, s.Kind)
	}
	switch {
	case s.Width != 0:
	case s.PCRel:
		s.Width = 4
	default:
		s.Width = 8
	}
	if uint64(s.Offset)+uint64(s.Width) > uint64(len(code)) {
		return reloc.Candidate{}, fmt.Errorf("site at %d overruns %d byte blob", s.Offset, len(code))
	}
	c := reloc.Candidate{Offset: s.Offset, Width: s.Width, Kind: kind, Symbol: s.Symbol}
	if s.PCRel {
		c.Flags |= reloc.FlagPCRelative
	}
	if s.Switch {
		c.Flags |= reloc.FlagSwitchTable
	}
	if s.Poll {
		c.Flags |= reloc.FlagSafepointPoll
	}

	var abs uint64
	if kind == reloc.KindInternal {
		abs = base + s.Target
	} else {
		addr, ok := w.Resolve(kind, s.Symbol)
		if !ok {
			return reloc.Candidate{}, fmt.Errorf("site at %d: %s %q is not in the symbol table", s.Offset, kind, s.Symbol)
		}
		abs = addr + uint64(s.Addend)
	}
	switch {
	case s.Width == 8:
		binary.LittleEndian.PutUint64(code[s.Offset:], abs)
	case s.PCRel:
		binary.LittleEndian.PutUint32(code[s.Offset:], uint32(int32(int64(abs-(base+uint64(s.Offset)+4)))))
	default:
		binary.LittleEndian.PutUint32(code[s.Offset:], uint32(abs))
	}
	return c, nil
}

func (w *World) record(r RecordSpec) (optrec.Record, error) {
	switch strings.ToLower(r.Kind) {
	case "devirtualize":
		rec := optrec.DeVirtualize{BCI: r.BCI, Receivers: r.Receivers}
		switch r.Default {
		case "", "deoptimize":
		case "virtual_call":
			rec.Default = optrec.ActionVirtualCall
		default:
			return nil, fmt.Errorf("devirtualize@%d: bad default %q", r.BCI, r.Default)
		}
		return rec, nil
	case "inline":
		id, ok := identity.LookupIdentity(w, r.Holder)
		if !ok {
			return nil, fmt.Errorf("inline@%d: unknown holder %s", r.BCI, r.Holder)
		}
		return optrec.Inline{BCI: r.BCI, Callee: r.Callee, Holder: r.Holder, HolderIdentity: id}, nil
	case "profiled_receiver":
		return optrec.ProfiledReceiver{BCI: r.BCI, Type: r.Type}, nil
	case "profiled_array_store":
		return optrec.ProfiledArrayStore{BCI: r.BCI, ElementType: r.Type}, nil
	case "profiled_unstable_if":
		return optrec.ProfiledUnstableIf{BCI: r.BCI, Taken: r.Taken}, nil
	case "constant_replace":
		k, ok := optrec.ParsePrimKind(r.Prim)
		if !ok {
			return nil, fmt.Errorf("constant_replace@%d: bad kind %q", r.BCI, r.Prim)
		}
		return optrec.ConstantReplace{BCI: r.BCI, Field: r.Field, Kind: k, Bits: r.Bits}, nil
	default:
		return nil, fmt.Errorf("record@%d: unknown kind %q", r.BCI, r.Kind)
	}
}
