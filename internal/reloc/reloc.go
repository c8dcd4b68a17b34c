// Package reloc rewrites the embedded references of a machine-code blob
// between the process-relative form the compiler produced and the
// position-independent, symbolic form stored in an archive.
//
// Symbolic references are (kind, index) pairs into a per-version symbol
// arena; they are turned back into addresses through a Resolver supplied by
// the class-loading subsystem of the restoring process.
package reloc

import (
	"fmt"
)

// Kind is the class of target a relocation points at.
type Kind uint8

const (
	KindType     Kind = iota + 1 // type handle
	KindMethod                   // method handle or entry
	KindField                    // field handle
	KindConstant                 // constant with special identity
	KindGlobal                   // global runtime symbol
	KindInternal                 // offset inside the blob itself
)

func (k Kind) String() string {
	switch k {
	case KindType:
		return "type"
	case KindMethod:
		return "method"
	case KindField:
		return "field"
	case KindConstant:
		return "constant"
	case KindGlobal:
		return "global"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k := KindType; k <= KindInternal; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Flag carries per-site encoding details.
type Flag uint8

const (
	FlagPCRelative    Flag = 1 << iota // rel32 from the end of the site
	FlagSwitchTable                    // internal: jump table entry
	FlagSafepointPoll                  // internal: polling page / poll return address
)

// Symbol is one entry of a version's symbol arena.
type Symbol struct {
	Kind Kind
	Name string
}

// Relocation is one symbolic reference stored alongside a code blob.
type Relocation struct {
	Offset uint32 // position of the site inside the blob
	Width  uint8  // 4 or 8
	Kind   Kind
	Flags  Flag
	Index  uint32 // symbol arena index; unused for KindInternal
	Addend int64  // internal: target offset in the blob; otherwise value minus symbol address
}

// Candidate is a site the compiler reported as holding an absolute or
// pc-relative reference.
type Candidate struct {
	Offset uint32
	Width  uint8
	Kind   Kind
	Flags  Flag
	Symbol string // empty for KindInternal
}

// Resolver maps a symbolic reference to an address in the current process.
type Resolver interface {
	Resolve(kind Kind, name string) (uint64, bool)
}

// SymbolTable is an append-only arena that interns symbols by value.
type SymbolTable struct {
	syms  []Symbol
	index map[Symbol]uint32
}

// NewSymbolTable wraps an existing arena, e.g. one decoded from an archive.
func NewSymbolTable(syms []Symbol) *SymbolTable {
	t := &SymbolTable{index: make(map[Symbol]uint32, len(syms))}
	for _, s := range syms {
		t.Intern(s)
	}
	return t
}

// Intern returns the index of s, appending it if needed.
func (t *SymbolTable) Intern(s Symbol) uint32 {
	if t.index == nil {
		t.index = make(map[Symbol]uint32)
	}
	if i, ok := t.index[s]; ok {
		return i
	}
	i := uint32(len(t.syms))
	t.syms = append(t.syms, s)
	t.index[s] = i
	return i
}

// At returns the symbol at index i.
func (t *SymbolTable) At(i uint32) (Symbol, bool) {
	if int(i) >= len(t.syms) {
		return Symbol{}, false
	}
	return t.syms[i], true
}

// Symbols returns the arena in index order.
func (t *SymbolTable) Symbols() []Symbol {
	return t.syms
}

// Failure classes reported when a reference does not resolve on restore.
const (
	ClassMethodNotFound     = "uncached-method-not-found"
	ClassUnresolvedIdentity = "unresolved-identity"
)

// UnresolvedError aborts installation of one version only.
type UnresolvedError struct {
	Class  string
	Kind   Kind
	Name   string
	Offset uint32
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("%s: %s %q at offset %d", e.Class, e.Kind, e.Name, e.Offset)
}

func unresolved(kind Kind, name string, off uint32) *UnresolvedError {
	class := ClassUnresolvedIdentity
	if kind == KindMethod {
		class = ClassMethodNotFound
	}
	return &UnresolvedError{Class: class, Kind: kind, Name: name, Offset: off}
}
