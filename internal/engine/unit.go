// Package engine drives save and restore against one archive: it tags
// compilation units with identities, captures their opt records, makes their
// code position independent, and on restore re-validates and relocates them.
package engine

import (
	"codearchive/internal/archive"
	"codearchive/internal/optrec"
	"codearchive/internal/reloc"
)

// DepRef names a dependency before its identity is pinned.
type DepRef struct {
	Kind   archive.DepKind
	Type   string
	Method string
}

// CompilationUnit is what the compiler hands over after a successful compile.
type CompilationUnit struct {
	Method     archive.MethodID
	Code       []byte
	Base       uint64 // address Code was emitted at
	Candidates []reloc.Candidate
	Deps       []DepRef
	Records    []optrec.Record
}

// InstallableUnit is relocated code ready to run at Base.
type InstallableUnit struct {
	Method  archive.MethodID
	Version int
	Base    uint64
	Code    []byte
	Deps    []archive.Dependency
	// Trusted is set when the opt records corroborated the live profile
	// strongly enough to skip further recompilation speculation.
	Trusted bool
}
