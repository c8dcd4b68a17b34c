// Package optrec models the speculative assumptions baked into a compiled
// version and checks them against the live profile of the restoring process.
//
// Record is a closed sum type: the concrete variants below are the only
// implementations, and the validator dispatches on them with a type switch.
package optrec

import (
	"fmt"
	"strings"

	"codearchive/internal/identity"
)

// Tag identifies a Record variant on disk.
type Tag uint8

const (
	TagDeVirtualize Tag = iota + 1
	TagInline
	TagProfiledReceiver
	TagProfiledArrayStore
	TagProfiledUnstableIf
	TagConstantReplace
)

func (t Tag) String() string {
	switch t {
	case TagDeVirtualize:
		return "devirtualize"
	case TagInline:
		return "inline"
	case TagProfiledReceiver:
		return "profiled_receiver"
	case TagProfiledArrayStore:
		return "profiled_array_store"
	case TagProfiledUnstableIf:
		return "profiled_unstable_if"
	case TagConstantReplace:
		return "constant_replace"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Record is one speculative assumption.
type Record interface {
	Tag() Tag
	// Site is the bytecode index the assumption was made at.
	Site() int
	String() string
	sealed()
}

// Action is what devirtualized code does when the receiver is unexpected.
type Action uint8

const (
	ActionDeoptimize Action = iota
	ActionVirtualCall
)

func (a Action) String() string {
	if a == ActionVirtualCall {
		return "virtual_call"
	}
	return "deoptimize"
}

// DeVirtualize records the receivers a call site was specialized for. An
// empty Receivers list is arity 0: no polymorphism was observed and dispatch
// stays virtual.
type DeVirtualize struct {
	BCI       int
	Receivers []string
	Default   Action
}

// Arity is the number of receivers the site expects.
func (r DeVirtualize) Arity() int { return len(r.Receivers) }

// Inline records a callee inlined at a site, bound to its holder identity.
type Inline struct {
	BCI            int
	Callee         string // "Holder.name(desc)"
	Holder         string
	HolderIdentity identity.Fingerprint
}

// ProfiledReceiver records the type seen at a type check or cast.
type ProfiledReceiver struct {
	BCI  int
	Type string
}

// ProfiledArrayStore records the element type seen at an array store.
type ProfiledArrayStore struct {
	BCI         int
	ElementType string
}

// ProfiledUnstableIf records the branch outcome the code was pruned for.
type ProfiledUnstableIf struct {
	BCI   int
	Taken bool
}

// ConstantReplace records a value folded into the code.
type ConstantReplace struct {
	BCI   int
	Field string
	Kind  PrimKind
	Bits  uint64
}

func (DeVirtualize) Tag() Tag       { return TagDeVirtualize }
func (Inline) Tag() Tag             { return TagInline }
func (ProfiledReceiver) Tag() Tag   { return TagProfiledReceiver }
func (ProfiledArrayStore) Tag() Tag { return TagProfiledArrayStore }
func (ProfiledUnstableIf) Tag() Tag { return TagProfiledUnstableIf }
func (ConstantReplace) Tag() Tag    { return TagConstantReplace }

func (r DeVirtualize) Site() int       { return r.BCI }
func (r Inline) Site() int             { return r.BCI }
func (r ProfiledReceiver) Site() int   { return r.BCI }
func (r ProfiledArrayStore) Site() int { return r.BCI }
func (r ProfiledUnstableIf) Site() int { return r.BCI }
func (r ConstantReplace) Site() int    { return r.BCI }

func (DeVirtualize) sealed()       {}
func (Inline) sealed()             {}
func (ProfiledReceiver) sealed()   {}
func (ProfiledArrayStore) sealed() {}
func (ProfiledUnstableIf) sealed() {}
func (ConstantReplace) sealed()    {}

func (r DeVirtualize) String() string {
	return fmt.Sprintf("devirtualize@%d [%s] default=%s", r.BCI, strings.Join(r.Receivers, ","), r.Default)
}

func (r Inline) String() string {
	return fmt.Sprintf("inline@%d %s holder=%s", r.BCI, r.Callee, r.HolderIdentity.Short())
}

func (r ProfiledReceiver) String() string {
	return fmt.Sprintf("profiled_receiver@%d %s", r.BCI, r.Type)
}

func (r ProfiledArrayStore) String() string {
	return fmt.Sprintf("profiled_array_store@%d %s", r.BCI, r.ElementType)
}

func (r ProfiledUnstableIf) String() string {
	return fmt.Sprintf("profiled_unstable_if@%d taken=%t", r.BCI, r.Taken)
}

func (r ConstantReplace) String() string {
	return fmt.Sprintf("constant_replace@%d %s %s=%#x", r.BCI, r.Field, r.Kind, r.Bits)
}
