package optrec

import "codearchive/internal/identity"

// StaticProfile is a map-backed Profile, used by the world file and tests.
// A nil *StaticProfile has observed nothing.
type StaticProfile struct {
	ReceiverRows map[int][]ReceiverCount
	Branches     map[int]bool
	Constants    map[string]Constant
	Callees      map[string]identity.Fingerprint
}

// Constant is a typed constant value.
type Constant struct {
	Kind PrimKind
	Bits uint64
}

func (p *StaticProfile) Receivers(bci int) []ReceiverCount {
	if p == nil {
		return nil
	}
	return p.ReceiverRows[bci]
}

func (p *StaticProfile) Branch(bci int) (bool, bool) {
	if p == nil {
		return false, false
	}
	taken, ok := p.Branches[bci]
	return taken, ok
}

func (p *StaticProfile) Constant(field string) (PrimKind, uint64, bool) {
	if p == nil {
		return 0, 0, false
	}
	c, ok := p.Constants[field]
	return c.Kind, c.Bits, ok
}

func (p *StaticProfile) ResolveCallee(callee string) (identity.Fingerprint, bool) {
	if p == nil {
		return identity.Fingerprint{}, false
	}
	id, ok := p.Callees[callee]
	return id, ok
}
