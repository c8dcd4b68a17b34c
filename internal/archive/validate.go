package archive

import (
	"errors"
	"fmt"
	"strings"

	"codearchive/internal/core"
	"codearchive/internal/identity"
	"codearchive/internal/optrec"
	"codearchive/internal/reloc"
)

// Validate checks semantic constraints the codec cannot express:
//
//   - containers have distinct, non-zero environment fingerprints
//   - every method record has a name, a descriptor and at least one version
//   - relocation sites lie inside the code and reference existing symbols
//   - dependencies and opt records use known kinds
//
// All problems are aggregated into one structural error.
func Validate(a *Archive) error {
	var errs errlist
	seen := make(map[identity.Fingerprint]bool, len(a.Containers))
	for ci, c := range a.Containers {
		if c.Env.IsZero() {
			errs.add("container %d: zero environment fingerprint", ci)
		}
		if seen[c.Env] {
			errs.add("container %d: duplicate environment %s", ci, c.Env.Short())
		}
		seen[c.Env] = true
		c.Each(func(m *MethodRecord) bool {
			validateMethod(&errs, m)
			return true
		})
	}
	for i, e := range a.Classpath {
		if strings.TrimSpace(e.Path) == "" {
			errs.add("classpath entry %d: empty path", i)
		}
	}
	if err := errs.err(); err != nil {
		return core.NewStructuralError("", MsgInvalidBody, err)
	}
	return nil
}

func validateMethod(errs *errlist, m *MethodRecord) {
	id := m.ID.String()
	if m.ID.Holder == "" || m.ID.Name == "" || !strings.HasPrefix(m.ID.Descriptor, "(") {
		errs.add("%s: malformed method id", id)
	}
	if len(m.Versions) == 0 {
		errs.add("%s: no versions", id)
	}
	for vi, v := range m.Versions {
		for _, r := range v.Relocs {
			if r.Width != 4 && r.Width != 8 {
				errs.add("%s v%d: reloc at %d has width %d", id, vi, r.Offset, r.Width)
			}
			if uint64(r.Offset)+uint64(r.Width) > uint64(len(v.Code)) {
				errs.add("%s v%d: reloc at %d runs past %d code bytes", id, vi, r.Offset, len(v.Code))
			}
			if r.Kind != reloc.KindInternal && int(r.Index) >= len(v.Symbols) {
				errs.add("%s v%d: reloc at %d references symbol %d of %d", id, vi, r.Offset, r.Index, len(v.Symbols))
			}
		}
		for _, d := range v.Deps {
			if d.Kind != DepType && d.Kind != DepMethod {
				errs.add("%s v%d: unknown dependency kind %d", id, vi, d.Kind)
			}
			if d.Type == "" {
				errs.add("%s v%d: dependency without type", id, vi)
			}
		}
		for _, r := range v.Records {
			if r.Site() < 0 {
				errs.add("%s v%d: %s has negative bci", id, vi, r)
			}
			if c, ok := r.(optrec.ConstantReplace); ok && (c.Kind < optrec.KindBoolean || c.Kind > optrec.KindReference) {
				errs.add("%s v%d: constant %s has unknown kind %d", id, vi, c.Field, c.Kind)
			}
		}
	}
}

type errlist struct {
	msgs []string
}

func (e *errlist) add(format string, args ...any) {
	if e == nil {
		return
	}
	e.msgs = append(e.msgs, fmt.Sprintf(format, args...))
}

func (e *errlist) err() error {
	if e == nil || len(e.msgs) == 0 {
		return nil
	}
	return errors.New(strings.Join(e.msgs, "\n"))
}
