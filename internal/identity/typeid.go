package identity

// Field is one declared field of a type, with its resolved layout offset.
type Field struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Offset int    `yaml:"offset"`
}

// DefaultMethod is an interface method with a body. Changing the body changes
// the identity of every implementing type.
type DefaultMethod struct {
	Name       string `yaml:"name"`
	Descriptor string `yaml:"descriptor"`
	Body       []byte `yaml:"body"`
}

// TypeShape is what the class-loading subsystem reports about a loaded type.
type TypeShape struct {
	Name           string
	Loader         string
	Super          *TypeShape
	Interfaces     []*TypeShape
	Fields         []Field
	DefaultMethods []DefaultMethod
}

// TypeSource looks up the live shape of a type by name.
type TypeSource interface {
	LookupType(name string) (*TypeShape, bool)
}

// TypeIdentity fingerprints the shape of t: its superclass chain, its
// interface chain including default-method bodies, its declared field layout
// and its defining loader. Recomputing it for an unmodified type yields the
// same value.
func TypeIdentity(t *TypeShape) Fingerprint {
	return typeIdentity(t, map[*TypeShape]bool{})
}

func typeIdentity(t *TypeShape, visiting map[*TypeShape]bool) Fingerprint {
	d := newDigest("type/v1")
	if t == nil {
		return d.sum()
	}
	d.str(t.Name)
	d.str(t.Loader)
	if visiting[t] {
		// A cycle only shows up in malformed input; name and loader still
		// keep the result deterministic.
		return d.sum()
	}
	visiting[t] = true
	defer delete(visiting, t)

	d.bool(t.Super != nil)
	if t.Super != nil {
		d.fp(typeIdentity(t.Super, visiting))
	}

	// Interface order is kept: it decides default-method resolution.
	d.uint(uint64(len(t.Interfaces)))
	for _, itf := range t.Interfaces {
		d.fp(typeIdentity(itf, visiting))
	}

	d.uint(uint64(len(t.Fields)))
	for _, f := range t.Fields {
		d.str(f.Name)
		d.str(f.Type)
		d.int(int64(f.Offset))
	}

	d.uint(uint64(len(t.DefaultMethods)))
	for _, m := range t.DefaultMethods {
		d.str(m.Name)
		d.str(m.Descriptor)
		d.bytes(m.Body)
	}
	return d.sum()
}

// LookupIdentity resolves name through src and fingerprints it.
func LookupIdentity(src TypeSource, name string) (Fingerprint, bool) {
	if src == nil {
		return Fingerprint{}, false
	}
	t, ok := src.LookupType(name)
	if !ok {
		return Fingerprint{}, false
	}
	return TypeIdentity(t), true
}
