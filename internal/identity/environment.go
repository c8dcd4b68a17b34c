package identity

import "sort"

// Environment is the subset of runtime configuration that changes code
// layout or semantics. Two processes whose environments fingerprint
// differently never share cached code.
type Environment struct {
	CompressedOops          bool              `yaml:"compressed_oops"`
	CompressedClassPointers bool              `yaml:"compressed_class_pointers"`
	GC                      string            `yaml:"gc"`
	ObjectAlignment         int               `yaml:"object_alignment"`
	HeaderLayout            string            `yaml:"header_layout"`
	Flags                   map[string]string `yaml:"flags"`
}

// Fingerprint is deterministic for a given configuration; flag order does
// not matter.
func (e Environment) Fingerprint() Fingerprint {
	d := newDigest("environment/v1")
	d.bool(e.CompressedOops)
	d.bool(e.CompressedClassPointers)
	d.str(e.GC)
	d.int(int64(e.ObjectAlignment))
	d.str(e.HeaderLayout)

	keys := make([]string, 0, len(e.Flags))
	for k := range e.Flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d.uint(uint64(len(keys)))
	for _, k := range keys {
		d.str(k)
		d.str(e.Flags[k])
	}
	return d.sum()
}
