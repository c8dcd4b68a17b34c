package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseShapes() (*TypeShape, *TypeShape) {
	iface := &TypeShape{
		Name:   "Greeter",
		Loader: "app",
		DefaultMethods: []DefaultMethod{
			{Name: "greet", Descriptor: "()V", Body: []byte{0x2a, 0xb1}},
		},
	}
	parent := &TypeShape{Name: "Parent", Loader: "app", Fields: []Field{{Name: "id", Type: "I", Offset: 12}}}
	child := &TypeShape{
		Name:       "Child1",
		Loader:     "app",
		Super:      parent,
		Interfaces: []*TypeShape{iface},
		Fields:     []Field{{Name: "name", Type: "Ljava/lang/String;", Offset: 16}},
	}
	return parent, child
}

func TestTypeIdentityDeterministic(t *testing.T) {
	_, a := baseShapes()
	_, b := baseShapes()
	assert.Equal(t, TypeIdentity(a), TypeIdentity(a))
	assert.Equal(t, TypeIdentity(a), TypeIdentity(b), "independently built equal shapes must agree")
}

func TestTypeIdentityDistinguishesShapes(t *testing.T) {
	_, ref := baseShapes()
	want := TypeIdentity(ref)

	tests := []struct {
		name   string
		mutate func(c *TypeShape)
	}{
		{"field offset", func(c *TypeShape) { c.Fields[0].Offset = 24 }},
		{"field type", func(c *TypeShape) { c.Fields[0].Type = "I" }},
		{"superclass", func(c *TypeShape) { c.Super = &TypeShape{Name: "Other", Loader: "app"} }},
		{"superclass field", func(c *TypeShape) { c.Super.Fields[0].Offset = 16 }},
		{"interface set", func(c *TypeShape) { c.Interfaces = nil }},
		{"default method body", func(c *TypeShape) { c.Interfaces[0].DefaultMethods[0].Body = []byte{0xb1} }},
		{"loader", func(c *TypeShape) { c.Loader = "other" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := baseShapes()
			tt.mutate(c)
			assert.NotEqual(t, want, TypeIdentity(c))
		})
	}
}

func TestTypeIdentityCycleTerminates(t *testing.T) {
	a := &TypeShape{Name: "A"}
	a.Super = a
	require.NotPanics(t, func() { TypeIdentity(a) })
	assert.Equal(t, TypeIdentity(a), TypeIdentity(a))
}

func TestEnvironmentFingerprint(t *testing.T) {
	e1 := Environment{CompressedOops: true, GC: "g1", ObjectAlignment: 8, Flags: map[string]string{"a": "1", "b": "2"}}
	e2 := Environment{CompressedOops: true, GC: "g1", ObjectAlignment: 8, Flags: map[string]string{"b": "2", "a": "1"}}
	assert.Equal(t, e1.Fingerprint(), e2.Fingerprint())

	e3 := e1
	e3.CompressedOops = false
	assert.NotEqual(t, e1.Fingerprint(), e3.Fingerprint())

	e4 := e1
	e4.GC = "parallel"
	assert.NotEqual(t, e1.Fingerprint(), e4.Fingerprint())
}

func TestParseFingerprint(t *testing.T) {
	f := Environment{GC: "g1"}.Fingerprint()
	got, ok := ParseFingerprint(f.String())
	require.True(t, ok)
	assert.Equal(t, f, got)
	_, ok = ParseFingerprint("zz")
	assert.False(t, ok)
}
