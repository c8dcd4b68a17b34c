package delta

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codearchive/internal/archive"
	"codearchive/internal/identity"
)

var (
	envA = identity.Fingerprint{1}
	envB = identity.Fingerprint{2}
)

func version(code string) *archive.Version {
	return &archive.Version{Usable: true, Code: []byte(code)}
}

func build(env identity.Fingerprint, methods map[string][]*archive.Version) *archive.Archive {
	a := archive.New(env, nil)
	c := a.EnsureContainer(env)
	for name, vs := range methods {
		c.Put(&archive.MethodRecord{ID: archive.MethodID{Holder: "P", Name: name, Descriptor: "()V"}, Versions: vs})
	}
	return a
}

func TestBuildClassifies(t *testing.T) {
	prev := build(envA, map[string][]*archive.Version{
		"same":    {version("s")},
		"changed": {version("c1")},
		"gone":    {version("g")},
	})
	curr := build(envA, map[string][]*archive.Version{
		"same":    {version("s")},
		"changed": {version("c1"), version("c2")},
		"new":     {version("n")},
	})
	d := Build(prev, curr)
	require.Len(t, d.Added, 1)
	assert.Equal(t, "P.new()V", d.Added[0].Method)
	require.Len(t, d.Removed, 1)
	assert.Equal(t, "P.gone()V", d.Removed[0].Method)
	require.Len(t, d.Changed, 1)
	assert.Equal(t, 2, d.Changed[0].VersionsAfter)
	assert.Empty(t, d.Renamed)

	var buf bytes.Buffer
	require.NoError(t, d.Write(&buf))
	assert.Contains(t, buf.String(), "~ "+envA.Short()+"/P.changed()V versions=1->2")
}

func TestBuildMatchesRenames(t *testing.T) {
	prev := build(envA, map[string][]*archive.Version{"m": {version("x")}})
	curr := build(envB, map[string][]*archive.Version{"m": {version("x")}})
	d := Build(prev, curr)
	require.Len(t, d.Renamed, 1)
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Removed)
	assert.Equal(t, envA.Short()+"/P.m()V", d.Renamed[0].From)
}

func TestVersionOrderDoesNotMatter(t *testing.T) {
	prev := build(envA, map[string][]*archive.Version{"m": {version("a"), version("b")}})
	curr := build(envA, map[string][]*archive.Version{"m": {version("b"), version("a")}})
	d := Build(prev, curr)
	assert.True(t, d.Empty())
	assert.True(t, Build(nil, nil).Empty())
	assert.Len(t, Build(nil, curr).Added, 1)
}
