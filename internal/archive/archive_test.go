package archive

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codearchive/internal/core"
	"codearchive/internal/identity"
	"codearchive/internal/optrec"
	"codearchive/internal/reloc"
)

var testEnv = identity.Environment{CompressedOops: true, GC: "g1", ObjectAlignment: 8}.Fingerprint()

func sampleVersion(receiver string) *Version {
	code := bytes.Repeat([]byte{0x90}, 512)
	return &Version{
		Usable:  true,
		Code:    code,
		Symbols: []reloc.Symbol{{Kind: reloc.KindType, Name: receiver}},
		Relocs: []reloc.Relocation{
			{Offset: 0, Width: 8, Kind: reloc.KindType, Index: 0},
			{Offset: 16, Width: 8, Kind: reloc.KindInternal, Flags: reloc.FlagSwitchTable, Addend: 64},
		},
		Deps: []Dependency{{Kind: DepType, Type: receiver, Identity: identity.Fingerprint{7}}},
		Records: []optrec.Record{
			optrec.DeVirtualize{BCI: 3, Receivers: []string{receiver}},
			optrec.ConstantReplace{BCI: 9, Field: "Config.LIMIT", Kind: optrec.KindInt, Bits: 64},
			optrec.Inline{BCI: 12, Callee: "Util.max(II)I", Holder: "Util", HolderIdentity: identity.Fingerprint{1}},
			optrec.ProfiledUnstableIf{BCI: 20, Taken: true},
			optrec.ProfiledReceiver{BCI: 24, Type: receiver},
			optrec.ProfiledArrayStore{BCI: 30, ElementType: "java.lang.String"},
		},
	}
}

func sampleArchive(t *testing.T) *Archive {
	t.Helper()
	a := New(testEnv, identity.ClasspathDescriptor{
		{Kind: identity.EntryJar, Path: "/app/a.jar", ContentHash: identity.Fingerprint{3}, ModTime: 1700000000},
	})
	c := a.EnsureContainer(testEnv)
	c.Put(&MethodRecord{ID: MethodID{"Parent", "foo", "()V"}, Versions: []*Version{sampleVersion("Child1")}})
	c.Put(&MethodRecord{ID: MethodID{"App", "main", "([Ljava/lang/String;)V"}, Versions: []*Version{sampleVersion("Child2")}})
	return a
}

func writeSample(t *testing.T, a *Archive) (string, []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.csa")
	_, err := Write(path, a, WriteOptions{})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return path, data
}

func requireStructural(t *testing.T, err error, msg string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, &core.Error{Type: core.ErrorTypeStructural, Message: msg}), "got %v", err)
}

func TestWriteLoadRoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecLZ4, CodecXZ} {
		t.Run(codec.String(), func(t *testing.T) {
			a := sampleArchive(t)
			a.Codec = codec
			path, data := writeSample(t, a)

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, uint64(len(data)), got.DeclaredSize)
			assert.Equal(t, a.ID, got.ID)
			assert.Equal(t, testEnv, got.Env)
			assert.Equal(t, a.Classpath, got.Classpath)
			assert.Equal(t, codec, got.Codec)
			assert.Equal(t, a.Created.UnixNano(), got.Created.UnixNano())
			require.Len(t, got.Containers, 1)

			m, ok := got.Lookup(testEnv, MethodID{"Parent", "foo", "()V"})
			require.True(t, ok)
			want, _ := a.Lookup(testEnv, MethodID{"Parent", "foo", "()V"})
			assert.Equal(t, want.Versions, m.Versions)
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	a := sampleArchive(t)
	x, err := Encode(a)
	require.NoError(t, err)
	y, err := Encode(a)
	require.NoError(t, err)
	assert.Equal(t, x, y)
	assert.Equal(t, Magic[:], x[:4])
}

func TestLoadTruncated(t *testing.T) {
	path, data := writeSample(t, sampleArchive(t))
	require.NoError(t, os.WriteFile(path, data[:len(data)-200], 0o644))
	_, err := Load(path)
	requireStructural(t, err, MsgIncomplete)
	assert.Contains(t, strings.ToLower(err.Error()), "incomplete archive file")

	require.NoError(t, os.WriteFile(path, data[:10], 0o644))
	_, err = Load(path)
	requireStructural(t, err, MsgIncomplete)
}

func TestLoadOversized(t *testing.T) {
	path, data := writeSample(t, sampleArchive(t))
	require.NoError(t, os.WriteFile(path, append(data, 0, 0, 0), 0o644))
	_, err := Load(path)
	requireStructural(t, err, MsgOversized)
}

func TestLoadBadMagic(t *testing.T) {
	path, data := writeSample(t, sampleArchive(t))
	data[0] = 'X'
	require.NoError(t, os.WriteFile(path, data, 0o644))
	_, err := Load(path)
	requireStructural(t, err, MsgBadMagic)
	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, path, ce.Path)

	// Garbage shorter than the fixed header is still a bad magic number.
	require.NoError(t, os.WriteFile(path, []byte("not an archive, just some text"), 0o644))
	_, err = Load(path)
	requireStructural(t, err, MsgBadMagic)

	require.NoError(t, os.WriteFile(path, []byte("JC"), 0o644))
	_, err = Load(path)
	requireStructural(t, err, MsgIncomplete)
}

func TestLoadChecksumMismatch(t *testing.T) {
	path, data := writeSample(t, sampleArchive(t))
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))
	_, err := Load(path)
	requireStructural(t, err, MsgChecksum)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.csa"))
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeStructural))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWritePreserveAndSizeCap(t *testing.T) {
	path, first := writeSample(t, sampleArchive(t))

	_, err := Write(path, sampleArchive(t), WriteOptions{MaxSize: 100})
	require.ErrorIs(t, err, ErrSizeCap)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, got, "failed write leaves the old file")

	_, err = Write(path, sampleArchive(t), WriteOptions{Preserve: true})
	require.NoError(t, err)
	old, err := os.ReadFile(path + ".old")
	require.NoError(t, err)
	assert.Equal(t, first, old)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "temp file left behind: %s", e.Name())
	}
}

func TestWriteProbability(t *testing.T) {
	dir := t.TempDir()
	r := rand.New(rand.NewPCG(1, 2))
	written, skipped := 0, 0
	for i := 0; i < 200; i++ {
		_, err := Write(filepath.Join(dir, "p.csa"), sampleArchive(t), WriteOptions{Probability: 50, Rand: r})
		switch {
		case err == nil:
			written++
		case errors.Is(err, ErrSkipped):
			skipped++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Greater(t, written, 0)
	assert.Greater(t, skipped, 0)
}

func TestValidateAggregates(t *testing.T) {
	a := sampleArchive(t)
	bad := sampleVersion("Child1")
	bad.Relocs = append(bad.Relocs, reloc.Relocation{Offset: 510, Width: 8, Kind: reloc.KindType, Index: 5})
	a.Containers[0].Put(&MethodRecord{ID: MethodID{"Bad", "m", "()V"}, Versions: []*Version{bad}})
	a.Containers[0].Put(&MethodRecord{ID: MethodID{"Empty", "m", "()V"}})

	err := Validate(a)
	requireStructural(t, err, MsgInvalidBody)
	msg := err.Error()
	assert.Contains(t, msg, "runs past")
	assert.Contains(t, msg, "references symbol 5")
	assert.Contains(t, msg, "Empty.m()V: no versions")

	_, err = Write(filepath.Join(t.TempDir(), "x.csa"), a, WriteOptions{})
	require.Error(t, err)
}

func TestContentHashIgnoresUsable(t *testing.T) {
	v := sampleVersion("Child1")
	h := v.ContentHash()
	v.Usable = false
	assert.Equal(t, h, v.ContentHash())
	assert.NotEqual(t, h, sampleVersion("Child2").ContentHash())
}

func TestContainerOrdersMethods(t *testing.T) {
	a := sampleArchive(t)
	ids := []string{}
	for _, m := range a.Containers[0].Methods() {
		ids = append(ids, m.ID.String())
	}
	assert.Equal(t, []string{"App.main([Ljava/lang/String;)V", "Parent.foo()V"}, ids)
}

func TestParseMethodID(t *testing.T) {
	id, err := ParseMethodID("com.example.Parent.foo(I)V")
	require.NoError(t, err)
	assert.Equal(t, MethodID{"com.example.Parent", "foo", "(I)V"}, id)
	assert.Equal(t, "com.example.Parent.foo(I)V", id.String())

	for _, bad := range []string{"foo", "foo()V", ".foo()V", "Parent.(I)V"} {
		_, err := ParseMethodID(bad)
		assert.Error(t, err, bad)
	}
}

func TestDumpStable(t *testing.T) {
	a, b := sampleArchive(t), sampleArchive(t)
	var x, y bytes.Buffer
	require.NoError(t, Dump(&x, a, DumpOptions{Verbose: true, Stable: true}))
	require.NoError(t, Dump(&y, b, DumpOptions{Verbose: true, Stable: true}))
	assert.Equal(t, x.String(), y.String())
	assert.Contains(t, x.String(), "rec devirtualize@3 [Child1] default=deoptimize")
	assert.Contains(t, x.String(), "reloc @0 w8 type Child1 +0")
	assert.NotContains(t, x.String(), a.ID.String())
}
