package reloc

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addrMap map[Symbol]uint64

func (m addrMap) Resolve(kind Kind, name string) (uint64, bool) {
	a, ok := m[Symbol{Kind: kind, Name: name}]
	return a, ok
}

const base = 0x7f0000001000

// sampleBlob lays out: [0:8] type handle, [8:12] rel32 call to a method,
// [12:20] switch table entry pointing at offset 24, [20:24] padding,
// [24:32] global symbol + 16.
func sampleBlob(t *testing.T, addrs addrMap, codeBase uint64) []byte {
	t.Helper()
	code := make([]byte, 32)
	binary.LittleEndian.PutUint64(code[0:], addrs[Symbol{KindType, "Child1"}])
	call := addrs[Symbol{KindMethod, "Parent.foo()V"}]
	binary.LittleEndian.PutUint32(code[8:], uint32(int32(int64(call)-int64(codeBase+8+4))))
	binary.LittleEndian.PutUint64(code[12:], codeBase+24)
	copy(code[20:24], []byte{0x90, 0x90, 0x90, 0x90})
	binary.LittleEndian.PutUint64(code[24:], addrs[Symbol{KindGlobal, "polling_page"}]+16)
	return code
}

var sampleCands = []Candidate{
	{Offset: 24, Width: 8, Kind: KindGlobal, Symbol: "polling_page"},
	{Offset: 0, Width: 8, Kind: KindType, Symbol: "Child1"},
	{Offset: 8, Width: 4, Kind: KindMethod, Flags: FlagPCRelative, Symbol: "Parent.foo()V"},
	{Offset: 12, Width: 8, Kind: KindInternal, Flags: FlagSwitchTable},
}

func processAddrs() addrMap {
	return addrMap{
		{KindType, "Child1"}:         0x7f0000800000,
		{KindMethod, "Parent.foo()V"}: 0x7f0000002000,
		{KindGlobal, "polling_page"}: 0x7f00ffff0000,
	}
}

func TestExternalizeInternalizeRoundTrip(t *testing.T) {
	addrs := processAddrs()
	orig := sampleBlob(t, addrs, base)

	res, err := Externalize(orig, base, sampleCands, addrs, Options{})
	require.NoError(t, err)
	require.Len(t, res.Relocs, 4)
	assert.Len(t, res.Symbols, 3)
	assert.Equal(t, make([]byte, 8), res.Code[0:8], "sites are zeroed")
	assert.Equal(t, []byte{0x90, 0x90, 0x90, 0x90}, res.Code[20:24], "non-sites are untouched")
	assert.NotEqual(t, orig, res.Code)

	got, err := Internalize(append([]byte(nil), res.Code...), base, res.Relocs, res.Symbols, addrs)
	require.NoError(t, err)
	assert.Equal(t, orig, got)
}

func TestInternalizeAtNewAddresses(t *testing.T) {
	saved := processAddrs()
	res, err := Externalize(sampleBlob(t, saved, base), base, sampleCands, saved, Options{})
	require.NoError(t, err)

	moved := addrMap{
		{KindType, "Child1"}:         0x7e0000900000,
		{KindMethod, "Parent.foo()V"}: 0x7e0000003000,
		{KindGlobal, "polling_page"}: 0x7e00ffff0000,
	}
	newBase := uint64(0x7e0000001000)
	got, err := Internalize(append([]byte(nil), res.Code...), newBase, res.Relocs, res.Symbols, moved)
	require.NoError(t, err)
	assert.Equal(t, sampleBlob(t, moved, newBase), got)
}

func TestInternalizeUnresolved(t *testing.T) {
	addrs := processAddrs()
	res, err := Externalize(sampleBlob(t, addrs, base), base, sampleCands, addrs, Options{})
	require.NoError(t, err)

	tests := []struct {
		name  string
		drop  Symbol
		class string
	}{
		{"missing method", Symbol{KindMethod, "Parent.foo()V"}, ClassMethodNotFound},
		{"missing type", Symbol{KindType, "Child1"}, ClassUnresolvedIdentity},
		{"missing global", Symbol{KindGlobal, "polling_page"}, ClassUnresolvedIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			partial := addrMap{}
			for k, v := range addrs {
				if k != tt.drop {
					partial[k] = v
				}
			}
			_, err := Internalize(append([]byte(nil), res.Code...), base, res.Relocs, res.Symbols, partial)
			var ue *UnresolvedError
			require.True(t, errors.As(err, &ue))
			assert.Equal(t, tt.class, ue.Class)
			assert.Equal(t, tt.drop.Name, ue.Name)
		})
	}
}

func TestExternalizeFixedRange(t *testing.T) {
	addrs := addrMap{{KindType, "Fixed"}: 0x800000100}
	code := make([]byte, 16)
	binary.LittleEndian.PutUint64(code[0:], 0x800000100)
	binary.LittleEndian.PutUint64(code[8:], base+4)
	cands := []Candidate{
		{Offset: 0, Width: 8, Kind: KindType, Symbol: "Fixed"},
		{Offset: 8, Width: 8, Kind: KindInternal, Flags: FlagSafepointPoll},
	}
	// The fixed range also covers the code itself; the internal site must
	// still be emitted.
	opts := Options{NoRelocLow: 0x800000000, NoRelocHigh: base + 0x1000}
	res, err := Externalize(code, base, cands, addrs, opts)
	require.NoError(t, err)
	require.Len(t, res.Relocs, 1)
	assert.Equal(t, KindInternal, res.Relocs[0].Kind)
	assert.Equal(t, int64(4), res.Relocs[0].Addend)
	assert.Equal(t, code[0:8], res.Code[0:8], "fixed reference stays raw")
}

func TestExternalizeRejectsBadSites(t *testing.T) {
	addrs := processAddrs()
	code := make([]byte, 16)
	tests := []struct {
		name string
		c    []Candidate
	}{
		{"overrun", []Candidate{{Offset: 12, Width: 8, Kind: KindType, Symbol: "Child1"}}},
		{"width", []Candidate{{Offset: 0, Width: 2, Kind: KindType, Symbol: "Child1"}}},
		{"overlap", []Candidate{
			{Offset: 0, Width: 8, Kind: KindType, Symbol: "Child1"},
			{Offset: 4, Width: 4, Kind: KindType, Symbol: "Child1"},
		}},
		{"internal outside", []Candidate{{Offset: 0, Width: 8, Kind: KindInternal}}},
		{"unknown symbol", []Candidate{{Offset: 0, Width: 8, Kind: KindType, Symbol: "Nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Externalize(code, base, tt.c, addrs, Options{})
			assert.Error(t, err)
		})
	}
}

func TestSymbolTableInterns(t *testing.T) {
	var st SymbolTable
	a := st.Intern(Symbol{KindType, "A"})
	b := st.Intern(Symbol{KindMethod, "A"})
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, st.Intern(Symbol{KindType, "A"}))
	_, ok := st.At(5)
	assert.False(t, ok)
}
