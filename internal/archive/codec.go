package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"codearchive/internal/core"
	"codearchive/internal/identity"
	"codearchive/internal/optrec"
	"codearchive/internal/reloc"
)

// Magic opens every archive file.
var Magic = [4]byte{'J', 'C', 'S', 'A'}

// HeaderSize is the length of the fixed header part.
const HeaderSize = 76

const (
	offVersion  = 4
	offFlags    = 8
	offDeclared = 12
	offCreated  = 20
	offID       = 28
	offEnv      = 44
)

// maxRawPayload bounds a single container so a corrupt length cannot
// trigger a huge allocation.
const maxRawPayload = 1 << 30

// Structural failure messages. Tests and callers match on them with
// errors.Is(err, &core.Error{Type: core.ErrorTypeStructural, Message: ...}).
const (
	MsgIncomplete  = "incomplete archive file"
	MsgOversized   = "oversized archive file"
	MsgBadMagic    = "bad magic number"
	MsgBadVersion  = "unsupported format version"
	MsgChecksum    = "container checksum mismatch"
	MsgCorrupt     = "corrupt archive"
	MsgInvalidBody = "invalid archive content"
)

var errTruncated = errors.New("unexpected end of data")

// Encode serializes a into the bit-exact file format. The declared size in
// the header is back-patched once the full length is known.
func Encode(a *Archive) ([]byte, error) {
	e := encoder{buf: make([]byte, HeaderSize, 4096)}
	copy(e.buf, Magic[:])
	binary.LittleEndian.PutUint32(e.buf[offVersion:], FormatVersion)
	binary.LittleEndian.PutUint32(e.buf[offFlags:], uint32(a.Codec))
	binary.LittleEndian.PutUint64(e.buf[offCreated:], uint64(a.Created.UnixNano()))
	copy(e.buf[offID:], a.ID[:])
	env := a.Env
	if len(a.Containers) > 0 {
		env = a.Containers[0].Env
	}
	copy(e.buf[offEnv:], env[:])

	e.classpath(a.Classpath)
	e.uvarint(uint64(len(a.Containers)))
	for _, c := range a.Containers {
		var body encoder
		body.uvarint(uint64(c.Len()))
		c.Each(func(m *MethodRecord) bool {
			body.method(m)
			return true
		})
		payload, err := a.Codec.compress(body.buf)
		if err != nil {
			return nil, fmt.Errorf("compress container %s: %w", c.Env.Short(), err)
		}
		e.fp(c.Env)
		e.uvarint(uint64(len(body.buf)))
		e.uvarint(uint64(len(payload)))
		e.u32(crc32.ChecksumIEEE(payload))
		e.buf = append(e.buf, payload...)
	}
	binary.LittleEndian.PutUint64(e.buf[offDeclared:], uint64(len(e.buf)))
	return e.buf, nil
}

// Decode parses a whole archive file. All returned slices are copies, so
// data may be released afterwards. Failures are structural *core.Error values
// without a path.
func Decode(data []byte) (*Archive, error) {
	if len(data) >= len(Magic) && [4]byte(data[:4]) != Magic {
		return nil, core.NewStructuralError("", MsgBadMagic, fmt.Errorf("got %q", data[:4]))
	}
	if len(data) < HeaderSize {
		return nil, core.NewStructuralError("", MsgIncomplete,
			fmt.Errorf("%d bytes is shorter than the %d byte header", len(data), HeaderSize))
	}
	a := &Archive{}
	a.FormatVersion = binary.LittleEndian.Uint32(data[offVersion:])
	if a.FormatVersion != FormatVersion {
		return nil, core.NewStructuralError("", MsgBadVersion, fmt.Errorf("got %d, want %d", a.FormatVersion, FormatVersion))
	}
	a.DeclaredSize = binary.LittleEndian.Uint64(data[offDeclared:])
	switch actual := uint64(len(data)); {
	case actual < a.DeclaredSize:
		return nil, core.NewStructuralError("", MsgIncomplete, fmt.Errorf("%d of %d bytes", actual, a.DeclaredSize))
	case actual > a.DeclaredSize:
		return nil, core.NewStructuralError("", MsgOversized, fmt.Errorf("%d bytes, header declares %d", actual, a.DeclaredSize))
	}
	a.Codec = Codec(binary.LittleEndian.Uint32(data[offFlags:]) & 0xff)
	a.Created = time.Unix(0, int64(binary.LittleEndian.Uint64(data[offCreated:])))
	copy(a.ID[:], data[offID:offEnv])
	copy(a.Env[:], data[offEnv:HeaderSize])

	d := decoder{b: data, off: HeaderSize}
	a.Classpath = d.classpath()
	n := d.count()
	for i := 0; i < n && d.err == nil; i++ {
		env := d.fp()
		rawLen := d.uvarint()
		payLen := d.count()
		sum := d.u32()
		payload := d.take(payLen)
		if d.err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return nil, core.NewStructuralError("", MsgChecksum, fmt.Errorf("container %d (%s)", i, env.Short()))
		}
		if rawLen > maxRawPayload {
			return nil, core.NewStructuralError("", MsgCorrupt, fmt.Errorf("container %d claims %d bytes", i, rawLen))
		}
		raw, err := a.Codec.decompress(payload, int(rawLen))
		if err != nil {
			return nil, core.NewStructuralError("", MsgCorrupt, fmt.Errorf("container %d: %w", i, err))
		}
		c, err := decodeContainer(env, raw)
		if err != nil {
			return nil, core.NewStructuralError("", MsgCorrupt, fmt.Errorf("container %d: %w", i, err))
		}
		a.Containers = append(a.Containers, c)
	}
	if d.err == nil && d.off != len(data) {
		d.err = fmt.Errorf("%d trailing bytes", len(data)-d.off)
	}
	if d.err != nil {
		return nil, core.NewStructuralError("", MsgCorrupt, d.err)
	}
	return a, nil
}

func decodeContainer(env identity.Fingerprint, raw []byte) (*Container, error) {
	c := NewContainer(env)
	d := decoder{b: raw}
	n := d.count()
	for i := 0; i < n && d.err == nil; i++ {
		m := d.method()
		if d.err == nil {
			c.Put(m)
		}
	}
	if d.err == nil && d.off != len(raw) {
		d.err = fmt.Errorf("%d trailing bytes in payload", len(raw)-d.off)
	}
	return c, d.err
}

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)       { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32)     { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64)     { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) uvarint(v uint64) { e.buf = binary.AppendUvarint(e.buf, v) }
func (e *encoder) varint(v int64)   { e.buf = binary.AppendVarint(e.buf, v) }

func (e *encoder) fp(f identity.Fingerprint) { e.buf = append(e.buf, f[:]...) }

func (e *encoder) str(s string) {
	e.uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) bytes(b []byte) {
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

func (e *encoder) classpath(cp identity.ClasspathDescriptor) {
	e.uvarint(uint64(len(cp)))
	for _, ent := range cp {
		e.entry(ent)
	}
}

func (e *encoder) entry(ent identity.ClasspathEntry) {
	e.u8(uint8(ent.Kind))
	e.str(ent.Path)
	e.fp(ent.ContentHash)
	e.u64(uint64(ent.ModTime))
	if ent.Kind == identity.EntryWildcard {
		e.uvarint(uint64(len(ent.Expansion)))
		for _, x := range ent.Expansion {
			e.entry(x)
		}
	}
}

func (e *encoder) method(m *MethodRecord) {
	e.str(m.ID.Holder)
	e.str(m.ID.Name)
	e.str(m.ID.Descriptor)
	e.uvarint(uint64(len(m.Versions)))
	for _, v := range m.Versions {
		e.bool(v.Usable)
		e.versionBody(v)
	}
}

func (e *encoder) versionBody(v *Version) {
	e.bytes(v.Code)
	e.uvarint(uint64(len(v.Symbols)))
	for _, s := range v.Symbols {
		e.u8(uint8(s.Kind))
		e.str(s.Name)
	}
	e.uvarint(uint64(len(v.Relocs)))
	for _, r := range v.Relocs {
		e.uvarint(uint64(r.Offset))
		e.u8(r.Width)
		e.u8(uint8(r.Kind))
		e.u8(uint8(r.Flags))
		e.uvarint(uint64(r.Index))
		e.varint(r.Addend)
	}
	e.uvarint(uint64(len(v.Deps)))
	for _, dep := range v.Deps {
		e.u8(uint8(dep.Kind))
		e.str(dep.Type)
		e.str(dep.Method)
		e.fp(dep.Identity)
	}
	e.uvarint(uint64(len(v.Records)))
	for _, r := range v.Records {
		e.record(r)
	}
}

func (e *encoder) record(r optrec.Record) {
	e.u8(uint8(r.Tag()))
	e.uvarint(uint64(r.Site()))
	switch rec := r.(type) {
	case optrec.DeVirtualize:
		e.u8(uint8(rec.Default))
		e.uvarint(uint64(len(rec.Receivers)))
		for _, s := range rec.Receivers {
			e.str(s)
		}
	case optrec.Inline:
		e.str(rec.Callee)
		e.str(rec.Holder)
		e.fp(rec.HolderIdentity)
	case optrec.ProfiledReceiver:
		e.str(rec.Type)
	case optrec.ProfiledArrayStore:
		e.str(rec.ElementType)
	case optrec.ProfiledUnstableIf:
		e.bool(rec.Taken)
	case optrec.ConstantReplace:
		e.str(rec.Field)
		e.u8(uint8(rec.Kind))
		e.u64(rec.Bits)
	}
}

// decoder keeps the first error and turns every later read into a no-op.
type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = fmt.Errorf("offset %d: %w", d.off, err)
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.b)-d.off {
		d.fail(errTruncated)
		return nil
	}
	p := d.b[d.off : d.off+n]
	d.off += n
	return p
}

func (d *decoder) u8() uint8 {
	p := d.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (d *decoder) u32() uint32 {
	p := d.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (d *decoder) u64() uint64 {
	p := d.take(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.b[d.off:])
	if n <= 0 {
		d.fail(errors.New("bad uvarint"))
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.b[d.off:])
	if n <= 0 {
		d.fail(errors.New("bad varint"))
		return 0
	}
	d.off += n
	return v
}

// count reads a length that must fit in the remaining bytes, since every
// counted element takes at least one byte.
func (d *decoder) count() int {
	v := d.uvarint()
	if v > uint64(len(d.b)-d.off) {
		d.fail(fmt.Errorf("count %d exceeds remaining data", v))
		return 0
	}
	return int(v)
}

func (d *decoder) u32v() uint32 {
	v := d.uvarint()
	if v > 1<<32-1 {
		d.fail(fmt.Errorf("value %d overflows uint32", v))
		return 0
	}
	return uint32(v)
}

func (d *decoder) str() string {
	return string(d.take(d.count()))
}

func (d *decoder) bytes() []byte {
	p := d.take(d.count())
	if p == nil {
		return nil
	}
	return append([]byte(nil), p...)
}

func (d *decoder) bool() bool {
	switch d.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail(errors.New("bad bool"))
		return false
	}
}

func (d *decoder) fp() identity.Fingerprint {
	var f identity.Fingerprint
	copy(f[:], d.take(len(f)))
	return f
}

func (d *decoder) classpath() identity.ClasspathDescriptor {
	n := d.count()
	cp := make(identity.ClasspathDescriptor, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		cp = append(cp, d.entry(0))
	}
	return cp
}

func (d *decoder) entry(depth int) identity.ClasspathEntry {
	ent := identity.ClasspathEntry{
		Kind:        identity.EntryKind(d.u8()),
		Path:        d.str(),
		ContentHash: d.fp(),
		ModTime:     int64(d.u64()),
	}
	switch ent.Kind {
	case identity.EntryJar, identity.EntryDir:
	case identity.EntryWildcard:
		if depth > 0 {
			d.fail(errors.New("nested wildcard entry"))
			return ent
		}
		n := d.count()
		for i := 0; i < n && d.err == nil; i++ {
			ent.Expansion = append(ent.Expansion, d.entry(depth+1))
		}
	default:
		d.fail(fmt.Errorf("unknown classpath entry kind %d", ent.Kind))
	}
	return ent
}

func (d *decoder) method() *MethodRecord {
	m := &MethodRecord{ID: MethodID{Holder: d.str(), Name: d.str(), Descriptor: d.str()}}
	n := d.count()
	for i := 0; i < n && d.err == nil; i++ {
		v := &Version{Usable: d.bool()}
		d.versionBody(v)
		m.Versions = append(m.Versions, v)
	}
	return m
}

func (d *decoder) versionBody(v *Version) {
	v.Code = d.bytes()
	n := d.count()
	for i := 0; i < n && d.err == nil; i++ {
		v.Symbols = append(v.Symbols, reloc.Symbol{Kind: reloc.Kind(d.u8()), Name: d.str()})
	}
	n = d.count()
	for i := 0; i < n && d.err == nil; i++ {
		v.Relocs = append(v.Relocs, reloc.Relocation{
			Offset: d.u32v(),
			Width:  d.u8(),
			Kind:   reloc.Kind(d.u8()),
			Flags:  reloc.Flag(d.u8()),
			Index:  d.u32v(),
			Addend: d.varint(),
		})
	}
	n = d.count()
	for i := 0; i < n && d.err == nil; i++ {
		v.Deps = append(v.Deps, Dependency{
			Kind:     DepKind(d.u8()),
			Type:     d.str(),
			Method:   d.str(),
			Identity: d.fp(),
		})
	}
	n = d.count()
	for i := 0; i < n && d.err == nil; i++ {
		if r := d.record(); r != nil {
			v.Records = append(v.Records, r)
		}
	}
}

func (d *decoder) record() optrec.Record {
	tag := optrec.Tag(d.u8())
	bci := int(d.u32v())
	switch tag {
	case optrec.TagDeVirtualize:
		rec := optrec.DeVirtualize{BCI: bci, Default: optrec.Action(d.u8())}
		n := d.count()
		for i := 0; i < n && d.err == nil; i++ {
			rec.Receivers = append(rec.Receivers, d.str())
		}
		return rec
	case optrec.TagInline:
		return optrec.Inline{BCI: bci, Callee: d.str(), Holder: d.str(), HolderIdentity: d.fp()}
	case optrec.TagProfiledReceiver:
		return optrec.ProfiledReceiver{BCI: bci, Type: d.str()}
	case optrec.TagProfiledArrayStore:
		return optrec.ProfiledArrayStore{BCI: bci, ElementType: d.str()}
	case optrec.TagProfiledUnstableIf:
		return optrec.ProfiledUnstableIf{BCI: bci, Taken: d.bool()}
	case optrec.TagConstantReplace:
		return optrec.ConstantReplace{BCI: bci, Field: d.str(), Kind: optrec.PrimKind(d.u8()), Bits: d.u64()}
	default:
		d.fail(fmt.Errorf("unknown opt record tag %d", tag))
		return nil
	}
}
