// Package archive defines the on-disk archive of compiled code: the data
// model, the bit-exact binary format, and loading and writing of whole files.
//
// An archive is write-once. Load decodes a complete file into memory and
// never keeps a handle on it; Write replaces the target path atomically.
package archive

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
	"github.com/google/uuid"

	"codearchive/internal/identity"
	"codearchive/internal/optrec"
	"codearchive/internal/reloc"
)

// FormatVersion is the only format version this package reads and writes.
const FormatVersion uint32 = 1

// MethodID names a method by declaring type, name and descriptor.
type MethodID struct {
	Holder     string
	Name       string
	Descriptor string
}

func (m MethodID) String() string {
	return m.Holder + "." + m.Name + m.Descriptor
}

func (m MethodID) less(o MethodID) bool {
	if m.Holder != o.Holder {
		return m.Holder < o.Holder
	}
	if m.Name != o.Name {
		return m.Name < o.Name
	}
	return m.Descriptor < o.Descriptor
}

// ParseMethodID parses "Holder.name(desc)ret". The holder may itself contain
// dots; the name is the segment after the last dot before the descriptor.
func ParseMethodID(s string) (MethodID, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return MethodID{}, fmt.Errorf("method %q: missing descriptor", s)
	}
	dot := strings.LastIndexByte(s[:open], '.')
	if dot <= 0 || dot == open-1 {
		return MethodID{}, fmt.Errorf("method %q: expected Holder.name(desc)", s)
	}
	return MethodID{Holder: s[:dot], Name: s[dot+1 : open], Descriptor: s[open:]}, nil
}

// DepKind says what a dependency assumes about the named type.
type DepKind uint8

const (
	// DepType assumes the type has not been redefined.
	DepType DepKind = iota + 1
	// DepMethod assumes the method has not been overridden in a subtype.
	DepMethod
)

func (k DepKind) String() string {
	switch k {
	case DepType:
		return "type"
	case DepMethod:
		return "method"
	default:
		return fmt.Sprintf("dep(%d)", uint8(k))
	}
}

// Dependency is one assumption a version makes about another type or method,
// pinned to the identity the type had at save time.
type Dependency struct {
	Kind     DepKind
	Type     string
	Method   string
	Identity identity.Fingerprint
}

func (d Dependency) String() string {
	if d.Method != "" {
		return fmt.Sprintf("%s %s.%s %s", d.Kind, d.Type, d.Method, d.Identity.Short())
	}
	return fmt.Sprintf("%s %s %s", d.Kind, d.Type, d.Identity.Short())
}

// Version is one compiled form of a method. Code is position independent:
// every embedded reference is listed in Relocs and zeroed in Code.
type Version struct {
	Usable  bool
	Code    []byte
	Symbols []reloc.Symbol
	Relocs  []reloc.Relocation
	Deps    []Dependency
	Records []optrec.Record
}

// ContentHash is the dedup key of a version: code, relocations, opt records
// and dependencies. The usable flag is not part of it.
func (v *Version) ContentHash() uint64 {
	var e encoder
	e.versionBody(v)
	return xxhash.Sum64(e.buf)
}

// MethodRecord holds every version archived for one method, oldest first.
type MethodRecord struct {
	ID       MethodID
	Versions []*Version
}

// Usable returns the indices of versions whose usable flag is set.
func (m *MethodRecord) Usable() []int {
	var out []int
	for i, v := range m.Versions {
		if v.Usable {
			out = append(out, i)
		}
	}
	return out
}

// Container groups the methods compiled under one environment fingerprint.
// Methods are kept ordered by id so encoding is deterministic.
type Container struct {
	Env     identity.Fingerprint
	methods *btree.BTreeG[*MethodRecord]
}

// NewContainer returns an empty container for env.
func NewContainer(env identity.Fingerprint) *Container {
	return &Container{
		Env: env,
		methods: btree.NewG(16, func(a, b *MethodRecord) bool {
			return a.ID.less(b.ID)
		}),
	}
}

// Get returns the record for id.
func (c *Container) Get(id MethodID) (*MethodRecord, bool) {
	return c.methods.Get(&MethodRecord{ID: id})
}

// Put inserts or replaces the record with the same id.
func (c *Container) Put(m *MethodRecord) {
	c.methods.ReplaceOrInsert(m)
}

// Delete removes the record for id.
func (c *Container) Delete(id MethodID) {
	c.methods.Delete(&MethodRecord{ID: id})
}

// Len is the number of method records.
func (c *Container) Len() int {
	return c.methods.Len()
}

// Each visits records in id order until fn returns false.
func (c *Container) Each(fn func(*MethodRecord) bool) {
	c.methods.Ascend(func(m *MethodRecord) bool { return fn(m) })
}

// Methods returns records in id order.
func (c *Container) Methods() []*MethodRecord {
	out := make([]*MethodRecord, 0, c.Len())
	c.Each(func(m *MethodRecord) bool {
		out = append(out, m)
		return true
	})
	return out
}

// Header is the archive-level metadata.
type Header struct {
	FormatVersion uint32
	Codec         Codec
	DeclaredSize  uint64
	Created       time.Time
	ID            uuid.UUID
	Env           identity.Fingerprint
	Classpath     identity.ClasspathDescriptor
}

// Archive is a decoded archive file.
type Archive struct {
	Header
	Containers []*Container
}

// New returns an empty archive for env and classpath with a fresh id.
func New(env identity.Fingerprint, cp identity.ClasspathDescriptor) *Archive {
	return &Archive{Header: Header{
		FormatVersion: FormatVersion,
		Created:       time.Now(),
		ID:            uuid.New(),
		Env:           env,
		Classpath:     cp,
	}}
}

// Container returns the container for env, if any.
func (a *Archive) Container(env identity.Fingerprint) (*Container, bool) {
	for _, c := range a.Containers {
		if c.Env == env {
			return c, true
		}
	}
	return nil, false
}

// EnsureContainer returns the container for env, appending one if missing.
func (a *Archive) EnsureContainer(env identity.Fingerprint) *Container {
	if c, ok := a.Container(env); ok {
		return c
	}
	c := NewContainer(env)
	a.Containers = append(a.Containers, c)
	if len(a.Containers) == 1 {
		a.Env = env
	}
	return c
}

// Lookup finds the record for id in the container for env.
func (a *Archive) Lookup(env identity.Fingerprint, id MethodID) (*MethodRecord, bool) {
	c, ok := a.Container(env)
	if !ok {
		return nil, false
	}
	return c.Get(id)
}

// MethodCount is the number of method records across all containers.
func (a *Archive) MethodCount() int {
	n := 0
	for _, c := range a.Containers {
		n += c.Len()
	}
	return n
}
