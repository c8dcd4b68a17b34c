// Package identity computes the fingerprints that decide whether cached code
// still applies to the running process: the environment fingerprint, per-type
// identities, and the classpath descriptor with its compatibility check.
package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
)

// Fingerprint is a sha256 digest over a canonical encoding of some shape.
type Fingerprint [sha256.Size]byte

// String returns the lowercase hex form.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns the first 12 hex chars, enough to tell fingerprints apart in logs.
func (f Fingerprint) Short() string {
	return f.String()[:12]
}

// IsZero reports whether f was never computed.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// ParseFingerprint decodes a hex fingerprint.
func ParseFingerprint(s string) (Fingerprint, bool) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(f) {
		return f, false
	}
	copy(f[:], b)
	return f, true
}

// digest length-prefixes every field so that ("ab","c") and ("a","bc")
// never hash the same.
type digest struct {
	h   hash.Hash
	buf [binary.MaxVarintLen64]byte
}

func newDigest(domain string) *digest {
	d := &digest{h: sha256.New()}
	d.str(domain)
	return d
}

func (d *digest) uint(v uint64) {
	n := binary.PutUvarint(d.buf[:], v)
	d.h.Write(d.buf[:n])
}

func (d *digest) int(v int64) {
	n := binary.PutVarint(d.buf[:], v)
	d.h.Write(d.buf[:n])
}

func (d *digest) bool(v bool) {
	if v {
		d.uint(1)
		return
	}
	d.uint(0)
}

func (d *digest) str(s string) {
	d.uint(uint64(len(s)))
	d.h.Write([]byte(s))
}

func (d *digest) bytes(b []byte) {
	d.uint(uint64(len(b)))
	d.h.Write(b)
}

func (d *digest) fp(f Fingerprint) {
	d.h.Write(f[:])
}

func (d *digest) sum() Fingerprint {
	var f Fingerprint
	copy(f[:], d.h.Sum(nil))
	return f
}
