package archive

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"

	units "github.com/docker/go-units"

	"codearchive/internal/core"
)

// Load reads and decodes the archive at path. Every failure is a structural
// *core.Error carrying path; a missing file wraps os.ErrNotExist.
func Load(path string) (*Archive, error) {
	data, release, err := readFile(path)
	if err != nil {
		return nil, core.NewStructuralError(path, "cannot read archive", err)
	}
	defer release()
	a, err := Decode(data)
	if err == nil {
		err = Validate(a)
	}
	if err != nil {
		var ce *core.Error
		if errors.As(err, &ce) && ce.Type == core.ErrorTypeStructural {
			ce.Path = path
			return nil, ce
		}
		return nil, core.NewStructuralError(path, MsgInvalidBody, err)
	}
	return a, nil
}

// ErrSizeCap is returned by Write when the encoded archive exceeds MaxSize.
var ErrSizeCap = errors.New("archive exceeds size cap")

// ErrSkipped is returned by Write when the save probability roll says no.
var ErrSkipped = errors.New("archive write skipped by save probability")

// WriteOptions control Write.
type WriteOptions struct {
	// MaxSize caps the file length in bytes; 0 means unlimited.
	MaxSize int64
	// Probability is the percent chance (1..100) that the write happens;
	// 0 is treated as 100.
	Probability int
	// Preserve renames an existing archive to path+".old" first.
	Preserve bool
	// Rand is used for the probability roll; nil uses the global source.
	Rand *rand.Rand
}

func (o WriteOptions) roll() bool {
	if o.Probability <= 0 || o.Probability >= 100 {
		return true
	}
	var n int
	if o.Rand != nil {
		n = o.Rand.IntN(100)
	} else {
		n = rand.IntN(100)
	}
	return n < o.Probability
}

// Write validates, encodes and atomically writes a to path. It returns the
// number of bytes written. On any error the file at path is left untouched.
func Write(path string, a *Archive, opts WriteOptions) (int64, error) {
	if !opts.roll() {
		return 0, ErrSkipped
	}
	if err := Validate(a); err != nil {
		return 0, err
	}
	data, err := Encode(a)
	if err != nil {
		return 0, err
	}
	if opts.MaxSize > 0 && int64(len(data)) > opts.MaxSize {
		return 0, fmt.Errorf("%w: %s > %s", ErrSizeCap,
			units.BytesSize(float64(len(data))), units.BytesSize(float64(opts.MaxSize)))
	}
	if err := writeFileAtomic(path, data, opts.Preserve); err != nil {
		return 0, fmt.Errorf("write archive %s: %w", path, err)
	}
	a.DeclaredSize = uint64(len(data))
	return int64(len(data)), nil
}

// Exists reports whether a regular file is present at path.
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
