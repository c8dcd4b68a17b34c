// Package diff compares two archive listings (see archive.Dump) as a
// unified patch, so print -against can show what a merge or a new save run
// changed line by line.
package diff

import (
	"fmt"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"
)

// Listing is the stable dump of one archive and the name it is shown under.
type Listing struct {
	Name string
	Text []byte
}

// Options tune Listings.
type Options struct {
	// MaxBytes bounds the combined size of both listings; 0 is unlimited.
	MaxBytes int
	// Context lines around each hunk; 0 means 3.
	Context int
}

// Listings returns the unified patch turning before into after, empty when
// they are equal. Listings over MaxBytes are not compared: the patch is a
// stub saying so and omitted is true.
func Listings(before, after Listing, opt Options) (patch string, omitted bool) {
	if total := len(before.Text) + len(after.Text); opt.MaxBytes > 0 && total > opt.MaxBytes {
		return stub(before.Name, after.Name, fmt.Sprintf("listings total %d bytes, limit %d", total, opt.MaxBytes)), true
	}
	ctx := opt.Context
	if ctx <= 0 {
		ctx = 3
	}
	patch, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        lines(before.Text),
		B:        lines(after.Text),
		FromFile: before.Name,
		ToFile:   after.Name,
		Context:  ctx,
	})
	if err != nil {
		return stub(before.Name, after.Name, err.Error()), true
	}
	return patch, false
}

// lines splits a listing after each newline; difflib expects the
// terminators to stay on the lines.
func lines(text []byte) []string {
	if len(text) == 0 {
		return nil
	}
	return strings.SplitAfter(string(text), "\n")
}

func stub(from, to, why string) string {
	return fmt.Sprintf("--- %s\n+++ %s\n# listing comparison skipped: %s\n", from, to, why)
}
