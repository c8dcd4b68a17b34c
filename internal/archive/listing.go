package archive

import (
	"bufio"
	"fmt"
	"io"
	"time"

	units "github.com/docker/go-units"

	"codearchive/internal/reloc"
)

// DumpOptions controls Dump.
type DumpOptions struct {
	// Verbose lists relocations, dependencies and opt records per version.
	Verbose bool
	// Stable omits per-file fields (id, creation time, size) so that two
	// archives with the same content produce the same text.
	Stable bool
}

// Dump writes a human-readable listing of a.
func Dump(w io.Writer, a *Archive, opts DumpOptions) error {
	bw := bufio.NewWriter(w)
	if !opts.Stable {
		fmt.Fprintf(bw, "archive %s\n", a.ID)
		fmt.Fprintf(bw, "created %s\n", a.Created.UTC().Format(time.RFC3339))
		fmt.Fprintf(bw, "size    %s\n", units.HumanSize(float64(a.DeclaredSize)))
	}
	fmt.Fprintf(bw, "format  %d codec %s\n", a.FormatVersion, a.Codec)
	fmt.Fprintf(bw, "env     %s\n", a.Env)
	fmt.Fprintf(bw, "classpath (%d)\n", len(a.Classpath))
	for _, e := range a.Classpath {
		fmt.Fprintf(bw, "  %-8s %s %s\n", e.Kind, e.Path, e.ContentHash.Short())
		for _, x := range e.Expansion {
			fmt.Fprintf(bw, "    %-6s %s %s\n", x.Kind, x.Path, x.ContentHash.Short())
		}
	}
	for _, c := range a.Containers {
		fmt.Fprintf(bw, "container %s methods=%d\n", c.Env.Short(), c.Len())
		c.Each(func(m *MethodRecord) bool {
			dumpMethod(bw, m, opts.Verbose)
			return true
		})
	}
	return bw.Flush()
}

func dumpMethod(w io.Writer, m *MethodRecord, verbose bool) {
	fmt.Fprintf(w, "  %s versions=%d\n", m.ID, len(m.Versions))
	for i, v := range m.Versions {
		state := "usable"
		if !v.Usable {
			state = "unusable"
		}
		fmt.Fprintf(w, "    v%d %s code=%d relocs=%d deps=%d records=%d hash=%016x\n",
			i, state, len(v.Code), len(v.Relocs), len(v.Deps), len(v.Records), v.ContentHash())
		if !verbose {
			continue
		}
		for _, r := range v.Relocs {
			target := "internal"
			if r.Kind != reloc.KindInternal && int(r.Index) < len(v.Symbols) {
				target = v.Symbols[r.Index].Name
			}
			fmt.Fprintf(w, "      reloc @%d w%d %s %s %+d\n", r.Offset, r.Width, r.Kind, target, r.Addend)
		}
		for _, d := range v.Deps {
			fmt.Fprintf(w, "      dep %s\n", d)
		}
		for _, r := range v.Records {
			fmt.Fprintf(w, "      rec %s\n", r)
		}
	}
}
