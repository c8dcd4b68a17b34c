// Package logging provides the leveled trace channel: a tint handler behind a
// filter that enables output per category.
//
// Components tag their logger with For(logger, Category) and log normally.
// Categories that the selector does not name only pass errors.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"codearchive/internal/core"
)

// CategoryKey is the attribute that carries a record's category.
const CategoryKey = "category"

// Trace categories.
const (
	Archive  = "archive"
	Identity = "identity"
	OptRec   = "optrec"
	Reloc    = "reloc"
	Restore  = "restore"
	Merge    = "merge"
	Select   = "select"
	Save     = "save"
)

var categories = []string{Archive, Identity, OptRec, Reloc, Restore, Merge, Select, Save}

// Categories lists every known category.
func Categories() []string {
	return append([]string(nil), categories...)
}

// Selector maps categories to their minimum level.
type Selector map[string]slog.Level

// ParseSelector reads "", "all", or a comma list of "cat" / "cat=level".
// A bare category means debug.
func ParseSelector(s string) (Selector, error) {
	sel := Selector{}
	s = strings.TrimSpace(s)
	if s == "" {
		return sel, nil
	}
	if s == "all" {
		for _, c := range categories {
			sel[c] = slog.LevelDebug
		}
		return sel, nil
	}
	var bad []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		cat, lvl, hasLevel := strings.Cut(item, "=")
		if !known(cat) {
			bad = append(bad, fmt.Sprintf("unknown category %q", cat))
			continue
		}
		level := slog.LevelDebug
		if hasLevel {
			if err := level.UnmarshalText([]byte(lvl)); err != nil {
				bad = append(bad, fmt.Sprintf("bad level %q for %s", lvl, cat))
				continue
			}
		}
		sel[cat] = level
	}
	if len(bad) > 0 {
		return nil, core.NewConfigurationError("log selector "+s, errors.New(strings.Join(bad, "; ")))
	}
	return sel, nil
}

func known(cat string) bool {
	for _, c := range categories {
		if c == cat {
			return true
		}
	}
	return false
}

// String renders the selector in parseable form.
func (s Selector) String() string {
	items := make([]string, 0, len(s))
	for c, l := range s {
		items = append(items, c+"="+strings.ToLower(l.String()))
	}
	sort.Strings(items)
	return strings.Join(items, ",")
}

// Options configure New.
type Options struct {
	Selector Selector
	NoColor  bool
}

// New returns a logger writing to w through tint, filtered by category.
func New(w io.Writer, opts Options) *slog.Logger {
	next := tint.NewHandler(w, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.TimeOnly,
		NoColor:    opts.NoColor,
	})
	return slog.New(NewCategoryHandler(next, opts.Selector))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// For tags l with a category. A nil l yields a discarding logger.
func For(l *slog.Logger, category string) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l.With(CategoryKey, category)
}

// CategoryHandler drops records below the level configured for their
// category. Records without a selected category pass at error level only.
type CategoryHandler struct {
	next     slog.Handler
	sel      Selector
	category string
}

// NewCategoryHandler wraps next.
func NewCategoryHandler(next slog.Handler, sel Selector) *CategoryHandler {
	return &CategoryHandler{next: next, sel: sel}
}

func (h *CategoryHandler) threshold(category string) slog.Level {
	if l, ok := h.sel[category]; ok {
		return l
	}
	return slog.LevelError
}

func (h *CategoryHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.category != "" {
		return level >= h.threshold(h.category) && h.next.Enabled(ctx, level)
	}
	// Category may still come with the record; be permissive here and
	// decide in Handle.
	lowest := slog.LevelError
	for _, l := range h.sel {
		if l < lowest {
			lowest = l
		}
	}
	return level >= lowest && h.next.Enabled(ctx, level)
}

func (h *CategoryHandler) Handle(ctx context.Context, r slog.Record) error {
	cat := h.category
	if cat == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == CategoryKey {
				cat = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.threshold(cat) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *CategoryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	for _, a := range attrs {
		if a.Key == CategoryKey {
			c.category = a.Value.String()
		}
	}
	c.next = h.next.WithAttrs(attrs)
	return &c
}

func (h *CategoryHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.next = h.next.WithGroup(name)
	return &c
}
