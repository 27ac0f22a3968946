// Package transcript folds recognition events into a growing transcript.
package transcript

import (
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/recognition"
)

// Assembler owns the committed segments and at most one pending segment.
// It is not safe for concurrent use; callers serialize Apply.
type Assembler struct {
	committed []string
	pending   string
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Apply folds ev into the transcript and reports whether the rendered
// snapshot may have changed.
func (a *Assembler) Apply(ev recognition.Event) bool {
	switch e := ev.(type) {
	case recognition.Partial:
		changed := a.pending != e.Text
		a.pending = e.Text
		return changed
	case recognition.Final:
		a.committed = append(a.committed, e.Text)
		changed := a.pending != "" || e.Text != ""
		a.pending = ""
		return changed
	case recognition.Malformed:
		return false
	default:
		return false
	}
}

// Snapshot renders the committed segments followed by the pending one.
// Empty segments are skipped.
func (a *Assembler) Snapshot() string {
	var b strings.Builder
	write := func(s string) {
		if s == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s)
	}
	for _, seg := range a.committed {
		write(seg)
	}
	write(a.pending)
	return b.String()
}

// Committed returns a copy of the finalized segments in arrival order.
func (a *Assembler) Committed() []string {
	return append([]string(nil), a.committed...)
}

func (a *Assembler) Pending() string { return a.pending }

// Reset discards everything.
func (a *Assembler) Reset() {
	a.committed = nil
	a.pending = ""
}
