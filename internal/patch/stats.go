package patch

import (
	"fmt"

	"github.com/sourcegraph/go-diff/diff"
)

type Stats struct {
	Files   int
	Added   int
	Removed int
}

func (s Stats) String() string {
	return fmt.Sprintf("+%d -%d in %d files", s.Added, s.Removed, s.Files)
}

// Summarize counts files and changed lines. go-diff is authoritative; the
// parsed Diff is used when go-diff rejects the text, which happens for model
// output whose hunk ranges are off but still applies with recounting.
func Summarize(p Prepared) Stats {
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(p.Text))
	if err == nil && len(fileDiffs) > 0 {
		var s Stats
		s.Files = len(fileDiffs)
		for _, fd := range fileDiffs {
			stat := fd.Stat()
			s.Added += int(stat.Added + stat.Changed)
			s.Removed += int(stat.Deleted + stat.Changed)
		}
		return s
	}
	return Stats{Files: len(p.Diff.Files), Added: p.Diff.Added, Removed: p.Diff.Removed}
}
