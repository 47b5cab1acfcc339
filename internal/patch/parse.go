package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const devNull = "/dev/null"

type Mode string

const (
	ModeModify Mode = "modify"
	ModeCreate Mode = "create"
	ModeDelete Mode = "delete"
	ModeRename Mode = "rename"
)

type Hunk struct {
	Header   string
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []string
}

// FileChange is one per-file block of a diff. Path fields hold the raw
// tokens as written, prefixes included.
type FileChange struct {
	HeaderOld       string
	HeaderNew       string
	OldFile         string
	NewFile         string
	RenameFrom      string
	RenameTo        string
	NewFileMode     bool
	DeletedFileMode bool
	Hunks           []Hunk
}

type Diff struct {
	Files   []FileChange
	Added   int
	Removed int
}

func (d Diff) HunkCount() int {
	n := 0
	for _, f := range d.Files {
		n += len(f.Hunks)
	}
	return n
}

// Mode classifies the entry. Creation wins over everything else because it
// decides which existence check applies.
func (f FileChange) Mode() Mode {
	switch {
	case f.NewFileMode || f.OldFile == devNull:
		return ModeCreate
	case f.DeletedFileMode || f.NewFile == devNull:
		return ModeDelete
	case f.RenameTo != "":
		return ModeRename
	}
	return ModeModify
}

// OldPath is the before-side path relative to the tree root, or "" for a
// creation.
func (f FileChange) OldPath() string {
	switch {
	case f.OldFile == devNull:
		return ""
	case f.HeaderOld != "":
		return strings.TrimPrefix(f.HeaderOld, "a/")
	}
	return strings.TrimPrefix(f.OldFile, "a/")
}

// NewPath is the after-side path relative to the tree root, or "" for a
// deletion.
func (f FileChange) NewPath() string {
	switch {
	case f.NewFile == devNull:
		return ""
	case f.RenameTo != "":
		return f.RenameTo
	case f.HeaderNew != "":
		return strings.TrimPrefix(f.HeaderNew, "b/")
	}
	return strings.TrimPrefix(f.NewFile, "b/")
}

// Target is the path whose existence decides whether the entry is valid.
func (f FileChange) Target() string {
	if p := f.NewPath(); p != "" && f.Mode() != ModeRename {
		return p
	}
	return f.OldPath()
}

var hunkRange = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Parse reads sanitized diff text into a Diff.
func Parse(text string) (Diff, error) {
	var (
		d         Diff
		cur       *FileChange
		hunk      *Hunk
		remaining struct{ old, new int }
	)
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	flushHunk := func() {
		if cur != nil && hunk != nil {
			cur.Hunks = append(cur.Hunks, *hunk)
		}
		hunk = nil
	}
	startFile := func(f FileChange) {
		flushHunk()
		d.Files = append(d.Files, f)
		cur = &d.Files[len(d.Files)-1]
	}
	inBody := func() bool {
		return hunk != nil && (remaining.old > 0 || remaining.new > 0)
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		kind := classify(line)

		// Counted hunk bodies take precedence over header look-alikes such as
		// a removed line that starts with "-- ".
		if inBody() {
			switch kind {
			case lineOldFile:
				kind = lineRemove
			case lineNewFile:
				kind = lineAdd
			}
		}

		switch kind {
		case lineGitHeader:
			fields := strings.Fields(line)
			if len(fields) < 4 {
				return Diff{}, fmt.Errorf("%w: %q", ErrBadHeader, line)
			}
			startFile(FileChange{HeaderOld: fields[2], HeaderNew: fields[3]})

		case lineExtHeader:
			if cur == nil {
				continue
			}
			switch {
			case strings.HasPrefix(line, "new file mode "):
				cur.NewFileMode = true
			case strings.HasPrefix(line, "deleted file mode "):
				cur.DeletedFileMode = true
			case strings.HasPrefix(line, "rename from "):
				cur.RenameFrom = strings.TrimPrefix(line, "rename from ")
			case strings.HasPrefix(line, "rename to "):
				cur.RenameTo = strings.TrimPrefix(line, "rename to ")
			}

		case lineOldFile:
			if i+1 >= len(lines) || classify(lines[i+1]) != lineNewFile {
				// A lone "--- " outside a counted body is a removed line.
				d.Removed++
				if hunk != nil {
					hunk.Lines = append(hunk.Lines, line)
				}
				continue
			}
			if cur == nil || cur.OldFile != "" || len(cur.Hunks) > 0 || hunk != nil {
				startFile(FileChange{})
			}
			cur.OldFile = headerPath(line, "--- ")
			cur.NewFile = headerPath(lines[i+1], "+++ ")
			i++

		case lineNewFile:
			// "+++ " without a preceding "--- " is content.
			d.Added++
			if hunk != nil {
				hunk.Lines = append(hunk.Lines, line)
			}

		case lineHunk:
			if cur == nil {
				return Diff{}, fmt.Errorf("%w: hunk before any file header", ErrBadHeader)
			}
			flushHunk()
			hunk = &Hunk{Header: line}
			if m := hunkRange.FindStringSubmatch(line); m != nil {
				hunk.OldStart = atoi(m[1])
				hunk.OldLines = countOrOne(m[2])
				hunk.NewStart = atoi(m[3])
				hunk.NewLines = countOrOne(m[4])
				remaining.old, remaining.new = hunk.OldLines, hunk.NewLines
			} else {
				remaining.old, remaining.new = 0, 0
			}

		case lineAdd, lineRemove, lineContext, lineNoNewline:
			switch kind {
			case lineAdd:
				d.Added++
				remaining.new--
			case lineRemove:
				d.Removed++
				remaining.old--
			case lineContext:
				remaining.old--
				remaining.new--
			}
			if hunk != nil {
				hunk.Lines = append(hunk.Lines, line)
			}
		}
	}
	flushHunk()
	return d, nil
}

// headerPath returns the path of a ---/+++ line without any trailing
// timestamp.
func headerPath(line, prefix string) string {
	path := strings.TrimPrefix(line, prefix)
	if idx := strings.IndexByte(path, '\t'); idx >= 0 {
		path = path[:idx]
	}
	return strings.TrimSpace(path)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func countOrOne(s string) int {
	if s == "" {
		return 1
	}
	return atoi(s)
}
