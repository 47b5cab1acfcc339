package patch

import "strings"

type lineKind int

const (
	lineOther lineKind = iota
	lineGitHeader
	lineExtHeader
	lineOldFile
	lineNewFile
	lineHunk
	lineAdd
	lineRemove
	lineContext
	lineNoNewline
)

var extHeaderPrefixes = []string{
	"index ",
	"new file mode ",
	"deleted file mode ",
	"old mode ",
	"new mode ",
	"similarity index ",
	"dissimilarity index ",
	"rename from ",
	"rename to ",
	"copy from ",
	"copy to ",
}

func classify(line string) lineKind {
	if strings.HasPrefix(line, gitHeaderPrefix) {
		return lineGitHeader
	}
	for _, prefix := range extHeaderPrefixes {
		if strings.HasPrefix(line, prefix) {
			return lineExtHeader
		}
	}
	switch {
	case strings.HasPrefix(line, "--- "):
		return lineOldFile
	case strings.HasPrefix(line, "+++ "):
		return lineNewFile
	case strings.HasPrefix(line, "@@ "):
		return lineHunk
	case strings.HasPrefix(line, "+"):
		return lineAdd
	case strings.HasPrefix(line, "-"):
		return lineRemove
	case strings.HasPrefix(line, " "):
		return lineContext
	case strings.HasPrefix(line, `\`):
		return lineNoNewline
	}
	return lineOther
}

// startsFile reports whether lines[i] opens a file entry: a git header, or
// a "--- " line directly followed by "+++ ".
func startsFile(lines []string, i int) bool {
	switch classify(lines[i]) {
	case lineGitHeader:
		return true
	case lineOldFile:
		return i+1 < len(lines) && classify(lines[i+1]) == lineNewFile
	}
	return false
}

// Sanitize drops everything before the first file entry and, after it,
// every line that is not diff syntax. The result ends in exactly one
// newline, or is empty. Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	for i, line := range lines {
		if len(out) == 0 {
			if startsFile(lines, i) {
				out = append(out, line)
			}
			continue
		}
		if classify(line) != lineOther {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, "\n") + "\n"
}
