package patch

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

var (
	ErrNoDiff         = errors.New("no diff header found")
	ErrEmptyDiff      = errors.New("diff contains no hunks or changes")
	ErrBadHeader      = errors.New("malformed file header")
	ErrUnsafePath     = errors.New("unsafe path in diff")
	ErrReservedPath   = errors.New("diff touches a reserved file")
	ErrCreateExisting = errors.New("diff tries to create existing file")
	ErrModifyMissing  = errors.New("diff refers to missing file without new file mode")
)

// Validator checks a parsed diff against the working tree rooted at Root.
// Reserved holds file base names no diff may touch, such as the changelog.
// ReservedDirs holds slash-separated directories, relative to Root, whose
// contents are off limits.
type Validator struct {
	Root         string
	Reserved     []string
	ReservedDirs []string
}

func NewValidator(root string, reserved ...string) *Validator {
	return &Validator{Root: root, Reserved: reserved}
}

func (v *Validator) Validate(d Diff) error {
	if d.HunkCount() == 0 && d.Added == 0 && d.Removed == 0 {
		return ErrEmptyDiff
	}
	if len(d.Files) == 0 {
		return fmt.Errorf("%w: no file entries", ErrBadHeader)
	}
	for _, f := range d.Files {
		if err := v.checkHeaders(f); err != nil {
			return err
		}
		if err := v.checkExistence(f); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkHeaders(f FileChange) error {
	var paths []string
	if f.HeaderOld != "" || f.HeaderNew != "" {
		if !strings.HasPrefix(f.HeaderOld, "a/") || !strings.HasPrefix(f.HeaderNew, "b/") {
			return fmt.Errorf("%w: paths must use a/ and b/ prefixes: %s %s", ErrBadHeader, f.HeaderOld, f.HeaderNew)
		}
		paths = append(paths, strings.TrimPrefix(f.HeaderOld, "a/"), strings.TrimPrefix(f.HeaderNew, "b/"))
	}
	if f.OldFile != "" && f.OldFile != devNull {
		if !strings.HasPrefix(f.OldFile, "a/") {
			return fmt.Errorf("%w: --- path must use a/ prefix: %s", ErrBadHeader, f.OldFile)
		}
		paths = append(paths, strings.TrimPrefix(f.OldFile, "a/"))
	}
	if f.NewFile != "" && f.NewFile != devNull {
		if !strings.HasPrefix(f.NewFile, "b/") {
			return fmt.Errorf("%w: +++ path must use b/ prefix: %s", ErrBadHeader, f.NewFile)
		}
		paths = append(paths, strings.TrimPrefix(f.NewFile, "b/"))
	}
	if f.RenameFrom != "" {
		paths = append(paths, f.RenameFrom)
	}
	if f.RenameTo != "" {
		paths = append(paths, f.RenameTo)
	}
	if len(paths) == 0 {
		return fmt.Errorf("%w: entry names no paths", ErrBadHeader)
	}

	for _, p := range paths {
		if p == devNull {
			continue
		}
		if !safePath(p) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, p)
		}
		if slices.Contains(v.Reserved, path.Base(p)) || v.inReservedDir(p) {
			return fmt.Errorf("%w: %s", ErrReservedPath, p)
		}
	}
	return nil
}

func (v *Validator) inReservedDir(p string) bool {
	clean := path.Clean(strings.ReplaceAll(p, `\`, "/"))
	for _, dir := range v.ReservedDirs {
		dir = strings.Trim(path.Clean(dir), "/")
		if dir == "" || dir == "." {
			continue
		}
		if clean == dir || strings.HasPrefix(clean, dir+"/") {
			return true
		}
	}
	return false
}

func (v *Validator) checkExistence(f FileChange) error {
	target := f.Target()
	exists := v.exists(target)
	switch f.Mode() {
	case ModeCreate:
		if exists {
			return fmt.Errorf("%w: %s", ErrCreateExisting, target)
		}
	case ModeRename:
		if !exists {
			return fmt.Errorf("%w: %s", ErrModifyMissing, target)
		}
		if v.exists(f.NewPath()) {
			return fmt.Errorf("%w: %s", ErrCreateExisting, f.NewPath())
		}
	default:
		if !exists {
			return fmt.Errorf("%w: %s", ErrModifyMissing, target)
		}
	}
	return nil
}

func (v *Validator) exists(rel string) bool {
	if rel == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(v.Root, filepath.FromSlash(rel)))
	return err == nil
}

func safePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return false
	}
	for _, part := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return false
		}
	}
	return true
}

// Prepared is a diff that passed every check and is ready to apply.
type Prepared struct {
	Text string
	Diff Diff
}

// Prepare runs extract, sanitize, parse and validate over raw model output.
func Prepare(raw string, v *Validator) (Prepared, error) {
	text := Sanitize(Extract(raw))
	if strings.TrimSpace(text) == "" {
		return Prepared{}, ErrNoDiff
	}
	d, err := Parse(text)
	if err != nil {
		return Prepared{}, err
	}
	if err := v.Validate(d); err != nil {
		return Prepared{}, err
	}
	return Prepared{Text: text, Diff: d}, nil
}
