package patch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modifyDiff = `diff --git a/lib/store.js b/lib/store.js
index 1111111..2222222 100644
--- a/lib/store.js
+++ b/lib/store.js
@@ -1,2 +1,2 @@
 export const items = []
-export const limit = 10
+export const limit = 20
`

const createDiff = `diff --git a/lib/orders.js b/lib/orders.js
new file mode 100644
--- /dev/null
+++ b/lib/orders.js
@@ -0,0 +1,3 @@
+export function createOrder(input) {
+  return { id: 1, ...input }
+}
`

func scratchTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib", "store.js"), []byte("export const items = []\nexport const limit = 10\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "CHANGELOG.md"), []byte("# Changelog\n\n"), 0o644))
	return root
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "fenced diff with prose",
			raw:  "Here is the change:\n```diff\n" + modifyDiff + "```\nLet me know!",
			want: "diff --git a/lib/store.js b/lib/store.js",
		},
		{
			name: "byte order mark",
			raw:  "\ufeff" + createDiff,
			want: "diff --git a/lib/orders.js b/lib/orders.js",
		},
		{
			name: "traditional headers only",
			raw:  "Sure.\n--- a/x.js\n+++ b/x.js\n@@ -1 +1 @@\n-a\n+b\n",
			want: "--- a/x.js\n+++ b/x.js",
		},
		{
			name: "no diff",
			raw:  "I could not produce a change for this task.",
			want: "",
		},
		{
			name: "empty",
			raw:  "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.raw)
			if tt.want == "" {
				assert.Empty(t, got)
				return
			}
			assert.True(t, len(got) >= len(tt.want) && got[:len(tt.want)] == tt.want, "got %q", got)
			assert.NotContains(t, got, "```")
			assert.NotContains(t, got, "\ufeff")
		})
	}
}

func TestExtractIsTotal(t *testing.T) {
	inputs := []string{"```", "diff --git ", "--- \n+++ ", "\ufeff\ufeff", "@@ -1 +1 @@", "\n\n\n"}
	for _, in := range inputs {
		assert.NotPanics(t, func() { _ = Extract(in) })
	}
}

func TestSanitizeDropsCommentary(t *testing.T) {
	raw := "preamble line\n" +
		"diff --git a/lib/store.js b/lib/store.js\n" +
		"--- a/lib/store.js\n" +
		"+++ b/lib/store.js\n" +
		"Now I change the limit:\n" +
		"@@ -1,2 +1,2 @@\n" +
		" export const items = []\n" +
		"\n" +
		"-export const limit = 10\n" +
		"+export const limit = 20\n" +
		"That is all.\n"

	got := Sanitize(raw)
	assert.Equal(t, "diff --git a/lib/store.js b/lib/store.js\n"+
		"--- a/lib/store.js\n"+
		"+++ b/lib/store.js\n"+
		"@@ -1,2 +1,2 @@\n"+
		" export const items = []\n"+
		"-export const limit = 10\n"+
		"+export const limit = 20\n", got)
}

func TestSanitizeIsIdempotent(t *testing.T) {
	for _, text := range []string{modifyDiff, createDiff, modifyDiff + createDiff, "--- a/x\n+++ b/x\n@@ -1 +1 @@\n-a\n+b\n"} {
		once := Sanitize(text)
		require.NotEmpty(t, once)
		assert.Equal(t, once, Sanitize(once))
	}
}

func TestSanitizeWithoutHeaderIsEmpty(t *testing.T) {
	assert.Empty(t, Sanitize("+just an added line\n-and a removed one\n"))
	assert.Empty(t, Sanitize(""))
}

func TestParseStructuresFiles(t *testing.T) {
	d, err := Parse(Sanitize(modifyDiff + createDiff))
	require.NoError(t, err)
	require.Len(t, d.Files, 2)

	modify := d.Files[0]
	assert.Equal(t, ModeModify, modify.Mode())
	assert.Equal(t, "lib/store.js", modify.Target())
	require.Len(t, modify.Hunks, 1)
	assert.Equal(t, 1, modify.Hunks[0].OldStart)
	assert.Equal(t, 2, modify.Hunks[0].OldLines)
	assert.Len(t, modify.Hunks[0].Lines, 3)

	create := d.Files[1]
	assert.Equal(t, ModeCreate, create.Mode())
	assert.Equal(t, "lib/orders.js", create.Target())
	assert.Equal(t, "", create.OldPath())

	assert.Equal(t, 4, d.Added)
	assert.Equal(t, 1, d.Removed)
	assert.Equal(t, 2, d.HunkCount())
}

func TestParseRemovedLineLookingLikeHeader(t *testing.T) {
	text := "diff --git a/doc.md b/doc.md\n" +
		"--- a/doc.md\n" +
		"+++ b/doc.md\n" +
		"@@ -1,2 +1,1 @@\n" +
		"--- a/old\n" +
		"+++ b/new\n" +
		" keep\n"
	d, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, d.Files, 1)
	assert.Equal(t, 1, d.Removed)
	assert.Equal(t, 1, d.Added)
}

func TestParseTraditionalMultiFile(t *testing.T) {
	text := "--- a/one.js\n+++ b/one.js\n@@ -1 +1 @@\n-a\n+b\n--- /dev/null\n+++ b/two.js\n@@ -0,0 +1 @@\n+c\n"
	d, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, d.Files, 2)
	assert.Equal(t, ModeModify, d.Files[0].Mode())
	assert.Equal(t, "one.js", d.Files[0].Target())
	assert.Equal(t, ModeCreate, d.Files[1].Mode())
	assert.Equal(t, "two.js", d.Files[1].Target())
}

func TestParseRejectsShortGitHeader(t *testing.T) {
	_, err := Parse("diff --git a/only\n@@ -1 +1 @@\n-a\n+b\n")
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestValidateAcceptsMinimalDiffs(t *testing.T) {
	root := scratchTree(t)
	v := NewValidator(root, "CHANGELOG.md")

	for name, text := range map[string]string{"modify": modifyDiff, "create": createDiff} {
		t.Run(name, func(t *testing.T) {
			prepared, err := Prepare(text, v)
			require.NoError(t, err)
			assert.Equal(t, text, prepared.Text)
		})
	}
}

func TestValidateRejects(t *testing.T) {
	root := scratchTree(t)
	v := NewValidator(root, "CHANGELOG.md")

	tests := []struct {
		name string
		text string
		want error
	}{
		{
			name: "no diff at all",
			text: "Sorry, nothing to change.",
			want: ErrNoDiff,
		},
		{
			name: "empty after sanitize",
			text: "diff --git a/lib/store.js b/lib/store.js\nindex 1111111..2222222 100644\n",
			want: ErrEmptyDiff,
		},
		{
			name: "absolute path",
			text: "diff --git a//etc/passwd b//etc/passwd\n--- a//etc/passwd\n+++ b//etc/passwd\n@@ -1 +1 @@\n-root\n+toor\n",
			want: ErrUnsafePath,
		},
		{
			name: "parent traversal",
			text: "diff --git a/../outside.js b/../outside.js\nnew file mode 100644\n--- /dev/null\n+++ b/../outside.js\n@@ -0,0 +1 @@\n+x\n",
			want: ErrUnsafePath,
		},
		{
			name: "missing prefixes",
			text: "diff --git lib/store.js lib/store.js\n--- lib/store.js\n+++ lib/store.js\n@@ -1 +1 @@\n-a\n+b\n",
			want: ErrBadHeader,
		},
		{
			name: "changelog",
			text: "diff --git a/CHANGELOG.md b/CHANGELOG.md\n--- a/CHANGELOG.md\n+++ b/CHANGELOG.md\n@@ -1 +1,2 @@\n # Changelog\n+- sneaky\n",
			want: ErrReservedPath,
		},
		{
			name: "nested changelog",
			text: "diff --git a/docs/CHANGELOG.md b/docs/CHANGELOG.md\nnew file mode 100644\n--- /dev/null\n+++ b/docs/CHANGELOG.md\n@@ -0,0 +1 @@\n+x\n",
			want: ErrReservedPath,
		},
		{
			name: "create existing",
			text: "diff --git a/lib/store.js b/lib/store.js\nnew file mode 100644\n--- /dev/null\n+++ b/lib/store.js\n@@ -0,0 +1 @@\n+x\n",
			want: ErrCreateExisting,
		},
		{
			name: "modify missing",
			text: "diff --git a/lib/ghost.js b/lib/ghost.js\n--- a/lib/ghost.js\n+++ b/lib/ghost.js\n@@ -1 +1 @@\n-a\n+b\n",
			want: ErrModifyMissing,
		},
		{
			name: "dev null before side counts as creation",
			text: "--- /dev/null\n+++ b/lib/store.js\n@@ -0,0 +1 @@\n+x\n",
			want: ErrCreateExisting,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Prepare(tt.text, v)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestValidateRename(t *testing.T) {
	root := scratchTree(t)
	v := NewValidator(root, "CHANGELOG.md")
	rename := "diff --git a/lib/store.js b/lib/db.js\nsimilarity index 90%\nrename from lib/store.js\nrename to lib/db.js\n--- a/lib/store.js\n+++ b/lib/db.js\n@@ -1,2 +1,2 @@\n export const items = []\n-export const limit = 10\n+export const limit = 30\n"

	prepared, err := Prepare(rename, v)
	require.NoError(t, err)
	assert.Equal(t, ModeRename, prepared.Diff.Files[0].Mode())

	require.NoError(t, os.WriteFile(filepath.Join(root, "lib", "db.js"), []byte("x"), 0o644))
	_, err = Prepare(rename, v)
	assert.ErrorIs(t, err, ErrCreateExisting)
}

func TestValidateDelete(t *testing.T) {
	root := scratchTree(t)
	v := NewValidator(root, "CHANGELOG.md")

	remove := "diff --git a/lib/store.js b/lib/store.js\ndeleted file mode 100644\n--- a/lib/store.js\n+++ /dev/null\n@@ -1,2 +0,0 @@\n-export const items = []\n-export const limit = 10\n"
	prepared, err := Prepare(remove, v)
	require.NoError(t, err)
	assert.Equal(t, ModeDelete, prepared.Diff.Files[0].Mode())

	ghost := "diff --git a/lib/ghost.js b/lib/ghost.js\ndeleted file mode 100644\n--- a/lib/ghost.js\n+++ /dev/null\n@@ -1 +0,0 @@\n-boo\n"
	_, err = Prepare(ghost, v)
	assert.ErrorIs(t, err, ErrModifyMissing)
}

func TestValidateReservedDirs(t *testing.T) {
	root := scratchTree(t)
	v := NewValidator(root, "CHANGELOG.md")
	v.ReservedDirs = []string{".git", ".autopatch"}

	for _, target := range []string{".autopatch/patch_progress.json", ".git/hooks/pre-commit"} {
		t.Run(target, func(t *testing.T) {
			text := "diff --git a/" + target + " b/" + target + "\nnew file mode 100644\n--- /dev/null\n+++ b/" + target + "\n@@ -0,0 +1 @@\n+x\n"
			_, err := Prepare(text, v)
			assert.ErrorIs(t, err, ErrReservedPath)
		})
	}

	lookalike := "diff --git a/.autopatcher/x b/.autopatcher/x\nnew file mode 100644\n--- /dev/null\n+++ b/.autopatcher/x\n@@ -0,0 +1 @@\n+x\n"
	_, err := Prepare(lookalike, v)
	assert.NoError(t, err)
}

func TestSummarize(t *testing.T) {
	root := scratchTree(t)
	prepared, err := Prepare(modifyDiff+createDiff, NewValidator(root, "CHANGELOG.md"))
	require.NoError(t, err)

	stats := Summarize(prepared)
	assert.Equal(t, Stats{Files: 2, Added: 4, Removed: 1}, stats)
	assert.Equal(t, "+4 -1 in 2 files", stats.String())
}
