package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func entryNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zstd.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, header.Name)
	}
	sort.Strings(names)
	return names
}

func TestExcluded(t *testing.T) {
	patterns := []string{".oxen/workspaces/**", "**/node_modules/**", "*.log"}

	tests := []struct {
		path string
		want bool
	}{
		{".oxen/workspaces/abc/file", true},
		{".oxen/config.toml", false},
		{"src/node_modules/pkg/index.js", true},
		{"debug.log", true},
		{"logs/debug.txt", false},
		{"data/train.csv", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Excluded(tt.path, patterns))
		})
	}
	assert.False(t, Excluded("anything", nil))
}

func TestCreate_Excludes(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"file1.txt":                       "one",
		"file2.log":                       "two",
		"node_modules/package1/index.js":  "x",
		"src/code.js":                     "code",
		"src/node_modules/local/index.js": "x",
		".git/config":                     "x",
		"dist/bundle.js":                  "x",
	})

	var buf bytes.Buffer
	stats, err := Create(&buf, src, []string{"**/node_modules/**", "**/.git/**", "**/dist/**"})
	require.NoError(t, err)

	var files []string
	for _, name := range entryNames(t, buf.Bytes()) {
		if !strings.HasSuffix(name, "/") {
			files = append(files, name)
		}
	}
	assert.Equal(t, []string{"file1.txt", "file2.log", "src/code.js"}, files)
	assert.GreaterOrEqual(t, stats.Entries, 4)
	assert.Equal(t, int64(len("one")+len("two")+len("code")), stats.Bytes)
}

func TestRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		".oxen/config.toml":            "name = \"datasets\"\n",
		".oxen/workspaces/tmp/scratch": "ephemeral",
		"hi.txt":                       "This is a simple text file.\n",
		"deep/nested/dir/nested.txt":   "nested",
		"empty.bin":                    "",
	})
	require.NoError(t, os.Chmod(filepath.Join(src, "hi.txt"), 0o600))
	require.NoError(t, os.Symlink("hi.txt", filepath.Join(src, "link.txt")))

	var buf bytes.Buffer
	_, err := Create(&buf, src, []string{".oxen/workspaces/**"})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "restored")
	stats, err := Extract(&buf, dest)
	require.NoError(t, err)
	assert.Positive(t, stats.Entries)

	for name, want := range map[string]string{
		".oxen/config.toml":          "name = \"datasets\"\n",
		"hi.txt":                     "This is a simple text file.\n",
		"deep/nested/dir/nested.txt": "nested",
		"empty.bin":                  "",
	} {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		require.NoError(t, err, name)
		assert.Equal(t, want, string(got), name)
	}

	info, err := os.Stat(filepath.Join(dest, "hi.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	link, err := os.Readlink(filepath.Join(dest, "link.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi.txt", link)

	assert.NoFileExists(t, filepath.Join(dest, ".oxen", "workspaces", "tmp", "scratch"))
}

func TestExtract_Overwrites(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "new"})

	var buf bytes.Buffer
	_, err := Create(&buf, src, nil)
	require.NoError(t, err)

	dest := t.TempDir()
	path := filepath.Join(dest, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("old and longer"), 0o444))

	_, err = Extract(&buf, dest)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func rawArchive(t *testing.T, headers ...*tar.Header) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)
	for _, h := range headers {
		require.NoError(t, tw.WriteHeader(h))
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtract_RejectsEscapes(t *testing.T) {
	tests := []struct {
		name   string
		header *tar.Header
	}{
		{"parent traversal", &tar.Header{Name: "../evil.txt", Typeflag: tar.TypeReg, Mode: 0o644}},
		{"absolute path", &tar.Header{Name: "/etc/evil", Typeflag: tar.TypeReg, Mode: 0o644}},
		{"absolute symlink", &tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"}},
		{"escaping symlink", &tar.Header{Name: "a/link", Typeflag: tar.TypeSymlink, Linkname: "../../outside"}},
		{"escaping hardlink", &tar.Header{Name: "hard", Typeflag: tar.TypeLink, Linkname: "../outside"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "dest")
			_, err := Extract(bytes.NewReader(rawArchive(t, tt.header)), dest)
			require.ErrorIs(t, err, ErrUnsafePath)
		})
	}
}

func TestExtract_Fifo(t *testing.T) {
	dest := t.TempDir()
	data := rawArchive(t, &tar.Header{Name: "pipe", Typeflag: tar.TypeFifo, Mode: 0o600})

	_, err := Extract(bytes.NewReader(data), dest)
	require.NoError(t, err)

	info, err := os.Lstat(filepath.Join(dest, "pipe"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeNamedPipe)
}

func TestExtract_HardLink(t *testing.T) {
	dest := t.TempDir()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "orig.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 5}))
	_, err = tw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "copy.txt", Typeflag: tar.TypeLink, Linkname: "orig.txt"}))
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	_, err = Extract(&buf, dest)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dest, "copy.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}
