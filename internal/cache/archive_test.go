package cache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpack(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"bin/app":        "binary",
		"bin/sub/helper": "helper",
		"node_modules/x": "x",
		"src/main.go":    "not cached",
	})
	require.NoError(t, os.Chmod(filepath.Join(src, "bin", "app"), 0o755))

	art, err := Pack(src, []string{"bin", "node_modules/x", "missing"})
	require.NoError(t, err)

	dst := t.TempDir()
	writeTree(t, dst, map[string]string{"bin/app": "stale"})
	require.NoError(t, Unpack(dst, art))

	got, err := os.ReadFile(filepath.Join(dst, "bin", "app"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(got))

	info, err := os.Stat(filepath.Join(dst, "bin", "app"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	got, err = os.ReadFile(filepath.Join(dst, "bin", "sub", "helper"))
	require.NoError(t, err)
	assert.Equal(t, "helper", string(got))

	_, err = os.Stat(filepath.Join(dst, "src", "main.go"))
	assert.True(t, os.IsNotExist(err))
}

func TestPackIsDeterministic(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"out/a": "a", "out/b": "b"})

	a1, err := Pack(src, []string{"out"})
	require.NoError(t, err)
	a2, err := Pack(src, []string{"out"})
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
}

func TestPackRejectsEscapingPath(t *testing.T) {
	_, err := Pack(t.TempDir(), []string{"../etc"})
	assert.Error(t, err)
}

func TestUnpackRejectsEscapingEntry(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	root := t.TempDir()
	err = Unpack(filepath.Join(root, "ws"), Artifact(buf.Bytes()))
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(root, "evil"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnpackRejectsWritesThroughRestoredSymlinks(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "d", Linkname: ".", Mode: 0o777, Typeflag: tar.TypeSymlink}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "d/x", Linkname: "../outside", Mode: 0o777, Typeflag: tar.TypeSymlink}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "x/pwned", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "outside"), 0o755))
	ws := filepath.Join(base, "ws")

	err = Unpack(ws, Artifact(buf.Bytes()))
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(base, "outside", "pwned"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnpackRejectsFileUnderSymlinkedDir(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "link", Linkname: "real", Mode: 0o777, Typeflag: tar.TypeSymlink}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "link/f", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	ws := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(ws, "real"), 0o755))
	assert.ErrorContains(t, Unpack(ws, Artifact(buf.Bytes())), "is a symlink")
	_, statErr := os.Stat(filepath.Join(ws, "real", "f"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPackUnpackKeepsSymlinks(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"out/lib/a.so.1": "lib"})
	require.NoError(t, os.Symlink("a.so.1", filepath.Join(src, "out", "lib", "a.so")))

	art, err := Pack(src, []string{"out"})
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, Unpack(dst, art))
	link, err := os.Readlink(filepath.Join(dst, "out", "lib", "a.so"))
	require.NoError(t, err)
	assert.Equal(t, "a.so.1", link)
	got, err := os.ReadFile(filepath.Join(dst, "out", "lib", "a.so"))
	require.NoError(t, err)
	assert.Equal(t, "lib", string(got))
}
