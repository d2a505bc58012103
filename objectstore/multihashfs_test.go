package objectstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestMultihashFS_PutGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	m, err := NewMultihashFS(filepath.Join(root, "objects"), 256*1024, 2)
	require.NoError(t, err)

	src := writeTemp(t, root, "hello.txt", []byte("hello world\n"))
	fileCID, err := m.Put(src)
	require.NoError(t, err)
	require.NotEmpty(t, fileCID)

	dst := filepath.Join(root, "out.txt")
	n, err := m.Get(fileCID, dst)
	require.NoError(t, err)
	require.EqualValues(t, 12, n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "hello world\n", string(got))
}

func TestMultihashFS_Idempotence(t *testing.T) {
	root := t.TempDir()
	m, err := NewMultihashFS(filepath.Join(root, "objects"), 256*1024, 2)
	require.NoError(t, err)

	src := writeTemp(t, root, "a.bin", []byte("repeat me"))
	cid1, err := m.Put(src)
	require.NoError(t, err)
	cid2, err := m.Put(src)
	require.NoError(t, err)
	require.Equal(t, cid1, cid2)
}

func TestMultihashFS_Dedup(t *testing.T) {
	root := t.TempDir()
	m, err := NewMultihashFS(filepath.Join(root, "objects"), 256*1024, 2)
	require.NoError(t, err)

	content := make([]byte, 10000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	a := writeTemp(t, root, "a.jpg", content)
	b := writeTemp(t, root, "b.jpg", content)

	cidA, err := m.Put(a)
	require.NoError(t, err)
	cidB, err := m.Put(b)
	require.NoError(t, err)
	require.Equal(t, cidA, cidB)
}

func TestMultihashFS_EmptyFile(t *testing.T) {
	root := t.TempDir()
	m, err := NewMultihashFS(filepath.Join(root, "objects"), 256*1024, 2)
	require.NoError(t, err)

	src := writeTemp(t, root, "empty.bin", []byte{})
	fileCID, err := m.Put(src)
	require.NoError(t, err)

	dst := filepath.Join(root, "empty-out.bin")
	n, err := m.Get(fileCID, dst)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestMultihashFS_ExactBlocksizeFile(t *testing.T) {
	root := t.TempDir()
	blocksize := 64 * 1024 // minimum allowed blocksize (spec §3 clamp)
	m, err := NewMultihashFS(filepath.Join(root, "objects"), blocksize, 2)
	require.NoError(t, err)

	content := make([]byte, blocksize)
	src := writeTemp(t, root, "exact.bin", content)
	fileCID, err := m.Put(src)
	require.NoError(t, err)

	dst := filepath.Join(root, "exact-out.bin")
	n, err := m.Get(fileCID, dst)
	require.NoError(t, err)
	require.EqualValues(t, blocksize, n)
}

func TestMultihashFS_BlocksizePlusOneSplitsTwoChunks(t *testing.T) {
	root := t.TempDir()
	blocksize := 64 * 1024
	m, err := NewMultihashFS(filepath.Join(root, "objects"), blocksize, 2)
	require.NoError(t, err)

	content := make([]byte, blocksize+1)
	src := writeTemp(t, root, "plusone.bin", content)
	fileCID, err := m.Put(src)
	require.NoError(t, err)

	descBytes, err := os.ReadFile(m.path(fileCID))
	require.NoError(t, err)
	desc, err := unmarshalDescriptor(descBytes)
	require.NoError(t, err)
	require.Len(t, desc.Links, 2)
	require.EqualValues(t, blocksize, desc.Links[0].Size)
	require.EqualValues(t, 1, desc.Links[1].Size)
}

func TestMultihashFS_CorruptedChunkOnGet(t *testing.T) {
	root := t.TempDir()
	m, err := NewMultihashFS(filepath.Join(root, "objects"), 256*1024, 2)
	require.NoError(t, err)

	src := writeTemp(t, root, "a.bin", []byte("some content to chunk"))
	fileCID, err := m.Put(src)
	require.NoError(t, err)

	descBytes, err := os.ReadFile(m.path(fileCID))
	require.NoError(t, err)
	desc, err := unmarshalDescriptor(descBytes)
	require.NoError(t, err)
	require.NotEmpty(t, desc.Links)

	chunkPath := m.path(desc.Links[0].Hash)
	require.NoError(t, os.WriteFile(chunkPath, []byte("corrupted!!"), 0o644))

	dst := filepath.Join(root, "out.bin")
	n, err := m.Get(fileCID, dst)
	require.Error(t, err)
	require.EqualValues(t, 0, n)
	_, statErr := os.Stat(dst)
	require.True(t, os.IsNotExist(statErr))
}

func TestMultihashFS_ResetLog(t *testing.T) {
	root := t.TempDir()
	m, err := NewMultihashFS(filepath.Join(root, "objects"), 256*1024, 2)
	require.NoError(t, err)

	src := writeTemp(t, root, "a.bin", []byte("content"))
	_, err = m.Put(src)
	require.NoError(t, err)

	data, err := os.ReadFile(m.logPath)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	require.NoError(t, m.ResetLog())

	data, err = os.ReadFile(m.logPath)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestMultihashFS_ExistsAndFsck(t *testing.T) {
	root := t.TempDir()
	m, err := NewMultihashFS(filepath.Join(root, "objects"), 256*1024, 2)
	require.NoError(t, err)

	src := writeTemp(t, root, "a.bin", []byte("content"))
	fileCID, err := m.Put(src)
	require.NoError(t, err)
	require.True(t, m.Exists(fileCID))
	require.False(t, m.Exists("zdj7Wbogus"))

	report, err := m.Fsck(nil, nil)
	require.NoError(t, err)
	require.Empty(t, report.Corrupted)
}
