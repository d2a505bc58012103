package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const cidA = "zdj7WgHSKJkoJST5GWGgS53ARqV7oqMGYVvWzEWku3MBfnQ9u"

func TestManifest_Add(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "manifest.yaml"))
	m.Add(cidA, "data/think-hires.jpg")
	require.True(t, m.Exists(cidA))
}

func TestManifest_AddMultiplePaths(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "manifest.yaml"))
	m.Add(cidA, "data/think-hires.jpg")
	m.Add(cidA, "data/think-hires2.jpg")
	require.True(t, m.ExistsKeyfile(cidA, "data/think-hires.jpg"))
	require.True(t, m.ExistsKeyfile(cidA, "data/think-hires2.jpg"))
}

func TestManifest_Search(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "manifest.yaml"))
	m.Add(cidA, "data/think-hires.jpg")
	m.Add(cidA, "data/think-hires2.jpg")

	cid, ok := m.Search("data/think-hires.jpg")
	require.True(t, ok)
	require.Equal(t, cidA, cid)
}

func TestManifest_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	m := New(path)
	m.Add(cidA, "data/think-hires.jpg")
	m.Add(cidA, "data/think-hires2.jpg")
	require.NoError(t, m.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.True(t, reloaded.ExistsKeyfile(cidA, "data/think-hires.jpg"))
	require.True(t, reloaded.ExistsKeyfile(cidA, "data/think-hires2.jpg"))
}

func TestManifest_Rm(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "manifest.yaml"))
	m.Add(cidA, "data/think-hires.jpg")
	m.Add(cidA, "data/think-hires2.jpg")

	require.True(t, m.Rm(cidA, "data/think-hires2.jpg"))
	require.True(t, m.ExistsKeyfile(cidA, "data/think-hires.jpg"))
	require.False(t, m.ExistsKeyfile(cidA, "data/think-hires2.jpg"))
}

func TestManifest_RmFile(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "manifest.yaml"))
	m.Add(cidA, "data/think-hires.jpg")
	m.Add(cidA, "data/think-hires2.jpg")

	require.True(t, m.RmFile("data/think-hires2.jpg"))
	require.True(t, m.ExistsKeyfile(cidA, "data/think-hires.jpg"))
	require.False(t, m.ExistsKeyfile(cidA, "data/think-hires2.jpg"))
}

func TestManifest_RmAllFiles(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "manifest.yaml"))
	m.Add(cidA, "data/think-hires.jpg")
	m.Add(cidA, "data/think-hires2.jpg")

	require.True(t, m.RmFile("data/think-hires2.jpg"))
	require.True(t, m.RmFile("data/think-hires.jpg"))

	require.False(t, m.ExistsKeyfile(cidA, "data/think-hires.jpg"))
	require.False(t, m.ExistsKeyfile(cidA, "data/think-hires2.jpg"))
	require.False(t, m.Exists(cidA))
}

func TestManifest_RmAllViaRm(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "manifest.yaml"))
	m.Add(cidA, "data/think-hires.jpg")
	m.Add(cidA, "data/think-hires2.jpg")

	require.True(t, m.Rm(cidA, "data/think-hires2.jpg"))
	require.True(t, m.Rm(cidA, "data/think-hires.jpg"))

	require.False(t, m.ExistsKeyfile(cidA, "data/think-hires.jpg"))
	require.False(t, m.ExistsKeyfile(cidA, "data/think-hires2.jpg"))
	require.False(t, m.Exists(cidA))
}

func TestManifest_Diff(t *testing.T) {
	prev := New(filepath.Join(t.TempDir(), "prev.yaml"))
	prev.Add(cidA, "a.jpg")
	prev.Add(cidA, "b.jpg")

	next := New(filepath.Join(t.TempDir(), "next.yaml"))
	next.Add(cidA, "a.jpg")
	next.Add("zdj7Wother", "c.jpg")

	d := DiffManifests(prev, next)
	require.Len(t, d.Added, 1)
	require.Equal(t, "c.jpg", d.Added[0].Path)
	require.Len(t, d.Deleted, 1)
	require.Equal(t, "b.jpg", d.Deleted[0].Path)
}
