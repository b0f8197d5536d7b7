package project

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tynkerbase/tynkerbase-agent/wire"
)

func newTestStore() (*Store, afero.Fs) {
	fs := afero.NewMemMapFs()
	return NewStore(fs, "/var/tynkerbase-projects"), fs
}

func TestCreateDelete_RoundTrip(t *testing.T) {
	store, fs := newTestStore()
	require.NoError(t, fs.MkdirAll(store.Root(), 0o755))

	before, err := store.List()
	require.NoError(t, err)

	require.NoError(t, store.Create("web"))
	exists, _ := afero.DirExists(fs, "/var/tynkerbase-projects/web")
	assert.True(t, exists)

	require.NoError(t, store.Delete("web"))
	exists, _ = afero.DirExists(fs, "/var/tynkerbase-projects/web")
	assert.False(t, exists)

	after, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCreate_MissingRoot(t *testing.T) {
	store, fs := newTestStore()

	require.NoError(t, store.Create("web"))
	exists, _ := afero.DirExists(fs, "/var/tynkerbase-projects/web")
	assert.True(t, exists)
}

func TestCreate_AlreadyExists(t *testing.T) {
	store, _ := newTestStore()
	require.NoError(t, store.Create("web"))

	err := store.Create("web")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Contains(t, err.Error(), "already exists")
}

func TestDelete_NotExist(t *testing.T) {
	store, _ := newTestStore()

	err := store.Delete("ghost")
	assert.ErrorIs(t, err, ErrNotExist)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestInvalidNames(t *testing.T) {
	store, _ := newTestStore()

	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "../etc"} {
		assert.ErrorIs(t, store.Create(name), ErrInvalidName, name)
		assert.ErrorIs(t, store.Delete(name), ErrInvalidName, name)
	}
}

func TestList(t *testing.T) {
	store, fs := newTestStore()

	names, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, store.Create("web"))
	require.NoError(t, store.Create("api"))
	require.NoError(t, afero.WriteFile(fs, "/var/tynkerbase-projects/stray.txt", []byte("x"), 0o644))

	names, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "web"}, names)
}

func TestIngestExport_RoundTrip(t *testing.T) {
	store, _ := newTestStore()

	bundle := wire.FileBundle{Files: []wire.File{
		{Path: "Dockerfile", Data: []byte("FROM nginx")},
		{Path: "index.html", Data: []byte("hi")},
		{Path: "static/css/site.css", Data: []byte("body{}")},
	}}

	require.NoError(t, store.Ingest("web", bundle))

	got, err := store.Export("web", nil)
	require.NoError(t, err)
	assert.Equal(t, bundle, got)
}

func TestIngest_Replaces(t *testing.T) {
	store, fs := newTestStore()

	require.NoError(t, store.Ingest("web", wire.FileBundle{Files: []wire.File{{Path: "old.txt", Data: []byte("old")}}}))
	require.NoError(t, store.Ingest("web", wire.FileBundle{Files: []wire.File{{Path: "new.txt", Data: []byte("new")}}}))

	exists, _ := afero.Exists(fs, "/var/tynkerbase-projects/web/old.txt")
	assert.False(t, exists, "uploads replace, not merge")

	got, err := store.Export("web", nil)
	require.NoError(t, err)
	assert.Equal(t, []wire.File{{Path: "new.txt", Data: []byte("new")}}, got.Files)
}

func TestIngest_UnsafePathLeavesProjectAlone(t *testing.T) {
	store, fs := newTestStore()
	require.NoError(t, store.Ingest("web", wire.FileBundle{Files: []wire.File{{Path: "keep.txt", Data: []byte("keep")}}}))

	err := store.Ingest("web", wire.FileBundle{Files: []wire.File{
		{Path: "ok.txt", Data: []byte("ok")},
		{Path: "../../etc/passwd", Data: []byte("root")},
	}})
	assert.ErrorIs(t, err, ErrInvalidPath)

	exists, _ := afero.Exists(fs, "/var/tynkerbase-projects/web/keep.txt")
	assert.True(t, exists)
	exists, _ = afero.Exists(fs, "/etc/passwd")
	assert.False(t, exists)
}

func TestExport_Ignore(t *testing.T) {
	store, _ := newTestStore()
	require.NoError(t, store.Ingest("web", wire.FileBundle{Files: []wire.File{
		{Path: "index.html", Data: []byte("hi")},
		{Path: "node_modules/left-pad/index.js", Data: []byte("pad")},
		{Path: ".env", Data: []byte("SECRET=1")},
	}}))

	got, err := store.Export("web", []string{"node_modules", ".env"})
	require.NoError(t, err)
	assert.Equal(t, []wire.File{{Path: "index.html", Data: []byte("hi")}}, got.Files)
}

func TestExport_NotExist(t *testing.T) {
	store, _ := newTestStore()

	_, err := store.Export("ghost", nil)
	assert.ErrorIs(t, err, ErrNotExist)
}
