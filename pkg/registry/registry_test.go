package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/remote"
	"github.com/sidkik/olsync/pkg/remote/mocks"
)

func TestRefreshBuildsTree(t *testing.T) {
	client := &mocks.Client{}
	client.On("ListEntities", mock.Anything, "p1").Return(remote.Snapshot{
		ProjectID: "p1",
		Entities: []remote.Entity{
			{Path: "/main.tex", Type: remote.TypeDoc},
			{Path: "/figs/plot.png", Type: remote.TypeFile},
		},
	}, nil)

	reg := New(client, "p1")
	require.NoError(t, reg.Refresh(context.Background()))

	assert.Equal(t, []Entry{
		{Ref: RootRef(""), Kind: Folder, Path: ""},
		{Ref: ByPath("figs"), Kind: Folder, Name: "figs", Parent: RootRef(""), Path: "figs"},
		{Ref: ByPath("figs/plot.png"), Kind: BinaryFile, Name: "plot.png",
			Parent: ByPath("figs"), Path: "figs/plot.png"},
		{Ref: ByPath("main.tex"), Kind: Document, Name: "main.tex", Parent: RootRef(""), Path: "main.tex"},
	}, reg.Entries())

	resolver := NewResolver(reg, client)
	figs, err := resolver.Resolve("figs")
	assert.NoError(t, err)
	assert.Equal(t, Folder, figs.Kind)

	plot, err := resolver.Resolve("figs/plot.png")
	assert.NoError(t, err)
	assert.Equal(t, BinaryFile, plot.Kind)

	_, err = resolver.Resolve("figs/missing.png")
	assert.True(t, errors.IsNotFound(err))
}

func TestBuildIsOrderIndependent(t *testing.T) {
	entities := []remote.Entity{
		{ID: "d1", Path: "chapters/one/intro.tex", Type: remote.TypeDoc},
		{ID: "f1", Path: "chapters", Type: remote.TypeFolder},
		{ID: "f2", Path: "chapters/one", Type: remote.TypeFolder},
		{ID: "b1", Path: "chapters/one/fig.pdf", Type: remote.TypeFile},
		{ID: "d2", Path: "main.tex", Type: remote.TypeDoc},
		{ID: "d3", Path: "appendix/a.tex", Type: remote.TypeDoc},
	}

	expReg := New(nil, "p1")
	require.NoError(t, expReg.Load(remote.Snapshot{RootFolderID: "root", Entities: entities}))
	exp := expReg.Entries()

	reversed := make([]remote.Entity, len(entities))
	for i, entity := range entities {
		reversed[len(entities)-1-i] = entity
	}

	rotated := append(append([]remote.Entity{}, entities[3:]...), entities[:3]...)

	for _, order := range [][]remote.Entity{entities, reversed, rotated} {
		reg := New(nil, "p1")
		require.NoError(t, reg.Load(remote.Snapshot{RootFolderID: "root", Entities: order}))
		assert.Equal(t, exp, reg.Entries())
	}

	intro, ok := expReg.GetByID("d1")
	require.True(t, ok)
	assert.Equal(t, ByID("f2"), intro.Parent)

	appendix, ok := expReg.Get("appendix")
	require.True(t, ok)
	assert.Equal(t, ByPath("appendix"), appendix.Ref)
	assert.Equal(t, RootRef("root"), appendix.Parent)
}

func TestSingleRoot(t *testing.T) {
	tests := []struct {
		name   string
		rootID string
	}{
		{"WithoutRootID", ""},
		{"WithRootID", "root"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			reg := New(nil, "p1")
			require.NoError(t, reg.Load(remote.Snapshot{
				RootFolderID: test.rootID,
				Entities: []remote.Entity{
					{Path: "main.tex", Type: remote.TypeDoc},
					{Path: "figs/plot.png", Type: remote.TypeFile},
				},
			}))

			var parentless []string
			for _, entry := range reg.Entries() {
				if entry.Parent == (Ref{}) {
					parentless = append(parentless, entry.Path)
				}
			}
			assert.Equal(t, []string{""}, parentless)

			doc, ok := reg.Get("main.tex")
			require.True(t, ok)
			assert.Equal(t, RootRef(test.rootID), doc.Parent)
		})
	}
}

func TestRefreshTwiceIsIdempotent(t *testing.T) {
	client := &mocks.Client{}
	client.On("ListEntities", mock.Anything, "p1").Return(remote.Snapshot{
		Entities: []remote.Entity{
			{ID: "d1", Path: "a/b/c.tex", Type: remote.TypeDoc},
			{ID: "d2", Path: "a/d.tex", Type: remote.TypeDoc},
		},
	}, nil)

	reg := New(client, "p1")
	require.NoError(t, reg.Refresh(context.Background()))
	first := reg.Entries()
	require.NoError(t, reg.Refresh(context.Background()))
	assert.Equal(t, first, reg.Entries())

	// Every leaf resolves, and every prefix is a folder.
	for p, kind := range map[string]Kind{
		"a": Folder, "a/b": Folder, "a/b/c.tex": Document, "a/d.tex": Document,
	} {
		entry, ok := reg.Get(p)
		assert.True(t, ok, p)
		assert.Equal(t, kind, entry.Kind, p)
	}
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	client := &mocks.Client{}
	client.On("ListEntities", mock.Anything, "p1").Return(remote.Snapshot{
		Entities: []remote.Entity{{ID: "d1", Path: "main.tex", Type: remote.TypeDoc}},
	}, nil).Once()
	client.On("ListEntities", mock.Anything, "p1").Return(
		remote.Snapshot{}, errors.New("connection reset")).Once()

	reg := New(client, "p1")
	require.NoError(t, reg.Refresh(context.Background()))
	before := reg.Entries()

	err := reg.Refresh(context.Background())
	assert.True(t, errors.IsRemoteUnavailable(err))
	assert.Equal(t, before, reg.Entries())
	client.AssertExpectations(t)
}

func TestLoadInvalidSnapshotKeepsSnapshot(t *testing.T) {
	reg := New(nil, "p1")
	require.NoError(t, reg.Load(remote.Snapshot{
		Entities: []remote.Entity{{ID: "d1", Path: "main.tex", Type: remote.TypeDoc}},
	}))
	before := reg.Entries()

	tests := []struct {
		name     string
		entities []remote.Entity
	}{
		{"FileUsedAsFolder", []remote.Entity{
			{Path: "a", Type: remote.TypeDoc},
			{Path: "a/b.tex", Type: remote.TypeDoc},
		}},
		{"FolderUsedAsFile", []remote.Entity{
			{Path: "a/b.tex", Type: remote.TypeDoc},
			{Path: "a", Type: remote.TypeDoc},
		}},
		{"ConflictingIDs", []remote.Entity{
			{ID: "x", Path: "a.tex", Type: remote.TypeDoc},
			{ID: "y", Path: "a.tex", Type: remote.TypeDoc},
		}},
		{"UnknownType", []remote.Entity{{Path: "a.tex", Type: "symlink"}}},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Error(t, reg.Load(remote.Snapshot{Entities: test.entities}))
			assert.Equal(t, before, reg.Entries())
		})
	}
}

func TestInsert(t *testing.T) {
	reg := New(nil, "p1")

	err := reg.Insert(Entry{Ref: ByID("d1"), Kind: Document, Path: "missing/a.tex"})
	assert.True(t, errors.IsNotFound(err))

	assert.NoError(t, reg.Insert(Entry{Ref: ByID("f1"), Kind: Folder, Path: "figs"}))
	assert.NoError(t, reg.Insert(Entry{Ref: ByID("b1"), Kind: BinaryFile, Path: "figs/a.png"}))
	assert.Error(t, reg.Insert(Entry{Ref: ByID("b2"), Kind: BinaryFile, Path: "figs/a.png"}))
	assert.Error(t, reg.Insert(Entry{Ref: ByID("b1"), Kind: BinaryFile, Path: "figs/b.png"}))
	assert.Error(t, reg.Insert(Entry{Ref: ByID("x"), Kind: Document, Path: "figs/a.png/c.tex"}))

	entry, ok := reg.GetByID("b1")
	require.True(t, ok)
	assert.Equal(t, Entry{Ref: ByID("b1"), Kind: BinaryFile, Name: "a.png",
		Parent: ByID("f1"), Path: "figs/a.png"}, entry)

	reg.Remove("figs")
	assert.Equal(t, 1, reg.Len())
	_, ok = reg.GetByID("b1")
	assert.False(t, ok)
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"":               "",
		"/":              "",
		"main.tex":       "main.tex",
		"/figs/plot.png": "figs/plot.png",
		"figs/":          "figs",
		`figs\plot.png`:  "figs/plot.png",
		"./a//b/../c":    "a/c",
	}
	for in, exp := range tests {
		assert.Equal(t, exp, Normalize(in), in)
	}
}
