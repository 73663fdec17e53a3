package gitsync

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/fswatch"
	"github.com/sidkik/olsync/pkg/upload"
)

func initRepo(t *testing.T) (string, *Repo) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	repo, err := Open(dir, Options{})
	require.NoError(t, err)
	repo.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return dir, repo
}

func headMessage(t *testing.T, repo *Repo) string {
	head, err := repo.repo.Head()
	require.NoError(t, err)
	commit, err := repo.repo.CommitObject(head.Hash())
	require.NoError(t, err)
	return commit.Message
}

func TestOpenNotRepository(t *testing.T) {
	_, err := Open(t.TempDir(), Options{})
	assert.True(t, IsNotRepository(err))
	assert.False(t, IsNotRepository(errors.New("other")))
}

func TestCommit(t *testing.T) {
	dir, repo := initRepo(t)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "main.tex"), []byte("hello"), 0644))

	committed, err := repo.Commit([]Change{{Kind: "added", Path: "main.tex"}})
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, "Auto-sync: added: main.tex", headMessage(t, repo))

	// Nothing changed since the last commit.
	committed, err = repo.Commit([]Change{{Kind: "modified", Path: "main.tex"}})
	require.NoError(t, err)
	assert.False(t, committed)
}

func TestCommitOnlyChangedPaths(t *testing.T) {
	dir, repo := initRepo(t)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "main.tex"), []byte("hello"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, ".olsync.yaml"), []byte("pid: 1"), 0644))

	committed, err := repo.Commit([]Change{{Kind: "added", Path: "main.tex"}})
	require.NoError(t, err)
	assert.True(t, committed)

	wt, err := repo.repo.Worktree()
	require.NoError(t, err)
	status, err := wt.Status()
	require.NoError(t, err)
	assert.Equal(t, git.Untracked, status.File(".olsync.yaml").Worktree)

	// Deleting a committed file commits the deletion.
	require.NoError(t, os.Remove(filepath.Join(dir, "main.tex")))
	committed, err = repo.Commit([]Change{{Kind: "deleted", Path: "main.tex"}})
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, "Auto-sync: deleted: main.tex", headMessage(t, repo))
}

func TestPushWithoutRemote(t *testing.T) {
	dir, repo := initRepo(t)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "main.tex"), []byte("hello"), 0644))
	_, err := repo.Commit(nil)
	require.NoError(t, err)

	assert.NoError(t, repo.Push(context.Background()))
}

func TestAfterFlush(t *testing.T) {
	dir, repo := initRepo(t)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "a.tex"), []byte("a"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "b.tex"), []byte("b"), 0644))

	change := func(kind fswatch.EventKind, path string) upload.PendingChange {
		return upload.PendingChange{Kind: kind, Path: path}
	}

	// Failed and skipped results alone don't commit.
	repo.AfterFlush([]upload.Result{
		{Change: change(fswatch.Added, "a.tex"), Err: errors.New("remote down")},
		{Change: change(fswatch.Deleted, "gone.tex"), Action: upload.Skipped},
	})
	_, err := repo.repo.Head()
	assert.Error(t, err)

	repo.AfterFlush([]upload.Result{
		{Change: change(fswatch.Added, "a.tex"), Action: upload.Created},
		{Change: change(fswatch.Modified, "b.tex"), Err: errors.New("remote down")},
		{Change: change(fswatch.Modified, "c.tex"), Action: upload.Updated},
	})
	assert.Equal(t, "Auto-sync: added: a.tex, modified: c.tex", headMessage(t, repo))
}

func TestCommitMessage(t *testing.T) {
	assert.Equal(t, "Auto-sync: deleted: figs/plot.png, added: new/chapter.tex",
		CommitMessage([]Change{
			{Kind: "deleted", Path: "figs/plot.png"},
			{Kind: "added", Path: "new/chapter.tex"},
		}))
}
