// Package gitsync commits the changes synced by the upload queue to the
// project's git repository, and pushes them to the Overleaf git remote.
package gitsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/upload"
)

const (
	// RemoteName is the git remote that's pushed to after each commit.
	RemoteName = "overleaf"

	// RemoteBranch is the branch of the Overleaf git bridge.
	RemoteBranch = "master"

	authorName  = "olsync"
	authorEmail = "olsync@localhost"
)

// Options configures a Repo.
type Options struct {
	// Token authenticates pushes to the Overleaf git bridge. Nothing is
	// pushed without one.
	Token string

	// Push pushes to RemoteName after each commit, if the remote exists.
	Push bool
}

// Repo is a local git repository that olsync commits to.
type Repo struct {
	dir  string
	repo *git.Repository
	opts Options

	// Mocked in tests.
	now func() time.Time
}

// Open opens the repository at `dir`. It returns an error that satisfies
// IsNotRepository if `dir` isn't the root of a git repository.
func Open(dir string, opts Options) (*Repo, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, errors.WithContext(err, "open repository")
	}
	return &Repo{dir: dir, repo: repo, opts: opts, now: time.Now}, nil
}

// IsNotRepository returns whether Open failed because there's no repository.
func IsNotRepository(err error) bool {
	return errors.Is(err, git.ErrRepositoryNotExists)
}

// Change is a single synced change that's described in the commit message.
type Change struct {
	Kind string
	Path string
}

// Commit stages the changed paths and commits them. Other changes in the
// worktree are left alone. It returns false if there was nothing to commit.
func (r *Repo) Commit(changes []Change) (bool, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return false, errors.WithContext(err, "get worktree")
	}

	for _, change := range changes {
		_, statErr := os.Lstat(filepath.Join(r.dir, filepath.FromSlash(change.Path)))
		switch {
		case statErr == nil:
			_, err = wt.Add(change.Path)
		case os.IsNotExist(statErr):
			// Files that were never committed aren't in the index.
			if _, err := wt.Remove(change.Path); err != nil {
				log.WithError(err).WithField("path", change.Path).Debug("Not removing from index")
			}
			err = nil
		default:
			err = statErr
		}
		if err != nil {
			return false, errors.WithContext(err, fmt.Sprintf("stage %s", change.Path))
		}
	}

	status, err := wt.Status()
	if err != nil {
		return false, errors.WithContext(err, "status")
	}
	if !hasStaged(status) {
		return false, nil
	}

	_, err = wt.Commit(CommitMessage(changes), &git.CommitOptions{
		Author: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  r.now(),
		},
	})
	if err != nil {
		return false, errors.WithContext(err, "commit")
	}
	return true, nil
}

// Push pushes the current branch to the master branch of RemoteName. It's a
// no-op if the remote doesn't exist.
func (r *Repo) Push(ctx context.Context) error {
	if _, err := r.repo.Remote(RemoteName); err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return nil
		}
		return errors.WithContext(err, "get remote")
	}

	head, err := r.repo.Head()
	if err != nil {
		return errors.WithContext(err, "get HEAD")
	}

	refSpec := gitconfig.RefSpec(fmt.Sprintf("%s:refs/heads/%s", head.Name(), RemoteBranch))
	opts := &git.PushOptions{
		RemoteName: RemoteName,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
	}
	if r.opts.Token != "" {
		opts.Auth = &http.BasicAuth{Username: "git", Password: r.opts.Token}
	}

	err = r.repo.PushContext(ctx, opts)
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return errors.WithContext(err, "push")
	}
	return nil
}

// AfterFlush commits the successful results of an upload flush, and pushes
// them if configured to. Failures are logged, and never fail the flush.
func (r *Repo) AfterFlush(results []upload.Result) {
	var changes []Change
	for _, result := range results {
		if result.Err != nil || result.Action == upload.Skipped {
			continue
		}
		changes = append(changes, Change{
			Kind: result.Change.Kind.String(),
			Path: result.Change.Path,
		})
	}
	if len(changes) == 0 {
		return
	}

	logger := log.WithField("dir", r.dir)
	committed, err := r.Commit(changes)
	if err != nil {
		logger.WithError(err).Warn("Failed to commit synced changes")
		return
	}
	if !committed {
		return
	}
	logger.WithField("changes", len(changes)).Info("Committed synced changes")

	if !r.opts.Push || r.opts.Token == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := r.Push(ctx); err != nil {
		logger.WithError(err).Warn("Failed to push to Overleaf")
		return
	}
	logger.Debug("Pushed to Overleaf")
}

func hasStaged(status git.Status) bool {
	for _, file := range status {
		if file.Staging != git.Unmodified && file.Staging != git.Untracked {
			return true
		}
	}
	return false
}

// CommitMessage describes the given changes.
func CommitMessage(changes []Change) string {
	var descs []string
	for _, c := range changes {
		descs = append(descs, fmt.Sprintf("%s: %s", c.Kind, c.Path))
	}
	return "Auto-sync: " + strings.Join(descs, ", ")
}
