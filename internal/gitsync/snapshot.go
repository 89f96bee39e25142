package gitsync

import (
	"cmp"
	"context"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/babygitr/babygitr/internal/errs"
)

// Snapshot commits working copy changes under the snapshot directory, leaving
// out paths matching the ignore patterns. It reports false when there was
// nothing to commit. The commit is local; the next Sync pushes it.
func (w *Watcher) Snapshot(ctx context.Context, message string) (plumbing.Hash, bool, error) {
	if err := ctx.Err(); err != nil {
		return plumbing.ZeroHash, false, w.fail(err, "snapshot", nil)
	}

	wt, err := w.repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, false, w.fail(errs.ErrRepositoryState, "snapshot", err)
	}

	status, err := wt.Status()
	if err != nil {
		return plumbing.ZeroHash, false, w.fail(errs.ErrRepositoryState, "snapshot", err)
	}

	var paths []string
	for p, s := range status {
		if s.Worktree == git.Unmodified && s.Staging == git.Unmodified {
			continue
		}
		if w.inScope(p) {
			paths = append(paths, p)
		}
	}

	if len(paths) == 0 {
		return plumbing.ZeroHash, false, nil
	}

	sort.Strings(paths)

	for _, p := range paths {
		if status[p].Worktree == git.Deleted {
			_, err = wt.Remove(p)
		} else {
			_, err = wt.Add(p)
		}
		if err != nil {
			return plumbing.ZeroHash, false, w.fail(errs.ErrRepositoryState, "snapshot", err)
		}
	}

	sig := w.signature()
	hash, err := wt.Commit(cmp.Or(message, w.snapshot.Message), &git.CommitOptions{
		Author:    &sig,
		Committer: &sig,
	})
	if err != nil {
		return plumbing.ZeroHash, false, w.fail(errs.ErrRepositoryState, "snapshot", err)
	}

	w.log.Infof("committed %d changed paths as %s", len(paths), hash)
	return hash, true, nil
}

// inScope reports whether a slash separated worktree path lies under the
// snapshot directory and matches no ignore pattern, either as a whole or by
// its base name.
func (w *Watcher) inScope(p string) bool {
	dir := path.Clean(strings.TrimPrefix(w.snapshot.Dir, "./"))
	if dir != "." && p != dir && !strings.HasPrefix(p, dir+"/") {
		return false
	}

	if w.ignore == nil {
		return true
	}

	return !w.ignore.Match(p) && !w.ignore.Match(path.Base(p))
}
