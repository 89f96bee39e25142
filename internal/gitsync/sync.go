package gitsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/babygitr/babygitr/internal/credentials"
	"github.com/babygitr/babygitr/internal/errs"
	"github.com/babygitr/babygitr/internal/metrics"
)

// Action is what a sync cycle did to reconcile local and remote history.
type Action int

const (
	NoOp Action = iota
	FastForwarded
	ForceReplaced
	Pushed
)

func (a Action) String() string {
	switch a {
	case NoOp:
		return "no-op"
	case FastForwarded:
		return "fast-forwarded-from-remote"
	case ForceReplaced:
		return "force-replaced-from-remote"
	case Pushed:
		return "pushed-to-remote"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Outcome describes a completed sync cycle. Discarded is set when diverged
// local history was thrown away in favour of the remote; PreviousHead then
// names the local head that is no longer reachable from the branch.
type Outcome struct {
	Action       Action
	Head         plumbing.Hash
	PreviousHead plumbing.Hash
	Discarded    bool
	Retried      bool
}

type relation int

const (
	identical relation = iota
	remoteAhead
	localAhead
	diverged
)

func (r relation) String() string {
	switch r {
	case identical:
		return "identical"
	case remoteAhead:
		return "remote ahead"
	case localAhead:
		return "local ahead"
	default:
		return "diverged"
	}
}

// maxPushAttempts bounds how often a push rejected by a concurrent writer is
// re-derived before giving up with a conflict.
const maxPushAttempts = 2

// Sync reconciles the branch with the remote using provider for every remote
// operation. The provider is not retained. Cancellation of ctx is honoured
// only before the cycle starts; once the first fetch is issued the cycle runs
// to completion or to a network error.
func (w *Watcher) Sync(ctx context.Context, provider credentials.Provider) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, w.fail(err, "sync", nil)
	}

	startTime := time.Now()

	out, err := w.sync(context.WithoutCancel(ctx), provider)
	if err != nil {
		metrics.SyncFailed(w.branch, errs.KindName(err))
		w.log.Errorf("sync failed: %v", err)
		return Outcome{}, err
	}

	metrics.SyncSucceeded(w.branch, out.Action.String(), out.Discarded, startTime)
	w.log.Debugf("sync finished: %s at %s", out.Action, out.Head)
	return out, nil
}

func (w *Watcher) sync(ctx context.Context, provider credentials.Provider) (Outcome, error) {
	link, ok := w.Remote()
	if !ok {
		return Outcome{}, w.fail(errs.ErrConfiguration, "sync", errs.ErrNoRemote)
	}

	auth := provider.AuthMethod()

	for attempt := 0; ; attempt++ {
		if w.hooks.beforeFetch != nil {
			w.hooks.beforeFetch(attempt)
		}

		remote, err := w.fetch(ctx, auth)
		if err != nil {
			return Outcome{}, err
		}

		local, err := w.Head()
		if err != nil {
			return Outcome{}, err
		}

		rel, err := w.relate(local, remote)
		if err != nil {
			return Outcome{}, w.fail(errs.ErrRepositoryState, "sync", err)
		}

		w.log.Debugf("local %s, remote %s: %s", local, remote, rel)

		out := Outcome{Head: local, PreviousHead: local, Retried: attempt > 0}

		switch rel {
		case identical:
			out.Action = NoOp
			return out, nil

		case remoteAhead:
			if err := w.reset(remote); err != nil {
				return Outcome{}, err
			}
			out.Action = FastForwarded
			out.Head = remote
			w.log.Infof("fast-forwarded from %s to %s", local, remote)
			return out, nil

		case diverged:
			if err := w.reset(remote); err != nil {
				return Outcome{}, err
			}
			out.Action = ForceReplaced
			out.Head = remote
			out.Discarded = true
			w.log.Warnf("local history diverged from %s: discarded local head %s and replaced it with remote head %s", link.URL, local, remote)
			return out, nil

		case localAhead:
			if w.hooks.beforePush != nil {
				w.hooks.beforePush(attempt)
			}

			err := w.push(ctx, auth)
			if errors.Is(err, errs.ErrPushRejected) {
				if attempt+1 < maxPushAttempts {
					w.log.Infof("push of %s rejected, remote moved concurrently; re-fetching", local)
					continue
				}
				return Outcome{}, w.fail(errs.ErrConflict, "push", err)
			} else if err != nil {
				return Outcome{}, err
			}

			out.Action = Pushed
			w.log.Infof("pushed %s to %s", local, link.URL)
			return out, nil
		}
	}
}

// fetch returns the remote head of the branch after making its history
// available locally, or the zero hash if the remote has no such branch.
func (w *Watcher) fetch(ctx context.Context, auth transport.AuthMethod) (plumbing.Hash, error) {
	remote, err := w.repo.Remote(w.remoteName)
	if err != nil {
		return plumbing.ZeroHash, w.fail(errs.ErrRepositoryState, "fetch", err)
	}

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return plumbing.ZeroHash, nil
	} else if err != nil {
		return plumbing.ZeroHash, w.fail(classify(err), "fetch", err)
	}

	var head plumbing.Hash
	for _, ref := range refs {
		if ref.Name() == w.branchRef() {
			head = ref.Hash()
			break
		}
	}

	if head.IsZero() {
		return plumbing.ZeroHash, nil
	}

	err = remote.FetchContext(ctx, &git.FetchOptions{
		RemoteName: w.remoteName,
		Auth:       auth,
		Force:      true,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+%s:%s", w.branchRef(), w.trackingRef())),
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return plumbing.ZeroHash, w.fail(classify(err), "fetch", err)
	}

	ref, err := w.repo.Reference(w.trackingRef(), true)
	if err != nil {
		return plumbing.ZeroHash, w.fail(errs.ErrRepositoryState, "fetch", err)
	}

	return ref.Hash(), nil
}

// relate walks commit parentage to place local relative to remote. A local
// branch holding only the initial empty commit has nothing worth keeping: it
// is behind any non-empty remote and identical to an empty one.
func (w *Watcher) relate(local, remote plumbing.Hash) (relation, error) {
	pristine, err := w.pristine(local)
	if err != nil {
		return identical, err
	}

	switch {
	case remote.IsZero() && pristine:
		return identical, nil
	case remote.IsZero():
		return localAhead, nil
	case local == remote:
		return identical, nil
	case pristine:
		return remoteAhead, nil
	}

	if ok, err := w.isAncestor(local, remote); err != nil {
		return identical, err
	} else if ok {
		return remoteAhead, nil
	}

	if ok, err := w.isAncestor(remote, local); err != nil {
		return identical, err
	} else if ok {
		return localAhead, nil
	}

	return diverged, nil
}

func (w *Watcher) pristine(hash plumbing.Hash) (bool, error) {
	c, err := w.repo.CommitObject(hash)
	if err != nil {
		return false, err
	}
	return c.NumParents() == 0 && c.TreeHash == emptyTree, nil
}

// isAncestor reports whether ancestor is reachable from descendant.
func (w *Watcher) isAncestor(ancestor, descendant plumbing.Hash) (bool, error) {
	c, err := w.repo.CommitObject(descendant)
	if err != nil {
		return false, err
	}

	found := false
	iter := object.NewCommitPreorderIter(c, nil, nil)
	defer iter.Close()

	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == ancestor {
			found = true
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	return found, nil
}

// reset moves the branch to hash and makes the index and working copy match
// it. Uncommitted changes are lost.
func (w *Watcher) reset(hash plumbing.Hash) error {
	wt, err := w.repo.Worktree()
	if err != nil {
		return w.fail(errs.ErrRepositoryState, "reset", err)
	}

	if err := wt.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return w.fail(errs.ErrRepositoryState, "reset", err)
	}

	return nil
}

// push updates the remote branch to the local head. It never forces; a
// remote that moved since the last fetch rejects the update.
func (w *Watcher) push(ctx context.Context, auth transport.AuthMethod) error {
	err := w.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: w.remoteName,
		Auth:       auth,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("%s:%s", w.branchRef(), w.branchRef())),
		},
	})

	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case rejected(err):
		return fmt.Errorf("%w: %v", errs.ErrPushRejected, err)
	default:
		return w.fail(classify(err), "push", err)
	}
}

func rejected(err error) bool {
	if errors.Is(err, git.ErrNonFastForwardUpdate) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "non-fast-forward") || strings.Contains(msg, "fetch first")
}

// classify maps a transport failure to an error kind. Failures the remote
// attributes to the credential are reported apart from everything else, so
// that callers know to obtain a fresh provider.
func classify(err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod),
		strings.Contains(err.Error(), "unable to authenticate"):
		return errs.ErrAuthenticationRejected
	default:
		return errs.ErrTransport
	}
}
