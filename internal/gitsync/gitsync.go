// gitsync package implements the repository watcher. A Watcher owns one local working copy pinned to one branch
// and reconciles it with a single remote: fast-forwarding, pushing, or discarding local history when the two have
// diverged. This package implements no scheduling or threadpooling, it is expected that the caller will serialize
// sync cycles per local path. The Watcher is not thread-safe.
package gitsync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/gobwas/glob"

	"github.com/babygitr/babygitr/internal/config"
	"github.com/babygitr/babygitr/internal/errs"
	"github.com/babygitr/babygitr/internal/logging"
)

// emptyTree is the hash of the tree with no entries.
var emptyTree = plumbing.NewHash("4b825dc642cb6eb9a060e54bf8d69288fbee4904")

func init() {
	// For Azure DevOps compatibility. More details: https://github.com/go-git/go-git/issues/64
	transport.UnsupportedCapabilities = []capability.Capability{
		capability.ThinPack,
	}
}

// Options configure OpenOrInit. The identity is written to the repository's
// own configuration; no global git configuration is read or written.
type Options struct {
	Path       string
	Branch     string
	RemoteName string
	Identity   config.Identity
	Snapshot   config.Snapshot
	Logger     *logging.Logger
}

// OptionsFromConfig derives watcher options from a parsed configuration.
func OptionsFromConfig(root *config.Root) (Options, error) {
	path, err := root.Path()
	if err != nil {
		return Options{}, err
	}

	return Options{
		Path:       path,
		Branch:     root.Branch(),
		RemoteName: root.Remote(),
		Identity:   root.Committer(),
		Snapshot:   root.SnapshotOptions(),
	}, nil
}

// RemoteLink is the single remote a watcher reconciles against.
type RemoteLink struct {
	Name   string
	URL    string
	Branch string
}

type Watcher struct {
	path       string
	branch     string
	remoteName string
	identity   config.Identity
	snapshot   config.Snapshot
	ignore     glob.Glob
	repo       *git.Repository
	log        *logging.Logger
	hooks      hooks
}

// hooks let tests interleave other writers with a sync cycle.
type hooks struct {
	beforeFetch func(attempt int)
	beforePush  func(attempt int)
}

// OpenOrInit opens the repository at opts.Path, or initializes one if the
// path is missing or empty, and checks out opts.Branch. A missing branch is
// created pointing at an initial commit with an empty tree. Calling it again
// on the same path is a no-op apart from refreshing the identity.
func OpenOrInit(ctx context.Context, opts Options) (*Watcher, error) {
	if opts.Path == "" {
		return nil, errs.Configuration("open", "local path is required")
	}

	path, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, errs.Configuration("open", "invalid local path %q: %v", opts.Path, err)
	}

	w := &Watcher{
		path:       path,
		branch:     cmp.Or(opts.Branch, config.DefaultBranchName),
		remoteName: cmp.Or(opts.RemoteName, config.DefaultRemoteName),
		identity:   opts.Identity,
		snapshot:   opts.Snapshot,
		log:        opts.Logger,
	}

	w.identity.Name = cmp.Or(w.identity.Name, config.DefaultIdentityName)
	w.identity.Email = cmp.Or(w.identity.Email, config.DefaultIdentityEmail)
	w.snapshot.Dir = cmp.Or(w.snapshot.Dir, ".")
	w.snapshot.Message = cmp.Or(w.snapshot.Message, config.DefaultSnapshotMessage)

	if w.log == nil {
		w.log = logging.NewNoOpLogger()
	}
	w.log = w.log.With("path", path).With("branch", w.branch)

	if err := ctx.Err(); err != nil {
		return nil, w.fail(err, "open", nil)
	}

	if !config.ValidBranch(w.branch) {
		return nil, w.fail(errs.ErrConfiguration, "open", fmt.Errorf("invalid branch name %q", w.branch))
	}

	w.ignore, err = w.snapshot.Matcher()
	if err != nil {
		return nil, err
	}

	if err := w.open(); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *Watcher) open() error {
	if fi, err := os.Stat(w.path); err == nil && !fi.IsDir() {
		return w.fail(errs.ErrConfiguration, "open", errs.ErrPathOccupied)
	}

	repo, err := git.PlainOpen(w.path)
	switch {
	case err == nil:
		w.log.Debugf("opened existing repository")

	case errors.Is(err, git.ErrRepositoryNotExists):
		empty, err := isEmptyDir(w.path)
		if err != nil {
			return w.fail(errs.ErrConfiguration, "open", err)
		}
		if !empty {
			return w.fail(errs.ErrConfiguration, "open", errs.ErrPathOccupied)
		}

		repo, err = git.PlainInitWithOptions(w.path, &git.PlainInitOptions{
			InitOptions: git.InitOptions{DefaultBranch: w.branchRef()},
		})
		if err != nil {
			return w.fail(errs.ErrRepositoryState, "init", err)
		}
		w.log.Infof("initialized new repository")

	default:
		return w.fail(errs.ErrRepositoryState, "open", err)
	}

	w.repo = repo

	if err := w.writeIdentity(); err != nil {
		return w.fail(errs.ErrRepositoryState, "open", err)
	}

	if err := w.ensureBranch(); err != nil {
		return w.fail(errs.ErrRepositoryState, "open", err)
	}

	return nil
}

// isEmptyDir reports whether path is missing or an empty directory.
func isEmptyDir(path string) (bool, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	} else if err != nil {
		return false, err
	}

	if !fi.IsDir() {
		return false, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

func (w *Watcher) writeIdentity() error {
	cfg, err := w.repo.Config()
	if err != nil {
		return err
	}

	if cfg.User.Name == w.identity.Name && cfg.User.Email == w.identity.Email {
		return nil
	}

	cfg.User.Name = w.identity.Name
	cfg.User.Email = w.identity.Email
	return w.repo.SetConfig(cfg)
}

// ensureBranch creates the branch if needed and points HEAD at it.
func (w *Watcher) ensureBranch() error {
	ref, err := w.repo.Reference(w.branchRef(), true)
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		hash, err := w.initialCommit()
		if err != nil {
			return err
		}
		ref = plumbing.NewHashReference(w.branchRef(), hash)
		if err := w.repo.Storer.SetReference(ref); err != nil {
			return err
		}
		w.log.Infof("created branch at initial commit %s", hash)
	case err != nil:
		return err
	}

	if _, err := w.repo.CommitObject(ref.Hash()); err != nil {
		return fmt.Errorf("branch head %s: %w", ref.Hash(), err)
	}

	head, err := w.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return err
	}

	if head.Type() == plumbing.SymbolicReference && head.Target() == w.branchRef() {
		return nil
	}

	wt, err := w.repo.Worktree()
	if err != nil {
		return err
	}

	return wt.Checkout(&git.CheckoutOptions{Branch: w.branchRef()})
}

// initialCommit stores a parentless commit with an empty tree.
func (w *Watcher) initialCommit() (plumbing.Hash, error) {
	obj := w.repo.Storer.NewEncodedObject()
	if err := (&object.Tree{}).Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}

	tree, err := w.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	sig := w.signature()
	commit := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   config.DefaultInitialMessage,
		TreeHash:  tree,
	}

	obj = w.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}

	return w.repo.Storer.SetEncodedObject(obj)
}

func (w *Watcher) signature() object.Signature {
	return object.Signature{Name: w.identity.Name, Email: w.identity.Email, When: time.Now()}
}

// SetRemote points the watcher at url, replacing any previous link. The URL
// is not validated and the network is not contacted; an invalid URL fails on
// the next Sync. An empty url removes the link.
func (w *Watcher) SetRemote(url string) (RemoteLink, error) {
	if _, err := w.repo.Remote(w.remoteName); err == nil {
		if err := w.repo.DeleteRemote(w.remoteName); err != nil {
			return RemoteLink{}, w.fail(errs.ErrRepositoryState, "set remote", err)
		}
	} else if !errors.Is(err, git.ErrRemoteNotFound) {
		return RemoteLink{}, w.fail(errs.ErrRepositoryState, "set remote", err)
	}

	if url == "" {
		w.log.Infof("removed remote %s", w.remoteName)
		return RemoteLink{}, nil
	}

	if _, err := w.repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: w.remoteName,
		URLs: []string{url},
		Fetch: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", w.remoteName)),
		},
	}); err != nil {
		return RemoteLink{}, w.fail(errs.ErrConfiguration, "set remote", err)
	}

	w.log.Debugf("remote %s set to %s", w.remoteName, url)
	return RemoteLink{Name: w.remoteName, URL: url, Branch: w.branch}, nil
}

// Remote returns the current remote link, if any.
func (w *Watcher) Remote() (RemoteLink, bool) {
	r, err := w.repo.Remote(w.remoteName)
	if err != nil || len(r.Config().URLs) == 0 {
		return RemoteLink{}, false
	}
	return RemoteLink{Name: w.remoteName, URL: r.Config().URLs[0], Branch: w.branch}, true
}

// Head returns the commit the branch points at.
func (w *Watcher) Head() (plumbing.Hash, error) {
	ref, err := w.repo.Reference(w.branchRef(), true)
	if err != nil {
		return plumbing.ZeroHash, w.fail(errs.ErrRepositoryState, "head", err)
	}
	return ref.Hash(), nil
}

func (w *Watcher) Path() string {
	return w.path
}

func (w *Watcher) Branch() string {
	return w.branch
}

func (w *Watcher) branchRef() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(w.branch)
}

func (w *Watcher) trackingRef() plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(w.remoteName, w.branch)
}

// fail wraps err with the watcher's context.
// fail attaches the watcher's path, remote and branch to err. A context error
// passed as kind keeps its identity and matches none of the kinds.
func (w *Watcher) fail(kind error, op string, err error) error {
	e := errs.New(kind, op, err)
	e.Path = w.path
	e.Branch = w.branch
	if w.repo != nil {
		if link, ok := w.Remote(); ok {
			e.Remote = link.URL
		}
	}
	return e
}
