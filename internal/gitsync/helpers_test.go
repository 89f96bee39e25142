package gitsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/server"

	"github.com/babygitr/babygitr/internal/config"
)

// newBareRemote creates an empty bare repository and returns its path. Local
// paths are served by the git binary, as they are outside of tests.
func newBareRemote(t *testing.T) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "remote.git")
	if _, err := git.PlainInit(dir, true); err != nil {
		t.Fatal(err)
	}
	return dir
}

// remoteHead returns the commit the bare repository's branch points at, or
// the zero hash if the branch does not exist.
func remoteHead(t *testing.T, dir, branch string) plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatal(err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash
	} else if err != nil {
		t.Fatal(err)
	}
	return ref.Hash()
}

// setRemoteHead moves the bare repository's branch without any checks, the
// way a concurrent force push would.
func setRemoteHead(t *testing.T, dir, branch string, hash plumbing.Hash) {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), hash)); err != nil {
		t.Fatal(err)
	}
}

// seeder is an independent writer to a remote, built on plain go-git.
type seeder struct {
	t      *testing.T
	dir    string
	branch string
	repo   *git.Repository
}

func newSeeder(t *testing.T, url, branch string) *seeder {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(branch)},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{url}}); err != nil {
		t.Fatal(err)
	}

	return &seeder{t: t, dir: dir, branch: branch, repo: repo}
}

// commit writes files and commits them on top of the current head.
func (s *seeder) commit(files map[string]string) plumbing.Hash {
	s.t.Helper()

	wt, err := s.repo.Worktree()
	if err != nil {
		s.t.Fatal(err)
	}

	for name, content := range files {
		writeFile(s.t, s.dir, name, content)
		if _, err := wt.Add(name); err != nil {
			s.t.Fatal(err)
		}
	}

	hash, err := wt.Commit("seed", &git.CommitOptions{
		Author: &object.Signature{Name: "seeder", Email: "seeder@example.com", When: time.Now()},
	})
	if err != nil {
		s.t.Fatal(err)
	}
	return hash
}

// push fast-forwards the remote branch to the seeder's head.
func (s *seeder) push() {
	s.t.Helper()

	ref := plumbing.NewBranchReferenceName(s.branch)
	spec := gitconfig.RefSpec(ref + ":" + ref)

	err := s.repo.Push(&git.PushOptions{RemoteName: "origin", RefSpecs: []gitconfig.RefSpec{spec}})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		s.t.Fatal(err)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()

	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()

	bs, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
	if err != nil {
		t.Fatal(err)
	}
	return string(bs)
}

// newWatcher opens a watcher on a fresh directory linked to url.
func newWatcher(t *testing.T, url, branch string) *Watcher {
	t.Helper()
	return newWatcherWith(t, url, Options{Branch: branch})
}

func newWatcherWith(t *testing.T, url string, opts Options) *Watcher {
	t.Helper()

	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "local")
	}

	w, err := OpenOrInit(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}

	if url != "" {
		if _, err := w.SetRemote(url); err != nil {
			t.Fatal(err)
		}
	}
	return w
}

// reachable reports whether target is in the history of head.
func reachable(t *testing.T, w *Watcher, target, head plumbing.Hash) bool {
	t.Helper()

	ok, err := w.isAncestor(target, head)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func identity() config.Identity {
	return config.Identity{Name: "Test Bot", Email: "bot@example.com"}
}

// newHTTPRemote serves the bare repository at dir over the smart HTTP
// protocol. Requests failing authorized are answered with 401.
func newHTTPRemote(t *testing.T, dir string, authorized func(*http.Request) bool) *httptest.Server {
	t.Helper()

	ep, err := transport.NewEndpoint(dir)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authorized != nil && !authorized(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="git"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		switch {
		case strings.HasSuffix(r.URL.Path, "/info/refs"):
			advertise(w, r, ep)
		case strings.HasSuffix(r.URL.Path, "/git-upload-pack"):
			uploadPack(w, r, ep)
		case strings.HasSuffix(r.URL.Path, "/git-receive-pack"):
			receivePack(w, r, ep)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

func advertise(w http.ResponseWriter, r *http.Request, ep *transport.Endpoint) {
	service := r.URL.Query().Get("service")

	var ar *packp.AdvRefs
	var err error
	switch service {
	case transport.UploadPackServiceName:
		var sess transport.UploadPackSession
		sess, err = server.DefaultServer.NewUploadPackSession(ep, nil)
		if err == nil {
			ar, err = sess.AdvertisedReferencesContext(r.Context())
		}
	case transport.ReceivePackServiceName:
		var sess transport.ReceivePackSession
		sess, err = server.DefaultServer.NewReceivePackSession(ep, nil)
		if err == nil {
			ar, err = sess.AdvertisedReferencesContext(r.Context())
		}
	default:
		http.Error(w, "unsupported service", http.StatusForbidden)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ar.Prefix = [][]byte{[]byte("# service=" + service), pktline.Flush}

	w.Header().Set("Content-Type", "application/x-"+service+"-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	_ = ar.Encode(w)
}

func uploadPack(w http.ResponseWriter, r *http.Request, ep *transport.Endpoint) {
	sess, err := server.DefaultServer.NewUploadPackSession(ep, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	req := packp.NewUploadPackRequest()
	if err := req.Decode(r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The in-process server fails on haves it does not know, such as the
	// initial commit of a fresh watcher. git skips them instead.
	sto, err := server.DefaultLoader.Load(ep)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req.Haves = slices.DeleteFunc(req.Haves, func(h plumbing.Hash) bool {
		return sto.HasEncodedObject(h) != nil
	})

	resp, err := sess.UploadPack(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer resp.Close()

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	_ = resp.Encode(w)
}

func receivePack(w http.ResponseWriter, r *http.Request, ep *transport.Endpoint) {
	sess, err := server.DefaultServer.NewReceivePackSession(ep, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	req := packp.NewReferenceUpdateRequest()
	if err := req.Decode(r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status, err := sess.ReceivePack(r.Context(), req)
	if status == nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	_ = status.Encode(w)
}
