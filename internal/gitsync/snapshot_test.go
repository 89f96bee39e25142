package gitsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/babygitr/babygitr/internal/config"
)

func TestSnapshotScope(t *testing.T) {
	w := newWatcherWith(t, "", Options{
		Branch:   "main",
		Identity: identity(),
		Snapshot: config.Snapshot{
			Dir:    "notes",
			Ignore: []string{"*.tmp", "notes/cache/**"},
		},
	})

	writeFile(t, w.Path(), "notes/a.md", "a")
	writeFile(t, w.Path(), "notes/b.tmp", "b")
	writeFile(t, w.Path(), "notes/cache/x", "x")
	writeFile(t, w.Path(), "other.txt", "o")

	hash, ok, err := w.Snapshot(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatal("expected a commit")
	}

	c, err := w.repo.CommitObject(hash)
	if err != nil {
		t.Fatal(err)
	}

	if c.Message != config.DefaultSnapshotMessage {
		t.Fatalf("unexpected message %q", c.Message)
	}
	if c.Author.Name != "Test Bot" || c.Committer.Email != "bot@example.com" {
		t.Fatalf("unexpected signature %v / %v", c.Author, c.Committer)
	}

	tree, err := c.Tree()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tree.File("notes/a.md"); err != nil {
		t.Fatalf("expected notes/a.md to be committed: %v", err)
	}
	for _, name := range []string{"notes/b.tmp", "notes/cache/x", "other.txt"} {
		if _, err := tree.File(name); !errors.Is(err, object.ErrFileNotFound) {
			t.Fatalf("expected %s to be left out, got %v", name, err)
		}
	}

	if _, ok, err := w.Snapshot(context.Background(), ""); err != nil || ok {
		t.Fatalf("expected nothing left to commit, got %v %v", ok, err)
	}
}

func TestSnapshotMessageAndDeletion(t *testing.T) {
	w := newWatcherWith(t, "", Options{
		Branch:   "main",
		Snapshot: config.Snapshot{Message: "notes: autosave"},
	})

	writeFile(t, w.Path(), "a.txt", "a")
	writeFile(t, w.Path(), "b.txt", "b")

	first, ok, err := w.Snapshot(context.Background(), "")
	if err != nil || !ok {
		t.Fatalf("snapshot: %v %v", ok, err)
	}

	c, err := w.repo.CommitObject(first)
	if err != nil {
		t.Fatal(err)
	}
	if c.Message != "notes: autosave" {
		t.Fatalf("unexpected message %q", c.Message)
	}

	if err := os.Remove(filepath.Join(w.Path(), "b.txt")); err != nil {
		t.Fatal(err)
	}

	second, ok, err := w.Snapshot(context.Background(), "remove b")
	if err != nil || !ok {
		t.Fatalf("snapshot: %v %v", ok, err)
	}

	c, err = w.repo.CommitObject(second)
	if err != nil {
		t.Fatal(err)
	}
	if c.Message != "remove b" {
		t.Fatalf("unexpected message %q", c.Message)
	}
	if c.NumParents() != 1 || c.ParentHashes[0] != first {
		t.Fatalf("expected %v to be the parent, got %v", first, c.ParentHashes)
	}

	tree, err := c.Tree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tree.File("b.txt"); !errors.Is(err, object.ErrFileNotFound) {
		t.Fatalf("expected b.txt to be removed, got %v", err)
	}
	if _, err := tree.File("a.txt"); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotNothingToCommit(t *testing.T) {
	w := newWatcher(t, "", "main")

	before, err := w.Head()
	if err != nil {
		t.Fatal(err)
	}

	if _, ok, err := w.Snapshot(context.Background(), ""); err != nil || ok {
		t.Fatalf("expected no commit, got %v %v", ok, err)
	}

	after, err := w.Head()
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Fatal("expected head to be unchanged")
	}
}

func TestInScope(t *testing.T) {
	tests := []struct {
		dir    string
		ignore []string
		path   string
		want   bool
	}{
		{dir: ".", path: "a.txt", want: true},
		{dir: "./", path: "deep/a.txt", want: true},
		{dir: "notes", path: "notes/a.md", want: true},
		{dir: "notes/", path: "notes/a.md", want: true},
		{dir: "notes", path: "notesbook/a.md", want: false},
		{dir: "notes", path: "a.md", want: false},
		{dir: ".", ignore: []string{"*.swp"}, path: "deep/.a.swp", want: false},
		{dir: ".", ignore: []string{"build/**"}, path: "build/out/x", want: false},
		{dir: ".", ignore: []string{"build/**"}, path: "src/build", want: true},
	}

	for _, tc := range tests {
		s := config.Snapshot{Dir: tc.dir, Ignore: tc.ignore}
		ignore, err := s.Matcher()
		if err != nil {
			t.Fatal(err)
		}

		w := &Watcher{snapshot: s, ignore: ignore}
		if got := w.inScope(tc.path); got != tc.want {
			t.Errorf("dir %q ignore %v path %q: expected %v, got %v", tc.dir, tc.ignore, tc.path, tc.want, got)
		}
	}
}
