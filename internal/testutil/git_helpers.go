package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	ggitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// InitRepo initializes a git repository at dir with one commit per stamp
// and returns the commit hashes oldest first. When bare is set the history
// is pushed to a new bare repository there, usable as a clone URL.
func InitRepo(t *testing.T, dir, bare string, stamps ...time.Time) []string {
	t.Helper()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("failed to initialize git repo: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}

	var hashes []string
	for i, when := range stamps {
		if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte(fmt.Sprintf("revision %d\n", i)), 0o600); err != nil {
			t.Fatalf("write file: %v", err)
		}
		if _, err := wt.Add("file.txt"); err != nil {
			t.Fatalf("add: %v", err)
		}
		h, err := wt.Commit(fmt.Sprintf("change %d", i), &git.CommitOptions{
			Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: when},
		})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		hashes = append(hashes, h.String())
	}

	if bare != "" {
		if _, err := git.PlainInit(bare, true); err != nil {
			t.Fatalf("init bare: %v", err)
		}
		if _, err := repo.CreateRemote(&ggitcfg.RemoteConfig{Name: "origin", URLs: []string{bare}}); err != nil {
			t.Fatalf("create remote: %v", err)
		}
		if err := repo.Push(&git.PushOptions{RemoteName: "origin"}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	return hashes
}

// WriteSpec adds a packaging spec file to dir and commits it.
func WriteSpec(t *testing.T, dir, name, content string) string {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	file := name + ".spec"
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o600); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	if _, err := wt.Add(file); err != nil {
		t.Fatalf("add spec: %v", err)
	}
	h, err := wt.Commit("add spec", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit spec: %v", err)
	}
	return h.String()
}
