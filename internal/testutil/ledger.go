package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

// NewStore opens an in-memory ledger closed at test end.
func NewStore(t *testing.T) *ledger.SQLStore {
	t.Helper()
	s, err := ledger.Open(context.Background(), "sqlite://:memory:", ledger.Options{})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Commit returns an unsaved rpm commit of project. The distro hash is
// derived from hash so that distinct hashes give distinct directories.
func Commit(project, hash string, dtCommit int64) ledger.Commit {
	return ledger.Commit{
		Type:         ledger.DefaultType,
		ProjectName:  project,
		CommitHash:   hash,
		DistroHash:   "d" + hash,
		DtCommit:     dtCommit,
		DtDistro:     dtCommit,
		CommitBranch: "master",
	}
}

// AddCommit stores c with status and dtBuild and returns it with its id.
func AddCommit(t *testing.T, s *ledger.SQLStore, c ledger.Commit, status ledger.Status, dtBuild int64) *ledger.Commit {
	t.Helper()
	c.Status = status
	c.DtBuild = dtBuild
	if err := s.AddCommit(context.Background(), &c); err != nil {
		t.Fatalf("add commit: %v", err)
	}
	return &c
}

// WriteArtifacts creates the commit directory of c below cfg's repos dir
// with one file per name and returns the data-dir relative artifact paths,
// in the form stored in the ledger.
func WriteArtifacts(t *testing.T, cfg *config.Config, c *ledger.Commit, names ...string) []string {
	t.Helper()
	dir := filepath.Join(cfg.ReposDir(), filepath.FromSlash(c.Dir()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("create commit dir: %v", err)
	}
	var out []string
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte(fmt.Sprintf("%s %s\n", c.ProjectName, n)), 0o644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
		out = append(out, "repos/"+c.Dir()+"/"+n)
	}
	return out
}
