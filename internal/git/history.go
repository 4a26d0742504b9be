package git

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// CommitInfo is the part of a commit the scheduler cares about.
type CommitInfo struct {
	Hash    string
	Time    time.Time
	Author  string
	Subject string
}

func infoOf(c *object.Commit) CommitInfo {
	subject, _, _ := strings.Cut(c.Message, "\n")
	return CommitInfo{
		Hash:    c.Hash.String(),
		Time:    c.Committer.When,
		Author:  c.Author.Name + " <" + c.Author.Email + ">",
		Subject: subject,
	}
}

// Head returns the commit checked out at path.
func Head(path string) (CommitInfo, error) {
	repository, err := git.PlainOpen(path)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repository.Head()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("head: %w", err)
	}
	commit, err := repository.CommitObject(ref.Hash())
	if err != nil {
		return CommitInfo{}, fmt.Errorf("head commit: %w", err)
	}
	return infoOf(commit), nil
}

// History walks the first-parent chain from HEAD and returns the commits
// whose committer time is strictly after since, oldest first. A zero since
// returns the whole chain. limit bounds the result to the newest commits
// when positive.
func History(path string, since time.Time, limit int) ([]CommitInfo, error) {
	repository, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repository.Head()
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}

	var newestFirst []CommitInfo
	hash := ref.Hash()
	for {
		commit, err := repository.CommitObject(hash)
		if err != nil {
			return nil, fmt.Errorf("commit %s: %w", hash, err)
		}
		if !since.IsZero() && !commit.Committer.When.After(since) {
			break
		}
		newestFirst = append(newestFirst, infoOf(commit))
		if limit > 0 && len(newestFirst) == limit {
			break
		}
		if len(commit.ParentHashes) == 0 {
			break
		}
		hash = commit.ParentHashes[0]
		if hash == plumbing.ZeroHash {
			break
		}
	}

	out := make([]CommitInfo, len(newestFirst))
	for i, c := range newestFirst {
		out[len(newestFirst)-1-i] = c
	}
	return out, nil
}

// Checkout moves the worktree at path to hash, detached, discarding local
// changes.
func Checkout(path, hash string) error {
	repository, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	wt, err := repository.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(hash), Force: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", hash, err)
	}
	return nil
}
