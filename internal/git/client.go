package git

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	ggitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"git.home.luguber.info/inful/repobuilder/internal/logfields"
	"git.home.luguber.info/inful/repobuilder/internal/retry"
)

// Repo is one remote branch mirrored into a local checkout.
type Repo struct {
	URL    string
	Branch string
	// Fallback is tried when Branch does not exist on the remote.
	Fallback string
	Path     string
	Auth     *Auth
}

// Client clones and refreshes checkouts.
type Client struct {
	policy retry.Policy
}

// NewClient creates a client retrying transient failures with policy.
func NewClient(policy retry.Policy) *Client {
	return &Client{policy: policy}
}

// Sync brings repo.Path to the tip of the remote branch, cloning it when the
// checkout is missing. Local changes are discarded. It returns the branch
// actually checked out, which differs from repo.Branch when the fallback was
// used.
func (c *Client) Sync(ctx context.Context, repo Repo) (string, error) {
	var branch string
	err := retry.Do(ctx, c.policy, "git sync", func(err error) bool { return !IsPermanent(err) }, func(ctx context.Context) error {
		var err error
		branch, err = c.syncOnce(ctx, repo)
		return err
	})
	if err != nil {
		return "", ClassifyGitError(err, "sync", repo.URL)
	}
	return branch, nil
}

func (c *Client) syncOnce(ctx context.Context, repo Repo) (string, error) {
	auth, err := repo.Auth.method()
	if err != nil {
		return "", err
	}
	if _, statErr := os.Stat(filepath.Join(repo.Path, ".git")); statErr != nil {
		return c.clone(ctx, repo)
	}

	repository, err := git.PlainOpen(repo.Path)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	fetchOpts := &git.FetchOptions{
		RemoteName: "origin",
		Tags:       git.NoTags,
		Force:      true,
		RefSpecs:   []ggitcfg.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Auth:       auth,
	}
	if err := repository.FetchContext(ctx, fetchOpts); err != nil && !stderrors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("fetch: %w", err)
	}

	branch, remoteRef, err := resolveBranch(repository, repo)
	if err != nil {
		return "", err
	}
	wt, err := repository.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	local := plumbing.NewBranchReferenceName(branch)
	if err := repository.Storer.SetReference(plumbing.NewHashReference(local, remoteRef.Hash())); err != nil {
		return "", fmt.Errorf("update local branch: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: local, Force: true}); err != nil {
		return "", fmt.Errorf("checkout %s: %w", branch, err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return "", fmt.Errorf("reset %s: %w", branch, err)
	}
	slog.Debug("Repository refreshed", logfields.URL(repo.URL), logfields.Path(repo.Path), slog.String("branch", branch), logfields.CommitHash(remoteRef.Hash().String()))
	return branch, nil
}

func (c *Client) clone(ctx context.Context, repo Repo) (string, error) {
	auth, err := repo.Auth.method()
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(repo.Path); err != nil {
		return "", fmt.Errorf("remove stale checkout: %w", err)
	}
	branch := repo.Branch
	for {
		_, err = git.PlainCloneContext(ctx, repo.Path, false, &git.CloneOptions{
			URL:           repo.URL,
			Auth:          auth,
			ReferenceName: plumbing.NewBranchReferenceName(branch),
			SingleBranch:  false,
			Tags:          git.NoTags,
		})
		if err == nil {
			slog.Info("Repository cloned", logfields.URL(repo.URL), logfields.Path(repo.Path), slog.String("branch", branch))
			return branch, nil
		}
		_ = os.RemoveAll(repo.Path)
		if isMissingRef(err) && repo.Fallback != "" && branch != repo.Fallback {
			slog.Warn("Branch missing on remote, using fallback", logfields.URL(repo.URL), slog.String("branch", branch), slog.String("fallback", repo.Fallback))
			branch = repo.Fallback
			continue
		}
		if isMissingRef(err) {
			return "", fmt.Errorf("%w: %s@%s", ErrBranchNotFound, repo.URL, branch)
		}
		return "", err
	}
}

func resolveBranch(repository *git.Repository, repo Repo) (string, *plumbing.Reference, error) {
	for _, b := range []string{repo.Branch, repo.Fallback} {
		if b == "" {
			continue
		}
		ref, err := repository.Reference(plumbing.NewRemoteReferenceName("origin", b), true)
		if err == nil {
			return b, ref, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %s@%s", ErrBranchNotFound, repo.URL, repo.Branch)
}

func isMissingRef(err error) bool {
	var noMatch git.NoMatchingRefSpecError
	return stderrors.Is(err, plumbing.ErrReferenceNotFound) || stderrors.As(err, &noMatch)
}
