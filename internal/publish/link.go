package publish

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/repobuilder/internal/logfields"
)

// SwapLink points link at target atomically: a temporary link "<link>_" is
// created and renamed over link, so readers see either the old or the new
// target. It returns the previous target, empty when link did not exist.
func SwapLink(link, target string) (string, error) {
	previous, err := os.Readlink(link)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read link %s: %w", link, err)
	}
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return "", err
	}
	tmp := link + "_"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove stale temp link: %w", err)
	}
	if err := os.Symlink(target, tmp); err != nil {
		return "", fmt.Errorf("create temp link: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename %s: %w", link, err)
	}
	slog.Debug("Link updated", logfields.Path(link), slog.String("target", target), slog.String("previous", previous))
	return previous, nil
}

// RelativeTarget is the symlink target from the directory holding link to dest.
func RelativeTarget(link, dest string) (string, error) {
	return filepath.Rel(filepath.Dir(link), dest)
}
