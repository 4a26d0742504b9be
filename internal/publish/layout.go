// Package publish maintains the published view of the artifact tree: the
// per-commit repo files and versions.csv, the named promotion links, and
// the aggregated view over components.
package publish

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

var (
	// ErrPurged is returned when promoting a commit whose artifacts were purged.
	ErrPurged = stderrors.New("commit artifacts were purged")
	// ErrOutsideRoot is returned for targets resolving outside the repos root.
	ErrOutsideRoot = stderrors.New("path escapes the repos root")
	// ErrMissing is returned when a commit directory does not exist.
	ErrMissing = stderrors.New("commit directory does not exist")
	// ErrInvalidName is returned for promotion names that cannot be links.
	ErrInvalidName = stderrors.New("invalid promotion name")
	// ErrInvalidComponent is returned for component names that are not a
	// single path element.
	ErrInvalidComponent = stderrors.New("invalid component name")
	// ErrDuplicateLink is returned when a batch moves the same link twice.
	ErrDuplicateLink = stderrors.New("link promoted twice in one batch")
)

// Reserved names are maintained by the build pipeline and cannot be promoted to.
const (
	Current    = "current"
	Consistent = "consistent"
)

// Layout resolves paths inside the repos root.
type Layout struct {
	ReposDir string
	RepoName string
	BaseURL  string
}

// CommitDir is the absolute artifact directory of c.
func (l Layout) CommitDir(c *ledger.Commit) string {
	return filepath.Join(l.ReposDir, filepath.FromSlash(c.Dir()))
}

// RepoFile is the absolute path of the commit's <reponame>.repo file.
func (l Layout) RepoFile(c *ledger.Commit) string {
	return filepath.Join(l.CommitDir(c), l.RepoName+".repo")
}

// RepoFileURL is the public URL of the commit's repo file.
func (l Layout) RepoFileURL(c *ledger.Commit) string {
	return strings.TrimRight(l.BaseURL, "/") + "/" + c.Dir() + "/" + l.RepoName + ".repo"
}

// LinkDir is the directory holding promotion links for a component, or the
// repos root when component is empty.
func (l Layout) LinkDir(component string) string {
	if component == "" {
		return l.ReposDir
	}
	return filepath.Join(l.ReposDir, "component", component)
}

// Inside reports whether path, once cleaned, stays below the repos root.
func (l Layout) Inside(path string) error {
	root := filepath.Clean(l.ReposDir)
	p := filepath.Clean(path)
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return nil
}

// ValidateName checks a promotion name. Reserved names are accepted only
// when allowReserved is set.
func ValidateName(name string, allowReserved bool) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`), strings.HasSuffix(name, "_"):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case !allowReserved && (name == Current || name == Consistent):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

// ValidateComponent checks that component is empty or a single path
// element, so LinkDir stays below the component directory.
func ValidateComponent(component string) error {
	switch {
	case component == "":
		return nil
	case component == ".", component == "..", strings.ContainsAny(component, `/\`):
		return fmt.Errorf("%w: %q", ErrInvalidComponent, component)
	}
	return nil
}

// CheckPromotable validates that c can be the target of a link.
func (l Layout) CheckPromotable(c *ledger.Commit) error {
	if err := ValidateComponent(c.Component); err != nil {
		return err
	}
	if c.IsPurged() {
		return fmt.Errorf("%w: %s %s", ErrPurged, c.ProjectName, c.CommitHash)
	}
	dir := l.CommitDir(c)
	if err := l.Inside(dir); err != nil {
		return err
	}
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return fmt.Errorf("%w: %s", ErrMissing, dir)
	}
	return nil
}
