package publish

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

// VersionsFile lists the source and packaging revisions in a repository.
const VersionsFile = "versions.csv"

// VersionsHeader is the header row of versions.csv.
const VersionsHeader = "Project,Source Repo,Source Sha,Dist Repo,Dist Sha,Status,Last Success Timestamp,Component,Extended Sha,Pkg NVR"

// VersionRow is one project line of versions.csv.
type VersionRow struct {
	Commit     *ledger.Commit
	SourceRepo string
	DistRepo   string
	Status     ledger.Status
	Timestamp  int64
	Artifacts  []string
}

func (r VersionRow) String() string {
	c := r.Commit
	ext := c.ExtendedHash
	if ext == "" {
		ext = "None"
	}
	comp := c.Component
	if comp == "" {
		comp = "None"
	}
	return fmt.Sprintf("%s,%s,%s,%s,%s,%s,%d,%s,%s,%s",
		c.ProjectName, r.SourceRepo, c.CommitHash, r.DistRepo, c.DistroHash,
		r.Status, r.Timestamp, comp, ext, NVR(r.Artifacts))
}

// NVR returns the source package name-version-release found among
// artifacts, or the empty string.
func NVR(artifacts []string) string {
	for _, a := range artifacts {
		if strings.HasSuffix(a, ".src.rpm") {
			return strings.TrimSuffix(filepath.Base(a), ".src.rpm")
		}
	}
	return ""
}

// WriteVersionsCSV writes dir/versions.csv.
func WriteVersionsCSV(dir string, rows []VersionRow) error {
	var sb strings.Builder
	sb.WriteString(VersionsHeader + "\n")
	for _, r := range rows {
		sb.WriteString(r.String() + "\n")
	}
	return writeFileAtomic(filepath.Join(dir, VersionsFile), []byte(sb.String()))
}

// RepoFileContent renders the yum repository definition of commit c.
func (l Layout) RepoFileContent(c *ledger.Commit) string {
	return fmt.Sprintf("[%s]\nname=%s-%s-%s\nbaseurl=%s/%s\nenabled=1\ngpgcheck=0\npriority=1",
		l.RepoName, l.RepoName, c.ProjectName, c.CommitHash, strings.TrimRight(l.BaseURL, "/"), c.Dir())
}

// WriteRepoFile writes <reponame>.repo into the commit directory.
func (l Layout) WriteRepoFile(c *ledger.Commit) error {
	return writeFileAtomic(l.RepoFile(c), []byte(l.RepoFileContent(c)))
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	// #nosec G302 -- published files are world readable
	if err := os.Chmod(name, 0o644); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
