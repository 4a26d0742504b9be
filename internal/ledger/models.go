package ledger

import (
	"path"
	"strings"
	"time"
)

// Status is the outcome recorded for one build attempt.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusRetry   Status = "RETRY"
)

// FlagPurged marks a commit whose artifact directory was removed by purge.
const FlagPurged = 0x2

// DefaultType is the build type of package commits.
const DefaultType = "rpm"

// Commit is one attempted build of one project at a (source, packaging,
// extended) revision triple. Timestamps are unix seconds.
type Commit struct {
	ID           int64  `yaml:"id" json:"id"`
	Type         string `yaml:"type" json:"type"`
	DtCommit     int64  `yaml:"dt_commit" json:"dt_commit"`
	DtDistro     int64  `yaml:"dt_distro" json:"dt_distro"`
	DtExtended   int64  `yaml:"dt_extended,omitempty" json:"dt_extended,omitempty"`
	DtBuild      int64  `yaml:"dt_build" json:"dt_build"`
	ProjectName  string `yaml:"project_name" json:"project_name"`
	RepoDir      string `yaml:"repo_dir" json:"repo_dir"`
	DistgitDir   string `yaml:"distgit_dir" json:"distgit_dir"`
	CommitHash   string `yaml:"commit_hash" json:"commit_hash"`
	DistroHash   string `yaml:"distro_hash" json:"distro_hash"`
	ExtendedHash string `yaml:"extended_hash,omitempty" json:"extended_hash,omitempty"`
	CommitBranch string `yaml:"commit_branch" json:"commit_branch"`
	Status       Status `yaml:"status" json:"status"`
	Component    string `yaml:"component,omitempty" json:"component,omitempty"`
	Artifacts    string `yaml:"artifacts" json:"artifacts"`
	Notes        string `yaml:"notes" json:"notes"`
	Flags        int    `yaml:"flags" json:"flags"`
}

// Dir returns the sharded artifact directory of the commit, relative to the
// repos root: [component/<c>/]<h[0:2]>/<h[2:4]>/<hash>[_<distro[:8]>][_<ext[:8]>[_<ext[41:49]>]].
func (c *Commit) Dir() string {
	name := c.CommitHash
	if c.DistroHash != "" {
		name += "_" + prefix(c.DistroHash, 8)
	}
	if c.ExtendedHash != "" {
		if len(c.ExtendedHash) >= 49 {
			name += "_" + c.ExtendedHash[:8] + "_" + c.ExtendedHash[41:49]
		} else {
			name += "_" + prefix(c.ExtendedHash, 8)
		}
	}
	dir := path.Join(shard(c.CommitHash, 0), shard(c.CommitHash, 2), name)
	if c.Component != "" {
		dir = path.Join("component", c.Component, dir)
	}
	return dir
}

// ArtifactList splits the comma-joined artifact column.
func (c *Commit) ArtifactList() []string {
	if c.Artifacts == "" {
		return nil
	}
	return strings.Split(c.Artifacts, ",")
}

// SetArtifacts stores artifact paths in the comma-joined column.
func (c *Commit) SetArtifacts(paths []string) {
	c.Artifacts = strings.Join(paths, ",")
}

// IsPurged reports whether the commit's artifacts were removed by purge.
func (c *Commit) IsPurged() bool {
	return c.Flags&FlagPurged != 0
}

// BuildTime returns DtBuild as a time value.
func (c *Commit) BuildTime() time.Time {
	return time.Unix(c.DtBuild, 0)
}

// Project tracks the notification throttle for one project.
type Project struct {
	ID          int64  `yaml:"id" json:"id"`
	ProjectName string `yaml:"project_name" json:"project_name"`
	LastEmail   int64  `yaml:"last_email" json:"last_email"`
}

// EmailSentSince reports whether a notification was sent within window of now.
func (p *Project) EmailSentSince(now time.Time, window time.Duration) bool {
	if p == nil || p.LastEmail == 0 {
		return false
	}
	return now.Sub(time.Unix(p.LastEmail, 0)) < window
}

// Promotion is an append-only assignment of a promotion name to a commit.
type Promotion struct {
	ID            int64  `yaml:"id" json:"id"`
	CommitID      int64  `yaml:"commit_id" json:"commit_id"`
	PromotionName string `yaml:"promotion_name" json:"promotion_name"`
	Timestamp     int64  `yaml:"timestamp" json:"timestamp"`
	User          string `yaml:"user" json:"user"`
	Component     string `yaml:"component,omitempty" json:"component,omitempty"`
	AggregateHash string `yaml:"aggregate_hash,omitempty" json:"aggregate_hash,omitempty"`
}

// CIVote is an external test result reported against a commit.
type CIVote struct {
	ID        int64  `yaml:"id" json:"id"`
	CommitID  int64  `yaml:"commit_id" json:"commit_id"`
	CIName    string `yaml:"ci_name" json:"job_id"`
	CIURL     string `yaml:"ci_url" json:"url"`
	CIVote    bool   `yaml:"ci_vote" json:"success"`
	CIInProg  bool   `yaml:"ci_in_progress" json:"in_progress"`
	Timestamp int64  `yaml:"timestamp" json:"timestamp"`
	Notes     string `yaml:"notes" json:"notes"`
	User      string `yaml:"user" json:"user"`
	Component string `yaml:"component,omitempty" json:"component,omitempty"`
}

// CIVoteAggregate is a test result reported against an aggregate hash.
type CIVoteAggregate struct {
	ID        int64  `yaml:"id" json:"id"`
	RefHash   string `yaml:"ref_hash" json:"aggregate_hash"`
	CIName    string `yaml:"ci_name" json:"job_id"`
	CIURL     string `yaml:"ci_url" json:"url"`
	CIVote    bool   `yaml:"ci_vote" json:"success"`
	CIInProg  bool   `yaml:"ci_in_progress" json:"in_progress"`
	Timestamp int64  `yaml:"timestamp" json:"timestamp"`
	Notes     string `yaml:"notes" json:"notes"`
	User      string `yaml:"user" json:"user"`
}

// User is an API account. Passwords are stored as opaque hashes.
type User struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

func prefix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

func shard(s string, start int) string {
	if len(s) <= start {
		return "_"
	}
	end := start + 2
	if end > len(s) {
		end = len(s)
	}
	return s[start:end]
}
