package ledger

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
)

const commitColumns = `id, type, dt_commit, dt_distro, dt_extended, dt_build, project_name,
	repo_dir, distgit_dir, commit_hash, distro_hash, extended_hash, commit_branch,
	status, component, artifacts, notes, flags`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommit(r rowScanner) (*Commit, error) {
	var (
		c                                             Commit
		dtExtended, dtBuild                           sql.NullInt64
		repoDir, distgitDir, distroHash, extendedHash sql.NullString
		branch, component, artifacts, notes           sql.NullString
		status                                        string
	)
	err := r.Scan(&c.ID, &c.Type, &c.DtCommit, &c.DtDistro, &dtExtended, &dtBuild, &c.ProjectName,
		&repoDir, &distgitDir, &c.CommitHash, &distroHash, &extendedHash, &branch,
		&status, &component, &artifacts, &notes, &c.Flags)
	if err != nil {
		return nil, err
	}
	c.DtExtended = dtExtended.Int64
	c.DtBuild = dtBuild.Int64
	c.RepoDir = repoDir.String
	c.DistgitDir = distgitDir.String
	c.DistroHash = distroHash.String
	c.ExtendedHash = extendedHash.String
	c.CommitBranch = branch.String
	c.Component = component.String
	c.Artifacts = artifacts.String
	c.Notes = notes.String
	c.Status = Status(status)
	return &c, nil
}

func (s *SQLStore) collectCommits(ctx context.Context, query string, args ...any) ([]Commit, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, ledgerErr(err, "query commits")
	}
	defer rows.Close()

	var out []Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, ledgerErr(err, "scan commit")
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, ledgerErr(err, "iterate commits")
	}
	return out, nil
}

func (s *SQLStore) oneCommit(ctx context.Context, query string, args ...any) (*Commit, error) {
	c, err := scanCommit(s.queryRow(ctx, query, args...))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ledgerErr(err, "query commit")
	}
	return c, nil
}

func nullString(v string) sql.NullString { return sql.NullString{String: v, Valid: v != ""} }
func nullInt(v int64) sql.NullInt64      { return sql.NullInt64{Int64: v, Valid: v != 0} }

// AddCommit inserts c and sets its ID.
func (s *SQLStore) AddCommit(ctx context.Context, c *Commit) error {
	if c.Type == "" {
		c.Type = DefaultType
	}
	id, err := s.insertID(ctx, `INSERT INTO commits (type, dt_commit, dt_distro, dt_extended, dt_build,
		project_name, repo_dir, distgit_dir, commit_hash, distro_hash, extended_hash, commit_branch,
		status, component, artifacts, notes, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Type, c.DtCommit, c.DtDistro, nullInt(c.DtExtended), nullInt(c.DtBuild),
		c.ProjectName, nullString(c.RepoDir), nullString(c.DistgitDir), c.CommitHash,
		nullString(c.DistroHash), nullString(c.ExtendedHash), nullString(c.CommitBranch),
		string(c.Status), nullString(c.Component), nullString(c.Artifacts), nullString(c.Notes), c.Flags)
	if err != nil {
		return ledgerErr(err, "insert commit")
	}
	c.ID = id
	return nil
}

// UpdateCommit rewrites every column of an existing commit.
func (s *SQLStore) UpdateCommit(ctx context.Context, c *Commit) error {
	res, err := s.exec(ctx, `UPDATE commits SET type = ?, dt_commit = ?, dt_distro = ?, dt_extended = ?,
		dt_build = ?, project_name = ?, repo_dir = ?, distgit_dir = ?, commit_hash = ?, distro_hash = ?,
		extended_hash = ?, commit_branch = ?, status = ?, component = ?, artifacts = ?, notes = ?, flags = ?
		WHERE id = ?`,
		c.Type, c.DtCommit, c.DtDistro, nullInt(c.DtExtended), nullInt(c.DtBuild),
		c.ProjectName, nullString(c.RepoDir), nullString(c.DistgitDir), c.CommitHash,
		nullString(c.DistroHash), nullString(c.ExtendedHash), nullString(c.CommitBranch),
		string(c.Status), nullString(c.Component), nullString(c.Artifacts), nullString(c.Notes), c.Flags,
		c.ID)
	if err != nil {
		return ledgerErr(err, "update commit")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("commit", c.ID)
	}
	return nil
}

// DeleteCommit removes a commit row and the votes attached to it.
func (s *SQLStore) DeleteCommit(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *SQLStore) error {
		if _, err := tx.exec(ctx, `DELETE FROM civotes WHERE commit_id = ?`, id); err != nil {
			return ledgerErr(err, "delete commit votes")
		}
		res, err := tx.exec(ctx, `DELETE FROM commits WHERE id = ?`, id)
		if err != nil {
			return ledgerErr(err, "delete commit")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("commit", id)
		}
		return nil
	})
}

// GetCommit loads a commit by id.
func (s *SQLStore) GetCommit(ctx context.Context, id int64) (*Commit, error) {
	return s.oneCommit(ctx, `SELECT `+commitColumns+` FROM commits WHERE id = ?`, id)
}

// LastQuery narrows LastProcessed. The zero value excludes RETRY rows of the
// default build type; AnyStatus includes them.
type LastQuery struct {
	NotStatus Status
	Status    Status
	AnyStatus bool
	Type      string
	Branch    string
}

// LastProcessed returns the highest-id commit of project matching q.
func (s *SQLStore) LastProcessed(ctx context.Context, project string, q LastQuery) (*Commit, error) {
	typ := q.Type
	if typ == "" {
		typ = DefaultType
	}
	where := []string{"project_name = ?", "type = ?"}
	args := []any{project, typ}
	switch {
	case q.Status != "":
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	case q.NotStatus != "":
		where = append(where, "status <> ?")
		args = append(args, string(q.NotStatus))
	case q.AnyStatus:
	default:
		where = append(where, "status <> ?")
		args = append(args, string(StatusRetry))
	}
	if q.Branch != "" {
		where = append(where, "commit_branch = ?")
		args = append(args, q.Branch)
	}
	return s.oneCommit(ctx, `SELECT `+commitColumns+` FROM commits WHERE `+strings.Join(where, " AND ")+
		` ORDER BY id DESC LIMIT 1`, args...)
}

// AlreadyBuilt reports whether a non-RETRY row exists with the same
// (commit hash, distro hash, extended hash, type) or the same
// (commit timestamp, distro hash, extended hash, type) as c.
func (s *SQLStore) AlreadyBuilt(ctx context.Context, c *Commit) (bool, error) {
	typ := c.Type
	if typ == "" {
		typ = DefaultType
	}
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM commits
		WHERE project_name = ? AND type = ? AND status <> ?
		AND COALESCE(distro_hash, '') = ? AND COALESCE(extended_hash, '') = ?
		AND (commit_hash = ? OR dt_commit = ?)`,
		c.ProjectName, typ, string(StatusRetry), c.DistroHash, c.ExtendedHash, c.CommitHash, c.DtCommit).Scan(&n)
	if err != nil {
		return false, ledgerErr(err, "dedup lookup")
	}
	return n > 0, nil
}

// TimesRetried counts RETRY rows for one source/packaging pair.
func (s *SQLStore) TimesRetried(ctx context.Context, project, commitHash, distroHash string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM commits
		WHERE project_name = ? AND commit_hash = ? AND COALESCE(distro_hash, '') = ? AND status = ?`,
		project, commitHash, distroHash, string(StatusRetry)).Scan(&n)
	if err != nil {
		return 0, ledgerErr(err, "count retries")
	}
	return n, nil
}

// CommitKey identifies a commit the way API clients do.
type CommitKey struct {
	CommitHash   string
	DistroHash   string
	ExtendedHash string
	Component    string
	Type         string
}

// FindCommit returns the newest commit matching key. An empty ExtendedHash
// matches any extended hash.
func (s *SQLStore) FindCommit(ctx context.Context, key CommitKey, status Status) (*Commit, error) {
	where := []string{"commit_hash = ?", "COALESCE(distro_hash, '') = ?"}
	args := []any{key.CommitHash, key.DistroHash}
	if key.ExtendedHash != "" {
		where = append(where, "extended_hash = ?")
		args = append(args, key.ExtendedHash)
	}
	if key.Component != "" {
		where = append(where, "component = ?")
		args = append(args, key.Component)
	}
	if key.Type != "" {
		where = append(where, "type = ?")
		args = append(args, key.Type)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, string(status))
	}
	c, err := s.oneCommit(ctx, `SELECT `+commitColumns+` FROM commits WHERE `+strings.Join(where, " AND ")+
		` ORDER BY id DESC LIMIT 1`, args...)
	if stderrors.Is(err, ErrNotFound) {
		return nil, notFound("commit", key.CommitHash, key.DistroHash)
	}
	return c, err
}

// CommitFilter narrows ListCommits. Zero fields do not filter.
type CommitFilter struct {
	Project       string
	WithStatus    Status
	WithoutStatus Status
	Component     string
	Type          string
	CommitHash    string
	Since         int64 // dt_build > Since
	Before        int64 // dt_build missing or < Before
	Limit         int
	Offset        int
	Ascending     bool
}

func (f CommitFilter) where() (string, []any) {
	typ := f.Type
	if typ == "" {
		typ = DefaultType
	}
	where := []string{"type = ?"}
	args := []any{typ}
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.Project != "" {
		add("project_name = ?", f.Project)
	}
	if f.WithStatus != "" {
		add("status = ?", string(f.WithStatus))
	}
	if f.WithoutStatus != "" {
		add("status <> ?", string(f.WithoutStatus))
	}
	if f.Component != "" {
		add("component = ?", f.Component)
	}
	if f.CommitHash != "" {
		add("commit_hash = ?", f.CommitHash)
	}
	if f.Since != 0 {
		add("dt_build > ?", f.Since)
	}
	if f.Before != 0 {
		add("(dt_build IS NULL OR dt_build < ?)", f.Before)
	}
	return strings.Join(where, " AND "), args
}

// ListCommits returns commits ordered by id (descending unless Ascending).
func (s *SQLStore) ListCommits(ctx context.Context, f CommitFilter) ([]Commit, error) {
	where, args := f.where()
	q := `SELECT ` + commitColumns + ` FROM commits WHERE ` + where
	if f.Ascending {
		q += ` ORDER BY id ASC`
	} else {
		q += ` ORDER BY id DESC`
	}
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		if f.Limit <= 0 && !s.postgres {
			// SQLite only accepts OFFSET after a LIMIT clause.
			q += ` LIMIT -1`
		}
		q += ` OFFSET ?`
		args = append(args, f.Offset)
	}
	return s.collectCommits(ctx, q, args...)
}

// CountCommits counts commits matching f, ignoring Limit and Offset.
func (s *SQLStore) CountCommits(ctx context.Context, f CommitFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM commits WHERE `+where, args...).Scan(&n); err != nil {
		return 0, ledgerErr(err, "count commits")
	}
	return n, nil
}

// Components lists the distinct component labels present in the ledger.
func (s *SQLStore) Components(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT DISTINCT component FROM commits WHERE component IS NOT NULL AND component <> '' ORDER BY component`)
	if err != nil {
		return nil, ledgerErr(err, "list components")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, ledgerErr(err, "scan component")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Projects lists the distinct project names present in the ledger.
func (s *SQLStore) Projects(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT DISTINCT project_name FROM commits ORDER BY project_name`)
	if err != nil {
		return nil, ledgerErr(err, "list projects")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, ledgerErr(err, "scan project")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
