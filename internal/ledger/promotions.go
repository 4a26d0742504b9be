package ledger

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
)

// GetProject returns the notification record for name.
func (s *SQLStore) GetProject(ctx context.Context, name string) (*Project, error) {
	var p Project
	err := s.queryRow(ctx, `SELECT id, project_name, last_email FROM projects WHERE project_name = ?`, name).
		Scan(&p.ID, &p.ProjectName, &p.LastEmail)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ledgerErr(err, "query project")
	}
	return &p, nil
}

// SaveProject inserts or updates a project's notification timestamp.
func (s *SQLStore) SaveProject(ctx context.Context, p *Project) error {
	res, err := s.exec(ctx, `UPDATE projects SET last_email = ? WHERE project_name = ?`, p.LastEmail, p.ProjectName)
	if err != nil {
		return ledgerErr(err, "update project")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	id, err := s.insertID(ctx, `INSERT INTO projects (project_name, last_email) VALUES (?, ?)`, p.ProjectName, p.LastEmail)
	if err != nil {
		return ledgerErr(err, "insert project")
	}
	p.ID = id
	return nil
}

// AddPromotion appends a promotion record.
func (s *SQLStore) AddPromotion(ctx context.Context, p *Promotion) error {
	id, err := s.insertID(ctx, `INSERT INTO promotions (commit_id, promotion_name, timestamp, username, component, aggregate_hash)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.CommitID, p.PromotionName, p.Timestamp, nullString(p.User), nullString(p.Component), nullString(p.AggregateHash))
	if err != nil {
		return ledgerErr(err, "insert promotion")
	}
	p.ID = id
	return nil
}

// PromotionFilter narrows ListPromotions.
type PromotionFilter struct {
	Name      string
	Component string
	CommitID  int64
	Limit     int
}

// ListPromotions returns promotions newest first.
func (s *SQLStore) ListPromotions(ctx context.Context, f PromotionFilter) ([]Promotion, error) {
	where := []string{"1 = 1"}
	var args []any
	if f.Name != "" {
		where = append(where, "promotion_name = ?")
		args = append(args, f.Name)
	}
	if f.Component != "" {
		where = append(where, "component = ?")
		args = append(args, f.Component)
	}
	if f.CommitID != 0 {
		where = append(where, "commit_id = ?")
		args = append(args, f.CommitID)
	}
	q := `SELECT id, commit_id, promotion_name, timestamp, username, component, aggregate_hash
		FROM promotions WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, ledgerErr(err, "query promotions")
	}
	defer rows.Close()

	var out []Promotion
	for rows.Next() {
		var p Promotion
		var user, component, agg sql.NullString
		if err := rows.Scan(&p.ID, &p.CommitID, &p.PromotionName, &p.Timestamp, &user, &component, &agg); err != nil {
			return nil, ledgerErr(err, "scan promotion")
		}
		p.User, p.Component, p.AggregateHash = user.String, component.String, agg.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestPromotion returns the current value of a promotion name.
func (s *SQLStore) LatestPromotion(ctx context.Context, name, component string) (*Promotion, error) {
	ps, err := s.ListPromotions(ctx, PromotionFilter{Name: name, Component: component, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, ErrNotFound
	}
	return &ps[0], nil
}

// PromotionNames lists every promotion name ever used.
func (s *SQLStore) PromotionNames(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT DISTINCT promotion_name FROM promotions ORDER BY promotion_name`)
	if err != nil {
		return nil, ledgerErr(err, "list promotion names")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, ledgerErr(err, "scan promotion name")
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AddVote records a CI vote against a commit.
func (s *SQLStore) AddVote(ctx context.Context, v *CIVote) error {
	id, err := s.insertID(ctx, `INSERT INTO civotes (commit_id, ci_name, ci_url, ci_vote, ci_in_progress, timestamp, notes, username, component)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.CommitID, v.CIName, v.CIURL, v.CIVote, v.CIInProg, v.Timestamp, v.Notes, nullString(v.User), nullString(v.Component))
	if err != nil {
		return ledgerErr(err, "insert vote")
	}
	v.ID = id
	return nil
}

// ListVotes returns the votes of a commit, newest first.
func (s *SQLStore) ListVotes(ctx context.Context, commitID int64) ([]CIVote, error) {
	rows, err := s.query(ctx, `SELECT id, commit_id, ci_name, ci_url, ci_vote, ci_in_progress, timestamp, notes, username, component
		FROM civotes WHERE commit_id = ? ORDER BY id DESC`, commitID)
	if err != nil {
		return nil, ledgerErr(err, "query votes")
	}
	defer rows.Close()

	var out []CIVote
	for rows.Next() {
		var v CIVote
		var name, url, notes, user, component sql.NullString
		if err := rows.Scan(&v.ID, &v.CommitID, &name, &url, &v.CIVote, &v.CIInProg, &v.Timestamp, &notes, &user, &component); err != nil {
			return nil, ledgerErr(err, "scan vote")
		}
		v.CIName, v.CIURL, v.Notes, v.User, v.Component = name.String, url.String, notes.String, user.String, component.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// AddAggregateVote records a CI vote against an aggregate hash.
func (s *SQLStore) AddAggregateVote(ctx context.Context, v *CIVoteAggregate) error {
	id, err := s.insertID(ctx, `INSERT INTO civotes_agg (ref_hash, ci_name, ci_url, ci_vote, ci_in_progress, timestamp, notes, username)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.RefHash, v.CIName, v.CIURL, v.CIVote, v.CIInProg, v.Timestamp, v.Notes, nullString(v.User))
	if err != nil {
		return ledgerErr(err, "insert aggregate vote")
	}
	v.ID = id
	return nil
}

// ListAggregateVotes returns the votes recorded against an aggregate hash.
func (s *SQLStore) ListAggregateVotes(ctx context.Context, refHash string) ([]CIVoteAggregate, error) {
	rows, err := s.query(ctx, `SELECT id, ref_hash, ci_name, ci_url, ci_vote, ci_in_progress, timestamp, notes, username
		FROM civotes_agg WHERE ref_hash = ? ORDER BY id DESC`, refHash)
	if err != nil {
		return nil, ledgerErr(err, "query aggregate votes")
	}
	defer rows.Close()

	var out []CIVoteAggregate
	for rows.Next() {
		var v CIVoteAggregate
		var name, url, notes, user sql.NullString
		if err := rows.Scan(&v.ID, &v.RefHash, &name, &url, &v.CIVote, &v.CIInProg, &v.Timestamp, &notes, &user); err != nil {
			return nil, ledgerErr(err, "scan aggregate vote")
		}
		v.CIName, v.CIURL, v.Notes, v.User = name.String, url.String, notes.String, user.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// AddUser stores an API user.
func (s *SQLStore) AddUser(ctx context.Context, u *User) error {
	if _, err := s.exec(ctx, `INSERT INTO users (username, password) VALUES (?, ?)`, u.Username, u.Password); err != nil {
		return ledgerErr(err, "insert user")
	}
	return nil
}

// GetUser loads an API user.
func (s *SQLStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.queryRow(ctx, `SELECT username, password FROM users WHERE username = ?`, username).Scan(&u.Username, &u.Password)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ledgerErr(err, "query user")
	}
	return &u, nil
}
