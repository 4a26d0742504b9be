package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

// CommitRef identifies a commit in requests.
type CommitRef struct {
	CommitHash   string `json:"commit_hash"`
	DistroHash   string `json:"distro_hash"`
	ExtendedHash string `json:"extended_hash,omitempty"`
	Component    string `json:"component,omitempty"`
}

func (c CommitRef) key() ledger.CommitKey {
	return ledger.CommitKey{
		CommitHash:   c.CommitHash,
		DistroHash:   c.DistroHash,
		ExtendedHash: c.ExtendedHash,
		Component:    c.Component,
	}
}

// PromoteRequest is the body of POST /api/promote.
type PromoteRequest struct {
	CommitRef
	PromoteName string `json:"promote_name"`
}

// PromoteBatchItem is one promotion of a batch. An empty PromoteName falls
// back to the request's name.
type PromoteBatchItem struct {
	CommitRef
	PromoteName string `json:"promote_name,omitempty"`
}

// PromoteBatchRequest is the body of POST /api/promote-batch.
type PromoteBatchRequest struct {
	PromoteName string             `json:"promote_name,omitempty"`
	Commits     []PromoteBatchItem `json:"commits"`
}

// RecheckRequestBody is the body of POST /api/recheck.
type RecheckRequestBody struct {
	CommitRef
	ProjectName string `json:"project_name,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

// ImportRequest is the body of POST /api/remote/import.
type ImportRequest struct {
	RepoURL string `json:"repo_url"`
}

// ReportResultRequest is the body of POST /api/report_result.
type ReportResultRequest struct {
	CommitRef
	JobID      string `json:"job_id"`
	URL        string `json:"url"`
	Success    bool   `json:"success"`
	InProgress bool   `json:"in_progress,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

func refFromQuery(r *http.Request) CommitRef {
	q := r.URL.Query()
	return CommitRef{
		CommitHash:   q.Get("commit_hash"),
		DistroHash:   q.Get("distro_hash"),
		ExtendedHash: q.Get("extended_hash"),
		Component:    q.Get("component"),
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ferrors.ValidationError("invalid request body").WithCause(err).UserAction().Build()
	}
	return nil
}

func (s *Server) handleCommits(w http.ResponseWriter, r *http.Request) {
	c, err := s.service.Commit(r.Context(), refFromQuery(r).key())
	if err != nil {
		s.Error(w, r, err)
		return
	}
	s.Success(w, http.StatusOK, c)
}

func (s *Server) handleRepoStatus(w http.ResponseWriter, r *http.Request) {
	votes, err := s.service.RepoStatus(r.Context(), refFromQuery(r).key())
	if err != nil {
		s.Error(w, r, err)
		return
	}
	if votes == nil {
		votes = []ledger.CIVote{}
	}
	s.Success(w, http.StatusOK, votes)
}

func (s *Server) handlePromotions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.PromotionFilter{Name: q.Get("promote_name"), Component: q.Get("component")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.Error(w, r, ferrors.ValidationError("invalid limit").WithContext("limit", v).Build())
			return
		}
		f.Limit = n
	}
	ps, err := s.service.Promotions(r.Context(), f)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	if ps == nil {
		ps = []ledger.Promotion{}
	}
	s.Success(w, http.StatusOK, ps)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req PromoteRequest
	if err := decode(r, &req); err != nil {
		s.Error(w, r, err)
		return
	}
	res, err := s.service.Promote(r.Context(), req.key(), req.PromoteName, UserFromContext(r.Context()))
	if err != nil {
		s.Error(w, r, err)
		return
	}
	s.Success(w, http.StatusCreated, res)
}

func (s *Server) handlePromoteBatch(w http.ResponseWriter, r *http.Request) {
	var req PromoteBatchRequest
	if err := decode(r, &req); err != nil {
		s.Error(w, r, err)
		return
	}
	items := make([]BatchPromotion, 0, len(req.Commits))
	for _, c := range req.Commits {
		name := c.PromoteName
		if name == "" {
			name = req.PromoteName
		}
		items = append(items, BatchPromotion{Key: c.key(), Name: name})
	}
	res, err := s.service.PromoteBatch(r.Context(), items, UserFromContext(r.Context()))
	if err != nil {
		s.Error(w, r, err)
		return
	}
	s.Success(w, http.StatusCreated, res)
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) {
	var req RecheckRequestBody
	if err := decode(r, &req); err != nil {
		s.Error(w, r, err)
		return
	}
	action, c, err := s.service.Recheck(r.Context(), RecheckRequest{Key: req.key(), Project: req.ProjectName, Force: req.Force})
	if err != nil {
		s.Error(w, r, err)
		return
	}
	s.Success(w, http.StatusOK, map[string]any{"action": action, "commit": c})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := decode(r, &req); err != nil {
		s.Error(w, r, err)
		return
	}
	res, err := s.service.Import(r.Context(), req.RepoURL)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	s.Success(w, http.StatusCreated, res)
}

func (s *Server) handleReportResult(w http.ResponseWriter, r *http.Request) {
	var req ReportResultRequest
	if err := decode(r, &req); err != nil {
		s.Error(w, r, err)
		return
	}
	vote, err := s.service.ReportResult(r.Context(), VoteRequest{
		Key:        req.key(),
		JobID:      req.JobID,
		URL:        req.URL,
		Success:    req.Success,
		InProgress: req.InProgress,
		Timestamp:  req.Timestamp,
		Notes:      req.Notes,
		User:       UserFromContext(r.Context()),
	})
	if err != nil {
		s.Error(w, r, err)
		return
	}
	s.Success(w, http.StatusCreated, vote)
}
