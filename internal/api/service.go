package api

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/filelock"
	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
	"git.home.luguber.info/inful/repobuilder/internal/logfields"
	"git.home.luguber.info/inful/repobuilder/internal/metrics"
	"git.home.luguber.info/inful/repobuilder/internal/publish"
	"git.home.luguber.info/inful/repobuilder/internal/remote"
)

// Importer records build results published by another builder.
type Importer interface {
	Import(ctx context.Context, repoURL string) ([]remote.Imported, error)
}

// Service implements the operations shared by the HTTP API and the CLI.
// Every mutation runs under the process file lock.
type Service struct {
	cfg      *config.Config
	store    *ledger.SQLStore
	links    *publish.Manager
	importer Importer
	recorder metrics.Recorder
	now      func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithImporter enables remote imports.
func WithImporter(im Importer) ServiceOption { return func(s *Service) { s.importer = im } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) ServiceOption { return func(s *Service) { s.recorder = r } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption { return func(s *Service) { s.now = now } }

// NewService creates the service.
func NewService(cfg *config.Config, store *ledger.SQLStore, opts ...ServiceOption) *Service {
	s := &Service{
		cfg:      cfg,
		store:    store,
		links:    publish.NewManager(publish.Layout{ReposDir: cfg.ReposDir(), RepoName: cfg.RepoName, BaseURL: cfg.BaseURL}),
		recorder: metrics.NoopRecorder{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) locked(fn func() error) error {
	return filelock.With(s.cfg.LockPath(), fn)
}

// lookup resolves key, mapping a miss to a classified not-found error.
func (s *Service) lookup(ctx context.Context, key ledger.CommitKey, status ledger.Status) (*ledger.Commit, error) {
	c, err := s.store.FindCommit(ctx, key, status)
	if stderrors.Is(err, ledger.ErrNotFound) {
		b := ferrors.NotFoundError("commit not found").WithCause(err).
			WithContext("commit_hash", key.CommitHash).WithContext("distro_hash", key.DistroHash)
		if status != "" {
			b = b.WithContext("status", string(status))
		}
		return nil, b.Build()
	}
	return c, err
}

func validateKey(key ledger.CommitKey) error {
	if key.CommitHash == "" || key.DistroHash == "" {
		return ferrors.ValidationError("commit_hash and distro_hash are required").UserAction().Build()
	}
	return nil
}

// Commit returns the newest commit with the given identity.
func (s *Service) Commit(ctx context.Context, key ledger.CommitKey) (*ledger.Commit, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return s.lookup(ctx, key, "")
}

// RepoStatus returns the CI votes recorded against a commit.
func (s *Service) RepoStatus(ctx context.Context, key ledger.CommitKey) ([]ledger.CIVote, error) {
	c, err := s.Commit(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.store.ListVotes(ctx, c.ID)
}

// PromotionResult describes an applied promotion.
type PromotionResult struct {
	Promotion     ledger.Promotion `json:"promotion"`
	Commit        ledger.Commit    `json:"commit"`
	Previous      string           `json:"previous,omitempty"`
	AggregateHash string           `json:"aggregate_hash,omitempty"`
}

// Promote points name at the successful commit identified by key and
// records the promotion.
func (s *Service) Promote(ctx context.Context, key ledger.CommitKey, name, user string) (*PromotionResult, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var res *PromotionResult
	err := s.locked(func() error {
		c, err := s.lookup(ctx, key, ledger.StatusSuccess)
		if err != nil {
			return err
		}
		prev, err := s.links.Promote(c, name)
		if err != nil {
			return err
		}
		agg, err := s.aggregate(name)
		if err != nil {
			return err
		}
		p := ledger.Promotion{
			CommitID:      c.ID,
			PromotionName: name,
			Timestamp:     s.now().Unix(),
			User:          user,
			Component:     c.Component,
			AggregateHash: agg,
		}
		if err := s.store.AddPromotion(ctx, &p); err != nil {
			return err
		}
		s.recorder.IncPromotion(name)
		res = &PromotionResult{Promotion: p, Commit: *c, Previous: prev, AggregateHash: agg}
		return nil
	})
	return res, err
}

// BatchPromotion is one item of a batch promotion.
type BatchPromotion struct {
	Key  ledger.CommitKey
	Name string
}

// PromoteBatch applies every promotion of items or none of them.
func (s *Service) PromoteBatch(ctx context.Context, items []BatchPromotion, user string) ([]PromotionResult, error) {
	if len(items) == 0 {
		return nil, ferrors.ValidationError("empty promotion batch").UserAction().Build()
	}
	for _, it := range items {
		if err := validateKey(it.Key); err != nil {
			return nil, err
		}
	}
	var out []PromotionResult
	err := s.locked(func() error {
		batch := make([]publish.BatchItem, 0, len(items))
		for _, it := range items {
			c, err := s.lookup(ctx, it.Key, ledger.StatusSuccess)
			if err != nil {
				return err
			}
			batch = append(batch, publish.BatchItem{Commit: c, Name: it.Name})
		}
		if err := s.links.PromoteBatch(batch); err != nil {
			return err
		}
		aggs := map[string]string{}
		var names []string
		for _, it := range batch {
			if _, ok := aggs[it.Name]; ok {
				continue
			}
			agg, err := s.aggregate(it.Name)
			if err != nil {
				return err
			}
			aggs[it.Name] = agg
			names = append(names, it.Name)
		}
		ts := s.now().Unix()
		err := s.store.WithTx(ctx, func(tx *ledger.SQLStore) error {
			for _, it := range batch {
				p := ledger.Promotion{
					CommitID:      it.Commit.ID,
					PromotionName: it.Name,
					Timestamp:     ts,
					User:          user,
					Component:     it.Commit.Component,
					AggregateHash: aggs[it.Name],
				}
				if err := tx.AddPromotion(ctx, &p); err != nil {
					return err
				}
				out = append(out, PromotionResult{Promotion: p, Commit: *it.Commit, AggregateHash: aggs[it.Name]})
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			s.recorder.IncPromotion(name)
		}
		return nil
	})
	return out, err
}

func (s *Service) aggregate(name string) (string, error) {
	if !s.cfg.UseComponents {
		return "", nil
	}
	return s.links.AggregateComponents(name)
}

// Promotions lists recorded promotions, newest first.
func (s *Service) Promotions(ctx context.Context, f ledger.PromotionFilter) ([]ledger.Promotion, error) {
	return s.store.ListPromotions(ctx, f)
}

// RecheckAction is what a recheck did.
type RecheckAction string

const (
	RecheckDeleted RecheckAction = "deleted"
	RecheckIgnored RecheckAction = "ignored"
)

// RecheckRequest selects the commit to recheck, either by identity or as
// the newest commit of Project.
type RecheckRequest struct {
	Key     ledger.CommitKey
	Project string
	Force   bool
}

// Recheck removes a failed attempt so that the next pass builds the commit
// again. A successful commit is removed only with Force; a commit in RETRY
// is rebuilt anyway and left alone.
func (s *Service) Recheck(ctx context.Context, req RecheckRequest) (RecheckAction, *ledger.Commit, error) {
	var (
		action RecheckAction
		target *ledger.Commit
	)
	err := s.locked(func() error {
		c, err := s.recheckTarget(ctx, req)
		if err != nil {
			return err
		}
		target = c
		log := slog.With(logfields.Commit(c.ProjectName, c.CommitHash, c.DistroHash), logfields.CommitID(c.ID))
		switch {
		case c.Status == ledger.StatusSuccess && !req.Force:
			return ferrors.ValidationError("commit already built successfully").
				WithContext("project", c.ProjectName).WithContext("commit_hash", c.CommitHash).UserAction().Build()
		case c.Status == ledger.StatusRetry:
			log.Warn("Commit is already scheduled for retry, ignoring recheck")
			action = RecheckIgnored
			return nil
		}
		if err := s.store.DeleteCommit(ctx, c.ID); err != nil {
			return err
		}
		log.Info("Commit removed for recheck", logfields.Status(string(c.Status)))
		action = RecheckDeleted
		return nil
	})
	return action, target, err
}

func (s *Service) recheckTarget(ctx context.Context, req RecheckRequest) (*ledger.Commit, error) {
	if req.Key.CommitHash != "" {
		if err := validateKey(req.Key); err != nil {
			return nil, err
		}
		return s.lookup(ctx, req.Key, "")
	}
	if req.Project == "" {
		return nil, ferrors.ValidationError("a project or a commit identity is required").UserAction().Build()
	}
	cs, err := s.store.ListCommits(ctx, ledger.CommitFilter{Project: req.Project, Type: s.cfg.BuildType, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, ferrors.NotFoundError("no commits for project").WithContext("project", req.Project).Build()
	}
	return &cs[0], nil
}

// Import records the results published at repoURL.
func (s *Service) Import(ctx context.Context, repoURL string) ([]remote.Imported, error) {
	if s.importer == nil {
		return nil, ferrors.ConfigError("remote import is not enabled").Build()
	}
	if repoURL == "" {
		return nil, ferrors.ValidationError("repo_url is required").UserAction().Build()
	}
	return s.importer.Import(ctx, repoURL)
}

// VoteRequest is a CI result reported against a commit.
type VoteRequest struct {
	Key        ledger.CommitKey
	JobID      string
	URL        string
	Success    bool
	InProgress bool
	Timestamp  int64
	Notes      string
	User       string
}

// ReportResult records a CI vote.
func (s *Service) ReportResult(ctx context.Context, req VoteRequest) (*ledger.CIVote, error) {
	if err := validateKey(req.Key); err != nil {
		return nil, err
	}
	if req.JobID == "" {
		return nil, ferrors.ValidationError("job_id is required").UserAction().Build()
	}
	var vote *ledger.CIVote
	err := s.locked(func() error {
		c, err := s.lookup(ctx, req.Key, "")
		if err != nil {
			return err
		}
		ts := req.Timestamp
		if ts == 0 {
			ts = s.now().Unix()
		}
		v := ledger.CIVote{
			CommitID:  c.ID,
			CIName:    req.JobID,
			CIURL:     req.URL,
			CIVote:    req.Success,
			CIInProg:  req.InProgress,
			Timestamp: ts,
			Notes:     req.Notes,
			User:      req.User,
			Component: c.Component,
		}
		if err := s.store.AddVote(ctx, &v); err != nil {
			return err
		}
		vote = &v
		return nil
	})
	return vote, err
}
