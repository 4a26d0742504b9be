package publish

import (
	"fmt"
	"log/slog"
	"os"

	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
	"git.home.luguber.info/inful/repobuilder/internal/logfields"
)

// Manager moves promotion links. Callers serialize mutations through the
// process file lock.
type Manager struct {
	layout Layout
	hash   HashFunc
	swap   func(link, target string) (string, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithHashFunc replaces the aggregate checksum function.
func WithHashFunc(h HashFunc) Option {
	return func(m *Manager) { m.hash = h }
}

// NewManager creates a manager over layout.
func NewManager(layout Layout, opts ...Option) *Manager {
	m := &Manager{layout: layout, hash: MD5Hex, swap: SwapLink}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Layout returns the manager's layout.
func (m *Manager) Layout() Layout { return m.layout }

func (m *Manager) linkFor(c *ledger.Commit, name string) (link, target string, err error) {
	if err := ValidateComponent(c.Component); err != nil {
		return "", "", err
	}
	link = m.layout.LinkDir(c.Component) + string(os.PathSeparator) + name
	if err := m.layout.Inside(link); err != nil {
		return "", "", err
	}
	target, err = RelativeTarget(link, m.layout.CommitDir(c))
	return link, target, err
}

// UpdateView points a pipeline-maintained view (current, consistent) at c.
func (m *Manager) UpdateView(c *ledger.Commit, name string) error {
	if err := ValidateName(name, true); err != nil {
		return err
	}
	link, target, err := m.linkFor(c, name)
	if err != nil {
		return err
	}
	if _, err := m.swap(link, target); err != nil {
		return errors.PublishError("update view").WithCause(err).WithContext("name", name).Build()
	}
	return nil
}

// Promote points name at commit c and returns the previous target. For
// component commits the link lives in the component's link directory.
func (m *Manager) Promote(c *ledger.Commit, name string) (string, error) {
	if err := ValidateName(name, false); err != nil {
		return "", errors.WrapError(err, errors.CategoryValidation, "invalid promotion name").UserAction().Build()
	}
	if err := m.layout.CheckPromotable(c); err != nil {
		return "", errors.WrapError(err, errors.CategoryValidation, "commit cannot be promoted").
			WithContext("project", c.ProjectName).WithContext("commit_hash", c.CommitHash).Build()
	}
	link, target, err := m.linkFor(c, name)
	if err != nil {
		return "", err
	}
	prev, err := m.swap(link, target)
	if err != nil {
		return "", errors.PublishError("promotion failed").WithCause(err).WithContext("name", name).Build()
	}
	slog.Info("Promoted commit", logfields.Promotion(name), logfields.Commit(c.ProjectName, c.CommitHash, c.DistroHash), logfields.Component(c.Component))
	return prev, nil
}

// BatchItem is one promotion of a batch.
type BatchItem struct {
	Commit *ledger.Commit
	Name   string
}

// BatchError reports which batch item failed and what rollback could not undo.
type BatchError struct {
	Index       int
	Item        BatchItem
	Err         error
	RollbackErr []error
}

func (e *BatchError) Error() string {
	c := e.Item.Commit
	msg := fmt.Sprintf("promotion of item %d (%s %s_%s to %s) failed: %v", e.Index, c.ProjectName, c.CommitHash, c.DistroHash, e.Item.Name, e.Err)
	if len(e.RollbackErr) > 0 {
		msg += fmt.Sprintf(" (%d rollback errors)", len(e.RollbackErr))
	}
	return msg
}

func (e *BatchError) Unwrap() error { return e.Err }

type applied struct {
	link     string
	previous string
}

type plannedLink struct {
	link   string
	target string
}

// PromoteBatch applies every item or none of them. All items are validated
// and their links resolved before any link moves; two items may not move
// the same link. On a failure the links already moved are restored in
// reverse order and the remaining items are not attempted.
func (m *Manager) PromoteBatch(items []BatchItem) error {
	plan := make([]plannedLink, 0, len(items))
	seen := make(map[string]int, len(items))
	for i, it := range items {
		if err := ValidateName(it.Name, false); err != nil {
			return errors.WrapError(&BatchError{Index: i, Item: it, Err: err}, errors.CategoryValidation, "invalid promotion name").UserAction().Build()
		}
		if err := m.layout.CheckPromotable(it.Commit); err != nil {
			return errors.WrapError(&BatchError{Index: i, Item: it, Err: err}, errors.CategoryValidation, "batch validation failed").Build()
		}
		link, target, err := m.linkFor(it.Commit, it.Name)
		if err != nil {
			return errors.WrapError(&BatchError{Index: i, Item: it, Err: err}, errors.CategoryValidation, "batch validation failed").Build()
		}
		if j, dup := seen[link]; dup {
			err := fmt.Errorf("%w: %s (items %d and %d)", ErrDuplicateLink, it.Name, j, i)
			return errors.WrapError(&BatchError{Index: i, Item: it, Err: err}, errors.CategoryValidation, "batch validation failed").UserAction().Build()
		}
		seen[link] = i
		plan = append(plan, plannedLink{link: link, target: target})
	}

	done := make([]applied, 0, len(items))
	for i, p := range plan {
		prev, err := m.swap(p.link, p.target)
		if err == nil {
			done = append(done, applied{link: p.link, previous: prev})
			continue
		}
		berr := &BatchError{Index: i, Item: items[i], Err: err}
		berr.RollbackErr = m.rollback(done)
		if len(berr.RollbackErr) > 0 {
			slog.Error("Batch promotion rollback incomplete", logfields.Promotion(items[i].Name), logfields.Count(len(berr.RollbackErr)), logfields.Error(berr.RollbackErr[0]))
		}
		return errors.PublishError("batch promotion failed").WithCause(berr).WithContext("name", items[i].Name).Build()
	}
	for _, it := range items {
		slog.Info("Promoted commit", logfields.Promotion(it.Name), logfields.Commit(it.Commit.ProjectName, it.Commit.CommitHash, it.Commit.DistroHash), logfields.Component(it.Commit.Component))
	}
	return nil
}

func (m *Manager) rollback(done []applied) []error {
	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		a := done[i]
		var err error
		if a.previous == "" {
			err = os.Remove(a.link)
		} else {
			_, err = m.swap(a.link, a.previous)
		}
		if err != nil {
			slog.Warn("Rollback step failed", logfields.Path(a.link), logfields.Error(err))
			errs = append(errs, err)
		}
	}
	return errs
}
