// Package events publishes build results to external consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

// TypeBuildResult is the event type emitted once per processed build.
const TypeBuildResult = "build.result"

// BuildEvent describes the recorded outcome of one build attempt.
type BuildEvent struct {
	Type         string    `json:"type"`
	RunID        string    `json:"run_id,omitempty"`
	CommitID     int64     `json:"commit_id"`
	Project      string    `json:"project"`
	CommitHash   string    `json:"commit_hash"`
	DistroHash   string    `json:"distro_hash"`
	ExtendedHash string    `json:"extended_hash,omitempty"`
	Component    string    `json:"component,omitempty"`
	Status       string    `json:"status"`
	Notes        string    `json:"notes,omitempty"`
	RepoDir      string    `json:"repo_dir,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// FromCommit builds a result event for c.
func FromCommit(c *ledger.Commit, now time.Time) BuildEvent {
	return BuildEvent{
		Type:         TypeBuildResult,
		CommitID:     c.ID,
		Project:      c.ProjectName,
		CommitHash:   c.CommitHash,
		DistroHash:   c.DistroHash,
		ExtendedHash: c.ExtendedHash,
		Component:    c.Component,
		Status:       string(c.Status),
		Notes:        c.Notes,
		RepoDir:      c.Dir(),
		Timestamp:    now.UTC(),
	}
}

// Marshal encodes the event as JSON.
func (e BuildEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

type runIDKey struct{}

// WithRunID returns a context carrying the id of the scheduling pass.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFrom returns the scheduling pass id carried by ctx, if any.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Publisher delivers build events.
type Publisher interface {
	Publish(ctx context.Context, ev BuildEvent) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, BuildEvent) error { return nil }
func (NoopPublisher) Close() error                              { return nil }

// MemoryPublisher keeps published events in memory. It is used by tests and
// by dev-mode runs that want to report what would have been sent.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []BuildEvent
}

func (m *MemoryPublisher) Publish(_ context.Context, ev BuildEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryPublisher) Close() error { return nil }

// Events returns a copy of the published events in publish order.
func (m *MemoryPublisher) Events() []BuildEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BuildEvent(nil), m.events...)
}

// Multi fans an event out to several publishers. Every publisher is tried;
// the errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev BuildEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
