// Package remote imports build results produced by another builder
// instance from its published commit directory.
package remote

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"git.home.luguber.info/inful/repobuilder/internal/builder"
	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/filelock"
	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
	"git.home.luguber.info/inful/repobuilder/internal/logfields"
	"git.home.luguber.info/inful/repobuilder/internal/publish"
	"git.home.luguber.info/inful/repobuilder/internal/retry"
)

// LogFiles are fetched next to the artifacts when present remotely.
var LogFiles = []string{"build.log", "installed", "mock.log", "root.log", "rpmbuild.log", "state.log"}

// errMissing marks a remote file that does not exist.
var errMissing = stderrors.New("remote file missing")

// Processor records an imported result.
type Processor interface {
	Process(ctx context.Context, res builder.Result) (ledger.Status, error)
}

// Imported is the outcome for one remote commit.
type Imported struct {
	Commit  ledger.Commit
	Status  ledger.Status
	Skipped bool
	Reason  string
}

// Importer downloads remote build results and records them.
type Importer struct {
	cfg         *config.Config
	store       *ledger.SQLStore
	proc        Processor
	layout      publish.Layout
	httpClient  *http.Client
	policy      retry.Policy
	maxSnapshot int64
}

// DefaultMaxSnapshot bounds the size of a remote commit.yaml.
const DefaultMaxSnapshot = 8 << 20

// Option configures an Importer.
type Option func(*Importer)

// WithMaxSnapshot sets the largest accepted commit.yaml in bytes.
func WithMaxSnapshot(n int64) Option { return func(im *Importer) { im.maxSnapshot = n } }

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option { return func(im *Importer) { im.httpClient = c } }

// NewImporter creates an importer.
func NewImporter(cfg *config.Config, store *ledger.SQLStore, proc Processor, opts ...Option) *Importer {
	im := &Importer{
		cfg:         cfg,
		store:       store,
		proc:        proc,
		layout:      publish.Layout{ReposDir: cfg.ReposDir(), RepoName: cfg.RepoName, BaseURL: cfg.BaseURL},
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		policy:      retry.FromConfig(cfg.Retry),
		maxSnapshot: DefaultMaxSnapshot,
	}
	for _, o := range opts {
		o(im)
	}
	return im
}

// Import fetches <repoURL>/commit.yaml and records every commit it lists
// that is newer than what the ledger already holds.
func (im *Importer) Import(ctx context.Context, repoURL string) ([]Imported, error) {
	repoURL = strings.TrimRight(repoURL, "/")
	body, err := im.fetch(ctx, repoURL+"/"+ledger.SnapshotFile)
	if err != nil {
		return nil, err
	}
	snap, err := ledger.ReadSnapshot(bytes.NewReader(body))
	if err != nil {
		return nil, ferrors.ValidationError("invalid remote snapshot").WithCause(err).
			WithContext("url", repoURL).Build()
	}

	var out []Imported
	for _, c := range snap.Commits {
		res, err := im.importCommit(ctx, repoURL, c)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (im *Importer) importCommit(ctx context.Context, repoURL string, c ledger.Commit) (Imported, error) {
	c.ID = 0
	c.Flags = 0
	status := c.Status
	log := slog.With(logfields.Commit(c.ProjectName, c.CommitHash, c.DistroHash), logfields.URL(repoURL))

	if reason, err := im.skipReason(ctx, &c); err != nil {
		return Imported{}, err
	} else if reason != "" {
		log.Info("Skipping remote commit", slog.String("reason", reason))
		return Imported{Commit: c, Skipped: true, Reason: reason}, nil
	}

	dir := im.layout.CommitDir(&c)
	if err := im.layout.Inside(dir); err != nil {
		return Imported{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Imported{}, ferrors.FileSystemError("create commit dir").WithCause(err).
			WithContext("path", dir).Build()
	}

	for _, name := range LogFiles {
		// A failed remote build may not have produced every log.
		if err := im.download(ctx, repoURL+"/"+name, filepath.Join(dir, name)); err != nil && !stderrors.Is(err, errMissing) {
			log.Warn("Could not fetch log", slog.String("file", name), logfields.Error(err))
		}
	}

	artifacts := c.ArtifactList()
	for _, a := range artifacts {
		target := filepath.Join(im.cfg.DataDir, filepath.FromSlash(a))
		if err := im.layout.Inside(target); err != nil {
			return Imported{}, err
		}
		if err := im.download(ctx, repoURL+"/"+path.Base(a), target); err != nil {
			log.Warn("Could not fetch artifact", slog.String("artifact", a), logfields.Error(err))
		}
	}

	res := builder.Result{Commit: c, Artifacts: artifacts, Notes: c.Notes}
	if status != ledger.StatusSuccess {
		res.Artifacts = nil
		res.Err = stderrors.New(c.Notes)
	}

	var recorded ledger.Status
	err := filelock.With(im.cfg.LockPath(), func() error {
		var perr error
		recorded, perr = im.proc.Process(ctx, res)
		return perr
	})
	if err != nil {
		return Imported{}, err
	}
	return Imported{Commit: c, Status: recorded}, nil
}

// skipReason returns why c must not be imported, or "".
func (im *Importer) skipReason(ctx context.Context, c *ledger.Commit) (string, error) {
	built, err := im.store.AlreadyBuilt(ctx, c)
	if err != nil {
		return "", err
	}
	if built {
		return "already built", nil
	}
	last, err := im.store.LastProcessed(ctx, c.ProjectName, ledger.LastQuery{Type: c.Type})
	if stderrors.Is(err, ledger.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if last.DtCommit >= c.DtCommit && last.DtDistro >= c.DtDistro {
		return "a newer commit is already built", nil
	}
	return "", nil
}

// get issues a GET for url with retries and hands the body of a 200
// response to read.
func (im *Importer) get(ctx context.Context, url string, read func(io.Reader) error) error {
	return retry.Do(ctx, im.policy, "fetch "+url, isTransient, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return ferrors.ValidationError("invalid remote url").WithCause(err).WithContext("url", url).Build()
		}
		resp, err := im.httpClient.Do(req)
		if err != nil {
			return ferrors.NetworkError("remote request failed").WithCause(err).WithContext("url", url).Build()
		}
		defer func() { _ = resp.Body.Close() }()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", errMissing, url)
		case resp.StatusCode >= 500:
			return ferrors.NetworkError("remote server error").
				WithContext("url", url).WithContext("status", resp.StatusCode).Build()
		case resp.StatusCode != http.StatusOK:
			return ferrors.NewError(ferrors.CategoryNetwork, "unexpected remote status").
				WithContext("url", url).WithContext("status", resp.StatusCode).Build()
		}
		return read(resp.Body)
	})
}

// fetch reads a small remote document into memory. Bodies larger than
// im.maxSnapshot are rejected.
func (im *Importer) fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := im.get(ctx, url, func(r io.Reader) error {
		data, err := io.ReadAll(io.LimitReader(r, im.maxSnapshot+1))
		if err != nil {
			return ferrors.NetworkError("read remote body").WithCause(err).WithContext("url", url).Build()
		}
		if int64(len(data)) > im.maxSnapshot {
			return ferrors.ValidationError("remote document too large").
				WithContext("url", url).WithContext("limit", im.maxSnapshot).Build()
		}
		body = data
		return nil
	})
	return body, err
}

// download streams url into target through a temporary file in the same
// directory, so target only ever holds a complete copy.
func (im *Importer) download(ctx context.Context, url, target string) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ferrors.FileSystemError("create download dir").WithCause(err).WithContext("path", dir).Build()
	}
	return im.get(ctx, url, func(r io.Reader) error {
		tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*")
		if err != nil {
			return ferrors.FileSystemError("create download file").WithCause(err).WithContext("path", dir).Build()
		}
		defer func() { _ = os.Remove(tmp.Name()) }()
		if _, err := io.Copy(tmp, r); err != nil {
			_ = tmp.Close()
			return ferrors.NetworkError("read remote body").WithCause(err).WithContext("url", url).Build()
		}
		if err := tmp.Close(); err != nil {
			return ferrors.FileSystemError("write download file").WithCause(err).WithContext("path", tmp.Name()).Build()
		}
		// #nosec G302 -- published artifacts are world readable
		if err := os.Chmod(tmp.Name(), 0o644); err != nil {
			return ferrors.FileSystemError("chmod download file").WithCause(err).WithContext("path", tmp.Name()).Build()
		}
		if err := os.Rename(tmp.Name(), target); err != nil {
			return ferrors.FileSystemError("move download into place").WithCause(err).WithContext("path", target).Build()
		}
		return nil
	})
}

func isTransient(err error) bool {
	return ferrors.GetRetryStrategy(err) == ferrors.RetryBackoff
}
