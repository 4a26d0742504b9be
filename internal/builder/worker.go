package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"time"

	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
	"git.home.luguber.info/inful/repobuilder/internal/logfields"
)

// BuildLog is the per-commit log written by the worker.
const BuildLog = "build.log"

// Result is the outcome of one worker run, consumed by the result processor.
type Result struct {
	Commit    ledger.Commit
	Artifacts []string
	Notes     string
	Err       error
	Duration  time.Duration
}

// Preparer readies the checkouts of a commit before its build.
type Preparer func(ctx context.Context, c *ledger.Commit) error

// Worker executes builds. It is safe for concurrent use; each call is
// isolated by its worker id.
type Worker struct {
	driver   Driver
	dataDir  string
	reposDir string
	prepare  Preparer
	env      []string
	now      func() time.Time
}

// NewWorker creates a worker writing into reposDir (below dataDir).
// prepare may be nil.
func NewWorker(driver Driver, dataDir, reposDir string, prepare Preparer, env []string) *Worker {
	return &Worker{driver: driver, dataDir: dataDir, reposDir: reposDir, prepare: prepare, env: env, now: time.Now}
}

// BuildRoot names the isolated build root of a worker slot.
func BuildRoot(workerID int) string {
	return "repobuilder-" + strconv.Itoa(workerID)
}

// Run builds commit in the slot workerID. It never panics; every failure,
// including a panicking driver, is reported through Result.Err.
func (w *Worker) Run(ctx context.Context, workerID int, commit ledger.Commit) (res Result) {
	start := w.now()
	commit.DtBuild = start.Unix()
	res.Commit = commit
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Build driver panicked", logfields.Project(commit.ProjectName), logfields.Worker(strconv.Itoa(workerID)), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			res.Err = errors.InternalError(fmt.Sprintf("build panicked: %v", r)).Build()
			res.Artifacts = nil
		}
		res.Duration = w.now().Sub(start)
	}()

	outDir := filepath.Join(w.reposDir, filepath.FromSlash(commit.Dir()))
	slog.Info("Processing commit", logfields.Commit(commit.ProjectName, commit.CommitHash, commit.DistroHash), logfields.Worker(strconv.Itoa(workerID)))

	if err := os.RemoveAll(outDir); err != nil {
		res.Err = errors.FileSystemError("reset output dir").WithCause(err).WithContext("path", outDir).Build()
		return res
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		res.Err = errors.FileSystemError("create output dir").WithCause(err).WithContext("path", outDir).Build()
		return res
	}
	logFile, err := os.Create(filepath.Join(outDir, BuildLog))
	if err != nil {
		res.Err = errors.FileSystemError("create build log").WithCause(err).WithContext("path", outDir).Build()
		return res
	}
	defer logFile.Close()

	if w.prepare != nil {
		if err := w.prepare(ctx, &res.Commit); err != nil {
			fmt.Fprintf(logFile, "preparing checkouts failed: %v\n", err)
			res.Err = err
			return res
		}
	}

	artifacts, err := w.driver.Build(ctx, Request{
		Commit:    &res.Commit,
		WorkerID:  workerID,
		BuildRoot: BuildRoot(workerID),
		OutputDir: outDir,
		DataDir:   w.dataDir,
		Env:       w.env,
		Log:       logFile,
	})
	if err != nil {
		slog.Error("Build failed", logfields.Project(commit.ProjectName), logfields.Path(outDir), logfields.Error(err))
		res.Err = err
		return res
	}
	if len(artifacts) == 0 {
		res.Err = errors.BuildError("no artifacts built").WithContext("project", commit.ProjectName).Build()
		return res
	}
	res.Artifacts = artifacts
	res.Notes = "OK"
	return res
}

// RunCommand executes argv once for commit instead of building it. The
// command receives the same positional arguments as a build script. Nothing
// is written to the commit directory.
func (w *Worker) RunCommand(ctx context.Context, argv []string, target, baseURL string, commit ledger.Commit) Result {
	start := w.now()
	res := Result{Commit: commit}
	if len(argv) == 0 {
		res.Err = errors.ValidationError("empty run command").Build()
		return res
	}
	if w.prepare != nil {
		if err := w.prepare(ctx, &res.Commit); err != nil {
			res.Err = err
			return res
		}
	}
	outDir := filepath.Join(w.reposDir, filepath.FromSlash(commit.Dir()))
	args := append(append([]string(nil), argv[1:]...), target, commit.ProjectName, outDir, w.dataDir, baseURL, commit.DistgitDir)
	slog.Info("Running command", slog.String("command", argv[0]), logfields.Project(commit.ProjectName))

	// #nosec G204 -- the command comes from the operator
	cmd := exec.CommandContext(ctx, argv[0], args...)
	cmd.Dir = commit.RepoDir
	cmd.Env = append(os.Environ(), w.env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		res.Err = errors.BuildError("run command failed").WithCause(err).WithContext("output", string(out)).Build()
	}
	res.Duration = w.now().Sub(start)
	return res
}
