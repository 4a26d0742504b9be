package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/repobuilder/internal/app"
	"git.home.luguber.info/inful/repobuilder/internal/config"
)

// Global carries process-wide state into every command.
type Global struct {
	Ctx context.Context
	Out io.Writer
}

func (g *Global) context() context.Context {
	if g.Ctx == nil {
		return context.Background()
	}
	return g.Ctx
}

func (g *Global) printf(format string, args ...any) {
	out := g.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, format, args...)
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"repobuilder.yaml" type:"path"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Build        BuildCmd        `cmd:"" help:"Build new commits of the configured packages"`
	Purge        PurgeCmd        `cmd:"" help:"Remove old builds from the ledger and the repository tree"`
	Promote      PromoteCmd      `cmd:"" help:"Point a named link at a successful build"`
	PromoteBatch PromoteBatchCmd `cmd:"" name:"promote-batch" help:"Promote several builds at once, all or nothing"`
	Recheck      RecheckCmd      `cmd:"" help:"Remove a failed build so the next pass rebuilds it"`
	Import       ImportCmd       `cmd:"" help:"Import a build published by another instance"`
	Status       StatusCmd       `cmd:"" help:"Show the last build status of every package"`
	Order        OrderCmd        `cmd:"" help:"Print the dependency build order of the packages"`
	Daemon       DaemonCmd       `cmd:"" help:"Run periodic builds, purges and the HTTP API"`
	Init         InitCmd         `cmd:"" help:"Initialize a new configuration file"`
	User         UserCmd         `cmd:"" help:"Manage API users"`
}

// AfterApply runs after flag parsing; setup logging once.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// ExitCodeError ends the process with Code without printing anything.
// Build passes use it to report FAILED (1) and RETRY (2) outcomes.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// open loads the configuration and wires the runtime for it.
func open(g *Global, root *CLI, opts app.Options) (*app.Runtime, error) {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return nil, err
	}
	return app.Open(g.context(), cfg, opts)
}
