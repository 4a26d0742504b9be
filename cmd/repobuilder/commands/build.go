package commands

import (
	"strings"

	"git.home.luguber.info/inful/repobuilder/internal/api"
	"git.home.luguber.info/inful/repobuilder/internal/app"
	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/scheduler"
)

// BuildCmd implements the 'build' command.
type BuildCmd struct {
	Order             bool     `help:"Build in the dependency order read from the spec files. Implies --sequential."`
	Sequential        bool     `help:"Build one commit at a time regardless of the configured workers."`
	HeadOnly          bool     `name:"head-only" help:"Build the most recent commit of every package only."`
	Dev               bool     `help:"Developer mode: rebuild already built commits and leave the ledger untouched."`
	RunMethod         string   `name:"run" help:"Run this command once per package instead of building. Implies --head-only."`
	Stop              bool     `help:"Stop dispatching new builds after the first failure."`
	PackageName       []string `name:"package-name" short:"p" help:"Build these packages only."`
	Component         string   `help:"Build the packages of this component only."`
	Workers           int      `help:"Override the configured number of workers."`
	Recheck           bool     `help:"Remove the last failed build of --package-name so it is rebuilt, then exit."`
	ForceRecheck      bool     `name:"force-recheck" help:"With --recheck, also remove a successful build."`
	AllowForceRecheck bool     `name:"allow-force-recheck" help:"Permit --force-recheck."`
}

// Options translates the flags into scheduler options.
func (b *BuildCmd) Options() scheduler.Options {
	return scheduler.Options{
		Order:       b.Order,
		Sequential:  b.Sequential,
		HeadOnly:    b.HeadOnly,
		DevMode:     b.Dev,
		RunMethod:   strings.Fields(b.RunMethod),
		StopOnError: b.Stop,
		Workers:     b.Workers,
		Projects:    b.PackageName,
		Component:   b.Component,
	}
}

func (b *BuildCmd) Run(g *Global, root *CLI) error {
	rt, err := open(g, root, app.Options{DevMode: b.Dev})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if b.Recheck {
		return b.recheck(g, rt)
	}

	report, err := rt.Scheduler.Run(g.context(), b.Options())
	if err != nil {
		return err
	}
	g.printf("run %s: %d processed, %d succeeded, %d failed, %d retried, %d skipped\n",
		report.RunID, report.Processed, report.Succeeded, report.Failed, report.Retried, len(report.Skipped))
	for _, c := range report.Cycles {
		g.printf("dependency cycle: %s\n", c)
	}
	if report.ExitCode != scheduler.ExitOK {
		return &ExitCodeError{Code: report.ExitCode}
	}
	return nil
}

func (b *BuildCmd) recheck(g *Global, rt *app.Runtime) error {
	if len(b.PackageName) != 1 {
		return ferrors.ValidationError("--recheck needs exactly one --package-name").UserAction().Build()
	}
	if b.ForceRecheck && !b.AllowForceRecheck {
		return ferrors.ValidationError("--force-recheck is not allowed without --allow-force-recheck").UserAction().Build()
	}
	action, c, err := rt.Service.Recheck(g.context(), api.RecheckRequest{Project: b.PackageName[0], Force: b.ForceRecheck})
	if err != nil {
		return err
	}
	g.printf("%s %s %s: %s\n", c.ProjectName, c.CommitHash, c.Status, action)
	return nil
}
