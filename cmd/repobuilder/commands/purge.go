package commands

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"

	"git.home.luguber.info/inful/repobuilder/internal/app"
	"git.home.luguber.info/inful/repobuilder/internal/filelock"
	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/purge"
)

// PurgeCmd implements the 'purge' command.
type PurgeCmd struct {
	OlderThan   int      `name:"older-than" help:"Purge builds older than this many days. Defaults to purge.older_than_days."`
	Yes         bool     `short:"y" help:"Do not ask for confirmation."`
	DryRun      bool     `name:"dry-run" help:"Report what would be purged without changing anything."`
	ExcludeDirs []string `name:"exclude-dirs" help:"Keep builds whose artifacts also appear in these directories."`

	stdin io.Reader
}

func (p *PurgeCmd) Run(g *Global, root *CLI) error {
	rt, err := open(g, root, app.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	opts := purge.OptionsFromConfig(rt.Config)
	if p.OlderThan > 0 {
		opts.OlderThan = time.Duration(p.OlderThan) * 24 * time.Hour
	}
	if len(p.ExcludeDirs) > 0 {
		opts.ExcludeDirs = p.ExcludeDirs
	}
	opts.DryRun = p.DryRun
	if opts.OlderThan <= 0 {
		return ferrors.ValidationError("--older-than is required when purge.older_than_days is not set").UserAction().Build()
	}

	if !p.Yes && !p.DryRun {
		g.printf("Remove all builds older than %s? [y/N] ", time.Now().Add(-opts.OlderThan).Format(time.DateOnly))
		if !p.confirm() {
			g.printf("Aborted\n")
			return nil
		}
	}

	var report *purge.Report
	err = filelock.With(rt.Config.LockPath(), func() error {
		var err error
		report, err = rt.Purge.Run(g.context(), opts)
		return err
	})
	if err != nil {
		return err
	}

	verb := "purged"
	if report.DryRun {
		verb = "would purge"
	}
	for _, e := range report.Entries {
		if e.Action == purge.ActionPurged {
			g.printf("%s %s %s %s\n", verb, e.Commit.ProjectName, e.Commit.CommitHash, e.Commit.Dir())
		}
	}
	for _, dir := range report.Aggregates {
		g.printf("%s aggregate %s\n", verb, dir)
	}
	g.printf("%d commits %s\n", report.Purged(), verb)
	return nil
}

func (p *PurgeCmd) confirm() bool {
	in := p.stdin
	if in == nil {
		in = os.Stdin
	}
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
