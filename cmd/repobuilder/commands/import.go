package commands

import (
	"git.home.luguber.info/inful/repobuilder/internal/app"
)

// ImportCmd implements the 'import' command.
type ImportCmd struct {
	RepoURL string `arg:"" name:"repo-url" help:"URL of the commit directory to import."`
}

func (i *ImportCmd) Run(g *Global, root *CLI) error {
	rt, err := open(g, root, app.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if _, err := rt.LoadPackages(g.context()); err != nil {
		return err
	}
	imported, err := rt.Service.Import(g.context(), i.RepoURL)
	if err != nil {
		return err
	}
	for _, im := range imported {
		if im.Skipped {
			g.printf("skipped %s %s: %s\n", im.Commit.ProjectName, im.Commit.CommitHash, im.Reason)
			continue
		}
		g.printf("imported %s %s: %s\n", im.Commit.ProjectName, im.Commit.CommitHash, im.Status)
	}
	return nil
}
