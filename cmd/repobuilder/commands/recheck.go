package commands

import (
	"git.home.luguber.info/inful/repobuilder/internal/api"
	"git.home.luguber.info/inful/repobuilder/internal/app"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

// RecheckCmd implements the 'recheck' command.
type RecheckCmd struct {
	CommitHash  string `name:"commit-hash" help:"Source commit hash."`
	DistroHash  string `name:"distro-hash" help:"Packaging commit hash."`
	PackageName string `name:"package-name" short:"p" help:"Recheck the newest build of this package."`
	Force       bool   `help:"Also remove a successful build."`
}

func (r *RecheckCmd) Run(g *Global, root *CLI) error {
	rt, err := open(g, root, app.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	action, c, err := rt.Service.Recheck(g.context(), api.RecheckRequest{
		Key:     ledger.CommitKey{CommitHash: r.CommitHash, DistroHash: r.DistroHash},
		Project: r.PackageName,
		Force:   r.Force,
	})
	if err != nil {
		return err
	}
	g.printf("%s %s %s: %s\n", c.ProjectName, c.CommitHash, c.Status, action)
	return nil
}
