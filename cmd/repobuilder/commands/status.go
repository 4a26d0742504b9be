package commands

import (
	"text/tabwriter"

	"git.home.luguber.info/inful/repobuilder/internal/app"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

// StatusCmd implements the 'status' command.
type StatusCmd struct {
	PackageName []string `name:"package-name" short:"p" help:"Show these packages only."`
}

func (s *StatusCmd) Run(g *Global, root *CLI) error {
	rt, err := open(g, root, app.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	names := s.PackageName
	if len(names) == 0 {
		pkgs, err := rt.Source.Packages(g.context())
		if err != nil {
			return err
		}
		for _, p := range pkgs {
			names = append(names, p.Name)
		}
	}

	tw := tabwriter.NewWriter(writer{g}, 0, 4, 2, ' ', 0)
	for _, name := range names {
		last, err := rt.Store.ListCommits(g.context(), ledger.CommitFilter{
			Project: name,
			Type:    rt.Config.BuildType,
			Limit:   1,
		})
		if err != nil {
			return err
		}
		if len(last) == 0 {
			_, _ = tw.Write([]byte(name + "\tNO_BUILD\n"))
			continue
		}
		_, _ = tw.Write([]byte(name + "\t" + string(last[0].Status) + "\t" + last[0].CommitHash + "\n"))
	}
	return tw.Flush()
}

// writer adapts Global output to io.Writer.
type writer struct{ g *Global }

func (w writer) Write(p []byte) (int, error) {
	w.g.printf("%s", p)
	return len(p), nil
}
