package commands

import (
	"os"

	"git.home.luguber.info/inful/repobuilder/internal/app"
	"git.home.luguber.info/inful/repobuilder/internal/depgraph"
	"git.home.luguber.info/inful/repobuilder/internal/scheduler"
)

// OrderCmd implements the 'order' command.
type OrderCmd struct {
	PackageName []string `name:"package-name" short:"p" help:"Order these packages only."`
	Component   string   `help:"Order the packages of this component only."`
	Graph       string   `help:"Write the dependency graph in DOT format to this file." type:"path"`
}

func (o *OrderCmd) Run(g *Global, root *CLI) error {
	rt, err := open(g, root, app.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	pkgs, err := rt.Scheduler.Packages(g.context(), scheduler.Options{Projects: o.PackageName, Component: o.Component})
	if err != nil {
		return err
	}
	specs, err := rt.Scheduler.Specs(pkgs)
	if err != nil {
		return err
	}
	graph := depgraph.NewGraph(specs)
	order, cycles := graph.Order()
	for _, name := range order {
		g.printf("%s\n", name)
	}
	for _, c := range cycles {
		g.printf("cycle: %s\n", c)
	}

	if o.Graph == "" {
		return nil
	}
	f, err := os.Create(o.Graph)
	if err != nil {
		return err
	}
	if err := graph.WriteDOT(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
