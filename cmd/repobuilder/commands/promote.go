package commands

import (
	"os"
	"strings"

	"git.home.luguber.info/inful/repobuilder/internal/api"
	"git.home.luguber.info/inful/repobuilder/internal/app"
	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

// CommitFlags identify one commit on the command line.
type CommitFlags struct {
	CommitHash   string `name:"commit-hash" required:"" help:"Source commit hash."`
	DistroHash   string `name:"distro-hash" required:"" help:"Packaging commit hash."`
	ExtendedHash string `name:"extended-hash" help:"Extended hash, when the build used one."`
	Component    string `help:"Component of the commit."`
}

// Key returns the ledger identity of the flags.
func (f CommitFlags) Key() ledger.CommitKey {
	return ledger.CommitKey{
		CommitHash:   f.CommitHash,
		DistroHash:   f.DistroHash,
		ExtendedHash: f.ExtendedHash,
		Component:    f.Component,
	}
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// PromoteCmd implements the 'promote' command.
type PromoteCmd struct {
	CommitFlags
	Name string `arg:"" help:"Promotion name, for example tested."`
}

func (p *PromoteCmd) Run(g *Global, root *CLI) error {
	rt, err := open(g, root, app.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	res, err := rt.Service.Promote(g.context(), p.Key(), p.Name, currentUser())
	if err != nil {
		return err
	}
	g.printf("promoted %s %s to %s\n", res.Commit.ProjectName, res.Commit.Dir(), p.Name)
	if res.AggregateHash != "" {
		g.printf("aggregate %s\n", res.AggregateHash)
	}
	return nil
}

// PromoteBatchCmd implements the 'promote-batch' command.
type PromoteBatchCmd struct {
	Name    string   `help:"Promotion name for items that do not carry their own."`
	Commits []string `arg:"" help:"Commits as [name=]commit_hash:distro_hash[:extended_hash[:component]]."`
}

// Items parses the positional promotions.
func (p *PromoteBatchCmd) Items() ([]api.BatchPromotion, error) {
	items := make([]api.BatchPromotion, 0, len(p.Commits))
	for _, spec := range p.Commits {
		name, ident := p.Name, spec
		if n, rest, ok := strings.Cut(spec, "="); ok {
			name, ident = n, rest
		}
		parts := strings.Split(ident, ":")
		if len(parts) < 2 || len(parts) > 4 || parts[0] == "" || parts[1] == "" {
			return nil, ferrors.ValidationError("invalid commit identity").
				WithContext("commit", spec).UserAction().Build()
		}
		if name == "" {
			return nil, ferrors.ValidationError("promotion name missing, use --name or name=").
				WithContext("commit", spec).UserAction().Build()
		}
		k := ledger.CommitKey{CommitHash: parts[0], DistroHash: parts[1]}
		if len(parts) > 2 {
			k.ExtendedHash = parts[2]
		}
		if len(parts) > 3 {
			k.Component = parts[3]
		}
		items = append(items, api.BatchPromotion{Key: k, Name: name})
	}
	return items, nil
}

func (p *PromoteBatchCmd) Run(g *Global, root *CLI) error {
	items, err := p.Items()
	if err != nil {
		return err
	}
	rt, err := open(g, root, app.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	results, err := rt.Service.PromoteBatch(g.context(), items, currentUser())
	if err != nil {
		return err
	}
	for _, res := range results {
		g.printf("promoted %s %s to %s\n", res.Commit.ProjectName, res.Commit.Dir(), res.Promotion.PromotionName)
	}
	return nil
}
