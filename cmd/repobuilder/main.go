package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/repobuilder/cmd/repobuilder/commands"
	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/version"
)

func main() {
	var cli commands.CLI
	parser := kong.Parse(&cli,
		kong.Name("repobuilder"),
		kong.Description("Continuously build packages from upstream commits and publish them as repositories."),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := parser.Run(&commands.Global{Ctx: ctx, Out: os.Stdout}, &cli)
	stop()

	var exit *commands.ExitCodeError
	if errors.As(err, &exit) {
		os.Exit(exit.Code)
	}
	ferrors.NewCLIErrorAdapter(cli.Verbose, nil).HandleError(err)
}
