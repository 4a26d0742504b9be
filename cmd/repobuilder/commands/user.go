package commands

import (
	"os"

	"git.home.luguber.info/inful/repobuilder/internal/api"
	"git.home.luguber.info/inful/repobuilder/internal/app"
	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

// UserCmd groups the API user commands.
type UserCmd struct {
	Create UserCreateCmd `cmd:"" help:"Create an API user"`
}

// UserCreateCmd implements 'user create'.
type UserCreateCmd struct {
	Username    string `arg:"" help:"User name."`
	PasswordEnv string `name:"password-env" default:"REPOBUILDER_PASSWORD" help:"Environment variable holding the password."`
}

func (u *UserCreateCmd) Run(g *Global, root *CLI) error {
	password := os.Getenv(u.PasswordEnv)
	if password == "" {
		return ferrors.ValidationError("password not set").WithContext("env", u.PasswordEnv).UserAction().Build()
	}
	hash, err := api.HashPassword(password)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "failed to hash password").Build()
	}

	rt, err := open(g, root, app.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if err := rt.Store.AddUser(g.context(), &ledger.User{Username: u.Username, Password: hash}); err != nil {
		return err
	}
	g.printf("user %s created\n", u.Username)
	return nil
}
