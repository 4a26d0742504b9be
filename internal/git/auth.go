package git

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// AuthType selects how a remote is accessed.
type AuthType string

const (
	AuthNone  AuthType = ""
	AuthSSH   AuthType = "ssh"
	AuthToken AuthType = "token"
	AuthBasic AuthType = "basic"
)

// Auth describes credentials for one remote. Secrets are expected to come
// from the environment through config expansion.
type Auth struct {
	Type     AuthType `yaml:"type"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	Token    string   `yaml:"token,omitempty"`
	KeyPath  string   `yaml:"key_path,omitempty"`
}

func (a *Auth) method() (transport.AuthMethod, error) {
	if a == nil {
		return nil, nil
	}
	switch a.Type {
	case AuthNone:
		return nil, nil
	case AuthSSH:
		keyPath := a.KeyPath
		if keyPath == "" {
			keyPath = filepath.Join(os.Getenv("HOME"), ".ssh", "id_rsa")
		}
		user := a.Username
		if user == "" {
			user = "git"
		}
		keys, err := ssh.NewPublicKeysFromFile(user, keyPath, a.Password)
		if err != nil {
			return nil, fmt.Errorf("load SSH key from %s: %w", keyPath, err)
		}
		return keys, nil
	case AuthToken:
		if a.Token == "" {
			return nil, fmt.Errorf("token auth requires a token")
		}
		user := a.Username
		if user == "" {
			user = "token"
		}
		return &http.BasicAuth{Username: user, Password: a.Token}, nil
	case AuthBasic:
		if a.Username == "" {
			return nil, fmt.Errorf("basic auth requires a username")
		}
		return &http.BasicAuth{Username: a.Username, Password: a.Password}, nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", a.Type)
	}
}
