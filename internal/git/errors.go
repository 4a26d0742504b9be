package git

import (
	stderrors "errors"
	"net"
	"strings"

	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
)

// ErrBranchNotFound is returned when neither the requested branch nor the
// fallback exists on the remote.
var ErrBranchNotFound = stderrors.New("branch not found")

// ClassifyGitError translates go-git errors into ClassifiedErrors. Network
// trouble is retryable; everything else is deferred to the next pass.
func ClassifyGitError(err error, op, url string) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.AsClassified(err); ok {
		return err
	}

	builder := errors.GitError("git "+op+" failed").
		WithCause(err).
		WithContext("op", op).
		WithContext("url", url)
	if !IsPermanent(err) {
		builder.WithCategory(errors.CategoryNetwork).Retryable()
	}
	return builder.Build()
}

// IsPermanent reports whether retrying err within the same pass is pointless.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrBranchNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"auth", "permission", "denied", "not found", "does not exist", "no such remote", "invalid reference", "unsupported protocol"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	var nerr net.Error
	if stderrors.As(err, &nerr) {
		return !nerr.Timeout()
	}
	return false
}
