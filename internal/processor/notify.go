package processor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
	"git.home.luguber.info/inful/repobuilder/internal/logfields"
	"git.home.luguber.info/inful/repobuilder/internal/pkginfo"
)

// Failure is what notification and review hooks learn about a failed build.
type Failure struct {
	Package pkginfo.PackageInfo
	Commit  *ledger.Commit
	LogURL  string
	// CommitURL links to the source commit in the upstream web UI.
	CommitURL string
}

// Notifier informs maintainers about a FAILED build.
type Notifier interface {
	Notify(ctx context.Context, f Failure) error
}

// Reviewer opens a review against the packaging repository of a FAILED build.
type Reviewer interface {
	SubmitReview(ctx context.Context, f Failure) error
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Failure) error { return nil }

type noopReviewer struct{}

func (noopReviewer) SubmitReview(context.Context, Failure) error { return nil }

const mailTemplate = `A build of {{.Package.Name}} failed against the current master.

Upstream:  {{.Package.Upstream}}
Packaging: {{.Package.Distgit}}
Commit:    {{.CommitURL}}

The build log can be found at {{.LogURL}}

This is the only notification you will receive for this package in the
next 24 hours.
`

var mailTmpl = template.Must(template.New("mail").Option("missingkey=error").Parse(mailTemplate))

// MailNotifier sends plain text mail through an SMTP relay.
type MailNotifier struct {
	server string
	from   string
	send   func(addr string, a smtpAuth, from string, to []string, msg []byte) error
}

type smtpAuth = smtp.Auth

// NewMailNotifier returns a notifier for cfg. Without an SMTP server the
// notifier only logs.
func NewMailNotifier(cfg config.NotificationConfig) *MailNotifier {
	from := cfg.From
	if from == "" {
		from = "no-reply@repobuilder.local"
	}
	return &MailNotifier{server: cfg.SMTPServer, from: from, send: smtp.SendMail}
}

// Notify mails the package maintainers.
func (m *MailNotifier) Notify(_ context.Context, f Failure) error {
	to := f.Package.Maintainers
	if m.server == "" || len(to) == 0 {
		slog.Info("Skipping notify email", logfields.Project(f.Commit.ProjectName), slog.Any("to", to))
		return nil
	}
	msg, err := renderMail(m.from, f)
	if err != nil {
		return err
	}
	addr := m.server
	if !strings.Contains(addr, ":") {
		addr += ":25"
	}
	slog.Info("Sending notify email", logfields.Project(f.Commit.ProjectName), slog.Any("to", to))
	if err := m.send(addr, nil, m.from, to, msg); err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "failed to send notification").
			WithContext("project", f.Commit.ProjectName).
			Build()
	}
	return nil
}

func renderMail(from string, f Failure) ([]byte, error) {
	var body bytes.Buffer
	if err := mailTmpl.Execute(&body, f); err != nil {
		return nil, fmt.Errorf("render notification: %w", err)
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: packagers\r\n")
	fmt.Fprintf(&msg, "Subject: [repobuilder] %s master package build failed\r\n", f.Commit.ProjectName)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return msg.Bytes(), nil
}

// CommandReviewer runs the configured review command with the review
// details in its environment.
type CommandReviewer struct {
	argv    []string
	dataDir string
	baseURL string
	timeout time.Duration
}

// NewCommandReviewer returns a reviewer for cfg, or nil when no review
// command is configured.
func NewCommandReviewer(cfg *config.Config) *CommandReviewer {
	if len(cfg.Notifications.ReviewCommand) == 0 {
		return nil
	}
	argv := append([]string(nil), cfg.Notifications.ReviewCommand...)
	if !filepath.IsAbs(argv[0]) && strings.Contains(argv[0], "/") && cfg.ScriptsDir != "" {
		argv[0] = filepath.Join(cfg.ScriptsDir, argv[0])
	}
	return &CommandReviewer{argv: argv, dataDir: cfg.DataDir, baseURL: cfg.BaseURL, timeout: 5 * time.Minute}
}

// SubmitReview runs the review command. Its output goes to review.log in
// the commit directory.
func (r *CommandReviewer) SubmitReview(ctx context.Context, f Failure) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	commitDir := filepath.Join(r.dataDir, "repos", filepath.FromSlash(f.Commit.Dir()))
	args := append(append([]string(nil), r.argv[1:]...),
		f.Commit.ProjectName, commitDir, r.dataDir, r.baseURL, f.Commit.DistgitDir)
	// #nosec G204 -- the command comes from the operator
	cmd := exec.CommandContext(ctx, r.argv[0], args...)
	cmd.Env = append(os.Environ(),
		"REVIEW_URL="+f.CommitURL,
		"REVIEW_LOG="+f.LogURL,
		"REVIEW_MAINTAINERS="+strings.Join(f.Package.Maintainers, ","),
	)
	out, err := cmd.CombinedOutput()
	if werr := os.WriteFile(filepath.Join(commitDir, "review.log"), out, 0o644); werr != nil {
		slog.Warn("Could not write review log", logfields.Path(commitDir), logfields.Error(werr))
	}
	if err != nil {
		return errors.RuntimeError("review command failed").WithCause(err).
			WithContext("project", f.Commit.ProjectName).
			Build()
	}
	return nil
}

// CommitURL returns a browser link to commitHash in upstream. Known forges
// get their commit page, anything else falls back to the repository URL.
func CommitURL(upstream, commitHash string) string {
	u, err := url.Parse(upstream)
	if err != nil || u.Host == "" {
		return upstream
	}
	path := strings.TrimSuffix(u.Path, ".git")
	switch u.Host {
	case "github.com", "opendev.org", "gitlab.com", "codeberg.org":
		return "https://" + u.Host + path + "/commit/" + commitHash
	case "git.openstack.org":
		return "http://" + u.Host + "/cgit" + path + "/commit/?id=" + commitHash
	default:
		return upstream
	}
}
